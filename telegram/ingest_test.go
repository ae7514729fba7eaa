package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestHarness struct {
	store    *Store
	db       *DB
	host     *fakeHost
	trans    *fakeTransport
	ingestor *Ingestor
}

func newIngestHarness(t *testing.T) *ingestHarness {
	t.Helper()
	store := NewStore(200, testLogger(t))
	db := openTestDB(t)
	host := newFakeHost()
	trans := newFakeTransport()
	client := newTestClient(t, trans, testConfig())
	emitter := NewEmitter(host, testLogger(t))
	triggers := NewTriggerEngine(host, testLogger(t))
	return &ingestHarness{
		store:    store,
		db:       db,
		host:     host,
		trans:    trans,
		ingestor: NewIngestor(store, db, client, emitter, triggers, host, testLogger(t)),
	}
}

func newMessageUpdate(pts int, chatID, msgID, fromID int64, text string, out bool) RawUpdate {
	msg := RawMessage{
		ID:     msgID,
		ChatID: chatID,
		FromID: fromID,
		Date:   time.Now(),
		Text:   text,
		Out:    out,
	}
	return RawUpdate{
		Kind:     UpdNewMessage,
		Pts:      pts,
		PtsCount: 1,
		ChatID:   chatID,
		Message:  &msg,
	}
}

func TestIncomingMessageUpdatesAllTiers(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	// Preconditions: chat C1 present with unread_count=2, sender known.
	chat := testChat("100", 2)
	h.store.AddChats([]Chat{chat})
	h.store.AddUsers([]User{{ID: "7", FirstName: "Uma"}})
	h.store.SetCursor(Cursor{Pts: 9})

	h.ingestor.Handle(ctx, newMessageUpdate(10, 100, 42, 7, "hi", false))

	// In-memory tier.
	got, ok := h.store.Chat("100")
	require.True(t, ok)
	assert.Equal(t, 3, got.UnreadCount)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "42", got.LastMessage.ID)

	// Durable tier, same transaction as the event row.
	row, found, err := h.db.GetMessage("100", "42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hi", row.Text)
	n, err := h.db.CountEvents(EventNewMessage)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Cursor advanced in memory and on disk.
	assert.Equal(t, 10, h.store.CursorValue().Pts)
	cur, ok2, err := h.db.LoadCursor("global")
	require.NoError(t, err)
	require.True(t, ok2)
	assert.Equal(t, 10, cur.Pts)

	// Entity refresh: the chat and the sender contact.
	assert.GreaterOrEqual(t, h.host.entityCount(EntityGroup), 1)
	assert.GreaterOrEqual(t, h.host.entityCount(EntityContact), 1)
}

func TestDuplicateEventIsIdempotent(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()
	h.store.AddChats([]Chat{testChat("100", 0)})
	h.store.SetCursor(Cursor{Pts: 9})

	upd := newMessageUpdate(10, 100, 42, 7, "hi", false)
	h.ingestor.Handle(ctx, upd)
	first := h.store.Snapshot()

	h.ingestor.Handle(ctx, upd) // same pts: duplicate
	second := h.store.Snapshot()

	assert.Equal(t, first.Chats["100"].UnreadCount, second.Chats["100"].UnreadCount)
	assert.Len(t, h.store.Messages("100", 0), 1)
	n, err := h.db.CountEvents(EventNewMessage)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutgoingMessageDoesNotIncrementUnread(t *testing.T) {
	h := newIngestHarness(t)
	h.store.AddChats([]Chat{testChat("100", 2)})
	h.store.SetCursor(Cursor{Pts: 9})

	h.ingestor.Handle(context.Background(), newMessageUpdate(10, 100, 42, 0, "mine", true))

	got, _ := h.store.Chat("100")
	assert.Equal(t, 2, got.UnreadCount)
}

func TestMessageForUnknownChatCreatesStub(t *testing.T) {
	h := newIngestHarness(t)
	h.ingestor.Handle(context.Background(), newMessageUpdate(0, 555, 1, 9, "first contact", false))

	chat, ok := h.store.Chat("555")
	require.True(t, ok, "a retained message always has its chat in memory")
	assert.Equal(t, 1, chat.UnreadCount)
}

func TestReadReceiptResetsUnreadToServerValue(t *testing.T) {
	h := newIngestHarness(t)
	h.store.AddChats([]Chat{testChat("100", 7)})
	h.store.SetCursor(Cursor{Pts: 9})

	h.ingestor.Handle(context.Background(), RawUpdate{
		Kind:        UpdReadInbox,
		Pts:         10,
		PtsCount:    1,
		ChatID:      100,
		MaxID:       42,
		StillUnread: 4,
	})

	got, _ := h.store.Chat("100")
	assert.Equal(t, 4, got.UnreadCount)
	n, err := h.db.CountEvents(EventMessagesRead)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEditAndDeleteFlow(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()
	h.store.AddChats([]Chat{testChat("100", 0)})
	h.store.SetCursor(Cursor{Pts: 9})

	h.ingestor.Handle(ctx, newMessageUpdate(10, 100, 42, 7, "original", false))

	edit := newMessageUpdate(11, 100, 42, 7, "edited", false)
	edit.Kind = UpdEditMessage
	h.ingestor.Handle(ctx, edit)

	msgs := h.store.Messages("100", 0)
	require.Len(t, msgs, 1)
	assert.Equal(t, "edited", msgs[0].Text)
	assert.True(t, msgs[0].IsEdited)

	h.ingestor.Handle(ctx, RawUpdate{
		Kind:       UpdDeleteMessages,
		Pts:        12,
		PtsCount:   1,
		ChatID:     100,
		DeletedIDs: []int64{42},
	})
	assert.Empty(t, h.store.Messages("100", 0))
	_, found, err := h.db.GetMessage("100", "42")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteUnknownMessageIsNoop(t *testing.T) {
	h := newIngestHarness(t)
	h.store.SetCursor(Cursor{Pts: 9})
	h.ingestor.Handle(context.Background(), RawUpdate{
		Kind:       UpdDeleteMessages,
		Pts:        10,
		PtsCount:   1,
		ChatID:     100,
		DeletedIDs: []int64{999},
	})
	// No panic, event recorded, cursor advanced.
	assert.Equal(t, 10, h.store.CursorValue().Pts)
}

func TestChatActionAdjustsParticipants(t *testing.T) {
	h := newIngestHarness(t)
	chat := testChat("100", 0)
	chat.ParticipantsCount = intPtr(5)
	h.store.AddChats([]Chat{chat})

	h.ingestor.Handle(context.Background(), RawUpdate{
		Kind:   UpdChatAction,
		ChatID: 100,
		UserID: 7,
		Action: ActionUserJoined,
	})
	got, _ := h.store.Chat("100")
	require.NotNil(t, got.ParticipantsCount)
	assert.Equal(t, 6, *got.ParticipantsCount)

	h.ingestor.Handle(context.Background(), RawUpdate{
		Kind:   UpdChatAction,
		ChatID: 100,
		UserID: 7,
		Action: ActionUserKicked,
	})
	got, _ = h.store.Chat("100")
	assert.Equal(t, 5, *got.ParticipantsCount)
}

func TestGapTriggersDifferenceRecovery(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()
	h.store.AddChats([]Chat{testChat("100", 0)})
	h.store.SetCursor(Cursor{Pts: 10})

	// The difference contains the missing pts 11 and the gap-causing 12.
	h.trans.diff = Difference{
		Updates: []RawUpdate{
			newMessageUpdate(11, 100, 41, 7, "missed", false),
			newMessageUpdate(12, 100, 42, 7, "caught up", false),
		},
		State: RawState{Pts: 12, Seq: 3, Date: time.Now()},
	}

	// pts 12 when we stored 10: not the expected successor.
	h.ingestor.Handle(ctx, newMessageUpdate(12, 100, 42, 7, "caught up", false))

	_, _, _, diffCalls := h.trans.calls()
	assert.Equal(t, 1, diffCalls)
	assert.Len(t, h.store.Messages("100", 0), 2, "both gap messages applied in order")
	assert.Equal(t, 12, h.store.CursorValue().Pts)
}

func TestUpdatesAppliedInOrder(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()
	h.store.AddChats([]Chat{testChat("100", 0)})
	h.store.SetCursor(Cursor{Pts: 0})

	for i := 1; i <= 5; i++ {
		h.ingestor.Handle(ctx, newMessageUpdate(i, 100, int64(i), 7, "m", false))
	}

	msgs := h.store.Messages("100", 0)
	require.Len(t, msgs, 5)
	got, _ := h.store.Chat("100")
	assert.Equal(t, "5", got.LastMessage.ID)
	assert.Equal(t, 5, got.UnreadCount)
}

func TestDBFailureMarksDegradedButKeepsMemory(t *testing.T) {
	h := newIngestHarness(t)
	h.store.AddChats([]Chat{testChat("100", 0)})
	h.store.SetCursor(Cursor{Pts: 9})

	// Force durable writes to fail.
	require.NoError(t, h.db.Close())

	h.ingestor.Handle(context.Background(), newMessageUpdate(10, 100, 42, 7, "hi", false))

	assert.True(t, h.store.Degraded())
	// Memory still serves the event.
	assert.Len(t, h.store.Messages("100", 0), 1)
}

func TestEntityFailureNeverBlocksIngest(t *testing.T) {
	h := newIngestHarness(t)
	h.host.entityErr = assert.AnError
	h.store.AddChats([]Chat{testChat("100", 0)})
	h.store.SetCursor(Cursor{Pts: 9})

	h.ingestor.Handle(context.Background(), newMessageUpdate(10, 100, 42, 7, "hi", false))

	assert.Len(t, h.store.Messages("100", 0), 1)
}

func TestRunExitsWhenStreamCloses(t *testing.T) {
	h := newIngestHarness(t)
	go h.ingestor.Run(context.Background())

	h.trans.updates <- newMessageUpdate(0, 100, 1, 7, "hi", false)
	require.NoError(t, h.trans.Close(context.Background()))

	select {
	case <-h.ingestor.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ingest did not exit after stream close")
	}
	assert.Len(t, h.store.Messages("100", 0), 1, "event enqueued before close is not lost")
}

func TestUserStatusUpdate(t *testing.T) {
	h := newIngestHarness(t)
	h.store.AddUsers([]User{{ID: "7", FirstName: "Uma"}})

	h.ingestor.Handle(context.Background(), RawUpdate{
		Kind:       UpdUserStatus,
		UserID:     7,
		UserStatus: "online",
	})

	u, ok := h.store.User("7")
	require.True(t, ok)
	assert.Equal(t, "online", u.Status)
}
