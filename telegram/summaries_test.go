package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvents(t *testing.T, db *DB, chatID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.WithTx(func(tx *Tx) error {
			return tx.InsertEvent(EventNewMessage, chatID, map[string]any{
				"message_id": FormatID(int64(100 + i)),
				"from_id":    "7",
			})
		}))
	}
}

func TestTickProducesSummary(t *testing.T) {
	db := openTestDB(t)
	host := newFakeHost()
	emitter := NewEmitter(host, testLogger(t))
	sum := NewSummarizer(db, emitter, 7*24*time.Hour, testLogger(t))

	seedEvents(t, db, "100", 3)

	require.NoError(t, sum.Run(context.Background(), time.Now()))

	sums, err := db.ListSummaries(SummaryHourly, 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	s := sums[0]
	assert.Equal(t, "100", s.Content.ChatID)
	assert.Equal(t, 3, s.Content.MessageCount)
	assert.Equal(t, []string{"7"}, s.Content.TopSenders)
	assert.Equal(t, s.PeriodStart.Add(time.Hour), s.PeriodEnd)

	// Summary entity with a summarizes relationship.
	assert.Equal(t, 1, host.entityCount(EntitySummary))
	require.Len(t, host.rels, 1)
	assert.Equal(t, RelSummarizes, host.rels[0].Type)
	assert.Equal(t, "telegram:100", host.rels[0].TargetID)
}

func TestSummaryRerunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	host := newFakeHost()
	sum := NewSummarizer(db, NewEmitter(host, testLogger(t)), 7*24*time.Hour, testLogger(t))
	seedEvents(t, db, "100", 2)
	ctx := context.Background()

	require.NoError(t, sum.Run(ctx, time.Now()))

	// Re-running over the same window must not duplicate rows or
	// entities.
	fresh := NewSummarizer(db, NewEmitter(host, testLogger(t)), 7*24*time.Hour, testLogger(t))
	require.NoError(t, fresh.Run(ctx, time.Now()))

	sums, err := db.ListSummaries(SummaryHourly, 10)
	require.NoError(t, err)
	assert.Len(t, sums, 1)
	assert.Equal(t, 1, host.entityCount(EntitySummary))
}

func TestSummariesGroupPerChat(t *testing.T) {
	db := openTestDB(t)
	host := newFakeHost()
	sum := NewSummarizer(db, NewEmitter(host, testLogger(t)), 7*24*time.Hour, testLogger(t))
	seedEvents(t, db, "100", 2)
	seedEvents(t, db, "200", 1)

	require.NoError(t, sum.Run(context.Background(), time.Now()))

	sums, err := db.ListSummaries(SummaryHourly, 10)
	require.NoError(t, err)
	assert.Len(t, sums, 2)
}

func TestSummaryCountsEditsAndDeletes(t *testing.T) {
	db := openTestDB(t)
	host := newFakeHost()
	sum := NewSummarizer(db, NewEmitter(host, testLogger(t)), 7*24*time.Hour, testLogger(t))
	seedEvents(t, db, "100", 1)
	require.NoError(t, db.WithTx(func(tx *Tx) error {
		return tx.InsertEvent(EventMessageEdited, "100", map[string]any{"message_id": "100"})
	}))
	require.NoError(t, db.WithTx(func(tx *Tx) error {
		return tx.InsertEvent(EventMessageDeleted, "100", map[string]any{"message_ids": []string{"99"}})
	}))

	require.NoError(t, sum.Run(context.Background(), time.Now()))

	sums, err := db.ListSummaries(SummaryHourly, 10)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 1, sums[0].Content.MessageCount)
	assert.Equal(t, 1, sums[0].Content.EditCount)
	assert.Equal(t, 1, sums[0].Content.DeleteCount)
}

func TestRetentionPrunesOldRows(t *testing.T) {
	db := openTestDB(t)
	host := newFakeHost()
	const retention = time.Hour
	sum := NewSummarizer(db, NewEmitter(host, testLogger(t)), retention, testLogger(t))
	seedEvents(t, db, "100", 1)

	// Running far in the future prunes everything created now.
	require.NoError(t, sum.Run(context.Background(), time.Now().Add(48*time.Hour)))

	events, err := db.EventsSince(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventsWithoutChatAreSkipped(t *testing.T) {
	db := openTestDB(t)
	host := newFakeHost()
	sum := NewSummarizer(db, NewEmitter(host, testLogger(t)), 7*24*time.Hour, testLogger(t))
	require.NoError(t, db.WithTx(func(tx *Tx) error {
		return tx.InsertEvent(EventUserStatus, "", map[string]any{"user_id": "7"})
	}))

	require.NoError(t, sum.Run(context.Background(), time.Now()))
	sums, err := db.ListSummaries(SummaryHourly, 10)
	require.NoError(t, err)
	assert.Empty(t, sums)
}
