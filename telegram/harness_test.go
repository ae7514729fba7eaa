package telegram

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	goskills "github.com/everydev1618/goskills"
	"github.com/everydev1618/goskills/ratelimit"
)

// fakeTransport is a scripted Transport. Tests preload dialogs, history
// and errors, then feed updates through the channel.
type fakeTransport struct {
	mu sync.Mutex

	me       RawUser
	authed   bool
	dialogs  []RawDialog
	history  map[int64][]RawMessage
	contacts []RawUser
	state    RawState
	diff     Difference
	session  string
	codeHash string

	signInErr   error
	passwordErr error
	sendCodeErr error
	connectErr  error

	// sendErrs is popped once per SendMessage call before success.
	sendErrs []error

	updates chan RawUpdate

	dialogCalls  int
	historyCalls int
	sendCalls    int
	diffCalls    int
	closed       bool
	nextMsgID    int64
}

var (
	_ Transport     = (*fakeTransport)(nil)
	_ goskills.Host = (*fakeHost)(nil)
)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		me:        RawUser{ID: 1, FirstName: "Test", Username: "testuser", Self: true},
		authed:    true,
		history:   make(map[int64][]RawMessage),
		session:   "session-string",
		codeHash:  "code-hash",
		updates:   make(chan RawUpdate, 64),
		nextMsgID: 1000,
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		err := f.connectErr
		f.connectErr = nil
		return err
	}
	return nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.updates)
	}
	return nil
}

func (f *fakeTransport) Authenticated(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed, nil
}

func (f *fakeTransport) Me(ctx context.Context) (RawUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.me, nil
}

func (f *fakeTransport) Dialogs(ctx context.Context, limit int) ([]RawDialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialogCalls++
	if limit < len(f.dialogs) {
		return f.dialogs[:limit], nil
	}
	return f.dialogs, nil
}

func (f *fakeTransport) History(ctx context.Context, chatID int64, limit int, maxID int64) ([]RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	return f.history[chatID], nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return RawMessage{}, err
	}
	f.nextMsgID++
	return RawMessage{
		ID:        f.nextMsgID,
		ChatID:    chatID,
		Text:      text,
		Out:       true,
		ReplyToID: replyTo,
	}, nil
}

func (f *fakeTransport) EditMessage(ctx context.Context, chatID, messageID int64, text string) (RawMessage, error) {
	return RawMessage{ID: messageID, ChatID: chatID, Text: text, Out: true, Edited: true}, nil
}

func (f *fakeTransport) DeleteMessages(ctx context.Context, chatID int64, ids []int64) error {
	return nil
}

func (f *fakeTransport) MarkRead(ctx context.Context, chatID int64, maxID int64) error {
	return nil
}

func (f *fakeTransport) SetMuted(ctx context.Context, chatID int64, muted bool) error {
	return nil
}

func (f *fakeTransport) SetArchived(ctx context.Context, chatID int64, archived bool) error {
	return nil
}

func (f *fakeTransport) Contacts(ctx context.Context) ([]RawUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts, nil
}

func (f *fakeTransport) SearchContacts(ctx context.Context, query string, limit int) ([]RawUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts, nil
}

func (f *fakeTransport) State(ctx context.Context) (RawState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeTransport) Difference(ctx context.Context, from RawState) (Difference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffCalls++
	return f.diff, nil
}

func (f *fakeTransport) Updates() <-chan RawUpdate {
	return f.updates
}

func (f *fakeTransport) SendCode(ctx context.Context, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendCodeErr != nil {
		return "", f.sendCodeErr
	}
	return f.codeHash, nil
}

func (f *fakeTransport) SignIn(ctx context.Context, phone, code, codeHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signInErr
}

func (f *fakeTransport) CheckPassword(ctx context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passwordErr
}

func (f *fakeTransport) ExportSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, nil
}

func (f *fakeTransport) calls() (dialogs, history, send, diff int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialogCalls, f.historyCalls, f.sendCalls, f.diffCalls
}

// fakeHost records every outbound call the skill makes.
type fakeHost struct {
	mu sync.Mutex

	files    map[string][]byte
	states   []map[string]any
	entities []goskills.Entity
	rels     []goskills.Relationship
	fired    []firedTrigger
	pushed   []pushedEvent

	entityErr error
}

type firedTrigger struct {
	ID      string
	Payload map[string]any
}

type pushedEvent struct {
	Type    string
	Payload map[string]any
}

func newFakeHost() *fakeHost {
	return &fakeHost{files: make(map[string][]byte)}
}

func (h *fakeHost) SetState(partial map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, partial)
}

func (h *fakeHost) ReadData(path string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.files[path], nil
}

func (h *fakeHost) WriteData(path string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = data
	return nil
}

func (h *fakeHost) UpsertEntity(e goskills.Entity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entityErr != nil {
		return h.entityErr
	}
	h.entities = append(h.entities, e)
	return nil
}

func (h *fakeHost) UpsertRelationship(r goskills.Relationship) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rels = append(h.rels, r)
	return nil
}

func (h *fakeHost) FireTrigger(id string, payload map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, firedTrigger{ID: id, Payload: payload})
}

func (h *fakeHost) PushEvent(eventType string, payload map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushed = append(h.pushed, pushedEvent{Type: eventType, Payload: payload})
}

func (h *fakeHost) stateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.states)
}

func (h *fakeHost) lastState() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return nil
	}
	return h.states[len(h.states)-1]
}

func (h *fakeHost) entityCount(entityType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.entities {
		if e.Type == entityType {
			n++
		}
	}
	return n
}

func (h *fakeHost) firedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fired)
}

// testLogger discards output but keeps slog happy.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}

// openTestDB opens a throwaway durable store.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(t.TempDir())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// testConfig shrinks every interval so suites run fast.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MirrorDebounce = 20 * time.Millisecond
	cfg.ReconnectInitial = time.Millisecond
	cfg.ReconnectMax = 10 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.RateIntervals = map[ratelimit.Tier]time.Duration{
		ratelimit.TierRead:  time.Millisecond,
		ratelimit.TierWrite: time.Millisecond,
	}
	return cfg
}
