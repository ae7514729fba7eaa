package telegram

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// DB is the skill's durable store, SQLite via modernc.org/sqlite
// (pure Go). One connection; the driver serializes the single writer
// against concurrent readers. One explicit transaction per ingest
// event or cache-fill batch.
type DB struct {
	db *sql.DB
}

// OpenDB opens or creates the skill database under dataDir.
func OpenDB(dataDir string) (*DB, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	// WAL for concurrent reads while ingest writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	d := &DB{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		id                TEXT PRIMARY KEY,
		type              TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		unread_count      INTEGER NOT NULL DEFAULT 0,
		is_pinned         INTEGER NOT NULL DEFAULT 0,
		is_muted          INTEGER NOT NULL DEFAULT 0,
		is_archived       INTEGER NOT NULL DEFAULT 0,
		draft_json        TEXT,
		last_message_id   TEXT,
		last_message_date DATETIME,
		sort_order        INTEGER NOT NULL DEFAULT 0,
		updated_at        DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		chat_id     TEXT NOT NULL,
		id          TEXT NOT NULL,
		from_id     TEXT,
		date        DATETIME NOT NULL,
		text        TEXT NOT NULL DEFAULT '',
		is_outgoing INTEGER NOT NULL DEFAULT 0,
		is_edited   INTEGER NOT NULL DEFAULT 0,
		reply_to_id TEXT,
		media_kind  TEXT,
		raw_json    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (chat_id, id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name  TEXT NOT NULL DEFAULT '',
		username   TEXT NOT NULL DEFAULT '',
		phone      TEXT NOT NULL DEFAULT '',
		is_bot     INTEGER NOT NULL DEFAULT 0,
		is_self    INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type   TEXT NOT NULL,
		chat_id      TEXT,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS summaries (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		summary_type TEXT NOT NULL,
		content_json TEXT NOT NULL DEFAULT '{}',
		period_start DATETIME NOT NULL,
		period_end   DATETIME NOT NULL,
		created_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS update_state (
		key  TEXT PRIMARY KEY,
		pts  INTEGER NOT NULL DEFAULT 0,
		qts  INTEGER NOT NULL DEFAULT 0,
		date DATETIME,
		seq  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS channel_pts (
		channel_id TEXT PRIMARY KEY,
		pts        INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_date ON messages(chat_id, date);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_chat ON events(chat_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_summaries_period
		ON summaries(summary_type, period_start, period_end);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	_, err := d.db.Exec(
		`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`,
		schemaVersion,
	)
	if err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Tx wraps one write transaction. Ingest uses one Tx per event;
// cache fills use one Tx per batch.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single write transaction, committing on nil
// and rolling back on error.
func (d *DB) WithTx(fn func(tx *Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertChat writes one chat row.
func (t *Tx) UpsertChat(c Chat) error {
	var draftJSON any
	if c.Draft != nil {
		data, err := json.Marshal(c.Draft)
		if err != nil {
			return fmt.Errorf("marshal draft: %w", err)
		}
		draftJSON = string(data)
	}
	var lastID any
	var lastDate any
	if c.LastMessage != nil {
		lastID = c.LastMessage.ID
	}
	if !c.LastMessageDate.IsZero() {
		lastDate = c.LastMessageDate.UTC()
	}
	_, err := t.tx.Exec(
		`INSERT INTO chats
		 (id, type, title, unread_count, is_pinned, is_muted, is_archived,
		  draft_json, last_message_id, last_message_date, sort_order, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  type=excluded.type, title=excluded.title,
		  unread_count=excluded.unread_count, is_pinned=excluded.is_pinned,
		  is_muted=excluded.is_muted, is_archived=excluded.is_archived,
		  draft_json=excluded.draft_json,
		  last_message_id=excluded.last_message_id,
		  last_message_date=excluded.last_message_date,
		  sort_order=excluded.sort_order, updated_at=excluded.updated_at`,
		c.ID, string(c.Kind), c.Title, c.UnreadCount,
		boolInt(c.IsPinned), boolInt(c.IsMuted), boolInt(c.IsArchived),
		draftJSON, lastID, lastDate, c.SortOrder, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", c.ID, err)
	}
	return nil
}

// UpsertMessage writes one message row, idempotent on (chat_id, id).
func (t *Tx) UpsertMessage(m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	_, err = t.tx.Exec(
		`INSERT INTO messages
		 (chat_id, id, from_id, date, text, is_outgoing, is_edited,
		  reply_to_id, media_kind, raw_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id, id) DO UPDATE SET
		  from_id=excluded.from_id, date=excluded.date, text=excluded.text,
		  is_outgoing=excluded.is_outgoing, is_edited=excluded.is_edited,
		  reply_to_id=excluded.reply_to_id, media_kind=excluded.media_kind,
		  raw_json=excluded.raw_json`,
		m.ChatID, m.ID, nullStr(m.FromID), m.Date.UTC(), m.Text,
		boolInt(m.IsOutgoing), boolInt(m.IsEdited),
		nullStr(m.ReplyToID), nullStr(m.MediaKind), string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert message %s/%s: %w", m.ChatID, m.ID, err)
	}
	return nil
}

// DeleteMessage removes one message row. Unknown rows are a no-op.
func (t *Tx) DeleteMessage(chatID, messageID string) error {
	_, err := t.tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID)
	if err != nil {
		return fmt.Errorf("delete message %s/%s: %w", chatID, messageID, err)
	}
	return nil
}

// DeleteChat removes a chat and its messages.
func (t *Tx) DeleteChat(chatID string) error {
	if _, err := t.tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete chat messages %s: %w", chatID, err)
	}
	if _, err := t.tx.Exec(`DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

// UpsertUser writes one user row.
func (t *Tx) UpsertUser(u User) error {
	_, err := t.tx.Exec(
		`INSERT INTO users
		 (id, first_name, last_name, username, phone, is_bot, is_self, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  first_name=excluded.first_name, last_name=excluded.last_name,
		  username=excluded.username, phone=excluded.phone,
		  is_bot=excluded.is_bot, is_self=excluded.is_self,
		  status=excluded.status, updated_at=excluded.updated_at`,
		u.ID, u.FirstName, u.LastName, u.Username, u.Phone,
		boolInt(u.IsBot), boolInt(u.IsSelf), u.Status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// InsertEvent appends one event row.
func (t *Tx) InsertEvent(kind, chatID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = t.tx.Exec(
		`INSERT INTO events (event_type, chat_id, payload_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		kind, nullStr(chatID), string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", kind, err)
	}
	return nil
}

// SaveCursor writes the global update cursor.
func (t *Tx) SaveCursor(key string, c Cursor) error {
	_, err := t.tx.Exec(
		`INSERT INTO update_state (key, pts, qts, date, seq) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		  pts=excluded.pts, qts=excluded.qts, date=excluded.date, seq=excluded.seq`,
		key, c.Pts, c.Qts, c.Date.UTC(), c.Seq,
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// SaveChannelPts writes one channel cursor.
func (t *Tx) SaveChannelPts(channelID string, pts int) error {
	_, err := t.tx.Exec(
		`INSERT INTO channel_pts (channel_id, pts) VALUES (?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET pts=excluded.pts`,
		channelID, pts,
	)
	if err != nil {
		return fmt.Errorf("save channel pts: %w", err)
	}
	return nil
}

// UpsertChats writes a batch of chats in one transaction.
func (d *DB) UpsertChats(chats []Chat) error {
	return d.WithTx(func(tx *Tx) error {
		for _, c := range chats {
			if err := tx.UpsertChat(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertMessages writes a batch of messages in one transaction.
func (d *DB) UpsertMessages(msgs []Message) error {
	return d.WithTx(func(tx *Tx) error {
		for _, m := range msgs {
			if err := tx.UpsertMessage(m); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertUsers writes a batch of users in one transaction.
func (d *DB) UpsertUsers(users []User) error {
	return d.WithTx(func(tx *Tx) error {
		for _, u := range users {
			if err := tx.UpsertUser(u); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadCursor reads the global update cursor.
func (d *DB) LoadCursor(key string) (Cursor, bool, error) {
	var c Cursor
	var date sql.NullTime
	err := d.db.QueryRow(
		`SELECT pts, qts, date, seq FROM update_state WHERE key = ?`, key,
	).Scan(&c.Pts, &c.Qts, &date, &c.Seq)
	if err == sql.ErrNoRows {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("load cursor: %w", err)
	}
	if date.Valid {
		c.Date = date.Time
	}
	return c, true, nil
}

// LoadChannelPts reads one channel cursor; zero if unknown.
func (d *DB) LoadChannelPts(channelID string) (int, error) {
	var pts int
	err := d.db.QueryRow(
		`SELECT pts FROM channel_pts WHERE channel_id = ?`, channelID,
	).Scan(&pts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load channel pts: %w", err)
	}
	return pts, nil
}

// GetMessage reads one message row.
func (d *DB) GetMessage(chatID, messageID string) (Message, bool, error) {
	var raw string
	err := d.db.QueryRow(
		`SELECT raw_json FROM messages WHERE chat_id = ? AND id = ?`,
		chatID, messageID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("get message: %w", err)
	}
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Message{}, false, fmt.Errorf("decode message: %w", err)
	}
	return m, true, nil
}

// ListMessages reads up to limit messages of a chat, oldest first.
func (d *DB) ListMessages(chatID string, limit int) ([]Message, error) {
	rows, err := d.db.Query(
		`SELECT raw_json FROM messages WHERE chat_id = ?
		 ORDER BY date DESC, id DESC LIMIT ?`, chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// EventsSince reads events created at or after t, oldest first.
func (d *DB) EventsSince(t time.Time) ([]Event, error) {
	rows, err := d.db.Query(
		`SELECT id, event_type, chat_id, payload_json, created_at
		 FROM events WHERE created_at >= ? ORDER BY id ASC`, t.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var chatID sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.Kind, &chatID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ChatID = chatID.String
		if payload != "" {
			json.Unmarshal([]byte(payload), &e.Payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents returns the number of rows of one event type. Used by
// tests and diagnostics.
func (d *DB) CountEvents(kind string) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, kind).Scan(&n)
	return n, err
}

// InsertSummary appends one summary row. Re-inserting the same
// (summary_type, period_start, period_end) window is a no-op and
// reports inserted=false.
func (d *DB) InsertSummary(s Summary) (bool, error) {
	content, err := json.Marshal(s.Content)
	if err != nil {
		return false, fmt.Errorf("marshal summary: %w", err)
	}
	res, err := d.db.Exec(
		`INSERT OR IGNORE INTO summaries
		 (summary_type, content_json, period_start, period_end, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.Kind, string(content), s.PeriodStart.UTC(), s.PeriodEnd.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert summary: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListSummaries reads summaries of one kind, newest first.
func (d *DB) ListSummaries(kind string, limit int) ([]Summary, error) {
	rows, err := d.db.Query(
		`SELECT id, summary_type, content_json, period_start, period_end, created_at
		 FROM summaries WHERE summary_type = ? ORDER BY period_start DESC LIMIT ?`,
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var content string
		if err := rows.Scan(&s.ID, &s.Kind, &content, &s.PeriodStart, &s.PeriodEnd, &s.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(content), &s.Content)
		out = append(out, s)
	}
	return out, rows.Err()
}

// LastSummaryEnd returns the latest period_end across all summaries,
// zero when none exist.
func (d *DB) LastSummaryEnd() (time.Time, error) {
	var end sql.NullTime
	err := d.db.QueryRow(`SELECT MAX(period_end) FROM summaries`).Scan(&end)
	if err != nil {
		return time.Time{}, fmt.Errorf("last summary end: %w", err)
	}
	if !end.Valid {
		return time.Time{}, nil
	}
	return end.Time, nil
}

// PruneBefore deletes events and summaries created before t.
func (d *DB) PruneBefore(t time.Time) error {
	return d.WithTx(func(tx *Tx) error {
		if _, err := tx.tx.Exec(`DELETE FROM events WHERE created_at < ?`, t.UTC()); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		if _, err := tx.tx.Exec(`DELETE FROM summaries WHERE created_at < ?`, t.UTC()); err != nil {
			return fmt.Errorf("prune summaries: %w", err)
		}
		return nil
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
