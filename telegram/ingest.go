package telegram

import (
	"context"
	"log/slog"

	goskills "github.com/everydev1618/goskills"
)

// Ingestor is the single consumer of the client's live update stream.
// Events are handled strictly in received order on one goroutine, which
// keeps unread counts, last-message pointers and the update cursor
// causally consistent. Per event it translates via the builders,
// applies to the in-memory store, writes one durable transaction
// (including the events row and cursor), refreshes affected graph
// entities, and evaluates triggers. Entity and trigger work is
// best-effort and never blocks the pipeline.
type Ingestor struct {
	store    *Store
	db       *DB
	client   *Client
	emitter  *Emitter
	triggers *TriggerEngine
	host     goskills.Host
	log      *slog.Logger

	done chan struct{}
}

// NewIngestor wires the ingest pipeline.
func NewIngestor(store *Store, db *DB, client *Client, emitter *Emitter, triggers *TriggerEngine, host goskills.Host, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:    store,
		db:       db,
		client:   client,
		emitter:  emitter,
		triggers: triggers,
		host:     host,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Run consumes the update stream until ctx is cancelled or the stream
// closes (connection lost). The current event finishes its transaction
// before Run returns.
func (in *Ingestor) Run(ctx context.Context) {
	defer close(in.done)
	updates := in.client.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				in.log.Info("update stream closed")
				return
			}
			in.Handle(ctx, upd)
		}
	}
}

// Done closes when Run has exited.
func (in *Ingestor) Done() <-chan struct{} {
	return in.done
}

// gap outcomes for a sequenced update.
type gapState int

const (
	gapInOrder gapState = iota
	gapDuplicate
	gapMissing
)

// checkSequence classifies a pts-bearing update against the stored
// cursor. Updates without sequence information are always in order.
func (in *Ingestor) checkSequence(upd RawUpdate) gapState {
	if upd.Pts == 0 {
		return gapInOrder
	}
	var local int
	if upd.ChannelID != 0 {
		local = in.store.ChannelPts(FormatID(upd.ChannelID))
	} else {
		local = in.store.CursorValue().Pts
	}
	if local == 0 {
		// No baseline yet: accept and start counting from here.
		return gapInOrder
	}
	if upd.Pts <= local {
		return gapDuplicate
	}
	if local+maxInt(upd.PtsCount, 1) < upd.Pts {
		return gapMissing
	}
	return gapInOrder
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Handle processes one update, recovering first when it is not the
// expected successor of the stored cursor.
func (in *Ingestor) Handle(ctx context.Context, upd RawUpdate) {
	if upd.Kind == UpdChannelTooLong {
		in.RecoverGap(ctx)
		return
	}
	switch in.checkSequence(upd) {
	case gapDuplicate:
		// Already applied; message upserts are idempotent anyway but
		// skipping avoids double-counting unread.
		return
	case gapMissing:
		// Live ingest pauses here: the difference batch contains this
		// update, so after recovery it must not be applied again.
		in.RecoverGap(ctx)
		return
	}
	in.apply(ctx, upd)
}

// RecoverGap fetches and applies every update between the stored cursor
// and the current server state, then resumes live ingest.
func (in *Ingestor) RecoverGap(ctx context.Context) {
	cur := in.store.CursorValue()
	in.log.Info("cursor gap detected, fetching difference", "pts", cur.Pts, "seq", cur.Seq)

	diff, err := in.client.Difference(ctx, RawState{Pts: cur.Pts, Qts: cur.Qts, Seq: cur.Seq, Date: cur.Date})
	if err != nil {
		in.log.Error("gap recovery failed", "error", err)
		in.recordIngestError("", "gap recovery: "+err.Error())
		return
	}

	in.sideLoad(diff.Users, diff.Chats)
	for _, u := range diff.Updates {
		in.apply(ctx, u)
	}

	// The returned state supersedes whatever the batch advanced to.
	newCur := BuildCursor(diff.State)
	if newCur.IsZero() {
		return
	}
	in.store.SetCursor(newCur)
	if err := in.db.WithTx(func(tx *Tx) error {
		return tx.SaveCursor("global", newCur)
	}); err != nil {
		in.log.Warn("failed to persist recovered cursor", "error", err)
	}
}

// sideLoad stores users and chats referenced by an update batch.
func (in *Ingestor) sideLoad(rawUsers []RawUser, rawChats []RawChat) {
	if len(rawUsers) > 0 {
		users := make([]User, 0, len(rawUsers))
		for _, ru := range rawUsers {
			users = append(users, BuildUser(ru))
		}
		in.store.AddUsers(users)
	}
	for _, rc := range rawChats {
		c := BuildChat(rc)
		if _, exists := in.store.Chat(c.ID); !exists {
			in.store.AddChats([]Chat{c})
		}
	}
}

// apply translates and applies one in-order update across all tiers.
func (in *Ingestor) apply(ctx context.Context, upd RawUpdate) {
	in.sideLoad(upd.Users, upd.Chats)

	switch upd.Kind {
	case UpdNewMessage:
		in.applyNewMessage(upd)
	case UpdEditMessage:
		in.applyEditMessage(upd)
	case UpdDeleteMessages:
		in.applyDeleteMessages(upd)
	case UpdChatAction:
		in.applyChatAction(upd)
	case UpdReadInbox:
		in.applyReadInbox(upd)
	case UpdReadOutbox:
		in.applyReadOutbox(upd)
	case UpdUserStatus:
		in.applyUserStatus(upd)
	default:
		in.log.Debug("ignoring update", "kind", upd.Kind)
		in.advanceCursor(upd, func(*Tx) error { return nil })
	}
}

// advanceCursor moves the in-memory cursor for a sequenced update and
// runs the durable transaction: extra carries the event's own writes,
// the cursor rides in the same transaction. On failure the write is
// retried once; a second failure marks the skill degraded but the
// pipeline keeps serving from memory.
func (in *Ingestor) advanceCursor(upd RawUpdate, extra func(tx *Tx) error) {
	var channelKey string
	var cur Cursor
	if upd.Pts > 0 {
		if upd.ChannelID != 0 {
			channelKey = FormatID(upd.ChannelID)
			in.store.SetChannelPts(channelKey, upd.Pts)
		} else {
			cur = in.store.CursorValue()
			cur.Pts = upd.Pts
			if upd.Seq > 0 {
				cur.Seq = upd.Seq
			}
			if upd.Qts > 0 {
				cur.Qts = upd.Qts
			}
			if !upd.Date.IsZero() {
				cur.Date = upd.Date
			}
			in.store.SetCursor(cur)
		}
	}

	write := func() error {
		return in.db.WithTx(func(tx *Tx) error {
			if err := extra(tx); err != nil {
				return err
			}
			if upd.Pts > 0 {
				if channelKey != "" {
					return tx.SaveChannelPts(channelKey, upd.Pts)
				}
				return tx.SaveCursor("global", cur)
			}
			return nil
		})
	}

	err := write()
	if err != nil {
		in.log.Warn("durable write failed, retrying once", "error", err)
		err = write()
	}
	if err != nil {
		in.log.Error("durable write failed twice, marking degraded", "error", err)
		in.store.SetDegraded(true)
		return
	}
	if in.store.Degraded() {
		in.store.SetDegraded(false)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (in *Ingestor) applyNewMessage(upd RawUpdate) {
	if upd.Message == nil {
		return
	}
	msg := BuildMessage(*upd.Message, FormatID(upd.ChatID))
	if msg.ChatID == "" {
		return
	}

	// Resolve sender name from known users.
	if msg.FromID != "" {
		if u, ok := in.store.User(msg.FromID); ok {
			msg.FromName = u.DisplayName()
		}
	}

	// Every retained message needs its chat in memory; synthesize a
	// stub when the update did not side-load one.
	chat, exists := in.store.Chat(msg.ChatID)
	if !exists {
		kind := ChatGroup
		if msg.FromID == msg.ChatID {
			kind = ChatDM
		}
		chat = Chat{ID: msg.ChatID, Kind: kind}
		in.store.AddChats([]Chat{chat})
	}

	in.store.AddMessages(msg.ChatID, []Message{msg})
	in.store.UpdateChat(msg.ChatID, func(c *Chat) {
		m := msg
		c.LastMessage = &m
		c.LastMessageDate = msg.Date
		if !msg.IsOutgoing {
			c.UnreadCount++
		}
	})

	updatedChat, _ := in.store.Chat(msg.ChatID)
	in.advanceCursor(upd, func(tx *Tx) error {
		if err := tx.UpsertChat(updatedChat); err != nil {
			return err
		}
		if err := tx.UpsertMessage(msg); err != nil {
			return err
		}
		for _, ru := range upd.Users {
			if err := tx.UpsertUser(BuildUser(ru)); err != nil {
				return err
			}
		}
		return tx.InsertEvent(EventNewMessage, msg.ChatID, map[string]any{
			"message_id":  msg.ID,
			"from_id":     msg.FromID,
			"text":        truncate(msg.Text, 200),
			"is_outgoing": msg.IsOutgoing,
		})
	})

	// Best-effort entity refresh: the chat with its new unread count,
	// and the sender as a contact.
	if err := in.emitter.EmitChat(&updatedChat, dmPeer(&updatedChat)); err != nil {
		in.log.Debug("entity refresh failed", "chat", msg.ChatID, "error", err)
	}
	if msg.FromID != "" {
		if sender, ok := in.store.User(msg.FromID); ok {
			if err := in.emitter.EmitUser(&sender); err != nil {
				in.log.Debug("entity refresh failed", "user", msg.FromID, "error", err)
			}
		}
	}

	in.host.PushEvent(EventNewMessage, map[string]any{
		"chat_id":    msg.ChatID,
		"message_id": msg.ID,
	})

	in.triggers.Evaluate(EventNewMessage, map[string]any{
		"message.text":        msg.Text,
		"message.sender_name": msg.FromName,
		"message.chat_name":   updatedChat.Title,
		"message.chat_id":     msg.ChatID,
		"message.sender_id":   msg.FromID,
		"message.is_outgoing": msg.IsOutgoing,
	})
}

// dmPeer returns the peer user ID for DM chats. DMs share their ID with
// the peer user.
func dmPeer(c *Chat) string {
	if c.Kind == ChatDM {
		return c.ID
	}
	return ""
}

func (in *Ingestor) applyEditMessage(upd RawUpdate) {
	if upd.Message == nil {
		return
	}
	msg := BuildMessage(*upd.Message, FormatID(upd.ChatID))
	msg.IsEdited = true

	in.store.UpdateMessage(msg.ChatID, msg.ID, func(m *Message) {
		m.Text = msg.Text
		m.IsEdited = true
		m.Reactions = msg.Reactions
	})

	in.advanceCursor(upd, func(tx *Tx) error {
		if err := tx.UpsertMessage(msg); err != nil {
			return err
		}
		return tx.InsertEvent(EventMessageEdited, msg.ChatID, map[string]any{
			"message_id": msg.ID,
			"new_text":   truncate(msg.Text, 200),
		})
	})
}

func (in *Ingestor) applyDeleteMessages(upd RawUpdate) {
	if len(upd.DeletedIDs) == 0 {
		return
	}
	chatID := ""
	if upd.ChannelID != 0 {
		chatID = FormatID(upd.ChannelID)
	} else if upd.ChatID != 0 {
		chatID = FormatID(upd.ChatID)
	}

	ids := make([]string, 0, len(upd.DeletedIDs))
	for _, id := range upd.DeletedIDs {
		ids = append(ids, FormatID(id))
	}

	// Messages are tombstoned: dropped from memory and the messages
	// table, recorded in the event log. Unknown IDs are a no-op.
	if chatID != "" {
		in.store.DeleteMessages(chatID, ids)
	}

	in.advanceCursor(upd, func(tx *Tx) error {
		if chatID != "" {
			for _, id := range ids {
				if err := tx.DeleteMessage(chatID, id); err != nil {
					return err
				}
			}
		}
		return tx.InsertEvent(EventMessageDeleted, chatID, map[string]any{
			"message_ids": ids,
		})
	})
}

func (in *Ingestor) applyChatAction(upd RawUpdate) {
	chatID := FormatID(upd.ChatID)
	if upd.ChatID == 0 && upd.ChannelID != 0 {
		chatID = FormatID(upd.ChannelID)
	}
	action := upd.Action
	if action == "" {
		action = ActionUnknown
	}

	// Participant deltas only when the count is known at all.
	var delta int
	switch action {
	case ActionUserJoined, ActionUserAdded:
		delta = 1
	case ActionUserLeft, ActionUserKicked:
		delta = -1
	}
	if delta != 0 {
		in.store.UpdateChat(chatID, func(c *Chat) {
			if c.ParticipantsCount != nil {
				n := *c.ParticipantsCount + delta
				if n < 0 {
					n = 0
				}
				c.ParticipantsCount = &n
			}
		})
	}

	in.advanceCursor(upd, func(tx *Tx) error {
		return tx.InsertEvent(EventChatAction, chatID, map[string]any{
			"action":  action,
			"user_id": FormatID(upd.UserID),
		})
	})

	chat, ok := in.store.Chat(chatID)
	if ok {
		if err := in.emitter.EmitChat(&chat, dmPeer(&chat)); err != nil {
			in.log.Debug("entity refresh failed", "chat", chatID, "error", err)
		}
		// Joins keep the membership edge fresh.
		if delta > 0 && upd.UserID != 0 {
			if err := in.emitter.EmitMembership(FormatID(upd.UserID), chatID); err != nil {
				in.log.Debug("membership emit failed", "chat", chatID, "error", err)
			}
		}
	}

	title := ""
	if ok {
		title = chat.Title
	}
	in.triggers.Evaluate(EventChatAction, map[string]any{
		"event.action":    action,
		"event.chat_name": title,
		"event.chat_id":   chatID,
		"event.user_id":   FormatID(upd.UserID),
	})
}

func (in *Ingestor) applyReadInbox(upd RawUpdate) {
	chatID := FormatID(upd.ChatID)
	if upd.ChatID == 0 && upd.ChannelID != 0 {
		chatID = FormatID(upd.ChannelID)
	}

	// The server tells us the authoritative remaining count; never
	// derive it locally.
	still := upd.StillUnread
	if still < 0 {
		still = 0
	}
	in.store.UpdateChat(chatID, func(c *Chat) {
		c.UnreadCount = still
	})

	in.advanceCursor(upd, func(tx *Tx) error {
		if chat, ok := in.store.Chat(chatID); ok {
			if err := tx.UpsertChat(chat); err != nil {
				return err
			}
		}
		return tx.InsertEvent(EventMessagesRead, chatID, map[string]any{
			"max_id":    FormatID(upd.MaxID),
			"direction": "inbox",
		})
	})
}

func (in *Ingestor) applyReadOutbox(upd RawUpdate) {
	chatID := FormatID(upd.ChatID)
	if upd.ChatID == 0 && upd.ChannelID != 0 {
		chatID = FormatID(upd.ChannelID)
	}
	in.advanceCursor(upd, func(tx *Tx) error {
		return tx.InsertEvent(EventMessagesRead, chatID, map[string]any{
			"max_id":    FormatID(upd.MaxID),
			"direction": "outbox",
		})
	})
}

func (in *Ingestor) applyUserStatus(upd RawUpdate) {
	userID := FormatID(upd.UserID)
	in.store.UpdateUser(userID, func(u *User) {
		u.Status = upd.UserStatus
	})
	in.advanceCursor(upd, func(tx *Tx) error {
		return tx.InsertEvent(EventUserStatus, "", map[string]any{
			"user_id": userID,
			"status":  upd.UserStatus,
		})
	})
}

// recordIngestError appends an ingest_error event row. Ingest never
// surfaces errors to callers; it logs, records, and continues.
func (in *Ingestor) recordIngestError(chatID, msg string) {
	err := in.db.WithTx(func(tx *Tx) error {
		return tx.InsertEvent(EventIngestError, chatID, map[string]any{"error": msg})
	})
	if err != nil {
		in.log.Warn("failed to record ingest error", "error", err)
	}
}
