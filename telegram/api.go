package telegram

import (
	"context"
	"log/slog"
	"sort"

	goskills "github.com/everydev1618/goskills"
)

// dialogFillLimit bounds the dialog fetch used to fill a single-chat
// cache miss.
const dialogFillLimit = 50

// Result pairs returned data with its provenance.
type Result[T any] struct {
	Data      T
	FromCache bool
}

// API is the public read/write façade. Reads consult the in-memory
// store first and only then the client; cache fills land in both the
// store and the durable tier before returning. Writes skip the cache
// check, call the client, and apply the expected effect synchronously
// so a subsequent read observes the new state without waiting for the
// echoed update.
//
// Each method documents its rate tier, the cache keys it consults, and
// the keys it fills or invalidates.
type API struct {
	store  *Store
	db     *DB
	client *Client
	log    *slog.Logger
}

// NewAPI wires the façade.
func NewAPI(store *Store, db *DB, client *Client, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{store: store, db: db, client: client, log: log}
}

// persistChats writes a cache-fill batch without failing the read.
func (a *API) persistChats(chats []Chat, users []User) {
	if len(users) > 0 {
		if err := a.db.UpsertUsers(users); err != nil {
			a.log.Warn("cache fill: persist users failed", "error", err)
		}
	}
	if len(chats) > 0 {
		if err := a.db.UpsertChats(chats); err != nil {
			a.log.Warn("cache fill: persist chats failed", "error", err)
		}
	}
}

// GetChats lists the chat list in UI order.
//
// Tier: api_read. Consults: chats_order. Fills: chats.
func (a *API) GetChats(ctx context.Context, limit int) (Result[[]Chat], error) {
	if cached := a.store.OrderedChats(limit); len(cached) > 0 {
		return Result[[]Chat]{Data: cached, FromCache: true}, nil
	}

	dialogs, err := a.client.Dialogs(ctx, limit)
	if err != nil {
		return Result[[]Chat]{}, err
	}

	chats := make([]Chat, 0, len(dialogs))
	for _, d := range dialogs {
		chats = append(chats, BuildDialog(d))
	}
	a.store.AddChats(chats)
	a.persistChats(chats, nil)
	return Result[[]Chat]{Data: a.store.OrderedChats(limit)}, nil
}

// GetChat fetches one chat.
//
// Tier: api_read. Consults: chats[id]. Fills: chats[id].
func (a *API) GetChat(ctx context.Context, chatID string) (Result[Chat], error) {
	if cached, ok := a.store.Chat(chatID); ok {
		return Result[Chat]{Data: cached, FromCache: true}, nil
	}

	// The wire has no single-dialog fetch; fill from the dialog list.
	dialogs, err := a.client.Dialogs(ctx, dialogFillLimit)
	if err != nil {
		return Result[Chat]{}, err
	}
	chats := make([]Chat, 0, len(dialogs))
	for _, d := range dialogs {
		chats = append(chats, BuildDialog(d))
	}
	a.store.AddChats(chats)
	a.persistChats(chats, nil)

	if c, ok := a.store.Chat(chatID); ok {
		return Result[Chat]{Data: c}, nil
	}
	return Result[Chat]{}, &goskills.NotFoundError{Kind: "chat", ID: chatID}
}

// GetMessages lists recent messages of a chat, oldest first.
//
// Tier: api_read. Consults: messages[chat]. Fills: messages[chat].
func (a *API) GetMessages(ctx context.Context, chatID string, limit int) (Result[[]Message], error) {
	if cached := a.store.Messages(chatID, limit); len(cached) > 0 {
		return Result[[]Message]{Data: cached, FromCache: true}, nil
	}

	raw, err := a.client.History(ctx, ParseID(chatID), limit, 0)
	if err != nil {
		return Result[[]Message]{}, err
	}

	msgs := make([]Message, 0, len(raw))
	for _, rm := range raw {
		msgs = append(msgs, BuildMessage(rm, chatID))
	}
	a.store.AddMessages(chatID, msgs)
	if err := a.db.UpsertMessages(msgs); err != nil {
		a.log.Warn("cache fill: persist messages failed", "chat", chatID, "error", err)
	}
	return Result[[]Message]{Data: a.store.Messages(chatID, limit)}, nil
}

// SendMessage sends text to a chat, optionally as a reply.
//
// Tier: api_write. Invalidates: messages[chat], chats[chat].last_message.
func (a *API) SendMessage(ctx context.Context, chatID, text string, replyTo string) (Message, error) {
	raw, err := a.client.SendMessage(ctx, ParseID(chatID), text, ParseID(replyTo))
	if err != nil {
		return Message{}, err
	}
	msg := BuildMessage(raw, chatID)
	msg.IsOutgoing = true
	a.applyMessageEffect(msg)
	return msg, nil
}

// applyMessageEffect is the write-through path: the sent/edited message
// lands in memory and the durable store before the echoed update
// arrives. The later echo is idempotent on (chat_id, id).
func (a *API) applyMessageEffect(msg Message) {
	a.store.AddMessages(msg.ChatID, []Message{msg})
	a.store.UpdateChat(msg.ChatID, func(c *Chat) {
		m := msg
		c.LastMessage = &m
		c.LastMessageDate = msg.Date
	})
	err := a.db.WithTx(func(tx *Tx) error {
		if chat, ok := a.store.Chat(msg.ChatID); ok {
			if err := tx.UpsertChat(chat); err != nil {
				return err
			}
		}
		return tx.UpsertMessage(msg)
	})
	if err != nil {
		a.log.Warn("write-through persist failed", "chat", msg.ChatID, "error", err)
	}
}

// EditMessage edits a message in place.
//
// Tier: api_write. Invalidates: messages[chat][id].
func (a *API) EditMessage(ctx context.Context, chatID, messageID, text string) (Message, error) {
	raw, err := a.client.EditMessage(ctx, ParseID(chatID), ParseID(messageID), text)
	if err != nil {
		return Message{}, err
	}
	msg := BuildMessage(raw, chatID)
	msg.IsEdited = true

	a.store.UpdateMessage(chatID, msg.ID, func(m *Message) {
		m.Text = msg.Text
		m.IsEdited = true
	})
	if err := a.db.UpsertMessages([]Message{msg}); err != nil {
		a.log.Warn("write-through persist failed", "chat", chatID, "error", err)
	}
	return msg, nil
}

// DeleteMessage deletes one message. Deleting an unknown message is a
// no-op on local state.
//
// Tier: api_write. Invalidates: messages[chat][id].
func (a *API) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if err := a.client.DeleteMessages(ctx, ParseID(chatID), []int64{ParseID(messageID)}); err != nil {
		return err
	}
	a.store.DeleteMessages(chatID, []string{messageID})
	err := a.db.WithTx(func(tx *Tx) error {
		return tx.DeleteMessage(chatID, messageID)
	})
	if err != nil {
		a.log.Warn("write-through delete failed", "chat", chatID, "error", err)
	}
	return nil
}

// MarkAsRead acknowledges everything in a chat and zeroes the local
// unread count.
//
// Tier: api_write. Invalidates: chats[chat].unread_count.
func (a *API) MarkAsRead(ctx context.Context, chatID string) error {
	maxID := int64(0)
	if chat, ok := a.store.Chat(chatID); ok && chat.LastMessage != nil {
		maxID = ParseID(chat.LastMessage.ID)
	}
	if err := a.client.MarkRead(ctx, ParseID(chatID), maxID); err != nil {
		return err
	}
	a.store.UpdateChat(chatID, func(c *Chat) {
		c.UnreadCount = 0
	})
	if chat, ok := a.store.Chat(chatID); ok {
		if err := a.db.UpsertChats([]Chat{chat}); err != nil {
			a.log.Warn("write-through persist failed", "chat", chatID, "error", err)
		}
	}
	return nil
}

// MuteChat mutes or unmutes a chat.
//
// Tier: api_write. Invalidates: chats[chat].is_muted.
func (a *API) MuteChat(ctx context.Context, chatID string, muted bool) error {
	if err := a.client.SetMuted(ctx, ParseID(chatID), muted); err != nil {
		return err
	}
	a.store.UpdateChat(chatID, func(c *Chat) {
		c.IsMuted = muted
	})
	if chat, ok := a.store.Chat(chatID); ok {
		if err := a.db.UpsertChats([]Chat{chat}); err != nil {
			a.log.Warn("write-through persist failed", "chat", chatID, "error", err)
		}
	}
	return nil
}

// ArchiveChat archives or unarchives a chat.
//
// Tier: api_write. Invalidates: chats[chat].is_archived.
func (a *API) ArchiveChat(ctx context.Context, chatID string, archived bool) error {
	if err := a.client.SetArchived(ctx, ParseID(chatID), archived); err != nil {
		return err
	}
	a.store.UpdateChat(chatID, func(c *Chat) {
		c.IsArchived = archived
	})
	if chat, ok := a.store.Chat(chatID); ok {
		if err := a.db.UpsertChats([]Chat{chat}); err != nil {
			a.log.Warn("write-through persist failed", "chat", chatID, "error", err)
		}
	}
	return nil
}

// ListContacts lists known contacts.
//
// Tier: api_read. Consults: users. Fills: users.
func (a *API) ListContacts(ctx context.Context) (Result[[]User], error) {
	st := a.store.Snapshot()
	if len(st.Users) > 1 || (len(st.Users) == 1 && st.CurrentUser == nil) {
		out := make([]User, 0, len(st.Users))
		for _, id := range sortedUserIDs(st.Users) {
			u := st.Users[id]
			if !u.IsSelf {
				out = append(out, u)
			}
		}
		return Result[[]User]{Data: out, FromCache: true}, nil
	}

	raw, err := a.client.Contacts(ctx)
	if err != nil {
		return Result[[]User]{}, err
	}
	users := make([]User, 0, len(raw))
	for _, ru := range raw {
		users = append(users, BuildUser(ru))
	}
	a.store.AddUsers(users)
	if err := a.db.UpsertUsers(users); err != nil {
		a.log.Warn("cache fill: persist users failed", "error", err)
	}
	return Result[[]User]{Data: users}, nil
}

// SearchContacts searches users by name or username. Always hits the
// API — search semantics are server-side.
//
// Tier: api_read. Fills: users.
func (a *API) SearchContacts(ctx context.Context, query string, limit int) ([]User, error) {
	raw, err := a.client.SearchContacts(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(raw))
	for _, ru := range raw {
		users = append(users, BuildUser(ru))
	}
	a.store.AddUsers(users)
	if err := a.db.UpsertUsers(users); err != nil {
		a.log.Warn("cache fill: persist users failed", "error", err)
	}
	return users, nil
}

// GetMe returns the authenticated user.
//
// Tier: api_read. Consults: current_user. Fills: current_user, users.
func (a *API) GetMe(ctx context.Context) (Result[User], error) {
	if st := a.store.Snapshot(); st.CurrentUser != nil {
		return Result[User]{Data: *st.CurrentUser, FromCache: true}, nil
	}
	raw, err := a.client.Me(ctx)
	if err != nil {
		return Result[User]{}, err
	}
	me := BuildUser(raw)
	me.IsSelf = true
	a.store.SetCurrentUser(&me)
	a.store.AddUsers([]User{me})
	if err := a.db.UpsertUsers([]User{me}); err != nil {
		a.log.Warn("cache fill: persist current user failed", "error", err)
	}
	return Result[User]{Data: me}, nil
}

// sortedUserIDs keeps tool output deterministic.
func sortedUserIDs(users map[string]User) []string {
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
