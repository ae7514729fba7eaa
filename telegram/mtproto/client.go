// Package mtproto binds the telegram.Transport contract to gotd/td,
// the MTProto client for Go. It owns the session storage, harvests
// access hashes from every response so bare chat IDs resolve to input
// peers, and flattens gotd's update classes into the runtime's raw
// update type.
package mtproto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	gotd "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	goskills "github.com/everydev1618/goskills"
	"github.com/everydev1618/goskills/telegram"
)

// Transport implements telegram.Transport over a gotd client.
type Transport struct {
	apiID   int
	apiHash string
	storage *session.StorageMemory

	mu      sync.Mutex
	client  *gotd.Client
	api     *tg.Client
	stop    context.CancelFunc
	runDone chan struct{}
	peers   map[int64]tg.InputPeerClass

	updates chan telegram.RawUpdate
}

var _ telegram.Transport = (*Transport)(nil)

// New builds an unconnected transport. Use it as the
// telegram.TransportFactory for production wiring.
func New(cfg telegram.TransportConfig) (telegram.Transport, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, &goskills.AuthError{Reason: "missing api credentials"}
	}
	storage := new(session.StorageMemory)
	if cfg.Session != "" {
		if err := storage.StoreSession(context.Background(), []byte(cfg.Session)); err != nil {
			return nil, fmt.Errorf("restore session: %w", err)
		}
	}
	return &Transport{
		apiID:   cfg.APIID,
		apiHash: cfg.APIHash,
		storage: storage,
		peers:   make(map[int64]tg.InputPeerClass),
		updates: make(chan telegram.RawUpdate, 256),
	}, nil
}

// Connect starts the gotd run loop and waits until the client is
// usable.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.client != nil {
		t.mu.Unlock()
		return nil
	}

	client := gotd.NewClient(t.apiID, t.apiHash, gotd.Options{
		SessionStorage: t.storage,
		UpdateHandler:  gotd.UpdateHandlerFunc(t.handleUpdates),
	})
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	done := make(chan struct{})

	t.client = client
	t.api = client.API()
	t.stop = cancel
	t.runDone = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case errCh <- err:
		default:
		}
		// The stream closes when the connection is gone; the runtime's
		// controller reconnects through a fresh Connect.
		close(t.updates)
	}()

	select {
	case <-ready:
		return nil
	case err := <-errCh:
		t.teardown()
		return normalize(err)
	case <-ctx.Done():
		t.teardown()
		return ctx.Err()
	}
}

func (t *Transport) teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		t.stop()
	}
	t.client = nil
	t.api = nil
	t.stop = nil
}

// Close stops the run loop.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	stop := t.stop
	done := t.runDone
	t.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.teardown()
	return nil
}

func (t *Transport) apiClient() (*tg.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api == nil {
		return nil, &goskills.TransientError{Cause: errors.New("not connected")}
	}
	return t.api, nil
}

func (t *Transport) authClient() (*auth.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, &goskills.TransientError{Cause: errors.New("not connected")}
	}
	return t.client.Auth(), nil
}

// normalize folds gotd errors into the goskills taxonomy.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &goskills.RateLimitedError{RetryAfter: d}
	}
	var rpcErr *tgerr.Error
	if errors.As(err, &rpcErr) {
		switch {
		case rpcErr.Code == 401:
			return &goskills.AuthError{Reason: rpcErr.Type}
		case rpcErr.IsOneOf("PEER_ID_INVALID", "MSG_ID_INVALID", "CHANNEL_INVALID", "USER_ID_INVALID", "CHAT_ID_INVALID"):
			return &goskills.NotFoundError{Kind: "peer", ID: rpcErr.Type}
		case rpcErr.Code >= 500:
			return &goskills.TransientError{Cause: err}
		case rpcErr.Code == 400:
			return &goskills.ValidationError{Message: rpcErr.Type}
		}
	}
	return &goskills.TransientError{Cause: err}
}

// rememberPeer caches the input peer for an ID.
func (t *Transport) rememberPeer(id int64, peer tg.InputPeerClass) {
	t.mu.Lock()
	t.peers[id] = peer
	t.mu.Unlock()
}

// inputPeer resolves a bare chat ID to an input peer using hashes
// harvested from earlier responses. Basic groups need no hash.
func (t *Transport) inputPeer(id int64) (tg.InputPeerClass, error) {
	t.mu.Lock()
	peer, ok := t.peers[id]
	t.mu.Unlock()
	if ok {
		return peer, nil
	}
	return nil, &goskills.NotFoundError{Kind: "peer", ID: fmt.Sprint(id)}
}

// harvest records access hashes from side-loaded users and chats.
func (t *Transport) harvest(users []tg.UserClass, chats []tg.ChatClass) {
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			hash, _ := u.GetAccessHash()
			t.rememberPeer(u.ID, &tg.InputPeerUser{UserID: u.ID, AccessHash: hash})
		}
	}
	for _, cc := range chats {
		switch c := cc.(type) {
		case *tg.Chat:
			t.rememberPeer(c.ID, &tg.InputPeerChat{ChatID: c.ID})
		case *tg.Channel:
			hash, _ := c.GetAccessHash()
			t.rememberPeer(c.ID, &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: hash})
		}
	}
}

// Authenticated reports whether the stored session is authorized.
func (t *Transport) Authenticated(ctx context.Context) (bool, error) {
	a, err := t.authClient()
	if err != nil {
		return false, err
	}
	status, err := a.Status(ctx)
	if err != nil {
		return false, normalize(err)
	}
	return status.Authorized, nil
}

// Me resolves the current user.
func (t *Transport) Me(ctx context.Context) (telegram.RawUser, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return telegram.RawUser{}, &goskills.TransientError{Cause: errors.New("not connected")}
	}
	self, err := client.Self(ctx)
	if err != nil {
		return telegram.RawUser{}, normalize(err)
	}
	t.harvest([]tg.UserClass{self}, nil)
	return buildRawUser(self), nil
}

// Dialogs fetches the chat list.
func (t *Transport) Dialogs(ctx context.Context, limit int) ([]telegram.RawDialog, error) {
	api, err := t.apiClient()
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      limit,
	})
	if err != nil {
		return nil, normalize(err)
	}

	var dialogs []tg.DialogClass
	var messages []tg.MessageClass
	var users []tg.UserClass
	var chats []tg.ChatClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		dialogs, messages, users, chats = d.Dialogs, d.Messages, d.Users, d.Chats
	case *tg.MessagesDialogsSlice:
		dialogs, messages, users, chats = d.Dialogs, d.Messages, d.Users, d.Chats
	default:
		return nil, nil
	}
	t.harvest(users, chats)

	topByPeer := make(map[int64]*tg.Message)
	for _, mc := range messages {
		if m, ok := mc.(*tg.Message); ok {
			topByPeer[peerID(m.PeerID)] = m
		}
	}
	chatByID := make(map[int64]tg.ChatClass)
	for _, cc := range chats {
		switch c := cc.(type) {
		case *tg.Chat:
			chatByID[c.ID] = c
		case *tg.Channel:
			chatByID[c.ID] = c
		}
	}
	userByID := make(map[int64]*tg.User)
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			userByID[u.ID] = u
		}
	}

	out := make([]telegram.RawDialog, 0, len(dialogs))
	for i, dc := range dialogs {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		id := peerID(d.Peer)
		raw := telegram.RawDialog{
			UnreadCount: d.UnreadCount,
			Pinned:      d.Pinned,
			// Dialog order is most-recent-first; invert the index so a
			// larger sort order ranks higher.
			SortOrder: int64(len(dialogs) - i),
		}
		if folder, ok := d.GetFolderID(); ok && folder == archiveFolderID {
			raw.Archived = true
		}
		if until, ok := d.NotifySettings.GetMuteUntil(); ok && int64(until) > time.Now().Unix() {
			raw.Muted = true
		}
		if draft, ok := d.Draft.(*tg.DraftMessage); ok {
			raw.DraftText = draft.Message
			raw.DraftDate = time.Unix(int64(draft.Date), 0)
		}
		raw.Chat = buildRawChat(id, d.Peer, chatByID, userByID)
		if top := topByPeer[id]; top != nil {
			rm := buildRawMessage(top)
			raw.TopMessage = &rm
		}
		out = append(out, raw)
	}
	return out, nil
}

const archiveFolderID = 1

// History fetches messages of a chat, newest first.
func (t *Transport) History(ctx context.Context, chatID int64, limit int, maxID int64) ([]telegram.RawMessage, error) {
	api, err := t.apiClient()
	if err != nil {
		return nil, err
	}
	peer, err := t.inputPeer(chatID)
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		Limit:    limit,
		OffsetID: int(maxID),
	})
	if err != nil {
		return nil, normalize(err)
	}

	var messages []tg.MessageClass
	switch m := res.(type) {
	case *tg.MessagesMessages:
		messages = m.Messages
		t.harvest(m.Users, m.Chats)
	case *tg.MessagesMessagesSlice:
		messages = m.Messages
		t.harvest(m.Users, m.Chats)
	case *tg.MessagesChannelMessages:
		messages = m.Messages
		t.harvest(m.Users, m.Chats)
	}

	out := make([]telegram.RawMessage, 0, len(messages))
	for _, mc := range messages {
		if m, ok := mc.(*tg.Message); ok {
			out = append(out, buildRawMessage(m))
		}
	}
	return out, nil
}

func randomID() int64 {
	var buf [8]byte
	rand.Read(buf[:])
	return int64(binary.LittleEndian.Uint64(buf[:]) & (1<<63 - 1))
}

// SendMessage sends a message and returns the echoed copy.
func (t *Transport) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (telegram.RawMessage, error) {
	api, err := t.apiClient()
	if err != nil {
		return telegram.RawMessage{}, err
	}
	peer, err := t.inputPeer(chatID)
	if err != nil {
		return telegram.RawMessage{}, err
	}
	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  text,
		RandomID: randomID(),
	}
	if replyTo != 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: int(replyTo)}
	}
	res, err := api.MessagesSendMessage(ctx, req)
	if err != nil {
		return telegram.RawMessage{}, normalize(err)
	}
	return t.sentMessage(res, chatID, text, replyTo), nil
}

// sentMessage recovers the sent message from the updates echo.
func (t *Transport) sentMessage(res tg.UpdatesClass, chatID int64, text string, replyTo int64) telegram.RawMessage {
	out := telegram.RawMessage{
		ChatID:    chatID,
		Text:      text,
		Out:       true,
		ReplyToID: replyTo,
		Date:      time.Now(),
	}
	switch u := res.(type) {
	case *tg.UpdateShortSentMessage:
		out.ID = int64(u.ID)
		out.Date = time.Unix(int64(u.Date), 0)
	case *tg.Updates:
		for _, uc := range u.Updates {
			switch upd := uc.(type) {
			case *tg.UpdateNewMessage:
				if m, ok := upd.Message.(*tg.Message); ok {
					return buildRawMessage(m)
				}
			case *tg.UpdateNewChannelMessage:
				if m, ok := upd.Message.(*tg.Message); ok {
					return buildRawMessage(m)
				}
			case *tg.UpdateMessageID:
				out.ID = int64(upd.ID)
			}
		}
	}
	return out
}

// EditMessage edits a message in place.
func (t *Transport) EditMessage(ctx context.Context, chatID, messageID int64, text string) (telegram.RawMessage, error) {
	api, err := t.apiClient()
	if err != nil {
		return telegram.RawMessage{}, err
	}
	peer, err := t.inputPeer(chatID)
	if err != nil {
		return telegram.RawMessage{}, err
	}
	if _, err := api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      int(messageID),
		Message: text,
	}); err != nil {
		return telegram.RawMessage{}, normalize(err)
	}
	return telegram.RawMessage{
		ID:     messageID,
		ChatID: chatID,
		Text:   text,
		Out:    true,
		Edited: true,
		Date:   time.Now(),
	}, nil
}

// DeleteMessages deletes messages for both sides.
func (t *Transport) DeleteMessages(ctx context.Context, chatID int64, messageIDs []int64) error {
	api, err := t.apiClient()
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(messageIDs))
	for _, id := range messageIDs {
		ids = append(ids, int(id))
	}
	peer, err := t.inputPeer(chatID)
	if err != nil {
		return err
	}
	if ch, ok := peer.(*tg.InputPeerChannel); ok {
		_, err = api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			ID:      ids,
		})
		return normalize(err)
	}
	_, err = api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		ID:     ids,
		Revoke: true,
	})
	return normalize(err)
}

// MarkRead acknowledges history up to maxID.
func (t *Transport) MarkRead(ctx context.Context, chatID int64, maxID int64) error {
	api, err := t.apiClient()
	if err != nil {
		return err
	}
	peer, err := t.inputPeer(chatID)
	if err != nil {
		return err
	}
	if ch, ok := peer.(*tg.InputPeerChannel); ok {
		_, err = api.ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{
			Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
			MaxID:   int(maxID),
		})
		return normalize(err)
	}
	_, err = api.MessagesReadHistory(ctx, &tg.MessagesReadHistoryRequest{
		Peer:  peer,
		MaxID: int(maxID),
	})
	return normalize(err)
}

// muteForever is Telegram's "muted indefinitely" sentinel.
const muteForever = 0x7FFFFFFF

// SetMuted mutes or unmutes a chat's notifications.
func (t *Transport) SetMuted(ctx context.Context, chatID int64, muted bool) error {
	api, err := t.apiClient()
	if err != nil {
		return err
	}
	peer, err := t.inputPeer(chatID)
	if err != nil {
		return err
	}
	settings := tg.InputPeerNotifySettings{}
	if muted {
		settings.SetMuteUntil(muteForever)
	} else {
		settings.SetMuteUntil(0)
	}
	_, err = api.AccountUpdateNotifySettings(ctx, &tg.AccountUpdateNotifySettingsRequest{
		Peer:     &tg.InputNotifyPeer{Peer: peer},
		Settings: settings,
	})
	return normalize(err)
}

// SetArchived moves a chat in or out of the archive folder.
func (t *Transport) SetArchived(ctx context.Context, chatID int64, archived bool) error {
	api, err := t.apiClient()
	if err != nil {
		return err
	}
	peer, err := t.inputPeer(chatID)
	if err != nil {
		return err
	}
	folder := 0
	if archived {
		folder = archiveFolderID
	}
	_, err = api.FoldersEditPeerFolders(ctx, []tg.InputFolderPeer{
		{Peer: peer, FolderID: folder},
	})
	return normalize(err)
}

// Contacts fetches the contact list.
func (t *Transport) Contacts(ctx context.Context) ([]telegram.RawUser, error) {
	api, err := t.apiClient()
	if err != nil {
		return nil, err
	}
	res, err := api.ContactsGetContacts(ctx, 0)
	if err != nil {
		return nil, normalize(err)
	}
	contacts, ok := res.(*tg.ContactsContacts)
	if !ok {
		return nil, nil
	}
	t.harvest(contacts.Users, nil)
	out := make([]telegram.RawUser, 0, len(contacts.Users))
	for _, uc := range contacts.Users {
		if u, ok := uc.(*tg.User); ok {
			out = append(out, buildRawUser(u))
		}
	}
	return out, nil
}

// SearchContacts searches users by name or username.
func (t *Transport) SearchContacts(ctx context.Context, query string, limit int) ([]telegram.RawUser, error) {
	api, err := t.apiClient()
	if err != nil {
		return nil, err
	}
	res, err := api.ContactsSearch(ctx, &tg.ContactsSearchRequest{Q: query, Limit: limit})
	if err != nil {
		return nil, normalize(err)
	}
	t.harvest(res.Users, res.Chats)
	out := make([]telegram.RawUser, 0, len(res.Users))
	for _, uc := range res.Users {
		if u, ok := uc.(*tg.User); ok {
			out = append(out, buildRawUser(u))
		}
	}
	return out, nil
}

// State fetches the current server-side cursor.
func (t *Transport) State(ctx context.Context) (telegram.RawState, error) {
	api, err := t.apiClient()
	if err != nil {
		return telegram.RawState{}, err
	}
	st, err := api.UpdatesGetState(ctx)
	if err != nil {
		return telegram.RawState{}, normalize(err)
	}
	return telegram.RawState{
		Pts:  st.Pts,
		Qts:  st.Qts,
		Seq:  st.Seq,
		Date: time.Unix(int64(st.Date), 0),
	}, nil
}

// Difference fetches updates between from and the current state.
func (t *Transport) Difference(ctx context.Context, from telegram.RawState) (telegram.Difference, error) {
	api, err := t.apiClient()
	if err != nil {
		return telegram.Difference{}, err
	}
	res, err := api.UpdatesGetDifference(ctx, &tg.UpdatesGetDifferenceRequest{
		Pts:  from.Pts,
		Qts:  from.Qts,
		Date: int(from.Date.Unix()),
	})
	if err != nil {
		return telegram.Difference{}, normalize(err)
	}

	var out telegram.Difference
	switch d := res.(type) {
	case *tg.UpdatesDifferenceEmpty:
		out.State = telegram.RawState{
			Pts:  from.Pts,
			Qts:  from.Qts,
			Seq:  d.Seq,
			Date: time.Unix(int64(d.Date), 0),
		}
	case *tg.UpdatesDifference:
		t.harvest(d.Users, d.Chats)
		out = t.buildDifference(d.NewMessages, d.OtherUpdates, d.Users, d.Chats)
		out.State = rawState(d.State)
	case *tg.UpdatesDifferenceSlice:
		t.harvest(d.Users, d.Chats)
		out = t.buildDifference(d.NewMessages, d.OtherUpdates, d.Users, d.Chats)
		out.State = rawState(d.IntermediateState)
	case *tg.UpdatesDifferenceTooLong:
		out.State = telegram.RawState{Pts: d.Pts}
	}
	return out, nil
}

func rawState(st tg.UpdatesState) telegram.RawState {
	return telegram.RawState{
		Pts:  st.Pts,
		Qts:  st.Qts,
		Seq:  st.Seq,
		Date: time.Unix(int64(st.Date), 0),
	}
}

func (t *Transport) buildDifference(newMessages []tg.MessageClass, others []tg.UpdateClass, users []tg.UserClass, chats []tg.ChatClass) telegram.Difference {
	var out telegram.Difference
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			out.Users = append(out.Users, buildRawUser(u))
		}
	}
	for _, cc := range chats {
		if rc, ok := buildRawChatFromClass(cc); ok {
			out.Chats = append(out.Chats, rc)
		}
	}
	for _, mc := range newMessages {
		if m, ok := mc.(*tg.Message); ok {
			rm := buildRawMessage(m)
			out.Updates = append(out.Updates, telegram.RawUpdate{
				Kind:    telegram.UpdNewMessage,
				Message: &rm,
				ChatID:  rm.ChatID,
			})
		}
	}
	for _, uc := range others {
		if ru, ok := t.convertUpdate(uc); ok {
			out.Updates = append(out.Updates, ru)
		}
	}
	return out
}

// Updates is the live update stream.
func (t *Transport) Updates() <-chan telegram.RawUpdate {
	return t.updates
}

// handleUpdates flattens a gotd updates container onto the stream,
// preserving order.
func (t *Transport) handleUpdates(ctx context.Context, u tg.UpdatesClass) error {
	switch box := u.(type) {
	case *tg.Updates:
		t.harvest(box.Users, box.Chats)
		for _, uc := range box.Updates {
			t.emit(ctx, uc, box.Users, box.Chats, box.Seq, box.Date)
		}
	case *tg.UpdatesCombined:
		t.harvest(box.Users, box.Chats)
		for _, uc := range box.Updates {
			t.emit(ctx, uc, box.Users, box.Chats, box.Seq, box.Date)
		}
	case *tg.UpdateShort:
		t.emit(ctx, box.Update, nil, nil, 0, box.Date)
	case *tg.UpdateShortMessage:
		rm := telegram.RawMessage{
			ID:     int64(box.ID),
			ChatID: box.UserID,
			FromID: box.UserID,
			Date:   time.Unix(int64(box.Date), 0),
			Text:   box.Message,
			Out:    box.Out,
		}
		if box.Out {
			rm.FromID = 0
		}
		t.send(ctx, telegram.RawUpdate{
			Kind:     telegram.UpdNewMessage,
			Pts:      box.Pts,
			PtsCount: box.PtsCount,
			Date:     time.Unix(int64(box.Date), 0),
			Message:  &rm,
			ChatID:   box.UserID,
		})
	case *tg.UpdateShortChatMessage:
		rm := telegram.RawMessage{
			ID:     int64(box.ID),
			ChatID: box.ChatID,
			FromID: box.FromID,
			Date:   time.Unix(int64(box.Date), 0),
			Text:   box.Message,
			Out:    box.Out,
		}
		t.send(ctx, telegram.RawUpdate{
			Kind:     telegram.UpdNewMessage,
			Pts:      box.Pts,
			PtsCount: box.PtsCount,
			Date:     time.Unix(int64(box.Date), 0),
			Message:  &rm,
			ChatID:   box.ChatID,
		})
	case *tg.UpdatesTooLong:
		t.send(ctx, telegram.RawUpdate{Kind: telegram.UpdChannelTooLong})
	}
	return nil
}

func (t *Transport) emit(ctx context.Context, uc tg.UpdateClass, users []tg.UserClass, chats []tg.ChatClass, seq int, date int) {
	ru, ok := t.convertUpdate(uc)
	if !ok {
		return
	}
	if seq > 0 {
		ru.Seq = seq
	}
	if ru.Date.IsZero() && date > 0 {
		ru.Date = time.Unix(int64(date), 0)
	}
	for _, u := range users {
		if usr, ok := u.(*tg.User); ok {
			ru.Users = append(ru.Users, buildRawUser(usr))
		}
	}
	for _, c := range chats {
		if rc, ok := buildRawChatFromClass(c); ok {
			ru.Chats = append(ru.Chats, rc)
		}
	}
	t.send(ctx, ru)
}

func (t *Transport) send(ctx context.Context, ru telegram.RawUpdate) {
	select {
	case t.updates <- ru:
	case <-ctx.Done():
	}
}

// convertUpdate maps one gotd update onto the raw taxonomy. Unhandled
// kinds report ok=false and are dropped.
func (t *Transport) convertUpdate(uc tg.UpdateClass) (telegram.RawUpdate, bool) {
	switch upd := uc.(type) {
	case *tg.UpdateNewMessage:
		return t.messageUpdate(telegram.UpdNewMessage, upd.Message, upd.Pts, upd.PtsCount, 0)
	case *tg.UpdateNewChannelMessage:
		return t.messageUpdate(telegram.UpdNewMessage, upd.Message, upd.Pts, upd.PtsCount, channelOf(upd.Message))
	case *tg.UpdateEditMessage:
		return t.messageUpdate(telegram.UpdEditMessage, upd.Message, upd.Pts, upd.PtsCount, 0)
	case *tg.UpdateEditChannelMessage:
		return t.messageUpdate(telegram.UpdEditMessage, upd.Message, upd.Pts, upd.PtsCount, channelOf(upd.Message))
	case *tg.UpdateDeleteMessages:
		return telegram.RawUpdate{
			Kind:       telegram.UpdDeleteMessages,
			Pts:        upd.Pts,
			PtsCount:   upd.PtsCount,
			DeletedIDs: int64s(upd.Messages),
		}, true
	case *tg.UpdateDeleteChannelMessages:
		return telegram.RawUpdate{
			Kind:       telegram.UpdDeleteMessages,
			Pts:        upd.Pts,
			PtsCount:   upd.PtsCount,
			ChannelID:  upd.ChannelID,
			DeletedIDs: int64s(upd.Messages),
		}, true
	case *tg.UpdateReadHistoryInbox:
		return telegram.RawUpdate{
			Kind:        telegram.UpdReadInbox,
			Pts:         upd.Pts,
			PtsCount:    upd.PtsCount,
			ChatID:      peerID(upd.Peer),
			MaxID:       int64(upd.MaxID),
			StillUnread: upd.StillUnreadCount,
		}, true
	case *tg.UpdateReadChannelInbox:
		return telegram.RawUpdate{
			Kind:        telegram.UpdReadInbox,
			Pts:         upd.Pts,
			ChannelID:   upd.ChannelID,
			ChatID:      upd.ChannelID,
			MaxID:       int64(upd.MaxID),
			StillUnread: upd.StillUnreadCount,
		}, true
	case *tg.UpdateReadHistoryOutbox:
		return telegram.RawUpdate{
			Kind:     telegram.UpdReadOutbox,
			Pts:      upd.Pts,
			PtsCount: upd.PtsCount,
			ChatID:   peerID(upd.Peer),
			MaxID:    int64(upd.MaxID),
		}, true
	case *tg.UpdateReadChannelOutbox:
		return telegram.RawUpdate{
			Kind:      telegram.UpdReadOutbox,
			ChannelID: upd.ChannelID,
			ChatID:    upd.ChannelID,
			MaxID:     int64(upd.MaxID),
		}, true
	case *tg.UpdateUserStatus:
		return telegram.RawUpdate{
			Kind:       telegram.UpdUserStatus,
			UserID:     upd.UserID,
			UserStatus: statusName(upd.Status),
		}, true
	case *tg.UpdateChatParticipantAdd:
		return telegram.RawUpdate{
			Kind:   telegram.UpdChatAction,
			ChatID: upd.ChatID,
			UserID: upd.UserID,
			Action: telegram.ActionUserAdded,
		}, true
	case *tg.UpdateChatParticipantDelete:
		return telegram.RawUpdate{
			Kind:   telegram.UpdChatAction,
			ChatID: upd.ChatID,
			UserID: upd.UserID,
			Action: telegram.ActionUserKicked,
		}, true
	case *tg.UpdateChannelTooLong:
		return telegram.RawUpdate{
			Kind:      telegram.UpdChannelTooLong,
			ChannelID: upd.ChannelID,
		}, true
	}
	return telegram.RawUpdate{}, false
}

func (t *Transport) messageUpdate(kind telegram.UpdateKind, mc tg.MessageClass, pts, ptsCount int, channelID int64) (telegram.RawUpdate, bool) {
	m, ok := mc.(*tg.Message)
	if !ok {
		// Service messages (joins, title changes) surface as chat
		// actions instead.
		if svc, ok := mc.(*tg.MessageService); ok {
			return serviceUpdate(svc, pts, ptsCount, channelID), true
		}
		return telegram.RawUpdate{}, false
	}
	rm := buildRawMessage(m)
	return telegram.RawUpdate{
		Kind:      kind,
		Pts:       pts,
		PtsCount:  ptsCount,
		ChannelID: channelID,
		ChatID:    rm.ChatID,
		Date:      rm.Date,
		Message:   &rm,
	}, true
}

func serviceUpdate(svc *tg.MessageService, pts, ptsCount int, channelID int64) telegram.RawUpdate {
	action := telegram.ActionUnknown
	var userID int64
	switch a := svc.Action.(type) {
	case *tg.MessageActionChatAddUser:
		action = telegram.ActionUserAdded
		if len(a.Users) > 0 {
			userID = a.Users[0]
		}
	case *tg.MessageActionChatJoinedByLink:
		action = telegram.ActionUserJoined
	case *tg.MessageActionChatDeleteUser:
		action = telegram.ActionUserLeft
		userID = a.UserID
	}
	return telegram.RawUpdate{
		Kind:      telegram.UpdChatAction,
		Pts:       pts,
		PtsCount:  ptsCount,
		ChannelID: channelID,
		ChatID:    peerID(svc.PeerID),
		Date:      time.Unix(int64(svc.Date), 0),
		Action:    action,
		UserID:    userID,
	}
}

func channelOf(mc tg.MessageClass) int64 {
	var peer tg.PeerClass
	switch m := mc.(type) {
	case *tg.Message:
		peer = m.PeerID
	case *tg.MessageService:
		peer = m.PeerID
	}
	if ch, ok := peer.(*tg.PeerChannel); ok {
		return ch.ChannelID
	}
	return 0
}

func int64s(in []int) []int64 {
	out := make([]int64, 0, len(in))
	for _, v := range in {
		out = append(out, int64(v))
	}
	return out
}

// Auth code flow.

// SendCode requests a login code for the phone number.
func (t *Transport) SendCode(ctx context.Context, phone string) (string, error) {
	a, err := t.authClient()
	if err != nil {
		return "", err
	}
	sent, err := a.SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", normalize(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", &goskills.TransientError{Cause: errors.New("unexpected sent code response")}
	}
	return code.PhoneCodeHash, nil
}

// SignIn completes the code step. 2FA accounts surface
// telegram.ErrPasswordNeeded.
func (t *Transport) SignIn(ctx context.Context, phone, code, codeHash string) error {
	a, err := t.authClient()
	if err != nil {
		return err
	}
	_, err = a.SignIn(ctx, phone, code, codeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return telegram.ErrPasswordNeeded
	}
	return normalize(err)
}

// CheckPassword completes the 2FA step.
func (t *Transport) CheckPassword(ctx context.Context, password string) error {
	a, err := t.authClient()
	if err != nil {
		return err
	}
	_, err = a.Password(ctx, password)
	return normalize(err)
}

// ExportSession serializes the session storage for config.json.
func (t *Transport) ExportSession(ctx context.Context) (string, error) {
	data, err := t.storage.LoadSession(ctx)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	return string(data), nil
}
