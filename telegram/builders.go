package telegram

import "strconv"

// Builders turn raw wire objects into internal entities. They are pure
// and total: unknown fields are ignored, unknown kinds map to a
// fallback, and no builder ever fails.

// FormatID renders a wire ID the way every internal key uses it.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID is the inverse of FormatID. Unparseable input yields zero.
func ParseID(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// BuildUser converts a raw user.
func BuildUser(raw RawUser) User {
	return User{
		ID:        FormatID(raw.ID),
		FirstName: raw.FirstName,
		LastName:  raw.LastName,
		Username:  raw.Username,
		Phone:     raw.Phone,
		IsBot:     raw.Bot,
		IsSelf:    raw.Self,
		Status:    raw.Status,
	}
}

// chatKind maps the wire chat type onto the internal taxonomy. Unknown
// wire types read as groups — the least surprising bucket.
func chatKind(rawType string) ChatKind {
	switch rawType {
	case RawChatUser:
		return ChatDM
	case RawChatGroup:
		return ChatGroup
	case RawChatMegagroup:
		return ChatSupergroup
	case RawChatChannel:
		return ChatChannel
	default:
		return ChatGroup
	}
}

// BuildChat converts a raw chat without dialog context.
func BuildChat(raw RawChat) Chat {
	c := Chat{
		ID:    FormatID(raw.ID),
		Kind:  chatKind(raw.Type),
		Title: raw.Title,
	}
	if raw.ParticipantsCount >= 0 {
		n := raw.ParticipantsCount
		c.ParticipantsCount = &n
	}
	return c
}

// BuildDialog converts one dialog-list entry into a chat, folding in
// unread count, flags, draft and last message.
func BuildDialog(raw RawDialog) Chat {
	c := BuildChat(raw.Chat)
	c.UnreadCount = raw.UnreadCount
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	c.IsPinned = raw.Pinned
	c.IsMuted = raw.Muted
	c.IsArchived = raw.Archived
	c.SortOrder = raw.SortOrder
	if raw.DraftText != "" {
		c.Draft = &Draft{Text: raw.DraftText, Date: raw.DraftDate}
	}
	if raw.TopMessage != nil {
		m := BuildMessage(*raw.TopMessage, c.ID)
		c.LastMessage = &m
		c.LastMessageDate = m.Date
	}
	return c
}

// buildMediaKind normalizes the wire media tag. Anything unrecognized
// becomes MediaUnknown rather than an error.
func buildMediaKind(media string) string {
	switch media {
	case "":
		return ""
	case MediaPhoto, MediaVideo, MediaDocument, MediaVoice, MediaSticker, MediaPoll:
		return media
	default:
		return MediaUnknown
	}
}

// BuildMessage converts a raw message. fallbackChatID is used when the
// wire object carries no peer.
func BuildMessage(raw RawMessage, fallbackChatID string) Message {
	chatID := fallbackChatID
	if raw.ChatID != 0 {
		chatID = FormatID(raw.ChatID)
	}
	m := Message{
		ID:         FormatID(raw.ID),
		ChatID:     chatID,
		Date:       raw.Date,
		Text:       raw.Text,
		IsOutgoing: raw.Out,
		IsEdited:   raw.Edited,
		MediaKind:  buildMediaKind(raw.Media),
	}
	if raw.FromID != 0 {
		m.FromID = FormatID(raw.FromID)
	}
	if raw.ReplyToID != 0 {
		m.ReplyToID = FormatID(raw.ReplyToID)
	}
	for _, r := range raw.Reactions {
		m.Reactions = append(m.Reactions, Reaction{Emoji: r.Emoji, Count: r.Count})
	}
	return m
}

// BuildCursor converts a raw server state.
func BuildCursor(raw RawState) Cursor {
	return Cursor{Pts: raw.Pts, Qts: raw.Qts, Seq: raw.Seq, Date: raw.Date}
}
