package telegram

import "time"

// ChatKind classifies a chat.
type ChatKind string

const (
	ChatDM         ChatKind = "dm"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// User is a Telegram user as the skill tracks it. Users are persistent
// once seen.
type User struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name,omitempty"`
	Username  string    `json:"username,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	IsBot     bool      `json:"is_bot"`
	IsSelf    bool      `json:"is_self"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// DisplayName returns the best human-readable name for the user.
func (u *User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.Username != "":
		return "@" + u.Username
	default:
		return "User " + u.ID
	}
}

// Draft is an unsent message attached to a chat.
type Draft struct {
	Text string    `json:"text"`
	Date time.Time `json:"date,omitzero"`
}

// Chat is one entry of the user's chat list.
type Chat struct {
	ID    string   `json:"id"`
	Kind  ChatKind `json:"kind"`
	Title string   `json:"title"`

	UnreadCount       int  `json:"unread_count"`
	ParticipantsCount *int `json:"participants_count,omitempty"`

	IsPinned   bool `json:"is_pinned"`
	IsMuted    bool `json:"is_muted"`
	IsArchived bool `json:"is_archived"`

	Draft           *Draft    `json:"draft,omitempty"`
	LastMessage     *Message  `json:"last_message,omitempty"`
	LastMessageDate time.Time `json:"last_message_date,omitzero"`

	// SortOrder is the service-assigned position in the dialog list,
	// higher first.
	SortOrder int64 `json:"sort_order"`
}

// Reaction is an aggregated reaction on a message.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// Message media kinds. Unknown media maps to MediaUnknown, never an error.
const (
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaDocument = "document"
	MediaVoice    = "voice"
	MediaSticker  = "sticker"
	MediaPoll     = "poll"
	MediaUnknown  = "unknown"
)

// Message is one message in a chat.
type Message struct {
	ID         string     `json:"id"`
	ChatID     string     `json:"chat_id"`
	FromID     string     `json:"from_id,omitempty"`
	FromName   string     `json:"from_name,omitempty"`
	Date       time.Time  `json:"date"`
	Text       string     `json:"text"`
	IsOutgoing bool       `json:"is_outgoing"`
	IsEdited   bool       `json:"is_edited"`
	ReplyToID  string     `json:"reply_to_id,omitempty"`
	MediaKind  string     `json:"media_kind,omitempty"`
	Reactions  []Reaction `json:"reactions,omitempty"`
}

// Event kinds recorded in the append-only events table.
const (
	EventNewMessage     = "new_message"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventChatAction     = "chat_action"
	EventMessagesRead   = "messages_read"
	EventUserStatus     = "user_status"
	EventIngestError    = "ingest_error"
)

// Event is one row of the append-only event log. Payload is opaque JSON.
type Event struct {
	ID        int64          `json:"id"`
	Kind      string         `json:"kind"`
	ChatID    string         `json:"chat_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// SummaryHourly is the only summary kind the skill produces today.
const SummaryHourly = "hourly"

// SummaryContent is the structured body of a summary row.
type SummaryContent struct {
	ChatID         string   `json:"chat_id"`
	MessageCount   int      `json:"message_count"`
	EditCount      int      `json:"edit_count"`
	DeleteCount    int      `json:"delete_count"`
	TopSenders     []string `json:"top_senders,omitempty"`
	FirstMessageID string   `json:"first_message_id,omitempty"`
	LastMessageID  string   `json:"last_message_id,omitempty"`
}

// Summary aggregates events over one period. Append-only; pruned with
// the retention window.
type Summary struct {
	ID          int64          `json:"id"`
	Kind        string         `json:"kind"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Content     SummaryContent `json:"content"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Cursor is the global update-stream position. It advances
// monotonically except after server-signaled gap recovery.
type Cursor struct {
	Pts  int       `json:"pts"`
	Qts  int       `json:"qts"`
	Seq  int       `json:"seq"`
	Date time.Time `json:"date,omitzero"`
}

// IsZero reports whether the cursor has never been set.
func (c Cursor) IsZero() bool {
	return c.Pts == 0 && c.Qts == 0 && c.Seq == 0 && c.Date.IsZero()
}
