package telegram

import (
	"context"
	"errors"
	"time"
)

// The Transport contract is the seam between the session runtime and the
// MTProto SDK. Everything above it works with the Raw* types below; the
// mtproto subpackage binds the contract to gotd/td. Tests script a fake.

// ErrPasswordNeeded is returned by SignIn when the account has 2FA
// enabled and a cloud password must be checked next.
var ErrPasswordNeeded = errors.New("telegram: 2fa password required")

// RawUser is a user object as the wire delivers it.
type RawUser struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	Phone     string
	Bot       bool
	Self      bool
	Status    string
}

// Raw chat types as the wire reports them.
const (
	RawChatUser      = "user"
	RawChatGroup     = "chat"
	RawChatMegagroup = "megagroup"
	RawChatChannel   = "channel"
)

// RawChat is a chat/channel object as the wire delivers it.
type RawChat struct {
	ID    int64
	Type  string
	Title string

	// ParticipantsCount is -1 when the wire did not include it.
	ParticipantsCount int
}

// RawReaction is an aggregated reaction as the wire delivers it.
type RawReaction struct {
	Emoji string
	Count int
}

// RawMessage is a message object as the wire delivers it.
type RawMessage struct {
	ID        int64
	ChatID    int64
	FromID    int64
	Date      time.Time
	Text      string
	Out       bool
	Edited    bool
	ReplyToID int64
	Media     string
	Reactions []RawReaction
}

// RawDialog is one entry of the dialog list: the chat plus its unread
// count, flags and last message.
type RawDialog struct {
	Chat        RawChat
	UnreadCount int
	Pinned      bool
	Muted       bool
	Archived    bool
	DraftText   string
	DraftDate   time.Time
	TopMessage  *RawMessage
	SortOrder   int64
}

// UpdateKind tags a RawUpdate.
type UpdateKind string

const (
	UpdNewMessage     UpdateKind = "new_message"
	UpdEditMessage    UpdateKind = "edit_message"
	UpdDeleteMessages UpdateKind = "delete_messages"
	UpdChatAction     UpdateKind = "chat_action"
	UpdReadInbox      UpdateKind = "read_inbox"
	UpdReadOutbox     UpdateKind = "read_outbox"
	UpdUserStatus     UpdateKind = "user_status"
	UpdChannelTooLong UpdateKind = "channel_too_long"
)

// Chat action names carried by UpdChatAction.
const (
	ActionUserJoined = "user_joined"
	ActionUserLeft   = "user_left"
	ActionUserAdded  = "user_added"
	ActionUserKicked = "user_kicked"
	ActionUnknown    = "unknown"
)

// RawUpdate is one event from the live update stream, flattened across
// kinds. Only the fields relevant to Kind are set.
type RawUpdate struct {
	Kind UpdateKind

	// Cursor advancement. Pts/PtsCount are zero for updates that do not
	// carry sequence information. ChannelID is non-zero for
	// channel-scoped pts.
	Pts       int
	PtsCount  int
	Qts       int
	Seq       int
	Date      time.Time
	ChannelID int64

	Message    *RawMessage
	DeletedIDs []int64
	ChatID     int64
	Action     string
	ActorID    int64
	UserID     int64
	UserStatus string

	// Read receipts.
	MaxID       int64
	StillUnread int

	// Side-loaded objects referenced by the update.
	Users []RawUser
	Chats []RawChat
}

// RawState is the server-side update cursor.
type RawState struct {
	Pts  int
	Qts  int
	Seq  int
	Date time.Time
}

// Difference is the batch returned by a gap-recovery request.
type Difference struct {
	Updates []RawUpdate
	Users   []RawUser
	Chats   []RawChat
	State   RawState
}

// Transport is the smallest SDK surface the session runtime needs. A
// Transport owns exactly one connection; all calls are serialized by
// the caller. Implementations normalize provider errors into the
// goskills taxonomy before returning them.
type Transport interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// Authenticated reports whether the session holds valid credentials.
	Authenticated(ctx context.Context) (bool, error)

	// Me resolves the current user.
	Me(ctx context.Context) (RawUser, error)

	// Dialogs fetches the chat list, most recent first.
	Dialogs(ctx context.Context, limit int) ([]RawDialog, error)

	// History fetches messages of a chat, newest first. maxID bounds the
	// page from above; zero means latest.
	History(ctx context.Context, chatID int64, limit int, maxID int64) ([]RawMessage, error)

	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (RawMessage, error)
	EditMessage(ctx context.Context, chatID, messageID int64, text string) (RawMessage, error)
	DeleteMessages(ctx context.Context, chatID int64, messageIDs []int64) error
	MarkRead(ctx context.Context, chatID int64, maxID int64) error
	SetMuted(ctx context.Context, chatID int64, muted bool) error
	SetArchived(ctx context.Context, chatID int64, archived bool) error

	Contacts(ctx context.Context) ([]RawUser, error)
	SearchContacts(ctx context.Context, query string, limit int) ([]RawUser, error)

	// State fetches the current server-side cursor.
	State(ctx context.Context) (RawState, error)

	// Difference fetches all updates between from and the current server
	// state, in order.
	Difference(ctx context.Context, from RawState) (Difference, error)

	// Updates is the live update stream. The channel closes when the
	// connection drops; the controller then reconnects and recovers the
	// gap through Difference.
	Updates() <-chan RawUpdate

	// Auth code flow, used by the setup wizard only.
	SendCode(ctx context.Context, phone string) (codeHash string, err error)
	SignIn(ctx context.Context, phone, code, codeHash string) error
	CheckPassword(ctx context.Context, password string) error

	// ExportSession serializes the authenticated session for config.json.
	ExportSession(ctx context.Context) (string, error)
}

// TransportConfig carries credentials into a transport factory.
type TransportConfig struct {
	APIID   int
	APIHash string

	// Session is a previously exported session string; empty for a
	// fresh, unauthenticated session.
	Session string
}

// TransportFactory builds a Transport from credentials. The controller
// uses it on load; the setup wizard uses it for live validation.
type TransportFactory func(cfg TransportConfig) (Transport, error)
