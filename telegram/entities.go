package telegram

import (
	"fmt"
	"log/slog"

	goskills "github.com/everydev1618/goskills"
)

// Entity types emitted into the host knowledge graph.
const (
	EntityContact = "telegram.contact"
	EntityDM      = "telegram.dm"
	EntityGroup   = "telegram.group"
	EntityChannel = "telegram.channel"
	EntitySummary = "telegram.summary"
)

// Relationship types.
const (
	RelDMWith     = "dm_with"
	RelMemberOf   = "member_of"
	RelSummarizes = "summarizes"
)

// Emitter converts internal entities into the host graph vocabulary.
// Emission is idempotent — the host merges on (source, source_id) — so
// callers re-emit freely whenever an entity changes.
type Emitter struct {
	host goskills.Host
	log  *slog.Logger
}

// NewEmitter builds an Emitter bound to the host graph.
func NewEmitter(host goskills.Host, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{host: host, log: log}
}

// namespaced prefixes an internal ID with the skill source so
// relationship endpoints never collide across skills.
func namespaced(id string) string {
	return Source + ":" + id
}

func chatEntityType(c *Chat) string {
	switch c.Kind {
	case ChatDM:
		return EntityDM
	case ChatChannel:
		return EntityChannel
	default:
		return EntityGroup
	}
}

func chatMetadata(c *Chat) map[string]any {
	md := map[string]any{
		"kind":         string(c.Kind),
		"unread_count": c.UnreadCount,
		"is_pinned":    c.IsPinned,
		"is_muted":     c.IsMuted,
		"is_archived":  c.IsArchived,
	}
	if c.ParticipantsCount != nil {
		md["participants_count"] = *c.ParticipantsCount
	}
	if !c.LastMessageDate.IsZero() {
		md["last_message_date"] = c.LastMessageDate.Unix()
	}
	return md
}

func userMetadata(u *User) map[string]any {
	md := map[string]any{
		"is_bot": u.IsBot,
	}
	if u.Username != "" {
		md["username"] = u.Username
	}
	if u.Phone != "" {
		md["phone"] = u.Phone
	}
	if u.Status != "" {
		md["status"] = u.Status
	}
	return md
}

// EmitUser upserts a contact entity.
func (e *Emitter) EmitUser(u *User) error {
	return e.host.UpsertEntity(goskills.Entity{
		Type:     EntityContact,
		Source:   Source,
		SourceID: u.ID,
		Title:    u.DisplayName(),
		Metadata: userMetadata(u),
	})
}

// EmitChat upserts a chat entity. For DMs with a known peer the
// dm_with relationship is emitted alongside.
func (e *Emitter) EmitChat(c *Chat, peerUserID string) error {
	title := c.Title
	if title == "" {
		title = "Chat " + c.ID
	}
	if err := e.host.UpsertEntity(goskills.Entity{
		Type:     chatEntityType(c),
		Source:   Source,
		SourceID: c.ID,
		Title:    title,
		Metadata: chatMetadata(c),
	}); err != nil {
		return err
	}
	if c.Kind == ChatDM && peerUserID != "" {
		return e.host.UpsertRelationship(goskills.Relationship{
			SourceID: namespaced(c.ID),
			TargetID: namespaced(peerUserID),
			Type:     RelDMWith,
			Source:   Source,
		})
	}
	return nil
}

// EmitMembership upserts a member_of edge between a user and a chat.
func (e *Emitter) EmitMembership(userID, chatID string) error {
	return e.host.UpsertRelationship(goskills.Relationship{
		SourceID: namespaced(userID),
		TargetID: namespaced(chatID),
		Type:     RelMemberOf,
		Source:   Source,
	})
}

// EmitSummary upserts a summary entity plus summarizes edges to the
// chats it covers.
func (e *Emitter) EmitSummary(s *Summary) error {
	sourceID := fmt.Sprintf("summary:%s:%d:%s",
		s.Kind, s.PeriodStart.Unix(), s.Content.ChatID)
	title := fmt.Sprintf("%s activity %s", s.Kind, s.PeriodStart.Format("2006-01-02 15:04"))
	if err := e.host.UpsertEntity(goskills.Entity{
		Type:     EntitySummary,
		Source:   Source,
		SourceID: sourceID,
		Title:    title,
		Metadata: map[string]any{
			"chat_id":       s.Content.ChatID,
			"message_count": s.Content.MessageCount,
			"period_start":  s.PeriodStart.Unix(),
			"period_end":    s.PeriodEnd.Unix(),
		},
	}); err != nil {
		return err
	}
	if s.Content.ChatID == "" {
		return nil
	}
	return e.host.UpsertRelationship(goskills.Relationship{
		SourceID: namespaced(sourceID),
		TargetID: namespaced(s.Content.ChatID),
		Type:     RelSummarizes,
		Source:   Source,
	})
}

// EmitSnapshot bulk-emits every chat and user in the snapshot. Used on
// load and on the periodic tick refresh. Failures are logged and do not
// stop the sweep — emission is idempotent and will heal next round.
func (e *Emitter) EmitSnapshot(st State) {
	for id := range st.Users {
		u := st.Users[id]
		if err := e.EmitUser(&u); err != nil {
			e.log.Warn("entity emit failed", "user", id, "error", err)
		}
	}
	for id := range st.Chats {
		c := st.Chats[id]
		peer := ""
		if c.Kind == ChatDM {
			if _, known := st.Users[c.ID]; known {
				peer = c.ID
			}
		}
		if err := e.EmitChat(&c, peer); err != nil {
			e.log.Warn("entity emit failed", "chat", id, "error", err)
		}
	}
}
