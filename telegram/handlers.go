package telegram

import (
	"context"
	"fmt"
	"strings"

	goskills "github.com/everydev1618/goskills"
)

// Argument helpers. Bad arguments surface as ValidationError, which
// dispatch renders with the VALIDATION code.

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", &goskills.ValidationError{Field: key, Message: "required"}
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return "", &goskills.ValidationError{Field: key, Message: "required"}
	}
	return s, nil
}

func optString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func optInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func optBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func chatIDParam() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Chat ID",
	}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// registerAll wires every built-in tool.
func (ts *ToolSet) registerAll() {
	ts.register("list-chats",
		"List chats in UI order with unread counts",
		catChat,
		objectSchema(nil, map[string]any{
			"limit": map[string]any{"type": "number", "description": "Max chats to return (default 20)"},
		}),
		ts.listChats)

	ts.register("get-chat",
		"Get details of one chat",
		catChat,
		objectSchema([]string{"chat_id"}, map[string]any{"chat_id": chatIDParam()}),
		ts.getChat)

	ts.register("mute-chat",
		"Mute or unmute a chat's notifications",
		catChat,
		objectSchema([]string{"chat_id"}, map[string]any{
			"chat_id": chatIDParam(),
			"muted":   map[string]any{"type": "boolean", "description": "Mute (default true)"},
		}),
		ts.muteChat)

	ts.register("archive-chat",
		"Archive or unarchive a chat",
		catChat,
		objectSchema([]string{"chat_id"}, map[string]any{
			"chat_id":  chatIDParam(),
			"archived": map[string]any{"type": "boolean", "description": "Archive (default true)"},
		}),
		ts.archiveChat)

	ts.register("list-messages",
		"List recent messages of a chat, oldest first",
		catMessage,
		objectSchema([]string{"chat_id"}, map[string]any{
			"chat_id": chatIDParam(),
			"limit":   map[string]any{"type": "number", "description": "Max messages (default 20)"},
		}),
		ts.listMessages)

	ts.register("send-message",
		"Send a text message to a chat",
		catMessage,
		objectSchema([]string{"chat_id", "text"}, map[string]any{
			"chat_id": chatIDParam(),
			"text":    map[string]any{"type": "string", "description": "Message text"},
		}),
		ts.sendMessage)

	ts.register("reply-to-message",
		"Reply to a specific message",
		catMessage,
		objectSchema([]string{"chat_id", "message_id", "text"}, map[string]any{
			"chat_id":    chatIDParam(),
			"message_id": map[string]any{"type": "string", "description": "Message to reply to"},
			"text":       map[string]any{"type": "string", "description": "Reply text"},
		}),
		ts.replyToMessage)

	ts.register("edit-message",
		"Edit a previously sent message",
		catMessage,
		objectSchema([]string{"chat_id", "message_id", "text"}, map[string]any{
			"chat_id":    chatIDParam(),
			"message_id": map[string]any{"type": "string", "description": "Message to edit"},
			"text":       map[string]any{"type": "string", "description": "New text"},
		}),
		ts.editMessage)

	ts.register("delete-message",
		"Delete a message",
		catMessage,
		objectSchema([]string{"chat_id", "message_id"}, map[string]any{
			"chat_id":    chatIDParam(),
			"message_id": map[string]any{"type": "string", "description": "Message to delete"},
		}),
		ts.deleteMessage)

	ts.register("mark-as-read",
		"Mark all messages in a chat as read",
		catMessage,
		objectSchema([]string{"chat_id"}, map[string]any{"chat_id": chatIDParam()}),
		ts.markAsRead)

	ts.register("list-contacts",
		"List known contacts",
		catContact,
		objectSchema(nil, map[string]any{}),
		ts.listContacts)

	ts.register("search-contacts",
		"Search contacts by name or username",
		catContact,
		objectSchema([]string{"query"}, map[string]any{
			"query": map[string]any{"type": "string", "description": "Search text"},
			"limit": map[string]any{"type": "number", "description": "Max results (default 10)"},
		}),
		ts.searchContacts)

	ts.register("get-me",
		"Show the connected account's profile",
		catProfile,
		objectSchema(nil, map[string]any{}),
		ts.getMe)
}

func formatChatLine(c Chat) string {
	var flags []string
	if c.IsPinned {
		flags = append(flags, "pinned")
	}
	if c.IsMuted {
		flags = append(flags, "muted")
	}
	if c.IsArchived {
		flags = append(flags, "archived")
	}
	line := fmt.Sprintf("• %s (id %s, %s)", chatTitle(c), c.ID, c.Kind)
	if c.UnreadCount > 0 {
		line += fmt.Sprintf(" — %d unread", c.UnreadCount)
	}
	if len(flags) > 0 {
		line += " [" + strings.Join(flags, ", ") + "]"
	}
	return line
}

func chatTitle(c Chat) string {
	if c.Title != "" {
		return c.Title
	}
	return "Chat " + c.ID
}

func formatMessageLine(m Message) string {
	who := m.FromName
	if who == "" && m.IsOutgoing {
		who = "me"
	}
	if who == "" {
		who = m.FromID
	}
	if who == "" {
		who = "?"
	}
	text := m.Text
	if text == "" && m.MediaKind != "" {
		text = "<" + m.MediaKind + ">"
	}
	line := fmt.Sprintf("[%s] #%s %s: %s", m.Date.Format("2006-01-02 15:04"), m.ID, who, text)
	if m.IsEdited {
		line += " (edited)"
	}
	return line
}

func (ts *ToolSet) listChats(ctx context.Context, args map[string]any) (string, error) {
	limit := optInt(args, "limit", 20)
	res, err := ts.api.GetChats(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(res.Data) == 0 {
		return "No chats found.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d chats:\n", len(res.Data))
	for _, c := range res.Data {
		b.WriteString(formatChatLine(c))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (ts *ToolSet) getChat(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	res, err := ts.api.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	c := res.Data
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", chatTitle(c))
	fmt.Fprintf(&b, "ID: %s\nKind: %s\nUnread: %d\n", c.ID, c.Kind, c.UnreadCount)
	if c.ParticipantsCount != nil {
		fmt.Fprintf(&b, "Participants: %d\n", *c.ParticipantsCount)
	}
	if c.LastMessage != nil {
		fmt.Fprintf(&b, "Last message: %s\n", formatMessageLine(*c.LastMessage))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (ts *ToolSet) muteChat(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	muted := optBool(args, "muted", true)
	if err := ts.api.MuteChat(ctx, chatID, muted); err != nil {
		return "", err
	}
	if muted {
		return fmt.Sprintf("Chat %s muted.", chatID), nil
	}
	return fmt.Sprintf("Chat %s unmuted.", chatID), nil
}

func (ts *ToolSet) archiveChat(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	archived := optBool(args, "archived", true)
	if err := ts.api.ArchiveChat(ctx, chatID, archived); err != nil {
		return "", err
	}
	if archived {
		return fmt.Sprintf("Chat %s archived.", chatID), nil
	}
	return fmt.Sprintf("Chat %s unarchived.", chatID), nil
}

func (ts *ToolSet) listMessages(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	limit := optInt(args, "limit", 20)
	res, err := ts.api.GetMessages(ctx, chatID, limit)
	if err != nil {
		return "", err
	}
	if len(res.Data) == 0 {
		return "No messages in chat " + chatID + ".", nil
	}
	var b strings.Builder
	for _, m := range res.Data {
		b.WriteString(formatMessageLine(m))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (ts *ToolSet) sendMessage(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	text, err := requireString(args, "text")
	if err != nil {
		return "", err
	}
	msg, err := ts.api.SendMessage(ctx, chatID, text, "")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Message %s sent to chat %s.", msg.ID, chatID), nil
}

func (ts *ToolSet) replyToMessage(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	replyTo, err := requireString(args, "message_id")
	if err != nil {
		return "", err
	}
	text, err := requireString(args, "text")
	if err != nil {
		return "", err
	}
	msg, err := ts.api.SendMessage(ctx, chatID, text, replyTo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Reply %s sent to chat %s (in reply to %s).", msg.ID, chatID, replyTo), nil
}

func (ts *ToolSet) editMessage(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	messageID, err := requireString(args, "message_id")
	if err != nil {
		return "", err
	}
	text, err := requireString(args, "text")
	if err != nil {
		return "", err
	}
	if _, err := ts.api.EditMessage(ctx, chatID, messageID, text); err != nil {
		return "", err
	}
	return fmt.Sprintf("Message %s edited.", messageID), nil
}

func (ts *ToolSet) deleteMessage(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	messageID, err := requireString(args, "message_id")
	if err != nil {
		return "", err
	}
	if err := ts.api.DeleteMessage(ctx, chatID, messageID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Message %s deleted.", messageID), nil
}

func (ts *ToolSet) markAsRead(ctx context.Context, args map[string]any) (string, error) {
	chatID, err := requireString(args, "chat_id")
	if err != nil {
		return "", err
	}
	if err := ts.api.MarkAsRead(ctx, chatID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Chat %s marked as read.", chatID), nil
}

func (ts *ToolSet) listContacts(ctx context.Context, args map[string]any) (string, error) {
	res, err := ts.api.ListContacts(ctx)
	if err != nil {
		return "", err
	}
	if len(res.Data) == 0 {
		return "No contacts found.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d contacts:\n", len(res.Data))
	for _, u := range res.Data {
		fmt.Fprintf(&b, "• %s (id %s)", u.DisplayName(), u.ID)
		if u.Username != "" {
			fmt.Fprintf(&b, " @%s", u.Username)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (ts *ToolSet) searchContacts(ctx context.Context, args map[string]any) (string, error) {
	query, err := requireString(args, "query")
	if err != nil {
		return "", err
	}
	limit := optInt(args, "limit", 10)
	users, err := ts.api.SearchContacts(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return fmt.Sprintf("No contacts matching %q.", query), nil
	}
	var b strings.Builder
	for _, u := range users {
		fmt.Fprintf(&b, "• %s (id %s)\n", u.DisplayName(), u.ID)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (ts *ToolSet) getMe(ctx context.Context, args map[string]any) (string, error) {
	res, err := ts.api.GetMe(ctx)
	if err != nil {
		return "", err
	}
	u := res.Data
	var b strings.Builder
	fmt.Fprintf(&b, "%s (id %s)\n", u.DisplayName(), u.ID)
	if u.Username != "" {
		fmt.Fprintf(&b, "Username: @%s\n", u.Username)
	}
	if u.Phone != "" {
		fmt.Fprintf(&b, "Phone: %s\n", u.Phone)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
