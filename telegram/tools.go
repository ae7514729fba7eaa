package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	goskills "github.com/everydev1618/goskills"
)

// Tool categories, toggleable from the host.
const (
	catChat    = "enable_chat_tools"
	catMessage = "enable_message_tools"
	catContact = "enable_contact_tools"
	catProfile = "enable_profile_tools"
)

// toolHandler produces a human-readable text blob or an error that
// dispatch wraps into the result envelope.
type toolHandler func(ctx context.Context, args map[string]any) (string, error)

type toolEntry struct {
	def      goskills.ToolDefinition
	category string
	handler  toolHandler
}

// ToolSet routes tool names to handlers over the cache-first API.
// Handlers never touch the state store directly — every mutation goes
// through the API so the durable tier stays in sync.
type ToolSet struct {
	api     *API
	log     *slog.Logger
	entries map[string]toolEntry
	order   []string
	enabled map[string]bool
}

// NewToolSet registers the built-in tools. options toggles categories;
// absent keys use the category defaults.
func NewToolSet(api *API, options map[string]bool, log *slog.Logger) *ToolSet {
	if log == nil {
		log = slog.Default()
	}
	ts := &ToolSet{
		api:     api,
		log:     log,
		entries: make(map[string]toolEntry),
		enabled: make(map[string]bool),
	}
	for _, opt := range toolOptions() {
		on := opt.Default
		if v, ok := options[opt.Name]; ok {
			on = v
		}
		ts.enabled[opt.Name] = on
	}
	ts.registerAll()
	return ts
}

// toolOptions declares the category toggles shown to the host.
func toolOptions() []goskills.OptionDefinition {
	return []goskills.OptionDefinition{
		{
			Name:        catChat,
			Label:       "Enable Chat Management",
			Description: "List, mute and archive chats",
			Default:     true,
			Group:       "tool_categories",
			ToolFilter:  []string{"list-chats", "get-chat", "mute-chat", "archive-chat"},
		},
		{
			Name:        catMessage,
			Label:       "Enable Messaging",
			Description: "Send, edit, delete and read messages",
			Default:     true,
			Group:       "tool_categories",
			ToolFilter: []string{
				"list-messages", "send-message", "reply-to-message",
				"edit-message", "delete-message", "mark-as-read",
			},
		},
		{
			Name:        catContact,
			Label:       "Enable Contacts",
			Description: "List and search contacts",
			Default:     true,
			Group:       "tool_categories",
			ToolFilter:  []string{"list-contacts", "search-contacts"},
		},
		{
			Name:        catProfile,
			Label:       "Enable Profile",
			Description: "Read the connected account's profile",
			Default:     false,
			Group:       "tool_categories",
			ToolFilter:  []string{"get-me"},
		},
	}
}

func (ts *ToolSet) register(name, description, category string, params map[string]any, handler toolHandler) {
	ts.entries[name] = toolEntry{
		def: goskills.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
		category: category,
		handler:  handler,
	}
	ts.order = append(ts.order, name)
}

// Definitions lists the tools visible under the current toggles.
func (ts *ToolSet) Definitions() []goskills.ToolDefinition {
	out := make([]goskills.ToolDefinition, 0, len(ts.order))
	for _, name := range ts.order {
		e := ts.entries[name]
		if ts.enabled[e.category] {
			out = append(out, e.def)
		}
	}
	return out
}

// Call dispatches one tool call. Unknown or disabled names return an
// error result, never a Go error. The handler always runs to
// completion even if the caller's context is cancelled mid-flight —
// aborting halfway would leave the durable tier out of sync — and a
// late cancellation discards the result.
func (ts *ToolSet) Call(ctx context.Context, name string, args map[string]any) goskills.ToolResult {
	entry, ok := ts.entries[name]
	if !ok || !ts.enabled[entry.category] {
		return goskills.ErrorResult("Unknown tool: " + name)
	}
	if args == nil {
		args = map[string]any{}
	}

	done := make(chan goskills.ToolResult, 1)
	callCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ts.log.Error("tool handler panicked", "tool", name, "panic", r)
				done <- goskills.ErrorResult(fmt.Sprintf("[INTERNAL] tool %s crashed", name))
			}
		}()
		text, err := entry.handler(callCtx, args)
		if err != nil {
			done <- toolError(err)
			return
		}
		done <- goskills.TextResult(text)
	}()

	res := <-done
	if ctx.Err() != nil {
		return goskills.ErrorResult("[CANCELLED] tool call cancelled by host")
	}
	return res
}

// toolError maps the error taxonomy onto a stable code plus a short
// human-readable message.
func toolError(err error) goskills.ToolResult {
	var code string
	switch {
	case goskills.IsAuth(err):
		code = "AUTH_ERROR"
	case goskills.IsNotFound(err):
		code = "NOT_FOUND"
	case goskills.IsFatal(err):
		code = "FATAL"
	case goskills.IsTransient(err):
		code = "TRANSIENT"
	default:
		if _, ok := goskills.IsRateLimited(err); ok {
			code = "RATE_LIMITED"
		} else {
			var vErr *goskills.ValidationError
			if errors.As(err, &vErr) {
				code = "VALIDATION"
			} else {
				code = "ERROR"
			}
		}
	}
	return goskills.ErrorResult(fmt.Sprintf("[%s] %s", code, err.Error()))
}
