package telegram

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goskills "github.com/everydev1618/goskills"
	"github.com/google/uuid"
)

// Trigger types this skill supports.
const (
	TriggerMessageMatch = "message_match"
	TriggerChatEvent    = "chat_event"
)

// triggerSchema declares the trigger vocabulary for the host.
func triggerSchema() goskills.TriggerSchema {
	return goskills.TriggerSchema{
		TriggerTypes: []goskills.TriggerTypeDefinition{
			{
				Type:        TriggerMessageMatch,
				Label:       "Message Match",
				Description: "Fires when an incoming message matches the specified conditions",
				ConditionFields: []goskills.TriggerFieldSchema{
					{Name: "message.text", Type: "string", Description: "Message text content"},
					{Name: "message.sender_name", Type: "string", Description: "Sender's display name"},
					{Name: "message.chat_name", Type: "string", Description: "Chat/group title"},
					{Name: "message.chat_id", Type: "string", Description: "Chat ID"},
					{Name: "message.sender_id", Type: "string", Description: "Sender's user ID"},
					{Name: "message.is_outgoing", Type: "boolean", Description: "Whether the message is outgoing"},
				},
				ConfigSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"chat_filter": map[string]any{
							"type":        "string",
							"description": "Only match messages from chats whose name contains this string",
						},
						"sender_filter": map[string]any{
							"type":        "string",
							"description": "Only match messages from senders whose name contains this string",
						},
						"exclude_outgoing": map[string]any{
							"type":        "boolean",
							"description": "Skip outgoing messages (default: true)",
							"default":     true,
						},
					},
				},
			},
			{
				Type:        TriggerChatEvent,
				Label:       "Chat Event",
				Description: "Fires on chat membership changes (user joined, left, kicked, etc.)",
				ConditionFields: []goskills.TriggerFieldSchema{
					{Name: "event.action", Type: "string", Description: "Action type: user_joined, user_left, user_added, user_kicked"},
					{Name: "event.chat_name", Type: "string", Description: "Chat/group title"},
					{Name: "event.chat_id", Type: "string", Description: "Chat ID"},
				},
				ConfigSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"chat_filter": map[string]any{
							"type":        "string",
							"description": "Only match events from chats whose name contains this string",
						},
					},
				},
			},
		},
	}
}

// TriggerEngine holds host-registered triggers in memory and evaluates
// them against ingest events. Evaluation is best-effort: a broken
// trigger is skipped, never blocking the event pipeline.
type TriggerEngine struct {
	host goskills.Host
	log  *slog.Logger

	mu       sync.RWMutex
	triggers map[string]goskills.Trigger
}

// NewTriggerEngine builds an empty engine.
func NewTriggerEngine(host goskills.Host, log *slog.Logger) *TriggerEngine {
	if log == nil {
		log = slog.Default()
	}
	return &TriggerEngine{
		host:     host,
		log:      log,
		triggers: make(map[string]goskills.Trigger),
	}
}

// Register adds or replaces a trigger. A missing ID gets one assigned.
func (e *TriggerEngine) Register(t goskills.Trigger) error {
	switch t.Type {
	case TriggerMessageMatch, TriggerChatEvent:
	default:
		return fmt.Errorf("unsupported trigger type %q", t.Type)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	e.mu.Lock()
	e.triggers[t.ID] = t
	e.mu.Unlock()
	return nil
}

// Remove drops a trigger. Unknown IDs are a no-op.
func (e *TriggerEngine) Remove(id string) {
	e.mu.Lock()
	delete(e.triggers, id)
	e.mu.Unlock()
}

// Reset drops all triggers. Called on unload.
func (e *TriggerEngine) Reset() {
	e.mu.Lock()
	e.triggers = make(map[string]goskills.Trigger)
	e.mu.Unlock()
}

// triggerTypeFor maps an ingest event kind onto the trigger type that
// watches it.
func triggerTypeFor(eventKind string) string {
	switch eventKind {
	case EventNewMessage:
		return TriggerMessageMatch
	case EventChatAction:
		return TriggerChatEvent
	default:
		return ""
	}
}

// Evaluate fires every matching trigger for one ingest event. The
// payload uses the flat dotted field names of the trigger schema.
func (e *TriggerEngine) Evaluate(eventKind string, payload map[string]any) {
	wantType := triggerTypeFor(eventKind)
	if wantType == "" {
		return
	}

	e.mu.RLock()
	candidates := make([]goskills.Trigger, 0, len(e.triggers))
	for _, t := range e.triggers {
		if t.Type == wantType {
			candidates = append(candidates, t)
		}
	}
	e.mu.RUnlock()

	for _, t := range candidates {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("trigger evaluation panicked", "trigger", t.ID, "panic", r)
				}
			}()
			if e.matches(t, payload) {
				e.host.FireTrigger(t.ID, payload)
			}
		}()
	}
}

func (e *TriggerEngine) matches(t goskills.Trigger, payload map[string]any) bool {
	switch t.Type {
	case TriggerMessageMatch:
		if excl, ok := t.Config["exclude_outgoing"].(bool); !ok || excl {
			if out, _ := payload["message.is_outgoing"].(bool); out {
				return false
			}
		}
		if !configContains(t.Config, "chat_filter", payload, "message.chat_name") {
			return false
		}
		if !configContains(t.Config, "sender_filter", payload, "message.sender_name") {
			return false
		}
	case TriggerChatEvent:
		if !configContains(t.Config, "chat_filter", payload, "event.chat_name") {
			return false
		}
	}

	for field, want := range t.Conditions {
		got, ok := payload[field]
		if !ok {
			return false
		}
		if wantStr, isStr := want.(string); isStr {
			gotStr, _ := got.(string)
			if !strings.Contains(strings.ToLower(gotStr), strings.ToLower(wantStr)) {
				return false
			}
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// configContains checks a substring filter from the trigger config
// against a payload field. An absent or empty filter always passes.
func configContains(config map[string]any, filterKey string, payload map[string]any, payloadKey string) bool {
	filter, _ := config[filterKey].(string)
	if filter == "" {
		return true
	}
	value, _ := payload[payloadKey].(string)
	return strings.Contains(strings.ToLower(value), strings.ToLower(filter))
}
