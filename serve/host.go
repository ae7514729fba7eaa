package serve

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	goskills "github.com/everydev1618/goskills"
)

// FileHost is the development Host implementation: skill data lives
// under a directory, the entity graph is an append-only JSONL log, and
// state pushes, fired triggers and pass-through events land on the SSE
// broker. A production host swaps this out for its own RPC surface.
type FileHost struct {
	skillName string
	dataDir   string
	broker    *EventBroker
	log       *slog.Logger

	mu sync.Mutex
}

// NewFileHost builds a host rooted at dataDir, creating it if needed.
func NewFileHost(skillName, dataDir string, broker *EventBroker, log *slog.Logger) (*FileHost, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "graph"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileHost{
		skillName: skillName,
		dataDir:   dataDir,
		broker:    broker,
		log:       log,
	}, nil
}

// DataDir returns the root the skill should receive in LoadParams.
func (h *FileHost) DataDir() string { return h.dataDir }

// resolve guards against paths escaping the data dir.
func (h *FileHost) resolve(path string) (string, error) {
	if path == "" || strings.Contains(path, "..") || filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid data path %q", path)
	}
	return filepath.Join(h.dataDir, filepath.Clean(path)), nil
}

// SetState publishes the skill's mirror projection on the timeline.
func (h *FileHost) SetState(partial map[string]any) {
	h.broker.Publish(BrokerEvent{
		Type:    "state",
		Skill:   h.skillName,
		Payload: partial,
	})
}

// ReadData reads a file under the data dir; a missing file is nil, nil.
func (h *FileHost) ReadData(path string) ([]byte, error) {
	full, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// WriteData writes a file under the data dir.
func (h *FileHost) WriteData(path string, data []byte) error {
	full, err := h.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o600)
}

// appendGraph appends one record to a JSONL file under graph/.
func (h *FileHost) appendGraph(file string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(h.dataDir, "graph", file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// UpsertEntity appends the entity to the graph log. Merging on
// (source, source_id) is left to graph consumers.
func (h *FileHost) UpsertEntity(e goskills.Entity) error {
	return h.appendGraph("entities.jsonl", e)
}

// UpsertRelationship appends the relationship to the graph log.
func (h *FileHost) UpsertRelationship(r goskills.Relationship) error {
	return h.appendGraph("relationships.jsonl", r)
}

// FireTrigger publishes a trigger firing on the timeline.
func (h *FileHost) FireTrigger(triggerID string, payload map[string]any) {
	h.log.Info("trigger fired", "skill", h.skillName, "trigger", triggerID)
	h.broker.Publish(BrokerEvent{
		Type:  "trigger",
		Skill: h.skillName,
		Payload: map[string]any{
			"trigger_id": triggerID,
			"event":      payload,
			"fired_at":   time.Now().Unix(),
		},
	})
}

// PushEvent forwards an opaque skill event onto the timeline.
func (h *FileHost) PushEvent(eventType string, payload map[string]any) {
	h.broker.Publish(BrokerEvent{
		Type:    "skill_event",
		Skill:   h.skillName,
		Payload: map[string]any{"event_type": eventType, "data": payload},
	})
}
