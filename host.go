package goskills

// Host is the outbound RPC surface a skill calls into. The runtime
// accepts one Host implementation at startup; skills hold it for their
// whole lifetime and never assume anything about what sits behind it.
//
// SetState, FireTrigger and PushEvent are fire-and-forget from the
// skill's point of view: the host absorbs failures. ReadData/WriteData
// and the graph upserts return errors the skill may act on.
type Host interface {
	// SetState pushes a partial state projection for UI binding.
	// Skills debounce on their side; the host applies pushes as-is.
	SetState(partial map[string]any)

	// ReadData reads a file under the skill's data dir. A missing file
	// returns (nil, nil).
	ReadData(path string) ([]byte, error)

	// WriteData writes a file under the skill's data dir.
	WriteData(path string, data []byte) error

	// UpsertEntity merges an entity into the knowledge graph on
	// (source, source_id).
	UpsertEntity(e Entity) error

	// UpsertRelationship merges an edge into the knowledge graph.
	UpsertRelationship(r Relationship) error

	// FireTrigger notifies the host that a registered trigger matched.
	FireTrigger(triggerID string, payload map[string]any)

	// PushEvent forwards an opaque event onto the host timeline.
	PushEvent(eventType string, payload map[string]any)
}
