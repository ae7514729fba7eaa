package goskills

// Trigger is a host-registered predicate evaluated against a skill's
// live event stream. Triggers live only in memory; the host re-registers
// them after every load.
type Trigger struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// Config narrows which events are considered at all
	// (e.g. chat_filter, exclude_outgoing).
	Config map[string]any `json:"config,omitempty"`

	// Conditions maps event payload fields to expected values. String
	// values match on substring, everything else on equality. An empty
	// map matches every event of the trigger's type.
	Conditions map[string]any `json:"conditions,omitempty"`
}

// TriggerFieldSchema declares one payload field a trigger type exposes
// for condition matching.
type TriggerFieldSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// TriggerTypeDefinition declares one trigger type a skill supports.
type TriggerTypeDefinition struct {
	Type            string               `json:"type"`
	Label           string               `json:"label"`
	Description     string               `json:"description,omitempty"`
	ConditionFields []TriggerFieldSchema `json:"condition_fields,omitempty"`
	ConfigSchema    map[string]any       `json:"config_schema,omitempty"`
}

// TriggerSchema is the full set of trigger types a skill supports.
type TriggerSchema struct {
	TriggerTypes []TriggerTypeDefinition `json:"trigger_types"`
}
