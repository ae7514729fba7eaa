// Package telegram is the per-skill session runtime for a Telegram
// user account: it connects an MTProto client, ingests the live update
// stream into a layered store (memory, SQLite, host mirror), enforces
// rate limits and flood-wait backoff, summarizes activity on tick, and
// exposes a cache-first tool surface to the host.
package telegram

import (
	"context"
	"log/slog"
	"time"

	goskills "github.com/everydev1618/goskills"
)

// Name is the skill's registry name.
const Name = "telegram"

// TickInterval is how often the host should call Tick.
const TickInterval = 20 * time.Minute

// Skill adapts the controller to the goskills.Skill protocol.
type Skill struct {
	ctrl *Controller
}

var _ goskills.Skill = (*Skill)(nil)

// NewSkill builds the Telegram skill bound to a host and a transport
// factory. Production wires the mtproto factory; tests script a fake.
func NewSkill(host goskills.Host, factory TransportFactory, cfg Config, log *slog.Logger) *Skill {
	if log == nil {
		log = slog.Default().With("skill", Name)
	}
	return &Skill{ctrl: NewController(host, factory, cfg, log)}
}

// Name implements goskills.Skill.
func (s *Skill) Name() string { return Name }

// Load implements goskills.Skill.
func (s *Skill) Load(ctx context.Context, params goskills.LoadParams) error {
	return s.ctrl.Load(ctx, params)
}

// Unload implements goskills.Skill.
func (s *Skill) Unload(ctx context.Context) error {
	return s.ctrl.Unload(ctx, false)
}

// Tick implements goskills.Skill.
func (s *Skill) Tick(ctx context.Context) error {
	return s.ctrl.Tick(ctx)
}

// Status implements goskills.Skill.
func (s *Skill) Status() goskills.Status {
	return s.ctrl.Status()
}

// SetupStart implements goskills.Skill. An already-authenticated skill
// reports completion instead of starting a new flow.
func (s *Skill) SetupStart(ctx context.Context) (*goskills.SetupStep, *goskills.SetupResult, error) {
	if s.ctrl.Status().AuthStatus == goskills.AuthAuthenticated {
		return nil, goskills.CompleteResult("Telegram is already connected."), nil
	}
	step, err := s.ctrl.wizard.Start(ctx)
	if err != nil {
		return nil, nil, err
	}
	return step, nil, nil
}

// SetupSubmit implements goskills.Skill.
func (s *Skill) SetupSubmit(ctx context.Context, stepID string, values map[string]any) (*goskills.SetupResult, error) {
	return s.ctrl.wizard.Submit(ctx, stepID, values)
}

// SetupCancel implements goskills.Skill.
func (s *Skill) SetupCancel(ctx context.Context) {
	s.ctrl.wizard.Cancel(ctx)
}

// CallTool implements goskills.Skill.
func (s *Skill) CallTool(ctx context.Context, name string, args map[string]any) goskills.ToolResult {
	return s.ctrl.CallTool(ctx, name, args)
}

// Tools implements goskills.Skill.
func (s *Skill) Tools() []goskills.ToolDefinition {
	return s.ctrl.ToolDefinitions()
}

// Options implements goskills.Skill.
func (s *Skill) Options() []goskills.OptionDefinition {
	return toolOptions()
}

// RegisterTrigger implements goskills.Skill.
func (s *Skill) RegisterTrigger(t goskills.Trigger) error {
	return s.ctrl.triggers.Register(t)
}

// RemoveTrigger implements goskills.Skill.
func (s *Skill) RemoveTrigger(id string) {
	s.ctrl.triggers.Remove(id)
}

// TriggerSchema implements goskills.Skill.
func (s *Skill) TriggerSchema() goskills.TriggerSchema {
	return triggerSchema()
}

// Disconnect implements goskills.Skill: unload and clear persisted
// credentials.
func (s *Skill) Disconnect(ctx context.Context) error {
	return s.ctrl.Unload(ctx, true)
}
