package serve

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goskills "github.com/everydev1618/goskills"
)

// stubSkill is the smallest Skill the server routes can exercise.
type stubSkill struct {
	status       goskills.Status
	disconnected bool
	triggers     map[string]goskills.Trigger
}

func newStubSkill() *stubSkill {
	return &stubSkill{
		status:   goskills.Status{ConnectionStatus: "connected", AuthStatus: "authenticated"},
		triggers: make(map[string]goskills.Trigger),
	}
}

func (s *stubSkill) Name() string { return "stub" }

func (s *stubSkill) Load(ctx context.Context, params goskills.LoadParams) error { return nil }
func (s *stubSkill) Unload(ctx context.Context) error                           { return nil }
func (s *stubSkill) Tick(ctx context.Context) error                             { return nil }
func (s *stubSkill) Status() goskills.Status                                    { return s.status }

func (s *stubSkill) SetupStart(ctx context.Context) (*goskills.SetupStep, *goskills.SetupResult, error) {
	return &goskills.SetupStep{ID: "credentials", Title: "Credentials"}, nil, nil
}

func (s *stubSkill) SetupSubmit(ctx context.Context, stepID string, values map[string]any) (*goskills.SetupResult, error) {
	return goskills.CompleteResult("ok"), nil
}

func (s *stubSkill) SetupCancel(ctx context.Context) {}

func (s *stubSkill) CallTool(ctx context.Context, name string, args map[string]any) goskills.ToolResult {
	if name != "echo" {
		return goskills.ErrorResult("Unknown tool: " + name)
	}
	text, _ := args["text"].(string)
	return goskills.TextResult(text)
}

func (s *stubSkill) Tools() []goskills.ToolDefinition {
	return []goskills.ToolDefinition{{Name: "echo", Description: "echo text"}}
}

func (s *stubSkill) Options() []goskills.OptionDefinition { return nil }

func (s *stubSkill) RegisterTrigger(t goskills.Trigger) error {
	s.triggers[t.ID] = t
	return nil
}

func (s *stubSkill) RemoveTrigger(id string) { delete(s.triggers, id) }

func (s *stubSkill) TriggerSchema() goskills.TriggerSchema { return goskills.TriggerSchema{} }

func (s *stubSkill) Disconnect(ctx context.Context) error {
	s.disconnected = true
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubSkill) {
	t.Helper()
	skill := newStubSkill()
	broker := NewEventBroker()
	t.Cleanup(broker.Close)
	srv := httptest.NewServer(NewServer(skill, broker, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, skill
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.Client().Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, 200, res.StatusCode)

	var status goskills.Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, "connected", status.ConnectionStatus)
}

func TestCallToolEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"name":"echo","args":{"text":"hi"}}`)
	res, err := srv.Client().Post(srv.URL+"/api/tools/call", "application/json", body)
	require.NoError(t, err)
	defer res.Body.Close()

	var result goskills.ToolResult
	require.NoError(t, json.NewDecoder(res.Body).Decode(&result))
	assert.False(t, result.IsError)
	assert.Equal(t, "hi", result.Content)
}

func TestCallToolUnknownName(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"name":"nope","args":{}}`)
	res, err := srv.Client().Post(srv.URL+"/api/tools/call", "application/json", body)
	require.NoError(t, err)
	defer res.Body.Close()

	var result goskills.ToolResult
	require.NoError(t, json.NewDecoder(res.Body).Decode(&result))
	assert.True(t, result.IsError)
	assert.Equal(t, "Unknown tool: nope", result.Content)
}

func TestSetupFlowEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.Client().Post(srv.URL+"/api/setup/start", "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	var start map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&start))
	step, ok := start["step"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "credentials", step["id"])

	body := strings.NewReader(`{"step_id":"credentials","values":{}}`)
	res2, err := srv.Client().Post(srv.URL+"/api/setup/submit", "application/json", body)
	require.NoError(t, err)
	defer res2.Body.Close()
	var result goskills.SetupResult
	require.NoError(t, json.NewDecoder(res2.Body).Decode(&result))
	assert.Equal(t, goskills.SetupComplete, result.Status)
}

func TestDisconnectEndpoint(t *testing.T) {
	srv, skill := newTestServer(t)

	res, err := srv.Client().Post(srv.URL+"/api/disconnect", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.True(t, skill.disconnected)
}

func TestTriggerEndpoints(t *testing.T) {
	srv, skill := newTestServer(t)

	body := strings.NewReader(`{"id":"t1","type":"message_match","conditions":{"message.text":"hi"}}`)
	res, err := srv.Client().Post(srv.URL+"/api/triggers", "application/json", body)
	require.NoError(t, err)
	res.Body.Close()
	assert.Contains(t, skill.triggers, "t1")
}
