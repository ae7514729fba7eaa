package telegram

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	goskills "github.com/everydev1618/goskills"
)

// transportPool hands the controller a fresh scripted transport per
// connection attempt, mirroring how the real factory builds one gotd
// client per session.
type transportPool struct {
	mu      sync.Mutex
	dialogs []RawDialog
	history map[int64][]RawMessage
	made    []*fakeTransport
}

func newTransportPool() *transportPool {
	return &transportPool{history: make(map[int64][]RawMessage)}
}

func (p *transportPool) factory(cfg TransportConfig) (Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ft := newFakeTransport()
	ft.dialogs = p.dialogs
	for id, msgs := range p.history {
		ft.history[id] = msgs
	}
	p.made = append(p.made, ft)
	return ft, nil
}

func (p *transportPool) latest() *fakeTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.made) == 0 {
		return nil
	}
	return p.made[len(p.made)-1]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting: " + msg)
}

func storedCreds() []byte {
	data, _ := json.Marshal(credentials{APIID: 1, APIHash: "h", SessionString: "s"})
	return data
}

func newSkillHarness(t *testing.T, withCreds bool) (*Skill, *fakeHost, *transportPool) {
	t.Helper()
	host := newFakeHost()
	if withCreds {
		host.files[configFile] = storedCreds()
	}
	pool := newTransportPool()
	pool.dialogs = []RawDialog{rawDialog(100, "Ops", 2)}
	pool.history[100] = []RawMessage{{ID: 1, ChatID: 100, Text: "old", Date: time.Now()}}

	skill := NewSkill(host, pool.factory, testConfig(), testLogger(t))
	return skill, host, pool
}

func TestLoadWithoutCredentialsWaitsForSetup(t *testing.T) {
	skill, _, _ := newSkillHarness(t, false)
	ctx := context.Background()

	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: t.TempDir()}))
	t.Cleanup(func() { skill.Unload(context.Background()) })

	st := skill.Status()
	assert.Equal(t, goskills.ConnDisconnected, st.ConnectionStatus)
	assert.Equal(t, goskills.AuthNotAuthenticated, st.AuthStatus)
	assert.False(t, st.Initialized)

	step, result, err := skill.SetupStart(ctx)
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, step)
	assert.Equal(t, "credentials", step.ID)
}

func TestFreshLoginThroughWizardConnects(t *testing.T) {
	skill, host, _ := newSkillHarness(t, false)
	ctx := context.Background()

	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: t.TempDir()}))
	t.Cleanup(func() { skill.Unload(context.Background()) })

	_, _, err := skill.SetupStart(ctx)
	require.NoError(t, err)
	res, err := skill.SetupSubmit(ctx, "credentials", map[string]any{"api_id": "1", "api_hash": "h"})
	require.NoError(t, err)
	require.Equal(t, goskills.SetupNext, res.Status)
	res, err = skill.SetupSubmit(ctx, "phone", map[string]any{"phone": "+15550100"})
	require.NoError(t, err)
	require.Equal(t, goskills.SetupNext, res.Status)
	res, err = skill.SetupSubmit(ctx, "code", map[string]any{"code": "12345"})
	require.NoError(t, err)
	require.Equal(t, goskills.SetupComplete, res.Status)

	assert.NotEmpty(t, host.files[configFile], "config.json written on completion")

	waitFor(t, func() bool {
		st := skill.Status()
		return st.ConnectionStatus == goskills.ConnConnected &&
			st.AuthStatus == goskills.AuthAuthenticated
	}, "skill connected after setup")
}

func TestLoadWithCredentialsSyncsAndServes(t *testing.T) {
	skill, _, _ := newSkillHarness(t, true)
	ctx := context.Background()

	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: t.TempDir()}))
	t.Cleanup(func() { skill.Unload(context.Background()) })

	waitFor(t, func() bool {
		return skill.ctrl.currentPhase() == phaseReady
	}, "initial sync completes")

	st := skill.Status()
	assert.Equal(t, goskills.ConnConnected, st.ConnectionStatus)
	assert.Equal(t, goskills.AuthAuthenticated, st.AuthStatus)
	assert.True(t, st.Initialized)
	require.NotNil(t, st.CurrentUser)
	assert.Equal(t, "1", st.CurrentUser["id"])

	snap := skill.ctrl.store.Snapshot()
	assert.True(t, snap.InitialSyncComplete)
	require.Contains(t, snap.Chats, "100")
	assert.Equal(t, 2, snap.Chats["100"].UnreadCount)
	assert.Len(t, skill.ctrl.store.Messages("100", 0), 1)

	// Tools are live once the runtime is up.
	res := skill.CallTool(ctx, "list-chats", nil)
	assert.False(t, res.IsError)
}

func TestSetupStartWhenAlreadyConnected(t *testing.T) {
	skill, _, _ := newSkillHarness(t, true)
	ctx := context.Background()
	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: t.TempDir()}))
	t.Cleanup(func() { skill.Unload(context.Background()) })

	waitFor(t, func() bool {
		return skill.Status().AuthStatus == goskills.AuthAuthenticated
	}, "authenticated")

	step, result, err := skill.SetupStart(ctx)
	require.NoError(t, err)
	assert.Nil(t, step)
	require.NotNil(t, result)
	assert.Equal(t, goskills.SetupComplete, result.Status)
}

func TestDisconnectClearsEverything(t *testing.T) {
	skill, host, _ := newSkillHarness(t, true)
	ctx := context.Background()
	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: t.TempDir()}))

	waitFor(t, func() bool {
		return skill.ctrl.currentPhase() == phaseReady
	}, "ready before disconnect")

	require.NoError(t, skill.Disconnect(ctx))

	assert.Equal(t, "{}", string(host.files[configFile]), "credentials blanked")
	st := skill.Status()
	assert.Equal(t, goskills.ConnDisconnected, st.ConnectionStatus)
	assert.False(t, st.Initialized)
	assert.Empty(t, skill.ctrl.store.Snapshot().Chats, "state fully reset")
}

func TestUnloadKeepsCredentials(t *testing.T) {
	skill, host, _ := newSkillHarness(t, true)
	ctx := context.Background()
	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: t.TempDir()}))
	waitFor(t, func() bool {
		return skill.ctrl.currentPhase() == phaseReady
	}, "ready before unload")

	require.NoError(t, skill.Unload(ctx))
	assert.Equal(t, string(storedCreds()), string(host.files[configFile]))
}

func TestDoubleLoadRejected(t *testing.T) {
	skill, _, _ := newSkillHarness(t, false)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: dir}))
	t.Cleanup(func() { skill.Unload(context.Background()) })

	assert.Error(t, skill.Load(ctx, goskills.LoadParams{DataDir: dir}))
}

func TestToolCallBeforeLoad(t *testing.T) {
	skill, _, _ := newSkillHarness(t, false)
	res := skill.CallTool(context.Background(), "list-chats", nil)
	assert.True(t, res.IsError)
}

func TestTickRunsSummaries(t *testing.T) {
	skill, host, pool := newSkillHarness(t, true)
	ctx := context.Background()
	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: t.TempDir()}))
	t.Cleanup(func() { skill.Unload(context.Background()) })

	waitFor(t, func() bool {
		return skill.ctrl.currentPhase() == phaseReady
	}, "ready before tick")

	// Feed one live event so the tick has something to summarize.
	trans := pool.latest()
	require.NotNil(t, trans)
	msg := RawMessage{ID: 9, ChatID: 100, FromID: 7, Text: "ping", Date: time.Now()}
	trans.updates <- RawUpdate{Kind: UpdNewMessage, ChatID: 100, Message: &msg}

	waitFor(t, func() bool {
		n, _ := skill.ctrl.db.CountEvents(EventNewMessage)
		return n >= 1
	}, "event ingested")

	require.NoError(t, skill.Tick(ctx))

	sums, err := skill.ctrl.db.ListSummaries(SummaryHourly, 10)
	require.NoError(t, err)
	require.NotEmpty(t, sums)
	assert.GreaterOrEqual(t, host.entityCount(EntitySummary), 1)
}

func TestReconnectAfterStreamLoss(t *testing.T) {
	skill, _, pool := newSkillHarness(t, true)
	ctx := context.Background()
	require.NoError(t, skill.Load(ctx, goskills.LoadParams{DataDir: t.TempDir()}))
	t.Cleanup(func() { skill.Unload(context.Background()) })

	waitFor(t, func() bool {
		return skill.ctrl.currentPhase() == phaseReady
	}, "ready before drop")
	first := pool.latest()

	// Drop the connection: the stream closes, the controller backs off
	// and reconnects through a fresh transport.
	require.NoError(t, first.Close(ctx))

	waitFor(t, func() bool {
		return pool.latest() != first && skill.ctrl.currentPhase() == phaseReady
	}, "reconnected on a fresh transport")

	_, _, _, diffCalls := pool.latest().calls()
	assert.GreaterOrEqual(t, diffCalls, 1, "gap recovery after reconnect")
}
