package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goskills "github.com/everydev1618/goskills"
	"github.com/everydev1618/goskills/ratelimit"
)

// Lifecycle phases.
type phase string

const (
	phaseUnloaded     phase = "unloaded"
	phaseInitializing phase = "initializing"
	phaseSetup        phase = "setup"
	phaseConnecting   phase = "connecting"
	phaseSyncing      phase = "syncing"
	phaseReady        phase = "ready"
	phaseBackoff      phase = "backoff"
	phaseDraining     phase = "draining"
)

// Controller owns the skill state machine and all per-load resources.
// There are no singletons: one Controller value holds the live client,
// the rate limiter, the state store and the setup wizard's transient
// state, and hands them to subcomponents through constructors.
type Controller struct {
	host    goskills.Host
	factory TransportFactory
	cfg     Config
	log     *slog.Logger

	store    *Store
	limiter  *ratelimit.Limiter
	emitter  *Emitter
	triggers *TriggerEngine
	wizard   *setupWizard

	mu      sync.Mutex
	phase   phase
	db      *DB
	client  *Client
	api     *API
	tools   *ToolSet
	mirror  *hostSync
	summary *Summarizer
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr string
	options map[string]bool
	creds   credentials
}

// NewController builds an unloaded controller.
func NewController(host goskills.Host, factory TransportFactory, cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Controller{
		host:    host,
		factory: factory,
		cfg:     cfg,
		log:     log,
		phase:   phaseUnloaded,
	}
	c.store = NewStore(cfg.MessageBuffer, log)
	c.limiter = ratelimit.New(cfg.RateIntervals)
	c.emitter = NewEmitter(host, log)
	c.triggers = NewTriggerEngine(host, log)
	c.wizard = newSetupWizard(factory, host, log, c.onSetupComplete)
	return c
}

func (c *Controller) setPhase(p phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Controller) currentPhase() phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Load opens the durable store, reads config.json, and either starts
// the connection loop or parks in the setup phase when credentials are
// absent. Load itself never blocks on the network — connecting happens
// on the controller's run goroutine.
func (c *Controller) Load(ctx context.Context, params goskills.LoadParams) error {
	c.mu.Lock()
	if c.phase != phaseUnloaded {
		c.mu.Unlock()
		return fmt.Errorf("skill already loaded (phase %s)", c.phase)
	}
	c.phase = phaseInitializing
	c.options = params.Options
	c.mu.Unlock()

	db, err := OpenDB(params.DataDir)
	if err != nil {
		c.setPhase(phaseUnloaded)
		return &goskills.FatalError{Cause: fmt.Errorf("open durable store: %w", err)}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.db = db
	c.runCtx = runCtx
	c.cancel = cancel
	c.summary = NewSummarizer(db, c.emitter, c.cfg.Retention, c.log)
	c.mirror = newHostSync(c.store, c.host, c.cfg.MirrorDebounce, c.log)
	c.mu.Unlock()

	c.mirror.Start(runCtx)

	creds, err := c.readCredentials()
	if err != nil {
		c.log.Warn("failed to read config.json", "error", err)
	}
	if !creds.complete() {
		c.log.Info("no credentials, waiting for setup")
		c.store.SetConnectionStatus(goskills.ConnDisconnected)
		c.store.SetAuthStatus(goskills.AuthNotAuthenticated, "")
		c.setPhase(phaseSetup)
		return nil
	}

	return c.startRuntime(creds)
}

func (c *Controller) readCredentials() (credentials, error) {
	var creds credentials
	data, err := c.host.ReadData(configFile)
	if err != nil {
		return creds, err
	}
	if len(data) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, fmt.Errorf("parse %s: %w", configFile, err)
	}
	return creds, nil
}

// startRuntime builds the client stack and launches the run loop.
func (c *Controller) startRuntime(creds credentials) error {
	c.mu.Lock()
	c.creds = creds
	runCtx := c.runCtx
	c.mu.Unlock()

	if err := c.rebuildClient(); err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLoop(runCtx)
	}()
	return nil
}

// rebuildClient constructs a fresh transport and the stack above it.
// Called on start and again on every reconnect: a transport owns one
// connection and its update stream is single-use.
func (c *Controller) rebuildClient() error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	transport, err := c.factory(TransportConfig{
		APIID:   creds.APIID,
		APIHash: creds.APIHash,
		Session: creds.SessionString,
	})
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	c.mu.Lock()
	c.client = NewClient(transport, c.limiter, c.cfg, c.log)
	c.api = NewAPI(c.store, c.db, c.client, c.log)
	c.tools = NewToolSet(c.api, c.options, c.log)
	c.mu.Unlock()
	return nil
}

func (c *Controller) currentClient() (*Client, *API) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, c.api
}

// onSetupComplete is invoked by the wizard once credentials are
// persisted. The skill connects immediately instead of waiting for the
// host to reload it.
func (c *Controller) onSetupComplete(ctx context.Context, creds credentials) {
	if c.currentPhase() != phaseSetup {
		return
	}
	if err := c.startRuntime(creds); err != nil {
		c.log.Error("post-setup start failed", "error", err)
		c.store.SetConnectionError(err.Error())
	}
}

// runLoop is the connection supervisor: connect, resolve identity,
// start ingest, and on a lost connection back off, reconnect and
// recover the update gap.
func (c *Controller) runLoop(ctx context.Context) {
	firstAttach := true
	for ctx.Err() == nil {
		c.setPhase(phaseConnecting)
		c.store.SetConnectionStatus(goskills.ConnConnecting)

		client, api := c.currentClient()
		if err := client.ConnectWithBackoff(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleRunError(err)
			return
		}
		c.store.SetConnectionStatus(goskills.ConnConnected)

		authed, err := client.Authenticated(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handleRunError(err)
			return
		}
		if !authed {
			c.log.Warn("session not authenticated, setup required")
			c.store.SetAuthStatus(goskills.AuthNotAuthenticated, "session expired")
			c.setPhase(phaseSetup)
			return
		}
		c.store.SetAuthStatus(goskills.AuthAuthenticated, "")
		c.store.SetInitialized(true)

		if _, err := api.GetMe(ctx); err != nil {
			c.log.Warn("resolve current user failed", "error", err)
		}

		c.bootstrapCursor(ctx, client)

		ingest := NewIngestor(c.store, c.db, client, c.emitter, c.triggers, c.host, c.log)
		if !firstAttach {
			// Events that arrived while disconnected are fetched before
			// live consumption resumes, so nothing is lost across the
			// reconnect.
			ingest.RecoverGap(ctx)
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ingest.Run(ctx)
		}()

		if firstAttach && !c.store.Snapshot().InitialSyncComplete {
			c.setPhase(phaseSyncing)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.bulkSync(ctx, client)
			}()
		} else {
			c.setPhase(phaseReady)
		}
		firstAttach = false

		<-ingest.Done()
		if ctx.Err() != nil {
			return
		}

		c.log.Warn("connection lost, scheduling reconnect")
		c.setPhase(phaseBackoff)
		c.store.SetConnectionStatus(goskills.ConnConnecting)
		client.Close(context.Background())
		if err := c.rebuildClient(); err != nil {
			c.handleRunError(err)
			return
		}
	}
}

// handleRunError routes a terminal run-loop failure per the taxonomy.
func (c *Controller) handleRunError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()

	switch {
	case goskills.IsAuth(err):
		c.store.SetAuthStatus(goskills.AuthNotAuthenticated, err.Error())
		c.setPhase(phaseSetup)
	case goskills.IsFatal(err):
		c.log.Error("fatal error, unloading", "error", err)
		c.store.SetConnectionError(err.Error())
		c.setPhase(phaseUnloaded)
	default:
		c.store.SetConnectionError(err.Error())
	}
}

// bootstrapCursor restores the persisted cursor, or primes it from the
// server so gap detection has a baseline.
func (c *Controller) bootstrapCursor(ctx context.Context, client *Client) {
	if cur, ok, err := c.db.LoadCursor("global"); err == nil && ok {
		c.store.SetCursor(cur)
		return
	}
	raw, err := client.State(ctx)
	if err != nil {
		c.log.Warn("cursor bootstrap failed", "error", err)
		return
	}
	cur := BuildCursor(raw)
	c.store.SetCursor(cur)
	if err := c.db.WithTx(func(tx *Tx) error {
		return tx.SaveCursor("global", cur)
	}); err != nil {
		c.log.Warn("cursor persist failed", "error", err)
	}
}

// bulkSync is the bounded initial fetch: the dialog list plus recent
// history per chat. It runs once per load on its own goroutine and
// flips initial_sync_complete when done.
func (c *Controller) bulkSync(ctx context.Context, client *Client) {
	c.store.SetSyncing(true)

	dialogs, err := client.Dialogs(ctx, c.cfg.SyncChats)
	if err != nil {
		c.log.Error("bulk sync: dialog fetch failed", "error", err)
		c.store.SetSyncing(false)
		return
	}

	chats := make([]Chat, 0, len(dialogs))
	for _, d := range dialogs {
		chats = append(chats, BuildDialog(d))
	}
	c.store.AddChats(chats)
	if err := c.db.UpsertChats(chats); err != nil {
		c.log.Warn("bulk sync: persist chats failed", "error", err)
	}

	for _, chat := range chats {
		if ctx.Err() != nil {
			return
		}
		raw, err := client.History(ctx, ParseID(chat.ID), c.cfg.SyncMessagesPerChat, 0)
		if err != nil {
			c.log.Warn("bulk sync: history fetch failed", "chat", chat.ID, "error", err)
			continue
		}
		msgs := make([]Message, 0, len(raw))
		for _, rm := range raw {
			msgs = append(msgs, BuildMessage(rm, chat.ID))
		}
		c.store.AddMessages(chat.ID, msgs)
		if err := c.db.UpsertMessages(msgs); err != nil {
			c.log.Warn("bulk sync: persist messages failed", "chat", chat.ID, "error", err)
		}
	}

	c.store.SetInitialSyncComplete(time.Now())
	c.setPhase(phaseReady)
	c.log.Info("initial sync complete", "chats", len(chats))

	// Initial bulk entity emit.
	c.emitter.EmitSnapshot(c.store.Snapshot())
}

// Tick runs periodic work: summarization, pruning, and an entity
// snapshot refresh.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	summary := c.summary
	c.mu.Unlock()
	if db == nil || summary == nil {
		return nil
	}

	if err := summary.Run(ctx, time.Now()); err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	if st := c.store.Snapshot(); st.InitialSyncComplete {
		c.emitter.EmitSnapshot(st)
		c.store.SetLastSync(time.Now())
	}
	return nil
}

// Unload stops every task, flushes and closes the durable store, and
// resets all state tiers. With clearCreds it also blanks config.json —
// the disconnect path.
func (c *Controller) Unload(ctx context.Context, clearCreds bool) error {
	c.mu.Lock()
	if c.phase == phaseUnloaded && c.db == nil {
		c.mu.Unlock()
		if clearCreds {
			return c.clearCredentials()
		}
		return nil
	}
	c.phase = phaseDraining
	cancel := c.cancel
	db := c.db
	client := c.client
	syncer := c.mirror
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Drain: tasks finish their current event transaction, bounded by
	// the drain timeout, then we abandon them.
	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(c.cfg.DrainTimeout):
		c.log.Warn("drain timeout, abandoning tasks")
	}

	if syncer != nil {
		syncer.Stop()
	}
	if client != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Close(closeCtx); err != nil {
			c.log.Warn("client close failed", "error", err)
		}
		closeCancel()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			c.log.Warn("db close failed", "error", err)
		}
	}

	c.wizard.Cancel(ctx)
	c.triggers.Reset()
	c.store.Reset()

	c.mu.Lock()
	c.db = nil
	c.client = nil
	c.api = nil
	c.tools = nil
	c.mirror = nil
	c.summary = nil
	c.runCtx = nil
	c.cancel = nil
	c.lastErr = ""
	c.phase = phaseUnloaded
	c.mu.Unlock()

	if clearCreds {
		return c.clearCredentials()
	}
	return nil
}

func (c *Controller) clearCredentials() error {
	if err := c.host.WriteData(configFile, []byte("{}")); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// Status reports the skill's externally visible state. Served from the
// in-memory snapshot; never touches the durable store.
func (c *Controller) Status() goskills.Status {
	st := c.store.Snapshot()

	c.mu.Lock()
	lastErr := c.lastErr
	c.mu.Unlock()

	out := goskills.Status{
		ConnectionStatus: st.ConnectionStatus,
		AuthStatus:       st.AuthStatus,
		Initialized:      st.IsInitialized,
		LastSync:         st.LastSync,
	}
	if st.CurrentUser != nil {
		out.CurrentUser = map[string]any{
			"id":         st.CurrentUser.ID,
			"first_name": st.CurrentUser.FirstName,
			"last_name":  st.CurrentUser.LastName,
			"username":   st.CurrentUser.Username,
		}
	}
	switch {
	case st.ConnectionError != "":
		out.Error = st.ConnectionError
	case st.AuthError != "":
		out.Error = st.AuthError
	case lastErr != "":
		out.Error = lastErr
	}
	return out
}

// CallTool dispatches through the tool set. Before load (or while in
// setup) every call reports the skill as not connected.
func (c *Controller) CallTool(ctx context.Context, name string, args map[string]any) goskills.ToolResult {
	c.mu.Lock()
	tools := c.tools
	c.mu.Unlock()
	if tools == nil {
		return goskills.ErrorResult("[AUTH_ERROR] telegram is not connected — run setup first")
	}
	return tools.Call(ctx, name, args)
}

// ToolDefinitions lists visible tools; empty before the runtime is up.
func (c *Controller) ToolDefinitions() []goskills.ToolDefinition {
	c.mu.Lock()
	tools := c.tools
	c.mu.Unlock()
	if tools == nil {
		return nil
	}
	return tools.Definitions()
}
