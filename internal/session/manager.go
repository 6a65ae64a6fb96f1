// ABOUTME: Manager owns the actor cache, the per-session alarm timers, and idle eviction.
// ABOUTME: It is the entry point the router uses for every session operation.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/2389/coven-relay/internal/blob"
	"github.com/2389/coven-relay/internal/compaction"
	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/media"
	"github.com/2389/coven-relay/internal/metrics"
)

// Config holds the session defaults and timings.
type Config struct {
	AgentID          string
	DefaultModel     string
	DefaultReasoning string
	Compaction       compaction.Settings
	DefaultReset     ResetPolicy
	ToolTimeout      time.Duration
	LLMTimeout       time.Duration
	ExtractTimeout   time.Duration
	ContinueDelay    time.Duration
	IdleEvict        time.Duration
	MaxTurns         int
	// Location is used for daily reset boundaries and memory note dates.
	Location *time.Location
}

func (c *Config) applyDefaults() {
	if c.AgentID == "" {
		c.AgentID = "main"
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 5 * time.Minute
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 2 * time.Minute
	}
	if c.ContinueDelay <= 0 {
		c.ContinueDelay = 10 * time.Millisecond
	}
	if c.IdleEvict <= 0 {
		c.IdleEvict = 10 * time.Minute
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = 50
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Store     Store
	Blobs     blob.Store
	Media     *media.Cache
	Completer llm.Completer
	Prompts   PromptBuilder
	Logger    *slog.Logger
}

// Manager creates actors on demand and routes calls to them.
type Manager struct {
	cfg       Config
	store     Store
	blobs     blob.Store
	media     *media.Cache
	completer llm.Completer
	prompts   PromptBuilder
	engine    *compaction.Engine
	notes     *compaction.Notes
	logger    *slog.Logger
	now       func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup

	collabMu sync.RWMutex
	dispatch Dispatcher
	bcast    Broadcaster

	defaultsMu sync.RWMutex
	model      string
	reasoning  string

	// Lock order: actorsMu, then Actor.mu, then timersMu.
	actorsMu sync.Mutex
	actors   map[string]*Actor

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	sweeper *cron.Cron
}

// NewManager creates a manager. Call Start before use.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Blobs == nil {
		deps.Blobs = blob.NewMemoryStore()
	}
	if deps.Media == nil {
		deps.Media = media.NewCache(deps.Blobs, media.DefaultMaxEntries, media.DefaultMaxBytes)
	}
	if deps.Prompts == nil {
		deps.Prompts = StaticPrompt{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		store:     deps.Store,
		blobs:     deps.Blobs,
		media:     deps.Media,
		completer: deps.Completer,
		prompts:   deps.Prompts,
		engine:    compaction.NewEngine(deps.Completer, logger),
		notes:     compaction.NewNotes(deps.Blobs, cfg.AgentID),
		logger:    logger.With("component", "session"),
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		model:     cfg.DefaultModel,
		reasoning: cfg.DefaultReasoning,
		dispatch:  nopDispatcher{},
		bcast:     nopBroadcaster{},
		actors:    make(map[string]*Actor),
		timers:    make(map[string]*time.Timer),
	}
}

// Attach sets the tool dispatcher and event broadcaster.
func (m *Manager) Attach(d Dispatcher, b Broadcaster) {
	m.collabMu.Lock()
	defer m.collabMu.Unlock()
	if d != nil {
		m.dispatch = d
	}
	if b != nil {
		m.bcast = b
	}
}

func (m *Manager) dispatcher() Dispatcher {
	m.collabMu.RLock()
	defer m.collabMu.RUnlock()
	return m.dispatch
}

func (m *Manager) broadcaster() Broadcaster {
	m.collabMu.RLock()
	defer m.collabMu.RUnlock()
	return m.bcast
}

// SetDefaults changes the global model and reasoning used by sessions without their own.
// Empty values leave the current default unchanged.
func (m *Manager) SetDefaults(model, reasoning string) {
	m.defaultsMu.Lock()
	defer m.defaultsMu.Unlock()
	if model != "" {
		m.model = model
	}
	if reasoning != "" {
		m.reasoning = reasoning
	}
}

// Defaults returns the current global model and reasoning.
func (m *Manager) Defaults() (model, reasoning string) {
	m.defaultsMu.RLock()
	defer m.defaultsMu.RUnlock()
	return m.model, m.reasoning
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start re-arms persisted alarms and starts the idle sweep.
func (m *Manager) Start(ctx context.Context) error {
	alarms, err := m.store.ListAlarms(ctx)
	if err != nil {
		return fmt.Errorf("restoring alarms: %w", err)
	}
	for key, at := range alarms {
		m.schedule(key, at)
	}

	m.sweeper = cron.New()
	if _, err := m.sweeper.AddFunc("@every 1m", m.sweep); err != nil {
		return fmt.Errorf("scheduling actor sweep: %w", err)
	}
	m.sweeper.Start()

	m.logger.Info("session manager started", "agent_id", m.cfg.AgentID, "restored_alarms", len(alarms))
	return nil
}

// Stop halts timers and waits for in-flight loops. Runs interrupted mid-call are
// left persisted with an immediate alarm so the next Start resumes them.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopped.Store(true)
	if m.sweeper != nil {
		<-m.sweeper.Stop().Done()
	}

	m.timersMu.Lock()
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	m.timersMu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("session manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session loops: %w", ctx.Err())
	}
}

// Wait blocks until every loop and background task has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) stopping() bool {
	return m.stopped.Load()
}

func (m *Manager) localNow() time.Time {
	return m.now().In(m.cfg.Location)
}

func (m *Manager) noteDate(t time.Time) string {
	return compaction.NoteDate(t.In(m.cfg.Location))
}

func (m *Manager) newID() string {
	return uuid.NewString()
}

// acquire returns the actor for key, loading it from the store if needed.
// Every acquire must be paired with release.
func (m *Manager) acquire(ctx context.Context, key string) (*Actor, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: session key is required", ErrInvalidArgument)
	}
	m.actorsMu.Lock()
	defer m.actorsMu.Unlock()

	a, ok := m.actors[key]
	if !ok {
		var err error
		if a, err = loadActor(ctx, m, key); err != nil {
			return nil, err
		}
		m.actors[key] = a
		metrics.SetActors(len(m.actors))
	}
	a.refs++
	return a, nil
}

func (m *Manager) release(a *Actor) {
	m.actorsMu.Lock()
	defer m.actorsMu.Unlock()
	a.refs--
	a.lastUsed = m.now()
}

func (m *Manager) with(ctx context.Context, key string, fn func(*Actor) error) error {
	a, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer m.release(a)
	return fn(a)
}

// sweep evicts actors that are idle, unreferenced, and not running a loop.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.cfg.IdleEvict)
	m.actorsMu.Lock()
	defer m.actorsMu.Unlock()

	evicted := 0
	for key, a := range m.actors {
		if a.refs > 0 || a.lastUsed.After(cutoff) {
			continue
		}
		if m.evictLocked(key, a) {
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Debug("evicted idle actors", "count", evicted, "remaining", len(m.actors))
	}
	metrics.SetActors(len(m.actors))
}

func (m *Manager) evictLocked(key string, a *Actor) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.looping {
		return false
	}
	delete(m.actors, key)
	return true
}

// Evict drops the in-memory actor for key if nothing is using it.
// State is already persisted, so the next call reloads it.
func (m *Manager) Evict(key string) bool {
	m.actorsMu.Lock()
	defer m.actorsMu.Unlock()
	a, ok := m.actors[key]
	if !ok || a.refs > 0 {
		return false
	}
	ok = m.evictLocked(key, a)
	metrics.SetActors(len(m.actors))
	return ok
}

// ActorCount returns how many actors are in memory.
func (m *Manager) ActorCount() int {
	m.actorsMu.Lock()
	defer m.actorsMu.Unlock()
	return len(m.actors)
}

// schedule arms the alarm for key, replacing any earlier one.
func (m *Manager) schedule(key string, at time.Time) {
	if m.stopping() {
		return
	}
	m.timersMu.Lock()
	defer m.timersMu.Unlock()

	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(max(at.Sub(m.now()), 0), func() {
		m.timersMu.Lock()
		if m.timers[key] == t {
			delete(m.timers, key)
		}
		m.timersMu.Unlock()
		m.fire(key, at)
	})
	m.timers[key] = t
}

func (m *Manager) cancelAlarm(key string) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
}

func (m *Manager) fire(key string, at time.Time) {
	if m.stopping() {
		return
	}
	err := m.with(m.ctx, key, func(a *Actor) error {
		a.Alarm(m.ctx, at)
		return nil
	})
	if err != nil {
		m.logger.Error("alarm failed", "session_key", key, "error", err)
	}
}

// ChatSend delivers a message to a session.
func (m *Manager) ChatSend(ctx context.Context, key string, in ChatInput) (*SendResult, error) {
	var res *SendResult
	err := m.with(ctx, key, func(a *Actor) error {
		var err error
		res, err = a.ChatSend(ctx, in)
		return err
	})
	return res, err
}

// ToolResult records a tool outcome for a session's pending call.
func (m *Manager) ToolResult(ctx context.Context, key, callID string, result json.RawMessage, errText string) error {
	return m.with(ctx, key, func(a *Actor) error {
		a.ToolResult(ctx, callID, result, errText)
		return nil
	})
}

// Abort cancels the session's active run and reports whether there was one.
func (m *Manager) Abort(ctx context.Context, key string) (bool, error) {
	var aborted bool
	err := m.with(ctx, key, func(a *Actor) error {
		aborted = a.Abort(ctx)
		return nil
	})
	return aborted, err
}

// Reset archives and clears a session.
func (m *Manager) Reset(ctx context.Context, key string) (*ResetResult, error) {
	var res *ResetResult
	err := m.with(ctx, key, func(a *Actor) error {
		var err error
		res, err = a.Reset(ctx)
		return err
	})
	return res, err
}

// Compact trims a session to its last keep messages.
func (m *Manager) Compact(ctx context.Context, key string, keep int) (*CompactResult, error) {
	var res *CompactResult
	err := m.with(ctx, key, func(a *Actor) error {
		var err error
		res, err = a.Compact(ctx, keep)
		return err
	})
	return res, err
}

// Get returns a session's metadata and run state.
func (m *Manager) Get(ctx context.Context, key string) (*Info, error) {
	var info Info
	err := m.with(ctx, key, func(a *Actor) error {
		info = a.Get()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Stats returns a session's token accounting.
func (m *Manager) Stats(ctx context.Context, key string) (*Stats, error) {
	var st Stats
	err := m.with(ctx, key, func(a *Actor) error {
		st = a.Stats()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Patch updates a session's settings.
func (m *Manager) Patch(ctx context.Context, key string, p Patch) (*Meta, error) {
	var meta *Meta
	err := m.with(ctx, key, func(a *Actor) error {
		var err error
		meta, err = a.Patch(ctx, p)
		return err
	})
	return meta, err
}

// History returns the last limit messages of a session.
func (m *Manager) History(ctx context.Context, key string, limit int) ([]StoredMessage, error) {
	var out []StoredMessage
	err := m.with(ctx, key, func(a *Actor) error {
		out = a.History(limit)
		return nil
	})
	return out, err
}

// Preview returns plain-text snippets of the last limit messages.
func (m *Manager) Preview(ctx context.Context, key string, limit int) ([]PreviewItem, error) {
	var out []PreviewItem
	err := m.with(ctx, key, func(a *Actor) error {
		out = a.Preview(limit)
		return nil
	})
	return out, err
}

// List returns metadata for every stored session.
func (m *Manager) List(ctx context.Context) ([]Meta, error) {
	metas, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return metas, nil
}
