// Package engine implements the Autonomy Engine: the component that
// composes the clock, persistence, approval gate, event bus, plugin
// manager, trigger registry, scheduler, and cycle runner into a single
// start/stop/pause/resume/run lifecycle that reacts to bus events and
// fires scheduled cycles.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cgast/autonomy/internal/clock"
	"github.com/cgast/autonomy/internal/status"
	"github.com/cgast/autonomy/pkg/bus"
	"github.com/cgast/autonomy/pkg/cycle"
	"github.com/cgast/autonomy/pkg/gate"
	"github.com/cgast/autonomy/pkg/persistence"
	"github.com/cgast/autonomy/pkg/plugin"
	"github.com/cgast/autonomy/pkg/scheduler"
	"github.com/cgast/autonomy/pkg/sources"
	"github.com/cgast/autonomy/pkg/trigger"
)

// Engine composes the persistence, gate, bus, plugin, trigger, scheduler,
// and cycle-runner layers into a single start/stop/pause/resume/run
// lifecycle that reacts to bus events and fires scheduled cycles.
type Engine struct {
	cfg   Config
	clock clock.Clock

	bus      *bus.Bus
	store    *persistence.Store
	index    *persistence.Index
	plugins  *plugin.Manager
	triggers *trigger.Registry
	sched    *scheduler.Scheduler
	runner   *cycle.Runner
	status   *status.Server

	mu           sync.RWMutex
	state        persistence.RuntimeState
	hdmLevel     gate.Level
	lastCycleRun map[cycle.Kind]*time.Time
	cycleHistory []cycle.Report
	startedAt    time.Time

	cycleMu  sync.Mutex
	running  map[cycle.Kind]bool
	unsub    bus.Disposer
	srcStop  context.CancelFunc
	github   *sources.GitHubSource
	metrics  *sources.MetricsSource
}

const cycleHistoryCap = 10

// New builds an Engine and its collaborators from cfg but performs no
// I/O; call Initialize to load persisted state and start background
// components.
func New(cfg Config) (*Engine, error) {
	if cfg.RootDir == "" {
		return nil, fmt.Errorf("engine: RootDir is required")
	}

	clk := clock.System{}
	b := bus.New(cfg.MaxHistory)
	store := persistence.New(cfg.RootDir)
	plugins := plugin.NewManager(filepath.Join(cfg.RootDir, "plugins"), b)
	triggers := trigger.NewRegistry(clk.Now)

	e := &Engine{
		cfg:          cfg,
		clock:        clk,
		bus:          b,
		store:        store,
		plugins:      plugins,
		triggers:     triggers,
		lastCycleRun: make(map[cycle.Kind]*time.Time),
		running:      make(map[cycle.Kind]bool),
	}

	e.runner = &cycle.Runner{
		Clock:       clk,
		Bus:         b,
		Hooks:       plugins,
		Resolver:    e,
		MaxHistory:  cfg.MaxHistory,
		TaskTimeout: cfg.TaskTimeout,
		RetryDelay:  cfg.RetryDelay,
		RetryLimit:  cfg.RetryLimit,
	}

	specs := scheduler.DefaultSpecs()
	for kind, spec := range cfg.Schedules {
		specs[kind] = spec
	}
	e.sched = scheduler.New(clk, specs, e.fireScheduled)

	return e, nil
}

// ResolveAction implements cycle.ActionResolver against the fixed action
// table; it is how the cycle Runner turns a Task.Action name into a
// callable Handler without the cycle package knowing what actions do.
func (e *Engine) ResolveAction(name string) (cycle.Handler, bool) {
	fn, ok := e.actionTable()[name]
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, task cycle.Task) (any, error) {
		return fn(ctx, task)
	}, true
}

// Initialize ensures the on-disk directories exist, loads persisted
// state, opens (or rebuilds) the history index, discovers plugins,
// registers the default triggers, and starts the status surface if
// enabled. It does not transition the engine to Running; call Start for
// that.
func (e *Engine) Initialize() error {
	if err := e.store.EnsureDirs(); err != nil {
		return err
	}

	saved := e.store.LoadState()

	e.mu.Lock()
	e.state = persistence.Stopped
	e.hdmLevel = e.cfg.HDMLevel
	if !saved.UpdatedAt.IsZero() {
		e.hdmLevel = saved.HDMLevel
	}
	e.lastCycleRun = saved.LastCycleRun
	if e.lastCycleRun == nil {
		e.lastCycleRun = make(map[cycle.Kind]*time.Time)
	}
	e.cycleHistory = saved.CycleHistory
	e.startedAt = e.clock.Now()
	e.mu.Unlock()

	for _, tp := range saved.Triggers {
		e.restoreTrigger(tp)
	}

	idx, err := persistence.OpenIndex(filepath.Join(e.cfg.RootDir, ".eaos", "autonomy", "index.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: history index unavailable, status queries will be empty until next write: %v\n", err)
	} else {
		e.index = idx
		if err := idx.Reindex(e.cycleHistory); err != nil {
			fmt.Fprintf(os.Stderr, "engine: rebuilding history index: %v\n", err)
		}
	}

	if err := e.plugins.Discover(); err != nil {
		return fmt.Errorf("engine: discover plugins: %w", err)
	}

	e.registerDefaultTriggers()

	if e.cfg.Status.Enabled {
		addr := e.cfg.Status.Addr
		if addr == "" {
			addr = ":4200"
		}
		e.status = status.New(e, e.bus, e.plugins, e.triggers, e.index)
		e.status.StartAsync(addr, func(err error) {
			fmt.Fprintf(os.Stderr, "engine: status surface: %v\n", err)
		})
	}

	return nil
}

func (e *Engine) restoreTrigger(tp persistence.TriggerProjection) {
	kind := trigger.Event
	if tp.Kind == trigger.Condition.String() {
		kind = trigger.Condition
	}
	cfg := trigger.Config{
		ID: tp.ID, Name: tp.Name, Kind: kind, Pattern: tp.Pattern,
		CheckerName: tp.CheckerName, Threshold: tp.Threshold,
		Action: tp.Action, HDMLevel: tp.HDMLevel, Enabled: tp.Enabled,
	}
	t, err := e.triggers.Register(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: restoring trigger %q: %v\n", tp.ID, err)
		return
	}
	t.FireCount = tp.FireCount
	t.LastFired = tp.LastFired
}

func (e *Engine) registerDefaultTriggers() {
	defaults := []trigger.Config{
		{
			ID: "default-code-change", Name: "Code change sweep", Kind: trigger.Event,
			Pattern: "code:change:*", Action: "runSecuritySweep", HDMLevel: gate.Low, Enabled: true,
		},
		{
			ID: "default-error-rate", Name: "Error rate above threshold", Kind: trigger.Condition,
			CheckerName: "error_rate_gt", Threshold: 0.05, Action: "alertAndDiagnose", HDMLevel: gate.Low, Enabled: true,
		},
		{
			ID: "default-burn-rate", Name: "Burn rate above threshold", Kind: trigger.Condition,
			CheckerName: "burn_rate_gt", Threshold: 1.5, Action: "alertAndDiagnose", HDMLevel: gate.Low, Enabled: true,
		},
	}
	for _, cfg := range defaults {
		if _, ok := e.triggers.Get(cfg.ID); ok {
			continue
		}
		if _, err := e.triggers.Register(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "engine: registering default trigger %q: %v\n", cfg.ID, err)
		}
	}
}

// Start transitions the engine from Stopped to Running: subscribes a
// single wildcard listener, arms every cycle-kind scheduler, starts the
// configured event sources, and persists state.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.state != persistence.Stopped {
		e.mu.Unlock()
		return nil
	}
	e.state = persistence.Running
	e.mu.Unlock()

	e.unsub = e.bus.On("*", func(ev bus.Event) error {
		e.ProcessEvent(ev)
		return nil
	})
	e.sched.ArmAll()

	ctx, cancel := context.WithCancel(context.Background())
	e.srcStop = cancel
	e.startSources(ctx)

	e.bus.Emit("engine:start", map[string]any{"at": e.clock.Now()})
	return e.persist()
}

func (e *Engine) startSources(ctx context.Context) {
	if e.cfg.GitHub.Enabled {
		src, err := sources.NewGitHubSource(e.cfg.GitHub.Token, e.cfg.GitHub.Owner, e.cfg.GitHub.Repo, e.cfg.GitHub.PollInterval, e.bus)
		if err != nil {
			fmt.Fprintf(os.Stderr, "engine: github source: %v\n", err)
		} else {
			e.github = src
			go src.Run(ctx)
		}
	}
	if e.cfg.Metrics.Enabled {
		src, err := sources.NewMetricsSource(e.cfg.Metrics.Endpoint, e.cfg.Metrics.AllowedDomains, e.cfg.Metrics.PollInterval, e.bus)
		if err != nil {
			fmt.Fprintf(os.Stderr, "engine: metrics source: %v\n", err)
		} else {
			e.metrics = src
			go src.Run(ctx)
		}
	}
}

// Stop cancels timers and sources, drops the wildcard subscription, and
// transitions to Stopped. It does not abort a cycle in progress; the
// cycle runs to completion and the engine remains Stopped once it ends.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state == persistence.Stopped {
		e.mu.Unlock()
		return nil
	}
	e.state = persistence.Stopped
	e.mu.Unlock()

	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.sched.Stop()
	if e.srcStop != nil {
		e.srcStop()
		e.srcStop = nil
	}

	e.bus.Emit("engine:stop", map[string]any{"at": e.clock.Now()})
	return e.persist()
}

// Pause transitions Running to Paused: ProcessEvent stops dispatching
// trigger actions and RunCycle stops firing, but timers remain armed.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != persistence.Running {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine: can only pause from Running, currently %s", state)
	}
	e.state = persistence.Paused
	err := e.persistLocked()
	e.mu.Unlock()
	// Emitted after unlocking: the wildcard subscriber calls ProcessEvent,
	// which takes e.mu.
	e.bus.Emit("engine:pause", nil)
	return err
}

// Resume transitions Paused back to Running.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != persistence.Paused {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine: can only resume from Paused, currently %s", state)
	}
	e.state = persistence.Running
	err := e.persistLocked()
	e.mu.Unlock()
	e.bus.Emit("engine:resume", nil)
	return err
}

// ProcessEvent evaluates every registered trigger against ev; a matching
// trigger whose HDMLevel exceeds the engine's current level emits
// autonomy:approval:required instead of firing. While the engine is not
// Running, ProcessEvent returns at once: no trigger is evaluated and no
// action is dispatched.
func (e *Engine) ProcessEvent(ev bus.Event) {
	e.mu.RLock()
	level := e.hdmLevel
	running := e.state == persistence.Running
	e.mu.RUnlock()
	if !running {
		return
	}

	for _, t := range e.triggers.Matching(ev) {
		if !gate.Allows(t.HDMLevel, level) {
			e.bus.Emit("autonomy:approval:required", gate.RequiredNotice{
				Subject: t.ID, RequiredLevel: t.HDMLevel, EngineLevel: level,
			})
			continue
		}
		e.triggers.Fire(t.ID)
		e.bus.Emit("autonomy:trigger:fire", *t)

		fn, ok := e.actionTable()[t.Action]
		if !ok {
			fmt.Fprintf(os.Stderr, "engine: trigger %q references unknown action %q\n", t.ID, t.Action)
			continue
		}
		if _, err := fn(context.Background(), ev); err != nil {
			fmt.Fprintf(os.Stderr, "engine: action %q (trigger %q) failed: %v\n", t.Action, t.ID, err)
		}
	}
}

func (e *Engine) fireScheduled(kind cycle.Kind) {
	if _, _, err := e.RunCycle(context.Background(), kind, cycle.RunOptions{}); err != nil {
		fmt.Fprintf(os.Stderr, "engine: scheduled %s cycle: %v\n", kind, err)
	}
}

// RunCycle runs kind's battery. Cycles of the same kind never overlap;
// a second call for a kind already running is rejected rather than
// queued. Cycles of different kinds may run concurrently.
func (e *Engine) RunCycle(ctx context.Context, kind cycle.Kind, opts cycle.RunOptions) (cycle.Report, bool, error) {
	e.cycleMu.Lock()
	if e.running[kind] {
		e.cycleMu.Unlock()
		return cycle.Report{}, false, fmt.Errorf("engine: a %s cycle is already running", kind)
	}
	e.running[kind] = true
	e.cycleMu.Unlock()
	defer func() {
		e.cycleMu.Lock()
		e.running[kind] = false
		e.cycleMu.Unlock()
	}()

	battery := cycle.DefaultBatteries()[kind]

	e.mu.RLock()
	level := e.hdmLevel
	running := e.state == persistence.Running
	e.mu.RUnlock()

	report, ran, err := e.runner.Run(ctx, kind, battery, level, running, opts)
	if !ran {
		return report, ran, err
	}

	e.recordReport(kind, report)
	return report, ran, err
}

func (e *Engine) recordReport(kind cycle.Kind, report cycle.Report) {
	e.mu.Lock()
	if report.Status == cycle.StatusCompleted || report.Status == cycle.StatusCompletedWithError {
		e.lastCycleRun[kind] = report.EndTime
	}
	e.cycleHistory = append(e.cycleHistory, report)
	if over := len(e.cycleHistory) - cycleHistoryCap; over > 0 {
		e.cycleHistory = e.cycleHistory[over:]
	}
	e.mu.Unlock()

	if err := e.store.WriteCycleReport(report); err != nil {
		fmt.Fprintf(os.Stderr, "engine: write cycle report: %v\n", err)
	}
	if e.index != nil {
		if err := e.index.PutReport(report); err != nil {
			fmt.Fprintf(os.Stderr, "engine: index cycle report: %v\n", err)
		}
	}
	if err := e.persist(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: persist state after cycle: %v\n", err)
	}
}

// RegisterTrigger registers cfg and persists the updated trigger set.
func (e *Engine) RegisterTrigger(cfg trigger.Config) (trigger.Trigger, error) {
	t, err := e.triggers.Register(cfg)
	if err != nil {
		return trigger.Trigger{}, err
	}
	if err := e.persist(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: persist after trigger registration: %v\n", err)
	}
	return *t, nil
}

// UnregisterTrigger removes a trigger and persists the updated set.
func (e *Engine) UnregisterTrigger(id string) error {
	e.triggers.Unregister(id)
	return e.persist()
}

// GetTriggers returns every registered trigger.
func (e *Engine) GetTriggers() []trigger.Trigger {
	return e.triggers.All()
}

// LogFilter narrows GetLogs to a kind, status, and/or a result count.
type LogFilter struct {
	Kind   cycle.Kind
	Status cycle.Status
	Limit  int
}

// GetLogs returns cycle reports from in-memory history matching filter,
// newest first.
func (e *Engine) GetLogs(filter LogFilter) []cycle.Report {
	e.mu.RLock()
	history := make([]cycle.Report, len(e.cycleHistory))
	copy(history, e.cycleHistory)
	e.mu.RUnlock()

	var out []cycle.Report
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Status returns the projection the Status Surface serves; Engine
// implements status.StatusProvider.
func (e *Engine) Status() status.EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lastCycleRun := make(map[cycle.Kind]*time.Time, len(e.lastCycleRun))
	for k, v := range e.lastCycleRun {
		lastCycleRun[k] = v
	}
	return status.EngineStatus{
		State:        e.state,
		HDMLevel:     e.hdmLevel,
		StartedAt:    e.startedAt,
		LastCycleRun: lastCycleRun,
	}
}

// GetStatus is an alias for Status.
func (e *Engine) GetStatus() status.EngineStatus { return e.Status() }

func (e *Engine) persist() error {
	e.mu.RLock()
	snapshot := e.snapshotLocked()
	e.mu.RUnlock()
	return e.store.SaveState(snapshot)
}

// persistLocked is called with e.mu already held for writing (Pause and
// Resume hold the lock across their state transition and the save).
func (e *Engine) persistLocked() error {
	snapshot := e.snapshotLocked()
	return e.store.SaveState(snapshot)
}

func (e *Engine) snapshotLocked() persistence.EngineState {
	triggers := e.triggers.All()
	projections := make([]persistence.TriggerProjection, len(triggers))
	for i, t := range triggers {
		projections[i] = persistence.TriggerProjection{
			ID: t.ID, Name: t.Name, Kind: t.Kind.String(), Pattern: t.Pattern,
			CheckerName: t.CheckerName, Threshold: t.Threshold,
			Action: t.Action, HDMLevel: t.HDMLevel, Enabled: t.Enabled,
			FireCount: t.FireCount, LastFired: t.LastFired,
		}
	}
	return persistence.EngineState{
		RuntimeState: e.state,
		HDMLevel:     e.hdmLevel,
		LastCycleRun: e.lastCycleRun,
		CycleHistory: e.cycleHistory,
		Triggers:     projections,
		UpdatedAt:    e.clock.Now(),
	}
}

// Close releases the history index file handle. Call it during process
// shutdown, after Stop.
func (e *Engine) Close() error {
	if e.index != nil {
		return e.index.Close()
	}
	return nil
}
