// Package drain replays queued actions against the network once
// connectivity returns.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cotrain/offlineq/internal/connectivity"
	"github.com/cotrain/offlineq/internal/metrics"
	"github.com/cotrain/offlineq/internal/persist"
	"github.com/cotrain/offlineq/internal/queue"
)

// ErrInvalidAction is returned by Enqueue for records missing an ID or URL.
var ErrInvalidAction = errors.New("invalid action")

const defaultMirrorTimeout = 5 * time.Second

// Pass results reported in PassResult.Result and the passes metric.
const (
	PassCompleted = "completed"
	PassOffline   = "offline"
	PassCancelled = "cancelled"
)

// Config tunes the engine.
type Config struct {
	// RetryDelay is the pause after a failed attempt that keeps its record.
	RetryDelay time.Duration
	// StabilizeDelay is how long connectivity must stay online before a
	// transition triggers a pass.
	StabilizeDelay time.Duration
	// SweepSchedule is a cron schedule for periodic passes. Empty disables it.
	SweepSchedule string
	// MirrorTimeout bounds each call to the persistence channel.
	MirrorTimeout time.Duration
}

// Hooks receive terminal outcomes. They run on the drain goroutine and
// must not block.
type Hooks struct {
	OnSuccess func(rec queue.ActionRecord)
	OnFailure func(rec queue.ActionRecord, err error)
}

// PassResult summarizes one drain pass.
type PassResult struct {
	Result     string `json:"result"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Retried    int    `json:"retried"`
	Exhausted  int    `json:"exhausted"`
	Skipped    int    `json:"skipped"`
	DurationMS int64  `json:"duration_ms"`
}

// Engine drains a queue.Store in insertion order. At most one pass runs at
// a time; triggers that arrive during a pass are ignored.
type Engine struct {
	store   *queue.Store
	monitor connectivity.Monitor
	exec    Executor
	mirror  persist.Channel
	cfg     Config
	logger  *slog.Logger

	processing atomic.Bool
	// rerun is set when a record is appended while a pass is running.
	rerun atomic.Bool

	// mirrorMu orders mirror writes against removals so a removed
	// record is never written back.
	mirrorMu sync.Mutex
	depthMu  sync.Mutex

	hooksMu  sync.Mutex
	hooks    map[int]Hooks
	nextHook int

	mu        sync.Mutex
	runCtx    context.Context
	stop      context.CancelFunc
	unsub     func()
	sweeper   *cron.Cron
	stabilize *time.Timer
	gen       uint64
	wg        sync.WaitGroup
}

// New creates an engine. mirror may be nil, in which case nothing is
// persisted and Rehydrate is a no-op.
func New(store *queue.Store, monitor connectivity.Monitor, exec Executor, mirror persist.Channel, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.StabilizeDelay < 0 {
		cfg.StabilizeDelay = 0
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = defaultMirrorTimeout
	}
	e := &Engine{
		store:   store,
		monitor: monitor,
		exec:    exec,
		mirror:  mirror,
		cfg:     cfg,
		logger:  logger.With("component", "drain"),
		hooks:   make(map[int]Hooks),
	}
	store.Subscribe(e.onStoreChange)
	return e
}

func (e *Engine) onStoreChange(c queue.Change) {
	if c.Kind == queue.ChangeAppended && e.processing.Load() {
		e.rerun.Store(true)
	}
	// Notifications can arrive out of order, so the gauge is set from a
	// fresh read rather than from c.Stats.
	e.depthMu.Lock()
	st := e.store.Stats()
	metrics.SetQueueDepth(st.Pending, st.Retrying, st.Exhausted)
	e.depthMu.Unlock()
}

// AddHooks registers outcome callbacks. The returned function removes them.
func (e *Engine) AddHooks(h Hooks) func() {
	e.hooksMu.Lock()
	id := e.nextHook
	e.nextHook++
	e.hooks[id] = h
	e.hooksMu.Unlock()
	return func() {
		e.hooksMu.Lock()
		delete(e.hooks, id)
		e.hooksMu.Unlock()
	}
}

// Start subscribes to connectivity changes, starts the periodic sweep and
// kicks off a pass if there is already work to do. Stop must be called to
// release resources.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return errors.New("drain engine already started")
	}
	var sweeper *cron.Cron
	if e.cfg.SweepSchedule != "" {
		sweeper = cron.New()
		if _, err := sweeper.AddFunc(e.cfg.SweepSchedule, e.sweep); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("parsing sweep schedule %q: %w", e.cfg.SweepSchedule, err)
		}
	}
	e.runCtx, e.stop = context.WithCancel(ctx)
	e.sweeper = sweeper
	e.mu.Unlock()

	// Subscribe outside e.mu: the monitor holds its own lock while
	// delivering and onConnectivity takes e.mu.
	unsub := e.monitor.Subscribe(e.onConnectivity)
	e.mu.Lock()
	e.unsub = unsub
	e.mu.Unlock()

	if sweeper != nil {
		sweeper.Start()
	}
	e.logger.Info("drain engine started",
		"queued", e.store.Len(),
		"online", e.monitor.Online(),
		"sweep", e.cfg.SweepSchedule,
	)
	if e.monitor.Online() && e.store.Len() > 0 {
		e.Kick()
	}
	return nil
}

// Stop cancels any running pass and waits for it to return. The record
// being executed at that moment is left untouched.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.runCtx == nil {
		e.mu.Unlock()
		return
	}
	e.stop()
	e.runCtx = nil
	e.gen++
	if e.stabilize != nil {
		e.stabilize.Stop()
		e.stabilize = nil
	}
	unsub, sweeper := e.unsub, e.sweeper
	e.unsub, e.sweeper = nil, nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	e.wg.Wait()
	e.logger.Info("drain engine stopped", "queued", e.store.Len())
}

// Kick starts a pass in the background. It returns false when the engine
// is not running.
func (e *Engine) Kick() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return false
	}
	ctx := e.runCtx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Process(ctx)
	}()
	return true
}

func (e *Engine) sweep() {
	if e.store.Len() == 0 || !e.monitor.Online() || e.processing.Load() {
		return
	}
	e.logger.Debug("periodic sweep triggering drain", "queued", e.store.Len())
	e.Kick()
}

// onConnectivity runs on the monitor's delivery path. An online transition
// arms the stabilization timer; any later transition disarms it.
func (e *Engine) onConnectivity(online bool) {
	metrics.SetOnline(online)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if e.stabilize != nil {
		e.stabilize.Stop()
		e.stabilize = nil
	}
	if !online || e.runCtx == nil {
		return
	}
	gen := e.gen
	e.stabilize = time.AfterFunc(e.cfg.StabilizeDelay, func() { e.stabilized(gen) })
}

func (e *Engine) stabilized(gen uint64) {
	e.mu.Lock()
	current := e.gen == gen
	if current {
		e.stabilize = nil
	}
	e.mu.Unlock()
	if !current || !e.monitor.Online() {
		return
	}
	e.logger.Debug("connectivity stable, starting drain", "queued", e.store.Len())
	e.Kick()
}

// IsProcessing reports whether a pass is running.
func (e *Engine) IsProcessing() bool { return e.processing.Load() }

// Online reports the monitor's current state.
func (e *Engine) Online() bool { return e.monitor.Online() }

// Process runs one drain pass on the caller's goroutine. The boolean is
// false when no pass ran: offline, nothing queued, or another pass in
// progress. Records appended during a completed pass get a follow-up pass
// through Kick.
func (e *Engine) Process(ctx context.Context) (PassResult, bool) {
	if !e.monitor.Online() {
		e.logger.Debug("drain skipped, offline")
		return PassResult{}, false
	}
	if e.store.Len() == 0 {
		return PassResult{}, false
	}
	if !e.processing.CompareAndSwap(false, true) {
		e.logger.Debug("drain already in progress, trigger ignored")
		return PassResult{}, false
	}
	var res PassResult
	defer func() {
		e.processing.Store(false)
		if e.rerun.Swap(false) && res.Result == PassCompleted && e.store.Len() > 0 {
			e.logger.Debug("actions queued during pass, draining again", "queued", e.store.Len())
			e.Kick()
		}
	}()

	start := time.Now()
	res = e.drain(ctx)
	elapsed := time.Since(start)
	res.DurationMS = elapsed.Milliseconds()
	metrics.ObservePass(res.Result, elapsed.Seconds())

	e.logger.Info("drain pass finished",
		"result", res.Result,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"retried", res.Retried,
		"exhausted", res.Exhausted,
		"skipped", res.Skipped,
		"remaining", e.store.Len(),
		"duration_ms", res.DurationMS,
	)
	return res, true
}

// drain walks a snapshot taken at pass start. Records added during the
// pass wait for the next one; records removed during the pass are skipped.
func (e *Engine) drain(ctx context.Context) PassResult {
	res := PassResult{Result: PassCompleted}
	snapshot := e.store.Snapshot()

	for i, snap := range snapshot {
		if ctx.Err() != nil {
			res.Result = PassCancelled
			return res
		}
		if !e.monitor.Online() {
			res.Result = PassOffline
			return res
		}

		rec, ok := e.store.Get(snap.ID)
		if !ok {
			res.Skipped++
			continue
		}

		if rec.RetryCount > rec.MaxRetries {
			// Only reachable through re-hydration of a spent record.
			if e.store.RemoveByID(rec.ID) {
				res.Exhausted++
				metrics.IncExhausted()
				e.forget(ctx, rec.ID)
				e.fail(rec, &ExhaustedError{Attempts: rec.RetryCount})
			}
			continue
		}

		res.Attempted++
		err := startTask(ctx, e.exec, rec).wait()
		if err != nil && ctx.Err() != nil {
			e.logger.Debug("drain cancelled mid-execution", "action_id", rec.ID)
			res.Result = PassCancelled
			return res
		}
		metrics.IncExecution(classify(err))

		switch {
		case err == nil:
			if !e.store.RemoveByID(rec.ID) {
				e.discard(rec, err)
				continue
			}
			res.Succeeded++
			e.forget(ctx, rec.ID)
			e.logger.Info("action succeeded", "action_id", rec.ID, "description", rec.Description)
			e.succeed(rec)

		case rec.RetryCount >= rec.MaxRetries:
			if !e.store.RemoveByID(rec.ID) {
				e.discard(rec, err)
				continue
			}
			res.Exhausted++
			metrics.IncExhausted()
			e.forget(ctx, rec.ID)
			e.logger.Warn("action exhausted retries, dropping",
				"action_id", rec.ID,
				"description", rec.Description,
				"attempts", rec.RetryCount+1,
				"error", err,
			)
			e.fail(rec, &ExhaustedError{Attempts: rec.RetryCount + 1, Last: err})

		default:
			next := rec.RetryCount + 1
			if !e.store.UpdateRetry(rec.ID, next) {
				e.discard(rec, err)
				continue
			}
			res.Retried++
			rec.RetryCount = next
			e.persist(ctx, rec)
			e.logger.Warn("action failed, will retry",
				"action_id", rec.ID,
				"retry_count", next,
				"max_retries", rec.MaxRetries,
				"error", err,
			)
			if i < len(snapshot)-1 && !sleepCtx(ctx, e.cfg.RetryDelay) {
				res.Result = PassCancelled
				return res
			}
		}
	}
	return res
}

// discard logs the result of an execution whose record was removed while
// it was in flight. No callbacks fire for it.
func (e *Engine) discard(rec queue.ActionRecord, err error) {
	e.logger.Info("action removed during execution, result discarded",
		"action_id", rec.ID,
		"outcome", classify(err),
	)
}

func (e *Engine) succeed(rec queue.ActionRecord) {
	for _, h := range e.snapshotHooks() {
		if h.OnSuccess != nil {
			e.callHook(func() { h.OnSuccess(rec) })
		}
	}
}

func (e *Engine) fail(rec queue.ActionRecord, err error) {
	for _, h := range e.snapshotHooks() {
		if h.OnFailure != nil {
			e.callHook(func() { h.OnFailure(rec, err) })
		}
	}
}

func (e *Engine) snapshotHooks() []Hooks {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	hs := make([]Hooks, 0, len(e.hooks))
	for _, h := range e.hooks {
		hs = append(hs, h)
	}
	return hs
}

func (e *Engine) callHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("drain hook panicked", "panic", r)
		}
	}()
	fn()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
