package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Channel is the foreground's view of the durable side channel. Every
// operation is best effort from the queue's point of view: callers log
// failures and carry on.
type Channel interface {
	Persist(ctx context.Context, m Message) error
	Forget(ctx context.Context, id string) error
	Load(ctx context.Context) ([]Message, error)
	Status(ctx context.Context) (map[string]int, error)
	Clear(ctx context.Context) error
	CacheResponse(ctx context.Context, e CacheEntry) error
}

type opKind int

const (
	opPersist opKind = iota
	opForget
	opLoad
	opStatus
	opClear
	opCache
)

func (k opKind) String() string {
	switch k {
	case opPersist:
		return "persist"
	case opForget:
		return "forget"
	case opLoad:
		return "load"
	case opStatus:
		return "status"
	case opClear:
		return "clear"
	case opCache:
		return "cache"
	}
	return "unknown"
}

type request struct {
	op    opKind
	msg   Message
	id    string
	entry CacheEntry
	reply chan response
}

type response struct {
	msgs   []Message
	counts map[string]int
	err    error
}

// WorkerConfig tunes the background worker.
type WorkerConfig struct {
	// CacheTTL bounds how long cached responses are kept. Zero disables pruning.
	CacheTTL time.Duration
	// PruneInterval is how often expired cache entries are removed.
	// Defaults to CacheTTL capped at one hour.
	PruneInterval time.Duration
}

// Worker owns the Store and serves requests sent over its inbox. It runs in
// its own goroutine with a lifecycle independent of any caller.
type Worker struct {
	store  *Store
	cfg    WorkerConfig
	inbox  chan request
	done   chan struct{}
	logger *slog.Logger
}

// NewWorker creates a worker around store. Call Run to start serving.
func NewWorker(store *Store, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PruneInterval <= 0 && cfg.CacheTTL > 0 {
		cfg.PruneInterval = min(cfg.CacheTTL, time.Hour)
	}
	return &Worker{
		store:  store,
		cfg:    cfg,
		inbox:  make(chan request, 64),
		done:   make(chan struct{}),
		logger: logger.With("component", "persist"),
	}
}

// Run serves requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	var prune <-chan time.Time
	if w.cfg.CacheTTL > 0 {
		ticker := time.NewTicker(w.cfg.PruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	w.logger.Info("persistence worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("persistence worker stopped")
			return nil
		case req := <-w.inbox:
			req.reply <- w.handle(req)
		case <-prune:
			w.prune()
		}
	}
}

func (w *Worker) handle(req request) response {
	var resp response
	switch req.op {
	case opPersist:
		resp.err = w.store.SaveAction(req.msg)
	case opForget:
		resp.err = w.store.DeleteAction(req.id)
		if errors.Is(resp.err, ErrNotFound) {
			resp.err = nil
		}
	case opLoad:
		resp.msgs, resp.err = w.store.ListActions()
	case opStatus:
		resp.counts, resp.err = w.store.Counts()
	case opClear:
		resp.err = w.store.Clear()
	case opCache:
		resp.err = w.store.PutCache(req.entry)
	default:
		resp.err = fmt.Errorf("unknown operation %d", req.op)
	}
	if resp.err != nil {
		w.logger.Warn("persistence operation failed", "op", req.op.String(), "error", resp.err)
	}
	return resp
}

func (w *Worker) prune() {
	n, err := w.store.PruneCache(time.Now().Add(-w.cfg.CacheTTL))
	if err != nil {
		w.logger.Warn("pruning cache failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("pruned cache entries", "count", n)
	}
}

func (w *Worker) call(ctx context.Context, req request) response {
	req.reply = make(chan response, 1)
	select {
	case w.inbox <- req:
	case <-w.done:
		return response{err: ErrClosed}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-w.done:
		return response{err: ErrClosed}
	case <-ctx.Done():
		return response{err: ctx.Err()}
	}
}

func (w *Worker) Persist(ctx context.Context, m Message) error {
	return w.call(ctx, request{op: opPersist, msg: m}).err
}

// Forget drops the mirrored copy of an action. Unknown IDs are not an error.
func (w *Worker) Forget(ctx context.Context, id string) error {
	return w.call(ctx, request{op: opForget, id: id}).err
}

func (w *Worker) Load(ctx context.Context) ([]Message, error) {
	resp := w.call(ctx, request{op: opLoad})
	return resp.msgs, resp.err
}

func (w *Worker) Status(ctx context.Context) (map[string]int, error) {
	resp := w.call(ctx, request{op: opStatus})
	return resp.counts, resp.err
}

func (w *Worker) Clear(ctx context.Context) error {
	return w.call(ctx, request{op: opClear}).err
}

func (w *Worker) CacheResponse(ctx context.Context, e CacheEntry) error {
	return w.call(ctx, request{op: opCache, entry: e}).err
}
