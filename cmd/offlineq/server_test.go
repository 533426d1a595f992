package main

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/cotrain/offlineq/internal/connectivity"
	"github.com/cotrain/offlineq/internal/drain"
	"github.com/cotrain/offlineq/internal/persist"
	"github.com/cotrain/offlineq/internal/queue"
)

func TestStartEngineRestoresBeforeNewSubmissions(t *testing.T) {
	store, err := persist.Open(":memory:")
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	worker := persist.NewWorker(store, persist.WorkerConfig{}, nil)
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	older := persist.Message{
		ID:         "older",
		URL:        "http://backend.test/api/transactions",
		Method:     http.MethodPost,
		Timestamp:  time.Now().Add(-time.Hour),
		MaxRetries: 3,
	}
	if err := worker.Persist(ctx, older); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// Offline so nothing drains while the order is checked.
	monitor := connectivity.NewEventMonitor(nil)
	monitor.Report(false)
	engine := drain.New(queue.NewStore(0, nil), monitor,
		drain.NewHTTPExecutor(http.DefaultClient, worker, nil), worker, drain.Config{}, nil)
	t.Cleanup(engine.Stop)

	if err := startEngine(ctx, engine, slog.Default()); err != nil {
		t.Fatalf("startEngine: %v", err)
	}
	fresh := queue.ActionRecord{
		ID:         "fresh",
		URL:        "http://backend.test/api/transactions",
		Method:     http.MethodPost,
		Timestamp:  time.Now(),
		MaxRetries: 3,
	}
	if err := engine.Enqueue(ctx, fresh, true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var ids []string
	for _, rec := range engine.Queue() {
		ids = append(ids, rec.ID)
	}
	if !slices.Equal(ids, []string{"older", "fresh"}) {
		t.Errorf("queue order = %v, want [older fresh]", ids)
	}
	if !engine.Kick() {
		t.Error("engine not running after startEngine")
	}
}
