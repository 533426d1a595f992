package persist

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startWorker(t *testing.T, cfg WorkerConfig) (*Worker, *Store, context.CancelFunc) {
	t.Helper()
	store := openTestStore(t)
	w := NewWorker(store, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, store, cancel
}

func TestWorker_PersistLoadForget(t *testing.T) {
	w, _, _ := startWorker(t, WorkerConfig{})
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := w.Persist(ctx, testMessage(id)); err != nil {
			t.Fatalf("Persist(%s): %v", id, err)
		}
	}

	msgs, err := w.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Fatalf("Load = %+v", msgs)
	}

	if err := w.Forget(ctx, "a"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if err := w.Forget(ctx, "a"); err != nil {
		t.Errorf("Forget of unknown id should be a no-op, got %v", err)
	}

	status, err := w.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status[ActionsCache] != 1 {
		t.Errorf("Status = %v, want 1 mirrored action", status)
	}
}

func TestWorker_CacheAndClear(t *testing.T) {
	w, store, _ := startWorker(t, WorkerConfig{})
	ctx := context.Background()

	if err := w.CacheResponse(ctx, CacheEntry{CacheName: ResponsesCache, URL: "http://x/a", Status: 200, Body: []byte("ok")}); err != nil {
		t.Fatalf("CacheResponse: %v", err)
	}
	w.Persist(ctx, testMessage("a"))

	status, _ := w.Status(ctx)
	if status[ResponsesCache] != 1 {
		t.Errorf("Status = %v, want 1 cached response", status)
	}

	if err := w.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	msgs, err := store.ListActions()
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("actions after Clear = %d, want 0", len(msgs))
	}
}

func TestWorker_PrunesExpiredCache(t *testing.T) {
	w, store, _ := startWorker(t, WorkerConfig{CacheTTL: time.Minute, PruneInterval: 10 * time.Millisecond})
	ctx := context.Background()

	w.CacheResponse(ctx, CacheEntry{CacheName: ResponsesCache, URL: "stale", Status: 200, StoredAt: time.Now().Add(-time.Hour)})
	w.CacheResponse(ctx, CacheEntry{CacheName: ResponsesCache, URL: "fresh", Status: 200})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := w.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status[ResponsesCache] == 1 {
			if _, err := store.GetCache(ResponsesCache, "fresh"); err != nil {
				t.Errorf("fresh entry was pruned: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale cache entry was not pruned")
}

func TestWorker_ClosedAfterStop(t *testing.T) {
	w, _, cancel := startWorker(t, WorkerConfig{})
	cancel()
	<-w.done

	err := w.Persist(context.Background(), testMessage("late"))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Persist after stop err = %v, want ErrClosed", err)
	}
}

func TestWorker_CallRespectsContext(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, WorkerConfig{}, nil) // never started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Load(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Load on idle worker err = %v, want deadline exceeded", err)
	}
}
