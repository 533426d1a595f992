package drain

import (
	"context"
	"fmt"

	"github.com/cotrain/offlineq/internal/queue"
)

// task is one in-flight execution. The engine awaits it before looking at
// the next record, so at most one task exists per pass.
type task struct {
	rec    queue.ActionRecord
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// startTask runs exec for rec on its own goroutine under a context derived
// from ctx.
func startTask(ctx context.Context, exec Executor, rec queue.ActionRecord) *task {
	tctx, cancel := context.WithCancel(ctx)
	t := &task{rec: rec, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.err = &NetworkError{Err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		t.err = exec.Execute(tctx, rec)
	}()
	return t
}

// wait blocks until the execution returns. Cancelling the parent context
// reaches the executor through the derived context, so wait does not need
// a separate cancellation path.
func (t *task) wait() error {
	<-t.done
	return t.err
}
