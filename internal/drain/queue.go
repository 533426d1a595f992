package drain

import (
	"context"
	"errors"
	"fmt"

	"github.com/cotrain/offlineq/internal/metrics"
	"github.com/cotrain/offlineq/internal/persist"
	"github.com/cotrain/offlineq/internal/queue"
)

// Enqueue appends rec to the store. When immediate is set, the device is
// online and no pass is running, a pass is kicked off; otherwise the record
// is mirrored to the persistence channel. A record appended during a pass
// is drained by the follow-up pass. Re-submitting an ID already queued is
// a no-op.
func (e *Engine) Enqueue(ctx context.Context, rec queue.ActionRecord, immediate bool) error {
	if rec.ID == "" || rec.URL == "" {
		return fmt.Errorf("%w: id and url are required", ErrInvalidAction)
	}
	if rec.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidAction)
	}

	added, err := e.store.Append(rec)
	if err != nil {
		return fmt.Errorf("queueing action %s: %w", rec.ID, err)
	}
	if !added {
		e.logger.Debug("action already queued", "action_id", rec.ID)
		return nil
	}
	metrics.IncSubmitted()
	e.logger.Info("action queued",
		"action_id", rec.ID,
		"method", rec.Method,
		"url", rec.URL,
		"description", rec.Description,
	)

	if immediate && e.monitor.Online() && !e.processing.Load() && e.Kick() {
		return nil
	}
	e.persist(ctx, rec)
	return nil
}

// Remove drops a record by ID. An execution already in flight for it runs
// to completion but its result is discarded.
func (e *Engine) Remove(ctx context.Context, id string) bool {
	if !e.store.RemoveByID(id) {
		return false
	}
	e.forget(ctx, id)
	e.logger.Info("action removed", "action_id", id)
	return true
}

// Clear drops every queued record and its mirror entry. Response caches
// are left alone.
func (e *Engine) Clear(ctx context.Context) int {
	removed := e.store.Clear()
	for _, rec := range removed {
		e.forget(ctx, rec.ID)
	}
	e.logger.Info("queue cleared", "removed", len(removed))
	return len(removed)
}

// Watch registers fn for store changes. See queue.Store.Subscribe.
func (e *Engine) Watch(fn func(queue.Change)) func() { return e.store.Subscribe(fn) }

// Queue returns a copy of the queued records in execution order.
func (e *Engine) Queue() []queue.ActionRecord { return e.store.Snapshot() }

// Stats partitions the queue by retry state.
func (e *Engine) Stats() queue.Stats { return e.store.Stats() }

// Rehydrate loads mirrored records into the store. Records already in the
// store win on ID conflicts; persisted retry counts are resumed as is.
func (e *Engine) Rehydrate(ctx context.Context) (int, error) {
	if e.mirror == nil {
		return 0, nil
	}
	msgs, err := e.mirror.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading mirrored actions: %w", err)
	}

	n := 0
	for _, m := range msgs {
		added, err := e.store.Append(fromMessage(m))
		if errors.Is(err, queue.ErrQueueFull) {
			e.logger.Warn("queue full, rehydration stopped early",
				"loaded", n,
				"mirrored", len(msgs),
			)
			break
		}
		if err != nil {
			return n, fmt.Errorf("rehydrating action %s: %w", m.ID, err)
		}
		if added {
			n++
		}
	}
	e.logger.Info("rehydrated actions", "count", n)
	return n, nil
}

// persist and forget are best effort: a failing mirror never blocks the
// in-memory queue. They outlive a cancelled pass so a retry count bumped
// just before shutdown still reaches disk.
//
// persist writes rec only while it is still queued. Removals forget under
// the same lock, after the store has dropped the record.
func (e *Engine) persist(ctx context.Context, rec queue.ActionRecord) {
	if e.mirror == nil {
		return
	}
	e.mirrorMu.Lock()
	defer e.mirrorMu.Unlock()
	if !e.store.Contains(rec.ID) {
		e.logger.Debug("action removed before mirroring, skipped", "action_id", rec.ID)
		return
	}
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.MirrorTimeout)
	defer cancel()
	if err := e.mirror.Persist(mctx, toMessage(rec)); err != nil {
		e.logger.Warn("mirroring action failed", "action_id", rec.ID, "error", err)
	}
}

func (e *Engine) forget(ctx context.Context, id string) {
	if e.mirror == nil {
		return
	}
	e.mirrorMu.Lock()
	defer e.mirrorMu.Unlock()
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.MirrorTimeout)
	defer cancel()
	if err := e.mirror.Forget(mctx, id); err != nil {
		e.logger.Warn("removing mirrored action failed", "action_id", id, "error", err)
	}
}

func toMessage(rec queue.ActionRecord) persist.Message {
	return persist.Message{
		ID:          rec.ID,
		URL:         rec.URL,
		Method:      rec.Method,
		Headers:     rec.Headers,
		Body:        rec.Body,
		Timestamp:   rec.Timestamp,
		Description: rec.Description,
		RetryCount:  rec.RetryCount,
		MaxRetries:  rec.MaxRetries,
	}
}

func fromMessage(m persist.Message) queue.ActionRecord {
	return queue.ActionRecord{
		ID:          m.ID,
		URL:         m.URL,
		Method:      m.Method,
		Headers:     m.Headers,
		Body:        m.Body,
		Description: m.Description,
		Timestamp:   m.Timestamp,
		RetryCount:  m.RetryCount,
		MaxRetries:  m.MaxRetries,
	}
}
