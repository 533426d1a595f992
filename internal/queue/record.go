// Package queue holds the ordered set of pending offline actions.
package queue

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned when appending to a store that reached its capacity.
var ErrQueueFull = errors.New("queue is full")

// ActionRecord is a single queued, mutating network request awaiting execution.
//
// Everything except RetryCount is immutable once the record is queued.
// RetryCount is only changed by the drain engine through Store.UpdateRetry.
type ActionRecord struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
}

// NewID returns a time-ordered identifier with a random suffix.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Clone returns a deep copy so callers cannot mutate stored headers.
func (r ActionRecord) Clone() ActionRecord {
	if r.Headers != nil {
		r.Headers = maps.Clone(r.Headers)
	}
	return r
}

// Exhausted reports whether the record has used up its retry budget.
// An exhausted record gets one final attempt; if that fails it is dropped.
func (r ActionRecord) Exhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

// Stats partitions the store by retry state.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Retrying  int `json:"retrying"`
	Exhausted int `json:"failed"`
}
