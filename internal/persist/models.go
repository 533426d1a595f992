package persist

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned when the worker is no longer accepting messages.
var ErrClosed = errors.New("persistence channel closed")

// Names reported by Status.
const (
	ActionsCache   = "offline-actions"
	ResponsesCache = "api-responses"
)

// Message is the durable form of a queued action exchanged with the
// background worker.
type Message struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Description string            `json:"description"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
}

// CacheEntry is a stored response in one of the worker's resource caches.
type CacheEntry struct {
	CacheName   string
	URL         string
	Status      int
	ContentType string
	Body        []byte
	StoredAt    time.Time
}
