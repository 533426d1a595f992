package queue

import (
	"log/slog"
	"sync"
)

// ChangeKind describes a mutation of the store.
type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeRemoved  ChangeKind = "removed"
	ChangeRetried  ChangeKind = "retried"
	ChangeCleared  ChangeKind = "cleared"
)

// Change is delivered to subscribers after every successful mutation.
// Stats are taken under the lock but delivery is not ordered across
// concurrent mutations; read Store.Stats for the current counts.
type Change struct {
	Kind  ChangeKind
	ID    string
	Stats Stats
}

// Store is the ordered collection of pending actions. Insertion order is
// execution order. All methods are safe for concurrent use; they are the
// only way to mutate queue state.
type Store struct {
	mu      sync.Mutex
	records []ActionRecord
	index   map[string]int
	maxSize int

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int

	logger *slog.Logger
}

// NewStore creates an empty store. maxSize <= 0 means unbounded.
func NewStore(maxSize int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		index:   make(map[string]int),
		maxSize: maxSize,
		subs:    make(map[int]func(Change)),
		logger:  logger,
	}
}

// Append adds rec to the tail. It returns false without error when a record
// with the same ID is already queued, and ErrQueueFull when at capacity.
func (s *Store) Append(rec ActionRecord) (bool, error) {
	s.mu.Lock()
	if _, ok := s.index[rec.ID]; ok {
		s.mu.Unlock()
		return false, nil
	}
	if s.maxSize > 0 && len(s.records) >= s.maxSize {
		s.mu.Unlock()
		return false, ErrQueueFull
	}
	s.index[rec.ID] = len(s.records)
	s.records = append(s.records, rec.Clone())
	st := s.statsLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAppended, ID: rec.ID, Stats: st})
	return true, nil
}

// RemoveByID removes the record if present and reports whether it did.
func (s *Store) RemoveByID(id string) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.records); j++ {
		s.index[s.records[j].ID] = j
	}
	st := s.statsLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemoved, ID: id, Stats: st})
	return true
}

// UpdateRetry sets RetryCount for a still-present record. It is a no-op
// returning false when the record was removed in the meantime.
func (s *Store) UpdateRetry(id string, count int) bool {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.records[i].RetryCount = count
	st := s.statsLocked()
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRetried, ID: id, Stats: st})
	return true
}

// Get returns a copy of the record with the given ID.
func (s *Store) Get(id string) (ActionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return ActionRecord{}, false
	}
	return s.records[i].Clone(), true
}

// Contains reports whether a record with the given ID is queued.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Snapshot returns an ordered copy of the queue. Later mutations of the store
// do not affect the returned slice.
func (s *Store) Snapshot() []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActionRecord, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of queued records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Clear removes every record and returns the dropped records in order.
func (s *Store) Clear() []ActionRecord {
	s.mu.Lock()
	removed := s.records
	s.records = nil
	s.index = make(map[string]int)
	st := s.statsLocked()
	s.mu.Unlock()

	if len(removed) > 0 {
		s.notify(Change{Kind: ChangeCleared, Stats: st})
	}
	return removed
}

// Stats returns counts partitioned by retry state.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() Stats {
	st := Stats{Total: len(s.records)}
	for _, r := range s.records {
		switch {
		case r.RetryCount == 0 && r.MaxRetries > 0:
			st.Pending++
		case r.Exhausted():
			st.Exhausted++
		default:
			st.Retrying++
		}
	}
	return st
}

// Subscribe registers fn to receive every change. The returned function
// unregisters it. fn is called outside the store lock.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("queue subscriber panicked", "change", c.Kind, "panic", r)
				}
			}()
			fn(c)
		}()
	}
}
