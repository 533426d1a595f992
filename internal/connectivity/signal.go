// Package connectivity produces a single authoritative online/offline signal.
package connectivity

import (
	"log/slog"
	"sync"
)

// State is a point-in-time view of connectivity.
type State struct {
	Online bool `json:"online"`
	// Transitions increases by one on every real flip. Consumers compare it
	// across a delay to detect flapping.
	Transitions uint64 `json:"transitions"`
}

// Monitor observes online/offline transitions.
type Monitor interface {
	// Online returns the last known state. It never blocks.
	Online() bool
	// State returns the last known state with its transition counter.
	State() State
	// Subscribe registers fn to be called with the new value whenever the
	// state actually flips. The returned function unregisters fn.
	// fn must return quickly and must not call back into the monitor.
	Subscribe(fn func(online bool)) (cancel func())
}

// Signal de-duplicates raw platform events into state flips. It starts
// online so that a missing platform signal never blocks the queue.
type Signal struct {
	mu    sync.Mutex
	state State

	// notifyMu serializes listener delivery so two flips are never observed
	// out of order.
	notifyMu sync.Mutex
	subs     map[int]func(bool)
	nextID   int

	logger *slog.Logger
}

// NewSignal returns a Signal in the online state.
func NewSignal(logger *slog.Logger) *Signal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signal{
		state:  State{Online: true},
		subs:   make(map[int]func(bool)),
		logger: logger,
	}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Online
}

func (s *Signal) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Signal) Subscribe(fn func(bool)) func() {
	s.notifyMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.notifyMu.Unlock()

	return func() {
		s.notifyMu.Lock()
		delete(s.subs, id)
		s.notifyMu.Unlock()
	}
}

// Set records a raw observation. Listeners run only when the value differs
// from the current state; it returns true in that case.
func (s *Signal) Set(online bool) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.state.Online == online {
		s.mu.Unlock()
		return false
	}
	s.state.Online = online
	s.state.Transitions++
	transitions := s.state.Transitions
	s.mu.Unlock()

	s.logger.Info("connectivity changed", "online", online, "transitions", transitions)

	for _, fn := range s.subs {
		s.deliver(fn, online)
	}
	return true
}

func (s *Signal) deliver(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connectivity listener panicked", "panic", r)
		}
	}()
	fn(online)
}
