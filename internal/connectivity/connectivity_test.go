package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSignal_DefaultsOnline(t *testing.T) {
	s := NewSignal(nil)
	if !s.Online() {
		t.Error("new signal should report online")
	}
	if s.State().Transitions != 0 {
		t.Errorf("Transitions = %d, want 0", s.State().Transitions)
	}
}

func TestSignal_NotifiesOnlyOnFlip(t *testing.T) {
	s := NewSignal(nil)

	var got []bool
	s.Subscribe(func(online bool) { got = append(got, online) })

	for _, v := range []bool{true, false, false, false, true, true, false} {
		s.Set(v)
	}

	want := []bool{false, true, false}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notifications = %v, want %v", got, want)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Errorf("consecutive notifications carry the same value: %v", got)
		}
	}
	if tr := s.State().Transitions; tr != 3 {
		t.Errorf("Transitions = %d, want 3", tr)
	}
}

func TestSignal_Unsubscribe(t *testing.T) {
	s := NewSignal(nil)
	var calls atomic.Int32
	cancel := s.Subscribe(func(bool) { calls.Add(1) })

	s.Set(false)
	cancel()
	s.Set(true)

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSignal_ListenerPanicDoesNotEscape(t *testing.T) {
	s := NewSignal(nil)
	var second atomic.Bool
	s.Subscribe(func(bool) { panic("listener failure") })
	s.Subscribe(func(bool) { second.Store(true) })

	if !s.Set(false) {
		t.Fatal("Set(false) should report a flip")
	}
	if !second.Load() {
		t.Error("second listener not invoked after first panicked")
	}
	if s.Online() {
		t.Error("state should be offline")
	}
}

func TestEventMonitor_Report(t *testing.T) {
	m := NewEventMonitor(nil)
	if m.Report(true) {
		t.Error("duplicate online event should not flip")
	}
	if !m.Report(false) {
		t.Error("offline event should flip")
	}
	if m.Online() {
		t.Error("Online() = true after offline event")
	}
}

func TestProbeMonitor_Flips(t *testing.T) {
	var up atomic.Bool
	up.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			// Simulate a dead route by hijacking and closing the connection.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer does not support hijacking")
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, err := NewProbeMonitor(ProbeConfig{URL: srv.URL, FailureThreshold: 2}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewProbeMonitor: %v", err)
	}
	ctx := context.Background()

	m.ProbeOnce(ctx)
	if !m.Online() {
		t.Fatal("5xx response should still count as online")
	}

	up.Store(false)
	m.ProbeOnce(ctx)
	if !m.Online() {
		t.Fatal("one failure below threshold should not flip offline")
	}
	m.ProbeOnce(ctx)
	if m.Online() {
		t.Fatal("two consecutive failures should flip offline")
	}

	up.Store(true)
	m.ProbeOnce(ctx)
	if !m.Online() {
		t.Fatal("a single success should flip online")
	}
	if tr := m.State().Transitions; tr != 2 {
		t.Errorf("Transitions = %d, want 2", tr)
	}
}

func TestProbeMonitor_RunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m, err := NewProbeMonitor(ProbeConfig{URL: srv.URL, Interval: 10 * time.Millisecond}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewProbeMonitor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_SelectsImplementation(t *testing.T) {
	m, err := New(Config{Mode: ModeEvents}, nil, nil)
	if err != nil {
		t.Fatalf("New(events): %v", err)
	}
	if _, ok := m.(Reporter); !ok {
		t.Errorf("events monitor %T does not accept reports", m)
	}

	m, err = New(Config{Mode: ModeProbe, Probe: ProbeConfig{URL: "http://127.0.0.1:1/health"}}, nil, nil)
	if err != nil {
		t.Fatalf("New(probe): %v", err)
	}
	if _, ok := m.(Runner); !ok {
		t.Errorf("probe monitor %T is not a Runner", m)
	}

	if _, err := New(Config{Mode: ModeProbe}, nil, nil); err == nil {
		t.Error("probe mode without URL should fail")
	}
	if _, err := New(Config{Mode: "carrier-pigeon"}, nil, nil); err == nil {
		t.Error("unknown mode should fail")
	}
}
