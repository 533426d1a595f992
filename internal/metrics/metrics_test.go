package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSubmitted()
	IncExecution("success")
	IncExecution("network")
	IncExhausted()
	ObservePass("completed", 0.25)
	SetQueueDepth(2, 1, 0)
	SetOnline(false)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"offlineq_queue_submitted_total":          false,
		"offlineq_drain_executions_total":         false,
		"offlineq_drain_exhausted_total":          false,
		"offlineq_drain_passes_total":             false,
		"offlineq_drain_pass_duration_seconds":    false,
		"offlineq_queue_depth":                    false,
		"offlineq_connectivity_online":            false,
		"offlineq_connectivity_transitions_total": false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
		if n == "offlineq_connectivity_online" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("online gauge = %v, want 0", v)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Errorf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncSubmitted()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "offlineq_queue_submitted_total") {
		t.Error("metrics output missing offlineq_queue_submitted_total")
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	// Must not panic.
	IncSubmitted()
	IncExecution("rejected")
	SetQueueDepth(1, 1, 1)
	SetOnline(true)
}
