package submit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cotrain/offlineq/internal/queue"
)

type captured struct {
	rec       queue.ActionRecord
	immediate bool
}

type fakeQueue struct {
	got []captured
	err error
}

func (f *fakeQueue) Enqueue(_ context.Context, rec queue.ActionRecord, immediate bool) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, captured{rec: rec, immediate: immediate})
	return nil
}

func newSubmitter(t *testing.T, base string) (*Submitter, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{}
	s, err := New(q, Options{BaseURL: base, MaxRetries: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, q
}

func TestAddToQueue_AssignsIdentityAndDefaults(t *testing.T) {
	s, q := newSubmitter(t, "")

	id, err := s.AddToQueue(context.Background(), Action{
		URL:         "https://api.example.com/items",
		Method:      "post",
		Headers:     map[string]string{"X-A": "1"},
		Body:        "{}",
		Description: "create item",
	}, false)
	if err != nil {
		t.Fatalf("AddToQueue: %v", err)
	}
	if len(q.got) != 1 {
		t.Fatalf("enqueued %d records, want 1", len(q.got))
	}
	c := q.got[0]
	if c.rec.ID != id || id == "" {
		t.Errorf("id = %q, record id = %q", id, c.rec.ID)
	}
	if c.rec.Method != "POST" || c.rec.RetryCount != 0 || c.rec.MaxRetries != 3 {
		t.Errorf("record = %+v", c.rec)
	}
	if !c.rec.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("timestamp = %v", c.rec.Timestamp)
	}
	if c.immediate {
		t.Error("immediate flag not propagated")
	}

	zero := 0
	s.AddToQueue(context.Background(), Action{URL: "https://api.example.com/x", MaxRetries: &zero}, true)
	if q.got[1].rec.MaxRetries != 0 || q.got[1].rec.Method != "GET" || !q.got[1].immediate {
		t.Errorf("override record = %+v immediate=%v", q.got[1].rec, q.got[1].immediate)
	}
}

func TestAddToQueue_Errors(t *testing.T) {
	s, q := newSubmitter(t, "")
	ctx := context.Background()

	if _, err := s.AddToQueue(ctx, Action{}, true); err == nil {
		t.Error("empty url should fail")
	}
	if _, err := s.AddToQueue(ctx, Action{URL: "/relative"}, true); !errors.Is(err, ErrNoBaseURL) {
		t.Errorf("relative url err = %v, want ErrNoBaseURL", err)
	}
	neg := -1
	if _, err := s.AddToQueue(ctx, Action{URL: "https://x.test", MaxRetries: &neg}, true); err == nil {
		t.Error("negative max retries should fail")
	}

	q.err = queue.ErrQueueFull
	if _, err := s.AddToQueue(ctx, Action{URL: "https://x.test"}, true); !errors.Is(err, queue.ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestQueueAPICall_HeadersAndResolution(t *testing.T) {
	s, q := newSubmitter(t, "https://backend.test")

	_, err := s.QueueAPICall(context.Background(), "/api/profile", APIOptions{
		Headers:     map[string]string{"Authorization": "Bearer x"},
		Description: "fetch profile",
	})
	if err != nil {
		t.Fatalf("QueueAPICall: %v", err)
	}
	rec := q.got[0].rec
	if rec.URL != "https://backend.test/api/profile" {
		t.Errorf("url = %q", rec.URL)
	}
	if rec.Method != "GET" {
		t.Errorf("method = %q, want GET", rec.Method)
	}
	if rec.Headers["Content-Type"] != "application/json" || rec.Headers["Authorization"] != "Bearer x" {
		t.Errorf("headers = %v", rec.Headers)
	}
	if !q.got[0].immediate {
		t.Error("api calls should execute immediately when online")
	}

	s.QueueAPICall(context.Background(), "/upload", APIOptions{
		Method:  "PUT",
		Headers: map[string]string{"content-type": "text/plain"},
	})
	h := q.got[1].rec.Headers
	if len(h) != 1 || h["content-type"] != "text/plain" {
		t.Errorf("caller content type should win, headers = %v", h)
	}
}

func TestConvenienceSubmissions(t *testing.T) {
	s, q := newSubmitter(t, "https://backend.test")
	ctx := context.Background()

	if _, err := s.QueueTransaction(ctx, map[string]any{"amount": 5}, "send"); err != nil {
		t.Fatalf("QueueTransaction: %v", err)
	}
	if _, err := s.QueueContribution(ctx, "sess-1", map[string]any{"score": 7}, "contribute"); err != nil {
		t.Fatalf("QueueContribution: %v", err)
	}
	if _, err := s.QueueRewardClaim(ctx, "r 1", "claim"); err != nil {
		t.Fatalf("QueueRewardClaim: %v", err)
	}
	if _, err := s.QueueRewardClaim(ctx, "", "claim"); err == nil {
		t.Error("empty reward id should fail")
	}

	tests := []struct {
		url  string
		body string
	}{
		{"https://backend.test/api/blockchain/transaction", `{"amount":5}`},
		{"https://backend.test/api/hivemind/contributions/submit", ""},
		{"https://backend.test/api/rewards/r%201/claim", ""},
	}
	for i, tt := range tests {
		rec := q.got[i].rec
		if rec.URL != tt.url || rec.Method != "POST" {
			t.Errorf("[%d] %s %s, want POST %s", i, rec.Method, rec.URL, tt.url)
		}
		if tt.body != "" && rec.Body != tt.body {
			t.Errorf("[%d] body = %s, want %s", i, rec.Body, tt.body)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(q.got[1].rec.Body), &payload); err != nil {
		t.Fatalf("contribution body: %v", err)
	}
	if payload["sessionId"] != "sess-1" || payload["score"] != float64(7) {
		t.Errorf("contribution payload = %v", payload)
	}
}

func TestNew_RejectsRelativeBase(t *testing.T) {
	if _, err := New(&fakeQueue{}, Options{BaseURL: "backend.test"}); err == nil {
		t.Error("relative base URL should be rejected")
	}
}
