package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func dialWS(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return websocket.Dial(ctx, u, nil)
}

// readUntil reads events until match returns true or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("reading ws event: %v", err)
		}
		if match(ev) {
			return ev
		}
	}
}

func TestWS_RejectsMissingToken(t *testing.T) {
	env := setupEnv(t, envOptions{hub: NewHub(nil)})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	_, resp, err := dialWS(t, srv, "")
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %v", resp)
	}
}

func TestWS_StreamsStatusAndOutcomes(t *testing.T) {
	hub := NewHub(nil)
	env := setupEnv(t, envOptions{hub: hub})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, testToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	first := readUntil(t, conn, func(Event) bool { return true })
	if first.Type != EventStatus || first.Status == nil || !first.Status.IsOnline {
		t.Fatalf("expected initial online status, got %+v", first)
	}

	id := submitOne(t, env, "/queue/api-call", `{"endpoint":"/api/items","method":"POST"}`)
	queued := readUntil(t, conn, func(ev Event) bool {
		return ev.Type == EventStatus && ev.Status != nil && ev.Status.HasQueuedActions
	})
	if queued.Status.Stats.Pending != 1 {
		t.Errorf("expected 1 pending, got %+v", queued.Status.Stats)
	}

	if _, ran := env.engine.Process(context.Background()); !ran {
		t.Fatal("expected a pass to run")
	}
	done := readUntil(t, conn, func(ev Event) bool { return ev.Type == EventSucceeded })
	if done.Action == nil || done.Action.ID != id {
		t.Errorf("expected success event for %s, got %+v", id, done)
	}
}

func TestWS_ConnectivityMessages(t *testing.T) {
	env := setupEnv(t, envOptions{hub: NewHub(nil)})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	conn, _, err := dialWS(t, srv, testToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	readUntil(t, conn, func(ev Event) bool { return ev.Type == EventStatus })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offline := false
	if err := wsjson.Write(ctx, conn, ClientMessage{Type: "connectivity", Online: &offline}); err != nil {
		t.Fatalf("writing connectivity message: %v", err)
	}
	readUntil(t, conn, func(ev Event) bool {
		return ev.Type == EventStatus && ev.Status != nil && !ev.Status.IsOnline
	})
	if env.monitor.Online() {
		t.Error("monitor should be offline after the client event")
	}

	if err := wsjson.Write(ctx, conn, ClientMessage{Type: "bogus"}); err != nil {
		t.Fatalf("writing bogus message: %v", err)
	}
	ev := readUntil(t, conn, func(ev Event) bool { return ev.Type == EventError })
	if !strings.Contains(ev.Error, "bogus") {
		t.Errorf("unexpected error event: %+v", ev)
	}
}
