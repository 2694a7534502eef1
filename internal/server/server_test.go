package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"autoalign/internal/align"
	"autoalign/internal/metrics"
	"autoalign/internal/storage"
	"autoalign/internal/web"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "autoalign.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := align.DefaultConfig()
	rec, err := store.BeginSession("s1", cfg)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	if err := rec.RecordStep(align.StepEvent{Iteration: 1, Position: align.Position{X: 0.02}, Frame: align.Frame{Path: "align-1.fits"}}); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}
	rec.SessionFinished(cfg, align.Result{Position: align.Position{Z: 0.25}, Steps: 1})
	return store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewServer(":0", nil, nil, discardLogger()).Handler()
	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/sessions"); rec.Code != http.StatusNotFound {
		t.Fatalf("sessions without a store = %d", rec.Code)
	}
}

func TestSessionRoutes(t *testing.T) {
	h := NewServer(":0", seededStore(t), nil, discardLogger()).Handler()

	rec := get(t, h, "/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("/sessions = %d", rec.Code)
	}
	var sessions []storage.SessionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" || sessions[0].Status != storage.StatusSucceeded {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	rec = get(t, h, "/sessions/s1")
	var one storage.SessionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &one); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if one.Final == nil || one.Final.Z != 0.25 {
		t.Fatalf("unexpected session %+v", one)
	}

	rec = get(t, h, "/sessions/s1/steps")
	var steps []storage.StepRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &steps); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Position.X != 0.02 || steps[0].FramePath != "align-1.fits" {
		t.Fatalf("unexpected steps %+v", steps)
	}
}

func TestSessionRouteErrors(t *testing.T) {
	h := NewServer(":0", seededStore(t), nil, discardLogger()).Handler()
	tests := []struct {
		path string
		code int
	}{
		{"/sessions/missing", http.StatusNotFound},
		{"/sessions/missing/steps", http.StatusNotFound},
		{"/sessions?limit=0", http.StatusBadRequest},
		{"/sessions?limit=abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := get(t, h, tt.path); rec.Code != tt.code {
				t.Fatalf("GET %s = %d, want %d", tt.path, rec.Code, tt.code)
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New(nil)
	_ = m.RecordStep(align.StepEvent{Iteration: 1})
	h := NewServer(":0", nil, nil, discardLogger(), WithMetrics(m.Handler())).Handler()
	rec := get(t, h, "/metrics")
	if !strings.Contains(rec.Body.String(), "autoalign_steps_total 1") {
		t.Fatalf("metrics missing:\n%s", rec.Body.String())
	}
}

func TestStreamDeliversUpdates(t *testing.T) {
	feed := NewFeed(discardLogger())
	srv := httptest.NewServer(NewServer(":0", nil, feed, discardLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/stream", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()

	session := feed.Begin("s9")
	_ = session.RecordStep(align.StepEvent{Iteration: 1, Position: align.Position{U: 0.001}})

	reader := bufio.NewReader(resp.Body)
	var got []Update
	for len(got) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var u Update
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &u); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		got = append(got, u)
	}
	if got[0].Type != UpdateStarted || got[0].Session != "s9" {
		t.Fatalf("unexpected first update %+v", got[0])
	}
	if got[1].Type != UpdateStep || got[1].Step == nil || got[1].Step.Position.U != 0.001 {
		t.Fatalf("unexpected step update %+v", got[1])
	}
}

func TestSessionFeedFinished(t *testing.T) {
	feed := NewFeed(discardLogger())
	updates, unsubscribe := feed.Subscribe()
	defer unsubscribe()

	session := feed.Begin("s1")
	session.SessionFinished(align.DefaultConfig(), align.Result{Failure: &align.Failure{Kind: align.FailureFocusNotFound, Message: "no focus"}, Steps: 10})
	<-updates // started
	u := <-updates
	if u.Type != UpdateFinished || u.Failure != "focus-not-found" || u.Error != "no focus" || u.Position != nil {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestFeedDropsWhenSubscriberIsSlow(t *testing.T) {
	feed := NewFeed(discardLogger())
	updates, unsubscribe := feed.Subscribe()
	session := feed.Begin("s1")
	for i := 0; i < 100; i++ {
		_ = session.RecordStep(align.StepEvent{Iteration: i + 1})
	}
	if len(updates) != cap(updates) {
		t.Fatalf("expected a full buffer, got %d", len(updates))
	}
	unsubscribe()
	unsubscribe()
}

func TestWebsocketForwarding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := NewFeed(discardLogger())
	hub := web.NewHub(discardLogger())
	s := NewServer(":0", nil, feed, discardLogger(), WithHub(hub))
	go hub.Run(ctx)
	go s.forward(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 || subscribers(feed) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket client or forwarder never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	feed.Begin("live")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var u Update
	if err := json.Unmarshal(msg, &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Type != UpdateStarted || u.Session != "live" {
		t.Fatalf("unexpected update %+v", u)
	}

	if rec := get(t, s.Handler(), "/"); !strings.Contains(rec.Body.String(), "AutoAlign") {
		t.Fatalf("dashboard not served")
	}
}

func subscribers(f *Feed) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
