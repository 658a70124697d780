package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calmirror/calmirror/internal/calsync"
)

type fakeEngine struct {
	mu          sync.Mutex
	state       calsync.PassState
	summary     *calsync.Summary
	runs        int
	forced      int
	deletedIDs  []string
	deletedAll  int
	runReleased chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{state: calsync.StateIdle, runReleased: make(chan struct{}, 8)}
}

func (f *fakeEngine) Run(ctx context.Context) (*calsync.Summary, error) {
	f.mu.Lock()
	f.runs++
	f.state = calsync.StateDone
	summary := &calsync.Summary{RunID: "run-1", Updated: 1}
	f.summary = summary
	f.mu.Unlock()
	f.runReleased <- struct{}{}
	return summary, nil
}

func (f *fakeEngine) State() calsync.PassState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) LastSummary() *calsync.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary
}

func (f *fakeEngine) ForceFullResync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
	return nil
}

func (f *fakeEngine) DeleteDestination(ctx context.Context, destID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedIDs = append(f.deletedIDs, destID)
	return nil
}

func (f *fakeEngine) DeleteAllDestination(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedAll++
	return nil
}

func newTestServer(engine Engine, token string) *Server {
	return NewServer(engine, NewLogRing(10, nil), nil, ServerConfig{
		APIToken: token,
		Account:  "someone@example.com",
		Calendar: "cal-1",
	})
}

func doRequest(server *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoToken(t *testing.T) {
	server := newTestServer(newFakeEngine(), "secret")
	rec := doRequest(server, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer(newFakeEngine(), "secret")
	if rec := doRequest(server, http.MethodGet, "/v1/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := doRequest(server, http.MethodGet, "/v1/status", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := doRequest(server, http.MethodGet, "/v1/status", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}

func TestStatusReportsState(t *testing.T) {
	server := newTestServer(newFakeEngine(), "")
	rec := doRequest(server, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload["state"] != "idle" || payload["calendar"] != "cal-1" {
		t.Fatalf("unexpected status %v", payload)
	}
}

func TestSummaryBeforeFirstPass(t *testing.T) {
	server := newTestServer(newFakeEngine(), "")
	if rec := doRequest(server, http.MethodGet, "/v1/summary", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the first pass, got %d", rec.Code)
	}
}

func TestSyncTriggerRunsAsync(t *testing.T) {
	engine := newFakeEngine()
	server := newTestServer(engine, "")
	rec := doRequest(server, http.MethodPost, "/v1/sync", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-engine.runReleased:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the pass to run")
	}
	if rec := doRequest(server, http.MethodGet, "/v1/summary", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected a summary after the pass, got %d", rec.Code)
	}
}

func TestSyncTriggerConflictsWhileRunning(t *testing.T) {
	engine := newFakeEngine()
	engine.state = calsync.StateApplying
	server := newTestServer(engine, "")
	if rec := doRequest(server, http.MethodPost, "/v1/sync", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d", rec.Code)
	}
}

func TestSyncTriggerFullRequestsResync(t *testing.T) {
	engine := newFakeEngine()
	server := newTestServer(engine, "")
	req := httptest.NewRequest(http.MethodPost, "/v1/sync", strings.NewReader(`{"full":true}`))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-engine.runReleased:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the pass to run")
	}
	engine.mu.Lock()
	forced := engine.forced
	engine.mu.Unlock()
	if forced != 1 {
		t.Fatalf("expected a forced resync request, got %d", forced)
	}
}

func TestDeleteRoutes(t *testing.T) {
	engine := newFakeEngine()
	server := newTestServer(engine, "")
	if rec := doRequest(server, http.MethodDelete, "/v1/events/evt-1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := doRequest(server, http.MethodDelete, "/v1/events", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.deletedIDs) != 1 || engine.deletedIDs[0] != "evt-1" {
		t.Fatalf("expected evt-1 deleted, got %v", engine.deletedIDs)
	}
	if engine.deletedAll != 1 {
		t.Fatalf("expected delete-all dispatched once, got %d", engine.deletedAll)
	}
}

func TestRateLimiting(t *testing.T) {
	server := NewServer(newFakeEngine(), nil, nil, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, doRequest(server, http.MethodGet, "/v1/status", "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected the third request limited, got %v", codes)
	}
}

func TestLogRingBuffersAndFansOut(t *testing.T) {
	ring := NewLogRing(3, nil)
	for i := 0; i < 5; i++ {
		ring.Printf("line %d", i)
	}
	recent := ring.Recent()
	if len(recent) != 3 || recent[0] != "line 2" || recent[2] != "line 4" {
		t.Fatalf("expected the last three lines, got %v", recent)
	}

	feed, cancel := ring.Subscribe()
	defer cancel()
	ring.Printf("live")
	select {
	case line := <-feed:
		if line != "live" {
			t.Fatalf("expected the live line, got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the subscriber to receive the line")
	}
}
