package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/semflow/retry"
	"github.com/c360studio/semflow/store"
)

type fakeCallbackStore struct {
	mu       sync.Mutex
	statuses map[string][]store.CallbackStatus
}

func newFakeCallbackStore() *fakeCallbackStore {
	return &fakeCallbackStore{statuses: make(map[string][]store.CallbackStatus)}
}

func (f *fakeCallbackStore) SetExecutionCallbackStatus(_ context.Context, id string, status store.CallbackStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], status)
	return nil
}

func (f *fakeCallbackStore) recorded(id string) []store.CallbackStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.CallbackStatus(nil), f.statuses[id]...)
}

func fastRetry(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		Strategy:    retry.StrategyFixed,
		BaseDelay:   time.Millisecond,
	}
}

func newTestDispatcher(t *testing.T, st Store, cfg Config) *Dispatcher {
	t.Helper()
	d := New(st, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func terminalExecution(id, url string, status store.ExecutionStatus) *store.Execution {
	now := time.Now()
	return &store.Execution{
		ID:              id,
		WorkflowName:    "payments",
		WorkflowVersion: 1,
		Status:          status,
		Output:          store.JSONMap{"receipt_id": "r-9"},
		CompletedAt:     &now,
		CallbackURL:     &url,
	}
}

func waitForStatus(t *testing.T, st *fakeCallbackStore, id string, want store.CallbackStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := st.recorded(id)
		if len(got) > 0 {
			if got[len(got)-1] != want {
				t.Fatalf("callback status = %s, want %s", got[len(got)-1], want)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no callback status recorded for %s", id)
}

func TestDeliversTerminalCallback(t *testing.T) {
	var hits atomic.Int32
	var gotBody []byte
	var bodyMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		bodyMu.Lock()
		gotBody = body
		bodyMu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newFakeCallbackStore()
	d := newTestDispatcher(t, st, Config{Retry: fastRetry(3)})

	d.ExecutionFinished(terminalExecution("ex-1", srv.URL, store.ExecutionStatusCompleted))
	waitForStatus(t, st, "ex-1", store.CallbackStatusDelivered)

	if got := hits.Load(); got != 1 {
		t.Errorf("endpoint hit %d times, want 1", got)
	}
	bodyMu.Lock()
	defer bodyMu.Unlock()
	var p payload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if p.ExecutionID != "ex-1" || p.Status != store.ExecutionStatusCompleted {
		t.Errorf("payload = %+v", p)
	}
	if p.Output["receipt_id"] != "r-9" {
		t.Errorf("payload output = %v", p.Output)
	}
}

func TestSkipsExecutionsWithoutCallback(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	st := newFakeCallbackStore()
	d := newTestDispatcher(t, st, Config{Retry: fastRetry(3)})

	noURL := terminalExecution("ex-1", srv.URL, store.ExecutionStatusCompleted)
	noURL.CallbackURL = nil
	d.ExecutionFinished(noURL)

	// Still-running executions carry a URL but are not terminal yet.
	d.ExecutionFinished(terminalExecution("ex-2", srv.URL, store.ExecutionStatusRunning))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if hits.Load() != 0 {
		t.Error("no delivery should happen")
	}
	if len(st.recorded("ex-1"))+len(st.recorded("ex-2")) != 0 {
		t.Error("no status should be recorded")
	}
}

func TestRetriesUntilDelivered(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newFakeCallbackStore()
	d := newTestDispatcher(t, st, Config{Retry: fastRetry(5), BreakerThreshold: 10})

	d.ExecutionFinished(terminalExecution("ex-1", srv.URL, store.ExecutionStatusCompleted))
	waitForStatus(t, st, "ex-1", store.CallbackStatusDelivered)

	if got := hits.Load(); got != 3 {
		t.Errorf("endpoint hit %d times, want 3", got)
	}
}

func TestMarksFailedWhenBudgetExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := newFakeCallbackStore()
	d := newTestDispatcher(t, st, Config{Retry: fastRetry(2), BreakerThreshold: 10})

	d.ExecutionFinished(terminalExecution("ex-1", srv.URL, store.ExecutionStatusFailed))
	waitForStatus(t, st, "ex-1", store.CallbackStatusFailed)

	if got := hits.Load(); got != 2 {
		t.Errorf("endpoint hit %d times, want 2", got)
	}
	if got := st.recorded("ex-1"); len(got) != 1 {
		t.Errorf("status written %d times, want 1", len(got))
	}
}

func TestBreakerShortCircuitsRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	st := newFakeCallbackStore()
	d := newTestDispatcher(t, st, Config{
		Retry:            fastRetry(3),
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
	})

	d.ExecutionFinished(terminalExecution("ex-1", srv.URL, store.ExecutionStatusFailed))
	waitForStatus(t, st, "ex-1", store.CallbackStatusFailed)
	if got := hits.Load(); got != 3 {
		t.Fatalf("first delivery hit %d times, want 3", got)
	}

	// The circuit is open now: the next delivery burns its attempts without
	// touching the endpoint.
	d.ExecutionFinished(terminalExecution("ex-2", srv.URL, store.ExecutionStatusFailed))
	waitForStatus(t, st, "ex-2", store.CallbackStatusFailed)
	if got := hits.Load(); got != 3 {
		t.Errorf("open circuit still hit the endpoint: %d total hits", got)
	}
}

func TestStopDropsLateCallbacks(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	st := newFakeCallbackStore()
	d := New(st, Config{Retry: fastRetry(3)}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	d.ExecutionFinished(terminalExecution("ex-1", srv.URL, store.ExecutionStatusCompleted))
	time.Sleep(20 * time.Millisecond)
	if hits.Load() != 0 {
		t.Error("a stopped dispatcher must not deliver")
	}
	if len(st.recorded("ex-1")) != 0 {
		t.Error("a dropped late callback must not write a status")
	}
}
