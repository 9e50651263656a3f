package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/c360studio/semflow/store"
)

func newRecorder() *Recorder {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTaskLifecycleCounters(t *testing.T) {
	r := newRecorder()

	r.TasksAcquired(3)
	r.TaskCompleted("payments", "charge", 0.25)
	r.TaskFailed("payments", "charge", false)
	r.TaskFailed("payments", "charge", true)
	r.TasksReclaimed(5)
	r.WorkersSwept(1)

	if got := testutil.ToFloat64(r.tasksAcquired); got != 3 {
		t.Errorf("acquired = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.tasksCompleted); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.tasksFailed); got != 2 {
		t.Errorf("failed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.tasksDeadLettered); got != 1 {
		t.Errorf("dead-lettered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.tasksReclaimed); got != 5 {
		t.Errorf("reclaimed = %v, want 5", got)
	}
	if got := testutil.CollectAndCount(r.handlerDuration); got != 1 {
		t.Errorf("handler duration series = %d, want 1", got)
	}
}

func TestExecutionsFinishedByStatus(t *testing.T) {
	r := newRecorder()

	r.ExecutionFinished(&store.Execution{Status: store.ExecutionStatusCompleted})
	r.ExecutionFinished(&store.Execution{Status: store.ExecutionStatusCompleted})
	r.ExecutionFinished(&store.Execution{Status: store.ExecutionStatusFailed})
	r.ExecutionFinished(nil)

	completed := r.executionsFinished.WithLabelValues(string(store.ExecutionStatusCompleted))
	if got := testutil.ToFloat64(completed); got != 2 {
		t.Errorf("completed executions = %v, want 2", got)
	}
	failed := r.executionsFinished.WithLabelValues(string(store.ExecutionStatusFailed))
	if got := testutil.ToFloat64(failed); got != 1 {
		t.Errorf("failed executions = %v, want 1", got)
	}
}

func TestWebhookCounters(t *testing.T) {
	r := newRecorder()

	r.CallbackAttempted()
	r.CallbackAttempted()
	r.CallbackFinished(true)
	r.CallbackFinished(false)

	if got := testutil.ToFloat64(r.webhookAttempts); got != 2 {
		t.Errorf("attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.webhookDeliveries.WithLabelValues("delivered")); got != 1 {
		t.Errorf("delivered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.webhookDeliveries.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
}

func TestQueueDepthCollector(t *testing.T) {
	r := newRecorder()
	r.RegisterQueueDepth(func(context.Context) (int64, error) { return 7, nil })

	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "semflow_queue_depth" {
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 7 {
				t.Errorf("queue depth = %v, want 7", got)
			}
			return
		}
	}
	t.Fatal("semflow_queue_depth not gathered")
}

func TestQueueDepthSkipsSampleOnError(t *testing.T) {
	r := newRecorder()
	r.RegisterQueueDepth(func(context.Context) (int64, error) {
		return 0, errors.New("connection refused")
	})

	families, err := r.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "semflow_queue_depth" {
			t.Fatal("failed sample must be skipped, not reported as zero")
		}
	}
}

func TestHandlerServesScrape(t *testing.T) {
	r := newRecorder()
	r.TasksAcquired(1)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "semflow_tasks_acquired_total 1") {
		t.Error("scrape output missing task counter")
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("scrape output missing runtime collectors")
	}
}
