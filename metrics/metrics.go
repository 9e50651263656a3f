// Package metrics holds the Prometheus collector set. A single Recorder is
// shared across components: its method set satisfies the observer hooks the
// engine, worker, janitor, and webhook packages expose, so wiring is one
// SetObserver call per component.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semflow/store"
)

const namespace = "semflow"

// Recorder owns a private registry and every collector in it.
type Recorder struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	tasksAcquired     prometheus.Counter
	tasksCompleted    prometheus.Counter
	tasksFailed       prometheus.Counter
	tasksDeadLettered prometheus.Counter
	tasksReclaimed    prometheus.Counter
	workersSwept      prometheus.Counter

	executionsFinished *prometheus.CounterVec
	handlerDuration    *prometheus.HistogramVec

	webhookAttempts   prometheus.Counter
	webhookDeliveries *prometheus.CounterVec
}

// New builds the collector set on a fresh registry, including the standard
// process and Go runtime collectors.
func New(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "metrics"),

		tasksAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "acquired_total",
			Help: "Tasks claimed from the queue.",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "completed_total",
			Help: "Tasks whose completion was recorded.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "failed_total",
			Help: "Handler failures recorded, including ones that retried.",
		}),
		tasksDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "dead_lettered_total",
			Help: "Tasks parked after exhausting their retry budget.",
		}),
		tasksReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "reclaimed_total",
			Help: "Orphaned tasks returned to the queue by the reclaimer.",
		}),
		workersSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workers", Name: "swept_total",
			Help: "Stale worker rows removed by the sweep.",
		}),

		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executions", Name: "finished_total",
			Help: "Executions reaching a terminal status.",
		}, []string{"status"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_seconds",
			Help:    "Handler invocation time for completed tasks.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"workflow", "step"}),

		webhookAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook", Name: "attempts_total",
			Help: "Callback POST attempts, including retries.",
		}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhook", Name: "deliveries_total",
			Help: "Callback deliveries by terminal outcome.",
		}, []string{"outcome"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.tasksAcquired, r.tasksCompleted, r.tasksFailed,
		r.tasksDeadLettered, r.tasksReclaimed, r.workersSwept,
		r.executionsFinished, r.handlerDuration,
		r.webhookAttempts, r.webhookDeliveries,
	)
	return r
}

// Registry exposes the underlying registry for extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the scrape endpoint for this registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RegisterQueueDepth adds a gauge that counts acquirable tasks at scrape
// time. The count function is typically the store's CountAcquirableTasks.
func (r *Recorder) RegisterQueueDepth(count func(ctx context.Context) (int64, error)) {
	r.registry.MustRegister(&queueDepthCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "depth"),
			"Tasks ready for acquisition right now.", nil, nil),
		count:  count,
		logger: r.logger,
	})
}

// TasksAcquired satisfies the worker observer.
func (r *Recorder) TasksAcquired(n int) {
	r.tasksAcquired.Add(float64(n))
}

// TaskCompleted satisfies the worker observer.
func (r *Recorder) TaskCompleted(workflow, step string, seconds float64) {
	r.tasksCompleted.Inc()
	r.handlerDuration.WithLabelValues(workflow, step).Observe(seconds)
}

// TaskFailed satisfies the worker observer.
func (r *Recorder) TaskFailed(workflow, step string, deadLettered bool) {
	r.tasksFailed.Inc()
	if deadLettered {
		r.tasksDeadLettered.Inc()
	}
}

// TasksReclaimed satisfies the janitor observer.
func (r *Recorder) TasksReclaimed(n int64) {
	r.tasksReclaimed.Add(float64(n))
}

// WorkersSwept satisfies the janitor observer.
func (r *Recorder) WorkersSwept(n int) {
	r.workersSwept.Add(float64(n))
}

// ExecutionFinished satisfies the engine finish-listener hook.
func (r *Recorder) ExecutionFinished(ex *store.Execution) {
	if ex == nil {
		return
	}
	r.executionsFinished.WithLabelValues(string(ex.Status)).Inc()
}

// CallbackAttempted satisfies the webhook observer.
func (r *Recorder) CallbackAttempted() {
	r.webhookAttempts.Inc()
}

// CallbackFinished satisfies the webhook observer.
func (r *Recorder) CallbackFinished(delivered bool) {
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	r.webhookDeliveries.WithLabelValues(outcome).Inc()
}

// queueDepthCollector samples the queue on scrape. A failed count skips the
// sample rather than reporting a stale zero.
type queueDepthCollector struct {
	desc   *prometheus.Desc
	count  func(ctx context.Context) (int64, error)
	logger *slog.Logger
}

func (c *queueDepthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *queueDepthCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := c.count(ctx)
	if err != nil {
		c.logger.Warn("queue depth sample failed", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n))
}
