// Package webhook delivers terminal-execution callbacks. Executions may
// carry a callback URL; when one reaches an absorbing status the dispatcher
// posts a JSON summary there, retrying on a bounded schedule behind a
// circuit breaker. Delivery is fire-and-forget from the engine's point of
// view: it never blocks or fails workflow progression.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360studio/semflow/retry"
	"github.com/c360studio/semflow/store"
)

// Store records the delivery outcome on the execution row.
type Store interface {
	SetExecutionCallbackStatus(ctx context.Context, id string, status store.CallbackStatus) error
}

// Observer receives delivery events, typically for metrics.
type Observer interface {
	CallbackAttempted()
	CallbackFinished(delivered bool)
}

type noopObserver struct{}

func (noopObserver) CallbackAttempted()    {}
func (noopObserver) CallbackFinished(bool) {}

// Config holds delivery settings. Zero fields take the documented defaults.
type Config struct {
	// Timeout bounds a single callback request. Default 10s.
	Timeout time.Duration

	// Retry is the delivery schedule. Unset fields fall back to
	// 5 attempts, exponential from 1s capped at 1m.
	Retry retry.Policy

	// MaxConcurrent caps parallel deliveries. Default 4.
	MaxConcurrent int

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit. Default 5.
	BreakerThreshold uint32

	// BreakerCooldown is how long the circuit stays open before probing
	// again. Default 30s.
	BreakerCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	c.Retry = c.Retry.Normalize(retry.Policy{
		MaxAttempts: 5,
		Strategy:    retry.StrategyExponential,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2,
	})
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// payload is the JSON body posted to the callback URL.
type payload struct {
	ExecutionID     string                `json:"execution_id"`
	WorkflowName    string                `json:"workflow_name"`
	WorkflowVersion int                   `json:"workflow_version"`
	Status          store.ExecutionStatus `json:"status"`
	Output          store.JSONMap         `json:"output,omitempty"`
	Error           *string               `json:"error,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Dispatcher posts terminal-execution callbacks. It implements the engine's
// finish-listener hook.
type Dispatcher struct {
	store   Store
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	obs     Observer

	sem      chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool
	runCtx   context.Context
	cancel   context.CancelFunc
}

// New builds a dispatcher. Call Start before wiring it into the engine.
func New(st Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "webhook")
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		store:  st,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		obs:    noopObserver{},
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		runCtx: context.Background(),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Info("callback breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return d
}

// SetObserver wires delivery events, typically to the metrics recorder.
// Must be called before Start.
func (d *Dispatcher) SetObserver(o Observer) {
	if o != nil {
		d.obs = o
	}
}

// Start scopes deliveries to the given context.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runCtx, d.cancel = context.WithCancel(ctx)
	return nil
}

// Stop waits for in-flight deliveries up to the context deadline, then
// cancels whatever remains. Late arrivals are dropped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopping.Store(true)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("callbacks still in flight at shutdown")
	}
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// ExecutionFinished enqueues a delivery for executions that carry a
// callback URL. Never blocks the caller.
func (d *Dispatcher) ExecutionFinished(ex *store.Execution) {
	if ex == nil || !ex.Terminal() || ex.CallbackURL == nil || *ex.CallbackURL == "" {
		return
	}
	if d.stopping.Load() {
		d.logger.Warn("dropping callback during shutdown", "execution_id", ex.ID)
		return
	}

	url := *ex.CallbackURL
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		d.deliver(url, ex)
	}()
}

// deliver walks the retry schedule until the callback lands or the budget
// runs out, then records the outcome on the execution row.
func (d *Dispatcher) deliver(url string, ex *store.Execution) {
	body, err := json.Marshal(payload{
		ExecutionID:     ex.ID,
		WorkflowName:    ex.WorkflowName,
		WorkflowVersion: ex.WorkflowVersion,
		Status:          ex.Status,
		Output:          ex.Output,
		Error:           ex.Error,
		CompletedAt:     ex.CompletedAt,
	})
	if err != nil {
		d.logger.Error("callback payload not serializable", "execution_id", ex.ID, "error", err)
		d.obs.CallbackFinished(false)
		d.markStatus(ex.ID, store.CallbackStatusFailed)
		return
	}

	for attempt := 1; ; attempt++ {
		d.obs.CallbackAttempted()
		err := d.attempt(url, body)
		if err == nil {
			d.logger.Info("callback delivered",
				"execution_id", ex.ID, "status", ex.Status, "attempts", attempt)
			d.obs.CallbackFinished(true)
			d.markStatus(ex.ID, store.CallbackStatusDelivered)
			return
		}
		d.logger.Warn("callback attempt failed",
			"execution_id", ex.ID, "attempt", attempt, "error", err)

		if !d.cfg.Retry.ShouldRetry(attempt) {
			d.logger.Error("callback delivery abandoned",
				"execution_id", ex.ID, "url", url, "attempts", attempt)
			d.obs.CallbackFinished(false)
			d.markStatus(ex.ID, store.CallbackStatusFailed)
			return
		}
		select {
		case <-time.After(d.cfg.Retry.Delay(attempt)):
		case <-d.runCtx.Done():
			d.obs.CallbackFinished(false)
			d.markStatus(ex.ID, store.CallbackStatusFailed)
			return
		}
	}
}

// attempt runs one POST behind the breaker. An open circuit fails fast
// without touching the endpoint.
func (d *Dispatcher) attempt(url string, body []byte) error {
	_, err := d.breaker.Execute(func() (any, error) {
		return nil, d.post(url, body)
	})
	return err
}

func (d *Dispatcher) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(d.runCtx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}

// markStatus survives dispatcher shutdown so the row always ends up with a
// terminal delivery status.
func (d *Dispatcher) markStatus(id string, status store.CallbackStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.runCtx), 5*time.Second)
	defer cancel()
	if err := d.store.SetExecutionCallbackStatus(ctx, id, status); err != nil {
		d.logger.Warn("recording callback status failed",
			"execution_id", id, "status", status, "error", err)
	}
}
