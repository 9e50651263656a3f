// Package api exposes the orchestration engine over HTTP: triggering and
// inspecting executions, reprocessing dead letters, and the health and
// metrics endpoints operators point their probes at. Handlers translate
// between JSON and the engine/store types; they hold no state of their own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/engine"
	"github.com/c360studio/semflow/store"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// readinessTimeout bounds the database ping behind /readyz.
const readinessTimeout = 2 * time.Second

// Engine is the orchestration surface the API drives.
type Engine interface {
	Trigger(ctx context.Context, req engine.TriggerRequest) (*store.Execution, bool, error)
	Cancel(ctx context.Context, executionID string) (*store.Execution, error)
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	ReprocessDeadLetter(ctx context.Context, id string) (*store.Task, error)
	ReprocessBatch(ctx context.Context, f store.DeadLetterFilter) (int, error)
}

// Store is the read side the list endpoints serve from.
type Store interface {
	ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*store.Execution, error)
	ListTasksByExecution(ctx context.Context, executionID string) ([]*store.Task, error)
	ListDeadLetters(ctx context.Context, f store.DeadLetterFilter) ([]*store.DeadLetter, error)
	ListWorkers(ctx context.Context) ([]*store.WorkerRecord, error)
	ListWorkflows(ctx context.Context) ([]*store.WorkflowRecord, error)
	Ping(ctx context.Context) error
}

// Server holds the handler dependencies.
type Server struct {
	engine  Engine
	store   Store
	logger  *slog.Logger
	metrics http.Handler
}

// New builds a Server around the engine and store.
func New(eng Engine, st Store, logger *slog.Logger) *Server {
	return &Server{
		engine: eng,
		store:  st,
		logger: logger.With("component", "api"),
	}
}

// SetMetricsHandler mounts h at GET /metrics. Must be called before Router.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Router assembles the route tree:
//
//	POST /api/v1/executions
//	GET  /api/v1/executions
//	GET  /api/v1/executions/{id}
//	POST /api/v1/executions/{id}/cancel
//	GET  /api/v1/executions/{id}/tasks
//	GET  /api/v1/workflows
//	GET  /api/v1/dead-letters
//	POST /api/v1/dead-letters/reprocess
//	POST /api/v1/dead-letters/{id}/reprocess
//	GET  /api/v1/workers
//	GET  /healthz
//	GET  /readyz
//	GET  /metrics (when a metrics handler is set)
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/executions", func(r chi.Router) {
			r.Post("/", s.handleTrigger)
			r.Get("/", s.handleListExecutions)
			r.Get("/{id}", s.handleGetExecution)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Get("/{id}/tasks", s.handleListTasks)
		})
		r.Get("/workflows", s.handleListWorkflows)
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Post("/reprocess", s.handleReprocessBatch)
			r.Post("/{id}/reprocess", s.handleReprocess)
		})
		r.Get("/workers", s.handleListWorkers)
	})

	return r
}

// ----------------------------------------------------------------------------
// POST /api/v1/executions
// ----------------------------------------------------------------------------

// TriggerRequest is the POST /api/v1/executions body.
type TriggerRequest struct {
	// Workflow names the workflow to run. Required.
	Workflow string `json:"workflow"`
	// Version selects a revision; zero or absent resolves the latest.
	Version int `json:"version,omitempty"`
	// Input is the payload handed to the first step.
	Input map[string]any `json:"input,omitempty"`
	// IdempotencyKey deduplicates triggers. Retrying a request with the
	// same key returns the execution the key is already bound to.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// TimeoutSeconds bounds the whole execution. Zero uses the server default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// CallbackURL receives a webhook when the execution finishes.
	CallbackURL string `json:"callback_url,omitempty"`
}

// handleTrigger starts an execution. 201 with the new row on success, 200
// with the existing row when an idempotency key matches a previous trigger,
// 404 when the workflow is not registered.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Workflow == "" {
		writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	ex, created, err := s.engine.Trigger(r.Context(), engine.TriggerRequest{
		WorkflowName:    req.Workflow,
		WorkflowVersion: req.Version,
		Input:           store.JSONMap(req.Input),
		IdempotencyKey:  req.IdempotencyKey,
		Timeout:         time.Duration(req.TimeoutSeconds) * time.Second,
		CallbackURL:     req.CallbackURL,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ex)
}

// ----------------------------------------------------------------------------
// GET /api/v1/executions
// ----------------------------------------------------------------------------

// executionListResponse is the GET /api/v1/executions body.
type executionListResponse struct {
	Executions []*store.Execution `json:"executions"`
	Count      int                `json:"count"`
}

// handleListExecutions lists executions newest first, filtered by the
// workflow, status, limit, and offset query parameters.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	f := store.ExecutionFilter{
		WorkflowName: r.URL.Query().Get("workflow"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := store.ExecutionStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(raw))
			return
		}
		f.Status = status
	}
	var ok bool
	if f.Limit, ok = s.queryInt(w, r, "limit"); !ok {
		return
	}
	if f.Offset, ok = s.queryInt(w, r, "offset"); !ok {
		return
	}

	list, err := s.store.ListExecutions(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionListResponse{Executions: list, Count: len(list)})
}

// ----------------------------------------------------------------------------
// GET /api/v1/executions/{id}
// ----------------------------------------------------------------------------

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.engine.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// ----------------------------------------------------------------------------
// POST /api/v1/executions/{id}/cancel
// ----------------------------------------------------------------------------

// handleCancel cancels an execution. Cancelling an already terminal
// execution returns the current row unchanged.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ex, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// ----------------------------------------------------------------------------
// GET /api/v1/executions/{id}/tasks
// ----------------------------------------------------------------------------

// taskListResponse is the GET /api/v1/executions/{id}/tasks body.
type taskListResponse struct {
	Tasks []*store.Task `json:"tasks"`
	Count int           `json:"count"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Listing tasks of a missing execution should 404, not return an
	// empty page, so resolve the execution first.
	if _, err := s.engine.GetExecution(r.Context(), id); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	tasks, err := s.store.ListTasksByExecution(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: tasks, Count: len(tasks)})
}

// ----------------------------------------------------------------------------
// GET /api/v1/workflows
// ----------------------------------------------------------------------------

// workflowListResponse is the GET /api/v1/workflows body.
type workflowListResponse struct {
	Workflows []*store.WorkflowRecord `json:"workflows"`
	Count     int                     `json:"count"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflowListResponse{Workflows: list, Count: len(list)})
}

// ----------------------------------------------------------------------------
// GET /api/v1/dead-letters
// ----------------------------------------------------------------------------

// deadLetterListResponse is the GET /api/v1/dead-letters body.
type deadLetterListResponse struct {
	DeadLetters []*store.DeadLetter `json:"dead_letters"`
	Count       int                 `json:"count"`
}

// handleListDeadLetters lists dead letters newest first, filtered by the
// workflow, execution, step, include_reprocessed, limit, and offset query
// parameters.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	f := store.DeadLetterFilter{
		WorkflowName:       r.URL.Query().Get("workflow"),
		ExecutionID:        r.URL.Query().Get("execution"),
		StepName:           r.URL.Query().Get("step"),
		IncludeReprocessed: r.URL.Query().Get("include_reprocessed") == "true",
	}
	var ok bool
	if f.Limit, ok = s.queryInt(w, r, "limit"); !ok {
		return
	}
	if f.Offset, ok = s.queryInt(w, r, "offset"); !ok {
		return
	}

	list, err := s.store.ListDeadLetters(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLetterListResponse{DeadLetters: list, Count: len(list)})
}

// ----------------------------------------------------------------------------
// POST /api/v1/dead-letters/{id}/reprocess
// ----------------------------------------------------------------------------

// handleReprocess requeues one dead letter. 200 with the fresh task, 404
// when the entry does not exist, 409 when it was already reprocessed.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.ReprocessDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ----------------------------------------------------------------------------
// POST /api/v1/dead-letters/reprocess
// ----------------------------------------------------------------------------

// ReprocessBatchRequest is the POST /api/v1/dead-letters/reprocess body.
// Zero values leave the corresponding filter open.
type ReprocessBatchRequest struct {
	// Workflow restricts the batch to one workflow.
	Workflow string `json:"workflow,omitempty"`
	// ExecutionID restricts the batch to one execution.
	ExecutionID string `json:"execution_id,omitempty"`
	// Step restricts the batch to one step name.
	Step string `json:"step,omitempty"`
	// Limit caps how many entries are requeued in this call.
	Limit int `json:"limit,omitempty"`
}

// reprocessBatchResponse is the POST /api/v1/dead-letters/reprocess body.
type reprocessBatchResponse struct {
	Requeued int `json:"requeued"`
}

func (s *Server) handleReprocessBatch(w http.ResponseWriter, r *http.Request) {
	var req ReprocessBatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	n, err := s.engine.ReprocessBatch(r.Context(), store.DeadLetterFilter{
		WorkflowName: req.Workflow,
		ExecutionID:  req.ExecutionID,
		StepName:     req.Step,
		Limit:        req.Limit,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reprocessBatchResponse{Requeued: n})
}

// ----------------------------------------------------------------------------
// GET /api/v1/workers
// ----------------------------------------------------------------------------

// workerListResponse is the GET /api/v1/workers body.
type workerListResponse struct {
	Workers []*store.WorkerRecord `json:"workers"`
	Count   int                   `json:"count"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workerListResponse{Workers: list, Count: len(list)})
}

// ----------------------------------------------------------------------------
// GET /healthz, GET /readyz
// ----------------------------------------------------------------------------

// healthResponse is the body of both probe endpoints.
type healthResponse struct {
	Status string `json:"status"`
}

// handleHealth reports process liveness. It never touches the database.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReady reports readiness: 200 once the database answers a ping,
// 503 otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness probe failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// decodeBody parses a JSON request body into dst. On failure it writes a
// 400 and returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an optional non-negative integer query parameter. On
// failure it writes a 400 and returns ok=false.
func (s *Server) queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// writeFailure maps engine and store errors onto status codes: missing
// entities and unknown workflows become 404, conflicts 409, everything
// else a logged 500.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, definition.ErrNotRegistered):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyReprocessed), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response is already partially written; nothing useful left to do.
		_ = err
	}
}
