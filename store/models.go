package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semflow/retry"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
	ExecutionStatusTimedOut  ExecutionStatus = "TIMED_OUT"
)

// Terminal reports whether the status is absorbing.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted,
		ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimedOut:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusLocked     TaskStatus = "LOCKED"
	TaskStatusRunning    TaskStatus = "RUNNING"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusDeadLetter TaskStatus = "DEAD_LETTER"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether the task can never run again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusDeadLetter, TaskStatusCancelled:
		return true
	}
	return false
}

// StepType classifies which kind of element a task was dispatched from.
type StepType string

const (
	StepTypeSequential StepType = "SEQUENTIAL"
	StepTypeParallel   StepType = "PARALLEL"
	StepTypeBranch     StepType = "BRANCH"
)

// WorkerStatus is the registered state of a worker instance.
type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "ACTIVE"
	WorkerStatusDraining WorkerStatus = "DRAINING"
	WorkerStatusStopped  WorkerStatus = "STOPPED"
)

// CallbackStatus tracks webhook delivery for an execution.
type CallbackStatus string

const (
	CallbackStatusPending   CallbackStatus = "PENDING"
	CallbackStatusDelivered CallbackStatus = "DELIVERED"
	CallbackStatusFailed    CallbackStatus = "FAILED"
)

// MetaHandlerTimeoutMs is the task metadata key carrying the step's handler
// timeout in milliseconds. The dispatcher writes it; workers read it to bound
// the handler invocation without reloading the definition.
const MetaHandlerTimeoutMs = "handler_timeout_ms"

// JSONMap is an opaque JSON object stored in a jsonb column. It is the codec
// boundary: encoded on write, decoded on read, untyped in between.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return data, nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("decode json column: unsupported source %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// AttemptError is one entry in a task's failure history.
type AttemptError struct {
	// Attempt is the 1-based run number that failed.
	Attempt int `json:"attempt"`
	// Error is the handler error message.
	Error string `json:"error"`
	// At is when the failure was recorded.
	At time.Time `json:"at"`
}

// ErrorHistory is the ordered list of failed attempts, stored as jsonb.
type ErrorHistory []AttemptError

// Value implements driver.Valuer.
func (h ErrorHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode error history: %w", err)
	}
	return data, nil
}

// Scan implements sql.Scanner.
func (h *ErrorHistory) Scan(src any) error {
	if src == nil {
		*h = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("decode error history: unsupported source %T", src)
	}
	if len(data) == 0 {
		*h = nil
		return nil
	}
	return json.Unmarshal(data, h)
}

// Execution is one triggered run of a workflow.
type Execution struct {
	ID              string          `db:"id" json:"id"`
	WorkflowID      *string         `db:"workflow_id" json:"workflow_id,omitempty"`
	WorkflowName    string          `db:"workflow_name" json:"workflow_name"`
	WorkflowVersion int             `db:"workflow_version" json:"workflow_version"`
	Status          ExecutionStatus `db:"status" json:"status"`
	Input           JSONMap         `db:"input" json:"input,omitempty"`
	Output          JSONMap         `db:"output" json:"output,omitempty"`
	Error           *string         `db:"error" json:"error,omitempty"`
	CurrentStep     *string         `db:"current_step" json:"current_step,omitempty"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	TimeoutAt       *time.Time      `db:"timeout_at" json:"timeout_at,omitempty"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CallbackURL     *string         `db:"callback_url" json:"callback_url,omitempty"`
	CallbackStatus  *CallbackStatus `db:"callback_status" json:"callback_status,omitempty"`
	Version         int64           `db:"version" json:"version"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the execution reached an absorbing status.
func (e *Execution) Terminal() bool {
	return e.Status.Terminal()
}

// Task is one unit of work dispatched from a workflow element.
type Task struct {
	ID              string         `db:"id" json:"id"`
	ExecutionID     string         `db:"execution_id" json:"execution_id"`
	StepName        string         `db:"step_name" json:"step_name"`
	StepType        StepType       `db:"step_type" json:"step_type"`
	StepOrder       int            `db:"step_order" json:"step_order"`
	Status          TaskStatus     `db:"status" json:"status"`
	Input           JSONMap        `db:"input" json:"input,omitempty"`
	Output          JSONMap        `db:"output" json:"output,omitempty"`
	Error           *string        `db:"error" json:"error,omitempty"`
	Attempt         int            `db:"attempt" json:"attempt"`
	MaxAttempts     int            `db:"max_attempts" json:"max_attempts"`
	BackoffStrategy retry.Strategy `db:"backoff_strategy" json:"backoff_strategy"`
	BackoffBaseMs   int64          `db:"backoff_base_ms" json:"backoff_base_ms"`
	NextRetryAt     *time.Time     `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LockedBy        *string        `db:"locked_by" json:"locked_by,omitempty"`
	LockedAt        *time.Time     `db:"locked_at" json:"locked_at,omitempty"`
	LockTimeoutAt   *time.Time     `db:"lock_timeout_at" json:"lock_timeout_at,omitempty"`
	StartedAt       *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	ParallelGroup   *string        `db:"parallel_group" json:"parallel_group,omitempty"`
	BranchKey       *string        `db:"branch_key" json:"branch_key,omitempty"`
	Priority        int            `db:"priority" json:"priority"`
	ParentTaskID    *string        `db:"parent_task_id" json:"parent_task_id,omitempty"`
	Metadata        JSONMap        `db:"metadata" json:"metadata,omitempty"`
	ErrorHistory    ErrorHistory   `db:"error_history" json:"error_history,omitempty"`
	Version         int64          `db:"version" json:"version"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the task reached an absorbing status.
func (t *Task) Terminal() bool {
	return t.Status.Terminal()
}

// RetryPolicy rebuilds the retry policy persisted on the task row. Fields the
// row does not carry (multiplier, max delay, jitter) come from defaults.
func (t *Task) RetryPolicy(defaults retry.Policy) retry.Policy {
	p := retry.Policy{
		MaxAttempts: t.MaxAttempts,
		Strategy:    t.BackoffStrategy,
		BaseDelay:   time.Duration(t.BackoffBaseMs) * time.Millisecond,
	}
	p = p.Normalize(defaults)
	p.Jitter = defaults.Jitter
	return p
}

// DeadLetter preserves a task that exhausted its retry budget.
type DeadLetter struct {
	ID            string       `db:"id" json:"id"`
	TaskID        string       `db:"task_id" json:"task_id"`
	ExecutionID   string       `db:"execution_id" json:"execution_id"`
	WorkflowName  string       `db:"workflow_name" json:"workflow_name"`
	StepName      string       `db:"step_name" json:"step_name"`
	Input         JSONMap      `db:"input" json:"input,omitempty"`
	ErrorHistory  ErrorHistory `db:"error_history" json:"error_history,omitempty"`
	Error         *string      `db:"error" json:"error,omitempty"`
	Attempts      int          `db:"attempts" json:"attempts"`
	Reprocessed   bool         `db:"reprocessed" json:"reprocessed"`
	ReprocessedAt *time.Time   `db:"reprocessed_at" json:"reprocessed_at,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// WorkerRecord is the row registered by a live worker instance.
type WorkerRecord struct {
	ID            string       `db:"id" json:"id"`
	WorkerID      string       `db:"worker_id" json:"worker_id"`
	Hostname      string       `db:"hostname" json:"hostname"`
	Status        WorkerStatus `db:"status" json:"status"`
	Concurrency   int          `db:"concurrency" json:"concurrency"`
	ActiveTasks   int          `db:"active_tasks" json:"active_tasks"`
	LastHeartbeat time.Time    `db:"last_heartbeat" json:"last_heartbeat"`
	StartedAt     time.Time    `db:"started_at" json:"started_at"`
	StoppedAt     *time.Time   `db:"stopped_at" json:"stopped_at,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// WorkflowRecord is the audit row persisting a definition serialization.
type WorkflowRecord struct {
	ID              string          `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	Version         int             `db:"version" json:"version"`
	Description     *string         `db:"description" json:"description,omitempty"`
	StepDefinitions json.RawMessage `db:"step_definitions" json:"step_definitions"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}
