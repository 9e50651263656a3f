package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/c360studio/semflow/retry"
)

// setupTestDB starts a throwaway Postgres container, applies migrations, and
// returns a store bound to it. Skips when containers are unavailable.
func setupTestDB(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	ctx := context.Background()
	pgc, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("semflow_test"),
		postgres.WithUsername("semflow"),
		postgres.WithPassword("semflow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgc) })

	url, err := pgc.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	db, err := Open(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := MigrateUp(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return New(db)
}

func seedExecution(t *testing.T, s *Store) *Execution {
	t.Helper()
	ex := &Execution{
		WorkflowName:    "payments",
		WorkflowVersion: 1,
		Status:          ExecutionStatusRunning,
		Input:           JSONMap{"order_id": "42"},
	}
	if err := s.CreateExecution(context.Background(), ex); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return ex
}

func seedTask(t *testing.T, s *Store, ex *Execution, mutate func(*Task)) *Task {
	t.Helper()
	task := &Task{
		ExecutionID:     ex.ID,
		StepName:        "charge",
		StepType:        StepTypeSequential,
		Input:           JSONMap{"amount": float64(10)},
		MaxAttempts:     3,
		BackoffStrategy: retry.StrategyFixed,
		BackoffBaseMs:   1000,
	}
	if mutate != nil {
		mutate(task)
	}
	if err := s.CreateTasks(context.Background(), []*Task{task}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	ex := seedExecution(t, s)
	seedTask(t, s, ex, nil)

	acquired, err := s.AcquireTasks(ctx, "worker-1", 10, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 1 {
		t.Fatalf("expected 1 acquired task, got %d", len(acquired))
	}
	task := acquired[0]
	if task.Status != TaskStatusLocked {
		t.Fatalf("expected LOCKED, got %s", task.Status)
	}
	if task.LockedBy == nil || *task.LockedBy != "worker-1" {
		t.Fatalf("expected locked_by worker-1, got %v", task.LockedBy)
	}

	// A second poller sees nothing: the row is claimed.
	again, err := s.AcquireTasks(ctx, "worker-2", 10, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed task handed out twice: %d rows", len(again))
	}

	running, err := s.MarkTaskRunning(ctx, task.ID, task.Version)
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if running.StartedAt == nil {
		t.Error("expected started_at to be stamped")
	}
	if running.Attempt != 0 {
		t.Errorf("starting a run must not count an attempt, got %d", running.Attempt)
	}

	done, err := s.CompleteTask(ctx, running.ID, running.Version, JSONMap{"charged": true})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != TaskStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", done.Status)
	}
	if done.Attempt != 1 {
		t.Errorf("a task that ran once ends with attempt 1, got %d", done.Attempt)
	}
	if done.LockedBy != nil || done.LockTimeoutAt != nil {
		t.Error("completion must clear the lock fields")
	}

	// Completing again (a reclaimed duplicate) must conflict, not overwrite.
	if _, err := s.CompleteTask(ctx, done.ID, done.Version, nil); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on double complete, got %v", err)
	}
}

func TestAcquireHonorsBackoffDeadline(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	future := time.Now().Add(time.Hour)
	seedTask(t, s, ex, func(task *Task) {
		task.StepName = "later"
		task.NextRetryAt = &future
	})
	past := time.Now().Add(-time.Minute)
	seedTask(t, s, ex, func(task *Task) {
		task.StepName = "due"
		task.NextRetryAt = &past
	})

	acquired, err := s.AcquireTasks(ctx, "worker-1", 10, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 1 {
		t.Fatalf("expected only the due task, got %d", len(acquired))
	}
	if acquired[0].StepName != "due" {
		t.Errorf("expected step due, got %s", acquired[0].StepName)
	}
}

func TestAcquireOrdersByPriorityThenAge(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	seedTask(t, s, ex, func(task *Task) { task.StepName = "old-low"; task.Priority = 0 })
	seedTask(t, s, ex, func(task *Task) { task.StepName = "new-high"; task.Priority = 5 })

	acquired, err := s.AcquireTasks(ctx, "worker-1", 1, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(acquired) != 1 || acquired[0].StepName != "new-high" {
		t.Fatalf("expected the high priority task first, got %+v", acquired)
	}
}

func TestFailTaskExhaustionWritesDeadLetter(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	ex := seedExecution(t, s)
	seedTask(t, s, ex, func(task *Task) { task.MaxAttempts = 1 })

	acquired, err := s.AcquireTasks(ctx, "worker-1", 1, 30*time.Second)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquire: %v (%d tasks)", err, len(acquired))
	}
	task, err := s.MarkTaskRunning(ctx, acquired[0].ID, acquired[0].Version)
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}

	pol := task.RetryPolicy(retry.DefaultPolicy())
	var failed *Task
	err = s.InTx(ctx, func(tx *Tx) error {
		var err error
		failed, err = tx.FailTask(ctx, task, "card declined", pol)
		return err
	})
	if err != nil {
		t.Fatalf("fail task: %v", err)
	}
	if failed.Status != TaskStatusDeadLetter {
		t.Fatalf("one allowed attempt means first failure parks, got %s", failed.Status)
	}
	if failed.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", failed.Attempt)
	}
	if len(failed.ErrorHistory) != 1 || failed.ErrorHistory[0].Error != "card declined" {
		t.Errorf("expected one history entry, got %+v", failed.ErrorHistory)
	}

	dls, err := s.ListDeadLetters(ctx, DeadLetterFilter{ExecutionID: ex.ID})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dls) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dls))
	}
	dl := dls[0]
	if dl.TaskID != failed.ID || dl.Attempts != 1 || dl.WorkflowName != "payments" {
		t.Errorf("dead letter snapshot wrong: %+v", dl)
	}

	// Reprocess: exactly-once flag flip plus a fresh task pointing back.
	var clone *Task
	err = s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.MarkDeadLetterReprocessed(ctx, dl.ID); err != nil {
			return err
		}
		var err error
		clone, err = tx.CloneTaskForReprocess(ctx, dl.TaskID)
		return err
	})
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if clone.Status != TaskStatusPending || clone.Attempt != 0 {
		t.Errorf("clone must start fresh, got status=%s attempt=%d", clone.Status, clone.Attempt)
	}
	if clone.ParentTaskID == nil || *clone.ParentTaskID != failed.ID {
		t.Errorf("clone must reference the original task, got %v", clone.ParentTaskID)
	}
	if len(clone.ErrorHistory) != 0 {
		t.Errorf("clone must not inherit error history, got %+v", clone.ErrorHistory)
	}

	if _, err := s.MarkDeadLetterReprocessed(ctx, dl.ID); !errors.Is(err, ErrAlreadyReprocessed) {
		t.Errorf("expected ErrAlreadyReprocessed on second reprocess, got %v", err)
	}
}

func TestReclaimExpiredLeavesAttemptAlone(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	ex := seedExecution(t, s)
	seedTask(t, s, ex, nil)

	// A zero lease expires immediately.
	acquired, err := s.AcquireTasks(ctx, "worker-1", 1, 0)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquire: %v (%d tasks)", err, len(acquired))
	}

	n, err := s.ReclaimExpiredTasks(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	task, err := s.GetTask(ctx, acquired[0].ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != TaskStatusPending {
		t.Errorf("expected PENDING after reclaim, got %s", task.Status)
	}
	if task.Attempt != 0 {
		t.Errorf("losing a lock is not a failed run, attempt should stay 0, got %d", task.Attempt)
	}
	if task.LockedBy != nil {
		t.Errorf("expected lock cleared, got locked_by=%v", task.LockedBy)
	}
	if task.Version <= acquired[0].Version {
		t.Errorf("reclaim must bump the version: %d -> %d", acquired[0].Version, task.Version)
	}
}

func TestIdempotencyKeyBindsOneExecution(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	key := "order-42"
	first := &Execution{WorkflowName: "payments", WorkflowVersion: 1, IdempotencyKey: &key}
	if err := s.CreateExecution(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}

	second := &Execution{WorkflowName: "payments", WorkflowVersion: 1, IdempotencyKey: &key}
	if err := s.CreateExecution(ctx, second); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	got, err := s.GetExecutionByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("key resolves to %s, want %s", got.ID, first.ID)
	}
}

func TestGroupTasksExcludesBranchRows(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	group := "checks"
	seedTask(t, s, ex, func(task *Task) {
		task.StepName = "credit"
		task.StepType = StepTypeParallel
		task.ParallelGroup = &group
	})
	seedTask(t, s, ex, func(task *Task) {
		task.StepName = "fraud"
		task.StepType = StepTypeParallel
		task.ParallelGroup = &group
	})
	seedTask(t, s, ex, func(task *Task) {
		task.StepName = "route"
		task.StepType = StepTypeBranch
		task.ParallelGroup = &group
	})

	siblings, err := s.GroupTasks(ctx, ex.ID, group)
	if err != nil {
		t.Fatalf("group tasks: %v", err)
	}
	if len(siblings) != 2 {
		t.Fatalf("expected 2 parallel siblings, got %d", len(siblings))
	}
	for _, task := range siblings {
		if task.StepType != StepTypeParallel {
			t.Errorf("unexpected step type %s in group", task.StepType)
		}
	}
}

func TestSweepStaleWorkersReleasesClaims(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	ex := seedExecution(t, s)
	seedTask(t, s, ex, nil)

	if _, err := s.RegisterWorker(ctx, "worker-dead", "host-a", 4); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	acquired, err := s.AcquireTasks(ctx, "worker-dead", 1, time.Hour)
	if err != nil || len(acquired) != 1 {
		t.Fatalf("acquire: %v (%d tasks)", err, len(acquired))
	}

	// Age the heartbeat past any threshold.
	_, err = s.DB().ExecContext(ctx,
		`UPDATE workers SET last_heartbeat = now() - interval '10 minutes' WHERE worker_id = $1`,
		"worker-dead")
	if err != nil {
		t.Fatalf("age heartbeat: %v", err)
	}

	workers, released, err := s.SweepStaleWorkers(ctx, time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if workers != 1 || released != 1 {
		t.Fatalf("expected 1 worker / 1 task swept, got %d / %d", workers, released)
	}

	task, err := s.GetTask(ctx, acquired[0].ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != TaskStatusPending || task.LockedBy != nil {
		t.Errorf("expected released task, got status=%s locked_by=%v", task.Status, task.LockedBy)
	}

	rec, err := s.GetWorker(ctx, "worker-dead")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if rec.Status != WorkerStatusStopped {
		t.Errorf("expected STOPPED, got %s", rec.Status)
	}
	if err := s.HeartbeatWorker(ctx, "worker-dead", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("stopped worker heartbeat should report ErrNotFound, got %v", err)
	}
}

func TestCancelPendingTasksLeavesClaimedAlone(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	seedTask(t, s, ex, func(task *Task) { task.StepName = "queued" })
	seedTask(t, s, ex, func(task *Task) { task.StepName = "claimed"; task.Priority = 10 })

	acquired, err := s.AcquireTasks(ctx, "worker-1", 1, time.Hour)
	if err != nil || len(acquired) != 1 || acquired[0].StepName != "claimed" {
		t.Fatalf("acquire: %v (%+v)", err, acquired)
	}

	n, err := s.CancelPendingTasks(ctx, ex.ID)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}

	tasks, err := s.ListTasksByExecution(ctx, ex.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		switch task.StepName {
		case "queued":
			if task.Status != TaskStatusCancelled {
				t.Errorf("queued task should be CANCELLED, got %s", task.Status)
			}
		case "claimed":
			if task.Status != TaskStatusLocked {
				t.Errorf("claimed task should stay LOCKED, got %s", task.Status)
			}
		}
	}
}
