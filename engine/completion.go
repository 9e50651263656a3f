package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/store"
)

// CompletionResult reports what one completion did.
type CompletionResult struct {
	// Task is the post-completion row.
	Task *store.Task

	// Execution is the execution after any advancement effects.
	Execution *store.Execution

	// Advance is the dispatch decision, nil when the execution was already
	// terminal and advancement was refused.
	Advance *AdvanceResult
}

// CompleteAndAdvance finishes a task and advances its workflow in a single
// transaction: either the task is COMPLETED and the follow-up state exists,
// or neither does. The execution row lock taken first is what serializes
// concurrent parallel-sibling conclusions.
func (e *Engine) CompleteAndAdvance(ctx context.Context, task *store.Task, output store.JSONMap) (*CompletionResult, error) {
	res := &CompletionResult{}
	var wasTerminal bool
	err := e.db.InTx(ctx, func(s Storage) error {
		ex, err := s.GetExecutionForUpdate(ctx, task.ExecutionID)
		if err != nil {
			return err
		}
		completed, err := s.CompleteTask(ctx, task.ID, task.Version, output)
		if err != nil {
			return err
		}
		res.Task = completed

		if ex.Terminal() {
			// Output stays persisted, but a cancelled or timed out
			// execution never advances.
			res.Execution = ex
			wasTerminal = true
			return nil
		}

		def, err := e.registry.Resolve(ex.WorkflowName, ex.WorkflowVersion)
		if err != nil {
			return err
		}
		adv, err := e.dispatcher.Advance(ctx, s, def, ex, completed)
		if err != nil {
			return err
		}
		res.Advance = adv
		res.Execution, err = e.applyAdvance(ctx, s, def, ex, adv)
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.Advance != nil && len(res.Advance.Created) > 0 {
		e.notifyTasks(ctx)
	}
	if !wasTerminal {
		e.finished(res.Execution)
	}
	return res, nil
}

// FailureResult reports what one failure did.
type FailureResult struct {
	// Task is the post-failure row: PENDING when retrying, DEAD_LETTER
	// otherwise.
	Task *store.Task

	// Retrying is true when another run was scheduled.
	Retrying bool

	// Execution is the execution after any failure effects.
	Execution *store.Execution

	// Advance is set when a dead-lettered parallel sibling concluded its
	// group and the workflow moved on with partial results.
	Advance *AdvanceResult
}

// FailAndMaybeDeadLetter records a handler failure. Within the retry budget
// the task goes back to the queue with backoff. A dead-lettered sequential
// or branch task fails the execution; a dead-lettered parallel sibling
// triggers the fan-in check instead, because the group can still conclude on
// the surviving siblings.
func (e *Engine) FailAndMaybeDeadLetter(ctx context.Context, task *store.Task, handlerErr string) (*FailureResult, error) {
	res := &FailureResult{}
	var wasTerminal bool
	err := e.db.InTx(ctx, func(s Storage) error {
		ex, err := s.GetExecutionForUpdate(ctx, task.ExecutionID)
		if err != nil {
			return err
		}
		failed, err := s.FailTask(ctx, task, handlerErr, task.RetryPolicy(e.defaults))
		if err != nil {
			return err
		}
		res.Task = failed
		res.Execution = ex

		if failed.Status == store.TaskStatusPending {
			res.Retrying = true
			return nil
		}
		if ex.Terminal() {
			wasTerminal = true
			return nil
		}

		if failed.StepType == store.StepTypeParallel {
			def, err := e.registry.Resolve(ex.WorkflowName, ex.WorkflowVersion)
			if err != nil {
				return err
			}
			adv, err := e.dispatcher.Advance(ctx, s, def, ex, failed)
			if err != nil {
				return err
			}
			res.Advance = adv
			res.Execution, err = e.applyAdvance(ctx, s, def, ex, adv)
			return err
		}

		if err := checkTransition(ex.Status, store.ExecutionStatusFailed); err != nil {
			return err
		}
		msg := fmt.Sprintf("step %q dead-lettered after %d attempts: %s", failed.StepName, failed.Attempt, handlerErr)
		res.Execution, err = s.FinishExecution(ctx, ex.ID, ex.Version, store.ExecutionStatusFailed, nil, &msg)
		if err != nil {
			return err
		}
		e.logger.Error("execution failed",
			"execution_id", ex.ID, "workflow", ex.WorkflowName, "step", failed.StepName, "error", handlerErr)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Advance != nil && len(res.Advance.Created) > 0 {
		e.notifyTasks(ctx)
	}
	if !wasTerminal {
		e.finished(res.Execution)
	}
	return res, nil
}

// applyAdvance turns a dispatch decision into execution-row effects.
func (e *Engine) applyAdvance(ctx context.Context, s Storage, def *definition.Definition, ex *store.Execution, adv *AdvanceResult) (*store.Execution, error) {
	switch {
	case adv.Done:
		if err := checkTransition(ex.Status, store.ExecutionStatusCompleted); err != nil {
			return nil, err
		}
		done, err := s.FinishExecution(ctx, ex.ID, ex.Version, store.ExecutionStatusCompleted, adv.FinalOutput, nil)
		if err != nil {
			return nil, err
		}
		e.logger.Info("execution completed", "execution_id", ex.ID, "workflow", ex.WorkflowName)
		return done, nil

	case adv.GroupFailed:
		if err := checkTransition(ex.Status, store.ExecutionStatusFailed); err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("parallel group %q: every task dead-lettered", adv.Group)
		failed, err := s.FinishExecution(ctx, ex.ID, ex.Version, store.ExecutionStatusFailed, nil, &msg)
		if err != nil {
			return nil, err
		}
		e.logger.Error("execution failed", "execution_id", ex.ID, "workflow", ex.WorkflowName, "group", adv.Group)
		return failed, nil

	case len(adv.Created) > 0:
		return s.SetExecutionCurrentStep(ctx, ex.ID, ex.Version, elementLabel(def, adv.Created[0].StepOrder))

	default:
		return ex, nil
	}
}

// TimeOutDueExecutions moves running executions past their deadline to
// TIMED_OUT and cancels their queued tasks. In-flight handlers finish but
// their completions no longer advance. Each execution is handled in its own
// transaction; the count of executions timed out is returned.
func (e *Engine) TimeOutDueExecutions(ctx context.Context, limit int) (int, error) {
	ids, err := e.db.DueTimeouts(ctx, limit)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		var timedOut *store.Execution
		err := e.db.InTx(ctx, func(s Storage) error {
			ex, err := s.GetExecutionForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if ex.Status != store.ExecutionStatusRunning {
				return nil
			}
			msg := "execution deadline exceeded"
			timedOut, err = s.FinishExecution(ctx, ex.ID, ex.Version, store.ExecutionStatusTimedOut, nil, &msg)
			if err != nil {
				return err
			}
			_, err = s.CancelPendingTasks(ctx, ex.ID)
			return err
		})
		if err != nil {
			e.logger.Warn("timeout sweep skipped execution", "execution_id", id, "error", err)
			continue
		}
		if timedOut != nil {
			count++
			e.logger.Info("execution timed out", "execution_id", id, "workflow", timedOut.WorkflowName)
			e.finished(timedOut)
		}
	}
	return count, nil
}

// ReprocessDeadLetter requeues a dead-lettered task as a fresh PENDING copy
// with a clean attempt counter, marking the entry reprocessed exactly once.
// The owning execution stays in its terminal status; the clone runs for its
// side effects and its completion does not advance the workflow.
func (e *Engine) ReprocessDeadLetter(ctx context.Context, id string) (*store.Task, error) {
	var clone *store.Task
	err := e.db.InTx(ctx, func(s Storage) error {
		dl, err := s.MarkDeadLetterReprocessed(ctx, id)
		if err != nil {
			return err
		}
		clone, err = s.CloneTaskForReprocess(ctx, dl.TaskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("dead letter reprocessed", "dead_letter_id", id, "task_id", clone.ID)
	e.notifyTasks(ctx)
	return clone, nil
}

// ReprocessBatch requeues every unreprocessed dead letter matching the
// filter. Entries another operator raced away are skipped.
func (e *Engine) ReprocessBatch(ctx context.Context, f store.DeadLetterFilter) (int, error) {
	f.IncludeReprocessed = false
	dls, err := e.db.ListDeadLetters(ctx, f)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, dl := range dls {
		if _, err := e.ReprocessDeadLetter(ctx, dl.ID); err != nil {
			if errors.Is(err, store.ErrAlreadyReprocessed) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}
