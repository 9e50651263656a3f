package engine

import (
	"context"
	"fmt"

	"github.com/c360studio/semflow/definition"
	"github.com/c360studio/semflow/retry"
	"github.com/c360studio/semflow/store"
)

// Dispatcher translates workflow elements into task rows and decides what
// follows a finished task: the next step of a branch arm, the element after
// the block, the end of the workflow, or nothing because parallel siblings
// are still out.
type Dispatcher struct {
	defaults retry.Policy
}

// NewDispatcher builds a dispatcher with the given retry defaults for steps
// that leave policy fields unset.
func NewDispatcher(defaults retry.Policy) *Dispatcher {
	return &Dispatcher{defaults: defaults.Normalize(retry.DefaultPolicy())}
}

// AdvanceResult is the outcome of one advancement decision.
type AdvanceResult struct {
	// Created holds tasks dispatched by this advancement.
	Created []*store.Task

	// Waiting is true while parallel siblings are unfinished: nothing was
	// dispatched and the post-block element must not start yet.
	Waiting bool

	// Done is true when the finished task was the workflow's last element;
	// FinalOutput carries what becomes the execution output.
	Done        bool
	FinalOutput store.JSONMap

	// GroupFailed is true when fan-in found every sibling dead-lettered, so
	// there is no output to carry forward and the execution must fail.
	GroupFailed bool

	// Group names the parallel group examined, when any.
	Group string
}

// FirstTasks dispatches the workflow's first element against the execution
// input.
func (d *Dispatcher) FirstTasks(ctx context.Context, s Storage, def *definition.Definition, ex *store.Execution) ([]*store.Task, error) {
	return d.dispatchElement(ctx, s, def, 0, ex, ex.Input)
}

// Advance decides and performs what follows a finished task. For parallel
// tasks the caller must hold the execution row lock: fan-in is only correct
// when concluding siblings serialize on it.
func (d *Dispatcher) Advance(ctx context.Context, s Storage, def *definition.Definition, ex *store.Execution, task *store.Task) (*AdvanceResult, error) {
	switch task.StepType {
	case store.StepTypeSequential:
		return d.next(ctx, s, def, ex, task.StepOrder+1, task.Output)

	case store.StepTypeBranch:
		return d.advanceBranch(ctx, s, def, ex, task)

	case store.StepTypeParallel:
		return d.advanceParallel(ctx, s, def, ex, task)

	default:
		return nil, fmt.Errorf("task %s: unknown step type %q", task.ID, task.StepType)
	}
}

// advanceBranch walks the selected arm step by step, then falls through to
// the element after the block.
func (d *Dispatcher) advanceBranch(ctx context.Context, s Storage, def *definition.Definition, ex *store.Execution, task *store.Task) (*AdvanceResult, error) {
	elem, ok := def.ElementAt(task.StepOrder)
	if !ok || elem.Kind != definition.KindBranch {
		return nil, fmt.Errorf("task %s: element %d of %s is not a branch block", task.ID, task.StepOrder, def.Name)
	}
	if task.BranchKey == nil {
		return nil, fmt.Errorf("task %s: branch task without branch key", task.ID)
	}
	arm := elem.Branch.Arm(*task.BranchKey)
	if arm == nil {
		return nil, fmt.Errorf("task %s: branch %s has no arm %q", task.ID, elem.Branch.Name, *task.BranchKey)
	}

	for i := range arm {
		if arm[i].Name != task.StepName {
			continue
		}
		if i+1 == len(arm) {
			return d.next(ctx, s, def, ex, task.StepOrder+1, task.Output)
		}
		group := elem.Branch.Name
		next := d.buildTask(ex, &arm[i+1], task.StepOrder, store.StepTypeBranch, &group, task.BranchKey, task.Output)
		if err := s.CreateTasks(ctx, []*store.Task{next}); err != nil {
			return nil, err
		}
		return &AdvanceResult{Created: []*store.Task{next}}, nil
	}
	return nil, fmt.Errorf("task %s: step %s not found in branch %s arm %q", task.ID, task.StepName, elem.Branch.Name, *task.BranchKey)
}

// advanceParallel performs the fan-in check. The post-block element starts
// only after every sibling reached a terminal status, with outputs merged
// from successful siblings keyed by step name.
func (d *Dispatcher) advanceParallel(ctx context.Context, s Storage, def *definition.Definition, ex *store.Execution, task *store.Task) (*AdvanceResult, error) {
	if task.ParallelGroup == nil {
		return nil, fmt.Errorf("task %s: parallel task without group", task.ID)
	}
	group := *task.ParallelGroup

	siblings, err := s.GroupTasks(ctx, ex.ID, group)
	if err != nil {
		return nil, err
	}

	completed := 0
	merged := store.JSONMap{}
	for _, sib := range siblings {
		switch sib.Status {
		case store.TaskStatusCompleted:
			completed++
			merged[sib.StepName] = map[string]any(sib.Output)
		case store.TaskStatusDeadLetter:
			// Partial results: dead-lettered siblings contribute nothing.
		default:
			return &AdvanceResult{Waiting: true, Group: group}, nil
		}
	}
	if completed == 0 {
		return &AdvanceResult{GroupFailed: true, Group: group}, nil
	}
	return d.next(ctx, s, def, ex, task.StepOrder+1, merged)
}

// next dispatches the element at idx, or reports the workflow done when the
// plan is exhausted.
func (d *Dispatcher) next(ctx context.Context, s Storage, def *definition.Definition, ex *store.Execution, idx int, input store.JSONMap) (*AdvanceResult, error) {
	if idx >= len(def.Elements) {
		return &AdvanceResult{Done: true, FinalOutput: input}, nil
	}
	created, err := d.dispatchElement(ctx, s, def, idx, ex, input)
	if err != nil {
		return nil, err
	}
	return &AdvanceResult{Created: created}, nil
}

func (d *Dispatcher) dispatchElement(ctx context.Context, s Storage, def *definition.Definition, idx int, ex *store.Execution, input store.JSONMap) ([]*store.Task, error) {
	elem, ok := def.ElementAt(idx)
	if !ok {
		return nil, fmt.Errorf("workflow %s has no element %d", def.Name, idx)
	}

	var tasks []*store.Task
	switch elem.Kind {
	case definition.KindStep:
		tasks = []*store.Task{d.buildTask(ex, elem.Step, idx, store.StepTypeSequential, nil, nil, input)}

	case definition.KindParallel:
		group := elem.Parallel.Name
		tasks = make([]*store.Task, 0, len(elem.Parallel.Steps))
		for i := range elem.Parallel.Steps {
			tasks = append(tasks, d.buildTask(ex, &elem.Parallel.Steps[i], idx, store.StepTypeParallel, &group, nil, input))
		}

	case definition.KindBranch:
		key, err := evalBranch(elem.Branch, input)
		if err != nil {
			return nil, err
		}
		arm := elem.Branch.Arm(key)
		group := elem.Branch.Name
		tasks = []*store.Task{d.buildTask(ex, &arm[0], idx, store.StepTypeBranch, &group, &key, input)}

	default:
		return nil, fmt.Errorf("workflow %s element %d: unknown kind %q", def.Name, idx, elem.Kind)
	}

	if err := s.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (d *Dispatcher) buildTask(ex *store.Execution, step *definition.Step, order int, st store.StepType, group, branchKey *string, input store.JSONMap) *store.Task {
	pol := step.Retry.Normalize(d.defaults)
	task := &store.Task{
		ExecutionID:     ex.ID,
		StepName:        step.Name,
		StepType:        st,
		StepOrder:       order,
		Status:          store.TaskStatusPending,
		Input:           input,
		MaxAttempts:     pol.MaxAttempts,
		BackoffStrategy: pol.Strategy,
		BackoffBaseMs:   pol.BaseDelay.Milliseconds(),
		ParallelGroup:   group,
		BranchKey:       branchKey,
		Priority:        step.Priority,
	}
	if step.Timeout > 0 {
		task.Metadata = store.JSONMap{store.MetaHandlerTimeoutMs: step.Timeout.Milliseconds()}
	}
	return task
}

// evalBranch picks the arm for a branch block. The routing value is read from
// the input under "result", then "branch"; a missing value or an unmatched
// key falls to the otherwise arm when one exists and is otherwise a fatal
// dispatch error.
func evalBranch(block *definition.BranchBlock, input store.JSONMap) (string, error) {
	raw, ok := input["result"]
	if !ok {
		raw, ok = input["branch"]
	}
	if !ok {
		if len(block.Otherwise) > 0 {
			return definition.OtherwiseKey, nil
		}
		return "", fmt.Errorf("branch %s: input carries neither \"result\" nor \"branch\" and the block has no otherwise arm", block.Name)
	}

	key := fmt.Sprintf("%v", raw)
	if _, matched := block.Branches[key]; matched {
		return key, nil
	}
	if len(block.Otherwise) > 0 {
		return definition.OtherwiseKey, nil
	}
	return "", fmt.Errorf("branch %s: no arm matches %q and the block has no otherwise arm", block.Name, key)
}
