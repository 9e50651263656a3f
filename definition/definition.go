// Package definition models workflow definitions: ordered lists of sequential
// steps, parallel blocks, and branch blocks, identified by (name, version).
// Definitions are immutable once registered; the engine snapshots name and
// version onto each execution.
package definition

import (
	"fmt"
	"time"

	"github.com/c360studio/semflow/retry"
)

// ElementKind discriminates the element union.
type ElementKind string

const (
	// KindStep is a single sequential step.
	KindStep ElementKind = "STEP"
	// KindParallel is a fan-out block of sibling steps.
	KindParallel ElementKind = "PARALLEL"
	// KindBranch is a conditional block routed by the previous output.
	KindBranch ElementKind = "BRANCH"
)

// OtherwiseKey is the branch key recorded on tasks routed through a branch
// block's fallback arm.
const OtherwiseKey = "otherwise"

// Step is a single unit of work executed by a registered handler.
type Step struct {
	// Name uniquely identifies the step within its workflow.
	Name string

	// Handler references the handler registered on the worker side.
	Handler string

	// Retry overrides the engine retry defaults. Zero fields fall back to
	// the configured defaults at dispatch time.
	Retry retry.Policy

	// Timeout bounds a single handler invocation. Zero means no limit.
	Timeout time.Duration

	// Priority orders task acquisition; higher runs first.
	Priority int
}

// NewStep returns a step with the given name and handler reference.
func NewStep(name, handler string) Step {
	return Step{Name: name, Handler: handler}
}

// ParallelBlock fans out its steps as sibling tasks and holds the following
// element until every sibling reaches a terminal status.
type ParallelBlock struct {
	// Name identifies the block and becomes the parallel group key on tasks.
	Name string

	// Steps are the sibling steps created together.
	Steps []Step
}

// BranchBlock routes to exactly one arm based on the previous output.
type BranchBlock struct {
	// Name identifies the block and becomes the parallel group key on tasks.
	Name string

	// Branches maps a condition value to the steps run when it matches.
	Branches map[string][]Step

	// Otherwise runs when no branch key matches. Optional unless the block
	// is the first element of the workflow.
	Otherwise []Step
}

// Arm returns the step list for a branch key, including OtherwiseKey.
func (b *BranchBlock) Arm(key string) []Step {
	if key == OtherwiseKey {
		return b.Otherwise
	}
	return b.Branches[key]
}

// Element is one entry in a workflow's ordered element list. Exactly one of
// Step, Parallel, or Branch is set, matching Kind.
type Element struct {
	Kind     ElementKind
	Step     *Step
	Parallel *ParallelBlock
	Branch   *BranchBlock
}

// Name returns the element's name regardless of kind.
func (e Element) Name() string {
	switch e.Kind {
	case KindStep:
		if e.Step != nil {
			return e.Step.Name
		}
	case KindParallel:
		if e.Parallel != nil {
			return e.Parallel.Name
		}
	case KindBranch:
		if e.Branch != nil {
			return e.Branch.Name
		}
	}
	return ""
}

// StepElement wraps a step as an element.
func StepElement(s Step) Element {
	step := s
	return Element{Kind: KindStep, Step: &step}
}

// ParallelElement builds a parallel block element.
func ParallelElement(name string, steps ...Step) Element {
	return Element{Kind: KindParallel, Parallel: &ParallelBlock{Name: name, Steps: steps}}
}

// BranchElement builds a branch block element. Pass nil otherwise for no
// fallback arm.
func BranchElement(name string, branches map[string][]Step, otherwise []Step) Element {
	return Element{Kind: KindBranch, Branch: &BranchBlock{Name: name, Branches: branches, Otherwise: otherwise}}
}

// Definition is an immutable workflow: an ordered list of elements executed
// from first to last.
type Definition struct {
	// Name identifies the workflow.
	Name string

	// Version distinguishes revisions of the same name. Must be at least 1.
	Version int

	// Description is free-form documentation stored with the audit record.
	Description string

	// Elements is the ordered execution plan.
	Elements []Element
}

// New builds a definition from elements in execution order.
func New(name string, version int, elements ...Element) *Definition {
	return &Definition{Name: name, Version: version, Elements: elements}
}

// ValidationError reports an invalid definition field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the structural invariants: version at least 1, at least one
// element, non-empty blocks, step and block names unique across the whole
// workflow, and a fallback arm when a branch block opens the workflow.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if d.Version < 1 {
		return &ValidationError{Field: "version", Message: "version must be at least 1"}
	}
	if len(d.Elements) == 0 {
		return &ValidationError{Field: "elements", Message: "workflow needs at least one element"}
	}

	seen := make(map[string]struct{})
	claim := func(field, name string) error {
		if name == "" {
			return &ValidationError{Field: field, Message: "name is required"}
		}
		if _, dup := seen[name]; dup {
			return &ValidationError{Field: field, Message: fmt.Sprintf("duplicate name %q", name)}
		}
		seen[name] = struct{}{}
		return nil
	}

	for i, el := range d.Elements {
		field := fmt.Sprintf("elements[%d]", i)
		switch el.Kind {
		case KindStep:
			if el.Step == nil || el.Parallel != nil || el.Branch != nil {
				return &ValidationError{Field: field, Message: "step element must set exactly the step arm"}
			}
			if err := validateStep(field, el.Step); err != nil {
				return err
			}
			if err := claim(field+".name", el.Step.Name); err != nil {
				return err
			}

		case KindParallel:
			if el.Parallel == nil || el.Step != nil || el.Branch != nil {
				return &ValidationError{Field: field, Message: "parallel element must set exactly the parallel arm"}
			}
			if err := claim(field+".name", el.Parallel.Name); err != nil {
				return err
			}
			if len(el.Parallel.Steps) == 0 {
				return &ValidationError{Field: field, Message: "parallel block needs at least one step"}
			}
			for j := range el.Parallel.Steps {
				s := &el.Parallel.Steps[j]
				sf := fmt.Sprintf("%s.steps[%d]", field, j)
				if err := validateStep(sf, s); err != nil {
					return err
				}
				if err := claim(sf+".name", s.Name); err != nil {
					return err
				}
			}

		case KindBranch:
			if el.Branch == nil || el.Step != nil || el.Parallel != nil {
				return &ValidationError{Field: field, Message: "branch element must set exactly the branch arm"}
			}
			if err := claim(field+".name", el.Branch.Name); err != nil {
				return err
			}
			if len(el.Branch.Branches) == 0 {
				return &ValidationError{Field: field, Message: "branch block needs at least one branch"}
			}
			if _, reserved := el.Branch.Branches[OtherwiseKey]; reserved {
				return &ValidationError{Field: field, Message: `"otherwise" is reserved; use the Otherwise arm`}
			}
			for key, steps := range el.Branch.Branches {
				bf := fmt.Sprintf("%s.branches[%s]", field, key)
				if key == "" {
					return &ValidationError{Field: bf, Message: "branch key is required"}
				}
				if len(steps) == 0 {
					return &ValidationError{Field: bf, Message: "branch arm needs at least one step"}
				}
				for j := range steps {
					s := &steps[j]
					sf := fmt.Sprintf("%s[%d]", bf, j)
					if err := validateStep(sf, s); err != nil {
						return err
					}
					if err := claim(sf+".name", s.Name); err != nil {
						return err
					}
				}
			}
			for j := range el.Branch.Otherwise {
				s := &el.Branch.Otherwise[j]
				sf := fmt.Sprintf("%s.otherwise[%d]", field, j)
				if err := validateStep(sf, s); err != nil {
					return err
				}
				if err := claim(sf+".name", s.Name); err != nil {
					return err
				}
			}
			if i == 0 && len(el.Branch.Otherwise) == 0 {
				return &ValidationError{Field: field, Message: "branch block as first element requires an otherwise arm"}
			}

		default:
			return &ValidationError{Field: field, Message: fmt.Sprintf("unknown element kind %q", el.Kind)}
		}
	}

	return nil
}

func validateStep(field string, s *Step) error {
	if s.Handler == "" {
		return &ValidationError{Field: field + ".handler", Message: "handler is required"}
	}
	if s.Timeout < 0 {
		return &ValidationError{Field: field + ".timeout", Message: "timeout cannot be negative"}
	}
	if s.Retry.MaxAttempts < 0 {
		return &ValidationError{Field: field + ".retry", Message: "max attempts cannot be negative"}
	}
	if s.Retry.Strategy != "" && !s.Retry.Strategy.Valid() {
		return &ValidationError{Field: field + ".retry", Message: fmt.Sprintf("unknown backoff strategy %q", s.Retry.Strategy)}
	}
	if s.Retry.BaseDelay < 0 || s.Retry.MaxDelay < 0 {
		return &ValidationError{Field: field + ".retry", Message: "delays cannot be negative"}
	}
	return nil
}

// ElementAt returns the element at the given index.
func (d *Definition) ElementAt(idx int) (Element, bool) {
	if idx < 0 || idx >= len(d.Elements) {
		return Element{}, false
	}
	return d.Elements[idx], true
}

// FindStep locates a step by name, searching top-level steps, parallel
// siblings, and branch arms. It returns the owning element index.
func (d *Definition) FindStep(name string) (int, *Step, bool) {
	for i, el := range d.Elements {
		switch el.Kind {
		case KindStep:
			if el.Step.Name == name {
				return i, el.Step, true
			}
		case KindParallel:
			for j := range el.Parallel.Steps {
				if el.Parallel.Steps[j].Name == name {
					return i, &el.Parallel.Steps[j], true
				}
			}
		case KindBranch:
			for _, steps := range el.Branch.Branches {
				for j := range steps {
					if steps[j].Name == name {
						return i, &steps[j], true
					}
				}
			}
			for j := range el.Branch.Otherwise {
				if el.Branch.Otherwise[j].Name == name {
					return i, &el.Branch.Otherwise[j], true
				}
			}
		}
	}
	return 0, nil, false
}
