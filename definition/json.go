package definition

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semflow/retry"
)

// The wire form keeps durations as millisecond integers so the audit rows in
// the workflows table stay readable and language-neutral.

type jsonDefinition struct {
	Name        string        `json:"name"`
	Version     int           `json:"version"`
	Description string        `json:"description,omitempty"`
	Elements    []jsonElement `json:"elements"`
}

type jsonElement struct {
	Kind     ElementKind   `json:"kind"`
	Step     *jsonStep     `json:"step,omitempty"`
	Parallel *jsonParallel `json:"parallel,omitempty"`
	Branch   *jsonBranch   `json:"branch,omitempty"`
}

type jsonStep struct {
	Name            string  `json:"name"`
	Handler         string  `json:"handler"`
	MaxAttempts     int     `json:"max_attempts,omitempty"`
	BackoffStrategy string  `json:"backoff_strategy,omitempty"`
	BaseDelayMs     int64   `json:"base_delay_ms,omitempty"`
	MaxDelayMs      int64   `json:"max_delay_ms,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"`
	Jitter          bool    `json:"jitter,omitempty"`
	TimeoutMs       int64   `json:"timeout_ms,omitempty"`
	Priority        int     `json:"priority,omitempty"`
}

type jsonParallel struct {
	Name  string     `json:"name"`
	Steps []jsonStep `json:"steps"`
}

type jsonBranch struct {
	Name      string                `json:"name"`
	Branches  map[string][]jsonStep `json:"branches"`
	Otherwise []jsonStep            `json:"otherwise,omitempty"`
}

// MarshalJSON serializes the definition for the audit side table.
func (d *Definition) MarshalJSON() ([]byte, error) {
	out := jsonDefinition{
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		Elements:    make([]jsonElement, 0, len(d.Elements)),
	}
	for i, el := range d.Elements {
		je := jsonElement{Kind: el.Kind}
		switch el.Kind {
		case KindStep:
			s := encodeStep(*el.Step)
			je.Step = &s
		case KindParallel:
			je.Parallel = &jsonParallel{
				Name:  el.Parallel.Name,
				Steps: encodeSteps(el.Parallel.Steps),
			}
		case KindBranch:
			branches := make(map[string][]jsonStep, len(el.Branch.Branches))
			for key, steps := range el.Branch.Branches {
				branches[key] = encodeSteps(steps)
			}
			je.Branch = &jsonBranch{
				Name:      el.Branch.Name,
				Branches:  branches,
				Otherwise: encodeSteps(el.Branch.Otherwise),
			}
		default:
			return nil, fmt.Errorf("element %d: unknown kind %q", i, el.Kind)
		}
		out.Elements = append(out.Elements, je)
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses a definition previously written by MarshalJSON.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var in jsonDefinition
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	def := Definition{
		Name:        in.Name,
		Version:     in.Version,
		Description: in.Description,
		Elements:    make([]Element, 0, len(in.Elements)),
	}
	for i, je := range in.Elements {
		el := Element{Kind: je.Kind}
		switch je.Kind {
		case KindStep:
			if je.Step == nil {
				return fmt.Errorf("element %d: missing step body", i)
			}
			s := decodeStep(*je.Step)
			el.Step = &s
		case KindParallel:
			if je.Parallel == nil {
				return fmt.Errorf("element %d: missing parallel body", i)
			}
			el.Parallel = &ParallelBlock{
				Name:  je.Parallel.Name,
				Steps: decodeSteps(je.Parallel.Steps),
			}
		case KindBranch:
			if je.Branch == nil {
				return fmt.Errorf("element %d: missing branch body", i)
			}
			branches := make(map[string][]Step, len(je.Branch.Branches))
			for key, steps := range je.Branch.Branches {
				branches[key] = decodeSteps(steps)
			}
			el.Branch = &BranchBlock{
				Name:      je.Branch.Name,
				Branches:  branches,
				Otherwise: decodeSteps(je.Branch.Otherwise),
			}
		default:
			return fmt.Errorf("element %d: unknown kind %q", i, je.Kind)
		}
		def.Elements = append(def.Elements, el)
	}

	*d = def
	return nil
}

func encodeStep(s Step) jsonStep {
	return jsonStep{
		Name:            s.Name,
		Handler:         s.Handler,
		MaxAttempts:     s.Retry.MaxAttempts,
		BackoffStrategy: string(s.Retry.Strategy),
		BaseDelayMs:     s.Retry.BaseDelay.Milliseconds(),
		MaxDelayMs:      s.Retry.MaxDelay.Milliseconds(),
		Multiplier:      s.Retry.Multiplier,
		Jitter:          s.Retry.Jitter,
		TimeoutMs:       s.Timeout.Milliseconds(),
		Priority:        s.Priority,
	}
}

func encodeSteps(steps []Step) []jsonStep {
	if len(steps) == 0 {
		return nil
	}
	out := make([]jsonStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, encodeStep(s))
	}
	return out
}

func decodeStep(s jsonStep) Step {
	return Step{
		Name:    s.Name,
		Handler: s.Handler,
		Retry: retry.Policy{
			MaxAttempts: s.MaxAttempts,
			Strategy:    retry.Strategy(s.BackoffStrategy),
			BaseDelay:   time.Duration(s.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(s.MaxDelayMs) * time.Millisecond,
			Multiplier:  s.Multiplier,
			Jitter:      s.Jitter,
		},
		Timeout:  time.Duration(s.TimeoutMs) * time.Millisecond,
		Priority: s.Priority,
	}
}

func decodeSteps(steps []jsonStep) []Step {
	if len(steps) == 0 {
		return nil
	}
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		out = append(out, decodeStep(s))
	}
	return out
}
