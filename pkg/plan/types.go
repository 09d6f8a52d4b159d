package plan

import (
	"encoding/json"
	"fmt"
)

// Step represents one tool invocation inside a plan.
type Step struct {
	ID           int                    `json:"id"`
	Action       string                 `json:"action"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Dependencies []int                  `json:"dependencies,omitempty"`

	// Reasoning is the planner's free-text justification. The kernel records
	// it in the reasoning trace but never interprets it.
	Reasoning string `json:"reasoning,omitempty"`

	// ExpectedOutput describes what this step should produce; it is fed to
	// the step verifier after execution.
	ExpectedOutput string `json:"expected_output,omitempty"`
}

// Plan is an ordered sequence of steps plus the declared top-level goal.
type Plan struct {
	Goal  string  `json:"goal"`
	Steps []*Step `json:"steps"`
}

// StepByID returns the step with the given id, or nil.
func (p *Plan) StepByID(id int) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// MaxID returns the largest step id in the plan (0 for an empty plan).
func (p *Plan) MaxID() int {
	max := 0
	for _, s := range p.Steps {
		if s.ID > max {
			max = s.ID
		}
	}
	return max
}

// DependencyClosure returns the set of step ids that must complete before the
// step with the given id may run (transitive dependencies, excluding the step
// itself). Unknown ids in dependency lists are included as-is so the validator
// can report them.
func (p *Plan) DependencyClosure(id int) map[int]bool {
	closure := make(map[int]bool)
	var visit func(int)
	visit = func(stepID int) {
		step := p.StepByID(stepID)
		if step == nil {
			return
		}
		for _, dep := range step.Dependencies {
			if closure[dep] {
				continue
			}
			closure[dep] = true
			visit(dep)
		}
	}
	visit(id)
	return closure
}

// Clone returns a deep copy of the plan. The executor and validator mutate
// plans in place, so callers that need the original must copy first.
func (p *Plan) Clone() *Plan {
	data, err := json.Marshal(p)
	if err != nil {
		// Plans are built from JSON-decoded values, so this cannot fail in
		// practice; return an empty plan rather than panic.
		return &Plan{Goal: p.Goal}
	}
	clone := &Plan{}
	if err := json.Unmarshal(data, clone); err != nil {
		return &Plan{Goal: p.Goal}
	}
	return clone
}

// Parse decodes a plan from JSON and checks the top-level shape. Structural
// validation beyond shape (unique ids, acyclicity, terminal step) belongs to
// the validator.
func Parse(data []byte) (*Plan, error) {
	p := &Plan{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	for i, s := range p.Steps {
		if s == nil {
			return nil, fmt.Errorf("step %d is null", i)
		}
		if s.ID <= 0 {
			return nil, fmt.Errorf("step %d has non-positive id %d", i, s.ID)
		}
		if s.Action == "" {
			return nil, fmt.Errorf("step %d has no action", s.ID)
		}
	}
	return p, nil
}
