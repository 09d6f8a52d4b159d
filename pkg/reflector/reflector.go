// Package reflector drives correction cycles. After a failed or rejected
// execution pass it decides between a continuation plan that builds on
// completed work and a full replan, assembles failure feedback, and enforces
// the retry budget.
package reflector

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/planner"
	"github.com/maghams62/auto-mac/pkg/trace"
	"github.com/maghams62/auto-mac/pkg/verifier"
)

// ErrBudgetExhausted is returned when the interaction has used all its
// correction attempts. Maps to the unrecoverable error kind.
var ErrBudgetExhausted = errors.New("correction budget exhausted")

// Config tunes the reflector.
type Config struct {
	// RetryBudget is how many correction cycles one interaction may use.
	RetryBudget int `json:"retry_budget"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{RetryBudget: 2}
}

// Reflector builds correction plans.
type Reflector struct {
	planner  *planner.Planner
	sessions *trace.Manager
	config   Config
	logger   utils.ExtendedLogger
}

// New creates a reflector.
func New(p *planner.Planner, sessions *trace.Manager, config Config, logger utils.ExtendedLogger) *Reflector {
	if config.RetryBudget <= 0 {
		config.RetryBudget = 2
	}
	return &Reflector{planner: p, sessions: sessions, config: config, logger: logger}
}

// Budget returns the configured retry budget.
func (r *Reflector) Budget() int {
	return r.config.RetryBudget
}

// Input carries everything one correction cycle needs.
type Input struct {
	SessionID string
	Request   string

	// Attempt is 1 for the first correction cycle.
	Attempt int

	Plan    *plan.Plan
	Results map[int]*plan.StepResult

	// FailVerdicts are the verifier's fail verdicts for steps that nominally
	// succeeded.
	FailVerdicts []*verifier.StepVerdict

	// ValidatorIssues are set when the plan never executed because
	// validation rejected it.
	ValidatorIssues []string
}

// Reflect produces a corrected plan, or ErrBudgetExhausted when the attempt
// exceeds the budget.
func (r *Reflector) Reflect(ctx context.Context, in Input) (*planner.Result, error) {
	if in.Attempt > r.config.RetryBudget {
		return nil, fmt.Errorf("%w: attempt %d of %d", ErrBudgetExhausted, in.Attempt, r.config.RetryBudget)
	}

	feedback := r.buildFeedback(in)
	r.recordCorrections(in.SessionID, feedback)

	continuation := r.hasSalvageableResults(in)
	req := planner.Request{
		SessionID: in.SessionID,
		Goal:      in.Request,
		Summary:   r.sessions.Summary(in.SessionID),
		Feedback:  feedback,
	}
	if continuation {
		req.Continuation = true
		req.MinStepID = in.Plan.MaxID() + 1
		req.PriorPlan = in.Plan
		req.Results = in.Results
	}

	result, err := r.planner.CreatePlan(ctx, req)
	if err != nil {
		return nil, err
	}
	if continuation {
		if err := checkContinuationIDs(result.Plan, in.Plan.MaxID()); err != nil {
			return nil, err
		}
	}
	r.logger.Infof("correction attempt %d produced a %s with %d step(s)",
		in.Attempt, planKind(continuation), len(result.Plan.Steps))
	return result, nil
}

func planKind(continuation bool) string {
	if continuation {
		return "continuation plan"
	}
	return "full replan"
}

// hasSalvageableResults reports whether any step succeeded, which makes a
// continuation cheaper than redoing everything.
func (r *Reflector) hasSalvageableResults(in Input) bool {
	if in.Plan == nil || len(in.ValidatorIssues) > 0 {
		// A rejected plan never ran; there is nothing to continue from.
		return false
	}
	for _, result := range in.Results {
		if result != nil && result.Status == plan.StatusSuccess {
			return true
		}
	}
	return false
}

// buildFeedback renders the failure evidence the next plan must address.
func (r *Reflector) buildFeedback(in Input) []string {
	var feedback []string
	feedback = append(feedback, in.ValidatorIssues...)

	var failedIDs []int
	for id, result := range in.Results {
		if result != nil && result.Status == plan.StatusError {
			failedIDs = append(failedIDs, id)
		}
	}
	sort.Ints(failedIDs)
	for _, id := range failedIDs {
		result := in.Results[id]
		step := in.Plan.StepByID(id)
		action := "unknown"
		if step != nil {
			action = step.Action
		}
		feedback = append(feedback, fmt.Sprintf("step %d (%s) failed with %s: %s",
			id, action, result.ErrorKind, result.ErrorMessage))
	}

	for _, verdict := range in.FailVerdicts {
		msg := fmt.Sprintf("step %d was judged insufficient: %s", verdict.StepID, verdict.Explanation)
		if len(verdict.Suggested) > 0 {
			msg += fmt.Sprintf(" (suggested parameter additions: %v)", verdict.Suggested)
		}
		feedback = append(feedback, msg)
	}
	return feedback
}

// recordCorrections writes the correction evidence into the reasoning trace
// so later planning passes see it.
func (r *Reflector) recordCorrections(sessionID string, feedback []string) {
	if len(feedback) == 0 {
		return
	}
	entryID, err := r.sessions.AddEntry(sessionID, trace.StageCorrection,
		fmt.Sprintf("replanning around %d problem(s)", len(feedback)),
		trace.WithCorrections(feedback...))
	if err != nil {
		r.logger.Warnf("failed to record correction entry: %v", err)
		return
	}
	if err := r.sessions.UpdateEntry(sessionID, entryID, trace.OutcomeSuccess); err != nil {
		r.logger.Warnf("failed to resolve correction entry: %v", err)
	}
}

// checkContinuationIDs rejects continuation plans that renumber completed
// steps; their results are referenced by id.
func checkContinuationIDs(p *plan.Plan, priorMax int) error {
	for _, step := range p.Steps {
		if step.ID <= priorMax {
			return fmt.Errorf("continuation plan reuses step id %d (prior plan ends at %d)", step.ID, priorMax)
		}
	}
	return nil
}
