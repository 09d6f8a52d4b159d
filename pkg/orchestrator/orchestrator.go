// Package orchestrator is the kernel's state machine. One interaction moves
// through PLANNING → VALIDATING → EXECUTING → VERIFYING → FINALIZING, looping
// back through the reflector when a pass fails, until DONE.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/executor"
	"github.com/maghams62/auto-mac/pkg/finalizer"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/planner"
	"github.com/maghams62/auto-mac/pkg/reflector"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/trace"
	"github.com/maghams62/auto-mac/pkg/validator"
	"github.com/maghams62/auto-mac/pkg/verifier"
)

// State names one kernel state.
type State string

const (
	StateIdle       State = "IDLE"
	StatePlanning   State = "PLANNING"
	StateValidating State = "VALIDATING"
	StateExecuting  State = "EXECUTING"
	StateVerifying  State = "VERIFYING"
	StateFinalizing State = "FINALIZING"
	StateDone       State = "DONE"
)

// Config tunes the kernel.
type Config struct {
	// ResultWaitTimeout bounds how long a caller waits for the pipeline
	// before giving up on the handoff.
	ResultWaitTimeout time.Duration `json:"result_wait_timeout"`

	// NotifyRepairs surfaces validator auto-repairs to the user-facing
	// event stream.
	NotifyRepairs bool `json:"notify_repairs"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ResultWaitTimeout: 5 * time.Minute,
		NotifyRepairs:     true,
	}
}

// Kernel wires the pipeline components.
type Kernel struct {
	planner   *planner.Planner
	validator *validator.Validator
	executor  *executor.Executor
	verifier  *verifier.Verifier
	reflector *reflector.Reflector
	finalizer *finalizer.Finalizer

	registry *registry.Registry
	sessions *trace.Manager
	bus      *events.Bus
	config   Config
	logger   utils.ExtendedLogger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Deps bundles the kernel's collaborators.
type Deps struct {
	Planner   *planner.Planner
	Validator *validator.Validator
	Executor  *executor.Executor
	Verifier  *verifier.Verifier
	Reflector *reflector.Reflector
	Finalizer *finalizer.Finalizer

	Registry *registry.Registry
	Sessions *trace.Manager
	Bus      *events.Bus
	Logger   utils.ExtendedLogger
}

// New creates the kernel.
func New(deps Deps, config Config) *Kernel {
	if config.ResultWaitTimeout <= 0 {
		config.ResultWaitTimeout = 5 * time.Minute
	}
	return &Kernel{
		planner:   deps.Planner,
		validator: deps.Validator,
		executor:  deps.Executor,
		verifier:  deps.Verifier,
		reflector: deps.Reflector,
		finalizer: deps.Finalizer,
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		bus:       deps.Bus,
		config:    config,
		logger:    deps.Logger,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// HandleRequest runs one interaction to completion and returns its reply.
// The pipeline runs in its own goroutine; the reply crosses back over a
// single-slot channel so a caller that stops waiting never blocks the
// pipeline's completion and finalization.
func (k *Kernel) HandleRequest(ctx context.Context, sessionID, request string) (*plan.Reply, error) {
	interaction, err := k.sessions.BeginInteraction(sessionID, request)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	k.mu.Lock()
	k.cancels[sessionID] = cancel
	k.mu.Unlock()

	slot := make(chan *plan.Reply, 1)
	go func() {
		defer func() {
			cancel()
			k.mu.Lock()
			delete(k.cancels, sessionID)
			k.mu.Unlock()
		}()
		slot <- k.run(runCtx, sessionID, interaction.ID, request)
	}()

	select {
	case reply := <-slot:
		return reply, nil
	case <-ctx.Done():
		// The caller is gone; the pipeline keeps going and finalizes into
		// the session on its own.
		return nil, ctx.Err()
	case <-time.After(k.config.ResultWaitTimeout):
		return nil, fmt.Errorf("interaction %s did not finish within %s", interaction.ID, k.config.ResultWaitTimeout)
	}
}

// Cancel aborts the session's live interaction, if any.
func (k *Kernel) Cancel(sessionID string) bool {
	k.mu.Lock()
	cancel, ok := k.cancels[sessionID]
	k.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// run drives the state machine for one interaction. It always finalizes.
func (k *Kernel) run(ctx context.Context, sessionID, interactionID, request string) *plan.Reply {
	started := time.Now()
	k.bus.Emit(sessionID, interactionID, &events.InteractionStartData{Request: request})

	commitments := trace.DetectCommitments(request)
	k.recordPlanningEntry(sessionID, request, commitments)

	state := StateIdle
	transition := func(to State, reason string) {
		k.bus.Emit(sessionID, interactionID, &events.StateTransitionData{
			From: string(state), To: string(to), Reason: reason,
		})
		state = to
	}

	var (
		currentPlan *plan.Plan
		results     map[int]*plan.StepResult
		feedback    []string
		attempt     int
		repaired    bool
	)

	transition(StatePlanning, "request received")
	k.bus.Emit(sessionID, interactionID, &events.PlanningStartData{Attempt: 1})
	planResult, err := k.plan(ctx, sessionID, request, feedback)
	if err != nil {
		return k.failOut(sessionID, interactionID, started, errorKindFor(err), err)
	}
	currentPlan = planResult.Plan
	commitments = trace.UnionCommitments(commitments, planResult.ProposedCommitments)

	for {
		if ctx.Err() != nil {
			return k.cancelOut(sessionID, interactionID, started, currentPlan, results)
		}

		transition(StateValidating, "plan produced")
		vr := k.validate(sessionID, interactionID, currentPlan, request)
		if !vr.Valid {
			attempt++
			replan, err := k.reflect(ctx, reflector.Input{
				SessionID: sessionID, Request: request, Attempt: attempt,
				Plan: currentPlan, Results: results,
				ValidatorIssues: vr.Reasons(),
			}, sessionID, interactionID, attempt, nil, vr.Reasons())
			if err != nil {
				return k.failOut(sessionID, interactionID, started, errorKindFor(err), err)
			}
			transition(StatePlanning, "plan rejected")
			currentPlan = replan.Plan
			commitments = trace.UnionCommitments(commitments, replan.ProposedCommitments)
			continue
		}
		repaired = repaired || len(vr.Repairs) > 0
		if err := k.sessions.RecordPlan(sessionID, currentPlan); err != nil {
			k.logger.Warnf("failed to record plan: %v", err)
		}
		k.bus.Emit(sessionID, interactionID, &events.PlanReadyData{
			Plan: currentPlan, StepCount: len(currentPlan.Steps), Repaired: repaired,
		})

		transition(StateExecuting, "plan accepted")
		outcome := k.executor.Execute(ctx, sessionID, interactionID, currentPlan, results)
		results = outcome.Results
		if outcome.Cancelled {
			return k.cancelOut(sessionID, interactionID, started, currentPlan, results)
		}

		transition(StateVerifying, "execution finished")
		verdicts := k.verifier.VerifyAll(ctx, sessionID, interactionID, currentPlan, results, commitments)
		failVerdicts := filterFailVerdicts(verdicts)

		if len(outcome.FailedSteps) == 0 && len(failVerdicts) == 0 {
			break
		}

		attempt++
		if len(outcome.FailedSteps) == 0 && allSuggested(failVerdicts) {
			// Every flagged step carries suggested parameters, so the redo is
			// mechanical; no reflection pass is needed.
			if attempt > k.reflector.Budget() {
				k.logger.Warnf("interaction %s exhausted its correction budget", interactionID)
				break
			}
			redone := k.applySuggestions(currentPlan, results, failVerdicts)
			k.bus.Emit(sessionID, interactionID, &events.ReplanStartData{
				Attempt:      attempt,
				Budget:       k.reflector.Budget(),
				Continuation: true,
				FailedSteps:  redone,
				Reasons:      verdictReasons(failVerdicts),
			})
			continue
		}
		replan, err := k.reflect(ctx, reflector.Input{
			SessionID: sessionID, Request: request, Attempt: attempt,
			Plan: currentPlan, Results: results,
			FailVerdicts: failVerdicts,
		}, sessionID, interactionID, attempt, outcome.FailedSteps, nil)
		if err != nil {
			if errors.Is(err, reflector.ErrBudgetExhausted) {
				// Out of retries: finalize with what we have.
				k.logger.Warnf("interaction %s exhausted its correction budget", interactionID)
				break
			}
			return k.failOut(sessionID, interactionID, started, errorKindFor(err), err)
		}
		transition(StatePlanning, "correction cycle")
		currentPlan = k.mergeContinuation(currentPlan, results, replan.Plan)
		commitments = trace.UnionCommitments(commitments, replan.ProposedCommitments)
	}

	transition(StateFinalizing, "verification passed")
	reply, status := k.finalizer.Finalize(finalizer.Input{
		SessionID: sessionID, InteractionID: interactionID,
		Plan: currentPlan, Results: results, Commitments: commitments,
	})
	transition(StateDone, string(status))
	k.bus.Emit(sessionID, interactionID, &events.InteractionEndData{
		Status: status, Duration: time.Since(started),
	})
	return reply
}

func (k *Kernel) plan(ctx context.Context, sessionID, request string, feedback []string) (*planner.Result, error) {
	recent := k.sessions.RecentInteractions(sessionID, 3)
	requests := make([]string, 0, len(recent))
	for _, in := range recent {
		requests = append(requests, in.Request)
	}
	return k.planner.CreatePlan(ctx, planner.Request{
		SessionID:      sessionID,
		Goal:           request,
		Summary:        k.sessions.Summary(sessionID),
		RecentRequests: requests,
		Feedback:       feedback,
	})
}

func (k *Kernel) validate(sessionID, interactionID string, p *plan.Plan, request string) *validator.Result {
	vr := k.validator.ValidateAndRepair(p, request)
	if !vr.Valid {
		k.bus.Emit(sessionID, interactionID, &events.PlanRejectedData{Issues: vr.Reasons()})
		return vr
	}
	if k.config.NotifyRepairs {
		for _, repair := range vr.Repairs {
			k.bus.Emit(sessionID, interactionID, &events.PlanRepairedData{
				StepID: repair.StepID, Kind: repair.Kind, Detail: repair.Detail,
			})
		}
	}
	for _, warning := range vr.Warnings {
		k.logger.Warnf("plan warning: %s", warning)
	}
	return vr
}

func (k *Kernel) reflect(ctx context.Context, in reflector.Input, sessionID, interactionID string, attempt int, failedSteps []int, reasons []string) (*planner.Result, error) {
	k.bus.Emit(sessionID, interactionID, &events.ReplanStartData{
		Attempt:      attempt,
		Budget:       k.reflector.Budget(),
		Continuation: len(failedSteps) > 0,
		FailedSteps:  failedSteps,
		Reasons:      reasons,
	})
	return k.reflector.Reflect(ctx, in)
}

// mergeContinuation splices a continuation plan onto the successful prefix of
// the prior plan. Failed, skipped and superseded steps drop out; their ids
// stay reserved because the continuation starts above the prior maximum.
func (k *Kernel) mergeContinuation(prior *plan.Plan, results map[int]*plan.StepResult, next *plan.Plan) *plan.Plan {
	if next == nil {
		return prior
	}
	minNew := 0
	for _, s := range next.Steps {
		if minNew == 0 || s.ID < minNew {
			minNew = s.ID
		}
	}
	if prior == nil || minNew <= prior.MaxID() {
		// Full replan: the new plan stands alone.
		return next
	}
	merged := &plan.Plan{Goal: prior.Goal}
	for _, step := range prior.Steps {
		if r := results[step.ID]; r != nil && r.Status == plan.StatusSuccess {
			merged.Steps = append(merged.Steps, step)
		}
	}
	merged.Steps = append(merged.Steps, next.Steps...)
	return merged
}

// applySuggestions merges each verdict's suggested parameters into its step
// and clears the results of the redone steps and everything downstream of
// them, so the next execution pass reruns exactly that slice of the plan.
// Returns the redone step ids, ascending.
func (k *Kernel) applySuggestions(p *plan.Plan, results map[int]*plan.StepResult, verdicts []*verifier.StepVerdict) []int {
	redoneSet := make(map[int]bool, len(verdicts))
	for _, v := range verdicts {
		step := p.StepByID(v.StepID)
		if step == nil {
			continue
		}
		step.Parameters = verifier.MergeSuggestions(step.Parameters, v.Suggested)
		redoneSet[v.StepID] = true
		delete(results, v.StepID)
	}
	for _, step := range p.Steps {
		if redoneSet[step.ID] {
			continue
		}
		for dep := range p.DependencyClosure(step.ID) {
			if redoneSet[dep] {
				delete(results, step.ID)
				break
			}
		}
	}
	redone := make([]int, 0, len(redoneSet))
	for id := range redoneSet {
		redone = append(redone, id)
	}
	sort.Ints(redone)
	return redone
}

// allSuggested reports whether every fail verdict carries suggested
// parameters for a redo.
func allSuggested(verdicts []*verifier.StepVerdict) bool {
	if len(verdicts) == 0 {
		return false
	}
	for _, v := range verdicts {
		if len(v.Suggested) == 0 {
			return false
		}
	}
	return true
}

func verdictReasons(verdicts []*verifier.StepVerdict) []string {
	reasons := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		reasons = append(reasons, fmt.Sprintf("step %d: %s", v.StepID, v.Explanation))
	}
	return reasons
}

func (k *Kernel) recordPlanningEntry(sessionID, request string, commitments []trace.CommitmentTag) {
	entryID, err := k.sessions.AddEntry(sessionID, trace.StagePlanning,
		fmt.Sprintf("planning for: %s", request),
		trace.WithCommitments(commitments...))
	if err != nil {
		k.logger.Warnf("failed to record planning entry: %v", err)
		return
	}
	if err := k.sessions.UpdateEntry(sessionID, entryID, trace.OutcomeSuccess); err != nil {
		k.logger.Warnf("failed to resolve planning entry: %v", err)
	}
}

// failOut closes an interaction that cannot proceed.
func (k *Kernel) failOut(sessionID, interactionID string, started time.Time, kind plan.ErrorKind, err error) *plan.Reply {
	k.logger.Errorf("interaction %s failed (%s): %v", interactionID, kind, err)
	k.bus.Emit(sessionID, interactionID, &events.InteractionErrorData{
		ErrorKind: kind, Message: err.Error(),
	})
	reply := &plan.Reply{
		Message: "I could not complete the request.",
		Details: map[string]interface{}{"error_kind": string(kind), "error": err.Error()},
		Status:  plan.InteractionError,
	}
	k.bus.Emit(sessionID, interactionID, &events.ReplyReadyData{Reply: reply})
	if err := k.sessions.FinalizeInteraction(sessionID, plan.InteractionError, reply); err != nil {
		k.logger.Warnf("failed to finalize errored interaction: %v", err)
	}
	k.bus.Emit(sessionID, interactionID, &events.InteractionEndData{
		Status: plan.InteractionError, Duration: time.Since(started),
	})
	return reply
}

// cancelOut closes a cancelled interaction.
func (k *Kernel) cancelOut(sessionID, interactionID string, started time.Time, p *plan.Plan, results map[int]*plan.StepResult) *plan.Reply {
	var completed []int
	for id, r := range results {
		if r != nil && r.Status == plan.StatusSuccess {
			completed = append(completed, id)
		}
	}
	k.bus.Emit(sessionID, interactionID, &events.CancelledData{CompletedSteps: completed})

	reply, status := k.finalizer.Finalize(finalizer.Input{
		SessionID: sessionID, InteractionID: interactionID,
		Plan: p, Results: results, Cancelled: true,
	})
	k.bus.Emit(sessionID, interactionID, &events.InteractionEndData{
		Status: status, Duration: time.Since(started),
	})
	return reply
}

func filterFailVerdicts(verdicts []*verifier.StepVerdict) []*verifier.StepVerdict {
	var fails []*verifier.StepVerdict
	for _, v := range verdicts {
		if v.Verdict == verifier.VerdictFail {
			fails = append(fails, v)
		}
	}
	return fails
}

func errorKindFor(err error) plan.ErrorKind {
	switch {
	case errors.Is(err, planner.ErrUnparseable):
		return plan.ErrPlannerUnparseable
	case errors.Is(err, reflector.ErrBudgetExhausted):
		return plan.ErrUnrecoverable
	case errors.Is(err, context.Canceled):
		return plan.ErrCancelled
	default:
		return plan.ErrUnrecoverable
	}
}
