// Package executor runs validated plans. Steps execute in dependency
// generations, with bounded parallelism inside each generation; every
// outcome is published exactly once as a StepResult.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/resolver"
	"github.com/maghams62/auto-mac/pkg/trace"
	"github.com/maghams62/auto-mac/pkg/verifier"
)

// Config tunes the executor.
type Config struct {
	// MaxParallel bounds concurrent steps within a generation.
	MaxParallel int `json:"max_parallel"`

	// DefaultStepTimeout applies when a tool declares no timeout.
	DefaultStepTimeout time.Duration `json:"default_step_timeout"`

	// TimeoutRetries is how many times a timed-out step is retried before
	// its failure stands.
	TimeoutRetries int `json:"timeout_retries"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel:        4,
		DefaultStepTimeout: 120 * time.Second,
		TimeoutRetries:     1,
	}
}

// Executor runs plans against the tool registry.
type Executor struct {
	registry *registry.Registry
	sessions *trace.Manager
	bus      *events.Bus
	config   Config
	logger   utils.ExtendedLogger
}

// New creates an executor.
func New(reg *registry.Registry, sessions *trace.Manager, bus *events.Bus, config Config, logger utils.ExtendedLogger) *Executor {
	if config.MaxParallel <= 0 {
		config.MaxParallel = 4
	}
	if config.DefaultStepTimeout <= 0 {
		config.DefaultStepTimeout = 120 * time.Second
	}
	return &Executor{
		registry: reg,
		sessions: sessions,
		bus:      bus,
		config:   config,
		logger:   logger,
	}
}

// Outcome summarizes one execution pass.
type Outcome struct {
	Results map[int]*plan.StepResult

	// FailedSteps are ids that ended in error, ascending.
	FailedSteps []int

	// Cancelled is set when the context was cancelled mid-run.
	Cancelled bool
}

// AllSucceeded reports whether every step finished successfully.
func (o *Outcome) AllSucceeded() bool {
	return !o.Cancelled && len(o.FailedSteps) == 0
}

// Execute runs the plan. prior carries results from an earlier pass
// (continuation plans); steps with a successful prior result are not rerun.
func (e *Executor) Execute(ctx context.Context, sessionID, interactionID string, p *plan.Plan, prior map[int]*plan.StepResult) *Outcome {
	results := make(map[int]*plan.StepResult, len(p.Steps))
	for id, r := range prior {
		if r != nil && r.Status == plan.StatusSuccess {
			results[id] = r
		}
	}

	var mu sync.Mutex
	generation := 0
	for {
		if err := ctx.Err(); err != nil {
			e.markCancelled(sessionID, interactionID, p, results)
			return e.outcome(results, true)
		}

		ready := e.readySteps(p, results)
		if len(ready) == 0 {
			break
		}
		generation++

		sem := make(chan struct{}, e.config.MaxParallel)
		var wg sync.WaitGroup
		for _, step := range ready {
			wg.Add(1)
			sem <- struct{}{}
			go func(step *plan.Step) {
				defer wg.Done()
				defer func() { <-sem }()
				// runStep records its own trace entries so the pending entry
				// exists before the tool is invoked.
				result := e.runStep(ctx, sessionID, interactionID, step, generation, results, &mu)
				mu.Lock()
				results[step.ID] = result
				mu.Unlock()
			}(step)
		}
		wg.Wait()
	}

	// Anything never reached sits downstream of a failure.
	for _, step := range p.Steps {
		if _, done := results[step.ID]; done {
			continue
		}
		failed := e.failedUpstream(step, results)
		result := plan.Skipped(fmt.Sprintf("dependency %d did not succeed", failed))
		results[step.ID] = result
		e.bus.Emit(sessionID, interactionID, &events.StepSkippedData{
			StepID:         step.ID,
			Action:         step.Action,
			FailedUpstream: failed,
		})
		e.record(sessionID, interactionID, step, result)
	}
	return e.outcome(results, ctx.Err() != nil)
}

// readySteps returns steps with no result yet whose dependencies all
// succeeded, in id order.
func (e *Executor) readySteps(p *plan.Plan, results map[int]*plan.StepResult) []*plan.Step {
	var ready []*plan.Step
	for _, step := range p.Steps {
		if _, done := results[step.ID]; done {
			continue
		}
		runnable := true
		for _, dep := range step.Dependencies {
			r, ok := results[dep]
			if !ok || r.Status != plan.StatusSuccess {
				runnable = false
				break
			}
		}
		if runnable {
			ready = append(ready, step)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func (e *Executor) runStep(ctx context.Context, sessionID, interactionID string, step *plan.Step, generation int, results map[int]*plan.StepResult, mu *sync.Mutex) *plan.StepResult {
	tool, ok := e.registry.Lookup(step.Action)
	if !ok {
		result := plan.Failure(plan.ErrToolNotFound, fmt.Sprintf("no tool registered as %q", step.Action))
		e.record(sessionID, interactionID, step, result)
		return result
	}

	e.bus.Emit(sessionID, interactionID, &events.StepStartData{
		StepID:     step.ID,
		Action:     step.Action,
		Generation: generation,
	})

	mu.Lock()
	snapshot := make(resolver.Results, len(results))
	for id, r := range results {
		snapshot[id] = r
	}
	mu.Unlock()

	started := time.Now()
	complete := func(result *plan.StepResult) *plan.StepResult {
		e.bus.Emit(sessionID, interactionID, &events.StepCompleteData{
			StepID:   step.ID,
			Action:   step.Action,
			Result:   result,
			Duration: time.Since(started),
		})
		return result
	}

	fail := func(result *plan.StepResult) *plan.StepResult {
		e.record(sessionID, interactionID, step, result)
		return complete(result)
	}

	params, warnings := resolver.ResolveParameters(step.Parameters, snapshot)
	for _, w := range warnings {
		e.logger.Warnf("step %d (%s): %s", step.ID, step.Action, w)
		if w.Kind == resolver.WarnUnresolved {
			return fail(plan.Failure(plan.ErrReferenceUnresolved,
				fmt.Sprintf("parameter reference %s did not resolve", w.Detail)))
		}
	}

	if tool.HasTag(registry.TagDelivery) {
		repaired, blocked := e.gateDelivery(sessionID, step, params)
		if blocked != nil {
			return fail(blocked)
		}
		params = repaired
	}

	ic := &registry.InvokeContext{
		SessionID:     sessionID,
		InteractionID: interactionID,
	}
	if tool.MemoryEnabled {
		ic.ReasoningContext = e.reasoningContext(sessionID)
		if params == nil {
			params = map[string]interface{}{}
		}
		params["_reasoning_context"] = ic.ReasoningContext
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultStepTimeout
	}

	entryID := e.beginEntry(sessionID, step)
	result := e.invokeWithTimeout(ctx, tool, params, ic, timeout)
	if result == nil {
		result = plan.Failure(plan.ErrToolInvocation, "tool returned no result")
	}
	for retry := 0; retry < e.config.TimeoutRetries && result.ErrorKind.RetryHint(); retry++ {
		if wait := result.RetryAfterSeconds; wait > 0 {
			select {
			case <-time.After(time.Duration(wait * float64(time.Second))):
			case <-ctx.Done():
				result = plan.Cancelled()
				e.resolveEntry(sessionID, entryID, step, result)
				return complete(result)
			}
		}
		e.logger.Infof("retrying step %d (%s) after timeout", step.ID, step.Action)
		result = e.invokeWithTimeout(ctx, tool, params, ic, timeout)
		if result == nil {
			result = plan.Failure(plan.ErrToolInvocation, "tool returned no result")
		}
	}

	if result.Status == plan.StatusSuccess && len(result.Attachments) == 0 {
		result.Attachments = result.ExtractAttachments()
	}
	e.resolveEntry(sessionID, entryID, step, result)
	return complete(result)
}

// gateDelivery blocks a delivery step that is about to run without the
// attachments the plan committed to. When earlier steps already produced
// files, their paths are merged into the parameters instead of failing.
func (e *Executor) gateDelivery(sessionID string, step *plan.Step, params map[string]interface{}) (map[string]interface{}, *plan.StepResult) {
	summary := e.sessions.Summary(sessionID)
	committed := false
	for _, tag := range summary.Commitments {
		if tag == trace.CommitAttachDocs {
			committed = true
			break
		}
	}
	if !committed {
		return params, nil
	}
	switch v := params["attachments"].(type) {
	case string:
		if v != "" {
			return params, nil
		}
	case []interface{}:
		if len(v) > 0 {
			return params, nil
		}
	case []string:
		if len(v) > 0 {
			return params, nil
		}
	}
	if len(summary.AttachmentInventory) == 0 {
		return params, plan.Failure(plan.ErrVerifierFail,
			fmt.Sprintf("step %d would deliver without the promised attachments and none have been produced", step.ID))
	}
	inventory := make([]interface{}, 0, len(summary.AttachmentInventory))
	for _, ref := range summary.AttachmentInventory {
		inventory = append(inventory, ref.Path)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	merged := verifier.MergeSuggestions(params, map[string]interface{}{"attachments": inventory})
	// The plan records the repair so later verification sees the attachments.
	if step.Parameters == nil {
		step.Parameters = map[string]interface{}{}
	}
	step.Parameters["attachments"] = merged["attachments"]
	e.logger.Infof("step %d (%s): attached %d produced file(s) before delivery", step.ID, step.Action, len(inventory))
	return merged, nil
}

// invokeWithTimeout runs the tool under a deadline, converting a deadline
// miss into tool_timeout and a panic into tool_invocation_error.
func (e *Executor) invokeWithTimeout(ctx context.Context, tool *registry.Tool, params map[string]interface{}, ic *registry.InvokeContext, timeout time.Duration) *plan.StepResult {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan *plan.StepResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("tool panicked: %v", r))
			}
		}()
		done <- tool.Invoke(stepCtx, params, ic)
	}()

	select {
	case result := <-done:
		return result
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return plan.Cancelled()
		}
		return plan.Failure(plan.ErrToolTimeout,
			fmt.Sprintf("tool %s exceeded its %s deadline", tool.Name, timeout))
	}
}

// reasoningContext builds the read-only trace view handed to memory-enabled
// tools. It works from a snapshot so tools never race the live trace.
func (e *Executor) reasoningContext(sessionID string) map[string]interface{} {
	snap := e.sessions.Snapshot(sessionID)
	var summary trace.Summary
	if snap != nil {
		summary = snap.Summarize()
	}
	commitments := make([]string, len(summary.Commitments))
	for i, c := range summary.Commitments {
		commitments[i] = string(c)
	}
	attachments := make([]string, len(summary.AttachmentInventory))
	for i, a := range summary.AttachmentInventory {
		attachments[i] = a.Path
	}
	return map[string]interface{}{
		"commitments":        commitments,
		"past_attempts":      summary.PastAttempts,
		"recent_corrections": summary.RecentCorrections,
		"attachments":        attachments,
		"trace_available":    snap != nil,
	}
}

// stepOutcome maps a result onto a trace outcome and thought line.
func stepOutcome(step *plan.Step, result *plan.StepResult) (trace.Outcome, string) {
	switch result.Status {
	case plan.StatusError:
		return trace.OutcomeFailed, fmt.Sprintf("step %d (%s) failed: %s", step.ID, step.Action, result.ErrorMessage)
	case plan.StatusSkipped:
		return trace.OutcomeFailed, fmt.Sprintf("step %d (%s) skipped: %s", step.ID, step.Action, result.ErrorMessage)
	case plan.StatusCancelled:
		return trace.OutcomeFailed, fmt.Sprintf("step %d (%s) cancelled", step.ID, step.Action)
	default:
		return trace.OutcomeSuccess, fmt.Sprintf("step %d (%s) succeeded", step.ID, step.Action)
	}
}

// beginEntry opens a pending trace entry just before the tool is invoked, so
// an in-flight step is visible to memory-enabled tools and to anyone reading
// the trace while the tool runs.
func (e *Executor) beginEntry(sessionID string, step *plan.Step) string {
	entryID, err := e.sessions.AddEntry(sessionID, trace.StageExecution,
		fmt.Sprintf("invoking %s as step %d", step.Action, step.ID),
		trace.WithAction(step.Action, step.Parameters))
	if err != nil {
		e.logger.Warnf("failed to open trace entry for step %d: %v", step.ID, err)
	}
	return entryID
}

// resolveEntry publishes the result and settles the pending entry.
func (e *Executor) resolveEntry(sessionID, entryID string, step *plan.Step, result *plan.StepResult) {
	if err := e.sessions.RecordStepResult(sessionID, step.ID, result); err != nil {
		e.logger.Warnf("failed to record result for step %d: %v", step.ID, err)
	}
	if entryID == "" {
		return
	}
	outcome, thought := stepOutcome(step, result)
	opts := []trace.EntryOption{trace.WithEvidence(thought)}
	if len(result.Attachments) > 0 {
		opts = append(opts, trace.WithAttachments(result.Attachments...))
	}
	if err := e.sessions.UpdateEntry(sessionID, entryID, outcome, opts...); err != nil {
		e.logger.Warnf("failed to resolve trace entry for step %d: %v", step.ID, err)
	}
}

// record writes an already-settled outcome for steps that never reached their
// tool (missing tool, unresolved references, skips, cancellation).
func (e *Executor) record(sessionID, interactionID string, step *plan.Step, result *plan.StepResult) {
	if err := e.sessions.RecordStepResult(sessionID, step.ID, result); err != nil {
		e.logger.Warnf("failed to record result for step %d: %v", step.ID, err)
	}
	outcome, thought := stepOutcome(step, result)
	entryID, err := e.sessions.AddEntry(sessionID, trace.StageExecution, thought,
		trace.WithAction(step.Action, step.Parameters))
	if err != nil {
		return
	}
	opts := []trace.EntryOption{}
	if len(result.Attachments) > 0 {
		opts = append(opts, trace.WithAttachments(result.Attachments...))
	}
	if err := e.sessions.UpdateEntry(sessionID, entryID, outcome, opts...); err != nil {
		e.logger.Warnf("failed to resolve trace entry for step %d: %v", step.ID, err)
	}
}

func (e *Executor) markCancelled(sessionID, interactionID string, p *plan.Plan, results map[int]*plan.StepResult) {
	for _, step := range p.Steps {
		if _, done := results[step.ID]; done {
			continue
		}
		result := plan.Cancelled()
		results[step.ID] = result
		e.record(sessionID, interactionID, step, result)
	}
}

// failedUpstream finds a dependency (direct or transitive) that did not
// succeed, for the skip message.
func (e *Executor) failedUpstream(step *plan.Step, results map[int]*plan.StepResult) int {
	for _, dep := range step.Dependencies {
		r, ok := results[dep]
		if !ok {
			return dep
		}
		if r.Status != plan.StatusSuccess {
			return dep
		}
	}
	return 0
}

func (e *Executor) outcome(results map[int]*plan.StepResult, cancelled bool) *Outcome {
	out := &Outcome{Results: results, Cancelled: cancelled}
	for id, r := range results {
		if r.Status == plan.StatusError {
			out.FailedSteps = append(out.FailedSteps, id)
		}
	}
	sort.Ints(out.FailedSteps)
	return out
}
