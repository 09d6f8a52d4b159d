// Package verifier checks executed steps against their declared intent. A
// verdict never mutates results directly; it feeds the reflector and the
// finalizer, which decide what to do with a warn or fail.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/maghams62/auto-mac/internal/llm"
	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/trace"
)

// Verdict classifies one verified step.
type Verdict string

const (
	VerdictOK   Verdict = "ok"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// StepVerdict is the verifier's judgment of one executed step.
type StepVerdict struct {
	StepID      int                    `json:"step_id"`
	Verdict     Verdict                `json:"verdict"`
	Explanation string                 `json:"explanation,omitempty"`
	Suggested   map[string]interface{} `json:"suggested_parameters,omitempty"`
}

// Verifier judges step results.
type Verifier struct {
	generator *llm.StructuredGenerator
	registry  *registry.Registry
	bus       *events.Bus
	logger    utils.ExtendedLogger
}

// New creates a verifier.
func New(model llms.Model, reg *registry.Registry, bus *events.Bus, logger utils.ExtendedLogger) *Verifier {
	return &Verifier{
		generator: llm.NewStructuredGenerator(model, logger),
		registry:  reg,
		bus:       bus,
		logger:    logger,
	}
}

const verifySystemPrompt = `You are the verification component of a personal automation agent. ` +
	`You judge whether a tool invocation achieved what the plan expected of it. ` +
	`Always respond with valid JSON only.`

// VerifyAll judges every verifiable step that ran, concurrently, and returns
// verdicts sorted by step id. Non-verifiable and non-successful steps are not
// sent to the model; a step that already failed needs no second opinion.
func (v *Verifier) VerifyAll(ctx context.Context, sessionID, interactionID string, p *plan.Plan, results map[int]*plan.StepResult, commitments []trace.CommitmentTag) []*StepVerdict {
	var mu sync.Mutex
	var verdicts []*StepVerdict
	var wg sync.WaitGroup

	for _, step := range p.Steps {
		tool, ok := v.registry.Lookup(step.Action)
		if !ok || !tool.Verifiable {
			continue
		}
		result := results[step.ID]
		if result == nil || result.Status != plan.StatusSuccess {
			continue
		}

		wg.Add(1)
		go func(step *plan.Step, tool *registry.Tool, result *plan.StepResult) {
			defer wg.Done()
			verdict := v.verifyStep(ctx, sessionID, interactionID, step, tool, result, commitments)
			v.bus.Emit(sessionID, interactionID, &events.VerdictReadyData{
				StepID:      verdict.StepID,
				Verdict:     string(verdict.Verdict),
				Explanation: verdict.Explanation,
				Suggested:   verdict.Suggested,
			})
			mu.Lock()
			verdicts = append(verdicts, verdict)
			mu.Unlock()
		}(step, tool, result)
	}
	wg.Wait()

	sort.Slice(verdicts, func(i, j int) bool { return verdicts[i].StepID < verdicts[j].StepID })
	return verdicts
}

// verifyStep runs the composition check first; a mechanical failure needs no
// LLM call.
func (v *Verifier) verifyStep(ctx context.Context, sessionID, interactionID string, step *plan.Step, tool *registry.Tool, result *plan.StepResult, commitments []trace.CommitmentTag) *StepVerdict {
	if verdict := v.checkEmailComposition(step, tool, commitments); verdict != nil {
		return verdict
	}

	prompt := buildVerifyPrompt(step, result)
	response := &StepVerdict{}
	started := time.Now()
	v.bus.Emit(sessionID, interactionID, &events.LLMGenerationStartData{Purpose: "verify"})
	if err := v.generator.GenerateInto(ctx, verifySystemPrompt, prompt, response); err != nil {
		v.bus.Emit(sessionID, interactionID, &events.LLMGenerationErrorData{Purpose: "verify", Error: err.Error()})
		// An unreachable verifier must not fail the interaction.
		v.logger.Warnf("verification of step %d failed, assuming ok: %v", step.ID, err)
		return &StepVerdict{StepID: step.ID, Verdict: VerdictOK, Explanation: "verifier unavailable"}
	}
	v.bus.Emit(sessionID, interactionID, &events.LLMGenerationEndData{Purpose: "verify", Duration: time.Since(started)})
	response.StepID = step.ID
	switch response.Verdict {
	case VerdictOK, VerdictWarn, VerdictFail:
	default:
		v.logger.Warnf("verifier returned unknown verdict %q for step %d, treating as warn", response.Verdict, step.ID)
		response.Verdict = VerdictWarn
	}
	return response
}

// checkEmailComposition enforces the attach_documents commitment on delivery
// steps mechanically. An email the user was promised attachments for must not
// go out bare.
func (v *Verifier) checkEmailComposition(step *plan.Step, tool *registry.Tool, commitments []trace.CommitmentTag) *StepVerdict {
	if !tool.HasTag(registry.TagDelivery) {
		return nil
	}
	mustAttach := false
	for _, c := range commitments {
		if c == trace.CommitAttachDocs {
			mustAttach = true
			break
		}
	}
	if !mustAttach {
		return nil
	}
	if attachments, ok := step.Parameters["attachments"].([]interface{}); ok && len(attachments) > 0 {
		return nil
	}
	return &StepVerdict{
		StepID:      step.ID,
		Verdict:     VerdictFail,
		Explanation: "the user was promised attachments but the delivery step sent none",
	}
}

func buildVerifyPrompt(step *plan.Step, result *plan.StepResult) string {
	var b strings.Builder
	b.WriteString("Judge whether this tool invocation achieved its expected output.\n\n")
	fmt.Fprintf(&b, "Action: %s\n", step.Action)
	fmt.Fprintf(&b, "Parameters: %s\n", renderJSON(step.Parameters))
	if step.ExpectedOutput != "" {
		fmt.Fprintf(&b, "Expected output: %s\n", step.ExpectedOutput)
	}
	fmt.Fprintf(&b, "Actual result: %s\n", renderJSON(result.Value))
	b.WriteString(`
Respond with {"verdict": "ok"|"warn"|"fail", "explanation": string, "suggested_parameters": object}.
Use "ok" when the result satisfies the expectation, "warn" for cosmetic gaps, "fail" when the step must be redone.
suggested_parameters may only ADD parameters for a redo; never suggest removing anything.`)
	return b.String()
}

func renderJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// MergeSuggestions applies a verdict's suggested parameters to a step for a
// redo. The merge is additive only: existing keys win, list-valued keys are
// unioned, and attachments can grow but never shrink.
func MergeSuggestions(params, suggested map[string]interface{}) map[string]interface{} {
	if len(suggested) == 0 {
		return params
	}
	merged := make(map[string]interface{}, len(params)+len(suggested))
	for k, v := range params {
		merged[k] = v
	}
	for key, value := range suggested {
		existing, present := merged[key]
		if !present || existing == nil || existing == "" {
			merged[key] = value
			continue
		}
		existingList, elOK := existing.([]interface{})
		valueList, vlOK := value.([]interface{})
		if elOK && vlOK {
			merged[key] = unionList(existingList, valueList)
		}
		// Scalar conflicts keep the existing value.
	}
	return merged
}

func unionList(existing, extra []interface{}) []interface{} {
	seen := make(map[string]bool, len(existing))
	out := append([]interface{}(nil), existing...)
	for _, item := range existing {
		seen[fmt.Sprintf("%v", item)] = true
	}
	for _, item := range extra {
		key := fmt.Sprintf("%v", item)
		if !seen[key] {
			seen[key] = true
			out = append(out, item)
		}
	}
	return out
}
