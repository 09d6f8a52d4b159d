// Package finalizer closes an interaction: it assembles the user-facing
// reply from the terminal step, verifies every commitment the agent made,
// and stamps the final status into the session.
package finalizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/resolver"
	"github.com/maghams62/auto-mac/pkg/trace"
)

// Finalizer closes interactions.
type Finalizer struct {
	registry *registry.Registry
	sessions *trace.Manager
	bus      *events.Bus
	logger   utils.ExtendedLogger
}

// New creates a finalizer.
func New(reg *registry.Registry, sessions *trace.Manager, bus *events.Bus, logger utils.ExtendedLogger) *Finalizer {
	return &Finalizer{registry: reg, sessions: sessions, bus: bus, logger: logger}
}

// Input carries the finished execution state.
type Input struct {
	SessionID     string
	InteractionID string

	Plan        *plan.Plan
	Results     map[int]*plan.StepResult
	Commitments []trace.CommitmentTag

	Cancelled bool
}

// CommitmentReport records one commitment's verification.
type CommitmentReport struct {
	Tag       trace.CommitmentTag `json:"tag"`
	Fulfilled bool                `json:"fulfilled"`
	Detail    string              `json:"detail,omitempty"`
}

// Finalize builds the reply, checks commitments, emits the closing events and
// finalizes the session interaction. It always returns a reply, even for
// failed or cancelled interactions.
func (f *Finalizer) Finalize(in Input) (*plan.Reply, plan.InteractionStatus) {
	reply, status := f.buildReply(in)

	if status == plan.InteractionSuccess {
		reports := f.checkCommitments(in)
		var unfulfilled []string
		for _, report := range reports {
			f.bus.Emit(in.SessionID, in.InteractionID, &events.CommitmentCheckData{
				Tag:       string(report.Tag),
				Fulfilled: report.Fulfilled,
				Detail:    report.Detail,
			})
			if !report.Fulfilled {
				unfulfilled = append(unfulfilled, fmt.Sprintf("%s (%s)", report.Tag, report.Detail))
			}
		}
		if len(unfulfilled) > 0 {
			status = plan.InteractionPartialSuccess
			reply.Status = status
			reply.Message += fmt.Sprintf("\n\nNote: I could not confirm: %s.", strings.Join(unfulfilled, "; "))
			f.recordFinalization(in.SessionID, trace.OutcomePartial,
				fmt.Sprintf("finished with unfulfilled commitments: %s", strings.Join(unfulfilled, ", ")))
		} else {
			f.recordFinalization(in.SessionID, trace.OutcomeSuccess, "all commitments fulfilled")
		}
	} else {
		f.recordFinalization(in.SessionID, outcomeFor(status), string(status))
	}

	f.bus.Emit(in.SessionID, in.InteractionID, &events.ReplyReadyData{Reply: reply})
	if err := f.sessions.FinalizeInteraction(in.SessionID, status, reply); err != nil {
		f.logger.Errorf("failed to finalize interaction %s: %v", in.InteractionID, err)
	}
	return reply, status
}

// buildReply derives the reply from the terminal step's result, falling back
// to a synthesized message when the terminal step never ran.
func (f *Finalizer) buildReply(in Input) (*plan.Reply, plan.InteractionStatus) {
	reply := &plan.Reply{Attachments: f.attachmentInventory(in)}

	if in.Cancelled {
		reply.Message = "Stopped. Completed work is recorded; nothing further was changed."
		reply.Status = plan.InteractionCancelled
		return reply, plan.InteractionCancelled
	}

	terminal := f.terminalStep(in.Plan)
	var terminalResult *plan.StepResult
	if terminal != nil {
		terminalResult = in.Results[terminal.ID]
	}

	if terminalResult != nil && terminalResult.Status == plan.StatusSuccess {
		if msg, ok := terminalResult.Value["message"].(string); ok {
			reply.Message = msg
		}
		reply.Details = terminalResult.Value["details"]
		if reply.Message == "" {
			reply.Message = "Done."
		}
		if f.anyFailed(in.Results) {
			reply.Status = plan.InteractionPartialSuccess
			return reply, plan.InteractionPartialSuccess
		}
		reply.Status = plan.InteractionSuccess
		return reply, plan.InteractionSuccess
	}

	// Terminal step missing, skipped or failed.
	reply.Message = "I could not finish the request."
	if kind, msg := f.firstError(in.Results); kind != "" {
		reply.Details = map[string]interface{}{"error_kind": string(kind), "error": msg}
	}
	reply.Status = plan.InteractionError
	return reply, plan.InteractionError
}

func (f *Finalizer) terminalStep(p *plan.Plan) *plan.Step {
	if p == nil {
		return nil
	}
	for _, step := range p.Steps {
		if tool, ok := f.registry.Lookup(step.Action); ok && tool.Terminal {
			return step
		}
	}
	return nil
}

func (f *Finalizer) anyFailed(results map[int]*plan.StepResult) bool {
	for _, r := range results {
		if r != nil && (r.Status == plan.StatusError || r.Status == plan.StatusSkipped) {
			return true
		}
	}
	return false
}

func (f *Finalizer) firstError(results map[int]*plan.StepResult) (plan.ErrorKind, string) {
	for _, r := range results {
		if r != nil && r.Status == plan.StatusError {
			return r.ErrorKind, r.ErrorMessage
		}
	}
	return "", ""
}

func (f *Finalizer) attachmentInventory(in Input) []plan.FileRef {
	var refs []plan.FileRef
	seen := make(map[string]bool)
	for _, r := range in.Results {
		if r == nil {
			continue
		}
		for _, ref := range r.Attachments {
			if !seen[ref.Path] {
				seen[ref.Path] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// checkCommitments verifies each committed tag against what actually ran.
func (f *Finalizer) checkCommitments(in Input) []CommitmentReport {
	reports := make([]CommitmentReport, 0, len(in.Commitments))
	for _, tag := range in.Commitments {
		reports = append(reports, f.checkCommitment(tag, in))
	}
	return reports
}

func (f *Finalizer) checkCommitment(tag trace.CommitmentTag, in Input) CommitmentReport {
	report := CommitmentReport{Tag: tag}
	switch tag {
	case trace.CommitSendEmail:
		report.Fulfilled = f.deliverySent(in)
		if !report.Fulfilled {
			report.Detail = "no delivery step succeeded with send enabled"
		}
	case trace.CommitAttachDocs:
		report.Fulfilled = f.deliveryHadAttachments(in)
		if !report.Fulfilled {
			report.Detail = "no successful delivery carried attachments that exist on disk"
		}
	case trace.CommitPlayMusic:
		report.Fulfilled = f.succeededWithTag(in, registry.TagMusic)
		if !report.Fulfilled {
			report.Detail = "no playback step succeeded"
		}
	case trace.CommitPostSocial:
		report.Fulfilled = f.succeededWithTag(in, registry.TagSocial)
		if !report.Fulfilled {
			report.Detail = "no posting step succeeded"
		}
	case trace.CommitCreateDocument:
		report.Fulfilled = len(f.attachmentInventory(in)) > 0 || f.succeededWithTag(in, registry.TagProducesFile)
		if !report.Fulfilled {
			report.Detail = "no document was produced"
		}
	case trace.CommitScheduleEvent:
		report.Fulfilled = f.succeededWithTag(in, registry.TagSchedule)
		if !report.Fulfilled {
			report.Detail = "no scheduling step succeeded"
		}
	default:
		// Unknown tags cannot be verified mechanically; do not block on them.
		report.Fulfilled = true
	}
	return report
}

func (f *Finalizer) succeededWithTag(in Input, tag string) bool {
	if in.Plan == nil {
		return false
	}
	for _, step := range in.Plan.Steps {
		tool, ok := f.registry.Lookup(step.Action)
		if !ok || !tool.HasTag(tag) {
			continue
		}
		if r := in.Results[step.ID]; r != nil && r.Status == plan.StatusSuccess {
			return true
		}
	}
	return false
}

// deliverySent reports whether a delivery step succeeded with its send
// parameter enabled. A drafted email does not fulfill a send promise.
func (f *Finalizer) deliverySent(in Input) bool {
	if in.Plan == nil {
		return false
	}
	for _, step := range in.Plan.Steps {
		tool, ok := f.registry.Lookup(step.Action)
		if !ok || !tool.HasTag(registry.TagDelivery) {
			continue
		}
		r := in.Results[step.ID]
		if r == nil || r.Status != plan.StatusSuccess {
			continue
		}
		if truthy(step.Parameters["send"]) {
			return true
		}
	}
	return false
}

// deliveryHadAttachments requires a successful delivery step whose attachments
// name files that actually exist on disk; a dangling path fulfills nothing.
func (f *Finalizer) deliveryHadAttachments(in Input) bool {
	if in.Plan == nil {
		return false
	}
	for _, step := range in.Plan.Steps {
		tool, ok := f.registry.Lookup(step.Action)
		if !ok || !tool.HasTag(registry.TagDelivery) {
			continue
		}
		r := in.Results[step.ID]
		if r == nil || r.Status != plan.StatusSuccess {
			continue
		}
		paths := f.attachmentPaths(step, r, in.Results)
		if len(paths) == 0 {
			continue
		}
		allPresent := true
		for _, path := range paths {
			if _, err := os.Stat(path); err != nil {
				f.logger.Warnf("delivery step %d attachment %s is missing on disk", step.ID, path)
				allPresent = false
				break
			}
		}
		if allPresent {
			return true
		}
	}
	return false
}

// attachmentPaths resolves a delivery step's attachments parameter against the
// step results, falling back to the attachments the result itself carried.
func (f *Finalizer) attachmentPaths(step *plan.Step, r *plan.StepResult, results map[int]*plan.StepResult) []string {
	var paths []string
	if raw, ok := step.Parameters["attachments"]; ok && raw != nil {
		resolved, _ := resolver.ResolveParameters(
			map[string]interface{}{"attachments": raw}, resolver.Results(results))
		switch value := resolved["attachments"].(type) {
		case string:
			if value != "" {
				paths = append(paths, value)
			}
		case []interface{}:
			for _, item := range value {
				if s, ok := item.(string); ok && s != "" {
					paths = append(paths, s)
				}
			}
		}
	}
	if len(paths) == 0 {
		for _, ref := range r.Attachments {
			if ref.Path != "" {
				paths = append(paths, ref.Path)
			}
		}
	}
	return paths
}

// truthy interprets a parameter value as a boolean flag.
func truthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "1":
			return true
		}
		return false
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

func (f *Finalizer) recordFinalization(sessionID string, outcome trace.Outcome, thought string) {
	entryID, err := f.sessions.AddEntry(sessionID, trace.StageFinalization, thought)
	if err != nil {
		return
	}
	if err := f.sessions.UpdateEntry(sessionID, entryID, outcome); err != nil {
		f.logger.Warnf("failed to resolve finalization entry: %v", err)
	}
}

func outcomeFor(status plan.InteractionStatus) trace.Outcome {
	switch status {
	case plan.InteractionSuccess:
		return trace.OutcomeSuccess
	case plan.InteractionPartialSuccess:
		return trace.OutcomePartial
	default:
		return trace.OutcomeFailed
	}
}
