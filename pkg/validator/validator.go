// Package validator runs structural and semantic checks on a plan between
// planning and execution, and auto-corrects a small, enumerated set of
// defects. Auto-repair is one pass, modifies values in place, and never adds
// steps with new ids except the terminal-step insertion, so a repaired plan
// stays acyclic and bounded.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/maghams62/auto-mac/internal/utils"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/resolver"
)

// Issue is one fatal structural defect. Any issue causes hard rejection and a
// replan with the issues as feedback.
type Issue struct {
	StepID  int    `json:"step_id,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.StepID > 0 {
		return fmt.Sprintf("step %d: %s", i.StepID, i.Message)
	}
	return i.Message
}

// Repair records one auto-correction applied to the plan.
type Repair struct {
	StepID int    `json:"step_id,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Repair kinds.
const (
	RepairInvalidPlaceholder = "invalid_placeholder_replaced"
	RepairMissingAttachment  = "missing_attachment_injected"
	RepairTerminalInserted   = "terminal_step_inserted"
)

// Result is the outcome of one validation pass.
type Result struct {
	Valid    bool     `json:"valid"`
	Issues   []Issue  `json:"issues,omitempty"`
	Repairs  []Repair `json:"repairs,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Reasons renders the fatal issues as replanner feedback.
func (r *Result) Reasons() []string {
	out := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		out[i] = issue.String()
	}
	return out
}

// Validator checks plans against the tool registry.
type Validator struct {
	registry *registry.Registry
	logger   utils.ExtendedLogger
}

// New creates a validator.
func New(reg *registry.Registry, logger utils.ExtendedLogger) *Validator {
	return &Validator{registry: reg, logger: logger}
}

// reportWords trigger the missing-writer-step warning.
var reportWords = []string{"report", "summary", "summarize", "digest", "analysis"}

// invalidDetailRe matches placeholders like {file1.name} or {fileN.*} that
// reference nothing resolvable. They show up when the planner copies a bad
// exemplar verbatim.
var invalidDetailRe = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_*]+)+\}`)

// ValidateAndRepair runs all checks and repairs on the plan, mutating it in
// place. The returned result reports what was found and what was changed.
func (v *Validator) ValidateAndRepair(p *plan.Plan, userRequest string) *Result {
	result := &Result{}

	v.checkActions(p, result)
	v.checkIDsAndDependencies(p, result)
	if len(result.Issues) > 0 {
		// Graph-level checks below assume resolvable ids.
		return result
	}
	v.checkAcyclic(p, result)
	if len(result.Issues) > 0 {
		return result
	}
	v.repairTerminal(p, result)
	v.checkReferencesInClosure(p, result)
	v.repairInvalidPlaceholders(p, result)
	v.repairMissingAttachments(p, result)
	v.warnMissingWriter(p, userRequest, result)

	result.Valid = len(result.Issues) == 0
	for _, repair := range result.Repairs {
		v.logger.Infof("plan repair (%s) on step %d: %s", repair.Kind, repair.StepID, repair.Detail)
	}
	return result
}

func (v *Validator) checkActions(p *plan.Plan, result *Result) {
	for _, s := range p.Steps {
		if _, ok := v.registry.Lookup(s.Action); !ok {
			result.Issues = append(result.Issues, Issue{
				StepID:  s.ID,
				Message: fmt.Sprintf("unknown action %q", s.Action),
			})
		}
	}
}

func (v *Validator) checkIDsAndDependencies(p *plan.Plan, result *Result) {
	seen := make(map[int]bool)
	for _, s := range p.Steps {
		if s.ID <= 0 {
			result.Issues = append(result.Issues, Issue{StepID: s.ID, Message: "step id must be a positive integer"})
			continue
		}
		if seen[s.ID] {
			result.Issues = append(result.Issues, Issue{StepID: s.ID, Message: "duplicate step id"})
		}
		seen[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				result.Issues = append(result.Issues, Issue{StepID: s.ID, Message: "step depends on itself"})
			} else if !seen[dep] {
				result.Issues = append(result.Issues, Issue{
					StepID:  s.ID,
					Message: fmt.Sprintf("dependency %d does not exist", dep),
				})
			}
		}
	}
}

// checkAcyclic runs Kahn's algorithm; any remainder is a cycle.
func (v *Validator) checkAcyclic(p *plan.Plan, result *Result) {
	indegree := make(map[int]int, len(p.Steps))
	dependents := make(map[int][]int, len(p.Steps))
	for _, s := range p.Steps {
		indegree[s.ID] += 0
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []int
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(p.Steps) {
		var cyclic []int
		for id, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Ints(cyclic)
		result.Issues = append(result.Issues, Issue{
			Message: fmt.Sprintf("dependency cycle involving steps %v", cyclic),
		})
	}
}

// repairTerminal enforces the exactly-one-terminal-step-last invariant,
// inserting a summary reply step when the planner forgot one.
func (v *Validator) repairTerminal(p *plan.Plan, result *Result) {
	terminalAction := v.registry.TerminalAction()
	if terminalAction == "" {
		result.Issues = append(result.Issues, Issue{Message: "no terminal tool registered"})
		return
	}

	var terminals []int
	for i, s := range p.Steps {
		if tool, ok := v.registry.Lookup(s.Action); ok && tool.Terminal {
			terminals = append(terminals, i)
		}
	}

	switch len(terminals) {
	case 0:
		// Append a reply step depending on every current leaf.
		leaves := v.leafSteps(p)
		step := &plan.Step{
			ID:     p.MaxID() + 1,
			Action: terminalAction,
			Parameters: map[string]interface{}{
				"message": fmt.Sprintf("Completed: %s", p.Goal),
			},
			Dependencies:   leaves,
			Reasoning:      "added because the plan had no reply step",
			ExpectedOutput: "a summary reply to the user",
		}
		p.Steps = append(p.Steps, step)
		result.Repairs = append(result.Repairs, Repair{
			StepID: step.ID,
			Kind:   RepairTerminalInserted,
			Detail: fmt.Sprintf("inserted %s step %d depending on %v", terminalAction, step.ID, leaves),
		})
	case 1:
		if terminals[0] != len(p.Steps)-1 {
			result.Issues = append(result.Issues, Issue{
				StepID:  p.Steps[terminals[0]].ID,
				Message: "terminal step must be last in the plan",
			})
		}
	default:
		result.Issues = append(result.Issues, Issue{
			Message: fmt.Sprintf("plan has %d terminal steps, want exactly 1", len(terminals)),
		})
	}
}

// leafSteps returns ids of steps nothing depends on, sorted.
func (v *Validator) leafSteps(p *plan.Plan) []int {
	depended := make(map[int]bool)
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			depended[dep] = true
		}
	}
	var leaves []int
	for _, s := range p.Steps {
		if !depended[s.ID] {
			leaves = append(leaves, s.ID)
		}
	}
	sort.Ints(leaves)
	return leaves
}

// checkReferencesInClosure rejects any parameter reference pointing outside
// the declaring step's transitive dependency closure.
func (v *Validator) checkReferencesInClosure(p *plan.Plan, result *Result) {
	for _, s := range p.Steps {
		closure := p.DependencyClosure(s.ID)
		for _, ref := range resolver.ReferencedSteps(s.Parameters) {
			if !closure[ref] {
				result.Issues = append(result.Issues, Issue{
					StepID:  s.ID,
					Message: fmt.Sprintf("parameter references step %d which is not in its dependency closure", ref),
				})
			}
		}
	}
}

// repairInvalidPlaceholders rewrites reply-step details containing
// placeholders like {file1.name} to a bare reference to the most recent
// upstream result field that yields a list.
func (v *Validator) repairInvalidPlaceholders(p *plan.Plan, result *Result) {
	for _, s := range p.Steps {
		tool, ok := v.registry.Lookup(s.Action)
		if !ok || !tool.Terminal || s.Parameters == nil {
			continue
		}
		details, ok := s.Parameters["details"].(string)
		if !ok || !invalidDetailRe.MatchString(details) {
			continue
		}
		producer, field := v.nearestListProducer(p, s)
		if producer == 0 {
			// Nothing upstream yields a list; the resolver will flag the
			// placeholders at run time.
			continue
		}
		replacement := fmt.Sprintf("$step%d.%s", producer, field)
		s.Parameters["details"] = replacement
		result.Repairs = append(result.Repairs, Repair{
			StepID: s.ID,
			Kind:   RepairInvalidPlaceholder,
			Detail: fmt.Sprintf("replaced unresolvable details %q with %q", details, replacement),
		})
	}
}

// preferredListFields orders field names when a result schema declares more
// than one array.
var preferredListFields = []string{"duplicates", "items", "file_list", "results", "emails"}

// nearestListProducer finds the highest-id dependency of step whose tool
// declares an array-typed result field, returning (stepID, fieldName).
func (v *Validator) nearestListProducer(p *plan.Plan, step *plan.Step) (int, string) {
	closure := p.DependencyClosure(step.ID)
	var candidates []int
	for id := range closure {
		candidates = append(candidates, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(candidates)))
	for _, id := range candidates {
		upstream := p.StepByID(id)
		if upstream == nil {
			continue
		}
		tool, ok := v.registry.Lookup(upstream.Action)
		if !ok {
			continue
		}
		if field := firstListField(tool.ResultSchema); field != "" {
			return id, field
		}
	}
	return 0, ""
}

// firstListField inspects a JSON schema's properties for an array-typed
// field, honoring the preferred ordering.
func firstListField(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}
	var parsed struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return ""
	}
	arrays := make(map[string]bool)
	for name, prop := range parsed.Properties {
		if prop.Type == "array" {
			arrays[name] = true
		}
	}
	if len(arrays) == 0 {
		return ""
	}
	for _, preferred := range preferredListFields {
		if arrays[preferred] {
			return preferred
		}
	}
	var names []string
	for name := range arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

// repairMissingAttachments wires produced files into later delivery steps
// that forgot to attach them.
func (v *Validator) repairMissingAttachments(p *plan.Plan, result *Result) {
	for i, producer := range p.Steps {
		producerTool, ok := v.registry.Lookup(producer.Action)
		if !ok || !producerTool.HasTag(registry.TagProducesFile) {
			continue
		}
		for _, sender := range p.Steps[i+1:] {
			senderTool, ok := v.registry.Lookup(sender.Action)
			if !ok || !senderTool.HasTag(registry.TagDelivery) {
				continue
			}
			if referencesStep(sender.Parameters["attachments"], producer.ID) {
				continue
			}
			if p.DependencyClosure(producer.ID)[sender.ID] {
				// The producer already sits downstream of this sender; the
				// repair edge would close a cycle.
				continue
			}
			ref := fmt.Sprintf("$step%d.file_path", producer.ID)
			attachments, _ := sender.Parameters["attachments"].([]interface{})
			if sender.Parameters == nil {
				sender.Parameters = map[string]interface{}{}
			}
			sender.Parameters["attachments"] = append(attachments, ref)
			if !containsInt(sender.Dependencies, producer.ID) {
				sender.Dependencies = append(sender.Dependencies, producer.ID)
				sort.Ints(sender.Dependencies)
			}
			result.Repairs = append(result.Repairs, Repair{
				StepID: sender.ID,
				Kind:   RepairMissingAttachment,
				Detail: fmt.Sprintf("attached %s output via %s", producer.Action, ref),
			})
		}
	}
}

func referencesStep(value interface{}, stepID int) bool {
	for _, id := range resolver.ReferencedSteps(value) {
		if id == stepID {
			return true
		}
	}
	return false
}

func containsInt(list []int, want int) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// warnMissingWriter flags plans that chain a fetch tool straight into a
// delivery step for a report-style request. Warn-only: inserting a step would
// renumber ids, which is riskier than a weak reply.
func (v *Validator) warnMissingWriter(p *plan.Plan, userRequest string, result *Result) {
	request := strings.ToLower(userRequest)
	wantsReport := false
	for _, word := range reportWords {
		if strings.Contains(request, word) {
			wantsReport = true
			break
		}
	}
	if !wantsReport {
		return
	}

	hasWriter := false
	for _, s := range p.Steps {
		if tool, ok := v.registry.Lookup(s.Action); ok && tool.HasTag(registry.TagWriter) {
			hasWriter = true
			break
		}
	}
	if hasWriter {
		return
	}

	for _, s := range p.Steps {
		tool, ok := v.registry.Lookup(s.Action)
		if !ok || !(tool.HasTag(registry.TagSearch) || tool.HasTag(registry.TagSocial)) {
			continue
		}
		for _, downstream := range p.Steps {
			dsTool, ok := v.registry.Lookup(downstream.Action)
			if !ok || !(dsTool.HasTag(registry.TagDelivery) || dsTool.Terminal) {
				continue
			}
			if !containsInt(downstream.Dependencies, s.ID) {
				continue
			}
			warning := fmt.Sprintf(
				"request asks for a report but %s feeds %s directly with no writer step in between",
				s.Action, downstream.Action)
			result.Warnings = append(result.Warnings, warning)
			if downstream.Reasoning != "" {
				downstream.Reasoning += "; "
			}
			downstream.Reasoning += "note: no writer step precedes this delivery"
			return
		}
	}
}
