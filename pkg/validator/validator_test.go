package validator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/maghams62/auto-mac/pkg/logger"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
)

func noopInvoke(_ context.Context, _ map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
	return plan.Success(nil)
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	reg := registry.New()
	tools := []registry.Descriptor{
		{
			Name:        "folder_find_duplicates",
			Description: "scan a folder for duplicate files",
			ResultSchema: json.RawMessage(`{"type":"object","properties":{
				"duplicates":{"type":"array"},
				"total_duplicate_groups":{"type":"integer"},
				"wasted_space_mb":{"type":"number"}}}`),
			Tags: []string{registry.TagSearch},
		},
		{
			Name:        "web_search",
			Description: "search the web",
			ResultSchema: json.RawMessage(`{"type":"object","properties":{
				"results":{"type":"array"}}}`),
			Tags: []string{registry.TagSearch},
		},
		{
			Name:        "create_keynote",
			Description: "build a slideshow",
			ResultSchema: json.RawMessage(`{"type":"object","properties":{
				"file_path":{"type":"string"}}}`),
			Tags: []string{registry.TagProducesFile},
		},
		{
			Name:        "write_report",
			Description: "write a report document",
			ResultSchema: json.RawMessage(`{"type":"object","properties":{
				"file_path":{"type":"string"}}}`),
			Tags: []string{registry.TagWriter, registry.TagProducesFile},
		},
		{
			Name:        "compose_email",
			Description: "send an email",
			Tags:        []string{registry.TagDelivery},
		},
		{
			Name:        "reply_to_user",
			Description: "final reply",
			Terminal:    true,
		},
	}
	for _, desc := range tools {
		if err := reg.Register(desc, noopInvoke); err != nil {
			t.Fatalf("register %s: %v", desc.Name, err)
		}
	}
	log := logger.CreateTestLogger(filepath.Join(t.TempDir(), "test.log"), "info")
	return New(reg, log)
}

func step(id int, action string, deps ...int) *plan.Step {
	return &plan.Step{ID: id, Action: action, Dependencies: deps}
}

func TestRejectUnknownAction(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		step(1, "no_such_tool"),
		step(2, "reply_to_user", 1),
	}}
	result := v.ValidateAndRepair(p, "")
	if result.Valid {
		t.Fatal("plan with unknown action should be rejected")
	}
	if len(result.Issues) != 1 || !strings.Contains(result.Issues[0].Message, "no_such_tool") {
		t.Errorf("issues = %v", result.Issues)
	}
}

func TestRejectSelfDependency(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		step(1, "web_search", 1),
		step(2, "reply_to_user", 1),
	}}
	result := v.ValidateAndRepair(p, "")
	if result.Valid {
		t.Fatal("self-dependency should be rejected")
	}
}

func TestRejectCycle(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		step(1, "web_search", 3),
		step(2, "web_search", 1),
		step(3, "web_search", 2),
		step(4, "reply_to_user", 3),
	}}
	result := v.ValidateAndRepair(p, "")
	if result.Valid {
		t.Fatal("cyclic plan should be rejected")
	}
	found := false
	for _, issue := range result.Issues {
		if strings.Contains(issue.Message, "cycle") {
			found = true
		}
	}
	if !found {
		t.Errorf("no cycle issue reported: %v", result.Issues)
	}
}

func TestRejectMissingDependency(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		step(1, "web_search", 7),
		step(2, "reply_to_user", 1),
	}}
	result := v.ValidateAndRepair(p, "")
	if result.Valid {
		t.Fatal("dangling dependency should be rejected")
	}
}

func TestTerminalStepInserted(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "find duplicate files", Steps: []*plan.Step{
		step(1, "folder_find_duplicates"),
	}}
	result := v.ValidateAndRepair(p, "what files are duplicated?")
	if !result.Valid {
		t.Fatalf("issues = %v", result.Issues)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("terminal step not inserted: %+v", p.Steps)
	}
	last := p.Steps[len(p.Steps)-1]
	if last.Action != "reply_to_user" || last.ID != 2 {
		t.Errorf("inserted step = %+v", last)
	}
	if !reflect.DeepEqual(last.Dependencies, []int{1}) {
		t.Errorf("inserted step dependencies = %v", last.Dependencies)
	}
	if len(result.Repairs) != 1 || result.Repairs[0].Kind != RepairTerminalInserted {
		t.Errorf("repairs = %v", result.Repairs)
	}
}

func TestTerminalMustBeLast(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		step(1, "reply_to_user"),
		step(2, "web_search"),
	}}
	result := v.ValidateAndRepair(p, "")
	if result.Valid {
		t.Fatal("misplaced terminal step should be rejected")
	}
}

func TestRejectReferenceOutsideClosure(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		step(1, "web_search"),
		step(2, "web_search"),
		{
			ID:           3,
			Action:       "reply_to_user",
			Parameters:   map[string]interface{}{"details": "$step2.results"},
			Dependencies: []int{1},
		},
	}}
	result := v.ValidateAndRepair(p, "")
	if result.Valid {
		t.Fatal("reference outside the dependency closure should be rejected")
	}
	if !strings.Contains(result.Issues[0].Message, "references step 2") {
		t.Errorf("issues = %v", result.Issues)
	}
}

func TestAttachmentInjected(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "slideshow on whales, emailed", Steps: []*plan.Step{
		step(1, "create_keynote"),
		{
			ID:     2,
			Action: "compose_email",
			Parameters: map[string]interface{}{
				"to":      "me",
				"subject": "Whales",
			},
			Dependencies: []int{1},
		},
		step(3, "reply_to_user", 2),
	}}
	result := v.ValidateAndRepair(p, "create a slideshow on whales and email it to me")
	if !result.Valid {
		t.Fatalf("issues = %v", result.Issues)
	}
	attachments, ok := p.Steps[1].Parameters["attachments"].([]interface{})
	if !ok || len(attachments) != 1 || attachments[0] != "$step1.file_path" {
		t.Fatalf("attachments = %v", p.Steps[1].Parameters["attachments"])
	}
	foundRepair := false
	for _, r := range result.Repairs {
		if r.Kind == RepairMissingAttachment && r.StepID == 2 {
			foundRepair = true
		}
	}
	if !foundRepair {
		t.Errorf("repairs = %v", result.Repairs)
	}
}

func TestAttachmentNotDuplicated(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		step(1, "create_keynote"),
		{
			ID:     2,
			Action: "compose_email",
			Parameters: map[string]interface{}{
				"attachments": []interface{}{"$step1.file_path"},
			},
			Dependencies: []int{1},
		},
		step(3, "reply_to_user", 2),
	}}
	result := v.ValidateAndRepair(p, "")
	if !result.Valid {
		t.Fatalf("issues = %v", result.Issues)
	}
	for _, r := range result.Repairs {
		if r.Kind == RepairMissingAttachment {
			t.Errorf("attachment repair applied to an already-wired plan: %v", r)
		}
	}
}

func TestAttachmentRepairSkipsWhenItWouldCycle(t *testing.T) {
	v := newTestValidator(t)
	// The producer sits downstream of the delivery step, so wiring the
	// delivery step back onto the producer would close a cycle.
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		{ID: 1, Action: "create_keynote", Dependencies: []int{2}},
		{ID: 2, Action: "compose_email", Parameters: map[string]interface{}{"to": "me"}},
		{ID: 3, Action: "reply_to_user", Dependencies: []int{1}},
	}}
	result := v.ValidateAndRepair(p, "")
	if !result.Valid {
		t.Fatalf("issues = %v", result.Issues)
	}
	for _, r := range result.Repairs {
		if r.Kind == RepairMissingAttachment {
			t.Errorf("attachment repair would have created a cycle: %v", r)
		}
	}
	if _, ok := p.Steps[1].Parameters["attachments"]; ok {
		t.Errorf("attachments injected on step 2: %v", p.Steps[1].Parameters)
	}
	if len(p.Steps[1].Dependencies) != 0 {
		t.Errorf("dependency injected on step 2: %v", p.Steps[1].Dependencies)
	}
}

func TestInvalidPlaceholderReplaced(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "list duplicates", Steps: []*plan.Step{
		step(1, "folder_find_duplicates"),
		{
			ID:     2,
			Action: "reply_to_user",
			Parameters: map[string]interface{}{
				"message": "Here are the duplicates",
				"details": "- {file1.name}\n- {file2.name}",
			},
			Dependencies: []int{1},
		},
	}}
	result := v.ValidateAndRepair(p, "what files are duplicated?")
	if !result.Valid {
		t.Fatalf("issues = %v", result.Issues)
	}
	if got := p.Steps[1].Parameters["details"]; got != "$step1.duplicates" {
		t.Errorf("details = %v, want $step1.duplicates", got)
	}
	foundRepair := false
	for _, r := range result.Repairs {
		if r.Kind == RepairInvalidPlaceholder {
			foundRepair = true
		}
	}
	if !foundRepair {
		t.Errorf("repairs = %v", result.Repairs)
	}
}

func TestMissingWriterWarns(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "email a report on Go news", Steps: []*plan.Step{
		step(1, "web_search"),
		{
			ID:           2,
			Action:       "compose_email",
			Parameters:   map[string]interface{}{"body": "$step1.results"},
			Dependencies: []int{1},
		},
		step(3, "reply_to_user", 2),
	}}
	result := v.ValidateAndRepair(p, "email me a report on Go news")
	if !result.Valid {
		t.Fatalf("issues = %v", result.Issues)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v", result.Warnings)
	}
	if len(p.Steps) != 3 {
		t.Errorf("missing-writer warning must not alter the step list")
	}
}

func TestWriterPresentNoWarning(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "email a report on Go news", Steps: []*plan.Step{
		step(1, "web_search"),
		{
			ID:           2,
			Action:       "write_report",
			Parameters:   map[string]interface{}{"content": "$step1.results"},
			Dependencies: []int{1},
		},
		step(3, "compose_email", 2),
		step(4, "reply_to_user", 3),
	}}
	result := v.ValidateAndRepair(p, "email me a report on Go news")
	if !result.Valid {
		t.Fatalf("issues = %v", result.Issues)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("warnings = %v", result.Warnings)
	}
}

func TestValidPlanPassesUntouched(t *testing.T) {
	v := newTestValidator(t)
	p := &plan.Plan{Goal: "find duplicates", Steps: []*plan.Step{
		step(1, "folder_find_duplicates"),
		{
			ID:     2,
			Action: "reply_to_user",
			Parameters: map[string]interface{}{
				"message": "Found {$step1.total_duplicate_groups} group(s)",
				"details": "$step1.duplicates",
			},
			Dependencies: []int{1},
		},
	}}
	result := v.ValidateAndRepair(p, "what files are duplicated?")
	if !result.Valid {
		t.Fatalf("issues = %v", result.Issues)
	}
	if len(result.Repairs) != 0 {
		t.Errorf("repairs on a valid plan: %v", result.Repairs)
	}
}
