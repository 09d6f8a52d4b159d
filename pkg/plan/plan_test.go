package plan

import (
	"testing"
)

func samplePlan() *Plan {
	return &Plan{
		Goal: "send the duplicate report",
		Steps: []*Step{
			{ID: 1, Action: "folder_find_duplicates", Parameters: map[string]interface{}{"folder_path": "~/Documents"}},
			{ID: 2, Action: "write_report", Dependencies: []int{1}, Parameters: map[string]interface{}{"content": "$step1.duplicates"}},
			{ID: 3, Action: "compose_email", Dependencies: []int{2}},
			{ID: 4, Action: "reply_to_user", Dependencies: []int{3}},
		},
	}
}

func TestStepByIDAndMaxID(t *testing.T) {
	p := samplePlan()
	if s := p.StepByID(3); s == nil || s.Action != "compose_email" {
		t.Fatalf("StepByID(3) = %+v", s)
	}
	if s := p.StepByID(99); s != nil {
		t.Fatalf("StepByID(99) should be nil, got %+v", s)
	}
	if got := p.MaxID(); got != 4 {
		t.Fatalf("MaxID = %d, want 4", got)
	}
	empty := &Plan{}
	if got := empty.MaxID(); got != 0 {
		t.Fatalf("MaxID of empty plan = %d, want 0", got)
	}
}

func TestDependencyClosure(t *testing.T) {
	p := samplePlan()

	closure := p.DependencyClosure(4)
	for _, id := range []int{1, 2, 3} {
		if !closure[id] {
			t.Errorf("closure of step 4 missing %d", id)
		}
	}
	if closure[4] {
		t.Error("closure must not contain the step itself")
	}

	if got := p.DependencyClosure(1); len(got) != 0 {
		t.Errorf("root step closure = %v, want empty", got)
	}

	// Unknown ids in dependency lists survive so the validator can flag them.
	p.Steps[1].Dependencies = append(p.Steps[1].Dependencies, 42)
	closure = p.DependencyClosure(2)
	if !closure[42] {
		t.Error("unknown dependency 42 should appear in the closure")
	}
}

func TestCloneIsolation(t *testing.T) {
	p := samplePlan()
	clone := p.Clone()

	clone.Steps[0].Parameters["folder_path"] = "/tmp/elsewhere"
	clone.Steps[1].Dependencies[0] = 99
	clone.Goal = "something else"

	if p.Steps[0].Parameters["folder_path"] != "~/Documents" {
		t.Error("mutating clone parameters leaked into the original")
	}
	if p.Steps[1].Dependencies[0] != 1 {
		t.Error("mutating clone dependencies leaked into the original")
	}
	if p.Goal != "send the duplicate report" {
		t.Error("mutating clone goal leaked into the original")
	}
}

func TestParseShape(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid",
			input: `{"goal":"g","steps":[{"id":1,"action":"reply_to_user"}]}`,
		},
		{
			name:    "not json",
			input:   `the plan is: find duplicates`,
			wantErr: true,
		},
		{
			name:    "no steps",
			input:   `{"goal":"g","steps":[]}`,
			wantErr: true,
		},
		{
			name:    "null step",
			input:   `{"goal":"g","steps":[null]}`,
			wantErr: true,
		},
		{
			name:    "zero id",
			input:   `{"goal":"g","steps":[{"id":0,"action":"x"}]}`,
			wantErr: true,
		},
		{
			name:    "missing action",
			input:   `{"goal":"g","steps":[{"id":1}]}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(p.Steps) != 1 || p.Steps[0].Action != "reply_to_user" {
				t.Fatalf("parsed plan = %+v", p)
			}
		})
	}
}

func TestResultConstructors(t *testing.T) {
	if r := Success(nil); r.Status != StatusSuccess || r.Value == nil {
		t.Errorf("Success(nil) = %+v, want non-nil empty value map", r)
	}
	if r := Failure(ErrToolTimeout, "deadline"); r.Status != StatusError || r.ErrorKind != ErrToolTimeout || r.ErrorMessage != "deadline" {
		t.Errorf("Failure = %+v", r)
	}
	if r := Skipped("upstream failed"); r.Status != StatusSkipped || r.ErrorKind != ErrDependencyFailed {
		t.Errorf("Skipped = %+v", r)
	}
	if r := Cancelled(); r.Status != StatusCancelled || r.ErrorKind != ErrCancelled {
		t.Errorf("Cancelled = %+v", r)
	}
}

func TestRetryHint(t *testing.T) {
	if !ErrToolTimeout.RetryHint() {
		t.Error("tool_timeout should be retryable as-is")
	}
	for _, kind := range []ErrorKind{ErrToolInvocation, ErrToolNotFound, ErrPlannerUnparseable, ErrDependencyFailed, ErrUnrecoverable} {
		if kind.RetryHint() {
			t.Errorf("%s should not be retryable as-is", kind)
		}
	}
}

func TestExtractAttachments(t *testing.T) {
	result := Success(map[string]interface{}{
		"report_path":  "/out/dups.md",
		"keynote_path": "/out/deck.key",
		"file_path":    "", // empty paths are ignored
		"file_list": []interface{}{
			map[string]interface{}{"path": "/docs/a.pdf", "name": "a.pdf"},
			map[string]interface{}{"name": "no-path"},
			"not-a-map",
		},
	})

	refs := result.ExtractAttachments()
	if len(refs) != 3 {
		t.Fatalf("got %d attachments %v, want 3", len(refs), refs)
	}
	kinds := map[string]string{}
	for _, ref := range refs {
		kinds[ref.Path] = ref.Kind
	}
	if kinds["/out/dups.md"] != "markdown" {
		t.Errorf("dups.md kind = %q", kinds["/out/dups.md"])
	}
	if kinds["/out/deck.key"] != "keynote" {
		t.Errorf("deck.key kind = %q", kinds["/out/deck.key"])
	}
	if kinds["/docs/a.pdf"] != "pdf" {
		t.Errorf("a.pdf kind = %q", kinds["/docs/a.pdf"])
	}

	var nilResult *StepResult
	if refs := nilResult.ExtractAttachments(); refs != nil {
		t.Errorf("nil result attachments = %v", refs)
	}
	if refs := Failure(ErrToolInvocation, "x").ExtractAttachments(); refs != nil {
		t.Errorf("failure attachments = %v", refs)
	}
}

func TestNewFileRefKinds(t *testing.T) {
	tests := []struct {
		path string
		kind string
	}{
		{"/a/deck.KEY", "keynote"},
		{"/a/report.pages", "pages"},
		{"/a/notes.markdown", "markdown"},
		{"/a/export.csv", "csv"},
		{"/a/photo.HEIC", "image"},
		{"/a/song.m4a", "audio"},
		{"/a/index.htm", "html"},
		{"/a/archive.zip", "file"},
		{"/a/no-extension", "file"},
	}
	for _, tt := range tests {
		if got := NewFileRef(tt.path); got.Kind != tt.kind {
			t.Errorf("NewFileRef(%q).Kind = %q, want %q", tt.path, got.Kind, tt.kind)
		}
	}
}
