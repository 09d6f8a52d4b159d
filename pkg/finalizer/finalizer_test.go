package finalizer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/logger"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/trace"
)

func noop(_ context.Context, _ map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
	return plan.Success(nil)
}

func newTestFinalizer(t *testing.T) (*Finalizer, *trace.Manager) {
	t.Helper()
	log := logger.CreateTestLogger(filepath.Join(t.TempDir(), "test.log"), "info")
	reg := registry.New()
	descs := []registry.Descriptor{
		{Name: "folder_find_duplicates", Tags: []string{registry.TagSearch}},
		{Name: "create_keynote", Tags: []string{registry.TagProducesFile}},
		{Name: "compose_email", Tags: []string{registry.TagDelivery}},
		{Name: "play_song", Tags: []string{registry.TagMusic}},
		{Name: "reply_to_user", Terminal: true},
	}
	for _, d := range descs {
		if err := reg.Register(d, noop); err != nil {
			t.Fatal(err)
		}
	}
	sessions := trace.NewManager(trace.ManagerConfig{
		Dir: t.TempDir(), Enabled: true, FlushInterval: time.Hour,
	}, log)
	t.Cleanup(sessions.Close)
	bus := events.NewBus(nil, log)
	t.Cleanup(bus.Close)
	return New(reg, sessions, bus, log), sessions
}

func begin(t *testing.T, sessions *trace.Manager, sessionID string) string {
	t.Helper()
	in, err := sessions.BeginInteraction(sessionID, "request")
	if err != nil {
		t.Fatal(err)
	}
	return in.ID
}

func TestFinalizeSuccess(t *testing.T) {
	f, sessions := newTestFinalizer(t)
	interactionID := begin(t, sessions, "s1")

	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		{ID: 1, Action: "folder_find_duplicates"},
		{ID: 2, Action: "reply_to_user", Dependencies: []int{1}},
	}}
	results := map[int]*plan.StepResult{
		1: plan.Success(map[string]interface{}{"total_duplicate_groups": 2}),
		2: plan.Success(map[string]interface{}{
			"message": "Found 2 group(s) of duplicate files",
			"details": []interface{}{"a.txt", "b.txt"},
		}),
	}

	reply, status := f.Finalize(Input{
		SessionID: "s1", InteractionID: interactionID,
		Plan: p, Results: results,
	})
	if status != plan.InteractionSuccess {
		t.Fatalf("status = %v", status)
	}
	if reply.Message != "Found 2 group(s) of duplicate files" || reply.Details == nil {
		t.Errorf("reply = %+v", reply)
	}

	// The interaction must be closed and frozen.
	if _, err := sessions.AddEntry("s1", trace.StageExecution, "late"); err == nil {
		t.Errorf("session still has a live interaction after finalize")
	}
}

// emailedKeynote builds a keynote → email → reply fixture around a real file.
func emailedKeynote(t *testing.T, emailParams map[string]interface{}) (*plan.Plan, map[int]*plan.StepResult, string) {
	t.Helper()
	keynotePath := filepath.Join(t.TempDir(), "whales.key")
	if err := os.WriteFile(keynotePath, []byte("slides"), 0o644); err != nil {
		t.Fatal(err)
	}
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		{ID: 1, Action: "create_keynote"},
		{ID: 2, Action: "compose_email", Dependencies: []int{1}, Parameters: emailParams},
		{ID: 3, Action: "reply_to_user", Dependencies: []int{2}},
	}}
	keynote := plan.Success(map[string]interface{}{"file_path": keynotePath})
	keynote.Attachments = keynote.ExtractAttachments()
	results := map[int]*plan.StepResult{
		1: keynote,
		2: plan.Success(nil),
		3: plan.Success(map[string]interface{}{"message": "Sent the slideshow to your email"}),
	}
	return p, results, keynotePath
}

func TestFinalizeCommitmentsFulfilled(t *testing.T) {
	f, sessions := newTestFinalizer(t)
	interactionID := begin(t, sessions, "s1")

	p, results, keynotePath := emailedKeynote(t, map[string]interface{}{
		"attachments": []interface{}{"$step1.file_path"},
		"send":        true,
	})

	reply, status := f.Finalize(Input{
		SessionID: "s1", InteractionID: interactionID,
		Plan: p, Results: results,
		Commitments: []trace.CommitmentTag{
			trace.CommitSendEmail, trace.CommitAttachDocs, trace.CommitCreateDocument,
		},
	})
	if status != plan.InteractionSuccess {
		t.Fatalf("status = %v, reply = %+v", status, reply)
	}
	if len(reply.Attachments) != 1 || reply.Attachments[0].Path != keynotePath {
		t.Errorf("attachments = %+v", reply.Attachments)
	}
}

func TestFinalizeDraftedEmailIsPartial(t *testing.T) {
	f, sessions := newTestFinalizer(t)
	interactionID := begin(t, sessions, "s1")

	// The email step succeeded but was never told to send.
	p, results, _ := emailedKeynote(t, map[string]interface{}{
		"attachments": []interface{}{"$step1.file_path"},
	})

	reply, status := f.Finalize(Input{
		SessionID: "s1", InteractionID: interactionID,
		Plan: p, Results: results,
		Commitments: []trace.CommitmentTag{trace.CommitSendEmail},
	})
	if status != plan.InteractionPartialSuccess {
		t.Fatalf("status = %v, reply = %+v", status, reply)
	}
	if !strings.Contains(reply.Message, "send_email") {
		t.Errorf("reply message missing the unfulfilled tag: %q", reply.Message)
	}
}

func TestFinalizeMissingAttachmentFileIsPartial(t *testing.T) {
	f, sessions := newTestFinalizer(t)
	interactionID := begin(t, sessions, "s1")

	// The attachment path resolves but no such file exists on disk.
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		{ID: 1, Action: "create_keynote"},
		{ID: 2, Action: "compose_email", Dependencies: []int{1},
			Parameters: map[string]interface{}{
				"attachments": []interface{}{"$step1.file_path"},
				"send":        true,
			}},
		{ID: 3, Action: "reply_to_user", Dependencies: []int{2}},
	}}
	results := map[int]*plan.StepResult{
		1: plan.Success(map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "gone.key")}),
		2: plan.Success(nil),
		3: plan.Success(map[string]interface{}{"message": "Sent"}),
	}

	_, status := f.Finalize(Input{
		SessionID: "s1", InteractionID: interactionID,
		Plan: p, Results: results,
		Commitments: []trace.CommitmentTag{trace.CommitAttachDocs},
	})
	if status != plan.InteractionPartialSuccess {
		t.Fatalf("status = %v", status)
	}
}

func TestFinalizeUnfulfilledCommitmentIsPartial(t *testing.T) {
	f, sessions := newTestFinalizer(t)
	interactionID := begin(t, sessions, "s1")

	// Email was promised but no delivery step ever ran.
	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		{ID: 1, Action: "folder_find_duplicates"},
		{ID: 2, Action: "reply_to_user", Dependencies: []int{1}},
	}}
	results := map[int]*plan.StepResult{
		1: plan.Success(nil),
		2: plan.Success(map[string]interface{}{"message": "Done"}),
	}

	reply, status := f.Finalize(Input{
		SessionID: "s1", InteractionID: interactionID,
		Plan: p, Results: results,
		Commitments: []trace.CommitmentTag{trace.CommitSendEmail},
	})
	if status != plan.InteractionPartialSuccess {
		t.Fatalf("status = %v", status)
	}
	if !strings.Contains(reply.Message, "could not confirm") {
		t.Errorf("reply message missing caveat: %q", reply.Message)
	}
}

func TestFinalizeTerminalFailed(t *testing.T) {
	f, sessions := newTestFinalizer(t)
	interactionID := begin(t, sessions, "s1")

	p := &plan.Plan{Goal: "g", Steps: []*plan.Step{
		{ID: 1, Action: "folder_find_duplicates"},
		{ID: 2, Action: "reply_to_user", Dependencies: []int{1}},
	}}
	results := map[int]*plan.StepResult{
		1: plan.Failure(plan.ErrToolInvocation, "disk unreadable"),
		2: plan.Skipped("dependency 1 did not succeed"),
	}

	reply, status := f.Finalize(Input{
		SessionID: "s1", InteractionID: interactionID,
		Plan: p, Results: results,
	})
	if status != plan.InteractionError {
		t.Fatalf("status = %v", status)
	}
	details, _ := reply.Details.(map[string]interface{})
	if details["error_kind"] != string(plan.ErrToolInvocation) {
		t.Errorf("details = %+v", reply.Details)
	}
}

func TestFinalizeCancelled(t *testing.T) {
	f, sessions := newTestFinalizer(t)
	interactionID := begin(t, sessions, "s1")

	reply, status := f.Finalize(Input{
		SessionID: "s1", InteractionID: interactionID,
		Cancelled: true,
	})
	if status != plan.InteractionCancelled || reply.Status != plan.InteractionCancelled {
		t.Errorf("status = %v, reply = %+v", status, reply)
	}
}
