package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/maghams62/auto-mac/pkg/events"
	"github.com/maghams62/auto-mac/pkg/executor"
	"github.com/maghams62/auto-mac/pkg/finalizer"
	"github.com/maghams62/auto-mac/pkg/logger"
	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/planner"
	"github.com/maghams62/auto-mac/pkg/reflector"
	"github.com/maghams62/auto-mac/pkg/registry"
	"github.com/maghams62/auto-mac/pkg/trace"
	"github.com/maghams62/auto-mac/pkg/validator"
	"github.com/maghams62/auto-mac/pkg/verifier"
)

type fakeModel struct {
	responses []string
	calls     int32
}

func (f *fakeModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	n := int(atomic.AddInt32(&f.calls, 1)) - 1
	if n >= len(f.responses) {
		return nil, errors.New("fake model exhausted")
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.responses[n]}}}, nil
}

func (f *fakeModel) Call(_ context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return "", errors.New("not used")
}

type kernelEnv struct {
	kernel   *Kernel
	registry *registry.Registry
	sessions *trace.Manager
	bus      *events.Bus

	findCalls  int32
	emailCalls int32
	emailFails int32 // fail the first N email invocations

	mu          sync.Mutex
	emailParams []map[string]interface{}
}

func newKernelEnv(t *testing.T, model llms.Model, retryBudget int) *kernelEnv {
	t.Helper()
	log := logger.CreateTestLogger(filepath.Join(t.TempDir(), "test.log"), "info")
	env := &kernelEnv{registry: registry.New()}

	register := func(d registry.Descriptor, fn registry.Invocable) {
		if err := env.registry.Register(d, fn); err != nil {
			t.Fatal(err)
		}
	}
	register(registry.Descriptor{Name: "folder_find_duplicates", Tags: []string{registry.TagSearch}},
		func(_ context.Context, _ map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
			atomic.AddInt32(&env.findCalls, 1)
			return plan.Success(map[string]interface{}{
				"duplicates":             []interface{}{"a.txt", "b.txt"},
				"total_duplicate_groups": 1,
				"wasted_space_mb":        0.38,
			})
		})
	register(registry.Descriptor{Name: "compose_email", Verifiable: true, Tags: []string{registry.TagDelivery}},
		func(_ context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
			env.mu.Lock()
			env.emailParams = append(env.emailParams, params)
			env.mu.Unlock()
			n := atomic.AddInt32(&env.emailCalls, 1)
			if n <= atomic.LoadInt32(&env.emailFails) {
				return plan.Failure(plan.ErrToolInvocation, "smtp refused")
			}
			return plan.Success(map[string]interface{}{"sent": true})
		})
	register(registry.Descriptor{Name: "wait_forever"},
		func(ctx context.Context, _ map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
			<-ctx.Done()
			return plan.Cancelled()
		})
	register(registry.Descriptor{Name: "reply_to_user", Terminal: true},
		func(_ context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
			msg, _ := params["message"].(string)
			return plan.Success(map[string]interface{}{"message": msg, "details": params["details"]})
		})

	env.sessions = trace.NewManager(trace.ManagerConfig{
		Dir: t.TempDir(), Enabled: true, FlushInterval: time.Hour,
	}, log)
	t.Cleanup(env.sessions.Close)
	env.bus = events.NewBus(nil, log)
	t.Cleanup(env.bus.Close)

	p := planner.New(model, env.registry, nil, planner.DefaultConfig(), log)
	env.kernel = New(Deps{
		Planner:   p,
		Validator: validator.New(env.registry, log),
		Executor:  executor.New(env.registry, env.sessions, env.bus, executor.Config{MaxParallel: 2, DefaultStepTimeout: 5 * time.Second}, log),
		Verifier:  verifier.New(model, env.registry, env.bus, log),
		Reflector: reflector.New(p, env.sessions, reflector.Config{RetryBudget: retryBudget}, log),
		Finalizer: finalizer.New(env.registry, env.sessions, env.bus, log),
		Registry:  env.registry,
		Sessions:  env.sessions,
		Bus:       env.bus,
		Logger:    log,
	}, DefaultConfig())
	return env
}

const happyPlanJSON = `{
	"goal": "find duplicates",
	"steps": [
		{"id": 1, "action": "folder_find_duplicates", "parameters": {"path": "~/Documents"}, "dependencies": []},
		{"id": 2, "action": "reply_to_user", "parameters": {"message": "Found 1 duplicate group"}, "dependencies": [1]}
	]
}`

func TestHandleRequestHappyPath(t *testing.T) {
	model := &fakeModel{responses: []string{happyPlanJSON}}
	env := newKernelEnv(t, model, 2)

	sub := env.bus.Subscribe("s1")
	defer env.bus.Unsubscribe(sub.ID)

	reply, err := env.kernel.HandleRequest(context.Background(), "s1", "find duplicate files")
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Status != plan.InteractionSuccess {
		t.Fatalf("status = %v, reply = %+v", reply.Status, reply)
	}
	if reply.Message != "Found 1 duplicate group" {
		t.Errorf("message = %q", reply.Message)
	}
	if env.findCalls != 1 {
		t.Errorf("findCalls = %d", env.findCalls)
	}

	// The event stream must show the full state progression and close with
	// an interaction end.
	var states []string
	var sawEnd bool
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			switch data := ev.Data.(type) {
			case *events.StateTransitionData:
				states = append(states, data.To)
			case *events.InteractionEndData:
				sawEnd = true
				done = true
			}
		case <-time.After(2 * time.Second):
			done = true
		}
	}
	want := []string{"PLANNING", "VALIDATING", "EXECUTING", "VERIFYING", "FINALIZING", "DONE"}
	if strings.Join(states, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", states, want)
	}
	if !sawEnd {
		t.Errorf("no interaction end event observed")
	}
}

func TestHandleRequestReplansOnRejectedPlan(t *testing.T) {
	bad := `{"goal":"g","steps":[{"id":1,"action":"no_such_tool","dependencies":[]}]}`
	model := &fakeModel{responses: []string{bad, happyPlanJSON}}
	env := newKernelEnv(t, model, 2)

	reply, err := env.kernel.HandleRequest(context.Background(), "s1", "find duplicate files")
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Status != plan.InteractionSuccess {
		t.Fatalf("status = %v, reply = %+v", reply.Status, reply)
	}
	if model.calls != 2 {
		t.Errorf("model calls = %d, want 2", model.calls)
	}
}

func TestHandleRequestContinuationAfterFailure(t *testing.T) {
	initial := `{
		"goal": "email the duplicates",
		"steps": [
			{"id": 1, "action": "folder_find_duplicates", "parameters": {}, "dependencies": []},
			{"id": 2, "action": "compose_email", "parameters": {"to": "me", "body": "$step1.duplicates", "send": true}, "dependencies": [1]},
			{"id": 3, "action": "reply_to_user", "parameters": {"message": "sent"}, "dependencies": [2]}
		]
	}`
	continuation := `{
		"goal": "email the duplicates",
		"steps": [
			{"id": 4, "action": "compose_email", "parameters": {"to": "me", "body": "$step1.duplicates", "send": true}, "dependencies": [1]},
			{"id": 5, "action": "reply_to_user", "parameters": {"message": "sent on retry"}, "dependencies": [4]}
		]
	}`
	model := &fakeModel{responses: []string{initial, continuation}}
	env := newKernelEnv(t, model, 2)
	env.emailFails = 1

	reply, err := env.kernel.HandleRequest(context.Background(), "s1", "email me the duplicates")
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Status != plan.InteractionSuccess {
		t.Fatalf("status = %v, reply = %+v", reply.Status, reply)
	}
	if reply.Message != "sent on retry" {
		t.Errorf("message = %q", reply.Message)
	}
	// The successful search step carries over; only the email is retried.
	if env.findCalls != 1 {
		t.Errorf("findCalls = %d, want 1", env.findCalls)
	}
	if env.emailCalls != 2 {
		t.Errorf("emailCalls = %d, want 2", env.emailCalls)
	}
}

func TestHandleRequestMergesVerifierSuggestions(t *testing.T) {
	planJSON := `{
		"goal": "email the report",
		"steps": [
			{"id": 1, "action": "compose_email", "parameters": {"to": "me", "body": "the report", "send": true}, "dependencies": []},
			{"id": 2, "action": "reply_to_user", "parameters": {"message": "sent"}, "dependencies": [1]}
		]
	}`
	failVerdict := `{
		"verdict": "fail",
		"explanation": "the email went out without the report it describes",
		"suggested_parameters": {"attachments": ["/tmp/trip.pdf"]}
	}`
	model := &fakeModel{responses: []string{planJSON, failVerdict, `{"verdict": "ok"}`}}
	env := newKernelEnv(t, model, 2)

	reply, err := env.kernel.HandleRequest(context.Background(), "s1", "email me please")
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Status != plan.InteractionSuccess {
		t.Fatalf("status = %v, reply = %+v", reply.Status, reply)
	}
	// The flagged step is redone mechanically with the suggestion merged in;
	// no extra planner call happens.
	if model.calls != 3 {
		t.Errorf("model calls = %d, want 3 (plan + two verdicts)", model.calls)
	}
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.emailParams) != 2 {
		t.Fatalf("emailCalls = %d, want 2", len(env.emailParams))
	}
	redo := env.emailParams[1]
	attachments, _ := redo["attachments"].([]interface{})
	if len(attachments) != 1 || attachments[0] != "/tmp/trip.pdf" {
		t.Errorf("redo attachments = %v", redo["attachments"])
	}
	if redo["to"] != "me" || redo["send"] != true {
		t.Errorf("redo lost original parameters: %v", redo)
	}
}

func TestHandleRequestDuplicateScanScenario(t *testing.T) {
	planJSON := `{
		"goal": "scan for duplicates",
		"steps": [
			{"id": 1, "action": "folder_find_duplicates", "parameters": {"folder_path": null}, "dependencies": []},
			{"id": 2, "action": "reply_to_user", "parameters": {
				"message": "Found {$step1.total_duplicate_groups} group(s) of duplicate files, wasting {$step1.wasted_space_mb} MB",
				"details": "$step1.duplicates"
			}, "dependencies": [1]}
		]
	}`
	model := &fakeModel{responses: []string{planJSON}}
	env := newKernelEnv(t, model, 2)

	reply, err := env.kernel.HandleRequest(context.Background(), "s1", "find duplicate files in my home folder")
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Status != plan.InteractionSuccess {
		t.Fatalf("status = %v, reply = %+v", reply.Status, reply)
	}
	want := "Found 1 group(s) of duplicate files, wasting 0.38 MB"
	if reply.Message != want {
		t.Errorf("message = %q, want %q", reply.Message, want)
	}
	details, _ := reply.Details.([]interface{})
	if len(details) != 2 {
		t.Errorf("details = %v", reply.Details)
	}
}

func TestHandleRequestBudgetExhausted(t *testing.T) {
	failing := `{
		"goal": "email",
		"steps": [
			{"id": 1, "action": "compose_email", "parameters": {"to": "me"}, "dependencies": []},
			{"id": 2, "action": "reply_to_user", "parameters": {"message": "sent"}, "dependencies": [1]}
		]
	}`
	// Nothing ever succeeds, so every correction cycle is a full replan.
	// Budget 2 means three execution passes before the kernel gives up.
	model := &fakeModel{responses: []string{failing, failing, failing}}
	env := newKernelEnv(t, model, 2)
	env.emailFails = 100

	reply, err := env.kernel.HandleRequest(context.Background(), "s1", "email me")
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if env.emailCalls != 3 {
		t.Errorf("emailCalls = %d, want 3", env.emailCalls)
	}
	if reply.Status != plan.InteractionError {
		t.Fatalf("status = %v, reply = %+v", reply.Status, reply)
	}
	details, _ := reply.Details.(map[string]interface{})
	if details["error_kind"] != string(plan.ErrToolInvocation) {
		t.Errorf("details = %+v", reply.Details)
	}
}

func TestHandleRequestUnparseablePlanner(t *testing.T) {
	model := &fakeModel{responses: []string{"nope", "still nope", "not json"}}
	env := newKernelEnv(t, model, 2)

	reply, err := env.kernel.HandleRequest(context.Background(), "s1", "do something")
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Status != plan.InteractionError {
		t.Fatalf("status = %v", reply.Status)
	}
	details, _ := reply.Details.(map[string]interface{})
	if details["error_kind"] != string(plan.ErrPlannerUnparseable) {
		t.Errorf("details = %+v", reply.Details)
	}
}

func TestCancelStopsInteraction(t *testing.T) {
	blocking := `{
		"goal": "wait",
		"steps": [
			{"id": 1, "action": "wait_forever", "parameters": {}, "dependencies": []},
			{"id": 2, "action": "reply_to_user", "parameters": {"message": "done"}, "dependencies": [1]}
		]
	}`
	model := &fakeModel{responses: []string{blocking}}
	env := newKernelEnv(t, model, 2)

	go func() {
		// Let the blocking step start before cancelling.
		time.Sleep(200 * time.Millisecond)
		env.kernel.Cancel("s1")
	}()

	reply, err := env.kernel.HandleRequest(context.Background(), "s1", "wait for me")
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if reply.Status != plan.InteractionCancelled {
		t.Fatalf("status = %v, reply = %+v", reply.Status, reply)
	}
}

func TestCancelWithoutLiveInteraction(t *testing.T) {
	env := newKernelEnv(t, &fakeModel{}, 2)
	if env.kernel.Cancel("nobody") {
		t.Errorf("Cancel reported a live interaction for an idle session")
	}
}
