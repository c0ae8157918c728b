package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/cursord/internal/callback"
	"github.com/nevindra/cursord/internal/config"
	"github.com/nevindra/cursord/internal/convo"
	"github.com/nevindra/cursord/internal/supervisor"
)

type execOutcome struct {
	res supervisor.Result
	err error
}

// fakeExec pops scripted outcomes in call order and records invocations.
type fakeExec struct {
	mu       sync.Mutex
	calls    []supervisor.Invocation
	outcomes []execOutcome
}

func (f *fakeExec) Run(_ context.Context, inv supervisor.Invocation) (supervisor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, inv)
	if len(f.outcomes) == 0 {
		return supervisor.Result{}, &supervisor.Error{Kind: supervisor.KindSpawnFailed, Message: "script exhausted"}
	}
	o := f.outcomes[0]
	f.outcomes = f.outcomes[1:]
	return o.res, o.err
}

func (f *fakeExec) invocations() []supervisor.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.Invocation(nil), f.calls...)
}

func ok(stdout string) execOutcome {
	return execOutcome{res: supervisor.Result{ExitCode: 0, Stdout: stdout}}
}

func envelope(codeComplete, breakIteration bool, justification string) execOutcome {
	b, _ := json.Marshal(map[string]any{
		"code_complete":   codeComplete,
		"break_iteration": breakIteration,
		"justification":   justification,
	})
	return ok(string(b))
}

func newTestRunner(t *testing.T, exec *fakeExec, opts ...Option) (*Runner, *convo.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.RepositoriesPath = t.TempDir()
	cfg.Loop.MaxIterations = 3

	store := convo.New(convo.NewMemoryKV())
	sem := supervisor.NewSemaphore(2)
	dispatch := callback.New(callback.WithBackoff(nil))
	return New(cfg, exec, sem, store, dispatch, opts...), store
}

func TestExecuteValidation(t *testing.T) {
	r, _ := newTestRunner(t, &fakeExec{})

	_, err := r.Execute(context.Background(), Request{Prompt: "   "})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Reason != "prompt is required" {
		t.Errorf("want prompt validation error, got %v", err)
	}
}

func TestExecuteRepositoryNotFound(t *testing.T) {
	r, _ := newTestRunner(t, &fakeExec{})

	_, err := r.Execute(context.Background(), Request{Prompt: "p", Repository: "missing"})
	var nferr *NotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
	if !strings.Contains(nferr.Path, "missing") {
		t.Errorf("path does not name the repository: %q", nferr.Path)
	}
}

func TestTelegramPrefixForcesQueueType(t *testing.T) {
	r, _ := newTestRunner(t, &fakeExec{})
	req := r.normalize(Request{ID: "telegram-42", Prompt: "p"})
	if req.QueueType != "telegram" {
		t.Errorf("queueType = %q", req.QueueType)
	}
}

func TestSinglePassSuccess(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{ok("Created: internal/app.go\ndone")}}
	exec.outcomes[0].res.TouchedFiles = []string{"internal/app.go"}
	r, store := newTestRunner(t, exec)

	res, err := r.Execute(context.Background(), Request{Prompt: "build it"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.RequestID == "" || res.Timestamp == "" {
		t.Errorf("identity fields missing: %+v", res)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d", res.Iterations)
	}
	if len(res.TouchedFiles) != 1 || res.TouchedFiles[0] != "internal/app.go" {
		t.Errorf("touched = %v", res.TouchedFiles)
	}

	// One supervised call, no review pass.
	if calls := exec.invocations(); len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}

	// Conversation got the user prompt and the assistant output.
	rec, err := store.Get(context.Background(), res.ConversationID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(rec.Messages) != 2 || rec.Messages[0].Role != "user" || rec.Messages[1].Role != "assistant" {
		t.Errorf("messages = %+v", rec.Messages)
	}
}

func TestFirstRoundArgs(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{ok("out")}}
	r, _ := newTestRunner(t, exec)

	_, err := r.Execute(context.Background(), Request{Prompt: "build it"})
	if err != nil {
		t.Fatal(err)
	}
	args := exec.invocations()[0].Args
	if args[0] != "--print" || args[len(args)-1] != "build it" {
		t.Errorf("args = %v", args)
	}
	for _, a := range args {
		if a == "--resume" {
			t.Errorf("first round must not resume: %v", args)
		}
	}
}

func TestMCPInstructionsInjectedIntoFirstRound(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{ok("out")}}
	cfg := config.Default()
	cfg.Server.RepositoriesPath = t.TempDir()
	cfg.CursorCLI.ApprovedMCPs = []string{"fs", "web"}

	store := convo.New(convo.NewMemoryKV())
	r := New(cfg, exec, supervisor.NewSemaphore(1), store, callback.New(callback.WithBackoff(nil)))

	_, err := r.Execute(context.Background(), Request{Prompt: "build it"})
	if err != nil {
		t.Fatal(err)
	}

	args := exec.invocations()[0].Args
	last := args[len(args)-1]
	if !strings.HasPrefix(last, "build it") || !strings.Contains(last, "MCP servers") {
		t.Errorf("prompt not augmented: %q", last)
	}
	for _, a := range args[:len(args)-1] {
		if strings.Contains(a, "MCP servers") {
			t.Errorf("instructions leaked into a flag: %v", args)
		}
	}
}

func TestIterateCodeComplete(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{
		ok("main output"),
		envelope(true, false, "looks done"),
	}}
	r, _ := newTestRunner(t, exec)

	res, err := r.Execute(context.Background(), Request{Prompt: "p", Iterate: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.ReviewJustification != "looks done" {
		t.Errorf("justification = %q", res.ReviewJustification)
	}

	calls := exec.invocations()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if !calls[1].DisablePTY {
		t.Error("review pass must disable the pty")
	}
	if !strings.Contains(calls[1].Args[len(calls[1].Args)-1], "main output") {
		t.Error("review prompt does not embed the main output")
	}
}

func TestIterateSecondRoundResumes(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{
		ok("round one"),
		envelope(false, false, "keep going"),
		ok("round two"),
		envelope(true, false, "done now"),
	}}
	r, _ := newTestRunner(t, exec)

	res, err := r.Execute(context.Background(), Request{Prompt: "p", Iterate: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.Output != "round two" {
		t.Errorf("output = %q", res.Output)
	}

	calls := exec.invocations()
	if len(calls) != 4 {
		t.Fatalf("calls = %d", len(calls))
	}
	round2 := calls[2].Args
	if round2[0] != "--resume" || round2[1] != res.ConversationID {
		t.Errorf("round 2 args = %v", round2)
	}
}

func TestIterateBreakWinsOverComplete(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{
		ok("useful work"),
		envelope(true, true, "stuck on trust prompt"),
	}}
	r, _ := newTestRunner(t, exec)

	res, err := r.Execute(context.Background(), Request{Prompt: "p", Iterate: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("break must fail the loop")
	}
	if res.Reason != ReasonReviewBreak {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.ReviewJustification != "stuck on trust prompt" || res.OriginalOutput != "useful work" {
		t.Errorf("result = %+v", res)
	}
	// A break on the very first round halts at iteration 0.
	if res.Iterations != 0 {
		t.Errorf("iterations = %d, want 0", res.Iterations)
	}
}

func TestIterateReviewUnparseable(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{
		ok("the real work"),
		ok("I think it is done, no JSON here"),
	}}
	r, _ := newTestRunner(t, exec)

	res, err := r.Execute(context.Background(), Request{Prompt: "p", Iterate: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Reason != ReasonReviewParseFailed {
		t.Errorf("result = %+v", res)
	}
	// A broken review pass must not hide the main output.
	if res.Output != "the real work" {
		t.Errorf("output = %q", res.Output)
	}
	if res.Iterations != 0 {
		t.Errorf("iterations = %d, want 0", res.Iterations)
	}
}

func TestIterateMaxIterationsReached(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{
		ok("r1"), envelope(false, false, "more"),
		ok("r2"), envelope(false, false, "more"),
		ok("r3"), envelope(false, false, "still more"),
	}}
	r, _ := newTestRunner(t, exec)

	res, err := r.Execute(context.Background(), Request{Prompt: "p", Iterate: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Reason != ReasonMaxIterationsReached {
		t.Errorf("result = %+v", res)
	}
	// The loop halts at the last zero-based round index, maxIterations-1.
	if res.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", res.Iterations)
	}
	if res.OriginalOutput != "r3" {
		t.Errorf("originalOutput = %q", res.OriginalOutput)
	}
}

func TestSupervisorFailureSkipsReview(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{
		{err: &supervisor.Error{
			Kind:    supervisor.KindHardTimeout,
			Message: "execution exceeded hard timeout of 5m0s",
			Stdout:  "partial",
		}},
	}}
	r, _ := newTestRunner(t, exec)

	res, err := r.Execute(context.Background(), Request{Prompt: "p", Iterate: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Reason != "HardTimeout" {
		t.Errorf("result = %+v", res)
	}
	if res.Output != "partial" {
		t.Errorf("partial output lost: %q", res.Output)
	}
	if len(exec.invocations()) != 1 {
		t.Error("review pass must not run after a main-pass failure")
	}
}

type downKV struct{ *convo.MemoryKV }

func (downKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}
func (downKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}

func TestStoreUnavailableDegradesToTransient(t *testing.T) {
	exec := &fakeExec{outcomes: []execOutcome{ok("out")}}
	cfg := config.Default()
	cfg.Server.RepositoriesPath = t.TempDir()

	store := convo.New(downKV{convo.NewMemoryKV()})
	r := New(cfg, exec, supervisor.NewSemaphore(1), store, callback.New(callback.WithBackoff(nil)))

	res, err := r.Execute(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Execute must degrade, not fail: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasPrefix(res.ConversationID, "agent-") {
		t.Errorf("transient conversation id missing: %q", res.ConversationID)
	}
}

func TestExecuteAsyncRequiresCallbackURL(t *testing.T) {
	r, _ := newTestRunner(t, &fakeExec{})
	_, err := r.ExecuteAsync(Request{Prompt: "p"})
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Reason, "callbackUrl") {
		t.Errorf("want callbackUrl validation error, got %v", err)
	}
}

func TestExecuteAsyncDeliversResult(t *testing.T) {
	payload := make(chan Result, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res Result
		_ = json.NewDecoder(r.Body).Decode(&res)
		payload <- res
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := &fakeExec{outcomes: []execOutcome{ok("async out")}}
	r, _ := newTestRunner(t, exec)

	ack, err := r.ExecuteAsync(Request{Prompt: "p", CallbackURL: srv.URL})
	if err != nil {
		t.Fatalf("ExecuteAsync: %v", err)
	}
	if !ack.Success || ack.RequestID == "" {
		t.Errorf("ack = %+v", ack)
	}

	select {
	case res := <-payload:
		if !res.Success || res.RequestID != ack.RequestID {
			t.Errorf("callback payload = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never delivered")
	}
	r.Wait()
}

func TestExecuteAsyncMissingRepositoryReportedViaCallback(t *testing.T) {
	payload := make(chan Result, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res Result
		_ = json.NewDecoder(r.Body).Decode(&res)
		payload <- res
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r, _ := newTestRunner(t, &fakeExec{})

	ack, err := r.ExecuteAsync(Request{Prompt: "p", Repository: "missing", CallbackURL: srv.URL})
	if err != nil {
		t.Fatalf("ack must come before repository validation: %v", err)
	}
	_ = ack

	select {
	case res := <-payload:
		if res.Success || !strings.Contains(res.Error, "missing") {
			t.Errorf("callback payload = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("failure callback never delivered")
	}
	r.Wait()
}
