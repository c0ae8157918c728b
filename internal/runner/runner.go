// Package runner drives Agent CLI executions end to end: admission through
// the FIFO semaphore, conversation persistence, the iterative review loop,
// and result delivery. It exposes a synchronous flavour for blocking
// callers and an async flavour that acknowledges immediately and reports
// through the callback dispatcher.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/cursord/internal/callback"
	"github.com/nevindra/cursord/internal/cliargs"
	"github.com/nevindra/cursord/internal/config"
	"github.com/nevindra/cursord/internal/convo"
	"github.com/nevindra/cursord/internal/ids"
	"github.com/nevindra/cursord/internal/observer"
	"github.com/nevindra/cursord/internal/parse"
	"github.com/nevindra/cursord/internal/queue"
	"github.com/nevindra/cursord/internal/supervisor"
)

// Loop failure reasons carried in Result.Reason.
const (
	ReasonReviewParseFailed    = "ReviewParseFailed"
	ReasonReviewBreak          = "ReviewBreak"
	ReasonMaxIterationsReached = "MaxIterationsReached"
)

// continuePrompt is the refined prompt for resume rounds.
const continuePrompt = "Continue working on the previous task. Address anything the review found incomplete."

// mcpInstructions is appended to the first-round prompt when at least one
// MCP server is approved for the run.
const mcpInstructions = "You may use the approved MCP servers and tools configured for this workspace."

// ValidationError rejects a request before any work starts (400).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NotFoundError reports a repository path that does not exist (404).
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return "repository not found: " + e.Path }

// Request is one execution submission. Immutable once normalized.
type Request struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Repository     string `json:"repository,omitempty"`
	BranchName     string `json:"branchName,omitempty"`
	Prompt         string `json:"prompt"`
	QueueType      string `json:"queueType,omitempty"` // default | api | telegram
	CallbackURL    string `json:"callbackUrl,omitempty"`
	Source         string `json:"source,omitempty"`
	TimeoutMS      int64  `json:"timeoutMs,omitempty"`
	MaxIterations  int    `json:"maxIterations,omitempty"`

	// Iterate enables the review loop. Set by the iterate endpoints.
	Iterate bool `json:"-"`
}

// Result is the terminal outcome of one execution, shaped for both the
// synchronous HTTP response and the async callback payload.
type Result struct {
	Success             bool     `json:"success"`
	RequestID           string   `json:"requestId"`
	ConversationID      string   `json:"conversationId,omitempty"`
	Repository          string   `json:"repository,omitempty"`
	BranchName          string   `json:"branchName,omitempty"`
	Output              string   `json:"output"`
	ExitCode            int      `json:"exitCode"`
	DurationMS          int64    `json:"duration"`
	Timestamp           string   `json:"timestamp"`
	// Iterations counts completed rounds on success; on failure it is the
	// zero-based index of the round where the loop halted.
	Iterations          int      `json:"iterations"`
	TouchedFiles        []string `json:"touchedFiles,omitempty"`
	Error               string   `json:"error,omitempty"`
	Reason              string   `json:"reason,omitempty"`
	ReviewJustification string   `json:"reviewJustification,omitempty"`
	OriginalOutput      string   `json:"originalOutput,omitempty"`
}

// Ack is the immediate response to an async submission.
type Ack struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// Executor runs one supervised Agent CLI invocation. *supervisor.Supervisor
// satisfies it; tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, inv supervisor.Invocation) (supervisor.Result, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithJournal records async tasks in a durable journal.
func WithJournal(j queue.Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// WithShutdownContext ties every async run to ctx; cancelling it propagates
// into the supervisor's termination protocol.
func WithShutdownContext(ctx context.Context) Option {
	return func(r *Runner) { r.baseCtx = ctx }
}

// WithInstruments records admission and execution metrics.
func WithInstruments(inst *observer.Instruments) Option {
	return func(r *Runner) { r.inst = inst }
}

// Runner owns the execution pipeline. Safe for concurrent use.
type Runner struct {
	cfg      config.Config
	exec     Executor
	sem      *supervisor.Semaphore
	store    *convo.Store
	dispatch *callback.Dispatcher
	journal  queue.Journal
	inst     *observer.Instruments
	logger   *slog.Logger
	baseCtx  context.Context
	wg       sync.WaitGroup
}

// New creates a Runner.
func New(cfg config.Config, exec Executor, sem *supervisor.Semaphore, store *convo.Store, dispatch *callback.Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		exec:     exec,
		sem:      sem,
		store:    store,
		dispatch: dispatch,
		logger:   slog.New(slog.DiscardHandler),
		baseCtx:  context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Semaphore exposes the admission semaphore for health reporting.
func (r *Runner) Semaphore() *supervisor.Semaphore { return r.sem }

// Wait blocks until every in-flight async run has finished. Called during
// graceful shutdown after the shutdown context is cancelled.
func (r *Runner) Wait() { r.wg.Wait() }

// normalize fills the request identifier and queue type.
func (r *Runner) normalize(req Request) Request {
	if req.ID == "" {
		req.ID = ids.New("req")
	}
	if strings.HasPrefix(req.ID, "telegram-") {
		req.QueueType = "telegram"
	}
	if req.QueueType == "" {
		req.QueueType = "default"
	}
	return req
}

func validate(req Request, async bool) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Reason: "prompt is required"}
	}
	if async && req.CallbackURL == "" {
		return &ValidationError{Reason: "callbackUrl is required for async execution"}
	}
	return nil
}

// workspace resolves the request's working directory and verifies it is an
// existing directory.
func (r *Runner) workspace(req Request) (string, error) {
	dir := r.cfg.Server.RepositoriesPath
	if req.Repository != "" {
		dir = filepath.Join(dir, req.Repository)
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", &NotFoundError{Path: dir}
	}
	return dir, nil
}

// Execute runs the request to completion on the caller's goroutine.
// ValidationError and NotFoundError come back as errors; every other
// outcome, including supervisor failures, is encoded in the Result.
func (r *Runner) Execute(ctx context.Context, req Request) (Result, error) {
	req = r.normalize(req)
	if err := validate(req, false); err != nil {
		return Result{}, err
	}
	dir, err := r.workspace(req)
	if err != nil {
		return Result{}, err
	}
	return r.run(ctx, req, dir), nil
}

// ExecuteAsync validates, acknowledges, and runs the request on a tracked
// background goroutine. The terminal result goes to the callback URL;
// validation failures discovered after the ack (such as a missing
// repository) are delivered the same way.
func (r *Runner) ExecuteAsync(req Request) (Ack, error) {
	req = r.normalize(req)
	if err := validate(req, true); err != nil {
		return Ack{}, err
	}

	var taskID string
	if r.journal != nil {
		task, err := r.journal.Enqueue(r.baseCtx, queue.Task{
			RequestID:  req.ID,
			QueueType:  req.QueueType,
			Repository: req.Repository,
		})
		if err != nil {
			r.logger.Warn("journal enqueue failed", "request_id", req.ID, "error", err)
		} else {
			taskID = task.ID
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		var res Result
		dir, err := r.workspace(req)
		if err != nil {
			res = r.failure(req, time.Now(), 0, err.Error(), "")
		} else {
			if taskID != "" {
				if err := r.journal.MarkRunning(r.baseCtx, taskID); err != nil {
					r.logger.Warn("journal mark running failed", "task_id", taskID, "error", err)
				}
			}
			res = r.run(r.baseCtx, req, dir)
		}

		if taskID != "" {
			if err := r.journal.MarkDone(context.Background(), taskID, res.ExitCode, res.Error); err != nil {
				r.logger.Warn("journal mark done failed", "task_id", taskID, "error", err)
			}
		}
		// Delivery outlives the shutdown context so a cancelled run still
		// reports its cancellation; the client timeout bounds it.
		r.dispatch.Dispatch(context.Background(), req.CallbackURL, res)
	}()

	return Ack{Success: true, Message: "Execution started", RequestID: req.ID}, nil
}

// run executes the loop. Semaphore acquisition is the first blocking
// operation and its release the last, on every exit path.
func (r *Runner) run(ctx context.Context, req Request, dir string) (out Result) {
	start := time.Now()
	ctx, span := r.inst.StartSpan(ctx, "cursord.execute")
	defer func() {
		r.inst.RecordExecution(ctx, req.QueueType, out.Success, out.Iterations, time.Since(start))
		span.End()
	}()

	ticket, err := r.sem.Acquire(ctx)
	if err != nil {
		return r.failure(req, start, 0, "execution cancelled while waiting for a slot", "")
	}
	defer ticket.Release()
	r.inst.RecordAdmissionWait(ctx, time.Since(start))

	convoID, persisted := r.ensureConversation(ctx, req)
	req.ConversationID = convoID
	r.appendMessage(ctx, persisted, convoID, convo.Message{Role: "user", Content: req.Prompt, Source: req.Source})

	maxIter := r.cfg.Loop.MaxIterations
	if req.MaxIterations > 0 {
		maxIter = min(req.MaxIterations, config.MaxIterationsCap)
	}

	var (
		prompt  = req.Prompt
		last    supervisor.Result
		touched []string
	)

	for iteration := 0; ; iteration++ {
		build := cliargs.Build{
			Force:        true,
			Model:        r.cfg.CursorCLI.Model,
			ApprovedMCPs: r.cfg.CursorCLI.ApprovedMCPs,
			Prompt:       prompt,
		}
		if iteration == 0 {
			build.Print = true
		} else {
			build.Resume = convoID
		}

		args := build.Args()
		if iteration == 0 && len(build.ApprovedMCPs) > 0 {
			args = cliargs.InjectPrompt(args, mcpInstructions)
		}

		res, err := r.exec.Run(ctx, r.invocation(req, dir, args, false))
		if err != nil {
			return r.supervisorFailure(req, start, iteration, err)
		}
		last = res
		touched = mergeTouched(touched, res.TouchedFiles)
		r.appendMessage(ctx, persisted, convoID, convo.Message{Role: "assistant", Content: res.Stdout, Source: "agent-cli"})

		if !req.Iterate {
			return r.success(req, start, iteration+1, last, touched, "")
		}

		envelope, reviewErr := r.review(ctx, req, dir, res.Stdout)
		switch {
		case envelope == nil:
			// A broken review pass must not hide the work the main pass did.
			out := r.failure(req, start, iteration, describeReviewFailure(reviewErr), ReasonReviewParseFailed)
			out.Output = last.Stdout
			out.ExitCode = last.ExitCode
			out.TouchedFiles = touched
			return out

		case envelope.BreakIteration:
			// The circuit breaker outranks code_complete.
			out := r.failure(req, start, iteration, "review requested iteration break", ReasonReviewBreak)
			out.ReviewJustification = envelope.Justification
			out.OriginalOutput = last.Stdout
			out.ExitCode = last.ExitCode
			out.TouchedFiles = touched
			return out

		case envelope.CodeComplete:
			return r.success(req, start, iteration+1, last, touched, envelope.Justification)
		}

		if iteration+1 >= maxIter {
			out := r.failure(req, start, iteration, fmt.Sprintf("review loop did not converge within %d iterations", maxIter), ReasonMaxIterationsReached)
			out.ReviewJustification = envelope.Justification
			out.OriginalOutput = last.Stdout
			out.ExitCode = last.ExitCode
			out.TouchedFiles = touched
			return out
		}
		prompt = continuePrompt
	}
}

// review runs the review pass, always in pipe mode so terminal-control
// bytes cannot contaminate the envelope. A nil envelope means the round
// failed (parse failure or supervisor failure).
func (r *Runner) review(ctx context.Context, req Request, dir, mainOutput string) (*parse.Envelope, error) {
	prompt := fmt.Sprintf(r.cfg.Loop.ReviewPrompt, mainOutput)
	build := cliargs.Build{Print: true, Model: r.cfg.CursorCLI.Model, Prompt: prompt}

	res, err := r.exec.Run(ctx, r.invocation(req, dir, build.Args(), true))
	if err != nil {
		return nil, err
	}
	return parse.ReviewEnvelope(res.Stdout), nil
}

func (r *Runner) invocation(req Request, dir string, args []string, disablePTY bool) supervisor.Invocation {
	return supervisor.Invocation{
		Program:     r.cfg.CursorCLI.Path,
		Args:        args,
		Dir:         dir,
		Env:         os.Environ(),
		HardTimeout: time.Duration(req.TimeoutMS) * time.Millisecond,
		DisablePTY:  disablePTY,
	}
}

// ensureConversation resolves or creates the conversation for the run.
// StoreUnavailable degrades to a transient identifier without persistence.
func (r *Runner) ensureConversation(ctx context.Context, req Request) (string, bool) {
	if req.ConversationID != "" {
		if err := r.store.TouchLastAccessed(ctx, req.ConversationID); err != nil {
			if errors.Is(err, convo.ErrStoreUnavailable) {
				r.logger.Warn("conversation store unavailable, continuing without persistence",
					"request_id", req.ID, "conversation_id", req.ConversationID)
				return req.ConversationID, false
			}
			// Unknown id: keep it as a transient identifier so resume rounds
			// still reference something stable.
			return req.ConversationID, false
		}
		r.recordLastConversation(ctx, req.QueueType, req.ConversationID)
		return req.ConversationID, true
	}

	rec, err := r.store.Create(ctx, "", nil)
	if err != nil {
		r.logger.Warn("conversation store unavailable, using transient conversation",
			"request_id", req.ID, "error", err)
		return ids.New("agent"), false
	}
	r.recordLastConversation(ctx, req.QueueType, rec.ID)
	return rec.ID, true
}

func (r *Runner) recordLastConversation(ctx context.Context, queueType, id string) {
	if err := r.store.SetLastConversation(ctx, queueType, id); err != nil {
		r.logger.Warn("last-conversation pointer update failed", "queue_type", queueType, "error", err)
	}
}

func (r *Runner) appendMessage(ctx context.Context, persisted bool, convoID string, msg convo.Message) {
	if !persisted {
		return
	}
	if _, err := r.store.Append(ctx, convoID, msg); err != nil {
		r.logger.Warn("conversation append failed", "conversation_id", convoID, "error", err)
	}
}

func (r *Runner) success(req Request, start time.Time, iterations int, res supervisor.Result, touched []string, justification string) Result {
	out := r.base(req, start, iterations)
	out.Success = res.ExitCode == 0
	out.Output = res.Stdout
	out.ExitCode = res.ExitCode
	out.TouchedFiles = touched
	out.ReviewJustification = justification
	if res.ExitCode != 0 {
		out.Error = fmt.Sprintf("agent cli exited with code %d", res.ExitCode)
	}
	return out
}

func (r *Runner) failure(req Request, start time.Time, iterations int, errMsg, reason string) Result {
	out := r.base(req, start, iterations)
	out.Success = false
	out.Error = errMsg
	out.Reason = reason
	return out
}

// supervisorFailure maps a typed supervisor error onto a loop failure,
// preserving the partial output.
func (r *Runner) supervisorFailure(req Request, start time.Time, iteration int, err error) Result {
	out := r.failure(req, start, iteration, err.Error(), "")
	if se, ok := supervisor.AsError(err); ok {
		out.Reason = string(se.Kind)
		out.Output = se.Stdout
		if se.ExitCode != nil {
			out.ExitCode = *se.ExitCode
		}
	}
	return out
}

func (r *Runner) base(req Request, start time.Time, iterations int) Result {
	return Result{
		RequestID:      req.ID,
		ConversationID: req.ConversationID,
		Repository:     req.Repository,
		BranchName:     req.BranchName,
		DurationMS:     time.Since(start).Milliseconds(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Iterations:     iterations,
	}
}

func describeReviewFailure(err error) string {
	if err != nil {
		return "review pass failed: " + err.Error()
	}
	return "review pass produced no parseable envelope"
}

func mergeTouched(have, add []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, f := range have {
		seen[f] = struct{}{}
	}
	for _, f := range add {
		if _, dup := seen[f]; !dup {
			seen[f] = struct{}{}
			have = append(have, f)
		}
	}
	return have
}
