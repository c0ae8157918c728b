// Package supervisor runs one Agent CLI invocation at a time under strict
// liveness and resource bounds: a hard timeout, an idle timeout armed after
// the first output byte, an accumulated-output cap, and cooperative
// cancellation. Any of those observers triggers the same two-phase
// process-group termination (SIGTERM, then SIGKILL after a grace period).
//
// The package also provides the FIFO admission Semaphore that caps how many
// supervised invocations run concurrently.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nevindra/cursord/internal/parse"
)

// PTYMode selects the I/O strategy for the child.
type PTYMode string

const (
	PTYAuto   PTYMode = "auto"   // pty when the platform supports one
	PTYAlways PTYMode = "always" // fail spawn when no pty is available
	PTYNever  PTYMode = "never"  // pipes unconditionally
)

// Defaults applied by Config.withDefaults.
const (
	DefaultHardTimeout       = 300 * time.Second
	DefaultIdleTimeout       = 300 * time.Second
	DefaultMaxOutputSize     = 10 * 1024 * 1024
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultGracePeriod       = time.Second

	// MaxHardTimeout is the absolute ceiling on the hard timeout,
	// enforced regardless of per-call overrides.
	MaxHardTimeout = time.Hour
)

// DefaultHostKeyPatterns are the prompts that trigger the one-shot "yes"
// auto-response in pty mode.
var DefaultHostKeyPatterns = []string{
	"Are you sure you want to continue connecting",
	"(yes/no/[fingerprint])",
}

// Config holds the environment-derived settings for a Supervisor. It is
// captured once at construction and passed by value; nothing reads
// environment variables during a run.
type Config struct {
	PTYMode           PTYMode
	HardTimeout       time.Duration
	IdleTimeout       time.Duration
	MaxOutputSize     int64
	HeartbeatInterval time.Duration
	GracePeriod       time.Duration
	HostKeyPatterns   []string
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PTYMode == "" {
		c.PTYMode = PTYAuto
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = DefaultHardTimeout
	}
	if c.HardTimeout > MaxHardTimeout {
		c.HardTimeout = MaxHardTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxOutputSize <= 0 {
		c.MaxOutputSize = DefaultMaxOutputSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.HostKeyPatterns == nil {
		c.HostKeyPatterns = DefaultHostKeyPatterns
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Invocation describes one Agent CLI run.
type Invocation struct {
	Program     string        // program path or name, resolved before spawn
	Args        []string      // argument vector, passed verbatim (no shell)
	Dir         string        // workspace directory; must exist
	Env         []string      // the child inherits exactly this environment
	HardTimeout time.Duration // optional per-call override, capped at MaxHardTimeout
	DisablePTY  bool          // force pipe mode (used by the review pass)
}

// Result is the outcome of a naturally exited invocation. A non-zero exit
// code is still a Result; typed errors are reserved for supervision events.
type Result struct {
	ExitCode     int
	Stdout       string
	Stderr       string
	TouchedFiles []string
	UsedPTY      bool
}

// Supervisor runs Agent CLI invocations. Safe for concurrent use; each Run
// owns its own child, timers, and readers.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor from cfg with defaults applied.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults()}
}

// readChunk is one delivery from a reader goroutine.
type readChunk struct {
	stderr bool
	data   []byte
}

// Run spawns the Agent CLI described by inv and supervises it to a single
// terminal event. On natural exit it returns a Result; otherwise a *Error
// whose Kind names the event and which carries the partial output.
func (s *Supervisor) Run(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Program == "" {
		return Result{}, &Error{Kind: KindSpawnFailed, Message: "empty program path"}
	}
	if fi, err := os.Stat(inv.Dir); err != nil || !fi.IsDir() {
		return Result{}, &Error{Kind: KindSpawnFailed, Message: fmt.Sprintf("workspace is not a directory: %s", inv.Dir)}
	}
	program, err := exec.LookPath(inv.Program)
	if err != nil {
		return Result{}, &Error{Kind: KindSpawnFailed, Message: fmt.Sprintf("resolve %s: %v", inv.Program, err)}
	}

	usePTY := s.decidePTY(inv)
	c, err := startChild(program, inv.Args, inv.Dir, inv.Env, usePTY)
	if err != nil {
		// Spawn never happened; no signals are sent on this path.
		return Result{}, &Error{Kind: KindSpawnFailed, Message: err.Error()}
	}

	hardTimeout := s.cfg.HardTimeout
	if inv.HardTimeout > 0 {
		hardTimeout = min(inv.HardTimeout, MaxHardTimeout)
	}

	log := s.cfg.Logger
	mode := "pipe"
	if c.usedPTY {
		mode = "pty"
	}
	log.Info("agent cli spawned",
		"program", program,
		"args", inv.Args,
		"workspace", inv.Dir,
		"mode", mode,
		"pid", c.cmd.Process.Pid,
		"pgid", c.pgid,
		"hard_timeout", hardTimeout,
	)

	return s.supervise(ctx, c, hardTimeout)
}

func (s *Supervisor) decidePTY(inv Invocation) bool {
	if inv.DisablePTY {
		return false
	}
	switch s.cfg.PTYMode {
	case PTYAlways:
		return true
	case PTYNever:
		return false
	default:
		return ptySupported()
	}
}

// supervise owns the spawned child from here to its single terminal event.
func (s *Supervisor) supervise(ctx context.Context, c *child, hardTimeout time.Duration) (Result, error) {
	start := time.Now()
	log := s.cfg.Logger

	chunks := make(chan readChunk, 16)
	var readers sync.WaitGroup

	readInto := func(isStderr, pty bool, r io.Reader) {
		defer readers.Done()
		buf := make([]byte, 8192)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				chunks <- readChunk{stderr: isStderr, data: data}
			}
			if err != nil {
				if pty && !isPTYEOF(err) && !errors.Is(err, os.ErrClosed) {
					log.Debug("pty read ended", "error", err)
				}
				return
			}
		}
	}

	if c.usedPTY {
		readers.Add(1)
		go readInto(false, true, c.ptmx)
	} else {
		readers.Add(2)
		go readInto(false, false, c.stdout)
		go readInto(true, false, c.stderr)
	}

	// The exit event is published only after both readers have drained, so
	// by the time exitCh fires the chunks channel is closed and every byte
	// the child produced has been delivered.
	var exited atomic.Bool
	exitCh := make(chan error, 1)
	go func() {
		readers.Wait()
		close(chunks)
		exitCh <- c.cmd.Wait()
	}()

	var (
		stdoutBuf, stderrBuf bytes.Buffer
		total                int64
		bytesSinceHB         int64
		lastOutput           = start
		firstByteSeen        bool
		hostKeyDone          bool
		tail                 []byte // rolling window for host-key scanning
		cause                *Error
		signalled            bool
		escalate             *time.Timer
	)

	hardTimer := time.NewTimer(hardTimeout)
	defer hardTimer.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	// Idle timer is armed lazily: idleC stays nil (never selected) until the
	// first output byte, so silence from a child that buffers its stdout can
	// never trip the idle observer.
	var idleTimer *time.Timer
	var idleC <-chan time.Time
	defer func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
	}()

	// initiate records the termination cause and starts the two-phase
	// shutdown. Only the first caller wins; once the exit event has been
	// recorded no signal is ever sent.
	initiate := func(k Kind, msg string) {
		if cause != nil {
			return
		}
		cause = &Error{Kind: k, Message: msg}
		if exited.Load() {
			return
		}
		signalled = true
		log.Warn("terminating agent cli", "kind", string(k), "reason", msg, "pgid", c.pgid)
		c.signal(syscall.SIGTERM)
		escalate = time.AfterFunc(s.cfg.GracePeriod, func() {
			if !exited.Load() {
				c.signal(syscall.SIGKILL)
			}
		})
	}

	admit := func(ck readChunk) {
		n := int64(len(ck.data))
		if cause == nil && total+n > s.cfg.MaxOutputSize {
			// Terminate before the overflowing bytes ever reach the buffers.
			initiate(KindOutputOverflow, fmt.Sprintf("Output size exceeded: limit %d bytes", s.cfg.MaxOutputSize))
			return
		}
		if cause != nil && cause.Kind == KindOutputOverflow {
			// Residual bytes after an overflow are drained but never admitted.
			return
		}
		total += n
		bytesSinceHB += n
		lastOutput = time.Now()

		if !firstByteSeen {
			firstByteSeen = true
			idleTimer = time.NewTimer(s.cfg.IdleTimeout)
			idleC = idleTimer.C
		} else if idleTimer != nil {
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(s.cfg.IdleTimeout)
		}

		if ck.stderr {
			stderrBuf.Write(ck.data)
		} else {
			stdoutBuf.Write(ck.data)
		}

		if c.usedPTY && !hostKeyDone {
			tail = append(tail, ck.data...)
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			if pattern := s.matchHostKey(tail); pattern != "" {
				hostKeyDone = true
				if _, err := io.WriteString(c.input, "yes\r"); err != nil {
					log.Debug("host-key auto-response failed", "error", err)
				} else {
					log.Info("host-key prompt auto-accepted", "pattern", pattern)
				}
			}
		}
	}

	ctxDone := ctx.Done()
	var waitErr error

supervising:
	for {
		select {
		case ck, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			admit(ck)

		case waitErr = <-exitCh:
			exited.Store(true)
			if escalate != nil {
				escalate.Stop()
			}
			break supervising

		case <-hardTimer.C:
			initiate(KindHardTimeout, fmt.Sprintf("execution exceeded hard timeout of %s", hardTimeout))

		case <-idleC:
			initiate(KindIdleTimeout, fmt.Sprintf("no output for %s", s.cfg.IdleTimeout))

		case <-ctxDone:
			ctxDone = nil
			initiate(KindCancelled, "execution cancelled")

		case <-heartbeat.C:
			idleRemaining := time.Duration(0)
			if firstByteSeen {
				idleRemaining = s.cfg.IdleTimeout - time.Since(lastOutput)
			}
			log.Info("supervision heartbeat",
				"elapsed", time.Since(start),
				"since_last_output", time.Since(lastOutput),
				"bytes_since_heartbeat", bytesSinceHB,
				"hard_remaining", hardTimeout-time.Since(start),
				"idle_remaining", idleRemaining,
				"idle_armed", firstByteSeen,
			)
			bytesSinceHB = 0
		}
	}

	// Exit observed: drain residual chunks (chunks is already closed), then
	// release the I/O handles.
	if chunks != nil {
		for ck := range chunks {
			admit(ck)
		}
	}
	c.closeIO()

	stdout := stdoutBuf.String()
	stderr := stderrBuf.String()
	elapsed := time.Since(start)

	if cause != nil {
		cause.Stdout = stdout
		cause.Stderr = stderr
		if code, ok := exitCodeOf(waitErr); ok {
			cause.ExitCode = &code
		}
		log.Warn("agent cli terminated",
			"kind", string(cause.Kind),
			"elapsed", elapsed,
			"signalled", signalled,
			"stdout_bytes", len(stdout),
			"stderr_bytes", len(stderr),
		)
		return Result{}, cause
	}

	code, abnormal := 0, false
	if waitErr != nil {
		if ec, ok := exitCodeOf(waitErr); ok && ec >= 0 {
			code = ec
		} else {
			abnormal = true
		}
	}
	if abnormal {
		ae := &Error{Kind: KindAbnormalExit, Message: waitErr.Error(), Stdout: stdout, Stderr: stderr}
		log.Warn("agent cli exited abnormally", "error", waitErr, "elapsed", elapsed)
		return Result{}, ae
	}

	log.Info("agent cli exited",
		"exit_code", code,
		"elapsed", elapsed,
		"stdout_bytes", len(stdout),
		"stderr_bytes", len(stderr),
	)
	return Result{
		ExitCode:     code,
		Stdout:       stdout,
		Stderr:       stderr,
		TouchedFiles: parse.TouchedFiles(stdout),
		UsedPTY:      c.usedPTY,
	}, nil
}

// matchHostKey returns the first configured pattern present in window, or "".
func (s *Supervisor) matchHostKey(window []byte) string {
	w := string(window)
	for _, p := range s.cfg.HostKeyPatterns {
		if p != "" && strings.Contains(w, p) {
			return p
		}
	}
	return ""
}

// exitCodeOf extracts an exit code from cmd.Wait's error. nil means code 0.
// A child killed by a signal reports -1.
func exitCodeOf(waitErr error) (int, bool) {
	if waitErr == nil {
		return 0, true
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return ee.ExitCode(), true
	}
	return 0, false
}
