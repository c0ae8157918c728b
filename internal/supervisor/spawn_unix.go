//go:build !windows

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// child bundles a spawned Agent CLI process with its I/O handles and
// process-group identifier. One child exists per supervised invocation.
type child struct {
	cmd     *exec.Cmd
	pgid    int
	usedPTY bool

	ptmx   *os.File      // pty mode: combined output + input
	stdout io.ReadCloser // pipe mode
	stderr io.ReadCloser // pipe mode
	input  io.Writer     // ptmx or stdin pipe
	stdin  io.Closer     // pipe mode stdin, closed with the child
}

// ptySupported reports whether a pseudoterminal can be opened on this
// platform.
func ptySupported() bool { return true }

// startChild spawns the Agent CLI as the leader of its own process group so
// that termination signals reach every descendant. No shell is involved;
// args are passed verbatim and the child inherits exactly the provided
// environment.
func startChild(program string, args []string, dir string, env []string, usePTY bool) (*child, error) {
	cmd := exec.Command(program, args...)
	cmd.Dir = dir
	cmd.Env = env

	if usePTY {
		ws := &pty.Winsize{Rows: 40, Cols: 120}
		ptmx, err := pty.StartWithAttrs(cmd, ws, &syscall.SysProcAttr{Setsid: true, Setctty: true})
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		// Setsid makes the child a session leader, so pgid == pid.
		return &child{
			cmd:     cmd,
			pgid:    cmd.Process.Pid,
			usedPTY: true,
			ptmx:    ptmx,
			input:   ptmx,
		}, nil
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &child{
		cmd:    cmd,
		pgid:   cmd.Process.Pid,
		stdout: stdout,
		stderr: stderr,
		input:  stdin,
		stdin:  stdin,
	}, nil
}

// signal delivers sig to the whole process group, and to the immediate
// child directly as a fallback for the window before the child calls
// setsid/setpgid.
func (c *child) signal(sig syscall.Signal) {
	if c.pgid > 0 {
		_ = syscall.Kill(-c.pgid, sig)
	}
	if c.cmd.Process != nil {
		// os.ErrProcessDone here just means the group kill already landed.
		_ = c.cmd.Process.Signal(sig)
	}
}

// closeIO releases the pty or pipe handles. Called only after the exit
// event has been observed.
func (c *child) closeIO() {
	if c.ptmx != nil {
		_ = c.ptmx.Close()
	}
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
}

// isPTYEOF reports whether a pty read error means the child side closed.
// Linux returns EIO from a pty master read once the slave is gone.
func isPTYEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO)
}
