//go:build windows

package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process-tree termination on Windows needs job objects, which this build
// does not implement. startChild refuses to spawn rather than supervise a
// child it cannot reliably terminate.

type child struct {
	cmd     *exec.Cmd
	pgid    int
	usedPTY bool

	ptmx   *os.File
	stdout io.ReadCloser
	stderr io.ReadCloser
	input  io.Writer
	stdin  io.Closer
}

func ptySupported() bool { return false }

func startChild(program string, args []string, dir string, env []string, usePTY bool) (*child, error) {
	return nil, errors.New("process-group supervision is not supported on windows")
}

func (c *child) signal(sig syscall.Signal) {}

func (c *child) closeIO() {}

func isPTYEOF(err error) bool { return errors.Is(err, io.EOF) }
