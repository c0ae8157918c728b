package supervisor

import "fmt"

// Kind classifies a supervisor failure.
type Kind string

const (
	KindSpawnFailed    Kind = "SpawnFailed"
	KindHardTimeout    Kind = "HardTimeout"
	KindIdleTimeout    Kind = "IdleTimeout"
	KindOutputOverflow Kind = "OutputOverflow"
	KindCancelled      Kind = "Cancelled"
	KindAbnormalExit   Kind = "AbnormalExit"
)

// Error is the typed failure returned by Supervisor.Run. Partial stdout and
// stderr captured before the terminal event are preserved so callers can
// surface useful work from a failed invocation.
type Error struct {
	Kind     Kind
	Message  string
	Stdout   string
	Stderr   string
	ExitCode *int // nil when the child never reported an exit code
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AsError returns err as a *Error when it is one.
func AsError(err error) (*Error, bool) {
	se, ok := err.(*Error)
	return se, ok
}
