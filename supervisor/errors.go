package supervisor

import (
	"errors"
	"fmt"
)

// ErrNotChildProcess is returned when a Worker is built from a command that is not a running child.
var ErrNotChildProcess = errors.New("command is not a running child process")

// ArgumentError reports an invalid argument to Spawn. Nothing was spawned.
type ArgumentError struct {
	Arg    string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Arg, e.Reason)
}
