package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned by any operation on a connection whose channel has ended, and rejects requests left pending at that point.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAlreadyResponded is returned when a request is responded to more than once.
	ErrAlreadyResponded = errors.New("request already responded to")

	// ErrUnknownEvent is returned when decoding an envelope with an unrecognized event tag.
	ErrUnknownEvent = errors.New("unknown envelope event")
)

// RemoteError is a failure reported by the peer. No Go error type survives the process boundary, only its message and stack.
type RemoteError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Format prints the stack with %+v.
func (e *RemoteError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Stack != "" {
		fmt.Fprintf(s, "%s\n%s", e.Message, e.Stack)
		return
	}
	fmt.Fprint(s, e.Message)
}
