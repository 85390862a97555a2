package sandbox

import (
	"errors"
	"fmt"
	"regexp"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when execution runs past its deadline.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrExecutorClosed is returned when attempting to use a closed executor.
	ErrExecutorClosed = errors.New("lua executor is closed")
)

// chunkPosition matches the "<code>:12: " prefix Lua adds to errors raised with a position.
var chunkPosition = regexp.MustCompile(`^` + regexp.QuoteMeta(chunkName) + `:\d+: `)

// CodeError is a failure raised by Lua code, either at compile time or while running.
type CodeError struct {
	Message   string
	Traceback string
	Syntax    bool
}

func newCodeError(err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := ""
	if apiErr.Object != nil {
		msg = apiErr.Object.String()
	}
	return &CodeError{
		Message:   chunkPosition.ReplaceAllString(msg, ""),
		Traceback: apiErr.StackTrace,
		Syntax:    apiErr.Type == lua.ApiErrorSyntax,
	}
}

func (e *CodeError) Error() string {
	return e.Message
}

// Format prints the traceback with %+v.
func (e *CodeError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Traceback != "" {
		fmt.Fprintf(s, "%s\n%s", e.Message, e.Traceback)
		return
	}
	fmt.Fprint(s, e.Message)
}

// Stack returns the Lua traceback captured when the error was raised.
func (e *CodeError) Stack() string {
	return e.Traceback
}
