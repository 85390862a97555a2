// Package worker is the worker process's side of the control protocol.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/guseggert/untrust/channel"
	"github.com/guseggert/untrust/conn"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotCurrentProcess is returned when a Parent is bound to a process other than the running one.
var ErrNotCurrentProcess = errors.New("process is not the current process")

// Parent is the connection from a worker to the supervisor that spawned it.
type Parent struct {
	*conn.Conn

	self *os.Process
	log  *zap.SugaredLogger
}

var _ conn.ErrorReporter = (*Parent)(nil)

// NewParent binds ch, the channel to the supervisor, to self, which must be the current process.
func NewParent(self *os.Process, ch channel.Channel, log *zap.SugaredLogger) (*Parent, error) {
	if self == nil || self.Pid != os.Getpid() {
		return nil, ErrNotCurrentProcess
	}
	log = log.Named("worker").With("PID", self.Pid)
	return &Parent{
		Conn: conn.New(ch, log),
		self: self,
		log:  log,
	}, nil
}

// Logger is the parent's logger, for DSLs that serve the connection.
func (p *Parent) Logger() *zap.SugaredLogger {
	return p.log
}

func (p *Parent) Process() *os.Process {
	return p.self
}

// Error reports err to the supervisor as an error event.
func (p *Parent) Error(ctx context.Context, err error) error {
	rerr := Report(err)
	p.log.Debugw("reporting error", "Error", rerr.Message)
	return p.SendError(ctx, rerr)
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

type stacker interface {
	Stack() string
}

// Report flattens err into its wire form. The stack is never empty: it is the stack the error carries
// (a Lua traceback, a remote stack or a github.com/pkg/errors trace) or else the caller's stack.
func Report(err error) conn.RemoteError {
	if err == nil {
		err = errors.New("unknown error")
	}
	rerr := conn.RemoteError{Message: err.Error()}

	var s stacker
	if errors.As(err, &s) && s.Stack() != "" {
		rerr.Stack = s.Stack()
		return rerr
	}
	var remote *conn.RemoteError
	if errors.As(err, &remote) && remote.Stack != "" {
		rerr.Stack = remote.Stack
		return rerr
	}
	var st stackTracer
	if !errors.As(err, &st) {
		st = pkgerrors.WithStack(err).(stackTracer)
	}
	rerr.Stack = fmt.Sprintf("%s%+v", err.Error(), st.StackTrace())
	return rerr
}
