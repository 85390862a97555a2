// Package supervisor is the supervisor's side of the control protocol. It owns worker processes.
package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/untrust/channel"
	"github.com/guseggert/untrust/conn"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Worker. Alive is the only state that moves, and only to Exited.
type State int

const (
	Alive State = iota
	Exited
)

func (s State) String() string {
	if s == Alive {
		return "Alive"
	}
	return "Exited"
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	// Code is the process exit code, or -1 if it was killed by a signal.
	Code int
	// Err is the error from waiting on the process, nil for a clean exit.
	Err error
}

// Worker is a running worker process and the connection to it.
//
// Every operation checks the state first: once the worker has exited they fail with conn.ErrConnectionClosed.
// Requests still pending when the worker exits are rejected with conn.ErrConnectionClosed.
type Worker struct {
	ID string

	conn *conn.Conn
	cmd  *exec.Cmd
	log  *zap.SugaredLogger

	exitDrainTimeout time.Duration
	cleanup          []func()

	mut          sync.Mutex
	state        State
	pid          int
	exitHandlers []func(ExitStatus)
	status       ExitStatus
	// exited closes on the move to Exited, handled once exit handlers have returned
	exited  chan struct{}
	handled chan struct{}
}

// Lifecycle is what the supervisor can do with a worker process on top of talking to it.
type Lifecycle interface {
	conn.Peer
	Pid() (int, bool)
	Alive() bool
	State() State
	Kill() error
	OnExit(h func(ExitStatus))
	Wait(ctx context.Context) (ExitStatus, error)
}

var _ Lifecycle = (*Worker)(nil)

// NewWorker wraps a started child process and the channel to it. The Worker waits on cmd; callers must not.
func NewWorker(cmd *exec.Cmd, ch channel.Channel, opts ...Option) (*Worker, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newWorker(cmd, ch, o, nil)
}

func newWorker(cmd *exec.Cmd, ch channel.Channel, o *options, cleanup []func()) (*Worker, error) {
	if cmd == nil || cmd.Process == nil || cmd.ProcessState != nil {
		return nil, ErrNotChildProcess
	}
	id := uuid.NewString()
	log := o.log.Named("supervisor").With("Worker", id, "PID", cmd.Process.Pid)
	w := &Worker{
		ID:               id,
		conn:             conn.New(ch, log),
		cmd:              cmd,
		log:              log,
		exitDrainTimeout: o.exitDrainTimeout,
		cleanup:          cleanup,
		state:            Alive,
		pid:              cmd.Process.Pid,
		exited:           make(chan struct{}),
		handled:          make(chan struct{}),
	}
	go w.wait()
	log.Debug("worker started")
	return w, nil
}

func (w *Worker) wait() {
	err := w.cmd.Wait()
	status := ExitStatus{Code: w.cmd.ProcessState.ExitCode(), Err: err}
	w.log.Debugw("worker process exited", "Code", status.Code, "Error", err)

	// let events the worker sent before exiting reach their handlers
	select {
	case <-w.conn.Done():
	case <-time.After(w.exitDrainTimeout):
		w.log.Debug("drain timed out, closing connection")
	}
	w.conn.Close()
	<-w.conn.Done()

	for _, f := range w.cleanup {
		f()
	}

	w.mut.Lock()
	w.state = Exited
	w.pid = 0
	w.status = status
	handlers := w.exitHandlers
	w.exitHandlers = nil
	close(w.exited)
	w.mut.Unlock()

	// handlers may call Wait or Close
	for _, h := range handlers {
		w.callExitHandler(h, status)
	}
	close(w.handled)
}

func (w *Worker) callExitHandler(h func(ExitStatus), status ExitStatus) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorw("exit handler panicked", "Panic", r)
		}
	}()
	h(status)
}

func (w *Worker) State() State {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.state
}

func (w *Worker) Alive() bool {
	return w.State() == Alive
}

// Pid returns the worker's process id while it is alive.
func (w *Worker) Pid() (int, bool) {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.pid, w.state == Alive
}

func (w *Worker) checkAlive() error {
	if !w.Alive() {
		return conn.ErrConnectionClosed
	}
	return nil
}

// Kill terminates the worker process. It fails with conn.ErrConnectionClosed once the worker has exited.
func (w *Worker) Kill() error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	err := w.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return conn.ErrConnectionClosed
	}
	return err
}

func (w *Worker) Send(ctx context.Context, payload any) error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	return w.conn.Send(ctx, payload)
}

// Message is an alias of Send.
func (w *Worker) Message(ctx context.Context, payload any) error {
	return w.Send(ctx, payload)
}

func (w *Worker) Go(ctx context.Context, payload any) (*conn.Call, error) {
	if err := w.checkAlive(); err != nil {
		return nil, err
	}
	return w.conn.Go(ctx, payload)
}

func (w *Worker) Request(ctx context.Context, payload any, reply any) error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	return w.conn.Request(ctx, payload, reply)
}

func (w *Worker) OnMessage(h conn.MessageHandler) { w.conn.OnMessage(h) }
func (w *Worker) OnRequest(h conn.RequestHandler) { w.conn.OnRequest(h) }
func (w *Worker) OnError(h conn.ErrorHandler)     { w.conn.OnError(h) }

// OnExit registers h to be called once when the worker exits. If it already has, h is called right away.
func (w *Worker) OnExit(h func(ExitStatus)) {
	w.mut.Lock()
	if w.state == Alive {
		w.exitHandlers = append(w.exitHandlers, h)
		w.mut.Unlock()
		return
	}
	status := w.status
	w.mut.Unlock()
	w.callExitHandler(h, status)
}

// Pending returns the number of requests awaiting a response.
func (w *Worker) Pending() int {
	return w.conn.Pending()
}

// Done is closed once the worker has exited and its exit handlers have run.
func (w *Worker) Done() <-chan struct{} {
	return w.handled
}

// Wait blocks until the worker exits or ctx is done. Exit handlers may still be running when it returns.
func (w *Worker) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-w.exited:
		return w.ExitStatus(), nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// ExitStatus returns how the worker ended, or the zero value while it is alive.
func (w *Worker) ExitStatus() ExitStatus {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.status
}

// Close closes the connection, which makes the worker exit, and waits for it. If ctx ends first the worker is killed.
func (w *Worker) Close(ctx context.Context) error {
	w.conn.Close()
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
	}
	w.log.Debug("worker did not exit in time, killing it")
	if err := w.Kill(); err != nil && !errors.Is(err, conn.ErrConnectionClosed) {
		return err
	}
	<-w.exited
	return nil
}
