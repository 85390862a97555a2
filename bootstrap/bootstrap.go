// Package bootstrap runs inside a worker process. It connects to the supervisor, builds the sandbox
// through the requested DSL, executes the untrusted code and reports the outcome.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/guseggert/untrust/channel"
	"github.com/guseggert/untrust/dsl"
	"github.com/guseggert/untrust/outcome"
	"github.com/guseggert/untrust/sandbox"
	"github.com/guseggert/untrust/worker"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// Stage is a step of the pipeline. Stages only move forward.
type Stage int

const (
	BuildingSandbox Stage = iota
	Ready
	Executing
	Done
	Failed
)

func (s Stage) String() string {
	switch s {
	case BuildingSandbox:
		return "BuildingSandbox"
	case Ready:
		return "Ready"
	case Executing:
		return "Executing"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Args are what the supervisor passes to a worker.
type Args struct {
	Code string
	DSL  string
	// Arg is JSON text, or empty when the run has no argument.
	Arg string
}

type Pipeline struct {
	args      Args
	parent    *worker.Parent
	log       *zap.SugaredLogger
	stateOpts []sandbox.Option

	result *dsl.Result

	mut   sync.Mutex
	stage Stage
	state *sandbox.State
}

type Option func(*Pipeline)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithSandboxOptions configures the Lua state the code runs in.
func WithSandboxOptions(opts ...sandbox.Option) Option {
	return func(p *Pipeline) {
		p.stateOpts = append(p.stateOpts, opts...)
	}
}

func New(parent *worker.Parent, args Args, opts ...Option) *Pipeline {
	p := &Pipeline{
		args:   args,
		parent: parent,
		log:    zap.NewNop().Sugar(),
		result: outcome.New[sandbox.Globals](),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.Named("bootstrap")
	return p
}

func (p *Pipeline) Stage() Stage {
	p.mut.Lock()
	defer p.mut.Unlock()
	return p.stage
}

// Result is the deferred outcome handed to the DSL factory.
func (p *Pipeline) Result() *dsl.Result {
	return p.result
}

func (p *Pipeline) setStage(s Stage) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.log.Debugw("stage", "From", p.stage, "To", s)
	p.stage = s
}

// Run executes the pipeline once. Any failure rejects the result, is reported to the supervisor,
// and is returned. Run never panics.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.Errorf("worker panicked: %v", r)
		}
		if err != nil {
			p.fail(ctx, err)
		}
	}()

	arg, err := parseArg(p.args.Arg)
	if err != nil {
		return err
	}

	factory, err := dsl.Lookup(p.args.DSL)
	if err != nil {
		return err
	}

	sandboxOutcome, err := p.build(ctx, factory, arg)
	if err != nil {
		return err
	}

	globals, err := sandboxOutcome.Wait(ctx)
	if err != nil {
		return err
	}
	p.setStage(Ready)

	state := sandbox.NewState(p.stateOpts...)
	p.mut.Lock()
	p.state = state
	p.mut.Unlock()

	p.setStage(Executing)
	final, err := state.Execute(ctx, p.args.Code, globals)
	if err != nil {
		return err
	}

	p.result.Resolve(final)
	p.setStage(Done)
	return nil
}

func (p *Pipeline) build(ctx context.Context, factory dsl.Factory, arg json.RawMessage) (o *outcome.Outcome[sandbox.Globals], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.Errorf("DSL %q panicked: %v", p.args.DSL, r)
		}
	}()
	o, err = factory(ctx, p.parent, p.result, arg)
	if err != nil {
		return nil, err
	}
	if o == nil {
		o = outcome.Resolved(sandbox.Globals{})
	}
	return o, nil
}

func (p *Pipeline) fail(ctx context.Context, err error) {
	p.setStage(Failed)
	p.result.Reject(err)
	p.log.Debugw("pipeline failed", "Error", err)
	if reportErr := p.parent.Error(ctx, err); reportErr != nil {
		p.log.Warnw("reporting failure", "Error", reportErr)
	}
}

// Close releases the Lua state, if the pipeline got far enough to create one.
func (p *Pipeline) Close() error {
	p.mut.Lock()
	state := p.state
	p.mut.Unlock()
	if state == nil {
		return nil
	}
	return state.Close()
}

func parseArg(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("argument is not valid JSON: %q", s)
	}
	return json.RawMessage(s), nil
}

// Connect opens the channel to the supervisor: a WebSocket when the supervisor set EnvWorkerURL,
// the inherited pipes otherwise.
func Connect(ctx context.Context, log *zap.SugaredLogger) (channel.Channel, error) {
	if url := os.Getenv(channel.EnvWorkerURL); url != "" {
		ws, err := channel.Dial(ctx, url, log)
		if err != nil {
			return nil, err
		}
		return ws, nil
	}
	s, err := channel.Inherited()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Main is the body of a worker process. It runs the pipeline, then keeps serving the connection
// until the supervisor closes it or ctx is done. A failed pipeline is not an error of Main: it has
// already been reported to the supervisor.
func Main(ctx context.Context, args Args, log *zap.SugaredLogger, opts ...Option) error {
	ch, err := Connect(ctx, log)
	if err != nil {
		return fmt.Errorf("connecting to supervisor: %w", err)
	}
	self, err := os.FindProcess(os.Getpid())
	if err != nil {
		return fmt.Errorf("finding current process: %w", err)
	}
	parent, err := worker.NewParent(self, ch, log)
	if err != nil {
		ch.Close()
		return err
	}
	defer parent.Close()

	p := New(parent, args, append([]Option{WithLogger(log)}, opts...)...)
	defer p.Close()
	_ = p.Run(ctx)

	select {
	case <-parent.Done():
	case <-ctx.Done():
	}
	return nil
}
