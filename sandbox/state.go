package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultExecutionTimeout bounds one Execute call unless overridden.
const DefaultExecutionTimeout = 30 * time.Second

// chunkName is the name Lua reports for the executed code in errors and tracebacks.
const chunkName = "<code>"

// removedGlobals load code from outside the sandbox or expose interpreter internals.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"module",
	"require",
	"_printregs",
}

// Globals are the bindings the executed code sees as its global variables.
type Globals map[string]any

// State is a sandboxed Lua interpreter. All methods are safe for concurrent use.
type State struct {
	L        *lua.LState
	bridge   *Bridge
	exec     *Executor
	out      io.Writer
	timeout  time.Duration
	builtins map[string]bool

	stopped chan struct{}
}

type Option func(*State)

// WithOutput sets where print writes. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(s *State) {
		s.out = w
	}
}

// WithExecutionTimeout bounds each Execute and Callback call. Zero disables the bound.
func WithExecutionTimeout(d time.Duration) Option {
	return func(s *State) {
		s.timeout = d
	}
}

// NewState creates a sandboxed interpreter and starts its executor.
func NewState(opts ...Option) *State {
	s := &State{
		out:      os.Stdout,
		timeout:  DefaultExecutionTimeout,
		builtins: map[string]bool{},
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(s.print))

	L.G.Global.ForEach(func(k, _ lua.LValue) {
		if name, ok := k.(lua.LString); ok {
			s.builtins[string(name)] = true
		}
	})

	s.L = L
	s.bridge = &Bridge{L: L, state: s}
	s.exec = NewExecutor(L, 0)

	go func() {
		defer close(s.stopped)
		s.exec.Run(context.Background())
		L.Close()
	}()
	return s
}

func (s *State) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, top)
	for i := 1; i <= top; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	fmt.Fprintln(s.out, strings.Join(parts, "\t"))
	return 0
}

// Execute runs code with globals installed as its global variables and returns the resulting globals:
// every entry of globals with the value the code left in it, plus every global the code created.
// Entries the code set to nil are absent. Lua functions the code defined are left out of the result
// but remain callable through Call.
func (s *State) Execute(ctx context.Context, code string, globals Globals) (Globals, error) {
	if s.exec.Closed() {
		return nil, ErrStateClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var result Globals
	err := s.exec.Execute(ctx, func(L *lua.LState) error {
		for name, v := range globals {
			L.SetGlobal(name, s.bridge.ToLuaValue(v))
		}

		fn, err := L.Load(strings.NewReader(code), chunkName)
		if err != nil {
			return newCodeError(err)
		}
		L.SetContext(ctx)
		defer L.RemoveContext()
		L.Push(fn)
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			return s.runError(ctx, err)
		}
		result = s.collect(L, globals)
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return result, nil
}

// Call calls the global Lua function name with Go arguments.
func (s *State) Call(ctx context.Context, name string, args ...any) ([]any, error) {
	if s.exec.Closed() {
		return nil, ErrStateClosed
	}
	var fn *lua.LFunction
	err := s.exec.Execute(ctx, func(L *lua.LState) error {
		lv := L.GetGlobal(name)
		f, ok := lv.(*lua.LFunction)
		if !ok {
			return fmt.Errorf("global %q is %s, not a function", name, lv.Type())
		}
		fn = f
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return s.callFunc(ctx, fn, args...)
}

func (s *State) callFunc(ctx context.Context, fn *lua.LFunction, args ...any) ([]any, error) {
	if s.exec.Closed() {
		return nil, ErrStateClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var results []any
	err := s.exec.Execute(ctx, func(L *lua.LState) error {
		L.SetContext(ctx)
		defer L.RemoveContext()
		res, err := s.bridge.CallFunc(fn, args...)
		if err != nil {
			return s.runError(ctx, err)
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return results, nil
}

// Close stops the executor and closes the interpreter once the running operation returns.
func (s *State) Close() error {
	s.exec.Close()
	<-s.stopped
	return nil
}

func (s *State) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *State) runError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrExecutionTimeout
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return newCodeError(err)
}

func (s *State) mapErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrExecutionTimeout
	case errors.Is(err, ErrExecutorClosed):
		return ErrStateClosed
	}
	return err
}

func (s *State) collect(L *lua.LState, given Globals) Globals {
	out := Globals{}
	L.G.Global.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		orig, isGiven := given[string(name)]
		if !isGiven && s.builtins[string(name)] {
			return
		}
		if _, isFunc := v.(*lua.LFunction); isFunc {
			if isGiven {
				out[string(name)] = orig
			}
			return
		}
		out[string(name)] = s.bridge.ToGoValue(v)
	})
	return out
}
