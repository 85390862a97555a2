package sandbox

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

type call struct {
	fn     func(L *lua.LState) error
	result chan error
}

// Executor serializes all operations on an LState through one goroutine.
//
//	exec := NewExecutor(L, 0)
//	go exec.Run(ctx)
//	defer exec.Close()
//
//	err := exec.Execute(ctx, func(L *lua.LState) error {
//		return L.DoString("x = 1")
//	})
type Executor struct {
	L     *lua.LState
	queue chan *call

	closeOnce sync.Once
	done      chan struct{}
}

// NewExecutor creates an Executor for L. queueSize bounds how many operations may wait to run.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Executor{
		L:     L,
		queue: make(chan *call, queueSize),
		done:  make(chan struct{}),
	}
}

// Run processes queued operations until ctx is done or Close is called.
// Operations still queued at that point fail with the reason.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx.Err())
			return
		case <-e.done:
			e.drain(ErrExecutorClosed)
			return
		case c := <-e.queue:
			c.result <- e.run(c)
		}
	}
}

func (e *Executor) run(c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()
	return c.fn(e.L)
}

func (e *Executor) drain(err error) {
	for {
		select {
		case c := <-e.queue:
			c.result <- err
		default:
			return
		}
	}
}

// Execute runs fn on the executor goroutine and waits for it to return.
// If ctx ends or the executor closes first, Execute returns without waiting and fn may still run.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.Closed() {
		return ErrExecutorClosed
	}

	c := &call{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- c:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		select {
		case err := <-c.result:
			return err
		default:
			return ErrExecutorClosed
		}
	case err := <-c.result:
		return err
	}
}

// Close stops the executor. Operations queued but not yet started fail with ErrExecutorClosed.
func (e *Executor) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *Executor) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
