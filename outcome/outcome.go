// Package outcome provides a single-resolution future.
//
// An Outcome is settled exactly once, either resolved with a value or rejected with an error.
// Later attempts to settle it are ignored. Any number of goroutines may wait on it.
package outcome

import (
	"context"
	"errors"
	"sync"
)

// ErrRejectedWithNil is the error reported by an outcome that was rejected with a nil error.
var ErrRejectedWithNil = errors.New("outcome rejected without an error")

type Outcome[T any] struct {
	once sync.Once
	done chan struct{}

	val T
	err error
}

func New[T any]() *Outcome[T] {
	return &Outcome[T]{done: make(chan struct{})}
}

// Resolved returns an outcome that is already resolved with v.
func Resolved[T any](v T) *Outcome[T] {
	o := New[T]()
	o.Resolve(v)
	return o
}

// Rejected returns an outcome that is already rejected with err.
func Rejected[T any](err error) *Outcome[T] {
	o := New[T]()
	o.Reject(err)
	return o
}

// Resolve settles the outcome with v. It returns false if the outcome was already settled.
func (o *Outcome[T]) Resolve(v T) bool {
	settled := false
	o.once.Do(func() {
		o.val = v
		close(o.done)
		settled = true
	})
	return settled
}

// Reject settles the outcome with err. It returns false if the outcome was already settled.
func (o *Outcome[T]) Reject(err error) bool {
	if err == nil {
		err = ErrRejectedWithNil
	}
	settled := false
	o.once.Do(func() {
		o.err = err
		close(o.done)
		settled = true
	})
	return settled
}

// Done is closed once the outcome is settled.
func (o *Outcome[T]) Done() <-chan struct{} {
	return o.done
}

func (o *Outcome[T]) Settled() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the outcome is settled or ctx is done.
// A ctx error does not settle the outcome.
func (o *Outcome[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then calls fn in a new goroutine once the outcome is settled.
func (o *Outcome[T]) Then(fn func(T, error)) {
	go func() {
		<-o.done
		fn(o.val, o.err)
	}()
}
