// Package dsl defines how a domain-specific language is plugged into a worker.
//
// A DSL is a Factory registered under a name. The worker looks the factory up by the name the
// supervisor asked for, and the factory builds the globals the untrusted code runs against,
// usually wiring some of them to the connection to the supervisor.
package dsl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/guseggert/untrust/outcome"
	"github.com/guseggert/untrust/sandbox"
	"github.com/guseggert/untrust/worker"
)

// ErrUnknownDSL is returned when no factory is registered under a name.
var ErrUnknownDSL = errors.New("unknown DSL")

// Result is the deferred outcome of running the code. It resolves with the globals the code
// left behind, or rejects with the failure.
type Result = outcome.Outcome[sandbox.Globals]

// Factory builds the sandbox for one run. It may return an already resolved outcome, or one that
// resolves later; the code does not run until it resolves. arg is the JSON argument given to the
// run, or nil if there was none.
type Factory func(ctx context.Context, parent *worker.Parent, result *Result, arg json.RawMessage) (*outcome.Outcome[sandbox.Globals], error)

var (
	mut       sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a factory available under name. It panics if name is empty or already registered.
func Register(name string, f Factory) {
	mut.Lock()
	defer mut.Unlock()
	if name == "" || f == nil {
		panic("dsl: Register needs a name and a factory")
	}
	if _, ok := factories[name]; ok {
		panic(fmt.Sprintf("dsl: %q registered twice", name))
	}
	factories[name] = f
}

// Lookup returns the factory registered under name. The error for an unknown name lists the registered ones.
func Lookup(name string) (Factory, error) {
	mut.RLock()
	defer mut.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownDSL, name, strings.Join(names(), ", "))
	}
	return f, nil
}

// Names returns the registered names, sorted.
func Names() []string {
	mut.RLock()
	defer mut.RUnlock()
	return names()
}

func names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
