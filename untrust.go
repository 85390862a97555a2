// Package untrust runs untrusted Lua code in a separate, killable worker process.
//
// The supervisor calls Run with the code, the name of a DSL and an optional argument. The worker
// builds the code's globals with the DSL, runs the code, and from then on the two sides exchange
// messages and correlated requests until the supervisor closes the worker or it exits.
//
// The worker is the running executable started again with the "worker" argument, so programs that
// call Run must hand that argument to Worker:
//
//	func main() {
//		if len(os.Args) > 1 && os.Args[1] == "worker" {
//			if err := untrust.Worker(context.Background()); err != nil {
//				os.Exit(1)
//			}
//			return
//		}
//		...
//	}
package untrust

import (
	"context"

	"github.com/guseggert/untrust/bootstrap"
	_ "github.com/guseggert/untrust/dsl/std"
	"github.com/guseggert/untrust/supervisor"
)

// ArgumentError reports invalid arguments to Run. No process was started.
type ArgumentError = supervisor.ArgumentError

// Run starts a worker that runs code against the DSL registered as dslName. arg, if not nil, is
// JSON encoded and handed to the DSL. Run fails with *ArgumentError before spawning anything if
// dslName is empty or arg cannot be encoded.
func Run(ctx context.Context, code, dslName string, arg any, opts ...supervisor.Option) (*supervisor.Worker, error) {
	return supervisor.Spawn(ctx, code, dslName, arg, opts...)
}

// Worker is the body of a worker process. It returns once the supervisor closes the connection.
func Worker(ctx context.Context) error {
	return bootstrap.MainFromEnv(ctx)
}
