// Package std registers the built-in DSLs.
//
//	empty   no globals
//	std     send, request, on_message, on_request and exit bound to the supervisor connection, and arg
//	calc    answers requests {"x": X, "y": Y} with X*Y after a short random delay
//	echo    answers every message M with the message ["received", M]
//	report  globals taken from arg.globals, built after arg.delay; the final globals are sent as {"result": ...}
//
// Importing the package registers them.
package std

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/guseggert/untrust/conn"
	"github.com/guseggert/untrust/dsl"
	"github.com/guseggert/untrust/outcome"
	"github.com/guseggert/untrust/sandbox"
	"github.com/guseggert/untrust/worker"
	"go.uber.org/zap"
)

func init() {
	dsl.Register("empty", Empty)
	dsl.Register("std", Std)
	dsl.Register("calc", Calc)
	dsl.Register("echo", Echo)
	dsl.Register("report", Report)
}

func Empty(context.Context, *worker.Parent, *dsl.Result, json.RawMessage) (*outcome.Outcome[sandbox.Globals], error) {
	return outcome.Resolved(sandbox.Globals{}), nil
}

// Std exposes the supervisor connection to Lua.
//
//	send(v, ...)       sends a message; one argument is sent as is, several as an array
//	request(v)         sends a request and returns the response
//	on_message(fn)     calls fn(payload) for each message from the supervisor
//	on_request(fn)     calls fn(payload) for each request and responds with its first result
//	exit()             closes the connection, which ends the worker once the code returns
//	arg                the run's argument, or nil
func Std(ctx context.Context, parent *worker.Parent, _ *dsl.Result, arg json.RawMessage) (*outcome.Outcome[sandbox.Globals], error) {
	log := parent.Logger().Named("std")
	globals := sandbox.Globals{
		"send": sandbox.Func(func(args []any) (any, error) {
			return nil, parent.Send(ctx, payloadOf(args))
		}),
		"request": sandbox.Func(func(args []any) (any, error) {
			var reply any
			if err := parent.Request(ctx, payloadOf(args), &reply); err != nil {
				return nil, err
			}
			return reply, nil
		}),
		"on_message": sandbox.Func(func(args []any) (any, error) {
			cb, err := callbackArg(args)
			if err != nil {
				return nil, err
			}
			parent.OnMessage(func(payload json.RawMessage) {
				if _, err := cb.Call(ctx, payload); err != nil {
					reportError(ctx, parent, log, err)
				}
			})
			return nil, nil
		}),
		"on_request": sandbox.Func(func(args []any) (any, error) {
			cb, err := callbackArg(args)
			if err != nil {
				return nil, err
			}
			parent.OnRequest(func(payload json.RawMessage, respond conn.Respond) {
				res, err := cb.Call(ctx, payload)
				if err != nil {
					reportError(ctx, parent, log, err)
					return
				}
				var v any
				if len(res) > 0 {
					v = res[0]
				}
				if err := respond(ctx, v); err != nil {
					log.Debugw("error responding to request", "Error", err)
				}
			})
			return nil, nil
		}),
		"exit": sandbox.Func(func(args []any) (any, error) {
			parent.Close()
			return nil, nil
		}),
	}
	if arg != nil {
		globals["arg"] = arg
	}
	return outcome.Resolved(globals), nil
}

// reportError forwards a failure of a Lua handler to the supervisor.
func reportError(ctx context.Context, parent *worker.Parent, log *zap.SugaredLogger, err error) {
	if reportErr := parent.Error(ctx, err); reportErr != nil {
		log.Debugw("error reporting handler failure", "Error", reportErr, "HandlerError", err)
	}
}

func payloadOf(args []any) any {
	if len(args) == 1 {
		return args[0]
	}
	return args
}

func callbackArg(args []any) (*sandbox.Callback, error) {
	if len(args) > 0 {
		if cb, ok := args[0].(*sandbox.Callback); ok {
			return cb, nil
		}
	}
	return nil, errors.New("expected a function argument")
}
