package std

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/guseggert/untrust/conn"
	"github.com/guseggert/untrust/dsl"
	"github.com/guseggert/untrust/outcome"
	"github.com/guseggert/untrust/sandbox"
	"github.com/guseggert/untrust/worker"
	"github.com/tidwall/gjson"
)

// MaxCalcDelay bounds the random delay before Calc responds, so responses complete out of order.
var MaxCalcDelay = 25 * time.Millisecond

func Calc(ctx context.Context, parent *worker.Parent, _ *dsl.Result, _ json.RawMessage) (*outcome.Outcome[sandbox.Globals], error) {
	log := parent.Logger().Named("calc")
	parent.OnRequest(func(payload json.RawMessage, respond conn.Respond) {
		x := gjson.GetBytes(payload, "x").Float()
		y := gjson.GetBytes(payload, "y").Float()
		delay := time.Duration(rand.Int63n(int64(MaxCalcDelay) + 1))
		go func() {
			time.Sleep(delay)
			if err := respond(ctx, x*y); err != nil {
				log.Debugw("error responding to request", "Error", err)
			}
		}()
	})
	return outcome.Resolved(sandbox.Globals{}), nil
}

func Echo(ctx context.Context, parent *worker.Parent, _ *dsl.Result, _ json.RawMessage) (*outcome.Outcome[sandbox.Globals], error) {
	log := parent.Logger().Named("echo")
	parent.OnMessage(func(payload json.RawMessage) {
		if err := parent.Send(ctx, []any{"received", payload}); err != nil {
			log.Debugw("error echoing message", "Error", err)
		}
	})
	return outcome.Resolved(sandbox.Globals{}), nil
}
