package std

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/guseggert/untrust/dsl"
	"github.com/guseggert/untrust/outcome"
	"github.com/guseggert/untrust/sandbox"
	"github.com/guseggert/untrust/worker"
	"github.com/tidwall/gjson"
)

// Report builds its globals from arg {"globals": {...}, "delay": "10ms"}. With a delay the globals
// resolve only after it passes, so the code runs late. Once the code has run the final globals are
// sent to the supervisor as {"result": globals}.
func Report(ctx context.Context, parent *worker.Parent, result *dsl.Result, arg json.RawMessage) (*outcome.Outcome[sandbox.Globals], error) {
	globals := sandbox.Globals{}
	if g := gjson.GetBytes(arg, "globals"); g.Exists() {
		if !g.IsObject() {
			return nil, fmt.Errorf("globals must be an object, got %s", g.Type)
		}
		for k, v := range g.Map() {
			globals[k] = v.Value()
		}
	}

	var delay time.Duration
	if d := gjson.GetBytes(arg, "delay"); d.Exists() {
		var err error
		delay, err = time.ParseDuration(d.String())
		if err != nil {
			return nil, fmt.Errorf("parsing delay: %w", err)
		}
	}

	result.Then(func(final sandbox.Globals, err error) {
		if err != nil {
			return
		}
		if err := parent.Send(ctx, map[string]any{"result": final}); err != nil {
			parent.Logger().Named("report").Debugw("error sending result", "Error", err)
		}
	})

	if delay == 0 {
		return outcome.Resolved(globals), nil
	}
	deferred := outcome.New[sandbox.Globals]()
	time.AfterFunc(delay, func() { deferred.Resolve(globals) })
	return deferred, nil
}
