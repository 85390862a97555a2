package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/untrust"
	"github.com/guseggert/untrust/conn"
	"github.com/guseggert/untrust/dsl"
	"github.com/guseggert/untrust/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run code in a worker and print its messages and errors as JSON lines",
	ArgsUsage: "FILE|-",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "dsl",
			Usage:    "Name of the DSL that builds the code's globals. One of [" + strings.Join(dsl.Names(), ",") + "].",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "arg",
			Usage: "JSON argument handed to the DSL.",
		},
		&cli.StringFlag{
			Name:  "transport",
			Usage: "One of [stream,websocket]. Overrides the config file.",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Kill the worker if it is still running after this long. Zero waits forever.",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if c.IsSet("transport") {
			cfg.Transport = supervisor.Transport(c.String("transport"))
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		code, err := readCode(c.Args().First(), c.App.Reader)
		if err != nil {
			return err
		}

		var arg any
		if s := c.String("arg"); s != "" {
			if !json.Valid([]byte(s)) {
				return fmt.Errorf("--arg is not valid JSON: %s", s)
			}
			arg = json.RawMessage(s)
		}

		opts := append(cfg.Options(),
			supervisor.WithLogger(log),
			// stdout carries events, so the code's own output goes to stderr
			supervisor.WithOutput(os.Stderr, os.Stderr),
		)
		r := &runner{
			log:       log,
			out:       newEventWriter(c.App.Writer),
			timeout:   c.Duration("timeout"),
			killGrace: cfg.KillGrace,
		}
		status, err := r.run(c.Context, code, c.String("dsl"), arg, opts...)
		if err != nil {
			return err
		}
		if status.Code != 0 {
			return cli.Exit("", status.Code)
		}
		return nil
	},
}

func readCode(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading code from stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading code: %w", err)
	}
	return string(b), nil
}

// errTimedOut is returned when a worker outlives the run's timeout and is killed.
var errTimedOut = errors.New("timed out, worker killed")

type runner struct {
	log       *zap.SugaredLogger
	out       *eventWriter
	timeout   time.Duration
	killGrace time.Duration
}

// run starts a worker and forwards its events until it exits. If ctx ends first the worker is closed,
// and killed if it does not exit within the kill grace.
func (r *runner) run(ctx context.Context, code, dslName string, arg any, opts ...supervisor.Option) (supervisor.ExitStatus, error) {
	w, err := untrust.Run(ctx, code, dslName, arg, opts...)
	if err != nil {
		return supervisor.ExitStatus{}, err
	}
	log := r.log.With("WorkerID", w.ID)
	log.Debug("worker started")

	w.OnMessage(func(payload json.RawMessage) {
		r.out.write(event{Event: "message", Message: payload})
	})
	w.OnError(func(rerr *conn.RemoteError) {
		r.out.write(event{Event: "error", Error: rerr})
	})

	var timeout <-chan time.Time
	if r.timeout > 0 {
		t := time.NewTimer(r.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-w.Done():
	case <-timeout:
		log.Debug("timed out, killing worker")
		if err := w.Kill(); err != nil && !errors.Is(err, conn.ErrConnectionClosed) {
			return supervisor.ExitStatus{}, fmt.Errorf("killing worker: %w", err)
		}
		<-w.Done()
		return w.ExitStatus(), errTimedOut
	case <-ctx.Done():
		log.Debug("interrupted, closing worker")
		closeCtx, cancel := context.WithTimeout(context.Background(), r.killGrace)
		defer cancel()
		if err := w.Close(closeCtx); err != nil {
			return supervisor.ExitStatus{}, fmt.Errorf("closing worker: %w", err)
		}
	}
	status := w.ExitStatus()
	log.Debugw("worker exited", "Code", status.Code)
	return status, nil
}

type event struct {
	Event   string            `json:"event"`
	Message json.RawMessage   `json:"message,omitempty"`
	Error   *conn.RemoteError `json:"error,omitempty"`
}

// eventWriter writes one JSON document per line.
type eventWriter struct {
	mut sync.Mutex
	enc *json.Encoder
}

func newEventWriter(w io.Writer) *eventWriter {
	return &eventWriter{enc: json.NewEncoder(w)}
}

func (w *eventWriter) write(e event) {
	w.mut.Lock()
	defer w.mut.Unlock()
	_ = w.enc.Encode(e)
}
