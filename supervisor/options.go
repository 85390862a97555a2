package supervisor

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// Transport selects how a supervisor and its worker exchange envelopes.
type Transport string

const (
	// TransportStream uses a pair of pipes inherited by the worker.
	TransportStream Transport = "stream"
	// TransportWebSocket has the worker dial back to a loopback WebSocket listener.
	TransportWebSocket Transport = "websocket"
)

const (
	DefaultExitDrainTimeout = 2 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
)

type options struct {
	log              *zap.SugaredLogger
	transport        Transport
	workerBin        string
	workerArgs       []string
	env              []string
	stdout           io.Writer
	stderr           io.Writer
	exitDrainTimeout time.Duration
	connectTimeout   time.Duration
	execTimeout      time.Duration
	workerLogLevel   string
}

func defaultOptions() *options {
	return &options{
		log:              zap.NewNop().Sugar(),
		transport:        TransportStream,
		workerArgs:       []string{"worker"},
		stdout:           os.Stdout,
		stderr:           os.Stderr,
		exitDrainTimeout: DefaultExitDrainTimeout,
		connectTimeout:   DefaultConnectTimeout,
	}
}

type Option func(*options)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithWorkerCommand sets the executable and leading arguments that start a worker.
// Defaults to the running executable with the argument "worker".
func WithWorkerCommand(bin string, args ...string) Option {
	return func(o *options) {
		o.workerBin = bin
		o.workerArgs = args
	}
}

// WithEnv adds KEY=VALUE entries to the worker's environment.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// WithOutput sets where the worker's stdout and stderr are copied.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// WithExitDrainTimeout bounds how long, after the worker exits, events it sent are still delivered.
func WithExitDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		o.exitDrainTimeout = d
	}
}

// WithConnectTimeout bounds how long a WebSocket worker has to dial back.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithExecTimeout bounds the worker's execution of the code. Zero leaves the worker's default.
func WithExecTimeout(d time.Duration) Option {
	return func(o *options) {
		o.execTimeout = d
	}
}

// WithWorkerLogLevel sets the worker's log level, e.g. "debug".
func WithWorkerLogLevel(level string) Option {
	return func(o *options) {
		o.workerLogLevel = level
	}
}
