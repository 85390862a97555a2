package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/untrust/sandbox"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// A supervisor passes a worker its arguments through these environment variables,
// and the code on the worker's stdin.
const (
	EnvDSL         = "UNTRUST_DSL"
	EnvArg         = "UNTRUST_ARG"
	EnvExecTimeout = "UNTRUST_EXEC_TIMEOUT"
	EnvLogLevel    = "UNTRUST_LOG_LEVEL"
)

// Environ returns the environment entries that carry args, except the code.
func (a Args) Environ() []string {
	return []string{
		EnvDSL + "=" + a.DSL,
		EnvArg + "=" + a.Arg,
	}
}

// ArgsFromEnv reads the arguments a supervisor passed: the code from stdin and the rest from the environment.
func ArgsFromEnv(stdin io.Reader) (Args, error) {
	code, err := io.ReadAll(stdin)
	if err != nil {
		return Args{}, fmt.Errorf("reading code: %w", err)
	}
	return Args{
		Code: string(code),
		DSL:  os.Getenv(EnvDSL),
		Arg:  os.Getenv(EnvArg),
	}, nil
}

// ExecTimeoutFromEnv returns the execution timeout the supervisor asked for, or def if it did not ask.
func ExecTimeoutFromEnv(def time.Duration) (time.Duration, error) {
	s := os.Getenv(EnvExecTimeout)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", EnvExecTimeout, err)
	}
	return d, nil
}

// Logger builds a worker's logger. It writes to stderr, since stdout belongs to the code,
// at the level named by EnvLogLevel, or info.
func Logger() (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if s := os.Getenv(EnvLogLevel); s != "" {
		if err := level.Set(s); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", EnvLogLevel, err)
		}
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

// MainFromEnv is Main for a process started by a supervisor: it reads everything it needs from stdin and the environment.
func MainFromEnv(ctx context.Context) error {
	log, err := Logger()
	if err != nil {
		return err
	}
	defer log.Sync()

	args, err := ArgsFromEnv(os.Stdin)
	if err != nil {
		return err
	}
	timeout, err := ExecTimeoutFromEnv(sandbox.DefaultExecutionTimeout)
	if err != nil {
		return err
	}
	return Main(ctx, args, log, WithSandboxOptions(sandbox.WithExecutionTimeout(timeout)))
}
