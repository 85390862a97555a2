// Package config loads the untrust CLI configuration from an untrust.toml file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/untrust/internal/files"
	"github.com/guseggert/untrust/sandbox"
	"github.com/guseggert/untrust/supervisor"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// FileName is the configuration file searched for from the working directory up.
const FileName = "untrust.toml"

const DefaultKillGrace = 5 * time.Second

type Config struct {
	Transport        supervisor.Transport
	WorkerBin        string
	LogLevel         zapcore.Level
	ExecTimeout      time.Duration
	ExitDrainTimeout time.Duration
	ConnectTimeout   time.Duration
	KillGrace        time.Duration
}

func Default() Config {
	return Config{
		Transport:        supervisor.TransportStream,
		LogLevel:         zapcore.InfoLevel,
		ExecTimeout:      sandbox.DefaultExecutionTimeout,
		ExitDrainTimeout: supervisor.DefaultExitDrainTimeout,
		ConnectTimeout:   supervisor.DefaultConnectTimeout,
		KillGrace:        DefaultKillGrace,
	}
}

type fileConfig struct {
	Transport        string `toml:"transport"`
	WorkerBin        string `toml:"worker_bin"`
	LogLevel         string `toml:"log_level"`
	ExecTimeout      string `toml:"exec_timeout"`
	ExitDrainTimeout string `toml:"exit_drain_timeout"`
	ConnectTimeout   string `toml:"connect_timeout"`
	KillGrace        string `toml:"kill_grace"`
}

// Find returns the path of the nearest untrust.toml in dir or its parents, or "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

// Load returns the defaults overridden by the file at path. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("loading config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("transport") {
		cfg.Transport = supervisor.Transport(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("worker_bin") {
		cfg.WorkerBin = strings.TrimSpace(raw.WorkerBin)
	}
	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.Set(strings.TrimSpace(raw.LogLevel)); err != nil {
			return Config{}, fmt.Errorf("parsing log_level: %w", err)
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"exec_timeout", raw.ExecTimeout, &cfg.ExecTimeout},
		{"exit_drain_timeout", raw.ExitDrainTimeout, &cfg.ExitDrainTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"kill_grace", raw.KillGrace, &cfg.KillGrace},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var err error
	switch c.Transport {
	case supervisor.TransportStream, supervisor.TransportWebSocket:
	default:
		err = multierr.Append(err, fmt.Errorf("transport: unknown transport %q", c.Transport))
	}
	if c.ExecTimeout <= 0 {
		err = multierr.Append(err, errors.New("exec_timeout: must be positive"))
	}
	if c.ExitDrainTimeout < 0 {
		err = multierr.Append(err, errors.New("exit_drain_timeout: must not be negative"))
	}
	if c.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("connect_timeout: must be positive"))
	}
	if c.KillGrace < 0 {
		err = multierr.Append(err, errors.New("kill_grace: must not be negative"))
	}
	return err
}

// Options returns the supervisor options c describes.
func (c Config) Options() []supervisor.Option {
	opts := []supervisor.Option{
		supervisor.WithTransport(c.Transport),
		supervisor.WithExecTimeout(c.ExecTimeout),
		supervisor.WithExitDrainTimeout(c.ExitDrainTimeout),
		supervisor.WithConnectTimeout(c.ConnectTimeout),
		supervisor.WithWorkerLogLevel(c.LogLevel.String()),
	}
	if c.WorkerBin != "" {
		opts = append(opts, supervisor.WithWorkerCommand(c.WorkerBin, "worker"))
	}
	return opts
}
