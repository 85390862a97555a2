package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/untrust"
	"github.com/guseggert/untrust/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "untrust",
		Usage: "run untrusted Lua code in a killable worker process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path of the config file. Defaults to the nearest " + config.FileName + " in the working directory or its parents.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			{
				Name:   "worker",
				Usage:  "the worker process started by run",
				Hidden: true,
				Action: func(c *cli.Context) error {
					return untrust.Worker(c.Context)
				},
			},
		},
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig applies the config file and then the global flags to the defaults.
func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("getting working directory: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return config.Config{}, fmt.Errorf("finding config: %w", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet("log-level") {
		if err := cfg.LogLevel.Set(c.String("log-level")); err != nil {
			return config.Config{}, fmt.Errorf("parsing log level: %w", err)
		}
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.SugaredLogger, error) {
	// stdout carries the run's events
	zcfg := zap.NewDevelopmentConfig()
	zcfg.OutputPaths = []string{"stderr"}
	logger, err := zcfg.Build(zap.IncreaseLevel(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}
