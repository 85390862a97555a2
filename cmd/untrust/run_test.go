package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/untrust"
	"github.com/guseggert/untrust/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const envTestWorker = "UNTRUST_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(envTestWorker) == "1" {
		if err := untrust.Worker(context.Background()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestRunner(t *testing.T, timeout time.Duration) (*runner, *bytes.Buffer, []supervisor.Option) {
	exe, err := os.Executable()
	require.NoError(t, err)
	var out bytes.Buffer
	r := &runner{
		log:       zap.NewNop().Sugar(),
		out:       newEventWriter(&out),
		timeout:   timeout,
		killGrace: time.Second,
	}
	opts := []supervisor.Option{
		supervisor.WithWorkerCommand(exe),
		supervisor.WithEnv(envTestWorker + "=1"),
		supervisor.WithExitDrainTimeout(time.Second),
	}
	return r, &out, opts
}

func lines(out *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(out.String()), "\n")
}

func TestRunPrintsEvents(t *testing.T) {
	r, out, opts := newTestRunner(t, 3*time.Second)

	status, err := r.run(context.Background(), `send("hi", 1) error("oops")`, "std", nil, opts...)
	// the code failed, so only the timeout ends the worker
	assert.ErrorIs(t, err, errTimedOut)
	assert.Equal(t, -1, status.Code)

	got := lines(out)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"event":"message","message":["hi",1]}`, got[0])

	var errEvent struct {
		Event string
		Error struct {
			Message string
			Stack   string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(got[1]), &errEvent))
	assert.Equal(t, "error", errEvent.Event)
	assert.Equal(t, "oops", errEvent.Error.Message)
	assert.NotEmpty(t, errEvent.Error.Stack)
}

func TestRunEndsWhenWorkerExits(t *testing.T) {
	r, out, opts := newTestRunner(t, 10*time.Second)

	status, err := r.run(context.Background(), `send(arg.greeting) exit()`, "std", json.RawMessage(`{"greeting":"bye"}`), opts...)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Code)
	assert.Equal(t, []string{`{"event":"message","message":"bye"}`}, lines(out))
}

func TestRunClosesWorkerOnCancel(t *testing.T) {
	r, _, opts := newTestRunner(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	status, err := r.run(ctx, "", "empty", nil, opts...)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Code)
}

func TestReadCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "code.lua")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o644))

	cases := []struct {
		name   string
		path   string
		stdin  string
		expect string
		expErr bool
	}{
		{name: "file", path: path, expect: "x = 1"},
		{name: "dash reads stdin", path: "-", stdin: "y = 2", expect: "y = 2"},
		{name: "no path reads stdin", stdin: "z = 3", expect: "z = 3"},
		{name: "missing file", path: filepath.Join(t.TempDir(), "nope.lua"), expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, err := readCode(c.path, strings.NewReader(c.stdin))
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, code)
		})
	}
}

func TestDSLFlagListsBuiltins(t *testing.T) {
	usage := runCommand.Flags[0].(*cli.StringFlag).Usage
	for _, name := range []string{"empty", "std", "calc", "echo", "report"} {
		assert.Contains(t, usage, name)
	}
}
