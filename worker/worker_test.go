package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/guseggert/untrust/channel"
	"github.com/guseggert/untrust/conn"
	"github.com/guseggert/untrust/sandbox"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log = zap.NewNop().Sugar()

func TestNewParentRequiresCurrentProcess(t *testing.T) {
	a, _ := channel.Pipe()

	_, err := NewParent(nil, a, log)
	assert.ErrorIs(t, err, ErrNotCurrentProcess)

	_, err = NewParent(&os.Process{Pid: os.Getpid() + 1}, a, log)
	assert.ErrorIs(t, err, ErrNotCurrentProcess)

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	p, err := NewParent(self, a, log)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, self, p.Process())
}

func TestErrorIsDeliveredWithStack(t *testing.T) {
	a, b := channel.Pipe()
	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	p, err := NewParent(self, a, log)
	require.NoError(t, err)
	defer p.Close()

	supervisor := conn.New(b, log)
	defer supervisor.Close()
	errs := make(chan *conn.RemoteError, 1)
	supervisor.OnError(func(err *conn.RemoteError) { errs <- err })

	require.NoError(t, p.Error(context.Background(), errors.New("foo")))
	rerr := <-errs
	assert.Equal(t, "foo", rerr.Message)
	assert.NotEmpty(t, rerr.Stack)
}

func TestReport(t *testing.T) {
	state := sandbox.NewState()
	defer state.Close()
	_, luaErr := state.Execute(context.Background(), `error("bar")`, nil)
	require.Error(t, luaErr)

	cases := []struct {
		name          string
		err           error
		expectMessage string
		expectStack   string
	}{
		{
			name:          "plain error",
			err:           errors.New("plain"),
			expectMessage: "plain",
			expectStack:   "TestReport",
		},
		{
			name:          "wrapped pkg/errors",
			err:           fmt.Errorf("outer: %w", pkgerrors.New("inner")),
			expectMessage: "outer: inner",
			expectStack:   "TestReport",
		},
		{
			name:          "lua error",
			err:           fmt.Errorf("executing code: %w", luaErr),
			expectMessage: "executing code: bar",
			expectStack:   "stack traceback",
		},
		{
			name:          "remote error",
			err:           &conn.RemoteError{Message: "remote", Stack: "remote stack"},
			expectMessage: "remote",
			expectStack:   "remote stack",
		},
		{
			name:          "nil",
			expectMessage: "unknown error",
			expectStack:   "Report",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rerr := Report(c.err)
			assert.Equal(t, c.expectMessage, rerr.Message)
			assert.Contains(t, rerr.Stack, c.expectStack)
		})
	}
}
