package bootstrap

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsFromEnv(t *testing.T) {
	args := Args{Code: "x = 1", DSL: "std", Arg: `{"n":1}`}
	for _, kv := range args.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		t.Setenv(k, v)
	}

	got, err := ArgsFromEnv(strings.NewReader(args.Code))
	require.NoError(t, err)
	assert.Equal(t, args, got)
}

func TestExecTimeoutFromEnv(t *testing.T) {
	t.Setenv(EnvExecTimeout, "")
	d, err := ExecTimeoutFromEnv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	t.Setenv(EnvExecTimeout, "250ms")
	d, err = ExecTimeoutFromEnv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	t.Setenv(EnvExecTimeout, "soon")
	_, err = ExecTimeoutFromEnv(time.Second)
	assert.Error(t, err)
}
