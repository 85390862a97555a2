package dsl

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/guseggert/untrust/outcome"
	"github.com/guseggert/untrust/sandbox"
	"github.com/guseggert/untrust/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookup(t *testing.T) {
	f := func(context.Context, *worker.Parent, *Result, json.RawMessage) (*outcome.Outcome[sandbox.Globals], error) {
		return outcome.Resolved(sandbox.Globals{"x": 1}), nil
	}
	Register("test-register", f)

	got, err := Lookup("test-register")
	require.NoError(t, err)
	o, err := got(context.Background(), nil, outcome.New[sandbox.Globals](), nil)
	require.NoError(t, err)
	g, err := o.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sandbox.Globals{"x": 1}, g)

	assert.Contains(t, Names(), "test-register")
	assert.Panics(t, func() { Register("test-register", f) })
	assert.Panics(t, func() { Register("", f) })
}

func TestLookupUnknown(t *testing.T) {
	Register("test-listed", func(context.Context, *worker.Parent, *Result, json.RawMessage) (*outcome.Outcome[sandbox.Globals], error) {
		return nil, nil
	})
	_, err := Lookup("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownDSL)
	assert.ErrorContains(t, err, `"does-not-exist"`)
	assert.ErrorContains(t, err, "test-listed")
	for _, name := range Names() {
		assert.ErrorContains(t, err, name)
	}
}
