package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const guardModule = `package flume.guard

import rego.v1

default allow := false

allow if {
	not blocked
}

blocked if {
	contains(lower(input.text), "forbidden")
}

reasons contains "text contains a forbidden term" if blocked
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "flume/guard",
		Modules:    map[string]string{"guard.rego": guardModule},
	})
	require.NoError(t, err)
	return engine
}

func TestEngineEvaluateAllow(t *testing.T) {
	engine := newTestEngine(t)

	decision, err := engine.Evaluate(context.Background(), map[string]any{"text": "hello world"})
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Empty(t, decision.Reasons)
}

func TestEngineEvaluateBlock(t *testing.T) {
	engine := newTestEngine(t)

	decision, err := engine.Evaluate(context.Background(), map[string]any{"text": "this is FORBIDDEN"})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Contains(t, decision.Reasons, "text contains a forbidden term")
}

func TestEngineRequiresModules(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{Entrypoint: "flume/guard"})
	require.Error(t, err)
}

func TestEngineRejectsBadModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package flume.guard\n\nallow if {"},
	})
	require.Error(t, err)
}
