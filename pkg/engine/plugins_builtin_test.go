package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeai/flume-oss/pkg/config"
	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine/runtime"
	"github.com/flumeai/flume-oss/pkg/policy"
	"github.com/flumeai/flume-oss/pkg/storage"
)

func TestParseFieldsPlugin(t *testing.T) {
	registry := newTestRegistry(t)
	workflow := buildTestWorkflow(t, registry, nil, echoSpec(config.PluginSpec{
		Name: "tokenizer", Type: "parse.fields",
	}))

	ec, _, err := execute(t, workflow, "alpha beta gamma")
	require.NoError(t, err)

	fields, ok := ec.Load("fields")
	require.True(t, ok)
	assert.Equal(t, []any{"alpha", "beta", "gamma"}, fields)

	count, ok := ec.Load("fields.count")
	require.True(t, ok)
	assert.Equal(t, 3, count)
}

func TestPromptRenderPlugin(t *testing.T) {
	registry := newTestRegistry(t)
	workflow := buildTestWorkflow(t, registry, nil, echoSpec(config.PluginSpec{
		Name:   "planner",
		Type:   "prompt.render",
		Config: map[string]any{"template": "Agent {{.Agent}} says: {{.Text}}"},
	}))

	ec, _, err := execute(t, workflow, "hello")
	require.NoError(t, err)

	prompt, ok := ec.Load("prompt")
	require.True(t, ok)
	assert.Equal(t, "Agent agent-a says: hello", prompt)
}

func TestMemoryPersistPlugin(t *testing.T) {
	registry := newTestRegistry(t)
	kv := storage.NewMemoryKV()
	resources := fakeResources{"memory": kv}

	workflow := buildTestWorkflow(t, registry, resources, echoSpec(config.PluginSpec{
		Name:   "persist",
		Type:   "memory.persist",
		Config: map[string]any{"store": "memory", "keys": []any{"text", "absent"}},
		Uses:   []string{"memory"},
	}))

	_, _, err := execute(t, workflow, "remember me")
	require.NoError(t, err)

	value, ok, err := kv.Get(context.Background(), "req-1/text")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "remember me", value)

	// Keys never written to the context are silently skipped.
	_, ok, err = kv.Get(context.Background(), "req-1/absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPolicyCheckPlugin(t *testing.T) {
	const module = `package flume.guard

import rego.v1

default allow := false

allow if {
	not contains(lower(input.text), "forbidden")
}

reasons contains "blocked term" if not allow
`
	opa, err := policy.NewEngine(context.Background(), policy.EngineOptions{
		Entrypoint: "flume/guard",
		Modules:    map[string]string{"guard.rego": module},
	})
	require.NoError(t, err)

	registry := newTestRegistry(t)
	resources := fakeResources{"guard": opa}
	workflow := buildTestWorkflow(t, registry, resources, echoSpec(config.PluginSpec{
		Name:   "guard",
		Type:   "policy.check",
		Config: map[string]any{"engine": "guard"},
		Uses:   []string{"guard"},
	}))

	ec, _, err := execute(t, workflow, "a perfectly fine request")
	require.NoError(t, err)
	allow, _ := ec.Load("policy.allow")
	assert.Equal(t, true, allow)

	ec, _, err = execute(t, workflow, "a FORBIDDEN request")
	require.Error(t, err)
	assert.Equal(t, "policy_denied", ec.Response.ErrorCode)
	allow, _ = ec.Load("policy.allow")
	assert.Equal(t, false, allow)
}

func TestEchoPluginTargetKey(t *testing.T) {
	registry := newTestRegistry(t)
	workflow := buildTestWorkflow(t, registry, nil, config.WorkflowSpec{
		Name: "test",
		Plugins: []config.PluginSpec{
			{Name: "intake", Type: "ingress.echo", Config: map[string]any{"target_key": "raw"}},
			{Name: "respond", Type: "output.finalize", Config: map[string]any{"source_key": "raw"}},
		},
	})

	ec, _, err := execute(t, workflow, "routed")
	require.NoError(t, err)

	payload, ok := ec.Response.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "routed", payload["text"])
}

func TestErrorRespondKeepsExistingCode(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.fail", runtime.CategoryTool, func(_ context.Context, ec *domain.ExecutionContext) error {
		ec.Response.ErrorCode = "custom_code"
		return assert.AnError
	})

	workflow := buildTestWorkflow(t, registry, nil, echoSpec(
		config.PluginSpec{Name: "fail", Type: "test.fail"},
		config.PluginSpec{Name: "recover", Type: "error.respond", Config: map[string]any{"code": "fallback"}},
	))

	ec, _, err := execute(t, workflow, "hello")
	require.Error(t, err)
	assert.Equal(t, "custom_code", ec.Response.ErrorCode)
}
