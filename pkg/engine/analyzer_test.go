package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeai/flume-oss/pkg/config"
	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine/runtime"
)

func TestAnalyzeStaticEmptyStages(t *testing.T) {
	registry := newTestRegistry(t)
	workflow := buildTestWorkflow(t, registry, nil, echoSpec())

	never := NewAnalyzer(workflow, nil).AnalyzeStatic()
	assert.Equal(t, []domain.Stage{domain.StageParse, domain.StageThink, domain.StageDo, domain.StageReview}, never)
}

func TestAnalyzeStaticConfigOnlyPredicate(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.tool", runtime.CategoryTool, func(context.Context, *domain.ExecutionContext) error {
		return nil
	})

	spec := echoSpec(config.PluginSpec{
		Name:     "gated",
		Type:     "test.tool",
		Config:   map[string]any{"enabled": false},
		SkipWhen: []string{"config.enabled == false"},
	})
	workflow := buildTestWorkflow(t, registry, nil, spec)

	never := NewAnalyzer(workflow, nil).AnalyzeStatic()
	assert.Contains(t, never, domain.StageDo, "a config-only predicate is statically decidable")
}

func TestAnalyzeStaticDisabledPlugin(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.tool", runtime.CategoryTool, func(context.Context, *domain.ExecutionContext) error {
		return nil
	})

	spec := echoSpec(config.PluginSpec{
		Name:   "off",
		Type:   "test.tool",
		Config: map[string]any{"disabled": true},
	})
	workflow := buildTestWorkflow(t, registry, nil, spec)

	never := NewAnalyzer(workflow, nil).AnalyzeStatic()
	assert.Contains(t, never, domain.StageDo)
}

func TestAnalyzeStaticNeverIncludesOutput(t *testing.T) {
	registry := newTestRegistry(t)
	workflow := buildTestWorkflow(t, registry, nil, echoSpec())

	never := NewAnalyzer(workflow, nil).AnalyzeStatic()
	assert.NotContains(t, never, domain.StageOutput)
	assert.NotContains(t, never, domain.StageInput)
}

func TestAnalyzeInputStaysWhenDependentsRun(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.parser", runtime.CategoryParser, func(context.Context, *domain.ExecutionContext) error {
		return nil
	})

	// The only input plugin is disabled, but the parser still needs input.
	spec := config.WorkflowSpec{
		Name: "test",
		Plugins: []config.PluginSpec{
			{Name: "intake", Type: "ingress.echo", Config: map[string]any{"disabled": true}},
			{Name: "parse", Type: "test.parser"},
			{Name: "respond", Type: "output.finalize"},
		},
	}
	workflow := buildTestWorkflow(t, registry, nil, spec)

	ec := domain.NewExecutionContext("req", domain.RequestInput{Text: "hello"}, nil)
	analysis := NewAnalyzer(workflow, nil).Analyze(ec)

	input, ok := analysis.Stage(domain.StageInput)
	require.True(t, ok)
	assert.False(t, input.Skip, "input may not be skipped while a dependent stage runs")

	parse, ok := analysis.Stage(domain.StageParse)
	require.True(t, ok)
	assert.False(t, parse.Skip)
}

func TestAnalyzeInputSkipsWhenDependentsSkip(t *testing.T) {
	registry := newTestRegistry(t)

	spec := config.WorkflowSpec{
		Name: "test",
		Plugins: []config.PluginSpec{
			{Name: "intake", Type: "ingress.echo", Config: map[string]any{"disabled": true}},
			{Name: "respond", Type: "output.finalize"},
		},
	}
	workflow := buildTestWorkflow(t, registry, nil, spec)

	ec := domain.NewExecutionContext("req", domain.RequestInput{Text: "hello"}, nil)
	analysis := NewAnalyzer(workflow, nil).Analyze(ec)

	input, ok := analysis.Stage(domain.StageInput)
	require.True(t, ok)
	assert.True(t, input.Skip, "with every dependent stage skipped, input may skip too")
}

func TestPluginSkipReasons(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.tool", runtime.CategoryTool, func(context.Context, *domain.ExecutionContext) error {
		return nil
	})

	spec := echoSpec(
		config.PluginSpec{Name: "disabled", Type: "test.tool", Config: map[string]any{"disabled": true}},
		config.PluginSpec{Name: "predicated", Type: "test.tool", SkipWhen: []string{`input.agent == "blocked"`}},
		config.PluginSpec{Name: "dangling", Type: "test.tool", SkipWhen: []string{"missing.key == true"}},
	)
	workflow := buildTestWorkflow(t, registry, nil, spec)
	analyzer := NewAnalyzer(workflow, nil)

	ec := domain.NewExecutionContext("req", domain.RequestInput{Text: "hi", AgentID: "blocked"}, nil)

	instance, _ := workflow.Instance("disabled")
	skip, reason := analyzer.PluginSkip(ec, instance)
	assert.True(t, skip)
	assert.Equal(t, "disabled by configuration", reason)

	instance, _ = workflow.Instance("predicated")
	skip, reason = analyzer.PluginSkip(ec, instance)
	assert.True(t, skip)
	assert.Contains(t, reason, `input.agent == "blocked"`)

	// An unresolvable predicate counts as not satisfied.
	instance, _ = workflow.Instance("dangling")
	skip, _ = analyzer.PluginSkip(ec, instance)
	assert.False(t, skip)
}

func TestPluginSkipOverride(t *testing.T) {
	registry := newTestRegistry(t)
	require.NoError(t, registry.Register(runtime.Registration{
		Type:     "test.selfskip",
		Category: runtime.CategoryTool,
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			return &selfSkipPlugin{name: in.InstanceName}, nil
		},
	}))

	workflow := buildTestWorkflow(t, registry, nil, echoSpec(config.PluginSpec{
		Name: "self", Type: "test.selfskip",
	}))
	analyzer := NewAnalyzer(workflow, nil)

	ec := domain.NewExecutionContext("req", domain.RequestInput{Text: "anything"}, nil)
	instance, _ := workflow.Instance("self")
	skip, reason := analyzer.PluginSkip(ec, instance)
	assert.True(t, skip)
	assert.Equal(t, "nothing to do", reason)
}

type selfSkipPlugin struct{ name string }

func (p *selfSkipPlugin) Name() string { return p.name }

func (p *selfSkipPlugin) Execute(context.Context, *domain.ExecutionContext) error { return nil }

func (p *selfSkipPlugin) Skip(*domain.ExecutionContext) (bool, string) { return true, "nothing to do" }

func TestAnalyzeEstimatedSavings(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.tool", runtime.CategoryTool, func(context.Context, *domain.ExecutionContext) error {
		return nil
	})

	spec := echoSpec(config.PluginSpec{
		Name:     "expensive",
		Type:     "test.tool",
		SkipWhen: []string{"len(input.text) < 5"},
	})
	workflow := buildTestWorkflow(t, registry, nil, spec)

	history := NewHistory()
	history.Observe("expensive", 100*time.Millisecond)
	history.Observe("expensive", 300*time.Millisecond)

	ec := domain.NewExecutionContext("req", domain.RequestInput{Text: "hi"}, nil)
	analysis := NewAnalyzer(workflow, history).Analyze(ec)

	do, ok := analysis.Stage(domain.StageDo)
	require.True(t, ok)
	require.True(t, do.Skip)
	assert.Equal(t, 200*time.Millisecond, do.EstimatedSaving)
	require.Len(t, do.Plugins, 1)
	assert.Equal(t, 200*time.Millisecond, do.Plugins[0].EstimatedSaving)
}

func TestAnalyzerIsReadOnly(t *testing.T) {
	registry := newTestRegistry(t)
	workflow := buildTestWorkflow(t, registry, nil, echoSpec())

	ec := domain.NewExecutionContext("req", domain.RequestInput{Text: "hello"}, nil)
	NewAnalyzer(workflow, nil).Analyze(ec)

	assert.Empty(t, ec.Skips(), "analysis must not write the skip log")
	assert.Empty(t, ec.Keys(), "analysis must not write context values")
}
