package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/flumeai/flume-oss/pkg/config"
	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine/runtime"
)

// testPlugin adapts a bare function to the plugin contract.
type testPlugin struct {
	name string
	fn   func(ctx context.Context, ec *domain.ExecutionContext) error
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) Execute(ctx context.Context, ec *domain.ExecutionContext) error {
	return p.fn(ctx, ec)
}

// callLog records plugin executions across goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeResources map[string]any

func (f fakeResources) Resource(name string) (any, error) {
	if value, ok := f[name]; ok {
		return value, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrResourceNotFound, name)
}

func (f fakeResources) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	return names
}

// eventSink captures recorder events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *eventSink) Record(event domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *eventSink) ofKind(kind domain.EventKind) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, event := range s.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

// registerFunc registers a test plugin type whose instances run fn.
func registerFunc(t *testing.T, registry *Registry, typeName string, category runtime.Category, fn func(ctx context.Context, ec *domain.ExecutionContext) error) {
	t.Helper()
	require.NoError(t, registry.Register(runtime.Registration{
		Type:     typeName,
		Category: category,
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			return &testPlugin{name: in.InstanceName, fn: fn}, nil
		},
	}))
}

// registerRecording registers a type whose instances log their own name.
func registerRecording(t *testing.T, registry *Registry, typeName string, category runtime.Category, log *callLog) {
	t.Helper()
	registerFunc(t, registry, typeName, category, func(_ context.Context, ec *domain.ExecutionContext) error {
		log.add(ec.Stage().String() + "/" + typeName)
		return nil
	})
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(registry))
	return registry
}

func buildTestWorkflow(t *testing.T, registry *Registry, resources ResourceProvider, spec config.WorkflowSpec) *Workflow {
	t.Helper()
	if resources == nil {
		resources = fakeResources{}
	}
	workflow, err := NewBuilder(registry, resources, nil).Build(spec, 1)
	require.NoError(t, err)
	return workflow
}

func echoSpec(extra ...config.PluginSpec) config.WorkflowSpec {
	plugins := []config.PluginSpec{
		{Name: "intake", Type: "ingress.echo"},
	}
	plugins = append(plugins, extra...)
	plugins = append(plugins, config.PluginSpec{Name: "respond", Type: "output.finalize"})
	return config.WorkflowSpec{Name: "test", Plugins: plugins}
}

func execute(t *testing.T, workflow *Workflow, text string) (*domain.ExecutionContext, *eventSink, error) {
	t.Helper()
	sink := &eventSink{}
	executor := NewExecutor(ExecutorConfig{Recorder: sink})
	ec := domain.NewExecutionContext("req-1", domain.RequestInput{Text: text, AgentID: "agent-a"}, nil)
	err := executor.Execute(context.Background(), workflow, ec)
	return ec, sink, err
}

func TestExecuteEchoPipeline(t *testing.T) {
	registry := newTestRegistry(t)
	workflow := buildTestWorkflow(t, registry, nil, echoSpec())

	ec, sink, err := execute(t, workflow, "hello")
	require.NoError(t, err)

	require.True(t, ec.Response.Final)
	payload, ok := ec.Response.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", payload["text"])
	assert.Equal(t, "req-1", payload["request_id"])

	ends := sink.ofKind(domain.EventPluginEnd)
	require.Len(t, ends, 2)
	assert.Equal(t, "intake", ends[0].Plugin)
	assert.Equal(t, "respond", ends[1].Plugin)
	for _, event := range ends {
		assert.Empty(t, event.Err)
	}
}

func TestExecuteSkipsStageOnPredicate(t *testing.T) {
	registry := newTestRegistry(t)
	log := &callLog{}
	registerRecording(t, registry, "test.think", runtime.CategoryPrompt, log)

	spec := echoSpec(config.PluginSpec{
		Name:     "planner",
		Type:     "test.think",
		SkipWhen: []string{"len(input.text) < 5"},
	})
	workflow := buildTestWorkflow(t, registry, nil, spec)

	ec, sink, err := execute(t, workflow, "hi")
	require.NoError(t, err)
	require.True(t, ec.Response.Final)
	assert.Empty(t, log.names(), "think plugin must not run for short input")

	var stageSkip, pluginSkip *domain.SkipRecord
	records := ec.Skips()
	for i := range records {
		if records[i].Stage != domain.StageThink {
			continue
		}
		switch records[i].Plugin {
		case "":
			stageSkip = &records[i]
		case "planner":
			pluginSkip = &records[i]
		}
	}
	require.NotNil(t, stageSkip, "skip log must carry the think-stage decision")
	assert.NotEmpty(t, stageSkip.Reason)
	require.NotNil(t, pluginSkip, "skip log must name the elided plugin")
	assert.Contains(t, pluginSkip.Reason, "len(input.text) < 5")

	skips := sink.ofKind(domain.EventStageSkip)
	require.NotEmpty(t, skips)

	pluginSkips := sink.ofKind(domain.EventPluginSkip)
	require.Len(t, pluginSkips, 1)
	assert.Equal(t, "planner", pluginSkips[0].Plugin)

	// A longer input does not satisfy the predicate.
	ec2, _, err := execute(t, workflow, "hello world")
	require.NoError(t, err)
	require.True(t, ec2.Response.Final)
	assert.Equal(t, []string{"think/test.think"}, log.names())
}

func TestExecuteFailFastRoutesToErrorStage(t *testing.T) {
	registry := newTestRegistry(t)
	log := &callLog{}
	registerRecording(t, registry, "test.tool", runtime.CategoryTool, log)
	registerRecording(t, registry, "test.guard", runtime.CategoryGuard, log)
	registerFunc(t, registry, "test.boom", runtime.CategoryTool, func(context.Context, *domain.ExecutionContext) error {
		return errors.New("tool exploded")
	})

	spec := config.WorkflowSpec{
		Name: "test",
		Plugins: []config.PluginSpec{
			{Name: "intake", Type: "ingress.echo"},
			{Name: "boom", Type: "test.boom"},
			{Name: "after-boom", Type: "test.tool"},
			{Name: "reviewer", Type: "test.guard"},
			{Name: "respond", Type: "output.finalize"},
			{Name: "recover", Type: "error.respond"},
		},
	}
	workflow := buildTestWorkflow(t, registry, nil, spec)

	ec, _, err := execute(t, workflow, "hello")
	require.Error(t, err)

	var engineErr *domain.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, domain.StageDo, engineErr.Stage)
	assert.Equal(t, "boom", engineErr.Plugin)

	assert.Empty(t, log.names(), "no plugin after the failure may run")
	assert.False(t, ec.Response.Final)
	assert.Equal(t, "pipeline_error", ec.Response.ErrorCode)

	payload, ok := ec.Response.Payload.(map[string]any)
	require.True(t, ok, "error.respond must shape the failure payload")
	assert.Contains(t, payload["message"], "tool exploded")
}

func TestExecuteRejectsUnfinalizedResponse(t *testing.T) {
	registry := newTestRegistry(t)
	errorRan := false
	registerFunc(t, registry, "test.silent", runtime.CategoryResponder, func(context.Context, *domain.ExecutionContext) error {
		return nil
	})
	registerFunc(t, registry, "test.recover", runtime.CategoryRecovery, func(context.Context, *domain.ExecutionContext) error {
		errorRan = true
		return nil
	})

	spec := config.WorkflowSpec{
		Name: "test",
		Plugins: []config.PluginSpec{
			{Name: "intake", Type: "ingress.echo"},
			{Name: "respond", Type: "test.silent"},
			{Name: "recover", Type: "test.recover"},
		},
	}
	workflow := buildTestWorkflow(t, registry, nil, spec)

	_, _, err := execute(t, workflow, "hello")
	require.ErrorIs(t, err, domain.ErrResponseNotFinal)
	assert.False(t, errorRan, "a missing finalization is an engine fault, not a plugin failure")
}

func TestFinalizeForbiddenOutsideOutputStage(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.early", runtime.CategoryTool, func(_ context.Context, ec *domain.ExecutionContext) error {
		return ec.Finalize("too early")
	})

	workflow := buildTestWorkflow(t, registry, nil, echoSpec(config.PluginSpec{
		Name: "early", Type: "test.early",
	}))

	ec, _, err := execute(t, workflow, "hello")
	require.ErrorIs(t, err, domain.ErrFinalizeForbidden)
	assert.False(t, ec.Response.Final)
}

func TestErrorStageFailureTerminatesRequest(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.boom", runtime.CategoryTool, func(context.Context, *domain.ExecutionContext) error {
		return errors.New("primary failure")
	})
	registerFunc(t, registry, "test.badrecover", runtime.CategoryRecovery, func(context.Context, *domain.ExecutionContext) error {
		return errors.New("recovery also failed")
	})

	workflow := buildTestWorkflow(t, registry, nil, echoSpec(
		config.PluginSpec{Name: "boom", Type: "test.boom"},
		config.PluginSpec{Name: "recover", Type: "test.badrecover"},
	))

	_, _, err := execute(t, workflow, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary failure")
}

func TestSameStagePredicateRecheck(t *testing.T) {
	registry := newTestRegistry(t)
	log := &callLog{}
	registerFunc(t, registry, "test.writer", runtime.CategoryTool, func(_ context.Context, ec *domain.ExecutionContext) error {
		ec.Store("handled", true)
		return nil
	})
	registerRecording(t, registry, "test.reader", runtime.CategoryTool, log)

	spec := echoSpec(
		config.PluginSpec{Name: "writer", Type: "test.writer"},
		config.PluginSpec{Name: "reader", Type: "test.reader", SkipWhen: []string{"handled == true"}},
	)
	workflow := buildTestWorkflow(t, registry, nil, spec)

	ec, _, err := execute(t, workflow, "hello")
	require.NoError(t, err)
	assert.Empty(t, log.names(), "predicate must see the sibling's write")

	var found bool
	for _, record := range ec.Skips() {
		if record.Plugin == "reader" {
			found = true
			assert.Contains(t, record.Reason, "handled == true")
		}
	}
	assert.True(t, found)
}

// A stage's skip decision is made when the stage is entered, not when the
// request starts: an earlier stage's writes can invalidate a predicate that
// held against the initial context.
func TestStageSkipReconsideredAfterEarlierStageWrites(t *testing.T) {
	registry := newTestRegistry(t)
	log := &callLog{}
	registerFunc(t, registry, "test.note", runtime.CategoryIngress, func(_ context.Context, ec *domain.ExecutionContext) error {
		ec.Store("note", "from intake")
		return nil
	})
	registerRecording(t, registry, "test.think", runtime.CategoryPrompt, log)

	spec := config.WorkflowSpec{
		Name: "test",
		Plugins: []config.PluginSpec{
			{Name: "intake", Type: "test.note"},
			{Name: "planner", Type: "test.think", SkipWhen: []string{"!has(note)"}},
			{Name: "respond", Type: "output.finalize"},
		},
	}
	workflow := buildTestWorkflow(t, registry, nil, spec)

	ec, _, err := execute(t, workflow, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"think/test.think"}, log.names(),
		"the stage decision must see the input stage's write")
	for _, record := range ec.Skips() {
		assert.NotEqual(t, domain.StageThink, record.Stage)
	}
}

// Skipping a stage whose plugins all satisfy their predicates must leave the
// same final context as forcibly skipping it.
func TestSkipSoundness(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.marker", runtime.CategoryPrompt, func(_ context.Context, ec *domain.ExecutionContext) error {
		ec.Store("marker", true)
		return nil
	})

	predicated := buildTestWorkflow(t, registry, nil, echoSpec(config.PluginSpec{
		Name:     "marker",
		Type:     "test.marker",
		SkipWhen: []string{"len(input.text) < 5"},
	}))
	forced := buildTestWorkflow(t, registry, nil, echoSpec(config.PluginSpec{
		Name:   "marker",
		Type:   "test.marker",
		Config: map[string]any{"disabled": true},
	}))

	ecA, _, err := execute(t, predicated, "hi")
	require.NoError(t, err)
	ecB, _, err := execute(t, forced, "hi")
	require.NoError(t, err)

	assert.ElementsMatch(t, ecA.Keys(), ecB.Keys())
	for _, key := range ecA.Keys() {
		a, _ := ecA.Load(key)
		b, _ := ecB.Load(key)
		assert.Equal(t, a, b, "key %s", key)
	}
	assert.Equal(t, ecA.Response.Payload, ecB.Response.Payload)

	// A longer input clears the predicate and runs the plugin.
	ecLong, _, err := execute(t, predicated, "hello world")
	require.NoError(t, err)
	_, ran := ecLong.Load("marker")
	assert.True(t, ran)
}

func TestPluginTimeout(t *testing.T) {
	registry := newTestRegistry(t)
	registerFunc(t, registry, "test.slow", runtime.CategoryTool, func(ctx context.Context, _ *domain.ExecutionContext) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	workflow := buildTestWorkflow(t, registry, nil, echoSpec(config.PluginSpec{
		Name:   "slow",
		Type:   "test.slow",
		Config: map[string]any{"timeout_ms": 20},
	}))

	start := time.Now()
	_, _, err := execute(t, workflow, "hello")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var engineErr *domain.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, "slow", engineErr.Plugin)
}

func TestExecuteCancelledContext(t *testing.T) {
	registry := newTestRegistry(t)
	workflow := buildTestWorkflow(t, registry, nil, echoSpec())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	executor := NewExecutor(ExecutorConfig{})
	ec := domain.NewExecutionContext("req-c", domain.RequestInput{Text: "hello"}, nil)
	err := executor.Execute(ctx, workflow, ec)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCleanupsRunAfterRequest(t *testing.T) {
	registry := newTestRegistry(t)
	var order []string
	registerFunc(t, registry, "test.acquire", runtime.CategoryTool, func(_ context.Context, ec *domain.ExecutionContext) error {
		ec.OnCleanup(func() error { order = append(order, "first"); return nil })
		ec.OnCleanup(func() error { order = append(order, "second"); return nil })
		return nil
	})

	workflow := buildTestWorkflow(t, registry, nil, echoSpec(config.PluginSpec{
		Name: "acquire", Type: "test.acquire",
	}))

	_, _, err := execute(t, workflow, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, order)
}

// Identical inputs against an identical workflow must take identical paths.
func TestExecutionDeterminism(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		registry := NewRegistry(nil)
		require.NoError(t, RegisterBuiltins(registry))
		log := &callLog{}
		require.NoError(t, registry.Register(runtime.Registration{
			Type:     "test.step",
			Category: runtime.CategoryTool,
			Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
				return &testPlugin{name: in.InstanceName, fn: func(_ context.Context, ec *domain.ExecutionContext) error {
					log.add(ec.Stage().String() + "/test.step")
					return nil
				}}, nil
			},
		}))

		text := rapid.StringMatching(`[a-z ]{0,20}`).Draw(t, "text")
		threshold := rapid.IntRange(0, 10).Draw(t, "threshold")
		count := rapid.IntRange(1, 4).Draw(t, "count")

		plugins := make([]config.PluginSpec, 0, count)
		for i := 0; i < count; i++ {
			plugins = append(plugins, config.PluginSpec{
				Name:     fmt.Sprintf("step-%d", i),
				Type:     "test.step",
				SkipWhen: []string{fmt.Sprintf("len(input.text) < %d", threshold)},
			})
		}

		spec := echoSpec(plugins...)
		workflow, err := NewBuilder(registry, fakeResources{}, nil).Build(spec, 1)
		require.NoError(t, err)

		executor := NewExecutor(ExecutorConfig{})

		run := func(id string) ([]string, []domain.SkipRecord) {
			before := len(log.names())
			ec := domain.NewExecutionContext(id, domain.RequestInput{Text: text}, nil)
			require.NoError(t, executor.Execute(context.Background(), workflow, ec))
			return log.names()[before:], ec.Skips()
		}

		calls1, skips1 := run("req-1")
		calls2, skips2 := run("req-2")

		require.Equal(t, calls1, calls2)
		require.Len(t, skips2, len(skips1))
		for i := range skips1 {
			assert.Equal(t, skips1[i].Stage, skips2[i].Stage)
			assert.Equal(t, skips1[i].Plugin, skips2[i].Plugin)
			assert.Equal(t, skips1[i].Reason, skips2[i].Reason)
		}
	})
}
