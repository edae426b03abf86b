package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flumeai/flume-oss/pkg/domain"
)

// Executor drives a Workflow stage by stage for one request at a time.
// A single Executor is shared by all concurrent requests; all per-request
// state lives in the ExecutionContext.
type Executor struct {
	logger   *slog.Logger
	recorder domain.Recorder
	history  *History
}

// ExecutorConfig holds the executor's injected collaborators.
type ExecutorConfig struct {
	Logger   *slog.Logger
	Recorder domain.Recorder
	History  *History
}

// NewExecutor creates an executor. A nil Recorder disables telemetry; a nil
// History still works but leaves the analyzer without latency estimates.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = domain.NoopRecorder{}
	}
	history := cfg.History
	if history == nil {
		history = NewHistory()
	}
	return &Executor{logger: logger, recorder: recorder, history: history}
}

// History returns the shared execution-duration history.
func (e *Executor) History() *History { return e.history }

// Execute runs the workflow for one request. Within the request, stage and
// plugin order are strictly sequential; plugin failures fail fast into the
// error stage; only output-stage plugins may finalize the response. The
// returned error is confined to this request.
func (e *Executor) Execute(ctx context.Context, workflow *Workflow, ec *domain.ExecutionContext) error {
	tracer := otel.Tracer("flume.engine")
	ctx, span := tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.name", workflow.Name),
		attribute.Int64("workflow.generation", workflow.Generation),
		attribute.String("request.id", ec.RequestID),
	))
	defer span.End()

	defer func() {
		for _, err := range ec.RunCleanups() {
			e.logger.Warn("request cleanup failed", "request_id", ec.RequestID, "error", err)
		}
	}()

	e.logger.Debug("executing workflow",
		"workflow", workflow.Name,
		"generation", workflow.Generation,
		"request_id", ec.RequestID,
	)

	analyzer := NewAnalyzer(workflow, e.history)

	for _, stage := range domain.StageSequence() {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("request %s cancelled before stage %s: %w", ec.RequestID, stage, err)
		}

		ec.SetStage(stage)

		// The stage decision is recomputed at stage entry: earlier stages
		// may have written values the predicates read.
		decision, _ := analyzer.Analyze(ec).Stage(stage)
		if decision.Skip && stage.Skippable() {
			ec.RecordSkip(stage, "", decision.Reason)
			e.record(domain.Event{
				Kind:      domain.EventStageSkip,
				RequestID: ec.RequestID,
				Workflow:  workflow.Name,
				Stage:     stage,
				Skipped:   true,
				Reason:    decision.Reason,
			})
			// The skip log still names every elided plugin and the
			// predicate that elided it.
			for _, plugin := range decision.Plugins {
				ec.RecordSkip(stage, plugin.Name, plugin.Reason)
				e.record(domain.Event{
					Kind:      domain.EventPluginSkip,
					RequestID: ec.RequestID,
					Workflow:  workflow.Name,
					Stage:     stage,
					Plugin:    plugin.Name,
					Skipped:   true,
					Reason:    plugin.Reason,
				})
			}
			continue
		}

		if err := e.runStage(ctx, tracer, analyzer, workflow, stage, ec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.runErrorStage(ctx, tracer, analyzer, workflow, ec, err)
			return err
		}
	}

	if !ec.Response.Final {
		err := fmt.Errorf("workflow %q request %s: %w", workflow.Name, ec.RequestID, domain.ErrResponseNotFinal)
		// Engine invariant violation, not a plugin failure: surface it for
		// this request without routing through the error stage.
		e.logger.Error("pipeline finished without finalized response",
			"workflow", workflow.Name, "request_id", ec.RequestID)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.logger.Debug("workflow complete", "workflow", workflow.Name, "request_id", ec.RequestID)
	return nil
}

// runStage executes the non-skipped plugins of one stage in declared order.
// Each plugin's skip predicates are re-checked immediately before its
// invocation: an earlier sibling in the same stage may have written values
// the predicate reads.
func (e *Executor) runStage(ctx context.Context, tracer trace.Tracer, analyzer *Analyzer, workflow *Workflow, stage domain.Stage, ec *domain.ExecutionContext) error {
	e.record(domain.Event{
		Kind:      domain.EventStageStart,
		RequestID: ec.RequestID,
		Workflow:  workflow.Name,
		Stage:     stage,
	})
	stageStart := time.Now()

	for _, instance := range workflow.Plugins(stage) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("request %s cancelled in stage %s: %w", ec.RequestID, stage, err)
		}

		if skip, reason := analyzer.PluginSkip(ec, instance); skip {
			ec.RecordSkip(stage, instance.Name, reason)
			e.record(domain.Event{
				Kind:      domain.EventPluginSkip,
				RequestID: ec.RequestID,
				Workflow:  workflow.Name,
				Stage:     stage,
				Plugin:    instance.Name,
				Skipped:   true,
				Reason:    reason,
			})
			continue
		}

		if err := e.invokePlugin(ctx, tracer, workflow, stage, instance, ec); err != nil {
			// Fail fast: no later plugin in this stage runs.
			return &domain.EngineError{
				Err:    err,
				Stage:  stage,
				Plugin: instance.Name,
				Message: fmt.Sprintf("plugin %q failed in stage %s: %v",
					instance.Name, stage, err),
			}
		}
	}

	e.record(domain.Event{
		Kind:      domain.EventStageEnd,
		RequestID: ec.RequestID,
		Workflow:  workflow.Name,
		Stage:     stage,
		Duration:  time.Since(stageStart),
	})
	return nil
}

// invokePlugin runs a single plugin as one logical step. The invocation may
// itself await I/O; no other plugin of the same request runs meanwhile.
func (e *Executor) invokePlugin(ctx context.Context, tracer trace.Tracer, workflow *Workflow, stage domain.Stage, instance *PluginInstance, ec *domain.ExecutionContext) error {
	pluginCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout := pluginTimeout(instance); timeout > 0 {
		pluginCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	spanCtx, span := tracer.Start(pluginCtx, "plugin.execute", trace.WithAttributes(
		attribute.String("plugin.name", instance.Name),
		attribute.String("plugin.type", instance.Type),
		attribute.String("stage.name", string(stage)),
	))
	defer span.End()

	e.record(domain.Event{
		Kind:      domain.EventPluginStart,
		RequestID: ec.RequestID,
		Workflow:  workflow.Name,
		Stage:     stage,
		Plugin:    instance.Name,
	})

	start := time.Now()
	err := instance.Plugin().Execute(spanCtx, ec)
	duration := time.Since(start)
	e.history.Observe(instance.Name, duration)

	event := domain.Event{
		Kind:      domain.EventPluginEnd,
		RequestID: ec.RequestID,
		Workflow:  workflow.Name,
		Stage:     stage,
		Plugin:    instance.Name,
		Duration:  duration,
	}
	if err != nil {
		event.Err = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("plugin execution failed",
			"workflow", workflow.Name,
			"request_id", ec.RequestID,
			"stage", stage,
			"plugin", instance.Name,
			"error", err,
		)
	}
	e.record(event)
	return err
}

// runErrorStage routes a failed request through the error-stage plugins so
// they can produce a user-facing failure response. A failure inside error
// handling is logged and terminates the request; it never triggers another
// error transition.
func (e *Executor) runErrorStage(ctx context.Context, tracer trace.Tracer, analyzer *Analyzer, workflow *Workflow, ec *domain.ExecutionContext, cause error) {
	ec.SetStage(domain.StageError)
	if ec.Response.ErrorMessage == "" {
		ec.Response.ErrorMessage = cause.Error()
	}

	for _, instance := range workflow.Plugins(domain.StageError) {
		if skip, reason := analyzer.PluginSkip(ec, instance); skip {
			ec.RecordSkip(domain.StageError, instance.Name, reason)
			continue
		}
		if err := e.invokePlugin(ctx, tracer, workflow, domain.StageError, instance, ec); err != nil {
			e.logger.Error("error-stage plugin failed; terminating request",
				"workflow", workflow.Name,
				"request_id", ec.RequestID,
				"plugin", instance.Name,
				"error", err,
			)
			return
		}
	}
}

func (e *Executor) record(event domain.Event) {
	event.Timestamp = time.Now()
	e.recorder.Record(event)
}

// pluginTimeout reads an optional per-invocation deadline from the
// instance's configuration.
func pluginTimeout(instance *PluginInstance) time.Duration {
	value, ok := instance.Config()["timeout_ms"]
	if !ok {
		return 0
	}
	switch v := value.(type) {
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}
	return 0
}
