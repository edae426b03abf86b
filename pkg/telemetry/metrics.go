package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flumeai/flume-oss/pkg/domain"
)

var (
	metricsOnce               sync.Once
	metricsInitErr            error
	pluginExecutionCounter    metric.Int64Counter
	pluginSkipCounter         metric.Int64Counter
	stageSkipCounter          metric.Int64Counter
	pluginLatencyHistogram    metric.Float64Histogram
	pipelineFailureCounter    metric.Int64Counter
	pipelineDurationHistogram metric.Float64Histogram
)

// PluginMetrics captures the fields needed to record plugin execution
// metrics.
type PluginMetrics struct {
	Workflow string
	Stage    domain.Stage
	Plugin   string
	Failed   bool
	Duration time.Duration
}

// RecordPluginMetrics emits the counter and latency histogram for one plugin
// invocation.
func RecordPluginMetrics(ctx context.Context, m PluginMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "ok"
	if m.Failed {
		outcome = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("workflow.name", m.Workflow),
		attribute.String("stage.name", string(m.Stage)),
		attribute.String("plugin.name", m.Plugin),
		attribute.String("plugin.outcome", outcome),
	}

	pluginExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		pluginLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if m.Failed {
		pipelineFailureCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordSkip emits the skip counter for a plugin or, when plugin is empty,
// for a whole stage.
func RecordSkip(ctx context.Context, workflow string, stage domain.Stage, plugin, reason string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("workflow.name", workflow),
		attribute.String("stage.name", string(stage)),
		attribute.String("skip.reason", reason),
	}
	if plugin == "" {
		stageSkipCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	attrs = append(attrs, attribute.String("plugin.name", plugin))
	pluginSkipCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPipelineDuration emits the end-to-end latency for one request.
func RecordPipelineDuration(ctx context.Context, workflow string, duration time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	pipelineDurationHistogram.Record(ctx, float64(duration)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("workflow.name", workflow)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("flume.engine")

		pluginExecutionCounter, metricsInitErr = meter.Int64Counter(
			"flume.plugin.executions_total",
			metric.WithDescription("Plugin executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pluginSkipCounter, metricsInitErr = meter.Int64Counter(
			"flume.plugin.skips_total",
			metric.WithDescription("Plugin invocations elided by skip analysis"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageSkipCounter, metricsInitErr = meter.Int64Counter(
			"flume.stage.skips_total",
			metric.WithDescription("Whole stages elided by skip analysis"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pluginLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"flume.plugin.duration_ms",
			metric.WithDescription("Observed plugin execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineFailureCounter, metricsInitErr = meter.Int64Counter(
			"flume.plugin.failures_total",
			metric.WithDescription("Plugin executions that returned an error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		pipelineDurationHistogram, metricsInitErr = meter.Float64Histogram(
			"flume.pipeline.duration_ms",
			metric.WithDescription("End-to-end pipeline latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
