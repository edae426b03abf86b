package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/flumeai/flume-oss/pkg/domain"
)

func setupMeter(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordPluginMetrics(t *testing.T) {
	reader := setupMeter(t)
	ctx := context.Background()

	RecordPluginMetrics(ctx, PluginMetrics{
		Workflow: "support-agent",
		Stage:    domain.StageDo,
		Plugin:   "persist",
		Failed:   true,
		Duration: 150 * time.Millisecond,
	})

	metrics := collectMetrics(t, reader)

	sumExec, ok := metrics["flume.plugin.executions_total"]
	if !ok {
		t.Fatalf("missing executions metric")
	}
	execData, ok := sumExec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("plugin.outcome")); !ok || value.AsString() != "error" {
		t.Fatalf("expected plugin.outcome attribute to be error, got %v", value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("stage.name")); !ok || value.AsString() != "do" {
		t.Fatalf("expected stage.name attribute to be do, got %v", value)
	}

	sumFail, ok := metrics["flume.plugin.failures_total"]
	if !ok {
		t.Fatalf("missing failures metric")
	}
	failData := sumFail.Data.(metricdata.Sum[int64])
	if failData.DataPoints[0].Value != 1 {
		t.Fatalf("expected failure count 1, got %d", failData.DataPoints[0].Value)
	}

	hist, ok := metrics["flume.plugin.duration_ms"]
	if !ok {
		t.Fatalf("missing duration metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordSkipPartitionsByTarget(t *testing.T) {
	reader := setupMeter(t)
	ctx := context.Background()

	RecordSkip(ctx, "support-agent", domain.StageThink, "", "no plugins configured")
	RecordSkip(ctx, "support-agent", domain.StageThink, "planner", "skip predicate satisfied")

	metrics := collectMetrics(t, reader)

	stageSkips, ok := metrics["flume.stage.skips_total"]
	if !ok {
		t.Fatalf("missing stage skip metric")
	}
	stageData := stageSkips.Data.(metricdata.Sum[int64])
	if len(stageData.DataPoints) != 1 || stageData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one stage skip datapoint with value 1, got %+v", stageData.DataPoints)
	}

	pluginSkips, ok := metrics["flume.plugin.skips_total"]
	if !ok {
		t.Fatalf("missing plugin skip metric")
	}
	pluginData := pluginSkips.Data.(metricdata.Sum[int64])
	if len(pluginData.DataPoints) != 1 || pluginData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one plugin skip datapoint with value 1, got %+v", pluginData.DataPoints)
	}
	if value, ok := pluginData.DataPoints[0].Attributes.Value(attribute.Key("plugin.name")); !ok || value.AsString() != "planner" {
		t.Fatalf("expected plugin.name attribute to be planner, got %v", value)
	}
}

func TestRecordPipelineDuration(t *testing.T) {
	reader := setupMeter(t)

	RecordPipelineDuration(context.Background(), "support-agent", 2*time.Second)

	metrics := collectMetrics(t, reader)
	hist, ok := metrics["flume.pipeline.duration_ms"]
	if !ok {
		t.Fatalf("missing pipeline duration metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Sum != 2000 {
		t.Fatalf("expected histogram sum 2000, got %v", histData.DataPoints[0].Sum)
	}
}
