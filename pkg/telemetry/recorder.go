package telemetry

import (
	"context"
	"log/slog"

	"github.com/flumeai/flume-oss/pkg/domain"
)

// Recorder translates engine execution events into OpenTelemetry metrics
// and debug logs. It satisfies domain.Recorder and is safe for concurrent
// use.
type Recorder struct {
	logger *slog.Logger
}

// NewRecorder creates an event recorder.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// Record implements domain.Recorder.
func (r *Recorder) Record(event domain.Event) {
	ctx := context.Background()

	switch event.Kind {
	case domain.EventPluginEnd:
		RecordPluginMetrics(ctx, PluginMetrics{
			Workflow: event.Workflow,
			Stage:    event.Stage,
			Plugin:   event.Plugin,
			Failed:   event.Err != "",
			Duration: event.Duration,
		})
	case domain.EventPluginSkip, domain.EventStageSkip:
		RecordSkip(ctx, event.Workflow, event.Stage, event.Plugin, event.Reason)
		r.logger.Debug("execution step skipped",
			"workflow", event.Workflow,
			"request_id", event.RequestID,
			"stage", event.Stage,
			"plugin", event.Plugin,
			"reason", event.Reason,
		)
	case domain.EventStageEnd:
		// Stage duration is visible through the per-plugin histograms; only
		// the end-to-end latency gets its own instrument.
	}
}
