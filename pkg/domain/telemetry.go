package domain

import "time"

// EventKind distinguishes telemetry events emitted by the executor.
type EventKind string

const (
	EventPluginStart EventKind = "plugin.start"
	EventPluginEnd   EventKind = "plugin.end"
	EventPluginSkip  EventKind = "plugin.skip"
	EventStageSkip   EventKind = "stage.skip"
	EventStageStart  EventKind = "stage.start"
	EventStageEnd    EventKind = "stage.end"
)

// Event is the single observability record handed to the telemetry sink.
type Event struct {
	Kind      EventKind
	RequestID string
	Workflow  string
	Stage     Stage
	Plugin    string
	Skipped   bool
	Reason    string
	Duration  time.Duration
	Err       string
	Timestamp time.Time
}

// Recorder is the narrow telemetry sink injected into the executor at
// construction. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(event Event)
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

// Record implements Recorder.
func (NoopRecorder) Record(Event) {}
