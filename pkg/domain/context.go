package domain

import (
	"fmt"
	"time"
)

// ResourceLookup gives plugins read access to the shared resource container.
type ResourceLookup interface {
	// Resource returns the live resource registered under name, or an error
	// wrapping ErrResourceNotFound.
	Resource(name string) (any, error)
}

// RequestInput carries the transient request payload handed to the pipeline.
type RequestInput struct {
	Text     string
	AgentID  string
	Metadata map[string]string
}

// Response is the outcome of one pipeline execution. Final may be set only
// while the output stage is running; the executor enforces this through the
// context's current stage.
type Response struct {
	Final        bool
	Payload      any
	ErrorCode    string
	ErrorMessage string
}

// SkipRecord documents a skipped stage or plugin together with the reason,
// in the order the decisions were taken.
type SkipRecord struct {
	Stage  Stage
	Plugin string // empty when the whole stage was skipped
	Reason string
	At     time.Time
}

// ExecutionContext is the per-request state threaded through every plugin.
// It is exclusively owned by one request and executed single-threaded, so no
// internal locking is required; nothing in it may be shared across requests.
type ExecutionContext struct {
	RequestID string
	Input     RequestInput
	Response  Response

	stage     Stage
	values    map[string]any
	skips     []SkipRecord
	resources ResourceLookup
	cleanups  []func() error
	startedAt time.Time
}

// NewExecutionContext creates a context for a single request. resources may
// be nil for plugins that declare no dependencies.
func NewExecutionContext(requestID string, input RequestInput, resources ResourceLookup) *ExecutionContext {
	return &ExecutionContext{
		RequestID: requestID,
		Input:     input,
		stage:     StageInput,
		values:    make(map[string]any),
		resources: resources,
		startedAt: time.Now(),
	}
}

// Store writes a value under an opaque key. Last writer wins within the
// request; entries are never visible to other requests.
func (ec *ExecutionContext) Store(key string, value any) {
	ec.values[key] = value
}

// Load returns the value stored under key, if any.
func (ec *ExecutionContext) Load(key string) (any, bool) {
	value, ok := ec.values[key]
	return value, ok
}

// Has reports whether key has been written during this request.
func (ec *ExecutionContext) Has(key string) bool {
	_, ok := ec.values[key]
	return ok
}

// Keys returns the keys written so far. Order is unspecified.
func (ec *ExecutionContext) Keys() []string {
	keys := make([]string, 0, len(ec.values))
	for k := range ec.values {
		keys = append(keys, k)
	}
	return keys
}

// Stage returns the stage currently being executed.
func (ec *ExecutionContext) Stage() Stage {
	return ec.stage
}

// SetStage is called by the executor when it enters a stage. Plugins must not
// call it.
func (ec *ExecutionContext) SetStage(stage Stage) {
	ec.stage = stage
}

// RecordSkip appends a skip decision to the context's ordered skip log.
func (ec *ExecutionContext) RecordSkip(stage Stage, plugin, reason string) {
	ec.skips = append(ec.skips, SkipRecord{Stage: stage, Plugin: plugin, Reason: reason, At: time.Now()})
}

// Skips returns the ordered record of skip decisions taken so far.
func (ec *ExecutionContext) Skips() []SkipRecord {
	out := make([]SkipRecord, len(ec.skips))
	copy(out, ec.skips)
	return out
}

// Resource resolves a shared resource by logical name.
func (ec *ExecutionContext) Resource(name string) (any, error) {
	if ec.resources == nil {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, name)
	}
	return ec.resources.Resource(name)
}

// Finalize marks the response as final with the given payload. It fails
// unless the context is currently executing the output stage.
func (ec *ExecutionContext) Finalize(payload any) error {
	if ec.stage != StageOutput {
		return fmt.Errorf("%w: attempted during stage %q", ErrFinalizeForbidden, ec.stage)
	}
	ec.Response.Final = true
	ec.Response.Payload = payload
	return nil
}

// OnCleanup registers a cleanup for a request-scoped acquisition (a file, a
// pooled connection checkout). Cleanups run when the request finishes, in
// reverse registration order, even when it was cancelled mid-stage.
func (ec *ExecutionContext) OnCleanup(cleanup func() error) {
	ec.cleanups = append(ec.cleanups, cleanup)
}

// RunCleanups executes the registered cleanups in reverse order and returns
// the collected failures. Shared container resources are never touched here.
func (ec *ExecutionContext) RunCleanups() []error {
	var errs []error
	for i := len(ec.cleanups) - 1; i >= 0; i-- {
		if err := ec.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	ec.cleanups = nil
	return errs
}

// StartedAt returns the context creation time.
func (ec *ExecutionContext) StartedAt() time.Time {
	return ec.startedAt
}
