package domain

import "errors"

// Common engine errors.
var (
	ErrResourceNotFound  = errors.New("resource not found")
	ErrDependencyCycle   = errors.New("resource dependency cycle")
	ErrStageAssignment   = errors.New("invalid stage assignment")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrWorkflowInvalid   = errors.New("invalid workflow definition")
	ErrPluginNotFound    = errors.New("plugin not found")
	ErrResponseNotFinal  = errors.New("pipeline completed without a finalized response")
	ErrFinalizeForbidden = errors.New("response may only be finalized by an output-stage plugin")
	ErrContainerStopped  = errors.New("resource container is not started")
	ErrReloadRejected    = errors.New("hot reload rejected")
)

// EngineError wraps an error with the pipeline element it originated from so
// build-time failures always name the offending plugin or resource.
type EngineError struct {
	Err     error
	Stage   Stage
	Plugin  string
	Subject string // plugin or resource name for build-time errors
	Message string
}

func (e *EngineError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
