package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine/runtime"
)

// Registry holds the plugin types available to workflow configuration and
// resolves each instance's stage assignment.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]runtime.Registration
	logger *slog.Logger
}

// NewRegistry creates an empty plugin type registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		types:  make(map[string]runtime.Registration),
		logger: logger,
	}
}

// Register adds a plugin type. Duplicate type identifiers are rejected.
func (r *Registry) Register(reg runtime.Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(reg.Type) == "" {
		return fmt.Errorf("%w: plugin type identifier is required", domain.ErrConfigInvalid)
	}
	if reg.Build == nil {
		return fmt.Errorf("%w: plugin type %q has no build function", domain.ErrConfigInvalid, reg.Type)
	}
	if _, exists := r.types[reg.Type]; exists {
		return fmt.Errorf("%w: duplicate plugin type %q", domain.ErrConfigInvalid, reg.Type)
	}
	r.types[reg.Type] = reg
	return nil
}

// Lookup returns the registration for a plugin type identifier.
func (r *Registry) Lookup(typeName string) (runtime.Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[typeName]
	return reg, ok
}

// Types returns the registered type identifiers, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AssignStage resolves the stage for a plugin instance. Resolution order:
// an explicit stage from configuration, then the category's default stage,
// then the capability classifier. A stage the plugin's category may not run
// in fails with ErrStageAssignment; this is always a build-time error.
func (r *Registry) AssignStage(reg runtime.Registration, instanceName, explicit string) (domain.Stage, error) {
	if explicit != "" {
		stage, err := domain.ParseStage(explicit)
		if err != nil {
			return "", &domain.EngineError{
				Err:     domain.ErrStageAssignment,
				Subject: instanceName,
				Message: fmt.Sprintf("plugin %q: unknown stage %q", instanceName, explicit),
			}
		}
		if !reg.Category.AllowedIn(stage) {
			return "", &domain.EngineError{
				Err:     domain.ErrStageAssignment,
				Subject: instanceName,
				Message: fmt.Sprintf("plugin %q: category %q may not run in stage %q", instanceName, reg.Category, stage),
			}
		}
		return stage, nil
	}

	if stage, ok := reg.Category.DefaultStage(); ok {
		return stage, nil
	}

	if stage, ok := classifyCapabilities(reg.Capabilities); ok {
		r.logger.Debug("stage resolved by capability classifier",
			"plugin", instanceName, "type", reg.Type, "stage", stage)
		return stage, nil
	}

	return "", &domain.EngineError{
		Err:     domain.ErrStageAssignment,
		Subject: instanceName,
		Message: fmt.Sprintf("plugin %q (type %q): no explicit stage, no category default, and capabilities %v match no stage",
			instanceName, reg.Type, reg.Capabilities),
	}
}

// classifyCapabilities maps declared capability strings onto a stage. The
// first capability that matches wins, keeping the resolution deterministic.
func classifyCapabilities(capabilities []string) (domain.Stage, bool) {
	for _, capability := range capabilities {
		normalized := strings.ToLower(strings.TrimSpace(capability))
		switch {
		case hasAnyPrefix(normalized, "ingress", "receive", "ingest"):
			return domain.StageInput, true
		case hasAnyPrefix(normalized, "parse", "extract", "tokenize"):
			return domain.StageParse, true
		case hasAnyPrefix(normalized, "prompt", "plan", "reason"):
			return domain.StageThink, true
		case hasAnyPrefix(normalized, "tool", "act", "invoke", "memory"):
			return domain.StageDo, true
		case hasAnyPrefix(normalized, "guard", "review", "verify", "policy"):
			return domain.StageReview, true
		case hasAnyPrefix(normalized, "respond", "render", "finalize"):
			return domain.StageOutput, true
		}
	}
	return "", false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
