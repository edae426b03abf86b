package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/flumeai/flume-oss/pkg/config"
	"github.com/flumeai/flume-oss/pkg/container"
	"github.com/flumeai/flume-oss/pkg/domain"
)

// Manager owns the live workflow and applies configuration snapshots to it.
// A snapshot whose structural fingerprint matches the running workflow is
// applied as an in-place value patch: plugin instances, compiled predicates,
// and resources survive. A structural change rebuilds the workflow from
// scratch and swaps it atomically; in-flight requests keep the workflow they
// started with.
type Manager struct {
	builder   *Builder
	container *container.Container
	logger    *slog.Logger

	current atomic.Pointer[Workflow]

	mu       sync.Mutex // serializes Apply
	lastSpec config.WorkflowSpec
	lastRes  []config.ResourceSpec
}

// NewManager creates a reload manager around a builder and the started
// resource container.
func NewManager(builder *Builder, c *container.Container, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{builder: builder, container: c, logger: logger}
}

// Current returns the live workflow. Callers capture it once per request so
// a concurrent swap never changes the pipeline mid-flight.
func (m *Manager) Current() *Workflow {
	return m.current.Load()
}

// Apply transitions the engine to the configuration in snapshot. On any
// failure the previous workflow stays live and the error describes what was
// rejected.
func (m *Manager) Apply(snapshot *config.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec := snapshot.Document.Workflow
	resources := snapshot.Document.Resources

	running := m.current.Load()
	if running == nil {
		workflow, err := m.builder.Build(spec, snapshot.Generation)
		if err != nil {
			return err
		}
		m.current.Store(workflow)
		m.lastSpec = spec
		m.lastRes = resources
		m.logger.Info("workflow loaded", "workflow", workflow.Name, "generation", workflow.Generation)
		return nil
	}

	if err := m.applyResources(resources); err != nil {
		return err
	}

	if spec.StructuralSignature() != m.lastSpec.StructuralSignature() {
		workflow, err := m.builder.Build(spec, snapshot.Generation)
		if err != nil {
			return fmt.Errorf("structural reload rejected, previous workflow stays active: %w", err)
		}
		m.current.Store(workflow)
		m.lastSpec = spec
		m.lastRes = resources
		m.logger.Info("workflow rebuilt",
			"workflow", workflow.Name,
			"generation", workflow.Generation,
			"plugins", workflow.InstanceCount(),
		)
		return nil
	}

	if err := m.patchValues(running, spec); err != nil {
		return err
	}
	m.lastSpec = spec
	m.lastRes = resources
	m.logger.Info("workflow config patched in place",
		"workflow", running.Name,
		"generation", snapshot.Generation,
	)
	return nil
}

// patchValues pushes changed config values into the running instances.
// Structure is known identical at this point, so every configured plugin has
// a live instance.
func (m *Manager) patchValues(workflow *Workflow, spec config.WorkflowSpec) error {
	var errs []error
	for _, entry := range spec.Entries() {
		instance, ok := workflow.Instance(entry.Plugin.Name)
		if !ok {
			// Signature match guarantees this cannot happen; guard anyway.
			errs = append(errs, fmt.Errorf("%w: plugin %q has no live instance",
				domain.ErrReloadRejected, entry.Plugin.Name))
			continue
		}
		if err := instance.UpdateConfig(entry.Plugin.Config); err != nil {
			errs = append(errs, fmt.Errorf("plugin %q rejected config update: %w", entry.Plugin.Name, err))
		}
	}
	return errors.Join(errs...)
}

// applyResources pushes parameter changes into started resources. Changing a
// resource's factory, dependencies, or the set of resources needs a process
// restart and is rejected.
func (m *Manager) applyResources(specs []config.ResourceSpec) error {
	previous := make(map[string]config.ResourceSpec, len(m.lastRes))
	for _, spec := range m.lastRes {
		previous[spec.Name] = spec
	}

	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		seen[spec.Name] = true
		old, ok := previous[spec.Name]
		if !ok {
			return fmt.Errorf("%w: resource %q added at runtime, restart required",
				domain.ErrReloadRejected, spec.Name)
		}
		if spec.StructuralSignature() != old.StructuralSignature() {
			return fmt.Errorf("%w: resource %q changed structurally, restart required",
				domain.ErrReloadRejected, spec.Name)
		}
		// Only changed params go through the update hook; resources without
		// one must not block reloads that leave them untouched.
		if reflect.DeepEqual(spec.Params, old.Params) {
			continue
		}
		if err := m.container.UpdateParams(spec.Name, spec.Uses, spec.Params); err != nil {
			return err
		}
	}
	for name := range previous {
		if !seen[name] {
			return fmt.Errorf("%w: resource %q removed at runtime, restart required",
				domain.ErrReloadRejected, name)
		}
	}
	return nil
}
