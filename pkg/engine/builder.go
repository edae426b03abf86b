package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/flumeai/flume-oss/pkg/config"
	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine/expr"
	"github.com/flumeai/flume-oss/pkg/engine/runtime"
)

// ResourceProvider is the container view the builder and plugins need:
// resolution plus the registered names for build-time validation.
type ResourceProvider interface {
	domain.ResourceLookup
	Names() []string
}

// Builder turns a declarative workflow spec into an immutable Workflow.
// Validation is fail-fast: the first violation aborts the build with an
// error naming the offending plugin.
type Builder struct {
	registry  *Registry
	resources ResourceProvider
	logger    *slog.Logger
}

// NewBuilder creates a workflow builder.
func NewBuilder(registry *Registry, resources ResourceProvider, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{registry: registry, resources: resources, logger: logger}
}

// Build validates every entry and constructs the plugin instances. The
// returned Workflow is immutable; structural changes require calling Build
// again and swapping the result in.
func (b *Builder) Build(spec config.WorkflowSpec, generation int64) (*Workflow, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: workflow name is required", domain.ErrWorkflowInvalid)
	}

	available := make(map[string]bool)
	for _, name := range b.resources.Names() {
		available[name] = true
	}

	workflow := &Workflow{
		Name:       spec.Name,
		Generation: generation,
		stages:     make(map[domain.Stage][]*PluginInstance),
	}

	seen := make(map[string]bool)
	for _, entry := range spec.Entries() {
		instance, err := b.buildInstance(entry, available, seen)
		if err != nil {
			return nil, err
		}
		instance.Position = len(workflow.stages[instance.Stage])
		workflow.stages[instance.Stage] = append(workflow.stages[instance.Stage], instance)
	}

	if len(workflow.stages[domain.StageOutput]) == 0 {
		return nil, fmt.Errorf("%w: workflow %q has no output-stage plugin to finalize responses",
			domain.ErrWorkflowInvalid, spec.Name)
	}

	b.warnOrphanReads(workflow)

	b.logger.Info("workflow built",
		"workflow", workflow.Name,
		"generation", generation,
		"plugins", workflow.InstanceCount(),
	)
	return workflow, nil
}

func (b *Builder) buildInstance(entry config.Entry, available map[string]bool, seen map[string]bool) (*PluginInstance, error) {
	spec := entry.Plugin
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("%w: plugin entry without a name", domain.ErrWorkflowInvalid)
	}
	if seen[spec.Name] {
		return nil, fmt.Errorf("%w: duplicate plugin name %q", domain.ErrWorkflowInvalid, spec.Name)
	}
	seen[spec.Name] = true

	registration, ok := b.registry.Lookup(spec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: plugin %q references unknown type %q",
			domain.ErrWorkflowInvalid, spec.Name, spec.Type)
	}

	if err := registration.Schema.Validate(spec.Config); err != nil {
		return nil, fmt.Errorf("plugin %q: %w", spec.Name, err)
	}

	stage, err := b.registry.AssignStage(registration, spec.Name, entry.ExplicitStage)
	if err != nil {
		return nil, err
	}

	for _, dep := range spec.Uses {
		if !available[dep] {
			return nil, fmt.Errorf("%w: plugin %q declares unknown resource %q",
				domain.ErrWorkflowInvalid, spec.Name, dep)
		}
	}

	predicates := make([]*expr.Predicate, 0, len(spec.SkipWhen))
	for _, source := range spec.SkipWhen {
		predicate, err := expr.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("plugin %q skip predicate: %w", spec.Name, err)
		}
		predicates = append(predicates, predicate)
	}

	plugin, err := registration.Build(runtime.BuildInput{
		InstanceName: spec.Name,
		Config:       spec.Config,
		Resources:    &scopedResources{lookup: b.resources, allowed: spec.Uses},
	})
	if err != nil {
		return nil, fmt.Errorf("build plugin %q: %w", spec.Name, err)
	}

	return &PluginInstance{
		Name:       spec.Name,
		Type:       spec.Type,
		Category:   registration.Category,
		Stage:      stage,
		Uses:       append([]string(nil), spec.Uses...),
		config:     spec.Config,
		predicates: predicates,
		plugin:     plugin,
	}, nil
}

// warnOrphanReads flags predicates that read a context key no earlier plugin
// declares writing. Keys are dynamic, so this is a warning, not an error.
func (b *Builder) warnOrphanReads(workflow *Workflow) {
	written := make(map[string]bool)
	for _, stage := range domain.StageSequence() {
		for _, instance := range workflow.stages[stage] {
			for _, predicate := range instance.predicates {
				for _, ident := range predicate.Identifiers() {
					if knownNamespace(ident) || written[ident] {
						continue
					}
					b.logger.Warn("skip predicate reads a key no earlier plugin declares writing",
						"plugin", instance.Name,
						"stage", stage,
						"key", ident,
						"predicate", predicate.Source(),
					)
				}
			}
			registration, ok := b.registry.Lookup(instance.Type)
			if ok && registration.KeysWritten != nil {
				for _, key := range registration.KeysWritten(instance.config) {
					written[key] = true
				}
			}
		}
	}
}

func knownNamespace(ident string) bool {
	for _, prefix := range []string{"input.", "request.", "config.", "stage"} {
		if strings.HasPrefix(ident, prefix) {
			return true
		}
	}
	return false
}

// scopedResources restricts a plugin's resource lookups to the names it
// declared in `uses`.
type scopedResources struct {
	lookup  domain.ResourceLookup
	allowed []string
}

func (s *scopedResources) Resource(name string) (any, error) {
	for _, allowed := range s.allowed {
		if allowed == name {
			return s.lookup.Resource(name)
		}
	}
	return nil, fmt.Errorf("%w: %q was not declared in uses", domain.ErrResourceNotFound, name)
}
