package engine

import (
	"fmt"
	"strings"

	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine/expr"
	"github.com/flumeai/flume-oss/pkg/engine/runtime"
)

// PluginInstance is one configured plugin placed at a position within a
// stage. Instances are built once and reused across requests; the executor
// owns all per-request state.
type PluginInstance struct {
	Name     string
	Type     string
	Category runtime.Category
	Stage    domain.Stage
	Position int
	Uses     []string

	config     map[string]any
	predicates []*expr.Predicate
	plugin     runtime.Plugin
}

// Plugin returns the live plugin implementation.
func (pi *PluginInstance) Plugin() runtime.Plugin { return pi.plugin }

// Predicates returns the compiled skip predicates from configuration.
func (pi *PluginInstance) Predicates() []*expr.Predicate { return pi.predicates }

// Config returns the instance's configuration values.
func (pi *PluginInstance) Config() map[string]any { return pi.config }

// Disabled reports whether configuration switched the instance off entirely.
func (pi *PluginInstance) Disabled() bool {
	disabled, _ := pi.config["disabled"].(bool)
	return disabled
}

// UpdateConfig applies a value-only configuration patch to the live
// instance. Callers must have verified the patch does not change the
// instance's stage, position, or declared resources.
func (pi *PluginInstance) UpdateConfig(config map[string]any) error {
	if updater, ok := pi.plugin.(runtime.ConfigUpdater); ok {
		if err := updater.UpdateConfig(config); err != nil {
			return err
		}
	}
	pi.config = config
	return nil
}

// Workflow is the immutable stage-to-plugins mapping produced by the
// Builder. Structural changes require building a new Workflow; in-flight
// requests keep executing against the instance they started with.
type Workflow struct {
	Name       string
	Generation int64

	stages map[domain.Stage][]*PluginInstance
}

// Plugins returns the ordered plugin instances of a stage.
func (w *Workflow) Plugins(stage domain.Stage) []*PluginInstance {
	return w.stages[stage]
}

// Instance returns the plugin instance with the given name.
func (w *Workflow) Instance(name string) (*PluginInstance, bool) {
	for _, instances := range w.stages {
		for _, instance := range instances {
			if instance.Name == name {
				return instance, true
			}
		}
	}
	return nil, false
}

// InstanceCount returns the total number of plugin instances.
func (w *Workflow) InstanceCount() int {
	count := 0
	for _, instances := range w.stages {
		count += len(instances)
	}
	return count
}

// StructuralSignature fingerprints everything that requires a rebuild when
// it changes: stage membership, ordering, plugin types, and declared
// resource dependencies. Configuration values are deliberately excluded so
// value-only edits compare equal.
func (w *Workflow) StructuralSignature() string {
	var sb strings.Builder
	stages := append(domain.StageSequence(), domain.StageError)
	for _, stage := range stages {
		fmt.Fprintf(&sb, "%s[", stage)
		for _, instance := range w.stages[stage] {
			var preds []string
			for _, pred := range instance.predicates {
				preds = append(preds, pred.Source())
			}
			fmt.Fprintf(&sb, "%s:%s:%s:%s;", instance.Name, instance.Type,
				strings.Join(instance.Uses, ","), strings.Join(preds, "&"))
		}
		sb.WriteString("]")
	}
	return sb.String()
}
