// Package config loads and validates the declarative workflow and resource
// documents, and watches them for hot reloads. Structural edits require a
// workflow rebuild; value-only edits may be patched into live instances.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flumeai/flume-oss/pkg/domain"
)

// Document is the root of the configuration file.
type Document struct {
	Workflow  WorkflowSpec   `yaml:"workflow"`
	Resources []ResourceSpec `yaml:"resources"`
	Telemetry TelemetrySpec  `yaml:"telemetry"`
	Logging   LoggingSpec    `yaml:"logging"`
	Limits    LimitsSpec     `yaml:"limits"`
}

// LimitsSpec configures per-agent request rate limiting at the HTTP intake.
type LimitsSpec struct {
	Default AgentLimitSpec            `yaml:"default"`
	Agents  map[string]AgentLimitSpec `yaml:"agents"`
}

// AgentLimitSpec is one token bucket configuration.
type AgentLimitSpec struct {
	RequestsPerSecond int `yaml:"requestsPerSecond"`
	Burst             int `yaml:"burst"`
}

// WorkflowSpec enumerates, per stage, an ordered list of plugin entries.
// Plugins listed under Stages carry an explicit stage assignment; plugins
// in the flat Plugins list are assigned by category default or classifier.
type WorkflowSpec struct {
	Name    string       `yaml:"name"`
	Stages  []StageSpec  `yaml:"stages"`
	Plugins []PluginSpec `yaml:"plugins"`
}

// StageSpec is one stage block with its ordered plugins.
type StageSpec struct {
	Stage   string       `yaml:"stage"`
	Plugins []PluginSpec `yaml:"plugins"`
}

// PluginSpec configures one plugin instance.
type PluginSpec struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Stage    string         `yaml:"stage,omitempty"` // explicit override for flat-list entries
	Config   map[string]any `yaml:"config"`
	SkipWhen []string       `yaml:"skip_when"`
	Uses     []string       `yaml:"uses"`
}

// ResourceSpec configures one named shared resource.
type ResourceSpec struct {
	Name    string         `yaml:"name"`
	Factory string         `yaml:"factory"`
	Uses    []string       `yaml:"uses"`
	Params  map[string]any `yaml:"params"`
}

// TelemetrySpec configures the OTLP exporter.
type TelemetrySpec struct {
	ServiceName string            `yaml:"serviceName"`
	Endpoint    string            `yaml:"endpoint"`
	Environment string            `yaml:"environment"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// LoggingSpec configures the process logger.
type LoggingSpec struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads and validates a configuration document from a file.
func Load(path string) (*Document, error) {
	// #nosec G304 -- path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document and fails fast with the first violation,
// always naming the offending plugin or resource.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.Workflow.Name) == "" {
		return fmt.Errorf("%w: workflow.name is required", domain.ErrConfigInvalid)
	}

	seen := make(map[string]bool)
	validate := func(spec PluginSpec, explicitStage string) error {
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("%w: plugin entry without a name in workflow %q", domain.ErrConfigInvalid, d.Workflow.Name)
		}
		if seen[spec.Name] {
			return fmt.Errorf("%w: duplicate plugin name %q", domain.ErrConfigInvalid, spec.Name)
		}
		seen[spec.Name] = true
		if strings.TrimSpace(spec.Type) == "" {
			return fmt.Errorf("%w: plugin %q has no type", domain.ErrConfigInvalid, spec.Name)
		}
		if explicitStage != "" {
			if _, err := domain.ParseStage(explicitStage); err != nil {
				return fmt.Errorf("%w: plugin %q: %v", domain.ErrConfigInvalid, spec.Name, err)
			}
		}
		return nil
	}

	for _, stage := range d.Workflow.Stages {
		if _, err := domain.ParseStage(stage.Stage); err != nil {
			return fmt.Errorf("%w: unknown stage block %q", domain.ErrConfigInvalid, stage.Stage)
		}
		for _, plugin := range stage.Plugins {
			if plugin.Stage != "" && plugin.Stage != stage.Stage {
				return fmt.Errorf("%w: plugin %q declares stage %q inside the %q block",
					domain.ErrConfigInvalid, plugin.Name, plugin.Stage, stage.Stage)
			}
			if err := validate(plugin, stage.Stage); err != nil {
				return err
			}
		}
	}
	for _, plugin := range d.Workflow.Plugins {
		if err := validate(plugin, plugin.Stage); err != nil {
			return err
		}
	}

	resourceNames := make(map[string]bool)
	for _, resource := range d.Resources {
		if strings.TrimSpace(resource.Name) == "" {
			return fmt.Errorf("%w: resource entry without a name", domain.ErrConfigInvalid)
		}
		if resourceNames[resource.Name] {
			return fmt.Errorf("%w: duplicate resource %q", domain.ErrConfigInvalid, resource.Name)
		}
		resourceNames[resource.Name] = true
		if strings.TrimSpace(resource.Factory) == "" {
			return fmt.Errorf("%w: resource %q has no factory", domain.ErrConfigInvalid, resource.Name)
		}
	}
	for _, resource := range d.Resources {
		for _, dep := range resource.Uses {
			if !resourceNames[dep] {
				return fmt.Errorf("%w: resource %q depends on unknown resource %q",
					domain.ErrConfigInvalid, resource.Name, dep)
			}
		}
	}

	return nil
}

// Entries flattens the workflow into ordered (explicitStage, plugin) pairs:
// stage-block entries first, in block order, then flat-list entries.
func (w WorkflowSpec) Entries() []Entry {
	var entries []Entry
	for _, block := range w.Stages {
		for _, plugin := range block.Plugins {
			entries = append(entries, Entry{ExplicitStage: block.Stage, Plugin: plugin})
		}
	}
	for _, plugin := range w.Plugins {
		entries = append(entries, Entry{ExplicitStage: plugin.Stage, Plugin: plugin})
	}
	return entries
}

// Entry pairs a plugin spec with its explicit stage, if any.
type Entry struct {
	ExplicitStage string
	Plugin        PluginSpec
}

// StructuralSignature fingerprints the parts of the workflow whose change
// requires a full rebuild. Config values are excluded; skip predicates are
// included because they are compiled at build time.
func (w WorkflowSpec) StructuralSignature() string {
	var sb strings.Builder
	sb.WriteString(w.Name)
	for _, entry := range w.Entries() {
		fmt.Fprintf(&sb, "|%s:%s:%s:%s:%s",
			entry.ExplicitStage, entry.Plugin.Name, entry.Plugin.Type,
			strings.Join(entry.Plugin.Uses, ","), strings.Join(entry.Plugin.SkipWhen, ";"))
	}
	return sb.String()
}

// StructuralSignature fingerprints a resource's identity: factory and
// dependency list, excluding params.
func (r ResourceSpec) StructuralSignature() string {
	return fmt.Sprintf("%s:%s:%s", r.Name, r.Factory, strings.Join(r.Uses, ","))
}

// Snapshot is the immutable configuration handed to subscribers on reload.
type Snapshot struct {
	Generation int64
	ReceivedAt time.Time
	Document   *Document
}
