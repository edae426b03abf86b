// Package runtime defines the contracts shared by the workflow executor and
// plugin authors, keeping plugin business logic decoupled from execution
// mechanics.
package runtime

import (
	"context"
	"fmt"

	"github.com/flumeai/flume-oss/pkg/domain"
)

// Plugin is the single execution entry point a plugin exposes. Instances are
// constructed once at workflow build time and reused across all requests, so
// they must be stateless or internally thread-safe.
type Plugin interface {
	// Name returns the unique instance name the plugin was configured with.
	Name() string

	// Execute runs the plugin against the per-request execution context.
	// Returning an error triggers the executor's fail-fast routing to the
	// error stage.
	Execute(ctx context.Context, ec *domain.ExecutionContext) error
}

// Skipper is optionally implemented by plugins that compute their own skip
// decision beyond the configured predicates. The reason is recorded in the
// context's skip log when skip is true.
type Skipper interface {
	Skip(ec *domain.ExecutionContext) (skip bool, reason string)
}

// ConfigUpdater is optionally implemented by plugins that accept value-only
// configuration changes without a workflow rebuild.
type ConfigUpdater interface {
	UpdateConfig(config map[string]any) error
}

// Category is the closed set of plugin categories. Each category carries the
// default stage used when configuration gives no explicit assignment.
type Category string

const (
	CategoryIngress   Category = "ingress"
	CategoryParser    Category = "parser"
	CategoryPrompt    Category = "prompt"
	CategoryTool      Category = "tool"
	CategoryGuard     Category = "guard"
	CategoryResponder Category = "responder"
	CategoryRecovery  Category = "recovery"
	CategoryUtility   Category = "utility"
)

// DefaultStage returns the stage a category's plugins run in when no explicit
// stage is configured.
func (c Category) DefaultStage() (domain.Stage, bool) {
	switch c {
	case CategoryIngress:
		return domain.StageInput, true
	case CategoryParser:
		return domain.StageParse, true
	case CategoryPrompt:
		return domain.StageThink, true
	case CategoryTool:
		return domain.StageDo, true
	case CategoryGuard:
		return domain.StageReview, true
	case CategoryResponder:
		return domain.StageOutput, true
	case CategoryRecovery:
		return domain.StageError, true
	}
	return "", false
}

// AllowedIn reports whether plugins of this category may be assigned to the
// given stage. Responders own the output stage exclusively; recovery plugins
// own the error stage; utility plugins run anywhere.
func (c Category) AllowedIn(stage domain.Stage) bool {
	switch c {
	case CategoryUtility:
		return true
	case CategoryResponder:
		return stage == domain.StageOutput
	case CategoryRecovery:
		return stage == domain.StageError
	default:
		return stage != domain.StageOutput && stage != domain.StageError
	}
}

// FieldType names the YAML value types the config schema validates.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldMap    FieldType = "map"
	FieldList   FieldType = "list"
)

// Field describes one configuration key of a plugin type.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema is the configuration contract validated at workflow build time.
type Schema struct {
	Fields []Field
}

// Validate checks config against the schema and reports the first violation.
func (s Schema) Validate(config map[string]any) error {
	for _, field := range s.Fields {
		value, present := config[field.Name]
		if !present {
			if field.Required {
				return fmt.Errorf("%w: missing required field %q", domain.ErrConfigInvalid, field.Name)
			}
			continue
		}
		if !fieldTypeMatches(field.Type, value) {
			return fmt.Errorf("%w: field %q expects %s, got %T", domain.ErrConfigInvalid, field.Name, field.Type, value)
		}
	}
	return nil
}

func fieldTypeMatches(ft FieldType, value any) bool {
	switch ft {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldBool:
		_, ok := value.(bool)
		return ok
	case FieldNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case FieldMap:
		_, ok := value.(map[string]any)
		return ok
	case FieldList:
		_, ok := value.([]any)
		return ok
	}
	return false
}

// BuildInput carries everything a plugin factory needs to construct an
// instance.
type BuildInput struct {
	// InstanceName is the unique per-workflow name from configuration.
	InstanceName string
	// Config is the validated configuration object.
	Config map[string]any
	// Resources resolves the resource names the instance declared in `uses`.
	Resources domain.ResourceLookup
}

// Registration describes a plugin type available to workflow configuration.
type Registration struct {
	// Type is the plugin type identifier referenced by configuration,
	// e.g. "ingress.echo".
	Type string
	// Category decides the default stage and the stages the type may join.
	Category Category
	// Capabilities feed the heuristic stage classifier for types whose
	// category carries no default (utility plugins).
	Capabilities []string
	// Schema validates instance configuration at build time.
	Schema Schema
	// KeysWritten optionally reports the context keys an instance with the
	// given config writes. The builder uses it to warn about predicates that
	// read keys no earlier plugin could have written.
	KeysWritten func(config map[string]any) []string
	// Build constructs a plugin instance.
	Build func(in BuildInput) (Plugin, error)
}
