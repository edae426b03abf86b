package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine/expr"
	"github.com/flumeai/flume-oss/pkg/engine/runtime"
)

// Analyzer computes which stages and plugins are skippable, statically and
// per request. It is read-only: it never mutates the context or the
// workflow, and emits nothing itself; the executor records the decisions it
// acts on.
type Analyzer struct {
	workflow *Workflow
	history  *History
}

// NewAnalyzer creates an analyzer bound to one workflow definition.
func NewAnalyzer(workflow *Workflow, history *History) *Analyzer {
	if history == nil {
		history = NewHistory()
	}
	return &Analyzer{workflow: workflow, history: history}
}

// PluginDecision is the skip verdict for one plugin instance.
type PluginDecision struct {
	Name            string
	Type            string
	Skip            bool
	Reason          string
	EstimatedSaving time.Duration
}

// StageDecision aggregates the verdicts of one stage.
type StageDecision struct {
	Stage           domain.Stage
	Skip            bool
	Reason          string
	EstimatedSaving time.Duration
	Plugins         []PluginDecision
}

// Analysis is the per-request skip report, ordered by pipeline sequence.
type Analysis struct {
	Stages []StageDecision
}

// Stage returns the decision for one stage.
func (a Analysis) Stage(stage domain.Stage) (StageDecision, bool) {
	for _, decision := range a.Stages {
		if decision.Stage == stage {
			return decision, true
		}
	}
	return StageDecision{}, false
}

// AnalyzeStatic returns the stages that can never execute for any request:
// every plugin in them is disabled or satisfies a predicate that reads only
// configuration values. Output is in pipeline order.
func (a *Analyzer) AnalyzeStatic() []domain.Stage {
	var never []domain.Stage
	for _, stage := range domain.StageSequence() {
		if !stage.Skippable() {
			continue
		}
		instances := a.workflow.Plugins(stage)
		if len(instances) == 0 {
			never = append(never, stage)
			continue
		}

		allStatic := true
		for _, instance := range instances {
			if skip, _ := a.staticSkip(instance); !skip {
				allStatic = false
				break
			}
		}
		if allStatic {
			never = append(never, stage)
		}
	}
	return never
}

// Analyze evaluates every skip predicate against the live context and
// returns the per-stage, per-plugin decisions together with estimated
// latency savings from recorded execution history.
func (a *Analyzer) Analyze(ec *domain.ExecutionContext) Analysis {
	analysis := Analysis{}
	for _, stage := range domain.StageSequence() {
		instances := a.workflow.Plugins(stage)
		decision := StageDecision{Stage: stage}

		allSkip := true
		for _, instance := range instances {
			skip, reason := a.PluginSkip(ec, instance)
			saving := time.Duration(0)
			if skip {
				saving = a.history.Average(instance.Name)
			}
			decision.Plugins = append(decision.Plugins, PluginDecision{
				Name:            instance.Name,
				Type:            instance.Type,
				Skip:            skip,
				Reason:          reason,
				EstimatedSaving: saving,
			})
			if skip {
				decision.EstimatedSaving += saving
			} else {
				allSkip = false
			}
		}

		if !stage.Skippable() {
			decision.Skip = false
		} else if len(instances) == 0 {
			decision.Skip = true
			decision.Reason = "no plugins configured"
		} else if allSkip {
			decision.Skip = true
			decision.Reason = "all plugins skippable"
		}

		analysis.Stages = append(analysis.Stages, decision)
	}

	a.enforceStageDependencies(&analysis)
	return analysis
}

// PluginSkip computes the live skip decision for one plugin instance. The
// executor calls it again immediately before each invocation, because
// predicates may depend on values written by earlier plugins in the same
// stage. A predicate that fails to evaluate counts as not satisfied, so an
// unwritten key never skips a plugin by accident.
func (a *Analyzer) PluginSkip(ec *domain.ExecutionContext, instance *PluginInstance) (bool, string) {
	if instance.Disabled() {
		return true, "disabled by configuration"
	}
	lookup := contextLookup(ec, instance)
	for _, predicate := range instance.Predicates() {
		satisfied, err := predicate.Eval(lookup)
		if err != nil {
			continue
		}
		if satisfied {
			return true, fmt.Sprintf("skip predicate satisfied: %s", predicate.Source())
		}
	}
	if skipper, ok := instance.Plugin().(runtime.Skipper); ok {
		if skip, reason := skipper.Skip(ec); skip {
			if reason == "" {
				reason = "plugin skip override"
			}
			return true, reason
		}
	}
	return false, ""
}

// staticSkip evaluates predicates that reference no per-request data.
func (a *Analyzer) staticSkip(instance *PluginInstance) (bool, string) {
	if instance.Disabled() {
		return true, "disabled by configuration"
	}
	lookup := configLookup(instance)
	for _, predicate := range instance.Predicates() {
		if !staticPredicate(predicate) {
			continue
		}
		if satisfied, err := predicate.Eval(lookup); err == nil && satisfied {
			return true, fmt.Sprintf("skip predicate satisfied: %s", predicate.Source())
		}
	}
	return false, ""
}

// staticPredicate reports whether every identifier resolves from
// configuration alone.
func staticPredicate(predicate *expr.Predicate) bool {
	for _, ident := range predicate.Identifiers() {
		if !strings.HasPrefix(ident, "config.") {
			return false
		}
	}
	return true
}

// enforceStageDependencies applies the stage-dependency table: the input
// stage may only be skipped when every stage that depends on it is skipped
// too.
func (a *Analyzer) enforceStageDependencies(analysis *Analysis) {
	inputIdx := -1
	dependentRuns := false
	for i, decision := range analysis.Stages {
		if decision.Stage == domain.StageInput {
			inputIdx = i
			continue
		}
		if decision.Stage.DependsOnInput() && !decision.Skip {
			dependentRuns = true
		}
	}
	if inputIdx >= 0 && analysis.Stages[inputIdx].Skip && dependentRuns {
		analysis.Stages[inputIdx].Skip = false
		analysis.Stages[inputIdx].Reason = ""
		analysis.Stages[inputIdx].EstimatedSaving = 0
	}
}

// contextLookup resolves predicate identifiers against the live request.
// Bare identifiers read the context's key-value store; the input., request.,
// and config. namespaces expose request metadata and the instance's own
// configuration.
func contextLookup(ec *domain.ExecutionContext, instance *PluginInstance) expr.LookupFunc {
	return func(path string) (any, bool) {
		switch {
		case strings.HasPrefix(path, "config."):
			value, ok := instance.Config()[strings.TrimPrefix(path, "config.")]
			return value, ok
		case strings.HasPrefix(path, "input.meta."):
			value, ok := ec.Input.Metadata[strings.TrimPrefix(path, "input.meta.")]
			return value, ok
		}
		switch path {
		case "input.text":
			return ec.Input.Text, true
		case "input.agent":
			return ec.Input.AgentID, true
		case "request.id":
			return ec.RequestID, true
		case "stage":
			return string(ec.Stage()), true
		}
		return ec.Load(path)
	}
}

// configLookup resolves only the config. namespace, for static analysis.
func configLookup(instance *PluginInstance) expr.LookupFunc {
	return func(path string) (any, bool) {
		if strings.HasPrefix(path, "config.") {
			value, ok := instance.Config()[strings.TrimPrefix(path, "config.")]
			return value, ok
		}
		return nil, false
	}
}
