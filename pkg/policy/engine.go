package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// EngineOptions control OPA engine construction.
type EngineOptions struct {
	// Entrypoint is the default policy decision path (e.g. "flume/guard").
	Entrypoint string
	// Modules contains the Rego modules to load, keyed by filename.
	Modules map[string]string
}

// Decision is the normalized result of a policy evaluation.
type Decision struct {
	Allow   bool
	Reasons []string
	Outputs map[string]any
}

// Engine evaluates guard decisions using an embedded OPA instance.
// Queries are prepared once per entrypoint and reused across requests.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	queries       map[string]*rego.PreparedEvalQuery
	mu            sync.RWMutex
}

const defaultEntrypoint = "flume/guard"

// NewEngine parses and compiles the supplied Rego modules. Compilation
// errors surface here rather than on the first request.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(opts.Modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return engine, nil
}

// Evaluate runs the default entrypoint against the supplied input document.
// An empty result set means the policy expressed no opinion and is treated
// as allow.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (Decision, error) {
	prepared, err := e.getPreparedQuery(ctx, e.entrypoint)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: true, Outputs: map[string]any{}}, nil
	}

	payload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}
	return parseDecision(payload)
}

// Shutdown releases underlying OPA resources.
func (e *Engine) Shutdown(_ context.Context) error { return nil }

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have prepared the query meanwhile; keep the first.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

func parseDecision(payload map[string]any) (Decision, error) {
	decision := Decision{Allow: true, Outputs: map[string]any{}}

	if raw, ok := payload["allow"]; ok {
		allow, ok := raw.(bool)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: allow must be bool, got %T", raw)
		}
		decision.Allow = allow
	}

	switch reasons := payload["reasons"].(type) {
	case nil:
	case []string:
		decision.Reasons = append(decision.Reasons, reasons...)
	case []any:
		for _, raw := range reasons {
			if text, ok := raw.(string); ok {
				decision.Reasons = append(decision.Reasons, text)
			}
		}
	default:
		return Decision{}, fmt.Errorf("opa decision: reasons must be a list, got %T", payload["reasons"])
	}

	for key, value := range payload {
		switch strings.ToLower(key) {
		case "allow", "reasons":
		default:
			decision.Outputs[key] = value
		}
	}
	return decision, nil
}
