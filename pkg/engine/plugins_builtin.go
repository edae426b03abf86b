package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/engine/runtime"
	"github.com/flumeai/flume-oss/pkg/policy"
	"github.com/flumeai/flume-oss/pkg/storage"
)

// RegisterBuiltins adds the plugin types that ship with the engine.
func RegisterBuiltins(registry *Registry) error {
	registrations := []runtime.Registration{
		echoRegistration(),
		parseFieldsRegistration(),
		promptRenderRegistration(),
		memoryPersistRegistration(),
		policyCheckRegistration(),
		outputFinalizeRegistration(),
		errorRespondRegistration(),
		passthroughRegistration(),
	}
	for _, reg := range registrations {
		if err := registry.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func configString(config map[string]any, key, fallback string) string {
	if raw, ok := config[key]; ok {
		if text, ok := raw.(string); ok && text != "" {
			return text
		}
	}
	return fallback
}

// ingress.echo copies the raw request payload into the context store so
// downstream predicates and plugins address it by key.
type echoPlugin struct {
	name      string
	mu        sync.RWMutex
	targetKey string
}

func echoRegistration() runtime.Registration {
	return runtime.Registration{
		Type:     "ingress.echo",
		Category: runtime.CategoryIngress,
		Schema: runtime.Schema{Fields: []runtime.Field{
			{Name: "target_key", Type: runtime.FieldString},
		}},
		KeysWritten: func(config map[string]any) []string {
			key := configString(config, "target_key", "text")
			return []string{key, "agent"}
		},
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			return &echoPlugin{
				name:      in.InstanceName,
				targetKey: configString(in.Config, "target_key", "text"),
			}, nil
		},
	}
}

func (p *echoPlugin) Name() string { return p.name }

func (p *echoPlugin) Execute(_ context.Context, ec *domain.ExecutionContext) error {
	p.mu.RLock()
	key := p.targetKey
	p.mu.RUnlock()
	ec.Store(key, ec.Input.Text)
	ec.Store("agent", ec.Input.AgentID)
	return nil
}

func (p *echoPlugin) UpdateConfig(config map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetKey = configString(config, "target_key", "text")
	return nil
}

// parse.fields tokenizes the request text into whitespace-separated fields.
type parseFieldsPlugin struct {
	name      string
	sourceKey string
	targetKey string
}

func parseFieldsRegistration() runtime.Registration {
	return runtime.Registration{
		Type:     "parse.fields",
		Category: runtime.CategoryParser,
		Schema: runtime.Schema{Fields: []runtime.Field{
			{Name: "source_key", Type: runtime.FieldString},
			{Name: "target_key", Type: runtime.FieldString},
		}},
		KeysWritten: func(config map[string]any) []string {
			key := configString(config, "target_key", "fields")
			return []string{key, key + ".count"}
		},
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			return &parseFieldsPlugin{
				name:      in.InstanceName,
				sourceKey: configString(in.Config, "source_key", ""),
				targetKey: configString(in.Config, "target_key", "fields"),
			}, nil
		},
	}
}

func (p *parseFieldsPlugin) Name() string { return p.name }

func (p *parseFieldsPlugin) Execute(_ context.Context, ec *domain.ExecutionContext) error {
	text := ec.Input.Text
	if p.sourceKey != "" {
		raw, ok := ec.Load(p.sourceKey)
		if !ok {
			return fmt.Errorf("source key %q not present in context", p.sourceKey)
		}
		text, ok = raw.(string)
		if !ok {
			return fmt.Errorf("source key %q holds %T, want string", p.sourceKey, raw)
		}
	}
	fields := strings.Fields(text)
	values := make([]any, len(fields))
	for i, f := range fields {
		values[i] = f
	}
	ec.Store(p.targetKey, values)
	ec.Store(p.targetKey+".count", len(values))
	return nil
}

// prompt.render expands a text/template against the request and the context
// store. The compiled template is swapped atomically on config updates.
type promptRenderPlugin struct {
	name      string
	targetKey string

	mu   sync.RWMutex
	tmpl *template.Template
}

type promptData struct {
	Text   string
	Agent  string
	Meta   map[string]string
	Values map[string]any
}

func promptRenderRegistration() runtime.Registration {
	return runtime.Registration{
		Type:     "prompt.render",
		Category: runtime.CategoryPrompt,
		Schema: runtime.Schema{Fields: []runtime.Field{
			{Name: "template", Type: runtime.FieldString, Required: true},
			{Name: "target_key", Type: runtime.FieldString},
		}},
		KeysWritten: func(config map[string]any) []string {
			return []string{configString(config, "target_key", "prompt")}
		},
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			tmpl, err := compilePromptTemplate(in.Config)
			if err != nil {
				return nil, err
			}
			return &promptRenderPlugin{
				name:      in.InstanceName,
				targetKey: configString(in.Config, "target_key", "prompt"),
				tmpl:      tmpl,
			}, nil
		},
	}
}

func compilePromptTemplate(config map[string]any) (*template.Template, error) {
	source, _ := config["template"].(string)
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: template: %v", domain.ErrConfigInvalid, err)
	}
	return tmpl, nil
}

func (p *promptRenderPlugin) Name() string { return p.name }

func (p *promptRenderPlugin) Execute(_ context.Context, ec *domain.ExecutionContext) error {
	p.mu.RLock()
	tmpl := p.tmpl
	p.mu.RUnlock()

	values := make(map[string]any, len(ec.Keys()))
	for _, key := range ec.Keys() {
		value, _ := ec.Load(key)
		values[key] = value
	}

	var buf bytes.Buffer
	data := promptData{
		Text:   ec.Input.Text,
		Agent:  ec.Input.AgentID,
		Meta:   ec.Input.Metadata,
		Values: values,
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}
	ec.Store(p.targetKey, buf.String())
	return nil
}

// UpdateConfig recompiles the template so value-only reloads take effect
// without a workflow rebuild.
func (p *promptRenderPlugin) UpdateConfig(config map[string]any) error {
	tmpl, err := compilePromptTemplate(config)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.tmpl = tmpl
	p.targetKey = configString(config, "target_key", "prompt")
	p.mu.Unlock()
	return nil
}

// memory.persist copies selected context keys into a shared key-value store
// under a per-request prefix.
type memoryPersistPlugin struct {
	name  string
	store storage.KV
	keys  []string
}

func memoryPersistRegistration() runtime.Registration {
	return runtime.Registration{
		Type:         "memory.persist",
		Category:     runtime.CategoryTool,
		Capabilities: []string{"memory.write"},
		Schema: runtime.Schema{Fields: []runtime.Field{
			{Name: "store", Type: runtime.FieldString, Required: true},
			{Name: "keys", Type: runtime.FieldList, Required: true},
		}},
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			storeName, _ := in.Config["store"].(string)
			resource, err := in.Resources.Resource(storeName)
			if err != nil {
				return nil, fmt.Errorf("resolve store %q: %w", storeName, err)
			}
			kv, ok := resource.(storage.KV)
			if !ok {
				return nil, fmt.Errorf("%w: resource %q is %T, want storage.KV", domain.ErrConfigInvalid, storeName, resource)
			}
			rawKeys, _ := in.Config["keys"].([]any)
			keys := make([]string, 0, len(rawKeys))
			for _, raw := range rawKeys {
				key, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("%w: keys entries must be strings, got %T", domain.ErrConfigInvalid, raw)
				}
				keys = append(keys, key)
			}
			return &memoryPersistPlugin{name: in.InstanceName, store: kv, keys: keys}, nil
		},
	}
}

func (p *memoryPersistPlugin) Name() string { return p.name }

func (p *memoryPersistPlugin) Execute(ctx context.Context, ec *domain.ExecutionContext) error {
	for _, key := range p.keys {
		value, ok := ec.Load(key)
		if !ok {
			continue
		}
		storeKey := ec.RequestID + "/" + key
		if err := p.store.Put(ctx, storeKey, value); err != nil {
			return fmt.Errorf("persist %q: %w", key, err)
		}
	}
	return nil
}

// policy.check evaluates the request against a shared OPA engine and fails
// the request when the decision denies it.
type policyCheckPlugin struct {
	name   string
	engine *policy.Engine
}

func policyCheckRegistration() runtime.Registration {
	return runtime.Registration{
		Type:         "policy.check",
		Category:     runtime.CategoryGuard,
		Capabilities: []string{"policy.evaluate"},
		Schema: runtime.Schema{Fields: []runtime.Field{
			{Name: "engine", Type: runtime.FieldString, Required: true},
		}},
		KeysWritten: func(map[string]any) []string {
			return []string{"policy.allow", "policy.reasons"}
		},
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			engineName, _ := in.Config["engine"].(string)
			resource, err := in.Resources.Resource(engineName)
			if err != nil {
				return nil, fmt.Errorf("resolve engine %q: %w", engineName, err)
			}
			engine, ok := resource.(*policy.Engine)
			if !ok {
				return nil, fmt.Errorf("%w: resource %q is %T, want *policy.Engine", domain.ErrConfigInvalid, engineName, resource)
			}
			return &policyCheckPlugin{name: in.InstanceName, engine: engine}, nil
		},
	}
}

func (p *policyCheckPlugin) Name() string { return p.name }

func (p *policyCheckPlugin) Execute(ctx context.Context, ec *domain.ExecutionContext) error {
	input := map[string]any{
		"text":       ec.Input.Text,
		"agent":      ec.Input.AgentID,
		"request_id": ec.RequestID,
	}
	decision, err := p.engine.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	ec.Store("policy.allow", decision.Allow)
	ec.Store("policy.reasons", decision.Reasons)
	if !decision.Allow {
		ec.Response.ErrorCode = "policy_denied"
		return fmt.Errorf("policy denied request: %s", strings.Join(decision.Reasons, "; "))
	}
	return nil
}

// output.finalize assembles the terminal response payload and marks it final.
type outputFinalizePlugin struct {
	name string
	mu   sync.RWMutex
	key  string
}

func outputFinalizeRegistration() runtime.Registration {
	return runtime.Registration{
		Type:     "output.finalize",
		Category: runtime.CategoryResponder,
		Schema: runtime.Schema{Fields: []runtime.Field{
			{Name: "source_key", Type: runtime.FieldString},
		}},
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			return &outputFinalizePlugin{
				name: in.InstanceName,
				key:  configString(in.Config, "source_key", "text"),
			}, nil
		},
	}
}

func (p *outputFinalizePlugin) Name() string { return p.name }

func (p *outputFinalizePlugin) Execute(_ context.Context, ec *domain.ExecutionContext) error {
	p.mu.RLock()
	key := p.key
	p.mu.RUnlock()

	text := ec.Input.Text
	if raw, ok := ec.Load(key); ok {
		if s, ok := raw.(string); ok {
			text = s
		}
	}
	payload := map[string]any{
		"request_id": ec.RequestID,
		"text":       text,
	}
	return ec.Finalize(payload)
}

func (p *outputFinalizePlugin) UpdateConfig(config map[string]any) error {
	p.mu.Lock()
	p.key = configString(config, "source_key", "text")
	p.mu.Unlock()
	return nil
}

// error.respond shapes the user-facing failure response for the error stage.
// It writes the response fields directly; finalization stays with the output
// stage.
type errorRespondPlugin struct {
	name string
	code string
}

func errorRespondRegistration() runtime.Registration {
	return runtime.Registration{
		Type:     "error.respond",
		Category: runtime.CategoryRecovery,
		Schema: runtime.Schema{Fields: []runtime.Field{
			{Name: "code", Type: runtime.FieldString},
		}},
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			return &errorRespondPlugin{
				name: in.InstanceName,
				code: configString(in.Config, "code", "pipeline_error"),
			}, nil
		},
	}
}

func (p *errorRespondPlugin) Name() string { return p.name }

func (p *errorRespondPlugin) Execute(_ context.Context, ec *domain.ExecutionContext) error {
	if ec.Response.ErrorCode == "" {
		ec.Response.ErrorCode = p.code
	}
	ec.Response.Payload = map[string]any{
		"request_id": ec.RequestID,
		"error":      ec.Response.ErrorCode,
		"message":    ec.Response.ErrorMessage,
	}
	return nil
}

// passthrough does nothing. It exists so workflows can reserve a position in
// a stage, and it exercises capability-based stage resolution when no stage
// is configured.
type passthroughPlugin struct {
	name string
}

func passthroughRegistration() runtime.Registration {
	return runtime.Registration{
		Type:         "passthrough",
		Category:     runtime.CategoryUtility,
		Capabilities: []string{"invoke.noop"},
		Schema:       runtime.Schema{},
		Build: func(in runtime.BuildInput) (runtime.Plugin, error) {
			return &passthroughPlugin{name: in.InstanceName}, nil
		},
	}
}

func (p *passthroughPlugin) Name() string { return p.name }

func (p *passthroughPlugin) Execute(context.Context, *domain.ExecutionContext) error { return nil }
