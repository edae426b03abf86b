package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flumeai/flume-oss/pkg/config"
	"github.com/flumeai/flume-oss/pkg/container"
	"github.com/flumeai/flume-oss/pkg/domain"
	"github.com/flumeai/flume-oss/pkg/policy"
	"github.com/flumeai/flume-oss/pkg/storage"
)

// ResourceFactory produces a container factory from the declarative params
// of one resource block.
type ResourceFactory func(params map[string]any) container.Factory

// BuiltinResourceFactories returns the resource factory types the engine
// ships with, keyed by the `factory` identifier used in configuration.
func BuiltinResourceFactories() map[string]ResourceFactory {
	return map[string]ResourceFactory{
		"kv.memory":  memoryKVFactory,
		"policy.opa": opaEngineFactory,
	}
}

// PopulateContainer registers every configured resource with the container,
// resolving each block's factory identifier against the catalog. Unknown
// factory names fail before the container starts.
func PopulateContainer(c *container.Container, specs []config.ResourceSpec, catalog map[string]ResourceFactory) error {
	for _, spec := range specs {
		build, ok := catalog[spec.Factory]
		if !ok {
			return fmt.Errorf("%w: resource %q uses unknown factory %q",
				domain.ErrConfigInvalid, spec.Name, spec.Factory)
		}
		if err := c.RegisterWithParams(spec.Name, spec.Uses, spec.Params, build(spec.Params)); err != nil {
			return err
		}
	}
	return nil
}

func memoryKVFactory(map[string]any) container.Factory {
	return func(context.Context, container.Deps) (any, error) {
		return storage.NewMemoryKV(), nil
	}
}

// opaEngineFactory builds a shared policy engine from inline rego modules
// and/or module files on disk.
func opaEngineFactory(params map[string]any) container.Factory {
	return func(ctx context.Context, _ container.Deps) (any, error) {
		entrypoint, _ := params["entrypoint"].(string)
		modules := make(map[string]string)

		if inline, ok := params["modules"].(map[string]any); ok {
			for name, raw := range inline {
				source, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("%w: rego module %q must be a string", domain.ErrConfigInvalid, name)
				}
				modules[name] = source
			}
		}

		if paths, ok := params["module_paths"].([]any); ok {
			for _, raw := range paths {
				path, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("%w: module_paths entries must be strings", domain.ErrConfigInvalid)
				}
				source, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("read rego module %s: %w", path, err)
				}
				modules[filepath.Base(path)] = string(source)
			}
		}

		return policy.NewEngine(ctx, policy.EngineOptions{
			Entrypoint: entrypoint,
			Modules:    modules,
		})
	}
}
