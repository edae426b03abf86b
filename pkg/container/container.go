// Package container builds and owns the long-lived shared resources a
// workflow depends on. Resources declare their dependencies by logical name;
// the container resolves the resulting graph, constructs every resource in
// topological order before the first request, and tears them down in reverse
// order at shutdown.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/flumeai/flume-oss/pkg/domain"
)

// Factory constructs a resource. The deps lookup only resolves names the
// definition declared, and every declared dependency is already started when
// the factory runs.
type Factory func(ctx context.Context, deps Deps) (any, error)

// Deps resolves a resource's declared dependencies during construction.
type Deps interface {
	Resource(name string) (any, error)
}

// Updatable is implemented by resources that accept parameter-only hot
// reloads in place.
type Updatable interface {
	UpdateParams(params map[string]any) error
}

// Shutdowner is implemented by resources that need a context-aware teardown.
// Resources implementing io.Closer are closed as a fallback.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

type definition struct {
	name    string
	deps    []string
	factory Factory
	params  map[string]any
}

// Container owns the resource dependency graph and the live instances.
// Registration happens before Start; after Start the set of resources is
// fixed and shared read-mostly across all requests.
type Container struct {
	mu          sync.RWMutex
	definitions map[string]*definition
	order       []string // topological construction order, set by Start
	instances   map[string]any
	started     bool
	logger      *slog.Logger
}

// New creates an empty container.
func New(logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		definitions: make(map[string]*definition),
		instances:   make(map[string]any),
		logger:      logger,
	}
}

// Register adds a resource definition. It fails after Start and on duplicate
// names.
func (c *Container) Register(name string, deps []string, factory Factory) error {
	return c.RegisterWithParams(name, deps, nil, factory)
}

// RegisterWithParams registers a resource definition together with the
// declarative parameters it was configured with. The params are retained so
// hot reloads can tell value-only changes from dependency changes.
func (c *Container) RegisterWithParams(name string, deps []string, params map[string]any, factory Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("cannot register resource %q after container start", name)
	}
	if name == "" {
		return fmt.Errorf("%w: resource name is required", domain.ErrConfigInvalid)
	}
	if factory == nil {
		return fmt.Errorf("%w: resource %q has no factory", domain.ErrConfigInvalid, name)
	}
	if _, exists := c.definitions[name]; exists {
		return fmt.Errorf("%w: duplicate resource %q", domain.ErrConfigInvalid, name)
	}

	c.definitions[name] = &definition{name: name, deps: append([]string(nil), deps...), factory: factory, params: params}
	return nil
}

// Start computes a topological order over the dependency graph and invokes
// each factory exactly once. A cycle is a fatal build error reported with the
// exact cycle path before any factory runs. A factory failure aborts startup
// and tears down everything already constructed, in reverse order.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errors.New("container already started")
	}

	for _, def := range c.definitions {
		for _, dep := range def.deps {
			if _, ok := c.definitions[dep]; !ok {
				return fmt.Errorf("%w: resource %q depends on unknown resource %q",
					domain.ErrResourceNotFound, def.name, dep)
			}
		}
	}

	order, err := c.topologicalOrder()
	if err != nil {
		return err
	}

	for i, name := range order {
		def := c.definitions[name]
		instance, err := def.factory(ctx, &depView{container: c, allowed: def.deps})
		if err != nil {
			c.logger.Error("resource construction failed", "resource", name, "error", err)
			c.teardownLocked(ctx, order[:i])
			return fmt.Errorf("start resource %q: %w", name, err)
		}
		c.instances[name] = instance
		c.logger.Debug("resource started", "resource", name, "position", i)
	}

	c.order = order
	c.started = true
	return nil
}

// Resource returns the live instance registered under name. It fails with
// ErrResourceNotFound until Start has completed.
func (c *Container) Resource(name string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started {
		return nil, fmt.Errorf("%w: %q requested before start", domain.ErrResourceNotFound, name)
	}
	instance, ok := c.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrResourceNotFound, name)
	}
	return instance, nil
}

// Stop tears resources down in reverse construction order. Individual
// teardown failures are collected, not raised, so that every resource gets a
// shutdown attempt.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	errs := c.teardownLocked(ctx, c.order)
	c.started = false
	c.order = nil
	return errors.Join(errs...)
}

// UpdateParams applies a parameter-only change to a started resource through
// its update hook. Changes touching the declared dependency list are rejected
// with ErrReloadRejected and require a full restart.
func (c *Container) UpdateParams(name string, deps []string, params map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	def, ok := c.definitions[name]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrResourceNotFound, name)
	}
	if !sameDeps(def.deps, deps) {
		return fmt.Errorf("%w: resource %q dependency list changed", domain.ErrReloadRejected, name)
	}
	instance, started := c.instances[name]
	if !started {
		return fmt.Errorf("%w: %q not started", domain.ErrResourceNotFound, name)
	}
	updatable, ok := instance.(Updatable)
	if !ok {
		return fmt.Errorf("%w: resource %q does not support in-place updates", domain.ErrReloadRejected, name)
	}
	if err := updatable.UpdateParams(params); err != nil {
		return fmt.Errorf("update resource %q: %w", name, err)
	}
	def.params = params
	c.logger.Info("resource parameters updated", "resource", name)
	return nil
}

// Names returns the registered resource names, sorted.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.definitions))
	for name := range c.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params returns the declarative parameters the named resource was
// registered with.
func (c *Container) Params(name string) (map[string]any, []string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[name]
	if !ok {
		return nil, nil, false
	}
	return def.params, append([]string(nil), def.deps...), true
}

func (c *Container) teardownLocked(ctx context.Context, order []string) []error {
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		instance, ok := c.instances[name]
		if !ok {
			continue
		}
		if err := shutdownInstance(ctx, instance); err != nil {
			c.logger.Error("resource teardown failed", "resource", name, "error", err)
			errs = append(errs, fmt.Errorf("stop resource %q: %w", name, err))
		}
		delete(c.instances, name)
	}
	return errs
}

func shutdownInstance(ctx context.Context, instance any) error {
	switch v := instance.(type) {
	case Shutdowner:
		return v.Shutdown(ctx)
	case io.Closer:
		return v.Close()
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm over the dependency graph. Ties are
// broken alphabetically so the construction order is deterministic.
func (c *Container) topologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(c.definitions))
	dependents := make(map[string][]string, len(c.definitions))

	for name := range c.definitions {
		inDegree[name] = 0
	}
	for name, def := range c.definitions {
		for _, dep := range def.deps {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(c.definitions))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		next := dependents[name]
		sort.Strings(next)
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(c.definitions) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDependencyCycle, c.cyclePath(inDegree))
	}
	return order, nil
}

// cyclePath walks the residual graph left by Kahn's algorithm and returns a
// concrete cycle such as "a -> b -> a" for the build error.
func (c *Container) cyclePath(inDegree map[string]int) string {
	remaining := make(map[string]bool)
	for name, degree := range inDegree {
		if degree > 0 {
			remaining[name] = true
		}
	}

	var start string
	for name := range remaining {
		if start == "" || name < start {
			start = name
		}
	}
	if start == "" {
		return "unknown cycle"
	}

	// Follow dependency edges inside the residual graph until a node repeats.
	seen := make(map[string]int)
	path := []string{}
	current := start
	for {
		if at, ok := seen[current]; ok {
			cycle := append(path[at:], current)
			return strings.Join(cycle, " -> ")
		}
		seen[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range c.definitions[current].deps {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return strings.Join(path, " -> ")
		}
		current = next
	}
}

func sameDeps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

type depView struct {
	container *Container
	allowed   []string
}

// Resource resolves a declared dependency during factory construction. The
// container lock is held by Start, so this reads the instance map directly.
func (d *depView) Resource(name string) (any, error) {
	for _, allowed := range d.allowed {
		if allowed == name {
			instance, ok := d.container.instances[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q", domain.ErrResourceNotFound, name)
			}
			return instance, nil
		}
	}
	return nil, fmt.Errorf("%w: %q was not declared as a dependency", domain.ErrResourceNotFound, name)
}
