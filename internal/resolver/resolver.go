// Package resolver maintains the registry of executable targets:
// workflows, tools, data providers, and inline-code entry points. The
// dispatcher resolves and validates every execution against it before a
// worker sees the work.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/pubsub"
)

// ErrTargetNotFound is returned when no target matches the requested
// kind and ID.
var ErrTargetNotFound = errors.New("resolver: target not found")

// Target is an executable definition.
type Target struct {
	ID          string         `yaml:"id"`
	Kind        execution.Kind `yaml:"kind"`
	Description string         `yaml:"description"`
	Schema      Schema         `yaml:"schema"`

	// Behavior names the worker-side implementation. Built-in behaviors
	// ship with the worker runtime; manifest targets reference them.
	Behavior string `yaml:"behavior"`

	// TimeoutSeconds is the target's declared execution timeout. Zero
	// falls back to the pool default; an explicit request timeout wins
	// over both.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// Registry is the in-memory target catalog. It is safe for concurrent
// use; manifest reloads swap the manifest-provided subset atomically.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]Target
	manifest map[string]Target

	// invalidations carries the IDs of targets changed or removed by a
	// manifest reload so pools can recycle workers holding stale code.
	invalidations *pubsub.Broker[[]string]
}

// NewRegistry creates a registry pre-populated with the built-in demo
// targets.
func NewRegistry() *Registry {
	r := &Registry{
		builtins:      make(map[string]Target),
		manifest:      make(map[string]Target),
		invalidations: pubsub.NewBroker[[]string](),
	}
	for _, t := range builtinTargets() {
		r.builtins[t.ID] = t
	}
	return r
}

// Register adds or replaces a built-in target.
func (r *Registry) Register(t Target) error {
	if t.ID == "" {
		return fmt.Errorf("resolver: target id is required")
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("resolver: target %s has invalid kind %q", t.ID, t.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[t.ID] = t
	return nil
}

// Resolve looks up a target by kind and ID.
func (r *Registry) Resolve(kind execution.Kind, id string) (Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.manifest[id]
	if !ok {
		t, ok = r.builtins[id]
	}
	if !ok || t.Kind != kind {
		return Target{}, fmt.Errorf("%w: %s %q", ErrTargetNotFound, kind, id)
	}
	return t, nil
}

// Targets returns all registered targets, manifest entries shadowing
// built-ins.
func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Target, 0, len(r.builtins)+len(r.manifest))
	for id, t := range r.builtins {
		if _, shadowed := r.manifest[id]; !shadowed {
			out = append(out, t)
		}
	}
	for _, t := range r.manifest {
		out = append(out, t)
	}
	return out
}

// setManifest swaps the manifest subset and publishes the set of changed
// target IDs.
func (r *Registry) setManifest(targets map[string]Target) {
	r.mu.Lock()
	changed := make([]string, 0)
	for id, t := range targets {
		old, ok := r.manifest[id]
		if !ok || !reflect.DeepEqual(old, t) {
			changed = append(changed, id)
		}
	}
	for id := range r.manifest {
		if _, ok := targets[id]; !ok {
			changed = append(changed, id)
		}
	}
	r.manifest = targets
	r.mu.Unlock()

	if len(changed) > 0 {
		log.Info(log.CatResolver, "Registry invalidated", "changed", len(changed))
		r.invalidations.Publish(pubsub.UpdatedEvent, changed)
	}
}

// Invalidations streams changed-target notifications until ctx is
// cancelled. Pool managers subscribe to recycle workers holding stale
// definitions.
func (r *Registry) Invalidations(ctx context.Context) <-chan pubsub.Event[[]string] {
	return r.invalidations.Subscribe(ctx)
}

// Close shuts down the invalidation broker.
func (r *Registry) Close() {
	r.invalidations.Close()
}

// Built-in behavior names understood by the worker runtime.
const (
	BehaviorEcho    = "echo"
	BehaviorSleep   = "sleep"
	BehaviorFail    = "fail"
	BehaviorPartial = "partial"
	BehaviorCrash   = "crash"
	BehaviorPanic   = "panic"
)

func builtinTargets() []Target {
	return []Target{
		{
			ID:          "demo.echo",
			Kind:        execution.KindTool,
			Description: "Returns its parameters unchanged",
			Behavior:    BehaviorEcho,
			Schema: Schema{Params: []ParamSpec{
				{Name: "message", Type: ParamString, Required: true},
			}},
		},
		{
			ID:          "demo.sleep",
			Kind:        execution.KindTool,
			Description: "Sleeps for the given duration, reporting progress",
			Behavior:    BehaviorSleep,
			Schema: Schema{Params: []ParamSpec{
				{Name: "seconds", Type: ParamFloat, Required: true},
			}},
		},
		{
			ID:          "demo.fail",
			Kind:        execution.KindTool,
			Description: "Fails with a user error",
			Behavior:    BehaviorFail,
			Schema: Schema{Params: []ParamSpec{
				{Name: "message", Type: ParamString, Required: false, Default: "intentional failure"},
			}},
		},
		{
			ID:          "demo.partial",
			Kind:        execution.KindTool,
			Description: "Completes but reports per-step errors in its payload",
			Behavior:    BehaviorPartial,
			Schema: Schema{Params: []ParamSpec{
				{Name: "errors", Type: ParamInt, Required: false, Default: 1},
			}},
		},
		{
			ID:          "demo.crash",
			Kind:        execution.KindTool,
			Description: "Kills the worker process mid-execution",
			Behavior:    BehaviorCrash,
		},
		{
			ID:          "demo.panic",
			Kind:        execution.KindTool,
			Description: "Panics inside the worker runtime",
			Behavior:    BehaviorPanic,
		},
		{
			ID:          "demo.pipeline",
			Kind:        execution.KindWorkflow,
			Description: "Multi-phase workflow that reports per-phase progress",
			Behavior:    BehaviorSleep,
			Schema: Schema{Params: []ParamSpec{
				{Name: "seconds", Type: ParamFloat, Required: false, Default: 0.1},
				{Name: "phases", Type: ParamInt, Required: false, Default: 3},
			}},
		},
	}
}
