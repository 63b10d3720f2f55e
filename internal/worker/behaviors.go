package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/resolver"
)

// UserError marks a failure in user-authored logic, as opposed to a
// platform fault. It maps to the USER_ERROR kind on the record.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// Env is what a behavior sees while running: the execution context plus
// the progress surface.
type Env struct {
	Context execution.Context

	emit         func(kind execution.ProgressKind, payload any)
	integrations []string
}

// UseIntegration records that the execution touched a named external
// integration. The list lands on the record's resource usage.
func (e *Env) UseIntegration(name string) {
	for _, n := range e.integrations {
		if n == name {
			return
		}
	}
	e.integrations = append(e.integrations, name)
}

// Log emits a log progress event. Log events are also buffered for the
// durable log sink.
func (e *Env) Log(message string) {
	e.emit(execution.ProgressLog, map[string]string{"message": message})
}

// Phase reports entry into a named phase of the execution.
func (e *Env) Phase(name string) {
	e.emit(execution.ProgressPhase, map[string]string{"phase": name})
}

// Checkpoint reports a named intermediate value.
func (e *Env) Checkpoint(name string, value any) {
	e.emit(execution.ProgressVariable, map[string]any{"name": name, "value": value})
}

// BehaviorFunc executes one target. The returned JSON becomes the
// execution result; a *UserError return marks user-authored failure.
type BehaviorFunc func(ctx context.Context, env *Env) (json.RawMessage, error)

func builtinBehaviors() map[string]BehaviorFunc {
	return map[string]BehaviorFunc{
		resolver.BehaviorEcho:    behaviorEcho,
		resolver.BehaviorSleep:   behaviorSleep,
		resolver.BehaviorFail:    behaviorFail,
		resolver.BehaviorPartial: behaviorPartial,
		resolver.BehaviorCrash:   behaviorCrash,
		resolver.BehaviorPanic:   behaviorPanic,
	}
}

func behaviorEcho(_ context.Context, env *Env) (json.RawMessage, error) {
	env.Log("echoing parameters")
	return json.Marshal(env.Context.Parameters)
}

func behaviorSleep(ctx context.Context, env *Env) (json.RawMessage, error) {
	seconds := asFloat(env.Context.Parameters["seconds"])
	phases := int64(1)
	if p := int64(asFloat(env.Context.Parameters["phases"])); p > 0 {
		phases = p
	}

	total := time.Duration(seconds * float64(time.Second))
	step := total / time.Duration(phases)
	for i := int64(1); i <= phases; i++ {
		env.Phase(fmt.Sprintf("phase-%d", i))
		select {
		case <-time.After(step):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		env.Checkpoint("completed_phases", i)
	}
	return json.Marshal(map[string]any{"slept_seconds": seconds, "phases": phases})
}

// asFloat normalizes a parameter value. Coerced contexts carry int64,
// but the JSON round-trip through the ephemeral store degrades numbers
// to float64.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func behaviorFail(_ context.Context, env *Env) (json.RawMessage, error) {
	message, _ := env.Context.Parameters["message"].(string)
	if message == "" {
		message = "intentional failure"
	}
	return nil, &UserError{Message: message}
}

// behaviorPartial returns normally but marks the payload as a partial
// failure, the shape user code uses to report per-step errors.
func behaviorPartial(_ context.Context, env *Env) (json.RawMessage, error) {
	count := int(asFloat(env.Context.Parameters["errors"]))
	if count < 1 {
		count = 1
	}
	errs := make([]string, count)
	for i := range errs {
		errs[i] = fmt.Sprintf("step %d failed", i+1)
	}
	return json.Marshal(map[string]any{"success": false, "errors": errs})
}

func behaviorCrash(_ context.Context, env *Env) (json.RawMessage, error) {
	env.Log("crashing now")
	os.Exit(2)
	return nil, nil // unreachable
}

func behaviorPanic(_ context.Context, _ *Env) (json.RawMessage, error) {
	panic("worker runtime panic requested")
}
