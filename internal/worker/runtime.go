package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/resolver"
)

// Runtime is the child-side worker loop. It announces readiness, then
// executes run commands one at a time until terminated. All I/O with the
// parent goes over the stdin/stdout JSON-lines protocol; the staged
// execution context is read from the ephemeral store by ID.
type Runtime struct {
	store     ephemeral.Store
	registry  *resolver.Registry
	in        *bufio.Scanner
	out       *lineWriter
	behaviors map[string]BehaviorFunc
	pid       int
}

// NewRuntime creates a worker runtime reading commands from in and
// writing events to out.
func NewRuntime(store ephemeral.Store, registry *resolver.Registry, in io.Reader, out io.Writer) *Runtime {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	return &Runtime{
		store:     store,
		registry:  registry,
		in:        scanner,
		out:       newLineWriter(out),
		behaviors: builtinBehaviors(),
		pid:       os.Getpid(),
	}
}

// Run processes commands until stdin closes, a terminate command
// arrives, or ctx is cancelled. Cancellation of ctx (the parent's
// SIGTERM) aborts the in-flight execution.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.out.writeLine(Event{Type: EventReady, PID: rt.pid}); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}
	log.Info(log.CatWorker, "Worker ready", "pid", rt.pid)

	commands := make(chan Command)
	scanErr := make(chan error, 1)
	log.SafeGo("worker-stdin", func() {
		defer close(commands)
		for rt.in.Scan() {
			line := rt.in.Bytes()
			if len(line) == 0 {
				continue
			}
			var cmd Command
			if err := json.Unmarshal(line, &cmd); err != nil {
				log.ErrorErr(log.CatWorker, "Dropping malformed command", err, "line", string(line))
				continue
			}
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- rt.in.Err()
	})

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatWorker, "Worker terminating", "pid", rt.pid, "reason", "signal")
			return nil
		case cmd, ok := <-commands:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("reading commands: %w", err)
					}
				default:
				}
				return nil
			}
			switch cmd.Type {
			case CommandRun:
				rt.execute(ctx, cmd.ExecutionID)
			case CommandTerminate:
				log.Info(log.CatWorker, "Worker terminating", "pid", rt.pid, "reason", "command")
				return nil
			default:
				log.Warn(log.CatWorker, "Unknown command type", "type", cmd.Type)
			}
		}
	}
}

// execute runs one assignment end to end and always emits exactly one
// result event, even when the behavior panics.
func (rt *Runtime) execute(ctx context.Context, id execution.ID) {
	started := time.Now()

	fail := func(kind execution.ErrorKind, message string) {
		rt.emitResult(&execution.Result{
			ExecutionID:  id,
			Status:       execution.StatusFailed,
			ErrorKind:    kind,
			ErrorMessage: message,
			Usage:        execution.ResourceUsage{DurationMS: time.Since(started).Milliseconds()},
		})
	}

	raw, err := rt.store.Get(ctx, execution.ContextKey(id))
	if err != nil {
		fail(execution.ErrorUnavailable, fmt.Sprintf("execution context missing: %v", err))
		return
	}
	var ectx execution.Context
	if err := json.Unmarshal(raw, &ectx); err != nil {
		fail(execution.ErrorUnavailable, fmt.Sprintf("execution context corrupt: %v", err))
		return
	}

	target, err := rt.registry.Resolve(ectx.Kind, ectx.Target)
	if err != nil {
		fail(execution.ErrorTargetNotFound, err.Error())
		return
	}
	behavior, ok := rt.behaviors[target.Behavior]
	if !ok {
		fail(execution.ErrorUnavailable, fmt.Sprintf("no implementation for behavior %q", target.Behavior))
		return
	}

	env := &Env{
		Context: ectx,
		emit: func(kind execution.ProgressKind, payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			if err := rt.out.writeLine(Event{
				Type:        EventProgress,
				ExecutionID: id,
				Kind:        kind,
				Payload:     data,
			}); err != nil {
				log.ErrorErr(log.CatWorker, "Progress emit failed", err, "execution", id)
			}
		},
	}

	// The parent enforces the real deadline with SIGTERM/SIGKILL; the
	// local deadline just lets well-behaved behaviors stop early.
	runCtx := ctx
	var cancel context.CancelFunc
	if ectx.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(ectx.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	log.Info(log.CatWorker, "Executing target", "execution", id, "target", target.ID, "behavior", target.Behavior)
	result, err := rt.runBehavior(runCtx, behavior, env)
	usage := execution.ResourceUsage{
		DurationMS:      time.Since(started).Milliseconds(),
		PeakMemoryBytes: peakMemoryBytes(),
		Integrations:    env.integrations,
	}

	// The context is single-use; the result path deletes it too, but a
	// worker that outlives the scheduler should not leave it behind.
	if derr := rt.store.Delete(ctx, execution.ContextKey(id)); derr != nil {
		log.ErrorErr(log.CatWorker, "Context delete failed", derr, "execution", id)
	}

	switch {
	case err == nil:
		// A payload that self-reports {"success": false} is a partial
		// failure in the user's logic, not a platform fault.
		if messages, partial := partialFailure(result); partial {
			rt.emitResult(&execution.Result{
				ExecutionID:  id,
				Status:       execution.StatusCompletedWithErrors,
				ErrorKind:    execution.ErrorUserError,
				ErrorMessage: strings.Join(messages, "; "),
				Result:       result,
				Usage:        usage,
			})
			return
		}
		rt.emitResult(&execution.Result{
			ExecutionID: id,
			Status:      execution.StatusSuccess,
			Result:      result,
			Usage:       usage,
		})

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The parent synthesizes the authoritative CANCELLED/TIMEOUT
		// outcome; this result only matters if it arrives first.
		rt.emitResult(&execution.Result{
			ExecutionID:  id,
			Status:       execution.StatusCancelled,
			ErrorKind:    execution.ErrorCancelled,
			ErrorMessage: err.Error(),
			Usage:        usage,
		})

	default:
		kind := execution.ErrorUnavailable
		var userErr *UserError
		if errors.As(err, &userErr) {
			kind = execution.ErrorUserError
		}
		rt.emitResult(&execution.Result{
			ExecutionID:  id,
			Status:       execution.StatusFailed,
			ErrorKind:    kind,
			ErrorMessage: err.Error(),
			Usage:        usage,
		})
	}
}

// partialFailure reports whether a result payload carries an explicit
// "success": false marker, returning any error messages alongside it.
// Payloads without the marker (or with success true) are unaffected.
func partialFailure(result json.RawMessage) ([]string, bool) {
	if len(result) == 0 {
		return nil, false
	}
	var envelope struct {
		Success *bool    `json:"success"`
		Errors  []string `json:"errors"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil, false
	}
	if envelope.Success == nil || *envelope.Success {
		return nil, false
	}
	messages := envelope.Errors
	if len(messages) == 0 {
		messages = []string{"execution reported failure"}
	}
	return messages, true
}

// runBehavior invokes the behavior with panic recovery so a panicking
// target fails its execution instead of killing the worker.
func (rt *Runtime) runBehavior(ctx context.Context, behavior BehaviorFunc, env *Env) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatWorker, "Behavior panic recovered", "execution", env.Context.ID, "panic", r)
			err = fmt.Errorf("behavior panic: %v", r)
		}
	}()
	return behavior(ctx, env)
}

func (rt *Runtime) emitResult(res *execution.Result) {
	if err := rt.out.writeLine(Event{
		Type:        EventResult,
		ExecutionID: res.ExecutionID,
		Result:      res,
	}); err != nil {
		log.ErrorErr(log.CatWorker, "Result emit failed", err, "execution", res.ExecutionID)
	}
}

// RegisterBehavior installs or replaces a behavior implementation.
// Tests and embedders use this to extend the built-in set.
func (rt *Runtime) RegisterBehavior(name string, fn BehaviorFunc) {
	rt.behaviors[name] = fn
}
