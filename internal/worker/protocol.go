// Package worker implements both sides of the worker boundary: the
// parent-side Process wrapper that the pool manager supervises, and the
// child-side Runtime that executes targets. The two halves speak a
// JSON-lines protocol over stdin/stdout.
package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bifrost-run/bifrost/internal/execution"
)

// CommandType enumerates parent-to-child commands.
type CommandType string

const (
	// CommandRun assigns an execution. The child reads the staged
	// context from the ephemeral store by ID.
	CommandRun CommandType = "run"

	// CommandTerminate asks the child to stop the current execution and
	// exit cleanly.
	CommandTerminate CommandType = "terminate"
)

// Command is one parent-to-child stdin line.
type Command struct {
	Type        CommandType  `json:"type"`
	ExecutionID execution.ID `json:"execution_id,omitempty"`
}

// EventType enumerates child-to-parent events.
type EventType string

const (
	// EventReady is emitted once at startup, before any command is
	// accepted.
	EventReady EventType = "ready"

	// EventProgress carries an intermediate progress payload. The
	// parent forwards it to the progress publisher.
	EventProgress EventType = "progress"

	// EventResult carries the terminal outcome of the current
	// execution. Exactly one per run command, absent a crash.
	EventResult EventType = "result"
)

// Event is one child-to-parent stdout line.
type Event struct {
	Type        EventType    `json:"type"`
	ExecutionID execution.ID `json:"execution_id,omitempty"`

	// PID is set on ready events.
	PID int `json:"pid,omitempty"`

	// Kind and Payload are set on progress events.
	Kind    execution.ProgressKind `json:"kind,omitempty"`
	Payload json.RawMessage        `json:"payload,omitempty"`

	// Result is set on result events.
	Result *execution.Result `json:"result,omitempty"`

	// Raw is the original line; Timestamp is when the parent read it.
	// Neither crosses the wire.
	Raw       []byte    `json:"-"`
	Timestamp time.Time `json:"-"`
}

// ParseEvent parses a single stdout line into an Event.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("parsing worker event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("worker event missing type")
	}
	return ev, nil
}

// lineWriter serializes JSON-line writes from concurrent goroutines.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

// writeLine marshals v and writes it as a single newline-terminated line.
func (lw *lineWriter) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding line: %w", err)
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	return nil
}
