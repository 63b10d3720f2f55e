package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bifrost-run/bifrost/internal/ephemeral"
	"github.com/bifrost-run/bifrost/internal/resolver"
)

// InProcess runs a Runtime inside the current process while presenting
// the same surface as a spawned child. The in-memory backend is
// per-process, so single-process deployments cannot hand executions to
// forked children; the pool runs its workers in-process instead. The
// JSON-lines protocol still flows over real pipes, so the wire path is
// the same one a forked child exercises.
type InProcess struct {
	pid    int
	cancel context.CancelFunc

	mu    sync.Mutex
	stdin *io.PipeWriter

	events chan Event
	done   chan struct{}

	exitMu sync.Mutex
	exit   error
}

// StartInProcess starts a worker runtime in a goroutine, wired to the
// given ephemeral store and registry. Terminate cancels the runtime's
// context, standing in for the SIGTERM handler of a real child.
func StartInProcess(store ephemeral.Store, registry *resolver.Registry) *InProcess {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	w := &InProcess{
		pid:    os.Getpid(),
		cancel: cancel,
		stdin:  inW,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	rt := NewRuntime(store, registry, inR, outW)
	go func() {
		err := rt.Run(ctx)
		w.exitMu.Lock()
		w.exit = err
		w.exitMu.Unlock()
		_ = outW.Close()
		_ = inR.Close()
	}()
	go func() {
		defer close(w.done)
		defer close(w.events)
		scanner := bufio.NewScanner(outR)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			ev, err := ParseEvent(scanner.Bytes())
			if err != nil {
				continue
			}
			ev.Timestamp = time.Now()
			w.events <- ev
		}
	}()
	return w
}

// PID reports the current process, which keeps liveness probes happy.
func (w *InProcess) PID() int { return w.pid }

// Send writes one command onto the runtime's stdin pipe.
func (w *InProcess) Send(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.stdin.Write(append(data, '\n'))
	return err
}

// Events returns the runtime's event stream. Closed when the runtime exits.
func (w *InProcess) Events() <-chan Event { return w.events }

// Done is closed once the runtime has exited and its output is drained.
func (w *InProcess) Done() <-chan struct{} { return w.done }

// ExitErr returns the runtime's exit error, if any.
func (w *InProcess) ExitErr() error {
	w.exitMu.Lock()
	defer w.exitMu.Unlock()
	return w.exit
}

// Terminate cancels the runtime, aborting any in-flight execution.
func (w *InProcess) Terminate() error {
	w.cancel()
	return nil
}

// Kill cancels the runtime and closes its stdin.
func (w *InProcess) Kill() error {
	w.cancel()
	_ = w.stdin.Close()
	return nil
}

// StderrLines is always nil; an in-process runtime has no separate stderr.
func (w *InProcess) StderrLines() []string { return nil }
