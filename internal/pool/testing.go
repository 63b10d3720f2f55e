package pool

import (
	"encoding/json"
	"sync"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/worker"
)

// FakeProcess is an in-memory ChildProcess for pool tests. Tests feed
// events through the Emit helpers and control when the process "exits".
type FakeProcess struct {
	pid int

	mu         sync.Mutex
	commands   []worker.Command
	stderr     []string
	exitErr    error
	terminated bool
	killed     bool

	events   chan worker.Event
	done     chan struct{}
	exitOnce sync.Once

	// SendErr, when set, makes Send fail.
	SendErr error

	// ExitOnTerminate makes Terminate behave like a cooperative child
	// that exits promptly on SIGTERM.
	ExitOnTerminate bool
}

func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{
		pid:             pid,
		events:          make(chan worker.Event, 64),
		done:            make(chan struct{}),
		ExitOnTerminate: true,
	}
}

func (f *FakeProcess) PID() int { return f.pid }

func (f *FakeProcess) Send(cmd worker.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *FakeProcess) Events() <-chan worker.Event { return f.events }
func (f *FakeProcess) Done() <-chan struct{}       { return f.done }

func (f *FakeProcess) ExitErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

func (f *FakeProcess) Terminate() error {
	f.mu.Lock()
	f.terminated = true
	exitNow := f.ExitOnTerminate
	f.mu.Unlock()
	if exitNow {
		f.Exit(nil)
	}
	return nil
}

func (f *FakeProcess) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.Exit(nil)
	return nil
}

func (f *FakeProcess) StderrLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stderr...)
}

// EmitReady announces the fake worker as ready.
func (f *FakeProcess) EmitReady() {
	f.events <- worker.Event{Type: worker.EventReady, PID: f.pid}
}

// EmitProgress sends a progress event for the given execution.
func (f *FakeProcess) EmitProgress(id execution.ID, kind execution.ProgressKind, payload any) {
	data, _ := json.Marshal(payload)
	f.events <- worker.Event{Type: worker.EventProgress, ExecutionID: id, Kind: kind, Payload: data}
}

// EmitResult sends a terminal result from the fake worker.
func (f *FakeProcess) EmitResult(res *execution.Result) {
	f.events <- worker.Event{Type: worker.EventResult, ExecutionID: res.ExecutionID, Result: res}
}

// Exit simulates process death: the event stream closes, then Done.
func (f *FakeProcess) Exit(err error) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.exitErr = err
		f.mu.Unlock()
		close(f.events)
		close(f.done)
	})
}

// SetStderr seeds captured stderr lines for crash diagnostics.
func (f *FakeProcess) SetStderr(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stderr = lines
}

// Commands returns every command the manager sent so far.
func (f *FakeProcess) Commands() []worker.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.Command(nil), f.commands...)
}

// Terminated reports whether Terminate was called.
func (f *FakeProcess) Terminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// Killed reports whether Kill was called.
func (f *FakeProcess) Killed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}
