package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/bifrost-run/bifrost/internal/log"
)

// Process is the parent-side handle on a spawned worker child. It owns
// the child's pipes, parses stdout into typed events, and exposes the
// signals the pool manager needs: SIGTERM for graceful termination,
// SIGKILL for escalation.
type Process struct {
	cmd    *exec.Cmd
	stdin  *lineWriter
	stdout io.ReadCloser
	stderr io.ReadCloser

	events chan Event
	errors chan error
	done   chan struct{}

	mu          sync.RWMutex
	exitErr     error
	stderrLines []string
	readers     sync.WaitGroup
	wg          sync.WaitGroup
}

// Spawn starts a worker child from the given argv and wires its pipes.
// The returned Process is already reading the child's output.
func Spawn(argv []string, env []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker: empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // G204: argv comes from operator config
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  newLineWriter(stdin),
		stdout: stdout,
		stderr: stderr,
		events: make(chan Event, 100),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
	}

	p.readers.Add(2)
	p.wg.Add(3)
	go p.parseOutput()
	go p.parseStderr()
	go p.waitForExit()

	log.Debug(log.CatPool, "Spawned worker process", "pid", cmd.Process.Pid)
	return p, nil
}

// Send writes one command to the child's stdin.
func (p *Process) Send(cmd Command) error {
	return p.stdin.writeLine(cmd)
}

// Events returns the channel of parsed child events.
// The channel is closed when the child's stdout closes.
func (p *Process) Events() <-chan Event {
	return p.events
}

// Errors returns the channel of process errors.
// Non-blocking; errors are dropped if the channel is full.
func (p *Process) Errors() <-chan error {
	return p.errors
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the child's exit error, valid after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// PID returns the OS process ID, or -1 if unavailable.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Terminate sends SIGTERM, asking the child to finish up and exit.
func (p *Process) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL. No cleanup happens in the child.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait blocks until all reader goroutines complete and the child is
// reaped.
func (p *Process) Wait() error {
	p.wg.Wait()
	return p.ExitErr()
}

// StderrLines returns captured stderr lines. Thread-safe.
func (p *Process) StderrLines() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]string, len(p.stderrLines))
	copy(result, p.stderrLines)
	return result
}

func (p *Process) sendError(err error) {
	select {
	case p.errors <- err:
	default:
		log.Debug(log.CatPool, "error channel full, dropping error", "error", err)
	}
}

// parseOutput reads stdout and parses JSON-line events.
func (p *Process) parseOutput() {
	defer p.wg.Done()
	defer p.readers.Done()
	defer close(p.events)

	scanner := bufio.NewScanner(p.stdout)
	// Increase buffer size for large outputs (64KB initial, 1MB max)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		event, err := ParseEvent(line)
		if err != nil {
			log.Debug(log.CatPool, "parse error", "error", err, "line", string(line))
			continue
		}

		event.Raw = make([]byte, len(line))
		copy(event.Raw, line)
		event.Timestamp = time.Now()

		p.events <- event
	}

	if err := scanner.Err(); err != nil {
		log.Debug(log.CatPool, "scanner error", "error", err)
		p.sendError(fmt.Errorf("stdout scanner error: %w", err))
	}
}

// parseStderr reads and captures stderr output for crash diagnostics.
func (p *Process) parseStderr() {
	defer p.wg.Done()
	defer p.readers.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatWorker, "STDERR", "pid", p.PID(), "line", line)

		p.mu.Lock()
		p.stderrLines = append(p.stderrLines, line)
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatWorker, "stderr scanner error", "error", err)
	}
}

// waitForExit reaps the child and records its exit error. The pipes
// must be fully drained before Wait, so the reader goroutines finish
// first; that also makes closing the errors channel here safe.
func (p *Process) waitForExit() {
	defer p.wg.Done()
	defer close(p.done)
	defer close(p.errors)

	p.readers.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	if err != nil {
		log.Debug(log.CatPool, "worker exited with error", "pid", p.PID(), "error", err)
	}
}
