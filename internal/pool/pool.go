// Package pool implements the process-pool manager: it owns a set of
// worker child processes, assigns executions to idle slots, enforces
// per-execution timeouts with SIGTERM-then-SIGKILL escalation, applies
// cancellations, synthesizes results for workers that die mid-run, and
// advertises itself through heartbeat registrations in the ephemeral
// store.
package pool

import (
	"errors"
	"time"

	"github.com/bifrost-run/bifrost/internal/execution"
	"github.com/bifrost-run/bifrost/internal/worker"
)

// ErrSaturated is returned by Dispatch when every slot is busy and the
// pool is at its maximum size. The caller requeues with backoff.
var ErrSaturated = errors.New("pool: saturated")

// ErrClosed is returned when dispatching to a stopped pool.
var ErrClosed = errors.New("pool: closed")

// Assignment is one execution handed to the pool by the dispatcher.
type Assignment struct {
	ExecutionID execution.ID
	TenantID    string

	// Timeout overrides the pool's default execution timeout when > 0.
	Timeout time.Duration
}

// ChildProcess is the manager's view of a spawned worker. *worker.Process
// implements it; tests substitute a fake.
type ChildProcess interface {
	PID() int
	Send(worker.Command) error
	Events() <-chan worker.Event
	Done() <-chan struct{}
	ExitErr() error
	Terminate() error
	Kill() error
	StderrLines() []string
}

// Spawner creates a new worker child.
type Spawner func() (ChildProcess, error)

// SlotState is the lifecycle state of one pool slot.
type SlotState string

const (
	// SlotStarting: child spawned, ready event not yet seen.
	SlotStarting SlotState = "STARTING"
	// SlotIdle: child ready, no execution assigned.
	SlotIdle SlotState = "IDLE"
	// SlotBusy: child running an execution.
	SlotBusy SlotState = "BUSY"
	// SlotDraining: terminate requested, waiting for exit.
	SlotDraining SlotState = "DRAINING"
	// SlotKilled: SIGKILL sent, waiting for reap.
	SlotKilled SlotState = "KILLED"
)

// SlotInfo is the externally visible snapshot of one slot.
type SlotInfo struct {
	State       SlotState    `json:"state"`
	PID         int          `json:"pid"`
	ExecutionID execution.ID `json:"execution_id,omitempty"`
	Runs        int          `json:"runs"`
}

// Registration is the heartbeat document written to pool:{worker_id}.
// Consumers treat an absent registration as a dead pool.
type Registration struct {
	WorkerID      string     `json:"worker_id"`
	PID           int        `json:"pid"`
	UpdatedAt     int64      `json:"updated_at"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	RSSBytes      int64      `json:"rss_bytes,omitempty"`
	Slots         []SlotInfo `json:"slots"`
}

// ResultFunc receives each terminal result exactly once per execution:
// either the worker's own result or a synthetic TIMEOUT / CANCELLED /
// WORKER_CRASHED outcome.
type ResultFunc func(res *execution.Result)

// slot is the manager-internal slot record. Only the manager loop
// touches it.
type slot struct {
	id   int
	proc ChildProcess

	state SlotState
	runs  int

	// idleSince is set whenever the slot enters IDLE; placement prefers
	// the longest-idle slot and the cool-down pass drains stale ones.
	idleSince time.Time

	// pending holds an assignment parked on a STARTING slot, handed over
	// once the ready event arrives.
	pending *Assignment

	// current assignment, valid in BUSY / DRAINING / KILLED states.
	current         Assignment
	startedAt       time.Time
	deadline        time.Time // execution timeout
	killAt          time.Time // SIGTERM escalation deadline, zero if not draining
	resultDelivered bool      // exactly-once guard for the current execution
	recycleAfter    bool      // drain once the current execution finishes
}

func (s *slot) info() SlotInfo {
	info := SlotInfo{
		State: s.state,
		PID:   s.proc.PID(),
		Runs:  s.runs,
	}
	if s.state == SlotBusy || s.state == SlotDraining || s.state == SlotKilled {
		info.ExecutionID = s.current.ExecutionID
	}
	return info
}
