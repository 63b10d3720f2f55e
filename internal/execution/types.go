// Package execution defines the data model shared by the submission API,
// dispatcher, process pool, workers, and result path: requests, records,
// the status state machine, and the error taxonomy.
package execution

import (
	"encoding/json"
	"time"
)

// ID is an opaque, globally unique execution identifier.
type ID string

func (id ID) String() string { return string(id) }

// IsValid returns true if the ID is non-empty.
func (id ID) IsValid() bool { return id != "" }

// Kind identifies the category of user-authored target being executed.
type Kind string

const (
	KindWorkflow     Kind = "workflow"
	KindTool         Kind = "tool"
	KindDataProvider Kind = "data_provider"
	KindInlineCode   Kind = "inline_code"
)

// Valid reports whether k is a known execution kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWorkflow, KindTool, KindDataProvider, KindInlineCode:
		return true
	}
	return false
}

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusRunning             Status = "RUNNING"
	StatusSuccess             Status = "SUCCESS"
	StatusFailed              Status = "FAILED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusTimeout             Status = "TIMEOUT"
	StatusCancelled           Status = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal states are
// write-once: a record never transitions away from them.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCompletedWithErrors, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status state machine permits
// moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// ErrorKind classifies execution failures independent of their message.
type ErrorKind string

const (
	ErrorInvalidRequest ErrorKind = "INVALID_REQUEST"
	ErrorInvalidParams  ErrorKind = "INVALID_PARAMS"
	ErrorTargetNotFound ErrorKind = "TARGET_NOT_FOUND"
	ErrorPoolSaturated  ErrorKind = "POOL_SATURATED"
	ErrorWorkerCrashed  ErrorKind = "WORKER_CRASHED"
	ErrorTimeout        ErrorKind = "TIMEOUT"
	ErrorCancelled      ErrorKind = "CANCELLED"
	ErrorUserError      ErrorKind = "USER_ERROR"
	ErrorUnavailable    ErrorKind = "UNAVAILABLE"
)

// Caller identifies who requested an execution.
type Caller struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	OrgID    string `json:"org_id,omitempty"`
}

// Request is a staged execution request. It lives in the ephemeral store
// under pending:{id} until the dispatcher picks it up.
type Request struct {
	ID         ID                `json:"id"`
	Kind       Kind              `json:"kind"`
	Target     string            `json:"target"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Caller     Caller            `json:"caller"`
	Config     map[string]string `json:"config,omitempty"`

	// TimeoutSeconds overrides the target's timeout when set. Nil means
	// "use the target's or the platform default"; an explicit zero is
	// rejected at submission.
	TimeoutSeconds *int      `json:"timeout_seconds,omitempty"`
	Sync           bool      `json:"sync,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	EnqueuedAtNano int64     `json:"enqueued_at_nano"`
}

// QueueMessage is the minimal hand-off pushed onto the durable queue.
// Everything else travels through the ephemeral store.
type QueueMessage struct {
	ID   ID   `json:"id"`
	Kind Kind `json:"kind"`
}

// Context is the worker-facing view of an execution, written by the
// dispatcher to exec:{id}:context and read by the worker child.
// Parameters are already coerced against the target's schema.
type Context struct {
	ID             ID                `json:"id"`
	Kind           Kind              `json:"kind"`
	Target         string            `json:"target"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	Caller         Caller            `json:"caller"`
	Config         map[string]string `json:"config,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Sync           bool              `json:"sync,omitempty"`
}

// ResourceUsage captures what an execution consumed.
type ResourceUsage struct {
	DurationMS      int64    `json:"duration_ms"`
	PeakMemoryBytes int64    `json:"peak_memory_bytes,omitempty"`
	Integrations    []string `json:"integrations,omitempty"`
}

// Record is the durable execution record. Timestamps are Unix
// milliseconds; zero means unset.
type Record struct {
	ID           ID              `json:"id"`
	Kind         Kind            `json:"kind"`
	TargetID     string          `json:"target_id"`
	TenantID     string          `json:"tenant_id"`
	UserID       string          `json:"user_id"`
	Status       Status          `json:"status"`
	StartedAt    int64           `json:"started_at,omitempty"`
	FinishedAt   int64           `json:"finished_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	LogsRef      string          `json:"logs_ref,omitempty"`
	Usage        ResourceUsage   `json:"resource_usage"`
}

// Result is a terminal outcome observed by the pool and handed to the
// result path. Exactly one Result is produced per execution, whether it
// came from the worker or was synthesized by the pool (timeout, cancel,
// crash).
type Result struct {
	ExecutionID  ID              `json:"execution_id"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Usage        ResourceUsage   `json:"resource_usage"`
}

// CancelRequest is published on the cancel channel by any submitter.
type CancelRequest struct {
	ExecutionID ID     `json:"execution_id"`
	Reason      string `json:"reason,omitempty"`
}

// ProgressKind classifies progress events streamed to subscribers.
type ProgressKind string

const (
	ProgressLog      ProgressKind = "log"
	ProgressState    ProgressKind = "state"
	ProgressVariable ProgressKind = "variable"
	ProgressPhase    ProgressKind = "phase"
)

// ProgressEvent is a pub/sub message on progress:{id} (and the optional
// tenant channel). Seq is monotonic per execution so late subscribers can
// detect gaps.
type ProgressEvent struct {
	ExecutionID ID              `json:"execution_id"`
	Kind        ProgressKind    `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Seq         int64           `json:"seq"`
}
