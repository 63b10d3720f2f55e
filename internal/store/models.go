package store

import (
	"encoding/json"

	"github.com/bifrost-run/bifrost/internal/execution"
)

// ExecutionModel represents the database row for the executions table.
// Fields map directly to SQL columns; time values are Unix milliseconds.
type ExecutionModel struct {
	ID       string
	Kind     string
	TargetID string
	TenantID string
	UserID   string
	Status   string

	StartedAt  *int64 // Unix millis, nullable
	FinishedAt *int64 // Unix millis, nullable

	Result       *string // nullable, JSON encoded
	ErrorKind    *string // nullable
	ErrorMessage *string // nullable
	LogsRef      *string // nullable

	DurationMS      int64
	PeakMemoryBytes int64
	Integrations    *string // nullable, JSON encoded

	CreatedAt int64 // Unix millis
	UpdatedAt int64 // Unix millis
}

// toExecutionModel converts a domain Record to a database ExecutionModel.
func toExecutionModel(r *execution.Record) *ExecutionModel {
	m := &ExecutionModel{
		ID:              string(r.ID),
		Kind:            string(r.Kind),
		TargetID:        r.TargetID,
		TenantID:        r.TenantID,
		UserID:          r.UserID,
		Status:          string(r.Status),
		DurationMS:      r.Usage.DurationMS,
		PeakMemoryBytes: r.Usage.PeakMemoryBytes,
	}
	if r.StartedAt != 0 {
		startedAt := r.StartedAt
		m.StartedAt = &startedAt
	}
	if r.FinishedAt != 0 {
		finishedAt := r.FinishedAt
		m.FinishedAt = &finishedAt
	}
	if len(r.Result) > 0 {
		result := string(r.Result)
		m.Result = &result
	}
	if r.ErrorKind != "" {
		errorKind := string(r.ErrorKind)
		m.ErrorKind = &errorKind
	}
	if r.ErrorMessage != "" {
		errorMessage := r.ErrorMessage
		m.ErrorMessage = &errorMessage
	}
	if r.LogsRef != "" {
		logsRef := r.LogsRef
		m.LogsRef = &logsRef
	}
	if len(r.Usage.Integrations) > 0 {
		integrationsJSON, err := json.Marshal(r.Usage.Integrations)
		if err == nil {
			integrations := string(integrationsJSON)
			m.Integrations = &integrations
		}
	}
	return m
}

// toDomain converts a database ExecutionModel to a domain Record.
func (m *ExecutionModel) toDomain() *execution.Record {
	r := &execution.Record{
		ID:       execution.ID(m.ID),
		Kind:     execution.Kind(m.Kind),
		TargetID: m.TargetID,
		TenantID: m.TenantID,
		UserID:   m.UserID,
		Status:   execution.Status(m.Status),
		Usage: execution.ResourceUsage{
			DurationMS:      m.DurationMS,
			PeakMemoryBytes: m.PeakMemoryBytes,
		},
	}
	if m.StartedAt != nil {
		r.StartedAt = *m.StartedAt
	}
	if m.FinishedAt != nil {
		r.FinishedAt = *m.FinishedAt
	}
	if m.Result != nil {
		r.Result = json.RawMessage(*m.Result)
	}
	if m.ErrorKind != nil {
		r.ErrorKind = execution.ErrorKind(*m.ErrorKind)
	}
	if m.ErrorMessage != nil {
		r.ErrorMessage = *m.ErrorMessage
	}
	if m.LogsRef != nil {
		r.LogsRef = *m.LogsRef
	}
	if m.Integrations != nil {
		_ = json.Unmarshal([]byte(*m.Integrations), &r.Usage.Integrations)
	}
	return r
}
