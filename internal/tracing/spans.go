package tracing

// Span attribute keys. Semantic conventions for execution-engine spans.
const (
	AttrExecutionID   = "execution.id"
	AttrExecutionKind = "execution.kind"
	AttrTarget        = "target.id"
	AttrTenantID      = "tenant.id"
	AttrStatus        = "execution.status"
	AttrErrorKind     = "error.kind"
	AttrErrorMessage  = "error.message"
	AttrWorkerID      = "worker.id"
	AttrSlotPID       = "slot.pid"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixSubmit   = "submit."
	SpanPrefixDispatch = "dispatch."
	SpanPrefixResult   = "result."
)

// Event names for span events.
const (
	EventRequestValidated = "request.validated"
	EventRequestStaged    = "request.staged"
	EventMessageQueued    = "message.queued"
	EventQuotaRejected    = "quota.rejected"
	EventContextWritten   = "context.written"
	EventHandedToPool     = "pool.handoff"
	EventRequeued         = "message.requeued"
	EventRecordFinalized  = "record.finalized"
	EventLogsFlushed      = "logs.flushed"
)
