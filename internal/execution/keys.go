package execution

import "fmt"

// Well-known ephemeral store keys and channels. Every key is owned by
// exactly one writer at a time; see the ownership notes on each helper.

// CancelChannel is the pub/sub topic for CancelRequest messages.
const CancelChannel = "cancel"

// PendingKey holds the staged Request. Written by the submitter, read
// and consumed by the dispatcher, expires on TTL.
func PendingKey(id ID) string { return fmt.Sprintf("pending:%s", id) }

// ContextKey holds the worker-facing Context. Written by the dispatcher,
// read by the worker, deleted by the result path.
func ContextKey(id ID) string { return fmt.Sprintf("exec:%s:context", id) }

// ResultKey is the rendezvous list for synchronous waiters. Pushed by the
// result path, popped by WaitForResult.
func ResultKey(id ID) string { return fmt.Sprintf("result:%s", id) }

// PoolKey holds a pool manager's heartbeat registration.
func PoolKey(workerID string) string { return fmt.Sprintf("pool:%s", workerID) }

// ProgressChannel is the per-execution progress topic.
func ProgressChannel(id ID) string { return fmt.Sprintf("progress:%s", id) }

// TenantProgressChannel is the optional per-tenant progress topic.
func TenantProgressChannel(tenantID string) string {
	return fmt.Sprintf("progress:tenant:%s", tenantID)
}

// LogsKey buffers log progress events until the result path flushes them
// to the log sink.
func LogsKey(id ID) string { return fmt.Sprintf("logs:%s", id) }

// QuotaKey counts a tenant's in-flight submissions.
func QuotaKey(tenantID string) string { return fmt.Sprintf("quota:%s", tenantID) }
