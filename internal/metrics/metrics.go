package metrics

import (
	"sync"
	"sync/atomic"
)

// invocationStats holds counters for rule invocation outcomes. Kept
// simple/thread-safe for use from the orchestrator and exposition.
type invocationStats struct {
	total    uint64
	mu       sync.Mutex
	byStatus map[string]uint64
}

var inv invocationStats

// IncInvocation increments the invocation counter for the given outcome
// status (success, partial, failed, skipped).
func IncInvocation(status string) {
	if status == "" {
		status = "unknown"
	}
	atomic.AddUint64(&inv.total, 1)
	inv.mu.Lock()
	if inv.byStatus == nil {
		inv.byStatus = make(map[string]uint64)
	}
	inv.byStatus[status]++
	inv.mu.Unlock()
}

// InvocationSnapshot returns a copy of the current counters.
func InvocationSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&inv.total)
	inv.mu.Lock()
	defer inv.mu.Unlock()
	by = make(map[string]uint64, len(inv.byStatus))
	for k, v := range inv.byStatus {
		by[k] = v
	}
	return total, by
}

var ingestedEvents uint64

// IncIngestedEvent counts trigger events accepted over the ingest endpoint.
func IncIngestedEvent() {
	atomic.AddUint64(&ingestedEvents, 1)
}

// IngestedEvents returns the current ingest count.
func IngestedEvents() uint64 {
	return atomic.LoadUint64(&ingestedEvents)
}

var webhookBreakerDrops uint64

// IncWebhookBreakerDrop counts webhook calls refused by an open circuit
// breaker.
func IncWebhookBreakerDrop() {
	atomic.AddUint64(&webhookBreakerDrops, 1)
}

// WebhookBreakerDrops returns the current drop count.
func WebhookBreakerDrops() uint64 {
	return atomic.LoadUint64(&webhookBreakerDrops)
}
