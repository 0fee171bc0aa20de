// Package metrics defines the Collector interface for recording triage
// metrics, with a Prometheus implementation and a no-op fallback.
package metrics

// Collector records what the triage loop does. Implementations must be
// safe for concurrent use.
type Collector interface {
	// CycleCompleted records one finished triage cycle.
	CycleCompleted(trigger string, success bool, durationSeconds float64)

	// MessagesSwept counts messages moved out of the screening mailbox.
	MessagesSwept(count int)

	// SenderProcessed counts per-sender pipeline outcomes: created,
	// existing, already_grouped, or error.
	SenderProcessed(outcome string)

	// ConflictDetected counts messages flagged for matching more than one
	// action label.
	ConflictDetected(count int)

	// StreamReconnected counts push stream disconnects.
	StreamReconnected()
}
