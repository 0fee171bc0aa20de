package domain

import (
	"sync"
	"time"
)

// EventSourceStatus is the SSE connection state exposed on /healthz.
type EventSourceStatus string

const (
	EventSourceNotStarted   EventSourceStatus = "not_started"
	EventSourceConnected    EventSourceStatus = "connected"
	EventSourceDisconnected EventSourceStatus = "disconnected"
)

// HealthState is the only process-wide mutable state. The SSE listener
// writes the eventsource fields, the main loop writes the poll timestamp,
// and the health handler only reads. A mutex keeps the snapshot
// consistent for readers.
type HealthState struct {
	mu sync.RWMutex

	lastSuccessfulPoll time.Time

	sseStatus         EventSourceStatus
	sseConnectedSince time.Time
	sseLastEventAt    time.Time
	sseReconnectCount int
	sseLastError      string
}

// NewHealthState returns a health state with the eventsource not started.
func NewHealthState() *HealthState {
	return &HealthState{sseStatus: EventSourceNotStarted}
}

// RecordPollSuccess stamps the last successful poll time.
func (h *HealthState) RecordPollSuccess(at time.Time) {
	h.mu.Lock()
	h.lastSuccessfulPoll = at
	h.mu.Unlock()
}

// RecordSSEConnected marks the eventsource as connected.
func (h *HealthState) RecordSSEConnected(at time.Time) {
	h.mu.Lock()
	h.sseStatus = EventSourceConnected
	h.sseConnectedSince = at
	h.sseLastError = ""
	h.mu.Unlock()
}

// RecordSSEEvent stamps the last event arrival.
func (h *HealthState) RecordSSEEvent(at time.Time) {
	h.mu.Lock()
	h.sseLastEventAt = at
	h.mu.Unlock()
}

// RecordSSEDisconnected marks the eventsource as disconnected and counts
// the reconnect attempt.
func (h *HealthState) RecordSSEDisconnected(err error) {
	h.mu.Lock()
	h.sseStatus = EventSourceDisconnected
	h.sseReconnectCount++
	if err != nil {
		h.sseLastError = err.Error()
	}
	h.mu.Unlock()
}

// HealthSnapshot is a consistent read of the health state.
type HealthSnapshot struct {
	LastSuccessfulPoll time.Time
	SSEStatus          EventSourceStatus
	SSEConnectedSince  time.Time
	SSELastEventAt     time.Time
	SSEReconnectCount  int
	SSELastError       string
}

// Snapshot returns a copy of all fields.
func (h *HealthState) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		LastSuccessfulPoll: h.lastSuccessfulPoll,
		SSEStatus:          h.sseStatus,
		SSEConnectedSince:  h.sseConnectedSince,
		SSELastEventAt:     h.sseLastEventAt,
		SSEReconnectCount:  h.sseReconnectCount,
		SSELastError:       h.sseLastError,
	}
}
