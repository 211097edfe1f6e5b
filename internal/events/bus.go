// Package events fans job progress out to realtime subscribers.
package events

import (
	"fmt"
	"time"
)

// Event phases composing the event name as "{kind}_{phase}".
const (
	PhaseStarted  = "started"
	PhaseProgress = "progress"
	PhaseDone     = "done"
	PhaseFailed   = "failed"
)

// EventConnected greets a fresh realtime subscriber.
const EventConnected = "connected"

// JobEvent is the wire payload published on a tenant's job topic. Event is
// "{kind}_{phase}" (for example "parse_done") or "connected".
type JobEvent struct {
	Event      string    `json:"event"`
	JobID      int64     `json:"job_id,omitempty"`
	DocumentID int64     `json:"document_id,omitempty"`
	TenantID   string    `json:"tenant_id"`
	Kind       string    `json:"kind,omitempty"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	TS         time.Time `json:"ts"`
}

// EventName composes the event field for a job phase.
func EventName(kind, phase string) string {
	return kind + "_" + phase
}

// Bus is a tenant-scoped publish/subscribe fabric. Delivery is best effort:
// Publish never blocks job progress and never returns an error. Failed or
// dropped publishes are counted instead.
type Bus interface {
	// Publish sends ev on the tenant's topic.
	Publish(tenantID string, ev JobEvent)
	// Subscribe returns a channel of the tenant's events plus a cancel
	// function. The channel closes after cancel.
	Subscribe(tenantID string) (<-chan JobEvent, func(), error)
	// Dropped reports how many events failed to deliver since start.
	Dropped() uint64
	// Healthy reports whether the bus backend is reachable.
	Healthy() bool
}

// Topic returns the channel name for a tenant's job events.
func Topic(tenantID string) string {
	return fmt.Sprintf("%s.jobs", tenantID)
}
