// Package events carries task lifecycle notifications to downstream
// consumers. Publishing is fire-and-forget: sinks never block or fail the
// operation that produced the event.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TaskCreated      Type = "task.created"
	TaskSubmitted    Type = "task.submitted"
	TaskApproved     Type = "task.approved"
	TaskRejected     Type = "task.rejected"
	TaskDispatched   Type = "task.dispatched"
	TaskReassigned   Type = "task.reassigned"
	TaskStateChanged Type = "task.state_changed"
	TaskCommented    Type = "task.commented"
)

// Publisher is implemented by every sink.
type Publisher interface {
	Publish(ctx context.Context, eventType Type, tenantID string, payload TaskPayload)
}

// Event is the envelope handed to sinks and subscribers.
type Event struct {
	ID         string      `json:"id"`
	Type       Type        `json:"type"`
	TenantID   string      `json:"tenant_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    TaskPayload `json:"payload"`
}

func NewEvent(eventType Type, tenantID string, payload TaskPayload) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// AsMap flattens the envelope into plain values (strings, numbers, bools and
// nested maps) for structured encoders.
func (e Event) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"id":          e.ID,
		"type":        string(e.Type),
		"tenant_id":   e.TenantID,
		"occurred_at": e.OccurredAt.Format(time.RFC3339Nano),
		"payload":     e.Payload.AsMap(),
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Type, string, TaskPayload) {}
