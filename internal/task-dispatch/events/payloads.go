package events

import (
	"time"

	"task-dispatch-service/internal/task-dispatch/workflow"
)

// TaskPayload describes the task after the operation that emitted it.
type TaskPayload struct {
	TaskID       string         `json:"task_id"`
	State        workflow.State `json:"state"`
	FromState    workflow.State `json:"from_state,omitempty"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	DispatchMode string         `json:"dispatch_mode,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Score        *float64       `json:"score,omitempty"` // auto-dispatch only
	Note         string         `json:"note,omitempty"`
	Version      int            `json:"version"`
}

func (p TaskPayload) AsMap() map[string]interface{} {
	m := map[string]interface{}{
		"task_id": p.TaskID,
		"state":   string(p.State),
		"version": p.Version,
	}
	optional := map[string]string{
		"from_state":    string(p.FromState),
		"assigned_to":   p.AssignedTo,
		"dispatch_mode": p.DispatchMode,
		"actor_id":      p.ActorID,
		"note":          p.Note,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	if p.Score != nil {
		m["score"] = *p.Score
	}
	return m
}

// StatusReport is sent by operator devices when field work progresses.
type StatusReport struct {
	TenantID   string    `json:"tenant_id"`
	TaskID     string    `json:"task_id"`
	ActorID    string    `json:"actor_id"`
	Status     string    `json:"status"`
	Note       string    `json:"note,omitempty"`
	ReportedAt time.Time `json:"reported_at"`
}
