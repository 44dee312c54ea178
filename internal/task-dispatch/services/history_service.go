package services

import (
	"context"
	"time"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/internal/task-dispatch/workflow"
)

// History actions.
const (
	ActionCreated      = "created"
	ActionSubmitted    = "submitted"
	ActionApproved     = "approved"
	ActionRejected     = "rejected"
	ActionDispatched   = "dispatched"
	ActionReassigned   = "reassigned"
	ActionStateChanged = "state_changed"
	ActionCommented    = "commented"
)

type HistoryEntry struct {
	Action string
	Actor  string
	Note   string
	Detail map[string]interface{}
}

// HistoryRecorder writes the audit row for a mutation through the
// transaction's repository, so it commits or rolls back with the task.
type HistoryRecorder struct {
	now func() time.Time
}

func NewHistoryRecorder(now func() time.Time) *HistoryRecorder {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &HistoryRecorder{now: now}
}

// Record appends one entry. from is nil for the creation entry.
func (h *HistoryRecorder) Record(ctx context.Context, repo db.TaskRepository, task *db.Task, from *workflow.State, e HistoryEntry) (*db.TaskHistory, error) {
	to := task.State
	entry := &db.TaskHistory{
		TenantID:  task.TenantID,
		TaskID:    task.ID,
		Action:    e.Action,
		FromState: from,
		ToState:   &to,
		ActorID:   optional(e.Actor),
		Note:      optional(e.Note),
		Detail:    e.Detail,
		CreatedAt: h.now(),
	}
	if entry.Detail == nil {
		entry.Detail = map[string]interface{}{}
	}
	if err := repo.AppendHistory(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
