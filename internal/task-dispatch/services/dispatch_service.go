package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/internal/task-dispatch/events"
	"task-dispatch-service/internal/task-dispatch/metrics"
	"task-dispatch-service/internal/task-dispatch/scheduling"
	"task-dispatch-service/internal/task-dispatch/workflow"
	"task-dispatch-service/pkg/apperr"
	"task-dispatch-service/pkg/validation"
)

const (
	DefaultPriority  = 5
	DefaultRiskLevel = 3

	MinPriority  = 1
	MaxPriority  = 10
	MinRiskLevel = 1
	MaxRiskLevel = 5
)

// ComplianceProvider returns the airspace compliance snapshot of a mission.
// The snapshot is stored on the task verbatim.
type ComplianceProvider interface {
	Snapshot(ctx context.Context, tenantID, missionID string) (map[string]interface{}, error)
}

type Metrics interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
}

type CreateTaskInput struct {
	TaskTypeID string
	TemplateID string
	MissionID  string
	// RequiresApproval overrides the template when set.
	RequiresApproval *bool
	Priority         *int
	RiskLevel        *int
	OrgUnitID        string
	ProjectCode      string
	AreaCode         string
	AreaGeom         json.RawMessage
	PlannedStartAt   *time.Time
	PlannedEndAt     *time.Time
	Checklist        []db.ChecklistItem
	Attachments      []db.Attachment
	RouteTemplate    map[string]interface{}
	PayloadTemplate  map[string]interface{}
	ContextData      map[string]interface{}
	AutoDispatch     bool
	Note             string
}

// DispatchService owns every task mutation. Each operation validates before
// writing, commits the task and exactly one history entry in one
// transaction, and publishes one event after commit.
type DispatchService struct {
	Repo       db.TaskRepository
	Engine     *scheduling.Engine
	Directory  scheduling.CandidateDirectory
	Publisher  events.Publisher
	Compliance ComplianceProvider // optional
	Recorder   *HistoryRecorder
	Metrics    Metrics
	Log        zerolog.Logger

	schemas *validation.Cache
	locks   *KeyedMutex
	now     func() time.Time
}

func NewDispatchService(repo db.TaskRepository, engine *scheduling.Engine, directory scheduling.CandidateDirectory, publisher events.Publisher, log zerolog.Logger) *DispatchService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	now := func() time.Time { return time.Now().UTC() }
	return &DispatchService{
		Repo:      repo,
		Engine:    engine,
		Directory: directory,
		Publisher: publisher,
		Recorder:  NewHistoryRecorder(now),
		Metrics:   metrics.Nop{},
		Log:       log,
		schemas:   validation.NewCache(),
		locks:     NewKeyedMutex(),
		now:       now,
	}
}

// change describes what a mutation did, for the audit row and the event.
type change struct {
	entry HistoryEntry
	event events.Type
	score *float64
}

type applyFunc func(tx db.TaskRepository, task *db.Task) (*change, error)

// mutate runs apply against the locked task row and commits the task with
// its history entry. users are the operators the mutation assigns work to.
func (s *DispatchService) mutate(ctx context.Context, op, tenantID, taskID string, users []string, apply applyFunc) (updated *db.Task, err error) {
	started := time.Now()
	defer func() { s.observe(op, tenantID, taskID, started, err) }()

	keys := []string{taskKey(tenantID, taskID)}
	for _, u := range users {
		keys = append(keys, userKey(tenantID, u))
	}
	unlock := s.locks.LockAll(keys...)
	defer unlock()

	var (
		from workflow.State
		ch   *change
	)
	err = s.Repo.WithinTransaction(ctx, func(tx db.TaskRepository) error {
		task, err := tx.GetForUpdate(ctx, tenantID, taskID)
		if err != nil {
			return err
		}
		from = task.State
		c, err := apply(tx, task)
		if err != nil {
			return err
		}
		if err := tx.Save(ctx, task); err != nil {
			return err
		}
		prev := from
		if _, err := s.Recorder.Record(ctx, tx, task, &prev, c.entry); err != nil {
			return err
		}
		updated, ch = task, c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, ch, updated, from)
	return updated, nil
}

func (s *DispatchService) publish(ctx context.Context, ch *change, task *db.Task, from workflow.State) {
	payload := events.TaskPayload{
		TaskID:     task.ID,
		State:      task.State,
		AssignedTo: task.Assignee(),
		ActorID:    ch.entry.Actor,
		Note:       ch.entry.Note,
		Score:      ch.score,
		Version:    task.Version,
	}
	if from != "" && from != task.State {
		payload.FromState = from
	}
	if task.DispatchMode != nil {
		payload.DispatchMode = string(*task.DispatchMode)
	}
	s.Publisher.Publish(ctx, ch.event, task.TenantID, payload)
}

func (s *DispatchService) observe(op, tenantID, taskID string, started time.Time, err error) {
	outcome := outcomeOf(err)
	s.Metrics.ObserveOperation(op, outcome, time.Since(started))

	var evt *zerolog.Event
	switch outcome {
	case metrics.OutcomeOK:
		evt = s.Log.Info()
	case metrics.OutcomeError:
		evt = s.Log.Error().Err(err)
	default:
		evt = s.Log.Debug().Err(err)
	}
	evt.Str("op", op).Str("tenant_id", tenantID).Str("task_id", taskID).Str("outcome", outcome).Msg("task operation")
}

func outcomeOf(err error) string {
	if err == nil {
		return metrics.OutcomeOK
	}
	switch apperr.CodeOf(err) {
	case apperr.NotFound:
		return metrics.OutcomeNotFound
	case apperr.Conflict:
		return metrics.OutcomeConflict
	case apperr.InvalidArgument:
		return metrics.OutcomeInvalid
	case apperr.WriteConflict:
		return metrics.OutcomeWriteConflict
	default:
		return metrics.OutcomeError
	}
}

// Create builds a DRAFT task, copying template defaults for unset fields.
func (s *DispatchService) Create(ctx context.Context, tenantID, actorID string, in CreateTaskInput) (task *db.Task, err error) {
	started := time.Now()
	defer func() {
		id := ""
		if task != nil {
			id = task.ID
		}
		s.observe("create", tenantID, id, started, err)
	}()

	if tenantID == "" {
		return nil, apperr.Invalidf("tenant is required")
	}

	t := &db.Task{
		TenantID:        tenantID,
		TaskTypeID:      in.TaskTypeID,
		State:           workflow.InitialState,
		OrgUnitID:       optional(in.OrgUnitID),
		ProjectCode:     optional(in.ProjectCode),
		AreaCode:        optional(in.AreaCode),
		MissionID:       optional(in.MissionID),
		AutoDispatch:    in.AutoDispatch,
		Checklist:       in.Checklist,
		Attachments:     in.Attachments,
		RouteTemplate:   in.RouteTemplate,
		PayloadTemplate: in.PayloadTemplate,
		ContextData:     in.ContextData,
		Version:         1,
	}
	priority, risk := DefaultPriority, DefaultRiskLevel

	var tmpl *db.TaskTemplate
	if in.TemplateID != "" {
		if tmpl, err = s.Repo.GetTemplate(ctx, tenantID, in.TemplateID); err != nil {
			return nil, err
		}
		t.TemplateID = &tmpl.ID
		if t.TaskTypeID == "" {
			t.TaskTypeID = tmpl.TaskTypeID
		}
		t.RequiresApproval = tmpl.RequiresApproval
		if tmpl.DefaultPriority != 0 {
			priority = tmpl.DefaultPriority
		}
		if tmpl.DefaultRiskLevel != 0 {
			risk = tmpl.DefaultRiskLevel
		}
		if len(t.Checklist) == 0 {
			t.Checklist = append(datatypes.JSONSlice[db.ChecklistItem]{}, tmpl.Checklist...)
		}
		if t.RouteTemplate == nil {
			t.RouteTemplate = tmpl.RouteTemplate
		}
		if t.PayloadTemplate == nil {
			t.PayloadTemplate = tmpl.PayloadTemplate
		}
	}
	if in.RequiresApproval != nil {
		t.RequiresApproval = *in.RequiresApproval
	}
	if in.Priority != nil {
		priority = *in.Priority
	}
	if in.RiskLevel != nil {
		risk = *in.RiskLevel
	}
	t.Priority, t.RiskLevel = priority, risk

	if err := s.validateNewTask(ctx, t, in, tmpl); err != nil {
		return nil, err
	}

	if t.MissionID != nil && s.Compliance != nil {
		snapshot, err := s.Compliance.Snapshot(ctx, tenantID, *t.MissionID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch compliance snapshot: %w", err)
		}
		t.ComplianceSnapshot = snapshot
	}

	detail := map[string]interface{}{"task_type_id": t.TaskTypeID}
	if tmpl != nil {
		detail["template_id"] = tmpl.ID
		detail["template_name"] = tmpl.Name
	}
	entry := HistoryEntry{Action: ActionCreated, Actor: actorID, Note: in.Note, Detail: detail}
	err = s.Repo.WithinTransaction(ctx, func(tx db.TaskRepository) error {
		if err := tx.Create(ctx, t); err != nil {
			return err
		}
		_, err := s.Recorder.Record(ctx, tx, t, nil, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, &change{entry: entry, event: events.TaskCreated}, t, "")
	return t, nil
}

func (s *DispatchService) validateNewTask(ctx context.Context, t *db.Task, in CreateTaskInput, tmpl *db.TaskTemplate) error {
	if t.TaskTypeID == "" {
		return apperr.Invalidf("task_type_id is required")
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return apperr.Conflictf("priority must be between %d and %d, got %d", MinPriority, MaxPriority, t.Priority)
	}
	if t.RiskLevel < MinRiskLevel || t.RiskLevel > MaxRiskLevel {
		return apperr.Conflictf("risk_level must be between %d and %d, got %d", MinRiskLevel, MaxRiskLevel, t.RiskLevel)
	}
	if (in.PlannedStartAt == nil) != (in.PlannedEndAt == nil) {
		return apperr.Conflictf("planned_start_at and planned_end_at must both be set or both be empty")
	}
	if in.PlannedStartAt != nil {
		start, end := in.PlannedStartAt.UTC(), in.PlannedEndAt.UTC()
		if !end.After(start) {
			return apperr.Conflictf("planned_end_at must be after planned_start_at")
		}
		t.PlannedStartAt, t.PlannedEndAt = &start, &end
	}
	if len(in.AreaGeom) > 0 && string(in.AreaGeom) != "null" {
		if !json.Valid(in.AreaGeom) {
			return apperr.Invalidf("area_geom must be valid GeoJSON")
		}
		t.AreaGeom = datatypes.JSON(in.AreaGeom)
	}
	if t.OrgUnitID != nil {
		ok, err := s.Directory.OrgUnitExists(ctx, t.TenantID, *t.OrgUnitID)
		if err != nil {
			return fmt.Errorf("failed to look up org unit: %w", err)
		}
		if !ok {
			return apperr.NotFoundf("org unit %s not found", *t.OrgUnitID)
		}
	}
	if tmpl != nil && strings.TrimSpace(tmpl.ContextSchema) != "" {
		sch, err := s.schemas.Get(tmpl.ID+"@"+tmpl.UpdatedAt.Format(time.RFC3339Nano), tmpl.ContextSchema)
		if err != nil {
			return apperr.New(apperr.InvalidArgument, "template context_schema is invalid", err)
		}
		data := map[string]interface{}(t.ContextData)
		if data == nil {
			data = map[string]interface{}{}
		}
		if err := validation.ValidateValue(sch, data); err != nil {
			return apperr.New(apperr.InvalidArgument, "context_data does not match template schema", err)
		}
	}
	return nil
}

func (s *DispatchService) SubmitForApproval(ctx context.Context, tenantID, taskID, actorID, note string) (*db.Task, error) {
	return s.mutate(ctx, "submit_for_approval", tenantID, taskID, nil, func(_ db.TaskRepository, task *db.Task) (*change, error) {
		if !task.RequiresApproval {
			return nil, apperr.Conflictf("task does not require approval")
		}
		if err := workflow.CheckTransition(task.State, workflow.StateApprovalPending, task.RequiresApproval); err != nil {
			return nil, err
		}
		task.State = workflow.StateApprovalPending
		return &change{
			entry: HistoryEntry{Action: ActionSubmitted, Actor: actorID, Note: note},
			event: events.TaskSubmitted,
		}, nil
	})
}

// Approve records the approval decision: APPROVED when approved, REJECTED
// otherwise.
func (s *DispatchService) Approve(ctx context.Context, tenantID, taskID, actorID string, approved bool, note string) (*db.Task, error) {
	target, action, event := workflow.StateApproved, ActionApproved, events.TaskApproved
	if !approved {
		target, action, event = workflow.StateRejected, ActionRejected, events.TaskRejected
	}
	return s.mutate(ctx, "approve", tenantID, taskID, nil, func(_ db.TaskRepository, task *db.Task) (*change, error) {
		if task.State != workflow.StateApprovalPending {
			return nil, apperr.Conflictf("task is not awaiting approval (state %s)", task.State)
		}
		if err := workflow.CheckTransition(task.State, target, task.RequiresApproval); err != nil {
			return nil, err
		}
		task.State = target
		return &change{
			entry: HistoryEntry{Action: action, Actor: actorID, Note: note, Detail: map[string]interface{}{"approved": approved}},
			event: event,
		}, nil
	})
}

type DispatchInput struct {
	AssignedTo string
	Mode       db.DispatchMode // MANUAL when empty
	Note       string
}

// Dispatch binds the task to the given operator. Any overlap with the
// operator's active work is rejected.
func (s *DispatchService) Dispatch(ctx context.Context, tenantID, taskID, actorID string, in DispatchInput) (*db.Task, error) {
	mode := in.Mode
	if mode == "" {
		mode = db.DispatchModeManual
	}
	if !mode.Valid() {
		return nil, apperr.Invalidf("unknown dispatch mode %q", mode)
	}
	if in.AssignedTo == "" {
		return nil, apperr.Invalidf("assigned_to is required")
	}

	current, err := s.Repo.Get(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkDispatchable(current); err != nil {
		return nil, err
	}
	if err := s.requireActiveUser(ctx, tenantID, in.AssignedTo); err != nil {
		return nil, err
	}

	return s.mutate(ctx, "dispatch", tenantID, taskID, []string{in.AssignedTo}, func(tx db.TaskRepository, task *db.Task) (*change, error) {
		if err := checkDispatchable(task); err != nil {
			return nil, err
		}
		if err := s.reserve(ctx, tx, task, in.AssignedTo); err != nil {
			return nil, err
		}
		s.markDispatched(task, in.AssignedTo, mode, actorID)
		return &change{
			entry: HistoryEntry{
				Action: ActionDispatched,
				Actor:  actorID,
				Note:   in.Note,
				Detail: map[string]interface{}{"assigned_to": in.AssignedTo, "dispatch_mode": string(mode)},
			},
			event: events.TaskDispatched,
		}, nil
	})
}

// AutoDispatch ranks the candidate pool without locks, then commits the best
// conflict-free candidate after re-checking it under lock. An empty
// candidateIDs means every active user of the tenant.
func (s *DispatchService) AutoDispatch(ctx context.Context, tenantID, taskID, actorID string, candidateIDs []string, note string) (*db.Task, *scheduling.Ranking, error) {
	current, err := s.Repo.Get(ctx, tenantID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkDispatchable(current); err != nil {
		return nil, nil, err
	}

	ranking, err := s.Engine.Rank(ctx, tenantID, current, candidateIDs)
	if err != nil {
		return nil, nil, err
	}
	selected, err := ranking.Select()
	if err != nil {
		return nil, ranking, err
	}

	detail := ranking.Detail()
	detail["selected_user_id"] = selected.UserID
	score := selected.Breakdown.Total

	task, err := s.mutate(ctx, "auto_dispatch", tenantID, taskID, []string{selected.UserID}, func(tx db.TaskRepository, task *db.Task) (*change, error) {
		if err := checkDispatchable(task); err != nil {
			return nil, err
		}
		if err := s.reserve(ctx, tx, task, selected.UserID); err != nil {
			return nil, err
		}
		s.markDispatched(task, selected.UserID, db.DispatchModeAuto, actorID)
		return &change{
			entry: HistoryEntry{Action: ActionDispatched, Actor: actorID, Note: note, Detail: detail},
			event: events.TaskDispatched,
			score: &score,
		}, nil
	})
	if err != nil {
		return nil, ranking, err
	}
	return task, ranking, nil
}

// Reassign moves a DISPATCHED task to another operator under the same
// overlap rule as Dispatch.
func (s *DispatchService) Reassign(ctx context.Context, tenantID, taskID, actorID, assignTo, note string) (*db.Task, error) {
	if assignTo == "" {
		return nil, apperr.Invalidf("assigned_to is required")
	}
	current, err := s.Repo.Get(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if err := checkReassignable(current, assignTo); err != nil {
		return nil, err
	}
	if err := s.requireActiveUser(ctx, tenantID, assignTo); err != nil {
		return nil, err
	}

	return s.mutate(ctx, "reassign", tenantID, taskID, []string{assignTo}, func(tx db.TaskRepository, task *db.Task) (*change, error) {
		if err := checkReassignable(task, assignTo); err != nil {
			return nil, err
		}
		previous := task.Assignee()
		if err := s.reserve(ctx, tx, task, assignTo); err != nil {
			return nil, err
		}
		s.markDispatched(task, assignTo, db.DispatchModeManual, actorID)
		return &change{
			entry: HistoryEntry{
				Action: ActionReassigned,
				Actor:  actorID,
				Note:   note,
				Detail: map[string]interface{}{"previous_assignee": previous, "assigned_to": assignTo},
			},
			event: events.TaskReassigned,
		}, nil
	})
}

// Transition handles the lifecycle moves that need no scheduling:
// IN_PROGRESS, ACCEPTED, ARCHIVED and CANCELED.
func (s *DispatchService) Transition(ctx context.Context, tenantID, taskID, actorID string, target workflow.State, note string) (*db.Task, error) {
	if !workflow.IsValid(target) {
		return nil, apperr.Invalidf("unknown state %q", target)
	}
	return s.mutate(ctx, "transition", tenantID, taskID, nil, func(_ db.TaskRepository, task *db.Task) (*change, error) {
		if err := workflow.CheckTransition(task.State, target, task.RequiresApproval); err != nil {
			return nil, err
		}
		now := s.now()
		switch target {
		case workflow.StateInProgress:
			if task.AssignedTo == nil {
				return nil, apperr.Conflictf("task has no assignee")
			}
			task.StartedAt = &now
		case workflow.StateAccepted:
			task.AcceptedAt = &now
		case workflow.StateArchived:
			task.ArchivedAt = &now
		case workflow.StateCanceled:
			task.CanceledAt = &now
		default:
			return nil, apperr.Conflictf("transition to %s requires its dedicated operation", target)
		}
		task.State = target
		return &change{
			entry: HistoryEntry{Action: ActionStateChanged, Actor: actorID, Note: note},
			event: events.TaskStateChanged,
		}, nil
	})
}

func (s *DispatchService) AddComment(ctx context.Context, tenantID, taskID, actorID, body string) (*db.Task, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Invalidf("comment body is required")
	}
	return s.mutate(ctx, "comment", tenantID, taskID, nil, func(_ db.TaskRepository, task *db.Task) (*change, error) {
		c := db.Comment{ID: db.NewID(), AuthorID: actorID, Body: body, CreatedAt: s.now()}
		task.Comments = append(task.Comments, c)
		return &change{
			entry: HistoryEntry{Action: ActionCommented, Actor: actorID, Detail: map[string]interface{}{"comment_id": c.ID}},
			event: events.TaskCommented,
		}, nil
	})
}

// PreviewCandidates ranks the pool for a task without dispatching it.
func (s *DispatchService) PreviewCandidates(ctx context.Context, tenantID, taskID string, candidateIDs []string) (*scheduling.Ranking, error) {
	task, err := s.Repo.Get(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	return s.Engine.Rank(ctx, tenantID, task, candidateIDs)
}

func (s *DispatchService) Get(ctx context.Context, tenantID, taskID string) (*db.Task, error) {
	return s.Repo.Get(ctx, tenantID, taskID)
}

func (s *DispatchService) List(ctx context.Context, tenantID string, filter db.TaskFilter) ([]db.Task, error) {
	return s.Repo.List(ctx, tenantID, filter)
}

func (s *DispatchService) History(ctx context.Context, tenantID, taskID string) ([]db.TaskHistory, error) {
	if _, err := s.Repo.Get(ctx, tenantID, taskID); err != nil {
		return nil, err
	}
	return s.Repo.ListHistory(ctx, tenantID, taskID)
}

func checkDispatchable(task *db.Task) error {
	if task.RequiresApproval && task.State != workflow.StateApproved {
		return apperr.Conflictf("task requires approval before dispatch (state %s)", task.State)
	}
	if task.State != workflow.StateDraft && task.State != workflow.StateApproved {
		return apperr.Conflictf("task in state %s cannot be dispatched", task.State)
	}
	return workflow.CheckTransition(task.State, workflow.StateDispatched, task.RequiresApproval)
}

func checkReassignable(task *db.Task, assignTo string) error {
	if task.State != workflow.StateDispatched {
		return apperr.Conflictf("only dispatched tasks can be reassigned (state %s)", task.State)
	}
	if task.Assignee() == assignTo {
		return apperr.Conflictf("task is already assigned to %s", assignTo)
	}
	return nil
}

func (s *DispatchService) requireActiveUser(ctx context.Context, tenantID, userID string) error {
	users, err := s.Directory.ListActiveUsers(ctx, tenantID, []string{userID})
	if err != nil {
		return fmt.Errorf("failed to resolve user %s: %w", userID, err)
	}
	for _, u := range users {
		if u.ID == userID && u.IsActive {
			return nil
		}
	}
	return apperr.NotFoundf("user %s not found or inactive", userID)
}

// reserve serializes on the operator's lock row and re-counts overlaps
// inside the transaction, after any concurrent assignment has committed.
func (s *DispatchService) reserve(ctx context.Context, tx db.TaskRepository, task *db.Task, userID string) error {
	if err := tx.LockAssignee(ctx, task.TenantID, userID, task.ID); err != nil {
		return err
	}
	if !task.HasWindow() {
		return nil
	}
	active, err := tx.ListActiveAssignments(ctx, task.TenantID, userID, task.ID)
	if err != nil {
		return err
	}
	if scheduling.CountOverlaps(task, active, task.ID) > 0 {
		return apperr.Conflictf("overlapping assignment exists")
	}
	return nil
}

func (s *DispatchService) markDispatched(task *db.Task, userID string, mode db.DispatchMode, actorID string) {
	now := s.now()
	task.State = workflow.StateDispatched
	task.AssignedTo = &userID
	task.DispatchMode = &mode
	task.DispatchedBy = optional(actorID)
	task.DispatchedAt = &now
}
