package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"task-dispatch-service/internal/task-dispatch/workflow"
)

// TaskRepository is the persistence boundary for tasks and their history.
// Every call is scoped by tenant.
type TaskRepository interface {
	Get(ctx context.Context, tenantID, id string) (*Task, error)
	// GetForUpdate reads the task row under a row lock. Only meaningful
	// inside WithinTransaction.
	GetForUpdate(ctx context.Context, tenantID, id string) (*Task, error)
	List(ctx context.Context, tenantID string, filter TaskFilter) ([]Task, error)
	ListActiveAssignments(ctx context.Context, tenantID, userID, excludeTaskID string) ([]Task, error)
	Create(ctx context.Context, task *Task) error
	// Save writes the task if its stored version still equals task.Version,
	// and advances the version. A lost race returns a write conflict.
	Save(ctx context.Context, task *Task) error
	AppendHistory(ctx context.Context, entry *TaskHistory) error
	ListHistory(ctx context.Context, tenantID, taskID string) ([]TaskHistory, error)
	// LockAssignee serializes assignment of work to userID until the
	// surrounding transaction ends.
	LockAssignee(ctx context.Context, tenantID, userID, taskID string) error
	GetTemplate(ctx context.Context, tenantID, id string) (*TaskTemplate, error)
	WithinTransaction(ctx context.Context, fn func(repo TaskRepository) error) error
}

type TaskFilter struct {
	States     []workflow.State
	AssignedTo string
	OrgUnitID  string
	AreaCode   string
	MissionID  string
	Limit      int
	Offset     int
}

const defaultListLimit = 100

type GormTaskRepository struct {
	DB *gorm.DB
}

func NewTaskRepository(gormDB *gorm.DB) *GormTaskRepository {
	return &GormTaskRepository{DB: gormDB}
}

func (r *GormTaskRepository) Get(ctx context.Context, tenantID, id string) (*Task, error) {
	var task Task
	err := r.DB.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&task).Error
	if err != nil {
		return nil, translateError(err, "task "+id)
	}
	return &task, nil
}

func (r *GormTaskRepository) GetForUpdate(ctx context.Context, tenantID, id string) (*Task, error) {
	var task Task
	err := r.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&task).Error
	if err != nil {
		return nil, translateError(err, "task "+id)
	}
	return &task, nil
}

func (r *GormTaskRepository) List(ctx context.Context, tenantID string, filter TaskFilter) ([]Task, error) {
	query := r.DB.WithContext(ctx).Model(&Task{}).Where("tenant_id = ?", tenantID)
	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}
	if filter.AssignedTo != "" {
		query = query.Where("assigned_to = ?", filter.AssignedTo)
	}
	if filter.OrgUnitID != "" {
		query = query.Where("org_unit_id = ?", filter.OrgUnitID)
	}
	if filter.AreaCode != "" {
		query = query.Where("area_code = ?", filter.AreaCode)
	}
	if filter.MissionID != "" {
		query = query.Where("mission_id = ?", filter.MissionID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var tasks []Task
	err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&tasks).Error
	if err != nil {
		return nil, translateError(err, "list tasks")
	}
	return tasks, nil
}

func (r *GormTaskRepository) ListActiveAssignments(ctx context.Context, tenantID, userID, excludeTaskID string) ([]Task, error) {
	query := r.DB.WithContext(ctx).
		Where("tenant_id = ? AND assigned_to = ? AND state IN ?", tenantID, userID, workflow.ActiveAssignmentStrings())
	if excludeTaskID != "" {
		query = query.Where("id <> ?", excludeTaskID)
	}
	var tasks []Task
	if err := query.Order("id").Find(&tasks).Error; err != nil {
		return nil, translateError(err, "list assignments of "+userID)
	}
	return tasks, nil
}

func (r *GormTaskRepository) Create(ctx context.Context, task *Task) error {
	if task.Version == 0 {
		task.Version = 1
	}
	return translateError(r.DB.WithContext(ctx).Create(task).Error, "create task")
}

func (r *GormTaskRepository) Save(ctx context.Context, task *Task) error {
	expected := task.Version
	task.Version = expected + 1
	res := r.DB.WithContext(ctx).Model(task).
		Where("tenant_id = ? AND version = ?", task.TenantID, expected).
		Select("*").Omit("created_at").
		Updates(task)
	if res.Error != nil {
		task.Version = expected
		return translateError(res.Error, "task "+task.ID)
	}
	if res.RowsAffected == 0 {
		task.Version = expected
		return translateError(errStaleVersion, "task "+task.ID)
	}
	return nil
}

func (r *GormTaskRepository) AppendHistory(ctx context.Context, entry *TaskHistory) error {
	return translateError(r.DB.WithContext(ctx).Create(entry).Error, "append history")
}

func (r *GormTaskRepository) ListHistory(ctx context.Context, tenantID, taskID string) ([]TaskHistory, error) {
	var entries []TaskHistory
	err := r.DB.WithContext(ctx).
		Where("tenant_id = ? AND task_id = ?", tenantID, taskID).
		Order("created_at ASC").Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, translateError(err, "list history")
	}
	return entries, nil
}

func (r *GormTaskRepository) LockAssignee(ctx context.Context, tenantID, userID, taskID string) error {
	tx := r.DB.WithContext(ctx)
	lock := AssigneeLock{TenantID: tenantID, UserID: userID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock).Error; err != nil {
		return translateError(err, "assignee lock "+userID)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		First(&lock).Error; err != nil {
		return translateError(err, "assignee lock "+userID)
	}
	// The write makes concurrent holders collide even on engines that
	// ignore FOR UPDATE.
	err := tx.Model(&AssigneeLock{}).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		Updates(map[string]interface{}{
			"version":      gorm.Expr("version + 1"),
			"last_task_id": taskID,
			"updated_at":   time.Now().UTC(),
		}).Error
	return translateError(err, "assignee lock "+userID)
}

func (r *GormTaskRepository) GetTemplate(ctx context.Context, tenantID, id string) (*TaskTemplate, error) {
	var tmpl TaskTemplate
	err := r.DB.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&tmpl).Error
	if err != nil {
		return nil, translateError(err, "task template "+id)
	}
	return &tmpl, nil
}

func (r *GormTaskRepository) CreateTemplate(ctx context.Context, tmpl *TaskTemplate) error {
	return translateError(r.DB.WithContext(ctx).Create(tmpl).Error, "create task template")
}

func (r *GormTaskRepository) ListTemplates(ctx context.Context, tenantID string) ([]TaskTemplate, error) {
	var templates []TaskTemplate
	if err := r.DB.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("name").Find(&templates).Error; err != nil {
		return nil, translateError(err, "list task templates")
	}
	return templates, nil
}

// ListDueForAutoDispatch is a cross-tenant sweep query for tasks that opted
// into automatic dispatch and start before horizon.
func (r *GormTaskRepository) ListDueForAutoDispatch(ctx context.Context, horizon time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var tasks []Task
	err := r.DB.WithContext(ctx).
		Where("auto_dispatch = ? AND assigned_to IS NULL", true).
		Where("(state = ? OR (state = ? AND requires_approval = ?))", workflow.StateApproved, workflow.StateDraft, false).
		Where("planned_start_at IS NOT NULL AND planned_start_at <= ?", horizon).
		Order("planned_start_at").Order("id").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, translateError(err, "list due tasks")
	}
	return tasks, nil
}

func (r *GormTaskRepository) WithinTransaction(ctx context.Context, fn func(repo TaskRepository) error) error {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormTaskRepository{DB: tx})
	})
	return translateError(err, "transaction")
}
