package db

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"task-dispatch-service/internal/task-dispatch/workflow"
)

// NewID returns a lexically sortable ULID string.
func NewID() string {
	return ulid.Make().String()
}

type DispatchMode string

const (
	DispatchModeManual DispatchMode = "MANUAL"
	DispatchModeAuto   DispatchMode = "AUTO"
)

func (m DispatchMode) Valid() bool {
	return m == DispatchModeManual || m == DispatchModeAuto
}

// ChecklistItem is one step of the ordered field checklist.
type ChecklistItem struct {
	Key      string `json:"key"`
	Title    string `json:"title"`
	Required bool   `json:"required,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

type Attachment struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	MediaType string `json:"media_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

type Comment struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of field work. Rows are never deleted; they end in a
// terminal state instead.
type Task struct {
	ID         string  `json:"id" gorm:"primaryKey;size:26"`
	TenantID   string  `json:"tenant_id" gorm:"size:64;not null;index:idx_tasks_tenant_state,priority:1;index:idx_tasks_tenant_assignee,priority:1"`
	TaskTypeID string  `json:"task_type_id" gorm:"size:64;not null"`
	TemplateID *string `json:"template_id,omitempty" gorm:"size:26"`
	MissionID  *string `json:"mission_id,omitempty" gorm:"size:64"`

	State            workflow.State `json:"state" gorm:"type:varchar(32);not null;index:idx_tasks_tenant_state,priority:2"`
	RequiresApproval bool           `json:"requires_approval"`
	Priority         int            `json:"priority" gorm:"not null"`
	RiskLevel        int            `json:"risk_level" gorm:"not null"`

	OrgUnitID   *string        `json:"org_unit_id,omitempty" gorm:"size:64"`
	ProjectCode *string        `json:"project_code,omitempty" gorm:"size:64"`
	AreaCode    *string        `json:"area_code,omitempty" gorm:"size:64"`
	AreaGeom    datatypes.JSON `json:"area_geom,omitempty"` // GeoJSON geometry

	PlannedStartAt *time.Time `json:"planned_start_at,omitempty" gorm:"index"`
	PlannedEndAt   *time.Time `json:"planned_end_at,omitempty"`

	AssignedTo   *string       `json:"assigned_to,omitempty" gorm:"size:64;index:idx_tasks_tenant_assignee,priority:2"`
	DispatchMode *DispatchMode `json:"dispatch_mode,omitempty" gorm:"type:varchar(16)"`
	DispatchedBy *string       `json:"dispatched_by,omitempty" gorm:"size:64"`
	DispatchedAt *time.Time    `json:"dispatched_at,omitempty"`
	AutoDispatch bool          `json:"auto_dispatch" gorm:"index"`

	Checklist          datatypes.JSONSlice[ChecklistItem] `json:"checklist"`
	Attachments        datatypes.JSONSlice[Attachment]    `json:"attachments"`
	RouteTemplate      datatypes.JSONMap                  `json:"route_template,omitempty"`
	PayloadTemplate    datatypes.JSONMap                  `json:"payload_template,omitempty"`
	ComplianceSnapshot datatypes.JSONMap                  `json:"compliance_snapshot,omitempty"`
	Comments           datatypes.JSONSlice[Comment]       `json:"comments"`
	// ContextData only carries unstructured caller metadata.
	ContextData datatypes.JSONMap `json:"context_data,omitempty"`

	Version int `json:"version" gorm:"not null;default:1"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CanceledAt *time.Time `json:"canceled_at,omitempty"`
}

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	return nil
}

// BeforeSave keeps JSON slice columns non-NULL so they always scan back.
func (t *Task) BeforeSave(tx *gorm.DB) error {
	if t.Checklist == nil {
		t.Checklist = datatypes.JSONSlice[ChecklistItem]{}
	}
	if t.Attachments == nil {
		t.Attachments = datatypes.JSONSlice[Attachment]{}
	}
	if t.Comments == nil {
		t.Comments = datatypes.JSONSlice[Comment]{}
	}
	return nil
}

func (t *Task) HasWindow() bool {
	return t.PlannedStartAt != nil && t.PlannedEndAt != nil
}

func (t *Task) Assignee() string {
	if t.AssignedTo == nil {
		return ""
	}
	return *t.AssignedTo
}

var ErrHistoryImmutable = errors.New("task history entries are immutable")

// TaskHistory is an append-only audit entry. Updates and deletes through the
// model are refused.
type TaskHistory struct {
	ID        string            `json:"id" gorm:"primaryKey;size:26"`
	TenantID  string            `json:"tenant_id" gorm:"size:64;not null;index:idx_history_task,priority:1"`
	TaskID    string            `json:"task_id" gorm:"size:26;not null;index:idx_history_task,priority:2"`
	Action    string            `json:"action" gorm:"size:32;not null"`
	FromState *workflow.State   `json:"from_state,omitempty" gorm:"type:varchar(32)"`
	ToState   *workflow.State   `json:"to_state,omitempty" gorm:"type:varchar(32)"`
	ActorID   *string           `json:"actor_id,omitempty" gorm:"size:64"`
	Note      *string           `json:"note,omitempty" gorm:"type:text"`
	Detail    datatypes.JSONMap `json:"detail"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null;index:idx_history_task,priority:3"`
}

func (TaskHistory) TableName() string { return "task_history" }

func (h *TaskHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = NewID()
	}
	return nil
}

func (h *TaskHistory) BeforeUpdate(tx *gorm.DB) error { return ErrHistoryImmutable }
func (h *TaskHistory) BeforeDelete(tx *gorm.DB) error { return ErrHistoryImmutable }

// TaskTemplate carries tenant defaults copied into tasks at creation.
type TaskTemplate struct {
	ID               string                             `json:"id" gorm:"primaryKey;size:26"`
	TenantID         string                             `json:"tenant_id" gorm:"size:64;not null;uniqueIndex:idx_template_tenant_name,priority:1"`
	Name             string                             `json:"name" gorm:"size:128;not null;uniqueIndex:idx_template_tenant_name,priority:2"`
	Description      string                             `json:"description"`
	TaskTypeID       string                             `json:"task_type_id" gorm:"size:64"`
	RequiresApproval bool                               `json:"requires_approval"`
	DefaultPriority  int                                `json:"default_priority"`
	DefaultRiskLevel int                                `json:"default_risk_level"`
	Checklist        datatypes.JSONSlice[ChecklistItem] `json:"checklist"`
	RouteTemplate    datatypes.JSONMap                  `json:"route_template,omitempty"`
	PayloadTemplate  datatypes.JSONMap                  `json:"payload_template,omitempty"`
	ContextSchema    string                             `json:"context_schema,omitempty" gorm:"type:text"` // JSON schema for Task.ContextData
	CreatedAt        time.Time                          `json:"created_at"`
	UpdatedAt        time.Time                          `json:"updated_at"`
}

func (t *TaskTemplate) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	return nil
}

func (t *TaskTemplate) BeforeSave(tx *gorm.DB) error {
	if t.Checklist == nil {
		t.Checklist = datatypes.JSONSlice[ChecklistItem]{}
	}
	return nil
}

// AssigneeLock is the per-operator serialization row. Every dispatch to a
// user locks and bumps this row inside its transaction.
type AssigneeLock struct {
	TenantID   string    `gorm:"primaryKey;size:64"`
	UserID     string    `gorm:"primaryKey;size:64"`
	Version    int64     `gorm:"not null;default:0"`
	LastTaskID string    `gorm:"size:26"`
	UpdatedAt  time.Time
}

// Models lists the tables owned by the dispatch core, in migration order.
func Models() []interface{} {
	return []interface{}{&Task{}, &TaskHistory{}, &TaskTemplate{}, &AssigneeLock{}}
}
