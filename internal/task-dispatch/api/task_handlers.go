package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/internal/task-dispatch/scheduling"
	"task-dispatch-service/internal/task-dispatch/services"
	"task-dispatch-service/internal/task-dispatch/workflow"
)

type CreateTaskRequest struct {
	TaskTypeID       string                 `json:"task_type_id"`
	TemplateID       string                 `json:"template_id"`
	MissionID        string                 `json:"mission_id"`
	RequiresApproval *bool                  `json:"requires_approval"`
	Priority         *int                   `json:"priority"`
	RiskLevel        *int                   `json:"risk_level"`
	OrgUnitID        string                 `json:"org_unit_id"`
	ProjectCode      string                 `json:"project_code"`
	AreaCode         string                 `json:"area_code"`
	AreaGeom         json.RawMessage        `json:"area_geom"`
	PlannedStartAt   *time.Time             `json:"planned_start_at"`
	PlannedEndAt     *time.Time             `json:"planned_end_at"`
	Checklist        []db.ChecklistItem     `json:"checklist"`
	Attachments      []db.Attachment        `json:"attachments"`
	RouteTemplate    map[string]interface{} `json:"route_template"`
	PayloadTemplate  map[string]interface{} `json:"payload_template"`
	ContextData      map[string]interface{} `json:"context_data"`
	AutoDispatch     bool                   `json:"auto_dispatch"`
	Note             string                 `json:"note"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type ApproveRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note"`
}

type DispatchRequest struct {
	AssignedTo   string `json:"assigned_to"`
	DispatchMode string `json:"dispatch_mode"`
	Note         string `json:"note"`
}

type AutoDispatchRequest struct {
	CandidateIDs []string `json:"candidate_ids"`
	Note         string   `json:"note"`
}

type TransitionRequest struct {
	State string `json:"state"`
	Note  string `json:"note"`
}

type CommentRequest struct {
	Body string `json:"body"`
}

func (h *Handler) CreateTask(ctx context.Context, c *app.RequestContext) {
	var req CreateTaskRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	in := services.CreateTaskInput{
		TaskTypeID:       req.TaskTypeID,
		TemplateID:       req.TemplateID,
		MissionID:        req.MissionID,
		RequiresApproval: req.RequiresApproval,
		Priority:         req.Priority,
		RiskLevel:        req.RiskLevel,
		OrgUnitID:        req.OrgUnitID,
		ProjectCode:      req.ProjectCode,
		AreaCode:         req.AreaCode,
		AreaGeom:         req.AreaGeom,
		PlannedStartAt:   req.PlannedStartAt,
		PlannedEndAt:     req.PlannedEndAt,
		Checklist:        req.Checklist,
		Attachments:      req.Attachments,
		RouteTemplate:    req.RouteTemplate,
		PayloadTemplate:  req.PayloadTemplate,
		ContextData:      req.ContextData,
		AutoDispatch:     req.AutoDispatch,
		Note:             req.Note,
	}
	var task *db.Task
	err := retryWrite(ctx, func() (err error) {
		task, err = h.Tasks.Create(ctx, tenantOf(c), actorOf(c), in)
		return err
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handler) ListTasks(ctx context.Context, c *app.RequestContext) {
	filter := db.TaskFilter{
		AssignedTo: c.Query("assigned_to"),
		OrgUnitID:  c.Query("org_unit_id"),
		AreaCode:   c.Query("area_code"),
		MissionID:  c.Query("mission_id"),
	}
	for _, s := range splitList(c.Query("state")) {
		filter.States = append(filter.States, workflow.State(s))
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "invalid limit", "code": "invalid_argument"})
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, utils.H{"error": "invalid offset", "code": "invalid_argument"})
			return
		}
		filter.Offset = n
	}
	tasks, err := h.Tasks.List(ctx, tenantOf(c), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *Handler) GetTask(ctx context.Context, c *app.RequestContext) {
	task, err := h.Tasks.Get(ctx, tenantOf(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) GetHistory(ctx context.Context, c *app.RequestContext) {
	entries, err := h.Tasks.History(ctx, tenantOf(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) PreviewCandidates(ctx context.Context, c *app.RequestContext) {
	ranking, err := h.Tasks.PreviewCandidates(ctx, tenantOf(c), c.Param("id"), splitList(c.Query("candidates")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ranking.Detail())
}

func (h *Handler) SubmitForApproval(ctx context.Context, c *app.RequestContext) {
	var req NoteRequest
	if len(c.Request.Body()) > 0 {
		if err := c.BindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	var task *db.Task
	err := retryWrite(ctx, func() (err error) {
		task, err = h.Tasks.SubmitForApproval(ctx, tenantOf(c), c.Param("id"), actorOf(c), req.Note)
		return err
	})
	h.respondTask(c, task, err)
}

func (h *Handler) Approve(ctx context.Context, c *app.RequestContext) {
	var req ApproveRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var task *db.Task
	err := retryWrite(ctx, func() (err error) {
		task, err = h.Tasks.Approve(ctx, tenantOf(c), c.Param("id"), actorOf(c), req.Approved, req.Note)
		return err
	})
	h.respondTask(c, task, err)
}

func (h *Handler) Dispatch(ctx context.Context, c *app.RequestContext) {
	var req DispatchRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	in := services.DispatchInput{
		AssignedTo: req.AssignedTo,
		Mode:       db.DispatchMode(req.DispatchMode),
		Note:       req.Note,
	}
	var task *db.Task
	err := retryWrite(ctx, func() (err error) {
		task, err = h.Tasks.Dispatch(ctx, tenantOf(c), c.Param("id"), actorOf(c), in)
		return err
	})
	h.respondTask(c, task, err)
}

// AutoDispatch answers with the task and the ranking it was chosen from. A
// failed selection still returns the ranking next to the error.
func (h *Handler) AutoDispatch(ctx context.Context, c *app.RequestContext) {
	var req AutoDispatchRequest
	if len(c.Request.Body()) > 0 {
		if err := c.BindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	var (
		task    *db.Task
		ranking *scheduling.Ranking
	)
	err := retryWrite(ctx, func() (err error) {
		task, ranking, err = h.Tasks.AutoDispatch(ctx, tenantOf(c), c.Param("id"), actorOf(c), req.CandidateIDs, req.Note)
		return err
	})
	if err != nil {
		var extra utils.H
		if ranking != nil {
			extra = utils.H{"ranking": ranking.Detail()}
		}
		h.writeErrorWith(c, err, extra)
		return
	}
	c.JSON(http.StatusOK, utils.H{"task": task, "ranking": ranking.Detail()})
}

func (h *Handler) Reassign(ctx context.Context, c *app.RequestContext) {
	var req DispatchRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var task *db.Task
	err := retryWrite(ctx, func() (err error) {
		task, err = h.Tasks.Reassign(ctx, tenantOf(c), c.Param("id"), actorOf(c), req.AssignedTo, req.Note)
		return err
	})
	h.respondTask(c, task, err)
}

func (h *Handler) Transition(ctx context.Context, c *app.RequestContext) {
	var req TransitionRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var task *db.Task
	err := retryWrite(ctx, func() (err error) {
		task, err = h.Tasks.Transition(ctx, tenantOf(c), c.Param("id"), actorOf(c), workflow.State(req.State), req.Note)
		return err
	})
	h.respondTask(c, task, err)
}

func (h *Handler) AddComment(ctx context.Context, c *app.RequestContext) {
	var req CommentRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var task *db.Task
	err := retryWrite(ctx, func() (err error) {
		task, err = h.Tasks.AddComment(ctx, tenantOf(c), c.Param("id"), actorOf(c), req.Body)
		return err
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// retryWrite re-runs a mutating call that lost an optimistic write race.
// Everything else, business conflicts included, goes straight to the caller.
func retryWrite(ctx context.Context, fn func() error) error {
	return services.WithRetry(ctx, services.DefaultRetryAttempts, fn)
}

func (h *Handler) respondTask(c *app.RequestContext, task *db.Task, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
