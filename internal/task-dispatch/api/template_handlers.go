package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"task-dispatch-service/internal/task-dispatch/db"
)

type CreateTemplateRequest struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	TaskTypeID       string                 `json:"task_type_id"`
	RequiresApproval bool                   `json:"requires_approval"`
	DefaultPriority  int                    `json:"default_priority"`
	DefaultRiskLevel int                    `json:"default_risk_level"`
	Checklist        []db.ChecklistItem     `json:"checklist"`
	RouteTemplate    map[string]interface{} `json:"route_template"`
	PayloadTemplate  map[string]interface{} `json:"payload_template"`
	ContextSchema    string                 `json:"context_schema"`
}

func (h *Handler) CreateTemplate(ctx context.Context, c *app.RequestContext) {
	var req CreateTemplateRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tmpl := &db.TaskTemplate{
		TenantID:         tenantOf(c),
		Name:             req.Name,
		Description:      req.Description,
		TaskTypeID:       req.TaskTypeID,
		RequiresApproval: req.RequiresApproval,
		DefaultPriority:  req.DefaultPriority,
		DefaultRiskLevel: req.DefaultRiskLevel,
		Checklist:        req.Checklist,
		RouteTemplate:    req.RouteTemplate,
		PayloadTemplate:  req.PayloadTemplate,
		ContextSchema:    req.ContextSchema,
	}
	if err := h.Templates.Create(ctx, tmpl); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tmpl)
}

func (h *Handler) ListTemplates(ctx context.Context, c *app.RequestContext) {
	templates, err := h.Templates.List(ctx, tenantOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, templates)
}

func (h *Handler) GetTemplate(ctx context.Context, c *app.RequestContext) {
	tmpl, err := h.Templates.Get(ctx, tenantOf(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}
