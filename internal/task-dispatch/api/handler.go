package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"task-dispatch-service/internal/task-dispatch/services"
	"task-dispatch-service/pkg/apperr"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderActorID  = "X-Actor-ID"

	ctxTenant = "tenant_id"
	ctxActor  = "actor_id"
)

// Handler adapts the dispatch and template services to HTTP.
type Handler struct {
	Tasks     *services.DispatchService
	Templates *services.TemplateService
	Log       zerolog.Logger
}

func NewHandler(tasks *services.DispatchService, templates *services.TemplateService, log zerolog.Logger) *Handler {
	return &Handler{Tasks: tasks, Templates: templates, Log: log.With().Str("component", "http").Logger()}
}

// Register mounts the task and template routes on r.
func (h *Handler) Register(r *route.RouterGroup) {
	r.Use(h.accessLog, requireTenant)

	tasks := r.Group("/tasks")
	{
		tasks.POST("", requireActor, h.CreateTask)
		tasks.GET("", h.ListTasks)
		tasks.GET("/:id", h.GetTask)
		tasks.GET("/:id/history", h.GetHistory)
		tasks.GET("/:id/candidates", h.PreviewCandidates)
		tasks.POST("/:id/submit", requireActor, h.SubmitForApproval)
		tasks.POST("/:id/approve", requireActor, h.Approve)
		tasks.POST("/:id/dispatch", requireActor, h.Dispatch)
		tasks.POST("/:id/auto-dispatch", requireActor, h.AutoDispatch)
		tasks.POST("/:id/reassign", requireActor, h.Reassign)
		tasks.POST("/:id/transition", requireActor, h.Transition)
		tasks.POST("/:id/comments", requireActor, h.AddComment)
	}

	templates := r.Group("/templates")
	{
		templates.POST("", h.CreateTemplate)
		templates.GET("", h.ListTemplates)
		templates.GET("/:id", h.GetTemplate)
	}
}

// RegisterOps mounts the health and Prometheus endpoints.
func RegisterOps(r route.IRoutes, gatherer prometheus.Gatherer) {
	r.GET("/healthz", func(_ context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, utils.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", adaptor.HertzHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

func requireTenant(ctx context.Context, c *app.RequestContext) {
	tenant := strings.TrimSpace(string(c.GetHeader(HeaderTenantID)))
	if tenant == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, utils.H{"error": HeaderTenantID + " header is required", "code": apperr.InvalidArgument.String()})
		return
	}
	c.Set(ctxTenant, tenant)
	c.Next(ctx)
}

func requireActor(ctx context.Context, c *app.RequestContext) {
	actor := strings.TrimSpace(string(c.GetHeader(HeaderActorID)))
	if actor == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, utils.H{"error": HeaderActorID + " header is required", "code": apperr.InvalidArgument.String()})
		return
	}
	c.Set(ctxActor, actor)
	c.Next(ctx)
}

func (h *Handler) accessLog(ctx context.Context, c *app.RequestContext) {
	start := time.Now()
	c.Next(ctx)
	h.Log.Debug().
		Str("method", string(c.Method())).
		Str("path", string(c.Path())).
		Int("status", c.Response.StatusCode()).
		Dur("elapsed", time.Since(start)).
		Msg("request")
}

func tenantOf(c *app.RequestContext) string { return c.GetString(ctxTenant) }
func actorOf(c *app.RequestContext) string  { return c.GetString(ctxActor) }

// writeError renders err with the status of its apperr code. Internal errors
// are logged and hidden from the caller.
func (h *Handler) writeError(c *app.RequestContext, err error) {
	h.writeErrorWith(c, err, nil)
}

func (h *Handler) writeErrorWith(c *app.RequestContext, err error, extra utils.H) {
	code := apperr.CodeOf(err)
	if code == apperr.Internal {
		h.Log.Error().Err(err).Str("path", string(c.Path())).Msg("request failed")
	}
	body := utils.H{"error": apperr.Message(err), "code": code.String()}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(code.HTTPCode(), body)
}

func badRequest(c *app.RequestContext, err error) {
	c.JSON(http.StatusBadRequest, utils.H{"error": "invalid request payload: " + err.Error(), "code": apperr.InvalidArgument.String()})
}

// splitList parses a comma separated query value.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
