package services

import (
	"context"
	"strings"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/pkg/apperr"
	"task-dispatch-service/pkg/validation"
)

type TemplateRepository interface {
	CreateTemplate(ctx context.Context, tmpl *db.TaskTemplate) error
	GetTemplate(ctx context.Context, tenantID, id string) (*db.TaskTemplate, error)
	ListTemplates(ctx context.Context, tenantID string) ([]db.TaskTemplate, error)
}

type TemplateService struct {
	Repo TemplateRepository
}

func NewTemplateService(repo TemplateRepository) *TemplateService {
	return &TemplateService{Repo: repo}
}

// Create stores a template after checking its defaults and that its context
// schema compiles.
func (s *TemplateService) Create(ctx context.Context, tmpl *db.TaskTemplate) error {
	tmpl.Name = strings.TrimSpace(tmpl.Name)
	if tmpl.TenantID == "" {
		return apperr.Invalidf("tenant is required")
	}
	if tmpl.Name == "" {
		return apperr.Invalidf("template name is required")
	}
	if tmpl.DefaultPriority != 0 && (tmpl.DefaultPriority < MinPriority || tmpl.DefaultPriority > MaxPriority) {
		return apperr.Invalidf("default_priority must be between %d and %d", MinPriority, MaxPriority)
	}
	if tmpl.DefaultRiskLevel != 0 && (tmpl.DefaultRiskLevel < MinRiskLevel || tmpl.DefaultRiskLevel > MaxRiskLevel) {
		return apperr.Invalidf("default_risk_level must be between %d and %d", MinRiskLevel, MaxRiskLevel)
	}
	if strings.TrimSpace(tmpl.ContextSchema) != "" {
		if _, err := validation.Compile(tmpl.ContextSchema); err != nil {
			return apperr.New(apperr.InvalidArgument, "context_schema is not a valid JSON schema", err)
		}
	}
	tmpl.ID = ""
	return s.Repo.CreateTemplate(ctx, tmpl)
}

func (s *TemplateService) Get(ctx context.Context, tenantID, id string) (*db.TaskTemplate, error) {
	return s.Repo.GetTemplate(ctx, tenantID, id)
}

func (s *TemplateService) List(ctx context.Context, tenantID string) ([]db.TaskTemplate, error) {
	return s.Repo.ListTemplates(ctx, tenantID)
}
