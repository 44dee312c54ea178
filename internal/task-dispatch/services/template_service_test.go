package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/pkg/apperr"
)

func TestTemplateServiceCreate(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	svc := NewTemplateService(f.repo)

	tmpl := &db.TaskTemplate{TenantID: tenant, Name: "  wind-turbine  ", TaskTypeID: "inspection", DefaultPriority: 8}
	require.NoError(t, svc.Create(ctx, tmpl))
	assert.Equal(t, "wind-turbine", tmpl.Name)
	assert.NotEmpty(t, tmpl.ID)

	got, err := svc.Get(ctx, tenant, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.DefaultPriority)

	err = svc.Create(ctx, &db.TaskTemplate{TenantID: tenant, Name: "wind-turbine"})
	assert.True(t, apperr.IsConflict(err))

	invalid := []*db.TaskTemplate{
		{TenantID: tenant},
		{Name: "no-tenant"},
		{TenantID: tenant, Name: "p", DefaultPriority: 11},
		{TenantID: tenant, Name: "r", DefaultRiskLevel: 9},
		{TenantID: tenant, Name: "s", ContextSchema: `{"type": 12}`},
	}
	for _, tmpl := range invalid {
		assert.Equal(t, apperr.InvalidArgument, apperr.CodeOf(svc.Create(ctx, tmpl)), tmpl.Name)
	}

	list, err := svc.List(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
