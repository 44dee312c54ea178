package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/internal/task-dispatch/directory"
	"task-dispatch-service/internal/task-dispatch/events"
	"task-dispatch-service/internal/task-dispatch/scheduling"
	"task-dispatch-service/internal/task-dispatch/workflow"
	pkgdb "task-dispatch-service/pkg/db"
)

const tenant = "tenant-1"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, eventType events.Type, tenantID string, payload events.TaskPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events.NewEvent(eventType, tenantID, payload))
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func (p *recordingPublisher) types() []events.Type {
	var out []events.Type
	for _, e := range p.all() {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc  *DispatchService
	db   *gorm.DB
	repo *db.GormTaskRepository
	pub  *recordingPublisher
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	gormDB, err := pkgdb.NewGormDB(pkgdb.Options{DSN: filepath.Join(t.TempDir(), "dispatch.db")})
	require.NoError(t, err)
	require.NoError(t, pkgdb.AutoMigrate(gormDB, append(db.Models(), directory.Models()...)...))
	t.Cleanup(func() { _ = pkgdb.Close(gormDB) })

	repo := db.NewTaskRepository(gormDB)
	dir := directory.NewGormDirectory(gormDB)
	engine := scheduling.NewEngine(dir, dir, repo, scheduling.DefaultPolicy())
	pub := &recordingPublisher{}
	svc := NewDispatchService(repo, engine, dir, pub, zerolog.Nop())
	return &fixture{svc: svc, db: gormDB, repo: repo, pub: pub}
}

func (f *fixture) addUser(t *testing.T, id string, active bool) {
	t.Helper()
	require.NoError(t, f.db.Create(&directory.User{ID: id, TenantID: tenant, IsActive: active}).Error)
}

func (f *fixture) addOrg(t *testing.T, orgID string, members ...string) {
	t.Helper()
	require.NoError(t, f.db.Create(&directory.OrgUnit{ID: orgID, TenantID: tenant, Name: orgID}).Error)
	for _, m := range members {
		require.NoError(t, f.db.Create(&directory.OrgMembership{TenantID: tenant, OrgUnitID: orgID, UserID: m}).Error)
	}
}

func (f *fixture) addAssets(t *testing.T, area string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		a := &directory.Asset{ID: db.NewID(), TenantID: tenant, AreaCode: area, Status: directory.AssetAvailable}
		require.NoError(t, f.db.Create(a).Error)
	}
}

// seedTask inserts a task row directly, bypassing the service, to put it in
// an arbitrary state.
func (f *fixture) seedTask(t *testing.T, state workflow.State, assignee string, start, end *time.Time) *db.Task {
	t.Helper()
	task := &db.Task{
		TenantID:       tenant,
		TaskTypeID:     "inspection",
		State:          state,
		Priority:       3,
		RiskLevel:      2,
		PlannedStartAt: start,
		PlannedEndAt:   end,
	}
	if assignee != "" {
		task.AssignedTo = &assignee
	}
	require.NoError(t, f.repo.Create(context.Background(), task))
	return task
}

func (f *fixture) state(t *testing.T, taskID string) workflow.State {
	t.Helper()
	task, err := f.repo.Get(context.Background(), tenant, taskID)
	require.NoError(t, err)
	return task.State
}

func (f *fixture) historyActions(t *testing.T, taskID string) []string {
	t.Helper()
	entries, err := f.repo.ListHistory(context.Background(), tenant, taskID)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func hour(h int) *time.Time {
	t := time.Date(2026, 3, 2, h, 0, 0, 0, time.UTC)
	return &t
}

func ptr[T any](v T) *T { return &v }
