package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/internal/task-dispatch/directory"
	"task-dispatch-service/internal/task-dispatch/metrics"
	"task-dispatch-service/internal/task-dispatch/scheduling"
	"task-dispatch-service/internal/task-dispatch/services"
	"task-dispatch-service/internal/task-dispatch/workflow"
	"task-dispatch-service/pkg/apperr"
	pkgdb "task-dispatch-service/pkg/db"
)

const tenant = "tenant-1"

func setupTestRouter(t *testing.T) (*route.Engine, *gorm.DB) {
	t.Helper()
	return setupRouterWithRepo(t, nil)
}

// setupRouterWithRepo lets wrap decorate the repository the dispatch service
// writes through.
func setupRouterWithRepo(t *testing.T, wrap func(db.TaskRepository) db.TaskRepository) (*route.Engine, *gorm.DB) {
	t.Helper()
	gormDB, err := pkgdb.NewGormDB(pkgdb.Options{DSN: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	require.NoError(t, pkgdb.AutoMigrate(gormDB, append(db.Models(), directory.Models()...)...))
	t.Cleanup(func() { _ = pkgdb.Close(gormDB) })

	hlog.SetLevel(hlog.LevelFatal)

	base := db.NewTaskRepository(gormDB)
	var repo db.TaskRepository = base
	if wrap != nil {
		repo = wrap(base)
	}
	dir := directory.NewGormDirectory(gormDB)
	engine := scheduling.NewEngine(dir, dir, repo, scheduling.DefaultPolicy())
	svc := services.NewDispatchService(repo, engine, dir, nil, zerolog.Nop())

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewPromRecorder(reg)
	require.NoError(t, err)
	svc.Metrics = recorder

	h := server.Default(
		server.WithHostPorts("127.0.0.1:0"),
		server.WithExitWaitTime(time.Duration(0)),
	)
	RegisterOps(h, reg)
	NewHandler(svc, services.NewTemplateService(base), zerolog.Nop()).Register(h.Group("/api/v1"))
	return h.Engine, gormDB
}

func do(router *route.Engine, method, path, actor string, body interface{}) *ut.ResponseRecorder {
	headers := []ut.Header{
		{Key: "Content-Type", Value: "application/json"},
		{Key: HeaderTenantID, Value: tenant},
	}
	if actor != "" {
		headers = append(headers, ut.Header{Key: HeaderActorID, Value: actor})
	}
	var reqBody *ut.Body
	if body != nil {
		raw, _ := json.Marshal(body)
		reqBody = &ut.Body{Body: bytes.NewReader(raw), Len: len(raw)}
	}
	return ut.PerformRequest(router, method, path, reqBody, headers...)
}

func decode(t *testing.T, w *ut.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Result().Body(), out))
}

func TestTaskLifecycleAPI(t *testing.T) {
	router, gormDB := setupTestRouter(t)
	require.NoError(t, gormDB.Create(&directory.User{ID: "op-1", TenantID: tenant, IsActive: true}).Error)

	w := do(router, "POST", "/api/v1/tasks", "planner-1", CreateTaskRequest{TaskTypeID: "survey", RequiresApproval: boolPtr(true)})
	require.Equal(t, http.StatusCreated, w.Result().StatusCode(), string(w.Result().Body()))
	var task db.Task
	decode(t, w, &task)
	assert.Equal(t, workflow.StateDraft, task.State)
	base := "/api/v1/tasks/" + task.ID

	w = do(router, "POST", base+"/dispatch", "chief-1", DispatchRequest{AssignedTo: "op-1"})
	assert.Equal(t, http.StatusConflict, w.Result().StatusCode())

	w = do(router, "POST", base+"/submit", "planner-1", nil)
	require.Equal(t, http.StatusOK, w.Result().StatusCode(), string(w.Result().Body()))

	w = do(router, "POST", base+"/approve", "chief-1", ApproveRequest{Approved: true})
	require.Equal(t, http.StatusOK, w.Result().StatusCode())

	w = do(router, "POST", base+"/auto-dispatch", "chief-1", AutoDispatchRequest{Note: "go"})
	require.Equal(t, http.StatusOK, w.Result().StatusCode(), string(w.Result().Body()))
	var auto struct {
		Task    db.Task                `json:"task"`
		Ranking map[string]interface{} `json:"ranking"`
	}
	decode(t, w, &auto)
	assert.Equal(t, "op-1", auto.Task.Assignee())
	assert.Len(t, auto.Ranking["candidates"], 1)

	w = do(router, "POST", base+"/transition", "op-1", TransitionRequest{State: "IN_PROGRESS"})
	require.Equal(t, http.StatusOK, w.Result().StatusCode())

	w = do(router, "POST", base+"/comments", "op-1", CommentRequest{Body: "rotor 3 replaced"})
	require.Equal(t, http.StatusCreated, w.Result().StatusCode())

	w = do(router, "GET", base+"/history", "", nil)
	require.Equal(t, http.StatusOK, w.Result().StatusCode())
	var history []db.TaskHistory
	decode(t, w, &history)
	var actions []string
	for _, e := range history {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"created", "submitted", "approved", "dispatched", "state_changed", "commented"}, actions)

	w = do(router, "GET", "/api/v1/tasks?state=IN_PROGRESS,ACCEPTED", "", nil)
	require.Equal(t, http.StatusOK, w.Result().StatusCode())
	var tasks []db.Task
	decode(t, w, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)
}

func TestErrorMapping(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, "GET", "/api/v1/tasks/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode())
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "not_found", body["code"])

	w = do(router, "POST", "/api/v1/tasks", "planner-1", CreateTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode())

	w = do(router, "POST", "/api/v1/tasks", "planner-1", CreateTaskRequest{TaskTypeID: "survey", Priority: intPtr(42)})
	assert.Equal(t, http.StatusConflict, w.Result().StatusCode())

	w = do(router, "POST", "/api/v1/tasks", "", CreateTaskRequest{TaskTypeID: "survey"})
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode(), "actor header is required")

	w = ut.PerformRequest(router, "GET", "/api/v1/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode(), "tenant header is required")

	w = do(router, "GET", "/api/v1/tasks?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode())
}

func TestAutoDispatchConflictReturnsRanking(t *testing.T) {
	router, gormDB := setupTestRouter(t)
	require.NoError(t, gormDB.Create(&directory.User{ID: "op-1", TenantID: tenant, IsActive: true}).Error)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	busy := &db.Task{TenantID: tenant, TaskTypeID: "survey", State: workflow.StateDispatched, Priority: 5, RiskLevel: 3,
		AssignedTo: strPtr("op-1"), PlannedStartAt: &start, PlannedEndAt: &end}
	require.NoError(t, gormDB.Create(busy).Error)

	w := do(router, "POST", "/api/v1/tasks", "planner-1", CreateTaskRequest{TaskTypeID: "survey", PlannedStartAt: &start, PlannedEndAt: &end})
	require.Equal(t, http.StatusCreated, w.Result().StatusCode())
	var task db.Task
	decode(t, w, &task)

	w = do(router, "GET", "/api/v1/tasks/"+task.ID+"/candidates", "", nil)
	require.Equal(t, http.StatusOK, w.Result().StatusCode())

	w = do(router, "POST", "/api/v1/tasks/"+task.ID+"/auto-dispatch", "chief-1", nil)
	assert.Equal(t, http.StatusConflict, w.Result().StatusCode())
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "no conflict-free candidates", body["error"])
	assert.Contains(t, body, "ranking")
}

func TestTemplatesAPI(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, "POST", "/api/v1/templates", "", CreateTemplateRequest{Name: "substation", TaskTypeID: "inspection", DefaultPriority: 6})
	require.Equal(t, http.StatusCreated, w.Result().StatusCode(), string(w.Result().Body()))
	var tmpl db.TaskTemplate
	decode(t, w, &tmpl)
	assert.Equal(t, tenant, tmpl.TenantID)

	w = do(router, "POST", "/api/v1/templates", "", CreateTemplateRequest{Name: "substation"})
	assert.Equal(t, http.StatusConflict, w.Result().StatusCode())

	w = do(router, "GET", "/api/v1/templates/"+tmpl.ID, "", nil)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())

	w = do(router, "GET", "/api/v1/templates", "", nil)
	var list []db.TaskTemplate
	decode(t, w, &list)
	assert.Len(t, list, 1)
}

func TestOpsEndpoints(t *testing.T) {
	router, _ := setupTestRouter(t)
	w := ut.PerformRequest(router, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
}

// freeAddr reserves a loopback port for a real listener.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// The metrics handler writes through hertz's hijack writer, so it is served
// from a listening server rather than ut.PerformRequest.
func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewPromRecorder(reg)
	require.NoError(t, err)
	recorder.ObserveOperation("dispatch", metrics.OutcomeConflict, time.Millisecond)

	addr := freeAddr(t)
	h := server.Default(server.WithHostPorts(addr), server.WithExitWaitTime(time.Duration(0)))
	RegisterOps(h, reg)
	go func() { _ = h.Run() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})

	cli, err := client.NewClient()
	require.NoError(t, err)
	var body []byte
	require.Eventually(t, func() bool {
		status, b, err := cli.Get(context.Background(), nil, "http://"+addr+"/metrics")
		if err != nil || status != http.StatusOK {
			return false
		}
		body = b
		return true
	}, 5*time.Second, 50*time.Millisecond)

	assert.Contains(t, string(body), `task_dispatch_operations_total{operation="dispatch",outcome="conflict"} 1`)
	assert.Contains(t, string(body), "task_dispatch_candidate_pool_size")
}

// racingRepo fails the next lost transactions with a stale version error,
// as if another writer committed first.
type racingRepo struct {
	db.TaskRepository
	lost  atomic.Int32
	tries atomic.Int32
}

func (r *racingRepo) WithinTransaction(ctx context.Context, fn func(tx db.TaskRepository) error) error {
	r.tries.Add(1)
	if r.lost.Add(-1) >= 0 {
		return apperr.NewWriteConflict("task row changed concurrently", nil)
	}
	return r.TaskRepository.WithinTransaction(ctx, fn)
}

func TestMutationsRetryLostWriteRace(t *testing.T) {
	racing := &racingRepo{}
	router, gormDB := setupRouterWithRepo(t, func(inner db.TaskRepository) db.TaskRepository {
		racing.TaskRepository = inner
		return racing
	})
	require.NoError(t, gormDB.Create(&directory.User{ID: "op-1", TenantID: tenant, IsActive: true}).Error)

	racing.lost.Store(1)
	w := do(router, "POST", "/api/v1/tasks", "planner-1", CreateTaskRequest{TaskTypeID: "survey", RequiresApproval: boolPtr(false)})
	require.Equal(t, http.StatusCreated, w.Result().StatusCode(), string(w.Result().Body()))
	assert.EqualValues(t, 2, racing.tries.Load())
	var task db.Task
	decode(t, w, &task)
	base := "/api/v1/tasks/" + task.ID

	racing.tries.Store(0)
	racing.lost.Store(2)
	w = do(router, "POST", base+"/dispatch", "chief-1", DispatchRequest{AssignedTo: "op-1"})
	require.Equal(t, http.StatusOK, w.Result().StatusCode(), string(w.Result().Body()))
	assert.EqualValues(t, 3, racing.tries.Load())
	decode(t, w, &task)
	assert.Equal(t, workflow.StateDispatched, task.State)

	racing.tries.Store(0)
	racing.lost.Store(1 << 20)
	w = do(router, "POST", base+"/transition", "op-1", TransitionRequest{State: "IN_PROGRESS"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Result().StatusCode())
	assert.EqualValues(t, services.DefaultRetryAttempts, racing.tries.Load())
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "write_conflict", body["code"])

	got, err := db.NewTaskRepository(gormDB).Get(context.Background(), tenant, task.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateDispatched, got.State)
}

func boolPtr(v bool) *bool    { return &v }
func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
