package scheduling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/pkg/apperr"
)

type fakeDirectory struct {
	mu      sync.Mutex
	users   []User
	counts  map[string]int
	members map[string]bool // userID -> member of any org asked about
	err     error
}

func (f *fakeDirectory) ListActiveUsers(_ context.Context, _ string, ids []string) ([]User, error) {
	if f.err != nil {
		return nil, f.err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []User
	for _, u := range f.users {
		if !u.IsActive {
			continue
		}
		if len(ids) > 0 && !want[u.ID] {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDirectory) CountActiveAssignments(_ context.Context, _ string, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[userID], nil
}

func (f *fakeDirectory) IsOrgMember(_ context.Context, _ string, userID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[userID], nil
}

func (f *fakeDirectory) OrgUnitExists(context.Context, string, string) (bool, error) {
	return true, nil
}

type fakePool struct {
	assets map[string]int
}

func (f *fakePool) AvailableAssetCount(_ context.Context, _ string, area string) (int, error) {
	return f.assets[area], nil
}

type fakeAssignments struct {
	byUser map[string][]db.Task
}

func (f *fakeAssignments) ListActiveAssignments(_ context.Context, _ string, userID, exclude string) ([]db.Task, error) {
	var out []db.Task
	for _, t := range f.byUser[userID] {
		if t.ID != exclude {
			out = append(out, t)
		}
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func at(hour, minute int) *time.Time {
	t := time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
	return &t
}

func TestRankSingleCandidateScore(t *testing.T) {
	dir := &fakeDirectory{
		users:   []User{{ID: "u-1", IsActive: true}},
		counts:  map[string]int{},
		members: map[string]bool{"u-1": true},
	}
	engine := NewEngine(dir, &fakePool{assets: map[string]int{"A-01": 1}}, &fakeAssignments{}, DefaultPolicy())

	task := &db.Task{ID: "t-1", Priority: 4, RiskLevel: 2, OrgUnitID: strPtr("org-1"), AreaCode: strPtr("A-01")}
	ranking, err := engine.Rank(context.Background(), "tenant-1", task, nil)
	require.NoError(t, err)
	require.Len(t, ranking.Candidates, 1)

	c := ranking.Candidates[0]
	assert.Equal(t, "u-1", c.UserID)
	assert.Equal(t, 0, c.OverlapCount)
	assert.InDelta(t, 16.0, c.Breakdown.Base, 1e-9)
	assert.InDelta(t, 32.0, c.Breakdown.Workload, 1e-9)
	assert.InDelta(t, 24.0, c.Breakdown.OrgMatch, 1e-9)
	assert.InDelta(t, 8.0, c.Breakdown.Resource, 1e-9)
	assert.InDelta(t, 4.8, c.Breakdown.Priority, 1e-9)
	assert.InDelta(t, 6.0, c.Breakdown.Risk, 1e-9)
	assert.InDelta(t, 90.8, c.Breakdown.Total, 1e-9)
	assert.Equal(t, 1, ranking.AvailableAssets)

	selected, err := ranking.Select()
	require.NoError(t, err)
	assert.Equal(t, "u-1", selected.UserID)
}

func TestRankPrefersConflictFreeCandidate(t *testing.T) {
	existing := db.Task{ID: "t-old", PlannedStartAt: at(10, 0), PlannedEndAt: at(12, 0)}
	dir := &fakeDirectory{
		users:   []User{{ID: "x", IsActive: true}, {ID: "y", IsActive: true}},
		counts:  map[string]int{"x": 1, "y": 3},
		members: map[string]bool{"x": true},
	}
	assignments := &fakeAssignments{byUser: map[string][]db.Task{
		"x": {existing},
		"y": {
			{ID: "t-y1", PlannedStartAt: at(6, 0), PlannedEndAt: at(8, 0)},
			{ID: "t-y2", PlannedStartAt: at(13, 0), PlannedEndAt: at(14, 0)},
			{ID: "t-y3"},
		},
	}}
	engine := NewEngine(dir, &fakePool{}, assignments, DefaultPolicy())

	task := &db.Task{ID: "t-new", Priority: 5, RiskLevel: 3, OrgUnitID: strPtr("org-1"),
		PlannedStartAt: at(11, 0), PlannedEndAt: at(13, 0)}
	ranking, err := engine.Rank(context.Background(), "tenant-1", task, []string{"x", "y"})
	require.NoError(t, err)
	require.Len(t, ranking.Candidates, 2)

	// x still outranks y on total despite the penalty.
	assert.Equal(t, "x", ranking.Candidates[0].UserID)
	assert.Equal(t, 1, ranking.Candidates[0].OverlapCount)
	assert.Greater(t, ranking.Candidates[0].Breakdown.Total, ranking.Candidates[1].Breakdown.Total)

	selected, err := ranking.Select()
	require.NoError(t, err)
	assert.Equal(t, "y", selected.UserID)
	assert.Equal(t, 0, selected.OverlapCount)
}

func TestRankEmptyPool(t *testing.T) {
	dir := &fakeDirectory{users: []User{{ID: "gone", IsActive: false}}}
	engine := NewEngine(dir, &fakePool{}, &fakeAssignments{}, DefaultPolicy())

	_, err := engine.Rank(context.Background(), "tenant-1", &db.Task{ID: "t-1", Priority: 1, RiskLevel: 1}, []string{"gone"})
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, "no available candidates", apperr.Message(err))
}

func TestRankDirectoryFailure(t *testing.T) {
	boom := errors.New("directory down")
	engine := NewEngine(&fakeDirectory{err: boom}, &fakePool{}, &fakeAssignments{}, DefaultPolicy())

	_, err := engine.Rank(context.Background(), "tenant-1", &db.Task{ID: "t-1"}, nil)
	require.ErrorIs(t, err, boom)
	assert.False(t, apperr.IsConflict(err))
}

func TestSetPolicy(t *testing.T) {
	engine := NewEngine(&fakeDirectory{}, &fakePool{}, &fakeAssignments{}, DefaultPolicy())

	bad := DefaultPolicy()
	bad.ConflictPenalty = -1
	err := engine.SetPolicy(bad)
	require.Error(t, err)
	assert.Equal(t, 35.0, engine.Policy().ConflictPenalty)

	tuned := DefaultPolicy()
	tuned.Base = 20
	require.NoError(t, engine.SetPolicy(tuned))
	assert.Equal(t, 20.0, engine.Policy().Base)
}

func TestRankingDetail(t *testing.T) {
	dir := &fakeDirectory{
		users:  []User{{ID: "u-1", IsActive: true}},
		counts: map[string]int{},
	}
	engine := NewEngine(dir, &fakePool{assets: map[string]int{"A-02": 5}}, &fakeAssignments{}, DefaultPolicy())

	ranking, err := engine.Rank(context.Background(), "tenant-1", &db.Task{ID: "t-1", Priority: 1, RiskLevel: 5, AreaCode: strPtr("A-02")}, nil)
	require.NoError(t, err)

	detail := ranking.Detail()
	snapshot := detail["resource_snapshot"].(map[string]interface{})
	assert.Equal(t, "A-02", snapshot["area_code"])
	assert.Equal(t, 5, snapshot["available_asset_count"])
	assert.Len(t, detail["candidates"], 1)
	assert.Contains(t, detail, "policy")
}
