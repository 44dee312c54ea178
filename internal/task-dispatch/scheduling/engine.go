// Package scheduling ranks operators for a task. Fact gathering talks to the
// directory and the resource pool; scoring itself is pure.
package scheduling

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/pkg/apperr"
)

type User struct {
	ID       string
	IsActive bool
}

// CandidateDirectory resolves operators. All calls are tenant scoped.
type CandidateDirectory interface {
	// ListActiveUsers returns the active users among ids, or every active
	// user of the tenant when ids is empty. Ordered by id.
	ListActiveUsers(ctx context.Context, tenantID string, ids []string) ([]User, error)
	CountActiveAssignments(ctx context.Context, tenantID, userID string) (int, error)
	IsOrgMember(ctx context.Context, tenantID, userID, orgUnitID string) (bool, error)
	OrgUnitExists(ctx context.Context, tenantID, orgUnitID string) (bool, error)
}

type ResourcePoolSnapshot interface {
	AvailableAssetCount(ctx context.Context, tenantID, areaCode string) (int, error)
}

// AssignmentSource lists the tasks currently occupying an operator.
type AssignmentSource interface {
	ListActiveAssignments(ctx context.Context, tenantID, userID, excludeTaskID string) ([]db.Task, error)
}

// Observer receives ranking measurements. May be nil.
type Observer interface {
	ObserveRanking(candidates int, elapsed time.Duration)
}

// Ranking is the outcome of one scheduling call.
type Ranking struct {
	TenantID        string
	TaskID          string
	AreaCode        string
	AvailableAssets int
	Candidates      []ScoredCandidate
	Policy          Policy
	RankedAt        time.Time
}

func (r *Ranking) Select() (ScoredCandidate, error) {
	return Select(r.Candidates)
}

// Detail renders the ranking for the audit trail.
func (r *Ranking) Detail() map[string]interface{} {
	candidates := make([]interface{}, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		candidates = append(candidates, map[string]interface{}{
			"user_id":                 c.UserID,
			"active_assignment_count": c.ActiveAssignmentCount,
			"org_match":               c.OrgMatch,
			"overlap_count":           c.OverlapCount,
			"score_breakdown": map[string]interface{}{
				"base":             c.Breakdown.Base,
				"workload":         c.Breakdown.Workload,
				"org_match":        c.Breakdown.OrgMatch,
				"resource":         c.Breakdown.Resource,
				"priority":         c.Breakdown.Priority,
				"risk":             c.Breakdown.Risk,
				"conflict_penalty": c.Breakdown.ConflictPenalty,
				"total":            c.Breakdown.Total,
			},
		})
	}
	return map[string]interface{}{
		"candidates": candidates,
		"resource_snapshot": map[string]interface{}{
			"area_code":             r.AreaCode,
			"available_asset_count": r.AvailableAssets,
		},
		"policy":    r.Policy.AsMap(),
		"ranked_at": r.RankedAt.Format(time.RFC3339Nano),
	}
}

type Engine struct {
	Directory   CandidateDirectory
	Pool        ResourcePoolSnapshot
	Assignments AssignmentSource
	Observer    Observer

	policy atomic.Pointer[Policy]
}

func NewEngine(directory CandidateDirectory, resources ResourcePoolSnapshot, assignments AssignmentSource, policy Policy) *Engine {
	e := &Engine{Directory: directory, Pool: resources, Assignments: assignments}
	e.policy.Store(&policy)
	return e
}

func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy swaps the weights used by subsequent rankings. Rankings already
// in flight keep the policy they started with.
func (e *Engine) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return apperr.New(apperr.InvalidArgument, "invalid scheduling policy", err)
	}
	e.policy.Store(&p)
	return nil
}

// Rank scores the candidate pool for task. Nothing is locked; the caller
// re-validates the winner before committing.
func (e *Engine) Rank(ctx context.Context, tenantID string, task *db.Task, candidateIDs []string) (*Ranking, error) {
	started := time.Now()
	policy := e.Policy()

	users, err := e.Directory.ListActiveUsers(ctx, tenantID, candidateIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve candidates: %w", err)
	}
	active := users[:0:0]
	for _, u := range users {
		if u.IsActive {
			active = append(active, u)
		}
	}
	if len(active) == 0 {
		return nil, apperr.Conflictf("no available candidates")
	}

	ranking := &Ranking{TenantID: tenantID, TaskID: task.ID, Policy: policy}
	if task.AreaCode != nil && *task.AreaCode != "" {
		ranking.AreaCode = *task.AreaCode
		count, err := e.Pool.AvailableAssetCount(ctx, tenantID, ranking.AreaCode)
		if err != nil {
			return nil, fmt.Errorf("failed to read resource pool for %s: %w", ranking.AreaCode, err)
		}
		ranking.AvailableAssets = count
	}

	facts, err := e.gatherFacts(ctx, tenantID, task, active, policy.MaxConcurrentLookups)
	if err != nil {
		return nil, err
	}

	ranking.Candidates, err = policy.Score(task, ranking.AvailableAssets, facts)
	if err != nil {
		return nil, err
	}
	ranking.RankedAt = time.Now().UTC()
	if e.Observer != nil {
		e.Observer.ObserveRanking(len(ranking.Candidates), time.Since(started))
	}
	return ranking, nil
}

func (e *Engine) gatherFacts(ctx context.Context, tenantID string, task *db.Task, users []User, maxLookups int) ([]CandidateFacts, error) {
	if maxLookups <= 0 {
		maxLookups = 1
	}
	p := pool.NewWithResults[CandidateFacts]().
		WithContext(ctx).
		WithCancelOnError().
		WithMaxGoroutines(maxLookups)

	for _, u := range users {
		userID := u.ID
		p.Go(func(ctx context.Context) (CandidateFacts, error) {
			return e.candidateFacts(ctx, tenantID, task, userID)
		})
	}
	facts, err := p.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to gather candidate facts: %w", err)
	}
	return facts, nil
}

func (e *Engine) candidateFacts(ctx context.Context, tenantID string, task *db.Task, userID string) (CandidateFacts, error) {
	facts := CandidateFacts{UserID: userID}

	count, err := e.Directory.CountActiveAssignments(ctx, tenantID, userID)
	if err != nil {
		return facts, fmt.Errorf("count assignments of %s: %w", userID, err)
	}
	facts.ActiveAssignmentCount = count

	if task.OrgUnitID != nil && *task.OrgUnitID != "" {
		member, err := e.Directory.IsOrgMember(ctx, tenantID, userID, *task.OrgUnitID)
		if err != nil {
			return facts, fmt.Errorf("org membership of %s: %w", userID, err)
		}
		facts.OrgMatch = member
	}

	if task.HasWindow() {
		assigned, err := e.Assignments.ListActiveAssignments(ctx, tenantID, userID, task.ID)
		if err != nil {
			return facts, fmt.Errorf("assignments of %s: %w", userID, err)
		}
		facts.OverlapCount = CountOverlaps(task, assigned, task.ID)
	}
	return facts, nil
}
