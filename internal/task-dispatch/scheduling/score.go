package scheduling

import (
	"cmp"
	"math"
	"slices"

	"task-dispatch-service/internal/task-dispatch/db"
	"task-dispatch-service/pkg/apperr"
)

// CandidateFacts are the per-operator inputs gathered before scoring.
type CandidateFacts struct {
	UserID                string
	ActiveAssignmentCount int
	OrgMatch              bool
	OverlapCount          int
}

type Breakdown struct {
	Base            float64 `json:"base"`
	Workload        float64 `json:"workload"`
	OrgMatch        float64 `json:"org_match"`
	Resource        float64 `json:"resource"`
	Priority        float64 `json:"priority"`
	Risk            float64 `json:"risk"`
	ConflictPenalty float64 `json:"conflict_penalty"`
	Total           float64 `json:"total"`
}

type ScoredCandidate struct {
	UserID                string    `json:"user_id"`
	ActiveAssignmentCount int       `json:"active_assignment_count"`
	OrgMatch              bool      `json:"org_match"`
	OverlapCount          int       `json:"overlap_count"`
	Breakdown             Breakdown `json:"score_breakdown"`
}

func (p Policy) workload(active int) float64 {
	return math.Max(p.WorkloadFloor, p.WorkloadCeiling-p.WorkloadStep*float64(active))
}

func (p Policy) resource(availableAssets int) float64 {
	if availableAssets <= 0 {
		return p.ResourceFloor
	}
	return math.Min(p.ResourceCap, p.ResourcePerAsset*float64(availableAssets))
}

func (p Policy) risk(riskLevel int) float64 {
	return math.Max(0, p.RiskCeiling-float64(riskLevel)) * p.RiskFactor
}

// ScoreCandidate is pure: identical inputs give bit-identical totals.
func (p Policy) ScoreCandidate(task *db.Task, availableAssets int, c CandidateFacts) ScoredCandidate {
	b := Breakdown{
		Base:            p.Base,
		Workload:        p.workload(c.ActiveAssignmentCount),
		Resource:        p.resource(availableAssets),
		Priority:        float64(task.Priority) * p.PriorityFactor,
		Risk:            p.risk(task.RiskLevel),
		ConflictPenalty: p.ConflictPenalty * float64(c.OverlapCount),
	}
	if c.OrgMatch {
		b.OrgMatch = p.OrgMatch
	}
	b.Total = b.Base + b.Workload + b.OrgMatch + b.Resource + b.Priority + b.Risk - b.ConflictPenalty
	return ScoredCandidate{
		UserID:                c.UserID,
		ActiveAssignmentCount: c.ActiveAssignmentCount,
		OrgMatch:              c.OrgMatch,
		OverlapCount:          c.OverlapCount,
		Breakdown:             b,
	}
}

// Score ranks candidates: total descending, then fewer overlaps, then lower
// workload, then user id.
func (p Policy) Score(task *db.Task, availableAssets int, candidates []CandidateFacts) ([]ScoredCandidate, error) {
	if len(candidates) == 0 {
		return nil, apperr.Conflictf("no available candidates")
	}
	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, p.ScoreCandidate(task, availableAssets, c))
	}
	slices.SortStableFunc(scored, compareCandidates)
	return scored, nil
}

func compareCandidates(a, b ScoredCandidate) int {
	if c := cmp.Compare(b.Breakdown.Total, a.Breakdown.Total); c != 0 {
		return c
	}
	if c := cmp.Compare(a.OverlapCount, b.OverlapCount); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ActiveAssignmentCount, b.ActiveAssignmentCount); c != 0 {
		return c
	}
	return cmp.Compare(a.UserID, b.UserID)
}

// Select returns the best ranked candidate without overlapping work, even
// when a conflicting candidate has a higher raw total.
func Select(ranked []ScoredCandidate) (ScoredCandidate, error) {
	for _, c := range ranked {
		if c.OverlapCount == 0 {
			return c, nil
		}
	}
	return ScoredCandidate{}, apperr.Conflictf("no conflict-free candidates")
}
