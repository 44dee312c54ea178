package scheduling

import "fmt"

// Policy holds every weight of the candidate score. Operators retune it
// through the policy file; the code never inlines these numbers.
type Policy struct {
	Base float64 `koanf:"base" json:"base"`

	// workload = max(WorkloadFloor, WorkloadCeiling - WorkloadStep * active)
	WorkloadCeiling float64 `koanf:"workload_ceiling" json:"workload_ceiling"`
	WorkloadStep    float64 `koanf:"workload_step" json:"workload_step"`
	WorkloadFloor   float64 `koanf:"workload_floor" json:"workload_floor"`

	OrgMatch float64 `koanf:"org_match" json:"org_match"`

	// resource = min(ResourceCap, ResourcePerAsset * assets), or ResourceFloor
	// when the area has no available asset.
	ResourcePerAsset float64 `koanf:"resource_per_asset" json:"resource_per_asset"`
	ResourceCap      float64 `koanf:"resource_cap" json:"resource_cap"`
	ResourceFloor    float64 `koanf:"resource_floor" json:"resource_floor"`

	PriorityFactor float64 `koanf:"priority_factor" json:"priority_factor"`

	// risk = max(0, RiskCeiling - risk_level) * RiskFactor
	RiskCeiling float64 `koanf:"risk_ceiling" json:"risk_ceiling"`
	RiskFactor  float64 `koanf:"risk_factor" json:"risk_factor"`

	// Subtracted once per overlapping assignment.
	ConflictPenalty float64 `koanf:"conflict_penalty" json:"conflict_penalty"`

	// Upper bound on concurrent directory lookups while ranking.
	MaxConcurrentLookups int `koanf:"max_concurrent_lookups" json:"max_concurrent_lookups"`
}

func DefaultPolicy() Policy {
	return Policy{
		Base:                 16.0,
		WorkloadCeiling:      32.0,
		WorkloadStep:         8.0,
		WorkloadFloor:        6.0,
		OrgMatch:             24.0,
		ResourcePerAsset:     8.0,
		ResourceCap:          24.0,
		ResourceFloor:        4.0,
		PriorityFactor:       1.2,
		RiskCeiling:          6.0,
		RiskFactor:           1.5,
		ConflictPenalty:      35.0,
		MaxConcurrentLookups: 8,
	}
}

func (p Policy) Validate() error {
	weights := map[string]float64{
		"base":               p.Base,
		"workload_ceiling":   p.WorkloadCeiling,
		"workload_step":      p.WorkloadStep,
		"workload_floor":     p.WorkloadFloor,
		"org_match":          p.OrgMatch,
		"resource_per_asset": p.ResourcePerAsset,
		"resource_cap":       p.ResourceCap,
		"resource_floor":     p.ResourceFloor,
		"priority_factor":    p.PriorityFactor,
		"risk_ceiling":       p.RiskCeiling,
		"risk_factor":        p.RiskFactor,
		"conflict_penalty":   p.ConflictPenalty,
	}
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("policy weight %s must not be negative, got %v", name, w)
		}
	}
	if p.WorkloadFloor > p.WorkloadCeiling {
		return fmt.Errorf("workload_floor (%v) exceeds workload_ceiling (%v)", p.WorkloadFloor, p.WorkloadCeiling)
	}
	if p.MaxConcurrentLookups < 0 {
		return fmt.Errorf("max_concurrent_lookups must not be negative, got %d", p.MaxConcurrentLookups)
	}
	return nil
}

// AsMap renders the weights for audit detail.
func (p Policy) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"base":               p.Base,
		"workload_ceiling":   p.WorkloadCeiling,
		"workload_step":      p.WorkloadStep,
		"workload_floor":     p.WorkloadFloor,
		"org_match":          p.OrgMatch,
		"resource_per_asset": p.ResourcePerAsset,
		"resource_cap":       p.ResourceCap,
		"resource_floor":     p.ResourceFloor,
		"priority_factor":    p.PriorityFactor,
		"risk_ceiling":       p.RiskCeiling,
		"risk_factor":        p.RiskFactor,
		"conflict_penalty":   p.ConflictPenalty,
	}
}
