package models

import "math"

// Profile is a named bundle of filtering thresholds. Profiles are configured
// in order of aggressiveness, most conservative first.
type Profile struct {
	Name string `yaml:"name" json:"name"`

	// Filter thresholds pushed to the collection agent. An entity is kept when
	// any one of them is met.
	MinImportance   float64 `yaml:"min_importance" json:"min_importance"`
	CPUThreshold    float64 `yaml:"cpu_threshold" json:"cpu_threshold"`
	MemoryThreshold float64 `yaml:"memory_threshold" json:"memory_threshold"`

	// Targets the decision engine evaluates against.
	TargetSeries int     `yaml:"target_series" json:"target_series"`
	MaxSeries    int     `yaml:"max_series" json:"max_series"`
	MinCoverage  float64 `yaml:"min_coverage" json:"min_coverage"`
	CostCeiling  float64 `yaml:"cost_ceiling" json:"cost_ceiling"`
}

// SeriesLimit is the series count above which the profile is too lax.
// MaxSeries falls back to TargetSeries when unset.
func (p Profile) SeriesLimit() int {
	if p.MaxSeries > 0 {
		return p.MaxSeries
	}
	return p.TargetSeries
}

// Retains reports whether the collection agent keeps e under this profile.
// Anomalous entities are always kept so a burst is never filtered away.
func (p Profile) Retains(e Entity, anomalous bool) bool {
	if anomalous {
		return true
	}
	if e.Importance >= p.MinImportance {
		return true
	}
	if p.CPUThreshold > 0 && !math.IsNaN(e.CPU) && e.CPU >= p.CPUThreshold {
		return true
	}
	if p.MemoryThreshold > 0 && !math.IsNaN(e.Memory) && e.Memory >= p.MemoryThreshold {
		return true
	}
	return false
}

// Direction of a proposed profile change.
type Direction int

const (
	Stay Direction = iota
	TowardConservative
	TowardAggressive
)

func (d Direction) String() string {
	switch d {
	case TowardConservative:
		return "conservative"
	case TowardAggressive:
		return "aggressive"
	default:
		return "stay"
	}
}

// Proposal is the decision engine's output for one cycle.
type Proposal struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Direction Direction `json:"direction"`
	Reason    string    `json:"reason"`
}

// Changes reports whether the proposal moves to another profile.
func (p Proposal) Changes() bool {
	return p.Direction != Stay && p.From != p.To
}
