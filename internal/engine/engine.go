// Package engine implements the profile state machine. There is one state per
// configured profile, ordered from most conservative to most aggressive. Each
// cycle the engine looks at the snapshot against the current profile's targets
// and proposes staying put or moving exactly one level.
package engine

import (
	"errors"
	"fmt"

	"github.com/vitalis-app/governor/internal/models"
)

// DefaultUnderfillRatio is the share of TargetSeries below which the profile
// is considered to be filtering more than it needs to.
const DefaultUnderfillRatio = 0.8

// Engine is immutable and safe for concurrent use.
type Engine struct {
	profiles       []models.Profile
	index          map[string]int
	underfillRatio float64
}

// New validates the profile ladder. profiles[0] is the most conservative.
func New(profiles []models.Profile, underfillRatio float64) (*Engine, error) {
	if len(profiles) == 0 {
		return nil, errors.New("at least one profile is required")
	}
	if underfillRatio <= 0 || underfillRatio >= 1 {
		underfillRatio = DefaultUnderfillRatio
	}
	index := make(map[string]int, len(profiles))
	for i, p := range profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d has no name", i)
		}
		if _, dup := index[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		if p.MinCoverage < 0 || p.MinCoverage > 1 {
			return nil, fmt.Errorf("profile %q: min_coverage must be in [0,1]", p.Name)
		}
		if i > 0 && p.MinImportance < profiles[i-1].MinImportance {
			return nil, fmt.Errorf("profile %q is less aggressive than %q: min_importance must not decrease",
				p.Name, profiles[i-1].Name)
		}
		index[p.Name] = i
	}
	return &Engine{
		profiles:       append([]models.Profile(nil), profiles...),
		index:          index,
		underfillRatio: underfillRatio,
	}, nil
}

// Initial is the most conservative profile, the safe default.
func (e *Engine) Initial() models.Profile { return e.profiles[0] }

// Profile looks a profile up by name.
func (e *Engine) Profile(name string) (models.Profile, bool) {
	i, ok := e.index[name]
	if !ok {
		return models.Profile{}, false
	}
	return e.profiles[i], true
}

// Level returns the position of name on the ladder, or -1.
func (e *Engine) Level(name string) int {
	if i, ok := e.index[name]; ok {
		return i
	}
	return -1
}

// Profiles returns the ladder, most conservative first.
func (e *Engine) Profiles() []models.Profile {
	return append([]models.Profile(nil), e.profiles...)
}

// Decide evaluates one snapshot against the current profile.
//
// Coverage below the profile's floor moves one step toward conservative and
// takes precedence over everything else. Otherwise cost above the ceiling or
// series above the limit moves one step toward aggressive. Retaining fewer
// series than the target band is tolerated and never forces a move.
func (e *Engine) Decide(s models.MetricsSnapshot, current string) models.Proposal {
	idx, ok := e.index[current]
	if !ok {
		return models.Proposal{
			From:      current,
			To:        e.profiles[0].Name,
			Direction: models.TowardConservative,
			Reason:    fmt.Sprintf("unknown profile %q, returning to safe default", current),
		}
	}
	p := e.profiles[idx]
	stay := models.Proposal{From: p.Name, To: p.Name, Direction: models.Stay}

	if s.Coverage < p.MinCoverage {
		if idx == 0 {
			stay.Reason = fmt.Sprintf("coverage %.3f below minimum %.3f, already at most conservative profile",
				s.Coverage, p.MinCoverage)
			return stay
		}
		return models.Proposal{
			From:      p.Name,
			To:        e.profiles[idx-1].Name,
			Direction: models.TowardConservative,
			Reason:    fmt.Sprintf("coverage %.3f below minimum %.3f", s.Coverage, p.MinCoverage),
		}
	}

	overCost := p.CostCeiling > 0 && s.EstimatedHourlyCost > p.CostCeiling
	overSeries := p.SeriesLimit() > 0 && s.SeriesKept > p.SeriesLimit()
	if overCost || overSeries {
		reason := overBudgetReason(s, p, overCost, overSeries)
		if idx == len(e.profiles)-1 {
			stay.Reason = reason + ", already at most aggressive profile"
			return stay
		}
		return models.Proposal{
			From:      p.Name,
			To:        e.profiles[idx+1].Name,
			Direction: models.TowardAggressive,
			Reason:    reason,
		}
	}

	if p.TargetSeries > 0 && float64(s.SeriesKept) < float64(p.TargetSeries)*e.underfillRatio {
		stay.Reason = fmt.Sprintf("series %d below %.0f%% of target %d with coverage met, holding",
			s.SeriesKept, e.underfillRatio*100, p.TargetSeries)
		return stay
	}

	stay.Reason = "within bounds"
	return stay
}

func overBudgetReason(s models.MetricsSnapshot, p models.Profile, overCost, overSeries bool) string {
	switch {
	case overCost && overSeries:
		return fmt.Sprintf("cost %.4f above ceiling %.4f and series %d above limit %d",
			s.EstimatedHourlyCost, p.CostCeiling, s.SeriesKept, p.SeriesLimit())
	case overCost:
		return fmt.Sprintf("cost %.4f above ceiling %.4f", s.EstimatedHourlyCost, p.CostCeiling)
	default:
		return fmt.Sprintf("series %d above limit %d", s.SeriesKept, p.SeriesLimit())
	}
}
