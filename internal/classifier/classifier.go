// Package classifier assigns each entity an importance score in [0,1] and a
// tier. Rules are regular expressions over the entity name, compiled once and
// evaluated top-down; the first match wins. Entities no rule covers are scored
// from their resource usage, capped so they can never reach the critical tier.
package classifier

import (
	"fmt"
	"math"
	"regexp"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/models"
)

// Score boundaries between tiers. A score belongs to the highest tier whose
// floor it reaches.
const (
	CriticalFloor  = 0.8
	ImportantFloor = 0.6
	StandardFloor  = 0.3

	// DefaultCeiling caps heuristic scores inside the standard tier.
	DefaultCeiling = 0.59
)

// Rule maps an entity name pattern to a fixed score. Tier is optional; when
// nil the tier follows from Score.
type Rule struct {
	Name    string       `yaml:"name"`
	Pattern string       `yaml:"pattern"`
	Score   float64      `yaml:"score"`
	Tier    *models.Tier `yaml:"tier,omitempty"`
}

// Heuristic scales resource readings for entities no rule matches.
type Heuristic struct {
	// Ceiling is the highest score the heuristic may assign.
	Ceiling float64 `yaml:"ceiling"`
	// CPUFullScale and MemoryFullScale are the readings (percent) that map to
	// the ceiling.
	CPUFullScale    float64 `yaml:"cpu_full_scale"`
	MemoryFullScale float64 `yaml:"memory_full_scale"`
}

// DefaultHeuristic scores 50% CPU or 25% memory at the ceiling.
func DefaultHeuristic() Heuristic {
	return Heuristic{
		Ceiling:         DefaultCeiling,
		CPUFullScale:    50,
		MemoryFullScale: 25,
	}
}

type compiledRule struct {
	name  string
	re    *regexp.Regexp
	score float64
	tier  models.Tier
}

// Result is the outcome of classifying one entity.
type Result struct {
	Score     float64
	Tier      models.Tier
	Rule      string
	Ambiguous bool
}

// Classifier is immutable once built and safe for concurrent use.
type Classifier struct {
	rules     []compiledRule
	heuristic Heuristic
}

// New compiles rules in the order given.
func New(rules []Rule, h Heuristic) (*Classifier, error) {
	if h.Ceiling <= 0 || h.Ceiling >= CriticalFloor {
		return nil, fmt.Errorf("heuristic ceiling must be in (0, %.2f), got %v", CriticalFloor, h.Ceiling)
	}
	if h.CPUFullScale <= 0 || h.MemoryFullScale <= 0 {
		return nil, fmt.Errorf("heuristic full scale values must be positive")
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d (%s): empty pattern", i, r.Name)
		}
		if r.Score < 0 || r.Score > 1 || math.IsNaN(r.Score) {
			return nil, fmt.Errorf("rule %d (%s): score %v outside [0,1]", i, r.Name, r.Score)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		tier := TierForScore(r.Score)
		if r.Tier != nil {
			tier = *r.Tier
		}
		name := r.Name
		if name == "" {
			name = r.Pattern
		}
		compiled = append(compiled, compiledRule{name: name, re: re, score: r.Score, tier: tier})
	}

	return &Classifier{rules: compiled, heuristic: h}, nil
}

// TierForScore maps a score onto the tier boundaries.
func TierForScore(score float64) models.Tier {
	switch {
	case score >= CriticalFloor:
		return models.TierCritical
	case score >= ImportantFloor:
		return models.TierImportant
	case score >= StandardFloor:
		return models.TierStandard
	default:
		return models.TierNoise
	}
}

// Classify scores a single entity. The result depends only on the entity's
// name and readings.
func (c *Classifier) Classify(e models.Entity) Result {
	for _, r := range c.rules {
		if r.re.MatchString(e.ID.Name) {
			return Result{Score: r.score, Tier: r.tier, Rule: r.name}
		}
	}
	return c.heuristicScore(e)
}

func (c *Classifier) heuristicScore(e models.Entity) Result {
	cpuOK := usable(e.CPU)
	memOK := usable(e.Memory)
	if !cpuOK && !memOK {
		return Result{Score: StandardFloor, Tier: models.TierStandard, Ambiguous: true}
	}

	var norm float64
	if cpuOK {
		norm = math.Max(norm, e.CPU/c.heuristic.CPUFullScale)
	}
	if memOK {
		norm = math.Max(norm, e.Memory/c.heuristic.MemoryFullScale)
	}
	score := c.heuristic.Ceiling * math.Min(norm, 1)

	tier := TierForScore(score)
	if tier > models.TierStandard {
		tier = models.TierStandard
	}
	return Result{Score: score, Tier: tier}
}

// ClassifyAll fills in Importance, Tier, Rule and Ambiguous on a copy of
// entities. Ambiguous entities are kept at the standard tier; err lists them
// as a ClassificationAmbiguous fault so the caller can log it.
func (c *Classifier) ClassifyAll(entities []models.Entity) ([]models.Entity, error) {
	out := make([]models.Entity, len(entities))
	var ambiguous []string
	for i, e := range entities {
		res := c.Classify(e)
		e.Importance = res.Score
		e.Tier = res.Tier
		e.Rule = res.Rule
		e.Ambiguous = res.Ambiguous
		out[i] = e
		if res.Ambiguous {
			ambiguous = append(ambiguous, e.ID.String())
		}
	}
	if len(ambiguous) > 0 {
		return out, faults.Newf(faults.ClassificationAmbiguous, "classify",
			"%d entities without rule or readings defaulted to standard: %v", len(ambiguous), ambiguous)
	}
	return out, nil
}

// Rules returns the number of compiled rules.
func (c *Classifier) Rules() int { return len(c.rules) }

func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
