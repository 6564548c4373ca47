package classifier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/models"
)

func tierPtr(t models.Tier) *models.Tier { return &t }

func testRules() []Rule {
	return []Rule{
		{Name: "postgres-primary", Pattern: `^postgres: primary`, Score: 0.95},
		{Name: "databases", Pattern: `^(postgres|mysqld|mongod)`, Score: 0.85},
		{Name: "web", Pattern: `^(nginx|envoy)$`, Score: 0.7},
		{Name: "shells", Pattern: `^(bash|sh|zsh)$`, Score: 0.05, Tier: tierPtr(models.TierNoise)},
	}
}

func entity(name string, cpu, mem float64) models.Entity {
	return models.Entity{ID: models.EntityID{Name: name, Host: "web-01"}, CPU: cpu, Memory: mem}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	c, err := New(testRules(), DefaultHeuristic())
	require.NoError(t, err)

	res := c.Classify(entity("postgres: primary writer", 1, 1))
	assert.Equal(t, 0.95, res.Score)
	assert.Equal(t, models.TierCritical, res.Tier)
	assert.Equal(t, "postgres-primary", res.Rule)

	res = c.Classify(entity("postgres: replica", 1, 1))
	assert.Equal(t, 0.85, res.Score)
	assert.Equal(t, "databases", res.Rule)

	res = c.Classify(entity("nginx", 0, 0))
	assert.Equal(t, models.TierImportant, res.Tier)

	res = c.Classify(entity("bash", 90, 90))
	assert.Equal(t, models.TierNoise, res.Tier, "explicit tier beats resource usage")
}

func TestHeuristicNeverReachesCritical(t *testing.T) {
	c, err := New(nil, DefaultHeuristic())
	require.NoError(t, err)

	for _, e := range []models.Entity{
		entity("miner", 100, 100),
		entity("leak", 0, 400),
		entity("spin", 3200, 0),
	} {
		res := c.Classify(e)
		assert.LessOrEqual(t, res.Score, DefaultCeiling, e.ID.Name)
		assert.Equal(t, models.TierStandard, res.Tier, e.ID.Name)
		assert.False(t, res.Ambiguous)
	}
}

func TestHeuristicScalesWithUsage(t *testing.T) {
	c, err := New(nil, DefaultHeuristic())
	require.NoError(t, err)

	idle := c.Classify(entity("idle", 0, 0))
	busy := c.Classify(entity("busy", 25, 1))
	assert.Equal(t, 0.0, idle.Score)
	assert.Equal(t, models.TierNoise, idle.Tier)
	assert.InDelta(t, DefaultCeiling*0.5, busy.Score, 1e-9)
}

func TestAmbiguousDefaultsToStandard(t *testing.T) {
	c, err := New(testRules(), DefaultHeuristic())
	require.NoError(t, err)

	in := []models.Entity{
		entity("nginx", 1, 1),
		entity("mystery", math.NaN(), math.NaN()),
		entity("partial", math.NaN(), 10),
	}
	out, err := c.ClassifyAll(in)
	require.Len(t, out, 3, "ambiguous entities are never dropped")
	assert.ErrorIs(t, err, faults.ErrClassificationAmbiguous)

	assert.True(t, out[1].Ambiguous)
	assert.Equal(t, models.TierStandard, out[1].Tier)
	assert.Equal(t, StandardFloor, out[1].Importance)
	assert.False(t, out[2].Ambiguous, "one usable reading is enough")
	assert.Equal(t, 0.0, in[0].Importance, "input slice is not modified")
}

func TestClassifyIsDeterministic(t *testing.T) {
	c, err := New(testRules(), DefaultHeuristic())
	require.NoError(t, err)

	e := entity("java", 12.5, 7)
	first := c.Classify(e)
	for range 100 {
		assert.Equal(t, first, c.Classify(e))
	}
}

func TestNewRejectsBadRules(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		h     Heuristic
	}{
		{"bad regexp", []Rule{{Pattern: "("}}, DefaultHeuristic()},
		{"empty pattern", []Rule{{Name: "x"}}, DefaultHeuristic()},
		{"score above one", []Rule{{Pattern: "x", Score: 1.5}}, DefaultHeuristic()},
		{"ceiling in critical", nil, Heuristic{Ceiling: 0.9, CPUFullScale: 1, MemoryFullScale: 1}},
		{"zero scale", nil, Heuristic{Ceiling: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.rules, tt.h)
			assert.Error(t, err)
		})
	}
}

func TestTierForScore(t *testing.T) {
	assert.Equal(t, models.TierCritical, TierForScore(0.8))
	assert.Equal(t, models.TierImportant, TierForScore(0.79))
	assert.Equal(t, models.TierStandard, TierForScore(0.3))
	assert.Equal(t, models.TierNoise, TierForScore(0.29))
}
