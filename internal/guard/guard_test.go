package guard

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalis-app/governor/internal/engine"
	"github.com/vitalis-app/governor/internal/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		MinDwell:      DefaultMinDwell,
		Window:        DefaultWindow,
		FlapThreshold: DefaultFlapThreshold,
		Cooldown:      DefaultCooldown,
		SafeProfile:   "conservative",
	}
}

func auto(from, to string, at time.Time) models.Transition {
	return models.Transition{Kind: models.TransitionAuto, From: from, To: to, At: at}
}

func step(from, to string) models.Proposal {
	dir := models.TowardAggressive
	if to == "conservative" {
		dir = models.TowardConservative
	}
	return models.Proposal{From: from, To: to, Direction: dir}
}

func TestDwellDeniesEarlyTransition(t *testing.T) {
	g := New(testConfig())
	st := models.DefaultState("i", "conservative")
	st.Record(auto("conservative", "balanced", t0), 50)

	v := g.Approve(step("balanced", "aggressive"), st, t0.Add(4*time.Minute))
	assert.Equal(t, Deny, v.Outcome)
	assert.Contains(t, v.Reason, "dwell")

	v = g.Approve(step("balanced", "aggressive"), st, t0.Add(5*time.Minute))
	assert.Equal(t, Allow, v.Outcome)
	assert.Equal(t, "aggressive", v.Target)
}

func TestFirstTransitionHasNoDwell(t *testing.T) {
	g := New(testConfig())
	v := g.Approve(step("conservative", "balanced"), models.DefaultState("i", "conservative"), t0)
	assert.Equal(t, Allow, v.Outcome)
}

func TestThreeTransitionsInSixMinutesForceSafe(t *testing.T) {
	cfg := testConfig()
	cfg.MinDwell = time.Minute
	g := New(cfg)

	st := models.DefaultState("i", "conservative")
	st.Record(auto("conservative", "balanced", t0), 50)
	st.Record(auto("balanced", "aggressive", t0.Add(3*time.Minute)), 50)
	st.Record(auto("aggressive", "balanced", t0.Add(6*time.Minute)), 50)

	v := g.Approve(models.Proposal{From: "balanced", To: "balanced"}, st, t0.Add(6*time.Minute+30*time.Second))
	assert.Equal(t, ForceSafe, v.Outcome)
	assert.Equal(t, "conservative", v.Target)
	assert.Equal(t, 3, v.Recent)
	assert.Contains(t, v.Reason, "thrashing detected")
}

func TestTransitionsOutsideWindowDoNotCount(t *testing.T) {
	cfg := testConfig()
	cfg.MinDwell = time.Minute
	cfg.Window = 10 * time.Minute
	g := New(cfg)

	st := models.DefaultState("i", "conservative")
	st.Record(auto("conservative", "balanced", t0), 50)
	st.Record(auto("balanced", "aggressive", t0.Add(8*time.Minute)), 50)
	st.Record(auto("aggressive", "balanced", t0.Add(12*time.Minute)), 50)

	v := g.Approve(step("balanced", "aggressive"), st, t0.Add(14*time.Minute))
	assert.Equal(t, Allow, v.Outcome)
	assert.Equal(t, 2, v.Recent)
}

func TestMarkersResetFlapCount(t *testing.T) {
	cfg := testConfig()
	cfg.MinDwell = 0
	g := New(cfg)

	st := models.DefaultState("i", "conservative")
	st.Record(auto("conservative", "balanced", t0), 50)
	st.Record(auto("balanced", "aggressive", t0.Add(time.Minute)), 50)
	st.Record(models.Transition{Kind: models.TransitionResume, From: "aggressive", To: "aggressive", At: t0.Add(2 * time.Minute)}, 50)
	st.Record(auto("aggressive", "balanced", t0.Add(3*time.Minute)), 50)

	assert.Equal(t, 1, g.RecentTransitions(st.History, t0.Add(4*time.Minute)))
}

func TestOverrideAndSuspensionDeny(t *testing.T) {
	g := New(testConfig())

	st := models.DefaultState("i", "conservative")
	st.Override = "aggressive"
	v := g.Approve(step("aggressive", "conservative"), st, t0)
	assert.Equal(t, Deny, v.Outcome)
	assert.Contains(t, v.Reason, "override")

	st = models.DefaultState("i", "conservative")
	st.Suspended = true
	st.SuspendedUntil = t0.Add(30 * time.Minute)
	v = g.Approve(step("conservative", "balanced"), st, t0.Add(10*time.Minute))
	assert.Equal(t, Deny, v.Outcome)
	assert.Contains(t, v.Reason, "suspended")

	assert.False(t, g.Suspended(st, t0.Add(31*time.Minute)), "cooldown elapsed")
}

func TestRequireResumeOutlivesCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.RequireResume = true
	g := New(cfg)

	st := models.DefaultState("i", "conservative")
	st.Suspended = true
	st.SuspendedUntil = t0
	assert.True(t, g.Suspended(st, t0.Add(24*time.Hour)))
	v := g.Approve(step("conservative", "balanced"), st, t0.Add(24*time.Hour))
	assert.Contains(t, v.Reason, "explicitly resumed")
}

// simulate drives engine and guard the way the control loop does and
// returns the resulting history.
func simulate(t *testing.T, g *Guard, e *engine.Engine, cycles int, period time.Duration, seed int64) []models.Transition {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	st := models.DefaultState("sim", e.Initial().Name)
	now := t0

	for range cycles {
		if st.Suspended && !g.Suspended(st, now) {
			st.Suspended = false
		}
		snap := models.MetricsSnapshot{
			Coverage:            0.9 + rng.Float64()*0.1,
			EstimatedHourlyCost: rng.Float64() * 0.6,
			SeriesKept:          rng.Intn(30000),
		}
		p := e.Decide(snap, st.Profile)
		v := g.Approve(p, st, now)
		switch v.Outcome {
		case Allow:
			if p.Changes() {
				st.Record(models.Transition{Kind: models.TransitionAuto, From: p.From, To: p.To, At: now}, 1000)
			}
		case ForceSafe:
			st.Record(models.Transition{Kind: models.TransitionThrashing, From: st.Profile, To: v.Target, At: now}, 1000)
			st.Suspended = true
			st.SuspendedUntil = now.Add(g.Config().Cooldown)
		}
		now = now.Add(period)
	}
	return st.History
}

func TestRandomSequencesRespectDwellAndFlapLimit(t *testing.T) {
	e, err := engine.New([]models.Profile{
		{Name: "conservative", MinImportance: 0.3, TargetSeries: 20000, MinCoverage: 0.99, CostCeiling: 0.5},
		{Name: "balanced", MinImportance: 0.6, TargetSeries: 10000, MinCoverage: 0.95, CostCeiling: 0.25},
		{Name: "aggressive", MinImportance: 0.85, TargetSeries: 5000, MinCoverage: 0.92, CostCeiling: 0.1},
	}, 0)
	require.NoError(t, err)

	for seed := range int64(20) {
		cfg := testConfig()
		cfg.MinDwell = 2 * time.Minute
		g := New(cfg)
		history := simulate(t, g, e, 2000, 30*time.Second, seed)
		require.NotEmpty(t, history)

		var lastAuto time.Time
		for i, tr := range history {
			if tr.Kind != models.TransitionAuto {
				continue
			}
			if !lastAuto.IsZero() {
				require.GreaterOrEqual(t, tr.At.Sub(lastAuto), cfg.MinDwell, "seed %d entry %d", seed, i)
			}
			lastAuto = tr.At

			// Count auto transitions in the window ending here, stopping at markers.
			n := 0
			for j := i; j >= 0; j-- {
				h := history[j]
				if h.Kind != models.TransitionAuto || !h.At.After(tr.At.Add(-cfg.Window)) {
					break
				}
				n++
			}
			require.LessOrEqual(t, n, cfg.FlapThreshold, "seed %d entry %d", seed, i)
		}
	}
}

func TestDefaultsStopTwoProfileAlternation(t *testing.T) {
	g := New(testConfig())
	st := models.DefaultState("i", "balanced")
	now := t0
	forced := 0

	for range 240 {
		if st.Suspended && !g.Suspended(st, now) {
			st.Suspended = false
		}
		to := "aggressive"
		if st.Profile == "aggressive" {
			to = "balanced"
		}
		p := models.Proposal{From: st.Profile, To: to, Direction: models.TowardAggressive}
		switch v := g.Approve(p, st, now); v.Outcome {
		case Allow:
			st.Record(auto(st.Profile, to, now), 1000)
		case ForceSafe:
			forced++
			st.Record(models.Transition{Kind: models.TransitionThrashing, From: st.Profile, To: v.Target, At: now}, 1000)
			st.Suspended = true
			st.SuspendedUntil = now.Add(g.Config().Cooldown)
		}
		now = now.Add(30 * time.Second)
	}

	require.Positive(t, forced, "alternation every dwell period must trip the flap limit")
	first := -1
	for i, tr := range st.History {
		if tr.Kind == models.TransitionThrashing {
			first = i
			break
		}
	}
	assert.Equal(t, DefaultFlapThreshold, first, "thrashing fires right after the threshold is reached")
	assert.Equal(t, "conservative", st.History[first].To)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())
	short := testConfig()
	short.Window = 10 * time.Minute
	assert.Error(t, short.Validate(), "three transitions 5m apart never fit in 10m")
	bad := testConfig()
	bad.FlapThreshold = 0
	assert.Error(t, bad.Validate())
	bad = testConfig()
	bad.SafeProfile = ""
	assert.Error(t, bad.Validate())
}
