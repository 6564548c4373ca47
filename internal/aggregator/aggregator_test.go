package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vitalis-app/governor/internal/models"
)

var cost = CostModel{DatapointsPerHour: 120, CostPerDatapoint: 0.0001, SeriesPerEntity: 10}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

var balanced = models.Profile{Name: "balanced", MinImportance: 0.85, CPUThreshold: 20, MemoryThreshold: 20}

func ent(name string, tier models.Tier, importance, cpu float64) models.Entity {
	return models.Entity{
		ID:         models.EntityID{Name: name, Host: "h"},
		Tier:       tier,
		Importance: importance,
		CPU:        cpu,
	}
}

func TestAggregateCoverage(t *testing.T) {
	a := New(cost, 0)
	entities := []models.Entity{
		ent("pg-primary", models.TierCritical, 0.95, 1),
		ent("pg-replica", models.TierCritical, 0.82, 1),
		ent("pg-busy", models.TierCritical, 0.82, 40),
		ent("cron", models.TierNoise, 0.1, 0),
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	snap := a.Aggregate(models.RawCounters{CollectedAt: now, TotalEntities: 10}, entities, balanced, now)

	assert.Equal(t, 3, snap.CriticalTotal)
	assert.Equal(t, 2, snap.CriticalKept, "replica falls below min importance and cpu")
	assert.InDelta(t, 2.0/3.0, snap.Coverage, 1e-9)
	assert.False(t, snap.CoverageVacuous)
	assert.Equal(t, 2, snap.KeptEntities)
	assert.Equal(t, 10, snap.TotalEntities)
	assert.Equal(t, 20, snap.SeriesKept)
	assert.InDelta(t, 20*120*0.0001, snap.EstimatedHourlyCost, 1e-12)
	assert.Equal(t, "balanced", snap.Profile)
	assert.Equal(t, now, snap.Timestamp)
}

func TestAggregateStampsCycleTimeWithoutCollectionTime(t *testing.T) {
	a := New(cost, 0)
	assert.Equal(t, t0, a.Aggregate(models.RawCounters{}, nil, balanced, t0).Timestamp)

	collected := t0.Add(-2 * time.Second)
	assert.Equal(t, collected, a.Aggregate(models.RawCounters{CollectedAt: collected}, nil, balanced, t0).Timestamp)
}

func TestAggregateNoCriticalEntitiesIsVacuous(t *testing.T) {
	a := New(cost, 0)

	snap := a.Aggregate(models.RawCounters{}, nil, balanced, t0)
	assert.Equal(t, 1.0, snap.Coverage)
	assert.True(t, snap.CoverageVacuous)

	snap = a.Aggregate(models.RawCounters{}, []models.Entity{ent("x", models.TierStandard, 0.4, 0)}, balanced, t0)
	assert.Equal(t, 1.0, snap.Coverage)
	assert.True(t, snap.CoverageVacuous)
}

func TestAggregatePrefersReportedSeries(t *testing.T) {
	a := New(cost, 0)
	snap := a.Aggregate(models.RawCounters{SeriesKept: 5000}, []models.Entity{ent("x", models.TierCritical, 1, 0)}, balanced, t0)
	assert.Equal(t, 5000, snap.SeriesKept)
	assert.InDelta(t, 5000*120*0.0001, snap.EstimatedHourlyCost, 1e-9)
}

func TestAggregateRetainsAnomalous(t *testing.T) {
	a := New(cost, 1.5)
	quiet := ent("db", models.TierCritical, 0.81, 0)
	spiking := quiet
	spiking.ID.Name = "db-2"
	spiking.Anomaly = 2

	snap := a.Aggregate(models.RawCounters{}, []models.Entity{quiet, spiking}, balanced, t0)
	assert.Equal(t, 1, snap.AnomalousEntities)
	assert.Equal(t, 1, snap.CriticalKept)
	assert.InDelta(t, 0.5, snap.Coverage, 1e-9)
}

func TestAggregateCountsAmbiguous(t *testing.T) {
	a := New(cost, 0)
	e := ent("?", models.TierStandard, 0.3, 0)
	e.Ambiguous = true
	snap := a.Aggregate(models.RawCounters{}, []models.Entity{e}, balanced, t0)
	assert.Equal(t, 1, snap.AmbiguousEntities)
	assert.Equal(t, 1, snap.TotalEntities)
}

func TestCostModelValidate(t *testing.T) {
	assert.NoError(t, cost.Validate())
	assert.Error(t, CostModel{SeriesPerEntity: 0}.Validate())
	assert.Error(t, CostModel{DatapointsPerHour: -1, SeriesPerEntity: 1}.Validate())
}
