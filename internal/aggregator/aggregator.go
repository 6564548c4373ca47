// Package aggregator turns one poll of raw counters plus the classified
// entities into the MetricsSnapshot the decision engine evaluates.
package aggregator

import (
	"fmt"
	"time"

	"github.com/vitalis-app/governor/internal/models"
)

// CostModel prices retained series. All values come from configuration.
type CostModel struct {
	DatapointsPerHour float64 `yaml:"datapoints_per_hour"`
	CostPerDatapoint  float64 `yaml:"cost_per_datapoint"`
	// SeriesPerEntity estimates series when the source does not report a
	// series count.
	SeriesPerEntity int `yaml:"series_per_entity"`
}

// Validate checks the cost model.
func (c CostModel) Validate() error {
	if c.DatapointsPerHour < 0 || c.CostPerDatapoint < 0 {
		return fmt.Errorf("cost model values must not be negative")
	}
	if c.SeriesPerEntity <= 0 {
		return fmt.Errorf("series_per_entity must be positive")
	}
	return nil
}

// HourlyCost prices a series count.
func (c CostModel) HourlyCost(series int) float64 {
	return float64(series) * c.DatapointsPerHour * c.CostPerDatapoint
}

// Aggregator is stateless.
type Aggregator struct {
	cost             CostModel
	anomalyThreshold float64
}

// New creates an aggregator. Entities with an anomaly score at or above
// anomalyThreshold count as retained under any profile; zero disables that.
func New(cost CostModel, anomalyThreshold float64) *Aggregator {
	return &Aggregator{cost: cost, anomalyThreshold: anomalyThreshold}
}

// Aggregate builds the snapshot for profile. Retention is evaluated with the
// profile's own filter, the same rule the collection agent applies. Coverage
// is the share of critical entities kept; with no critical entities it is 1
// and CoverageVacuous is set. The snapshot is stamped with the collection
// time, or now when the source did not report one.
func (a *Aggregator) Aggregate(raw models.RawCounters, entities []models.Entity, profile models.Profile, now time.Time) models.MetricsSnapshot {
	snap := models.MetricsSnapshot{
		Timestamp:     raw.CollectedAt,
		Profile:       profile.Name,
		TotalEntities: raw.TotalEntities,
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = now
	}
	if snap.TotalEntities < len(entities) {
		snap.TotalEntities = len(entities)
	}

	for _, e := range entities {
		anomalous := a.anomalyThreshold > 0 && e.Anomaly >= a.anomalyThreshold
		if anomalous {
			snap.AnomalousEntities++
		}
		if e.Ambiguous {
			snap.AmbiguousEntities++
		}
		kept := profile.Retains(e, anomalous)
		if kept {
			snap.KeptEntities++
		}
		if e.Tier == models.TierCritical {
			snap.CriticalTotal++
			if kept {
				snap.CriticalKept++
			}
		}
	}

	if snap.CriticalTotal == 0 {
		snap.Coverage = 1
		snap.CoverageVacuous = true
	} else {
		snap.Coverage = float64(snap.CriticalKept) / float64(snap.CriticalTotal)
	}

	if raw.SeriesKept > 0 {
		snap.SeriesKept = raw.SeriesKept
	} else {
		snap.SeriesKept = snap.KeptEntities * a.cost.SeriesPerEntity
	}
	snap.EstimatedHourlyCost = a.cost.HourlyCost(snap.SeriesKept)

	return snap
}
