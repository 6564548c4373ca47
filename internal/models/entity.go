// Package models defines the data structures shared by the governor's
// components. Snapshot and state values are plain structs serialized to JSON
// for persistence and to the admin API.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is an ordered importance bucket. Higher values are more important.
type Tier int

const (
	TierNoise Tier = iota
	TierStandard
	TierImportant
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierNoise:
		return "noise"
	case TierStandard:
		return "standard"
	case TierImportant:
		return "important"
	case TierCritical:
		return "critical"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier accepts the lowercase tier names.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "noise":
		return TierNoise, nil
	case "standard":
		return TierStandard, nil
	case "important":
		return TierImportant, nil
	case "critical":
		return TierCritical, nil
	default:
		return 0, fmt.Errorf("invalid tier %q (expected critical, important, standard or noise)", s)
	}
}

// MarshalText implements encoding.TextMarshaler so tiers read naturally in
// YAML and JSON.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// EntityID is the stable identity of a monitored process or service instance.
type EntityID struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

func (id EntityID) String() string {
	if id.Host == "" {
		return id.Name
	}
	return id.Host + "/" + id.Name
}

// Entity is one monitored unit as seen during a single cycle. Resource
// readings are percentages; NaN marks a reading the source could not obtain.
// Importance, Tier and Anomaly are filled in by the classifier and the
// smoothing store and are recomputed every cycle.
type Entity struct {
	ID     EntityID `json:"id"`
	PID    int32    `json:"pid,omitempty"`
	CPU    float64  `json:"cpu"`
	Memory float64  `json:"memory"`

	Importance float64 `json:"importance"`
	Tier       Tier    `json:"tier"`
	Rule       string  `json:"rule,omitempty"`
	Ambiguous  bool    `json:"ambiguous,omitempty"`
	Anomaly    float64 `json:"anomaly"`
}

// RawCounters is what the telemetry metrics source returns for one poll.
// Zero counters mean the source does not report them and the aggregator
// derives them from Entities.
type RawCounters struct {
	CollectedAt      time.Time `json:"collected_at"`
	TotalEntities    int       `json:"total_entities"`
	RetainedEntities int       `json:"retained_entities"`
	SeriesKept       int       `json:"series_kept"`
	ActiveProfile    string    `json:"active_profile,omitempty"`
	Entities         []Entity  `json:"entities"`
}

// MetricsSnapshot is the immutable per-cycle view the decision engine
// evaluates. CoverageVacuous is set when there were no critical entities and
// Coverage was reported as 1.0 by definition.
type MetricsSnapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	Profile             string    `json:"profile"`
	TotalEntities       int       `json:"total_entities"`
	KeptEntities        int       `json:"kept_entities"`
	SeriesKept          int       `json:"series_kept"`
	EstimatedHourlyCost float64   `json:"estimated_hourly_cost"`
	Coverage            float64   `json:"coverage"`
	CoverageVacuous     bool      `json:"coverage_vacuous,omitempty"`
	CriticalTotal       int       `json:"critical_total"`
	CriticalKept        int       `json:"critical_kept"`
	AnomalousEntities   int       `json:"anomalous_entities"`
	AmbiguousEntities   int       `json:"ambiguous_entities"`
}
