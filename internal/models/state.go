package models

import (
	"sort"
	"time"
)

// StateVersion is bumped whenever ControllerState changes incompatibly.
const StateVersion = 1

// TransitionKind tells automatic moves apart from the markers written by the
// guard and by operators.
type TransitionKind string

const (
	TransitionAuto      TransitionKind = "auto"
	TransitionThrashing TransitionKind = "thrashing"
	TransitionOverride  TransitionKind = "override"
	TransitionResume    TransitionKind = "resume"
	TransitionRecovery  TransitionKind = "recovery"
)

// Transition is one entry of the bounded history ring.
type Transition struct {
	ID       string          `json:"id"`
	Kind     TransitionKind  `json:"kind"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Reason   string          `json:"reason"`
	At       time.Time       `json:"at"`
	Snapshot MetricsSnapshot `json:"snapshot"`
}

// SmoothingKey addresses one smoothed series.
type SmoothingKey struct {
	Entity EntityID `json:"entity"`
	Metric string   `json:"metric"`
}

func (k SmoothingKey) String() string {
	return k.Entity.String() + ":" + k.Metric
}

// SmoothingRecord is the EWMA state for one (entity, metric) pair.
type SmoothingRecord struct {
	Key          SmoothingKey `json:"key"`
	EWMA         float64      `json:"ewma"`
	Alpha        float64      `json:"alpha"`
	AnomalyScore float64      `json:"anomaly_score"`
	LastUpdated  time.Time    `json:"last_updated"`
	Observations int          `json:"observations"`
}

// SortSmoothingRecords orders records by entity then metric so serialized
// state is byte-stable.
func SortSmoothingRecords(records []SmoothingRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].Key, records[j].Key
		if a.Entity.Host != b.Entity.Host {
			return a.Entity.Host < b.Entity.Host
		}
		if a.Entity.Name != b.Entity.Name {
			return a.Entity.Name < b.Entity.Name
		}
		return a.Metric < b.Metric
	})
}

// ControllerState is the persisted singleton owned by the control loop.
type ControllerState struct {
	Version        int       `json:"version"`
	InstanceID     string    `json:"instance_id"`
	Profile        string    `json:"profile"`
	LastTransition time.Time `json:"last_transition"`

	// Override pins a profile chosen by an operator. Automatic transitions are
	// disabled while it is set.
	Override string `json:"override,omitempty"`

	// Suspended is set by the guard on thrashing. SuspendedUntil is the end of
	// the cooldown.
	Suspended      bool      `json:"suspended,omitempty"`
	SuspendedUntil time.Time `json:"suspended_until,omitempty"`

	History   []Transition      `json:"history"`
	Smoothing []SmoothingRecord `json:"smoothing,omitempty"`
}

// DefaultState is the state of a controller that has never run.
func DefaultState(instanceID, safeProfile string) ControllerState {
	return ControllerState{
		Version:    StateVersion,
		InstanceID: instanceID,
		Profile:    safeProfile,
		History:    []Transition{},
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s ControllerState) Clone() ControllerState {
	out := s
	out.History = append([]Transition(nil), s.History...)
	if s.Smoothing != nil {
		out.Smoothing = append([]SmoothingRecord(nil), s.Smoothing...)
	}
	if out.History == nil {
		out.History = []Transition{}
	}
	return out
}

// Record appends t to the history ring, dropping the oldest entries beyond
// limit, and moves the active profile to t.To.
func (s *ControllerState) Record(t Transition, limit int) {
	s.History = append(s.History, t)
	if limit > 0 && len(s.History) > limit {
		s.History = append([]Transition(nil), s.History[len(s.History)-limit:]...)
	}
	s.Profile = t.To
	s.LastTransition = t.At
}
