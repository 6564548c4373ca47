// Package state persists the controller's singleton state. Every backend
// stores one JSON document per instance and replaces it atomically, so a
// reader never observes a torn write and committing the same state twice
// leaves the medium unchanged.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/metrics"
	"github.com/vitalis-app/governor/internal/models"
)

// ErrNotFound is returned by Load when no state has been committed yet.
var ErrNotFound = errors.New("state not found")

// Store is a persistence medium for ControllerState.
type Store interface {
	// Load returns the last committed state, ErrNotFound, or an error of kind
	// faults.PersistenceCorrupt or faults.PersistenceUnavailable.
	Load(ctx context.Context) (models.ControllerState, error)
	// Commit atomically replaces the stored state.
	Commit(ctx context.Context, st models.ControllerState) error
	Close() error
	// Backend names the medium for logs and metrics.
	Backend() string
}

// Encode serializes st deterministically: smoothing records are sorted so
// the same logical state always yields the same bytes.
func Encode(st models.ControllerState) ([]byte, error) {
	out := st.Clone()
	if out.Version == 0 {
		out.Version = models.StateVersion
	}
	models.SortSmoothingRecords(out.Smoothing)
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return b, nil
}

// Decode parses and validates a stored document.
func Decode(b []byte) (models.ControllerState, error) {
	var st models.ControllerState
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&st); err != nil {
		return models.ControllerState{}, faults.New(faults.PersistenceCorrupt, "decode state", err)
	}
	if st.Version != models.StateVersion {
		return models.ControllerState{}, faults.Newf(faults.PersistenceCorrupt, "decode state",
			"unsupported state version %d (want %d)", st.Version, models.StateVersion)
	}
	if st.Profile == "" {
		return models.ControllerState{}, faults.Newf(faults.PersistenceCorrupt, "decode state", "state has no active profile")
	}
	if st.History == nil {
		st.History = []models.Transition{}
	}
	return st, nil
}

// LoadOrDefault loads the stored state and falls back to def when there is
// none or it cannot be used. The returned error is nil for a clean load or a
// first start; otherwise it carries the fault kind and the caller proceeds
// with def.
func LoadOrDefault(ctx context.Context, s Store, def models.ControllerState, logger *zap.Logger) (models.ControllerState, error) {
	st, err := s.Load(ctx)
	switch {
	case err == nil:
		logger.Info("Loaded controller state",
			zap.String("backend", s.Backend()),
			zap.String("profile", st.Profile),
			zap.Int("history", len(st.History)),
			zap.Int("smoothing_records", len(st.Smoothing)),
		)
		return st, nil
	case errors.Is(err, ErrNotFound):
		logger.Info("No stored controller state, starting from safe default",
			zap.String("backend", s.Backend()),
			zap.String("profile", def.Profile),
		)
		return def, nil
	case faults.KindOf(err) == faults.PersistenceCorrupt:
		logger.Warn("Stored controller state is corrupt, falling back to safe default",
			zap.String("backend", s.Backend()),
			zap.String("profile", def.Profile),
			zap.Error(err),
		)
		return def, err
	default:
		logger.Warn("Controller state unavailable, falling back to safe default",
			zap.String("backend", s.Backend()),
			zap.String("profile", def.Profile),
			zap.Error(err),
		)
		return def, faults.New(faults.PersistenceUnavailable, "load state", err)
	}
}

// instrumented counts store operations by backend and result.
type instrumented struct {
	Store
}

// Instrument wraps s so its operations are exported as Prometheus counters.
func Instrument(s Store) Store {
	if _, ok := s.(instrumented); ok {
		return s
	}
	return instrumented{Store: s}
}

func (s instrumented) Load(ctx context.Context) (models.ControllerState, error) {
	st, err := s.Store.Load(ctx)
	metrics.StateOps.WithLabelValues(s.Backend(), "load", resultLabel(err)).Inc()
	return st, err
}

func (s instrumented) Commit(ctx context.Context, st models.ControllerState) error {
	err := s.Store.Commit(ctx, st)
	metrics.StateOps.WithLabelValues(s.Backend(), "commit", resultLabel(err)).Inc()
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return faults.KindOf(err).String()
	}
}
