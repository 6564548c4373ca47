// Package source pulls the raw counters the controller evaluates each cycle.
// A Source is polled once per cycle under a timeout; any failure is reported
// as faults.SourceUnavailable and the cycle is skipped.
package source

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/metrics"
	"github.com/vitalis-app/governor/internal/models"
)

// Source is the telemetry metrics source.
type Source interface {
	// Name returns the source identifier used in logs and metrics.
	Name() string
	// Fetch returns the counters for one cycle.
	Fetch(ctx context.Context) (models.RawCounters, error)
}

// Combined polls several sources concurrently and merges their counters.
// Entities are concatenated and non-zero counters from later sources win.
type Combined struct {
	sources []Source
	logger  *zap.Logger
}

// Combine returns a single source over all of sources.
func Combine(logger *zap.Logger, sources ...Source) *Combined {
	for _, s := range sources {
		logger.Info("Registered source", zap.String("name", s.Name()))
	}
	return &Combined{sources: sources, logger: logger}
}

func (c *Combined) Name() string { return "combined" }

// Fetch fails when any source fails: partial entity lists would understate
// coverage.
func (c *Combined) Fetch(ctx context.Context) (models.RawCounters, error) {
	results := make([]models.RawCounters, len(c.sources))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for i, s := range c.sources {
		g.Go(func() error {
			raw, err := Instrumented(s).Fetch(gctx)
			if err != nil {
				c.logger.Error("Collection failed", zap.String("source", s.Name()), zap.Error(err))
				return err
			}
			mu.Lock()
			results[i] = raw
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.RawCounters{}, err
	}

	var out models.RawCounters
	for _, r := range results {
		out.Entities = append(out.Entities, r.Entities...)
		if r.CollectedAt.After(out.CollectedAt) {
			out.CollectedAt = r.CollectedAt
		}
		if r.TotalEntities > 0 {
			out.TotalEntities = r.TotalEntities
		}
		if r.RetainedEntities > 0 {
			out.RetainedEntities = r.RetainedEntities
		}
		if r.SeriesKept > 0 {
			out.SeriesKept = r.SeriesKept
		}
		if r.ActiveProfile != "" {
			out.ActiveProfile = r.ActiveProfile
		}
	}
	return out, nil
}

type instrumented struct {
	Source
}

// Instrumented records fetch latency and errors for s.
func Instrumented(s Source) Source {
	if _, ok := s.(instrumented); ok {
		return s
	}
	return instrumented{s}
}

func (s instrumented) Fetch(ctx context.Context) (models.RawCounters, error) {
	start := time.Now()
	raw, err := s.Source.Fetch(ctx)
	metrics.SourceFetchLatency.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SourceErrors.WithLabelValues(s.Name()).Inc()
		if faults.KindOf(err) != faults.SourceUnavailable {
			err = faults.New(faults.SourceUnavailable, s.Name()+" fetch", err)
		}
	}
	return raw, err
}
