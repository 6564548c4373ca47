// Package controller runs the closed control loop. Each cycle polls the
// telemetry source, classifies and smooths entities, aggregates a snapshot,
// asks the decision engine for a proposal, lets the anti-thrashing guard veto
// it, commits the resulting state and hands the active profile to the
// publisher. Cycles run sequentially on one goroutine; readers get copies of
// the state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitalis-app/governor/internal/aggregator"
	"github.com/vitalis-app/governor/internal/classifier"
	"github.com/vitalis-app/governor/internal/engine"
	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/guard"
	"github.com/vitalis-app/governor/internal/metrics"
	"github.com/vitalis-app/governor/internal/models"
	"github.com/vitalis-app/governor/internal/publisher"
	"github.com/vitalis-app/governor/internal/smoothing"
	"github.com/vitalis-app/governor/internal/source"
	"github.com/vitalis-app/governor/internal/state"
)

const (
	DefaultInterval      = 30 * time.Second
	DefaultSourceTimeout = 5 * time.Second
	DefaultCommitTimeout = 5 * time.Second
	DefaultHistorySize   = 100
)

// ErrUnknownProfile is returned by Override for a name not on the ladder.
var ErrUnknownProfile = errors.New("unknown profile")

// Publisher is the part of the profile publisher the loop depends on.
type Publisher interface {
	Submit(models.Profile)
	Status() publisher.Status
}

// Config tunes the loop.
type Config struct {
	InstanceID    string
	Interval      time.Duration
	SourceTimeout time.Duration
	CommitTimeout time.Duration
	HistorySize   int
}

// Deps are the components the loop drives.
type Deps struct {
	Source     source.Source
	Classifier *classifier.Classifier
	Smoothing  *smoothing.Store
	Aggregator *aggregator.Aggregator
	Engine     *engine.Engine
	Guard      *guard.Guard
	Store      state.Store
	Publisher  Publisher
}

// Controller owns ControllerState.
type Controller struct {
	cfg        Config
	src        source.Source
	classifier atomic.Pointer[classifier.Classifier]
	smoothing  *smoothing.Store
	aggregator *aggregator.Aggregator
	engine     *engine.Engine
	guard      *guard.Guard
	store      state.Store
	publisher  Publisher
	logger     *zap.Logger
	nowFunc    func() time.Time

	// cycleMu serializes writers: the loop and operator commands.
	cycleMu   sync.Mutex
	published string

	// mu guards the fields below for short copy-on-read access.
	mu           sync.Mutex
	st           models.ControllerState
	memoryOnly   bool
	lastSnapshot *models.MetricsSnapshot
	lastCycleAt  time.Time
	lastError    string
}

// New builds a controller and loads its state. A missing, corrupt or
// unreadable state never fails New: the loop starts from the safe profile and
// the fault is logged.
func New(ctx context.Context, cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if deps.Source == nil || deps.Classifier == nil || deps.Smoothing == nil || deps.Aggregator == nil ||
		deps.Engine == nil || deps.Guard == nil || deps.Store == nil || deps.Publisher == nil {
		return nil, errors.New("controller: all dependencies are required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("controller: instance id is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	c := &Controller{
		cfg:        cfg,
		src:        deps.Source,
		smoothing:  deps.Smoothing,
		aggregator: deps.Aggregator,
		engine:     deps.Engine,
		guard:      deps.Guard,
		store:      deps.Store,
		publisher:  deps.Publisher,
		logger:     logger.With(zap.String("instance", cfg.InstanceID)),
		nowFunc:    time.Now,
	}
	c.classifier.Store(deps.Classifier)
	c.load(ctx)
	return c, nil
}

func (c *Controller) load(ctx context.Context) {
	now := c.nowFunc()
	safe := c.engine.Initial().Name
	def := models.DefaultState(c.cfg.InstanceID, safe)

	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer cancel()
	st, err := state.LoadOrDefault(loadCtx, c.store, def, c.logger)

	dirty := false
	switch faults.KindOf(err) {
	case faults.KindUnknown:
	case faults.PersistenceCorrupt:
		st.Record(c.transition(models.TransitionRecovery, "", safe, "stored state corrupt, reset to safe default", now, nil), c.cfg.HistorySize)
		dirty = true
	default:
		c.memoryOnly = true
		metrics.StateMemoryOnly.Set(1)
	}

	if _, ok := c.engine.Profile(st.Profile); !ok {
		c.logger.Warn("Stored profile no longer configured, returning to safe default",
			zap.String("stored", st.Profile), zap.String("profile", safe))
		st.Record(c.transition(models.TransitionRecovery, st.Profile, safe,
			fmt.Sprintf("stored profile %q not configured", st.Profile), now, nil), c.cfg.HistorySize)
		dirty = true
	}
	if st.Override != "" {
		if _, ok := c.engine.Profile(st.Override); !ok {
			c.logger.Warn("Stored override no longer configured, clearing", zap.String("override", st.Override))
			st.Override = ""
			dirty = true
		}
	}
	st.InstanceID = c.cfg.InstanceID

	restored := c.smoothing.Restore(st.Smoothing, now)
	if len(st.Smoothing) > 0 {
		c.logger.Info("Restored smoothing state",
			zap.Int("records", restored),
			zap.Int("expired", len(st.Smoothing)-restored))
	}
	st.Smoothing = nil
	c.st = st

	if dirty && !c.memoryOnly {
		c.commit(ctx, st)
	}
	metrics.SetActiveProfile(c.profileNames(), st.Profile)
	metrics.Suspended.Set(metrics.BoolGauge(st.Suspended))
}

// SetClassifier swaps the classification rules used from the next cycle on.
func (c *Controller) SetClassifier(cls *classifier.Classifier) {
	c.classifier.Store(cls)
}

// Run executes cycles on the configured interval until ctx is cancelled. An
// in-flight cycle is always completed and the state committed before Run
// returns.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info("Control loop started",
		zap.Duration("interval", c.cfg.Interval),
		zap.String("profile", c.Status().Profile))

	// Run an initial cycle immediately
	c.Cycle(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			c.flush()
			c.logger.Info("Control loop stopped")
			return nil
		case <-ticker.C:
			c.Cycle(context.WithoutCancel(ctx))
		}
	}
}

// flush commits the current state on shutdown.
func (c *Controller) flush() {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	st := c.st.Clone()
	c.mu.Unlock()
	st.Smoothing = c.smoothing.Records()
	c.commit(context.Background(), st)
}

// Cycle runs one evaluation. It returns a SourceUnavailable fault when the
// source could not be read; the state is then left untouched.
func (c *Controller) Cycle(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := time.Now()
	metrics.CyclesTotal.Inc()
	defer func() {
		metrics.CycleLatency.Observe(time.Since(start).Seconds())
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	raw, err := c.src.Fetch(fetchCtx)
	cancel()
	if err != nil {
		if faults.KindOf(err) != faults.SourceUnavailable {
			err = faults.New(faults.SourceUnavailable, c.src.Name()+" fetch", err)
		}
		c.recordError(err)
		c.logger.Warn("Source unavailable, skipping cycle",
			zap.String("profile", c.Status().Profile),
			zap.Error(err))
		return err
	}
	now := c.nowFunc()

	entities, err := c.classifier.Load().ClassifyAll(raw.Entities)
	if err != nil {
		metrics.CycleErrors.WithLabelValues(faults.KindOf(err).String()).Inc()
		c.logger.Debug("Ambiguous entities defaulted to standard tier", zap.Error(err))
	}
	c.smooth(entities, now)

	// Eviction completes before the snapshot is built.
	if n := c.smoothing.Evict(now); n > 0 {
		metrics.SmoothingEvicted.Add(float64(n))
		c.logger.Debug("Evicted idle smoothing records", zap.Int("count", n))
	}
	metrics.SmoothingEntries.Set(float64(c.smoothing.Len()))

	c.mu.Lock()
	next := c.st.Clone()
	c.mu.Unlock()

	if next.Suspended && !c.guard.Suspended(next, now) {
		next.Suspended = false
		next.SuspendedUntil = time.Time{}
		next.Record(c.transition(models.TransitionResume, next.Profile, next.Profile,
			"thrashing cooldown elapsed, automation resumed", now, nil), c.cfg.HistorySize)
		c.logger.Info("Thrashing cooldown elapsed, automation resumed", zap.String("profile", next.Profile))
	}

	profile, ok := c.engine.Profile(next.Profile)
	if !ok {
		profile = c.engine.Initial()
	}
	snap := c.aggregator.Aggregate(raw, entities, profile, now)
	proposal := c.engine.Decide(snap, next.Profile)
	verdict := c.guard.Approve(proposal, next, now)
	metrics.GuardVerdicts.WithLabelValues(verdict.Outcome.String()).Inc()

	fields := snapshotFields(snap)
	switch verdict.Outcome {
	case guard.Allow:
		if proposal.Changes() {
			next.Record(c.transition(models.TransitionAuto, proposal.From, verdict.Target, proposal.Reason, now, &snap), c.cfg.HistorySize)
			metrics.TransitionsTotal.WithLabelValues(string(models.TransitionAuto)).Inc()
			c.logger.Info("Profile transition",
				append(fields,
					zap.String("from", proposal.From),
					zap.String("to", verdict.Target),
					zap.Stringer("direction", proposal.Direction),
					zap.String("reason", proposal.Reason))...)
		}
	case guard.ForceSafe:
		from := next.Profile
		next.Record(c.transition(models.TransitionThrashing, from, verdict.Target, verdict.Reason, now, &snap), c.cfg.HistorySize)
		next.Suspended = true
		next.SuspendedUntil = now.Add(c.guard.Config().Cooldown)
		metrics.TransitionsTotal.WithLabelValues(string(models.TransitionThrashing)).Inc()
		thrash := faults.Newf(faults.ThrashingDetected, "guard", "%s", verdict.Reason)
		metrics.CycleErrors.WithLabelValues(faults.KindOf(thrash).String()).Inc()
		c.logger.Error("Thrashing detected, pinning safe profile and suspending automation",
			append(fields,
				zap.String("from", from),
				zap.String("to", verdict.Target),
				zap.Time("suspended_until", next.SuspendedUntil),
				zap.Error(thrash))...)
	case guard.Deny:
		if proposal.Changes() {
			c.logger.Info("Transition vetoed",
				append(fields,
					zap.String("from", proposal.From),
					zap.String("proposed", proposal.To),
					zap.String("proposal_reason", proposal.Reason),
					zap.String("reason", verdict.Reason))...)
		}
	}

	commitState := next.Clone()
	commitState.Smoothing = c.smoothing.Records()
	c.commit(ctx, commitState)

	c.mu.Lock()
	c.st = next
	c.lastSnapshot = &snap
	c.lastCycleAt = now
	c.lastError = ""
	c.mu.Unlock()

	c.publish(next.Profile, raw.ActiveProfile)

	metrics.SetActiveProfile(c.profileNames(), next.Profile)
	metrics.Suspended.Set(metrics.BoolGauge(next.Suspended))
	metrics.Coverage.Set(snap.Coverage)
	metrics.HourlyCost.Set(snap.EstimatedHourlyCost)
	metrics.SeriesKept.Set(float64(snap.SeriesKept))
	metrics.AmbiguousEntities.Set(float64(snap.AmbiguousEntities))

	c.logger.Info("Cycle decision",
		append(fields,
			zap.String("decision", proposal.Reason),
			zap.Stringer("verdict", verdict.Outcome),
			zap.Int("recent_transitions", verdict.Recent),
			zap.Duration("took", time.Since(start)))...)
	return nil
}

// smooth feeds every usable reading to the smoothing store and sets each
// entity's anomaly to the larger of its per-metric scores.
func (c *Controller) smooth(entities []models.Entity, now time.Time) {
	for i := range entities {
		e := &entities[i]
		e.Anomaly = math.Max(c.observe(e.ID, "cpu", e.CPU, now), c.observe(e.ID, "memory", e.Memory, now))
	}
}

func (c *Controller) observe(id models.EntityID, metric string, v float64, now time.Time) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	_, score := c.smoothing.Update(models.SmoothingKey{Entity: id, Metric: metric}, v, now)
	return score
}

// commit persists st. Failures switch the loop to memory-only mode and are
// reported every cycle until a commit succeeds again.
func (c *Controller) commit(ctx context.Context, st models.ControllerState) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()

	err := c.store.Commit(commitCtx, st)

	c.mu.Lock()
	wasMemoryOnly := c.memoryOnly
	c.memoryOnly = err != nil
	c.mu.Unlock()
	metrics.StateMemoryOnly.Set(metrics.BoolGauge(err != nil))

	switch {
	case err != nil:
		metrics.CycleErrors.WithLabelValues(faults.KindOf(err).String()).Inc()
		c.logger.Warn("State not persisted, running in memory-only mode",
			zap.String("backend", c.store.Backend()),
			zap.String("profile", st.Profile),
			zap.Error(err))
	case wasMemoryOnly:
		c.logger.Info("State persistence recovered", zap.String("backend", c.store.Backend()))
	}
}

// publish submits the active profile when it has not been handed over yet,
// when the last delivery failed, or when the agent reports another profile.
func (c *Controller) publish(active, reported string) {
	prof, ok := c.engine.Profile(active)
	if !ok {
		return
	}
	status := c.publisher.Status()
	reason := ""
	switch {
	case c.published != active:
		reason = "profile changed"
	case status.State == publisher.StateFailed && status.Profile == active:
		reason = "previous delivery failed"
	case reported != "" && reported != active && status.State == publisher.StateOK:
		reason = fmt.Sprintf("agent reports profile %q", reported)
	default:
		return
	}
	c.logger.Debug("Submitting profile", zap.String("profile", active), zap.String("reason", reason))
	c.publisher.Submit(prof)
	c.published = active
}

func (c *Controller) transition(kind models.TransitionKind, from, to, reason string, at time.Time, snap *models.MetricsSnapshot) models.Transition {
	t := models.Transition{
		ID:     uuid.NewString(),
		Kind:   kind,
		From:   from,
		To:     to,
		Reason: reason,
		At:     at,
	}
	if snap != nil {
		t.Snapshot = *snap
	}
	return t
}

func (c *Controller) recordError(err error) {
	metrics.CycleErrors.WithLabelValues(faults.KindOf(err).String()).Inc()
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

func (c *Controller) profileNames() []string {
	profiles := c.engine.Profiles()
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	return names
}

func snapshotFields(s models.MetricsSnapshot) []zap.Field {
	return []zap.Field{
		zap.String("profile", s.Profile),
		zap.Float64("coverage", s.Coverage),
		zap.Bool("coverage_vacuous", s.CoverageVacuous),
		zap.Float64("hourly_cost", s.EstimatedHourlyCost),
		zap.Int("series_kept", s.SeriesKept),
		zap.Int("entities", s.TotalEntities),
		zap.Int("kept", s.KeptEntities),
		zap.Int("anomalous", s.AnomalousEntities),
	}
}
