package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitalis-app/governor/internal/metrics"
	"github.com/vitalis-app/governor/internal/models"
	"github.com/vitalis-app/governor/internal/publisher"
)

// Mode of the loop as seen by operators.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeOverride  Mode = "override"
	ModeSuspended Mode = "suspended"
)

const (
	PersistenceOK         = "ok"
	PersistenceMemoryOnly = "memory-only"
)

// Status is a point-in-time copy of the controller's externally visible
// state.
type Status struct {
	InstanceID     string                  `json:"instance_id"`
	Profile        string                  `json:"profile"`
	Mode           Mode                    `json:"mode"`
	Override       string                  `json:"override,omitempty"`
	SuspendedUntil *time.Time              `json:"suspended_until,omitempty"`
	LastTransition *time.Time              `json:"last_transition,omitempty"`
	Profiles       []string                `json:"profiles"`
	Publish        publisher.Status        `json:"publish"`
	Persistence    string                  `json:"persistence"`
	Backend        string                  `json:"backend"`
	LastCycleAt    *time.Time              `json:"last_cycle_at,omitempty"`
	LastError      string                  `json:"last_error,omitempty"`
	Snapshot       *models.MetricsSnapshot `json:"snapshot,omitempty"`
}

// Degraded reports whether the loop runs but something needs attention.
func (s Status) Degraded() bool {
	return s.Persistence != PersistenceOK || s.Publish.State != publisher.StateOK || s.Mode == ModeSuspended
}

// Status never waits for a running cycle.
func (c *Controller) Status() Status {
	pub := c.publisher.Status()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := Status{
		InstanceID:  c.st.InstanceID,
		Profile:     c.st.Profile,
		Mode:        ModeAuto,
		Override:    c.st.Override,
		Profiles:    c.profileNames(),
		Publish:     pub,
		Persistence: PersistenceOK,
		Backend:     c.store.Backend(),
		LastError:   c.lastError,
	}
	switch {
	case c.st.Override != "":
		out.Mode = ModeOverride
	case c.st.Suspended:
		out.Mode = ModeSuspended
		if !c.st.SuspendedUntil.IsZero() {
			t := c.st.SuspendedUntil
			out.SuspendedUntil = &t
		}
	}
	if c.memoryOnly {
		out.Persistence = PersistenceMemoryOnly
	}
	if !c.st.LastTransition.IsZero() {
		t := c.st.LastTransition
		out.LastTransition = &t
	}
	if !c.lastCycleAt.IsZero() {
		t := c.lastCycleAt
		out.LastCycleAt = &t
	}
	if c.lastSnapshot != nil {
		snap := *c.lastSnapshot
		out.Snapshot = &snap
	}
	return out
}

// History returns up to limit transitions, oldest first. limit <= 0 returns
// all of them.
func (c *Controller) History(limit int) []models.Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.st.History
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]models.Transition{}, h...)
}

// State returns a copy of the controller state without smoothing records.
func (c *Controller) State() models.ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.Clone()
}

// Override pins name and disables automatic transitions until
// ClearOverride.
func (c *Controller) Override(ctx context.Context, name, reason string) error {
	prof, ok := c.engine.Profile(name)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownProfile, name)
	}
	if reason == "" {
		reason = "manual override"
	}

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	now := c.nowFunc()
	c.mu.Lock()
	next := c.st.Clone()
	c.mu.Unlock()

	next.Record(c.transition(models.TransitionOverride, next.Profile, name, reason, now, nil), c.cfg.HistorySize)
	next.Override = name
	c.apply(ctx, next)
	metrics.TransitionsTotal.WithLabelValues(string(models.TransitionOverride)).Inc()

	c.logger.Warn("Manual override applied, automatic transitions disabled",
		zap.String("profile", name), zap.String("reason", reason))

	c.publisher.Submit(prof)
	c.published = name
	return nil
}

// ClearOverride re-enables automatic transitions. It also ends a thrashing
// suspension. It reports whether anything changed.
func (c *Controller) ClearOverride(ctx context.Context) bool {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	now := c.nowFunc()
	c.mu.Lock()
	next := c.st.Clone()
	c.mu.Unlock()

	if next.Override == "" && !next.Suspended {
		return false
	}
	reason := "automation re-enabled"
	if next.Override != "" {
		reason = fmt.Sprintf("override %q cleared, automation re-enabled", next.Override)
	}
	next.Override = ""
	next.Suspended = false
	next.SuspendedUntil = time.Time{}
	next.Record(c.transition(models.TransitionResume, next.Profile, next.Profile, reason, now, nil), c.cfg.HistorySize)
	c.apply(ctx, next)
	metrics.TransitionsTotal.WithLabelValues(string(models.TransitionResume)).Inc()

	c.logger.Info("Automation resumed", zap.String("profile", next.Profile), zap.String("reason", reason))
	return true
}

// apply commits next and makes it current. Callers hold cycleMu.
func (c *Controller) apply(ctx context.Context, next models.ControllerState) {
	commitState := next.Clone()
	commitState.Smoothing = c.smoothing.Records()
	c.commit(ctx, commitState)

	c.mu.Lock()
	c.st = next
	c.mu.Unlock()

	metrics.SetActiveProfile(c.profileNames(), next.Profile)
	metrics.Suspended.Set(metrics.BoolGauge(next.Suspended))
}
