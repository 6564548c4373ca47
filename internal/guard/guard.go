// Package guard vetoes profile transitions that would make the controller
// oscillate. It enforces a minimum dwell time per profile and, when too many
// automatic transitions land inside a rolling window, pins the safe profile
// and suspends automation.
package guard

import (
	"fmt"
	"time"

	"github.com/vitalis-app/governor/internal/models"
)

// The default window holds FlapThreshold transitions spaced MinDwell apart,
// so a steady two-profile alternation is caught.
const (
	DefaultMinDwell      = 5 * time.Minute
	DefaultWindow        = 15 * time.Minute
	DefaultFlapThreshold = 3
	DefaultCooldown      = 30 * time.Minute
)

// Config tunes the guard.
type Config struct {
	MinDwell      time.Duration
	Window        time.Duration
	FlapThreshold int
	Cooldown      time.Duration
	// SafeProfile is pinned when thrashing is detected.
	SafeProfile string
	// RequireResume keeps automation suspended after the cooldown until an
	// operator re-enables it.
	RequireResume bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinDwell < 0 || c.Window <= 0 || c.Cooldown < 0 {
		return fmt.Errorf("guard durations must not be negative and window must be positive")
	}
	if c.FlapThreshold < 1 {
		return fmt.Errorf("flap threshold must be at least 1")
	}
	if span := c.DwellSpan(); c.Window <= span {
		return fmt.Errorf("window %s must exceed %s (flap threshold %d transitions spaced by min dwell %s) or thrashing can never be detected",
			c.Window, span, c.FlapThreshold, c.MinDwell)
	}
	if c.SafeProfile == "" {
		return fmt.Errorf("safe profile is required")
	}
	return nil
}

// DwellSpan is the shortest time in which FlapThreshold transitions can
// happen under the dwell rule.
func (c Config) DwellSpan() time.Duration {
	return time.Duration(c.FlapThreshold-1) * c.MinDwell
}

// Outcome of an approval request.
type Outcome int

const (
	Deny Outcome = iota
	Allow
	// ForceSafe means thrashing was detected: move to Verdict.Target and
	// suspend automation regardless of the proposal.
	ForceSafe
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case ForceSafe:
		return "force_safe"
	default:
		return "deny"
	}
}

// Verdict is the guard's answer.
type Verdict struct {
	Outcome Outcome
	Target  string
	Reason  string
	// Recent is the number of automatic transitions counted in the window.
	Recent int
}

// Guard is stateless; everything it needs is in ControllerState.
type Guard struct {
	cfg Config
}

// New creates a guard.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// Config returns the guard's configuration.
func (g *Guard) Config() Config { return g.cfg }

// Approve decides whether proposal may be applied to st at now. It is called
// every cycle, including cycles where the engine proposes to stay, so
// thrashing is detected even when the engine has gone quiet.
func (g *Guard) Approve(proposal models.Proposal, st models.ControllerState, now time.Time) Verdict {
	if st.Override != "" {
		return Verdict{Outcome: Deny, Reason: fmt.Sprintf("manual override to %q active", st.Override)}
	}
	if g.Suspended(st, now) {
		return Verdict{Outcome: Deny, Reason: g.suspendedReason(st, now)}
	}

	recent := g.RecentTransitions(st.History, now)
	if recent >= g.cfg.FlapThreshold {
		return Verdict{
			Outcome: ForceSafe,
			Target:  g.cfg.SafeProfile,
			Recent:  recent,
			Reason: fmt.Sprintf("thrashing detected: %d transitions within %s (threshold %d)",
				recent, g.cfg.Window, g.cfg.FlapThreshold),
		}
	}

	if !proposal.Changes() {
		return Verdict{Outcome: Allow, Recent: recent, Reason: proposal.Reason}
	}

	if !st.LastTransition.IsZero() {
		if since := now.Sub(st.LastTransition); since < g.cfg.MinDwell {
			return Verdict{
				Outcome: Deny,
				Recent:  recent,
				Reason: fmt.Sprintf("dwell: %s since last transition, minimum %s",
					since.Truncate(time.Second), g.cfg.MinDwell),
			}
		}
	}

	return Verdict{Outcome: Allow, Target: proposal.To, Recent: recent, Reason: proposal.Reason}
}

// Suspended reports whether automation is still suspended after thrashing.
func (g *Guard) Suspended(st models.ControllerState, now time.Time) bool {
	if !st.Suspended {
		return false
	}
	if g.cfg.RequireResume {
		return true
	}
	return now.Before(st.SuspendedUntil)
}

func (g *Guard) suspendedReason(st models.ControllerState, now time.Time) string {
	if now.Before(st.SuspendedUntil) {
		return fmt.Sprintf("automation suspended after thrashing for another %s",
			st.SuspendedUntil.Sub(now).Truncate(time.Second))
	}
	return "automation suspended after thrashing until explicitly resumed"
}

// RecentTransitions counts automatic transitions inside the rolling window,
// newest first. Counting stops at the most recent thrashing, resume, override
// or recovery marker so an episode that was already handled is not counted
// twice.
func (g *Guard) RecentTransitions(history []models.Transition, now time.Time) int {
	since := now.Add(-g.cfg.Window)
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if !t.At.After(since) {
			break
		}
		if t.Kind != models.TransitionAuto {
			break
		}
		n++
	}
	return n
}
