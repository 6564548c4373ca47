// Package publisher applies the decided profile to the collection agent. It
// writes the profile document atomically and triggers a reload, retrying
// with exponential backoff in its own goroutine so the control loop never
// waits on the agent.
package publisher

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/fileutil"
	"github.com/vitalis-app/governor/internal/metrics"
	"github.com/vitalis-app/governor/internal/models"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultTimeout    = 5 * time.Second
)

// Config tunes the publisher.
type Config struct {
	// Path is where the agent reads its profile document.
	Path       string
	InstanceID string
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Timeout bounds a single publish attempt.
	Timeout time.Duration
}

// State of the last submitted profile.
type State string

const (
	StateOK      State = "ok"
	StatePending State = "pending"
	StateFailed  State = "failed"
)

// Status is a copy of the publisher's progress for status reporting.
type Status struct {
	State       State     `json:"state"`
	Profile     string    `json:"profile,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Publisher owns the delivery of profiles to the agent.
type Publisher struct {
	cfg      Config
	reloader Reloader
	logger   *zap.Logger
	nowFunc  func() time.Time

	pending chan models.Profile

	mu     sync.Mutex
	status Status
}

// New creates a publisher. A nil reloader means the agent picks up the
// document on its own.
func New(cfg Config, reloader Reloader, logger *zap.Logger) *Publisher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if reloader == nil {
		reloader = NoopReloader{}
	}
	return &Publisher{
		cfg:      cfg,
		reloader: reloader,
		logger:   logger,
		nowFunc:  time.Now,
		pending:  make(chan models.Profile, 1),
		status:   Status{State: StateOK},
	}
}

// Publish makes one attempt to apply p: render, write, reload.
func (p *Publisher) Publish(ctx context.Context, prof models.Profile) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	data, err := Render(prof, p.cfg.InstanceID, p.nowFunc())
	if err != nil {
		return faults.New(faults.PublishFailed, "render", err)
	}
	if err := fileutil.WriteRename(p.cfg.Path, data, 0o644); err != nil {
		return faults.New(faults.PublishFailed, "write document", err)
	}
	if err := p.reloader.Reload(ctx, prof.Name); err != nil {
		return faults.New(faults.PublishFailed, p.reloader.Name()+" reload", err)
	}
	return nil
}

// Submit queues prof for delivery and returns immediately. A newer submission
// replaces one that has not been picked up yet.
func (p *Publisher) Submit(prof models.Profile) {
	p.mu.Lock()
	p.status.State = StatePending
	p.status.Profile = prof.Name
	p.status.Attempts = 0
	p.mu.Unlock()
	metrics.PublishPending.Set(1)

	select {
	case <-p.pending:
	default:
	}
	select {
	case p.pending <- prof:
	default:
		p.logger.Warn("Publish queue contended, dropping submission", zap.String("profile", prof.Name))
	}
}

// Status returns the delivery state of the last submitted profile.
func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Run delivers submitted profiles until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case prof := <-p.pending:
			p.deliver(ctx, prof)
		}
	}
}

// deliver retries prof with exponential backoff. A newer submission arriving
// during a backoff wait takes over and restarts the attempt count.
func (p *Publisher) deliver(ctx context.Context, prof models.Profile) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt)
			p.logger.Warn("Retrying publish",
				zap.String("profile", prof.Name),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case newer := <-p.pending:
				timer.Stop()
				p.logger.Info("Newer profile submitted, abandoning retry",
					zap.String("abandoned", prof.Name),
					zap.String("profile", newer.Name))
				prof = newer
				attempt = 0
			case <-timer.C:
			}
		}

		err := p.Publish(ctx, prof)
		p.recordAttempt(prof.Name, err)
		if err == nil {
			p.logger.Info("Profile published", zap.String("profile", prof.Name), zap.String("path", p.cfg.Path))
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Publish failed",
			zap.String("profile", prof.Name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt >= p.cfg.MaxRetries {
			p.logger.Error("All publish retries exhausted, profile application pending",
				zap.String("profile", prof.Name),
				zap.Error(err))
			p.mu.Lock()
			if p.status.Profile == prof.Name {
				p.status.State = StateFailed
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *Publisher) backoff(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt-1))) * p.cfg.BaseDelay
	if delay > p.cfg.MaxDelay || delay <= 0 {
		delay = p.cfg.MaxDelay
	}
	return delay
}

func (p *Publisher) recordAttempt(profile string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// A newer Submit owns the status; only report attempts for it.
	if p.status.Profile != profile {
		return
	}
	p.status.Attempts++
	if err != nil {
		p.status.LastError = err.Error()
		metrics.PublishAttempts.WithLabelValues("error").Inc()
		return
	}
	p.status.State = StateOK
	p.status.LastError = ""
	p.status.PublishedAt = p.nowFunc()
	metrics.PublishAttempts.WithLabelValues("ok").Inc()
	metrics.PublishPending.Set(0)
}
