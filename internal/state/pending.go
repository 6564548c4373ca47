package state

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vitalis-app/governor/internal/faults"
	"github.com/vitalis-app/governor/internal/models"
)

type opener func(ctx context.Context) (Store, error)

// pendingStore stands in for a backend that could not be opened at startup.
// Every Load and Commit retries the open; until one succeeds they fail with
// faults.PersistenceUnavailable and the controller stays in memory-only mode.
type pendingStore struct {
	backend string
	open    opener
	logger  *zap.Logger

	mu    sync.Mutex
	inner Store
}

func newPending(backend string, open opener, logger *zap.Logger) *pendingStore {
	return &pendingStore{backend: backend, open: open, logger: logger}
}

func (s *pendingStore) Backend() string { return s.backend }

func (s *pendingStore) acquire(ctx context.Context) (Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner != nil {
		return s.inner, nil
	}
	inner, err := s.open(ctx)
	if err != nil {
		return nil, faults.New(faults.PersistenceUnavailable, "open "+s.backend, err)
	}
	s.logger.Info("State store opened after retry", zap.String("backend", s.backend))
	s.inner = inner
	return inner, nil
}

func (s *pendingStore) Load(ctx context.Context) (models.ControllerState, error) {
	inner, err := s.acquire(ctx)
	if err != nil {
		return models.ControllerState{}, err
	}
	return inner.Load(ctx)
}

func (s *pendingStore) Commit(ctx context.Context, st models.ControllerState) error {
	inner, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	return inner.Commit(ctx, st)
}

func (s *pendingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner == nil {
		return nil
	}
	return s.inner.Close()
}
