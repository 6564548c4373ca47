package state

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vitalis-app/governor/internal/faults"
)

const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Options select and configure a backend.
type Options struct {
	Backend    string
	Path       string
	RedisURL   string
	InstanceID string
}

// Open builds the configured store wrapped with operation metrics. For the
// file backend Path is the state file; for badger it is the database
// directory.
//
// A badger or redis backend that is unreachable at startup does not fail
// Open: the returned store reports faults.PersistenceUnavailable and retries
// the open on every Load and Commit.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	var open opener
	switch opts.Backend {
	case BackendFile, "":
		path := opts.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, opts.InstanceID+".json")
		}
		s := NewFile(path)
		logger.Info("State store opened", zap.String("backend", s.Backend()))
		return Instrument(s), nil
	case BackendBadger:
		open = func(context.Context) (Store, error) {
			return NewBadger(opts.Path, opts.InstanceID, logger)
		}
	case BackendRedis:
		open = func(ctx context.Context) (Store, error) {
			return NewRedis(ctx, opts.RedisURL, opts.InstanceID)
		}
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}

	s, err := open(ctx)
	switch {
	case err == nil:
		logger.Info("State store opened", zap.String("backend", s.Backend()))
		return Instrument(s), nil
	case faults.KindOf(err) == faults.PersistenceUnavailable:
		logger.Warn("State store unavailable, starting in memory-only mode",
			zap.String("backend", opts.Backend), zap.Error(err))
		return Instrument(newPending(opts.Backend, open, logger)), nil
	default:
		return nil, err
	}
}
