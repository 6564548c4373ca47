//go:build !windows

// Package service provides a stub implementation for non-Windows platforms,
// where the governor runs in the foreground under systemd or a terminal.
package service

import (
	"context"

	"go.uber.org/zap"
)

// Name is the service name registered with the SCM on Windows.
const Name = "TelemetryGovernor"

// GovernorService runs the governor directly.
type GovernorService struct {
	logger *zap.Logger
	runFn  func(ctx context.Context) error
}

// New wraps runFn.
func New(logger *zap.Logger, runFn func(ctx context.Context) error) *GovernorService {
	return &GovernorService{
		logger: logger,
		runFn:  runFn,
	}
}

// IsWindowsService always returns false on non-Windows platforms.
func IsWindowsService() bool {
	return false
}

// Run executes the governor until it returns.
func (s *GovernorService) Run() error {
	return s.runFn(context.Background())
}
