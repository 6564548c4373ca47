//go:build windows

// Package service provides Windows Service integration.
// When running as a Windows service, the governor enters the SCM control loop.
// When running from a terminal, it runs in the foreground.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
)

// Name is the service name registered with the SCM.
const Name = "TelemetryGovernor"

// stopTimeout bounds how long the SCM waits for the final state commit.
const stopTimeout = 15 * time.Second

// GovernorService implements svc.Handler.
type GovernorService struct {
	logger *zap.Logger
	runFn  func(ctx context.Context) error
}

// New wraps runFn, which must return once its context is cancelled.
func New(logger *zap.Logger, runFn func(ctx context.Context) error) *GovernorService {
	return &GovernorService{
		logger: logger,
		runFn:  runFn,
	}
}

// IsWindowsService checks if the process is running as a Windows service.
func IsWindowsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// Run starts the Windows service control loop.
func (s *GovernorService) Run() error {
	return svc.Run(Name, s)
}

// Execute implements the svc.Handler interface.
func (s *GovernorService) Execute(_ []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.runFn(ctx) }()

	changes <- svc.Status{
		State:   svc.Running,
		Accepts: svc.AcceptStop | svc.AcceptShutdown,
	}
	s.logger.Info("Windows service started")

	for {
		select {
		case err := <-done:
			// The governor stopped on its own; report it to the SCM.
			if err != nil {
				s.logger.Error("Governor exited", zap.Error(err))
				return false, 1
			}
			return false, 0
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.logger.Info("Windows service stopping")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case <-done:
				case <-time.After(stopTimeout):
					s.logger.Warn("Governor did not stop in time")
				}
				return false, 0
			default:
				s.logger.Warn("Unexpected service control request",
					zap.Uint32("cmd", uint32(c.Cmd)))
			}
		}
	}
}
