//go:build windows

package autostart

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"github.com/vitalis-app/governor/internal/service"
)

const (
	serviceDisplay = "Telemetry Profile Governor"
	serviceDesc    = "Switches the telemetry agent between filtering profiles to hold cost and coverage targets"

	stopTimeout = 20 * time.Second
)

// The governor keeps the agent on the last published profile while it is
// down, so failures are restarted quickly and the counter resets daily.
var recovery = []mgr.RecoveryAction{
	{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
	{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
	{Type: mgr.ServiceRestart, Delay: 2 * time.Minute},
}

const recoveryResetSeconds = 24 * 60 * 60

type scmManager struct{}

// New returns the Service Control Manager backed Manager.
func New() Manager {
	return scmManager{}
}

func (scmManager) ServiceName() string { return service.Name }

func (scmManager) IsInstalled() (bool, error) {
	m, err := mgr.Connect()
	if err != nil {
		return false, fmt.Errorf("connecting to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(service.Name)
	if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening service: %w", err)
	}
	s.Close()
	return true, nil
}

// Install registers the governor with the config path baked into its
// arguments, sets restart-on-failure and starts it. An existing
// registration is left alone.
func (scmManager) Install(opts Options) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to SCM: %w", err)
	}
	defer m.Disconnect()

	if s, err := m.OpenService(service.Name); err == nil {
		s.Close()
		return fmt.Errorf("service %s is already installed; run uninstall first", service.Name)
	}

	s, err := m.CreateService(service.Name, opts.ExecPath, mgr.Config{
		DisplayName:      serviceDisplay,
		Description:      serviceDesc,
		StartType:        mgr.StartAutomatic,
		DelayedAutoStart: true,
	}, opts.Args()...)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	defer s.Close()

	if err := s.SetRecoveryActions(recovery, recoveryResetSeconds); err != nil {
		s.Delete()
		return fmt.Errorf("setting recovery actions: %w", err)
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	return nil
}

// Uninstall stops the governor, waiting for its final state commit, then
// removes the registration.
func (scmManager) Uninstall() error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(service.Name)
	if err != nil {
		return fmt.Errorf("opening service: %w", err)
	}
	defer s.Close()

	if err := waitStopped(s); err != nil {
		return err
	}
	if err := s.Delete(); err != nil {
		return fmt.Errorf("deleting service: %w", err)
	}
	return nil
}

func waitStopped(s *mgr.Service) error {
	st, err := s.Query()
	if err != nil {
		return fmt.Errorf("querying service: %w", err)
	}
	if st.State == svc.Stopped {
		return nil
	}
	if st.State != svc.StopPending {
		if st, err = s.Control(svc.Stop); err != nil {
			return fmt.Errorf("stopping service: %w", err)
		}
	}

	deadline := time.Now().Add(stopTimeout)
	for st.State != svc.Stopped {
		if time.Now().After(deadline) {
			return fmt.Errorf("service did not stop within %s", stopTimeout)
		}
		time.Sleep(250 * time.Millisecond)
		if st, err = s.Query(); err != nil {
			return fmt.Errorf("querying service: %w", err)
		}
	}
	return nil
}
