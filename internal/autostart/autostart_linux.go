//go:build linux

package autostart

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	serviceName     = "telemetry-governor"
	defaultUnitPath = "/etc/systemd/system/telemetry-governor.service"
)

// unitTemplate is the systemd unit written during installation.
const unitTemplate = `[Unit]
Description=Telemetry profile governor
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={exec}
Restart=always
RestartSec=10
StandardOutput=journal
StandardError=journal
SyslogIdentifier=telemetry-governor

NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=true
ReadWritePaths={dataDir}
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`

// linuxManager implements Manager using systemd.
type linuxManager struct {
	unitPath string
	run      func(name string, args ...string) error
}

// New returns a Manager that uses systemd for service management.
func New() Manager {
	return &linuxManager{unitPath: defaultUnitPath, run: runCommand}
}

func runCommand(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// ServiceName returns the systemd service name.
func (l *linuxManager) ServiceName() string { return serviceName }

// IsInstalled checks whether the unit file exists.
func (l *linuxManager) IsInstalled() (bool, error) {
	_, err := os.Stat(l.unitPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking unit file: %w", err)
	}
	return true, nil
}

// renderUnit fills the unit template for opts.
func renderUnit(opts Options) string {
	cmdline := append([]string{opts.ExecPath}, opts.Args()...)
	unit := strings.ReplaceAll(unitTemplate, "{exec}", strings.Join(cmdline, " "))
	return strings.ReplaceAll(unit, "{dataDir}", opts.DataDir)
}

// Install writes the unit file, reloads the daemon, enables and starts the service.
func (l *linuxManager) Install(opts Options) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("installing a systemd service requires root privileges\n\nRun with sudo:\n  sudo %s install", os.Args[0])
	}
	if opts.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if err := os.WriteFile(l.unitPath, []byte(renderUnit(opts)), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	commands := [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", serviceName},
		{"systemctl", "start", serviceName},
	}
	for _, args := range commands {
		if err := l.run(args[0], args[1:]...); err != nil {
			return fmt.Errorf("running %s: %w", strings.Join(args, " "), err)
		}
	}
	return nil
}

// Uninstall stops, disables, and removes the systemd service.
func (l *linuxManager) Uninstall() error {
	_ = l.run("systemctl", "stop", serviceName)
	_ = l.run("systemctl", "disable", serviceName)

	if err := os.Remove(l.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}

	_ = l.run("systemctl", "daemon-reload")
	return nil
}
