// Package autostart registers the governor with the host's service manager.
package autostart

import "errors"

// ErrUnsupported is returned on platforms without a supported service manager.
var ErrUnsupported = errors.New("autostart is not supported on this platform")

// Options describe the installed service.
type Options struct {
	// ExecPath is the absolute path of the governor binary.
	ExecPath string
	// ConfigPath is passed as --config.
	ConfigPath string
	// DataDir must be writable by the service; state and the profile
	// document live there.
	DataDir string
}

// Args is the command line the service manager runs.
func (o Options) Args() []string {
	args := []string{"run"}
	if o.ConfigPath != "" {
		args = append(args, "--config", o.ConfigPath)
	}
	return args
}

// Manager provides platform-specific autostart installation.
type Manager interface {
	IsInstalled() (bool, error)
	Install(opts Options) error
	Uninstall() error
	ServiceName() string
}
