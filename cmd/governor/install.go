package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vitalis-app/governor/internal/autostart"
	"github.com/vitalis-app/governor/internal/config"
)

const (
	defaultSystemConfig = "/etc/governor/governor.yaml"
	defaultDataDir      = "/var/lib/governor"
)

// writeDefaultConfig writes the compiled defaults with state and the profile
// document placed under dataDir. An existing file is kept unless force is set.
func writeDefaultConfig(path, dataDir string, force bool) (bool, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return false, nil
	}
	cfg := config.DefaultConfig()
	if dataDir != "" {
		cfg.State.Path = filepath.Join(dataDir, "state")
		cfg.Publisher.Path = filepath.Join(dataDir, "profile.yaml")
	}
	// Services log to the journal or the event log.
	cfg.Logging.File = ""
	if err := config.WriteConfig(cfg, path); err != nil {
		return false, fmt.Errorf("writing config: %w", err)
	}
	return true, nil
}

func initCmd() *cobra.Command {
	var (
		dataDir string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with the built-in defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "governor.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			written, err := writeDefaultConfig(path, dataDir, force)
			if err != nil {
				return err
			}
			if !written {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for state and the profile document")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func installCmd(flags *rootFlags) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Register the governor with the system service manager and start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			exe, err = filepath.Abs(filepath.Clean(exe))
			if err != nil {
				return err
			}

			cfgPath := flags.configPath
			if cfgPath == "" {
				cfgPath = defaultSystemConfig
			}
			written, err := writeDefaultConfig(cfgPath, dataDir, false)
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(cmd.OutOrStdout(), "  Wrote config %s\n", cfgPath)
			}

			mgr := autostart.New()
			if err := mgr.Install(autostart.Options{
				ExecPath:   exe,
				ConfigPath: cfgPath,
				DataDir:    dataDir,
			}); err != nil {
				return fmt.Errorf("registering service: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  Registered service %s\n", mgr.ServiceName())
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", defaultDataDir, "Directory for state and the profile document")
	return cmd
}

func uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop the service and remove its registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr := autostart.New()
			installed, err := mgr.IsInstalled()
			if err != nil {
				return err
			}
			if !installed {
				fmt.Fprintln(cmd.OutOrStdout(), "Service is not installed")
				return nil
			}
			if err := mgr.Uninstall(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed service %s\n", mgr.ServiceName())
			return nil
		},
	}
}
