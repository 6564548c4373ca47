// Package main is the entry point for the telemetry profile governor.
// The default command runs the control loop; the remaining subcommands talk
// to a running governor through its admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vitalis-app/governor/internal/config"
	"github.com/vitalis-app/governor/internal/service"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootFlags struct {
	configPath string
	cli        config.CLIOverrides
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "governor",
		Short:         "Closed-loop controller for telemetry filtering profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGovernor(cmd.Context(), flags)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Path to configuration file (default: search standard locations)")
	pf.StringVar(&flags.cli.AdminListen, "admin", "", "Admin API address")
	pf.StringVar(&flags.cli.InstanceID, "instance", "", "Instance id keying persisted state")
	pf.StringVar(&flags.cli.StatePath, "state-path", "", "State file or directory")
	pf.StringVar(&flags.cli.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		runCmd(flags),
		statusCmd(flags),
		historyCmd(flags),
		overrideCmd(flags),
		resumeCmd(flags),
		profilesCmd(flags),
		initCmd(),
		installCmd(flags),
		uninstallCmd(),
		versionCmd(),
	)
	return cmd
}

func runCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGovernor(cmd.Context(), flags)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "governor %s\n", version)
		},
	}
}

// loadConfig resolves the layered configuration. An explicit --config must
// exist; otherwise the standard locations are searched.
func loadConfig(flags *rootFlags) (*config.Config, string, error) {
	path := flags.configPath
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, "", fmt.Errorf("config file: %w", err)
		}
	} else {
		path = config.Locate()
	}
	cfg, err := config.LoadLayered(flags.cli, embeddedConfig, path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func runGovernor(parent context.Context, flags *rootFlags) error {
	cfg, path, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting governor",
		zap.String("version", version),
		zap.String("instance", cfg.Controller.InstanceID),
		zap.String("config", path))

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return err
	}

	if service.IsWindowsService() {
		logger.Info("Running as Windows service")
		svc := service.New(logger, func(ctx context.Context) error {
			return serve(ctx, cfg, path, logger)
		})
		return svc.Run()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received signal, shutting down",
				zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return serve(ctx, cfg, path, logger)
}

// serve builds the governor and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	err = a.run(ctx, path)
	logger.Info("Governor stopped")
	return err
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
func initLogger(cfg *config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Logging.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}
