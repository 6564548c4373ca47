package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vitalis-app/governor/internal/admin"
	"github.com/vitalis-app/governor/internal/aggregator"
	"github.com/vitalis-app/governor/internal/classifier"
	"github.com/vitalis-app/governor/internal/config"
	"github.com/vitalis-app/governor/internal/controller"
	"github.com/vitalis-app/governor/internal/engine"
	"github.com/vitalis-app/governor/internal/guard"
	"github.com/vitalis-app/governor/internal/publisher"
	"github.com/vitalis-app/governor/internal/smoothing"
	"github.com/vitalis-app/governor/internal/source"
	"github.com/vitalis-app/governor/internal/state"
)

// app is the assembled governor.
type app struct {
	cfg        *config.Config
	controller *controller.Controller
	publisher  *publisher.Publisher
	admin      *admin.Server
	store      state.Store
	logger     *zap.Logger
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	cls, err := classifier.New(cfg.Classifier.Rules, cfg.Classifier.Heuristic)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	smCfg := smoothingConfig(cfg)
	if err := smCfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Cost.Validate(); err != nil {
		return nil, err
	}

	eng, err := engine.New(cfg.Profiles, 0)
	if err != nil {
		return nil, fmt.Errorf("profiles: %w", err)
	}

	gCfg := guardConfig(cfg)
	if err := gCfg.Validate(); err != nil {
		return nil, err
	}

	src, err := buildSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(ctx, state.Options{
		Backend:    cfg.State.Backend,
		Path:       cfg.State.Path,
		RedisURL:   cfg.State.RedisURL,
		InstanceID: cfg.Controller.InstanceID,
	}, logger.Named("state"))
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	pub := publisher.New(publisher.Config{
		Path:       cfg.Publisher.Path,
		InstanceID: cfg.Controller.InstanceID,
		MaxRetries: cfg.Publisher.MaxRetries,
		BaseDelay:  cfg.Publisher.BaseDelay.Duration,
		MaxDelay:   cfg.Publisher.MaxDelay.Duration,
		Timeout:    cfg.Publisher.Timeout.Duration,
	}, buildReloader(cfg), logger.Named("publisher"))

	ctl, err := controller.New(ctx, controller.Config{
		InstanceID:    cfg.Controller.InstanceID,
		Interval:      cfg.Controller.Interval.Duration,
		SourceTimeout: cfg.Controller.SourceTimeout.Duration,
		CommitTimeout: cfg.Controller.CommitTimeout.Duration,
		HistorySize:   cfg.Controller.HistorySize,
	}, controller.Deps{
		Source:     src,
		Classifier: cls,
		Smoothing:  smoothing.New(smCfg),
		Aggregator: aggregator.New(cfg.Cost, cfg.Smoothing.AnomalyThreshold),
		Engine:     eng,
		Guard:      guard.New(gCfg),
		Store:      store,
		Publisher:  pub,
	}, logger.Named("controller"))
	if err != nil {
		store.Close()
		return nil, err
	}

	rt := &app{
		cfg:        cfg,
		controller: ctl,
		publisher:  pub,
		store:      store,
		logger:     logger,
	}
	if cfg.Admin.Listen != "" {
		rt.admin = admin.NewServer(cfg.Admin.Listen, ctl, logger)
	}
	return rt, nil
}

// run blocks until ctx is cancelled or a component fails. configPath, when
// set, is watched for classifier rule changes.
func (rt *app) run(ctx context.Context, configPath string) error {
	defer func() {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("Closing state store", zap.Error(err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.publisher.Run(ctx) })
	g.Go(func() error { return rt.controller.Run(ctx) })
	if rt.admin != nil {
		g.Go(func() error { return rt.admin.Run(ctx) })
	}
	if configPath != "" {
		w := config.NewWatcher(configPath, nil, rt.logger)
		g.Go(func() error { return w.Run(ctx, rt.reloadClassifier) })
	}
	return g.Wait()
}

// reloadClassifier applies new rules between cycles. Other settings need a
// restart.
func (rt *app) reloadClassifier(cfg *config.Config) {
	cls, err := classifier.New(cfg.Classifier.Rules, cfg.Classifier.Heuristic)
	if err != nil {
		rt.logger.Warn("Ignoring invalid classifier rules", zap.Error(err))
		return
	}
	rt.controller.SetClassifier(cls)
	rt.logger.Info("Classifier rules reloaded", zap.Int("rules", cls.Rules()))
}

func buildSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (source.Source, error) {
	timeout := cfg.Controller.SourceTimeout.Duration
	switch cfg.Source.Kind {
	case config.SourceHost:
		return source.Instrumented(source.NewHost(ctx, cfg.Source.TopN)), nil
	case config.SourcePrometheus:
		return source.Instrumented(source.NewPrometheus(cfg.Source.URL, cfg.Source.Metrics, timeout)), nil
	case config.SourceCombined:
		return source.Combine(logger.Named("source"),
			source.Instrumented(source.NewHost(ctx, cfg.Source.TopN)),
			source.Instrumented(source.NewPrometheus(cfg.Source.URL, cfg.Source.Metrics, timeout)),
		), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

func buildReloader(cfg *config.Config) publisher.Reloader {
	switch {
	case cfg.Publisher.ReloadPIDFile != "":
		return publisher.SignalReloader{PIDFile: cfg.Publisher.ReloadPIDFile}
	case cfg.Publisher.ReloadURL != "":
		return publisher.NewHTTPReloader(cfg.Publisher.ReloadURL, cfg.Publisher.ReloadToken, cfg.Publisher.Timeout.Duration)
	default:
		return publisher.NoopReloader{}
	}
}

func smoothingConfig(cfg *config.Config) smoothing.Config {
	return smoothing.Config{
		Alpha:          cfg.Smoothing.Alpha,
		ColdStartFloor: cfg.Smoothing.ColdStartFloor,
		TTL:            cfg.Smoothing.TTL.Duration,
		Epsilon:        cfg.Smoothing.Epsilon,
		Partitions:     cfg.Smoothing.Partitions,
	}
}

func guardConfig(cfg *config.Config) guard.Config {
	return guard.Config{
		MinDwell:      cfg.Guard.MinDwell.Duration,
		Window:        cfg.Guard.Window.Duration,
		FlapThreshold: cfg.Guard.FlapThreshold,
		Cooldown:      cfg.Guard.Cooldown.Duration,
		SafeProfile:   cfg.Guard.SafeProfile,
		RequireResume: cfg.Guard.RequireResume,
	}
}
