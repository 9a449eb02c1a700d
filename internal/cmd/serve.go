package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/annopipe/internal/app"
	"github.com/3leaps/annopipe/internal/config"
	"github.com/3leaps/annopipe/internal/observability"
	"github.com/3leaps/annopipe/internal/server"
	"github.com/3leaps/annopipe/internal/server/handlers"
	"github.com/3leaps/annopipe/pkg/jobregistry"
	"github.com/3leaps/annopipe/pkg/worker"
)

// signalHealthChecker reports the process as live while it can run code.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error { return nil }

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.PrometheusRegistry == nil || observability.Pipeline == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// registryHealthChecker probes the registry with a lookup that must miss.
type registryHealthChecker struct {
	registry jobregistry.Registry
}

const probeJobID = "annopipe-health-probe"

func (c registryHealthChecker) CheckHealth(ctx context.Context) error {
	if c.registry == nil {
		return errors.New("registry not open")
	}
	_, err := c.registry.Get(ctx, probeJobID)
	if err == nil || errors.Is(err, jobregistry.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("registry: %w", err)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// startOps initialises metrics and health and, when enabled, serves them on
// g until ctx is done.
func startOps(ctx context.Context, g *errgroup.Group, cfg *config.Config, b *app.Backends) error {
	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(); err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}
	if !cfg.Health.Enabled && !cfg.Metrics.Enabled {
		return nil
	}

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signal", signalHealthChecker{})
	if id := GetAppIdentity(); id != nil {
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	hm.RegisterChecker("registry", registryHealthChecker{registry: b.Registry})

	opts := []server.Option{
		server.WithLogger(observability.CLILogger.Named("ops")),
		server.WithRegistry(b.Registry),
		server.WithPprof(cfg.Debug.PprofEnabled),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if cfg.Metrics.Enabled {
		h, err := observability.MetricsHandler()
		if err != nil {
			return err
		}
		opts = append(opts, server.WithMetrics(h))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// stage describes one consumer loop.
type stage struct {
	name  string
	queue string
	// build constructs the handler. The returned drain func, if any, runs
	// after the loop stops.
	build func(ctx context.Context, b *app.Backends) (worker.Handler, func(), error)
}

// recorder returns the pipeline metrics recorder when metrics are enabled.
func recorder() worker.Option {
	if observability.Pipeline == nil {
		return worker.WithRecorder(nil)
	}
	return worker.WithRecorder(observability.Pipeline)
}

func loopConfig(cfg *config.Config, name string) worker.Config {
	return worker.Config{
		Stage:       name,
		MaxMessages: cfg.Queue.MaxMessages,
		WaitTime:    cfg.Queue.WaitTime,
	}
}

// startStage opens the stage's consumer and runs its loop on g.
func startStage(ctx context.Context, g *errgroup.Group, cfg *config.Config, b *app.Backends, s stage) error {
	h, drain, err := s.build(ctx, b)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	consumer, err := b.Consumer(ctx, s.queue)
	if err != nil {
		return fmt.Errorf("%s: open %s: %w", s.name, s.queue, err)
	}
	loop := worker.New(consumer, h, loopConfig(cfg, s.name), observability.CLILogger, recorder())
	g.Go(func() error {
		err := loop.Run(ctx)
		if drain != nil {
			drain()
		}
		return err
	})
	return nil
}

// runStages opens the backends and runs the given stages until a signal.
func runStages(cmd *cobra.Command, cfg *config.Config, stages ...stage) error {
	return runStagesThen(cmd, cfg, nil, stages...)
}

// runStagesThen is runStages with a hook that runs once every loop has
// started.
func runStagesThen(cmd *cobra.Command, cfg *config.Config, after func(context.Context, *app.Backends) error, stages ...stage) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	b, err := app.Open(ctx, cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			observability.CLILogger.Warn("close backends", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if err := startOps(gctx, g, cfg, b); err != nil {
		return err
	}
	for _, s := range stages {
		if err := startStage(gctx, g, cfg, b, s); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}
	if after != nil {
		if err := after(gctx, b); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}
	observability.CLILogger.Info("workers running", zap.Int("stages", len(stages)))
	return g.Wait()
}
