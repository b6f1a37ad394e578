package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tripgate/internal/gateway"
	"github.com/jkaninda/tripgate/internal/gateway/httpapi"
	"github.com/jkaninda/tripgate/internal/gateway/ws"
	"github.com/jkaninda/tripgate/internal/ratelimit"
	"github.com/jkaninda/tripgate/internal/scheduler"
)

const (
	rateLimitPruneInterval = time.Minute
	rateLimitIdle          = 10 * time.Minute
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, event streams and approval sweeper",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `tripgate --port :9090` and
	// `tripgate serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	core, err := openCore()
	if err != nil {
		return err
	}
	defer core.Cleanup()
	cfg, logger := core.Config, core.Logger

	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}
	if len(cfg.Server.APIKeys) == 0 {
		return fmt.Errorf("server.api_keys is empty (set TRIPGATE_API_KEYS=\"key:user,...\")")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := core.StartEngine(ctx)
	if err != nil {
		return err
	}
	if _, err := engine.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling unfinished trips: %w", err)
	}

	// Approval sweeper.
	sweeper, err := scheduler.New(cfg.Approval.Schedule(), core.Gate, cfg.Approval.Timeout(), logger,
		scheduler.WithMetrics(scheduler.NewMetrics(registry(core.Obs))),
	)
	if err != nil {
		return err
	}
	stopSweeper := sweeper.Start(ctx)
	defer stopSweeper()

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})
	if !limiter.Unlimited() {
		go pruneLimiter(ctx, limiter, logger)
	}

	keys := gateway.APIKeys(cfg.Server.APIKeys)
	wsServer := ws.NewServer(engine, core.Hub, keys, logger)

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        keys,
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
		MetricsPath:    cfg.MetricsPath(),
		HealthChecker:  core.Obs.Health,
	}
	if m := core.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.Metrics = m
	}
	if ts := core.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}
	api := httpapi.NewGateway(gwCfg, httpapi.Services{
		Trips:     engine,
		Approvals: core.Gate,
		Policies:  core.Admin,
		Audit:     core.Audit,
		Streams:   core.Hub,
	}, limiter, logger).WithHandler(ws.PathPrefix+"{id}", wsServer.Handler())

	errs := make(chan error, 1)
	go func() { errs <- api.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	// Stop accepting trips first so running ones can record their outcome.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping trip engine", slog.String("error", err.Error()))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("closing websocket streams", slog.String("error", err.Error()))
	}
	if err := api.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}

	logger.Info("tripgate stopped")
	return nil
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(rateLimitPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(rateLimitIdle); n > 0 {
				logger.Debug("rate limit buckets pruned", slog.Int("count", n))
			}
		}
	}
}
