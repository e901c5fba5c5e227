package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	server "lockstep/server"
	"lockstep/server/internal/config"
	"lockstep/server/internal/delay"
	"lockstep/server/internal/metrics"
	servernet "lockstep/server/internal/net"
	"lockstep/server/internal/net/intake"
	"lockstep/server/internal/observability"
	"lockstep/server/internal/replay"
	"lockstep/server/internal/scheduler"
	"lockstep/server/internal/session"
	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/tracing"
	"lockstep/server/logging"
	loggingSinks "lockstep/server/logging/sinks"
)

const (
	serviceName     = "lockstep-server"
	shutdownTimeout = 5 * time.Second
)

// Options carries collaborators that are not read from the environment.
type Options struct {
	Logger telemetry.Logger
}

// Run loads the configuration and serves until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return Serve(ctx, cfg, opts)
}

// Serve wires every component for cfg and serves until ctx is cancelled.
func Serve(ctx context.Context, cfg config.Config, opts Options) error {
	telemetryLogger := opts.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	router, closeSinks, err := newRouter(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
		closeSinks()
	}()

	registry := metrics.NewRegistry()

	provider, shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("configure tracing: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := shutdownTracing(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to flush traces: %v", cerr)
		}
	}()

	hubCfg := HubConfig(cfg)
	hubCfg.Logger = telemetryLogger
	hubCfg.Metrics = registry
	hubCfg.Tracer = provider.Tracer(serviceName)

	if cfg.ReplayPath != "" {
		store, err := replay.Open(cfg.ReplayPath)
		if err != nil {
			return fmt.Errorf("open replay journal: %w", err)
		}
		recorder := replay.NewRecorder(store, replay.RecorderConfig{
			Logger:  telemetryLogger,
			Metrics: registry,
		})
		defer func() {
			recorder.Close()
			if cerr := store.Close(); cerr != nil {
				telemetryLogger.Printf("failed to close replay journal: %v", cerr)
			}
		}()
		hubCfg.Recorder = recorder
	}

	hub := server.NewHubWithConfig(hubCfg, router)

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:        telemetryLogger,
		Observability: observability.Config{EnablePprof: cfg.EnablePprof},
		Metrics:       registry.Handler(),
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		telemetryLogger.Printf("server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(closeCtx)
	})
	return g.Wait()
}

// HubConfig maps the process configuration onto the hub settings.
func HubConfig(cfg config.Config) server.HubConfig {
	hubCfg := server.DefaultHubConfig()
	interval := cfg.TickInterval()

	minDeadline := cfg.MinDeadline
	if minDeadline <= 0 {
		minDeadline = interval
	}
	hubCfg.Scheduler = scheduler.Config{
		TickRate:         cfg.TickRate,
		CatchupMaxTicks:  cfg.CatchupMaxTicks,
		MaxOutstanding:   cfg.MaxOutstandingTicks,
		FutureSlack:      cfg.FutureSlackTicks,
		MinDeadline:      minDeadline,
		MaxAcceptableRTT: cfg.MaxAcceptableRTT,
		GraceMultiplier:  cfg.DeadlineGrace,
	}
	hubCfg.Session = session.Config{
		HeartbeatTimeout:      cfg.HeartbeatTimeout,
		StallAfterMisses:      cfg.StallAfterMisses,
		DisconnectAfterMisses: cfg.DisconnectAfterMisses,
		StallTimeout:          cfg.StallTimeout,
		Delay: delay.Config{
			TickInterval:  interval,
			BaseTicks:     cfg.BaseDelayTicks,
			MinTicks:      cfg.MinDelayTicks,
			MaxTicks:      cfg.MaxDelayTicks,
			Smoothing:     cfg.RTTSmoothing,
			History:       cfg.RTTHistory,
			DecreaseAfter: cfg.DelayDecreaseAfter,
		},
	}
	hubCfg.MinClients = cfg.MinClients
	hubCfg.HeartbeatInterval = cfg.HeartbeatInterval
	hubCfg.HistorySize = cfg.HistorySize
	hubCfg.HistoryMaxAge = cfg.HistoryMaxAge
	hubCfg.MaxPayloadBytes = cfg.MaxPayloadBytes
	hubCfg.Submit = intake.Limits{Rate: cfg.SubmitRate, Burst: cfg.SubmitBurst}
	hubCfg.PeerQueueDepth = cfg.PeerQueueDepth
	return hubCfg
}

func newRouter(cfg config.Config) (*logging.Router, func(), error) {
	severity, err := cfg.Severity()
	if err != nil {
		return nil, nil, err
	}
	logConfig := logging.DefaultConfig()
	logConfig.MinimumSeverity = severity
	logConfig.Fields = map[string]any{"service": serviceName}

	sinks := []logging.NamedSink{
		{Name: logging.SinkConsole, Sink: loggingSinks.NewConsoleSink(os.Stdout, logConfig.Console)},
	}
	closeFile := func() {}
	if cfg.LogJSONPath != "" {
		file, err := os.OpenFile(cfg.LogJSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open json log: %w", err)
		}
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, logging.SinkJSON)
		logConfig.JSON.FilePath = cfg.LogJSONPath
		sinks = append(sinks, logging.NamedSink{
			Name: logging.SinkJSON,
			Sink: loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval),
		})
		closeFile = func() { _ = file.Close() }
	}
	return logging.NewRouter(logging.SystemClock, logConfig, sinks), closeFile, nil
}
