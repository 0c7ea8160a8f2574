// Command multiplexd is the reference Service binary: it loads Config,
// builds a logger, constructs a Service over a small demo descriptor (an
// echo RPC, a broadcast PubSub, and a replicated counter SharedObject), and
// serves it until SIGINT/SIGTERM, the same flag/signal/logger shape as
// ws/main.go.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/multiplex/internal/config"
	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/dispatch"
	"github.com/adred-codev/multiplex/internal/logging"
	"github.com/adred-codev/multiplex/internal/plugins"
	"github.com/adred-codev/multiplex/internal/service"

	_ "go.uber.org/automaxprocs"
)

func demoDescriptor(bindAddr string) descriptor.Descriptor {
	return descriptor.Descriptor{
		Transport: descriptor.Transport{Server: bindAddr, Client: bindAddr},
		Endpoints: []descriptor.Endpoint{
			{
				Name:          "echo",
				Type:          descriptor.RPC,
				RequestSchema: []byte(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
				ReplySchema:   []byte(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
			},
			{
				Name:          "broadcast",
				Type:          descriptor.PubSub,
				MessageSchema: []byte(`{"type":"object"}`),
			},
			{
				Name:         "counter",
				Type:         descriptor.SharedObject,
				ObjectSchema: []byte(`{"type":"object","properties":{"value":{"type":"integer"}}}`),
			},
		},
	}
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides MULTIPLEX_LOG_LEVEL)")
	flag.Parse()

	// automaxprocs sets GOMAXPROCS from the container's CPU quota before any
	// worker sizing decisions are made.
	maxProcs := runtime.GOMAXPROCS(0)

	cfg, err := config.Load(nil)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().Int("gomaxprocs", maxProcs).Msg("starting multiplexd")

	d := demoDescriptor(cfg.BindAddr)
	handlers := map[string]dispatch.Handler{
		"echo": func(ctx context.Context, input any) (any, error) {
			return input, nil
		},
	}
	initials := map[string]map[string]any{
		"counter": {"value": float64(0)},
	}

	opts := service.Options{
		HeartbeatMs:        cfg.HeartbeatMs,
		RPCTimeout:         cfg.RPCTimeout,
		PushPullQueueCap:   cfg.PushPullQueueCap,
		RPCRateLimitPerSec: cfg.RPCRateLimitPerSec,
		RPCRateLimitBurst:  cfg.RPCRateLimitBurst,
	}

	var metrics *plugins.Metrics
	if cfg.EnableMetricsPlugin {
		metrics = plugins.NewMetrics()
		opts.ExtraReserved = append(opts.ExtraReserved, plugins.MetricsEndpoint())
		if opts.ExtraHandlers == nil {
			opts.ExtraHandlers = make(map[string]dispatch.Handler)
		}
		opts.ExtraHandlers["_metrics"] = metrics.RPCHandler()
		opts.OnRPCComplete = metrics.ObserveRPC
		opts.OnConnOpen = metrics.ConnectionOpened
		opts.OnConnClose = metrics.ConnectionClosed
		opts.OnSharedObjectPublish = metrics.SetSharedObjectVersion
	}
	if cfg.EnableHealthPlugin {
		health := plugins.NewHealth()
		opts.ExtraReserved = append(opts.ExtraReserved, plugins.HealthEndpoint())
		if opts.ExtraHandlers == nil {
			opts.ExtraHandlers = make(map[string]dispatch.Handler)
		}
		opts.ExtraHandlers["_health"] = health.Handler()
	}

	auditor := plugins.NewAuditor(cfg.AuditNATSURL, "multiplex.audit", logger)
	defer auditor.Close()
	opts.ExtraReserved = append(opts.ExtraReserved, plugins.AuditEndpoint())
	opts.AuditHook = auditor.Hook()

	svc, err := service.New(d, handlers, initials, opts, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct service")
	}
	if ps, ok := svc.PubSub("_audit"); ok {
		auditor.SetSender(func(message any) error { return ps.Send(message) })
	}

	if cfg.EnableMetricsPlugin && metrics != nil {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving /metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics HTTP server exited")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("listening")
		serveErr <- svc.Listen(ctx, cfg.BindAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("service exited unexpectedly")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = shutdownCtx

	if err := svc.Close(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
