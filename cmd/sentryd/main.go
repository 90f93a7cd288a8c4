// Command sentryd runs the SentryAI control plane: REST API, observer
// WebSocket hub, MCP surface, scheduler and Redis event bridge over a single
// listener. Mission execution itself happens in scan-worker processes; this
// daemon only starts, signals and observes workflows.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentryai/sentry/internal/config"
	"github.com/sentryai/sentry/internal/events/redisbridge"
	"github.com/sentryai/sentry/internal/graph"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/server"
	"github.com/sentryai/sentry/internal/telemetry"
	"github.com/sentryai/sentry/internal/tenant"
	"github.com/sentryai/sentry/internal/workflow"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitBackend = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentryd:", err)
		return exitConfig
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentryd:", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, "sentryd", server.Version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	tracing, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		logger.Error("temporal tracing interceptor failed", zap.Error(err))
		return exitConfig
	}
	tc, err := client.Dial(client.Options{
		HostPort:     cfg.Temporal.Host,
		Namespace:    cfg.Temporal.Namespace,
		Logger:       workflow.NewZapAdapter(logger.Named("temporal")),
		Interceptors: []interceptor.ClientInterceptor{tracing},
	})
	if err != nil {
		logger.Error("temporal unreachable",
			zap.String("host", cfg.Temporal.Host),
			zap.Error(err),
		)
		return exitBackend
	}
	defer tc.Close()

	srv, err := server.New(cfg, server.NewTemporalBackend(tc), logger)
	if err != nil {
		logger.Error("control plane init failed", zap.Error(err))
		return exitBackend
	}
	defer srv.Close()

	if cfg.HasRedis() {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", zap.Error(err))
			return exitConfig
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", zap.Error(err))
			return exitBackend
		}
		bridge := redisbridge.New(srv.Bus(), rdb, logger.Named("bridge"))
		bridge.Start(ctx)
		defer bridge.Close()
		logger.Info("redis event bridge connected")
	} else {
		logger.Info("no redis configured, events stay in-process")
	}

	// Asset graph, fed from graph_update events. Mission rows resolve the
	// tenant whose namespace the assets land in.
	assets := graph.NewMemory()
	nsFor := func(missionID string) string {
		tenantID := ""
		if m, err := srv.Store().GetMission(ctx, missionID); err == nil {
			tenantID = m.TenantID
		}
		return tenant.NamespaceFor(tenantID).GraphPrefix()
	}
	ingestor := graph.NewIngestor(assets, nsFor, logger.Named("graph"))
	graphSub := srv.Bus().Subscribe("", mission.TopicGraphUpdate)
	go func() {
		defer graphSub.Close()
		ingestor.Run(ctx, graphSub)
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("control plane exited", zap.Error(err))
		return exitBackend
	}
	return exitOK
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}
