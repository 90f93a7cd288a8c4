/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Command scan-worker is the execution plane: it polls the scan task queue
// and hosts MissionWorkflow plus its activities. Tool processes run in the
// sandbox, the reasoning loop runs against the configured model provider,
// and events flow out through Redis for the control plane to mirror.
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
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sentryai/sentry/internal/config"
	"github.com/sentryai/sentry/internal/events/redisbridge"
	"github.com/sentryai/sentry/internal/guardrail"
	"github.com/sentryai/sentry/internal/llm"
	"github.com/sentryai/sentry/internal/notify"
	"github.com/sentryai/sentry/internal/sandbox"
	"github.com/sentryai/sentry/internal/store"
	"github.com/sentryai/sentry/internal/telemetry"
	"github.com/sentryai/sentry/internal/tools"
	"github.com/sentryai/sentry/internal/workflow"
)

var version = "dev"

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
		fmt.Fprintln(os.Stderr, "scan-worker:", err)
		return exitConfig
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scan-worker:", err)
		return exitConfig
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.HasLLM() {
		logger.Error("no model provider configured, set LLM_API_KEY or LLM_BASE_URL")
		return exitConfig
	}
	llmClient, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		logger.Error("model provider rejected", zap.Error(err))
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, "scan-worker", version)
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

	st, err := store.Open(cfg.DatabaseURL, cfg.DataDir, logger.Named("store"))
	if err != nil {
		logger.Error("store unavailable", zap.Error(err))
		return exitBackend
	}
	defer st.Close()

	reg, err := tools.Open(cfg.ToolDir(), logger.Named("tools"))
	if err != nil {
		logger.Error("tool registry unavailable", zap.Error(err))
		return exitConfig
	}

	// Mission memory survives worker restarts only when Redis is present;
	// the ring fallback is per-process.
	var memory guardrail.Memory = guardrail.NewRingMemory()
	var eventConn redisbridge.Conn
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
		memory = guardrail.NewRedisMemory(rdb)
		eventConn = rdb
		logger.Info("redis connected, events and memory are shared")
	} else {
		logger.Warn("no redis configured, events stay local to this worker")
	}

	var runner sandbox.Runner
	if cfg.Development {
		runner = sandbox.NewLocal(logger.Named("sandbox"))
		logger.Warn("development mode, tools execute on the host")
	} else {
		docker, err := sandbox.NewDocker(logger.Named("sandbox"))
		if err != nil {
			logger.Error("docker unavailable", zap.Error(err))
			return exitBackend
		}
		runner = docker
	}

	engine := guardrail.NewEngine(llmClient, guardrail.NewValidator(reg), memory, logger.Named("guardrail"))
	notifier := notify.NewReloader(
		integrationRoutes(st, logger.Named("notify")),
		0, // default TTL
		notify.NewRateLimiter(0, 0),
		logger.Named("notify"),
	)

	acts := &workflow.Activities{
		Engine:   engine,
		Registry: reg,
		Runner:   runner,
		Redis:    eventConn,
		Memory:   memory,
		Notifier: notifier,
		Recorder: st,
		Log:      logger.Named("activity"),
	}
	w := workflow.NewWorker(tc, acts)

	logger.Info("scan worker polling",
		zap.String("task_queue", workflow.TaskQueue),
		zap.String("temporal", cfg.Temporal.Host),
		zap.String("provider", cfg.LLM.Provider),
	)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("worker exited", zap.Error(err))
		return exitBackend
	}
	return exitOK
}

// integrationRoutes builds the notification route set from integration rows.
// Rows with broken config are skipped so one bad integration cannot silence
// the rest.
func integrationRoutes(st store.Store, log *zap.Logger) func(context.Context) ([]notify.Route, error) {
	return func(ctx context.Context) ([]notify.Route, error) {
		rows, err := st.ListIntegrations(ctx, true)
		if err != nil {
			return nil, err
		}
		routes := make([]notify.Route, 0, len(rows))
		for _, row := range rows {
			ch, err := notify.NewChannel(row.Type, row.Config)
			if err != nil {
				log.Warn("integration skipped",
					zap.String("id", row.ID),
					zap.String("type", row.Type),
					zap.Error(err),
				)
				continue
			}
			routes = append(routes, notify.Route{
				Channel:     ch,
				MinSeverity: notify.ParseMinSeverity(row.MinSeverity),
			})
		}
		return routes, nil
	}
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
