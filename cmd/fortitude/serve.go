package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fortitude/internal/breaker"
	"github.com/sawpanic/fortitude/internal/cache"
	"github.com/sawpanic/fortitude/internal/config"
	"github.com/sawpanic/fortitude/internal/fallback"
	"github.com/sawpanic/fortitude/internal/httpapi"
	"github.com/sawpanic/fortitude/internal/llmprovider"
	"github.com/sawpanic/fortitude/internal/metrics"
	"github.com/sawpanic/fortitude/internal/notify"
	"github.com/sawpanic/fortitude/internal/orchestrator"
	"github.com/sawpanic/fortitude/internal/persistence"
	"github.com/sawpanic/fortitude/internal/quality"
	"github.com/sawpanic/fortitude/internal/queue"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the research orchestration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	live := config.NewLive(cfg)

	registry := metrics.New(nil)

	c, err := cache.New(cache.Config{
		BasePath:        cfg.Cache.BasePath,
		CacheExpiration: cfg.Cache.Expiration(),
	})
	if err != nil {
		return err
	}

	engine := fallback.New(registry, fallback.StrategyConfig{
		Kind:             fallback.StrategyKind(cfg.Fallback.Strategy),
		Threshold:        cfg.Fallback.Threshold,
		OrderedProviders: cfg.Fallback.OrderedProviders,
		FallbackToHealth: cfg.Fallback.FallbackToHealth,
	}, fallback.RetryPolicy{
		MaxAttempts:  cfg.Fallback.Retry.MaxAttempts,
		InitialDelay: cfg.Fallback.Retry.InitialDelay,
		MaxDelay:     cfg.Fallback.Retry.MaxDelay,
		Multiplier:   cfg.Fallback.Retry.Multiplier,
		JitterFactor: cfg.Fallback.Retry.JitterFactor,
		TotalTimeCap: cfg.Fallback.Retry.TotalTimeCap,
	})

	cbCfg := breaker.Config{
		FailureThreshold:     uint32(cfg.CircuitBreaker.FailureThreshold),
		OpenDuration:         cfg.CircuitBreaker.OpenDuration,
		HalfOpenTestRequests: uint32(cfg.CircuitBreaker.HalfOpenTestRequests),
		RecoveryThreshold:    cfg.CircuitBreaker.RecoveryThreshold,
	}
	engine.Register("mock-primary", llmprovider.NewMock("mock-primary"), cbCfg)

	learner := quality.NewLearner()

	bus := notify.New()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		bus = bus.WithRedis(redis.NewClient(opt), "fortitude:notifications")
	}

	var store *persistence.Store
	if cfg.PostgresDSN != "" {
		store, err = persistence.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		defer store.Close()
	}

	q := queue.New(queue.Config{
		MaxConcurrentTasks:     cfg.Executor.MaxConcurrentTasks,
		APICallsPerMinute:      cfg.Executor.APICallsPerMinute,
		MaxCPUPercent:          cfg.Executor.MaxCPUPercent,
		MaxMemoryPercent:       cfg.Executor.MaxMemoryPercent,
		ResourceCheckInterval:  cfg.Executor.ResourceCheckInterval,
		TaskTimeout:            cfg.Executor.TaskTimeout,
		MaxRetries:             cfg.Executor.Retry.MaxRetries,
		InitialDelay:           cfg.Executor.Retry.InitialDelay,
		MaxDelay:               cfg.Executor.Retry.MaxDelay,
		Multiplier:             cfg.Executor.Retry.Multiplier,
		ProgressReportInterval: cfg.Executor.ProgressReportInterval,
		ShutdownGrace:          cfg.Executor.ShutdownGrace,
	}, registry, nil, nil)

	orch := orchestrator.New(c, q, engine, learner, bus, store)

	go q.Run(ctx, cfg.Executor.MaxConcurrentTasks)

	reloadStop := make(chan struct{})
	go live.WatchAndReload(reloadStop, configPath, 10*time.Second, func(err error) {
		log.Warn().Err(err).Msg("config reload rejected, retaining previous configuration")
	})
	defer close(reloadStop)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpapi.New(orch, registry, bus)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	q.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.ShutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
