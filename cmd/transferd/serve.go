package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"transfer-saga/api"
	"transfer-saga/clients"
	"transfer-saga/config"
	"transfer-saga/guard"
	"transfer-saga/middleware/ratelimit"
	"transfer-saga/middleware/ratelimit/application"
	"transfer-saga/middleware/ratelimit/domain"
	"transfer-saga/middleware/ratelimit/infra"
	"transfer-saga/observability"
	"transfer-saga/saga"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, configPath, listen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	setMaxProcs(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
	}

	handler, err := buildHandler(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// maior que saga.timeout, senão a resposta de uma saga lenta se perde
		WriteTimeout: max(30*time.Second, cfg.Saga.Timeout+5*time.Second),
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout)
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("transferd listening",
		"addr", cfg.ListenAddr,
		"version", Version,
		"redis", cfg.Redis.Addr != "",
		"ratelimit", cfg.RateLimit.Enabled,
		"ratelimit_algorithm", cfg.RateLimit.Algorithm,
		"compensate", cfg.Saga.Compensate,
		"lock_accounts", cfg.Saga.LockAccounts,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("transferd stopped")
	return nil
}

func connectRedis(ctx context.Context, cfg config.Redis) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// buildHandler monta breakers, clients, saga e middlewares. rdb nil mantém
// contadores e locks em memória (uma única instância).
func buildHandler(ctx context.Context, cfg config.Config, rdb redis.UniversalClient, logger *slog.Logger) (http.Handler, error) {
	metrics := observability.NewMetrics()

	resolver := clients.StaticResolver(cfg.Dependencies.URLs())
	if err := resolver.Validate(clients.Names()...); err != nil {
		return nil, err
	}

	registry := guard.NewRegistry(guard.Config{
		WindowSize:           cfg.Breaker.WindowSize,
		MinimumCalls:         cfg.Breaker.MinimumCalls,
		FailureRateThreshold: cfg.Breaker.FailureRateThreshold,
		OpenDuration:         cfg.Breaker.OpenDuration,
		HalfOpenProbes:       cfg.Breaker.HalfOpenProbes,
	}, guard.WithBreakerOptions(
		guard.WithLogger(logger),
		guard.WithStateListener(metrics.BreakerStateChanged),
	))
	metrics.InitBreakers(registry, clients.Names()...)

	deps := clients.New(clients.Options{
		Resolver:     resolver,
		HTTPClient:   &http.Client{Transport: http.DefaultTransport},
		Guard:        clients.NewGuard(registry, guard.WithObserver(metrics), guard.WithGuardLogger(logger)),
		Timeout:      cfg.Dependencies.Timeout,
		ReadRetries:  cfg.Dependencies.ReadRetries,
		RetryBackoff: cfg.Dependencies.RetryBackoff,
		Logger:       logger,
	})

	sagaOpts := []saga.Option{
		saga.WithTimeout(cfg.Saga.Timeout),
		saga.WithStepTimeout(cfg.Saga.StepTimeout),
		saga.WithCompensation(cfg.Saga.Compensate, cfg.Saga.CompensationTimeout),
		saga.WithParallelAccountLookup(cfg.Saga.ParallelAccountLookup),
		saga.WithLogger(logger),
		saga.WithRecorder(metrics),
	}
	if cfg.Saga.LockAccounts {
		sagaOpts = append(sagaOpts, saga.WithAccountLocker(newLocker(cfg, rdb)))
	}
	orch, err := saga.NewOrchestrator(deps, sagaOpts...)
	if err != nil {
		return nil, err
	}

	var transferMW []func(http.Handler) http.Handler
	var statsView api.RateLimitStats
	if cfg.RateLimit.Enabled {
		mw, view := rateLimitMiddleware(ctx, cfg, rdb, metrics, logger)
		transferMW = append(transferMW, mw)
		statsView = view
	}
	if cfg.Concurrency.Max > 0 {
		pool := infra.NewChanPool(cfg.Concurrency.Max)
		metrics.WatchSlots(pool)
		transferMW = append(transferMW, ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
			Pool:           pool,
			AcquireTimeout: cfg.Concurrency.Timeout,
			Logger:         logger,
		}))
	}

	return api.NewHandler(orch,
		api.WithBreakers(registry),
		api.WithMetrics(metrics.Handler()),
		api.WithTransferMiddleware(transferMW...),
		api.WithRateLimitStats(statsView),
		api.WithLogger(logger),
	), nil
}

// newLocker: redis quando há mais de uma réplica possível. O TTL cobre o
// prazo da saga, senão o lock expira com a saga ainda entre o saldo e o registro.
func newLocker(cfg config.Config, rdb redis.UniversalClient) saga.AccountLocker {
	if rdb == nil {
		return saga.NewMemoryLocker()
	}
	return saga.NewRedisLocker(rdb,
		saga.WithLockPrefix(cfg.Redis.Prefix+":lock"),
		saga.WithLockTTL(cfg.LockTTL()),
	)
}

// rateLimitMiddleware devolve também o store de estatísticas consultável
// (nil se stats.enabled=false).
func rateLimitMiddleware(ctx context.Context, cfg config.Config, rdb redis.UniversalClient, metrics *observability.Metrics, logger *slog.Logger) (func(http.Handler) http.Handler, api.RateLimitStats) {
	rl := cfg.RateLimit

	var limiter domain.Limiter
	switch rl.Algorithm {
	case config.AlgorithmTokenBucket:
		tb := infra.NewTokenBucket(rl.RPS, rl.Burst)
		tb.StartJanitor(ctx)
		limiter = tb
	default:
		var store domain.CounterStore
		if rdb != nil {
			store = infra.NewRedisCounterStore(rdb, infra.WithCounterPrefix(cfg.Redis.Prefix+":ratelimit"))
		} else {
			mem := infra.NewMemoryCounterStore()
			mem.StartJanitor(ctx)
			store = mem
		}
		limiter = application.FixedWindow{Store: store, Limit: rl.Limit, Window: rl.Window}
	}

	stats := infra.TeeStats{metrics}
	var view api.RateLimitStats
	switch {
	case !cfg.Stats.Enabled:
	case rdb != nil:
		rs := infra.NewRedisStatsStore(rdb,
			infra.WithStatsPrefix(cfg.Redis.Prefix+":ratelimit:stats"),
			infra.WithStatsTTL(cfg.Stats.TTL),
			infra.WithStatsBucket(cfg.Stats.Bucket),
			infra.WithStatsTrackKeys(cfg.Stats.TrackKeys),
		)
		stats, view = append(stats, rs), rs
	default:
		ms := infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.Stats.TrackKeys))
		stats, view = append(stats, ms), ms
	}

	return ratelimit.Middleware(ratelimit.Options{
		Limiter:             limiter,
		Stats:               stats,
		PrincipalHeader:     rl.PrincipalHeader,
		TrustXForwardedFor:  rl.TrustXFF,
		FailOpen:            rl.FailOpen,
		RetryAfter:          rl.RetryAfter,
		AddRateLimitHeaders: rl.AddHeaders,
		Logger:              logger,
	}), view
}

