// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pkm-jobs/internal/config"
	"pkm-jobs/internal/domain/ports/repository"
	"pkm-jobs/internal/infra/broadcast"
	"pkm-jobs/internal/infra/db/memory"
	pg "pkm-jobs/internal/infra/db/postgres"
	"pkm-jobs/internal/infra/logging"
	"pkm-jobs/internal/infra/metrics"
	red "pkm-jobs/internal/infra/redis"
	"pkm-jobs/internal/infra/sched"
	"pkm-jobs/internal/infra/web"
	"pkm-jobs/internal/infra/worker"
	"pkm-jobs/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode (memory store unless configured, console logs)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		if !*devMode {
			log.Fatalf("config: %v", err)
		}
		log.Printf("config: %v; using defaults", err)
		cfg = config.Default(true)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()

	// ---- Store ----
	var repo repository.JobRepository
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.Pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer pool.Close()
		repo = pg.NewJobRepo(pool, pg.NewTxManager(pool))

		// Keep pool gauges fresh while the service runs.
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					st := pool.Stat()
					metrics.SetDBPoolStats(st.TotalConns(), st.IdleConns(), st.AcquiredConns())
				}
			}
		}()
	case "memory":
		logger.Warn().Msg("using in-memory job store; records do not survive restarts")
		repo = memory.NewJobRepo()
	default:
		logger.Fatal().Str("driver", cfg.Database.Driver).Msg("unknown database driver")
	}

	// ---- Redis (optional) ----
	var cache usecase.JobStatusCache
	var limiter *red.RateLimiter
	if cfg.Redis.Enabled {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		cache = red.NewStatusCache(redisClient, cfg.Redis.TTL)
		limiter = red.NewRateLimiter(redisClient)
	}

	// ---- Broadcaster ----
	bc := broadcast.New(repo, cfg.Jobs.SubscriberBuffer, cfg.Jobs.TopicIdleTTL, logger)
	go func() { _ = bc.Run(ctx) }()

	// ---- Use cases ----
	lifecycle := usecase.NewLifecycleUseCase(repo, bc, cache, cfg.Jobs.MaxRetries, cfg.Jobs.MaxPayloadBytes, logger)
	query := usecase.NewQueryUseCase(repo, cache, logger)

	// ---- Retry coordination ----
	pool := worker.NewPool(cfg.Jobs.Workers, logger)
	pool.Start(ctx)
	defer pool.Stop()
	coordinator := sched.NewRetryCoordinator(lifecycle, pool, cfg.Jobs.RetryBaseDelay, cfg.Jobs.RetryMaxDelay, logger)
	defer coordinator.Stop()

	// ---- HTTP ----
	apiKey := cfg.Server.APIKey
	if apiKey == "" && cfg.Runtime.Dev {
		apiKey = "dev"
		logger.Warn().Msg("server.api_key not set; using 'dev' (INSECURE)")
	}
	srv := web.NewServer(lifecycle, query, coordinator, bc, limiter,
		apiKey, cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window, logger)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	// ---- Shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
}
