package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dockyard-host/dockyard/internal/app/migrate"
	"github.com/dockyard-host/dockyard/internal/authz"
	"github.com/dockyard-host/dockyard/internal/docker"
	httpx "github.com/dockyard-host/dockyard/internal/http"
	"github.com/dockyard-host/dockyard/internal/repository/postgres"
	"github.com/dockyard-host/dockyard/internal/service/adopt"
	"github.com/dockyard-host/dockyard/internal/service/deploy"
	"github.com/dockyard-host/dockyard/internal/service/logs"
	"github.com/dockyard-host/dockyard/internal/service/prune"
	"github.com/dockyard-host/dockyard/internal/service/reconcile"
	"github.com/dockyard-host/dockyard/internal/service/tags"
	"github.com/dockyard-host/dockyard/pkg/config"
	"github.com/dockyard-host/dockyard/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadServerConfig()
	log := logger.New("dockyard", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	daemon, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer daemon.Close()
	if err := daemon.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	oracle := authz.New(repo, repo)
	deploySvc := deploy.New(repo, repo, repo, daemon, oracle, log, cfg)
	pruneSvc := prune.New(repo, daemon, log, cfg, registry)
	tagSvc := tags.New(repo, repo, repo, daemon, log)
	adoptSvc := adopt.New(repo, repo, daemon, log, cfg)
	logSvc := logs.New(repo, daemon, log)

	reconciler := reconcile.New(repo, daemon, log, cfg.ReconcileInterval, registry)
	go reconciler.Run(ctx)
	go pruneSvc.RunScheduled(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploySvc, pruneSvc, tagSvc, adoptSvc, logSvc, limiter, registry, cfg.JWTSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
