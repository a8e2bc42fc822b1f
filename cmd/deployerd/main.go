package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Satvik374/bot-deployer/internal/git"
	httpx "github.com/Satvik374/bot-deployer/internal/http"
	"github.com/Satvik374/bot-deployer/internal/logstream"
	"github.com/Satvik374/bot-deployer/internal/service/deploy"
	"github.com/Satvik374/bot-deployer/internal/store"
	"github.com/Satvik374/bot-deployer/internal/supervisor"
	"github.com/Satvik374/bot-deployer/internal/workspace"
	"github.com/Satvik374/bot-deployer/pkg/config"
	"github.com/Satvik374/bot-deployer/pkg/logger"
)

func main() {
	cfg := config.LoadDaemonConfig()
	log := logger.New("deployer", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cloneDepth := 0
	if cfg.ShallowClone {
		cloneDepth = 1
	}
	gitClient := git.New(cloneDepth)
	if err := gitClient.Available(); err != nil {
		log.Error("git not available", "error", err)
		os.Exit(1)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	hub := logstream.NewHub(cfg.LogBuffer, log)
	spawner := deploy.SupervisorSpawner{Sup: supervisor.New(cfg.Shell, log)}
	deploySvc := deploy.New(store.New(), workspaceManager, gitClient, spawner, hub, log, cfg)
	defer deploySvc.Close()

	var limiter httpx.RateLimiter
	if cfg.RateLimitRedisAddr != "" {
		limiter, err = httpx.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory limits", "error", err)
			limiter = nil
		}
	}

	router := httpx.NewRouter(log, deploySvc, hub, limiter, cfg.OperatorToken)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployer daemon starting", "addr", cfg.Addr, "env", cfg.Environment, "workdir", cfg.Workdir)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("deployer daemon stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
