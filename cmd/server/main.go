package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/calserve/internal/auth"
	"gitea.jw6.us/james/calserve/internal/backend"
	"gitea.jw6.us/james/calserve/internal/backend/memory"
	"gitea.jw6.us/james/calserve/internal/backend/postgres"
	"gitea.jw6.us/james/calserve/internal/config"
	"gitea.jw6.us/james/calserve/internal/dav"
	httpserver "gitea.jw6.us/james/calserve/internal/http"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	log.Info("starting calserve")

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		davBackend backend.Backend
		creds      auth.CredentialStore
		ready      func(context.Context) error
	)
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DB.DSN)
		if err != nil {
			log.Error("failed to create db pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pg, err := postgres.New(ctx, pool, cfg.PrincipalPrefix+"/")
		if err != nil {
			log.Error("failed to initialize postgres backend", "error", err)
			os.Exit(1)
		}
		if err := pg.SeedCollection(ctx, backend.Collection{Path: "/", Kind: backend.KindCollection, DisplayName: "calserve"}); err != nil {
			log.Error("failed to seed root collection", "error", err)
			os.Exit(1)
		}
		for _, user := range cfg.Users {
			if _, err := pg.ProvisionUser(ctx, user.Name, user.Email, user.Password); err != nil {
				log.Error("failed to provision user", "user", user.Name, "error", err)
				os.Exit(1)
			}
		}
		davBackend = pg
		creds = pg
		ready = pg.Ping
	default:
		mem := memory.New(cfg.PrincipalPrefix + "/")
		mem.SeedCollection(backend.Collection{Path: "/", Kind: backend.KindCollection, DisplayName: "calserve"})
		for _, user := range cfg.Users {
			if _, err := mem.ProvisionUser(user.Name, user.Email, user.Password); err != nil {
				log.Error("failed to provision user", "user", user.Name, "error", err)
				os.Exit(1)
			}
		}
		davBackend = mem
		creds = mem
	}

	davHandler := dav.NewHandler(davBackend, log)
	davHandler.SetMaxSyncItems(cfg.MaxSyncItems)
	if cfg.FreeTimePeriods {
		davHandler.FreeTime = dav.ComplementFreePeriods
	}
	authService := auth.NewService(creds, cfg.Auth.Realm)

	r := httpserver.NewRouter(cfg, davHandler, authService, ready)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
