package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"strength-arena/internal/bench"
	"strength-arena/internal/openrouter"
	"strength-arena/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to server config YAML/JSON")
	listen := flag.String("listen", "", "Optional listen address override")
	seedUser := flag.Bool("seed-user", false, "Create/update user and exit (requires database)")
	username := flag.String("username", "", "Username for seed-user")
	password := flag.String("password", "", "Password for seed-user")
	role := flag.String("role", "admin", "Role for seed-user (admin|user)")
	flag.Parse()

	cfg, err := server.LoadServerConfig(*configPath)
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Runs are stored in PostgreSQL when a DSN is configured, otherwise
	// as flat JSON files under the results directory.
	var (
		pool  *pgxpool.Pool
		store server.RunStore
	)
	if strings.TrimSpace(cfg.Database.DSN) != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			slog.Error("parse database DSN failed", "error", err)
			os.Exit(1)
		}
		if cfg.Database.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Database.MaxConns
		}
		pool, err = pgxpool.NewWithConfig(rootCtx, poolCfg)
		if err != nil {
			slog.Error("connect database failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := server.RunMigrations(rootCtx, pool, cfg.Database.MigrationsPath); err != nil {
			slog.Error("run migrations failed", "error", err)
			os.Exit(1)
		}
		store = server.NewPgRunStore(pool)
	} else {
		fileStore, err := server.NewFileRunStore(cfg.Storage.ResultsDir)
		if err != nil {
			slog.Error("open results directory failed", "error", err)
			os.Exit(1)
		}
		migrated, err := server.MigrateLegacyRunIDs(rootCtx, fileStore)
		if err != nil {
			slog.Error("migrate legacy run ids failed", "error", err)
			os.Exit(1)
		}
		if len(migrated) > 0 {
			slog.Info("legacy run ids migrated", "count", len(migrated))
		}
		store = fileStore
	}

	// Seed user mode
	if *seedUser {
		if pool == nil {
			fmt.Fprintln(os.Stderr, "seed-user requires a configured database DSN")
			os.Exit(1)
		}
		if *username == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "seed-user requires -username and -password")
			os.Exit(1)
		}
		if err := server.SeedUser(rootCtx, pool, *username, *password, *role); err != nil {
			slog.Error("seed user failed", "error", err)
			os.Exit(1)
		}
		slog.Info("user seeded", "username", *username, "role", *role)
		return
	}

	obs, err := server.SetupObservability(rootCtx, cfg.Observer)
	if err != nil {
		slog.Error("setup observability failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = obs.Shutdown(ctx)
	}()

	caller, err := openrouter.NewClient(openrouter.Config{
		BaseURL:    cfg.OpenRouter.BaseURL,
		APIKey:     cfg.OpenRouter.APIKey,
		Referer:    cfg.OpenRouter.Referer,
		AppName:    cfg.OpenRouter.AppName,
		MaxRetries: cfg.OpenRouter.MaxRetries,
		RetryDelay: time.Duration(cfg.OpenRouter.RetryDelay) * time.Second,
		Timeout:    time.Duration(cfg.OpenRouter.TimeoutSec) * time.Second,
	})
	if err != nil {
		slog.Error("create openrouter client failed", "error", err)
		os.Exit(1)
	}

	defs := bench.NewDefinitionCache(cfg.Definitions.CapabilitiesPath, cfg.Definitions.ParadoxesPath)
	if _, err := defs.Load(); err != nil {
		slog.Error("load test definitions failed", "error", err)
		os.Exit(1)
	}

	service := server.NewRunService(cfg.Bench, defs, caller, store, obs)
	auth := server.NewAuth(pool, cfg)

	api := server.NewAPI(auth, store, service, defs, obs)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      320 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	slog.Info("arena API listening",
		"listen", cfg.ListenAddr,
		"store", storeKind(pool),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func storeKind(pool *pgxpool.Pool) string {
	if pool != nil {
		return "postgres"
	}
	return "file"
}
