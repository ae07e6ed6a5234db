// cmd/wardend/main.go
//
// Warden – tenant engine manager daemon.
//
// Boot sequence
// -------------
//
//  1. Load env vars (host-wide file → .env fallback).
//
//  2. Start daily rotating logger (tees to console when running in a TTY).
//
//  3. Load configuration (conf/global.yaml + WARDEN_ env overlay).
//
//  4. Connect Vault when VAULT_ADDR is set; locators and credentials may
//     be vault: references.
//
//  5. Open the control-plane DB and log the active-tenant count.
//
//  6. Build the subsystem: registry store → resolver → engine manager →
//     migration runner → provisioning workflow.
//
//  7. Expose /metrics, /healthz, and the bearer-token /admin surface.
//
//  8. On SIGINT/SIGTERM: stop the HTTP server, then drain and dispose
//     every engine within the configured drain timeout.
//
// Large comment blocks are framed by blank “//” lines; inline comments use
// a single “//”.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yanizio/warden/internal/admin"
	"github.com/yanizio/warden/internal/config"
	"github.com/yanizio/warden/internal/database"
	"github.com/yanizio/warden/internal/engine"
	"github.com/yanizio/warden/internal/logger"
	"github.com/yanizio/warden/internal/middleware"
	"github.com/yanizio/warden/internal/migrate"
	"github.com/yanizio/warden/internal/provision"
	"github.com/yanizio/warden/internal/registry"
	"github.com/yanizio/warden/internal/resolver"
	"github.com/yanizio/warden/internal/server"
	"github.com/yanizio/warden/internal/vault"
	"github.com/yanizio/warden/migrations"
)

const serverEnvPath = "/usr/local/etc/warden/global.env"

// loadEnv prefers the host-wide env file; on dev it falls back to .env.
func loadEnv() {
	if _, err := os.Stat(serverEnvPath); err == nil {
		_ = godotenv.Load(serverEnvPath)
		return
	}
	_ = godotenv.Load()
}

// runningInTTY returns true when stdout is a character device.
func runningInTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func init() { loadEnv() }

func main() {
	rootDir, _ := os.Getwd()
	logOut, err := logger.New(rootDir, runningInTTY())
	if err != nil {
		log.Fatalf("start logger: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logOut.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//
	// ── 1.  Secrets (optional) ──────────────────────────────────────────
	//
	var secrets engine.LocatorResolver
	if os.Getenv("VAULT_ADDR") != "" {
		cli, err := vault.New(ctx, logOut.Infof)
		if err != nil {
			logOut.Fatalf("vault client: %v", err)
		}
		secrets = cli
		logOut.Infow("vault online")
	}

	//
	// ── 2.  Control-plane DB connect ────────────────────────────────────
	//
	controlDSN := cfg.Database.ControlDSN
	if vault.IsURI(controlDSN) {
		if secrets == nil {
			logOut.Fatal("control_dsn is a vault reference but VAULT_ADDR is not set")
		}
		if controlDSN, err = secrets.Resolve(ctx, controlDSN); err != nil {
			logOut.Fatalf("resolve control dsn: %v", err)
		}
	}
	controlDB, err := database.Open(ctx, controlDSN)
	if err != nil {
		logOut.Fatalf("connect control-plane DB: %v", err)
	}
	defer controlDB.Close()
	logOut.Infow("control-plane DB online")

	store := registry.New(controlDB)

	// Log active-tenant count as an early sanity check.
	if rows, err := store.List(ctx, registry.StatusActive); err == nil {
		logOut.Infof("%d active tenant(s) found", len(rows))
	}

	//
	// ── 3.  Subsystem wiring ────────────────────────────────────────────
	//
	res := resolver.New(store, cfg.Resolver.CacheTTL)

	mgr := engine.New(store, secrets, engine.Defaults{
		MaxSize:        cfg.Pool.MaxSize,
		MaxOverflow:    cfg.Pool.MaxOverflow,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		EvictInterval:  cfg.Pool.EvictInterval,
	}, logOut)

	baseline := migrate.Dir{FS: migrations.FS, Name: "baseline"}
	runner := migrate.NewRunner(store, secrets, cfg.Migrate.Concurrency, logOut)

	prov := provision.New(controlDB, store, baseline, secrets, provision.Config{
		DSNTemplate:    cfg.Database.TenantDSNTemplate,
		TenantPassword: cfg.Database.TenantPassword,
	}, logOut)

	//
	// ── 4.  HTTP surface ────────────────────────────────────────────────
	//
	r := chi.NewRouter()
	r.Use(middleware.Recover(logOut))
	r.Use(middleware.RequestLogger(logOut))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := controlDB.PingContext(req.Context()); err != nil {
			http.Error(w, "control-plane DB unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Mount("/admin", admin.Router(admin.Deps{
		Registry:    store,
		Provisioner: prov,
		Runner:      runner,
		Engines:     mgr,
		Resolver:    res,
		Baseline:    baseline,
		Log:         logOut,
	}, cfg.HTTP.AdminToken))

	srv := server.New(cfg.HTTP.ListenAddr, r)

	go func() {
		logOut.Infof("listening on %s", cfg.HTTP.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logOut.Fatalf("http server: %v", err)
		}
	}()

	//
	// ── 5.  Graceful shutdown ───────────────────────────────────────────
	//
	<-ctx.Done()
	logOut.Infow("shutdown requested")

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.DrainTimeout)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logOut.Warnw("http shutdown", "err", err)
	}
	if err := mgr.Shutdown(shutCtx); err != nil {
		logOut.Warnw("engine manager shutdown", "err", err)
	}
	logOut.Infow("bye")
}
