package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentra.dev/internal/config"
	"sentra.dev/internal/httpapi"
	"sentra.dev/internal/iam"
	"sentra.dev/internal/obs"
	"sentra.dev/internal/store/pg"
	"sentra.dev/internal/store/redis"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		store iam.Store
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		db = pgStore.DB()
	} else {
		// Ephemeral in-memory backend for local development.
		log.Println("SENTRA_PG_DSN not set, using in-memory store")
		store = iam.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		bl, err := redis.Open(ctx, cfg.RedisAddr)
		cancel()
		if err != nil {
			log.Fatalf("open redis: %v", err)
		}
		defer bl.Close()
		store = iam.WithBlacklistStore(store, bl)
	}

	svc, err := iam.NewService(store, []byte(cfg.AuthSecret),
		iam.WithIssuerName(cfg.Issuer),
		iam.WithAccessTTL(cfg.AccessTTL),
		iam.WithRefreshTTL(cfg.RefreshTTL),
		iam.WithMaxLoginAttempts(cfg.MaxLoginAttempts),
		iam.WithLockoutDuration(cfg.LockoutDuration),
		iam.WithPermissionCache(cfg.PermCacheSize, cfg.PermCacheTTL),
	)
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	admin, err := iam.NewAdmin(store, svc.Resolver(), nil)
	if err != nil {
		log.Fatalf("admin: %v", err)
	}

	api := httpapi.New(svc, admin, httpapi.ReadyProbe{DB: db}, version)
	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.RateLimit(api.Handler(), cfg.RateLimitPerSecond, cfg.RateLimitBurst))))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go runJanitor(janitorCtx, svc, cfg.JanitorInterval)

	log.Printf("Starting sentra-iam %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopJanitor()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// runJanitor purges expired blacklist entries and refresh tokens on an
// interval until the context is cancelled.
func runJanitor(ctx context.Context, svc *iam.Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			blacklisted, refreshed, err := svc.CleanupExpired(cleanupCtx)
			cancel()
			if err != nil {
				obs.LogEntry(map[string]any{"msg": "janitor_error", "error": err.Error()})
				continue
			}
			if blacklisted > 0 || refreshed > 0 {
				obs.LogEntry(map[string]any{
					"msg":            "janitor_cleanup",
					"blacklist_rows": blacklisted,
					"refresh_rows":   refreshed,
				})
			}
		}
	}
}
