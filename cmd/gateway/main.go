package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/becknworks/beckn-mesh/internal/auth"
	"github.com/becknworks/beckn-mesh/internal/broker"
	"github.com/becknworks/beckn-mesh/internal/client"
	"github.com/becknworks/beckn-mesh/internal/config"
	"github.com/becknworks/beckn-mesh/internal/crypto"
	"github.com/becknworks/beckn-mesh/internal/gateway"
	"github.com/becknworks/beckn-mesh/internal/health"
	"github.com/becknworks/beckn-mesh/internal/keyring"
	"github.com/becknworks/beckn-mesh/internal/metrics"
	"github.com/becknworks/beckn-mesh/internal/policy"
	"github.com/becknworks/beckn-mesh/internal/registry"
	"github.com/becknworks/beckn-mesh/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.ValidateService("gateway"); err != nil {
		log.Fatal("config invalid", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Subscriber store ──────────────────────────────────────────────────────
	var db store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPG(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal("postgres init failed", zap.Error(err))
		}
		db = pg
	} else {
		mem := store.NewMem()
		mem.SeedDefaults()
		db = mem
		log.Warn("DATABASE_URL not set, using in-memory store")
	}
	defer db.Close()
	rec := store.NewRecorder(db, log)

	// ── Signing identity ──────────────────────────────────────────────────────
	priv, err := crypto.SigningPrivateFromB64(cfg.Identity.SigningPrivateKey)
	if err != nil {
		log.Fatal("signing key invalid", zap.Error(err))
	}
	cl := client.New(client.Identity{
		SubscriberID: cfg.Identity.SubscriberID,
		UniqueKeyID:  cfg.Identity.UniqueKeyID,
		SigningKey:   priv,
	}, log)

	// ── Broker + fan-out worker pool ──────────────────────────────────────────
	brk, err := broker.Connect(cfg.Broker.URL, log)
	if err != nil {
		log.Fatal("broker connect failed", zap.Error(err))
	}
	defer brk.Close()

	worker := gateway.NewWorker(cl, log)
	go func() {
		if err := brk.Consume(ctx, cfg.Gateway.Workers, worker.Handle); err != nil && ctx.Err() == nil {
			log.Error("broker consumer stopped", zap.Error(err))
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	keys := keyring.NewStore(rdb, db, log)
	src := policy.NewSource(db, policy.Enforcement{
		EnforceSLA:        cfg.Policy.EnforceSLA,
		EnforceTags:       cfg.Policy.EnforceTags,
		EnforceSettlement: cfg.Policy.EnforceSettlement,
	}, 0, log)

	r := gin.New()
	r.Use(policy.Recovery(log))
	r.GET("/health", health.Handler(log,
		health.Check{Name: "redis", Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		health.Check{Name: "database", Probe: db.Ping},
		health.Check{Name: "broker", Probe: func(context.Context) error { return brk.Healthy() }},
	))
	r.GET("/metrics", metrics.Handler())
	r.GET("/ondc-site-verification.html", registry.SiteVerificationHandler(
		cfg.Registry.SiteVerificationRequestID, cfg.Identity.SigningPrivateKey, log))
	r.POST("/ondc/on_subscribe", registry.OnSubscribeHandler(cfg.Identity.EncryptionPrivateKey, log))

	api := r.Group("/",
		auth.CaptureBody(),
		policy.RateLimit(rdb, policy.RateLimitConfig{
			Max:    cfg.Limits.RateMax,
			Window: cfg.Limits.RateWindow(),
		}, log),
		policy.Dedup(rdb, cfg.Limits.DedupTTL(), log),
		policy.Enforce(src, log),
		auth.Verify(keys, log),
	)
	gateway.NewHandler(db, brk, cl, rec, cfg.Gateway.StrictCityMatch, log).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("gateway starting",
			zap.Int("port", cfg.Server.Port),
			zap.Int("workers", cfg.Gateway.Workers),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	rec.Wait()
}
