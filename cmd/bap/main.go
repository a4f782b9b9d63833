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
	"github.com/becknworks/beckn-mesh/internal/client"
	"github.com/becknworks/beckn-mesh/internal/config"
	"github.com/becknworks/beckn-mesh/internal/crypto"
	"github.com/becknworks/beckn-mesh/internal/health"
	"github.com/becknworks/beckn-mesh/internal/keyring"
	"github.com/becknworks/beckn-mesh/internal/metrics"
	"github.com/becknworks/beckn-mesh/internal/participant"
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
	if err := cfg.ValidateService("bap"); err != nil {
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

	// ── Transaction store ─────────────────────────────────────────────────────
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

	// ── Participant wiring ────────────────────────────────────────────────────
	resolver := keyring.NewLookup(cfg.Network.RegistryURL, rdb, log)
	src := policy.NewSource(db, policy.Enforcement{
		EnforceSLA:        cfg.Policy.EnforceSLA,
		EnforceTags:       cfg.Policy.EnforceTags,
		EnforceSettlement: cfg.Policy.EnforceSettlement,
	}, 0, log)
	bap := participant.NewBAP(participant.Info{
		SubscriberID:  cfg.Identity.SubscriberID,
		SubscriberURL: cfg.Identity.SubscriberURL,
		Domain:        cfg.Identity.Domain,
		City:          cfg.Identity.City,
		Country:       cfg.Identity.Country,
		GatewayURL:    cfg.Network.GatewayURL,
	}, cl, db, rec, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(policy.Recovery(log))
	r.GET("/health", health.Handler(log,
		health.Check{Name: "redis", Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		health.Check{Name: "database", Probe: db.Ping},
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
		auth.Verify(resolver, log),
	)
	bap.Register(api)
	bap.RegisterClient(r.Group("/"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("bap starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("subscriber_id", cfg.Identity.SubscriberID),
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
