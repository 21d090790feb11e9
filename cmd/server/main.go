package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opspilot/backend/internal/api"
	"github.com/opspilot/backend/internal/assets"
	"github.com/opspilot/backend/internal/automation"
	"github.com/opspilot/backend/internal/catalog"
	"github.com/opspilot/backend/internal/config"
	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/engine"
	"github.com/opspilot/backend/internal/events"
	"github.com/opspilot/backend/internal/logmask"
	"github.com/opspilot/backend/internal/metrics"
	"github.com/opspilot/backend/internal/queue"
	"github.com/opspilot/backend/internal/safety"
	"github.com/opspilot/backend/internal/secrets"
	"github.com/opspilot/backend/internal/selector"
	"github.com/opspilot/backend/internal/stats"
	"github.com/opspilot/backend/internal/store"
)

var (
	version  = "dev"
	revision = "unknown"
)

func main() {
	logger := log.New(log.Writer(), "[MAIN] ", log.LstdFlags)
	logger.Printf("🚀 Starting OpsPilot execution core (%s)", version)

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	m := metrics.New()
	m.SetBuildInfo(version, revision)

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	st := store.New(db, m)
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatalf("migrate: %v", err)
	}
	cancelMigrate()

	// Event plumbing: every record is masked, persisted, fanned out to
	// websocket subscribers, and optionally mirrored to Redis.
	bus := events.NewBus()
	var mirror events.Mirror
	if cfg.Redis.Addr != "" {
		rm, err := events.NewRedisMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		defer rm.Close()
		mirror = rm
		logger.Printf("event mirror enabled redis=%s", cfg.Redis.Addr)
	}
	recorder := events.NewRecorder(st, bus, mirror, logmask.New())
	hub := events.NewStreamHub(bus)
	go hub.Run()

	// Catalog, selector, asset context.
	cat := catalog.NewService(catalog.NewStore(db), m, catalog.Options{
		CacheSize: cfg.Catalog.CacheSize,
		CacheTTL:  time.Duration(cfg.Catalog.CacheTTLSeconds) * time.Second,
		SeedDir:   cfg.Catalog.SeedDir,
	})
	if cfg.Catalog.SeedDir != "" {
		seedCtx, cancelSeed := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := cat.Seed(seedCtx); err != nil {
			logger.Printf("⚠️ tool seed failed: %v", err)
		}
		cancelSeed()
	}

	var tieBreaker selector.TieBreaker
	if cfg.Selector.LLMURL != "" {
		tieBreaker = selector.NewHTTPTieBreaker(cfg.Selector.LLMURL)
	}
	sel := selector.New(cat, stats.NewTracker(256), tieBreaker, recorder, m, selector.Options{
		Epsilon:    cfg.Selector.AmbiguityEpsilon,
		LLMTimeout: time.Duration(cfg.Selector.LLMTimeoutMS) * time.Millisecond,
	})

	resolver := assets.NewResolver(
		assets.NewHTTPInventoryClient(cfg.Assets.ServiceURL,
			time.Duration(cfg.Assets.RequestTimeoutMS)*time.Millisecond),
		m, assets.Options{
			CacheSize: cfg.Assets.CacheSize,
			CacheTTL:  time.Duration(cfg.Assets.CacheTTLSeconds) * time.Second,
		})

	// Secrets broker. config.Load already refused to start without a key.
	cipher, err := secrets.NewCipher(cfg.Secrets.KMSKey)
	if err != nil {
		logger.Fatalf("cipher: %v", err)
	}
	broker := secrets.NewBroker(st, cipher, m,
		time.Duration(cfg.Secrets.HandleTTLSeconds)*time.Second)
	defer broker.Close()

	// Safety layer: matrix, guard chain, cancellation.
	matrix := safety.NewMatrix(cfg.SLA)
	timeoutGuard := safety.NewTimeoutGuard(matrix)
	cancels := safety.NewCancellationManager(5 * time.Second)
	policy := safety.NewStaticPolicy()
	for _, grant := range parseGrants(os.Getenv("RBAC_GRANTS")) {
		policy.Grant(grant[0], grant[1], grant[2])
	}
	chain := safety.NewChain(
		safety.NewMutexGuard(st, 30*time.Second),
		safety.NewSecretsGuard(broker),
		safety.NewRBACGuard(policy, recorder),
		timeoutGuard,
		safety.NewCancelGuard(cancels),
	)

	// Queue, workers, engine.
	qm := queue.NewManager(st, recorder, m, queue.Options{
		Lease:          time.Duration(cfg.Queue.LeaseSeconds) * time.Second,
		Heartbeat:      time.Duration(cfg.Queue.HeartbeatIntervalSeconds) * time.Second,
		ReaperInterval: time.Duration(cfg.Queue.ReaperIntervalSeconds) * time.Second,
		RetryBase:      time.Duration(cfg.Queue.RetryBaseSeconds) * time.Second,
		RetryCap:       time.Duration(cfg.Queue.RetryCapSeconds) * time.Second,
	})

	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry, resolver,
		automation.NewHTTPClient(cfg.Services.AutomationURL,
			time.Duration(cfg.Services.RequestTimeoutMS)*time.Millisecond))

	eng := engine.New(st, qm, registry, chain, timeoutGuard, matrix, cancels,
		recorder, cat, m, engine.Options{
			Environment:       cfg.Server.Environment,
			DedupWindow:       time.Duration(cfg.Engine.DedupWindowHours) * time.Hour,
			BackpressureDepth: cfg.Engine.BackpressureDepth,
		})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := queue.NewPool(qm, eng, st, cancels, queue.PoolOptions{
		Min: cfg.Workers.Min,
		Max: cfg.Workers.Max,
	})
	pool.Start(rootCtx)
	go qm.RunReaper(rootCtx)
	go eng.RunApprovalExpiry(rootCtx, time.Minute)

	server := api.NewServer(eng, st, st, sel, cat, resolver, broker, hub, api.Options{
		Addr:               cfg.Server.Addr,
		InternalKey:        cfg.Secrets.InternalKey,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		Environment:        cfg.Server.Environment,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-rootCtx.Done():
		logger.Println("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Fatalf("server: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("⚠️ server shutdown: %v", err)
	}
	cancels.CancelAll(core.CancelWorkerShutdown)
	pool.Stop()
	logger.Println("👋 OpsPilot stopped")
}

// parseGrants reads RBAC_GRANTS, a semicolon-separated list of
// tenant:actor:permission triples.
func parseGrants(raw string) [][3]string {
	var out [][3]string
	for _, entry := range strings.Split(raw, ";") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			continue
		}
		out = append(out, [3]string{parts[0], parts[1], parts[2]})
	}
	return out
}
