package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/helixlabs/lims/internal/adapters"
	"github.com/helixlabs/lims/internal/api"
	"github.com/helixlabs/lims/internal/audit"
	"github.com/helixlabs/lims/internal/auth"
	"github.com/helixlabs/lims/internal/cache"
	"github.com/helixlabs/lims/internal/config"
	"github.com/helixlabs/lims/internal/database"
	"github.com/helixlabs/lims/internal/events"
	"github.com/helixlabs/lims/internal/saga"
	"github.com/helixlabs/lims/internal/sample"
	"github.com/helixlabs/lims/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found")
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "lims.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := log.New(log.Writer(), "[LIMS] ", log.LstdFlags)
	logger.Printf("starting (env=%s port=%d)", cfg.Server.Env, cfg.Server.Port)

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	busOpts := events.Options{
		HistoryLimit:     cfg.Bus.HistoryLimit,
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		Metrics:          events.NewMetrics(registry),
	}
	var bus *events.Bus
	if cfg.Bus.PubSubProject != "" && cfg.Bus.PubSubTopic != "" {
		pb, err := events.NewPubSubBus(cfg.Bus.PubSubProject, cfg.Bus.PubSubTopic, busOpts)
		if err != nil {
			log.Fatalf("pubsub bus: %v", err)
		}
		defer pb.Close()
		bus = pb.Bus
	} else {
		bus = events.NewBus(busOpts)
	}

	prober := adapters.NewProber()

	// Stores: Postgres when DATABASE_URL is set, in-memory otherwise (dev
	// and test runs).
	var (
		db           *sql.DB
		authStore    auth.Store
		sampleStore  sample.Store
		storageStore storage.Store
		sagaStore    saga.Store
		auditStore   audit.Store
	)
	if cfg.Database.URL != "" {
		db, err = database.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer db.Close()
		if err := database.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("schema: %v", err)
		}
		authStore = auth.NewPostgresStore(db)
		sampleStore = sample.NewPostgresStore(db)
		storageStore = storage.NewPostgresStore(db)
		sagaStore = saga.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		prober.Register("postgres", adapters.CheckerFunc(db.PingContext))
	} else {
		logger.Println("DATABASE_URL not set, using in-memory stores")
		authStore = auth.NewMemoryStore()
		sampleStore = sample.NewMemoryStore()
		storageStore = storage.NewMemoryStore()
		sagaStore = saga.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
	}

	bus.RegisterHandler(audit.NewRecorder(auditStore))

	var claimsCache auth.ClaimsCache
	if cfg.Redis.Addr != "" {
		redis, err := cache.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redis.Close()
		claimsCache = cache.NewSessionCache(redis)
		prober.Register("redis", adapters.CheckerFunc(redis.Healthy))
	} else {
		claimsCache = cache.NewSessionCache(cache.NewMemory())
	}

	authCfg := auth.DefaultConfig()
	authCfg.MaxFailedLogins = cfg.Auth.MaxFailedLogins
	authCfg.LockoutDuration = cfg.LockoutDuration()
	authCfg.SessionTTL = time.Duration(cfg.Auth.SessionTTLHours) * time.Hour
	authCfg.RefreshTTL = time.Duration(cfg.Auth.RefreshTTLDays) * 24 * time.Hour
	authCfg.RequireEmailVerification = cfg.Auth.RequireVerifiedFor
	if cfg.Auth.MinPasswordLength > 0 {
		authCfg.Policy.MinLength = cfg.Auth.MinPasswordLength
	}
	authSvc := auth.NewService(authStore, authCfg, nil, nil, bus, nil, claimsCache)

	storageSvc := storage.NewService(storageStore, nil, nil, bus, storage.NewMetrics(registry), storage.Thresholds{
		Warning:  cfg.Storage.WarningThreshold,
		Critical: cfg.Storage.CriticalThreshold,
	})
	sampleSvc := sample.NewService(sampleStore, storageSvc, nil, nil, bus)

	coord := saga.NewCoordinator(sagaStore, saga.Config{
		Bus:     bus,
		Metrics: saga.NewMetrics(registry),
	})

	// Saga adapters: remote HTTP clients when service URLs are configured,
	// in-process wiring otherwise.
	var (
		sampleAPI  saga.SampleAPI
		storageAPI saga.StorageAPI
		notifyAPI  saga.NotificationAPI
	)
	if cfg.Services.SampleURL != "" {
		sc := adapters.NewSampleClient(cfg.Services.SampleURL, adapters.BreakerConfig{})
		sampleAPI = sc
		prober.Register("sample-service", sc)
	} else {
		sampleAPI = adapters.NewLocalSampleAPI(sampleSvc)
	}
	if cfg.Services.StorageURL != "" {
		sc := adapters.NewStorageClient(cfg.Services.StorageURL, adapters.BreakerConfig{})
		storageAPI = sc
		prober.Register("storage-service", sc)
	} else {
		storageAPI = adapters.NewLocalStorageAPI(storageSvc)
	}
	if cfg.Services.NotificationURL != "" {
		nc := adapters.NewNotificationClient(cfg.Services.NotificationURL, adapters.BreakerConfig{})
		notifyAPI = nc
		prober.Register("notification-service", nc)
	} else {
		notifyAPI = adapters.NewLocalNotificationAPI(bus)
	}

	workflowCfg := saga.WorkflowConfig{
		StepTimeout: time.Duration(cfg.Saga.StepTimeoutSec) * time.Second,
		StepRetries: cfg.Saga.StepRetries,
	}
	if err := coord.Register(saga.NewProcessSampleWorkflow(sampleAPI, storageAPI, notifyAPI, workflowCfg)); err != nil {
		log.Fatalf("register workflow: %v", err)
	}
	if resumed, err := coord.Recover(ctx); err != nil {
		logger.Printf("recovery scan: %v", err)
	} else if resumed > 0 {
		logger.Printf("resumed %d in-flight sagas", resumed)
	}

	server := api.NewServer(api.Options{
		Auth:      authSvc,
		Samples:   sampleSvc,
		Storage:   storageSvc,
		Sagas:     coord,
		Audit:     auditStore,
		Bus:       bus,
		Prober:    prober,
		Registry:  registry,
		RateLimit: cfg.Server.RateLimitPerMin,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Printf("saga shutdown: %v", err)
	}
	logger.Println("bye")
}
