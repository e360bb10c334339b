package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"stock_tracker_backend/config"
	"stock_tracker_backend/controllers"
	"stock_tracker_backend/middleware"
	"stock_tracker_backend/models"
	"stock_tracker_backend/routes"
	"stock_tracker_backend/scheduler"
	"stock_tracker_backend/services/broadcaster"
	"stock_tracker_backend/services/catalog"
	"stock_tracker_backend/services/fetcher"
	"stock_tracker_backend/services/history"
	"stock_tracker_backend/services/marketdata"
	"stock_tracker_backend/services/pricecache"
	"stock_tracker_backend/services/realtime"
	"stock_tracker_backend/services/registry"
	"stock_tracker_backend/services/subscription"
	"stock_tracker_backend/services/tracking"
	"stock_tracker_backend/services/workingset"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	logger, err := config.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("stock tracker exited", zap.Error(err))
	}
}

// app holds everything that needs closing on shutdown
type app struct {
	server  *http.Server
	manager *tracking.Manager
	jobs    *scheduler.Scheduler
	hub     *realtime.Hub
	closers []io.Closer
	db      *gorm.DB
	tracing func(context.Context) error
	logger  *zap.Logger
	grace   time.Duration
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	return a.shutdown()
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger, grace: cfg.ShutdownGrace}

	tracer, shutdownTracing, err := config.InitTracing(cfg.TracingEnabled)
	if err != nil {
		return nil, err
	}
	a.tracing = shutdownTracing

	// Database and catalog
	db, err := config.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := models.MigrateStockModels(db); err != nil {
		return nil, err
	}

	reg := registry.New()
	cat := catalog.NewService(db, reg, logger.Named("catalog"))
	if cfg.SeedCatalog {
		if err := cat.Seed(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := cat.Reload(ctx); err != nil {
		return nil, err
	}

	hist, err := openHistory(ctx, cfg, db, logger)
	if err != nil {
		return nil, err
	}
	if c, ok := hist.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	cache := openCache(ctx, cfg, logger)
	if c, ok := cache.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	// Subscriptions and push delivery
	ledger := subscription.NewLedger(reg, nil, logger.Named("ledger"))

	a.hub = realtime.NewHub(realtime.HubConfig{
		MaxClients:     cfg.WSMaxClients,
		AllowedOrigins: cfg.AllowedOrigins,
	}, ledger, logger.Named("hub"))
	go a.hub.Run()

	sinks := realtime.MultiSink{a.hub}
	if len(cfg.KafkaBrokers) > 0 {
		kcfg := realtime.DefaultKafkaConfig()
		kcfg.Brokers = cfg.KafkaBrokers
		kcfg.Topic = cfg.KafkaTopic
		ks, err := realtime.NewKafkaSink(kcfg, logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ks)
		a.closers = append(a.closers, ks)
	}

	bc := broadcaster.New(sinks, reg, logger.Named("broadcaster"))
	// a new session starts with chartInitializedDone payloads again
	a.hub.OnConnect(bc.ResetUser)
	a.hub.OnDisconnect(bc.ResetUser)

	// Tracking
	mapping, err := workingset.ParseDedupKeys(cfg.DedupKeys)
	if err != nil {
		return nil, err
	}
	computer := workingset.NewComputer(reg, mapping)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := tracking.NewMetrics(promReg)

	schedulers := newSchedulers(cfg, trackingDeps{
		computer:  computer,
		publisher: bc,
		registry:  reg,
		history:   hist,
		cache:     cache,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
	})
	a.manager = tracking.NewManager(schedulers, bc, logger.Named("tracking"))
	ledger.SetNotifier(a.manager)
	if err := a.manager.Start(ctx); err != nil {
		return nil, err
	}

	// Maintenance jobs
	a.jobs = scheduler.NewScheduler(scheduler.Config{
		CatalogReloadAt: "00:30",
		RetentionDays:   cfg.HistoryRetentionDays,
		RefreshEvery:    cfg.RefreshEvery,
		JobTimeout:      2 * time.Minute,
	}, cat, hist, a.manager, logger.Named("jobs"))
	if err := a.jobs.Start(); err != nil {
		return nil, err
	}

	// HTTP
	limiter := middleware.NewRateLimiter(cfg.SubscriptionRateMax, cfg.SubscriptionRateWin)
	limiter.StartCleanup(ctx, 10*time.Minute)

	var historyReader controllers.HistoryReader
	if hist != nil {
		historyReader = hist
	}
	router := routes.NewRouter(routes.Handlers{
		Subscriptions:  controllers.NewSubscriptionController(ledger),
		Assets:         controllers.NewAssetController(reg, cache, historyReader),
		Admin:          controllers.NewAdminController(a.manager, cat, ledger, a.hub),
		Realtime:       controllers.NewRealtimeController(a.hub),
		JWTSecret:      cfg.JWTSecret,
		RateLimiter:    limiter,
		Gatherer:       promReg,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.Named("http"),
	})

	a.server = &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	return a, nil
}

type trackingDeps struct {
	computer  *workingset.Computer
	publisher *broadcaster.Broadcaster
	registry  *registry.Registry
	history   history.Store
	cache     pricecache.Cache
	metrics   *tracking.Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

// newSchedulers builds one scheduler per asset type. All of them share one upstream so a route
// used by several asset types is fetched once while in flight.
func newSchedulers(cfg *config.Config, d trackingDeps) []*tracking.Scheduler {
	clients := map[models.AssetType]fetcher.MarketDataClient{
		models.AssetTypeStock:    marketdata.NewTWSEClient(cfg.TWSEBaseURL, cfg.FetchTimeout),
		models.AssetTypeCrypto:   marketdata.NewBinanceClient(cfg.BinanceBaseURL, cfg.FetchTimeout),
		models.AssetTypeCurrency: marketdata.NewRateTableClient(cfg.RateTableURL, cfg.RateTableTTL, cfg.FetchTimeout),
	}
	fcfg := fetcher.Config{MaxConcurrency: cfg.FetchMaxConcurrency, Timeout: cfg.FetchTimeout}
	upstream := fetcher.NewUpstream(clients, cfg.FetchTimeout)

	var out []*tracking.Scheduler
	for _, t := range models.AllAssetTypes() {
		named := d.logger.With(zap.String("asset_type", string(t)))
		deps := tracking.Deps{
			Computer:  d.computer,
			Fetcher:   fetcher.NewSharedCoordinator(t, upstream, fcfg, named.Named("fetcher")),
			Publisher: d.publisher,
			Marker:    d.registry,
			Cache:     d.cache,
			Metrics:   d.metrics,
			Tracer:    d.tracer,
			Logger:    named.Named("scheduler"),
		}
		if d.history != nil {
			deps.History = d.history
		}
		out = append(out, tracking.NewScheduler(t, tracking.Config{
			Interval:       cfg.TrackingIntervals[t],
			PersistTimeout: cfg.PersistTimeout,
		}, deps))
	}
	return out
}

// openHistory returns the configured history store, or nil when disabled
func openHistory(ctx context.Context, cfg *config.Config, db *gorm.DB, logger *zap.Logger) (history.Store, error) {
	switch cfg.HistoryBackend {
	case "mongo":
		return history.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, logger.Named("history"))
	case "none":
		logger.Info("price history disabled")
		return nil, nil
	}
	return history.NewGormStore(db), nil
}

// openCache connects to Redis when configured and falls back to the in-memory cache
func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) pricecache.Cache {
	if cfg.RedisAddr == "" {
		return pricecache.NewMemoryCache(cfg.PriceCacheTTL)
	}
	rcfg := pricecache.DefaultConfig()
	rcfg.Addr = cfg.RedisAddr
	rcfg.Password = cfg.RedisPassword
	rcfg.DB = cfg.RedisDB
	rcfg.TTL = cfg.PriceCacheTTL

	rc, err := pricecache.NewRedisCache(ctx, rcfg, logger.Named("pricecache"))
	if err != nil {
		logger.Warn("redis unavailable, using in-memory price cache", zap.Error(err))
		return pricecache.NewMemoryCache(cfg.PriceCacheTTL)
	}
	return rc
}

// shutdown stops intake first, then drains in-flight cycles, then closes backends
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.grace)
	defer cancel()

	var errs []error
	a.jobs.Stop()

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.hub.Shutdown()

	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := a.tracing(ctx); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("shutdown completed")
	return errors.Join(errs...)
}
