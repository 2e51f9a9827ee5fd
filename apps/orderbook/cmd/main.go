package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"orderbook/apps/orderbook/internal/api"
	"orderbook/apps/orderbook/internal/assets"
	"orderbook/apps/orderbook/internal/bestprice"
	"orderbook/apps/orderbook/internal/cache"
	"orderbook/apps/orderbook/internal/config"
	"orderbook/apps/orderbook/internal/cronrunner"
	"orderbook/apps/orderbook/internal/dispatcher"
	"orderbook/apps/orderbook/internal/effect_materializer"
	"orderbook/apps/orderbook/internal/event_publisher"
	"orderbook/apps/orderbook/internal/intake"
	applogger "orderbook/apps/orderbook/internal/logger"
	"orderbook/apps/orderbook/internal/poller"
	"orderbook/apps/orderbook/internal/pricefeed"
	"orderbook/apps/orderbook/internal/reconcile"
	"orderbook/apps/orderbook/internal/repository"
	"orderbook/apps/orderbook/internal/resync"
	"orderbook/apps/orderbook/internal/rpc"
	"orderbook/apps/orderbook/internal/seaport"
)

func main() {
	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	chainIDs := make([]int64, len(cfg.Chains))
	for i, c := range cfg.Chains {
		chainIDs[i] = c.ID
	}
	logger.Info("Starting application with configuration",
		zap.Int64s("chain_ids", chainIDs),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.Bool("redis", cfg.RedisURL != ""),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("api_port", cfg.APIPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	orderRepository := repository.NewOrderRepository(db, logger)
	catalogRepository := repository.NewCatalogRepository(db, logger)
	progressRepository := repository.NewProgressRepository(db, logger)
	outboxRepository := repository.NewOutboxRepository(db, logger)

	if err := catalogRepository.SeedCurrencies(ctx, assets.GlobalRegistry.GetAllAsArray()); err != nil {
		logger.Fatal("Failed to seed currencies", zap.Error(err))
	}

	var store cache.Store
	if cfg.RedisURL != "" {
		redisStore, err := cache.NewRedisStoreFromURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		logger.Warn("REDIS_URL not set, using in-process cache")
		store = cache.NewMemoryStore()
	}

	gateway := rpc.NewGateway(cfg.Chains, rpc.DialEthClient, cfg.RpcTimeout, logger)
	defer gateway.Close()
	exchange := seaport.NewClient(gateway)

	bestPrice := bestprice.New(store, orderRepository, logger)
	prices := pricefeed.New(store, logger)

	engine := reconcile.NewEngine(orderRepository, catalogRepository, exchange, gateway, prices, bestPrice, cfg.Chains, logger)
	eventDispatcher := dispatcher.New(store, cfg.EventDedupTTL, engine, gateway, logger)

	for _, chain := range cfg.Chains {
		head, err := gateway.LatestBlock(ctx, chain.ID)
		if err != nil {
			logger.Fatal("Failed to read chain head", zap.Int64("chain_id", chain.ID), zap.Error(err))
		}
		if err := progressRepository.EnsureProgress(ctx, chain.ID, head); err != nil {
			logger.Fatal("Failed to initialize poll progress", zap.Int64("chain_id", chain.ID), zap.Error(err))
		}
	}

	pollers := poller.NewManager(cfg.Chains, gateway, progressRepository, eventDispatcher, poller.OptionsFromConfig(cfg), logger)
	go pollers.Run(ctx)

	intakeService := intake.NewService(orderRepository, catalogRepository, exchange, prices, cfg.Chains, intake.OptionsFromConfig(cfg), logger)
	resyncService := resync.NewService(orderRepository, catalogRepository, exchange, resync.OptionsFromConfig(cfg), logger)

	// Relay committed side effects to Kafka
	eventPublisher, err := event_publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaTopic, logger, outboxRepository)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer eventPublisher.Close()
	go eventPublisher.StartPublishing(ctx)

	materializer, err := effect_materializer.NewEffectMaterializer(cfg.KafkaBroker, cfg.KafkaTopic, logger, bestPrice, orderRepository, catalogRepository)
	if err != nil {
		logger.Fatal("Failed to create effect materializer", zap.Error(err))
	}
	defer materializer.Close()
	go func() {
		if err := materializer.Start(ctx); err != nil {
			logger.Fatal("Effect materializer failed", zap.Error(err))
		}
	}()

	cron := cronrunner.New(ctx, logger)
	if _, err := cron.AddExpiredSweep(cfg.ExpiredSweepCron, resyncService); err != nil {
		logger.Fatal("Failed to schedule expired order sweep", zap.Error(err))
	}
	cron.Start()

	apiServer := api.NewServer(cfg.APIPort,
		api.NewOrderHandler(intakeService, orderRepository, resyncService, cfg.DefaultExchangeAddress, logger),
		api.NewCollectionHandler(catalogRepository, bestPrice, pollers, logger),
		logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}
	cron.Stop()

	logger.Info("Application shutdown complete")
}
