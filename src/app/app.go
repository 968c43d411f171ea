package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethaccount/bundler/src/handler"
	"github.com/ethaccount/bundler/src/repository"
	"github.com/ethaccount/bundler/src/service"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type Application struct {
	config      AppConfig
	chain       *service.BlockchainService
	database    *gorm.DB
	redis       *redis.Client
	registry    *prometheus.Registry
	bundles     *repository.BundleRepository
	Bundler     *service.Bundler
	AutoBundler *service.AutoBundler
}

func NewApplication(ctx context.Context, config AppConfig) (*Application, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", "NewApplication").Logger()

	app := &Application{config: config}

	// Connect to the node
	chain, err := service.NewBlockchainService(ctx, *config.RPCURL)
	if err != nil {
		return nil, err
	}
	app.chain = chain

	chainID, err := chain.ChainID(ctx)
	if err != nil {
		app.Shutdown(ctx)
		return nil, fmt.Errorf("connection to node failed: %w", err)
	}
	logger.Info().Str("chain_id", chainID.String()).Msg("Node connection established")

	signer, err := service.NewPrivateKeySigner(*config.PrivateKey)
	if err != nil {
		app.Shutdown(ctx)
		return nil, err
	}
	logger.Info().Str("bundler_address", signer.Address().Hex()).Msg("Bundler signer loaded")

	var estimator service.GasEstimator
	switch *config.GasEstimator {
	case GasEstimatorLocal:
		estimator = service.NewLocalGasEstimator(chain, service.NewRemoteStateProvider(chain))
	default:
		estimator = service.NewNodeGasEstimator(chain)
	}

	store, err := app.newStatusStore(ctx, chainID.String())
	if err != nil {
		app.Shutdown(ctx)
		return nil, err
	}

	executorConfig := service.ExecutorConfig{
		MaxBundleSize:       *config.MaxBundleSize,
		ReceiptTimeout:      *config.ReceiptTimeout,
		ReceiptPollInterval: *config.ReceiptPollInterval,
	}
	if config.Beneficiary != nil {
		executorConfig.Beneficiary = *config.Beneficiary
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app.Bundler = service.NewBundler(chain, signer, estimator, store, service.BundlerConfig{
		EntryPoints:      *config.EntryPoints,
		Executor:         executorConfig,
		WindowPaymasters: *config.WindowPaymasters,
	}).WithMetrics(service.NewCollector(*zerolog.Ctx(ctx), app.registry))

	// Bundle history is optional
	if config.DSN != nil {
		if err := app.connectDatabase(ctx); err != nil {
			app.Shutdown(ctx)
			return nil, err
		}
		app.bundles = repository.NewBundleRepository(app.database, chainID.Int64())
		app.Bundler.WithRecorder(app.bundles)
	}

	app.AutoBundler = service.NewAutoBundler(app.Bundler, service.AutoBundlerConfig{
		Interval: *config.BundleInterval,
	})

	return app, nil
}

func (app *Application) newStatusStore(ctx context.Context, chainID string) (repository.StatusStore, error) {
	logger := zerolog.Ctx(ctx).With().Str("function", "newStatusStore").Logger()

	if *app.config.StatusStore != StatusStoreRedis {
		logger.Info().Msg("Using in-memory status store")
		return repository.NewMemoryStatusStore(*app.config.StatusRetention), nil
	}

	redisOpts, err := redis.ParseURL(*app.config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(redisOpts)

	// Test Redis connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connection to redis failed: %w", err)
	}
	app.redis = rdb
	logger.Info().Msg("Redis connection established")

	return repository.NewRedisStatusStore(rdb, "bundler:"+chainID, *app.config.StatusRetention), nil
}

func (app *Application) connectDatabase(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("function", "connectDatabase").Logger()

	database, err := gorm.Open(postgresDriver.Open(*app.config.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connection to database failed: %w", err)
	}
	app.database = database

	// Test database connection
	db, err := database.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connection to database failed: %w", err)
	}

	logger.Info().Msg("Database connection established")

	return MigrationUp(ctx, *app.config.DSN, *app.config.MigrationPath)
}

func (app *Application) Shutdown(ctx context.Context) {
	logger := zerolog.Ctx(ctx).With().Str("function", "Shutdown").Logger()

	// Close database connection
	if app.database != nil {
		db, err := app.database.DB()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to get underlying database connection")
		} else {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close database connection")
			} else {
				logger.Info().Msg("Database connection closed")
			}
		}
	}

	// Close Redis connection
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close redis connection")
		} else {
			logger.Info().Msg("Redis connection closed")
		}
	}

	// Close node connection
	if app.chain != nil {
		app.chain.Close()
		logger.Info().Msg("Node connection closed")
	}
}

func (app *Application) RunHTTPServer(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := zerolog.Ctx(ctx).With().Str("function", "RunHTTPServer").Logger()

	// Set to release mode to disable Gin debug output
	gin.SetMode(gin.ReleaseMode)

	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery())

	// Register routes
	routerConfig := handler.RouterConfig{
		Bundler:      app.Bundler,
		Metrics:      promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
		APISecret:    *app.config.APISecret,
		AllowOrigins: *app.config.AllowOrigins,
	}
	if app.bundles != nil {
		routerConfig.Bundles = app.bundles
	}
	stopRPC, err := handler.RegisterRoutes(ctx, ginRouter, routerConfig)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register routes")
		return
	}
	defer stopRPC()

	// Build HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", *app.config.Port),
		Handler: ginRouter,
	}

	// Start server in goroutine
	go func() {
		zerolog.Ctx(ctx).Info().Msgf("JSON-RPC server is on http://localhost:%s/rpc", *app.config.Port)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			zerolog.Ctx(ctx).Panic().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	logger.Info().Msg("Gracefully shutting down HTTP server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to shutdown HTTP server gracefully")
	} else {
		logger.Info().Msg("HTTP server shutdown complete")
	}
}

func (app *Application) RunAutoBundler(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := zerolog.Ctx(ctx).With().Str("function", "RunAutoBundler").Logger()
	logger.Info().Msg("Starting auto bundler")

	if err := app.AutoBundler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Auto bundler exited")
		return
	}

	logger.Info().Msg("Auto bundler stopped")
}
