package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cuongbtq/agent-jobs/internal/api/handler"
	"github.com/cuongbtq/agent-jobs/internal/api/router"
	"github.com/cuongbtq/agent-jobs/internal/archive"
	"github.com/cuongbtq/agent-jobs/internal/broker"
	"github.com/cuongbtq/agent-jobs/internal/config"
	"github.com/cuongbtq/agent-jobs/internal/dispatcher"
	"github.com/cuongbtq/agent-jobs/internal/storage"
	"github.com/cuongbtq/agent-jobs/internal/storage/kv"
	"github.com/cuongbtq/agent-jobs/internal/worker"
	"github.com/cuongbtq/agent-jobs/shared/logger"
	"github.com/cuongbtq/agent-jobs/shared/postgresql"
	"github.com/cuongbtq/agent-jobs/shared/rabbitmq"
	"github.com/cuongbtq/agent-jobs/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("broker_mode", cfg.BrokerMode()),
	)

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()
	healthDeps := map[string]handler.HealthChecker{}

	// Job store
	backend, redisClient, err := initStoreBackend(&cfg.Store, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	if redisClient != nil {
		cleanups = append(cleanups, func() { redisClient.Close() })
		healthDeps["redis"] = redisClient
	}
	jobStore := storage.NewStore(backend,
		storage.WithLogger(appLogger.Component("storage")),
		storage.WithTTL(cfg.Store.JobTTL),
		storage.WithHistoryLimit(cfg.Store.HistoryLimit),
		storage.WithKeyPrefix(keyPrefix(&cfg.Store)),
	)

	// Broker publisher
	publisher, err := initPublisher(cfg, appLogger.Logger, &cleanups, healthDeps)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	d := dispatcher.New(jobStore, publisher, cfg.DispatcherSettings(),
		dispatcher.WithLogger(appLogger.Component("dispatcher")),
	)

	// Optional archive
	var (
		archiveReader handler.ArchiveReader
		procOpts      = []worker.ProcessorOption{worker.WithProcessorLogger(appLogger.Component("processor"))}
	)
	if cfg.Database.Enabled {
		dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		cleanups = append(cleanups, func() { dbClient.Close() })
		healthDeps["postgres"] = dbClient

		archiveStore := archive.NewStore(dbClient.DB())
		if err := archiveStore.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to migrate archive: %w", err)
		}
		archiveReader = archiveStore
		procOpts = append(procOpts, worker.WithArchiver(archiveStore))

		appLogger.Info("Job archive enabled")
	}

	processor := worker.NewProcessor(jobStore, worker.NewRegistry(), worker.ProcessorConfig{
		WorkerID:    workerID(cfg.Worker.ID, "api"),
		JobTimeout:  cfg.Worker.JobTimeout,
		ClaimTTL:    cfg.Worker.EffectiveClaimTTL(),
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, procOpts...)

	deps := &handler.Dependencies{
		Logger:     appLogger.Logger,
		Jobs:       d,
		Archive:    archiveReader,
		HealthDeps: healthDeps,
	}
	if cfg.Broker.CurrentSigningKey != "" {
		deps.Processor = processor
		deps.Verifier = broker.NewVerifier(cfg.Broker.CurrentSigningKey, cfg.Broker.NextSigningKey)
		if target, err := cfg.DispatcherSettings().ResolveCallback(); err == nil {
			deps.CallbackURL = target
		}
	} else {
		appLogger.Warn("No signing key configured, broker callback route disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stuck-job sweeper
	if cfg.Sweeper.Enabled {
		sweeper := dispatcher.NewSweeper(jobStore, d, dispatcher.SweeperConfig{
			Interval:    cfg.Sweeper.Interval,
			GracePeriod: cfg.Sweeper.GracePeriod,
			BatchSize:   cfg.Sweeper.BatchSize,
			StaleAfter:  cfg.Worker.EffectiveClaimTTL(),
		}, appLogger.Component("sweeper"))
		go sweeper.Run(ctx)
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, deps)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(r, "agent-jobs-api"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Shutting down server...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if lb, ok := publisher.(*broker.Loopback); ok {
		lb.Wait()
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initStoreBackend connects to Redis. Without a store URL an in-process
// backend is used; the dispatcher still rejects submissions until the store
// is configured.
func initStoreBackend(cfg *config.StoreConfig, logger *slog.Logger) (kv.Store, *redis.Client, error) {
	if cfg.URL == "" {
		logger.Warn("Job store not configured, submissions will be rejected")
		return kv.NewMemory(), nil, nil
	}

	client, err := redis.NewClient(&redis.Config{
		URL:           cfg.URL,
		Token:         cfg.Token,
		DB:            cfg.DB,
		PoolSize:      cfg.PoolSize,
		DialTimeout:   cfg.Connection.ConnectionTimeout,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return kv.NewRedis(client.Redis()), client, nil
}

// initPublisher builds the broker transport selected by broker.mode
func initPublisher(cfg *config.Config, logger *slog.Logger, cleanups *[]func(), healthDeps map[string]handler.HealthChecker) (broker.Publisher, error) {
	switch cfg.BrokerMode() {
	case config.BrokerModeAMQP:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		*cleanups = append(*cleanups, func() { rabbitClient.Close() })
		healthDeps["rabbitmq"] = rabbitClient
		return broker.NewAMQPPublisher(rabbitClient), nil

	case config.BrokerModeLoopback:
		logger.Warn("Using loopback broker, jobs are delivered in-process")
		return broker.NewLoopback(broker.NewSigner(cfg.Broker.CurrentSigningKey), nil, logger.With(slog.String("component", "loopback"))), nil

	default:
		return broker.NewHTTPPublisher(cfg.Broker.URL, cfg.Broker.Token,
			broker.WithHTTPLogger(logger.With(slog.String("component", "broker"))),
		), nil
	}
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		RetryAttempts:   cfg.Connection.RetryAttempts,
		RetryInterval:   cfg.Connection.RetryInterval,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		URL:                cfg.URL,
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Setup router
	return router.SetupRouter(deps)
}

func keyPrefix(cfg *config.StoreConfig) string {
	if cfg.KeyPrefix == "" {
		return storage.DefaultKeyPrefix
	}
	return cfg.KeyPrefix
}

// workerID returns the configured id or one derived from the host name
func workerID(configured, role string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", role, host, os.Getpid())
}
