package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/agent-jobs/internal/archive"
	"github.com/cuongbtq/agent-jobs/internal/config"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	id := workerID(cfg.Worker.ID)
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", id),
	)

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Store, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	appLogger.Info("Job store connection established")

	prefix := cfg.Store.KeyPrefix
	if prefix == "" {
		prefix = storage.DefaultKeyPrefix
	}
	jobStore := storage.NewStore(kv.NewRedis(redisClient.Redis()),
		storage.WithLogger(appLogger.Component("storage")),
		storage.WithTTL(cfg.Store.JobTTL),
		storage.WithHistoryLimit(cfg.Store.HistoryLimit),
		storage.WithKeyPrefix(prefix),
	)

	procOpts := []worker.ProcessorOption{worker.WithProcessorLogger(appLogger.Component("processor"))}

	// Initialize PostgreSQL client for the archive
	var dbClient *postgresql.Client
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		archiveStore := archive.NewStore(dbClient.DB())
		if err := archiveStore.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to migrate archive: %w", err)
		}
		procOpts = append(procOpts, worker.WithArchiver(archiveStore))

		appLogger.Info("Database connection established")
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	processor := worker.NewProcessor(jobStore, worker.NewRegistry(), worker.ProcessorConfig{
		WorkerID:    id,
		JobTimeout:  cfg.Worker.JobTimeout,
		ClaimTTL:    cfg.Worker.EffectiveClaimTTL(),
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, procOpts...)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Component("worker"),
		Consumer:      rabbitClient,
		Processor:     processor,
		WorkerID:      id,
		QueueName:     cfg.RabbitMQ.Queue.Name,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		if dbClient != nil {
			dbClient.Close()
		}
		if redisClient != nil {
			redisClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
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

// initRedis initializes the job store client
func initRedis(cfg *config.StoreConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		URL:           cfg.URL,
		Token:         cfg.Token,
		DB:            cfg.DB,
		PoolSize:      cfg.PoolSize,
		DialTimeout:   cfg.Connection.ConnectionTimeout,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval,
	}, logger)
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
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// workerID returns the configured id or one derived from the host name
func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("worker-%s-%d", host, os.Getpid())
}
