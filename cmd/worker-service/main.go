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

	"github.com/minatran/wabulk-be/internal/config"
	"github.com/minatran/wabulk-be/internal/dedupe"
	"github.com/minatran/wabulk-be/internal/engine"
	"github.com/minatran/wabulk-be/internal/engine/storage"
	"github.com/minatran/wabulk-be/internal/whatsapp"
	"github.com/minatran/wabulk-be/internal/worker"
	"github.com/minatran/wabulk-be/shared/logger"
	"github.com/minatran/wabulk-be/shared/postgresql"
	"github.com/minatran/wabulk-be/shared/rabbitmq"
	"github.com/minatran/wabulk-be/shared/redisclient"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Two RabbitMQ connections: one consumes job messages, one publishes
	// progress events back toward the API.
	jobsConsumer, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Jobs, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize jobs consumer: %w", err)
	}

	progressPublisher, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Progress, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize progress publisher: %w", err)
	}

	appLogger.Info("RabbitMQ connections established")

	redisClient, err := redisclient.NewClient(&redisclient.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	appLogger.Info("Redis connection established")

	dedupeCache := dedupe.NewRedisCache(redisClient, cfg.Dedupe.TTL)

	dispatchClient := whatsapp.NewClient(&whatsapp.Config{
		BaseURL: cfg.WhatsApp.BaseURL,
		Timeout: cfg.WhatsApp.Timeout,
	}, appLogger.Logger)

	engineStorage := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	dispatchEngine := engine.New(
		engine.Config{
			BatchSize:      cfg.Engine.BatchSize,
			Concurrency:    cfg.Engine.Concurrency,
			MaxRetries:     cfg.Engine.MaxRetries,
			BatchPause:     cfg.Engine.BatchPause,
			RetryBaseDelay: cfg.Engine.RetryBaseDelay,
			RetryMaxDelay:  cfg.Engine.RetryMaxDelay,
			RatePerSecond:  cfg.Engine.RatePerSecond,
		},
		dispatchClient,
		dedupeCache,
		engineStorage,
		worker.NewProgressPublisher(progressPublisher),
		engine.StaticCredentials{
			AccessToken:   cfg.WhatsApp.AccessToken,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		},
		nil, // no credit checker wired in this deployment
		appLogger.Logger,
	)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Storage:           engineStorage,
		Engine:            dispatchEngine,
		JobsConsumer:      jobsConsumer,
		Concurrency:       cfg.Worker.Concurrency,
		MaxJobs:           cfg.Worker.MaxJobs,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

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

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

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

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if jobsConsumer != nil {
			jobsConsumer.Close()
		}
		if progressPublisher != nil {
			progressPublisher.Close()
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ creates a RabbitMQ client bound to one exchange/queue pair
func initRabbitMQ(cfg *config.RabbitMQConfig, binding config.BindingConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       binding.Exchange,
		ExchangeType:       binding.ExchangeType,
		ExchangeDurable:    binding.Durable,
		QueueName:          binding.Queue,
		QueueDurable:       binding.Durable,
		RoutingKey:         binding.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
