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

	"github.com/minatran/wabulk-be/internal/api/handler"
	"github.com/minatran/wabulk-be/internal/api/progress"
	"github.com/minatran/wabulk-be/internal/api/router"
	"github.com/minatran/wabulk-be/internal/config"
	"github.com/minatran/wabulk-be/internal/hub"
	"github.com/minatran/wabulk-be/shared/logger"
	"github.com/minatran/wabulk-be/shared/postgresql"
	"github.com/minatran/wabulk-be/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Two RabbitMQ connections: one publishes job messages toward the
	// worker, one consumes the worker's progress events.
	jobsPublisher, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Jobs, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize jobs publisher: %w", err)
	}

	progressConsumer, err := initRabbitMQ(&cfg.RabbitMQ, cfg.RabbitMQ.Progress, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize progress consumer: %w", err)
	}

	appLogger.Info("RabbitMQ connections established")

	progressHub := hub.New(appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := progress.NewConsumer(progressConsumer, progressHub, cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Logger)
	if err := relay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start progress relay: %w", err)
	}

	r := initRouter(cfg, appLogger.Logger, dbClient, jobsPublisher, progressHub)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		shutdownCancel()
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if jobsPublisher != nil {
			jobsPublisher.Close()
		}
		if progressConsumer != nil {
			progressConsumer.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, jobsPublisher *rabbitmq.Client, progressHub *hub.Hub) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:             logger,
		DBClient:           dbClient,
		JobsPublisher:      jobsPublisher,
		Hub:                progressHub,
		MaxRecipients:      cfg.Engine.MaxRecipients,
		WebhookVerifyToken: cfg.WhatsApp.WebhookVerifyToken,
	}

	return router.SetupRouter(handlerDeps)
}
