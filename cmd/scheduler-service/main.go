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

	"github.com/cuongbtq/transcribe-batch/internal/api/handler"
	"github.com/cuongbtq/transcribe-batch/internal/api/router"
	"github.com/cuongbtq/transcribe-batch/internal/cache"
	"github.com/cuongbtq/transcribe-batch/internal/config"
	"github.com/cuongbtq/transcribe-batch/internal/events"
	"github.com/cuongbtq/transcribe-batch/internal/history"
	"github.com/cuongbtq/transcribe-batch/internal/pipeline"
	"github.com/cuongbtq/transcribe-batch/internal/scheduler"
	"github.com/cuongbtq/transcribe-batch/shared/logger"
	"github.com/cuongbtq/transcribe-batch/shared/postgresql"
	"github.com/cuongbtq/transcribe-batch/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("SCHEDULER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/scheduler-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting scheduler service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize result cache
	var resultCache *cache.Cache
	if cfg.Cache.Enabled {
		resultCache = cache.New(cache.Config{
			Capacity:      cfg.Cache.CapacityBytes,
			DefaultTTL:    cfg.Cache.TTL.Std(),
			SweepInterval: cfg.Cache.SweepInterval.Std(),
		})
		defer resultCache.Close()

		appLogger.Info("Result cache enabled",
			slog.Int64("capacity_bytes", cfg.Cache.CapacityBytes),
			slog.Duration("ttl", cfg.Cache.TTL.Std()),
		)
	}

	// Initialize the transcription pipeline executor
	runner := pipeline.New(pipeline.Config{
		TranscribeCommand: cfg.Pipeline.TranscribeCommand,
		TranslateCommand:  cfg.Pipeline.TranslateCommand,
		WorkDir:           cfg.Pipeline.WorkDir,
	}, appLogger.Logger)

	// Initialize the scheduler
	sched, err := scheduler.New(scheduler.Config{
		Executor:         runner,
		Cache:            resultCache,
		Workers:          cfg.Scheduler.Workers,
		QueueDepth:       cfg.Scheduler.QueueDepth,
		Backpressure:     cfg.Scheduler.Backpressure,
		SubmitWait:       cfg.Scheduler.SubmitWait.Std(),
		MaxAttempts:      cfg.Scheduler.MaxAttempts,
		BackoffBase:      cfg.Scheduler.BackoffBase.Std(),
		BackoffCap:       cfg.Scheduler.BackoffCap.Std(),
		JobTimeout:       cfg.Scheduler.JobTimeout.Std(),
		ResultTTL:        cfg.Cache.TTL.Std(),
		RetentionWindow:  cfg.Scheduler.RetentionWindow.Std(),
		SubscriberBuffer: cfg.Scheduler.SubscriberBuffer,
		Logger:           appLogger.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	appLogger.Info("Scheduler started",
		slog.Int("workers", cfg.Scheduler.Workers),
		slog.Int("queue_depth", cfg.Scheduler.QueueDepth),
	)

	// Initialize the PostgreSQL terminal-job archive
	var (
		dbClient *postgresql.Client
		archive  handler.Archive
	)
	if cfg.History.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		store := history.NewStore(dbClient)

		schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = store.EnsureSchema(schemaCtx)
		schemaCancel()
		if err != nil {
			return fmt.Errorf("failed to ensure history schema: %w", err)
		}

		archiver := history.NewArchiver(store, sched, appLogger.Logger)
		sched.Subscribe(archiver.HandleEvent)
		archive = store

		appLogger.Info("Job history archive enabled")
	}

	// Initialize the RabbitMQ lifecycle event publisher
	var rabbitClient *rabbitmq.Client
	if cfg.Events.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}

		publisher := events.NewPublisher(rabbitClient, cfg.RabbitMQ.RoutingKey, appLogger.Logger)
		sched.Subscribe(publisher.HandleEvent)

		appLogger.Info("Lifecycle event publishing enabled",
			slog.String("exchange", cfg.RabbitMQ.Exchange.Name),
			slog.String("routing_key", cfg.RabbitMQ.RoutingKey),
		)
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, sched, archive)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Scheduler service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	// Stop intake first so in-flight requests fail fast, then drain workers.
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	if err := sched.Close(ctx); err != nil {
		appLogger.Error("Scheduler forced to shutdown",
			slog.Any("error", err),
		)
	}

	if dbClient != nil {
		dbClient.Close()
	}
	if rabbitClient != nil {
		rabbitClient.Close()
	}

	appLogger.Info("Scheduler service shutdown complete")
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
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime.Std(),
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval.Std(),
		Heartbeat:          cfg.Connection.Heartbeat.Std(),
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout.Std(),
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval.Std(),
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, sched *scheduler.Scheduler, archive handler.Archive) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:    logger,
		Scheduler: sched,
		Archive:   archive,
	}

	return router.SetupRouter(handlerDeps)
}
