package main

import (
	"context"
	"errors"
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

	"github.com/cuongbtq/thumbnailer/internal/api/handler"
	"github.com/cuongbtq/thumbnailer/internal/api/router"
	"github.com/cuongbtq/thumbnailer/internal/api/stream"
	"github.com/cuongbtq/thumbnailer/internal/broker"
	"github.com/cuongbtq/thumbnailer/internal/config"
	"github.com/cuongbtq/thumbnailer/internal/files"
	"github.com/cuongbtq/thumbnailer/internal/thumbnailer"
	"github.com/cuongbtq/thumbnailer/shared/logger"
	"github.com/cuongbtq/thumbnailer/shared/postgresql"
	"github.com/cuongbtq/thumbnailer/shared/rabbitmq"
)

// stateRecorder is either a database backed files.Recorder or files.NoopRecorder.
type stateRecorder interface {
	files.StateRecorder
	Shutdown(ctx context.Context) error
}

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
	defaultConfigPath := os.Getenv("THUMBNAILER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/thumbnailer-service/config.yaml"
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
	defer appLogger.Close()

	appLogger.Info("Starting thumbnailer service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checks []handler.HealthCheck

	// Initialize PostgreSQL client and the state history
	var (
		dbClient *postgresql.Client
		store    *files.Store
		recorder stateRecorder = files.NoopRecorder{}
	)
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Component("postgresql").Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()

		store = files.NewStore(dbClient)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		recorder = files.NewRecorder(appLogger.Component("recorder").Logger, store, cfg.Files.RecorderBuffer)
		checks = append(checks, handler.HealthCheck{Name: "postgresql", Check: dbClient.HealthCheck})

		appLogger.Info("Database connection established")
	} else {
		appLogger.Info("Database disabled, thumbnail state history is not persisted")
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	brokerClient := broker.NewClient(&broker.Config{
		Logger:          appLogger.Component("broker").Logger,
		Transport:       rabbitClient,
		RequestExchange: cfg.RabbitMQ.Exchanges.Requests,
		CallTimeout:     cfg.RabbitMQ.RPC.CallTimeout,
		PublishTimeout:  cfg.RabbitMQ.RPC.PublishTimeout,
	})
	checks = append(checks, handler.HealthCheck{
		Name: "rabbitmq",
		Check: func(context.Context) error {
			if !brokerClient.Connected() {
				return rabbitmq.ErrNotConnected
			}
			return nil
		},
	})

	// Initialize request manager
	catalog := files.NewCatalog(appLogger.Component("catalog").Logger, recorder, cfg.Files.DetectRoot)
	manager, err := initManager(&cfg.Thumbnailer, appLogger.Component("manager").Logger, brokerClient, catalog)
	if err != nil {
		return fmt.Errorf("failed to initialize request manager: %w", err)
	}

	if err := brokerClient.Start(ctx, manager); err != nil {
		return fmt.Errorf("failed to start broker client: %w", err)
	}

	managerDone := make(chan error, 1)
	go func() {
		managerDone <- manager.Run(ctx)
	}()

	hub := stream.NewHub(appLogger.Component("stream").Logger)
	go hub.Run(ctx, manager.Events())

	// Initialize router
	handlerDeps := &handler.Dependencies{
		Logger:  appLogger.Component("http").Logger,
		Manager: manager,
		Catalog: catalog,
		Checks:  checks,
	}
	if store != nil {
		handlerDeps.States = store
	}
	r := initRouter(cfg.App.Environment, handlerDeps, hub)

	// Create HTTP server
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
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Thumbnailer service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal or a failure to gracefully shutdown the service
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down service...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
	case err := <-managerDone:
		appLogger.Error("Request manager stopped unexpectedly", slog.Any("error", err))
		runErr = fmt.Errorf("request manager stopped: %w", err)
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	shutdown(shutdownCtx, appLogger.Logger, []namedShutdown{
		{"http server", srv.Shutdown},
		{"request manager", manager.Shutdown},
		{"event stream", hub.Shutdown},
		{"state recorder", recorder.Shutdown},
		{"broker client", brokerClient.Shutdown},
	})

	appLogger.Info("Service shutdown complete")
	return runErr
}

type namedShutdown struct {
	name string
	fn   func(ctx context.Context) error
}

// shutdown stops the components in order. A failing component doesn't prevent the next ones
// from stopping.
func shutdown(ctx context.Context, logger *slog.Logger, steps []namedShutdown) {
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			logger.Error("Failed to shut down component",
				slog.String("component", step.name),
				slog.Any("error", err),
			)
		}
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
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
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		User:                 cfg.User,
		Password:             cfg.Password,
		VHost:                cfg.VHost,
		RequestExchange:      cfg.Exchanges.Requests,
		NotificationExchange: cfg.Exchanges.Notifications,
		ExchangesDurable:     cfg.Exchanges.Durable,
		RetryAttempts:        cfg.Connection.RetryAttempts,
		RetryInterval:        cfg.Connection.RetryInterval,
		Heartbeat:            cfg.Connection.Heartbeat,
		ConnectionTimeout:    cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initManager initializes the thumbnail request manager
func initManager(cfg *config.ThumbnailerConfig, logger *slog.Logger, service thumbnailer.Service, lookup thumbnailer.FileLookup) (*thumbnailer.Manager, error) {
	priority, handleClass, err := cfg.Scheduling()
	if err != nil {
		return nil, err
	}

	return thumbnailer.NewManager(&thumbnailer.Config{
		Logger:       logger,
		Service:      service,
		Files:        lookup,
		Priority:     priority,
		HandleClass:  handleClass,
		Flags:        cfg.Flags,
		EventsBuffer: cfg.EventsBuffer,
		LoopBuffer:   cfg.LoopBuffer,
	}), nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies, hub *stream.Hub) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, hub)
}
