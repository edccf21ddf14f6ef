// cmd/server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"usbmux-service/internal/config"
	"usbmux-service/internal/driver"
	"usbmux-service/internal/handler"
	"usbmux-service/internal/protocol"
	"usbmux-service/internal/repository"
	"usbmux-service/internal/routes"
	"usbmux-service/internal/service"
	"usbmux-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	bus    *protocol.USBBus

	// Services
	deviceService    *service.DeviceService
	operationService *service.OperationService
	discoveryService *service.DiscoveryService

	// Repositories
	deviceRepo    repository.DeviceRepository
	operationRepo repository.OperationRepository

	// Driver registry
	driverRegistry *driver.Registry

	// Event distribution
	wsHandler *handler.WebSocketHandler

	// Cancels the background workers on shutdown
	cancelBackground context.CancelFunc
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "usbmux-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeBus(); err != nil {
		return nil, fmt.Errorf("failed to initialize USB bus: %w", err)
	}

	if err := app.initializeRepositories(); err != nil {
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := app.initializeDriverRegistry(); err != nil {
		return nil, fmt.Errorf("failed to initialize driver registry: %w", err)
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeBus opens the USB bus used for all device access
func (app *Application) initializeBus() error {
	app.bus = protocol.NewUSBBus(app.config.USB.ControlTimeout, app.logger)

	app.logger.Info("USB bus initialized",
		zap.Duration("control_timeout", app.config.USB.ControlTimeout),
	)
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() error {
	app.deviceRepo = repository.NewDeviceRepository(app.logger)
	app.operationRepo = repository.NewOperationRepository(app.logger)

	app.logger.Info("Repositories initialized successfully")
	return nil
}

// initializeDriverRegistry sets up the supported USB identities
func (app *Application) initializeDriverRegistry() error {
	app.driverRegistry = driver.NewRegistry(app.logger)
	driver.RegisterDefaultDevices(app.driverRegistry, app.logger)

	app.logger.Info("Driver registry initialized successfully")
	return nil
}

// initializeServices creates service instances
func (app *Application) initializeServices() error {
	app.deviceService = service.NewDeviceService(
		app.deviceRepo,
		app.bus,
		app.driverRegistry,
		app.config,
		app.logger,
	)

	app.operationService = service.NewOperationService(
		app.operationRepo,
		app.deviceRepo,
		app.deviceService,
		app.config,
		app.logger,
	)

	app.discoveryService = service.NewDiscoveryService(
		app.deviceRepo,
		app.deviceService,
		app.bus,
		app.driverRegistry,
		app.config,
		app.logger,
	)

	// The WebSocket handler doubles as the event sink for all services.
	app.wsHandler = handler.NewWebSocketHandler(app.deviceService, app.logger)
	app.deviceService.SetEventSink(app.wsHandler)
	app.operationService.SetEventSink(app.wsHandler)

	app.logger.Info("Services initialized successfully")
	return nil
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() error {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.deviceService,
		app.operationService,
		app.discoveryService,
		app.wsHandler,
	)

	router := routerManager.SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized",
		zap.String("address", app.config.GetServerAddr()),
	)

	return nil
}

// startBackgroundServices starts periodic discovery and cleanup workers
func (app *Application) startBackgroundServices() {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancelBackground = cancel

	go app.discoveryService.RunPeriodic(ctx)
	go app.startCleanupService(ctx)

	if app.config.USB.StatusPollEnabled {
		go app.deviceService.RunStatusPolling(ctx)
	}

	app.logger.Info("Background services started")
}

// startCleanupService drops old completed operation records hourly
func (app *Application) startCleanupService(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	app.logger.Info("Cleanup service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)

			deleted, err := app.operationService.CleanupOldOperations(cleanupCtx, 30*24*time.Hour)
			if err != nil {
				app.logger.Error("Failed to cleanup old operations", zap.Error(err))
			} else if deleted > 0 {
				app.logger.Info("Cleaned up old operations", zap.Int("deleted", deleted))
			}

			cancel()
		}
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	serviceLogger := utils.NewServiceLogger(app.logger, "usbmux-service")
	serviceLogger.LogServiceStop("shutdown signal received")

	if app.cancelBackground != nil {
		app.cancelBackground()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	if app.bus != nil {
		if err := app.bus.Close(); err != nil {
			app.logger.Error("USB bus close error", zap.Error(err))
		} else {
			app.logger.Info("USB bus closed")
		}
	}

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

func (app *Application) Start() error {
	go func() {
		app.logger.Info("Starting HTTP server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	app.startBackgroundServices()

	app.waitForShutdown()

	return nil
}
