// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"usbmux-service/internal/config"
	"usbmux-service/internal/handler"
	"usbmux-service/internal/middleware"
	"usbmux-service/internal/service"
	"usbmux-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config           *config.Config
	logger           *zap.Logger
	deviceService    *service.DeviceService
	operationService *service.OperationService
	discoveryService *service.DiscoveryService
	wsHandler        *handler.WebSocketHandler
}

// NewRouter creates a new router instance. The WebSocket handler is created
// by the caller so it can also serve as the services' event sink.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	deviceService *service.DeviceService,
	operationService *service.OperationService,
	discoveryService *service.DiscoveryService,
	wsHandler *handler.WebSocketHandler,
) *Router {
	return &Router{
		config:           config,
		logger:           logger,
		deviceService:    deviceService,
		operationService: operationService,
		discoveryService: discoveryService,
		wsHandler:        wsHandler,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.deviceService, r.discoveryService, r.config, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.deviceService, r.operationService, r.logger)
	operationHandler := handler.NewOperationHandler(r.operationService, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.discoveryService, r.logger)

	healthHandler.RegisterRoutes(router.Group(""))

	apiV1 := router.Group("/api/v1")
	deviceHandler.RegisterRoutes(apiV1)
	operationHandler.RegisterRoutes(apiV1)
	discoveryHandler.RegisterRoutes(apiV1)

	r.wsHandler.RegisterRoutes(router.Group("/ws"))

	r.logger.Info("All routes configured successfully")
}
