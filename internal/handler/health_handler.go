// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"usbmux-service/internal/config"
	"usbmux-service/internal/service"
	"usbmux-service/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	deviceService    *service.DeviceService
	discoveryService *service.DiscoveryService
	config           *config.Config
	startTime        time.Time
	logger           *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(
	deviceService *service.DeviceService,
	discoveryService *service.DiscoveryService,
	cfg *config.Config,
	logger *zap.Logger,
) *HealthHandler {
	return &HealthHandler{
		deviceService:    deviceService,
		discoveryService: discoveryService,
		config:           cfg,
		startTime:        time.Now(),
		logger:           utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck performs general health check
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]CheckResult),
	}

	scanners := h.discoveryService.GetAvailableScanners()
	if len(scanners) == 0 {
		health.Status = "unhealthy"
		health.Checks["usb_bus"] = CheckResult{
			Status:  "unhealthy",
			Message: "No device scanners available",
		}
	} else {
		health.Checks["usb_bus"] = CheckResult{
			Status:  "healthy",
			Message: "USB bus available",
		}
	}

	if stats, err := h.deviceService.GetDeviceStats(c.Request.Context()); err == nil {
		health.Checks["devices"] = CheckResult{
			Status: "healthy",
			Data: map[string]interface{}{
				"total":      stats.TotalDevices,
				"online":     stats.OnlineDevices,
				"offline":    stats.OfflineDevices,
				"updating":   stats.UpdatingDevices,
				"bootloader": stats.BootloaderDevices,
			},
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, health)
}

// ReadinessCheck for Kubernetes readiness probe
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if len(h.discoveryService.GetAvailableScanners()) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "usb bus not available",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
