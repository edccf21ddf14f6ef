// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"usbmux-service/internal/service"
	"usbmux-service/internal/utils"
)

// DiscoveryHandler handles device discovery requests
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	discovery := router.Group("/discovery")
	{
		discovery.POST("/scan", h.ScanDevices)
		discovery.GET("/scanners", h.GetScanners)
	}
}

// ScanDevices runs a bus scan and reconciles the device registry
func (h *DiscoveryHandler) ScanDevices(c *gin.Context) {
	scanType := c.DefaultQuery("type", "all")

	result, devices, err := h.discoveryService.ScanDevices(c.Request.Context(), scanType)
	if err != nil {
		h.logger.Error("Failed to scan devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to scan devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device scan completed", gin.H{
		"result":  result,
		"devices": devices,
	})
}

// GetScanners returns the available scanner types
func (h *DiscoveryHandler) GetScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Scanners retrieved successfully", gin.H{
		"scanners": h.discoveryService.GetAvailableScanners(),
	})
}
