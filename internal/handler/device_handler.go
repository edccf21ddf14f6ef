// internal/handler/device_handler.go
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"usbmux-service/internal/driver/usbmux"
	"usbmux-service/internal/model"
	"usbmux-service/internal/protocol"
	"usbmux-service/internal/repository"
	"usbmux-service/internal/service"
	"usbmux-service/internal/utils"
)

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	deviceService    *service.DeviceService
	operationService *service.OperationService
	logger           *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(deviceService *service.DeviceService, operationService *service.OperationService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService:    deviceService,
		operationService: operationService,
		logger:           utils.NewServiceLogger(logger, "device-handler"),
	}
}

// RegisterRoutes registers device-related routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)
		devices.GET("/stats", h.GetDeviceStats)

		deviceRoutes := devices.Group("/:serial")
		{
			deviceRoutes.GET("", h.GetDevice)
			deviceRoutes.DELETE("", h.DeleteDevice)
			deviceRoutes.GET("/status", h.QueryStatus)
			deviceRoutes.POST("/connect", h.Connect)
			deviceRoutes.POST("/id-pin", h.SetIDPin)
			deviceRoutes.GET("/operations", h.ListDeviceOperations)
			deviceRoutes.POST("/firmware", h.StartFirmwareUpdate)
		}
	}
}

// ListDevices lists devices with filtering and pagination
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	filter := &repository.DeviceFilter{
		Page:    1,
		PerPage: 20,
	}

	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil && p > 0 {
			filter.Page = p
		}
	}
	if perPage := c.Query("per_page"); perPage != "" {
		if pp, err := strconv.Atoi(perPage); err == nil && pp > 0 && pp <= 100 {
			filter.PerPage = pp
		}
	}
	if status := c.Query("status"); status != "" {
		s := model.DeviceStatus(status)
		filter.Status = &s
	}
	if search := c.Query("search"); search != "" {
		filter.SearchTerm = &search
	}

	devices, pagination, err := h.deviceService.ListDevices(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"devices":    devices,
		"pagination": pagination,
	})
}

// GetDevice retrieves device by serial number
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	serial := c.Param("serial")

	device, err := h.deviceService.GetDevice(c.Request.Context(), serial)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Device not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", device)
}

// DeleteDevice removes a device record
func (h *DeviceHandler) DeleteDevice(c *gin.Context) {
	serial := c.Param("serial")

	if err := h.deviceService.DeleteDevice(c.Request.Context(), serial); err != nil {
		h.logger.Error("Failed to delete device", zap.Error(err), zap.String("serial", serial))
		utils.ErrorResponse(c, statusForDeviceError(err), "Failed to delete device", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device deleted successfully", gin.H{"serial": serial})
}

// GetDeviceStats returns aggregate device counts
func (h *DeviceHandler) GetDeviceStats(c *gin.Context) {
	stats, err := h.deviceService.GetDeviceStats(c.Request.Context())
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to get device stats", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device stats retrieved successfully", stats)
}

// QueryStatus reads fresh state from the hardware
func (h *DeviceHandler) QueryStatus(c *gin.Context) {
	serial := c.Param("serial")

	operation, snapshot, err := h.operationService.ExecuteStatusCheck(c.Request.Context(), serial)
	if err != nil {
		h.logger.Error("Status query failed", zap.Error(err), zap.String("serial", serial))
		utils.ErrorResponse(c, statusForDeviceError(err), "Failed to query device status", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device status retrieved successfully", gin.H{
		"operation_id": operation.ID,
		"status":       snapshot,
	})
}

// ConnectRequest represents a topology change request. Links is the full
// desired topology; an empty list disconnects everything.
type ConnectRequest struct {
	Links    []model.Link    `json:"links"`
	IDPin    *model.PinState `json:"id_pin,omitempty"`
	SettleMs int             `json:"settle_ms,omitempty"`
}

// Connect switches the device to the requested topology
func (h *DeviceHandler) Connect(c *gin.Context) {
	serial := c.Param("serial")

	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.IDPin != nil && !req.IDPin.IsValid() {
		utils.ValidationErrorResponse(c, map[string]string{
			"id_pin": "must be one of LOW, HIGH, FLOATING",
		})
		return
	}
	if req.SettleMs < 0 || req.SettleMs > 10000 {
		utils.ValidationErrorResponse(c, map[string]string{
			"settle_ms": "must be between 0 and 10000",
		})
		return
	}

	data := &model.ConnectOperationData{
		Links:    model.ConnectionRequest(req.Links),
		IDPin:    req.IDPin,
		SettleMs: req.SettleMs,
	}

	operation, snapshot, err := h.operationService.ExecuteConnect(c.Request.Context(), serial, data)
	if err != nil {
		h.logger.Error("Connect failed", zap.Error(err), zap.String("serial", serial))
		utils.ErrorResponse(c, statusForDeviceError(err), "Failed to apply connection topology", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Connection topology applied successfully", gin.H{
		"operation_id": operation.ID,
		"status":       snapshot,
	})
}

// IDPinRequest represents an ID pin change request
type IDPinRequest struct {
	State model.PinState `json:"state" binding:"required"`
}

// SetIDPin drives the OTG ID pin on the DUT port
func (h *DeviceHandler) SetIDPin(c *gin.Context) {
	serial := c.Param("serial")

	var req IDPinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !req.State.IsValid() {
		utils.ValidationErrorResponse(c, map[string]string{
			"state": "must be one of LOW, HIGH, FLOATING",
		})
		return
	}

	operation, snapshot, err := h.operationService.ExecuteSetIDPin(c.Request.Context(), serial, req.State)
	if err != nil {
		h.logger.Error("ID pin change failed", zap.Error(err), zap.String("serial", serial))
		utils.ErrorResponse(c, statusForDeviceError(err), "Failed to set ID pin", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "ID pin set successfully", gin.H{
		"operation_id": operation.ID,
		"status":       snapshot,
	})
}

// ListDeviceOperations lists recent operations for one device
func (h *DeviceHandler) ListDeviceOperations(c *gin.Context) {
	serial := c.Param("serial")

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	operations, err := h.operationService.ListDeviceOperations(c.Request.Context(), serial, limit)
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list operations", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device operations retrieved successfully", gin.H{
		"operations": operations,
	})
}

// FirmwareUpdateRequest represents a firmware update request. File is a plain
// file name resolved inside the configured firmware directory.
type FirmwareUpdateRequest struct {
	File string `json:"file" binding:"required"`
}

// StartFirmwareUpdate launches an asynchronous firmware update
func (h *DeviceHandler) StartFirmwareUpdate(c *gin.Context) {
	serial := c.Param("serial")

	var req FirmwareUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	operation, err := h.operationService.StartFirmwareUpdate(c.Request.Context(), serial, req.File)
	if err != nil {
		h.logger.Error("Failed to start firmware update", zap.Error(err), zap.String("serial", serial))
		utils.ErrorResponse(c, statusForDeviceError(err), "Failed to start firmware update", err)
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Firmware update started", operation)
}

// statusForDeviceError maps driver and protocol errors to HTTP status codes.
func statusForDeviceError(err error) int {
	var topologyErr *usbmux.InvalidTopologyError
	var rejectedErr *usbmux.RejectedByDeviceError
	var versionErr *usbmux.ProtocolVersionError
	var imageErr *usbmux.ImageError
	var notFoundErr *protocol.NotFoundError
	var transportErr *protocol.TransportError

	switch {
	case errors.As(err, &topologyErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rejectedErr):
		return http.StatusConflict
	case errors.As(err, &versionErr):
		return http.StatusConflict
	case errors.As(err, &imageErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusBadGateway
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	case strings.Contains(err.Error(), "not found"):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
