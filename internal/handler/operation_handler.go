// internal/handler/operation_handler.go
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"usbmux-service/internal/model"
	"usbmux-service/internal/repository"
	"usbmux-service/internal/service"
	"usbmux-service/internal/utils"
)

// OperationHandler handles operation-related HTTP requests
type OperationHandler struct {
	operationService *service.OperationService
	logger           *utils.ServiceLogger
}

// NewOperationHandler creates a new operation handler
func NewOperationHandler(operationService *service.OperationService, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		operationService: operationService,
		logger:           utils.NewServiceLogger(logger, "operation-handler"),
	}
}

// RegisterRoutes registers operation-related routes
func (h *OperationHandler) RegisterRoutes(router *gin.RouterGroup) {
	operations := router.Group("/operations")
	{
		operations.GET("", h.ListOperations)
		operations.GET("/:id", h.GetOperation)
	}
}

// GetOperation retrieves operation by ID
func (h *OperationHandler) GetOperation(c *gin.Context) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid operation ID", err)
		return
	}

	operation, err := h.operationService.GetOperation(c.Request.Context(), id)
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Operation not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Operation retrieved successfully", operation)
}

// ListOperations lists operations with filtering
func (h *OperationHandler) ListOperations(c *gin.Context) {
	filter := &repository.OperationFilter{
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

	if serial := c.Query("serial"); serial != "" {
		filter.DeviceSerial = &serial
	}
	if operationType := c.Query("operation_type"); operationType != "" {
		ot := model.OperationType(operationType)
		filter.OperationType = &ot
	}
	if status := c.Query("status"); status != "" {
		s := model.OperationStatus(status)
		filter.Status = &s
	}
	if startDate := c.Query("start_date"); startDate != "" {
		if date, err := time.Parse(time.RFC3339, startDate); err == nil {
			filter.StartDate = &date
		}
	}
	if endDate := c.Query("end_date"); endDate != "" {
		if date, err := time.Parse(time.RFC3339, endDate); err == nil {
			filter.EndDate = &date
		}
	}

	operations, pagination, err := h.operationService.ListOperations(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list operations", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list operations", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Operations retrieved successfully", gin.H{
		"operations": operations,
		"pagination": pagination,
	})
}
