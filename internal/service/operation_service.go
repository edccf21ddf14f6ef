// internal/service/operation_service.go
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usbmux-service/internal/config"
	"usbmux-service/internal/driver/usbmux"
	"usbmux-service/internal/model"
	"usbmux-service/internal/repository"
	"usbmux-service/internal/utils"
)

// progressEventEvery is how many acknowledged chunks pass between progress
// events during a firmware transfer.
const progressEventEvery = 16

// OperationService records and executes device operations. Control
// operations run synchronously; firmware updates run in a background
// goroutine with progress reported over the event sink.
type OperationService struct {
	operationRepo repository.OperationRepository
	deviceRepo    repository.DeviceRepository
	deviceService *DeviceService
	config        *config.Config
	logger        *utils.ServiceLogger
	events        EventSink
}

// NewOperationService creates a new operation service instance
func NewOperationService(
	operationRepo repository.OperationRepository,
	deviceRepo repository.DeviceRepository,
	deviceService *DeviceService,
	cfg *config.Config,
	logger *zap.Logger,
) *OperationService {
	return &OperationService{
		operationRepo: operationRepo,
		deviceRepo:    deviceRepo,
		deviceService: deviceService,
		config:        cfg,
		logger:        utils.NewServiceLogger(logger, "operation-service"),
		events:        nopEventSink{},
	}
}

// SetEventSink wires the event distribution target. Called once at startup.
func (os *OperationService) SetEventSink(sink EventSink) {
	if sink != nil {
		os.events = sink
	}
}

// GetOperation retrieves one operation record.
func (os *OperationService) GetOperation(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error) {
	return os.operationRepo.GetByID(ctx, id)
}

// ListOperations retrieves operations with filtering.
func (os *OperationService) ListOperations(ctx context.Context, filter *repository.OperationFilter) ([]*model.DeviceOperation, *PaginationResult, error) {
	operations, total, err := os.operationRepo.List(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list operations: %w", err)
	}

	pagination := &PaginationResult{
		Total:   total,
		Page:    filter.Page,
		PerPage: filter.PerPage,
	}
	if filter.PerPage > 0 {
		pagination.TotalPages = (total + filter.PerPage - 1) / filter.PerPage
	}

	return operations, pagination, nil
}

// ListDeviceOperations retrieves recent operations for one device.
func (os *OperationService) ListDeviceOperations(ctx context.Context, serial string, limit int) ([]*model.DeviceOperation, error) {
	if limit <= 0 {
		limit = 20
	}
	return os.operationRepo.ListByDevice(ctx, serial, limit)
}

// ExecuteStatusCheck runs a recorded status query.
func (os *OperationService) ExecuteStatusCheck(ctx context.Context, serial string) (*model.DeviceOperation, *model.StatusSnapshot, error) {
	op := os.begin(ctx, serial, model.OperationTypeStatusCheck)

	snapshot, err := os.deviceService.QueryStatus(ctx, serial)
	if err != nil {
		os.fail(ctx, op, err)
		return op, nil, err
	}

	os.succeed(ctx, op, model.JSONObject{
		"connections":     snapshot.Connections,
		"id_pin_state":    snapshot.IDPinState,
		"host_dut_locked": snapshot.HostDutLocked,
	})
	return op, snapshot, nil
}

// ExecuteConnect runs a recorded topology change.
func (os *OperationService) ExecuteConnect(ctx context.Context, serial string, data *model.ConnectOperationData) (*model.DeviceOperation, *model.StatusSnapshot, error) {
	op := os.begin(ctx, serial, model.OperationTypeConnect)

	snapshot, err := os.deviceService.Connect(ctx, serial, data)
	if err != nil {
		os.fail(ctx, op, err)
		return op, nil, err
	}

	os.succeed(ctx, op, model.JSONObject{
		"connections": snapshot.Connections,
	})
	return op, snapshot, nil
}

// ExecuteSetIDPin runs a recorded ID pin change.
func (os *OperationService) ExecuteSetIDPin(ctx context.Context, serial string, state model.PinState) (*model.DeviceOperation, *model.StatusSnapshot, error) {
	op := os.begin(ctx, serial, model.OperationTypeSetIDPin)

	snapshot, err := os.deviceService.SetIDPin(ctx, serial, state)
	if err != nil {
		os.fail(ctx, op, err)
		return op, nil, err
	}

	os.succeed(ctx, op, model.JSONObject{
		"id_pin_state": snapshot.IDPinState,
	})
	return op, snapshot, nil
}

// StartFirmwareUpdate validates the request and launches the upgrade in the
// background. The returned operation is the handle for progress tracking.
func (os *OperationService) StartFirmwareUpdate(ctx context.Context, serial string, firmwareFile string) (*model.DeviceOperation, error) {
	device, err := os.deviceRepo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}
	if device.Status == model.DeviceStatusUpdating {
		return nil, fmt.Errorf("firmware update already in progress for %s", serial)
	}

	imagePath, err := os.resolveFirmwarePath(firmwareFile)
	if err != nil {
		return nil, err
	}

	image, err := usbmux.LoadFirmwareImage(imagePath)
	if err != nil {
		return nil, err
	}

	op := os.begin(ctx, serial, model.OperationTypeFirmwareUpdate)
	if err := os.deviceRepo.UpdateStatus(ctx, device.ID, model.DeviceStatusUpdating); err != nil {
		os.fail(ctx, op, err)
		return nil, err
	}

	os.events.PublishEvent(model.NewDeviceEvent(model.EventUpgradeStarted, serial, model.JSONObject{
		"operation_id": op.ID,
		"total_bytes":  image.TotalBytes(),
		"file":         filepath.Base(imagePath),
	}))

	// The session outlives the HTTP request that started it.
	go os.runFirmwareUpdate(context.Background(), op, device.ID, serial, image)

	return op, nil
}

// resolveFirmwarePath confines firmware files to the configured directory.
func (os *OperationService) resolveFirmwarePath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("firmware file is required")
	}
	if strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("firmware file must be a plain name inside the firmware directory")
	}
	return filepath.Join(os.config.Upgrade.FirmwareDir, name), nil
}

func (os *OperationService) runFirmwareUpdate(ctx context.Context, op *model.DeviceOperation, deviceID uuid.UUID, serial string, image *usbmux.FirmwareImage) {
	opLogger := utils.NewOperationLogger(os.logger.Logger, string(model.OperationTypeFirmwareUpdate), op.ID.String())
	opLogger.Start(zap.String("serial", serial), zap.Int("total_bytes", image.TotalBytes()))

	err := os.driveUpgrade(ctx, op, serial, image, opLogger)

	if err != nil {
		os.deviceRepo.UpdateStatus(ctx, deviceID, model.DeviceStatusError)
		os.fail(ctx, op, err)
		opLogger.Error(err)
		os.events.PublishEvent(model.NewDeviceEvent(model.EventUpgradeFailed, serial, model.JSONObject{
			"operation_id": op.ID,
			"error":        err.Error(),
		}))
		return
	}

	os.deviceRepo.UpdateStatus(ctx, deviceID, model.DeviceStatusOnline)
	if device, derr := os.deviceRepo.GetBySerial(ctx, serial); derr == nil {
		os.deviceService.probeVersions(ctx, device)
		os.deviceRepo.Update(ctx, device)
	}

	os.succeed(ctx, op, model.JSONObject{
		"bytes_sent": image.TotalBytes(),
		"checksum":   image.Checksum,
	})
	opLogger.Success(zap.Int("bytes_sent", image.TotalBytes()))
	os.events.PublishEvent(model.NewDeviceEvent(model.EventUpgradeCompleted, serial, model.JSONObject{
		"operation_id": op.ID,
	}))
}

func (os *OperationService) driveUpgrade(ctx context.Context, op *model.DeviceOperation, serial string, image *usbmux.FirmwareImage, opLogger *utils.OperationLogger) error {
	client, err := os.deviceService.OpenClient(ctx, serial)
	if err != nil {
		return err
	}

	session := usbmux.NewUpgradeSession(os.deviceService.bus, image, os.logger.Logger,
		usbmux.WithReappearTimeout(os.config.Upgrade.ReappearTimeout))

	if err := session.Begin(ctx, client); err != nil {
		return err
	}

	chunk := 0
	for {
		done, err := session.TransferChunk(ctx)
		if err != nil {
			return err
		}
		chunk++

		if done || chunk%progressEventEvery == 0 {
			progress := float64(session.BytesSent()) / float64(session.TotalBytes())
			opLogger.Progress("Firmware transfer progress", progress,
				zap.Int("bytes_sent", session.BytesSent()))
			os.events.PublishEvent(model.NewDeviceEvent(model.EventUpgradeProgress, serial, model.JSONObject{
				"operation_id": op.ID,
				"bytes_sent":   session.BytesSent(),
				"total_bytes":  session.TotalBytes(),
				"state":        session.State(),
			}))
		}
		if done {
			break
		}
	}

	return session.Finish(ctx)
}

// CleanupOldOperations drops completed operation records past retention.
func (os *OperationService) CleanupOldOperations(ctx context.Context, retention time.Duration) (int, error) {
	return os.operationRepo.DeleteOldOperations(ctx, time.Now().Add(-retention))
}

// begin records a new processing operation.
func (os *OperationService) begin(ctx context.Context, serial string, opType model.OperationType) *model.DeviceOperation {
	op := &model.DeviceOperation{
		ID:            uuid.New(),
		DeviceSerial:  serial,
		OperationType: opType,
		Status:        model.OperationStatusProcessing,
		StartedAt:     time.Now(),
	}
	if err := os.operationRepo.Create(ctx, op); err != nil {
		os.logger.Error("Failed to record operation", zap.Error(err))
	}
	return op
}

func (os *OperationService) succeed(ctx context.Context, op *model.DeviceOperation, result model.JSONObject) {
	now := time.Now()
	duration := int(now.Sub(op.StartedAt).Milliseconds())
	op.Status = model.OperationStatusSuccess
	op.CompletedAt = &now
	op.DurationMs = &duration
	op.Result = result

	if err := os.operationRepo.Update(ctx, op); err != nil {
		os.logger.Error("Failed to update operation", zap.Error(err))
	}
}

func (os *OperationService) fail(ctx context.Context, op *model.DeviceOperation, opErr error) {
	now := time.Now()
	duration := int(now.Sub(op.StartedAt).Milliseconds())
	msg := opErr.Error()
	op.Status = model.OperationStatusFailed
	op.CompletedAt = &now
	op.DurationMs = &duration
	op.ErrorMessage = &msg

	if err := os.operationRepo.Update(ctx, op); err != nil {
		os.logger.Error("Failed to update operation", zap.Error(err))
	}
}
