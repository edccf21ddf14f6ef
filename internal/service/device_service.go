// internal/service/device_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usbmux-service/internal/config"
	"usbmux-service/internal/driver"
	"usbmux-service/internal/driver/usbmux"
	"usbmux-service/internal/model"
	"usbmux-service/internal/protocol"
	"usbmux-service/internal/repository"
	"usbmux-service/internal/utils"
)

// EventSink receives device events for distribution to subscribers.
type EventSink interface {
	PublishEvent(event model.DeviceEvent)
}

// nopEventSink drops events; used when no sink is wired.
type nopEventSink struct{}

func (nopEventSink) PublishEvent(model.DeviceEvent) {}

// DeviceService handles device management business logic. Device handles are
// opened per operation and closed when it completes; nothing holds a handle
// across calls.
type DeviceService struct {
	deviceRepo repository.DeviceRepository
	bus        protocol.Bus
	registry   *driver.Registry
	config     *config.Config
	logger     *utils.ServiceLogger
	events     EventSink
}

// NewDeviceService creates a new device service instance
func NewDeviceService(
	deviceRepo repository.DeviceRepository,
	bus protocol.Bus,
	registry *driver.Registry,
	cfg *config.Config,
	logger *zap.Logger,
) *DeviceService {
	return &DeviceService{
		deviceRepo: deviceRepo,
		bus:        bus,
		registry:   registry,
		config:     cfg,
		logger:     utils.NewServiceLogger(logger, "device-service"),
		events:     nopEventSink{},
	}
}

// SetEventSink wires the event distribution target. Called once at startup.
func (ds *DeviceService) SetEventSink(sink EventSink) {
	if sink != nil {
		ds.events = sink
	}
}

// OpenClient opens a protocol client to one device by serial number. The
// caller owns the returned client and must close it.
func (ds *DeviceService) OpenClient(ctx context.Context, serial string) (*usbmux.Client, error) {
	return ds.openClient(ctx, serial, ds.config.USB.SettleDelay)
}

func (ds *DeviceService) openClient(ctx context.Context, serial string, settle time.Duration) (*usbmux.Client, error) {
	var lastErr error
	for _, key := range ds.registry.ListKeys(driver.ClassApplication) {
		transport, err := ds.bus.Open(ctx, protocol.Selector{
			VendorID:     key.VendorID,
			ProductID:    key.ProductID,
			SerialNumber: serial,
		})
		if err != nil {
			lastErr = err
			continue
		}

		client, err := usbmux.Open(ctx, transport, ds.logger.Logger,
			usbmux.WithSettleDelay(settle))
		if err != nil {
			transport.Close()
			return nil, err
		}
		return client, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("device not found with serial: %s", serial)
	}
	return nil, lastErr
}

// RegisterDiscovered upserts a device record from a discovery result. New
// application-mode devices are probed for their versions.
func (ds *DeviceService) RegisterDiscovered(ctx context.Context, found *model.DeviceIdentity, class driver.DeviceClass, productName string) (*model.Device, error) {
	status := model.DeviceStatusOnline
	if class == driver.ClassBootloader {
		status = model.DeviceStatusBootloader
	}

	existing, err := ds.deviceRepo.GetBySerial(ctx, found.SerialNumber)
	if err == nil {
		previous := existing.Status
		existing.Identity = *found
		existing.Status = status
		existing.LastSeen = time.Now()
		if err := ds.deviceRepo.Update(ctx, existing); err != nil {
			return nil, err
		}
		if previous == model.DeviceStatusOffline {
			ds.events.PublishEvent(model.NewDeviceEvent(model.EventDeviceFound, found.SerialNumber, model.JSONObject{
				"bus_path": found.BusPath,
			}))
		}
		return existing, nil
	}

	device := &model.Device{
		ID:          uuid.New(),
		Identity:    *found,
		ProductName: productName,
		Status:      status,
		LastSeen:    time.Now(),
	}

	if status == model.DeviceStatusOnline {
		ds.probeVersions(ctx, device)
	}

	if err := ds.deviceRepo.Create(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	ds.logger.Info("Device registered",
		zap.String("serial", found.SerialNumber),
		zap.String("class", string(class)),
	)
	ds.events.PublishEvent(model.NewDeviceEvent(model.EventDeviceFound, found.SerialNumber, model.JSONObject{
		"bus_path": found.BusPath,
		"product":  productName,
	}))

	return device, nil
}

// probeVersions reads software and protocol versions from a live device.
// Failures are logged, not fatal; the device may be mid-reset.
func (ds *DeviceService) probeVersions(ctx context.Context, device *model.Device) {
	client, err := ds.OpenClient(ctx, device.Identity.SerialNumber)
	if err != nil {
		ds.logger.Warn("Version probe failed",
			zap.String("serial", device.Identity.SerialNumber),
			zap.Error(err),
		)
		return
	}
	defer client.Close()

	device.ProtocolVersion = client.ProtocolVersion().String()
	if sw, err := client.SoftwareVersion(ctx); err == nil {
		device.SoftwareVersion = sw
		device.UpToDate = ds.config.Upgrade.LatestVersion == "" || sw == ds.config.Upgrade.LatestVersion
	}
}

// MarkOffline transitions a device that disappeared from the bus.
func (ds *DeviceService) MarkOffline(ctx context.Context, serial string) error {
	device, err := ds.deviceRepo.GetBySerial(ctx, serial)
	if err != nil {
		return err
	}
	if device.Status == model.DeviceStatusOffline || device.Status == model.DeviceStatusUpdating {
		return nil
	}

	if err := ds.deviceRepo.UpdateStatus(ctx, device.ID, model.DeviceStatusOffline); err != nil {
		return err
	}

	ds.events.PublishEvent(model.NewDeviceEvent(model.EventDeviceLost, serial, nil))
	return nil
}

// GetDevice retrieves device information
func (ds *DeviceService) GetDevice(ctx context.Context, serial string) (*model.Device, error) {
	device, err := ds.deviceRepo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}
	return device, nil
}

// ListDevices retrieves devices with filtering
func (ds *DeviceService) ListDevices(ctx context.Context, filter *repository.DeviceFilter) ([]*model.Device, *PaginationResult, error) {
	devices, total, err := ds.deviceRepo.List(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list devices: %w", err)
	}

	pagination := &PaginationResult{
		Total:   total,
		Page:    filter.Page,
		PerPage: filter.PerPage,
	}
	if filter.PerPage > 0 {
		pagination.TotalPages = (total + filter.PerPage - 1) / filter.PerPage
	}

	return devices, pagination, nil
}

// DeleteDevice removes a device from the registry.
func (ds *DeviceService) DeleteDevice(ctx context.Context, serial string) error {
	device, err := ds.deviceRepo.GetBySerial(ctx, serial)
	if err != nil {
		return fmt.Errorf("device not found: %w", err)
	}

	if device.Status == model.DeviceStatusUpdating {
		return fmt.Errorf("cannot delete device during firmware update")
	}

	if err := ds.deviceRepo.Delete(ctx, device.ID); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	ds.logger.Info("Device deleted", zap.String("serial", serial))
	return nil
}

// GetDeviceStats returns aggregate device counts.
func (ds *DeviceService) GetDeviceStats(ctx context.Context) (*repository.DeviceStats, error) {
	return ds.deviceRepo.GetDeviceStats(ctx)
}

// QueryStatus reads fresh state from the hardware and records it.
func (ds *DeviceService) QueryStatus(ctx context.Context, serial string) (*model.StatusSnapshot, error) {
	device, err := ds.deviceRepo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}

	client, err := ds.OpenClient(ctx, serial)
	if err != nil {
		ds.MarkOffline(ctx, serial)
		return nil, err
	}
	defer client.Close()

	snapshot, err := client.QueryStatus(ctx)
	if err != nil {
		return nil, err
	}

	ds.recordSnapshot(ctx, device, snapshot)
	return snapshot, nil
}

// Connect switches the device to the requested topology, optionally driving
// the ID pin in the same operation.
func (ds *DeviceService) Connect(ctx context.Context, serial string, data *model.ConnectOperationData) (*model.StatusSnapshot, error) {
	device, err := ds.deviceRepo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}
	if device.Status == model.DeviceStatusUpdating || device.Status == model.DeviceStatusBootloader {
		return nil, fmt.Errorf("device %s is not in application mode", serial)
	}

	settle := ds.config.USB.SettleDelay
	if data.SettleMs > 0 {
		settle = time.Duration(data.SettleMs) * time.Millisecond
	}

	client, err := ds.openClient(ctx, serial, settle)
	if err != nil {
		ds.MarkOffline(ctx, serial)
		return nil, err
	}
	defer client.Close()

	deviceLogger := utils.NewDeviceLogger(ds.logger.Logger, serial, device.Identity.BusPath)

	var snapshot *model.StatusSnapshot
	if data.IDPin != nil {
		// Pin handling is coordinated with the switch: floated while the
		// links are down, target state applied before they come back.
		snapshot, err = client.ApplyConnectionsWithPin(ctx, data.Links, *data.IDPin)
	} else {
		snapshot, err = client.ApplyConnections(ctx, data.Links)
	}
	deviceLogger.LogConnection(data.Links.String(), err == nil, err)
	if err != nil {
		return nil, err
	}

	ds.recordSnapshot(ctx, device, snapshot)
	ds.events.PublishEvent(model.NewDeviceEvent(model.EventConnectionChange, serial, model.JSONObject{
		"connections": snapshot.Connections,
	}))

	return snapshot, nil
}

// SetIDPin drives the OTG ID pin.
func (ds *DeviceService) SetIDPin(ctx context.Context, serial string, state model.PinState) (*model.StatusSnapshot, error) {
	if !state.IsValid() {
		return nil, fmt.Errorf("invalid pin state: %s", state)
	}

	device, err := ds.deviceRepo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}

	client, err := ds.OpenClient(ctx, serial)
	if err != nil {
		ds.MarkOffline(ctx, serial)
		return nil, err
	}
	defer client.Close()

	if err := client.SetIDPin(ctx, state); err != nil {
		return nil, err
	}

	snapshot, err := client.QueryStatus(ctx)
	if err != nil {
		return nil, err
	}

	ds.recordSnapshot(ctx, device, snapshot)
	ds.events.PublishEvent(model.NewDeviceEvent(model.EventIDPinChange, serial, model.JSONObject{
		"state": state,
	}))

	return snapshot, nil
}

// recordSnapshot stores the latest snapshot and emits a status event when
// the observable state changed.
func (ds *DeviceService) recordSnapshot(ctx context.Context, device *model.Device, snapshot *model.StatusSnapshot) {
	changed := device.LastStatus == nil ||
		!device.LastStatus.ConnectionsEqual(model.ConnectionRequest(snapshot.Connections)) ||
		device.LastStatus.IDPinState != snapshot.IDPinState ||
		device.LastStatus.HostDutLocked != snapshot.HostDutLocked

	device.LastStatus = snapshot
	device.Status = model.DeviceStatusOnline
	device.LastSeen = snapshot.ObservedAt

	if err := ds.deviceRepo.Update(ctx, device); err != nil {
		ds.logger.Error("Failed to record status snapshot", zap.Error(err))
		return
	}

	if changed {
		ds.events.PublishEvent(model.NewDeviceEvent(model.EventStatusChange, device.Identity.SerialNumber, model.JSONObject{
			"connections":     snapshot.Connections,
			"id_pin_state":    snapshot.IDPinState,
			"host_dut_locked": snapshot.HostDutLocked,
		}))
	}
}

// RunStatusPolling refreshes the hardware state of every online device on
// the configured period until the context is cancelled. Intended to run in
// its own goroutine; change detection in recordSnapshot turns polls into
// STATUS_CHANGE events for lockout flips and manual replug.
func (ds *DeviceService) RunStatusPolling(ctx context.Context) {
	period := ds.config.USB.StatusPollPeriod
	if period <= 0 {
		period = 2 * time.Second
	}

	ds.logger.Info("Status polling started", zap.Duration("period", period))

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ds.logger.Info("Status polling stopped")
			return
		case <-ticker.C:
			ds.pollOnlineDevices(ctx)
		}
	}
}

func (ds *DeviceService) pollOnlineDevices(ctx context.Context) {
	devices, err := ds.deviceRepo.ListByStatus(ctx, model.DeviceStatusOnline)
	if err != nil {
		ds.logger.Error("Failed to list devices for status poll", zap.Error(err))
		return
	}

	for _, device := range devices {
		if _, err := ds.QueryStatus(ctx, device.Identity.SerialNumber); err != nil {
			// QueryStatus already marked the device offline on transport
			// failure; nothing more to do here.
			ds.logger.Debug("Status poll failed",
				zap.String("serial", device.Identity.SerialNumber),
				zap.Error(err),
			)
		}
	}
}

// PaginationResult represents pagination information
type PaginationResult struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}
