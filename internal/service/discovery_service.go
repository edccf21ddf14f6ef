// internal/service/discovery_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"usbmux-service/internal/config"
	"usbmux-service/internal/discovery"
	"usbmux-service/internal/discovery/usb"
	"usbmux-service/internal/driver"
	"usbmux-service/internal/model"
	"usbmux-service/internal/protocol"
	"usbmux-service/internal/repository"
	"usbmux-service/internal/utils"
)

// DiscoveryService reconciles the device registry against what is actually
// attached to the bus. A periodic sweep handles hot plug and unplug; an
// explicit scan can be triggered over the API.
type DiscoveryService struct {
	deviceRepo     repository.DeviceRepository
	deviceService  *DeviceService
	scannerManager *discovery.ScannerManager
	config         *config.Config
	logger         *utils.ServiceLogger
}

// NewDiscoveryService creates a new discovery service instance
func NewDiscoveryService(
	deviceRepo repository.DeviceRepository,
	deviceService *DeviceService,
	bus protocol.Bus,
	registry *driver.Registry,
	cfg *config.Config,
	logger *zap.Logger,
) *DiscoveryService {
	service := &DiscoveryService{
		deviceRepo:     deviceRepo,
		deviceService:  deviceService,
		scannerManager: discovery.NewScannerManager(logger),
		config:         cfg,
		logger:         utils.NewServiceLogger(logger, "discovery-service"),
	}

	service.initializeScanners(bus, registry, logger)
	return service
}

// initializeScanners registers the available device scanners.
func (ds *DiscoveryService) initializeScanners(bus protocol.Bus, registry *driver.Registry, logger *zap.Logger) {
	ds.scannerManager.RegisterScanner(usb.NewScanner(bus, registry, logger))
}

// ScanResult summarizes one reconciliation sweep.
type ScanResult struct {
	Found      int           `json:"found"`
	Registered int           `json:"registered"`
	Lost       int           `json:"lost"`
	Duration   time.Duration `json:"duration"`
}

// ScanDevices runs a scan of the requested type ("all" or a scanner type)
// and reconciles the registry with the result.
func (ds *DiscoveryService) ScanDevices(ctx context.Context, scanType string) (*ScanResult, []*discovery.DiscoveredDevice, error) {
	start := time.Now()

	var found []*discovery.DiscoveredDevice
	var err error
	switch scanType {
	case "", "all":
		found, err = ds.scannerManager.ScanAll(ctx)
	default:
		found, err = ds.scannerManager.ScanByType(ctx, scanType)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scan failed: %w", err)
	}

	result, err := ds.reconcile(ctx, found)
	if err != nil {
		return nil, nil, err
	}
	result.Duration = time.Since(start)

	ds.logger.Info("Discovery scan completed",
		zap.String("scan_type", scanType),
		zap.Int("found", result.Found),
		zap.Int("registered", result.Registered),
		zap.Int("lost", result.Lost),
		zap.Duration("duration", result.Duration),
	)

	return result, found, nil
}

// reconcile upserts every discovered device and marks known devices that
// vanished from the bus as offline. Devices mid firmware update are left
// alone; they disappear and reappear as part of the normal DFU sequence.
func (ds *DiscoveryService) reconcile(ctx context.Context, found []*discovery.DiscoveredDevice) (*ScanResult, error) {
	result := &ScanResult{Found: len(found)}

	seen := make(map[string]bool, len(found))
	for _, dev := range found {
		seen[dev.Identity.SerialNumber] = true
		if _, err := ds.deviceService.RegisterDiscovered(ctx, &dev.Identity, dev.Class, dev.ProductName); err != nil {
			ds.logger.Error("Failed to register discovered device",
				zap.String("serial", dev.Identity.SerialNumber),
				zap.Error(err),
			)
			continue
		}
		result.Registered++
	}

	known, _, err := ds.deviceRepo.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list known devices: %w", err)
	}

	for _, device := range known {
		if seen[device.Identity.SerialNumber] {
			continue
		}
		if device.Status == model.DeviceStatusOffline || device.Status == model.DeviceStatusUpdating {
			continue
		}
		if err := ds.deviceService.MarkOffline(ctx, device.Identity.SerialNumber); err != nil {
			ds.logger.Error("Failed to mark device offline",
				zap.String("serial", device.Identity.SerialNumber),
				zap.Error(err),
			)
			continue
		}
		result.Lost++
	}

	return result, nil
}

// GetAvailableScanners returns the registered scanner types.
func (ds *DiscoveryService) GetAvailableScanners() []string {
	return ds.scannerManager.GetAvailableScanners()
}

// RunPeriodic sweeps the bus on the configured interval until the context
// is cancelled. Intended to run in its own goroutine.
func (ds *DiscoveryService) RunPeriodic(ctx context.Context) {
	interval := ds.config.USB.DiscoveryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ds.logger.Info("Periodic discovery started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial sweep so devices attached before startup are visible
	// immediately.
	if _, _, err := ds.ScanDevices(ctx, "all"); err != nil {
		ds.logger.Error("Initial discovery scan failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			ds.logger.Info("Periodic discovery stopped")
			return
		case <-ticker.C:
			if _, _, err := ds.ScanDevices(ctx, "all"); err != nil {
				ds.logger.Error("Discovery scan failed", zap.Error(err))
			}
		}
	}
}
