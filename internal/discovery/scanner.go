// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"usbmux-service/internal/driver"
	"usbmux-service/internal/model"
)

// DeviceScanner enumerates attached muxes over one transport kind.
type DeviceScanner interface {
	Scan(ctx context.Context) ([]*DiscoveredDevice, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredDevice represents one device found on the bus.
type DiscoveredDevice struct {
	Identity    model.DeviceIdentity `json:"identity"`
	Class       driver.DeviceClass   `json:"class"`
	ProductName string               `json:"product_name"`
}

// ScannerManager fans a scan out over all registered scanners.
type ScannerManager struct {
	scanners map[string]DeviceScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager.
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]DeviceScanner),
		logger:   logger,
	}
}

// RegisterScanner registers a device scanner.
func (sm *ScannerManager) RegisterScanner(scanner DeviceScanner) {
	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll runs every available scanner and merges the results. One failing
// scanner does not abort the others.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*DiscoveredDevice, error) {
	var allDevices []*DiscoveredDevice

	for scannerType, scanner := range sm.scanners {
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		devices, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		allDevices = append(allDevices, devices...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("devices_found", len(devices)),
		)
	}

	return allDevices, nil
}

// ScanByType runs one specific scanner.
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]*DiscoveredDevice, error) {
	scanner, exists := sm.scanners[scannerType]
	if !exists {
		return nil, fmt.Errorf("scanner type not found: %s", scannerType)
	}

	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}

	return scanner.Scan(ctx)
}

// GetAvailableScanners returns the available scanner types.
func (sm *ScannerManager) GetAvailableScanners() []string {
	var available []string
	for scannerType, scanner := range sm.scanners {
		if scanner.IsAvailable() {
			available = append(available, scannerType)
		}
	}
	return available
}
