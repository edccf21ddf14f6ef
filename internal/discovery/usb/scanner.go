// internal/discovery/usb/scanner.go
package usb

import (
	"context"

	"go.uber.org/zap"

	"usbmux-service/internal/discovery"
	"usbmux-service/internal/driver"
	"usbmux-service/internal/protocol"
)

// Scanner enumerates muxes on the USB bus by their registered identities,
// including devices sitting in bootloader mode.
type Scanner struct {
	bus      protocol.Bus
	registry *driver.Registry
	logger   *zap.Logger
}

// NewScanner creates a USB scanner over an open bus.
func NewScanner(bus protocol.Bus, registry *driver.Registry, logger *zap.Logger) *Scanner {
	return &Scanner{
		bus:      bus,
		registry: registry,
		logger:   logger.With(zap.String("scanner", "usb")),
	}
}

// Scan lists every attached device carrying a registered USB identity.
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	var found []*discovery.DiscoveredDevice

	for _, class := range []driver.DeviceClass{driver.ClassApplication, driver.ClassBootloader} {
		for _, key := range s.registry.ListKeys(class) {
			identities, err := s.bus.List(ctx, protocol.Selector{
				VendorID:  key.VendorID,
				ProductID: key.ProductID,
			})
			if err != nil {
				return nil, err
			}

			info, _ := s.registry.Lookup(key.VendorID, key.ProductID)
			for _, identity := range identities {
				s.logger.Debug("Found device",
					zap.String("identity", identity.String()),
					zap.String("class", string(class)),
				)
				found = append(found, &discovery.DiscoveredDevice{
					Identity:    identity,
					Class:       class,
					ProductName: info.ProductName,
				})
			}
		}
	}

	return found, nil
}

// GetScannerType returns the scanner type.
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable reports whether the bus can be used.
func (s *Scanner) IsAvailable() bool {
	return s.bus != nil
}
