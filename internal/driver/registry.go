// internal/driver/registry.go

// Package driver maps USB bus identities onto the device classes this
// service knows how to drive.
package driver

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DeviceClass describes what mode a recognized USB identity corresponds to.
type DeviceClass string

const (
	// ClassApplication is a mux running its normal firmware.
	ClassApplication DeviceClass = "APPLICATION"
	// ClassBootloader is a mux sitting in its DFU bootloader.
	ClassBootloader DeviceClass = "BOOTLOADER"
)

// DeviceKey uniquely identifies a USB product.
type DeviceKey struct {
	VendorID  uint16
	ProductID uint16
}

func (k DeviceKey) String() string {
	return fmt.Sprintf("%04x:%04x", k.VendorID, k.ProductID)
}

// DeviceInfo describes a registered USB identity.
type DeviceInfo struct {
	Key         DeviceKey
	Class       DeviceClass
	ProductName string
}

// Registry maps USB identities onto device classes. Discovery consults it to
// decide which enumerated devices belong to this service.
type Registry struct {
	devices map[DeviceKey]DeviceInfo
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[DeviceKey]DeviceInfo),
		logger:  logger,
	}
}

// Register adds a USB identity.
func (r *Registry) Register(vendorID, productID uint16, class DeviceClass, productName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := DeviceKey{VendorID: vendorID, ProductID: productID}
	r.devices[key] = DeviceInfo{Key: key, Class: class, ProductName: productName}

	r.logger.Info("Device identity registered",
		zap.String("usb_id", key.String()),
		zap.String("class", string(class)),
		zap.String("product", productName),
	)
}

// Lookup resolves a USB identity.
func (r *Registry) Lookup(vendorID, productID uint16) (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.devices[DeviceKey{VendorID: vendorID, ProductID: productID}]
	return info, ok
}

// IsSupported checks if a USB identity belongs to this service.
func (r *Registry) IsSupported(vendorID, productID uint16) bool {
	_, ok := r.Lookup(vendorID, productID)
	return ok
}

// ListKeys returns all registered identities of the given class.
func (r *Registry) ListKeys(class DeviceClass) []DeviceKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]DeviceKey, 0, len(r.devices))
	for key, info := range r.devices {
		if info.Class == class {
			keys = append(keys, key)
		}
	}
	return keys
}
