// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"usbmux-service/internal/wire"
)

// RegisterDefaultDevices registers every USB identity a mux can carry.
func RegisterDefaultDevices(registry *Registry, logger *zap.Logger) {
	registry.Register(wire.VendorID, wire.ProductID, ClassApplication, "USB-Mux")

	// Early production units shipped with a development identity.
	registry.Register(wire.LegacyVendorID, wire.LegacyProductID, ClassApplication, "USB-Mux (legacy ID)")

	// STM32 system bootloader, visible during firmware upgrades.
	registry.Register(wire.BootloaderVendorID, wire.BootloaderProductID, ClassBootloader, "STM32 BOOTLOADER")

	logger.Info("Default device identities registered", zap.Int("identities", 3))
}
