// internal/protocol/usb_connection.go
package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"usbmux-service/internal/model"
)

// USBConnection implements Transport over a libusb device handle. All mux
// traffic goes through endpoint zero, so no interface is claimed.
type USBConnection struct {
	device   *gousb.Device
	identity model.DeviceIdentity
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
	stats    *Stats
}

type controlResult struct {
	n   int
	err error
}

// ControlIn performs a device-to-host control transfer.
func (uc *USBConnection) ControlIn(ctx context.Context, rType, request uint8, value, index uint16, length int) ([]byte, error) {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()

	if !uc.isOpen {
		return nil, &TransportError{Op: "control in", Serial: uc.identity.SerialNumber, Err: fmt.Errorf("connection not open")}
	}

	buffer := make([]byte, length)
	startTime := time.Now()

	done := make(chan controlResult, 1)
	go func() {
		n, err := uc.device.Control(rType, request, value, index, buffer)
		done <- controlResult{n: n, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			uc.stats.ErrorCount++
			uc.logger.Error("USB control-in failed",
				zap.Uint8("request", request),
				zap.Uint16("value", value),
				zap.Error(result.err),
			)
			return nil, &TransportError{Op: "control in", Serial: uc.identity.SerialNumber, Err: result.err}
		}

		uc.stats.BytesRead += int64(result.n)
		uc.stats.OperationCount++
		uc.stats.LastActivity = time.Now()
		uc.updateAverageLatency(time.Since(startTime))

		return buffer[:result.n], nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ControlOut performs a host-to-device control transfer.
func (uc *USBConnection) ControlOut(ctx context.Context, rType, request uint8, value, index uint16, data []byte) error {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()

	if !uc.isOpen {
		return &TransportError{Op: "control out", Serial: uc.identity.SerialNumber, Err: fmt.Errorf("connection not open")}
	}

	startTime := time.Now()

	done := make(chan controlResult, 1)
	go func() {
		n, err := uc.device.Control(rType, request, value, index, data)
		done <- controlResult{n: n, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			uc.stats.ErrorCount++
			uc.logger.Error("USB control-out failed",
				zap.Uint8("request", request),
				zap.Uint16("value", value),
				zap.Error(result.err),
			)
			return &TransportError{Op: "control out", Serial: uc.identity.SerialNumber, Err: result.err}
		}
		if result.n != len(data) {
			uc.stats.ErrorCount++
			return &TransportError{
				Op:     "control out",
				Serial: uc.identity.SerialNumber,
				Err:    fmt.Errorf("incomplete transfer: wrote %d of %d bytes", result.n, len(data)),
			}
		}

		uc.stats.BytesWritten += int64(len(data))
		uc.stats.OperationCount++
		uc.stats.LastActivity = time.Now()
		uc.updateAverageLatency(time.Since(startTime))

		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset issues a USB port reset. The handle is dead afterwards.
func (uc *USBConnection) Reset() error {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	if !uc.isOpen {
		return &TransportError{Op: "reset", Serial: uc.identity.SerialNumber, Err: fmt.Errorf("connection not open")}
	}

	uc.logger.Info("Resetting USB device", zap.String("serial", uc.identity.SerialNumber))
	err := uc.device.Reset()
	uc.isOpen = false
	uc.stats.IsConnected = false

	if err != nil {
		return &TransportError{Op: "reset", Serial: uc.identity.SerialNumber, Err: err}
	}
	return nil
}

// Identity returns the bus identity captured at open time.
func (uc *USBConnection) Identity() model.DeviceIdentity {
	return uc.identity
}

// Close closes the device handle.
func (uc *USBConnection) Close() error {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	if !uc.isOpen {
		return nil
	}

	if uc.device != nil {
		uc.device.Close()
		uc.device = nil
	}
	uc.isOpen = false
	uc.stats.IsConnected = false

	uc.logger.Info("USB connection closed", zap.String("serial", uc.identity.SerialNumber))
	return nil
}

// IsOpen returns whether the connection is open.
func (uc *USBConnection) IsOpen() bool {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()
	return uc.isOpen && uc.device != nil
}

// GetStats returns a copy of the transport statistics.
func (uc *USBConnection) GetStats() Stats {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()
	return *uc.stats
}

func (uc *USBConnection) updateAverageLatency(newLatency time.Duration) {
	if uc.stats.AverageLatency == 0 {
		uc.stats.AverageLatency = newLatency
	} else {
		uc.stats.AverageLatency = (uc.stats.AverageLatency + newLatency) / 2
	}
}

// USBBus implements Bus over a shared libusb context.
type USBBus struct {
	ctx            *gousb.Context
	logger         *zap.Logger
	controlTimeout time.Duration
	mutex          sync.Mutex
	closed         bool
}

// NewUSBBus creates a bus backed by a fresh libusb context.
func NewUSBBus(controlTimeout time.Duration, logger *zap.Logger) *USBBus {
	return &USBBus{
		ctx:            gousb.NewContext(),
		logger:         logger.With(zap.String("component", "usb_bus")),
		controlTimeout: controlTimeout,
	}
}

// Open opens the first device matching the selector. When a serial number is
// given, candidates matching on VID/PID alone are opened and filtered by their
// serial descriptor.
func (b *USBBus) Open(ctx context.Context, sel Selector) (Transport, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("bus closed")}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	devices, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if sel.VendorID != 0 && uint16(desc.Vendor) != sel.VendorID {
			return false
		}
		if sel.ProductID != 0 && uint16(desc.Product) != sel.ProductID {
			return false
		}
		if sel.BusPath != "" && formatBusPath(desc) != sel.BusPath {
			return false
		}
		return true
	})
	if err != nil && len(devices) == 0 {
		return nil, &TransportError{Op: "open", Err: err}
	}

	var chosen *gousb.Device
	var identity model.DeviceIdentity
	for _, dev := range devices {
		id, idErr := readIdentity(dev)
		if idErr != nil {
			b.logger.Warn("Skipping device with unreadable descriptors", zap.Error(idErr))
			dev.Close()
			continue
		}
		if chosen == nil && sel.Matches(id) {
			chosen = dev
			identity = id
			continue
		}
		dev.Close()
	}

	if chosen == nil {
		return nil, &NotFoundError{Selector: sel}
	}

	chosen.ControlTimeout = b.controlTimeout

	b.logger.Info("Opened USB device",
		zap.String("serial", identity.SerialNumber),
		zap.String("bus_path", identity.BusPath),
	)

	return &USBConnection{
		device:   chosen,
		identity: identity,
		logger:   b.logger.With(zap.String("serial", identity.SerialNumber)),
		isOpen:   true,
		stats:    &Stats{IsConnected: true, LastActivity: time.Now()},
	}, nil
}

// List enumerates matching devices without keeping them open.
func (b *USBBus) List(ctx context.Context, sel Selector) ([]model.DeviceIdentity, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil, &TransportError{Op: "list", Err: fmt.Errorf("bus closed")}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	devices, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if sel.VendorID != 0 && uint16(desc.Vendor) != sel.VendorID {
			return false
		}
		if sel.ProductID != 0 && uint16(desc.Product) != sel.ProductID {
			return false
		}
		return true
	})
	if err != nil && len(devices) == 0 {
		return nil, &TransportError{Op: "list", Err: err}
	}

	identities := make([]model.DeviceIdentity, 0, len(devices))
	for _, dev := range devices {
		id, idErr := readIdentity(dev)
		dev.Close()
		if idErr != nil {
			b.logger.Warn("Skipping device with unreadable descriptors", zap.Error(idErr))
			continue
		}
		if sel.Matches(id) {
			identities = append(identities, id)
		}
	}

	return identities, nil
}

// Close releases the libusb context.
func (b *USBBus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.ctx.Close()
}

func readIdentity(dev *gousb.Device) (model.DeviceIdentity, error) {
	serial, err := dev.SerialNumber()
	if err != nil {
		return model.DeviceIdentity{}, fmt.Errorf("failed to read serial number: %w", err)
	}

	return model.DeviceIdentity{
		SerialNumber: serial,
		BusPath:      formatBusPath(dev.Desc),
		VendorID:     uint16(dev.Desc.Vendor),
		ProductID:    uint16(dev.Desc.Product),
	}, nil
}

// formatBusPath renders a descriptor position as "bus-port.port", the same
// form the kernel uses in sysfs.
func formatBusPath(desc *gousb.DeviceDesc) string {
	ports := make([]string, 0, len(desc.Path))
	for _, p := range desc.Path {
		ports = append(ports, strconv.Itoa(p))
	}
	return fmt.Sprintf("%d-%s", desc.Bus, strings.Join(ports, "."))
}
