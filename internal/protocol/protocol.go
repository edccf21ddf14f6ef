// internal/protocol/protocol.go
package protocol

import (
	"context"
	"time"

	"usbmux-service/internal/model"
)

// Transport represents a control-transfer channel to one USB device. The mux
// speaks exclusively over endpoint zero, so the transport surface is the two
// control directions plus lifecycle.
type Transport interface {
	// ControlIn performs a device-to-host control transfer and returns the
	// reply bytes actually received.
	ControlIn(ctx context.Context, rType, request uint8, value, index uint16, length int) ([]byte, error)

	// ControlOut performs a host-to-device control transfer.
	ControlOut(ctx context.Context, rType, request uint8, value, index uint16, data []byte) error

	// Reset issues a USB port reset. The device re-enumerates afterwards and
	// this transport becomes unusable.
	Reset() error

	// Identity returns the bus identity captured when the device was opened.
	Identity() model.DeviceIdentity

	Close() error
	IsOpen() bool
}

// Selector narrows which device a Bus opens. Zero fields match anything;
// SerialNumber is the usual disambiguator when several muxes share a host.
type Selector struct {
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
	BusPath      string
}

// Matches checks a bus identity against the selector.
func (s Selector) Matches(id model.DeviceIdentity) bool {
	if s.VendorID != 0 && id.VendorID != s.VendorID {
		return false
	}
	if s.ProductID != 0 && id.ProductID != s.ProductID {
		return false
	}
	if s.SerialNumber != "" && id.SerialNumber != s.SerialNumber {
		return false
	}
	if s.BusPath != "" && id.BusPath != s.BusPath {
		return false
	}
	return true
}

// Bus opens transports to devices on the host. Implemented over libusb in
// production and by in-memory fakes in tests.
type Bus interface {
	Open(ctx context.Context, sel Selector) (Transport, error)
	List(ctx context.Context, sel Selector) ([]model.DeviceIdentity, error)
	Close() error
}

// Stats provides transport-level statistics.
type Stats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}
