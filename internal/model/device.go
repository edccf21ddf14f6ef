// internal/model/device.go
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Port represents one of the three physical ports of the USB-Mux.
type Port string

const (
	PortHost   Port = "HOST"
	PortDUT    Port = "DUT"
	PortDevice Port = "DEVICE"
)

// Link represents a switchable connection between two ports.
type Link string

const (
	LinkHostDut    Link = "HOST_DUT"
	LinkHostDevice Link = "HOST_DEVICE"
	LinkDutDevice  Link = "DUT_DEVICE"
)

// Ports returns the two ports joined by the link.
func (l Link) Ports() (Port, Port) {
	switch l {
	case LinkHostDut:
		return PortHost, PortDUT
	case LinkHostDevice:
		return PortHost, PortDevice
	case LinkDutDevice:
		return PortDUT, PortDevice
	}
	return "", ""
}

// IsValid checks if the link is one of the three known links.
func (l Link) IsValid() bool {
	return l == LinkHostDut || l == LinkHostDevice || l == LinkDutDevice
}

// PinState represents the state of the USB-OTG ID pin on the DUT port.
type PinState string

const (
	PinLow      PinState = "LOW"
	PinHigh     PinState = "HIGH"
	PinFloating PinState = "FLOATING"
)

// IsValid checks if the pin state is one of the known states.
func (p PinState) IsValid() bool {
	return p == PinLow || p == PinHigh || p == PinFloating
}

// ConnectionRequest represents the desired full switch topology, not a delta.
// An empty request means full disconnect.
type ConnectionRequest []Link

// Contains checks if the request includes the given link.
func (r ConnectionRequest) Contains(link Link) bool {
	for _, l := range r {
		if l == link {
			return true
		}
	}
	return false
}

// Equal compares two requests as sets.
func (r ConnectionRequest) Equal(other ConnectionRequest) bool {
	if len(r) != len(other) {
		return false
	}
	for _, l := range r {
		if !other.Contains(l) {
			return false
		}
	}
	return true
}

// String returns a stable human readable form, e.g. "{HOST_DUT}".
func (r ConnectionRequest) String() string {
	if len(r) == 0 {
		return "{}"
	}
	out := "{"
	for i, l := range r {
		if i > 0 {
			out += ", "
		}
		out += string(l)
	}
	return out + "}"
}

// DeviceIdentity identifies a USB device on the bus. Immutable once read.
type DeviceIdentity struct {
	SerialNumber string `json:"serial_number"`
	BusPath      string `json:"bus_path"`
	VendorID     uint16 `json:"vendor_id"`
	ProductID    uint16 `json:"product_id"`
}

// String returns the identity in "serial @ path (vid:pid)" form.
func (id DeviceIdentity) String() string {
	return fmt.Sprintf("%s @ %s (%04x:%04x)", id.SerialNumber, id.BusPath, id.VendorID, id.ProductID)
}

// StatusSnapshot is the decoded state of a USB-Mux at one point in time.
// A fresh snapshot is produced on every query and never mutated.
type StatusSnapshot struct {
	HostDutLocked bool            `json:"host_dut_locked"`
	Connections   []Link          `json:"connections"`
	IDPinState    PinState        `json:"id_pin_state"`
	PortVoltages  map[Port]uint16 `json:"port_voltages_mv"`
	ObservedAt    time.Time       `json:"observed_at"`
}

// HasConnection checks if the snapshot reports the given link as closed.
func (s *StatusSnapshot) HasConnection(link Link) bool {
	for _, l := range s.Connections {
		if l == link {
			return true
		}
	}
	return false
}

// ConnectionsEqual compares the reported topology against a request, as sets.
func (s *StatusSnapshot) ConnectionsEqual(req ConnectionRequest) bool {
	return ConnectionRequest(s.Connections).Equal(req)
}

// VoltageVolts returns the port voltage in volts with exact decimal scaling.
func (s *StatusSnapshot) VoltageVolts(port Port) decimal.Decimal {
	mv := s.PortVoltages[port]
	return decimal.New(int64(mv), -3)
}

// DeviceStatus represents the current lifecycle state of a known device.
type DeviceStatus string

const (
	DeviceStatusOnline     DeviceStatus = "ONLINE"
	DeviceStatusOffline    DeviceStatus = "OFFLINE"
	DeviceStatusUpdating   DeviceStatus = "UPDATING"
	DeviceStatusBootloader DeviceStatus = "BOOTLOADER"
	DeviceStatusError      DeviceStatus = "ERROR"
)

// Device represents a USB-Mux known to the service.
type Device struct {
	ID              uuid.UUID       `json:"id"`
	Identity        DeviceIdentity  `json:"identity"`
	ProductName     string          `json:"product_name"`
	SoftwareVersion string          `json:"software_version"`
	ProtocolVersion string          `json:"protocol_version"`
	UpToDate        bool            `json:"software_up_to_date"`
	Status          DeviceStatus    `json:"status"`
	LastStatus      *StatusSnapshot `json:"last_status,omitempty"`
	LastSeen        time.Time       `json:"last_seen"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsOnline checks if the device is currently reachable in application mode.
func (d *Device) IsOnline() bool {
	return d.Status == DeviceStatusOnline
}
