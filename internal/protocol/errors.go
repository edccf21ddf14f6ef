// internal/protocol/errors.go
package protocol

import "fmt"

// TransportError wraps a failed bus transaction with enough context to tell
// which transfer failed on which device.
type TransportError struct {
	Op     string
	Serial string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Serial != "" {
		return fmt.Sprintf("usb transport %s on %s: %v", e.Op, e.Serial, e.Err)
	}
	return fmt.Sprintf("usb transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotFoundError reports that no device on the bus matched a selector.
type NotFoundError struct {
	Selector Selector
}

func (e *NotFoundError) Error() string {
	if e.Selector.SerialNumber != "" {
		return fmt.Sprintf("no USB device matching serial %q", e.Selector.SerialNumber)
	}
	return fmt.Sprintf("no USB device matching %04x:%04x", e.Selector.VendorID, e.Selector.ProductID)
}
