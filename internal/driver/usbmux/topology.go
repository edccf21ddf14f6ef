// internal/driver/usbmux/topology.go
package usbmux

import (
	"usbmux-service/internal/model"
)

// ValidateTopology checks a connection request against what the switch
// fabric can physically realize. Each port has a single switchable lane, so
// no port may appear in more than one requested link. The check is pure and
// runs before anything touches the bus; the device applies the same rule
// independently and its verdict is authoritative.
func ValidateTopology(req model.ConnectionRequest) error {
	seen := map[model.Port]bool{}

	for _, link := range req {
		if !link.IsValid() {
			return &InvalidTopologyError{Requested: req}
		}
		a, b := link.Ports()
		if seen[a] {
			return &InvalidTopologyError{Requested: req, Conflict: a}
		}
		if seen[b] {
			return &InvalidTopologyError{Requested: req, Conflict: b}
		}
		seen[a] = true
		seen[b] = true
	}

	return nil
}
