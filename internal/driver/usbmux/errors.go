// internal/driver/usbmux/errors.go
package usbmux

import (
	"fmt"

	"usbmux-service/internal/model"
	"usbmux-service/internal/wire"
)

// ProtocolVersionError reports a device whose protocol revision this client
// does not speak. No further commands may be issued to such a device.
type ProtocolVersionError struct {
	Reported  wire.ProtocolVersion
	Supported uint16
}

func (e *ProtocolVersionError) Error() string {
	return fmt.Sprintf("device speaks protocol %s, this client supports major %d only",
		e.Reported, e.Supported)
}

// InvalidTopologyError reports a connection request the hardware cannot
// realize, naming the port wired into more than one link.
type InvalidTopologyError struct {
	Requested model.ConnectionRequest
	Conflict  model.Port
}

func (e *InvalidTopologyError) Error() string {
	if e.Conflict == "" {
		return fmt.Sprintf("topology %s contains an unknown link", e.Requested)
	}
	return fmt.Sprintf("topology %s is not realizable: port %s appears in more than one link",
		e.Requested, e.Conflict)
}

// RejectedByDeviceError reports a connection command the device accepted on
// the wire but declined to apply, typically due to the host-DUT lockout.
type RejectedByDeviceError struct {
	Requested model.ConnectionRequest
	Applied   []model.Link
	Locked    bool
}

func (e *RejectedByDeviceError) Error() string {
	if e.Locked {
		return fmt.Sprintf("device rejected topology %s: host-DUT power lockout active", e.Requested)
	}
	return fmt.Sprintf("device rejected topology %s: reports %s",
		e.Requested, model.ConnectionRequest(e.Applied))
}

// BootloaderEntryError reports a failed transition into DFU mode, keeping
// entry failures distinct from reappearance failures.
type BootloaderEntryError struct {
	Serial string
	Phase  string // "command", "reappearance"
	Err    error
}

func (e *BootloaderEntryError) Error() string {
	return fmt.Sprintf("bootloader entry failed on %s during %s: %v", e.Serial, e.Phase, e.Err)
}

func (e *BootloaderEntryError) Unwrap() error {
	return e.Err
}

// ChunkWriteError reports a firmware chunk that failed its full retry budget.
type ChunkWriteError struct {
	ChunkIndex int
	Attempts   int
	Err        error
}

func (e *ChunkWriteError) Error() string {
	return fmt.Sprintf("firmware chunk %d failed after %d attempts: %v", e.ChunkIndex, e.Attempts, e.Err)
}

func (e *ChunkWriteError) Unwrap() error {
	return e.Err
}

// VerificationError reports a checksum mismatch between the image sent and
// the image the device read back.
type VerificationError struct {
	Expected uint8
	Actual   uint8
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("firmware verification failed: device checksum %#02x, expected %#02x",
		e.Actual, e.Expected)
}

// ResetError reports a device that flashed and verified but failed its final
// reset. The firmware is intact; the device needs a manual power cycle.
type ResetError struct {
	Serial string
	Err    error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("device %s did not reset after upgrade, power cycle it manually: %v", e.Serial, e.Err)
}

func (e *ResetError) Unwrap() error {
	return e.Err
}

// ManualRecovery reports whether the error leaves the device in a state that
// only a physical power cycle can clear.
func (e *ResetError) ManualRecovery() bool {
	return true
}

// SessionStateError reports a DFU session method called outside the state
// that permits it.
type SessionStateError struct {
	Op    string
	State SessionState
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("%s is not valid in session state %s", e.Op, e.State)
}

// ImageError reports a firmware image that cannot be loaded or parsed.
type ImageError struct {
	Path   string
	Reason string
}

func (e *ImageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("firmware image %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("firmware image: %s", e.Reason)
}
