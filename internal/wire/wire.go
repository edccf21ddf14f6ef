// internal/wire/wire.go

// Package wire implements the fixed-layout binary protocol spoken by the
// USB-Mux over vendor control transfers. It is a pure translation layer
// between typed messages and byte buffers; it never touches the transport.
//
// All multi-byte integers are little-endian regardless of host byte order.
// The layout below is pinned to protocol revision 0, the revision the shipped
// firmware reports; a device reporting a different major revision must be
// rejected by the caller before any field of any other reply is interpreted.
package wire

import (
	"bytes"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/HewlettPackard/structex"

	"usbmux-service/internal/model"
)

// Opcode selects a vendor command. It travels in the wValue field of the
// control setup packet; the command argument travels in wIndex.
type Opcode uint16

const (
	OpGetStatus       Opcode = 0
	OpSetPowerLinks   Opcode = 1
	OpSetDataLinks    Opcode = 2
	OpSetIDPin        Opcode = 3
	OpEnterBootloader Opcode = 42
	OpSoftwareVersion Opcode = 254
	OpProtocolVersion Opcode = 255
)

// String returns the opcode name.
func (op Opcode) String() string {
	switch op {
	case OpGetStatus:
		return "GET_STATUS"
	case OpSetPowerLinks:
		return "SET_POWER_LINKS"
	case OpSetDataLinks:
		return "SET_DATA_LINKS"
	case OpSetIDPin:
		return "SET_ID_PIN"
	case OpEnterBootloader:
		return "ENTER_BOOTLOADER"
	case OpSoftwareVersion:
		return "SOFTWARE_VERSION"
	case OpProtocolVersion:
		return "PROTOCOL_VERSION"
	}
	return "UNKNOWN"
}

// Protocol constants fixed by the device firmware revision this client
// targets. Do not guess values outside this table.
const (
	// VendorRequest is the bRequest byte shared by all mux opcodes.
	VendorRequest uint8 = 0xFF

	StatusReplySize          = 8
	ProtocolVersionReplySize = 8
	SoftwareVersionMaxSize   = 128

	SupportedProtocolMajor = 0
)

// USB identities of the mux in application and bootloader mode.
const (
	VendorID  uint16 = 0x33F7
	ProductID uint16 = 0x0001

	// Development-phase identity. There should be no muxes in the wild
	// using it, but the enumeration still accepts it.
	LegacyVendorID  uint16 = 0x5824
	LegacyProductID uint16 = 0x27DD

	BootloaderVendorID  uint16 = 0x0483
	BootloaderProductID uint16 = 0xDF11
)

// LinkCode is the 3-bit on-wire encoding of a switch topology.
type LinkCode uint8

const (
	LinkCodeNone       LinkCode = 0
	LinkCodeHostDevice LinkCode = 1
	LinkCodeHostDut    LinkCode = 2
	LinkCodeHostBoth   LinkCode = 3 // Host-DUT + Host-Device; never requested by this client
	LinkCodeDutDevice  LinkCode = 4
)

const linkCodeMax = uint8(LinkCodeDutDevice)

// PinCode is the 2-bit on-wire encoding of the ID pin drive state.
type PinCode uint8

const (
	PinCodeFloating PinCode = 0
	PinCodeLow      PinCode = 1
	PinCodeHigh     PinCode = 2
)

// Request is an encoded vendor command ready for a control transfer. Opcode
// and Arg map onto the wValue and wIndex setup fields.
type Request struct {
	Opcode Opcode
	Arg    uint16
}

// EncodeRequest validates the argument against the opcode's declared width
// and enumeration and returns the encoded request.
func EncodeRequest(op Opcode, arg uint16) (Request, error) {
	switch op {
	case OpSetPowerLinks, OpSetDataLinks:
		if arg > 0b111 {
			return Request{}, &EncodingError{Op: op.String(), Field: "links", Value: uint64(arg), Width: 3}
		}
		if uint8(arg) > linkCodeMax {
			return Request{}, &EncodingError{Op: op.String(), Field: "links", Value: uint64(arg), Width: 3}
		}
	case OpSetIDPin:
		if arg > 0b11 || PinCode(arg) > PinCodeHigh {
			return Request{}, &EncodingError{Op: op.String(), Field: "pin_state", Value: uint64(arg), Width: 2}
		}
	case OpGetStatus, OpEnterBootloader, OpSoftwareVersion, OpProtocolVersion:
		if arg != 0 {
			return Request{}, &EncodingError{Op: op.String(), Field: "arg", Value: uint64(arg), Width: 0}
		}
	default:
		return Request{}, &EncodingError{Op: "UNKNOWN", Field: "opcode", Value: uint64(op), Width: 8}
	}

	return Request{Opcode: op, Arg: arg}, nil
}

// LinkCodeFor encodes a validated topology request as its wire code.
func LinkCodeFor(req model.ConnectionRequest) (LinkCode, error) {
	switch {
	case len(req) == 0:
		return LinkCodeNone, nil
	case len(req) == 1 && req[0] == model.LinkHostDevice:
		return LinkCodeHostDevice, nil
	case len(req) == 1 && req[0] == model.LinkHostDut:
		return LinkCodeHostDut, nil
	case len(req) == 1 && req[0] == model.LinkDutDevice:
		return LinkCodeDutDevice, nil
	}
	return 0, &EncodingError{Op: "SET_DATA_LINKS", Field: "links", Value: uint64(len(req)), Width: 3}
}

// Links decodes a wire code into the link set it represents.
func (c LinkCode) Links() []model.Link {
	switch c {
	case LinkCodeHostDevice:
		return []model.Link{model.LinkHostDevice}
	case LinkCodeHostDut:
		return []model.Link{model.LinkHostDut}
	case LinkCodeHostBoth:
		return []model.Link{model.LinkHostDut, model.LinkHostDevice}
	case LinkCodeDutDevice:
		return []model.Link{model.LinkDutDevice}
	}
	return []model.Link{}
}

// PinCodeFor encodes an ID pin state as its wire code.
func PinCodeFor(state model.PinState) (PinCode, error) {
	switch state {
	case model.PinFloating:
		return PinCodeFloating, nil
	case model.PinLow:
		return PinCodeLow, nil
	case model.PinHigh:
		return PinCodeHigh, nil
	}
	return 0, &EncodingError{Op: OpSetIDPin.String(), Field: "pin_state", Value: 0, Width: 2}
}

// StatusReply is the 8-byte reply returned by every mux opcode that reports
// device state. Voltages are millivolts. The sampled ID pin level sits in the
// top bit of the last byte; the remaining reserved bits must round-trip as
// zero and are ignored on decode.
type StatusReply struct {
	VoltageHost   uint16
	VoltageDevice uint16
	VoltageDut    uint16
	PowerLockout  uint8 `bitfield:"1"`
	IDPinDriven   uint8 `bitfield:"1"`
	PowerLinks    uint8 `bitfield:"3"`
	DataLinks     uint8 `bitfield:"3"`
	Reserved      uint8 `bitfield:"7"`
	IDPinLevel    uint8 `bitfield:"1"`
}

// Encode packs the reply into its 8-byte wire form. Used by tests and
// fixtures; the device is the producer of this message in the field.
func (r *StatusReply) Encode() ([]byte, error) {
	if r.PowerLinks > linkCodeMax {
		return nil, &EncodingError{Op: "STATUS", Field: "power_links", Value: uint64(r.PowerLinks), Width: 3}
	}
	if r.DataLinks > linkCodeMax {
		return nil, &EncodingError{Op: "STATUS", Field: "data_links", Value: uint64(r.DataLinks), Width: 3}
	}
	if r.PowerLockout > 1 {
		return nil, &EncodingError{Op: "STATUS", Field: "power_lockout", Value: uint64(r.PowerLockout), Width: 1}
	}
	if r.IDPinDriven > 1 {
		return nil, &EncodingError{Op: "STATUS", Field: "id_pin_driven", Value: uint64(r.IDPinDriven), Width: 1}
	}
	if r.IDPinLevel > 1 {
		return nil, &EncodingError{Op: "STATUS", Field: "id_pin_level", Value: uint64(r.IDPinLevel), Width: 1}
	}
	if r.Reserved != 0 {
		return nil, &EncodingError{Op: "STATUS", Field: "reserved", Value: uint64(r.Reserved), Width: 7}
	}

	buf := structex.NewBuffer(*r)
	if err := structex.Encode(buf, *r); err != nil {
		return nil, &EncodingError{Op: "STATUS", Field: "reply", Value: 0, Width: StatusReplySize * 8}
	}
	return buf.Bytes(), nil
}

// DecodeStatusReply unpacks an 8-byte status reply. Link fields outside the
// pinned enumeration indicate protocol drift and fail the decode.
func DecodeStatusReply(buf []byte) (*StatusReply, error) {
	if len(buf) != StatusReplySize {
		return nil, &DecodingError{Op: "STATUS", Reason: "reply length mismatch"}
	}

	reply := &StatusReply{}
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(buf), reply); err != nil {
		return nil, &DecodingError{Op: "STATUS", Reason: err.Error()}
	}

	if reply.PowerLinks > linkCodeMax {
		return nil, &DecodingError{Op: "STATUS", Reason: "power link code outside known enumeration"}
	}
	if reply.DataLinks > linkCodeMax {
		return nil, &DecodingError{Op: "STATUS", Reason: "data link code outside known enumeration"}
	}

	return reply, nil
}

// Snapshot maps the wire reply into a fresh status snapshot. The data links
// carry the connection topology; an ID pin actively driven low wins over the
// sampled pin level.
func (r *StatusReply) Snapshot(observedAt time.Time) *model.StatusSnapshot {
	pin := model.PinFloating
	if r.IDPinDriven != 0 {
		pin = model.PinLow
	} else if r.IDPinLevel != 0 {
		pin = model.PinHigh
	}

	return &model.StatusSnapshot{
		HostDutLocked: r.PowerLockout != 0,
		Connections:   LinkCode(r.DataLinks).Links(),
		IDPinState:    pin,
		PortVoltages: map[model.Port]uint16{
			model.PortHost:   r.VoltageHost,
			model.PortDevice: r.VoltageDevice,
			model.PortDUT:    r.VoltageDut,
		},
		ObservedAt: observedAt,
	}
}

// ProtocolVersion is the negotiated protocol revision of a device.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

func (v ProtocolVersion) String() string {
	return itoa(v.Major) + "." + itoa(v.Minor)
}

// Compatible checks whether this client can talk to the reported revision.
// Minor revisions only add trailing reserved bytes and stay compatible.
func (v ProtocolVersion) Compatible() bool {
	return v.Major == SupportedProtocolMajor
}

// DecodeProtocolVersion unpacks the version reply. Trailing reserved bytes
// beyond the recognized fields are ignored for forward compatibility.
func DecodeProtocolVersion(buf []byte) (ProtocolVersion, error) {
	if len(buf) < ProtocolVersionReplySize {
		return ProtocolVersion{}, &DecodingError{Op: OpProtocolVersion.String(), Reason: "reply length mismatch"}
	}

	return ProtocolVersion{
		Major: uint16(buf[0]) | uint16(buf[1])<<8,
		Minor: uint16(buf[2]) | uint16(buf[3])<<8,
	}, nil
}

// DecodeSoftwareVersion unpacks the firmware version string reply.
func DecodeSoftwareVersion(buf []byte) (string, error) {
	if len(buf) == 0 || len(buf) > SoftwareVersionMaxSize {
		return "", &DecodingError{Op: OpSoftwareVersion.String(), Reason: "reply length mismatch"}
	}

	s := strings.TrimRight(string(buf), "\x00")
	if !utf8.ValidString(s) {
		return "", &DecodingError{Op: OpSoftwareVersion.String(), Reason: "version string is not valid UTF-8"}
	}
	return s, nil
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var b [5]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
