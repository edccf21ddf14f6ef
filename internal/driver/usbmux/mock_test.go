// internal/driver/usbmux/mock_test.go
package usbmux

import (
	"context"
	"fmt"
	"sync"

	"usbmux-service/internal/model"
	"usbmux-service/internal/protocol"
	"usbmux-service/internal/wire"
)

// muxTransport emulates an application-mode mux behind the Transport
// interface. It keeps the same registers the firmware keeps and answers
// every vendor command with the current status reply.
type muxTransport struct {
	identity model.DeviceIdentity

	mu         sync.Mutex
	open       bool
	lockout    bool
	pinDriven  bool
	pinLevel   bool
	powerLinks wire.LinkCode
	dataLinks  wire.LinkCode
	voltages   [3]uint16 // host, device, dut

	protoMajor uint16
	protoMinor uint16
	swVersion  string

	// lockoutBlocks makes the device refuse Host-DUT data links, emulating
	// the hardware interlock.
	lockoutBlocks bool

	history []wire.Request
}

func newMuxTransport() *muxTransport {
	return &muxTransport{
		identity: model.DeviceIdentity{
			SerialNumber: "MUX-0001",
			BusPath:      "3-1.2",
			VendorID:     wire.VendorID,
			ProductID:    wire.ProductID,
		},
		open:      true,
		swVersion: "1.4.0",
	}
}

func (m *muxTransport) statusReply() ([]byte, error) {
	var lockout, driven, level uint8
	if m.lockout {
		lockout = 1
	}
	if m.pinDriven {
		driven = 1
	}
	if m.pinLevel {
		level = 1
	}
	reply := &wire.StatusReply{
		VoltageHost:   m.voltages[0],
		VoltageDevice: m.voltages[1],
		VoltageDut:    m.voltages[2],
		PowerLockout:  lockout,
		IDPinDriven:   driven,
		PowerLinks:    uint8(m.powerLinks),
		DataLinks:     uint8(m.dataLinks),
		IDPinLevel:    level,
	}
	return reply.Encode()
}

func (m *muxTransport) ControlIn(ctx context.Context, rType, request uint8, value, index uint16, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil, &protocol.TransportError{Op: "control in", Err: fmt.Errorf("device gone")}
	}

	op := wire.Opcode(value)
	m.history = append(m.history, wire.Request{Opcode: op, Arg: index})

	switch op {
	case wire.OpGetStatus:
		return m.statusReply()
	case wire.OpSetPowerLinks:
		m.powerLinks = wire.LinkCode(index)
		return m.statusReply()
	case wire.OpSetDataLinks:
		code := wire.LinkCode(index)
		if !m.lockoutBlocks || (code != wire.LinkCodeHostDut && code != wire.LinkCodeHostBoth) {
			m.dataLinks = code
		}
		return m.statusReply()
	case wire.OpSetIDPin:
		m.pinDriven = wire.PinCode(index) == wire.PinCodeLow
		m.pinLevel = wire.PinCode(index) == wire.PinCodeHigh
		return m.statusReply()
	case wire.OpProtocolVersion:
		return []byte{
			byte(m.protoMajor), byte(m.protoMajor >> 8),
			byte(m.protoMinor), byte(m.protoMinor >> 8),
			0, 0, 0, 0,
		}, nil
	case wire.OpSoftwareVersion:
		return []byte(m.swVersion), nil
	case wire.OpEnterBootloader:
		m.open = false
		return nil, &protocol.TransportError{Op: "control in", Err: fmt.Errorf("device reset")}
	}
	return nil, fmt.Errorf("unexpected opcode %d", op)
}

func (m *muxTransport) ControlOut(ctx context.Context, rType, request uint8, value, index uint16, data []byte) error {
	return fmt.Errorf("application mode has no out transfers")
}

func (m *muxTransport) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

func (m *muxTransport) Identity() model.DeviceIdentity { return m.identity }

func (m *muxTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

func (m *muxTransport) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// dfuTransport emulates the STM32 bootloader's DFU state machine. Chunk
// writes land in flash at the block's address offset; failures are injected
// per block number.
type dfuTransport struct {
	identity model.DeviceIdentity

	mu        sync.Mutex
	open      bool
	state     wire.DFUState
	flash     map[int][]byte // block number -> data
	failBlock map[uint16]int // block number -> remaining failures
	corrupt   bool           // flip a bit in read-back data
	failReset bool
	onReset   func()
}

func newDFUTransport() *dfuTransport {
	return &dfuTransport{
		identity: model.DeviceIdentity{
			SerialNumber: "",
			BusPath:      "3-1.2",
			VendorID:     wire.BootloaderVendorID,
			ProductID:    wire.BootloaderProductID,
		},
		open:      true,
		state:     wire.DFUStateIdle,
		flash:     map[int][]byte{},
		failBlock: map[uint16]int{},
	}
}

func (d *dfuTransport) ControlOut(ctx context.Context, rType, request uint8, value, index uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return &protocol.TransportError{Op: "control out", Err: fmt.Errorf("device gone")}
	}

	switch request {
	case wire.DFUDnload:
		if remaining := d.failBlock[value]; remaining > 0 {
			d.failBlock[value] = remaining - 1
			d.state = wire.DFUStateError
			return nil
		}
		if len(data) == 0 {
			// Manifest: bootloader hands off to the application.
			d.state = wire.DFUStateManifest
			return nil
		}
		if value >= 2 {
			stored := make([]byte, len(data))
			copy(stored, data)
			d.flash[int(value)-2] = stored
		}
		d.state = wire.DFUStateDnloadIdle
		return nil
	case wire.DFUClrStatus:
		d.state = wire.DFUStateIdle
		return nil
	case wire.DFUAbort:
		d.state = wire.DFUStateIdle
		return nil
	}
	return fmt.Errorf("unexpected DFU request %d", request)
}

func (d *dfuTransport) ControlIn(ctx context.Context, rType, request uint8, value, index uint16, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return nil, &protocol.TransportError{Op: "control in", Err: fmt.Errorf("device gone")}
	}

	switch request {
	case wire.DFUGetStatus:
		status := wire.DFUStatusOK
		if d.state == wire.DFUStateError {
			status = wire.DFUStatusErrWrite
		}
		return []byte{uint8(status), 0, 0, 0, uint8(d.state), 0}, nil
	case wire.DFUUpload:
		data, ok := d.flash[int(value)-2]
		if !ok {
			return nil, fmt.Errorf("upload of unwritten block %d", value)
		}
		out := make([]byte, len(data))
		copy(out, data)
		if d.corrupt && value == 2 {
			out[0] ^= 0xFF
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected DFU request %d", request)
}

func (d *dfuTransport) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	if d.failReset {
		return &protocol.TransportError{Op: "reset", Err: fmt.Errorf("pipe error")}
	}
	if d.onReset != nil {
		d.onReset()
	}
	return nil
}

func (d *dfuTransport) Identity() model.DeviceIdentity { return d.identity }

func (d *dfuTransport) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *dfuTransport) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// writtenImage flattens the emulated flash back into one byte slice.
func (d *dfuTransport) writtenImage() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	max := -1
	for block := range d.flash {
		if block > max {
			max = block
		}
	}
	var out []byte
	for i := 0; i <= max; i++ {
		out = append(out, d.flash[i]...)
	}
	return out
}

// fakeBus hands out scripted transports keyed by the VID/PID of the
// selector, emulating re-enumeration across mode transitions.
type fakeBus struct {
	mu         sync.Mutex
	transports map[[2]uint16]protocol.Transport
	// misses makes the first n opens for a key fail, emulating enumeration
	// latency.
	misses map[[2]uint16]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		transports: map[[2]uint16]protocol.Transport{},
		misses:     map[[2]uint16]int{},
	}
}

func (b *fakeBus) put(vid, pid uint16, t protocol.Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports[[2]uint16{vid, pid}] = t
}

func (b *fakeBus) remove(vid, pid uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.transports, [2]uint16{vid, pid})
}

func (b *fakeBus) missFirst(vid, pid uint16, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.misses[[2]uint16{vid, pid}] = n
}

func (b *fakeBus) Open(ctx context.Context, sel protocol.Selector) (protocol.Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := [2]uint16{sel.VendorID, sel.ProductID}
	if b.misses[key] > 0 {
		b.misses[key]--
		return nil, &protocol.NotFoundError{Selector: sel}
	}

	t, ok := b.transports[key]
	if !ok || !t.IsOpen() {
		return nil, &protocol.NotFoundError{Selector: sel}
	}
	if sel.SerialNumber != "" && t.Identity().SerialNumber != sel.SerialNumber {
		return nil, &protocol.NotFoundError{Selector: sel}
	}
	return t, nil
}

func (b *fakeBus) List(ctx context.Context, sel protocol.Selector) ([]model.DeviceIdentity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []model.DeviceIdentity
	for _, t := range b.transports {
		if t.IsOpen() && sel.Matches(t.Identity()) {
			out = append(out, t.Identity())
		}
	}
	return out, nil
}

func (b *fakeBus) Close() error { return nil }
