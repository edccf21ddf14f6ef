// internal/service/mock_test.go
package service

import (
	"context"
	"sync"

	"usbmux-service/internal/model"
	"usbmux-service/internal/protocol"
	"usbmux-service/internal/wire"
)

// fakeTransport emulates one mux at the register level: every vendor command
// returns the current status reply, topology and pin commands mutate it.
type fakeTransport struct {
	identity  model.DeviceIdentity
	status    wire.StatusReply
	swVersion string
	open      bool
}

func newFakeTransport(serial string) *fakeTransport {
	return &fakeTransport{
		identity: model.DeviceIdentity{
			SerialNumber: serial,
			BusPath:      "1-2.3",
			VendorID:     wire.VendorID,
			ProductID:    wire.ProductID,
		},
		swVersion: "1.2.0",
		open:      true,
	}
}

func (t *fakeTransport) ControlIn(ctx context.Context, rType, request uint8, value, index uint16, length int) ([]byte, error) {
	switch wire.Opcode(value) {
	case wire.OpProtocolVersion:
		return []byte{0, 0, 0, 0, 0, 0, 0, 0}, nil
	case wire.OpSoftwareVersion:
		return []byte(t.swVersion), nil
	case wire.OpSetPowerLinks:
		t.status.PowerLinks = uint8(index)
	case wire.OpSetDataLinks:
		t.status.DataLinks = uint8(index)
	case wire.OpSetIDPin:
		switch wire.PinCode(index) {
		case wire.PinCodeLow:
			t.status.IDPinDriven, t.status.IDPinLevel = 1, 0
		case wire.PinCodeHigh:
			t.status.IDPinDriven, t.status.IDPinLevel = 0, 1
		default:
			t.status.IDPinDriven, t.status.IDPinLevel = 0, 0
		}
	}
	return t.status.Encode()
}

func (t *fakeTransport) ControlOut(ctx context.Context, rType, request uint8, value, index uint16, data []byte) error {
	return nil
}

func (t *fakeTransport) Reset() error { return nil }

func (t *fakeTransport) Identity() model.DeviceIdentity { return t.identity }

func (t *fakeTransport) Close() error {
	t.open = false
	return nil
}

func (t *fakeTransport) IsOpen() bool { return t.open }

// fakeBus serves fake transports by serial number.
type fakeBus struct {
	mu         sync.Mutex
	transports map[string]*fakeTransport
}

func newFakeBus(transports ...*fakeTransport) *fakeBus {
	b := &fakeBus{transports: make(map[string]*fakeTransport)}
	for _, t := range transports {
		b.transports[t.identity.SerialNumber] = t
	}
	return b
}

func (b *fakeBus) put(t *fakeTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports[t.identity.SerialNumber] = t
}

func (b *fakeBus) remove(serial string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.transports, serial)
}

func (b *fakeBus) Open(ctx context.Context, sel protocol.Selector) (protocol.Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.transports {
		if sel.Matches(t.identity) {
			t.open = true
			return t, nil
		}
	}
	return nil, &protocol.NotFoundError{Selector: sel}
}

func (b *fakeBus) List(ctx context.Context, sel protocol.Selector) ([]model.DeviceIdentity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.DeviceIdentity
	for _, t := range b.transports {
		if sel.Matches(t.identity) {
			out = append(out, t.identity)
		}
	}
	return out, nil
}

func (b *fakeBus) Close() error { return nil }

// recordingSink captures published events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []model.DeviceEvent
}

func (s *recordingSink) PublishEvent(event model.DeviceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) byType(eventType model.EventType) []model.DeviceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeviceEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
