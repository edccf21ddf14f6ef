// internal/driver/usbmux/client.go

// Package usbmux drives the USB-Mux hardware switch: status queries, switch
// topology changes, the OTG ID pin, and the DFU firmware upgrade sequence.
// One Client owns one open transport; distinct devices are driven from
// distinct clients with no shared state.
package usbmux

import (
	"context"
	"time"

	"go.uber.org/zap"

	"usbmux-service/internal/model"
	"usbmux-service/internal/protocol"
	"usbmux-service/internal/wire"
)

// gousb encodes control directions in bmRequestType. The mux exposes its
// vendor commands as device-to-host transfers only; every command returns
// the current status reply.
const (
	vendorRequestIn uint8 = 0xC0
)

// settleDelayDefault is how long the switch needs after dropping power links
// before data links may change. Matches the hardware relay settle time.
const settleDelayDefault = 500 * time.Millisecond

// Client issues semantic operations against one opened USB-Mux. Operations
// are synchronous round trips with no implicit retries; retry policy belongs
// to the caller.
type Client struct {
	transport   protocol.Transport
	logger      *zap.Logger
	version     wire.ProtocolVersion
	settleDelay time.Duration
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithSettleDelay overrides the relay settle delay. Used by tests.
func WithSettleDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.settleDelay = d
	}
}

// Open probes the device's protocol revision and returns a client bound to
// the transport. A device reporting an unsupported major revision is
// rejected before any other command is interpreted.
func Open(ctx context.Context, transport protocol.Transport, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	c := &Client{
		transport:   transport,
		logger:      logger.With(zap.String("serial", transport.Identity().SerialNumber)),
		settleDelay: settleDelayDefault,
	}
	for _, opt := range opts {
		opt(c)
	}

	buf, err := c.command(ctx, wire.OpProtocolVersion, 0, wire.ProtocolVersionReplySize)
	if err != nil {
		return nil, err
	}

	version, err := wire.DecodeProtocolVersion(buf)
	if err != nil {
		return nil, err
	}
	if !version.Compatible() {
		return nil, &ProtocolVersionError{Reported: version, Supported: wire.SupportedProtocolMajor}
	}

	c.version = version
	c.logger.Debug("Opened mux client", zap.String("protocol_version", version.String()))
	return c, nil
}

// Identity returns the bus identity of the device this client drives.
func (c *Client) Identity() model.DeviceIdentity {
	return c.transport.Identity()
}

// ProtocolVersion returns the revision negotiated at open time.
func (c *Client) ProtocolVersion() wire.ProtocolVersion {
	return c.version
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// QueryStatus reads and decodes the current device state. A fresh snapshot
// is produced on every call.
func (c *Client) QueryStatus(ctx context.Context) (*model.StatusSnapshot, error) {
	buf, err := c.command(ctx, wire.OpGetStatus, 0, wire.StatusReplySize)
	if err != nil {
		return nil, err
	}

	reply, err := wire.DecodeStatusReply(buf)
	if err != nil {
		return nil, err
	}
	return reply.Snapshot(time.Now()), nil
}

// ApplyConnections switches the mux to the requested topology. The request
// is the desired full topology, not a delta; an empty request disconnects
// everything. Both power and data links are dropped before the relay settle
// delay, then power is restored before data. The device's own post-command
// report is authoritative: if the status read-back does not show the
// requested topology, the call fails with RejectedByDeviceError even though
// the local pre-check passed.
func (c *Client) ApplyConnections(ctx context.Context, req model.ConnectionRequest) (*model.StatusSnapshot, error) {
	return c.applyConnections(ctx, req, nil)
}

// ApplyConnectionsWithPin switches the topology with coordinated ID pin
// handling: the pin is floated while the links are down and the target state
// is applied before the links come back, so the DUT never sees the pin
// change while a bus is live.
func (c *Client) ApplyConnectionsWithPin(ctx context.Context, req model.ConnectionRequest, pin model.PinState) (*model.StatusSnapshot, error) {
	return c.applyConnections(ctx, req, &pin)
}

func (c *Client) applyConnections(ctx context.Context, req model.ConnectionRequest, pin *model.PinState) (*model.StatusSnapshot, error) {
	if err := ValidateTopology(req); err != nil {
		return nil, err
	}

	code, err := wire.LinkCodeFor(req)
	if err != nil {
		return nil, err
	}

	pinCode := wire.PinCodeFloating
	if pin != nil {
		if pinCode, err = wire.PinCodeFor(*pin); err != nil {
			return nil, err
		}
	}

	c.logger.Info("Applying connection topology", zap.String("topology", req.String()))

	if _, err := c.command(ctx, wire.OpSetPowerLinks, uint16(wire.LinkCodeNone), wire.StatusReplySize); err != nil {
		return nil, err
	}
	if _, err := c.command(ctx, wire.OpSetDataLinks, uint16(wire.LinkCodeNone), wire.StatusReplySize); err != nil {
		return nil, err
	}
	if pin != nil {
		if _, err := c.command(ctx, wire.OpSetIDPin, uint16(wire.PinCodeFloating), wire.StatusReplySize); err != nil {
			return nil, err
		}
	}

	if err := c.settle(ctx); err != nil {
		return nil, err
	}

	if pin != nil {
		if _, err := c.command(ctx, wire.OpSetIDPin, uint16(pinCode), wire.StatusReplySize); err != nil {
			return nil, err
		}
	}

	if _, err := c.command(ctx, wire.OpSetPowerLinks, uint16(code), wire.StatusReplySize); err != nil {
		return nil, err
	}

	buf, err := c.command(ctx, wire.OpSetDataLinks, uint16(code), wire.StatusReplySize)
	if err != nil {
		return nil, err
	}

	reply, err := wire.DecodeStatusReply(buf)
	if err != nil {
		return nil, err
	}

	snap := reply.Snapshot(time.Now())
	if !snap.ConnectionsEqual(req) {
		return nil, &RejectedByDeviceError{
			Requested: req,
			Applied:   snap.Connections,
			Locked:    snap.HostDutLocked && req.Contains(model.LinkHostDut),
		}
	}

	return snap, nil
}

// SetIDPin drives the OTG ID pin on the DUT port.
func (c *Client) SetIDPin(ctx context.Context, state model.PinState) error {
	code, err := wire.PinCodeFor(state)
	if err != nil {
		return err
	}

	c.logger.Info("Setting ID pin", zap.String("state", string(state)))
	_, err = c.command(ctx, wire.OpSetIDPin, uint16(code), wire.StatusReplySize)
	return err
}

// SoftwareVersion reads the firmware version string.
func (c *Client) SoftwareVersion(ctx context.Context) (string, error) {
	buf, err := c.command(ctx, wire.OpSoftwareVersion, 0, wire.SoftwareVersionMaxSize)
	if err != nil {
		return "", err
	}
	return wire.DecodeSoftwareVersion(buf)
}

// EnterBootloader commands the device to reboot into its DFU bootloader.
// The device drops off the bus immediately, so no reply is expected and the
// transport is dead afterwards. Reappearance is the upgrade sequencer's job.
func (c *Client) EnterBootloader(ctx context.Context) error {
	c.logger.Info("Commanding reboot into bootloader")

	req, err := wire.EncodeRequest(wire.OpEnterBootloader, 0)
	if err != nil {
		return err
	}

	// The device resets mid-transfer, so a transport error here is expected
	// and does not indicate failure. Actual entry is confirmed by the device
	// reappearing under the bootloader's USB identity.
	_, err = c.transport.ControlIn(ctx, vendorRequestIn, wire.VendorRequest, uint16(req.Opcode), req.Arg, wire.StatusReplySize)
	if err != nil {
		c.logger.Debug("Transfer interrupted by device reset", zap.Error(err))
	}
	return nil
}

func (c *Client) command(ctx context.Context, op wire.Opcode, arg uint16, replyLen int) ([]byte, error) {
	req, err := wire.EncodeRequest(op, arg)
	if err != nil {
		return nil, err
	}
	return c.transport.ControlIn(ctx, vendorRequestIn, wire.VendorRequest, uint16(req.Opcode), req.Arg, replyLen)
}

func (c *Client) settle(ctx context.Context) error {
	if c.settleDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(c.settleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
