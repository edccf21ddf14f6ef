// internal/driver/usbmux/dfu.go
package usbmux

import (
	"context"
	"fmt"
	"time"

	"github.com/sigurn/crc8"
	"go.uber.org/zap"

	"usbmux-service/internal/protocol"
	"usbmux-service/internal/wire"
)

// SessionState is the lifecycle state of one firmware upgrade.
type SessionState string

const (
	SessionIdle               SessionState = "IDLE"
	SessionEnteringBootloader SessionState = "ENTERING_BOOTLOADER"
	SessionTransferring       SessionState = "TRANSFERRING"
	SessionVerifying          SessionState = "VERIFYING"
	SessionResetting          SessionState = "RESETTING"
	SessionAborted            SessionState = "ABORTED"
)

// ChunkRetryLimit is how many times one chunk may fail before the session
// aborts.
const ChunkRetryLimit = 3

const (
	reappearTimeoutDefault = 10 * time.Second
	reappearPollInterval   = 250 * time.Millisecond
	statusPollCap          = 1 * time.Second
)

// Data blocks in a DNLOAD sequence start at wBlockNum 2; block numbers 0 and
// 1 are reserved for ST extension commands.
const firstDataBlock = 2

// UpgradeSession drives one device through the DFU sequence: reboot into
// the bootloader, transfer the image chunk by chunk, verify by read-back,
// reset to application mode. Chunks are strictly ordered and never
// pipelined; bytesSent only advances on an acknowledged chunk. A session is
// single-use: once Aborted it can only be discarded.
type UpgradeSession struct {
	image  *FirmwareImage
	bus    protocol.Bus
	logger *zap.Logger

	state     SessionState
	bytesSent int
	transport protocol.Transport
	serial    string

	reappearTimeout time.Duration
	pollInterval    time.Duration
}

// SessionOption customizes an UpgradeSession.
type SessionOption func(*UpgradeSession)

// WithReappearTimeout bounds the wait for the device to re-enumerate after
// mode transitions.
func WithReappearTimeout(d time.Duration) SessionOption {
	return func(s *UpgradeSession) {
		s.reappearTimeout = d
	}
}

// WithPollInterval overrides the re-enumeration poll interval. Used by tests.
func WithPollInterval(d time.Duration) SessionOption {
	return func(s *UpgradeSession) {
		s.pollInterval = d
	}
}

// NewUpgradeSession creates an idle session for one image. The bus is used
// to re-acquire the device across its bootloader and application identities.
func NewUpgradeSession(bus protocol.Bus, image *FirmwareImage, logger *zap.Logger, opts ...SessionOption) *UpgradeSession {
	s := &UpgradeSession{
		image:           image,
		bus:             bus,
		logger:          logger.With(zap.String("component", "upgrade_session")),
		state:           SessionIdle,
		reappearTimeout: reappearTimeoutDefault,
		pollInterval:    reappearPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current session state.
func (s *UpgradeSession) State() SessionState {
	return s.state
}

// BytesSent returns how many image bytes the device has acknowledged.
// Non-decreasing for the life of the session.
func (s *UpgradeSession) BytesSent() int {
	return s.bytesSent
}

// TotalBytes returns the image size.
func (s *UpgradeSession) TotalBytes() int {
	return s.image.TotalBytes()
}

// Begin reboots the device into its bootloader and prepares the flash for
// transfer. The application-mode client is consumed: its transport dies
// with the reboot and the session re-acquires the device under the
// bootloader's USB identity within a bounded wait. On any failure the
// session is Aborted and the caller must re-enumerate and start over.
func (s *UpgradeSession) Begin(ctx context.Context, client *Client) error {
	if s.state != SessionIdle {
		return &SessionStateError{Op: "begin", State: s.state}
	}
	s.state = SessionEnteringBootloader
	s.serial = client.Identity().SerialNumber

	s.logger.Info("Beginning firmware upgrade",
		zap.String("serial", s.serial),
		zap.Int("total_bytes", s.image.TotalBytes()),
		zap.Int("chunks", s.image.NumChunks()),
	)

	if err := client.EnterBootloader(ctx); err != nil {
		s.abort(nil)
		return &BootloaderEntryError{Serial: s.serial, Phase: "command", Err: err}
	}
	client.Close()

	transport, err := s.waitForDevice(ctx, protocol.Selector{
		VendorID:  wire.BootloaderVendorID,
		ProductID: wire.BootloaderProductID,
	})
	if err != nil {
		s.abort(nil)
		return &BootloaderEntryError{Serial: s.serial, Phase: "reappearance", Err: err}
	}
	s.transport = transport

	if err := s.prepareFlash(ctx); err != nil {
		s.abort(transport)
		return &BootloaderEntryError{Serial: s.serial, Phase: "command", Err: err}
	}

	s.state = SessionTransferring
	return nil
}

// TransferChunk sends the next image chunk and waits for the device to
// acknowledge it. A failed attempt leaves bytesSent unchanged and is retried
// up to ChunkRetryLimit times; exhausting the budget aborts the session.
// Returns true when the whole image has been acknowledged.
func (s *UpgradeSession) TransferChunk(ctx context.Context) (bool, error) {
	if s.state != SessionTransferring {
		return false, &SessionStateError{Op: "transfer chunk", State: s.state}
	}
	if s.bytesSent >= s.image.TotalBytes() {
		return true, nil
	}

	chunkIndex := s.bytesSent / wire.FirmwareChunkSize
	chunk := s.image.Chunk(chunkIndex)
	blockNum := uint16(firstDataBlock + chunkIndex)

	var lastErr error
	for attempt := 1; attempt <= ChunkRetryLimit; attempt++ {
		lastErr = s.dnload(ctx, blockNum, chunk)
		if lastErr == nil {
			s.bytesSent += len(chunk)
			s.logger.Debug("Chunk acknowledged",
				zap.Int("chunk", chunkIndex),
				zap.Int("bytes_sent", s.bytesSent),
			)
			return s.bytesSent >= s.image.TotalBytes(), nil
		}

		s.logger.Warn("Chunk write failed",
			zap.Int("chunk", chunkIndex),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if ctx.Err() != nil {
			break
		}
	}

	err := &ChunkWriteError{ChunkIndex: chunkIndex, Attempts: ChunkRetryLimit, Err: lastErr}
	s.abort(s.transport)
	return false, err
}

// Finish verifies the flashed image by reading it back and comparing
// checksums, then resets the device to application mode and waits for it to
// reappear. Only reachable once every chunk has been acknowledged. A
// verification failure aborts the session with the old firmware still
// intact on the device; a reset failure leaves the device in bootloader
// mode and requires manual recovery.
func (s *UpgradeSession) Finish(ctx context.Context) error {
	if s.state != SessionTransferring {
		return &SessionStateError{Op: "finish", State: s.state}
	}
	if s.bytesSent != s.image.TotalBytes() {
		return &SessionStateError{Op: "finish", State: s.state}
	}

	s.state = SessionVerifying
	if err := s.verify(ctx); err != nil {
		s.abort(s.transport)
		return err
	}

	s.state = SessionResetting
	if err := s.manifest(ctx); err != nil {
		s.state = SessionAborted
		s.transport = nil
		return &ResetError{Serial: s.serial, Err: err}
	}

	reborn, err := s.waitForDevice(ctx, protocol.Selector{
		VendorID:     wire.VendorID,
		ProductID:    wire.ProductID,
		SerialNumber: s.serial,
	})
	if err != nil {
		s.state = SessionAborted
		s.transport = nil
		return &ResetError{Serial: s.serial, Err: err}
	}
	// The reappearance probe only confirms re-enumeration; the handle is not
	// kept past this point.
	reborn.Close()

	s.logger.Info("Firmware upgrade complete", zap.String("serial", s.serial))
	s.state = SessionIdle
	s.transport = nil
	return nil
}

// Abort abandons the session between chunks. The device is left in
// bootloader mode; recovery is a fresh Begin or a manual reset.
func (s *UpgradeSession) Abort() {
	if s.state == SessionAborted || s.state == SessionIdle {
		return
	}
	s.logger.Warn("Upgrade session aborted",
		zap.String("state", string(s.state)),
		zap.Int("bytes_sent", s.bytesSent),
	)
	s.abort(s.transport)
}

func (s *UpgradeSession) abort(transport protocol.Transport) {
	if transport != nil {
		transport.Close()
	}
	s.transport = nil
	s.state = SessionAborted
}

// waitForDevice polls the bus until a device matching the selector can be
// opened or the bounded wait elapses.
func (s *UpgradeSession) waitForDevice(ctx context.Context, sel protocol.Selector) (protocol.Transport, error) {
	deadline := time.Now().Add(s.reappearTimeout)

	for {
		transport, err := s.bus.Open(ctx, sel)
		if err == nil {
			return transport, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("device did not reappear within %s: %w", s.reappearTimeout, err)
		}

		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// prepareFlash clears any stale bootloader error, erases application flash
// and points the write address at the image base.
func (s *UpgradeSession) prepareFlash(ctx context.Context) error {
	status, err := s.getStatus(ctx)
	if err != nil {
		return err
	}
	if wire.DFUState(status.State) == wire.DFUStateError {
		if err := s.transport.ControlOut(ctx, wire.DFURequestOut, wire.DFUClrStatus, 0, 0, nil); err != nil {
			return err
		}
	}

	if err := s.dnloadCommand(ctx, wire.EncodeMassErase()); err != nil {
		return fmt.Errorf("mass erase: %w", err)
	}
	if err := s.dnloadCommand(ctx, wire.EncodeSetAddress(s.image.BaseAddress)); err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	return s.abortToIdle(ctx)
}

// dnloadCommand issues an ST extension command on block 0 and polls it to
// completion. Commands execute during the GETSTATUS that follows them.
func (s *UpgradeSession) dnloadCommand(ctx context.Context, payload []byte) error {
	return s.dnload(ctx, 0, payload)
}

// dnload sends one DNLOAD block and polls GETSTATUS until the device leaves
// its busy state.
func (s *UpgradeSession) dnload(ctx context.Context, blockNum uint16, data []byte) error {
	if err := s.transport.ControlOut(ctx, wire.DFURequestOut, wire.DFUDnload, blockNum, 0, data); err != nil {
		return err
	}
	return s.pollUntilSettled(ctx)
}

// manifest sends the zero-length DNLOAD that ends the download phase, then
// resets the device so the bootloader hands off to the new application.
func (s *UpgradeSession) manifest(ctx context.Context) error {
	if err := s.transport.ControlOut(ctx, wire.DFURequestOut, wire.DFUDnload, 0, 0, nil); err != nil {
		return err
	}
	// The bootloader may drop off the bus during manifestation; a status
	// failure here is not conclusive.
	if status, err := s.getStatus(ctx); err == nil && !status.OK() {
		return fmt.Errorf("manifest refused: %s", wire.DFUStatusCode(status.Status))
	}

	err := s.transport.Reset()
	s.transport.Close()
	if err != nil {
		return err
	}
	return nil
}

// verify reads the flashed image back over UPLOAD and compares its CRC
// against the checksum computed at load time. The bootloader does not apply
// the image until manifestation, so a mismatch leaves the old firmware
// intact.
func (s *UpgradeSession) verify(ctx context.Context) error {
	if err := s.abortToIdle(ctx); err != nil {
		return err
	}
	if err := s.dnloadCommand(ctx, wire.EncodeSetAddress(s.image.BaseAddress)); err != nil {
		return err
	}
	if err := s.abortToIdle(ctx); err != nil {
		return err
	}

	readBack := make([]byte, 0, s.image.TotalBytes())
	for i := 0; i < s.image.NumChunks(); i++ {
		want := len(s.image.Chunk(i))
		buf, err := s.transport.ControlIn(ctx, wire.DFURequestIn, wire.DFUUpload, uint16(firstDataBlock+i), 0, wire.FirmwareChunkSize)
		if err != nil {
			return err
		}
		if len(buf) < want {
			return fmt.Errorf("short upload read: got %d of %d bytes", len(buf), want)
		}
		readBack = append(readBack, buf[:want]...)
	}

	actual := crc8.Checksum(readBack, firmwareCRCTable)
	if actual != s.image.Checksum {
		return &VerificationError{Expected: s.image.Checksum, Actual: actual}
	}

	return s.abortToIdle(ctx)
}

// abortToIdle returns the bootloader state machine to dfuIDLE.
func (s *UpgradeSession) abortToIdle(ctx context.Context) error {
	return s.transport.ControlOut(ctx, wire.DFURequestOut, wire.DFUAbort, 0, 0, nil)
}

func (s *UpgradeSession) getStatus(ctx context.Context) (*wire.DFUStatus, error) {
	buf, err := s.transport.ControlIn(ctx, wire.DFURequestIn, wire.DFUGetStatus, 0, 0, wire.DFUStatusSize)
	if err != nil {
		return nil, err
	}
	return wire.DecodeDFUStatus(buf)
}

// pollUntilSettled polls GETSTATUS, honoring the device's requested poll
// delay, until the state machine leaves its busy states or reports an error.
func (s *UpgradeSession) pollUntilSettled(ctx context.Context) error {
	for {
		status, err := s.getStatus(ctx)
		if err != nil {
			return err
		}
		if !status.OK() {
			// Clear so the next attempt starts from dfuIDLE.
			_ = s.transport.ControlOut(ctx, wire.DFURequestOut, wire.DFUClrStatus, 0, 0, nil)
			return fmt.Errorf("device reported %s in state %s",
				wire.DFUStatusCode(status.Status), wire.DFUState(status.State))
		}

		state := wire.DFUState(status.State)
		if state != wire.DFUStateDnloadBusy && state != wire.DFUStateManifest {
			return nil
		}

		delay := time.Duration(status.PollTimeout) * time.Millisecond
		if delay > statusPollCap {
			delay = statusPollCap
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
