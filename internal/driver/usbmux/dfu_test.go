// internal/driver/usbmux/dfu_test.go
package usbmux

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usbmux-service/internal/wire"
)

func testImage(t *testing.T, size int) *FirmwareImage {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	img, err := NewFirmwareImage(data)
	require.NoError(t, err)
	return img
}

// upgradeFixture wires an app-mode device, a bootloader-mode device and a
// bus that swaps between them the way re-enumeration does.
type upgradeFixture struct {
	bus    *fakeBus
	app    *muxTransport
	dfu    *dfuTransport
	reborn *muxTransport
}

func newUpgradeFixture() *upgradeFixture {
	f := &upgradeFixture{
		bus: newFakeBus(),
		app: newMuxTransport(),
		dfu: newDFUTransport(),
	}
	f.bus.put(wire.BootloaderVendorID, wire.BootloaderProductID, f.dfu)
	f.dfu.onReset = func() {
		// Reset boots the new application, which reappears under the
		// application identity.
		f.reborn = newMuxTransport()
		f.bus.put(wire.VendorID, wire.ProductID, f.reborn)
	}
	return f
}

func (f *upgradeFixture) session(t *testing.T, img *FirmwareImage, opts ...SessionOption) *UpgradeSession {
	t.Helper()
	opts = append([]SessionOption{
		WithReappearTimeout(time.Second),
		WithPollInterval(time.Millisecond),
	}, opts...)
	return NewUpgradeSession(f.bus, img, zap.NewNop(), opts...)
}

func (f *upgradeFixture) begin(t *testing.T, s *UpgradeSession) {
	t.Helper()
	client, err := Open(context.Background(), f.app, zap.NewNop(), WithSettleDelay(0))
	require.NoError(t, err)
	require.NoError(t, s.Begin(context.Background(), client))
}

func TestUpgradeChunking(t *testing.T) {
	// 10,000 bytes at 64-byte chunks: 156 full chunks plus a 16-byte tail.
	img := testImage(t, 10000)
	assert.Equal(t, 157, img.NumChunks())
	assert.Len(t, img.Chunk(0), 64)
	assert.Len(t, img.Chunk(156), 16)
}

func TestUpgradeHappyPath(t *testing.T) {
	img := testImage(t, 10000)
	f := newUpgradeFixture()
	s := f.session(t, img)

	assert.Equal(t, SessionIdle, s.State())
	f.begin(t, s)
	assert.Equal(t, SessionTransferring, s.State())

	chunks := 0
	for {
		done, err := s.TransferChunk(context.Background())
		require.NoError(t, err)
		chunks++
		if done {
			break
		}
	}
	assert.Equal(t, 157, chunks)
	assert.Equal(t, 10000, s.BytesSent())

	require.NoError(t, s.Finish(context.Background()))
	assert.Equal(t, SessionIdle, s.State())

	// Everything the device holds is exactly the image.
	assert.True(t, bytes.Equal(img.Data, f.dfu.writtenImage()))
}

func TestFinishReleasesReappearedDevice(t *testing.T) {
	img := testImage(t, 128)
	f := newUpgradeFixture()
	s := f.session(t, img)
	f.begin(t, s)

	for {
		done, err := s.TransferChunk(context.Background())
		require.NoError(t, err)
		if done {
			break
		}
	}

	require.NoError(t, s.Finish(context.Background()))

	// Finish only confirms re-enumeration; it must not hold on to the
	// reappeared device's handle.
	require.NotNil(t, f.reborn)
	assert.False(t, f.reborn.IsOpen())
}

func TestFinishUnreachableBeforeAllChunks(t *testing.T) {
	img := testImage(t, 10000)
	f := newUpgradeFixture()
	s := f.session(t, img)
	f.begin(t, s)

	for i := 0; i < 156; i++ {
		done, err := s.TransferChunk(context.Background())
		require.NoError(t, err)
		require.False(t, done)
	}

	var stateErr *SessionStateError
	require.ErrorAs(t, s.Finish(context.Background()), &stateErr)
	assert.Equal(t, SessionTransferring, s.State())
}

func TestChunkRetryThenSuccess(t *testing.T) {
	img := testImage(t, 200)
	f := newUpgradeFixture()
	f.dfu.failBlock[2] = ChunkRetryLimit - 1
	s := f.session(t, img)
	f.begin(t, s)

	done, err := s.TransferChunk(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 64, s.BytesSent())
}

func TestChunkFailureAbortsSession(t *testing.T) {
	img := testImage(t, 200)
	f := newUpgradeFixture()
	s := f.session(t, img)
	f.begin(t, s)

	done, err := s.TransferChunk(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 64, s.BytesSent())

	// Second chunk fails its entire retry budget.
	f.dfu.failBlock[3] = ChunkRetryLimit

	_, err = s.TransferChunk(context.Background())
	var chunkErr *ChunkWriteError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 1, chunkErr.ChunkIndex)
	assert.Equal(t, ChunkRetryLimit, chunkErr.Attempts)

	// The failed chunk never advanced the offset.
	assert.Equal(t, 64, s.BytesSent())
	assert.Equal(t, SessionAborted, s.State())

	// An aborted session refuses further work.
	_, err = s.TransferChunk(context.Background())
	var stateErr *SessionStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestBytesSentMonotone(t *testing.T) {
	img := testImage(t, 320)
	f := newUpgradeFixture()
	f.dfu.failBlock[4] = ChunkRetryLimit - 1
	s := f.session(t, img)
	f.begin(t, s)

	prev := s.BytesSent()
	for {
		done, err := s.TransferChunk(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, s.BytesSent(), prev)
		prev = s.BytesSent()
		if done {
			break
		}
	}
	assert.Equal(t, 320, s.BytesSent())
}

func TestBeginFailsWhenDeviceNeverReappears(t *testing.T) {
	img := testImage(t, 128)
	f := newUpgradeFixture()
	f.bus.remove(wire.BootloaderVendorID, wire.BootloaderProductID)
	s := f.session(t, img, WithReappearTimeout(20*time.Millisecond))

	client, err := Open(context.Background(), f.app, zap.NewNop(), WithSettleDelay(0))
	require.NoError(t, err)

	err = s.Begin(context.Background(), client)
	var entryErr *BootloaderEntryError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, "reappearance", entryErr.Phase)
	assert.Equal(t, SessionAborted, s.State())
}

func TestBeginToleratesSlowReenumeration(t *testing.T) {
	img := testImage(t, 128)
	f := newUpgradeFixture()
	f.bus.missFirst(wire.BootloaderVendorID, wire.BootloaderProductID, 3)
	s := f.session(t, img)

	f.begin(t, s)
	assert.Equal(t, SessionTransferring, s.State())
}

func TestVerificationFailureAborts(t *testing.T) {
	img := testImage(t, 128)
	f := newUpgradeFixture()
	f.dfu.corrupt = true
	s := f.session(t, img)
	f.begin(t, s)

	for {
		done, err := s.TransferChunk(context.Background())
		require.NoError(t, err)
		if done {
			break
		}
	}

	err := s.Finish(context.Background())
	var verErr *VerificationError
	require.ErrorAs(t, err, &verErr)
	assert.Equal(t, img.Checksum, verErr.Expected)
	assert.Equal(t, SessionAborted, s.State())
}

func TestResetFailureIsManualRecovery(t *testing.T) {
	img := testImage(t, 128)
	f := newUpgradeFixture()
	f.dfu.failReset = true
	s := f.session(t, img)
	f.begin(t, s)

	for {
		done, err := s.TransferChunk(context.Background())
		require.NoError(t, err)
		if done {
			break
		}
	}

	err := s.Finish(context.Background())
	var resetErr *ResetError
	require.ErrorAs(t, err, &resetErr)
	assert.True(t, resetErr.ManualRecovery())
	assert.Equal(t, SessionAborted, s.State())
}

func TestAbortBetweenChunks(t *testing.T) {
	img := testImage(t, 256)
	f := newUpgradeFixture()
	s := f.session(t, img)
	f.begin(t, s)

	_, err := s.TransferChunk(context.Background())
	require.NoError(t, err)

	s.Abort()
	assert.Equal(t, SessionAborted, s.State())

	err = s.Finish(context.Background())
	var stateErr *SessionStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestBeginTwiceRejected(t *testing.T) {
	img := testImage(t, 128)
	f := newUpgradeFixture()
	s := f.session(t, img)
	f.begin(t, s)

	client, err := Open(context.Background(), newMuxTransport(), zap.NewNop(), WithSettleDelay(0))
	require.NoError(t, err)

	var stateErr *SessionStateError
	require.ErrorAs(t, s.Begin(context.Background(), client), &stateErr)
}
