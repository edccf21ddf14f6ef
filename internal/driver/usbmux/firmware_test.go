// internal/driver/usbmux/firmware_test.go
package usbmux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbmux-service/internal/wire"
)

func TestNewFirmwareImage(t *testing.T) {
	img, err := NewFirmwareImage([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	assert.Equal(t, 3, img.TotalBytes())
	assert.Equal(t, 1, img.NumChunks())
	assert.Equal(t, wire.FlashBaseAddress, img.BaseAddress)

	// The image owns its bytes; mutating the source must not change it.
	src := []byte{0xAA}
	img2, err := NewFirmwareImage(src)
	require.NoError(t, err)
	src[0] = 0x00
	assert.Equal(t, byte(0xAA), img2.Data[0])
}

func TestNewFirmwareImageRejectsEmpty(t *testing.T) {
	_, err := NewFirmwareImage(nil)
	var imgErr *ImageError
	require.ErrorAs(t, err, &imgErr)
}

func TestChecksumDeterministic(t *testing.T) {
	a, err := NewFirmwareImage([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := NewFirmwareImage([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	c, err := NewFirmwareImage([]byte{1, 2, 3, 5})
	require.NoError(t, err)

	assert.Equal(t, a.Checksum, b.Checksum)
	assert.NotEqual(t, a.Checksum, c.Checksum)
}

func TestLoadFirmwareImageRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xDE, 0xAD, 0xBE, 0xEF}, 0o644))

	img, err := LoadFirmwareImage(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, img.Data)
	assert.Equal(t, wire.FlashBaseAddress, img.BaseAddress)
}

func TestLoadFirmwareImageIntelHex(t *testing.T) {
	hex := ":020000040800F2\n" +
		":0400000001020304F2\n" +
		":04000800AABBCCDDE6\n" +
		":00000001FF\n"
	path := filepath.Join(t.TempDir(), "fw.hex")
	require.NoError(t, os.WriteFile(path, []byte(hex), 0o644))

	img, err := LoadFirmwareImage(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(0x08000000), img.BaseAddress)
	// Two segments with a four byte gap, padded with erased-flash bytes.
	assert.Equal(t, []byte{
		0x01, 0x02, 0x03, 0x04,
		0xFF, 0xFF, 0xFF, 0xFF,
		0xAA, 0xBB, 0xCC, 0xDD,
	}, img.Data)
}

func TestLoadFirmwareImageBadHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.hex")
	require.NoError(t, os.WriteFile(path, []byte(":garbage\n"), 0o644))

	_, err := LoadFirmwareImage(path)
	var imgErr *ImageError
	require.ErrorAs(t, err, &imgErr)
}

func TestLoadFirmwareImageMissingFile(t *testing.T) {
	_, err := LoadFirmwareImage(filepath.Join(t.TempDir(), "absent.bin"))
	var imgErr *ImageError
	require.ErrorAs(t, err, &imgErr)
}
