// internal/driver/usbmux/firmware.go
package usbmux

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/sigurn/crc8"

	"usbmux-service/internal/wire"
)

var firmwareCRCTable = crc8.MakeTable(crc8.CRC8)

// FirmwareImage is an immutable firmware payload ready for transfer.
// Checksum is computed once over the raw bytes at load time and compared
// against the device's own checksum after flashing.
type FirmwareImage struct {
	Data        []byte
	BaseAddress uint32
	Checksum    uint8
}

// TotalBytes returns the image size.
func (img *FirmwareImage) TotalBytes() int {
	return len(img.Data)
}

// NumChunks returns how many transfer chunks the image needs.
func (img *FirmwareImage) NumChunks() int {
	return (len(img.Data) + wire.FirmwareChunkSize - 1) / wire.FirmwareChunkSize
}

// Chunk returns the bytes of chunk i. The last chunk may be short.
func (img *FirmwareImage) Chunk(i int) []byte {
	start := i * wire.FirmwareChunkSize
	end := start + wire.FirmwareChunkSize
	if end > len(img.Data) {
		end = len(img.Data)
	}
	return img.Data[start:end]
}

// NewFirmwareImage builds an image from raw bytes targeting application
// flash.
func NewFirmwareImage(data []byte) (*FirmwareImage, error) {
	if len(data) == 0 {
		return nil, &ImageError{Reason: "empty image"}
	}

	img := &FirmwareImage{
		BaseAddress: wire.FlashBaseAddress,
		Checksum:    crc8.Checksum(data, firmwareCRCTable),
	}
	img.Data = make([]byte, len(data))
	copy(img.Data, data)
	return img, nil
}

// LoadFirmwareImage reads a firmware file. Intel HEX files are recognized by
// their .hex extension and flattened into one contiguous image starting at
// the lowest segment address; everything else is treated as a raw binary
// destined for the flash base.
func LoadFirmwareImage(path string) (*FirmwareImage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ImageError{Path: path, Reason: err.Error()}
	}

	if strings.EqualFold(filepath.Ext(path), ".hex") {
		return parseIntelHex(path, raw)
	}

	img, err := NewFirmwareImage(raw)
	if err != nil {
		return nil, &ImageError{Path: path, Reason: err.Error()}
	}
	return img, nil
}

func parseIntelHex(path string, raw []byte) (*FirmwareImage, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(strings.NewReader(string(raw))); err != nil {
		return nil, &ImageError{Path: path, Reason: "intel hex parse failed: " + err.Error()}
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, &ImageError{Path: path, Reason: "intel hex file contains no data"}
	}

	base := segments[0].Address
	end := base
	for _, seg := range segments {
		if seg.Address < base {
			base = seg.Address
		}
		if segEnd := seg.Address + uint32(len(seg.Data)); segEnd > end {
			end = segEnd
		}
	}

	// Gaps between segments are padded with erased-flash bytes.
	data := make([]byte, end-base)
	for i := range data {
		data[i] = 0xFF
	}
	for _, seg := range segments {
		copy(data[seg.Address-base:], seg.Data)
	}

	return &FirmwareImage{
		Data:        data,
		BaseAddress: base,
		Checksum:    crc8.Checksum(data, firmwareCRCTable),
	}, nil
}
