// internal/wire/dfu.go
package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/HewlettPackard/structex"
)

// DFU class requests per the USB DFU 1.1 specification, as implemented by
// the STM32 system bootloader the mux reboots into.
const (
	DFUDetach    uint8 = 0
	DFUDnload    uint8 = 1
	DFUUpload    uint8 = 2
	DFUGetStatus uint8 = 3
	DFUClrStatus uint8 = 4
	DFUGetState  uint8 = 5
	DFUAbort     uint8 = 6
)

// bmRequestType values for DFU class transfers on interface 0.
const (
	DFURequestOut uint8 = 0x21
	DFURequestIn  uint8 = 0xA1
)

// FirmwareChunkSize is the transfer block size used for DNLOAD and UPLOAD.
// Matches the bootloader's wTransferSize.
const FirmwareChunkSize = 64

// FlashBaseAddress is the start of application flash on the target MCU.
const FlashBaseAddress uint32 = 0x08000000

// DFUStatusSize is the wire size of a GETSTATUS reply.
const DFUStatusSize = 6

// DFUState is the bState byte of a GETSTATUS reply.
type DFUState uint8

const (
	DFUStateAppIdle            DFUState = 0
	DFUStateAppDetach          DFUState = 1
	DFUStateIdle               DFUState = 2
	DFUStateDnloadSync         DFUState = 3
	DFUStateDnloadBusy         DFUState = 4
	DFUStateDnloadIdle         DFUState = 5
	DFUStateManifestSync       DFUState = 6
	DFUStateManifest           DFUState = 7
	DFUStateManifestWaitReset  DFUState = 8
	DFUStateUploadIdle         DFUState = 9
	DFUStateError              DFUState = 10
)

func (s DFUState) String() string {
	switch s {
	case DFUStateAppIdle:
		return "appIDLE"
	case DFUStateAppDetach:
		return "appDETACH"
	case DFUStateIdle:
		return "dfuIDLE"
	case DFUStateDnloadSync:
		return "dfuDNLOAD-SYNC"
	case DFUStateDnloadBusy:
		return "dfuDNBUSY"
	case DFUStateDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case DFUStateManifestSync:
		return "dfuMANIFEST-SYNC"
	case DFUStateManifest:
		return "dfuMANIFEST"
	case DFUStateManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case DFUStateUploadIdle:
		return "dfuUPLOAD-IDLE"
	case DFUStateError:
		return "dfuERROR"
	}
	return "unknown"
}

// DFUStatusCode is the bStatus byte of a GETSTATUS reply.
type DFUStatusCode uint8

const (
	DFUStatusOK             DFUStatusCode = 0x00
	DFUStatusErrTarget      DFUStatusCode = 0x01
	DFUStatusErrFile        DFUStatusCode = 0x02
	DFUStatusErrWrite       DFUStatusCode = 0x03
	DFUStatusErrErase       DFUStatusCode = 0x04
	DFUStatusErrCheckErased DFUStatusCode = 0x05
	DFUStatusErrProg        DFUStatusCode = 0x06
	DFUStatusErrVerify      DFUStatusCode = 0x07
	DFUStatusErrAddress     DFUStatusCode = 0x08
	DFUStatusErrNotDone     DFUStatusCode = 0x09
	DFUStatusErrFirmware    DFUStatusCode = 0x0A
	DFUStatusErrVendor      DFUStatusCode = 0x0B
	DFUStatusErrUSBR        DFUStatusCode = 0x0C
	DFUStatusErrPOR         DFUStatusCode = 0x0D
	DFUStatusErrUnknown     DFUStatusCode = 0x0E
	DFUStatusErrStalled     DFUStatusCode = 0x0F
)

func (c DFUStatusCode) String() string {
	switch c {
	case DFUStatusOK:
		return "OK"
	case DFUStatusErrTarget:
		return "errTARGET"
	case DFUStatusErrFile:
		return "errFILE"
	case DFUStatusErrWrite:
		return "errWRITE"
	case DFUStatusErrErase:
		return "errERASE"
	case DFUStatusErrCheckErased:
		return "errCHECK_ERASED"
	case DFUStatusErrProg:
		return "errPROG"
	case DFUStatusErrVerify:
		return "errVERIFY"
	case DFUStatusErrAddress:
		return "errADDRESS"
	case DFUStatusErrNotDone:
		return "errNOTDONE"
	case DFUStatusErrFirmware:
		return "errFIRMWARE"
	case DFUStatusErrVendor:
		return "errVENDOR"
	case DFUStatusErrUSBR:
		return "errUSBR"
	case DFUStatusErrPOR:
		return "errPOR"
	case DFUStatusErrUnknown:
		return "errUNKNOWN"
	case DFUStatusErrStalled:
		return "errSTALLEDPKT"
	}
	return "unknown"
}

// DFUStatus is the decoded 6-byte GETSTATUS reply. PollTimeout is the
// minimum delay in milliseconds before the next request.
type DFUStatus struct {
	Status      uint8
	PollTimeout uint32 `bitfield:"24"`
	State       uint8
	StringIdx   uint8
}

// OK checks if the reply reports no error.
func (s *DFUStatus) OK() bool {
	return DFUStatusCode(s.Status) == DFUStatusOK
}

// DecodeDFUStatus unpacks a GETSTATUS reply.
func DecodeDFUStatus(buf []byte) (*DFUStatus, error) {
	if len(buf) != DFUStatusSize {
		return nil, &DecodingError{Op: "DFU_GETSTATUS", Reason: "reply length mismatch"}
	}

	status := &DFUStatus{}
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(buf), status); err != nil {
		return nil, &DecodingError{Op: "DFU_GETSTATUS", Reason: err.Error()}
	}
	return status, nil
}

// EncodeSetAddress builds the ST-extension DNLOAD wBlockNum=0 payload that
// points the bootloader at the given flash address.
func EncodeSetAddress(addr uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = 0x21
	binary.LittleEndian.PutUint32(buf[1:], addr)
	return buf
}

// EncodeMassErase builds the ST-extension DNLOAD wBlockNum=0 payload that
// erases the whole application flash.
func EncodeMassErase() []byte {
	return []byte{0x41}
}
