// internal/wire/dfu_test.go
package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDFUStatus(t *testing.T) {
	// bStatus OK, bwPollTimeout 50ms, bState dfuDNLOAD-IDLE.
	buf := []byte{0x00, 0x32, 0x00, 0x00, 0x05, 0x00}
	status, err := DecodeDFUStatus(buf)
	require.NoError(t, err)

	assert.True(t, status.OK())
	assert.Equal(t, uint32(50), status.PollTimeout)
	assert.Equal(t, DFUStateDnloadIdle, DFUState(status.State))
}

func TestDecodeDFUStatusError(t *testing.T) {
	buf := []byte{uint8(DFUStatusErrWrite), 0x00, 0x00, 0x00, uint8(DFUStateError), 0x00}
	status, err := DecodeDFUStatus(buf)
	require.NoError(t, err)

	assert.False(t, status.OK())
	assert.Equal(t, "errWRITE", DFUStatusCode(status.Status).String())
	assert.Equal(t, "dfuERROR", DFUState(status.State).String())
}

func TestDecodeDFUStatusRejectsShortBuffer(t *testing.T) {
	_, err := DecodeDFUStatus([]byte{0x00, 0x32})
	var decErr *DecodingError
	require.ErrorAs(t, err, &decErr)
}

func TestEncodeSetAddress(t *testing.T) {
	buf := EncodeSetAddress(FlashBaseAddress)
	assert.Equal(t, []byte{0x21, 0x00, 0x00, 0x00, 0x08}, buf)
}

func TestEncodeMassErase(t *testing.T) {
	assert.Equal(t, []byte{0x41}, EncodeMassErase())
}
