package cmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	headers := []Header{
		{TotalLength: HeaderLength, CommandID: CommandActiveTest, SequenceID: 1},
		{TotalLength: 39, CommandID: CommandConnect, SequenceID: 0xFFFFFFFF},
		{TotalLength: 0xFFFFFFFF, CommandID: CommandSubmitResp, SequenceID: 0},
	}
	for _, h := range headers {
		b := EncodeHeader(h)
		require.Len(t, b, HeaderLength)
		assert.Equal(t, h, DecodeHeader(b))
	}
}

func TestHeaderIsBigEndian(t *testing.T) {
	b := EncodeHeader(Header{TotalLength: 12, CommandID: CommandConnectResp, SequenceID: 0x01020304})
	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x0C,
		0x80, 0x00, 0x00, 0x01,
		0x01, 0x02, 0x03, 0x04,
	}, b)
}

func TestResponseIDs(t *testing.T) {
	assert.Equal(t, CommandConnectResp, ResponseID(CommandConnect))
	assert.Equal(t, CommandSubmit, RequestID(CommandSubmitResp))
	assert.True(t, IsResponse(CommandActiveTestResp))
	assert.False(t, IsResponse(CommandActiveTest))
	assert.Equal(t, "CMPP_TERMINATE_RESP", CommandName(CommandTerminateResp))
	assert.Equal(t, "UNKNOWN(0x00000099)", CommandName(0x99))
}

func TestEncodeFrame(t *testing.T) {
	frame := EncodeFrame(CommandCancelResp, 7, []byte{1})
	h := DecodeHeader(frame)
	assert.Equal(t, uint32(13), h.TotalLength)
	assert.Equal(t, CommandCancelResp, h.CommandID)
	assert.Equal(t, uint32(7), h.SequenceID)
	assert.Equal(t, byte(1), frame[12])
}
