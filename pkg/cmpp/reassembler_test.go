package cmpp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, r *FrameReader) []Frame {
	t.Helper()
	var frames []Frame
	for {
		f, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func testStream() ([]byte, []Frame) {
	want := []Frame{
		{Header: Header{TotalLength: 12, CommandID: CommandActiveTest, SequenceID: 1}, Body: []byte{}},
		{Header: Header{TotalLength: 21, CommandID: CommandSubmitResp, SequenceID: 2}, Body: []byte{1, 2, 3, 4, 5, 6, 7, 8, 0}},
		{Header: Header{TotalLength: 13, CommandID: CommandActiveTestResp, SequenceID: 3}, Body: []byte{0}},
	}
	var stream bytes.Buffer
	for _, f := range want {
		stream.Write(EncodeFrame(f.Header.CommandID, f.Header.SequenceID, f.Body))
	}
	return stream.Bytes(), want
}

func TestFrameReaderChunkingInvariance(t *testing.T) {
	stream, want := testStream()

	for size := 1; size <= len(stream); size++ {
		r := NewFrameReader(0)
		var got []Frame
		for off := 0; off < len(stream); off += size {
			end := off + size
			if end > len(stream) {
				end = len(stream)
			}
			r.Feed(stream[off:end])
			got = append(got, drain(t, r)...)
		}
		require.Len(t, got, len(want), "chunk size %d", size)
		for i := range want {
			assert.Equal(t, want[i].Header, got[i].Header, "chunk size %d frame %d", size, i)
			assert.Equal(t, want[i].Body, got[i].Body, "chunk size %d frame %d", size, i)
		}
		assert.Zero(t, r.Buffered())
	}
}

func TestFrameReaderIncomplete(t *testing.T) {
	r := NewFrameReader(0)
	r.Feed([]byte{0, 0, 0, 20, 0, 0, 0, 4})
	_, ok, err := r.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	r.Feed([]byte{0, 0, 0, 1, 9, 9})
	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.False(t, ok, "header complete but body short")
	assert.Equal(t, 14, r.Buffered())
}

func TestFrameReaderRejectsShortLength(t *testing.T) {
	r := NewFrameReader(0)
	r.Feed(EncodeHeader(Header{TotalLength: 4, CommandID: CommandSubmit, SequenceID: 1}))
	_, _, err := r.Next()
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestFrameReaderRejectsOversizedFrame(t *testing.T) {
	r := NewFrameReader(64)
	r.Feed(EncodeHeader(Header{TotalLength: 65, CommandID: CommandSubmit, SequenceID: 1}))
	_, _, err := r.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
