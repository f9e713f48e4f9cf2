package cmpp

import "github.com/pkg/errors"

// FrameReader cuts complete frames out of an arbitrarily chunked byte stream
type FrameReader struct {
	buf          []byte
	maxFrameSize uint32
}

// NewFrameReader creates a reassembler. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewFrameReader(maxFrameSize int) *FrameReader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameReader{maxFrameSize: uint32(maxFrameSize)}
}

// Feed appends a chunk read from the transport
func (r *FrameReader) Feed(chunk []byte) {
	r.buf = append(r.buf, chunk...)
}

// Buffered returns the number of octets not yet consumed
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}

// Next returns the next complete frame. ok is false when more input is needed.
// A declared length below the header size or above the frame limit is an
// unrecoverable framing error.
func (r *FrameReader) Next() (frame Frame, ok bool, err error) {
	if len(r.buf) < HeaderLength {
		return Frame{}, false, nil
	}

	header := DecodeHeader(r.buf)
	if header.TotalLength < HeaderLength {
		return Frame{}, false, errors.Wrapf(ErrInvalidLength, "total length %d", header.TotalLength)
	}
	if header.TotalLength > r.maxFrameSize {
		return Frame{}, false, errors.Wrapf(ErrFrameTooLarge, "total length %d exceeds %d", header.TotalLength, r.maxFrameSize)
	}
	if uint32(len(r.buf)) < header.TotalLength {
		return Frame{}, false, nil
	}

	body := make([]byte, header.TotalLength-HeaderLength)
	copy(body, r.buf[HeaderLength:header.TotalLength])

	rest := len(r.buf) - int(header.TotalLength)
	copy(r.buf, r.buf[header.TotalLength:])
	r.buf = r.buf[:rest]

	return Frame{Header: header, Body: body}, true, nil
}
