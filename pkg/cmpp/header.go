package cmpp

import "encoding/binary"

// Header is the fixed 12-byte prefix of every CMPP message
type Header struct {
	TotalLength uint32
	CommandID   uint32
	SequenceID  uint32
}

// DecodeHeader reads a header from the first 12 bytes of b.
// Callers guarantee len(b) >= HeaderLength.
func DecodeHeader(b []byte) Header {
	return Header{
		TotalLength: binary.BigEndian.Uint32(b[0:4]),
		CommandID:   binary.BigEndian.Uint32(b[4:8]),
		SequenceID:  binary.BigEndian.Uint32(b[8:12]),
	}
}

// EncodeHeader writes h as 12 big-endian bytes
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderLength)
	putHeader(b, h)
	return b
}

func putHeader(b []byte, h Header) {
	binary.BigEndian.PutUint32(b[0:4], h.TotalLength)
	binary.BigEndian.PutUint32(b[4:8], h.CommandID)
	binary.BigEndian.PutUint32(b[8:12], h.SequenceID)
}

// IsResponse reports whether the header carries a response command
func (h Header) IsResponse() bool {
	return IsResponse(h.CommandID)
}

// Frame is one complete message cut from the byte stream
type Frame struct {
	Header Header
	Body   []byte
}

// EncodeFrame concatenates a header for commandID/sequenceID with body
func EncodeFrame(commandID, sequenceID uint32, body []byte) []byte {
	buf := make([]byte, HeaderLength+len(body))
	putHeader(buf, Header{
		TotalLength: uint32(HeaderLength + len(body)),
		CommandID:   commandID,
		SequenceID:  sequenceID,
	})
	copy(buf[HeaderLength:], body)
	return buf
}
