package handler

import (
	"encoding/binary"
	"strconv"
	"time"

	"go.uber.org/atomic"
)

// MsgID is the 64-bit CMPP message id: month(4) day(5) hour(5) minute(6)
// second(6) gateway(22) sequence(16).
type MsgID uint64

// Bytes returns the 8-octet big-endian form used in Msg_Id
func (id MsgID) Bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func (id MsgID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Gateway returns the gateway code
func (id MsgID) Gateway() uint32 {
	return uint32(id>>16) & 0x3fffff
}

// Sequence returns the per-second sequence
func (id MsgID) Sequence() uint16 {
	return uint16(id)
}

// Time returns the month, day, hour, minute and second fields
func (id MsgID) Time() (month, day, hour, minute, second int) {
	v := uint64(id) >> 38
	second = int(v & 0x3f)
	v >>= 6
	minute = int(v & 0x3f)
	v >>= 6
	hour = int(v & 0x1f)
	v >>= 5
	day = int(v & 0x1f)
	v >>= 5
	month = int(v & 0xf)
	return
}

// ParseMsgID reads an 8-octet Msg_Id. Short input yields 0.
func ParseMsgID(b []byte) MsgID {
	if len(b) < 8 {
		return 0
	}
	return MsgID(binary.BigEndian.Uint64(b))
}

// MsgIDGenerator issues message ids for one gateway
type MsgIDGenerator struct {
	gateway  uint32
	sequence *atomic.Uint32
	now      func() time.Time
}

// NewMsgIDGenerator creates a generator. Only the low 22 bits of gateway are used.
func NewMsgIDGenerator(gateway uint32) *MsgIDGenerator {
	return &MsgIDGenerator{
		gateway:  gateway & 0x3fffff,
		sequence: atomic.NewUint32(0),
		now:      time.Now,
	}
}

// Next returns a new id. The sequence wraps after 65535.
func (g *MsgIDGenerator) Next() MsgID {
	t := g.now()
	seq := uint64(uint16(g.sequence.Inc()))

	v := uint64(t.Month())<<60 |
		uint64(t.Day())<<55 |
		uint64(t.Hour())<<50 |
		uint64(t.Minute())<<44 |
		uint64(t.Second())<<38 |
		uint64(g.gateway)<<16 |
		seq
	return MsgID(v)
}
