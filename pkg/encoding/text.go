package encoding

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// Msg_Fmt values used by CMPP 2.0
const (
	FormatASCII  uint8 = 0
	FormatWrite  uint8 = 3 // SIM card write instruction
	FormatBinary uint8 = 4
	FormatUCS2   uint8 = 8
	FormatGBK    uint8 = 15
)

// MaxContentLength is the largest Msg_Content a single CMPP 2.0 message can carry
const MaxContentLength = 140

// TextEncoder converts between Go strings and Msg_Content octets
type TextEncoder struct{}

// NewTextEncoder creates a new text encoder
func NewTextEncoder() *TextEncoder {
	return &TextEncoder{}
}

var ucs2 = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// EncodeUCS2 encodes a string to UCS2 (UTF-16 Big Endian) format
func (e *TextEncoder) EncodeUCS2(text string) ([]byte, error) {
	if !utf8.ValidString(text) {
		return nil, errors.New("invalid UTF-8 string")
	}
	out, err := ucs2.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, errors.Wrap(err, "encode ucs2")
	}
	return out, nil
}

// DecodeUCS2 decodes UCS2 (UTF-16 Big Endian) format to string
func (e *TextEncoder) DecodeUCS2(data []byte) (string, error) {
	if len(data)%2 != 0 {
		return "", errors.New("UCS2 data must have even length")
	}
	out, err := ucs2.NewDecoder().Bytes(data)
	if err != nil {
		return "", errors.Wrap(err, "decode ucs2")
	}
	return string(out), nil
}

// EncodeGBK encodes a string to GBK
func (e *TextEncoder) EncodeGBK(text string) ([]byte, error) {
	out, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, errors.Wrap(err, "encode gbk")
	}
	return out, nil
}

// DecodeGBK decodes GBK bytes to string
func (e *TextEncoder) DecodeGBK(data []byte) (string, error) {
	out, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err != nil {
		return "", errors.Wrap(err, "decode gbk")
	}
	return string(out), nil
}

// EncodeASCII encodes a string as ASCII, replacing anything outside 7 bits with '?'
func (e *TextEncoder) EncodeASCII(text string) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 0x7F {
			out = append(out, '?')
			continue
		}
		out = append(out, byte(r))
	}
	return out
}

// Supported reports whether msgFmt has a text mapping
func (e *TextEncoder) Supported(msgFmt uint8) bool {
	switch msgFmt {
	case FormatASCII, FormatWrite, FormatBinary, FormatUCS2, FormatGBK:
		return true
	}
	return false
}

// Encode encodes text based on the Msg_Fmt value
func (e *TextEncoder) Encode(text string, msgFmt uint8) ([]byte, error) {
	switch msgFmt {
	case FormatASCII:
		return e.EncodeASCII(text), nil
	case FormatWrite, FormatBinary:
		return []byte(text), nil
	case FormatUCS2:
		return e.EncodeUCS2(text)
	case FormatGBK:
		return e.EncodeGBK(text)
	default:
		return nil, errors.Errorf("unsupported msg format: %d", msgFmt)
	}
}

// Decode decodes Msg_Content octets based on the Msg_Fmt value
func (e *TextEncoder) Decode(data []byte, msgFmt uint8) (string, error) {
	switch msgFmt {
	case FormatASCII, FormatWrite, FormatBinary:
		return string(data), nil
	case FormatUCS2:
		return e.DecodeUCS2(data)
	case FormatGBK:
		return e.DecodeGBK(data)
	default:
		return "", errors.Errorf("unsupported msg format: %d", msgFmt)
	}
}

// DetectOptimalFormat picks ASCII for 7-bit text and UCS2 otherwise
func (e *TextEncoder) DetectOptimalFormat(text string) uint8 {
	for _, r := range text {
		if r > 127 {
			return FormatUCS2
		}
	}
	return FormatASCII
}

// SplitMessage splits text into parts whose encoded form fits one message.
// Multi-part messages reserve 6 octets for the user data header.
func (e *TextEncoder) SplitMessage(text string, msgFmt uint8) ([]string, error) {
	encoded, err := e.Encode(text, msgFmt)
	if err != nil {
		return nil, err
	}
	if len(encoded) <= MaxContentLength {
		return []string{text}, nil
	}

	limit := MaxContentLength - 6
	var parts []string
	var current []rune
	size := 0
	for _, r := range text {
		n, err := e.runeSize(r, msgFmt)
		if err != nil {
			return nil, err
		}
		if size+n > limit && len(current) > 0 {
			parts = append(parts, string(current))
			current = current[:0]
			size = 0
		}
		current = append(current, r)
		size += n
	}
	if len(current) > 0 {
		parts = append(parts, string(current))
	}
	return parts, nil
}

func (e *TextEncoder) runeSize(r rune, msgFmt uint8) (int, error) {
	b, err := e.Encode(string(r), msgFmt)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ConcatUDH returns the 6-octet user data header of part seq of total,
// using the 8-bit reference concatenation element.
func ConcatUDH(ref uint8, total, seq int) []byte {
	return []byte{0x05, 0x00, 0x03, ref, uint8(total), uint8(seq)}
}

// EncodeParts encodes text as one or more Msg_Content values. With more
// than one part every value starts with a ConcatUDH header and TP_udhi
// must be set to 1.
func (e *TextEncoder) EncodeParts(text string, msgFmt uint8, ref uint8) ([][]byte, error) {
	parts, err := e.SplitMessage(text, msgFmt)
	if err != nil {
		return nil, err
	}
	if len(parts) > 255 {
		return nil, errors.Errorf("message needs %d parts, at most 255 allowed", len(parts))
	}

	out := make([][]byte, 0, len(parts))
	for i, part := range parts {
		encoded, err := e.Encode(part, msgFmt)
		if err != nil {
			return nil, err
		}
		if len(parts) > 1 {
			encoded = append(ConcatUDH(ref, len(parts), i+1), encoded...)
		}
		out = append(out, encoded)
	}
	return out, nil
}
