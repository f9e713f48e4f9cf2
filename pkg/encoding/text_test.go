package encoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFormats(t *testing.T) {
	enc := NewTextEncoder()
	cases := []struct {
		name   string
		msgFmt uint8
		text   string
		octets int
	}{
		{"ascii", FormatASCII, "hello", 5},
		{"binary", FormatBinary, "\x01\x02", 2},
		{"ucs2", FormatUCS2, "你好", 4},
		{"gbk", FormatGBK, "中国移动", 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := enc.Encode(tc.text, tc.msgFmt)
			require.NoError(t, err)
			assert.Len(t, data, tc.octets)

			text, err := enc.Decode(data, tc.msgFmt)
			require.NoError(t, err)
			assert.Equal(t, tc.text, text)
		})
	}
}

func TestUCS2IsBigEndian(t *testing.T) {
	data, err := NewTextEncoder().EncodeUCS2("A")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x41}, data)
}

func TestDecodeUCS2OddLength(t *testing.T) {
	_, err := NewTextEncoder().DecodeUCS2([]byte{0x00})
	assert.Error(t, err)
}

func TestEncodeASCIIReplacesWideRunes(t *testing.T) {
	assert.Equal(t, []byte("a?b"), NewTextEncoder().EncodeASCII("a中b"))
}

func TestUnsupportedFormat(t *testing.T) {
	enc := NewTextEncoder()
	assert.False(t, enc.Supported(99))
	_, err := enc.Encode("x", 99)
	assert.Error(t, err)
	_, err = enc.Decode([]byte("x"), 99)
	assert.Error(t, err)
}

func TestDetectOptimalFormat(t *testing.T) {
	enc := NewTextEncoder()
	assert.Equal(t, FormatASCII, enc.DetectOptimalFormat("plain text"))
	assert.Equal(t, FormatUCS2, enc.DetectOptimalFormat("短信"))
}

func TestSplitMessage(t *testing.T) {
	enc := NewTextEncoder()

	parts, err := enc.SplitMessage("short", FormatASCII)
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, parts)

	parts, err = enc.SplitMessage(strings.Repeat("a", 300), FormatASCII)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 134)
	assert.Len(t, parts[2], 32)

	parts, err = enc.SplitMessage(strings.Repeat("中", 100), FormatUCS2)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 67, len([]rune(parts[0])))
	assert.Equal(t, strings.Repeat("中", 100), parts[0]+parts[1])
}

func TestEncodePartsAddsHeaders(t *testing.T) {
	e := NewTextEncoder()

	single, err := e.EncodeParts("short", FormatASCII, 9)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, []byte("short"), single[0])

	parts, err := e.EncodeParts(strings.Repeat("a", 300), FormatASCII, 9)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, []byte{0x05, 0x00, 0x03, 9, 3, uint8(i + 1)}, p[:6])
		assert.LessOrEqual(t, len(p), MaxContentLength)
	}
	assert.Len(t, parts[2], 6+32)
}
