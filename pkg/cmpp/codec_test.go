package cmpp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectBodyLayout(t *testing.T) {
	codec := NewCodec(nil)
	auth := AuthenticatorSource("901234", "secret", "0101000000")

	data, err := codec.EncodeBody(CommandConnect, Body{
		"Source_Addr":         "901234",
		"AuthenticatorSource": auth,
		"Version":             Version20,
		"Timestamp":           uint32(101000000),
	})
	require.NoError(t, err)
	require.Len(t, data, 6+16+1+4)
	assert.Equal(t, []byte("901234"), data[:6])
	assert.Equal(t, byte(0x20), data[22])

	body := codec.DecodeBody(CommandConnect, data)
	assert.Equal(t, "901234", body["Source_Addr"])
	assert.Equal(t, auth, body["AuthenticatorSource"])
	assert.Equal(t, uint8(0x20), body["Version"])
	assert.Equal(t, uint32(101000000), body["Timestamp"])
}

func TestSubmitRoundTripWithComputedLengths(t *testing.T) {
	codec := NewCodec(nil)
	in := Body{
		"Msg_Id":              make([]byte, 8),
		"Pk_total":            1,
		"Pk_number":           1,
		"Registered_Delivery": 1,
		"Service_Id":          "TEST",
		"Msg_Fmt":             uint8(8),
		"Msg_src":             "901234",
		"FeeType":             "01",
		"Src_Id":              "10691069",
		"Dest_terminal_Id":    []string{"13800138000", "13900139000"},
		"Msg_Content":         "你好, world",
	}

	data, err := codec.EncodeBody(CommandSubmit, in)
	require.NoError(t, err)

	out := codec.DecodeBody(CommandSubmit, data)
	assert.Equal(t, uint8(2), out["DestUsr_tl"])
	assert.Equal(t, []string{"13800138000", "13900139000"}, SplitTerminalIDs(out.String("Dest_terminal_Id")))
	assert.Equal(t, uint8(18), out["Msg_Length"], "UCS2 length of 9 runes")
	assert.Len(t, out.Bytes("Msg_Content"), 18)
	assert.Equal(t, "TEST", out["Service_Id"])
	assert.Equal(t, "10691069", out["Src_Id"])
	assert.Equal(t, "", out["At_Time"])
	assert.True(t, out.Has("Reserve"), "fields after the variable content must decode")
	assert.NotContains(t, in, "Msg_Length", "encoding must not mutate the caller's body")
}

func TestDeliverRoundTripTextFormats(t *testing.T) {
	codec := NewCodec(nil)
	cases := []struct {
		name string
		fmt  uint8
		text string
	}{
		{"ascii", 0, "hello"},
		{"ucs2", 8, "短信测试"},
		{"gbk", 15, "中国移动"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := codec.EncodeBody(CommandDeliver, Body{
				"Msg_Id":          []byte{1, 2, 3, 4, 5, 6, 7, 8},
				"Dest_Id":         "10691069",
				"Msg_Fmt":         tc.fmt,
				"Src_terminal_Id": "13800138000",
				"Msg_Content":     tc.text,
			})
			require.NoError(t, err)

			out := codec.DecodeBody(CommandDeliver, data)
			assert.Equal(t, tc.text, out["Msg_Content"])
			assert.Equal(t, "13800138000", out["Src_terminal_Id"])
			assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, out["Msg_Id"])
		})
	}
}

func TestDeliverStatusReport(t *testing.T) {
	codec := NewCodec(nil)
	report := Body{
		"Msg_Id":           []byte{9, 9, 9, 9, 9, 9, 9, 9},
		"Stat":             "DELIVRD",
		"Submit_time":      "2401011200",
		"Done_time":        "2401011201",
		"Dest_terminal_Id": "13800138000",
		"SMSC_sequence":    uint32(77),
	}
	data, err := codec.EncodeBody(CommandDeliver, Body{"Msg_Content": report})
	require.NoError(t, err)

	out := codec.DecodeBody(CommandDeliver, data)
	assert.Equal(t, uint8(1), out["Registered_Delivery"])
	assert.Equal(t, uint8(8+7+10+10+21+4), out["Msg_Length"])

	got, ok := out.Report()
	require.True(t, ok)
	assert.Equal(t, "DELIVRD", got["Stat"])
	assert.Equal(t, uint32(77), got["SMSC_sequence"])
	assert.Equal(t, report["Msg_Id"], got["Msg_Id"])
}

func TestDeliverUnknownFormatKeepsBytes(t *testing.T) {
	codec := NewCodec(nil)
	data, err := codec.EncodeBody(CommandDeliver, Body{"Msg_Fmt": uint8(99), "Msg_Content": []byte{0xde, 0xad}})
	require.NoError(t, err)
	out := codec.DecodeBody(CommandDeliver, data)
	assert.Equal(t, []byte{0xde, 0xad}, out["Msg_Content"])
}

func TestDecodeStopsAtShortBody(t *testing.T) {
	codec := NewCodec(nil)
	data := append([]byte("901234"), make([]byte, 10)...)
	body := codec.DecodeBody(CommandConnect, data)
	assert.Equal(t, "901234", body["Source_Addr"])
	assert.False(t, body.Has("AuthenticatorSource"))
	assert.False(t, body.Has("Version"))
}

func TestDecodeUnknownCommand(t *testing.T) {
	codec := NewCodec(nil)
	assert.Empty(t, codec.DecodeBody(0x42, []byte{1, 2, 3}))
	data, err := codec.EncodeBody(CommandActiveTest, nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestEncodeRejectsWrongType(t *testing.T) {
	codec := NewCodec(nil)
	_, err := codec.EncodeBody(CommandConnectResp, Body{"Status": "ok"})
	var typeErr *FieldTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "Status", typeErr.Field)
}

func TestEncodeTruncatesAndPads(t *testing.T) {
	codec := NewCodec(nil)
	data, err := codec.EncodeBody(CommandConnect, Body{"Source_Addr": "1234567890"})
	require.NoError(t, err)
	assert.Equal(t, []byte("123456"), data[:6])
	assert.Equal(t, make([]byte, 16), data[6:22])
}

func TestQueryRespRoundTrip(t *testing.T) {
	codec := NewCodec(nil)
	data, err := codec.EncodeBody(CommandQueryResp, Body{
		"Time":       "20240101",
		"Query_Type": uint8(1),
		"Query_Code": "TEST",
		"MT_TLMsg":   uint32(10),
		"MO_FL":      uint32(3),
	})
	require.NoError(t, err)
	require.Len(t, data, 8+1+10+8*4)

	out := codec.DecodeBody(CommandQueryResp, data)
	assert.Equal(t, uint32(10), out.Uint("MT_TLMsg"))
	assert.Equal(t, uint32(3), out.Uint("MO_FL"))
	assert.Equal(t, uint32(0), out.Uint("MT_WT"))
}

func TestTerminalIDHelpers(t *testing.T) {
	joined := JoinTerminalIDs([]string{"1", "22"})
	assert.Len(t, joined, TerminalIDLength+2)
	assert.Equal(t, []string{"1", "22"}, SplitTerminalIDs(joined))
	assert.Nil(t, SplitTerminalIDs(""))
}
