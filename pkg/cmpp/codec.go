package cmpp

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/oarkflow/cmpp-server/pkg/encoding"
)

// Codec encodes and decodes command bodies according to a SchemaSet
type Codec struct {
	schemas SchemaSet
	text    *encoding.TextEncoder
}

// NewCodec creates a codec over schemas. A nil set selects DefaultSchemas.
func NewCodec(schemas SchemaSet) *Codec {
	if schemas == nil {
		schemas = DefaultSchemas()
	}
	return &Codec{
		schemas: schemas,
		text:    encoding.NewTextEncoder(),
	}
}

// Schema returns the schema registered for commandID
func (c *Codec) Schema(commandID uint32) (Schema, bool) {
	s, ok := c.schemas[commandID]
	return s, ok
}

// DecodeBody decodes data with the schema of commandID. Unknown commands
// yield an empty body. Decoding stops at the first field that would run
// past the end of data; the remaining fields are absent.
func (c *Codec) DecodeBody(commandID uint32, data []byte) Body {
	body := Body{}
	schema, ok := c.schemas[commandID]
	if !ok {
		return body
	}

	cursor := 0
	for _, field := range schema {
		n := field.Width(body)
		if cursor+n > len(data) {
			break
		}
		body[field.Name] = c.decodeField(field, data[cursor:cursor+n])
		cursor += n
	}

	if commandID == CommandDeliver {
		c.decodeDeliverContent(body)
	}
	return body
}

func (c *Codec) decodeField(field FieldSpec, raw []byte) interface{} {
	switch field.Kind {
	case KindNumber:
		var v uint64
		for _, b := range raw {
			v = v<<8 | uint64(b)
		}
		switch {
		case len(raw) <= 1:
			return uint8(v)
		case len(raw) == 2:
			return uint16(v)
		case len(raw) <= 4:
			return uint32(v)
		default:
			return v
		}
	case KindString:
		raw = trimNul(raw)
		if f, ok := stringFormat(field.Encoding); ok {
			if s, err := c.text.Decode(raw, f); err == nil {
				return s
			}
		}
		return string(raw)
	default:
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	}
}

func (c *Codec) decodeDeliverContent(body Body) {
	content, ok := body["Msg_Content"].([]byte)
	if !ok {
		return
	}
	if uint8(body.Uint("Registered_Delivery")) == RegisteredDeliveryReport {
		body["Msg_Content"] = c.DecodeBody(commandDeliverReport, content)
		return
	}
	msgFmt := uint8(body.Uint("Msg_Fmt"))
	if !c.text.Supported(msgFmt) {
		return
	}
	if s, err := c.text.Decode(content, msgFmt); err == nil {
		body["Msg_Content"] = s
	}
}

// EncodeBody encodes body with the schema of commandID. Commands without a
// schema encode to an empty body. Missing fields are zero filled.
func (c *Codec) EncodeBody(commandID uint32, body Body) ([]byte, error) {
	schema, ok := c.schemas[commandID]
	if !ok {
		return nil, nil
	}
	if body == nil {
		body = Body{}
	}
	if commandID == CommandSubmit || commandID == CommandDeliver {
		prepared, err := c.prepareMessage(commandID, body)
		if err != nil {
			return nil, err
		}
		body = prepared
	}

	out := make([]byte, 0, 64)
	for _, field := range schema {
		var err error
		out, err = c.appendField(out, commandID, field, field.Width(body), body[field.Name])
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// prepareMessage converts the logical Msg_Content and destination list of a
// submit or deliver body into wire form and fills the length fields.
func (c *Codec) prepareMessage(commandID uint32, body Body) (Body, error) {
	body = body.clone()

	if ids, ok := body["Dest_terminal_Id"].([]string); ok && commandID == CommandSubmit {
		body["Dest_terminal_Id"] = JoinTerminalIDs(ids)
		body["DestUsr_tl"] = uint8(len(ids))
	}

	var content []byte
	switch v := body["Msg_Content"].(type) {
	case nil:
		return body, nil
	case []byte:
		content = v
	case string:
		b, err := c.text.Encode(v, uint8(body.Uint("Msg_Fmt")))
		if err != nil {
			return nil, errors.Wrapf(err, "%s: encode Msg_Content", CommandName(commandID))
		}
		content = b
	case Body:
		b, err := c.EncodeBody(commandDeliverReport, v)
		if err != nil {
			return nil, err
		}
		content = b
		body["Registered_Delivery"] = RegisteredDeliveryReport
	default:
		return nil, &FieldTypeError{Command: CommandName(commandID), Field: "Msg_Content", Kind: KindBuffer, Value: v}
	}
	if len(content) > 0xFF {
		return nil, errors.Errorf("%s: Msg_Content of %d octets exceeds Msg_Length range", CommandName(commandID), len(content))
	}
	body["Msg_Content"] = content
	body["Msg_Length"] = uint8(len(content))
	return body, nil
}

func (c *Codec) appendField(out []byte, commandID uint32, field FieldSpec, n int, value interface{}) ([]byte, error) {
	if value == nil {
		return append(out, make([]byte, n)...), nil
	}

	switch field.Kind {
	case KindNumber:
		v, ok := toUint(value)
		if !ok {
			return nil, &FieldTypeError{Command: CommandName(commandID), Field: field.Name, Kind: field.Kind, Value: value}
		}
		for i := n - 1; i >= 0; i-- {
			out = append(out, byte(v>>(8*uint(i))))
		}
		return out, nil
	case KindString:
		var raw []byte
		switch s := value.(type) {
		case string:
			raw = []byte(s)
			if f, ok := stringFormat(field.Encoding); ok {
				b, err := c.text.Encode(s, f)
				if err != nil {
					return nil, errors.Wrapf(err, "%s: field %s", CommandName(commandID), field.Name)
				}
				raw = b
			}
		case []byte:
			raw = s
		default:
			return nil, &FieldTypeError{Command: CommandName(commandID), Field: field.Name, Kind: field.Kind, Value: value}
		}
		return appendFixed(out, raw, n), nil
	default:
		var raw []byte
		switch b := value.(type) {
		case []byte:
			raw = b
		case string:
			raw = []byte(b)
		default:
			return nil, &FieldTypeError{Command: CommandName(commandID), Field: field.Name, Kind: field.Kind, Value: value}
		}
		return appendFixed(out, raw, n), nil
	}
}

// appendFixed appends raw truncated or zero padded to exactly n octets
func appendFixed(out, raw []byte, n int) []byte {
	if len(raw) >= n {
		return append(out, raw[:n]...)
	}
	out = append(out, raw...)
	return append(out, make([]byte, n-len(raw))...)
}

func trimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}

// stringFormat maps a string field charset onto a Msg_Fmt value.
// ascii fields are copied verbatim.
func stringFormat(name string) (uint8, bool) {
	switch strings.ToLower(name) {
	case "gbk":
		return encoding.FormatGBK, true
	case "ucs2", "utf-16be":
		return encoding.FormatUCS2, true
	}
	return 0, false
}
