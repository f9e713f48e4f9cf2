package cmpp

import "fmt"

// Body holds the named fields of a decoded or to-be-encoded command body.
// Numbers decode as uint8, uint16 or uint32 by width, strings as string,
// buffers as []byte. A deliver status report decodes as a nested Body.
type Body map[string]interface{}

// Has reports whether the field is present
func (b Body) Has(name string) bool {
	_, ok := b[name]
	return ok
}

// Uint returns a numeric field, or 0 when absent or not numeric
func (b Body) Uint(name string) uint32 {
	n, _ := toUint(b[name])
	return uint32(n)
}

// String returns a text field. Byte slices are converted as-is.
func (b Body) String(name string) string {
	switch v := b[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Bytes returns a buffer field. Strings are converted as-is.
func (b Body) Bytes(name string) []byte {
	switch v := b[name].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Report returns the nested status report of a deliver body, if any
func (b Body) Report() (Body, bool) {
	r, ok := b["Msg_Content"].(Body)
	return r, ok
}

func (b Body) clone() Body {
	out := make(Body, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func toUint(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int:
		return uint64(n), n >= 0
	case int8:
		return uint64(n), n >= 0
	case int16:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	}
	return 0, false
}

// FieldTypeError is returned by EncodeBody when a value does not match its field kind
type FieldTypeError struct {
	Command string
	Field   string
	Kind    FieldKind
	Value   interface{}
}

func (e *FieldTypeError) Error() string {
	return fmt.Sprintf("%s: field %s expects %s, got %T", e.Command, e.Field, e.Kind, e.Value)
}
