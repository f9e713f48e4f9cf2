package cmpp

import "strings"

// FieldKind selects how a field is laid out on the wire
type FieldKind int

const (
	// KindNumber is a big-endian unsigned integer of Size octets
	KindNumber FieldKind = iota
	// KindString is fixed-width text, NUL padded
	KindString
	// KindBuffer is raw octets
	KindBuffer
)

func (k FieldKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBuffer:
		return "buffer"
	}
	return "unknown"
}

// FieldView gives size functions read access to fields already decoded
// (or about to be encoded) earlier in the same body.
type FieldView interface {
	Uint(name string) uint32
	Has(name string) bool
}

// FieldSpec describes one field of a command body
type FieldSpec struct {
	Name string
	Kind FieldKind
	// Size is the fixed width in octets. Ignored when SizeFunc is set.
	Size int
	// SizeFunc computes the width from earlier fields.
	SizeFunc func(v FieldView) int
	// Encoding names the charset of a string field; empty means ascii.
	Encoding string
}

// Width returns the field width given the fields seen so far
func (f FieldSpec) Width(v FieldView) int {
	if f.SizeFunc != nil {
		n := f.SizeFunc(v)
		if n < 0 {
			return 0
		}
		return n
	}
	return f.Size
}

// Schema is the ordered field list of one command body
type Schema []FieldSpec

// SchemaSet maps command ids to schemas. Commands without an entry have no body.
type SchemaSet map[uint32]Schema

// Field widths shared by several schemas
const (
	SourceAddrLength = 6
	TerminalIDLength = 21
)

func sizeOf(field string) func(FieldView) int {
	return func(v FieldView) int { return int(v.Uint(field)) }
}

func num(name string, size int) FieldSpec {
	return FieldSpec{Name: name, Kind: KindNumber, Size: size}
}

func str(name string, size int) FieldSpec {
	return FieldSpec{Name: name, Kind: KindString, Size: size, Encoding: "ascii"}
}

func buf(name string, size int) FieldSpec {
	return FieldSpec{Name: name, Kind: KindBuffer, Size: size}
}

var defaultSchemas = SchemaSet{
	CommandConnect: {
		str("Source_Addr", SourceAddrLength),
		buf("AuthenticatorSource", 16),
		num("Version", 1),
		num("Timestamp", 4),
	},
	CommandConnectResp: {
		num("Status", 1),
		buf("AuthenticatorISMG", 16),
		num("Version", 1),
	},
	CommandSubmit: {
		buf("Msg_Id", 8),
		num("Pk_total", 1),
		num("Pk_number", 1),
		num("Registered_Delivery", 1),
		num("Msg_level", 1),
		str("Service_Id", 10),
		num("Fee_UserType", 1),
		str("Fee_terminal_Id", TerminalIDLength),
		num("TP_pId", 1),
		num("TP_udhi", 1),
		num("Msg_Fmt", 1),
		str("Msg_src", 6),
		str("FeeType", 2),
		str("FeeCode", 6),
		str("ValId_Time", 17),
		str("At_Time", 17),
		str("Src_Id", TerminalIDLength),
		num("DestUsr_tl", 1),
		{Name: "Dest_terminal_Id", Kind: KindString, Encoding: "ascii", SizeFunc: func(v FieldView) int {
			return TerminalIDLength * int(v.Uint("DestUsr_tl"))
		}},
		num("Msg_Length", 1),
		{Name: "Msg_Content", Kind: KindBuffer, SizeFunc: sizeOf("Msg_Length")},
		str("Reserve", 8),
	},
	CommandSubmitResp: {
		buf("Msg_Id", 8),
		num("Result", 1),
	},
	CommandDeliver: {
		buf("Msg_Id", 8),
		str("Dest_Id", TerminalIDLength),
		str("Service_Id", 10),
		num("TP_pid", 1),
		num("TP_udhi", 1),
		num("Msg_Fmt", 1),
		str("Src_terminal_Id", TerminalIDLength),
		num("Registered_Delivery", 1),
		num("Msg_Length", 1),
		{Name: "Msg_Content", Kind: KindBuffer, SizeFunc: sizeOf("Msg_Length")},
		str("Reserved", 8),
	},
	CommandDeliverResp: {
		buf("Msg_Id", 8),
		num("Result", 1),
	},
	commandDeliverReport: {
		buf("Msg_Id", 8),
		str("Stat", 7),
		str("Submit_time", 10),
		str("Done_time", 10),
		str("Dest_terminal_Id", TerminalIDLength),
		num("SMSC_sequence", 4),
	},
	CommandQuery: {
		str("Time", 8),
		num("Query_Type", 1),
		str("Query_Code", 10),
		str("Reserve", 8),
	},
	CommandQueryResp: {
		str("Time", 8),
		num("Query_Type", 1),
		str("Query_Code", 10),
		num("MT_TLMsg", 4),
		num("MT_Tlusr", 4),
		num("MT_Scs", 4),
		num("MT_WT", 4),
		num("MT_FL", 4),
		num("MO_Scs", 4),
		num("MO_WT", 4),
		num("MO_FL", 4),
	},
	CommandCancel: {
		buf("Msg_Id", 8),
	},
	CommandCancelResp: {
		num("Success_Id", 1),
	},
	CommandActiveTestResp: {
		num("Reserved", 1),
	},
}

// DefaultSchemas returns the CMPP 2.0 body layouts
func DefaultSchemas() SchemaSet {
	return defaultSchemas
}

// SplitTerminalIDs splits a decoded Dest_terminal_Id into its fixed-width numbers
func SplitTerminalIDs(s string) []string {
	var ids []string
	for len(s) > 0 {
		n := TerminalIDLength
		if n > len(s) {
			n = len(s)
		}
		if id := strings.TrimRight(s[:n], "\x00"); id != "" {
			ids = append(ids, id)
		}
		s = s[n:]
	}
	return ids
}

// JoinTerminalIDs packs numbers into a Dest_terminal_Id value
func JoinTerminalIDs(ids []string) string {
	var b strings.Builder
	for i, id := range ids {
		if len(id) > TerminalIDLength {
			id = id[:TerminalIDLength]
		}
		b.WriteString(id)
		if i < len(ids)-1 {
			b.WriteString(strings.Repeat("\x00", TerminalIDLength-len(id)))
		}
	}
	return b.String()
}
