package cmpp

import "fmt"

// Protocol version spoken by this server
const (
	Version20  uint8 = 0x20
	Version30  uint8 = 0x30
	MaxVersion       = Version20
)

// HeaderLength is the fixed size of every CMPP message header
const HeaderLength = 12

// DefaultMaxFrameSize bounds Total_Length for inbound frames
const DefaultMaxFrameSize = 4096

// ResponseMask is OR-ed into a request command id to form its response id
const ResponseMask uint32 = 0x80000000

// Command IDs
const (
	CommandConnect    uint32 = 0x00000001
	CommandTerminate  uint32 = 0x00000002
	CommandSubmit     uint32 = 0x00000004
	CommandDeliver    uint32 = 0x00000005
	CommandQuery      uint32 = 0x00000006
	CommandCancel     uint32 = 0x00000007
	CommandActiveTest uint32 = 0x00000008

	CommandConnectResp    uint32 = 0x80000001
	CommandTerminateResp  uint32 = 0x80000002
	CommandSubmitResp     uint32 = 0x80000004
	CommandDeliverResp    uint32 = 0x80000005
	CommandQueryResp      uint32 = 0x80000006
	CommandCancelResp     uint32 = 0x80000007
	CommandActiveTestResp uint32 = 0x80000008
)

// commandDeliverReport is a pseudo command id keying the status report
// schema nested inside CMPP_DELIVER Msg_Content.
const commandDeliverReport uint32 = 0x0000FF05

var commandNames = map[uint32]string{
	CommandConnect:        "CMPP_CONNECT",
	CommandTerminate:      "CMPP_TERMINATE",
	CommandSubmit:         "CMPP_SUBMIT",
	CommandDeliver:        "CMPP_DELIVER",
	CommandQuery:          "CMPP_QUERY",
	CommandCancel:         "CMPP_CANCEL",
	CommandActiveTest:     "CMPP_ACTIVE_TEST",
	CommandConnectResp:    "CMPP_CONNECT_RESP",
	CommandTerminateResp:  "CMPP_TERMINATE_RESP",
	CommandSubmitResp:     "CMPP_SUBMIT_RESP",
	CommandDeliverResp:    "CMPP_DELIVER_RESP",
	CommandQueryResp:      "CMPP_QUERY_RESP",
	CommandCancelResp:     "CMPP_CANCEL_RESP",
	CommandActiveTestResp: "CMPP_ACTIVE_TEST_RESP",
	commandDeliverReport:  "CMPP_DELIVER_REPORT_CONTENT",
}

// CommandName returns the symbolic name of a command id
func CommandName(commandID uint32) string {
	if name, ok := commandNames[commandID]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%08X)", commandID)
}

// IsResponse reports whether the top bit of commandID is set
func IsResponse(commandID uint32) bool {
	return commandID&ResponseMask != 0
}

// ResponseID returns the response command id for a request id
func ResponseID(commandID uint32) uint32 {
	return commandID | ResponseMask
}

// RequestID returns the request command id for a response id
func RequestID(commandID uint32) uint32 {
	return commandID &^ ResponseMask
}

// CMPP_CONNECT_RESP Status values
const (
	ConnectStatusOK               uint8 = 0
	ConnectStatusInvalidStructure uint8 = 1
	ConnectStatusInvalidSource    uint8 = 2
	ConnectStatusAuthFailed       uint8 = 3
	ConnectStatusVersionTooHigh   uint8 = 4
	ConnectStatusOther            uint8 = 5
)

var connectStatusNames = map[uint32]string{
	0: "success",
	1: "message structure error",
	2: "illegal source address",
	3: "authentication failed",
	4: "version too high",
}

// CMPP_SUBMIT_RESP / CMPP_DELIVER_RESP Result values
const (
	ResultOK                uint8 = 0
	ResultInvalidStructure  uint8 = 1
	ResultInvalidCommand    uint8 = 2
	ResultDuplicateSequence uint8 = 3
	ResultInvalidLength     uint8 = 4
	ResultInvalidFeeCode    uint8 = 5
	ResultContentTooLong    uint8 = 6
	ResultInvalidService    uint8 = 7
	ResultFlowControl       uint8 = 8
	ResultOther             uint8 = 9
)

var resultNames = map[uint32]string{
	0: "success",
	1: "message structure error",
	2: "command word error",
	3: "duplicate sequence id",
	4: "message length error",
	5: "fee code error",
	6: "exceeds maximum message length",
	7: "service code error",
	8: "flow control error",
}

// StatusName returns the documented meaning of a status or result code
// carried by the given response command.
func StatusName(commandID uint32, code uint32) string {
	table := resultNames
	if commandID == CommandConnectResp {
		table = connectStatusNames
	}
	if name, ok := table[code]; ok {
		return name
	}
	return "other error"
}

// Registered_Delivery values
const (
	RegisteredDeliveryNone   uint8 = 0
	RegisteredDeliveryReport uint8 = 1
)

// TimestampLayout is the MMDDHHmmss layout of CMPP_CONNECT Timestamp
const TimestampLayout = "0102150405"
