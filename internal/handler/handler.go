package handler

import (
	"context"
	"strconv"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
	"github.com/oarkflow/cmpp-server/pkg/encoding"
	"github.com/oarkflow/cmpp-server/pkg/events"
)

// Dependencies holds the collaborators of the default handler
type Dependencies struct {
	EventPublisher   cmpp.EventPublisher
	Logger           cmpp.Logger
	MetricsCollector cmpp.MetricsCollector
	// GatewayID is stamped into generated Msg_Id values
	GatewayID uint32
}

// MessageHandler acknowledges business commands without storing or
// forwarding them. On the server it answers CMPP_SUBMIT, CMPP_QUERY and
// CMPP_CANCEL; on a client it answers CMPP_DELIVER.
type MessageHandler struct {
	eventPublisher cmpp.EventPublisher
	logger         cmpp.Logger
	metrics        cmpp.MetricsCollector
	textEncoder    *encoding.TextEncoder
	builder        *events.EventBuilder
	ids            *MsgIDGenerator
}

// NewMessageHandler creates the default handler
func NewMessageHandler(deps Dependencies) *MessageHandler {
	return &MessageHandler{
		eventPublisher: deps.EventPublisher,
		logger:         deps.Logger,
		metrics:        deps.MetricsCollector,
		textEncoder:    encoding.NewTextEncoder(),
		builder:        events.NewEventBuilder(),
		ids:            NewMsgIDGenerator(deps.GatewayID),
	}
}

// HandleCommand implements cmpp.Handler
func (mh *MessageHandler) HandleCommand(ctx context.Context, req *cmpp.Request, resp cmpp.Responder) {
	var body cmpp.Body
	switch req.Header.CommandID {
	case cmpp.CommandSubmit:
		body = mh.handleSubmit(ctx, req)
	case cmpp.CommandQuery:
		body = mh.handleQuery(req)
	case cmpp.CommandCancel:
		body = mh.handleCancel(req)
	case cmpp.CommandDeliver:
		body = mh.handleDeliver(ctx, req)
	default:
		if mh.logger != nil {
			mh.logger.Warn("No default answer for command", "command", cmpp.CommandName(req.Header.CommandID))
		}
		return
	}

	if err := resp.Respond(ctx, body); err != nil && mh.logger != nil {
		mh.logger.Error("Failed to send response",
			"command", cmpp.CommandName(req.Header.CommandID),
			"sequence_id", req.Header.SequenceID,
			"error", err)
	}
}

func (mh *MessageHandler) handleSubmit(ctx context.Context, req *cmpp.Request) cmpp.Body {
	id := mh.ids.Next()
	msgFmt := uint8(req.Body.Uint("Msg_Fmt"))
	dest := cmpp.SplitTerminalIDs(req.Body.String("Dest_terminal_Id"))

	if mh.logger != nil {
		fields := []interface{}{
			"msg_id", id.String(),
			"source_addr", sourceAddr(req),
			"src_id", req.Body.String("Src_Id"),
			"destinations", len(dest),
			"msg_fmt", msgFmt,
			"pk", strconv.Itoa(int(req.Body.Uint("Pk_number"))) + "/" + strconv.Itoa(int(req.Body.Uint("Pk_total"))),
		}
		if text, err := mh.messageText(req.Body); err == nil {
			fields = append(fields, "text_length", len([]rune(text)))
		}
		mh.logger.Info("SMS submitted", fields...)
	}

	if mh.metrics != nil {
		mh.metrics.IncCounter("sms_submitted_total", map[string]string{"msg_fmt": strconv.Itoa(int(msgFmt))})
	}

	if mh.eventPublisher != nil {
		event := mh.builder.BuildSMSEvent(cmpp.EventTypeSMSSubmitted, id.String(), req.Conn, req.Body)
		event.Data["destinations"] = dest
		if err := mh.eventPublisher.PublishSMSEvent(ctx, event); err != nil && mh.logger != nil {
			mh.logger.Warn("Failed to publish submit event", "msg_id", id.String(), "error", err)
		}
	}

	return cmpp.Body{"Msg_Id": id.Bytes(), "Result": cmpp.ResultOK}
}

func (mh *MessageHandler) handleQuery(req *cmpp.Request) cmpp.Body {
	if mh.logger != nil {
		mh.logger.Info("Query received",
			"source_addr", sourceAddr(req),
			"time", req.Body.String("Time"),
			"query_type", req.Body.Uint("Query_Type"),
			"query_code", req.Body.String("Query_Code"))
	}
	return cmpp.Body{
		"Time":       req.Body.String("Time"),
		"Query_Type": req.Body.Uint("Query_Type"),
		"Query_Code": req.Body.String("Query_Code"),
		"MT_TLMsg":   0,
		"MT_Tlusr":   0,
		"MT_Scs":     0,
		"MT_WT":      0,
		"MT_FL":      0,
		"MO_Scs":     0,
		"MO_WT":      0,
		"MO_FL":      0,
	}
}

func (mh *MessageHandler) handleCancel(req *cmpp.Request) cmpp.Body {
	if mh.logger != nil {
		mh.logger.Info("Cancel received",
			"source_addr", sourceAddr(req),
			"msg_id", ParseMsgID(req.Body.Bytes("Msg_Id")).String())
	}
	return cmpp.Body{"Success_Id": 0}
}

func (mh *MessageHandler) handleDeliver(ctx context.Context, req *cmpp.Request) cmpp.Body {
	msgID := req.Body.Bytes("Msg_Id")
	eventType := cmpp.EventTypeSMSDelivered
	if report, ok := req.Body.Report(); ok {
		eventType = cmpp.EventTypeStatusReport
		if mh.logger != nil {
			mh.logger.Info("Status report received",
				"msg_id", ParseMsgID(report.Bytes("Msg_Id")).String(),
				"stat", report.String("Stat"),
				"dest_terminal_id", report.String("Dest_terminal_Id"))
		}
	} else if mh.logger != nil {
		text, err := mh.messageText(req.Body)
		if err != nil {
			mh.logger.Warn("Failed to decode deliver content", "error", err)
		}
		mh.logger.Info("Message delivered",
			"msg_id", ParseMsgID(msgID).String(),
			"src_terminal_id", req.Body.String("Src_terminal_Id"),
			"text", text)
	}

	if mh.eventPublisher != nil {
		event := mh.builder.BuildSMSEvent(eventType, ParseMsgID(msgID).String(), req.Conn, req.Body)
		if err := mh.eventPublisher.PublishSMSEvent(ctx, event); err != nil && mh.logger != nil {
			mh.logger.Warn("Failed to publish deliver event", "error", err)
		}
	}
	return cmpp.Body{"Msg_Id": msgID, "Result": cmpp.ResultOK}
}

// messageText returns Msg_Content as text. Deliver bodies arrive already
// decoded for the text formats.
func (mh *MessageHandler) messageText(body cmpp.Body) (string, error) {
	if s, ok := body["Msg_Content"].(string); ok {
		return s, nil
	}
	content := body.Bytes("Msg_Content")
	if body.Uint("TP_udhi") == 1 && len(content) > 0 && int(content[0]) < len(content) {
		content = content[int(content[0])+1:]
	}
	return mh.textEncoder.Decode(content, uint8(body.Uint("Msg_Fmt")))
}

func sourceAddr(req *cmpp.Request) string {
	if req.Conn == nil {
		return ""
	}
	return req.Conn.SourceAddr()
}
