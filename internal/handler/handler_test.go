package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
	"github.com/oarkflow/cmpp-server/pkg/encoding"
	"github.com/oarkflow/cmpp-server/pkg/events"
)

type recordingResponder struct {
	bodies []cmpp.Body
}

func (r *recordingResponder) Respond(ctx context.Context, body cmpp.Body) error {
	r.bodies = append(r.bodies, body)
	return nil
}

type smsEvents struct {
	mu     sync.Mutex
	events []*cmpp.SMSEvent
}

func (s *smsEvents) handler() *events.EventHandlerFunc {
	return events.NewEventHandlerFunc("recorder", func(ctx context.Context, event cmpp.Event) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events = append(s.events, event.(*cmpp.SMSEvent))
		return nil
	})
}

func newTestHandler(t *testing.T) (*MessageHandler, *smsEvents) {
	t.Helper()
	bus := events.NewEventBus(nil, false)
	rec := &smsEvents{}
	h := rec.handler()
	for _, et := range []cmpp.EventType{cmpp.EventTypeSMSSubmitted, cmpp.EventTypeSMSDelivered, cmpp.EventTypeStatusReport} {
		require.NoError(t, bus.Subscribe(context.Background(), et, h))
	}
	return NewMessageHandler(Dependencies{EventPublisher: bus, GatewayID: 1234}), rec
}

func request(commandID uint32, body cmpp.Body) *cmpp.Request {
	return &cmpp.Request{Header: cmpp.Header{CommandID: commandID, SequenceID: 7}, Body: body}
}

func TestSubmitAcknowledged(t *testing.T) {
	h, rec := newTestHandler(t)
	content, err := encoding.NewTextEncoder().Encode("你好", encoding.FormatUCS2)
	require.NoError(t, err)

	resp := &recordingResponder{}
	h.HandleCommand(context.Background(), request(cmpp.CommandSubmit, cmpp.Body{
		"Msg_Fmt":          encoding.FormatUCS2,
		"Dest_terminal_Id": cmpp.JoinTerminalIDs([]string{"13800138000", "13900139000"}),
		"Msg_Content":      content,
	}), resp)

	require.Len(t, resp.bodies, 1)
	assert.Equal(t, uint32(cmpp.ResultOK), resp.bodies[0].Uint("Result"))
	id := ParseMsgID(resp.bodies[0].Bytes("Msg_Id"))
	assert.Equal(t, uint32(1234), id.Gateway())

	require.Len(t, rec.events, 1)
	assert.Equal(t, cmpp.EventTypeSMSSubmitted, rec.events[0].Type)
	assert.Equal(t, id.String(), rec.events[0].MessageID)
	assert.Equal(t, []string{"13800138000", "13900139000"}, rec.events[0].Data["destinations"])
}

func TestSubmitIDsAreUnique(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := &recordingResponder{}
	for i := 0; i < 3; i++ {
		h.HandleCommand(context.Background(), request(cmpp.CommandSubmit, cmpp.Body{}), resp)
	}
	require.Len(t, resp.bodies, 3)
	seen := map[MsgID]bool{}
	for _, b := range resp.bodies {
		seen[ParseMsgID(b.Bytes("Msg_Id"))] = true
	}
	assert.Len(t, seen, 3)
}

func TestQueryEchoesKeyWithZeroCounters(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := &recordingResponder{}
	h.HandleCommand(context.Background(), request(cmpp.CommandQuery, cmpp.Body{
		"Time":       "20260101",
		"Query_Type": uint8(1),
		"Query_Code": "svc",
	}), resp)

	require.Len(t, resp.bodies, 1)
	b := resp.bodies[0]
	assert.Equal(t, "20260101", b.String("Time"))
	assert.Equal(t, uint32(1), b.Uint("Query_Type"))
	assert.Equal(t, "svc", b.String("Query_Code"))
	for _, f := range []string{"MT_TLMsg", "MT_Tlusr", "MT_Scs", "MT_WT", "MT_FL", "MO_Scs", "MO_WT", "MO_FL"} {
		assert.Zero(t, b.Uint(f), f)
	}
}

func TestCancelSucceeds(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := &recordingResponder{}
	h.HandleCommand(context.Background(), request(cmpp.CommandCancel, cmpp.Body{"Msg_Id": make([]byte, 8)}), resp)
	require.Len(t, resp.bodies, 1)
	assert.True(t, resp.bodies[0].Has("Success_Id"))
	assert.Zero(t, resp.bodies[0].Uint("Success_Id"))
}

func TestDeliverAndStatusReport(t *testing.T) {
	h, rec := newTestHandler(t)
	resp := &recordingResponder{}
	msgID := MsgID(42).Bytes()

	h.HandleCommand(context.Background(), request(cmpp.CommandDeliver, cmpp.Body{
		"Msg_Id":      msgID,
		"Msg_Fmt":     encoding.FormatASCII,
		"Msg_Content": []byte("hi"),
	}), resp)
	h.HandleCommand(context.Background(), request(cmpp.CommandDeliver, cmpp.Body{
		"Msg_Id":      msgID,
		"Msg_Content": cmpp.Body{"Msg_Id": msgID, "Stat": "DELIVRD"},
	}), resp)

	require.Len(t, resp.bodies, 2)
	assert.Equal(t, msgID, resp.bodies[0].Bytes("Msg_Id"))
	require.Len(t, rec.events, 2)
	assert.Equal(t, cmpp.EventTypeSMSDelivered, rec.events[0].Type)
	assert.Equal(t, cmpp.EventTypeStatusReport, rec.events[1].Type)
	assert.Equal(t, "42", rec.events[1].MessageID)
}

func TestUnhandledCommandGetsNoResponse(t *testing.T) {
	h, _ := newTestHandler(t)
	resp := &recordingResponder{}
	h.HandleCommand(context.Background(), request(cmpp.CommandActiveTest, nil), resp)
	assert.Empty(t, resp.bodies)
}

func TestMsgIDLayout(t *testing.T) {
	g := NewMsgIDGenerator(0x3fffff + 5)
	g.now = func() time.Time { return time.Date(2026, time.October, 18, 13, 45, 59, 0, time.UTC) }

	id := g.Next()
	month, day, hour, minute, second := id.Time()
	assert.Equal(t, []int{10, 18, 13, 45, 59}, []int{month, day, hour, minute, second})
	assert.Equal(t, uint32(4), id.Gateway())
	assert.Equal(t, uint16(1), id.Sequence())
	assert.Equal(t, id, ParseMsgID(id.Bytes()))
	assert.Equal(t, MsgID(0), ParseMsgID([]byte{1, 2}))
}

func TestMsgIDSequenceWraps(t *testing.T) {
	g := NewMsgIDGenerator(1)
	g.sequence.Store(65535)
	assert.Equal(t, uint16(0), g.Next().Sequence())
}

func TestMessageTextSkipsUserDataHeader(t *testing.T) {
	h, _ := newTestHandler(t)
	encoded, err := encoding.NewTextEncoder().Encode("你好世界!", encoding.FormatUCS2)
	require.NoError(t, err)

	content := append(encoding.ConcatUDH(1, 2, 1), encoded...)
	text, err := h.messageText(cmpp.Body{"TP_udhi": uint8(1), "Msg_Fmt": encoding.FormatUCS2, "Msg_Content": content})
	require.NoError(t, err)
	assert.Equal(t, "你好世界!", text)
}
