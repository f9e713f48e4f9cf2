package cmpp

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ConnectionState is the lifecycle state of a Connection
type ConnectionState string

const (
	StateUnauthenticated ConnectionState = "unauthenticated"
	StateAuthenticated   ConnectionState = "authenticated"
	StateTerminating     ConnectionState = "terminating"
	StateClosed          ConnectionState = "closed"
)

const (
	eventAuthenticate = "authenticate"
	eventTerminate    = "terminate"
	eventClose        = "close"
)

// Side tells a Connection which peer it plays
type Side int

const (
	// SideServer is the ISMG end: it authenticates CMPP_CONNECT and gates on it
	SideServer Side = iota
	// SideClient is the SP end
	SideClient
)

// commands accepted from a peer that has not completed CMPP_CONNECT
var preAuthCommands = map[uint32]bool{
	CommandConnect:    true,
	CommandActiveTest: true,
}

type commandHandler func(ctx context.Context, header Header, body Body)

// ConnectionOptions wires a Connection to its collaborators
type ConnectionOptions struct {
	Side           Side
	Config         *ServerConfig
	Codec          *Codec
	Authenticator  Authenticator
	Negotiator     VersionNegotiator
	Handler        Handler
	LimiterFactory LimiterFactory
	EventPublisher EventPublisher
	Logger         Logger
	Metrics        MetricsCollector
	// OnClose runs once after the transport is closed
	OnClose func(*Connection)
}

// Connection drives one CMPP session over a net.Conn
type Connection struct {
	id       string
	netConn  net.Conn
	side     Side
	config   ServerConfig
	codec    *Codec
	reader   *FrameReader
	pending  *PendingTable
	state    *fsm.FSM
	dispatch map[uint32]commandHandler

	authenticator  Authenticator
	negotiator     VersionNegotiator
	handler        Handler
	limiterFactory LimiterFactory
	events         EventPublisher
	logger         Logger
	metrics        MetricsCollector
	onClose        func(*Connection)

	sequence     *atomic.Uint32
	lastActivity *atomic.Int64
	started      *atomic.Bool

	writeMu sync.Mutex

	mu          sync.RWMutex
	sourceAddr  string
	version     uint8
	limiter     FlowLimiter
	connectedAt time.Time
	cancel      context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps netConn. Call Serve to start processing.
func NewConnection(netConn net.Conn, opts ConnectionOptions) *Connection {
	cfg := DefaultServerConfig()
	if opts.Config != nil {
		cfg = opts.Config
	}
	c := &Connection{
		id:             uuid.NewString(),
		netConn:        netConn,
		side:           opts.Side,
		config:         *cfg,
		codec:          opts.Codec,
		reader:         NewFrameReader(cfg.MaxFrameSize),
		pending:        NewPendingTable(),
		authenticator:  opts.Authenticator,
		negotiator:     opts.Negotiator,
		handler:        opts.Handler,
		limiterFactory: opts.LimiterFactory,
		events:         opts.EventPublisher,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		onClose:        opts.OnClose,
		sequence:       atomic.NewUint32(0),
		lastActivity:   atomic.NewInt64(time.Now().UnixNano()),
		started:        atomic.NewBool(false),
		connectedAt:    time.Now(),
		closed:         make(chan struct{}),
	}
	if c.codec == nil {
		c.codec = NewCodec(nil)
	}
	if c.authenticator == nil {
		c.authenticator = AcceptAll
	}
	if c.negotiator == nil {
		c.negotiator = maxVersionNegotiator{}
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}
	c.logger = c.logger.WithFields(map[string]interface{}{
		"conn_id":     c.id,
		"remote_addr": c.RemoteAddr(),
	})

	c.state = fsm.NewFSM(
		string(StateUnauthenticated),
		fsm.Events{
			{Name: eventAuthenticate, Src: []string{string(StateUnauthenticated)}, Dst: string(StateAuthenticated)},
			{Name: eventTerminate, Src: []string{string(StateUnauthenticated), string(StateAuthenticated)}, Dst: string(StateTerminating)},
			{Name: eventClose, Src: []string{string(StateUnauthenticated), string(StateAuthenticated), string(StateTerminating)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": c.onEnterState,
		},
	)

	c.dispatch = map[uint32]commandHandler{
		CommandTerminate:  c.handleTerminate,
		CommandActiveTest: c.handleActiveTest,
	}
	if c.side == SideServer {
		c.dispatch[CommandConnect] = c.handleConnect
		c.dispatch[CommandSubmit] = c.handleBusiness
		c.dispatch[CommandQuery] = c.handleBusiness
		c.dispatch[CommandCancel] = c.handleBusiness
	} else {
		c.dispatch[CommandDeliver] = c.handleBusiness
	}
	return c
}

// ID returns the unique connection id
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address as host:port
func (c *Connection) RemoteAddr() string {
	if addr := c.netConn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Current())
}

// SourceAddr returns the SP code accepted at login
func (c *Connection) SourceAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sourceAddr
}

// Version returns the protocol version agreed at login
func (c *Connection) Version() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// ConnectedAt returns when the transport was accepted or dialed
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns when the last inbound command was seen
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// PendingCount returns the number of outbound requests awaiting a response
func (c *Connection) PendingCount() int {
	return c.pending.Len()
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Serve runs the read loop and the idle watchdog until the connection closes
// or ctx is cancelled. It always leaves the connection closed.
func (c *Connection) Serve(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("cmpp: connection already serving")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer c.Close()

	c.logger.Info("Connection established")
	c.incCounter("connections_total", map[string]string{"result": "accepted"})
	c.publishConnectionEvent(ctx, EventTypeConnected, 0, 0, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx)
	})
	g.Go(func() error {
		return c.watchIdle(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		c.Close()
		return nil
	})
	return g.Wait()
}

func (c *Connection) readLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.reader.Feed(buf[:n])
			for {
				frame, ok, ferr := c.reader.Next()
				if ferr != nil {
					c.logger.Error("Framing error, closing connection", "error", ferr)
					c.publishConnectionEvent(ctx, EventTypeProtocolError, 0, 0, ferr)
					return ferr
				}
				if !ok {
					break
				}
				c.handleFrame(ctx, frame)
			}
		}
		if err != nil {
			if err == io.EOF || c.State() == StateClosed || isClosedConnError(err) {
				return nil
			}
			return errors.Wrap(err, "read")
		}
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}

func (c *Connection) handleFrame(ctx context.Context, frame Frame) {
	header := frame.Header
	c.lastActivity.Store(time.Now().UnixNano())
	c.incCounter("commands_total", map[string]string{"command": CommandName(header.CommandID), "direction": "inbound"})
	c.logger.Debug("Command received",
		"command", CommandName(header.CommandID),
		"sequence_id", header.SequenceID,
		"length", header.TotalLength)

	if header.IsResponse() {
		c.handleResponse(ctx, frame)
		return
	}

	switch c.State() {
	case StateClosed:
		return
	case StateTerminating:
		if header.CommandID != CommandTerminate && header.CommandID != CommandActiveTest {
			c.logger.Debug("Dropping command while terminating", "command", CommandName(header.CommandID))
			return
		}
	case StateUnauthenticated:
		if c.side == SideServer && !preAuthCommands[header.CommandID] {
			c.logger.Warn("Command before authentication, disconnecting", "command", CommandName(header.CommandID))
			c.publishConnectionEvent(ctx, EventTypeProtocolError, header.CommandID, header.SequenceID,
				errors.Wrapf(ErrNotAuthenticated, "%s", CommandName(header.CommandID)))
			c.disconnectAsync(ctx)
			return
		}
	}

	handle, ok := c.dispatch[header.CommandID]
	if !ok {
		c.logger.Warn("Unsupported command", "command", CommandName(header.CommandID))
		c.publishConnectionEvent(ctx, EventTypeProtocolError, header.CommandID, header.SequenceID,
			errors.Wrap(ErrUnknownCommand, CommandName(header.CommandID)))
		return
	}
	handle(ctx, header, c.codec.DecodeBody(header.CommandID, frame.Body))
}

func (c *Connection) handleResponse(ctx context.Context, frame Frame) {
	header := frame.Header
	req := c.pending.Resolve(header.SequenceID)
	if req == nil {
		c.logger.Warn("Response without pending request",
			"command", CommandName(header.CommandID),
			"sequence_id", header.SequenceID)
		c.publishConnectionEvent(ctx, EventTypeProtocolError, header.CommandID, header.SequenceID,
			errors.Errorf("orphan response %s", CommandName(header.CommandID)))
		return
	}

	c.recordDuration("command_round_trip", time.Since(req.SubmittedAt), map[string]string{"command": CommandName(req.CommandID)})

	body := c.codec.DecodeBody(header.CommandID, frame.Body)
	if code, ok := responseCode(body); ok && code != 0 {
		req.finish(nil, NewCommandError(header.CommandID, code))
		return
	}
	req.finish(&Response{Header: header, Body: body}, nil)
}

// responseCode extracts Status or Result from a response body
func responseCode(body Body) (uint32, bool) {
	if body.Has("Status") {
		return body.Uint("Status"), true
	}
	if body.Has("Result") {
		return body.Uint("Result"), true
	}
	return 0, false
}

func (c *Connection) handleConnect(ctx context.Context, header Header, body Body) {
	requested := uint8(body.Uint("Version"))
	version, supported := c.negotiator.Negotiate(requested)
	timestamp := FormatTimestamp(body.Uint("Timestamp"))
	resp := Body{"Status": ConnectStatusOK, "Version": version}

	var result *AuthResult
	switch {
	case !supported:
		resp["Status"] = ConnectStatusVersionTooHigh
	case !ValidTimestamp(timestamp):
		resp["Status"] = ConnectStatusInvalidStructure
	default:
		var err error
		result, err = c.authenticator.Authenticate(ctx, &AuthRequest{
			SourceAddr:          body.String("Source_Addr"),
			AuthenticatorSource: body.Bytes("AuthenticatorSource"),
			Timestamp:           timestamp,
			Version:             requested,
			RemoteAddr:          c.RemoteAddr(),
		})
		if err != nil || result == nil {
			c.logger.Error("Authenticator failed", "error", err)
			resp["Status"] = ConnectStatusOther
			result = nil
			break
		}
		resp["Status"] = result.Status
		if result.AuthenticatorISMG != nil {
			resp["AuthenticatorISMG"] = result.AuthenticatorISMG
		}
	}

	status := resp["Status"].(uint8)
	if status == ConnectStatusOK {
		c.mu.Lock()
		c.sourceAddr = body.String("Source_Addr")
		c.version = version
		if result.FlowControl > 0 && c.limiterFactory != nil {
			c.limiter = c.limiterFactory(result.FlowControl)
		}
		c.mu.Unlock()
		if err := c.transition(ctx, eventAuthenticate); err != nil {
			c.logger.Warn("Repeated CMPP_CONNECT on authenticated session", "error", err)
		}
		c.incCounter("auth_total", map[string]string{"result": "success"})
	} else {
		c.logger.Warn("CMPP_CONNECT rejected",
			"source_addr", body.String("Source_Addr"),
			"status", status,
			"reason", StatusName(CommandConnectResp, uint32(status)))
		c.incCounter("auth_total", map[string]string{"result": StatusName(CommandConnectResp, uint32(status))})
	}

	if err := c.reply(CommandConnectResp, header.SequenceID, resp); err != nil {
		c.logger.Error("Failed to send CMPP_CONNECT_RESP", "error", err)
	}
}

func (c *Connection) handleTerminate(ctx context.Context, header Header, body Body) {
	_ = c.transition(ctx, eventTerminate)
	if err := c.reply(CommandTerminateResp, header.SequenceID, nil); err != nil {
		c.logger.Warn("Failed to send CMPP_TERMINATE_RESP", "error", err)
	}
	c.Close()
}

func (c *Connection) handleActiveTest(ctx context.Context, header Header, body Body) {
	if err := c.reply(CommandActiveTestResp, header.SequenceID, Body{"Reserved": uint8(0)}); err != nil {
		c.logger.Warn("Failed to send CMPP_ACTIVE_TEST_RESP", "error", err)
	}
}

func (c *Connection) handleBusiness(ctx context.Context, header Header, body Body) {
	responder := &responder{conn: c, commandID: header.CommandID, sequenceID: header.SequenceID}

	if header.CommandID == CommandSubmit {
		c.mu.RLock()
		limiter := c.limiter
		c.mu.RUnlock()
		if limiter != nil && !limiter.Allow() {
			c.logger.Warn("Submit rejected by flow control", "sequence_id", header.SequenceID)
			c.incCounter("flow_control_rejections_total", map[string]string{"source_addr": c.SourceAddr()})
			if err := responder.Respond(ctx, Body{"Msg_Id": body.Bytes("Msg_Id"), "Result": ResultFlowControl}); err != nil {
				c.logger.Warn("Failed to send flow control response", "error", err)
			}
			return
		}
	}

	if c.handler == nil {
		c.logger.Warn("No handler for command", "command", CommandName(header.CommandID))
		return
	}
	c.handler.HandleCommand(ctx, &Request{Header: header, Body: body, Conn: c}, responder)
}

type responder struct {
	conn       *Connection
	commandID  uint32
	sequenceID uint32
}

func (r *responder) Respond(ctx context.Context, body Body) error {
	return r.conn.reply(ResponseID(r.commandID), r.sequenceID, body)
}

// Send writes a request and returns a handle that completes with its
// response. The timeout is the heartbeat timeout for CMPP_ACTIVE_TEST and
// the request timeout otherwise. There is no retry.
func (c *Connection) Send(ctx context.Context, commandID uint32, body Body) (*PendingRequest, error) {
	switch c.State() {
	case StateClosed:
		return nil, ErrConnectionClosed
	case StateTerminating:
		if commandID != CommandTerminate && commandID != CommandActiveTest {
			return nil, ErrConnectionClosed
		}
	case StateUnauthenticated:
		if commandID != CommandConnect && commandID != CommandActiveTest && commandID != CommandTerminate {
			return nil, ErrNotAuthenticated
		}
	}

	payload, err := c.codec.EncodeBody(commandID, body)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", CommandName(commandID))
	}

	req := NewPendingRequest(commandID, c.nextSequence())
	c.pending.Register(req, c.timeoutFor(commandID), c.onRequestTimeout)

	if err := c.write(EncodeFrame(commandID, req.SequenceID, payload)); err != nil {
		if c.pending.Remove(req) {
			req.finish(nil, err)
		}
		return nil, err
	}
	c.incCounter("commands_total", map[string]string{"command": CommandName(commandID), "direction": "outbound"})
	c.logger.Debug("Command sent", "command", CommandName(commandID), "sequence_id", req.SequenceID)
	return req, nil
}

// Call sends a request and waits for its response
func (c *Connection) Call(ctx context.Context, commandID uint32, body Body) (*Response, error) {
	req, err := c.Send(ctx, commandID, body)
	if err != nil {
		return nil, err
	}
	return req.Wait(ctx)
}

// Deliver sends CMPP_DELIVER (an MO message or status report) to the SP
func (c *Connection) Deliver(ctx context.Context, body Body) (*Response, error) {
	return c.Call(ctx, CommandDeliver, body)
}

// ActiveTest sends a heartbeat and waits for its response
func (c *Connection) ActiveTest(ctx context.Context) error {
	_, err := c.Call(ctx, CommandActiveTest, nil)
	return err
}

func (c *Connection) timeoutFor(commandID uint32) time.Duration {
	if commandID == CommandActiveTest {
		return c.config.HeartbeatTimeout
	}
	return c.config.Timeout
}

func (c *Connection) onRequestTimeout(req *PendingRequest) {
	c.logger.Warn("Request timed out",
		"command", CommandName(req.CommandID),
		"sequence_id", req.SequenceID)
	c.incCounter("request_timeouts_total", map[string]string{"command": CommandName(req.CommandID)})
	if req.CommandID != CommandActiveTest {
		c.publishConnectionEvent(context.Background(), EventTypeTimeout, req.CommandID, req.SequenceID, ErrTimeout)
	}
}

// nextSequence advances the counter, wrapping from 0xFFFFFFFF to 1
func (c *Connection) nextSequence() uint32 {
	for {
		cur := c.sequence.Load()
		next := cur + 1
		if cur >= 0xFFFFFFFF {
			next = 1
		}
		if c.sequence.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func (c *Connection) reply(commandID, sequenceID uint32, body Body) error {
	payload, err := c.codec.EncodeBody(commandID, body)
	if err != nil {
		return errors.Wrapf(err, "encode %s", CommandName(commandID))
	}
	if err := c.write(EncodeFrame(commandID, sequenceID, payload)); err != nil {
		return err
	}
	c.incCounter("commands_total", map[string]string{"command": CommandName(commandID), "direction": "outbound"})
	return nil
}

func (c *Connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := c.netConn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	if _, err := c.netConn.Write(frame); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

func (c *Connection) watchIdle(ctx context.Context) error {
	if c.config.IdleTimeout <= 0 || c.config.IdleCheckInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(c.config.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Since(c.LastActivity()) < c.config.IdleTimeout {
				continue
			}
			c.logger.Info("Connection idle, disconnecting", "idle_timeout", c.config.IdleTimeout)
			return c.Disconnect(ctx)
		}
	}
}

// Disconnect moves to terminating, sends CMPP_TERMINATE, waits for the
// response or its timeout and closes the transport.
func (c *Connection) Disconnect(ctx context.Context) error {
	req, err := c.startDisconnect(ctx)
	if req != nil {
		_, _ = req.Wait(ctx)
	}
	c.Close()
	return err
}

func (c *Connection) disconnectAsync(ctx context.Context) {
	req, _ := c.startDisconnect(ctx)
	go func() {
		if req != nil {
			<-req.Done()
		}
		c.Close()
	}()
}

func (c *Connection) startDisconnect(ctx context.Context) (*PendingRequest, error) {
	if err := c.transition(ctx, eventTerminate); err != nil {
		return nil, nil
	}
	req, err := c.Send(ctx, CommandTerminate, nil)
	if err != nil {
		c.logger.Warn("Failed to send CMPP_TERMINATE", "error", err)
		return nil, err
	}
	return req, nil
}

// Close closes the transport without the CMPP_TERMINATE handshake and fails
// every pending request with ErrConnectionClosed.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.transition(context.Background(), eventClose)

		c.mu.RLock()
		cancel := c.cancel
		c.mu.RUnlock()
		if cancel != nil {
			cancel()
		}

		err = c.netConn.Close()
		c.pending.FailAll(ErrConnectionClosed)

		c.logger.Info("Connection closed", "duration", time.Since(c.connectedAt))
		c.recordDuration("connection", time.Since(c.connectedAt), nil)
		c.publishConnectionEvent(context.Background(), EventTypeDisconnected, 0, 0, nil)

		close(c.closed)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

// MarkAuthenticated records a successful login performed by the client side
func (c *Connection) MarkAuthenticated(ctx context.Context, sourceAddr string, version uint8) error {
	c.mu.Lock()
	c.sourceAddr = sourceAddr
	c.version = version
	c.mu.Unlock()
	return c.transition(ctx, eventAuthenticate)
}

func (c *Connection) transition(ctx context.Context, event string) error {
	return c.state.Event(ctx, event)
}

func (c *Connection) onEnterState(ctx context.Context, e *fsm.Event) {
	c.logger.Debug("Connection state changed", "from", e.Src, "to", e.Dst)
	switch ConnectionState(e.Dst) {
	case StateAuthenticated:
		c.logger.Info("Connection authenticated", "source_addr", c.SourceAddr())
		c.publishConnectionEvent(ctx, EventTypeAuthenticated, 0, 0, nil)
	case StateTerminating:
		c.publishConnectionEvent(ctx, EventTypeTerminated, 0, 0, nil)
	}
}

func (c *Connection) publishConnectionEvent(ctx context.Context, eventType EventType, commandID, sequenceID uint32, err error) {
	if c.events == nil {
		return
	}
	event := &ConnectionEvent{
		Type:       eventType,
		Timestamp:  time.Now(),
		ConnID:     c.id,
		RemoteAddr: c.RemoteAddr(),
		SourceAddr: c.SourceAddr(),
		CommandID:  commandID,
		SequenceID: sequenceID,
		Error:      err,
		Data:       map[string]interface{}{"state": c.state.Current()},
	}
	if commandID != 0 {
		event.Data["command"] = CommandName(commandID)
	}
	if perr := c.events.PublishConnectionEvent(ctx, event); perr != nil {
		c.logger.Debug("Failed to publish event", "event_type", eventType, "error", perr)
	}
}

func (c *Connection) incCounter(name string, labels map[string]string) {
	if c.metrics != nil {
		c.metrics.IncCounter(name, labels)
	}
}

func (c *Connection) recordDuration(name string, d time.Duration, labels map[string]string) {
	if c.metrics != nil {
		c.metrics.RecordDuration(name, d, labels)
	}
}
