package cmpp

import (
	"context"
	"time"
)

// ServerConfig holds listener and per-connection timing settings
type ServerConfig struct {
	Host              string
	Port              int
	MaxConnections    int
	MaxFrameSize      int
	Timeout           time.Duration // request/response timeout
	HeartbeatTimeout  time.Duration // CMPP_ACTIVE_TEST response timeout
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	WriteTimeout      time.Duration
	ShutdownGrace     time.Duration
	StatsInterval     time.Duration
}

// DefaultServerConfig returns the conventional ISMG defaults
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:              "0.0.0.0",
		Port:              7890,
		MaxFrameSize:      DefaultMaxFrameSize,
		Timeout:           30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		IdleTimeout:       30 * time.Minute,
		IdleCheckInterval: 60 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownGrace:     100 * time.Millisecond,
		StatsInterval:     10 * time.Second,
	}
}

// AuthRequest carries the credentials of a CMPP_CONNECT
type AuthRequest struct {
	SourceAddr          string
	AuthenticatorSource []byte
	Timestamp           string // MMDDHHmmss, zero padded
	Version             uint8
	RemoteAddr          string
}

// AuthResult is the decision for a CMPP_CONNECT
type AuthResult struct {
	Status            uint8
	AuthenticatorISMG []byte
	// FlowControl limits CMPP_SUBMIT per second for the session. 0 disables it.
	FlowControl int
}

// Authenticator decides whether an SP may log in
type Authenticator interface {
	Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error)
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(ctx context.Context, req *AuthRequest) (*AuthResult, error)

// Authenticate calls f
func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	return f(ctx, req)
}

// AcceptAll is the authenticator used when none is configured
var AcceptAll = AuthenticatorFunc(func(ctx context.Context, req *AuthRequest) (*AuthResult, error) {
	return &AuthResult{Status: ConnectStatusOK}, nil
})

// VersionNegotiator picks the version echoed in CMPP_CONNECT_RESP and
// reports whether the requested version is acceptable.
type VersionNegotiator interface {
	Negotiate(requested uint8) (uint8, bool)
}

type maxVersionNegotiator struct{}

func (maxVersionNegotiator) Negotiate(requested uint8) (uint8, bool) {
	return MaxVersion, requested <= MaxVersion
}

// FlowLimiter gates inbound CMPP_SUBMIT on a session
type FlowLimiter interface {
	Allow() bool
}

// LimiterFactory builds a limiter for a per-second rate granted at login
type LimiterFactory func(perSecond int) FlowLimiter

// Request is an inbound business command handed to a Handler
type Request struct {
	Header Header
	Body   Body
	Conn   *Connection
}

// Responder answers a Request with the response command and the original sequence id
type Responder interface {
	Respond(ctx context.Context, body Body) error
}

// Handler processes business commands: CMPP_SUBMIT, CMPP_QUERY and
// CMPP_CANCEL on the server, CMPP_DELIVER on the client.
type Handler interface {
	HandleCommand(ctx context.Context, req *Request, resp Responder)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req *Request, resp Responder)

// HandleCommand calls f
func (f HandlerFunc) HandleCommand(ctx context.Context, req *Request, resp Responder) {
	f(ctx, req, resp)
}

// Logger interface defines logging operations
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})               {}
func (nopLogger) Info(string, ...interface{})                {}
func (nopLogger) Warn(string, ...interface{})                {}
func (nopLogger) Error(string, ...interface{})               {}
func (nopLogger) Fatal(string, ...interface{})               {}
func (n nopLogger) WithFields(map[string]interface{}) Logger { return n }

// NopLogger returns a Logger that discards everything
func NopLogger() Logger {
	return nopLogger{}
}

// MetricsCollector interface defines metrics collection operations
type MetricsCollector interface {
	IncCounter(name string, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	RecordDuration(name string, duration time.Duration, labels map[string]string)
}

// EventPublisher interface defines event publishing operations
type EventPublisher interface {
	PublishConnectionEvent(ctx context.Context, event *ConnectionEvent) error
	PublishSMSEvent(ctx context.Context, event *SMSEvent) error
	Subscribe(ctx context.Context, eventType EventType, handler EventHandler) error
	Unsubscribe(ctx context.Context, eventType EventType, handler EventHandler) error
}

// EventHandler interface defines event handling operations
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event) error
	GetHandlerID() string
}

// Event represents a system event
type Event interface {
	GetEventType() EventType
	GetTimestamp() time.Time
	GetData() map[string]interface{}
}

// EventType represents the type of event
type EventType string

const (
	EventTypeConnected     EventType = "connection.connected"
	EventTypeAuthenticated EventType = "connection.authenticated"
	EventTypeTerminated    EventType = "connection.terminated"
	EventTypeDisconnected  EventType = "connection.disconnected"
	EventTypeProtocolError EventType = "connection.protocol_error"
	EventTypeTimeout       EventType = "connection.timeout"
	EventTypeSMSSubmitted  EventType = "sms.submitted"
	EventTypeSMSDelivered  EventType = "sms.delivered"
	EventTypeStatusReport  EventType = "sms.status_report"
)

// ConnectionEvent represents a connection-related event
type ConnectionEvent struct {
	Type       EventType
	Timestamp  time.Time
	ConnID     string
	RemoteAddr string
	SourceAddr string
	CommandID  uint32
	SequenceID uint32
	Error      error
	Data       map[string]interface{}
}

func (e *ConnectionEvent) GetEventType() EventType {
	return e.Type
}

func (e *ConnectionEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

func (e *ConnectionEvent) GetData() map[string]interface{} {
	return e.Data
}

// SMSEvent represents a message-related event
type SMSEvent struct {
	Type       EventType
	Timestamp  time.Time
	MessageID  string
	ConnID     string
	SourceAddr string
	Body       Body
	Error      error
	Data       map[string]interface{}
}

func (e *SMSEvent) GetEventType() EventType {
	return e.Type
}

func (e *SMSEvent) GetTimestamp() time.Time {
	return e.Timestamp
}

func (e *SMSEvent) GetData() map[string]interface{} {
	return e.Data
}
