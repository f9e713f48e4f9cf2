package cmpp

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// ClientConfig represents SP-side connection settings
type ClientConfig struct {
	Address           string
	SourceAddr        string
	Secret            string
	Version           uint8
	ConnectTimeout    time.Duration
	Timeout           time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration // 0 disables the keepalive loop
	WriteTimeout      time.Duration
}

// ClientDependencies holds the collaborators of a client
type ClientDependencies struct {
	Handler        Handler // receives CMPP_DELIVER
	EventPublisher EventPublisher
	Logger         Logger
	Metrics        MetricsCollector
}

// Client is an SP connection to an ISMG
type Client struct {
	config *ClientConfig
	conn   *Connection
	logger Logger
	served chan error
}

// Dial opens a TCP connection and starts its read loop. Call Connect to log in.
func Dial(ctx context.Context, config *ClientConfig, deps ClientDependencies) (*Client, error) {
	if config.Version == 0 {
		config.Version = Version20
	}
	dialer := net.Dialer{Timeout: config.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", config.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", config.Address)
	}

	cfg := DefaultServerConfig()
	if config.Timeout > 0 {
		cfg.Timeout = config.Timeout
	}
	if config.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = config.HeartbeatTimeout
	}
	cfg.WriteTimeout = config.WriteTimeout
	cfg.IdleTimeout = 0

	logger := deps.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	c := &Client{
		config: config,
		logger: logger,
		served: make(chan error, 1),
	}
	c.conn = NewConnection(netConn, ConnectionOptions{
		Side:           SideClient,
		Config:         cfg,
		Handler:        deps.Handler,
		EventPublisher: deps.EventPublisher,
		Logger:         logger,
		Metrics:        deps.Metrics,
	})

	go func() {
		c.served <- c.conn.Serve(context.Background())
	}()
	return c, nil
}

// Connect performs the CMPP_CONNECT handshake
func (c *Client) Connect(ctx context.Context) error {
	timestamp, wire := NewTimestamp(time.Now())
	// the digest covers the SP code as it appears on the wire
	sourceAddr := c.config.SourceAddr
	if len(sourceAddr) > SourceAddrLength {
		sourceAddr = sourceAddr[:SourceAddrLength]
	}
	source := AuthenticatorSource(sourceAddr, c.config.Secret, timestamp)

	resp, err := c.conn.Call(ctx, CommandConnect, Body{
		"Source_Addr":         sourceAddr,
		"AuthenticatorSource": source,
		"Version":             c.config.Version,
		"Timestamp":           wire,
	})
	if err != nil {
		return errors.Wrap(err, "connect")
	}

	ismg := resp.Body.Bytes("AuthenticatorISMG")
	if len(ismg) > 0 && !bytes.Equal(ismg, make([]byte, len(ismg))) &&
		!bytes.Equal(ismg, AuthenticatorISMG(ConnectStatusOK, source, c.config.Secret)) {
		return errors.New("connect: AuthenticatorISMG mismatch")
	}

	if err := c.conn.MarkAuthenticated(ctx, sourceAddr, uint8(resp.Body.Uint("Version"))); err != nil {
		return errors.Wrap(err, "connect")
	}
	c.logger.Info("Logged in to ISMG", "source_addr", c.config.SourceAddr, "version", resp.Body.Uint("Version"))

	if c.config.HeartbeatInterval > 0 {
		go c.keepalive()
	}
	return nil
}

func (c *Client) keepalive() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.conn.Done():
			return
		case <-ticker.C:
			if err := c.conn.ActiveTest(context.Background()); err != nil {
				c.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// Submit sends CMPP_SUBMIT and waits for its response
func (c *Client) Submit(ctx context.Context, body Body) (*Response, error) {
	return c.conn.Call(ctx, CommandSubmit, body)
}

// Query sends CMPP_QUERY and waits for its response
func (c *Client) Query(ctx context.Context, body Body) (*Response, error) {
	return c.conn.Call(ctx, CommandQuery, body)
}

// Cancel sends CMPP_CANCEL for msgID and waits for its response
func (c *Client) Cancel(ctx context.Context, msgID []byte) (*Response, error) {
	return c.conn.Call(ctx, CommandCancel, Body{"Msg_Id": msgID})
}

// ActiveTest sends a heartbeat and waits for its response
func (c *Client) ActiveTest(ctx context.Context) error {
	return c.conn.ActiveTest(ctx)
}

// Terminate performs the CMPP_TERMINATE handshake and closes the socket
func (c *Client) Terminate(ctx context.Context) error {
	return c.conn.Disconnect(ctx)
}

// Close closes the socket without the terminate handshake
func (c *Client) Close() error {
	return c.conn.Close()
}

// Conn returns the underlying connection
func (c *Client) Conn() *Connection {
	return c.conn
}

// Wait blocks until the read loop exits and returns its error
func (c *Client) Wait() error {
	err := <-c.served
	c.served <- err
	return err
}
