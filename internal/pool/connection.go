package pool

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/cmpp-server/internal/flowcontrol"
	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// ErrPoolClosed is returned once Close has been called
var ErrPoolClosed = errors.New("pool is closed")

// ErrNoConnection is returned when every pooled client has gone away
var ErrNoConnection = errors.New("no live connection in pool")

// Connection is one logged-in client with its own submit window
type Connection struct {
	client   *cmpp.Client
	window   *flowcontrol.Window
	lastUsed *atomic.Time
}

// NewConnection wraps a logged-in client
func NewConnection(client *cmpp.Client, windowSize int) *Connection {
	return &Connection{
		client:   client,
		window:   flowcontrol.NewWindow(windowSize),
		lastUsed: atomic.NewTime(time.Now()),
	}
}

// Client returns the underlying client
func (c *Connection) Client() *cmpp.Client {
	return c.client
}

// LastUsed returns when a request was last sent
func (c *Connection) LastUsed() time.Time {
	return c.lastUsed.Load()
}

// IsConnected reports whether the socket is still open
func (c *Connection) IsConnected() bool {
	select {
	case <-c.client.Conn().Done():
		return false
	default:
		return true
	}
}

// Outstanding returns the requests awaiting a response
func (c *Connection) Outstanding() int64 {
	return c.window.Outstanding()
}

// PoolConfig defines the configuration for a connection pool
type PoolConfig struct {
	Size           int           // number of connections opened by Open
	WindowSize     int           // in-flight requests per connection
	ConnectTimeout time.Duration // bound on dial plus CMPP_CONNECT
}

// DefaultPoolConfig returns a default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:           1,
		WindowSize:     flowcontrol.DefaultWindowSize,
		ConnectTimeout: 30 * time.Second,
	}
}

// ConnectionFactory dials a client; Open performs the login
type ConnectionFactory func(ctx context.Context) (*cmpp.Client, error)

// ConnectionPool spreads requests over several logged-in connections of one
// SP, round robin, each bounded by its window.
type ConnectionPool struct {
	config  PoolConfig
	factory ConnectionFactory
	next    *atomic.Uint32

	mu     sync.RWMutex
	conns  []*Connection
	closed bool
}

// NewConnectionPool creates an empty pool
func NewConnectionPool(config PoolConfig, factory ConnectionFactory) *ConnectionPool {
	if config.Size <= 0 {
		config.Size = 1
	}
	return &ConnectionPool{
		config:  config,
		factory: factory,
		next:    atomic.NewUint32(0),
	}
}

// Open dials and logs in config.Size connections concurrently. On any
// failure the connections already opened are closed.
func (p *ConnectionPool) Open(ctx context.Context) error {
	if p.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ConnectTimeout)
		defer cancel()
	}

	conns := make([]*Connection, p.config.Size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		i := i
		g.Go(func() error {
			client, err := p.factory(gctx)
			if err != nil {
				return errors.Wrapf(err, "connection %d", i+1)
			}
			if err := client.Connect(gctx); err != nil {
				client.Close()
				return errors.Wrapf(err, "connection %d", i+1)
			}
			conns[i] = NewConnection(client, p.config.WindowSize)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				c.client.Close()
			}
		}
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		for _, c := range conns {
			c.client.Close()
		}
		return ErrPoolClosed
	}
	p.conns = append(p.conns, conns...)
	return nil
}

// Get returns the next live connection
func (p *ConnectionPool) Get() (*Connection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	n := len(p.conns)
	for i := 0; i < n; i++ {
		c := p.conns[int(p.next.Inc()-1)%n]
		if c.IsConnected() {
			return c, nil
		}
	}
	return nil, ErrNoConnection
}

// Call sends a request on the next live connection once its window has room
func (p *ConnectionPool) Call(ctx context.Context, commandID uint32, body cmpp.Body) (*cmpp.Response, error) {
	c, err := p.Get()
	if err != nil {
		return nil, err
	}
	var resp *cmpp.Response
	err = c.window.Do(ctx, func(ctx context.Context) error {
		c.lastUsed.Store(time.Now())
		var err error
		resp, err = c.client.Conn().Call(ctx, commandID, body)
		return err
	})
	return resp, err
}

// Submit sends CMPP_SUBMIT through the pool
func (p *ConnectionPool) Submit(ctx context.Context, body cmpp.Body) (*cmpp.Response, error) {
	return p.Call(ctx, cmpp.CommandSubmit, body)
}

// Close terminates every connection
func (p *ConnectionPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		c := c
		g.Go(func() error {
			if !c.IsConnected() {
				return nil
			}
			return c.client.Terminate(ctx)
		})
	}
	return g.Wait()
}

// Stats returns pool statistics
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{TotalConnections: len(p.conns)}
	for _, c := range p.conns {
		if c.IsConnected() {
			stats.ActiveConnections++
		}
		stats.Outstanding += c.Outstanding()
	}
	return stats
}

// PoolStats represents pool statistics
type PoolStats struct {
	ActiveConnections int
	TotalConnections  int
	Outstanding       int64
}
