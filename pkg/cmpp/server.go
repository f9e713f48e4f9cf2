package cmpp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Server accepts SP connections and runs a Connection per socket
type Server struct {
	config      *ServerConfig
	listener    net.Listener
	connections *ConnectionManager
	codec       *Codec

	authenticator  Authenticator
	negotiator     VersionNegotiator
	handler        Handler
	limiterFactory LimiterFactory
	eventPublisher EventPublisher
	logger         Logger
	metrics        MetricsCollector

	// Server state
	mu             sync.RWMutex
	running        bool
	processing     bool
	processingDone chan struct{}
	startedAt      time.Time
	done           chan struct{}
	wg             sync.WaitGroup
}

// ServerDependencies holds the collaborators of a server
type ServerDependencies struct {
	Authenticator     Authenticator
	VersionNegotiator VersionNegotiator
	Handler           Handler
	LimiterFactory    LimiterFactory
	EventPublisher    EventPublisher
	Logger            Logger
	MetricsCollector  MetricsCollector
	Schemas           SchemaSet
}

// NewServer creates a new CMPP server
func NewServer(config *ServerConfig, deps ServerDependencies) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	cfg := *config
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Server{
		config:         &cfg,
		connections:    NewConnectionManager(logger),
		codec:          NewCodec(deps.Schemas),
		authenticator:  deps.Authenticator,
		negotiator:     deps.VersionNegotiator,
		handler:        deps.Handler,
		limiterFactory: deps.LimiterFactory,
		eventPublisher: deps.EventPublisher,
		logger:         logger,
		metrics:        deps.MetricsCollector,
		processingDone: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// SetTimeout sets the request timeout for connections accepted afterwards
func (s *Server) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Timeout = d
}

// SetHeartbeatTimeout sets the CMPP_ACTIVE_TEST timeout for connections accepted afterwards
func (s *Server) SetHeartbeatTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.HeartbeatTimeout = d
}

// SetAuthenticator replaces the login decision provider. nil accepts everyone.
func (s *Server) SetAuthenticator(a Authenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticator = a
}

// SetHandler replaces the business command handler
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetProcessing marks the server busy so Shutdown waits for ProcessingDone
func (s *Server) SetProcessing(processing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if processing && !s.processing {
		s.processingDone = make(chan struct{})
	}
	s.processing = processing
}

// ProcessingDone releases a Shutdown waiting on in-flight work. Calls
// without a matching SetProcessing(true) do nothing.
func (s *Server) ProcessingDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		s.processing = false
		close(s.processingDone)
	}
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if err := s.attach(listener); err != nil {
		listener.Close()
		return err
	}
	s.logger.Info("CMPP server started", "address", listener.Addr().String())

	go func() {
		if err := s.serve(ctx); err != nil && err != ErrServerClosed {
			s.logger.Error("Accept loop stopped", "error", err)
		}
	}()
	return nil
}

// Serve accepts connections on l until Shutdown. It returns ErrServerClosed after Shutdown.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if err := s.attach(l); err != nil {
		return err
	}
	s.logger.Info("CMPP server started", "address", l.Addr().String())
	return s.serve(ctx)
}

func (s *Server) attach(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.listener = l
	s.startedAt = time.Now()

	s.wg.Add(1)
	go s.periodicTasks()
	return nil
}

func (s *Server) serve(ctx context.Context) error {
	var backoff time.Duration
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.logger.Warn("Accept error, retrying", "error", err, "delay", backoff)
				time.Sleep(backoff)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		backoff = 0

		if limit := s.config.MaxConnections; limit > 0 && s.connections.Count() >= limit {
			s.logger.Warn("Max connections reached, rejecting new connection",
				"remote_addr", netConn.RemoteAddr().String())
			s.incCounter("connections_total", map[string]string{"result": "rejected"})
			netConn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, netConn)
	}
}

// handleConnection runs one connection until it closes
func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	defer s.wg.Done()

	s.mu.RLock()
	cfg := *s.config
	opts := ConnectionOptions{
		Side:           SideServer,
		Config:         &cfg,
		Codec:          s.codec,
		Authenticator:  s.authenticator,
		Negotiator:     s.negotiator,
		Handler:        s.handler,
		LimiterFactory: s.limiterFactory,
		EventPublisher: s.eventPublisher,
		Logger:         s.logger,
		Metrics:        s.metrics,
		OnClose: func(c *Connection) {
			s.connections.Remove(c)
		},
	}
	s.mu.RUnlock()

	conn := NewConnection(netConn, opts)
	if err := s.connections.Add(conn); err != nil {
		s.logger.Warn("Duplicate remote address", "error", err)
		netConn.Close()
		return
	}
	select {
	case <-s.done:
		conn.Close()
		return
	default:
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in connection", "panic", r, "remote_addr", conn.RemoteAddr())
			conn.Close()
		}
	}()

	if err := conn.Serve(ctx); err != nil {
		s.logger.Warn("Connection ended with error", "remote_addr", conn.RemoteAddr(), "error", err)
	}
}

// Shutdown stops accepting, waits for ProcessingDone when processing is
// set, then after the grace delay closes every live connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	listener := s.listener
	processing := s.processing
	processingDone := s.processingDone
	grace := s.config.ShutdownGrace
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.logger.Info("CMPP server shutting down", "processing", processing)

	if processing {
		select {
		case <-processingDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-time.After(grace):
	case <-ctx.Done():
	}

	for _, conn := range s.connections.All() {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Server shutdown timed out, forcing exit")
		return ctx.Err()
	}

	s.logger.Info("CMPP server stopped")
	return nil
}

// periodicTasks reports the live connection count
func (s *Server) periodicTasks() {
	defer s.wg.Done()

	interval := s.config.StatsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			count := s.connections.Count()
			s.logger.Info("Active connections", "count", count)
			if s.metrics != nil {
				s.metrics.SetGauge("active_connections", float64(count), nil)
			}
		}
	}
}

// Addr returns the listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsRunning returns true if the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Connections returns a snapshot of live connections
func (s *Server) Connections() []*Connection {
	return s.connections.All()
}

// Connection returns the live connection from remote host:port
func (s *Server) Connection(key string) (*Connection, bool) {
	return s.connections.Get(key)
}

// ConnectionCount returns the number of live connections
func (s *Server) ConnectionCount() int {
	return s.connections.Count()
}

// GetStats returns server statistics
func (s *Server) GetStats() *ServerStats {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	stats := &ServerStats{ConnectionCount: s.connections.Count()}
	if !startedAt.IsZero() {
		stats.Uptime = time.Since(startedAt)
	}
	for _, c := range s.connections.All() {
		if c.State() == StateAuthenticated {
			stats.Authenticated++
		}
		stats.PendingRequests += c.PendingCount()
	}
	return stats
}

// ServerStats represents server statistics
type ServerStats struct {
	ConnectionCount int
	Authenticated   int
	PendingRequests int
	Uptime          time.Duration
}

func (s *Server) incCounter(name string, labels map[string]string) {
	if s.metrics != nil {
		s.metrics.IncCounter(name, labels)
	}
}
