package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oarkflow/cmpp-server/internal/auth"
	"github.com/oarkflow/cmpp-server/internal/stats"
	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// Config holds the admin listener settings
type Config struct {
	Host        string
	Port        int
	MetricsPath string // defaults to /metrics
	Debug       bool
}

// Dependencies holds what the admin API reports on
type Dependencies struct {
	Server *cmpp.Server
	Stats  *stats.Collector
	// Accounts is optional; without it /api/accounts is not routed
	Accounts *auth.AccountAuthenticator
	// Metrics serves /metrics when set
	Metrics http.Handler
	Logger  cmpp.Logger
}

// Server is the admin HTTP API
type Server struct {
	config     Config
	engine     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	logger     cmpp.Logger
}

// NewServer builds the router
func NewServer(config Config, deps Dependencies) *Server {
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = cmpp.NopLogger()
	}

	engine := gin.New()
	engine.Use(requestLogger(logger))
	engine.Use(gin.Recovery())

	s := &Server{
		config: config,
		engine: engine,
		deps:   deps,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.health)
	if s.deps.Metrics != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.engine.GET(path, gin.WrapH(s.deps.Metrics))
	}

	api := s.engine.Group("/api")
	{
		api.GET("/stats", s.getStats)

		connections := api.Group("/connections")
		{
			connections.GET("", s.listConnections)
			connections.GET("/:key", s.getConnection)
			connections.DELETE("/:key", s.closeConnection)
		}

		if s.deps.Accounts != nil {
			api.GET("/accounts", s.listAccounts)
		}
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Stop is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("Admin API listening", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
