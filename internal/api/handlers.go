package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/oarkflow/cmpp-server/internal/stats"
	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	Running         bool            `json:"running"`
	Uptime          string          `json:"uptime"`
	Connections     int             `json:"connections"`
	Authenticated   int             `json:"authenticated"`
	PendingRequests int             `json:"pending_requests"`
	Traffic         *stats.Snapshot `json:"traffic,omitempty"`
}

// ConnectionResponse describes one live connection
type ConnectionResponse struct {
	Key          string    `json:"key"`
	ID           string    `json:"id"`
	SourceAddr   string    `json:"source_addr"`
	State        string    `json:"state"`
	Version      uint8     `json:"version"`
	ConnectedAt  time.Time `json:"connected_at"`
	IdleTime     string    `json:"idle_time"`
	PendingCount int       `json:"pending"`
}

// AccountResponse describes an account without its secret
type AccountResponse struct {
	SourceAddr  string   `json:"source_addr"`
	AllowedIPs  []string `json:"allowed_ips"`
	FlowControl int      `json:"flow_control"`
	Active      bool     `json:"active"`
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	if s.deps.Server == nil || !s.deps.Server.IsRunning() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"running": status == http.StatusOK})
}

func (s *Server) getStats(c *gin.Context) {
	if s.deps.Server == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server not configured"})
		return
	}
	st := s.deps.Server.GetStats()
	resp := StatsResponse{
		Running:         s.deps.Server.IsRunning(),
		Uptime:          st.Uptime.Truncate(time.Second).String(),
		Connections:     st.ConnectionCount,
		Authenticated:   st.Authenticated,
		PendingRequests: st.PendingRequests,
	}
	if s.deps.Stats != nil {
		resp.Traffic = s.deps.Stats.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listConnections(c *gin.Context) {
	response := make([]ConnectionResponse, 0)
	if s.deps.Server != nil {
		for _, conn := range s.deps.Server.Connections() {
			response = append(response, toConnectionResponse(conn))
		}
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) getConnection(c *gin.Context) {
	conn, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toConnectionResponse(conn))
}

// closeConnection sends CMPP_TERMINATE and closes once it is answered or times out
func (s *Server) closeConnection(c *gin.Context) {
	conn, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := conn.Disconnect(c.Request.Context()); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("Connection closed by admin", "key", conn.RemoteAddr(), "source_addr", conn.SourceAddr())
	c.JSON(http.StatusOK, gin.H{"message": "connection terminated"})
}

func (s *Server) lookup(c *gin.Context) (*cmpp.Connection, bool) {
	key := c.Param("key")
	if s.deps.Server != nil {
		if conn, ok := s.deps.Server.Connection(key); ok {
			return conn, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
	return nil, false
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts := s.deps.Accounts.Accounts()
	response := make([]AccountResponse, 0, len(accounts))
	for _, acc := range accounts {
		response = append(response, AccountResponse{
			SourceAddr:  acc.SourceAddr,
			AllowedIPs:  acc.AllowedIPs,
			FlowControl: acc.FlowControl,
			Active:      acc.Active,
		})
	}
	c.JSON(http.StatusOK, response)
}

func toConnectionResponse(conn *cmpp.Connection) ConnectionResponse {
	return ConnectionResponse{
		Key:          conn.RemoteAddr(),
		ID:           conn.ID(),
		SourceAddr:   conn.SourceAddr(),
		State:        string(conn.State()),
		Version:      conn.Version(),
		ConnectedAt:  conn.ConnectedAt(),
		IdleTime:     time.Since(conn.LastActivity()).Truncate(time.Millisecond).String(),
		PendingCount: conn.PendingCount(),
	}
}
