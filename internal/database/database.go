package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// Config holds MySQL connection and pool settings
type Config struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN renders the go-sql-driver data source name
func (c *Config) DSN() string {
	mc := mysql.NewConfig()
	mc.User = c.Username
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Manager owns the account store connection pool
type Manager struct {
	config *Config
	logger cmpp.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewManager creates a manager; call Connect before DB
func NewManager(config *Config, logger cmpp.Logger) *Manager {
	return &Manager{config: config, logger: logger}
}

// NewManagerWithDB wraps an already opened pool
func NewManagerWithDB(db *sql.DB, logger cmpp.Logger) *Manager {
	return &Manager{config: &Config{}, logger: logger, db: db}
}

// Connect opens the pool and pings the server
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return nil
	}

	db, err := sql.Open("mysql", m.config.DSN())
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return errors.Wrap(err, "ping database")
	}

	m.db = db
	if m.logger != nil {
		m.logger.Info("Database connected",
			"host", m.config.Host,
			"port", m.config.Port,
			"database", m.config.Database)
	}
	return nil
}

// DB returns the pool, or nil before Connect
func (m *Manager) DB() *sql.DB {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db
}

// Ping checks the connection
func (m *Manager) Ping(ctx context.Context) error {
	db := m.DB()
	if db == nil {
		return errors.New("database not connected")
	}
	return db.PingContext(ctx)
}

// Migrate creates the account tables if they do not exist
func (m *Manager) Migrate(ctx context.Context) error {
	db := m.DB()
	if db == nil {
		return errors.New("database not connected")
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}
	return nil
}

// Close closes the pool
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	if err != nil {
		return errors.Wrap(err, "close database")
	}
	if m.logger != nil {
		m.logger.Info("Database connection closed")
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		source_addr VARCHAR(6) NOT NULL PRIMARY KEY,
		secret VARCHAR(64) NOT NULL,
		flow_control INT NOT NULL DEFAULT 0,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS account_ips (
		id INT AUTO_INCREMENT PRIMARY KEY,
		source_addr VARCHAR(6) NOT NULL,
		ip_address VARCHAR(64) NOT NULL,
		INDEX idx_account_ips_source (source_addr)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
