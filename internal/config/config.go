package config

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

// Config is the ISMG process configuration
type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	Metrics    MetricsConfig
	Admin      AdminConfig
	Database   DatabaseConfig
	Accounts   []AccountConfig
	AllowedIPs []string
}

// ServerConfig holds listener and session timing
type ServerConfig struct {
	Host              string
	Port              int
	MaxConnections    int
	MaxFrameSize      int
	Timeout           time.Duration
	HeartbeatTimeout  time.Duration
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	WriteTimeout      time.Duration
	ShutdownGrace     time.Duration
	StatsInterval     time.Duration
}

// LoggingConfig selects the logrus level, formatter and output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// MetricsConfig controls the Prometheus collector
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// AdminConfig controls the HTTP admin API
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig points at the MySQL account store. Disabled means accounts
// come from the config file only.
type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// AccountConfig is one SP login
type AccountConfig struct {
	SourceAddr  string   `yaml:"source_addr"`
	Secret      string   `yaml:"secret"`
	AllowedIPs  []string `yaml:"allowed_ips"`
	FlowControl int      `yaml:"flow_control"`
	Disabled    bool     `yaml:"disabled"`
}

// configYAML mirrors Config with durations as strings
type configYAML struct {
	Server     serverConfigYAML   `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Admin      AdminConfig        `yaml:"admin"`
	Database   databaseConfigYAML `yaml:"database"`
	Accounts   []AccountConfig    `yaml:"accounts"`
	AllowedIPs []string           `yaml:"allowed_ips"`
}

type serverConfigYAML struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	MaxConnections    int    `yaml:"max_connections"`
	MaxFrameSize      int    `yaml:"max_frame_size"`
	Timeout           string `yaml:"timeout"`
	HeartbeatTimeout  string `yaml:"heartbeat_timeout"`
	IdleTimeout       string `yaml:"idle_timeout"`
	IdleCheckInterval string `yaml:"idle_check_interval"`
	WriteTimeout      string `yaml:"write_timeout"`
	ShutdownGrace     string `yaml:"shutdown_grace"`
	StatsInterval     string `yaml:"stats_interval"`
}

type databaseConfigYAML struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// ConfigManager manages application configuration
type ConfigManager struct {
	configPath string
	config     *Config
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath: configPath,
	}
}

// LoadConfig reads the YAML file over the defaults. A missing file yields
// the defaults.
func (cm *ConfigManager) LoadConfig() (*Config, error) {
	config := DefaultConfig()

	if cm.configPath != "" && fileExists(cm.configPath) {
		data, err := os.ReadFile(cm.configPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := Parse(data, config); err != nil {
			return nil, err
		}
	}

	if err := Validate(config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	cm.config = config
	return config, nil
}

// Parse decodes YAML data over config. Keys absent from data keep their
// current values.
func Parse(data []byte, config *Config) error {
	raw := toYAML(config)
	if err := yaml.Unmarshal(data, raw); err != nil {
		return errors.Wrap(err, "failed to parse config file")
	}
	return fromYAML(raw, config)
}

func toYAML(c *Config) *configYAML {
	s := c.Server
	d := c.Database
	return &configYAML{
		Server: serverConfigYAML{
			Host:              s.Host,
			Port:              s.Port,
			MaxConnections:    s.MaxConnections,
			MaxFrameSize:      s.MaxFrameSize,
			Timeout:           s.Timeout.String(),
			HeartbeatTimeout:  s.HeartbeatTimeout.String(),
			IdleTimeout:       s.IdleTimeout.String(),
			IdleCheckInterval: s.IdleCheckInterval.String(),
			WriteTimeout:      s.WriteTimeout.String(),
			ShutdownGrace:     s.ShutdownGrace.String(),
			StatsInterval:     s.StatsInterval.String(),
		},
		Logging: c.Logging,
		Metrics: c.Metrics,
		Admin:   c.Admin,
		Database: databaseConfigYAML{
			Enabled:         d.Enabled,
			Host:            d.Host,
			Port:            d.Port,
			Username:        d.Username,
			Password:        d.Password,
			Database:        d.Database,
			MaxOpenConns:    d.MaxOpenConns,
			MaxIdleConns:    d.MaxIdleConns,
			ConnMaxLifetime: d.ConnMaxLifetime.String(),
		},
		Accounts:   c.Accounts,
		AllowedIPs: c.AllowedIPs,
	}
}

func fromYAML(raw *configYAML, c *Config) error {
	s := &c.Server
	s.Host = raw.Server.Host
	s.Port = raw.Server.Port
	s.MaxConnections = raw.Server.MaxConnections
	s.MaxFrameSize = raw.Server.MaxFrameSize

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"server.timeout", raw.Server.Timeout, &s.Timeout},
		{"server.heartbeat_timeout", raw.Server.HeartbeatTimeout, &s.HeartbeatTimeout},
		{"server.idle_timeout", raw.Server.IdleTimeout, &s.IdleTimeout},
		{"server.idle_check_interval", raw.Server.IdleCheckInterval, &s.IdleCheckInterval},
		{"server.write_timeout", raw.Server.WriteTimeout, &s.WriteTimeout},
		{"server.shutdown_grace", raw.Server.ShutdownGrace, &s.ShutdownGrace},
		{"server.stats_interval", raw.Server.StatsInterval, &s.StatsInterval},
		{"database.conn_max_lifetime", raw.Database.ConnMaxLifetime, &c.Database.ConnMaxLifetime},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", d.name)
		}
		*d.dst = v
	}

	c.Logging = raw.Logging
	c.Metrics = raw.Metrics
	c.Admin = raw.Admin
	c.Database.Enabled = raw.Database.Enabled
	c.Database.Host = raw.Database.Host
	c.Database.Port = raw.Database.Port
	c.Database.Username = raw.Database.Username
	c.Database.Password = raw.Database.Password
	c.Database.Database = raw.Database.Database
	c.Database.MaxOpenConns = raw.Database.MaxOpenConns
	c.Database.MaxIdleConns = raw.Database.MaxIdleConns
	c.Accounts = raw.Accounts
	c.AllowedIPs = raw.AllowedIPs
	return nil
}

// SaveConfig writes the current configuration as YAML
func (cm *ConfigManager) SaveConfig() error {
	if cm.config == nil {
		return errors.New("no configuration to save")
	}
	if cm.configPath == "" {
		return errors.New("no config path specified")
	}
	return writeConfig(cm.configPath, cm.config)
}

// Reload reloads configuration from source
func (cm *ConfigManager) Reload() error {
	_, err := cm.LoadConfig()
	return err
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config
}

// GetServerConfig converts the server section to the listener settings
func (cm *ConfigManager) GetServerConfig() *cmpp.ServerConfig {
	if cm.config == nil {
		return nil
	}
	return cm.config.ServerConfig()
}

// ServerConfig converts the server section to the listener settings
func (c *Config) ServerConfig() *cmpp.ServerConfig {
	s := c.Server
	return &cmpp.ServerConfig{
		Host:              s.Host,
		Port:              s.Port,
		MaxConnections:    s.MaxConnections,
		MaxFrameSize:      s.MaxFrameSize,
		Timeout:           s.Timeout,
		HeartbeatTimeout:  s.HeartbeatTimeout,
		IdleTimeout:       s.IdleTimeout,
		IdleCheckInterval: s.IdleCheckInterval,
		WriteTimeout:      s.WriteTimeout,
		ShutdownGrace:     s.ShutdownGrace,
		StatsInterval:     s.StatsInterval,
	}
}

// Validate checks ranges and cross-field requirements
func Validate(c *Config) error {
	if c == nil {
		return errors.New("configuration is nil")
	}
	if err := validateServerConfig(&c.Server); err != nil {
		return errors.Wrap(err, "invalid server config")
	}
	if err := validateLoggingConfig(&c.Logging); err != nil {
		return errors.Wrap(err, "invalid logging config")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return errors.New("metrics path cannot be empty")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return errors.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}
	if c.Admin.Enabled && (c.Admin.Port <= 0 || c.Admin.Port > 65535) {
		return errors.Errorf("invalid admin port: %d", c.Admin.Port)
	}
	if c.Database.Enabled && (c.Database.Host == "" || c.Database.Database == "") {
		return errors.New("database host and name are required when the database is enabled")
	}
	if err := validateAccounts(c); err != nil {
		return errors.Wrap(err, "invalid accounts")
	}
	return nil
}

func validateServerConfig(s *ServerConfig) error {
	if s.Port < 0 || s.Port > 65535 {
		return errors.Errorf("invalid server port: %d", s.Port)
	}
	if s.MaxConnections < 0 {
		return errors.Errorf("max connections cannot be negative: %d", s.MaxConnections)
	}
	if s.MaxFrameSize != 0 && s.MaxFrameSize < cmpp.HeaderLength {
		return errors.Errorf("max frame size below header length: %d", s.MaxFrameSize)
	}
	if s.Timeout <= 0 {
		return errors.Errorf("timeout must be positive: %v", s.Timeout)
	}
	if s.HeartbeatTimeout <= 0 {
		return errors.Errorf("heartbeat timeout must be positive: %v", s.HeartbeatTimeout)
	}
	if s.IdleTimeout > 0 && s.IdleCheckInterval <= 0 {
		return errors.New("idle check interval must be positive when idle timeout is set")
	}
	return nil
}

func validateLoggingConfig(l *LoggingConfig) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLevels[l.Level] {
		return errors.Errorf("invalid log level: %s", l.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[l.Format] {
		return errors.Errorf("invalid log format: %s", l.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[l.Output] {
		return errors.Errorf("invalid log output: %s", l.Output)
	}
	if l.Output == "file" && l.File == "" {
		return errors.New("log file path required when output is file")
	}
	return nil
}

func validateAccounts(c *Config) error {
	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.SourceAddr == "" {
			return errors.New("account source_addr cannot be empty")
		}
		if len(a.SourceAddr) > cmpp.SourceAddrLength {
			return errors.Errorf("account %s: source_addr longer than %d", a.SourceAddr, cmpp.SourceAddrLength)
		}
		if seen[a.SourceAddr] {
			return errors.Errorf("duplicate account %s", a.SourceAddr)
		}
		seen[a.SourceAddr] = true
		if a.FlowControl < 0 {
			return errors.Errorf("account %s: flow_control cannot be negative", a.SourceAddr)
		}
		for _, ip := range a.AllowedIPs {
			if err := validateIPOrCIDR(ip); err != nil {
				return errors.Wrapf(err, "account %s", a.SourceAddr)
			}
		}
	}
	for _, ip := range c.AllowedIPs {
		if err := validateIPOrCIDR(ip); err != nil {
			return err
		}
	}
	return nil
}

func validateIPOrCIDR(s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(s); err != nil {
		return errors.Errorf("invalid IP or CIDR: %s", s)
	}
	return nil
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	server := cmpp.DefaultServerConfig()
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              server.Port,
			MaxConnections:    1000,
			MaxFrameSize:      cmpp.DefaultMaxFrameSize,
			Timeout:           server.Timeout,
			HeartbeatTimeout:  server.HeartbeatTimeout,
			IdleTimeout:       server.IdleTimeout,
			IdleCheckInterval: server.IdleCheckInterval,
			WriteTimeout:      server.WriteTimeout,
			ShutdownGrace:     server.ShutdownGrace,
			StatsInterval:     server.StatsInterval,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "cmpp",
		},
		Admin: AdminConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            3306,
			Username:        "cmpp",
			Database:        "cmpp",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
	}
}

// CreateDefaultConfigFile writes the defaults to path
func CreateDefaultConfigFile(path string) error {
	return writeConfig(path, DefaultConfig())
}

func writeConfig(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	data, err := yaml.Marshal(toYAML(c))
	if err != nil {
		return errors.Wrap(err, "failed to marshal configuration")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
