package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/litongjava/tio-mail-wing/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
	QueryTimeout    string      `toml:"query_timeout"`
}

// GetPort returns the configured port as a string, defaulting to 5432.
func (e *DatabaseEndpointConfig) GetPort() (string, error) {
	switch p := e.Port.(type) {
	case nil:
		return "5432", nil
	case string:
		if p == "" {
			return "5432", nil
		}
		if _, err := strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("invalid database port %q", p)
		}
		return p, nil
	case int64:
		return strconv.FormatInt(p, 10), nil
	case int:
		return strconv.Itoa(p), nil
	default:
		return "", fmt.Errorf("invalid database port type %T", e.Port)
	}
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetQueryTimeout parses the query timeout duration for an endpoint.
// A zero duration means the caller falls back to the database-wide value.
func (e *DatabaseEndpointConfig) GetQueryTimeout() (time.Duration, error) {
	if e.QueryTimeout == "" {
		return 0, nil
	}
	return helpers.ParseDuration(e.QueryTimeout)
}

// DatabaseConfig holds database configuration with separate read/write endpoints.
//
// Driver selects the mailbox store: "postgres" (default) or "memory". The
// memory store keeps everything in process and is meant for development.
type DatabaseConfig struct {
	Driver           string                  `toml:"driver"`
	Debug            bool                    `toml:"debug"`
	AutoMigrate      bool                    `toml:"auto_migrate"`
	QueryTimeout     string                  `toml:"query_timeout"`
	WriteTimeout     string                  `toml:"write_timeout"`
	MigrationTimeout string                  `toml:"migration_timeout"`
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"`
}

// GetDriver returns the normalized store driver name.
func (d *DatabaseConfig) GetDriver() string {
	switch strings.ToLower(d.Driver) {
	case "memory", "mem":
		return "memory"
	default:
		return "postgres"
	}
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds S3 configuration. Bodies are offloaded to the bucket only
// when Enabled is set; otherwise they stay in the messages table.
type S3Config struct {
	Enabled       bool   `toml:"enabled"`
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"`
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// LocalCacheConfig holds local disk cache configuration for message bodies.
type LocalCacheConfig struct {
	Enabled          bool   `toml:"enabled"`
	Path             string `toml:"path"`
	Capacity         string `toml:"capacity"`
	MaxObjectSize    string `toml:"max_object_size"`
	PurgeInterval    string `toml:"purge_interval"`
	OrphanCleanupAge string `toml:"orphan_cleanup_age"`
}

// GetCapacity parses the cache capacity size
func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		return helpers.ParseSize("1gb")
	}
	return helpers.ParseSize(c.Capacity)
}

// GetMaxObjectSize parses the max object size
func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		return helpers.ParseSize("5mb")
	}
	return helpers.ParseSize(c.MaxObjectSize)
}

// GetPurgeInterval parses the purge interval duration
func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 12 * time.Hour, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// GetOrphanCleanupAge parses the orphan cleanup age duration
func (c *LocalCacheConfig) GetOrphanCleanupAge() (time.Duration, error) {
	if c.OrphanCleanupAge == "" {
		return 30 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.OrphanCleanupAge)
}

// ProtocolServerConfig is shared by the SMTP, POP3 and IMAP listeners.
type ProtocolServerConfig struct {
	Start          bool   `toml:"start"`
	Addr           string `toml:"addr"`
	Hostname       string `toml:"hostname"`
	MaxConnections int    `toml:"max_connections"`
	CommandTimeout string `toml:"command_timeout"` // Idle time allowed between two commands
	MaxErrors      int    `toml:"max_errors"`      // Disconnect after this many consecutive bad commands
	MaxMessageSize string `toml:"max_message_size"`
}

// GetCommandTimeout parses the idle timeout between client commands.
func (s *ProtocolServerConfig) GetCommandTimeout() (time.Duration, error) {
	if s.CommandTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.CommandTimeout)
}

// GetMaxMessageSize parses the largest accepted message.
func (s *ProtocolServerConfig) GetMaxMessageSize() (int64, error) {
	if s.MaxMessageSize == "" {
		return helpers.ParseSize("25mb")
	}
	return helpers.ParseSize(s.MaxMessageSize)
}

// GetMaxErrors returns the error budget, defaulting to 10.
func (s *ProtocolServerConfig) GetMaxErrors() int {
	if s.MaxErrors <= 0 {
		return 10
	}
	return s.MaxErrors
}

// GetHostname returns the announced host name, falling back to os.Hostname.
func (s *ProtocolServerConfig) GetHostname() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration. The alarm endpoint
// lives here.
type HTTPAPIConfig struct {
	Start            bool     `toml:"start"`
	Addr             string   `toml:"addr"`
	APIKey           string   `toml:"api_key"`
	AllowedHosts     []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	AlarmFromAddress string   `toml:"alarm_from_address"`
	MaxBodySize      string   `toml:"max_body_size"`
}

// GetMaxBodySize parses the request body limit.
func (h *HTTPAPIConfig) GetMaxBodySize() (int64, error) {
	if h.MaxBodySize == "" {
		return helpers.ParseSize("1mb")
	}
	return helpers.ParseSize(h.MaxBodySize)
}

// ServersConfig groups all listeners.
type ServersConfig struct {
	SMTP    ProtocolServerConfig `toml:"smtp"`
	POP3    ProtocolServerConfig `toml:"pop3"`
	IMAP    ProtocolServerConfig `toml:"imap"`
	HTTPAPI HTTPAPIConfig        `toml:"http_api"`
	Metrics MetricsConfig        `toml:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"` // Log format: "json" or "console"
	Level     string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"local_cache"`
	Servers    ServersConfig    `toml:"servers"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			AutoMigrate:  true,
			QueryTimeout: "30s",
			WriteTimeout: "15s",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "mailwing",
				MaxConns:        50,
				MinConns:        2,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		LocalCache: LocalCacheConfig{
			Path:             "/tmp/mailwing/cache",
			Capacity:         "1gb",
			MaxObjectSize:    "5mb",
			PurgeInterval:    "12h",
			OrphanCleanupAge: "30d",
		},
		Servers: ServersConfig{
			SMTP: ProtocolServerConfig{
				Start:          true,
				Addr:           ":25",
				MaxConnections: 500,
				CommandTimeout: "5m",
				MaxErrors:      10,
				MaxMessageSize: "25mb",
			},
			POP3: ProtocolServerConfig{
				Start:          true,
				Addr:           ":110",
				MaxConnections: 500,
				CommandTimeout: "10m",
				MaxErrors:      10,
			},
			IMAP: ProtocolServerConfig{
				Start:          true,
				Addr:           ":143",
				MaxConnections: 1000,
				CommandTimeout: "30m",
				MaxErrors:      10,
				MaxMessageSize: "25mb",
			},
			HTTPAPI: HTTPAPIConfig{
				Start:       true,
				Addr:        ":8080",
				MaxBodySize: "1mb",
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Addr:    ":9090",
				Path:    "/metrics",
			},
		},
	}
}

// ApplyEnvOverrides replaces secrets with values from the environment when
// they are set. Files loaded through godotenv land here as well.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("MAILWING_DB_PASSWORD"); v != "" {
		if c.Database.Write != nil {
			c.Database.Write.Password = v
		}
		if c.Database.Read != nil {
			c.Database.Read.Password = v
		}
	}
	if v := os.Getenv("MAILWING_API_KEY"); v != "" {
		c.Servers.HTTPAPI.APIKey = v
	}
	if v := os.Getenv("MAILWING_S3_SECRET_KEY"); v != "" {
		c.S3.SecretKey = v
	}
}

// Validate checks cross-field constraints that toml decoding cannot.
func (c *Config) Validate() error {
	if c.Database.GetDriver() == "postgres" {
		if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
			return fmt.Errorf("database.write.hosts is required for the postgres driver")
		}
		if _, err := c.Database.Write.GetPort(); err != nil {
			return err
		}
	}
	if c.S3.Enabled && (c.S3.Endpoint == "" || c.S3.Bucket == "") {
		return fmt.Errorf("s3.endpoint and s3.bucket are required when s3 is enabled")
	}
	if c.S3.Encrypt && len(c.S3.EncryptionKey) != 64 {
		return fmt.Errorf("s3.encryption_key must be 64 hex characters")
	}
	servers := map[string]ProtocolServerConfig{
		"smtp": c.Servers.SMTP,
		"pop3": c.Servers.POP3,
		"imap": c.Servers.IMAP,
	}
	for name, s := range servers {
		if s.Start && s.Addr == "" {
			return fmt.Errorf("servers.%s.addr is required when the server is started", name)
		}
		if _, err := s.GetCommandTimeout(); err != nil {
			return fmt.Errorf("servers.%s.command_timeout: %w", name, err)
		}
		if _, err := s.GetMaxMessageSize(); err != nil {
			return fmt.Errorf("servers.%s.max_message_size: %w", name, err)
		}
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace
// from all string fields. Unknown keys are reported and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Check quoting, balanced brackets and [section] headers", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}

	case reflect.Interface:
		// Port may decode as string or integer
		if !v.IsNil() {
			elem := v.Elem()
			if elem.Kind() == reflect.String {
				v.Set(reflect.ValueOf(strings.TrimSpace(elem.String())))
			}
		}
	}
}
