package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// minJWTSecretLength is the shortest accepted HMAC secret.
const minJWTSecretLength = 32

// Config is the root configuration structure for the printgate gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Backends  BackendsConfig  `yaml:"backends"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite settings for the device inventory.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains settings for the status publishing broker.
//
// This is the gateway's own broker. Printers speaking MQTT (Bambu) are
// dialled directly and configured under backends.bambu.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APIAuthConfig controls bearer token authentication.
// When disabled every request is treated as an admin.
type APIAuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the status stream endpoint.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	BufferSize     int    `yaml:"buffer_size"`
}

// InfluxDBConfig contains InfluxDB connection settings for printer telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SessionsConfig controls device session behaviour.
type SessionsConfig struct {
	// AutoConnect starts a connection attempt as soon as a device is discovered.
	AutoConnect bool `yaml:"auto_connect"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CommandTimeout applies to commands submitted without a deadline.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// QueueLimit caps queued commands per device. 0 means unlimited.
	QueueLimit int `yaml:"queue_limit"`

	// ResultRetention is how long completed commands stay pollable.
	ResultRetention time.Duration `yaml:"result_retention"`

	// StatusBuffer is the per-listener buffer of the status aggregator.
	StatusBuffer int `yaml:"status_buffer"`
}

// ReconnectConfig is the backoff policy applied after connection failures.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DiscoveryConfig contains settings for each discovery source.
type DiscoveryConfig struct {
	SSDP   SSDPConfig           `yaml:"ssdp"`
	MDNS   MDNSConfig           `yaml:"mdns"`
	Serial SerialScanConfig     `yaml:"serial"`
	Static []StaticDeviceConfig `yaml:"static"`

	// RefreshInterval is how often static devices are re-announced.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// RestartDelay and RestartMaxDelay bound source restarts after failure.
	RestartDelay    time.Duration `yaml:"restart_delay"`
	RestartMaxDelay time.Duration `yaml:"restart_max_delay"`
}

// SSDPConfig configures the Bambu LAN announcement listener.
type SSDPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Port    int    `yaml:"port"`
}

// MDNSConfig configures the mDNS browser for Moonraker hosts.
type MDNSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Service    string   `yaml:"service"`
	Domain     string   `yaml:"domain"`
	Interfaces []string `yaml:"interfaces"`
}

// SerialScanConfig configures serial port enumeration.
type SerialScanConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Patterns []string      `yaml:"patterns"`
	Interval time.Duration `yaml:"interval"`
}

// StaticDeviceConfig declares a device that is announced without discovery.
type StaticDeviceConfig struct {
	Identity string            `yaml:"identity"`
	Kind     string            `yaml:"kind"`
	Address  string            `yaml:"address"`
	Name     string            `yaml:"name"`
	Meta     map[string]string `yaml:"meta"`
}

// BackendsConfig contains per-protocol settings.
type BackendsConfig struct {
	Bambu     BambuConfig     `yaml:"bambu"`
	Moonraker MoonrakerConfig `yaml:"moonraker"`
	Serial    SerialConfig    `yaml:"serial"`
}

// BambuConfig configures the Bambu LAN MQTT backend.
type BambuConfig struct {
	Port int `yaml:"port"`

	// AccessCodes maps printer name or serial to its LAN access code.
	AccessCodes map[string]string `yaml:"access_codes"`

	// DefaultAccessCode is used when no per-printer code matches.
	DefaultAccessCode string `yaml:"default_access_code"`

	// InsecureSkipVerify accepts the printer's self-signed certificate.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// MoonrakerConfig configures the Moonraker HTTP backend.
type MoonrakerConfig struct {
	Port int `yaml:"port"`

	// APIKeys maps host or device name to an X-Api-Key value.
	APIKeys map[string]string `yaml:"api_keys"`

	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// SerialConfig configures the serial G-code backend.
type SerialConfig struct {
	BaudRate     int           `yaml:"baud_rate"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PRINTGATE_SECTION_KEY
// For example: PRINTGATE_DATABASE_PATH, PRINTGATE_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// Used when no config file is present.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:   "printgate-001",
			Name: "printgate",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/printgate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "printgate",
			},
			QoS:         1,
			TopicPrefix: "printgate",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Auth: APIAuthConfig{
				TokenTTL: 24 * time.Hour,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			BufferSize:     64,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Sessions: SessionsConfig{
			AutoConnect: true,
			Reconnect: ReconnectConfig{
				InitialDelay: time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2,
				Jitter:       0.2,
				MaxAttempts:  5,
			},
			ConnectTimeout:  10 * time.Second,
			CommandTimeout:  30 * time.Second,
			QueueLimit:      64,
			ResultRetention: 5 * time.Minute,
			StatusBuffer:    32,
		},
		Discovery: DiscoveryConfig{
			SSDP: SSDPConfig{
				Enabled: true,
				Listen:  "0.0.0.0",
				Port:    2021,
			},
			MDNS: MDNSConfig{
				Enabled: true,
				Service: "_moonraker._tcp",
				Domain:  "local.",
			},
			Serial: SerialScanConfig{
				Patterns: []string{"/dev/ttyUSB*", "/dev/ttyACM*"},
				Interval: 30 * time.Second,
			},
			RefreshInterval: time.Minute,
			RestartDelay:    time.Second,
			RestartMaxDelay: 30 * time.Second,
		},
		Backends: BackendsConfig{
			Bambu: BambuConfig{
				Port:               8883,
				InsecureSkipVerify: true,
			},
			Moonraker: MoonrakerConfig{
				Port:              7125,
				RequestsPerSecond: 10,
				Burst:             5,
				RequestTimeout:    10 * time.Second,
			},
			Serial: SerialConfig{
				BaudRate:     115200,
				PollInterval: 2 * time.Second,
				ReadTimeout:  100 * time.Millisecond,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PRINTGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("PRINTGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("PRINTGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PRINTGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PRINTGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("PRINTGATE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PRINTGATE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("PRINTGATE_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("PRINTGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("PRINTGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Backends
	if v := os.Getenv("PRINTGATE_BAMBU_ACCESS_CODE"); v != "" {
		cfg.Backends.Bambu.DefaultAccessCode = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Gateway.ID == "" {
		errs = append(errs, "gateway.id is required")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.API.Auth.Enabled && len(c.API.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters when auth is enabled", minJWTSecretLength))
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	r := c.Sessions.Reconnect
	if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
		errs = append(errs, "sessions.reconnect delays must be positive with max_delay >= initial_delay")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		errs = append(errs, "sessions.reconnect.jitter must be in [0, 1)")
	}
	if r.MaxAttempts < 1 {
		errs = append(errs, "sessions.reconnect.max_attempts must be at least 1")
	}
	if c.Sessions.CommandTimeout <= 0 {
		errs = append(errs, "sessions.command_timeout must be positive")
	}
	if c.Sessions.QueueLimit < 0 {
		errs = append(errs, "sessions.queue_limit must not be negative")
	}

	for i, d := range c.Discovery.Static {
		switch d.Kind {
		case "network", "moonraker", "serial":
		default:
			errs = append(errs, fmt.Sprintf("discovery.static[%d].kind %q is not one of network, moonraker, serial", i, d.Kind))
		}
		if d.Address == "" {
			errs = append(errs, fmt.Sprintf("discovery.static[%d].address is required", i))
		}
	}

	if c.Backends.Moonraker.RequestsPerSecond <= 0 {
		errs = append(errs, "backends.moonraker.requests_per_second must be positive")
	}
	if c.Backends.Serial.BaudRate <= 0 {
		errs = append(errs, "backends.serial.baud_rate must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// AccessCodeFor returns the Bambu LAN access code for a printer.
// Lookup order is device name, serial, then the default code.
func (b BambuConfig) AccessCodeFor(name, serial string) (string, bool) {
	if code, ok := b.AccessCodes[name]; ok && name != "" {
		return code, true
	}
	if code, ok := b.AccessCodes[serial]; ok && serial != "" {
		return code, true
	}
	if b.DefaultAccessCode != "" {
		return b.DefaultAccessCode, true
	}
	return "", false
}

// APIKeyFor returns the Moonraker API key for a host or device name.
func (m MoonrakerConfig) APIKeyFor(host, name string) string {
	if key, ok := m.APIKeys[host]; ok {
		return key
	}
	return m.APIKeys[name]
}
