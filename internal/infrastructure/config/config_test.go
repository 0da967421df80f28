package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
gateway:
  id: "workshop"
database:
  path: "/tmp/test.db"
api:
  port: 9090
sessions:
  reconnect:
    initial_delay: 500ms
    max_delay: 10s
    max_attempts: 3
discovery:
  static:
    - identity: "serial:/dev/ttyUSB0"
      kind: serial
      address: /dev/ttyUSB0
      name: ender
backends:
  bambu:
    access_codes:
      "X1C-Garage": "12345678"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Gateway.ID != "workshop" {
		t.Errorf("Gateway.ID = %q, want %q", cfg.Gateway.ID, "workshop")
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Sessions.Reconnect.InitialDelay != 500*time.Millisecond {
		t.Errorf("Reconnect.InitialDelay = %v, want 500ms", cfg.Sessions.Reconnect.InitialDelay)
	}
	if cfg.Sessions.Reconnect.MaxAttempts != 3 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 3", cfg.Sessions.Reconnect.MaxAttempts)
	}
	// Unset values keep their defaults.
	if cfg.Sessions.Reconnect.Multiplier != 2 {
		t.Errorf("Reconnect.Multiplier = %v, want default 2", cfg.Sessions.Reconnect.Multiplier)
	}
	if len(cfg.Discovery.Static) != 1 || cfg.Discovery.Static[0].Kind != "serial" {
		t.Errorf("Discovery.Static = %+v, want one serial device", cfg.Discovery.Static)
	}
	if code, ok := cfg.Backends.Bambu.AccessCodeFor("X1C-Garage", ""); !ok || code != "12345678" {
		t.Errorf("AccessCodeFor() = %q, %v", code, ok)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
gateway:
  id: ""
discovery:
  static:
    - kind: carrier-pigeon
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"gateway.id", "discovery.static[0].kind", "discovery.static[0].address"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: true},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{
			name:    "database path required when enabled",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name: "database path optional when disabled",
			mutate: func(c *Config) {
				c.Database.Enabled = false
				c.Database.Path = ""
			},
		},
		{
			name:    "influxdb requires url",
			mutate:  func(c *Config) { c.InfluxDB.Enabled = true },
			wantErr: true,
		},
		{
			name:    "max delay below initial delay",
			mutate:  func(c *Config) { c.Sessions.Reconnect.MaxDelay = time.Millisecond },
			wantErr: true,
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Config) { c.Sessions.Reconnect.Jitter = 1.5 },
			wantErr: true,
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Sessions.Reconnect.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero command timeout",
			mutate:  func(c *Config) { c.Sessions.CommandTimeout = 0 },
			wantErr: true,
		},
		{
			name: "auth with short secret",
			mutate: func(c *Config) {
				c.API.Auth.Enabled = true
				c.API.Auth.JWTSecret = "short"
			},
			wantErr: true,
		},
		{
			name: "auth with long secret",
			mutate: func(c *Config) {
				c.API.Auth.Enabled = true
				c.API.Auth.JWTSecret = strings.Repeat("s", 32)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("PRINTGATE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("PRINTGATE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("PRINTGATE_MQTT_USERNAME", "testuser")
	t.Setenv("PRINTGATE_MQTT_PASSWORD", "testpass")
	t.Setenv("PRINTGATE_API_HOST", "192.168.1.1")
	t.Setenv("PRINTGATE_API_PORT", "9000")
	t.Setenv("PRINTGATE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("PRINTGATE_LOG_LEVEL", "debug")
	t.Setenv("PRINTGATE_BAMBU_ACCESS_CODE", "87654321")
	t.Setenv("PRINTGATE_JWT_SECRET", "env-secret")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port = %d, want 9000", cfg.API.Port)
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Backends.Bambu.DefaultAccessCode != "87654321" {
		t.Errorf("Bambu.DefaultAccessCode = %q, want %q", cfg.Backends.Bambu.DefaultAccessCode, "87654321")
	}
	if cfg.API.Auth.JWTSecret != "env-secret" {
		t.Errorf("API.Auth.JWTSecret = %q, want %q", cfg.API.Auth.JWTSecret, "env-secret")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Sessions.Reconnect.InitialDelay != time.Second {
		t.Errorf("Reconnect.InitialDelay = %v, want 1s", cfg.Sessions.Reconnect.InitialDelay)
	}
	if cfg.Sessions.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("Reconnect.MaxDelay = %v, want 30s", cfg.Sessions.Reconnect.MaxDelay)
	}
	if cfg.Sessions.Reconnect.MaxAttempts != 5 {
		t.Errorf("Reconnect.MaxAttempts = %d, want 5", cfg.Sessions.Reconnect.MaxAttempts)
	}
	if cfg.Discovery.SSDP.Port != 2021 {
		t.Errorf("SSDP.Port = %d, want 2021", cfg.Discovery.SSDP.Port)
	}
	if cfg.Backends.Bambu.Port != 8883 {
		t.Errorf("Bambu.Port = %d, want 8883", cfg.Backends.Bambu.Port)
	}
}

func TestAccessCodeFor(t *testing.T) {
	b := BambuConfig{
		AccessCodes: map[string]string{
			"Garage":          "11111111",
			"01S00A000000001": "22222222",
		},
	}

	if code, ok := b.AccessCodeFor("Garage", "x"); !ok || code != "11111111" {
		t.Errorf("by name = %q, %v", code, ok)
	}
	if code, ok := b.AccessCodeFor("Unknown", "01S00A000000001"); !ok || code != "22222222" {
		t.Errorf("by serial = %q, %v", code, ok)
	}
	if _, ok := b.AccessCodeFor("Unknown", "nope"); ok {
		t.Error("expected no code without default")
	}

	b.DefaultAccessCode = "33333333"
	if code, ok := b.AccessCodeFor("Unknown", "nope"); !ok || code != "33333333" {
		t.Errorf("default = %q, %v", code, ok)
	}
}
