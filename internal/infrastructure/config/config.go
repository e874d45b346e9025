package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Clamping bounds for operator-supplied values. Out-of-range values are
// pulled back to the nearest bound rather than rejected, so a bad config
// file degrades to safe behaviour instead of refusing to start.
const (
	MinRegistryCapacity = 1
	MaxRegistryCapacity = 10000

	MinHeartbeatTimeout = 30 * time.Second
	MaxHeartbeatTimeout = time.Hour

	MinCommandTimeout = time.Second
	MaxCommandTimeout = 5 * time.Minute
)

// Config is the root configuration structure for Fleetcore.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Database  DatabaseConfig  `yaml:"database"`
	Registry  RegistryConfig  `yaml:"registry"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Sync      SyncConfig      `yaml:"sync"`
	Router    RouterConfig    `yaml:"router"`
	Tasks     TasksConfig     `yaml:"tasks"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings for the agent gateway and
// the thin control adapters.
type ServerConfig struct {
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	Timeouts ServerTimeoutConfig `yaml:"timeouts"`
}

// ServerTimeoutConfig contains HTTP timeout settings in seconds.
type ServerTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains agent gateway WebSocket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"` // seconds
	PongTimeout    int    `yaml:"pong_timeout"`  // seconds
	SendBufferSize int    `yaml:"send_buffer_size"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// RegistryConfig contains device registry settings.
type RegistryConfig struct {
	// Capacity is the maximum number of device records held in memory.
	// Clamped to [MinRegistryCapacity, MaxRegistryCapacity].
	Capacity int `yaml:"capacity"`

	// JanitorInterval is how often long-offline device records are swept.
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	// OfflineRetention is how long an offline device record is kept
	// before the janitor removes it.
	OfflineRetention time.Duration `yaml:"offline_retention"`

	// OperationClearDelay is how long a finished upgrade/rollback
	// operation stays visible on the device record before being cleared.
	OperationClearDelay time.Duration `yaml:"operation_clear_delay"`
}

// HeartbeatConfig contains heartbeat monitor settings.
type HeartbeatConfig struct {
	// ScanInterval is how often the monitor sweeps the registry for
	// devices that stopped heartbeating without a clean disconnect.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// Timeout is the staleness window after which a silent device is
	// transitioned offline. Clamped to [MinHeartbeatTimeout, MaxHeartbeatTimeout].
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig contains device state sync settings.
type SyncConfig struct {
	// FlushInterval is how often dirty device records are written to
	// durable storage.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RouterConfig contains message router settings.
type RouterConfig struct {
	// CommandTimeout is the default wait for a command reply.
	// Clamped to [MinCommandTimeout, MaxCommandTimeout].
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// TasksConfig contains batch task orchestrator settings.
type TasksConfig struct {
	// BatchSize is the number of devices dispatched concurrently per round.
	BatchSize int `yaml:"batch_size"`

	// DeviceTimeout is the per-device wait for a reported deploy outcome.
	DeviceTimeout time.Duration `yaml:"device_timeout"`

	// BatchDelay is the pause between batch rounds. It bounds load on
	// the fleet and the connection pool, not correctness.
	BatchDelay time.Duration `yaml:"batch_delay"`

	// RetryCap is the maximum retry attempts per device entry.
	RetryCap int `yaml:"retry_cap"`

	// RetentionSweepInterval is how often old tasks are deleted.
	RetentionSweepInterval time.Duration `yaml:"retention_sweep_interval"`

	// Retention is the age past which tasks are deleted regardless of status.
	Retention time.Duration `yaml:"retention"`

	// MaxLogEntries caps the per-task log list; TrimLogEntries is the
	// size it is cut back to when the cap is exceeded.
	MaxLogEntries  int `yaml:"max_log_entries"`
	TrimLogEntries int `yaml:"trim_log_entries"`
}

// MQTTConfig contains fleet event bridge settings.
// The bridge is optional; when disabled no broker connection is made.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains fleet metrics sink settings.
// Metrics are optional; when disabled no client is created.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEETCORE_SECTION_KEY
// For example: FLEETCORE_DATABASE_PATH, FLEETCORE_SERVER_PORT
func Load(path string) (*Config, error) {
	cfg := Default()

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

// Default returns a Config with sensible defaults.
// The defaults describe a single-node deployment managing up to 1000 devices.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: ServerTimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
			SendBufferSize: 256,
		},
		Database: DatabaseConfig{
			Path:        "./data/fleetcore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Registry: RegistryConfig{
			Capacity:            1000,
			JanitorInterval:     24 * time.Hour,
			OfflineRetention:    90 * 24 * time.Hour,
			OperationClearDelay: 30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			ScanInterval: 30 * time.Minute,
			Timeout:      60 * time.Second,
		},
		Sync: SyncConfig{
			FlushInterval: 5 * time.Second,
		},
		Router: RouterConfig{
			CommandTimeout: 30 * time.Second,
		},
		Tasks: TasksConfig{
			BatchSize:              10,
			DeviceTimeout:          5 * time.Minute,
			BatchDelay:             time.Second,
			RetryCap:               3,
			RetentionSweepInterval: 24 * time.Hour,
			Retention:              30 * 24 * time.Hour,
			MaxLogEntries:          1000,
			TrimLogEntries:         500,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetcore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
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
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEETCORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FLEETCORE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("FLEETCORE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLEETCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEETCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEETCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("FLEETCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors and clamps tunables into
// their documented ranges.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Tasks.BatchSize < 1 {
		errs = append(errs, "tasks.batch_size must be at least 1")
	}
	if c.Tasks.RetryCap < 0 {
		errs = append(errs, "tasks.retry_cap must not be negative")
	}
	if c.Tasks.TrimLogEntries > c.Tasks.MaxLogEntries {
		errs = append(errs, "tasks.trim_log_entries must not exceed tasks.max_log_entries")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	// Clamp rather than reject: these bound resource usage, and an
	// out-of-range value should not keep the control plane down.
	c.Registry.Capacity = clampInt(c.Registry.Capacity, MinRegistryCapacity, MaxRegistryCapacity)
	c.Heartbeat.Timeout = clampDuration(c.Heartbeat.Timeout, MinHeartbeatTimeout, MaxHeartbeatTimeout)
	c.Router.CommandTimeout = clampDuration(c.Router.CommandTimeout, MinCommandTimeout, MaxCommandTimeout)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ClampCommandTimeout pulls a caller-supplied command timeout into the
// allowed range. Zero selects the configured default.
func (c RouterConfig) ClampCommandTimeout(d time.Duration) time.Duration {
	if d == 0 {
		d = c.CommandTimeout
	}
	return clampDuration(d, MinCommandTimeout, MaxCommandTimeout)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetReadTimeout returns the server read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the server write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the server idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Server.Timeouts.Idle) * time.Second
}
