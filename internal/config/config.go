package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main syncd configuration
type Config struct {
	// Gateway (WebSocket + HTTP)
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Heartbeat monitor
	Heartbeat HeartbeatConfig `json:"heartbeat" mapstructure:"heartbeat"`

	// Channel tuning
	Channels ChannelsConfig `json:"channels" mapstructure:"channels"`

	// Agent keep-alive
	KeepAlive KeepAliveConfig `json:"keep_alive" mapstructure:"keep_alive"`

	// Reference data store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	JWTSecret          string `json:"jwt_secret" mapstructure:"jwt_secret"`
	MaxMessageBytes    int64  `json:"max_message_bytes" mapstructure:"max_message_bytes"`
	SendBuffer         int    `json:"send_buffer" mapstructure:"send_buffer"`
	AuthMaxAttempts    int    `json:"auth_max_attempts" mapstructure:"auth_max_attempts"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// HeartbeatConfig holds ping interval and dead-connection timeout
type HeartbeatConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// ChannelsConfig holds per-channel tuning
type ChannelsConfig struct {
	Debounce            time.Duration `json:"debounce" mapstructure:"debounce"` // agents-list update coalescing
	AgentsListCap       int           `json:"agents_list_cap" mapstructure:"agents_list_cap"`
	AgentEventsLimit    int           `json:"agent_events_limit" mapstructure:"agent_events_limit"`
	AgentEventsMaxLimit int           `json:"agent_events_max_limit" mapstructure:"agent_events_max_limit"`
	CollaboratorsCap    int           `json:"collaborators_cap" mapstructure:"collaborators_cap"`
	IssuesCap           int           `json:"issues_cap" mapstructure:"issues_cap"`
	CommitsCap          int           `json:"commits_cap" mapstructure:"commits_cap"`
	QueueCapacity       int           `json:"queue_capacity" mapstructure:"queue_capacity"`
}

// KeepAliveConfig controls agent lifetime extension
type KeepAliveConfig struct {
	Window    time.Duration `json:"window" mapstructure:"window"`       // extend when expiring within this window
	Extension time.Duration `json:"extension" mapstructure:"extension"` // how far to extend
	MaxIDs    int           `json:"max_ids" mapstructure:"max_ids"`
}

// StoreConfig holds sqlite store settings
type StoreConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"` // empty disables the audit log
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	Exporter    string `json:"exporter" mapstructure:"exporter"` // stdout, none
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			MaxMessageBytes:    64 * 1024,
			SendBuffer:         256,
			AuthMaxAttempts:    3,
			RateLimitPerMinute: 600,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  90 * time.Second,
		},
		Channels: ChannelsConfig{
			Debounce:            500 * time.Millisecond,
			AgentsListCap:       100,
			AgentEventsLimit:    50,
			AgentEventsMaxLimit: 500,
			CollaboratorsCap:    200,
			IssuesCap:           200,
			CommitsCap:          100,
			QueueCapacity:       1024,
		},
		KeepAlive: KeepAliveConfig{
			Window:    5 * time.Minute,
			Extension: 30 * time.Minute,
			MaxIDs:    100,
		},
		Store: StoreConfig{
			SweepSchedule: "@every 1m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "syncd",
			Exporter:    "none",
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.JWTSecret != "" {
		masked.Gateway.JWTSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Addr returns the gateway listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}
