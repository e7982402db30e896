package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultDirName  = ".syncd"
	defaultFileName = "syncd.json"
	envPrefix       = "SYNCD"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and SYNCD_* environment variables.
// A missing file is not an error: defaults plus environment apply.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// SYNCD_GATEWAY_JWT_SECRET -> gateway.jwt_secret
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set data directory if not specified
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, defaultDirName)
	}

	// Set store path if not specified
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "syncd.db")
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override values that
// the config file does not mention.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("gateway.host", d.Gateway.Host)
	v.SetDefault("gateway.port", d.Gateway.Port)
	v.SetDefault("gateway.jwt_secret", d.Gateway.JWTSecret)
	v.SetDefault("gateway.max_message_bytes", d.Gateway.MaxMessageBytes)
	v.SetDefault("gateway.send_buffer", d.Gateway.SendBuffer)
	v.SetDefault("gateway.auth_max_attempts", d.Gateway.AuthMaxAttempts)
	v.SetDefault("gateway.rate_limit_per_minute", d.Gateway.RateLimitPerMinute)

	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval.String())
	v.SetDefault("heartbeat.timeout", d.Heartbeat.Timeout.String())

	v.SetDefault("channels.debounce", d.Channels.Debounce.String())
	v.SetDefault("channels.agents_list_cap", d.Channels.AgentsListCap)
	v.SetDefault("channels.agent_events_limit", d.Channels.AgentEventsLimit)
	v.SetDefault("channels.agent_events_max_limit", d.Channels.AgentEventsMaxLimit)
	v.SetDefault("channels.collaborators_cap", d.Channels.CollaboratorsCap)
	v.SetDefault("channels.issues_cap", d.Channels.IssuesCap)
	v.SetDefault("channels.commits_cap", d.Channels.CommitsCap)
	v.SetDefault("channels.queue_capacity", d.Channels.QueueCapacity)

	v.SetDefault("keep_alive.window", d.KeepAlive.Window.String())
	v.SetDefault("keep_alive.extension", d.KeepAlive.Extension.String())
	v.SetDefault("keep_alive.max_ids", d.KeepAlive.MaxIDs)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.sweep_schedule", d.Store.SweepSchedule)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.console", d.Logging.Console)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.redaction", d.Logging.Redaction)
	v.SetDefault("logging.audit_file", d.Logging.AuditFile)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultDirName, defaultFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
