package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateJWTSecret validates the HMAC secret used to verify client tokens
func (v *Validator) ValidateJWTSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("gateway.jwt_secret cannot be empty")
	}
	if len(secret) < 16 {
		return fmt.Errorf("gateway.jwt_secret too short (min 16 bytes), got %d", len(secret))
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateHeartbeat validates the ping interval against the dead-connection timeout
func (v *Validator) ValidateHeartbeat(hb HeartbeatConfig) error {
	if hb.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %s", hb.Interval)
	}
	if hb.Timeout <= hb.Interval {
		return fmt.Errorf("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)", hb.Timeout, hb.Interval)
	}
	return nil
}

// ValidatePositive validates that a named integer setting is > 0
func (v *Validator) ValidatePositive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

// ValidateDuration validates that a named duration setting is >= 0
func (v *Validator) ValidateDuration(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s must be >= 0, got %s", name, d)
	}
	return nil
}

// ValidateSchedule validates a cron spec in the syntax robfig/cron accepts
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil // sweeper disabled
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid store.sweep_schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateExporter validates the tracing exporter name
func (v *Validator) ValidateExporter(name string) error {
	switch name {
	case "", "none", "stdout":
		return nil
	}
	return fmt.Errorf("invalid tracing exporter: %s (must be one of: none, stdout)", name)
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	// Gateway
	if err := v.ValidateJWTSecret(cfg.Gateway.JWTSecret); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errs = append(errs, fmt.Errorf("gateway.port: %w", err))
	}
	if cfg.Gateway.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_message_bytes must be positive"))
	}
	for name, value := range map[string]int{
		"gateway.send_buffer":           cfg.Gateway.SendBuffer,
		"gateway.auth_max_attempts":     cfg.Gateway.AuthMaxAttempts,
		"gateway.rate_limit_per_minute": cfg.Gateway.RateLimitPerMinute,
	} {
		if err := v.ValidatePositive(name, value); err != nil {
			errs = append(errs, err)
		}
	}

	// Heartbeat
	if err := v.ValidateHeartbeat(cfg.Heartbeat); err != nil {
		errs = append(errs, err)
	}

	// Channels
	if err := v.ValidateDuration("channels.debounce", cfg.Channels.Debounce); err != nil {
		errs = append(errs, err)
	}
	for name, value := range map[string]int{
		"channels.agents_list_cap":        cfg.Channels.AgentsListCap,
		"channels.agent_events_limit":     cfg.Channels.AgentEventsLimit,
		"channels.agent_events_max_limit": cfg.Channels.AgentEventsMaxLimit,
		"channels.collaborators_cap":      cfg.Channels.CollaboratorsCap,
		"channels.issues_cap":             cfg.Channels.IssuesCap,
		"channels.commits_cap":            cfg.Channels.CommitsCap,
		"channels.queue_capacity":         cfg.Channels.QueueCapacity,
	} {
		if err := v.ValidatePositive(name, value); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Channels.AgentEventsLimit > cfg.Channels.AgentEventsMaxLimit {
		errs = append(errs, fmt.Errorf("channels.agent_events_limit (%d) exceeds channels.agent_events_max_limit (%d)",
			cfg.Channels.AgentEventsLimit, cfg.Channels.AgentEventsMaxLimit))
	}

	// Keep-alive
	if err := v.ValidateDuration("keep_alive.window", cfg.KeepAlive.Window); err != nil {
		errs = append(errs, err)
	}
	if cfg.KeepAlive.Extension <= 0 {
		errs = append(errs, fmt.Errorf("keep_alive.extension must be positive"))
	}
	if err := v.ValidatePositive("keep_alive.max_ids", cfg.KeepAlive.MaxIDs); err != nil {
		errs = append(errs, err)
	}

	// Store
	if err := v.ValidateSchedule(cfg.Store.SweepSchedule); err != nil {
		errs = append(errs, err)
	}

	// Logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	// Tracing
	if err := v.ValidateExporter(cfg.Tracing.Exporter); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// Validate joins every ValidateConfig failure into one error.
func (v *Validator) Validate(cfg *Config) error {
	return errors.Join(v.ValidateConfig(cfg)...)
}
