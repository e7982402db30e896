package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateJWTSecret(t *testing.T) {
	v := NewValidator()

	t.Run("valid secret", func(t *testing.T) {
		assert.NoError(t, v.ValidateJWTSecret("a-long-enough-secret"))
	})

	t.Run("empty secret", func(t *testing.T) {
		assert.Error(t, v.ValidateJWTSecret(""))
	})

	t.Run("short secret", func(t *testing.T) {
		assert.Error(t, v.ValidateJWTSecret("short"))
	})
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort(0))
	assert.NoError(t, v.ValidatePort(8080))
	assert.Error(t, v.ValidatePort(-1))
	assert.Error(t, v.ValidatePort(70000))
}

func TestValidateHeartbeat(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		hb      HeartbeatConfig
		wantErr bool
	}{
		{"defaults", HeartbeatConfig{Interval: 30 * time.Second, Timeout: 90 * time.Second}, false},
		{"zero interval", HeartbeatConfig{Interval: 0, Timeout: time.Second}, true},
		{"timeout equals interval", HeartbeatConfig{Interval: time.Second, Timeout: time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateHeartbeat(tt.hb)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule(""))
	assert.NoError(t, v.ValidateSchedule("@every 1m"))
	assert.NoError(t, v.ValidateSchedule("*/5 * * * *"))
	assert.Error(t, v.ValidateSchedule("sometimes"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateExporter(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateExporter("stdout"))
	assert.NoError(t, v.ValidateExporter("none"))
	assert.Error(t, v.ValidateExporter("jaeger"))
}

func TestValidateConfigCollectsAll(t *testing.T) {
	v := NewValidator()
	cfg := DefaultConfig()
	cfg.Gateway.SendBuffer = 0
	cfg.KeepAlive.MaxIDs = 0
	cfg.Logging.Level = "loud"

	errs := v.ValidateConfig(cfg)
	// jwt secret, send buffer, max ids, log level
	assert.Len(t, errs, 4)
}
