package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	t.Run("valid config masks secret", func(t *testing.T) {
		path, _ := writeConfig(t, testSecret)

		out, err := execute(t, "validate", "--config", path)
		require.NoError(t, err)

		assert.Contains(t, out, "Configuration OK")
		assert.Contains(t, out, "***")
		assert.NotContains(t, out, testSecret)
	})

	t.Run("short secret rejected", func(t *testing.T) {
		path, _ := writeConfig(t, "short")

		_, err := execute(t, "validate", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("bad log level override", func(t *testing.T) {
		path, _ := writeConfig(t, testSecret)

		_, err := execute(t, "validate", "--config", path, "--log-level", "verbose")
		require.Error(t, err)
	})
}
