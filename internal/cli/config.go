package cli

import (
	"fmt"
	"path/filepath"

	"github.com/harun/syncd/internal/config"
	"github.com/harun/syncd/internal/daemon"
)

// loadConfig loads the config named by --config and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// configPath returns the config file in effect.
func configPath() string {
	return config.NewLoader(cfgFile).GetConfigPath()
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, daemon.PIDFileName)
}
