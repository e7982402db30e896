package cli

import (
	"fmt"
	"os"

	"github.com/harun/syncd/internal/daemon"
	"github.com/harun/syncd/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the syncd server in the foreground",
	Long: `Run the syncd server in the foreground until SIGINT or SIGTERM.
The config file is watched and log level changes apply without a restart.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	// Only watch a config file that exists; defaults plus env need no reload.
	watchPath := configPath()
	if _, err := os.Stat(watchPath); err != nil {
		watchPath = ""
	}

	d, err := daemon.New(cfg, log, watchPath)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		if d.Status().Running {
			if stopErr := d.Stop(); stopErr != nil {
				log.Error().Err(stopErr).Msg("Failed to clean up after start failure")
			}
		}
		return err
	}

	d.Wait()
	return nil
}
