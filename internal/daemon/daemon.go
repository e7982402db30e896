package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/syncd/internal/config"
	"github.com/harun/syncd/internal/logger"
	"github.com/harun/syncd/internal/observability"
	"github.com/harun/syncd/internal/tracing"
	"github.com/harun/syncd/pkg/channels"
	"github.com/harun/syncd/pkg/commandqueue"
	"github.com/harun/syncd/pkg/eventbus"
	"github.com/harun/syncd/pkg/gateway"
	"github.com/harun/syncd/pkg/store/sqlite"
)

// Daemon wires every component of the sync server together.
type Daemon struct {
	config     *config.Config
	configPath string
	logger     *logger.Logger

	bus      *eventbus.Bus
	store    *sqlite.Store
	queue    *commandqueue.Queue
	channels *channels.Registry
	sweeper  *sqlite.Sweeper
	gateway  *gateway.Server
	watcher  *config.Watcher
	audit    *observability.AuditLogger

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a daemon from cfg. When configPath is set the file is watched
// and log level changes apply without a restart.
func New(cfg *config.Config, log *logger.Logger, configPath string) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			Exporter:    cfg.Tracing.Exporter,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Str("exporter", cfg.Tracing.Exporter).Msg("Tracing initialized successfully")
		}
	}

	if err := d.initialize(); err != nil {
		cancel()
		d.closeStore()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.bus = eventbus.New(d.logger.Component("eventbus"))

	store, err := sqlite.Open(sqlite.Config{
		Path:   cfg.Store.Path,
		Bus:    d.bus,
		Logger: d.logger.Component("store"),
	})
	if err != nil {
		return err
	}
	d.store = store

	if cfg.Store.SweepSchedule != "" {
		sweeper, err := sqlite.NewSweeper(store, cfg.Store.SweepSchedule, d.logger.Component("sweeper"))
		if err != nil {
			return err
		}
		d.sweeper = sweeper
	}

	d.queue = commandqueue.New(commandqueue.Config{
		Capacity: cfg.Channels.QueueCapacity,
		Logger:   d.logger.Component("commandqueue"),
	})

	d.channels = channels.NewRegistry()
	for _, ch := range channels.NewAll(channels.Deps{
		Bus:    d.bus,
		Data:   store,
		Queue:  d.queue,
		Limits: channelLimits(cfg.Channels),
		Logger: d.logger.Component("channels"),
	}) {
		if err := d.channels.Register(ch); err != nil {
			return err
		}
	}

	if cfg.Logging.AuditFile != "" {
		audit, err := observability.OpenAuditLog(cfg.Logging.AuditFile)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		d.audit = audit
	}

	auth, err := gateway.NewJWTAuthenticator(cfg.Gateway.JWTSecret)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:               cfg.Gateway.Host,
		Port:               cfg.Gateway.Port,
		Channels:           d.channels,
		Agents:             store,
		Authenticator:      auth,
		MaxMessageBytes:    cfg.Gateway.MaxMessageBytes,
		SendBuffer:         cfg.Gateway.SendBuffer,
		AuthMaxAttempts:    cfg.Gateway.AuthMaxAttempts,
		RateLimitPerMinute: cfg.Gateway.RateLimitPerMinute,
		HeartbeatInterval:  cfg.Heartbeat.Interval,
		HeartbeatTimeout:   cfg.Heartbeat.Timeout,
		KeepAlive: gateway.KeepAliveConfig{
			Window:    cfg.KeepAlive.Window,
			Extension: cfg.KeepAlive.Extension,
			MaxIDs:    cfg.KeepAlive.MaxIDs,
		},
		Audit:  d.audit,
		Logger: d.logger.Component("gateway"),
	})
	if err != nil {
		return err
	}
	d.gateway = server

	if d.configPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:     d.configPath,
			OnReload: d.applyReload,
			Logger:   d.logger.GetZerolog(),
		})
		if err != nil {
			return err
		}
		d.watcher = watcher
	}

	return nil
}

func channelLimits(cfg config.ChannelsConfig) channels.Limits {
	return channels.Limits{
		Debounce:            cfg.Debounce,
		AgentsListCap:       cfg.AgentsListCap,
		AgentEventsLimit:    cfg.AgentEventsLimit,
		AgentEventsMaxLimit: cfg.AgentEventsMaxLimit,
		CollaboratorsCap:    cfg.CollaboratorsCap,
		IssuesCap:           cfg.IssuesCap,
		CommitsCap:          cfg.CommitsCap,
	}
}

// applyReload applies the settings that can change at runtime. Everything
// else needs a restart.
func (d *Daemon) applyReload(cfg *config.Config) {
	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Warn().Err(err).Msg("Ignoring invalid log level from reloaded config")
		return
	}
	d.logger.Info().Str("logLevel", cfg.Logging.Level).Msg("Applied reloaded config")
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting syncd daemon")

	if err := d.lifecycle.Start(); err != nil {
		// Nothing is running yet, and the PID file belongs to someone else.
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.closeStore()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.channels.StartAll(d.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	logger.Info().Strs("channels", d.channels.Names()).Msg("Channels started")

	if d.sweeper != nil {
		if err := d.sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start expiry sweeper: %w", err)
		}
	}

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping syncd daemon")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if err := d.gateway.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.sweeper != nil {
		if err := d.sweeper.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop expiry sweeper")
		}
	}

	if err := d.channels.StopAll(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop channels")
	}

	if err := d.queue.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	d.cancel()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeStore()
	if err := d.audit.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit log")
	}
	d.shutdownTracing()

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) closeStore() {
	if d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close store")
	}
	d.store = nil
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status describes a daemon's run state.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetStore returns the data store
func (d *Daemon) GetStore() *sqlite.Store {
	return d.store
}

// GetBus returns the event bus
func (d *Daemon) GetBus() *eventbus.Bus {
	return d.bus
}

// GetChannelRegistry returns the channel registry
func (d *Daemon) GetChannelRegistry() *channels.Registry {
	return d.channels
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gateway
}
