package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/harun/syncd/pkg/dataservice"
	"github.com/harun/syncd/pkg/eventbus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ExpireAgents marks every agent whose expiry has passed as expired and
// emits agent:updated for each one. It returns how many were expired.
func (s *Store) ExpireAgents(ctx context.Context) (int, error) {
	now := toMillis(s.now())

	var expired []eventbus.AgentEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, project_id, user_id FROM agents
			WHERE status != ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			dataservice.AgentStatusExpired, now,
		)
		if err != nil {
			return fmt.Errorf("failed to find expired agents: %w", err)
		}
		for rows.Next() {
			var ev eventbus.AgentEvent
			if err := rows.Scan(&ev.AgentID, &ev.ProjectID, &ev.UserID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan agent: %w", err)
			}
			expired = append(expired, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, ev := range expired {
			if _, err := tx.ExecContext(ctx,
				`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
				dataservice.AgentStatusExpired, now, ev.AgentID,
			); err != nil {
				return fmt.Errorf("failed to expire agent %s: %w", ev.AgentID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, ev := range expired {
		s.emit(eventbus.AgentUpdated, ev)
	}
	return len(expired), nil
}

// Sweeper runs ExpireAgents on a cron schedule.
type Sweeper struct {
	store    *Store
	schedule string
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper validates schedule (standard cron syntax or a descriptor such
// as "@every 1m") and returns a stopped sweeper.
func NewSweeper(store *Store, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		store:    store,
		schedule: schedule,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Start schedules the sweep. Calling Start twice is a no-op.
func (w *Sweeper) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(w.schedule, w.sweep); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()

	w.cron = c
	w.running = true
	w.logger.Info().Str("schedule", w.schedule).Msg("Expiry sweeper started")
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish or ctx
// to end.
func (w *Sweeper) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	c := w.cron
	w.running = false
	w.cron = nil
	w.mu.Unlock()

	select {
	case <-c.Stop().Done():
		w.logger.Info().Msg("Expiry sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Sweeper) sweep() {
	n, err := w.store.ExpireAgents(context.Background())
	if err != nil {
		w.logger.Error().Err(err).Msg("Expiry sweep failed")
		return
	}
	if n > 0 {
		w.logger.Info().Int("expired", n).Msg("Expired agents")
	}
}
