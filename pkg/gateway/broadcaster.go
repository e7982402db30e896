package gateway

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Broadcaster fans one message out to many connections, encoding it once.
// A failed send never affects the others.
type Broadcaster struct {
	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{logger: logger}
}

// Broadcast sends msg to every connection and returns the delivery counts.
func (b *Broadcaster) Broadcast(conns []*Connection, msg interface{}) (sent, failed int) {
	if len(conns) == 0 {
		return 0, 0
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal broadcast")
		return 0, len(conns)
	}

	for _, conn := range conns {
		if err := conn.SendRaw(data); err != nil {
			b.logger.Debug().
				Err(err).
				Str("connectionId", conn.ID).
				Msg("Failed to broadcast to connection")
			failed++
			continue
		}
		sent++
	}

	b.logger.Debug().
		Int("success", sent).
		Int("failed", failed).
		Msg("Broadcast complete")

	return sent, failed
}
