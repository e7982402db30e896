package channels

import (
	"errors"
	"fmt"
)

// ErrInvalidParams marks params that fail a channel's validation.
var ErrInvalidParams = errors.New("invalid params")

// SnapshotError wraps a data failure while building a snapshot.
type SnapshotError struct {
	Channel string
	Err     error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot for %s failed: %v", e.Channel, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

func errUnexpectedPayload(event string, payload interface{}) error {
	return fmt.Errorf("unexpected payload %T for %s", payload, event)
}
