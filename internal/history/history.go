package history

import (
	"context"
	"time"
)

// Event is one state transition in a service's lifecycle. The feed is append
// only; supervisor state itself is never reconstructed from it.
type Event struct {
	Name       string    `json:"name"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PID        int       `json:"pid,omitempty"`
	Restarts   int       `json:"restarts"`
	ExitCode   int       `json:"exit_code"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for transition events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
