package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/ovren/stagehand/internal/metrics"
)

// Defaults applied when a dependency leaves them unset.
const (
	DefaultInterval = time.Second
	DefaultAttempts = 30
	dialTimeout     = time.Second
)

// Dependency is external infrastructure that must be reachable before any
// service is spawned. Immutable once loaded.
type Dependency struct {
	Label    string        `json:"label" mapstructure:"label"`
	Host     string        `json:"host" mapstructure:"host"`
	Port     int           `json:"port" mapstructure:"port"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Attempts int           `json:"attempts" mapstructure:"attempts"`
}

// Addr returns the host:port dial target.
func (d Dependency) Addr() string { return net.JoinHostPort(d.Host, strconv.Itoa(d.Port)) }

func (d Dependency) interval() time.Duration {
	if d.Interval <= 0 {
		return DefaultInterval
	}
	return d.Interval
}

func (d Dependency) attempts() int {
	if d.Attempts <= 0 {
		return DefaultAttempts
	}
	return d.Attempts
}

// TimeoutError means a dependency stayed unreachable for all attempts.
// It is fatal to the whole startup; no services may be spawned.
type TimeoutError struct {
	Dependency Dependency
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("dependency %s (%s) unreachable after %d attempts",
		e.Dependency.Label, e.Dependency.Addr(), e.Dependency.attempts())
}

// Await blocks until dep accepts a TCP connection, returning nil on the first
// successful connect. Between failed attempts it sleeps the poll interval; it
// gives up with a *TimeoutError after the configured attempt budget, so the
// wait is bounded by attempts*interval. Context cancellation aborts early.
func Await(ctx context.Context, dep Dependency) error {
	attempts := dep.attempts()
	for i := 1; i <= attempts; i++ {
		metrics.IncGateAttempt(dep.Label)
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", dep.Addr())
		if err == nil {
			_ = conn.Close()
			slog.Info("dependency ready", "label", dep.Label, "addr", dep.Addr(), "attempt", i)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("waiting for dependency", "label", dep.Label, "addr", dep.Addr(),
			"attempt", i, "of", attempts)
		if i == attempts {
			break
		}
		select {
		case <-time.After(dep.interval()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &TimeoutError{Dependency: dep}
}

// AwaitAll runs the waits for independent dependencies concurrently and
// returns the first failure, if any. All dependencies must be ready before
// the caller proceeds.
func AwaitAll(ctx context.Context, deps []Dependency) error {
	if len(deps) == 0 {
		return nil
	}
	errc := make(chan error, len(deps))
	for _, dep := range deps {
		go func(dep Dependency) { errc <- Await(ctx, dep) }(dep)
	}
	var firstErr error
	for range deps {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
