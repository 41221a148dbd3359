package stagehand

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/ovren/stagehand/internal/config"
	"github.com/ovren/stagehand/internal/env"
	"github.com/ovren/stagehand/internal/gate"
	"github.com/ovren/stagehand/internal/graph"
	"github.com/ovren/stagehand/internal/history"
	"github.com/ovren/stagehand/internal/history/factory"
	"github.com/ovren/stagehand/internal/metrics"
	iapi "github.com/ovren/stagehand/internal/server"
	"github.com/ovren/stagehand/internal/service"
	"github.com/ovren/stagehand/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Spec = service.Spec

type Status = service.Status

type State = service.State

type ExternalDependency = gate.Dependency

type CycleError = graph.CycleError

type DependencyTimeoutError = gate.TimeoutError

type DegradedError = supervisor.DegradedError

type HistorySink = history.Sink

type HistoryConfig = factory.Config

type Options = supervisor.Options

// Supervisor is a thin facade over the internal supervisor for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(opts Options) (*Supervisor, error) {
	s, err := supervisor.New(opts)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Run(ctx context.Context) error      { return s.inner.Run(ctx) }
func (s *Supervisor) Plan() []string                     { return s.inner.Plan() }
func (s *Supervisor) Status(name string) (Status, error) { return s.inner.Status(name) }
func (s *Supervisor) StatusAll() []Status                { return s.inner.StatusAll() }
func (s *Supervisor) IsUp(name string) bool              { return s.inner.IsUp(name) }

// NewEnv builds the environment composer used for supervised services.
func NewEnv(global []string) *env.Env {
	e := env.New()
	e.SetGlobal(global)
	return e
}

// Await blocks until the external dependency is reachable or its attempt
// budget is exhausted.
func Await(ctx context.Context, dep ExternalDependency) error { return gate.Await(ctx, dep) }

// AwaitAll resolves all readiness gates concurrently; any timeout fails the
// whole wait.
func AwaitAll(ctx context.Context, deps []ExternalDependency) error {
	return gate.AwaitAll(ctx, deps)
}

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*cfg.Config, error) { return cfg.Load(path) }

// NewHistorySink builds a transition event sink from config.
func NewHistorySink(c HistoryConfig) (HistorySink, error) { return factory.New(c) }

// NewHTTPServer starts an HTTP server exposing the read-only status API.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, basePath, s.inner)
}

// MountEcho registers the status API on an existing echo application.
func MountEcho(e *echo.Echo, basePath string, s *Supervisor) {
	iapi.MountEcho(e, basePath, s.inner)
}

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func ServeMetrics(addr string) error                { return metrics.Serve(addr) }
