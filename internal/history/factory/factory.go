package factory

import (
	"fmt"

	"github.com/ovren/stagehand/internal/history"
	"github.com/ovren/stagehand/internal/history/clickhouse"
	"github.com/ovren/stagehand/internal/history/opensearch"
	"github.com/ovren/stagehand/internal/history/postgres"
	"github.com/ovren/stagehand/internal/history/sqlite"
)

// Config selects and configures a transition event sink.
type Config struct {
	Backend string `mapstructure:"backend"` // sqlite | postgres | clickhouse | opensearch
	DSN     string `mapstructure:"dsn"`     // path, connection string, addr or base URL
	Table   string `mapstructure:"table"`   // clickhouse table / opensearch index
}

// New builds the sink for the configured backend.
func New(c Config) (history.Sink, error) {
	switch c.Backend {
	case "sqlite":
		return sqlite.New(c.DSN)
	case "postgres":
		return postgres.New(c.DSN)
	case "clickhouse":
		return clickhouse.New(c.DSN, c.Table)
	case "opensearch":
		return opensearch.New(c.DSN, c.Table), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", c.Backend)
	}
}
