package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ovren/stagehand/internal/history"
)

// Sink appends transition events to a SQLite database (modernc.org/sqlite,
// CGO-free). Path is a filesystem path; use ":memory:" for in-memory.
type Sink struct {
	db *sql.DB
}

func New(path string) (*Sink, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s := &Sink{db: d}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_transitions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			restarts INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			reason TEXT NULL,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_transitions_name ON service_transitions(name);`,
		`CREATE INDEX IF NOT EXISTS idx_service_transitions_to ON service_transitions(to_state);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_transitions(name, from_state, to_state, pid, restarts, exit_code, reason, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.Name, e.From, e.To, e.PID, e.Restarts, e.ExitCode, e.Reason, e.OccurredAt.UTC())
	return err
}

// CountByName returns the number of recorded transitions for a service.
func (s *Sink) CountByName(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_transitions WHERE name = ?;`, name).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.db.Close() }
