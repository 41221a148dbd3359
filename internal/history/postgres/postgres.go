package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ovren/stagehand/internal/history"
)

// Sink appends transition events to PostgreSQL via pgx's database/sql driver.
type Sink struct {
	db *sql.DB
}

func New(dsn string) (*Sink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("empty postgres dsn")
	}
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
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
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			restarts INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			reason TEXT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_transitions_name ON service_transitions(name);`,
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
		VALUES($1, $2, $3, $4, $5, $6, $7, $8);`,
		e.Name, e.From, e.To, e.PID, e.Restarts, e.ExitCode, e.Reason, e.OccurredAt.UTC())
	return err
}

// CountByName returns the number of recorded transitions for a service.
func (s *Sink) CountByName(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_transitions WHERE name = $1;`, name).Scan(&n)
	return n, err
}

func (s *Sink) Close() error { return s.db.Close() }
