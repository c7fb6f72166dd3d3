package postgres

import (
	"context"
	"fmt"
)

// Migrate creates the records and run_reports tables when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	fingerprint TEXT PRIMARY KEY,
	target_id   TEXT NOT NULL,
	source_url  TEXT NOT NULL,
	fields      JSONB NOT NULL,
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL
)`, s.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_target_idx ON %s (target_id, first_seen DESC)`, s.records, s.records),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	target_id   TEXT NOT NULL,
	state       TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	report      JSONB NOT NULL
)`, s.reports),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_started_idx ON %s (started_at DESC)`, s.reports, s.reports),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_target_idx ON %s (target_id, started_at DESC)`, s.reports, s.reports),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", classify("migrate", err))
		}
	}
	return nil
}
