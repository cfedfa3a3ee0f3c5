package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the turns table on first connect. Kept additive so existing
// deployments keep their data across upgrades.
const schema = `
CREATE TABLE IF NOT EXISTS call_turns (
	id          BIGSERIAL PRIMARY KEY,
	client_ip   TEXT        NOT NULL,
	session_id  TEXT        NOT NULL,
	role        TEXT        NOT NULL,
	text        TEXT        NOT NULL,
	flags       TEXT[]      NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS call_turns_client_idx ON call_turns (client_ip, created_at);
CREATE INDEX IF NOT EXISTS call_turns_flags_idx ON call_turns USING gin (flags);
`

// saveTimeout bounds a single insert so a stalled database cannot back up
// pipeline workers.
const saveTimeout = 5 * time.Second

// PostgresStore implements [Store] on a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn and bootstraps the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: bootstrap schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveTurn inserts one dialogue turn.
func (s *PostgresStore) SaveTurn(ctx context.Context, t Turn) error {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	flags := t.FlaggedKeywords
	if flags == nil {
		flags = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_turns (client_ip, session_id, role, text, flags) VALUES ($1, $2, $3, $4, $5)`,
		t.ClientIP, t.SessionID, t.Role, t.Text, flags,
	)
	if err != nil {
		return fmt.Errorf("archive: insert turn: %w", err)
	}
	return nil
}

// Ping verifies the connection pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
