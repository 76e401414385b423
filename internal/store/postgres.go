package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentauth/backend/internal/core"
)

// PostgresStore persists challenge records in a single JSONB table. Postgres
// has no native TTL, so rows carry an expires_at epoch and reads filter on
// it; SweepExpired removes dead rows and is meant to run periodically.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS agentauth_challenges (
    id         TEXT PRIMARY KEY,
    record     JSONB NOT NULL,
    expires_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS agentauth_challenges_expires_at_idx
    ON agentauth_challenges (expires_at);
`

// NewPostgresStore opens the connection, verifies it, and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure challenge schema: %w", err)
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

// NewPostgresStoreFromDB wraps an existing handle without touching the
// schema. Used by tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) Set(ctx context.Context, id string, record *core.ChallengeRecord, ttlSeconds int) error {
	data, err := marshalRecord(record)
	if err != nil {
		return err
	}
	expiresAt := s.now().Unix() + int64(ttlSeconds)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agentauth_challenges (id, record, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET record = $2, expires_at = $3`,
		id, data, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres upsert %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*core.ChallengeRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT record FROM agentauth_challenges
		WHERE id = $1 AND expires_at > $2`,
		id, s.now().Unix()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", id, err)
	}
	return unmarshalRecord(data)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM agentauth_challenges WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres delete %s: %w", id, err)
	}
	return nil
}

// SweepExpired deletes all expired rows and returns how many were removed.
func (s *PostgresStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agentauth_challenges WHERE expires_at <= $1`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("postgres sweep: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
