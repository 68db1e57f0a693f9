package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore keeps documents as rows of (name, content, updated_at).
type PostgresStore struct {
	db    *sqlx.DB
	table string
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	return NewPostgresStore(db, table), nil
}

func NewPostgresStore(db *sqlx.DB, table string) *PostgresStore {
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

func (s *PostgresStore) EnsureContainer(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name       TEXT PRIMARY KEY,
		content    BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("storage: create table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE name = $1)`, s.table)
	if err := s.db.GetContext(ctx, &exists, query, name); err != nil {
		return false, fmt.Errorf("storage: exists %s: %w", name, err)
	}
	return exists, nil
}

func (s *PostgresStore) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var content []byte
	query := fmt.Sprintf(`SELECT content FROM %s WHERE name = $1`, s.table)
	err := s.db.GetContext(ctx, &content, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", name, err)
	}
	return content, nil
}

func (s *PostgresStore) Write(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (name, content, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, query, name, data); err != nil {
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
