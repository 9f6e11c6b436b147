package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// PostgresStore keeps credentials in a single table, one row per tenant.
// Useful when several gateway instances share a database for warm takeover,
// even though live sessions themselves are single-process.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the pool and runs the idempotent schema migration.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS credentials (
		tenant_id TEXT PRIMARY KEY,
		blob BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate credentials table: %w", err)
	}
	slog.Info("postgres credential store ready", slog.String("component", "credstore"))
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context, tenantID string) ([]byte, error) {
	var stored []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE tenant_id=$1`, tenantID).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	creds, err := unseal(stored)
	if err != nil {
		return nil, fmt.Errorf("unseal credentials for %s: %w", tenantID, err)
	}
	return creds, nil
}

func (s *PostgresStore) Persist(ctx context.Context, tenantID string, creds []byte) error {
	sealed, err := seal(creds)
	if err != nil {
		return fmt.Errorf("seal credentials for %s: %w", tenantID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO credentials (tenant_id, blob, updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET blob=EXCLUDED.blob, updated_at=NOW()`, tenantID, sealed)
	if err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) Wipe(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE tenant_id=$1`, tenantID); err != nil {
		return fmt.Errorf("wipe credentials: %w", err)
	}
	return nil
}

// Ping reports backend health for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
