package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
)

// coldSchema bootstraps the cold-tier table on startup. The row carries the
// full item metadata so the in-memory index can be rebuilt from it.
const coldSchema = `
CREATE TABLE IF NOT EXISTS stored_items (
	id          TEXT PRIMARY KEY,
	item_type   TEXT NOT NULL DEFAULT '',
	payload     BYTEA NOT NULL,
	priority    TEXT NOT NULL DEFAULT '',
	tier        TEXT NOT NULL DEFAULT '',
	ts          TIMESTAMPTZ NOT NULL DEFAULT now(),
	size        BIGINT NOT NULL DEFAULT 0,
	compressed  BOOLEAN NOT NULL DEFAULT FALSE,
	encrypted   BOOLEAN NOT NULL DEFAULT FALSE,
	retry_count INT NOT NULL DEFAULT 0,
	expires_at  TIMESTAMPTZ,
	checksum    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS stored_items_expires_at_idx ON stored_items (expires_at);
CREATE INDEX IF NOT EXISTS stored_items_item_type_idx ON stored_items (item_type);
`

// DB wraps the cold-tier database connection
type DB struct {
	*sqlx.DB
	config *config.DatabaseConfig
}

// NewDB creates a new database connection for the cold tier
func NewDB(cfg *config.DatabaseConfig) (*DB, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, errors.NewValidationError("database configuration is required")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, errors.NewInternalError("failed to connect to database").WithCause(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to ping database").WithCause(err)
	}

	if _, err := db.ExecContext(ctx, coldSchema); err != nil {
		db.Close()
		return nil, errors.NewInternalError("failed to create cold tier schema").WithCause(err)
	}

	return &DB{DB: db, config: cfg}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	if db.DB == nil {
		return errors.NewInternalError("database connection is nil")
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.NewInternalError("database health check failed").WithCause(err)
	}
	return nil
}

// postgresBackend persists cold-tier payloads in Postgres
type postgresBackend struct {
	db *DB
}

// NewPostgresBackend creates a Postgres-backed storage backend
func NewPostgresBackend(db *DB) Backend {
	return &postgresBackend{db: db}
}

func (b *postgresBackend) Put(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	return b.PutRecord(ctx, id, data, ttl, ItemRecord{Timestamp: time.Now()})
}

func (b *postgresBackend) PutRecord(ctx context.Context, id string, data []byte, ttl time.Duration, rec ItemRecord) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO stored_items
			(id, item_type, payload, priority, tier, ts, size, compressed, encrypted, retry_count, expires_at, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			item_type = $2, payload = $3, priority = $4, tier = $5, ts = $6,
			size = $7, compressed = $8, encrypted = $9, retry_count = $10,
			expires_at = $11, checksum = $12`,
		id, string(rec.Type), data, string(rec.Priority), string(rec.Tier), rec.Timestamp,
		rec.Size, rec.Compressed, rec.Encrypted, rec.RetryCount, expiresAt, rec.Checksum)
	if err != nil {
		return errors.NewInternalError("failed to store item in database").WithCause(err)
	}
	return nil
}

func (b *postgresBackend) Get(ctx context.Context, id string) ([]byte, bool, error) {
	var payload []byte
	err := b.db.QueryRowContext(ctx, `
		SELECT payload FROM stored_items
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewInternalError("failed to read item from database").WithCause(err)
	}
	return payload, true, nil
}

func (b *postgresBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM stored_items WHERE id = $1`, id); err != nil {
		return errors.NewInternalError("failed to delete item from database").WithCause(err)
	}
	return nil
}

func (b *postgresBackend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM stored_items`); err != nil {
		return errors.NewInternalError("failed to clear stored items").WithCause(err)
	}
	return nil
}

func (b *postgresBackend) Name() string {
	return "postgres"
}
