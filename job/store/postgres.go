package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// DBConfig configures the Postgres connection pool. A zero value is
// filled in with defaults scaled to the number of available CPUs.
type DBConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c DBConfig) withDefaults() DBConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = int32(runtime.GOMAXPROCS(0)) * 4
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	return c
}

// OpenPostgres runs the embedded migrations against cfg.DSN and returns a
// pgxpool.Pool sized for the current process. The blob and metadata stores
// for the checkpoint engine's dual-layer design share this one pool.
func OpenPostgres(ctx context.Context, cfg DBConfig) (*pgxpool.Pool, error) {
	cfg = cfg.withDefaults()

	if err := runPostgresMigrations(cfg.DSN); err != nil {
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse pool config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET TIMEZONE='UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	return pool, nil
}

func runPostgresMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return goose.Up(db, "migrations")
}

// PostgresBlobStore is a BlobStore backed by a pgxpool.Pool opened with
// OpenPostgres. It shares the teacher's checkpoint-layering role with
// GCSBlobStore, trading object-storage durability for the lower latency of
// a relational connection when deployed alongside PostgresMetadataStore.
type PostgresBlobStore struct {
	pool *pgxpool.Pool
	mu   sync.Mutex
}

// NewPostgresBlobStore wraps pool as a BlobStore.
func NewPostgresBlobStore(pool *pgxpool.Pool) *PostgresBlobStore { return &PostgresBlobStore{pool: pool} }

func (b *PostgresBlobStore) Put(ctx context.Context, key string, value []byte, ifTag string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var curTag string
	err = tx.QueryRow(ctx, `SELECT tag FROM blobs WHERE key = $1`, key).Scan(&curTag)
	switch {
	case err == pgx.ErrNoRows:
		if ifTag != "" {
			return "", ErrConditionFailed
		}
	case err != nil:
		return "", fmt.Errorf("store: read blob tag: %w", err)
	default:
		if curTag != ifTag {
			return "", ErrConditionFailed
		}
	}

	newTag := genTag(time.Now().UnixNano())
	_, err = tx.Exec(ctx, `INSERT INTO blobs (key, value, tag) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, tag = excluded.tag`, key, value, newTag)
	if err != nil {
		return "", fmt.Errorf("store: write blob: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("store: commit blob write: %w", err)
	}
	return newTag, nil
}

func (b *PostgresBlobStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	var value []byte
	var tag string
	err := b.pool.QueryRow(ctx, `SELECT value, tag FROM blobs WHERE key = $1`, key).Scan(&value, &tag)
	if err == pgx.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: get blob: %w", err)
	}
	return value, tag, nil
}

func (b *PostgresBlobStore) Delete(ctx context.Context, key string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM blobs WHERE key = $1`, key); err != nil {
		return fmt.Errorf("store: delete blob: %w", err)
	}
	return nil
}

// PostgresMetadataStore is a MetadataStore backed by a pgxpool.Pool opened
// with OpenPostgres.
type PostgresMetadataStore struct {
	pool *pgxpool.Pool
	mu   sync.Mutex
}

// NewPostgresMetadataStore wraps pool as a MetadataStore.
func NewPostgresMetadataStore(pool *pgxpool.Pool) *PostgresMetadataStore {
	return &PostgresMetadataStore{pool: pool}
}

func (m *PostgresMetadataStore) ConditionalPut(ctx context.Context, item MetadataItem, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var curVersion int
	err = tx.QueryRow(ctx, `SELECT version FROM metadata_items WHERE partition_key = $1 AND sort_key = $2`,
		item.PartitionKey, item.SortKey).Scan(&curVersion)
	switch {
	case err == pgx.ErrNoRows:
		if expectedVersion != 0 {
			return ErrConditionFailed
		}
	case err != nil:
		return fmt.Errorf("store: read metadata version: %w", err)
	default:
		if curVersion != expectedVersion {
			return ErrConditionFailed
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `INSERT INTO metadata_items (partition_key, sort_key, version, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_key, sort_key) DO UPDATE SET
			version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at`,
		item.PartitionKey, item.SortKey, item.Version, item.Payload, now)
	if err != nil {
		return fmt.Errorf("store: write metadata item: %w", err)
	}

	return tx.Commit(ctx)
}

func (m *PostgresMetadataStore) Get(ctx context.Context, partitionKey, sortKey string) (MetadataItem, error) {
	var item MetadataItem
	item.PartitionKey, item.SortKey = partitionKey, sortKey
	err := m.pool.QueryRow(ctx, `SELECT version, payload, updated_at FROM metadata_items
		WHERE partition_key = $1 AND sort_key = $2`, partitionKey, sortKey).Scan(&item.Version, &item.Payload, &item.UpdatedAt)
	if err == pgx.ErrNoRows {
		return MetadataItem{}, ErrNotFound
	}
	if err != nil {
		return MetadataItem{}, fmt.Errorf("store: get metadata item: %w", err)
	}
	return item, nil
}

func (m *PostgresMetadataStore) Append(ctx context.Context, item MetadataItem) error {
	now := time.Now().UTC()
	_, err := m.pool.Exec(ctx, `INSERT INTO metadata_items (partition_key, sort_key, version, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)`, item.PartitionKey, item.SortKey, item.Version, item.Payload, now)
	if err != nil {
		return fmt.Errorf("store: append metadata item: %w", err)
	}
	return nil
}

func (m *PostgresMetadataStore) Scan(ctx context.Context, partitionKey string) ([]MetadataItem, error) {
	rows, err := m.pool.Query(ctx, `SELECT sort_key, version, payload, updated_at FROM metadata_items
		WHERE partition_key = $1 ORDER BY seq`, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("store: scan metadata: %w", err)
	}
	defer rows.Close()

	var items []MetadataItem
	for rows.Next() {
		item := MetadataItem{PartitionKey: partitionKey}
		if err := rows.Scan(&item.SortKey, &item.Version, &item.Payload, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan metadata row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
