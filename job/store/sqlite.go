package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if absent) the database at path, sets the
// pragmas a single-writer-many-readers job core needs, and ensures its
// schema exists. Use ":memory:" for ephemeral test databases. The returned
// handle is shared across SQLiteJobStore, SQLiteTemplateStore,
// SQLiteBlobStore, and SQLiteMetadataStore, each implementing one store
// contract against the same tables.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := createSQLiteTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return db, nil
}

func createSQLiteTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			status_detail TEXT NOT NULL DEFAULT '',
			template_id TEXT NOT NULL,
			template_version INTEGER NOT NULL,
			seed_locator TEXT NOT NULL,
			target_records INTEGER NOT NULL,
			budget_limit REAL NOT NULL,
			records_generated INTEGER NOT NULL DEFAULT 0,
			records_rejected INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_accumulated REAL NOT NULL DEFAULT 0,
			output_format TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS job_queue (
			job_id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(job_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON job_queue(created_at, job_id)`,
		`CREATE TABLE IF NOT EXISTS templates (
			template_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			steps_json TEXT NOT NULL,
			schema_json TEXT NOT NULL,
			PRIMARY KEY (template_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			tag TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata_items (
			partition_key TEXT NOT NULL,
			sort_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			UNIQUE (partition_key, sort_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metadata_scan ON metadata_items(partition_key, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func joinSet(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// SQLiteJobStore is a JobStore backed by a SQLite database opened with
// OpenSQLite.
type SQLiteJobStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteJobStore wraps db as a JobStore. db must already have the job
// core's schema, via OpenSQLite.
func NewSQLiteJobStore(db *sql.DB) *SQLiteJobStore { return &SQLiteJobStore{db: db} }

func (s *SQLiteJobStore) Get(ctx context.Context, jobID string) (JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_id, owner_id, status, status_reason, status_detail,
		template_id, template_version, seed_locator, target_records, budget_limit,
		records_generated, records_rejected, tokens_used, cost_accumulated, output_format,
		created_at, updated_at FROM jobs WHERE job_id = ?`, jobID)
	var rec JobRecord
	err := row.Scan(&rec.JobID, &rec.OwnerID, &rec.Status, &rec.StatusReason, &rec.StatusDetail,
		&rec.TemplateID, &rec.TemplateVersion, &rec.SeedLocator, &rec.TargetRecords, &rec.BudgetLimit,
		&rec.RecordsGenerated, &rec.RecordsRejected, &rec.TokensUsed, &rec.CostAccumulated, &rec.OutputFormat,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, fmt.Errorf("store: get job: %w", err)
	}
	return rec, nil
}

func (s *SQLiteJobStore) ConditionalUpdate(ctx context.Context, jobID, expectedStatus, newStatus string, patch JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ?`, jobID).Scan(&curStatus); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: read status: %w", err)
	}
	if curStatus != expectedStatus {
		return ErrConditionFailed
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{newStatus, time.Now().UTC()}
	if patch.StatusReason != nil {
		set = append(set, "status_reason = ?")
		args = append(args, *patch.StatusReason)
	}
	if patch.StatusDetail != nil {
		set = append(set, "status_detail = ?")
		args = append(args, *patch.StatusDetail)
	}
	if patch.RecordsGenerated != nil {
		set = append(set, "records_generated = ?")
		args = append(args, *patch.RecordsGenerated)
	}
	if patch.RecordsRejected != nil {
		set = append(set, "records_rejected = ?")
		args = append(args, *patch.RecordsRejected)
	}
	if patch.TokensUsed != nil {
		set = append(set, "tokens_used = ?")
		args = append(args, *patch.TokensUsed)
	}
	if patch.CostAccumulated != nil {
		set = append(set, "cost_accumulated = ?")
		args = append(args, *patch.CostAccumulated)
	}
	args = append(args, jobID)

	query := "UPDATE jobs SET " + joinSet(set) + " WHERE job_id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: update job: %w", err)
	}

	if expectedStatus == "QUEUED" && newStatus != "QUEUED" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_queue WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("store: remove queue entry: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteJobStore) ListByOwner(ctx context.Context, ownerID, cursor string, limit int) ([]JobRecord, string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, owner_id, status, status_reason, status_detail,
		template_id, template_version, seed_locator, target_records, budget_limit,
		records_generated, records_rejected, tokens_used, cost_accumulated, output_format,
		created_at, updated_at FROM jobs WHERE owner_id = ? AND job_id > ? ORDER BY job_id LIMIT ?`,
		ownerID, cursor, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("store: list by owner: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page []JobRecord
	for rows.Next() {
		var rec JobRecord
		if err := rows.Scan(&rec.JobID, &rec.OwnerID, &rec.Status, &rec.StatusReason, &rec.StatusDetail,
			&rec.TemplateID, &rec.TemplateVersion, &rec.SeedLocator, &rec.TargetRecords, &rec.BudgetLimit,
			&rec.RecordsGenerated, &rec.RecordsRejected, &rec.TokensUsed, &rec.CostAccumulated, &rec.OutputFormat,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, "", fmt.Errorf("store: scan job: %w", err)
		}
		page = append(page, rec)
	}

	nextCursor := ""
	if len(page) > limit {
		nextCursor = page[limit-1].JobID
		page = page[:limit]
	}
	return page, nextCursor, nil
}

func (s *SQLiteJobStore) InsertWithQueueEntry(ctx context.Context, job JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO jobs (job_id, owner_id, status, status_reason, status_detail,
		template_id, template_version, seed_locator, target_records, budget_limit,
		records_generated, records_rejected, tokens_used, cost_accumulated, output_format,
		created_at, updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.JobID, job.OwnerID, job.Status, job.StatusReason, job.StatusDetail,
		job.TemplateID, job.TemplateVersion, job.SeedLocator, job.TargetRecords, job.BudgetLimit,
		job.RecordsGenerated, job.RecordsRejected, job.TokensUsed, job.CostAccumulated, job.OutputFormat,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO job_queue (job_id, created_at) VALUES (?, ?)`, job.JobID, job.CreatedAt); err != nil {
		return fmt.Errorf("store: insert queue entry: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteJobStore) DequeueNext(ctx context.Context) (string, bool, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx, `SELECT job_id FROM job_queue ORDER BY created_at, job_id LIMIT 1`).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: dequeue: %w", err)
	}
	return jobID, true, nil
}

func (s *SQLiteJobStore) RemoveQueueEntry(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_queue WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("store: remove queue entry: %w", err)
	}
	return nil
}

// SQLiteTemplateStore is a TemplateStore backed by a SQLite database opened
// with OpenSQLite.
type SQLiteTemplateStore struct {
	db *sql.DB
}

// NewSQLiteTemplateStore wraps db as a TemplateStore.
func NewSQLiteTemplateStore(db *sql.DB) *SQLiteTemplateStore { return &SQLiteTemplateStore{db: db} }

func (s *SQLiteTemplateStore) Get(ctx context.Context, templateID string, version int) (TemplateRecord, error) {
	var rec TemplateRecord
	err := s.db.QueryRowContext(ctx, `SELECT template_id, version, steps_json, schema_json
		FROM templates WHERE template_id = ? AND version = ?`, templateID, version).
		Scan(&rec.TemplateID, &rec.Version, &rec.StepsJSON, &rec.SchemaJSON)
	if err == sql.ErrNoRows {
		return TemplateRecord{}, ErrNotFound
	}
	if err != nil {
		return TemplateRecord{}, fmt.Errorf("store: get template: %w", err)
	}
	return rec, nil
}

// Put inserts an immutable template version; re-inserting an existing
// (templateID, version) pair is a no-op, matching the contract that a
// version is never mutated after creation.
func (s *SQLiteTemplateStore) Put(ctx context.Context, rec TemplateRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO templates (template_id, version, steps_json, schema_json)
		VALUES (?, ?, ?, ?)`, rec.TemplateID, rec.Version, rec.StepsJSON, rec.SchemaJSON)
	if err != nil {
		return fmt.Errorf("store: put template: %w", err)
	}
	return nil
}

// SQLiteBlobStore is a BlobStore backed by a SQLite database opened with
// OpenSQLite. Its conditional tag is an opaque, monotonically increasing
// string minted on each write, mirroring the tag semantics MemBlobStore and
// GCSBlobStore provide.
type SQLiteBlobStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteBlobStore wraps db as a BlobStore.
func NewSQLiteBlobStore(db *sql.DB) *SQLiteBlobStore { return &SQLiteBlobStore{db: db} }

func (b *SQLiteBlobStore) Put(ctx context.Context, key string, value []byte, ifTag string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curTag string
	err = tx.QueryRowContext(ctx, `SELECT tag FROM blobs WHERE key = ?`, key).Scan(&curTag)
	switch {
	case err == sql.ErrNoRows:
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
	if _, err := tx.ExecContext(ctx, `INSERT INTO blobs (key, value, tag) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, tag = excluded.tag`, key, value, newTag); err != nil {
		return "", fmt.Errorf("store: write blob: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit blob write: %w", err)
	}
	return newTag, nil
}

func (b *SQLiteBlobStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	var value []byte
	var tag string
	err := b.db.QueryRowContext(ctx, `SELECT value, tag FROM blobs WHERE key = ?`, key).Scan(&value, &tag)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: get blob: %w", err)
	}
	return value, tag, nil
}

func (b *SQLiteBlobStore) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete blob: %w", err)
	}
	return nil
}

// SQLiteMetadataStore is a MetadataStore backed by a SQLite database opened
// with OpenSQLite.
type SQLiteMetadataStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteMetadataStore wraps db as a MetadataStore.
func NewSQLiteMetadataStore(db *sql.DB) *SQLiteMetadataStore { return &SQLiteMetadataStore{db: db} }

func (m *SQLiteMetadataStore) ConditionalPut(ctx context.Context, item MetadataItem, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curVersion int
	err = tx.QueryRowContext(ctx, `SELECT version FROM metadata_items WHERE partition_key = ? AND sort_key = ?`,
		item.PartitionKey, item.SortKey).Scan(&curVersion)
	switch {
	case err == sql.ErrNoRows:
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
	if _, err := tx.ExecContext(ctx, `INSERT INTO metadata_items (partition_key, sort_key, version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(partition_key, sort_key) DO UPDATE SET
			version = excluded.version, payload = excluded.payload, updated_at = excluded.updated_at`,
		item.PartitionKey, item.SortKey, item.Version, item.Payload, now); err != nil {
		return fmt.Errorf("store: write metadata item: %w", err)
	}

	return tx.Commit()
}

func (m *SQLiteMetadataStore) Get(ctx context.Context, partitionKey, sortKey string) (MetadataItem, error) {
	var item MetadataItem
	item.PartitionKey, item.SortKey = partitionKey, sortKey
	err := m.db.QueryRowContext(ctx, `SELECT version, payload, updated_at FROM metadata_items
		WHERE partition_key = ? AND sort_key = ?`, partitionKey, sortKey).Scan(&item.Version, &item.Payload, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return MetadataItem{}, ErrNotFound
	}
	if err != nil {
		return MetadataItem{}, fmt.Errorf("store: get metadata item: %w", err)
	}
	return item, nil
}

func (m *SQLiteMetadataStore) Append(ctx context.Context, item MetadataItem) error {
	now := time.Now().UTC()
	_, err := m.db.ExecContext(ctx, `INSERT INTO metadata_items (partition_key, sort_key, version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)`, item.PartitionKey, item.SortKey, item.Version, item.Payload, now)
	if err != nil {
		return fmt.Errorf("store: append metadata item: %w", err)
	}
	return nil
}

func (m *SQLiteMetadataStore) Scan(ctx context.Context, partitionKey string) ([]MetadataItem, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT sort_key, version, payload, updated_at FROM metadata_items
		WHERE partition_key = ? ORDER BY seq`, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("store: scan metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
