package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// OpenMySQL opens a connection pool to dsn (a go-sql-driver/mysql DSN, e.g.
// "user:pass@tcp(host:3306)/plotpalette?parseTime=true") and ensures its
// schema exists. dsn must include parseTime=true so TIMESTAMP columns scan
// into time.Time directly.
func OpenMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := createMySQLTables(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create tables: %w", err)
	}
	return db, nil
}

func createMySQLTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(128) NOT NULL,
			status VARCHAR(32) NOT NULL,
			status_reason VARCHAR(64) NOT NULL DEFAULT '',
			status_detail TEXT,
			template_id VARCHAR(128) NOT NULL,
			template_version INT NOT NULL,
			seed_locator VARCHAR(256) NOT NULL,
			target_records INT NOT NULL,
			budget_limit DOUBLE NOT NULL,
			records_generated INT NOT NULL DEFAULT 0,
			records_rejected INT NOT NULL DEFAULT 0,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			cost_accumulated DOUBLE NOT NULL DEFAULT 0,
			output_format VARCHAR(32) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_jobs_owner (owner_id, created_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS job_queue (
			job_id VARCHAR(64) PRIMARY KEY,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_queue_order (created_at, job_id),
			FOREIGN KEY (job_id) REFERENCES jobs(job_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS templates (
			template_id VARCHAR(128) NOT NULL,
			version INT NOT NULL,
			steps_json JSON NOT NULL,
			schema_json JSON NOT NULL,
			PRIMARY KEY (template_id, version)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// MySQLJobStore is a JobStore backed by a MySQL/InnoDB database opened with
// OpenMySQL, adapted for a relational deployment where multiple dispatcher
// replicas share one database instead of one process's goroutines.
type MySQLJobStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewMySQLJobStore wraps db as a JobStore.
func NewMySQLJobStore(db *sql.DB) *MySQLJobStore { return &MySQLJobStore{db: db} }

func (s *MySQLJobStore) Get(ctx context.Context, jobID string) (JobRecord, error) {
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

// ConditionalUpdate relies on an explicit transaction with a row lock
// (SELECT ... FOR UPDATE) rather than MySQL's optimistic-only UPDATE ...
// WHERE, since multiple dispatcher replicas may race on the same jobID and
// the status check plus the queue-entry deletion must observe one
// consistent snapshot.
func (s *MySQLJobStore) ConditionalUpdate(ctx context.Context, jobID, expectedStatus, newStatus string, patch JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE job_id = ? FOR UPDATE`, jobID).Scan(&curStatus); err != nil {
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

func (s *MySQLJobStore) ListByOwner(ctx context.Context, ownerID, cursor string, limit int) ([]JobRecord, string, error) {
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

func (s *MySQLJobStore) InsertWithQueueEntry(ctx context.Context, job JobRecord) error {
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

func (s *MySQLJobStore) DequeueNext(ctx context.Context) (string, bool, error) {
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

func (s *MySQLJobStore) RemoveQueueEntry(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_queue WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("store: remove queue entry: %w", err)
	}
	return nil
}

// MySQLTemplateStore is a TemplateStore backed by a MySQL database opened
// with OpenMySQL.
type MySQLTemplateStore struct {
	db *sql.DB
}

// NewMySQLTemplateStore wraps db as a TemplateStore.
func NewMySQLTemplateStore(db *sql.DB) *MySQLTemplateStore { return &MySQLTemplateStore{db: db} }

func (s *MySQLTemplateStore) Get(ctx context.Context, templateID string, version int) (TemplateRecord, error) {
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
// (templateID, version) pair is a no-op.
func (s *MySQLTemplateStore) Put(ctx context.Context, rec TemplateRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT IGNORE INTO templates (template_id, version, steps_json, schema_json)
		VALUES (?, ?, ?, ?)`, rec.TemplateID, rec.Version, rec.StepsJSON, rec.SchemaJSON)
	if err != nil {
		return fmt.Errorf("store: put template: %w", err)
	}
	return nil
}
