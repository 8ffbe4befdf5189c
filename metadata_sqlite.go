package coord

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteMetadataStore keeps JobMetadata in a SQLite table.
type SQLiteMetadataStore struct {
	db *sql.DB
}

const sqliteMetadataSchema = `
CREATE TABLE IF NOT EXISTS job_metadata (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	agent_id TEXT,
	user_id TEXT,
	payload TEXT,
	result TEXT,
	error TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_job_metadata_status ON job_metadata(status);
CREATE INDEX IF NOT EXISTS idx_job_metadata_user ON job_metadata(user_id) WHERE user_id IS NOT NULL;
`

const sqliteMetadataColumns = `id, queue, type, status, agent_id, user_id, payload, result, error,
	created_at, started_at, completed_at, retry_count, max_retries`

// OpenSQLiteMetadataStore opens the database at path and creates the schema.
func OpenSQLiteMetadataStore(ctx context.Context, path string) (*SQLiteMetadataStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite metadata store needs a path", ErrConfig)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps read-modify-write updates serialized.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`, sqliteMetadataSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize sqlite metadata store: %w", err)
		}
	}
	return &SQLiteMetadataStore{db: db}, nil
}

// Save inserts or replaces meta.
func (s *SQLiteMetadataStore) Save(ctx context.Context, meta *JobMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	return saveSQLiteMetadata(ctx, s.db, meta)
}

// Get returns the record for id.
func (s *SQLiteMetadataStore) Get(ctx context.Context, id string) (*JobMetadata, error) {
	return getSQLiteMetadata(ctx, s.db, id)
}

// Update applies fn to the stored record inside one transaction.
func (s *SQLiteMetadataStore) Update(ctx context.Context, id string, fn func(*JobMetadata) error) (*JobMetadata, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	meta, err := getSQLiteMetadata(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if err := saveSQLiteMetadata(ctx, tx, meta); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return meta, nil
}

// Close closes the database.
func (s *SQLiteMetadataStore) Close() error {
	return s.db.Close()
}

type sqlExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func saveSQLiteMetadata(ctx context.Context, db sqlExecQuerier, meta *JobMetadata) error {
	payload, err := json.Marshal(meta.Payload)
	if err != nil {
		return err
	}
	var result []byte
	if meta.Result != nil {
		if result, err = json.Marshal(meta.Result); err != nil {
			return err
		}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO job_metadata (`+sqliteMetadataColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			queue = excluded.queue,
			type = excluded.type,
			status = excluded.status,
			agent_id = excluded.agent_id,
			user_id = excluded.user_id,
			payload = excluded.payload,
			result = excluded.result,
			error = excluded.error,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries
	`, meta.ID, meta.Queue, meta.Type, string(meta.Status), nullString(meta.AgentID), nullString(meta.UserID),
		string(payload), nullString(string(result)), nullString(meta.Error),
		meta.CreatedAt.UnixMilli(), millisOrNil(meta.StartedAt), millisOrNil(meta.CompletedAt),
		meta.RetryCount, meta.MaxRetries)
	if err != nil {
		return fmt.Errorf("save job metadata %q: %w", meta.ID, err)
	}
	return nil
}

func getSQLiteMetadata(ctx context.Context, db sqlExecQuerier, id string) (*JobMetadata, error) {
	var (
		meta                     JobMetadata
		status                   string
		agentID, userID, payload sql.NullString
		result, errorMessage     sql.NullString
		createdAt                int64
		startedAt, completedAt   sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `SELECT `+sqliteMetadataColumns+` FROM job_metadata WHERE id = ?`, id).Scan(
		&meta.ID, &meta.Queue, &meta.Type, &status, &agentID, &userID, &payload, &result, &errorMessage,
		&createdAt, &startedAt, &completedAt, &meta.RetryCount, &meta.MaxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job metadata %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job metadata %q: %w", id, err)
	}

	meta.Status = JobStatus(status)
	meta.AgentID = agentID.String
	meta.UserID = userID.String
	meta.Error = errorMessage.String
	meta.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		meta.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		meta.CompletedAt = &t
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &meta.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of job metadata %q: %w", id, err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &meta.Result); err != nil {
			return nil, fmt.Errorf("decode result of job metadata %q: %w", id, err)
		}
	}
	return &meta, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func millisOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
