package taskstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/gurre/docflow/internal/apierrors"
	"github.com/gurre/docflow/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the production Store backend: a single *sql.DB in WAL mode,
// the same shape as the teacher's db.Store in jra3-linear-fuse — open,
// pragma, embed, WithTx.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path, enabling WAL mode and
// initializing the schema if it is missing. If the existing schema is
// incompatible, the database file is removed and recreated, mirroring
// jra3-linear-fuse's db.Open recovery behavior.
func Open(path string) (*SQLiteStore, error) {
	store, err := openDB(path)
	if err != nil {
		if strings.Contains(err.Error(), "no such column") ||
			strings.Contains(err.Error(), "no such table") ||
			strings.Contains(err.Error(), "SQL logic error") {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("remove incompatible task store: %w", rmErr)
			}
			os.Remove(path + "-wal")
			os.Remove(path + "-shm")
			return openDB(path)
		}
		return nil, err
	}
	return store, nil
}

func openDB(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create task store directory: %w", err)
		}
	}

	escaped := strings.ReplaceAll(path, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escaped+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction, rolling back on error and committing
// otherwise, matching the teacher's WithTx helper (via jra3-linear-fuse).
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLiteStore) Create(ctx context.Context, t *model.Task) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, apierrors.Invalid(err.Error())
	}

	params, err := marshal(t.Params)
	if err != nil {
		return 0, apierrors.Invalid(fmt.Sprintf("encode params: %v", err))
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.StatusPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			task_type, status, priority,
			source_bucket, source_object_key, source_file_url, source_local_path, source_uploaded_blob,
			output_spec, params_json, platform, callback_url,
			created_at, updated_at, retry_count, max_retry_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.TaskType), string(t.Status), string(t.Priority),
		t.Source.Bucket, t.Source.ObjectKey, t.Source.FileURL, t.Source.LocalPath, t.Source.UploadedBlobKey,
		t.OutputSpec, params, t.Platform, t.CallbackURL,
		t.CreatedAt, t.UpdatedAt, t.RetryCount, t.MaxRetryCount,
	)
	if err != nil {
		return 0, apierrors.New(apierrors.KindStoreTransient, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apierrors.New(apierrors.KindStoreTransient, err)
	}
	t.ID = id
	return id, nil
}

const selectCols = `
	id, task_type, status, priority,
	source_bucket, source_object_key, source_file_url, source_local_path, source_uploaded_blob,
	output_spec, params_json, platform, callback_url,
	created_at, started_at, completed_at, last_retry_at, updated_at,
	retry_count, max_retry_count,
	input_path, output_path, file_name, file_size_bytes, output_url, s3_urls_json, result_json, error_message,
	callback_status_code, callback_message, callback_time`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var paramsJSON, s3URLsJSON, resultJSON string
	var startedAt, completedAt, lastRetryAt, callbackTime sql.NullTime

	err := row.Scan(
		&t.ID, &t.TaskType, &t.Status, &t.Priority,
		&t.Source.Bucket, &t.Source.ObjectKey, &t.Source.FileURL, &t.Source.LocalPath, &t.Source.UploadedBlobKey,
		&t.OutputSpec, &paramsJSON, &t.Platform, &t.CallbackURL,
		&t.CreatedAt, &startedAt, &completedAt, &lastRetryAt, &t.UpdatedAt,
		&t.RetryCount, &t.MaxRetryCount,
		&t.InputPath, &t.OutputPath, &t.FileName, &t.FileSizeBytes, &t.OutputURL, &s3URLsJSON, &resultJSON, &t.ErrorMessage,
		&t.CallbackStatusCode, &t.CallbackMessage, &callbackTime,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if lastRetryAt.Valid {
		v := lastRetryAt.Time
		t.LastRetryAt = &v
	}
	if callbackTime.Valid {
		v := callbackTime.Time
		t.CallbackTime = &v
	}

	_ = json.Unmarshal([]byte(paramsJSON), &t.Params)
	_ = json.Unmarshal([]byte(s3URLsJSON), &t.S3URLs)
	_ = json.Unmarshal([]byte(resultJSON), &t.Result)

	return &t, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectCols+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, apierrors.NotFound(fmt.Sprintf("task %d not found", id))
	}
	if err != nil {
		return nil, apierrors.New(apierrors.KindStoreTransient, err)
	}
	return t, nil
}

func (s *SQLiteStore) Update(ctx context.Context, t *model.Task) error {
	params, err := marshal(t.Params)
	if err != nil {
		return apierrors.Invalid(fmt.Sprintf("encode params: %v", err))
	}
	s3URLs, err := marshal(t.S3URLs)
	if err != nil {
		return apierrors.Invalid(fmt.Sprintf("encode s3_urls: %v", err))
	}
	result, err := marshal(t.Result)
	if err != nil {
		return apierrors.Invalid(fmt.Sprintf("encode result: %v", err))
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			task_type=?, status=?, priority=?,
			source_bucket=?, source_object_key=?, source_file_url=?, source_local_path=?, source_uploaded_blob=?,
			output_spec=?, params_json=?, platform=?, callback_url=?,
			started_at=?, completed_at=?, last_retry_at=?, updated_at=?,
			retry_count=?, max_retry_count=?,
			input_path=?, output_path=?, file_name=?, file_size_bytes=?, output_url=?, s3_urls_json=?, result_json=?, error_message=?,
			callback_status_code=?, callback_message=?, callback_time=?
		WHERE id=?`,
		string(t.TaskType), string(t.Status), string(t.Priority),
		t.Source.Bucket, t.Source.ObjectKey, t.Source.FileURL, t.Source.LocalPath, t.Source.UploadedBlobKey,
		t.OutputSpec, params, t.Platform, t.CallbackURL,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.LastRetryAt), t.UpdatedAt,
		t.RetryCount, t.MaxRetryCount,
		t.InputPath, t.OutputPath, t.FileName, t.FileSizeBytes, t.OutputURL, s3URLs, result, t.ErrorMessage,
		t.CallbackStatusCode, t.CallbackMessage, nullTime(t.CallbackTime),
		t.ID,
	)
	if err != nil {
		return apierrors.New(apierrors.KindStoreTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierrors.New(apierrors.KindStoreTransient, err)
	}
	if n == 0 {
		return apierrors.NotFound(fmt.Sprintf("task %d not found", t.ID))
	}
	return nil
}

// TryClaim implements the Fetcher's pending->processing CAS (spec §4.6 item
// 1) as a single conditional UPDATE: the WHERE clause is the compare, the
// row count is the swap result.
func (s *SQLiteStore) TryClaim(ctx context.Context, id int64) (bool, error) {
	now := time.Now().UTC()
	var claimed bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE tasks SET status=?, started_at=?, updated_at=? WHERE id=? AND status=?",
			string(model.StatusProcessing), now, now, id, string(model.StatusPending))
		if err != nil {
			return apierrors.New(apierrors.KindStoreTransient, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apierrors.New(apierrors.KindStoreTransient, err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, status model.Status, errMsg string) error {
	if !status.Valid() {
		return apierrors.Invalid("invalid status: " + string(status))
	}
	now := time.Now().UTC()

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var startedAtSet, completedAtSet bool
		switch status {
		case model.StatusProcessing:
			startedAtSet = true
		case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
			completedAtSet = true
		}

		query := "UPDATE tasks SET status=?, updated_at=?, error_message=?"
		args := []any{string(status), now, errMsg}
		if startedAtSet {
			query += ", started_at=?"
			args = append(args, now)
		}
		if completedAtSet {
			query += ", completed_at=?"
			args = append(args, now)
		}
		query += " WHERE id=?"
		args = append(args, id)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return apierrors.New(apierrors.KindStoreTransient, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apierrors.New(apierrors.KindStoreTransient, err)
		}
		if n == 0 {
			return apierrors.NotFound(fmt.Sprintf("task %d not found", id))
		}
		return nil
	})
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*model.Task, error) {
	query := "SELECT " + selectCols + " FROM tasks WHERE 1=1"
	var args []any
	if q.Status != "" {
		query += " AND status = ?"
		args = append(args, string(q.Status))
	}
	if q.TaskType != "" {
		query += " AND task_type = ?"
		args = append(args, string(q.TaskType))
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierrors.New(apierrors.KindStoreTransient, err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apierrors.New(apierrors.KindStoreTransient, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	return s.List(ctx, Query{Status: status})
}

func (s *SQLiteStore) Statistics(ctx context.Context) (Statistics, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return Statistics{}, apierrors.New(apierrors.KindStoreTransient, err)
	}
	defer rows.Close()

	var stats Statistics
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Statistics{}, apierrors.New(apierrors.KindStoreTransient, err)
		}
		switch model.Status(status) {
		case model.StatusPending:
			stats.Pending = count
		case model.StatusProcessing:
			stats.Processing = count
		case model.StatusCompleted:
			stats.Completed = count
		case model.StatusFailed:
			stats.Failed = count
		case model.StatusCancelled:
			stats.Cancelled = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND COALESCE(completed_at, updated_at) < ?`,
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled), cutoff)
	if err != nil {
		return 0, apierrors.New(apierrors.KindStoreTransient, err)
	}
	return res.RowsAffected()
}
