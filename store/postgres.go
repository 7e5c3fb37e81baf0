package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lib/pq"

	"tenderscan/domain"
	"tenderscan/obs"
)

const processingReason = "PROCESSING"

// Postgres stores outcomes in tender_document_matches, one row per (tender_id, registry_type).
// A row whose error_reason is PROCESSING is the lock; worker_id names its owner.
// Match details and file errors go to child tables keyed by match_id.
type Postgres struct {
	db      *sql.DB
	lockTTL time.Duration
	log     *slog.Logger
}

func NewPostgres(db *sql.DB, lockTTL time.Duration, log *slog.Logger) *Postgres {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Postgres{db: db, lockTTL: lockTTL, log: obs.Or(log)}
}

// OpenPostgres opens a pooled connection and pings it.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("POSTGRES_DSN is empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

const markProcessingSQL = `
INSERT INTO tender_document_matches (
	tender_id, registry_type, match_count, match_percentage, error_reason,
	has_error, worker_id, created_at, updated_at
) VALUES ($1, $2, 0, 0, 'PROCESSING', FALSE, $3, NOW(), NOW())
ON CONFLICT (tender_id, registry_type) DO UPDATE
SET worker_id = EXCLUDED.worker_id, error_reason = 'PROCESSING', has_error = FALSE, updated_at = NOW()
WHERE %s
RETURNING id`

const (
	// open lock owned by the caller, or abandoned
	claimOwnOrStale = `tender_document_matches.error_reason = 'PROCESSING'
  AND (tender_document_matches.worker_id = EXCLUDED.worker_id
       OR tender_document_matches.updated_at < NOW() - make_interval(secs => $4))`
	// anything but a live foreign lock
	claimForce = `tender_document_matches.error_reason IS DISTINCT FROM 'PROCESSING'
  OR tender_document_matches.worker_id = EXCLUDED.worker_id
  OR tender_document_matches.updated_at < NOW() - make_interval(secs => $4)`
)

func (s *Postgres) TryMarkProcessing(ctx context.Context, key domain.TenderKey, worker string) (bool, error) {
	return s.mark(ctx, key, worker, claimOwnOrStale)
}

func (s *Postgres) Reclaim(ctx context.Context, key domain.TenderKey, worker string) (bool, error) {
	return s.mark(ctx, key, worker, claimForce)
}

func (s *Postgres) mark(ctx context.Context, key domain.TenderKey, worker, cond string) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(markProcessingSQL, cond),
		key.ID, string(key.Registry), worker, s.lockTTL.Seconds()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w", key, err)
	}
	return true, nil
}

const batchStatusSQL = `
SELECT tender_id, COALESCE(error_reason, ''), COALESCE(worker_id, ''), COALESCE(folder_name, ''),
       match_count, match_percentage, COALESCE(has_error, FALSE), updated_at
FROM tender_document_matches
WHERE registry_type = $1 AND tender_id = ANY($2)`

func (s *Postgres) GetBatchStatus(ctx context.Context, ids []int64, reg domain.RegistryType) (map[int64]domain.LockRecord, error) {
	out := make(map[int64]domain.LockRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, batchStatusSQL, string(reg), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("batch status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec    domain.LockRecord
			reason string
		)
		if err := rows.Scan(&rec.Key.ID, &reason, &rec.Owner, &rec.FolderName,
			&rec.MatchCount, &rec.MatchPercentage, &rec.HasError, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Key.Registry = reg
		rec.State = stateOf(reason)
		if rec.State != domain.StateProcessing {
			rec.ErrorReason = reason
		}
		out[rec.Key.ID] = rec
	}
	return out, rows.Err()
}

func stateOf(reason string) domain.ProcessingState {
	switch reason {
	case processingReason:
		return domain.StateProcessing
	case "":
		return domain.StateCompleted
	}
	return domain.StateFailed
}

const upsertSQL = `
INSERT INTO tender_document_matches (
	tender_id, registry_type, match_count, match_percentage, processing_time_seconds,
	total_files_processed, total_size_bytes, error_reason, folder_name, has_error,
	worker_id, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
ON CONFLICT (tender_id, registry_type) DO UPDATE
SET match_count = EXCLUDED.match_count,
    match_percentage = EXCLUDED.match_percentage,
    processing_time_seconds = EXCLUDED.processing_time_seconds,
    total_files_processed = EXCLUDED.total_files_processed,
    total_size_bytes = EXCLUDED.total_size_bytes,
    error_reason = EXCLUDED.error_reason,
    folder_name = EXCLUDED.folder_name,
    has_error = EXCLUDED.has_error,
    updated_at = NOW()
WHERE tender_document_matches.error_reason = 'PROCESSING'
  AND tender_document_matches.worker_id = EXCLUDED.worker_id
RETURNING id`

const (
	deleteDetailsSQL = `DELETE FROM tender_document_match_details WHERE match_id = $1`
	insertDetailSQL  = `
INSERT INTO tender_document_match_details (
	match_id, product_name, score, sheet_name, row_index, column_index, file_name, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`
	deleteFileErrorsSQL = `DELETE FROM tender_document_file_errors WHERE match_id = $1`
	insertFileErrorSQL  = `
INSERT INTO tender_document_file_errors (
	match_id, file_name, error_type, error_message, file_size, created_at
) VALUES ($1, $2, $3, $4, $5, NOW())`
)

func (s *Postgres) Upsert(ctx context.Context, key domain.TenderKey, out domain.ProcessingOutcome, folder, worker string) error {
	rec := NewRecord(key, out, folder, worker, time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	var reason any
	if rec.ErrorReason != "" {
		reason = rec.ErrorReason
	}
	var matchID int64
	err = tx.QueryRowContext(ctx, upsertSQL,
		key.ID, string(key.Registry), rec.MatchCount, rec.MatchPercentage, rec.ProcessingSeconds,
		rec.TotalFiles, rec.TotalBytes, reason, rec.FolderName, rec.HasError, worker,
	).Scan(&matchID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrLockConflict
	}
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", domain.ErrPersistence, key, err)
	}

	// child rows of a previous attempt go even when this outcome has none
	if _, err := tx.ExecContext(ctx, deleteDetailsSQL, matchID); err != nil {
		return fmt.Errorf("%w: delete details: %v", domain.ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx, deleteFileErrorsSQL, matchID); err != nil {
		return fmt.Errorf("%w: delete file errors: %v", domain.ErrPersistence, err)
	}
	if err := s.saveDetails(ctx, tx, matchID, rec.Matches); err != nil {
		return err
	}
	if err := s.saveFileErrors(ctx, tx, matchID, rec.FailedFiles); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrPersistence, err)
	}
	s.log.Info("tender_document_matches upserted",
		"tender", key.String(), "match_id", matchID, "matches", rec.MatchCount,
		"percentage", rec.MatchPercentage, "has_error", rec.HasError)
	return nil
}

func (s *Postgres) saveDetails(ctx context.Context, tx *sql.Tx, matchID int64, ms []domain.MatchResult) error {
	for _, m := range ms {
		if _, err := tx.ExecContext(ctx, insertDetailSQL, matchID, m.ProductName, m.Score,
			m.Location.SheetOrPage, m.Location.Row, m.Location.Column, baseName(m.SourceFile)); err != nil {
			return fmt.Errorf("%w: insert detail: %v", domain.ErrPersistence, err)
		}
	}
	return nil
}

func (s *Postgres) saveFileErrors(ctx context.Context, tx *sql.Tx, matchID int64, fs []domain.FailedFile) error {
	for _, f := range fs {
		if _, err := tx.ExecContext(ctx, insertFileErrorSQL, matchID, baseName(f.Path), errorType(f.Error),
			TruncateReason(f.Error), int64(f.SizeMB*(1<<20))); err != nil {
			return fmt.Errorf("%w: insert file error: %v", domain.ErrPersistence, err)
		}
	}
	return nil
}

func baseName(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

func errorType(msg string) string {
	switch {
	case strings.Contains(msg, domain.ErrMatchTimeout.Error()):
		return "timeout"
	case strings.Contains(msg, domain.ErrValidation.Error()):
		return "validation"
	case strings.Contains(msg, domain.ErrExtraction.Error()):
		return "extraction"
	}
	return "processing_error"
}

const (
	releaseSQL = `DELETE FROM tender_document_matches
WHERE tender_id = $1 AND registry_type = $2 AND error_reason = 'PROCESSING' AND worker_id = $3`
	refreshSQL = `UPDATE tender_document_matches SET updated_at = NOW()
WHERE tender_id = $1 AND registry_type = $2 AND error_reason = 'PROCESSING' AND worker_id = $3`
)

func (s *Postgres) Release(ctx context.Context, key domain.TenderKey, worker string) error {
	if _, err := s.db.ExecContext(ctx, releaseSQL, key.ID, string(key.Registry), worker); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *Postgres) Refresh(ctx context.Context, key domain.TenderKey, worker string) error {
	res, err := s.db.ExecContext(ctx, refreshSQL, key.ID, string(key.Registry), worker)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrLockConflict
	}
	return nil
}

func (s *Postgres) Close() error { return s.db.Close() }
