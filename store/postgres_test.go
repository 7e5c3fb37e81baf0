package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderscan/domain"
)

func newPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgres(db, time.Hour, nil), mock
}

func TestPostgresTryMarkProcessing(t *testing.T) {
	s, mock := newPostgres(t)
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO tender_document_matches`).
		WithArgs(int64(77), "44fz", "worker-a", float64(3600)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO tender_document_matches`).
		WithArgs(int64(77), "44fz", "worker-b", float64(3600)).
		WillReturnError(sql.ErrNoRows)

	ok, err := s.TryMarkProcessing(ctx, key77, "worker-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryMarkProcessing(ctx, key77, "worker-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresBatchStatus(t *testing.T) {
	s, mock := newPostgres(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"tender_id", "error_reason", "worker_id", "folder_name",
		"match_count", "match_percentage", "has_error", "updated_at"}).
		AddRow(int64(1), "", "w1", "44fz_1", 3, 100.0, false, now).
		AddRow(int64(2), "PROCESSING", "w2", "", 0, 0.0, false, now).
		AddRow(int64(3), "no_documents", "w1", "44fz_3", 0, 0.0, true, now)
	mock.ExpectQuery(`SELECT tender_id, .* FROM tender_document_matches\s+WHERE registry_type = \$1 AND tender_id = ANY\(\$2\)`).
		WithArgs("44fz", sqlmock.AnyArg()).
		WillReturnRows(rows)

	st, err := s.GetBatchStatus(context.Background(), []int64{1, 2, 3, 4}, domain.Registry44FZ)
	require.NoError(t, err)
	require.Len(t, st, 3)
	assert.Equal(t, domain.StateCompleted, st[1].State)
	assert.Equal(t, 3, st[1].MatchCount)
	assert.Equal(t, domain.StateProcessing, st[2].State)
	assert.Equal(t, "w2", st[2].Owner)
	assert.Equal(t, domain.StateFailed, st[3].State)
	assert.Equal(t, "no_documents", st[3].ErrorReason)
	assert.True(t, st[3].HasError)
}

func TestPostgresUpsertWritesChildTables(t *testing.T) {
	s, mock := newPostgres(t)
	out := completed()
	out.FailedFiles = []domain.FailedFile{{Path: "/w/44fz_77/b.pdf", Error: "match timeout: /w/44fz_77/b.pdf", SizeMB: 1}}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO tender_document_matches .* ON CONFLICT`).
		WithArgs(int64(77), "44fz", 2, 100.0, 3.0, 2, int64(2048), nil, "44fz_77", true, "w").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(501)))
	mock.ExpectExec(`DELETE FROM tender_document_match_details`).WithArgs(int64(501)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM tender_document_file_errors`).WithArgs(int64(501)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO tender_document_match_details`).
		WithArgs(int64(501), "widget pro", 100.0, "", 0, 0, "a.xlsx").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO tender_document_match_details`).
		WithArgs(int64(501), "gizmo", 86.0, "", 0, 0, "").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`INSERT INTO tender_document_file_errors`).
		WithArgs(int64(501), "b.pdf", "timeout", "match timeout: /w/44fz_77/b.pdf", int64(1<<20)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Upsert(context.Background(), key77, out, "44fz_77", "w"))
}

func TestPostgresUpsertClearsStaleChildRows(t *testing.T) {
	s, mock := newPostgres(t)
	out := domain.ProcessingOutcome{ErrorReason: domain.ReasonNoDocuments}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO tender_document_matches .* ON CONFLICT`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(501)))
	mock.ExpectExec(`DELETE FROM tender_document_match_details`).WithArgs(int64(501)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM tender_document_file_errors`).WithArgs(int64(501)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Upsert(context.Background(), key77, out, "44fz_77", "w"))
}

func TestPostgresUpsertConflict(t *testing.T) {
	s, mock := newPostgres(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO tender_document_matches`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Upsert(context.Background(), key77, completed(), "44fz_77", "intruder")
	assert.ErrorIs(t, err, domain.ErrLockConflict)
}

func TestPostgresReleaseAndRefresh(t *testing.T) {
	s, mock := newPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM tender_document_matches`).
		WithArgs(int64(77), "44fz", "w").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tender_document_matches SET updated_at`).
		WithArgs(int64(77), "44fz", "w").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tender_document_matches SET updated_at`).
		WithArgs(int64(77), "44fz", "other").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Release(ctx, key77, "w"))
	require.NoError(t, s.Refresh(ctx, key77, "w"))
	assert.ErrorIs(t, s.Refresh(ctx, key77, "other"), domain.ErrLockConflict)
}
