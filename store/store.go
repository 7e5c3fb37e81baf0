package store

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"tenderscan/domain"
)

// ResultStore persists one outcome per tender and doubles as the cross-worker processing lock.
//
// NOTE: downloaded files stay on the local work root. The store only answers
// "who owns this tender right now" and "is it done".
type ResultStore interface {
	// TryMarkProcessing claims key for worker. It reports false when the tender
	// already has a terminal record or is held by another live worker.
	TryMarkProcessing(ctx context.Context, key domain.TenderKey, worker string) (bool, error)
	// Reclaim is TryMarkProcessing for explicit reprocessing: a terminal record
	// does not block, a live foreign lock still does.
	Reclaim(ctx context.Context, key domain.TenderKey, worker string) (bool, error)
	GetBatchStatus(ctx context.Context, ids []int64, reg domain.RegistryType) (map[int64]domain.LockRecord, error)
	Upsert(ctx context.Context, key domain.TenderKey, out domain.ProcessingOutcome, folder, worker string) error
	// Release drops a PROCESSING record owned by worker so another run can take the tender.
	Release(ctx context.Context, key domain.TenderKey, worker string) error
	Refresh(ctx context.Context, key domain.TenderKey, worker string) error
	Close() error
}

const (
	DefaultLockTTL = 2 * time.Hour
	maxReasonLen   = 200
)

// Processed reports whether rec should be skipped by worker. Only a PROCESSING
// record owned by worker, or a foreign one older than staleAfter, is still open.
func Processed(rec domain.LockRecord, worker string, staleAfter time.Duration, now time.Time) bool {
	if rec.State != domain.StateProcessing {
		return true
	}
	if rec.Owner == worker {
		return false
	}
	if staleAfter > 0 && !rec.UpdatedAt.IsZero() && now.Sub(rec.UpdatedAt) > staleAfter {
		return false
	}
	return true
}

// Record is the full persisted form of a tender's outcome.
type Record struct {
	domain.LockRecord
	ProcessingSeconds float64              `json:"processing_seconds"`
	TotalFiles        int                  `json:"total_files"`
	TotalBytes        int64                `json:"total_bytes"`
	ErrorMessage      string               `json:"error_message,omitempty"`
	Matches           []domain.MatchResult `json:"matches,omitempty"`
	FailedFiles       []domain.FailedFile  `json:"failed_files,omitempty"`
}

func NewRecord(key domain.TenderKey, out domain.ProcessingOutcome, folder, worker string, now time.Time) Record {
	return Record{
		LockRecord: domain.LockRecord{
			Key:             key,
			State:           out.State(),
			Owner:           worker,
			FolderName:      folder,
			MatchCount:      len(out.Matches),
			MatchPercentage: out.MatchPercentage(),
			ErrorReason:     TruncateReason(out.ErrorReason),
			HasError:        out.HasError(),
			UpdatedAt:       now,
		},
		ProcessingSeconds: out.ProcessingTime.Seconds(),
		TotalFiles:        out.TotalFiles,
		TotalBytes:        out.TotalBytes,
		ErrorMessage:      out.ErrorMessage,
		Matches:           append([]domain.MatchResult(nil), out.Matches...),
		FailedFiles:       append([]domain.FailedFile(nil), out.FailedFiles...),
	}
}

// TruncateReason trims s to the persisted error_reason width without splitting a rune.
func TruncateReason(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxReasonLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxReasonLen])
}

func processingRecord(key domain.TenderKey, worker string, now time.Time) *Record {
	return &Record{LockRecord: domain.LockRecord{
		Key:       key,
		State:     domain.StateProcessing,
		Owner:     worker,
		UpdatedAt: now,
	}}
}
