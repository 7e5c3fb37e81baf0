package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderscan/domain"
)

var key77 = domain.TenderKey{ID: 77, Registry: domain.Registry44FZ}

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, RedisOptions{LockTTL: time.Minute}), mr
}

func completed() domain.ProcessingOutcome {
	return domain.ProcessingOutcome{
		Matches: []domain.MatchResult{
			{ProductName: "widget pro", Score: 100, SourceFile: "/w/a.xlsx"},
			{ProductName: "gizmo", Score: 86},
		},
		ProcessingTime: 3 * time.Second,
		TotalFiles:     2,
		TotalBytes:     2048,
	}
}

func stores(t *testing.T) map[string]ResultStore {
	rs, _ := newRedisStore(t)
	return map[string]ResultStore{
		"memory": NewMemory(time.Minute),
		"redis":  rs,
	}
}

func TestIdempotentProcessingLock(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.TryMarkProcessing(ctx, key77, "worker-a")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.TryMarkProcessing(ctx, key77, "worker-b")
			require.NoError(t, err)
			assert.False(t, ok, "foreign PROCESSING must block")

			ok, err = s.TryMarkProcessing(ctx, key77, "worker-a")
			require.NoError(t, err)
			assert.True(t, ok, "own PROCESSING is resumable")

			require.NoError(t, s.Upsert(ctx, key77, completed(), "44fz_77", "worker-a"))

			for _, w := range []string{"worker-a", "worker-b"} {
				ok, err = s.TryMarkProcessing(ctx, key77, w)
				require.NoError(t, err)
				assert.False(t, ok, "terminal record must block %s", w)
			}

			err = s.Upsert(ctx, key77, completed(), "44fz_77", "worker-b")
			assert.ErrorIs(t, err, domain.ErrLockConflict)

			st, err := s.GetBatchStatus(ctx, []int64{77, 78}, domain.Registry44FZ)
			require.NoError(t, err)
			require.Contains(t, st, int64(77))
			assert.NotContains(t, st, int64(78))
			assert.Equal(t, domain.StateCompleted, st[77].State)
			assert.Equal(t, 2, st[77].MatchCount)
			assert.Equal(t, 100.0, st[77].MatchPercentage)
			assert.Equal(t, "44fz_77", st[77].FolderName)
		})
	}
}

func TestReleaseAndReclaim(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			k := domain.TenderKey{ID: 9, Registry: domain.Registry223FZ}

			ok, err := s.TryMarkProcessing(ctx, k, "a")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, s.Release(ctx, k, "b"))
			ok, err = s.TryMarkProcessing(ctx, k, "b")
			require.NoError(t, err)
			assert.False(t, ok, "release by non-owner is a no-op")

			require.NoError(t, s.Release(ctx, k, "a"))
			ok, err = s.TryMarkProcessing(ctx, k, "b")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.Upsert(ctx, k, domain.ProcessingOutcome{ErrorReason: domain.ReasonNoDocuments}, "223fz_9", "b"))
			st, err := s.GetBatchStatus(ctx, []int64{9}, domain.Registry223FZ)
			require.NoError(t, err)
			assert.Equal(t, domain.StateFailed, st[9].State)
			assert.True(t, st[9].HasError)

			ok, err = s.Reclaim(ctx, k, "c")
			require.NoError(t, err)
			assert.True(t, ok, "explicit reprocessing ignores terminal records")

			ok, err = s.Reclaim(ctx, k, "d")
			require.NoError(t, err)
			assert.False(t, ok, "a live lock still guards reprocessing")

			require.NoError(t, s.Refresh(ctx, k, "c"))
			assert.ErrorIs(t, s.Refresh(ctx, k, "d"), domain.ErrLockConflict)
			require.NoError(t, s.Upsert(ctx, k, completed(), "223fz_9", "c"))
		})
	}
}

func TestMemoryStaleLockTakeover(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, _ := s.TryMarkProcessing(ctx, key77, "a")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.TryMarkProcessing(ctx, key77, "b")
	assert.True(t, ok)

	rec, found := s.Get(key77)
	require.True(t, found)
	assert.Equal(t, "b", rec.Owner)
	assert.ErrorIs(t, s.Upsert(ctx, key77, completed(), "", "a"), domain.ErrLockConflict)
}

func TestRedisLockExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	ok, err := s.TryMarkProcessing(ctx, key77, "a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.TryMarkProcessing(ctx, key77, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Upsert(ctx, key77, completed(), "44fz_77", "b"))
	rec, found, err := s.Get(ctx, key77)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, rec.Matches, 2)
	assert.Equal(t, "b", rec.Owner)
	assert.False(t, mr.Exists(s.lock.Key(key77)))
}

func TestProcessed(t *testing.T) {
	now := time.Now()
	assert.True(t, Processed(domain.LockRecord{State: domain.StateCompleted}, "a", time.Hour, now))
	assert.True(t, Processed(domain.LockRecord{State: domain.StateFailed, Owner: "a"}, "a", time.Hour, now))
	assert.False(t, Processed(domain.LockRecord{State: domain.StateProcessing, Owner: "a"}, "a", time.Hour, now))
	assert.True(t, Processed(domain.LockRecord{State: domain.StateProcessing, Owner: "b", UpdatedAt: now}, "a", time.Hour, now))
	assert.False(t, Processed(domain.LockRecord{State: domain.StateProcessing, Owner: "b", UpdatedAt: now.Add(-2 * time.Hour)}, "a", time.Hour, now))
}

func TestNewRecord(t *testing.T) {
	out := domain.ProcessingOutcome{
		ErrorReason: domain.ReasonProcessing + ": " + strings.Repeat("я", 300),
		FailedFiles: []domain.FailedFile{{Path: "/x/a.pdf", Error: "boom"}},
	}
	rec := NewRecord(key77, out, "44fz_77", "w", time.Now())
	assert.Equal(t, domain.StateFailed, rec.State)
	assert.Equal(t, 200, len([]rune(rec.ErrorReason)))
	assert.True(t, rec.HasError)
	assert.Equal(t, 0.0, rec.MatchPercentage)

	rec = NewRecord(key77, domain.ProcessingOutcome{Matches: []domain.MatchResult{{Score: 90}}}, "", "w", time.Now())
	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, 85.0, rec.MatchPercentage)
	assert.False(t, rec.HasError)
}
