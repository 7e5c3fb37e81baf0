package store

import (
	"context"
	"sync"
	"time"

	"tenderscan/domain"
)

// Memory is a process-local ResultStore. A PROCESSING record older than the
// lock TTL counts as abandoned and may be taken over.
type Memory struct {
	mu   sync.Mutex
	recs map[domain.TenderKey]*Record
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(lockTTL time.Duration) *Memory {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &Memory{recs: make(map[domain.TenderKey]*Record), ttl: lockTTL, now: time.Now}
}

func (s *Memory) claimable(r *Record, worker string, now time.Time, force bool) bool {
	if r == nil {
		return true
	}
	if r.State != domain.StateProcessing {
		return force
	}
	return r.Owner == worker || now.Sub(r.UpdatedAt) > s.ttl
}

func (s *Memory) TryMarkProcessing(_ context.Context, key domain.TenderKey, worker string) (bool, error) {
	return s.mark(key, worker, false), nil
}

func (s *Memory) Reclaim(_ context.Context, key domain.TenderKey, worker string) (bool, error) {
	return s.mark(key, worker, true), nil
}

func (s *Memory) mark(key domain.TenderKey, worker string, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.claimable(s.recs[key], worker, now, force) {
		return false
	}
	s.recs[key] = processingRecord(key, worker, now)
	return true
}

func (s *Memory) GetBatchStatus(_ context.Context, ids []int64, reg domain.RegistryType) (map[int64]domain.LockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]domain.LockRecord, len(ids))
	for _, id := range ids {
		if r, ok := s.recs[domain.TenderKey{ID: id, Registry: reg}]; ok {
			out[id] = r.LockRecord
		}
	}
	return out, nil
}

func (s *Memory) Upsert(_ context.Context, key domain.TenderKey, out domain.ProcessingOutcome, folder, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.recs[key]; r != nil && (r.State != domain.StateProcessing || r.Owner != worker) {
		return domain.ErrLockConflict
	}
	rec := NewRecord(key, out, folder, worker, s.now())
	s.recs[key] = &rec
	return nil
}

func (s *Memory) Release(_ context.Context, key domain.TenderKey, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.recs[key]; r != nil && r.State == domain.StateProcessing && r.Owner == worker {
		delete(s.recs, key)
	}
	return nil
}

func (s *Memory) Refresh(_ context.Context, key domain.TenderKey, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recs[key]
	if r == nil || r.State != domain.StateProcessing || r.Owner != worker {
		return domain.ErrLockConflict
	}
	r.UpdatedAt = s.now()
	return nil
}

// Get returns a copy of the stored record.
func (s *Memory) Get(key domain.TenderKey) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[key]
	if !ok {
		return Record{}, false
	}
	cp := *r
	cp.Matches = append([]domain.MatchResult(nil), r.Matches...)
	cp.FailedFiles = append([]domain.FailedFile(nil), r.FailedFiles...)
	return cp, true
}

func (s *Memory) Close() error { return nil }
