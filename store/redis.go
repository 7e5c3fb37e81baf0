package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tenderscan/domain"
	"tenderscan/obs"
	"tenderscan/redislock"
)

// Redis keeps the PROCESSING marker as a redislock key (token = worker id, expiry = lock TTL)
// and the terminal outcome as a JSON record under a separate key.
type Redis struct {
	rdb       redis.UniversalClient
	lock      *redislock.Client
	keyPrefix string
	lockTTL   time.Duration
	recordTTL time.Duration
	owned     bool
	log       *slog.Logger
}

type RedisOptions struct {
	KeyPrefix string
	LockTTL   time.Duration
	// RecordTTL of zero keeps terminal records forever.
	RecordTTL time.Duration
	Logger    *slog.Logger
}

func NewRedis(rdb redis.UniversalClient, opts RedisOptions) *Redis {
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = "tender:"
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Redis{
		rdb:       rdb,
		lock:      redislock.New(rdb, prefix+"lock:"),
		keyPrefix: prefix,
		lockTTL:   ttl,
		recordTTL: opts.RecordTTL,
		log:       obs.Or(opts.Logger),
	}
}

// OpenRedis dials and pings addr; the returned store owns the client.
func OpenRedis(addr, password string, db int, opts RedisOptions) (*Redis, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("REDIS_ADDR is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(password),
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := NewRedis(rdb, opts)
	s.owned = true
	s.log.Info("result store: redis enabled", "addr", addr, "db", db, "lock_ttl", s.lockTTL.String())
	return s, nil
}

// Client is the underlying connection, shared with the reprocess stream.
func (s *Redis) Client() redis.UniversalClient { return s.rdb }

func (s *Redis) recordKey(k domain.TenderKey) string {
	return s.keyPrefix + "result:" + k.String()
}

func (s *Redis) TryMarkProcessing(ctx context.Context, key domain.TenderKey, worker string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.recordKey(key)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	ok, err := s.claim(ctx, key, worker)
	if err != nil || !ok {
		return false, err
	}
	// A concurrent Upsert may have landed between the two checks.
	n, err = s.rdb.Exists(ctx, s.recordKey(key)).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		_, _ = s.lock.Release(ctx, s.lock.Key(key), worker)
		return false, nil
	}
	return true, nil
}

func (s *Redis) Reclaim(ctx context.Context, key domain.TenderKey, worker string) (bool, error) {
	return s.claim(ctx, key, worker)
}

func (s *Redis) claim(ctx context.Context, key domain.TenderKey, worker string) (bool, error) {
	lk := s.lock.Key(key)
	ok, err := s.lock.Acquire(ctx, lk, worker, s.lockTTL)
	if err != nil || ok {
		return ok, err
	}
	owner, held, err := s.lock.Owner(ctx, lk)
	if err != nil {
		return false, err
	}
	if !held {
		return s.lock.Acquire(ctx, lk, worker, s.lockTTL)
	}
	if owner != worker {
		return false, nil
	}
	return s.lock.Refresh(ctx, lk, worker, s.lockTTL)
}

func (s *Redis) GetBatchStatus(ctx context.Context, ids []int64, reg domain.RegistryType) (map[int64]domain.LockRecord, error) {
	out := make(map[int64]domain.LockRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	recs := make([]*redis.StringCmd, len(ids))
	locks := make([]*redis.StringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			k := domain.TenderKey{ID: id, Registry: reg}
			recs[i] = pipe.Get(ctx, s.recordKey(k))
			locks[i] = pipe.Get(ctx, s.lock.Key(k))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	now := time.Now()
	for i, id := range ids {
		if val, err := recs[i].Result(); err == nil {
			var rec Record
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return nil, fmt.Errorf("decode record %d: %w", id, err)
			}
			out[id] = rec.LockRecord
			continue
		}
		if owner, err := locks[i].Result(); err == nil {
			out[id] = domain.LockRecord{
				Key:       domain.TenderKey{ID: id, Registry: reg},
				State:     domain.StateProcessing,
				Owner:     owner,
				UpdatedAt: now,
			}
		}
	}
	return out, nil
}

// Upsert writes the terminal record and drops the lock in one transaction.
// It fails with ErrLockConflict when another worker holds the tender.
func (s *Redis) Upsert(ctx context.Context, key domain.TenderKey, out domain.ProcessingOutcome, folder, worker string) error {
	rk, lk := s.recordKey(key), s.lock.Key(key)
	b, err := json.Marshal(NewRecord(key, out, folder, worker, time.Now()))
	if err != nil {
		return err
	}

	for i := 0; i < 8; i++ {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			owner, err := tx.Get(ctx, lk).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil && owner != worker {
				return domain.ErrLockConflict
			}
			if err != nil {
				// lock expired: only a tender that was never finished may still be written
				n, err := tx.Exists(ctx, rk).Result()
				if err != nil {
					return err
				}
				if n > 0 {
					return domain.ErrLockConflict
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, rk, b, s.recordTTL)
				pipe.Del(ctx, lk)
				return nil
			})
			return err
		}, lk, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("upsert %s: too many concurrent updates", key)
}

func (s *Redis) Release(ctx context.Context, key domain.TenderKey, worker string) error {
	_, err := s.lock.Release(ctx, s.lock.Key(key), worker)
	return err
}

func (s *Redis) Refresh(ctx context.Context, key domain.TenderKey, worker string) error {
	ok, err := s.lock.Refresh(ctx, s.lock.Key(key), worker, s.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrLockConflict
	}
	return nil
}

// Get reads the terminal record for key.
func (s *Redis) Get(ctx context.Context, key domain.TenderKey) (Record, bool, error) {
	val, err := s.rdb.Get(ctx, s.recordKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *Redis) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}
