package streamq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderscan/domain"
)

func newQueue(t *testing.T) (*RedisStreamQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := NewRedisStreamQueue(rdb, "tender:reprocess", "workers", 0)
	require.NoError(t, q.EnsureGroup(context.Background()))
	require.NoError(t, q.EnsureGroup(context.Background()), "BUSYGROUP is not an error")
	return q, rdb
}

func TestConsumeRoundTrip(t *testing.T) {
	q, rdb := newQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := Request{
		Keys: []domain.TenderKey{
			{ID: 123, Registry: domain.Registry44FZ},
			{ID: 7, Registry: domain.Registry223FZ},
		},
		Lifecycle: domain.LifecycleWon,
	}
	require.NoError(t, q.Enqueue(ctx, want))

	c := NewConsumer(rdb, "tender:reprocess", "workers", "w1", nil)
	c.SetBlock(50 * time.Millisecond)
	got := make(chan Request, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.ConsumeLoop(ctx, func(_ context.Context, r Request) error {
			got <- r
			cancel()
			return nil
		})
	}()

	select {
	case r := <-got:
		assert.Equal(t, want, r)
	case <-time.After(4 * time.Second):
		t.Fatal("request not consumed")
	}
	assert.ErrorIs(t, <-done, context.Canceled)

	pending, err := rdb.XPending(context.Background(), "tender:reprocess", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestAckRules(t *testing.T) {
	q, rdb := newQueue(t)
	ctx := context.Background()
	c := NewConsumer(rdb, "tender:reprocess", "workers", "w1", nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, Request{Keys: []domain.TenderKey{{ID: int64(i + 1), Registry: domain.Registry44FZ}}}))
	}
	res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "workers", Consumer: "w1", Streams: []string{"tender:reprocess", ">"}, Count: 3,
	}).Result()
	require.NoError(t, err)
	msgs := res[0].Messages
	require.Len(t, msgs, 3)

	c.handleOne(ctx, func(context.Context, Request) error { return nil }, msgs[0])
	c.handleOne(ctx, func(context.Context, Request) error { return Terminal(errors.New("persisted failure")) }, msgs[1])
	c.handleOne(ctx, func(context.Context, Request) error { return errors.New("store down") }, msgs[2])

	pending, err := rdb.XPending(ctx, "tender:reprocess", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
	assert.Equal(t, msgs[2].ID, pending.Lower)
}

func TestDecodeRequest(t *testing.T) {
	r, err := decodeRequest(map[string]any{"tenders": " 44fz:1, 223fz_2 ,"})
	require.NoError(t, err)
	assert.Len(t, r.Keys, 2)
	assert.Equal(t, domain.Registry223FZ, r.Keys[1].Registry)

	_, err = decodeRequest(map[string]any{"tenders": "99fz:1"})
	assert.Error(t, err)
	_, err = decodeRequest(map[string]any{})
	assert.Error(t, err)
}

func TestTerminal(t *testing.T) {
	base := errors.New("x")
	err := Terminal(base)
	assert.True(t, IsTerminal(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsTerminal(base))
}
