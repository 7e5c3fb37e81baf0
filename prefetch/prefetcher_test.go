package prefetch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderscan/domain"
)

func list(n int) []domain.Tender {
	out := make([]domain.Tender, n)
	for i := range out {
		out[i] = domain.Tender{ID: int64(100 + i), Registry: domain.Registry44FZ}
	}
	return out
}

type recorder struct {
	mu    sync.Mutex
	calls []int64
}

func (r *recorder) fetch(block map[int64]chan struct{}) FetchFunc {
	return func(ctx context.Context, t domain.Tender) (Data, error) {
		r.mu.Lock()
		r.calls = append(r.calls, t.ID)
		r.mu.Unlock()
		if ch, ok := block[t.ID]; ok {
			<-ch
		}
		return Data{Key: t.Key(), Folder: t.FolderName()}, nil
	}
}

func (r *recorder) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.calls...)
}

func TestWindow(t *testing.T) {
	assert.Equal(t, 1, Window(1))
	assert.Equal(t, 1, Window(2))
	assert.Equal(t, 2, Window(4))
	assert.Equal(t, 3, Window(16))
}

func TestPrefetchWalksTheWholeList(t *testing.T) {
	ts := list(4)
	rec := &recorder{}
	p := New(2, time.Second, nil)
	p.Schedule(context.Background(), ts, rec.fetch(nil))

	for i, tender := range ts {
		data, ok := p.GetPrefetchedData(context.Background(), i, tender)
		require.True(t, ok, "index %d", i)
		assert.Equal(t, tender.Key(), data.Key)
	}
	p.Shutdown()
	assert.ElementsMatch(t, []int64{100, 101, 102, 103}, rec.seen())
}

func TestPrefetchTimeoutLeavesTaskRunning(t *testing.T) {
	ts := list(2)
	release := make(chan struct{})
	rec := &recorder{}
	p := New(1, 20*time.Millisecond, nil)
	p.Schedule(context.Background(), ts, rec.fetch(map[int64]chan struct{}{100: release}))

	_, ok := p.GetPrefetchedData(context.Background(), 0, ts[0])
	assert.False(t, ok)

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("shutdown returned while a task was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Equal(t, []int64{100}, rec.seen(), "the queued task must not start after shutdown")
}

func TestMissingTaskIsAMiss(t *testing.T) {
	p := New(1, time.Second, nil)
	_, ok := p.GetPrefetchedData(context.Background(), 5, domain.Tender{ID: 1})
	assert.False(t, ok)
	p.Shutdown()
}

func TestSkipAdvancesWindow(t *testing.T) {
	ts := list(3)
	rec := &recorder{}
	p := New(1, time.Second, nil)
	p.Schedule(context.Background(), ts, rec.fetch(nil))

	p.Skip(context.Background(), 0)
	data, ok := p.GetPrefetchedData(context.Background(), 1, ts[1])
	require.True(t, ok)
	assert.Equal(t, ts[1].Key(), data.Key)
	p.Shutdown()
	assert.Contains(t, rec.seen(), int64(101))
}

func TestSettleWaitsForTimedOutTask(t *testing.T) {
	ts := list(1)
	release := make(chan struct{})
	rec := &recorder{}
	p := New(1, 10*time.Millisecond, nil)
	p.Schedule(context.Background(), ts, rec.fetch(map[int64]chan struct{}{100: release}))

	_, ok := p.GetPrefetchedData(context.Background(), 0, ts[0])
	require.False(t, ok)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, p.Settle(short, 0), "task is still downloading")

	settled := make(chan bool, 1)
	go func() { settled <- p.Settle(context.Background(), 0) }()
	select {
	case <-settled:
		t.Fatal("settle returned before the task finished")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case ok := <-settled:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("settle did not return")
	}
	assert.True(t, p.Settle(context.Background(), 0), "nothing left to wait for")
	p.Shutdown()
}

func TestSkippedTaskIsDiscarded(t *testing.T) {
	ts := list(2)
	release := make(chan struct{})
	rec := &recorder{}
	p := New(2, time.Second, nil)
	var mu sync.Mutex
	var dropped []domain.TenderKey
	p.OnDiscard(func(d Data) {
		mu.Lock()
		dropped = append(dropped, d.Key)
		mu.Unlock()
	})
	p.Schedule(context.Background(), ts, rec.fetch(map[int64]chan struct{}{100: release}))

	// index 1 finishes before the skip, index 0 after it
	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	p.Skip(context.Background(), 1)
	p.Skip(context.Background(), 0)
	close(release)
	p.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []domain.TenderKey{ts[0].Key(), ts[1].Key()}, dropped)
}
