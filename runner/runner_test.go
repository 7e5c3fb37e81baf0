package runner

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderscan/domain"
	"tenderscan/feed"
	"tenderscan/folder"
	"tenderscan/prefetch"
	"tenderscan/processor"
	"tenderscan/store"
)

type fakeProc struct {
	mu    sync.Mutex
	jobs  []processor.Job
	panic int64
}

func (p *fakeProc) Process(_ context.Context, job processor.Job) processor.Result {
	if job.Tender.ID == p.panic {
		panic("boom")
	}
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
	return processor.Result{
		Key:     job.Tender.Key(),
		Status:  processor.StatusCompleted,
		Outcome: domain.ProcessingOutcome{Matches: []domain.MatchResult{{ProductName: "w", Score: 90}}},
	}
}

func (p *fakeProc) Prefetch(_ context.Context, t domain.Tender) (prefetch.Data, error) {
	return prefetch.Data{Key: t.Key()}, nil
}

func (p *fakeProc) Worker() string { return "worker-a" }

func (p *fakeProc) ids() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Tender.ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fakeFeed struct {
	byLifecycle map[domain.Lifecycle][]domain.Tender
	filters     []feed.Filters
}

func (f *fakeFeed) GetTargetTenders(_ context.Context, fl feed.Filters) ([]domain.Tender, error) {
	f.filters = append(f.filters, fl)
	return f.byLifecycle[fl.Lifecycle], nil
}

func (f *fakeFeed) GetTenderDocuments(context.Context, domain.TenderKey) ([]domain.DocumentRef, error) {
	return nil, nil
}

type fakeSettings struct{}

func (fakeSettings) UserSettings(context.Context, int64) (feed.Settings, error) {
	return feed.Settings{OKPDCodes: []string{"26.20"}, StopWords: []string{"ремонт"}}, nil
}

func tenders(lc domain.Lifecycle, ids ...int64) []domain.Tender {
	out := make([]domain.Tender, len(ids))
	for i, id := range ids {
		out[i] = domain.Tender{ID: id, Registry: domain.Registry44FZ, Lifecycle: lc}
	}
	return out
}

func newCoordinator(t *testing.T, p *fakeProc, f *fakeFeed, st store.ResultStore) (*Coordinator, *folder.Manager) {
	t.Helper()
	fm := folder.NewManager(t.TempDir(), nil, nil)
	c := New(p, f, st, fm, Config{Workers: 2, PrefetchTimeout: time.Second}, WithSettings(fakeSettings{}))
	return c, fm
}

func TestRunAllRunsNewThenWon(t *testing.T) {
	p := &fakeProc{}
	f := &fakeFeed{byLifecycle: map[domain.Lifecycle][]domain.Tender{
		domain.LifecycleNew: tenders(domain.LifecycleNew, 1, 2, 3),
		domain.LifecycleWon: tenders(domain.LifecycleWon, 10),
	}}
	c, _ := newCoordinator(t, p, f, store.NewMemory(time.Hour))

	stats, err := c.Run(context.Background(), Options{Lifecycle: LifecycleAll, RegionID: 5})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 4, stats.Completed)
	assert.Equal(t, 4, stats.Matches)
	assert.Equal(t, []int64{1, 2, 3, 10}, p.ids())

	require.Len(t, f.filters, 2)
	assert.Equal(t, domain.LifecycleNew, f.filters[0].Lifecycle)
	assert.Equal(t, domain.LifecycleWon, f.filters[1].Lifecycle)
	assert.Equal(t, []string{"26.20"}, f.filters[0].OKPDCodes)
	assert.Equal(t, int64(5), f.filters[0].RegionID)
	for _, j := range p.jobs {
		assert.NotNil(t, j.Prefetch)
		assert.False(t, j.Force)
	}
}

func TestRunDropsProcessedTenders(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(time.Hour)
	done := domain.TenderKey{ID: 2, Registry: domain.Registry44FZ}
	ok, err := st.TryMarkProcessing(ctx, done, "worker-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.Upsert(ctx, done, domain.ProcessingOutcome{}, "44fz_2", "worker-b"))
	foreign := domain.TenderKey{ID: 3, Registry: domain.Registry44FZ}
	_, err = st.TryMarkProcessing(ctx, foreign, "worker-b")
	require.NoError(t, err)
	mine := domain.TenderKey{ID: 4, Registry: domain.Registry44FZ}
	_, err = st.TryMarkProcessing(ctx, mine, "worker-a")
	require.NoError(t, err)

	p := &fakeProc{}
	f := &fakeFeed{byLifecycle: map[domain.Lifecycle][]domain.Tender{
		domain.LifecycleNew: tenders(domain.LifecycleNew, 1, 2, 3, 4),
	}}
	c, _ := newCoordinator(t, p, f, st)
	_, err = c.Run(ctx, Options{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, p.ids(), "own PROCESSING records are resumable")
}

func TestRunResumesExistingFolders(t *testing.T) {
	p := &fakeProc{}
	f := &fakeFeed{}
	c, fm := newCoordinator(t, p, f, store.NewMemory(time.Hour))
	dir := filepath.Join(fm.Root(), "223fz_5_won")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "price.xlsx"), []byte("x"), 0o644))

	stats, err := c.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	require.Len(t, p.jobs, 1)
	j := p.jobs[0]
	assert.Equal(t, domain.LifecycleWon, j.Tender.Lifecycle)
	assert.Equal(t, domain.Registry223FZ, j.Tender.Registry)
	require.Len(t, j.Existing, 1)
	assert.Equal(t, domain.OriginExisting, j.Existing[0].Origin)
	assert.Nil(t, j.Prefetch)
}

func TestRunExplicitIDsForce(t *testing.T) {
	p := &fakeProc{}
	f := &fakeFeed{}
	c, _ := newCoordinator(t, p, f, store.NewMemory(time.Hour))
	ids := []domain.TenderKey{
		{ID: 8, Registry: domain.Registry44FZ},
		{ID: 9, Registry: domain.Registry223FZ},
		{ID: 8, Registry: domain.Registry44FZ},
	}
	stats, err := c.Run(context.Background(), Options{IDs: ids, Lifecycle: "won"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Empty(t, f.filters, "explicit runs bypass the feed selection")
	for _, j := range p.jobs {
		assert.True(t, j.Force)
		assert.Equal(t, domain.LifecycleWon, j.Tender.Lifecycle)
	}
}

func TestRunExplicitIDsStartFromCleanFolder(t *testing.T) {
	p := &fakeProc{}
	c, fm := newCoordinator(t, p, &fakeFeed{}, store.NewMemory(time.Hour))
	k := domain.TenderKey{ID: 8, Registry: domain.Registry44FZ}
	dir, err := fm.Prepare(k, domain.LifecycleNew)
	require.NoError(t, err)
	stale := filepath.Join(dir, "old.xlsx")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	_, err = c.Run(context.Background(), Options{IDs: []domain.TenderKey{k}})
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Equal(t, []int64{8}, p.ids())
}

func TestRunPanicIsFatal(t *testing.T) {
	p := &fakeProc{panic: 2}
	f := &fakeFeed{byLifecycle: map[domain.Lifecycle][]domain.Tender{
		domain.LifecycleNew: tenders(domain.LifecycleNew, 1, 2, 3),
	}}
	c, _ := newCoordinator(t, p, f, store.NewMemory(time.Hour))
	_, err := c.Run(context.Background(), Options{SkipExisting: true})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestRunStopsWhenCancelled(t *testing.T) {
	p := &fakeProc{}
	f := &fakeFeed{byLifecycle: map[domain.Lifecycle][]domain.Tender{
		domain.LifecycleNew: tenders(domain.LifecycleNew, 1, 2),
	}}
	c, _ := newCoordinator(t, p, f, store.NewMemory(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, Options{SkipExisting: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.ids())
}

func TestLifecycles(t *testing.T) {
	lcs, err := lifecycles("")
	require.NoError(t, err)
	assert.Equal(t, []domain.Lifecycle{domain.LifecycleNew}, lcs)
	lcs, err = lifecycles("commission")
	require.NoError(t, err)
	assert.Equal(t, []domain.Lifecycle{domain.LifecycleCommission}, lcs)
	_, err = lifecycles("lost")
	assert.Error(t, err)
}
