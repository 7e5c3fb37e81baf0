package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderscan/domain"
	"tenderscan/folder"
	"tenderscan/matcher"
	"tenderscan/prefetch"
	"tenderscan/prepare"
	"tenderscan/store"
)

type fakeFeed struct {
	mu    sync.Mutex
	docs  []domain.DocumentRef
	err   error
	calls int
}

func (f *fakeFeed) GetTenderDocuments(context.Context, domain.TenderKey) ([]domain.DocumentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.docs, f.err
}

// fakeDownloader writes every group's main document with a small body.
type fakeDownloader struct{}

func (fakeDownloader) DownloadAll(_ context.Context, groups []prepare.DocumentGroup, dir string) []domain.DownloadRecord {
	var out []domain.DownloadRecord
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	for _, g := range groups {
		p := filepath.Join(dir, g.Main.FileName)
		if err := os.WriteFile(p, []byte("document body"), 0o644); err != nil {
			continue
		}
		doc := g.Main
		out = append(out, domain.DownloadRecord{Doc: &doc, Paths: []string{p}, Origin: domain.OriginDownload})
	}
	return out
}

type fakeMatcher struct {
	fail  map[string]bool
	err   error
	panic bool
	block chan struct{}
	seen  []string
}

func (m *fakeMatcher) Run(ctx context.Context, paths []string) (matcher.Result, error) {
	if m.panic {
		panic("scanner blew up")
	}
	if m.block != nil {
		close(m.block)
		<-ctx.Done()
		return matcher.Result{}, ctx.Err()
	}
	if m.err != nil {
		return matcher.Result{}, m.err
	}
	m.seen = paths
	var res matcher.Result
	for _, p := range paths {
		if m.fail[filepath.Base(p)] {
			res.FailedFiles = append(res.FailedFiles, domain.FailedFile{Path: p, Error: "match timeout"})
			continue
		}
		res.Matches = append(res.Matches, domain.MatchResult{ProductName: "widget", Score: 100, SourceFile: p})
	}
	return res, nil
}

type fakeArchiver struct{ files []domain.FailedFile }

func (a *fakeArchiver) ArchiveFailed(_ context.Context, _ domain.TenderKey, files []domain.FailedFile) int {
	a.files = append(a.files, files...)
	return len(files)
}

type fakePrefetch struct {
	mu      sync.Mutex
	data    map[int]prefetch.Data
	skipped []int
}

func (f *fakePrefetch) GetPrefetchedData(_ context.Context, index int, _ domain.Tender) (prefetch.Data, bool) {
	d, ok := f.data[index]
	return d, ok
}

func (f *fakePrefetch) Skip(_ context.Context, index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped = append(f.skipped, index)
}

func (f *fakePrefetch) Settle(context.Context, int) bool { return true }

// slowPrefetchDownloader holds background downloads until gate closes.
type slowPrefetchDownloader struct {
	gate chan struct{}
}

func (d slowPrefetchDownloader) DownloadAll(ctx context.Context, groups []prepare.DocumentGroup, dir string) []domain.DownloadRecord {
	if filepath.Base(dir) == folder.PrefetchDir {
		<-d.gate
	}
	return fakeDownloader{}.DownloadAll(ctx, groups, dir)
}

type harness struct {
	proc    *Processor
	store   *store.Memory
	feed    *fakeFeed
	match   *fakeMatcher
	archive *fakeArchiver
	folders *folder.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemory(time.Hour),
		feed: &fakeFeed{docs: []domain.DocumentRef{
			{FileName: "spec.pdf", URL: "http://x/spec.pdf"},
			{FileName: "terms.docx", URL: "http://x/terms.docx"},
			{FileName: "readme.txt", URL: "http://x/readme.txt"},
		}},
		match:   &fakeMatcher{},
		archive: &fakeArchiver{},
		folders: folder.NewManager(t.TempDir(), nil, nil),
	}
	h.proc = New(Deps{
		Store:      h.store,
		Feed:       h.feed,
		Folders:    h.folders,
		Downloader: fakeDownloader{},
		Preparer:   prepare.New(nil),
		Matcher:    h.match,
		Archiver:   h.archive,
	}, "worker-a", WithLockRefresh(0))
	return h
}

var tender = domain.Tender{ID: 77, Registry: domain.Registry44FZ, Lifecycle: domain.LifecycleNew}

func TestProcessCompletesAndCleansUp(t *testing.T) {
	h := newHarness(t)
	res := h.proc.Process(context.Background(), Job{Tender: tender})

	require.Equal(t, StatusCompleted, res.Status, "err: %v", res.Err)
	assert.Len(t, h.match.seen, 2, "only scannable documents are matched")
	rec, ok := h.store.Get(tender.Key())
	require.True(t, ok)
	assert.Equal(t, domain.StateCompleted, rec.State)
	assert.Equal(t, "worker-a", rec.Owner)
	assert.Equal(t, "44fz_77", rec.FolderName)
	assert.Equal(t, 100.0, rec.MatchPercentage)
	assert.Equal(t, 2, rec.TotalFiles)
	assert.NoDirExists(t, h.folders.Path(tender.Key(), tender.Lifecycle))

	again := h.proc.Process(context.Background(), Job{Tender: tender})
	assert.Equal(t, StatusSkipped, again.Status)
}

func TestProcessKeepsFailedFiles(t *testing.T) {
	h := newHarness(t)
	h.match.fail = map[string]bool{"terms.docx": true}
	res := h.proc.Process(context.Background(), Job{Tender: tender})

	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Outcome.FailedFiles, 1)
	kept := res.Outcome.FailedFiles[0].Path
	assert.FileExists(t, kept)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(kept), "spec.pdf"))
	assert.Len(t, h.archive.files, 1)

	rec, _ := h.store.Get(tender.Key())
	assert.True(t, rec.HasError)
	assert.Len(t, rec.FailedFiles, 1)
}

func TestProcessNoDocumentsPersistsError(t *testing.T) {
	h := newHarness(t)
	h.feed.docs = []domain.DocumentRef{{FileName: "notes.txt", URL: "http://x/notes.txt"}}
	res := h.proc.Process(context.Background(), Job{Tender: tender})

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrNoDocuments)
	rec, ok := h.store.Get(tender.Key())
	require.True(t, ok)
	assert.Equal(t, domain.StateFailed, rec.State)
	assert.Equal(t, domain.ReasonNoDocuments, rec.ErrorReason)
}

func TestProcessMatcherErrorPersistsProcessingError(t *testing.T) {
	h := newHarness(t)
	h.match.err = errors.New("pool exhausted")
	res := h.proc.Process(context.Background(), Job{Tender: tender})

	assert.Equal(t, StatusFailed, res.Status)
	rec, _ := h.store.Get(tender.Key())
	assert.Equal(t, "processing_error: pool exhausted", rec.ErrorReason)
}

func TestProcessSkipsForeignLock(t *testing.T) {
	h := newHarness(t)
	ok, err := h.store.TryMarkProcessing(context.Background(), tender.Key(), "worker-b")
	require.NoError(t, err)
	require.True(t, ok)

	pf := &fakePrefetch{}
	res := h.proc.Process(context.Background(), Job{Tender: tender, Index: 4, Prefetch: pf})
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, []int{4}, pf.skipped)
	assert.Zero(t, h.feed.calls)

	forced := h.proc.Process(context.Background(), Job{Tender: tender, Force: true})
	assert.Equal(t, StatusConflict, forced.Status)
}

func TestProcessForceReprocessesTerminal(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, StatusCompleted, h.proc.Process(context.Background(), Job{Tender: tender}).Status)

	res := h.proc.Process(context.Background(), Job{Tender: tender, Force: true})
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, h.feed.calls)
}

func TestProcessUsesPrefetchedThenExisting(t *testing.T) {
	h := newHarness(t)
	dir, err := h.folders.Prepare(tender.Key(), tender.Lifecycle)
	require.NoError(t, err)
	p := filepath.Join(dir, "price.pdf")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	pf := &fakePrefetch{data: map[int]prefetch.Data{0: {
		Key: tender.Key(), Folder: dir,
		Records: []domain.DownloadRecord{{Paths: []string{p}, Origin: domain.OriginPrefetch}},
	}}}
	res := h.proc.Process(context.Background(), Job{Tender: tender, Prefetch: pf})
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{p}, h.match.seen)
	assert.Zero(t, h.feed.calls)

	other := domain.Tender{ID: 78, Registry: domain.Registry44FZ, Lifecycle: domain.LifecycleWon}
	dir, err = h.folders.Prepare(other.Key(), other.Lifecycle)
	require.NoError(t, err)
	q := filepath.Join(dir, "left.pdf")
	require.NoError(t, os.WriteFile(q, []byte("x"), 0o644))
	res = h.proc.Process(context.Background(), Job{
		Tender:   other,
		Existing: []domain.DownloadRecord{{Paths: []string{q}, Origin: domain.OriginExisting}},
	})
	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "44fz_78_won", res.Folder)
	assert.Zero(t, h.feed.calls)
}

func TestProcessCancelReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.match.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.match.block
		cancel()
	}()
	res := h.proc.Process(ctx, Job{Tender: tender})

	assert.Equal(t, StatusError, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
	_, persisted := h.store.Get(tender.Key())
	assert.False(t, persisted)
	assert.DirExists(t, h.folders.Path(tender.Key(), tender.Lifecycle))
}

func TestProcessFeedErrorReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.feed.err = errors.New("connection reset")
	res := h.proc.Process(context.Background(), Job{Tender: tender})
	assert.Equal(t, StatusError, res.Status)

	ok, err := h.store.TryMarkProcessing(context.Background(), tender.Key(), "worker-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessPanicReleasesLockAndRepanics(t *testing.T) {
	h := newHarness(t)
	h.match.panic = true
	assert.Panics(t, func() { h.proc.Process(context.Background(), Job{Tender: tender}) })

	ok, err := h.store.TryMarkProcessing(context.Background(), tender.Key(), "worker-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeepAliveRefreshesLock(t *testing.T) {
	h := newHarness(t)
	h.proc.refresh = 5 * time.Millisecond
	ctx := context.Background()
	ok, err := h.store.TryMarkProcessing(ctx, tender.Key(), "worker-a")
	require.NoError(t, err)
	require.True(t, ok)
	before, _ := h.store.Get(tender.Key())

	stop := h.proc.keepAlive(ctx, tender.Key(), h.proc.log)
	time.Sleep(30 * time.Millisecond)
	stop()

	after, _ := h.store.Get(tender.Key())
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))
}

func TestErrorOutcomeTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	out := errorOutcome(domain.ReasonPreparePaths, errors.New(string(long)), time.Now())
	assert.Len(t, []rune(out.ErrorReason), 200)
	assert.Equal(t, domain.StateFailed, out.State())
	assert.ErrorIs(t, reasonErr(out.ErrorReason), domain.ErrExtraction)
}

func TestProcessWaitsForLatePrefetchBeforeCleanup(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.proc.download = slowPrefetchDownloader{gate: gate}

	pf := prefetch.New(1, 20*time.Millisecond, nil)
	defer pf.Shutdown()
	pf.Schedule(context.Background(), []domain.Tender{tender}, h.proc.Prefetch)
	go func() {
		time.Sleep(80 * time.Millisecond)
		close(gate)
	}()

	res := h.proc.Process(context.Background(), Job{Tender: tender, Index: 0, Prefetch: pf})
	require.Equal(t, StatusCompleted, res.Status, "err: %v", res.Err)
	require.Len(t, h.match.seen, 2)
	for _, p := range h.match.seen {
		assert.NotContains(t, p, folder.PrefetchDir, "synchronous fetch must not read prefetch files")
	}
	assert.NoDirExists(t, h.folders.Path(tender.Key(), tender.Lifecycle), "late prefetch files must not outlive cleanup")
}
