// Package prefetch downloads upcoming tenders in the background while the
// current one is being matched.
package prefetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tenderscan/domain"
	"tenderscan/obs"
)

const DefaultTimeout = 120 * time.Second

var errNotStarted = errors.New("prefetch cancelled before start")

// Data is what a background task leaves for the processor.
type Data struct {
	Key       domain.TenderKey
	Folder    string
	Documents []domain.DocumentRef
	Records   []domain.DownloadRecord
}

// FetchFunc downloads one tender's documents.
type FetchFunc func(ctx context.Context, t domain.Tender) (Data, error)

type task struct {
	done chan struct{}
	data Data
	err  error
	// guarded by Prefetcher.mu
	finished bool
	discard  bool
}

type Prefetcher struct {
	window  int
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	stop    context.CancelFunc
	slots   chan struct{}
	tenders []domain.Tender
	fetch   FetchFunc
	tasks   map[int]*task
	// timed-out tasks still downloading, kept for Settle
	abandoned map[int]*task
	onDiscard func(Data)
	wg        sync.WaitGroup
}

// Window returns the look-ahead for a worker count: min(3, max(1, workers/2)).
func Window(workers int) int {
	return min(3, max(1, workers/2))
}

// New returns a Prefetcher with the given look-ahead. timeout <= 0 selects DefaultTimeout.
func New(window int, timeout time.Duration, log *slog.Logger) *Prefetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	window = max(1, window)
	return &Prefetcher{
		window:    window,
		timeout:   timeout,
		log:       obs.Or(log),
		slots:     make(chan struct{}, window),
		tasks:     make(map[int]*task),
		abandoned: make(map[int]*task),
	}
}

// OnDiscard registers fn to receive the data of skipped tenders once their
// download finishes, so the caller can remove what was fetched.
func (p *Prefetcher) OnDiscard(fn func(Data)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDiscard = fn
}

// Schedule replaces the tender list and starts the first window of tasks.
// ctx bounds the downloads themselves; Shutdown only stops tasks that have
// not started yet.
func (p *Prefetcher) Schedule(ctx context.Context, tenders []domain.Tender, fetch FetchFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		p.stop()
	}
	p.ctx, p.stop = context.WithCancel(context.Background())
	p.tenders = tenders
	p.fetch = fetch
	p.tasks = make(map[int]*task)
	p.abandoned = make(map[int]*task)
	for i := 0; i < min(p.window, len(tenders)); i++ {
		p.submit(ctx, i)
	}
}

// GetPrefetchedData waits up to the timeout for the task at index. On a miss,
// an error or a timeout it returns false and leaves the task running. The
// task window positions ahead is scheduled in every case.
func (p *Prefetcher) GetPrefetchedData(ctx context.Context, index int, t domain.Tender) (Data, bool) {
	p.mu.Lock()
	tk, ok := p.tasks[index]
	delete(p.tasks, index)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.submit(ctx, index+p.window)
		p.mu.Unlock()
	}()

	if !ok {
		obs.RecordPrefetch("miss")
		p.log.Debug("no prefetch task, fetching synchronously", "tender", t.Key().String())
		return Data{}, false
	}
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-tk.done:
	case <-timer.C:
		obs.RecordPrefetch("timeout")
		p.log.Warn("prefetch timed out, fetching synchronously", "tender", t.Key().String(), "timeout", p.timeout)
		p.abandon(index, tk)
		return Data{}, false
	case <-ctx.Done():
		p.abandon(index, tk)
		return Data{}, false
	}
	if tk.err != nil {
		obs.RecordPrefetch("miss")
		p.log.Warn("prefetch failed", "tender", t.Key().String(), "err", tk.err)
		return Data{}, false
	}
	if tk.data.Key != t.Key() {
		obs.RecordPrefetch("miss")
		return Data{}, false
	}
	obs.RecordPrefetch("hit")
	return tk.data, true
}

func (p *Prefetcher) abandon(index int, tk *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abandoned[index] = tk
}

// Settle waits for a task that GetPrefetchedData gave up on, so the tender
// folder is not cleaned while it is still being written. It reports false
// when ctx ended first; the task then stays registered.
func (p *Prefetcher) Settle(ctx context.Context, index int) bool {
	p.mu.Lock()
	tk, ok := p.abandoned[index]
	delete(p.abandoned, index)
	p.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-tk.done:
		return true
	case <-ctx.Done():
		p.mu.Lock()
		p.abandoned[index] = tk
		p.mu.Unlock()
		return false
	}
}

// Skip drops the task at index without waiting for it and schedules the one
// window positions ahead, for tenders the processor skipped. Whatever the
// task downloads goes to the OnDiscard hook.
func (p *Prefetcher) Skip(ctx context.Context, index int) {
	p.mu.Lock()
	tk, ok := p.tasks[index]
	delete(p.tasks, index)
	p.submit(ctx, index+p.window)
	var drop func(Data)
	if ok {
		tk.discard = true
		if tk.finished {
			drop = p.onDiscard
		}
	}
	p.mu.Unlock()
	if drop != nil && tk.err == nil {
		drop(tk.data)
	}
}

// finish marks tk done and hands its data to the discard hook if the tender was skipped meanwhile.
func (p *Prefetcher) finish(tk *task) {
	p.mu.Lock()
	tk.finished = true
	drop := p.onDiscard
	discard := tk.discard
	p.mu.Unlock()
	if discard && drop != nil && tk.err == nil {
		drop(tk.data)
	}
}

// Shutdown cancels tasks still waiting for a slot and waits for running ones.
func (p *Prefetcher) Shutdown() {
	p.mu.Lock()
	if p.stop != nil {
		p.stop()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// submit must be called with p.mu held.
func (p *Prefetcher) submit(ctx context.Context, index int) {
	if index >= len(p.tenders) || p.fetch == nil || p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	if _, exists := p.tasks[index]; exists {
		return
	}
	tk := &task{done: make(chan struct{})}
	p.tasks[index] = tk
	t, fetch, startCtx := p.tenders[index], p.fetch, p.ctx
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(tk.done)
		select {
		case p.slots <- struct{}{}:
		case <-startCtx.Done():
			tk.err = errNotStarted
			return
		}
		defer func() { <-p.slots }()
		if startCtx.Err() != nil {
			tk.err = errNotStarted
			return
		}
		defer p.finish(tk)
		defer func() {
			if r := recover(); r != nil {
				tk.err = errors.New("prefetch panic")
				p.log.Error("prefetch panic", "tender", t.Key().String(), "panic", r)
			}
		}()
		tk.data, tk.err = fetch(ctx, t)
		if tk.err == nil {
			p.log.Info("prefetched tender", "tender", t.Key().String(), "records", len(tk.data.Records))
		}
	}()
}
