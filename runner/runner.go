// Package runner selects tenders and drives them through the processor with a
// bounded worker pool.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tenderscan/domain"
	"tenderscan/feed"
	"tenderscan/folder"
	"tenderscan/prefetch"
	"tenderscan/processor"
	"tenderscan/queue"
	"tenderscan/store"
)

// LifecycleAll runs the new facet, then the won facet.
const LifecycleAll = "all"

type Processor interface {
	Process(ctx context.Context, job processor.Job) processor.Result
	Prefetch(ctx context.Context, t domain.Tender) (prefetch.Data, error)
	Worker() string
}

// SettingsSource supplies a user's OKPD codes and stop words.
type SettingsSource interface {
	UserSettings(ctx context.Context, userID int64) (feed.Settings, error)
}

type Options struct {
	// Lifecycle is new, won, commission or all.
	Lifecycle string
	Registry  domain.RegistryType
	UserID    int64
	RegionID  int64
	Limit     int
	// IDs forces reprocessing of exactly these tenders.
	IDs          []domain.TenderKey
	SkipExisting bool
}

type Config struct {
	Workers         int
	PrefetchWindow  int
	PrefetchTimeout time.Duration
	QueueThreshold  int64
	LockTTL         time.Duration
}

type Coordinator struct {
	proc     Processor
	feed     feed.TenderFeed
	settings SettingsSource
	store    store.ResultStore
	folders  *folder.Manager
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Coordinator)

func WithSettings(s SettingsSource) Option { return func(c *Coordinator) { c.settings = s } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func New(proc Processor, f feed.TenderFeed, st store.ResultStore, folders *folder.Manager, cfg Config, opts ...Option) *Coordinator {
	cfg.Workers = max(1, cfg.Workers)
	if cfg.PrefetchWindow <= 0 {
		cfg.PrefetchWindow = prefetch.Window(cfg.Workers)
	}
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = queue.DefaultThreshold
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = store.DefaultLockTTL
	}
	c := &Coordinator{
		proc:    proc,
		feed:    f,
		store:   st,
		folders: folders,
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes one selection. A panic in any tender cancels the run and is
// returned wrapped in domain.ErrFatal.
func (c *Coordinator) Run(ctx context.Context, opts Options) (Stats, error) {
	start := c.now()
	var total Stats
	defer func() {
		total.Duration = c.now().Sub(start)
		c.log.Info("run finished",
			"total", total.Total,
			"completed", total.Completed,
			"failed", total.Failed,
			"skipped", total.Skipped,
			"conflicts", total.Conflicts,
			"errors", total.Errors,
			"matches", total.Matches,
			"elapsed", total.Duration)
	}()

	if len(opts.IDs) > 0 {
		s, err := c.runExplicit(ctx, opts)
		total.merge(s)
		return total, err
	}

	if !opts.SkipExisting {
		s, err := c.runExisting(ctx)
		total.merge(s)
		if err != nil {
			return total, err
		}
	}

	lcs, err := lifecycles(opts.Lifecycle)
	if err != nil {
		return total, err
	}
	for _, lc := range lcs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		tenders, err := c.selectTenders(ctx, lc, opts)
		if err != nil {
			return total, err
		}
		c.log.Info("tenders selected", "lifecycle", string(lc), "count", len(tenders))
		s, err := c.process(ctx, tenders, nil, true, false)
		total.merge(s)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func lifecycles(s string) ([]domain.Lifecycle, error) {
	switch domain.Lifecycle(s) {
	case "", domain.LifecycleNew:
		return []domain.Lifecycle{domain.LifecycleNew}, nil
	case domain.LifecycleWon, domain.LifecycleCommission:
		return []domain.Lifecycle{domain.Lifecycle(s)}, nil
	case LifecycleAll:
		return []domain.Lifecycle{domain.LifecycleNew, domain.LifecycleWon}, nil
	}
	return nil, fmt.Errorf("unknown lifecycle %q", s)
}

func (c *Coordinator) runExplicit(ctx context.Context, opts Options) (Stats, error) {
	lc := domain.Lifecycle(opts.Lifecycle)
	if lc == "" || lc == LifecycleAll {
		lc = domain.LifecycleNew
	}
	seen := make(map[domain.TenderKey]struct{}, len(opts.IDs))
	tenders := make([]domain.Tender, 0, len(opts.IDs))
	for _, k := range opts.IDs {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		tenders = append(tenders, domain.Tender{ID: k.ID, Registry: k.Registry, Lifecycle: lc})
		// forced runs start from a fresh download
		if err := c.folders.CleanForce(c.folders.Path(k, lc)); err != nil {
			c.log.Warn("clean tender folder failed", "tender", k.String(), "err", err)
		}
	}
	c.log.Info("reprocessing explicit tenders", "count", len(tenders), "lifecycle", string(lc))
	return c.process(ctx, tenders, nil, true, true)
}

// runExisting resumes tender folders left by earlier runs that have no
// terminal record yet.
func (c *Coordinator) runExisting(ctx context.Context) (Stats, error) {
	found, err := c.folders.ListExisting()
	if err != nil {
		return Stats{}, fmt.Errorf("list existing folders: %w", err)
	}
	if len(found) == 0 {
		return Stats{}, nil
	}
	var (
		tenders  []domain.Tender
		existing = make(map[domain.TenderKey][]domain.DownloadRecord)
	)
	for _, x := range found {
		if _, dup := existing[x.Key]; dup {
			continue
		}
		existing[x.Key] = x.Records()
		tenders = append(tenders, domain.Tender{ID: x.Key.ID, Registry: x.Key.Registry, Lifecycle: x.Lifecycle})
	}
	tenders, err = c.pending(ctx, tenders)
	if err != nil {
		return Stats{}, err
	}
	c.log.Info("existing folders", "found", len(found), "pending", len(tenders))
	if len(tenders) == 0 {
		return Stats{}, nil
	}
	return c.process(ctx, tenders, existing, false, false)
}

// selectTenders asks the feed for candidates and drops those that already
// have a terminal record or a live foreign lock.
func (c *Coordinator) selectTenders(ctx context.Context, lc domain.Lifecycle, opts Options) ([]domain.Tender, error) {
	var s feed.Settings
	if c.settings != nil {
		var err error
		if s, err = c.settings.UserSettings(ctx, opts.UserID); err != nil {
			return nil, fmt.Errorf("user settings: %w", err)
		}
	}
	tenders, err := c.feed.GetTargetTenders(ctx, feed.Filters{
		OKPDCodes: s.OKPDCodes,
		StopWords: s.StopWords,
		RegionID:  opts.RegionID,
		Lifecycle: lc,
		Registry:  opts.Registry,
		Limit:     opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("target tenders: %w", err)
	}
	return c.pending(ctx, tenders)
}

func (c *Coordinator) pending(ctx context.Context, tenders []domain.Tender) ([]domain.Tender, error) {
	byReg := make(map[domain.RegistryType][]int64)
	for _, t := range tenders {
		byReg[t.Registry] = append(byReg[t.Registry], t.ID)
	}
	done := make(map[domain.TenderKey]bool)
	now := c.now()
	for reg, ids := range byReg {
		recs, err := c.store.GetBatchStatus(ctx, ids, reg)
		if err != nil {
			return nil, fmt.Errorf("batch status: %w", err)
		}
		for id, r := range recs {
			if store.Processed(r, c.proc.Worker(), c.cfg.LockTTL, now) {
				done[domain.TenderKey{ID: id, Registry: reg}] = true
			}
		}
	}
	out := tenders[:0:0]
	for _, t := range tenders {
		if !done[t.Key()] {
			out = append(out, t)
		}
	}
	return out, nil
}

// process runs tenders through the worker pool in queue order.
func (c *Coordinator) process(ctx context.Context, tenders []domain.Tender, existing map[domain.TenderKey][]domain.DownloadRecord, usePrefetch, force bool) (Stats, error) {
	var col collector
	if len(tenders) == 0 {
		return col.stats(), nil
	}

	index := make(map[domain.TenderKey]int, len(tenders))
	for i, t := range tenders {
		index[t.Key()] = i
	}

	var pf *prefetch.Prefetcher
	if usePrefetch {
		pf = prefetch.New(c.cfg.PrefetchWindow, c.cfg.PrefetchTimeout, c.log)
		// skipped tenders leave nothing behind
		pf.OnDiscard(func(d prefetch.Data) {
			if d.Folder != "" {
				c.folders.DropStaging(d.Folder)
			}
		})
		pf.Schedule(ctx, tenders, c.proc.Prefetch)
		defer pf.Shutdown()
	}

	q := queue.New(func(t domain.Tender) int64 {
		return folder.Size(c.folders.Path(t.Key(), t.Lifecycle))
	}, c.cfg.QueueThreshold, c.log)
	q.AddTenders(tenders)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for q.HasMore() {
		if gctx.Err() != nil {
			break
		}
		t, size, ok := q.GetNextTender()
		if !ok {
			break
		}
		q.MarkProcessed()
		job := processor.Job{Tender: t, Index: index[t.Key()], Existing: existing[t.Key()], Force: force}
		if pf != nil {
			job.Prefetch = pf
		}
		c.log.Debug("dispatching tender", "tender", t.Key().String(), "size_bytes", size)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: tender %s: %v", domain.ErrFatal, t.Key(), r)
					c.log.Error("fatal error while processing tender", "tender", t.Key().String(), "panic", fmt.Sprint(r))
				}
			}()
			res := c.proc.Process(gctx, job)
			col.add(res)
			if res.Status == processor.StatusFailed || res.Status == processor.StatusError {
				q.MarkFailed(t.Key(), fmt.Sprint(res.Err))
			}
			return nil
		})
	}
	err := g.Wait()
	info := q.Info()
	c.log.Info("queue drained", "total", info.Total, "processed", info.Processed, "failed", info.Failed,
		"large", info.Large, "small", info.Small)
	if err != nil {
		return col.stats(), err
	}
	if ctx.Err() != nil {
		return col.stats(), ctx.Err()
	}
	return col.stats(), nil
}

// IsFatal reports whether err aborted the run.
func IsFatal(err error) bool { return errors.Is(err, domain.ErrFatal) }
