// Package processor drives one tender through check, resolve, validate,
// prepare, match, persist and cleanup.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tenderscan/domain"
	"tenderscan/folder"
	"tenderscan/matcher"
	"tenderscan/obs"
	"tenderscan/prefetch"
	"tenderscan/prepare"
	"tenderscan/store"
)

const (
	bookkeepingTimeout = 30 * time.Second
	settleTimeout      = 2 * time.Minute
)

type Feed interface {
	GetTenderDocuments(ctx context.Context, key domain.TenderKey) ([]domain.DocumentRef, error)
}

type Downloader interface {
	DownloadAll(ctx context.Context, groups []prepare.DocumentGroup, dir string) []domain.DownloadRecord
}

type Preparer interface {
	Validate(ctx context.Context, recs []domain.DownloadRecord) ([]domain.DownloadRecord, error)
	Prepare(ctx context.Context, recs []domain.DownloadRecord) (prepare.Result, error)
}

type Matcher interface {
	Run(ctx context.Context, paths []string) (matcher.Result, error)
}

// Archiver keeps a copy of files that failed to scan.
type Archiver interface {
	ArchiveFailed(ctx context.Context, k domain.TenderKey, files []domain.FailedFile) int
}

// Prefetched is the consumer side of the prefetcher.
type Prefetched interface {
	GetPrefetchedData(ctx context.Context, index int, t domain.Tender) (prefetch.Data, bool)
	Skip(ctx context.Context, index int)
	// Settle waits for a task GetPrefetchedData gave up on.
	Settle(ctx context.Context, index int) bool
}

type Status string

const (
	StatusCompleted Status = "completed"
	// StatusFailed means an error outcome was persisted.
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusConflict Status = "conflict"
	// StatusError means nothing was persisted and the lock was given back.
	StatusError Status = "error"
)

func (s Status) metric() string {
	switch s {
	case StatusCompleted:
		return "ok"
	case StatusSkipped, StatusConflict:
		return string(s)
	}
	return "error"
}

// Job is one tender handed to the processor.
type Job struct {
	Tender domain.Tender
	// Index is the tender's position in the prefetch schedule.
	Index    int
	Prefetch Prefetched
	// Existing holds records found on disk by an earlier run.
	Existing []domain.DownloadRecord
	// Force reprocesses a tender that already has a terminal record.
	Force bool
}

type Result struct {
	Key     domain.TenderKey
	Status  Status
	Folder  string
	Outcome domain.ProcessingOutcome
	Err     error
}

type Deps struct {
	Store      store.ResultStore
	Feed       Feed
	Folders    *folder.Manager
	Downloader Downloader
	Preparer   Preparer
	Matcher    Matcher
	Archiver   Archiver
}

type Processor struct {
	store    store.ResultStore
	feed     Feed
	folders  *folder.Manager
	download Downloader
	prepare  Preparer
	match    Matcher
	archive  Archiver
	worker   string
	refresh  time.Duration
	log      *slog.Logger
}

type Option func(*Processor)

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithLockRefresh sets the keep-alive period of the processing lock; 0 disables it.
func WithLockRefresh(d time.Duration) Option { return func(p *Processor) { p.refresh = d } }

func New(d Deps, worker string, opts ...Option) *Processor {
	p := &Processor{
		store:    d.Store,
		feed:     d.Feed,
		folders:  d.Folders,
		download: d.Downloader,
		prepare:  d.Preparer,
		match:    d.Matcher,
		archive:  d.Archiver,
		worker:   worker,
		refresh:  30 * time.Second,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) Worker() string { return p.worker }

// Process never returns a Go error: every outcome, including store failures,
// is reported in Result. A panic releases the lock and is re-raised.
func (p *Processor) Process(ctx context.Context, job Job) (res Result) {
	t := job.Tender
	key := t.Key()
	start := time.Now()
	res = Result{Key: key, Folder: t.FolderName()}
	log := p.log.With("tender", key.String(), "lifecycle", string(t.Lifecycle))

	ctx, end := obs.Span(ctx, "processor", "tender.process",
		attribute.String("tender.key", key.String()),
		attribute.String("tender.lifecycle", string(t.Lifecycle)),
		attribute.Bool("tender.force", job.Force))
	defer func() {
		end(res.Err)
		obs.RecordTender(string(key.Registry), res.Status.metric(), start)
	}()

	owned := false
	defer func() {
		if r := recover(); r != nil {
			if owned {
				p.release(ctx, key, log)
			}
			panic(r)
		}
	}()

	claimed, err := p.claim(ctx, key, job.Force)
	if err != nil {
		res.Status, res.Err = StatusError, fmt.Errorf("claim %s: %w", key, err)
		log.Error("result store unavailable", "err", err)
		p.skipPrefetch(ctx, job)
		return res
	}
	if !claimed {
		res.Status = StatusSkipped
		if job.Force {
			res.Status = StatusConflict
		}
		log.Info("tender skipped", "reason", "already processed or owned by another worker")
		p.skipPrefetch(ctx, job)
		return res
	}
	owned = true
	stop := p.keepAlive(ctx, key, log)
	defer stop()

	dir, recs, err := p.resolve(ctx, job)
	if err != nil {
		p.release(ctx, key, log)
		owned = false
		res.Status, res.Err = StatusError, err
		log.Warn("resolve documents failed", "err", err)
		return res
	}

	out, err := p.analyze(ctx, recs, start)
	if err != nil {
		// cancelled: leave the folder for the existing-folders pass
		p.release(ctx, key, log)
		owned = false
		res.Status, res.Err = StatusError, err
		return res
	}
	res.Outcome = out

	if err := p.persist(ctx, key, out, res.Folder); err != nil {
		if errors.Is(err, domain.ErrLockConflict) {
			owned = false
			res.Status, res.Err = StatusConflict, err
			log.Warn("lock lost before persist, leaving tender to its new owner")
			return res
		}
		p.release(ctx, key, log)
		owned = false
		res.Status, res.Err = StatusError, err
		log.Error("persist outcome failed", "err", err)
		return res
	}
	owned = false

	if len(out.FailedFiles) > 0 && p.archive != nil {
		p.archive.ArchiveFailed(context.WithoutCancel(ctx), key, out.FailedFiles)
	}
	p.settlePrefetch(ctx, job, log)
	p.cleanup(dir, out, log)

	if out.ErrorReason != "" {
		res.Status, res.Err = StatusFailed, reasonErr(out.ErrorReason)
		log.Warn("tender failed", "reason", out.ErrorReason, "elapsed", time.Since(start))
		return res
	}
	res.Status = StatusCompleted
	log.Info("tender processed",
		"matches", len(out.Matches),
		"match_percentage", out.MatchPercentage(),
		"files", out.TotalFiles,
		"failed_files", len(out.FailedFiles),
		"elapsed", time.Since(start))
	return res
}

func (p *Processor) claim(ctx context.Context, key domain.TenderKey, force bool) (bool, error) {
	if force {
		return p.store.Reclaim(ctx, key, p.worker)
	}
	return p.store.TryMarkProcessing(ctx, key, p.worker)
}

func (p *Processor) skipPrefetch(ctx context.Context, job Job) {
	if job.Prefetch != nil {
		job.Prefetch.Skip(ctx, job.Index)
	}
}

// settlePrefetch waits for a timed-out prefetch of the tender so its late
// files land before cleanup instead of after it.
func (p *Processor) settlePrefetch(ctx context.Context, job Job, log *slog.Logger) {
	if job.Prefetch == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if !job.Prefetch.Settle(sctx, job.Index) {
		log.Warn("prefetch still running at cleanup, leaving its files for the existing-folders pass")
	}
}

// keepAlive refreshes the processing lock until the returned func is called.
func (p *Processor) keepAlive(ctx context.Context, key domain.TenderKey, log *slog.Logger) func() {
	if p.refresh <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(p.refresh)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.store.Refresh(ctx, key, p.worker); err != nil {
					// best-effort; the lock TTL covers a few missed beats
					log.Warn("lock refresh failed", "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (p *Processor) release(ctx context.Context, key domain.TenderKey, log *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := p.store.Release(rctx, key, p.worker); err != nil {
		log.Warn("lock release failed", "err", err)
	}
}

func (p *Processor) persist(ctx context.Context, key domain.TenderKey, out domain.ProcessingOutcome, folderName string) (err error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	pctx, end := obs.Span(pctx, "processor", "tender.persist")
	defer func() { end(err) }()
	return p.store.Upsert(pctx, key, out, folderName, p.worker)
}

// cleanup deletes everything but the failed files; the folder goes when nothing is kept.
func (p *Processor) cleanup(dir string, out domain.ProcessingOutcome, log *slog.Logger) {
	if dir == "" {
		return
	}
	keep := failedPaths(out.FailedFiles)
	n := p.folders.Prune(dir, keep)
	log.Debug("tender folder cleaned", "folder", dir, "removed", n, "kept", len(keep))
}
