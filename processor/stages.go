package processor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tenderscan/domain"
	"tenderscan/folder"
	"tenderscan/obs"
	"tenderscan/prefetch"
	"tenderscan/prepare"
)

// resolve picks the records to work on: prefetched first, then files left on
// disk by an earlier run, then a synchronous fetch.
func (p *Processor) resolve(ctx context.Context, job Job) (dir string, recs []domain.DownloadRecord, err error) {
	ctx, end := obs.Span(ctx, "processor", "tender.resolve")
	defer func() { end(err) }()

	t := job.Tender
	if job.Prefetch != nil {
		if data, ok := job.Prefetch.GetPrefetchedData(ctx, job.Index, t); ok && len(data.Records) > 0 {
			return p.folders.Path(t.Key(), t.Lifecycle), data.Records, nil
		}
	}
	if len(job.Existing) > 0 {
		return p.folders.Path(t.Key(), t.Lifecycle), job.Existing, nil
	}
	data, err := p.Fetch(ctx, t)
	if err != nil {
		return "", nil, err
	}
	return data.Folder, data.Records, nil
}

// Fetch lists a tender's documents, keeps the scannable ones and downloads them
// into the tender folder.
func (p *Processor) Fetch(ctx context.Context, t domain.Tender) (prefetch.Data, error) {
	return p.fetchInto(ctx, t, "")
}

// Prefetch is Fetch for the background prefetcher. It downloads into the
// PrefetchDir subfolder so a synchronous Fetch started after a prefetch
// timeout never writes the same files.
func (p *Processor) Prefetch(ctx context.Context, t domain.Tender) (prefetch.Data, error) {
	data, err := p.fetchInto(ctx, t, folder.PrefetchDir)
	for i := range data.Records {
		data.Records[i].Origin = domain.OriginPrefetch
	}
	return data, err
}

func (p *Processor) fetchInto(ctx context.Context, t domain.Tender, sub string) (prefetch.Data, error) {
	key := t.Key()
	dir, err := p.folders.Prepare(key, t.Lifecycle)
	if err != nil {
		return prefetch.Data{}, err
	}
	docs, err := p.feed.GetTenderDocuments(ctx, key)
	if err != nil {
		return prefetch.Data{}, fmt.Errorf("list documents of %s: %w", key, err)
	}
	data := prefetch.Data{Key: key, Folder: dir, Documents: docs}
	selected := prepare.ChooseDocuments(docs)
	if len(selected) == 0 {
		return data, nil
	}
	groups := prepare.GroupByArchive(selected, docs)
	data.Records = p.download.DownloadAll(ctx, groups, filepath.Join(dir, sub))
	return data, nil
}

// analyze runs validation, preparation and matching. Failures become an error
// outcome; only cancellation is returned as an error.
func (p *Processor) analyze(ctx context.Context, recs []domain.DownloadRecord, start time.Time) (domain.ProcessingOutcome, error) {
	if len(recs) == 0 {
		return errorOutcome(domain.ReasonNoDocuments, nil, start), nil
	}

	vctx, end := obs.Span(ctx, "processor", "tender.validate", attribute.Int("records", len(recs)))
	valid, err := p.prepare.Validate(vctx, recs)
	end(err)
	switch {
	case ctx.Err() != nil:
		return domain.ProcessingOutcome{}, ctx.Err()
	case errors.Is(err, prepare.ErrNoValidFiles):
		return errorOutcome(domain.ReasonNoValidFiles, err, start), nil
	case err != nil:
		return errorOutcome(domain.ReasonPreparePaths, err, start), nil
	}

	pctx, end := obs.Span(ctx, "processor", "tender.prepare")
	prep, err := p.prepare.Prepare(pctx, valid)
	end(err)
	if ctx.Err() != nil {
		return domain.ProcessingOutcome{}, ctx.Err()
	}
	if err != nil {
		return errorOutcome(domain.ReasonPreparePaths, err, start), nil
	}
	if len(prep.Documents) == 0 {
		return errorOutcome(domain.ReasonNoWorkbookFiles, nil, start), nil
	}
	if len(prep.Dropped) > 0 || prep.Duplicates > 0 {
		p.log.Debug("preparation trimmed inputs", "dropped", len(prep.Dropped), "duplicates", prep.Duplicates)
	}

	mctx, end := obs.Span(ctx, "processor", "tender.match", attribute.Int("documents", len(prep.Documents)))
	mr, err := p.match.Run(mctx, prep.Documents)
	end(err)
	if ctx.Err() != nil {
		return domain.ProcessingOutcome{}, ctx.Err()
	}
	if err != nil {
		return errorOutcome(domain.ReasonProcessing, err, start), nil
	}
	return matchedOutcome(mr, prep.Documents, start), nil
}
