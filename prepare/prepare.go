// Package prepare turns a tender's downloaded files into the deduplicated list
// of documents to scan: archives are unpacked (recursively, multi-part aware),
// workbooks are checked, and corrupt inputs get one re-download.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"tenderscan/domain"
	"tenderscan/obs"
	"tenderscan/scanner"
	"tenderscan/unpack"
)

const (
	// MaxRetries is the re-download budget per document.
	MaxRetries = 1
	maxNesting = 5
	maxNameLen = 250
)

var ErrNoValidFiles = errors.New("no valid files")

// Fetcher downloads one document into dir and returns the local path.
type Fetcher interface {
	Download(ctx context.Context, doc domain.DocumentRef, dir string) (string, error)
}

type Result struct {
	Documents  []string
	Archives   []string
	Workbooks  []string
	Duplicates int
	Dropped    []domain.FailedFile
}

type Preparator struct {
	fetch   Fetcher
	extract func(ctx context.Context, path, dest string) ([]string, error)
	log     *slog.Logger
}

type Option func(*Preparator)

func WithLogger(l *slog.Logger) Option {
	return func(p *Preparator) {
		if l != nil {
			p.log = l
		}
	}
}

// New returns a Preparator. fetch may be nil, which disables re-downloads.
func New(fetch Fetcher, opts ...Option) *Preparator {
	p := &Preparator{fetch: fetch, extract: unpack.Extract, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

type item struct {
	rec   domain.DownloadRecord
	depth int
}

type dedupKey struct {
	name string
	size int64
}

// Prepare drains a work queue seeded from recs until every archive is unpacked.
// Only context cancellation is returned as an error; per-file problems end up
// in Result.Dropped.
func (p *Preparator) Prepare(ctx context.Context, recs []domain.DownloadRecord) (Result, error) {
	var (
		res   Result
		seen  = make(map[dedupKey]struct{})
		queue = make([]item, 0, len(recs))
	)
	for _, r := range recs {
		queue = append(queue, item{rec: r})
	}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		it := queue[0]
		queue = queue[1:]
		for _, path := range it.rec.Paths {
			if skipName(path) {
				continue
			}
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if unpack.IsArchive(path) {
				more, err := p.unpackArchive(ctx, it, path, &res)
				if err != nil {
					return res, err
				}
				queue = append(queue, more...)
				continue
			}
			p.addDocument(path, &res, seen)
		}
	}
	p.log.Debug("prepared documents", "documents", len(res.Documents), "workbooks", len(res.Workbooks),
		"archives", len(res.Archives), "duplicates", res.Duplicates, "dropped", len(res.Dropped))
	return res, nil
}

func (p *Preparator) unpackArchive(ctx context.Context, it item, path string, res *Result) ([]item, error) {
	if unpack.IsContinuationPart(path) {
		obs.RecordArchive("skipped_part")
		return nil, nil
	}
	src := path
	vols := unpack.SetOf(path)
	if len(vols) > 1 && strings.ToLower(filepath.Ext(path)) != ".rar" {
		combined, err := unpack.CombineParts(vols)
		if err != nil {
			p.log.Warn("combine volumes failed", "archive", path, "err", err)
		} else {
			src = combined
			if combined != path {
				res.Archives = append(res.Archives, combined)
			}
		}
	}

	dest := extractDir(path)
	files, err := p.extract(ctx, src, dest)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		obs.RecordArchive("failed")
		p.log.Warn("extract failed", "archive", path, "err", err)
		_ = os.RemoveAll(dest)
		_ = os.Remove(path)
		if np, ok := p.redownload(ctx, it.rec, filepath.Dir(path)); ok {
			obs.RecordArchive("redownloaded")
			rec := domain.DownloadRecord{Doc: it.rec.Doc, Paths: []string{np}, Retries: it.rec.Retries + 1, Origin: domain.OriginRedownload}
			return []item{{rec: rec, depth: it.depth}}, nil
		}
		res.Dropped = append(res.Dropped, domain.FailedFile{
			Path:  path,
			Error: domain.NewFileError(domain.ErrExtraction, filepath.Base(path), err).Error(),
		})
		return nil, nil
	}
	obs.RecordArchive("extracted")
	res.Archives = append(res.Archives, path)
	for _, v := range vols {
		if v.Path != path {
			res.Archives = append(res.Archives, v.Path)
		}
	}

	var more []item
	var nested []string
	for _, f := range files {
		if skipName(f) {
			continue
		}
		if unpack.IsArchive(f) {
			nested = append(nested, f)
			continue
		}
		if scanner.FormatOf(f) != scanner.FormatUnknown {
			more = append(more, item{rec: domain.DownloadRecord{Paths: []string{f}, Origin: it.rec.Origin}, depth: it.depth})
		}
	}
	if len(nested) > 0 {
		if it.depth+1 > maxNesting {
			p.log.Warn("archive nesting too deep, skipping inner archives", "archive", path, "count", len(nested))
		} else {
			more = append(more, item{rec: domain.DownloadRecord{Paths: nested, Origin: it.rec.Origin}, depth: it.depth + 1})
		}
	}
	return more, nil
}

func (p *Preparator) addDocument(path string, res *Result, seen map[dedupKey]struct{}) {
	format := scanner.FormatOf(path)
	if format == scanner.FormatUnknown {
		return
	}
	if format == scanner.FormatSpreadsheet {
		if ok, reason := scanner.CheckSpreadsheet(path); !ok {
			p.log.Warn("corrupt workbook removed", "file", path, "reason", reason)
			_ = os.Remove(path)
			res.Dropped = append(res.Dropped, domain.FailedFile{Path: path, Error: reason})
			return
		}
	}
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	k := dedupKey{filepath.Base(path), st.Size()}
	if _, dup := seen[k]; dup {
		res.Duplicates++
		return
	}
	seen[k] = struct{}{}
	res.Documents = append(res.Documents, path)
	if format == scanner.FormatSpreadsheet {
		res.Workbooks = append(res.Workbooks, path)
	}
}

func (p *Preparator) redownload(ctx context.Context, rec domain.DownloadRecord, dir string) (string, bool) {
	if p.fetch == nil || rec.Doc == nil || rec.Retries >= MaxRetries {
		return "", false
	}
	path, err := p.fetch.Download(ctx, *rec.Doc, dir)
	if err != nil {
		p.log.Warn("re-download failed", "file", rec.Doc.FileName, "err", err)
		return "", false
	}
	return path, true
}

// extractDir picks a fresh "<stem>_extracted" folder next to the archive.
func extractDir(archive string) string {
	stem := strings.TrimSuffix(filepath.Base(archive), filepath.Ext(archive))
	base := filepath.Join(filepath.Dir(archive), stem+"_extracted")
	dir := base
	for i := 1; ; i++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return dir
		}
		dir = base + "_" + strconv.Itoa(i)
	}
}

// skipName filters office lock files and names the filesystem may refuse.
func skipName(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "~$") || len(base) > maxNameLen
}

func describe(rec domain.DownloadRecord) string {
	if rec.Doc != nil {
		return rec.Doc.FileName
	}
	if len(rec.Paths) > 0 {
		return filepath.Base(rec.Paths[0])
	}
	return fmt.Sprintf("record(%s)", rec.Origin)
}
