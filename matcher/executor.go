// Package matcher runs the keyword search over a tender's documents with a
// bounded pool, in batches, with a per-file deadline.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tenderscan/domain"
	"tenderscan/keyword"
	"tenderscan/obs"
)

const (
	DefaultFileTimeout = 300 * time.Second
	DefaultBatchDelay  = 5 * time.Second
	maxBatch           = 10
)

// Opener produces a unit stream for one document.
type Opener interface {
	Open(ctx context.Context, path string) (domain.UnitStream, error)
}

// Searcher finds catalog products in a unit stream.
type Searcher interface {
	Search(ctx context.Context, name string, stream domain.UnitStream) ([]domain.MatchResult, error)
}

type Result struct {
	Matches     []domain.MatchResult
	FailedFiles []domain.FailedFile
}

type Executor struct {
	open        Opener
	search      Searcher
	workers     int
	fileTimeout time.Duration
	batchDelay  time.Duration
	log         *slog.Logger
}

type Option func(*Executor)

func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithFileTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.fileTimeout = d
		}
	}
}

// WithBatchDelay sets the pause between batches. Zero disables it.
func WithBatchDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.batchDelay = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

func New(open Opener, search Searcher, opts ...Option) *Executor {
	e := &Executor{
		open:        open,
		search:      search,
		workers:     2,
		fileTimeout: DefaultFileTimeout,
		batchDelay:  DefaultBatchDelay,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// BatchSize is min(2*workers, 10, files).
func BatchSize(workers, files int) int {
	return max(1, min(2*workers, maxBatch, files))
}

// Run scans paths and merges the matches across files, keeping each product's
// best score. Files that fail or time out are reported in FailedFiles and left
// on disk. Only cancellation of ctx makes Run return an error.
func (e *Executor) Run(ctx context.Context, paths []string) (Result, error) {
	var res Result
	if len(paths) == 0 {
		return res, nil
	}
	var (
		mu     sync.Mutex
		best   = make(map[string]domain.MatchResult)
		failed = make(map[int]domain.FailedFile)
		size   = BatchSize(e.workers, len(paths))
	)
	for start := 0; start < len(paths); start += size {
		if start > 0 && e.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(e.batchDelay):
			}
		}
		end := min(start+size, len(paths))
		g := new(errgroup.Group)
		g.SetLimit(e.workers)
		for i := start; i < end; i++ {
			path := paths[i]
			g.Go(func() error {
				matches, err := e.scanFile(ctx, path)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed[i] = failedFile(path, err)
					return nil
				}
				for _, m := range matches {
					if cur, ok := best[m.ProductName]; ok && cur.Score >= m.Score {
						continue
					}
					best[m.ProductName] = m
				}
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	for i := range paths {
		if f, ok := failed[i]; ok {
			res.FailedFiles = append(res.FailedFiles, f)
		}
	}
	merged := make([]domain.MatchResult, 0, len(best))
	for _, m := range best {
		merged = append(merged, m)
	}
	res.Matches = keyword.Finalize(merged)
	e.log.Info("documents scanned", "files", len(paths), "failed", len(res.FailedFiles), "matches", len(res.Matches))
	return res, nil
}

type scanResult struct {
	matches []domain.MatchResult
	err     error
}

// scanFile bounds one file by fileTimeout. The scan goroutine sees the
// cancelled context and winds down on its own after a timeout.
func (e *Executor) scanFile(ctx context.Context, path string) ([]domain.MatchResult, error) {
	fctx, cancel := context.WithTimeout(ctx, e.fileTimeout)
	defer cancel()

	done := make(chan scanResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scanResult{err: fmt.Errorf("scan panic: %v", r)}
			}
		}()
		m, err := e.scanOnce(fctx, path)
		done <- scanResult{m, err}
	}()

	select {
	case r := <-done:
		switch {
		case r.err == nil:
			obs.RecordFile("ok")
		case errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil:
			obs.RecordFile("timeout")
			return nil, domain.NewFileError(domain.ErrMatchTimeout, filepath.Base(path), fmt.Errorf("no result after %s", e.fileTimeout))
		default:
			obs.RecordFile("failed")
			e.log.Warn("document scan failed", "file", path, "err", r.err)
		}
		return r.matches, r.err
	case <-fctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		obs.RecordFile("timeout")
		e.log.Warn("document scan timed out", "file", path, "timeout", e.fileTimeout)
		return nil, domain.NewFileError(domain.ErrMatchTimeout, filepath.Base(path), fmt.Errorf("no result after %s", e.fileTimeout))
	}
}

func (e *Executor) scanOnce(ctx context.Context, path string) ([]domain.MatchResult, error) {
	st, err := e.open.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	matches, err := e.search.Search(ctx, filepath.Base(path), st)
	if err != nil {
		return nil, err
	}
	for i := range matches {
		matches[i].SourceFile = path
	}
	return matches, nil
}

func failedFile(path string, err error) domain.FailedFile {
	f := domain.FailedFile{Path: path, Error: err.Error()}
	if st, statErr := os.Stat(path); statErr == nil {
		f.SizeMB = float64(st.Size()) / (1024 * 1024)
	}
	return f
}
