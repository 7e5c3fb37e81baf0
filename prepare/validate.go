package prepare

import (
	"context"
	"os"
	"path/filepath"

	"tenderscan/domain"
	"tenderscan/scanner"
	"tenderscan/unpack"
)

// Check reports whether one local file is intact enough to go further.
func Check(path string) (ok bool, reason string) {
	switch {
	case unpack.IsContinuationPart(path):
		return true, ""
	case unpack.IsArchive(path):
		if err := unpack.Check(path); err != nil {
			return false, err.Error()
		}
		return true, ""
	}
	switch scanner.FormatOf(path) {
	case scanner.FormatSpreadsheet:
		return scanner.CheckSpreadsheet(path)
	case scanner.FormatWord, scanner.FormatPDF:
		return scanner.CheckDocument(path)
	}
	return true, ""
}

// Validate integrity-checks downloaded or prefetched records before preparation.
// Corrupt files are deleted; a corrupt main file is re-downloaded once and
// checked again. Records left without files are dropped, and when none
// survive ErrNoValidFiles is returned.
func (p *Preparator) Validate(ctx context.Context, recs []domain.DownloadRecord) ([]domain.DownloadRecord, error) {
	out := make([]domain.DownloadRecord, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kept := make([]string, 0, len(rec.Paths))
		for i, path := range rec.Paths {
			ok, reason := Check(path)
			if ok {
				kept = append(kept, path)
				continue
			}
			p.log.Warn("corrupt file", "file", path, "reason", reason, "record", describe(rec))
			_ = os.Remove(path)
			if i != 0 {
				continue
			}
			np, fetched := p.redownload(ctx, rec, filepath.Dir(path))
			if !fetched {
				continue
			}
			rec.Retries++
			if ok, reason := Check(np); !ok {
				p.log.Warn("re-downloaded file still corrupt", "file", np, "reason", reason)
				_ = os.Remove(np)
				continue
			}
			rec.Origin = domain.OriginRedownload
			kept = append(kept, np)
		}
		if len(kept) == 0 {
			continue
		}
		rec.Paths = kept
		out = append(out, rec)
	}
	if len(out) == 0 && len(recs) > 0 {
		return nil, ErrNoValidFiles
	}
	return out, nil
}
