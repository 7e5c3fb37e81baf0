package processor

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"tenderscan/domain"
	"tenderscan/keyword"
	"tenderscan/matcher"
	"tenderscan/store"
)

// errorOutcome builds the persisted outcome for a tender that produced no scan.
// prepare_paths_error and processing_error carry the cause after a colon.
func errorOutcome(reason string, cause error, start time.Time) domain.ProcessingOutcome {
	out := domain.ProcessingOutcome{
		ErrorReason:    reason,
		ProcessingTime: time.Since(start),
	}
	if cause != nil {
		out.ErrorMessage = cause.Error()
		if reason == domain.ReasonPreparePaths || reason == domain.ReasonProcessing {
			out.ErrorReason = reason + ": " + cause.Error()
		}
	}
	out.ErrorReason = store.TruncateReason(out.ErrorReason)
	return out
}

func matchedOutcome(res matcher.Result, documents []string, start time.Time) domain.ProcessingOutcome {
	return domain.ProcessingOutcome{
		Matches:        keyword.Finalize(res.Matches),
		FailedFiles:    res.FailedFiles,
		ProcessingTime: time.Since(start),
		TotalFiles:     len(documents),
		TotalBytes:     totalBytes(documents),
	}
}

func totalBytes(paths []string) int64 {
	var n int64
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			n += st.Size()
		}
	}
	return n
}

// reasonErr maps a persisted error reason back to the error taxonomy.
func reasonErr(reason string) error {
	var kind error
	switch {
	case reason == domain.ReasonNoDocuments:
		kind = domain.ErrNoDocuments
	case reason == domain.ReasonNoValidFiles, reason == domain.ReasonNoWorkbookFiles:
		kind = domain.ErrValidation
	case strings.HasPrefix(reason, domain.ReasonPreparePaths):
		kind = domain.ErrExtraction
	default:
		kind = errors.New("processing failed")
	}
	return fmt.Errorf("%w: %s", kind, reason)
}

func failedPaths(files []domain.FailedFile) map[string]struct{} {
	keep := make(map[string]struct{}, len(files))
	for _, f := range files {
		if f.Path != "" {
			keep[f.Path] = struct{}{}
		}
	}
	return keep
}
