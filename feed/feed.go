package feed

import (
	"context"
	"sort"
	"strings"
	"time"

	"tenderscan/domain"
)

// TenderFeed selects candidate tenders and lists their attachments.
type TenderFeed interface {
	GetTargetTenders(ctx context.Context, f Filters) ([]domain.Tender, error)
	GetTenderDocuments(ctx context.Context, key domain.TenderKey) ([]domain.DocumentRef, error)
}

type Filters struct {
	OKPDCodes []string
	StopWords []string
	// RegionID of zero selects every region.
	RegionID  int64
	Lifecycle domain.Lifecycle
	// Registry restricts the search to one registry; empty means both.
	Registry domain.RegistryType
	Limit    int
}

func (f Filters) registries() []domain.RegistryType {
	if f.Registry != "" {
		return []domain.RegistryType{f.Registry}
	}
	return []domain.RegistryType{domain.Registry44FZ, domain.Registry223FZ}
}

// Settings are a user's saved selection filters.
type Settings struct {
	OKPDCodes []string
	StopWords []string
}

// StopWordFilter drops names containing any stop word, case-insensitively.
type StopWordFilter struct {
	words []string
}

func NewStopWordFilter(words []string) StopWordFilter {
	var f StopWordFilter
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			f.words = append(f.words, w)
		}
	}
	return f
}

func (f StopWordFilter) Blocks(name string) bool {
	if len(f.words) == 0 {
		return false
	}
	lower := strings.ToLower(name)
	for _, w := range f.words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// SortByDeadline puts tenders with the most days left first; undated ones go last.
func SortByDeadline(ts []domain.Tender, now time.Time) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i].EndDate, ts[j].EndDate
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Sub(now) > b.Sub(now)
	})
}
