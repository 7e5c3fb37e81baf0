package keyword

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"tenderscan/domain"
)

const (
	ctxCheckEvery = 256
	progressEvery = 10000
)

// Searcher runs the product pass and the additional-phrase pass over a unit stream.
type Searcher struct {
	catalog *Catalog
	stop    []string
	phrases []string
	log     *slog.Logger
}

type Option func(*Searcher)

// WithStopPhrases skips every unit whose case-folded text contains one of phrases.
func WithStopPhrases(phrases []string) Option {
	return func(s *Searcher) { s.stop = foldAll(phrases) }
}

// WithAdditionalPhrases enables the plain-substring phrase pass.
func WithAdditionalPhrases(phrases []string) Option {
	return func(s *Searcher) { s.phrases = foldAll(phrases) }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Searcher) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSearcher(c *Catalog, opts ...Option) *Searcher {
	s := &Searcher{catalog: c, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search consumes the stream once and returns the file's matches:
// score >= 85, highest first, at most 50, products and phrases unioned.
func (s *Searcher) Search(ctx context.Context, name string, stream domain.UnitStream) ([]domain.MatchResult, error) {
	products := make(map[string]domain.MatchResult)
	phrases := make(map[string]domain.MatchResult)

	var (
		n         int
		lastLog   = time.Now()
		hasCatalg = s.catalog != nil && s.catalog.Len() > 0
	)
	for stream.Next() {
		n++
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if n%progressEvery == 0 || time.Since(lastLog) >= 10*time.Second {
			s.log.Info("scan progress", "file", name, "units", n)
			lastLog = time.Now()
		}
		u := stream.Unit()
		lower := strings.ToLower(u.Text)
		if lower == "" {
			continue
		}
		if len(s.phrases) > 0 {
			s.searchPhrases(u, lower, phrases)
		}
		if hasCatalg && !containsAny(lower, s.stop) {
			s.searchProducts(u, products)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	s.log.Debug("scan done", "file", name, "units", n, "products", len(products), "phrases", len(phrases))

	for k, m := range phrases {
		if cur, ok := products[k]; ok && cur.Score >= m.Score {
			continue
		}
		products[k] = m
	}
	out := make([]domain.MatchResult, 0, len(products))
	for _, m := range products {
		out = append(out, m)
	}
	return Finalize(out), nil
}

func (s *Searcher) searchProducts(u domain.ScannableUnit, best map[string]domain.MatchResult) {
	var (
		bestName string
		bestHit  Hit
		haveFull bool
		found    bool
	)
	for i, p := range s.catalog.patterns {
		h := Match(u.Text, p, s.catalog.names[i])
		if !h.Found {
			continue
		}
		// a full match always beats partial ones in the same unit
		switch {
		case !found:
		case h.FullMatch && !haveFull:
		case h.FullMatch == haveFull && h.Score > bestHit.Score:
		default:
			continue
		}
		bestName, bestHit, found = s.catalog.names[i], h, true
		haveFull = haveFull || h.FullMatch
	}
	if !found {
		return
	}
	if cur, ok := best[bestName]; ok && cur.Score >= bestHit.Score {
		return
	}
	best[bestName] = domain.MatchResult{
		ProductName:     bestName,
		Score:           bestHit.Score,
		MatchedText:     displayText(u),
		MatchedKeywords: bestHit.MatchedKeywords,
		Location:        u.Location(),
	}
}

func (s *Searcher) searchPhrases(u domain.ScannableUnit, lower string, found map[string]domain.MatchResult) {
	for _, ph := range s.phrases {
		if _, ok := found[ph]; ok {
			continue
		}
		if !strings.Contains(lower, ph) {
			continue
		}
		found[ph] = domain.MatchResult{
			ProductName:        ph,
			Score:              domain.MinScore,
			MatchedText:        displayText(u),
			MatchedKeywords:    []string{ph},
			Location:           u.Location(),
			IsAdditionalPhrase: true,
		}
	}
}

// Finalize drops matches below 85, sorts by score descending and keeps the top 50.
func Finalize(ms []domain.MatchResult) []domain.MatchResult {
	out := ms[:0]
	for _, m := range ms {
		if m.Score >= domain.MinScore {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProductName < out[j].ProductName
	})
	if len(out) > domain.MaxMatchesPerTender {
		out = out[:domain.MaxMatchesPerTender]
	}
	return out
}

func displayText(u domain.ScannableUnit) string {
	if u.DisplayText != "" {
		return u.DisplayText
	}
	return u.Text
}

func foldAll(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
