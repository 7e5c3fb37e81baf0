package feed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"

	"tenderscan/domain"
	"tenderscan/obs"
)

var registryTables = map[domain.RegistryType]struct{ contracts, documents string }{
	domain.Registry44FZ:  {"reestr_contract_44_fz", "links_documentation_44_fz"},
	domain.Registry223FZ: {"reestr_contract_223_fz", "links_documentation_223_fz"},
}

// statusIDs maps a lifecycle facet to reestr status_id values.
var statusIDs = map[domain.Lifecycle][]int64{
	domain.LifecycleNew:        {1},
	domain.LifecycleCommission: {2},
	domain.LifecycleWon:        {2, 3},
}

// Postgres reads tenders, documents, user settings and the product catalog
// from the shared tender database.
type Postgres struct {
	db       *sql.DB
	settings *expirable.LRU[int64, Settings]
	now      func() time.Time
	log      *slog.Logger
}

func NewPostgres(db *sql.DB, cacheTTL time.Duration, log *slog.Logger) *Postgres {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Postgres{
		db:       db,
		settings: expirable.NewLRU[int64, Settings](64, nil, cacheTTL),
		now:      time.Now,
		log:      obs.Or(log),
	}
}

const tendersSQL = `
SELECT r.id, COALESCE(r.auction_name, ''), COALESCE(r.region_id::text, ''), %s
FROM %s r
LEFT JOIN collection_codes_okpd okpd ON r.okpd_id = okpd.id
WHERE (okpd.main_code = ANY($1) OR okpd.sub_code = ANY($1))
  AND r.status_id = ANY($2)
  AND ($3 = 0 OR r.region_id = $3)
ORDER BY r.id DESC
LIMIT $4`

func (p *Postgres) GetTargetTenders(ctx context.Context, f Filters) ([]domain.Tender, error) {
	if len(f.OKPDCodes) == 0 {
		p.log.Warn("no OKPD codes configured, nothing to select")
		return nil, nil
	}
	lc := f.Lifecycle
	if lc == "" {
		lc = domain.LifecycleNew
	}
	statuses, ok := statusIDs[lc]
	if !ok {
		return nil, fmt.Errorf("unknown lifecycle %q", lc)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	dateCol := "r.end_date"
	if lc == domain.LifecycleWon {
		dateCol = "r.delivery_end_date"
	}

	stop := NewStopWordFilter(f.StopWords)
	seen := make(map[domain.TenderKey]struct{})
	var out []domain.Tender
	var stopped int
	for _, reg := range f.registries() {
		tbl, ok := registryTables[reg]
		if !ok {
			return nil, fmt.Errorf("unknown registry %q", reg)
		}
		q := fmt.Sprintf(tendersSQL, dateCol, tbl.contracts)
		rows, err := p.db.QueryContext(ctx, q, pq.Array(f.OKPDCodes), pq.Array(statuses), f.RegionID, limit)
		if err != nil {
			return nil, fmt.Errorf("select %s tenders: %w", reg, err)
		}
		for rows.Next() {
			t := domain.Tender{Registry: reg, Lifecycle: lc}
			var end sql.NullTime
			if err := rows.Scan(&t.ID, &t.Name, &t.Region, &end); err != nil {
				rows.Close()
				return nil, err
			}
			if end.Valid {
				e := end.Time
				t.EndDate = &e
			}
			if _, dup := seen[t.Key()]; dup {
				continue
			}
			seen[t.Key()] = struct{}{}
			if stop.Blocks(t.Name) {
				stopped++
				continue
			}
			out = append(out, t)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	SortByDeadline(out, p.now())
	if len(out) > limit {
		out = out[:limit]
	}
	p.log.Info("target tenders selected", "lifecycle", string(lc), "count", len(out), "stop_words_filtered", stopped)
	return out, nil
}

func (p *Postgres) GetTenderDocuments(ctx context.Context, key domain.TenderKey) ([]domain.DocumentRef, error) {
	tbl, ok := registryTables[key.Registry]
	if !ok {
		return nil, fmt.Errorf("unknown registry %q", key.Registry)
	}
	q := `SELECT COALESCE(file_name, ''), COALESCE(document_links, '') FROM ` + tbl.documents +
		` WHERE contract_id = $1 ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, key.ID)
	if err != nil {
		return nil, fmt.Errorf("documents %s: %w", key, err)
	}
	defer rows.Close()
	var out []domain.DocumentRef
	for rows.Next() {
		var d domain.DocumentRef
		if err := rows.Scan(&d.FileName, &d.URL); err != nil {
			return nil, err
		}
		d.URL = strings.TrimSpace(d.URL)
		if d.URL == "" {
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		p.log.Warn("tender has no documents", "tender", key.String())
	}
	return out, nil
}

const (
	okpdSQL      = `SELECT okpd_code FROM okpd_from_users WHERE user_id = $1 AND okpd_code IS NOT NULL ORDER BY okpd_code`
	stopWordsSQL = `SELECT stop_word FROM stop_words_names WHERE user_id = $1 AND stop_word IS NOT NULL ORDER BY stop_word`
	productsSQL  = `SELECT name FROM products WHERE name IS NOT NULL`
)

// UserSettings loads a user's OKPD codes and stop words, cached per user.
func (p *Postgres) UserSettings(ctx context.Context, userID int64) (Settings, error) {
	if s, ok := p.settings.Get(userID); ok {
		return s, nil
	}
	var s Settings
	var err error
	if s.OKPDCodes, err = p.column(ctx, okpdSQL, userID); err != nil {
		return Settings{}, fmt.Errorf("okpd codes for user %d: %w", userID, err)
	}
	if s.StopWords, err = p.column(ctx, stopWordsSQL, userID); err != nil {
		return Settings{}, fmt.Errorf("stop words for user %d: %w", userID, err)
	}
	p.settings.Add(userID, s)
	p.log.Debug("user settings loaded", "user", strconv.FormatInt(userID, 10),
		"okpd", len(s.OKPDCodes), "stop_words", len(s.StopWords))
	return s, nil
}

// InvalidateSettings drops the cached settings of one user.
func (p *Postgres) InvalidateSettings(userID int64) { p.settings.Remove(userID) }

// Products returns the catalog of product names.
func (p *Postgres) Products(ctx context.Context) ([]string, error) {
	return p.column(ctx, productsSQL)
}

func (p *Postgres) column(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, rows.Err()
}
