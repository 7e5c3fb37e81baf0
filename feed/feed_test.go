package feed

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenderscan/domain"
)

func newFeed(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	p := NewPostgres(db, time.Minute, nil)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return p, mock
}

func TestGetTargetTendersFiltersAndSorts(t *testing.T) {
	p, mock := newFeed(t)
	soon := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)

	cols := []string{"id", "auction_name", "region_id", "end_date"}
	mock.ExpectQuery(`FROM reestr_contract_44_fz r`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0), 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "Поставка кабеля", "77", soon).
			AddRow(int64(2), "Ремонт кровли", "77", later).
			AddRow(int64(1), "Поставка кабеля", "77", soon))
	mock.ExpectQuery(`FROM reestr_contract_223_fz r`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0), 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3), "Закупка кабеля", "", nil).
			AddRow(int64(4), "Поставка труб", "50", later.AddDate(0, 1, 0)))

	got, err := p.GetTargetTenders(context.Background(), Filters{
		OKPDCodes: []string{"27.32"},
		StopWords: []string{"РЕМОНТ"},
		Lifecycle: domain.LifecycleNew,
		Limit:     10,
	})
	require.NoError(t, err)

	var keys []string
	for _, tn := range got {
		keys = append(keys, tn.Key().String())
		assert.Equal(t, domain.LifecycleNew, tn.Lifecycle)
	}
	assert.Equal(t, []string{"223fz_4", "44fz_1", "223fz_3"}, keys)
}

func TestGetTargetTendersWithoutOKPD(t *testing.T) {
	p, _ := newFeed(t)
	got, err := p.GetTargetTenders(context.Background(), Filters{Lifecycle: domain.LifecycleWon})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetTargetTendersWonUsesDeliveryDate(t *testing.T) {
	p, mock := newFeed(t)
	mock.ExpectQuery(`r\.delivery_end_date FROM reestr_contract_223_fz r`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(12), 1000).
		WillReturnRows(sqlmock.NewRows([]string{"id", "auction_name", "region_id", "end_date"}))

	got, err := p.GetTargetTenders(context.Background(), Filters{
		OKPDCodes: []string{"1"},
		RegionID:  12,
		Lifecycle: domain.LifecycleWon,
		Registry:  domain.Registry223FZ,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetTenderDocuments(t *testing.T) {
	p, mock := newFeed(t)
	mock.ExpectQuery(`FROM links_documentation_223_fz WHERE contract_id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"file_name", "document_links"}).
			AddRow("spec.xlsx", " https://x/1 ").
			AddRow("empty.pdf", ""))

	docs, err := p.GetTenderDocuments(context.Background(), domain.TenderKey{ID: 9, Registry: domain.Registry223FZ})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, domain.DocumentRef{FileName: "spec.xlsx", URL: "https://x/1"}, docs[0])
}

func TestUserSettingsCached(t *testing.T) {
	p, mock := newFeed(t)
	mock.ExpectQuery(`FROM okpd_from_users`).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"okpd_code"}).AddRow("27.32").AddRow(" "))
	mock.ExpectQuery(`FROM stop_words_names`).WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"stop_word"}).AddRow("ремонт"))

	ctx := context.Background()
	s, err := p.UserSettings(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"27.32"}, s.OKPDCodes)
	assert.Equal(t, []string{"ремонт"}, s.StopWords)

	again, err := p.UserSettings(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestStopWordFilter(t *testing.T) {
	f := NewStopWordFilter([]string{" Ремонт ", ""})
	assert.True(t, f.Blocks("Капитальный РЕМОНТ здания"))
	assert.False(t, f.Blocks("Поставка"))
	assert.False(t, NewStopWordFilter(nil).Blocks("anything"))
}
