package vulnboard

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnboard/pkg/filter"
)

// Six alerts over two units. The shop's SQL injection and the intranet's
// clickjacking alert are closed on fixedNow.
func setupDashboard(t *testing.T) *adapterFactory {
	t.Helper()
	ad := setupTestStore(t)

	cookie := alertOn("Shop", "2025-03-01", "Cookie Without Secure Flag", LevelLow)
	cookie.URL = "https://shop.example.com/cart"
	mustImport(t, ad, &ImportBatch{
		Sites: []SiteInput{shopSite(), intranetSite()},
		Alerts: []AlertInput{
			alertOn("Shop", "2025-03-01", "SQL Injection", LevelHigh),
			alertOn("Shop", "2025-03-01", "Missing Anti-clickjacking Header", LevelMedium),
			cookie,
			alertOn("Shop", "2025-03-03", "Cross Site Scripting", LevelHigh),
			alertOn("Intranet", "2025-03-02", "Missing Anti-clickjacking Header", LevelMedium),
			alertOn("Intranet", "2025-03-02", "Server Banner", LevelInformational),
		},
	})

	db := testDB(t, ad)
	for _, c := range []struct{ site, risk string }{
		{"shop.example.com", "SQL Injection"},
		{"intra.example.com", "Missing Anti-clickjacking Header"},
	} {
		var alert Alert
		require.NoError(t, db.Joins("JOIN sites ON sites.id = alerts.site_id").
			Where("sites.url LIKE ? AND alerts.risk_name = ?", "%"+c.site, c.risk).
			First(&alert).Error)
		_, err := ad.Status().UpdateStatus(context.Background(), manager, alert.ID, "Closed", ptr("fixed"))
		require.NoError(t, err)
	}
	return ad
}

func filterOf(from, to, unit string) DashboardFilter {
	f := DashboardFilter{UnitName: unit}
	if from != "" {
		d := day(from).Date()
		f.From = &d
	}
	if to != "" {
		d := day(to).Date()
		f.To = &d
	}
	return f
}

func TestDashboard_Overview(t *testing.T) {
	ad := setupDashboard(t)
	ctx := context.Background()

	tests := map[string]struct {
		filter DashboardFilter
		want   Overview
	}{
		"all":      {filterOf("", "", ""), Overview{UnresolvedCount: 4, ResolvedCount: 2, OverallFixRate: 33.33, HighRiskCount: 1}},
		"unit":     {filterOf("", "", "Sales"), Overview{UnresolvedCount: 3, ResolvedCount: 1, OverallFixRate: 25, HighRiskCount: 1}},
		"one day":  {filterOf("2025-03-02", "2025-03-02", ""), Overview{UnresolvedCount: 1, ResolvedCount: 1, OverallFixRate: 50}},
		"no match": {filterOf("2025-04-01", "", ""), Overview{}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ad.Dashboard().Overview(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}

	_, err := ad.Dashboard().Overview(ctx, filterOf("2025-03-05", "2025-03-01", ""))
	assert.True(t, errors.Is(err, ErrInvalidRange))
}

func TestDashboard_RiskLevels(t *testing.T) {
	ad := setupDashboard(t)

	got, err := ad.Dashboard().RiskLevels(context.Background(), DashboardFilter{})
	require.NoError(t, err)
	assert.Equal(t, RiskLevels{High: 2, Medium: 2, Low: 1, Informational: 1}, *got)

	got, err = ad.Dashboard().RiskLevels(context.Background(), filterOf("", "", "IT"))
	require.NoError(t, err)
	assert.Equal(t, RiskLevels{Medium: 1, Informational: 1}, *got)
}

func TestDashboard_DepartmentPerformance(t *testing.T) {
	ad := setupDashboard(t)
	ctx := context.Background()

	rows, err := ad.Dashboard().DepartmentPerformance(ctx, DashboardFilter{}, "", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	sales := rows[0]
	assert.Equal(t, "Sales", sales.UnitName)
	require.NotNil(t, sales.Manager)
	assert.Equal(t, "Bob", *sales.Manager)
	assert.EqualValues(t, 2, sales.HighRiskCount)
	assert.EqualValues(t, 1, sales.MediumRiskCount)
	assert.EqualValues(t, 1, sales.LowRiskCount)
	assert.EqualValues(t, 4, sales.TotalCount)
	assert.EqualValues(t, 1, sales.ResolvedCount)
	assert.Equal(t, 25.0, sales.FixRate)

	assert.Equal(t, "IT", rows[1].UnitName)
	assert.Equal(t, 50.0, rows[1].FixRate)

	rows, err = ad.Dashboard().DepartmentPerformance(ctx, DashboardFilter{}, "fixRate", "desc")
	require.NoError(t, err)
	assert.Equal(t, "IT", rows[0].UnitName)

	rows, err = ad.Dashboard().DepartmentPerformance(ctx, DashboardFilter{}, "totalCount", "asc")
	require.NoError(t, err)
	assert.Equal(t, "IT", rows[0].UnitName)
}

func TestDashboard_ScanComparison(t *testing.T) {
	ad := setupDashboard(t)
	ctx := context.Background()
	from, to := day("2025-03-01").Date(), day("2025-03-10").Date()

	t.Run("day", func(t *testing.T) {
		points, err := ad.Dashboard().ScanComparison(ctx, from, to, GroupByDay, "")
		require.NoError(t, err)
		require.Len(t, points, 10)
		assert.Equal(t, ComparisonPoint{Period: "2025-03-01", NewCount: 3}, *points[0])
		assert.Equal(t, ComparisonPoint{Period: "2025-03-02", NewCount: 2}, *points[1])
		assert.Equal(t, ComparisonPoint{Period: "2025-03-03", NewCount: 1}, *points[2])
		assert.Equal(t, ComparisonPoint{Period: "2025-03-05"}, *points[4])
		assert.Equal(t, ComparisonPoint{Period: "2025-03-10", ResolvedCount: 2}, *points[9])
	})

	t.Run("week", func(t *testing.T) {
		points, err := ad.Dashboard().ScanComparison(ctx, from, to, GroupByWeek, "")
		require.NoError(t, err)
		require.Len(t, points, 3)
		assert.Equal(t, ComparisonPoint{Period: "2025-02-24 ~ 2025-03-02", NewCount: 5}, *points[0])
		assert.Equal(t, ComparisonPoint{Period: "2025-03-03 ~ 2025-03-09", NewCount: 1}, *points[1])
		assert.Equal(t, ComparisonPoint{Period: "2025-03-10 ~ 2025-03-16", ResolvedCount: 2}, *points[2])
	})

	t.Run("month of one unit", func(t *testing.T) {
		points, err := ad.Dashboard().ScanComparison(ctx, from, to, GroupByMonth, "IT")
		require.NoError(t, err)
		require.Len(t, points, 1)
		assert.Equal(t, ComparisonPoint{Period: "2025-03", NewCount: 2, ResolvedCount: 1}, *points[0])
	})

	_, err := ad.Dashboard().ScanComparison(ctx, to, from, GroupByDay, "")
	assert.True(t, errors.Is(err, ErrInvalidRange))
}

func TestParseGrouping(t *testing.T) {
	for in, want := range map[string]Grouping{"": GroupByDay, "Week": GroupByWeek, " month ": GroupByMonth} {
		got, err := ParseGrouping(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseGrouping("year")
	assert.True(t, errors.Is(err, ErrInvalidGrouping))
}

func TestDashboard_Alerts(t *testing.T) {
	ad := setupDashboard(t)
	ctx := context.Background()

	tests := map[string]struct {
		query AlertQuery
		risks []string
		total int64
	}{
		"high, newest first": {
			query: AlertQuery{Filter: "level = High"},
			risks: []string{"Cross Site Scripting", "SQL Injection"},
			total: 2,
		},
		"open high": {
			query: AlertQuery{Filter: "level = High and status != Closed"},
			risks: []string{"Cross Site Scripting"},
			total: 1,
		},
		"quoted status": {
			query: AlertQuery{Filter: `status = "Closed" and site = Intranet`},
			risks: []string{"Missing Anti-clickjacking Header"},
			total: 1,
		},
		"like": {
			query: AlertQuery{Filter: "url ~ cart"},
			risks: []string{"Cookie Without Secure Flag"},
			total: 1,
		},
		"day": {
			query: AlertQuery{Filter: "day >= 2025-03-02", SortBy: "riskName", SortOrder: "asc"},
			risks: []string{"Cross Site Scripting", "Missing Anti-clickjacking Header", "Server Banner"},
			total: 3,
		},
		"unit range": {
			query: AlertQuery{DashboardFilter: filterOf("2025-03-01", "2025-03-01", "Sales"), SortBy: "riskName", SortOrder: "asc"},
			risks: []string{"Cookie Without Secure Flag", "Missing Anti-clickjacking Header", "SQL Injection"},
			total: 3,
		},
		"second page": {
			query: AlertQuery{Pagination: Pagination{Number: 2, Size: 4}, SortBy: "riskName", SortOrder: "asc"},
			risks: []string{"SQL Injection", "Server Banner"},
			total: 6,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			page, err := ad.Dashboard().Alerts(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.total, page.TotalCount)

			risks := make([]string, 0, len(page.Items))
			for _, item := range page.Items {
				risks = append(risks, item.RiskName)
			}
			assert.Equal(t, tt.risks, risks)
		})
	}

	t.Run("decorated with site", func(t *testing.T) {
		page, err := ad.Dashboard().Alerts(ctx, AlertQuery{Filter: "site = Intranet"})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		for _, item := range page.Items {
			assert.Equal(t, "Intranet", item.RootWebName)
			assert.Equal(t, "https://intra.example.com", item.RootURL)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := ad.Dashboard().Alerts(ctx, AlertQuery{Filter: "owner = bob"})
		assert.True(t, errors.Is(err, filter.ErrUnknownField))
	})
}

func TestPagination(t *testing.T) {
	tests := map[string]struct {
		in, want Pagination
	}{
		"defaults":  {Pagination{}, Pagination{Number: 1, Size: DefaultPageSize}},
		"negative":  {Pagination{Number: -3, Size: -1}, Pagination{Number: 1, Size: DefaultPageSize}},
		"too large": {Pagination{Number: 4, Size: 500}, Pagination{Number: 4, Size: MaxPageSize}},
		"kept":      {Pagination{Number: 2, Size: 50}, Pagination{Number: 2, Size: 50}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.normalize())
		})
	}
}

func TestDashboard_FixHistory(t *testing.T) {
	ad := setupDashboard(t)
	ctx := context.Background()

	page, err := ad.Dashboard().FixHistory(ctx, FixHistoryQuery{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.TotalCount)
	require.Len(t, page.Items, 2)
	// same instant, the later transition first
	assert.Equal(t, "Intranet", page.Items[0].WebName)
	assert.Equal(t, "Shop", page.Items[1].WebName)

	item := page.Items[1]
	assert.Equal(t, "Sales", item.UnitName)
	assert.Equal(t, "SQL Injection", item.RiskName)
	assert.Equal(t, LevelHigh, item.Level)
	assert.Equal(t, StatusClosed, item.Status)
	assert.Equal(t, "alice", item.UpdatedBy)
	assert.True(t, item.UpdatedAt.Equal(fixedNow))
	require.NotNil(t, item.Remark)
	assert.Equal(t, "fixed", *item.Remark)

	page, err = ad.Dashboard().FixHistory(ctx, FixHistoryQuery{Manager: "Carol"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Intranet", page.Items[0].WebName)

	page, err = ad.Dashboard().FixHistory(ctx, FixHistoryQuery{DashboardFilter: filterOf("2025-03-10", "2025-03-10", "Sales")})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.TotalCount)

	page, err = ad.Dashboard().FixHistory(ctx, FixHistoryQuery{DashboardFilter: filterOf("2025-03-11", "", "")})
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.TotalCount)
	assert.Empty(t, page.Items)
}

func TestDashboard_Sites(t *testing.T) {
	ad := setupDashboard(t)
	ctx := context.Background()

	page, err := ad.Dashboard().Sites(ctx, SiteQuery{IncludeStats: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.TotalCount)
	require.Len(t, page.Items, 2)
	// web name ascending
	assert.Equal(t, "Intranet", page.Items[0].WebName)
	require.NotNil(t, page.Items[0].AlertCount)
	assert.EqualValues(t, 2, *page.Items[0].AlertCount)
	assert.EqualValues(t, 0, *page.Items[0].ReportCount)
	assert.EqualValues(t, 4, *page.Items[1].AlertCount)

	page, err = ad.Dashboard().Sites(ctx, SiteQuery{Search: "BOB"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Shop", page.Items[0].WebName)
	assert.Nil(t, page.Items[0].AlertCount)

	page, err = ad.Dashboard().Sites(ctx, SiteQuery{SortBy: "url", SortOrder: "desc"})
	require.NoError(t, err)
	assert.Equal(t, "Shop", page.Items[0].WebName)
}

func TestDashboard_Catalog(t *testing.T) {
	ad := setupTestStore(t)
	mustImport(t, ad, testBatch())

	var names []string
	for entry, err := range ad.Dashboard().Catalog(context.Background(), "", "") {
		require.NoError(t, err)
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{"Missing Anti-clickjacking Header", "SQL Injection"}, names)

	names = nil
	for entry, err := range ad.Dashboard().Catalog(context.Background(), "unsanitized", "") {
		require.NoError(t, err)
		names = append(names, entry.Name)
	}
	assert.Equal(t, []string{"SQL Injection"}, names)
}

func TestDashboard_Statistics(t *testing.T) {
	ad := setupDashboard(t)

	stats, err := ad.Dashboard().Statistics(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalSites)
	assert.EqualValues(t, 0, stats.TotalReports)
	assert.EqualValues(t, 6, stats.TotalAlerts)
	assert.EqualValues(t, 0, stats.TotalCatalogEntries)

	assert.Equal(t, []*Counted{
		{Name: "Open", Count: 4},
		{Name: "Closed", Count: 2},
	}, stats.AlertsByStatus)
	require.NotEmpty(t, stats.TopRiskNames)
	assert.Equal(t, &Counted{Name: "Missing Anti-clickjacking Header", Count: 2}, stats.TopRiskNames[0])
}
