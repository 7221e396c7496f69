package vulnboard

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/vulnboard/pkg/database"
	"github.com/vulnboard/pkg/identity"
)

var fixedNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *Configuration {
	t.Helper()
	dir := t.TempDir()
	return &Configuration{
		paths:    StandardPaths{"vulnboard", dir, dir, dir},
		driver:   database.SQLite,
		dsn:      database.InMemory,
		logLevel: zerolog.Disabled,
		roles:    DefaultAllowedRoles,
	}
}

// setupTestStore returns adapters over a fresh in-memory database
func setupTestStore(t *testing.T) *adapterFactory {
	t.Helper()
	return MakeAdapters(testConfig(t), WithClock(func() time.Time { return fixedNow }))
}

func testDB(t *testing.T, ad *adapterFactory) *gorm.DB {
	t.Helper()
	db, err := ad.repos.repo.Session(context.Background())
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *gorm.DB, model any, query ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if len(query) > 0 {
		q = q.Where(query[0], query[1:]...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func mustImport(t *testing.T, ad *adapterFactory, batch *ImportBatch) *ImportResult {
	t.Helper()
	res, err := ad.Importer().Import(context.Background(), batch)
	require.NoError(t, err)
	return res
}

func ptr[T any](v T) *T {
	return &v
}

func day(s string) Day {
	d, err := identity.ParseDay(s)
	if err != nil {
		panic(err)
	}
	return Day(d)
}

func ts(s string) Timestamp {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return Timestamp(t)
}

func shopSite() SiteInput {
	return SiteInput{
		URL:            "https://shop.example.com",
		WebName:        "Shop",
		UnitName:       "Sales",
		Manager:        ptr("Bob"),
		ManagerMail:    ptr("bob@example.com"),
		RiskReportLink: "https://reports.example.com/shop",
		UploadDate:     day("2025-03-01"),
	}
}

func intranetSite() SiteInput {
	return SiteInput{
		URL:        "https://intra.example.com",
		WebName:    "Intranet",
		UnitName:   "IT",
		Manager:    ptr("Carol"),
		UploadDate: day("2025-03-01"),
	}
}

func alertOn(site, d, risk, level string) AlertInput {
	return AlertInput{
		RootWebName: site,
		URL:         "https://" + site + ".example.com/login",
		ReportDate:  ts(d + "T08:30:00Z"),
		RiskName:    risk,
		Level:       level,
		Method:      "GET",
	}
}

func reportOn(site, d string) ReportInput {
	return ReportInput{
		SiteWebName:     site,
		GeneratedDate:   ts(d + "T08:00:00Z"),
		ScannerVersion:  "2.14.0",
		ScannerOperator: "ops",
	}
}

// two sites, two catalog entries, one report per site and three alerts
func testBatch() *ImportBatch {
	return &ImportBatch{
		Sites: []SiteInput{shopSite(), intranetSite()},
		CatalogEntries: []CatalogInput{
			{Name: "SQL Injection", Description: ptr("Unsanitized input reaches a query"), CWEID: ptr(89), WASCID: ptr(19), PluginID: ptr(40018)},
			{Name: "Missing Anti-clickjacking Header", Solution: ptr("Set X-Frame-Options"), CWEID: ptr(1021)},
		},
		Reports: []ReportInput{
			reportOn("Shop", "2025-03-01"),
			reportOn("Intranet", "2025-03-01"),
		},
		Alerts: []AlertInput{
			alertOn("Shop", "2025-03-01", "SQL Injection", LevelHigh),
			alertOn("Shop", "2025-03-01", "Missing Anti-clickjacking Header", LevelMedium),
			alertOn("Intranet", "2025-03-01", "Missing Anti-clickjacking Header", LevelMedium),
		},
	}
}
