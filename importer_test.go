package vulnboard

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnboard/pkg/audit"
	"github.com/vulnboard/pkg/identity"
)

func TestImport_Idempotent(t *testing.T) {
	ad := setupTestStore(t)
	db := testDB(t, ad)

	first := mustImport(t, ad, testBatch())
	assert.Equal(t, 2, first.SitesInserted)
	assert.Equal(t, 0, first.SitesUpdated)
	assert.Equal(t, 2, first.CatalogInserted)
	assert.Equal(t, 2, first.ReportsInserted)
	assert.Equal(t, 3, first.AlertsInserted)
	assert.Empty(t, first.SkippedReasons)
	assert.Empty(t, first.Warnings)

	second := mustImport(t, ad, testBatch())
	assert.Equal(t, 0, second.SitesInserted)
	assert.Equal(t, 2, second.SitesUpdated)
	assert.Equal(t, 0, second.CatalogInserted)
	assert.Equal(t, 2, second.CatalogUpdated)
	assert.Equal(t, 0, second.ReportsInserted)
	assert.Equal(t, 2, second.ReportsUpdated)

	assert.EqualValues(t, 2, count(t, db, &Site{}))
	assert.EqualValues(t, 2, count(t, db, &RiskCatalogEntry{}))
	assert.EqualValues(t, 2, count(t, db, &ScanReport{}))
	// alerts are appended unless the days are replaced
	assert.EqualValues(t, 6, count(t, db, &Alert{}))
}

func TestImport_DerivedIdentifiers(t *testing.T) {
	ad := setupTestStore(t)
	db := testDB(t, ad)
	mustImport(t, ad, testBatch())

	siteID, err := identity.SiteID("https://shop.example.com")
	require.NoError(t, err)

	var site Site
	require.NoError(t, db.Where("web_name = ?", "Shop").First(&site).Error)
	assert.Equal(t, siteID, site.ID)

	reportID, err := identity.ReportID(siteID, day("2025-03-01").Date())
	require.NoError(t, err)
	var report ScanReport
	require.NoError(t, db.Where("site_id = ?", siteID).First(&report).Error)
	assert.Equal(t, reportID, report.ID)
	assert.Equal(t, "2025-03-01", identity.FormatDay(report.GeneratedDay))

	in := testBatch().CatalogEntries[0]
	sig := identity.CatalogSignature(in.content())
	catalogID, err := identity.CatalogID(in.Name, sig)
	require.NoError(t, err)
	var entry RiskCatalogEntry
	require.NoError(t, db.Where("name = ?", in.Name).First(&entry).Error)
	assert.Equal(t, catalogID, entry.ID)
	assert.Equal(t, sig, entry.Signature)
}

func TestImport_CatalogContentChange(t *testing.T) {
	ad := setupTestStore(t)
	db := testDB(t, ad)

	entry := CatalogInput{Name: "XSS", Description: ptr("Reflected input")}
	mustImport(t, ad, &ImportBatch{CatalogEntries: []CatalogInput{entry}})

	entry.Description = ptr("Reflected input in attribute")
	res := mustImport(t, ad, &ImportBatch{CatalogEntries: []CatalogInput{entry}})
	assert.Equal(t, 1, res.CatalogInserted)
	assert.Equal(t, 0, res.CatalogUpdated)

	assert.EqualValues(t, 2, count(t, db, &RiskCatalogEntry{}, "name = ?", "XSS"))
}

func TestImport_ReplaceAlertsForSubmittedDays(t *testing.T) {
	fiveAlerts := func() *ImportBatch {
		b := &ImportBatch{Sites: []SiteInput{shopSite()}}
		for _, risk := range []string{"A", "B", "C", "D", "E"} {
			b.Alerts = append(b.Alerts, alertOn("Shop", "2025-03-01", risk, LevelLow))
		}
		// another day, never submitted again
		b.Alerts = append(b.Alerts, alertOn("Shop", "2025-02-28", "F", LevelLow))
		return b
	}
	twoAlerts := func(replace bool) *ImportBatch {
		return &ImportBatch{
			Alerts: []AlertInput{
				alertOn("Shop", "2025-03-01", "A", LevelLow),
				alertOn("Shop", "2025-03-01", "G", LevelHigh),
			},
			ReplaceAlertsForSubmittedDays: replace,
		}
	}

	t.Run("replace", func(t *testing.T) {
		ad := setupTestStore(t)
		db := testDB(t, ad)
		mustImport(t, ad, fiveAlerts())

		res := mustImport(t, ad, twoAlerts(true))
		assert.Equal(t, 2, res.AlertsInserted)
		assert.EqualValues(t, 2, count(t, db, &Alert{}, "report_day = ?", day("2025-03-01").Date()))
		assert.EqualValues(t, 1, count(t, db, &Alert{}, "report_day = ?", day("2025-02-28").Date()))
	})

	t.Run("append", func(t *testing.T) {
		ad := setupTestStore(t)
		db := testDB(t, ad)
		mustImport(t, ad, fiveAlerts())

		mustImport(t, ad, twoAlerts(false))
		assert.EqualValues(t, 7, count(t, db, &Alert{}, "report_day = ?", day("2025-03-01").Date()))
	})

	t.Run("history of replaced alerts is removed", func(t *testing.T) {
		ad := setupTestStore(t)
		db := testDB(t, ad)
		mustImport(t, ad, fiveAlerts())

		var alert Alert
		require.NoError(t, db.Where("risk_name = ?", "A").First(&alert).Error)
		_, err := ad.Status().UpdateStatus(context.Background(), Actor{"alice", "Manager"}, alert.ID, "Closed", nil)
		require.NoError(t, err)
		require.EqualValues(t, 1, count(t, db, &StatusHistory{}))

		mustImport(t, ad, twoAlerts(true))
		assert.EqualValues(t, 0, count(t, db, &StatusHistory{}))

		var deleted int64
		require.NoError(t, db.Model(&audit.Log{}).
			Where("table_name = ? AND operation = ?", "alert_status_history", audit.Deleted).
			Count(&deleted).Error)
		assert.EqualValues(t, 1, deleted)
	})
}

func TestImport_UnknownSiteIsSkipped(t *testing.T) {
	ad := setupTestStore(t)
	db := testDB(t, ad)

	batch := testBatch()
	batch.Reports = append(batch.Reports, reportOn("Ghost", "2025-03-01"))
	batch.Alerts = append(batch.Alerts, alertOn("Ghost", "2025-03-01", "XSS", LevelHigh))

	res := mustImport(t, ad, batch)
	assert.Equal(t, 1, res.ReportsSkipped)
	assert.Equal(t, 1, res.AlertsSkipped)
	assert.Equal(t, 2, res.ReportsInserted)
	assert.Equal(t, 3, res.AlertsInserted)
	require.Len(t, res.SkippedReasons, 2)
	for _, reason := range res.SkippedReasons {
		assert.Contains(t, reason, "Ghost")
	}
	assert.EqualValues(t, 0, count(t, db, &Alert{}, "risk_name = ?", "XSS"))
}

func TestImport_SiteNameMatching(t *testing.T) {
	ad := setupTestStore(t)
	db := testDB(t, ad)
	mustImport(t, ad, &ImportBatch{Sites: []SiteInput{shopSite()}})

	res := mustImport(t, ad, &ImportBatch{
		Reports: []ReportInput{reportOn("  shop ", "2025-03-02")},
		Alerts:  []AlertInput{alertOn("SHOP", "2025-03-02", "XSS", LevelHigh)},
	})
	assert.Equal(t, 1, res.ReportsInserted)
	assert.Equal(t, 1, res.AlertsInserted)
	assert.Empty(t, res.SkippedReasons)
	assert.EqualValues(t, 1, count(t, db, &Alert{}))
}

func TestImport_InvalidBatchWritesNothing(t *testing.T) {
	tests := map[string]*ImportBatch{
		"nil":           nil,
		"site url":      {Sites: []SiteInput{shopSite(), {WebName: "Blank"}}},
		"site web name": {Sites: []SiteInput{{URL: "https://blank.example.com", WebName: "  "}}},
		"catalog name":  {Sites: []SiteInput{shopSite()}, CatalogEntries: []CatalogInput{{Description: ptr("nameless")}}},
	}

	for name, batch := range tests {
		t.Run(name, func(t *testing.T) {
			ad := setupTestStore(t)
			db := testDB(t, ad)

			_, err := ad.Importer().Import(context.Background(), batch)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidBatch))

			assert.EqualValues(t, 0, count(t, db, &Site{}))
			assert.EqualValues(t, 0, count(t, db, &audit.Log{}))
		})
	}
}

func TestImport_SiteURLChange(t *testing.T) {
	ad := setupTestStore(t)
	db := testDB(t, ad)
	mustImport(t, ad, testBatch())

	moved := shopSite()
	moved.URL = "https://store.example.com"
	res := mustImport(t, ad, &ImportBatch{Sites: []SiteInput{moved}})
	assert.Equal(t, 0, res.SitesInserted)
	assert.Equal(t, 1, res.SitesUpdated)

	newID, err := identity.SiteID(moved.URL)
	require.NoError(t, err)

	var site Site
	require.NoError(t, db.Where("web_name = ?", "Shop").First(&site).Error)
	assert.Equal(t, newID, site.ID)
	assert.Equal(t, moved.URL, site.URL)
	assert.EqualValues(t, 2, count(t, db, &Site{}))

	reportID, err := identity.ReportID(newID, day("2025-03-01").Date())
	require.NoError(t, err)
	var report ScanReport
	require.NoError(t, db.Where("site_id = ?", newID).First(&report).Error)
	assert.Equal(t, reportID, report.ID)
	assert.EqualValues(t, 2, count(t, db, &ScanReport{}))

	assert.EqualValues(t, 2, count(t, db, &Alert{}, "site_id = ?", newID))
}

func TestImport_UnknownAlertStatus(t *testing.T) {
	ad := setupTestStore(t)
	db := testDB(t, ad)

	batch := &ImportBatch{Sites: []SiteInput{shopSite()}}
	valid := alertOn("Shop", "2025-03-01", "SQL Injection", LevelHigh)
	valid.Status = ptr("False Positive")
	invalid := alertOn("Shop", "2025-03-01", "XSS", LevelHigh)
	invalid.Status = ptr("Fixed")
	batch.Alerts = []AlertInput{valid, invalid}

	res := mustImport(t, ad, batch)
	assert.Equal(t, 2, res.AlertsInserted)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "Fixed")

	var alerts []Alert
	require.NoError(t, db.Order("id").Find(&alerts).Error)
	require.Len(t, alerts, 2)
	assert.Equal(t, StatusFalsePositive, alerts[0].Status)
	assert.Equal(t, StatusOpen, alerts[1].Status)
}

func TestImport_Audited(t *testing.T) {
	ad := setupTestStore(t)
	db := testDB(t, ad)

	ctx := audit.WithActor(context.Background(), "importer")
	_, err := ad.Importer().Import(ctx, testBatch())
	require.NoError(t, err)

	// one added row per inserted entity
	var logs []audit.Log
	require.NoError(t, db.Where("operation = ?", audit.Added).Find(&logs).Error)
	assert.Len(t, logs, 2+2+2+3)
	for _, l := range logs {
		require.NotNil(t, l.ChangedBy)
		assert.Equal(t, "importer", *l.ChangedBy)
		assert.True(t, l.ChangedAt.Equal(fixedNow))
	}
}
