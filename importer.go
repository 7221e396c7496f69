package vulnboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vulnboard/pkg/database"
	"github.com/vulnboard/pkg/identity"
)

const alertBatchSize = 200

var ErrInvalidBatch = errors.New("invalid import batch")

// Importer reconciles a batch with the stored sites, catalog, reports and
// alerts. Sites and reports are matched on their natural keys, so
// re-importing the same batch only updates rows.
type Importer struct {
	repo  Repository
	sites *siteRepo
}

func newImporter(repo Repository, sites *siteRepo) *Importer {
	return &Importer{repo: repo, sites: sites}
}

// Import applies the whole batch in one transaction. Unknown site names
// in reports and alerts are skipped and reported in the result; any store
// error rolls everything back.
func (im *Importer) Import(ctx context.Context, batch *ImportBatch) (*ImportResult, error) {
	if err := validateBatch(batch); err != nil {
		return nil, err
	}

	var result *ImportResult
	err := im.repo.WithTransaction(ctx, func(tx *gorm.DB) error {
		r := &reconciler{tx: tx, result: newImportResult()}
		if err := r.run(batch); err != nil {
			return err
		}
		result = r.result
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "import failed")
	}

	im.sites.purge()
	log.Info().Msgf("imported %d sites, %d catalog entries, %d reports, %d alerts",
		result.SitesInserted+result.SitesUpdated,
		result.CatalogInserted+result.CatalogUpdated,
		result.ReportsInserted+result.ReportsUpdated,
		result.AlertsInserted,
	)
	return result, nil
}

func validateBatch(batch *ImportBatch) error {
	if batch == nil {
		return errors.Wrap(ErrInvalidBatch, "empty batch")
	}
	for i, s := range batch.Sites {
		if strings.TrimSpace(s.URL) == "" {
			return errors.Wrapf(ErrInvalidBatch, "site %d: url is required", i)
		}
		if strings.TrimSpace(s.WebName) == "" {
			return errors.Wrapf(ErrInvalidBatch, "site %d: webName is required", i)
		}
	}
	for i, c := range batch.CatalogEntries {
		if strings.TrimSpace(c.Name) == "" {
			return errors.Wrapf(ErrInvalidBatch, "catalog entry %d: name is required", i)
		}
	}
	return nil
}

// siteKey is the matching key for site display names
func siteKey(webName string) string {
	return strings.ToLower(strings.TrimSpace(webName))
}

type reconciler struct {
	tx     *gorm.DB
	result *ImportResult
}

func (r *reconciler) run(batch *ImportBatch) error {
	if err := r.upsertSites(batch.Sites); err != nil {
		return err
	}
	if err := r.upsertCatalog(batch.CatalogEntries); err != nil {
		return err
	}

	// statements run immediately in the transaction, so later stages see
	// every site written above
	lookup, err := r.siteLookup()
	if err != nil {
		return err
	}

	if err := r.upsertReports(batch.Reports, lookup); err != nil {
		return err
	}
	return r.insertAlerts(batch.Alerts, lookup, batch.ReplaceAlertsForSubmittedDays)
}

func (r *reconciler) skip(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	r.result.SkippedReasons = append(r.result.SkippedReasons, reason)
	log.Warn().Msg(reason)
}

func (r *reconciler) warn(format string, args ...any) {
	warning := fmt.Sprintf(format, args...)
	r.result.Warnings = append(r.result.Warnings, warning)
	log.Warn().Msg(warning)
}

func applySite(site *Site, in SiteInput) {
	site.URL = in.URL
	site.IP = in.IP
	site.WebName = in.WebName
	site.UnitName = in.UnitName
	site.Remark = in.Remark
	site.Manager = in.Manager
	site.ManagerMail = in.ManagerMail
	site.OutsourcedVendor = in.OutsourcedVendor
	site.RiskReportLink = in.RiskReportLink
	site.UploadDate = in.UploadDate.Date()
}

func (r *reconciler) upsertSites(inputs []SiteInput) error {
	if len(inputs) == 0 {
		return nil
	}

	var existing []*Site
	if err := r.tx.Find(&existing).Error; err != nil {
		return errors.Wrap(err, "failed to load sites")
	}
	byName := make(map[string]*Site, len(existing))
	for _, site := range existing {
		byName[siteKey(site.WebName)] = site
	}

	for _, in := range inputs {
		id, err := identity.SiteID(in.URL)
		if err != nil {
			return errors.Wrapf(err, "site %q", in.WebName)
		}

		site, ok := byName[siteKey(in.WebName)]
		switch {
		case !ok:
			site = &Site{ID: id}
			applySite(site, in)
			if err := r.tx.Create(site).Error; err != nil {
				return errors.Wrapf(err, "failed to create site %q", in.WebName)
			}
			byName[siteKey(in.WebName)] = site
			r.result.SitesInserted++
		case site.ID == id:
			applySite(site, in)
			if err := r.tx.Save(site).Error; err != nil {
				return errors.Wrapf(err, "failed to update site %q", in.WebName)
			}
			r.result.SitesUpdated++
		default:
			relinked, err := r.relinkSite(site, id, in)
			if err != nil {
				return err
			}
			byName[siteKey(in.WebName)] = relinked
			r.result.SitesUpdated++
		}
	}

	log.Debug().Msgf("sites: %d inserted, %d updated", r.result.SitesInserted, r.result.SitesUpdated)
	return nil
}

// relinkSite moves a site whose URL changed to the identifier derived from
// the new URL. Its reports are re-keyed and its alerts re-pointed.
func (r *reconciler) relinkSite(old *Site, id uuid.UUID, in SiteInput) (*Site, error) {
	log.Debug().Msgf("site %q moved from %s to %s", in.WebName, old.URL, in.URL)

	restore, err := database.DeferForeignKeys(r.tx)
	if err != nil {
		return nil, err
	}

	var reports []*ScanReport
	if err := r.tx.Where("site_id = ?", old.ID).Find(&reports).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load reports of relinked site")
	}
	if len(reports) > 0 {
		if err := r.tx.Delete(&reports).Error; err != nil {
			return nil, errors.Wrap(err, "failed to remove reports of relinked site")
		}
	}
	if err := r.tx.Delete(old).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to remove site %q", old.WebName)
	}

	site := &Site{ID: id}
	applySite(site, in)
	if err := r.tx.Create(site).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to create site %q", in.WebName)
	}

	for _, report := range reports {
		if report.ID, err = identity.ReportID(id, report.GeneratedDay); err != nil {
			return nil, err
		}
		report.SiteID = id
	}
	if len(reports) > 0 {
		if err := r.tx.Create(&reports).Error; err != nil {
			return nil, errors.Wrap(err, "failed to move reports of relinked site")
		}
	}

	q := r.tx.Model(&Alert{}).Where("site_id = ?", old.ID).Update("site_id", id)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to move alerts of relinked site")
	}

	if err := restore(); err != nil {
		return nil, errors.Wrap(err, "failed to restore foreign keys")
	}
	return site, nil
}

func catalogKey(name, signature string) string {
	return name + "\x00" + signature
}

func applyCatalog(entry *RiskCatalogEntry, in CatalogInput) {
	entry.Description = in.Description
	entry.Solution = in.Solution
	entry.Reference = in.Reference
	entry.CWEID = in.CWEID
	entry.WASCID = in.WASCID
	entry.PluginID = in.PluginID
}

func (r *reconciler) upsertCatalog(inputs []CatalogInput) error {
	if len(inputs) == 0 {
		return nil
	}

	signatures := make([]string, len(inputs))
	names := make([]string, len(inputs))
	for i, in := range inputs {
		signatures[i] = identity.CatalogSignature(in.content())
		names[i] = in.Name
	}

	var existing []*RiskCatalogEntry
	q := r.tx.Where("name IN ? AND signature IN ?", Unique(names), Unique(signatures)).Find(&existing)
	if err := q.Error; err != nil {
		return errors.Wrap(err, "failed to load risk catalog")
	}
	known := make(map[string]*RiskCatalogEntry, len(existing))
	for _, entry := range existing {
		known[catalogKey(entry.Name, entry.Signature)] = entry
	}

	for i, in := range inputs {
		signature := signatures[i]
		id, err := identity.CatalogID(in.Name, signature)
		if err != nil {
			return errors.Wrapf(err, "catalog entry %q", in.Name)
		}

		if entry, ok := known[catalogKey(in.Name, signature)]; ok {
			entry.ID = id
			applyCatalog(entry, in)
			if err := r.tx.Save(entry).Error; err != nil {
				return errors.Wrapf(err, "failed to update catalog entry %q", in.Name)
			}
			r.result.CatalogUpdated++
			continue
		}

		entry := &RiskCatalogEntry{ID: id, Name: in.Name, Signature: signature}
		applyCatalog(entry, in)
		if err := r.tx.Create(entry).Error; err != nil {
			return errors.Wrapf(err, "failed to create catalog entry %q", in.Name)
		}
		known[catalogKey(in.Name, signature)] = entry
		r.result.CatalogInserted++
	}

	log.Debug().Msgf("catalog: %d inserted, %d updated", r.result.CatalogInserted, r.result.CatalogUpdated)
	return nil
}

func (r *reconciler) siteLookup() (map[string]uuid.UUID, error) {
	var sites []*Site
	if err := r.tx.Select("id", "web_name").Find(&sites).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load sites")
	}
	lookup := make(map[string]uuid.UUID, len(sites))
	for _, site := range sites {
		if key := siteKey(site.WebName); key != "" {
			lookup[key] = site.ID
		}
	}
	return lookup, nil
}

func (r *reconciler) upsertReports(inputs []ReportInput, lookup map[string]uuid.UUID) error {
	for _, in := range inputs {
		siteID, ok := lookup[siteKey(in.SiteWebName)]
		if !ok {
			r.result.ReportsSkipped++
			r.skip("report skipped: no site matches web name %q", in.SiteWebName)
			continue
		}

		day := in.day()
		id, err := identity.ReportID(siteID, day)
		if err != nil {
			return err
		}

		var report ScanReport
		q := r.tx.Where("site_id = ? AND generated_day = ?", siteID, day).Limit(1).Find(&report)
		if err := q.Error; err != nil {
			return errors.Wrapf(err, "failed to load report of %q", in.SiteWebName)
		}

		report.ID = id
		report.GeneratedAt = in.GeneratedDate.Time()
		report.ScannerVersion = in.ScannerVersion
		report.ScannerOperator = in.ScannerOperator
		report.IsDeleted = in.IsDeleted

		if q.RowsAffected > 0 {
			if err := r.tx.Save(&report).Error; err != nil {
				return errors.Wrapf(err, "failed to update report of %q", in.SiteWebName)
			}
			r.result.ReportsUpdated++
			continue
		}

		report.SiteID = siteID
		report.GeneratedDay = day
		if err := r.tx.Create(&report).Error; err != nil {
			return errors.Wrapf(err, "failed to create report of %q", in.SiteWebName)
		}
		r.result.ReportsInserted++
	}

	log.Debug().Msgf("reports: %d inserted, %d updated, %d skipped",
		r.result.ReportsInserted, r.result.ReportsUpdated, r.result.ReportsSkipped)
	return nil
}

// alerts of one site and day, in submission order
type alertGroup struct {
	siteID uuid.UUID
	day    datatypes.Date
	alerts []*Alert
}

func (r *reconciler) alertStatus(in AlertInput) Status {
	if in.Status == nil || strings.TrimSpace(*in.Status) == "" {
		return StatusOpen
	}
	status, err := ParseStatus(*in.Status)
	if err != nil {
		r.warn("alert %q on %q: unknown status %q stored as %s", in.RiskName, in.RootWebName, *in.Status, StatusOpen)
		return StatusOpen
	}
	return status
}

func (r *reconciler) insertAlerts(inputs []AlertInput, lookup map[string]uuid.UUID, replace bool) error {
	groups := NewOrderedGroups[string, *alertGroup]()
	for _, in := range inputs {
		siteID, ok := lookup[siteKey(in.RootWebName)]
		if !ok {
			r.result.AlertsSkipped++
			r.skip("alert skipped: no site matches web name %q", in.RootWebName)
			continue
		}

		day := in.day()
		key := identity.Hex(siteID) + "|" + identity.FormatDay(day)
		group := groups.GetOrAdd(key, func() *alertGroup {
			return &alertGroup{siteID: siteID, day: day}
		})
		group.alerts = append(group.alerts, &Alert{
			SiteID:     siteID,
			URL:        in.URL,
			ReportedAt: in.ReportDate.Time(),
			ReportDay:  day,
			RiskName:   in.RiskName,
			Level:      in.Level,
			Method:     in.Method,
			Parameter:  in.Parameter,
			Attack:     in.Attack,
			Evidence:   in.Evidence,
			OtherInfo:  in.OtherInfo,
			Status:     r.alertStatus(in),
		})
	}

	if replace {
		for _, group := range groups.Values() {
			if err := r.removeAlerts(group.siteID, group.day); err != nil {
				return err
			}
		}
	}

	var alerts []*Alert
	for _, group := range groups.Values() {
		alerts = append(alerts, group.alerts...)
	}
	if len(alerts) > 0 {
		if err := r.tx.CreateInBatches(alerts, alertBatchSize).Error; err != nil {
			return errors.Wrap(err, "failed to insert alerts")
		}
	}
	r.result.AlertsInserted += len(alerts)

	log.Debug().Msgf("alerts: %d inserted, %d skipped", r.result.AlertsInserted, r.result.AlertsSkipped)
	return nil
}

// removeAlerts drops the stored alerts of a site and day with their history.
func (r *reconciler) removeAlerts(siteID uuid.UUID, day datatypes.Date) error {
	var ids []uint
	q := r.tx.Model(&Alert{}).Where("site_id = ? AND report_day = ?", siteID, day).Pluck("id", &ids)
	if err := q.Error; err != nil {
		return errors.Wrap(err, "failed to find alerts to replace")
	}
	if len(ids) == 0 {
		return nil
	}

	if err := r.tx.Where("alert_id IN ?", ids).Delete(&StatusHistory{}).Error; err != nil {
		return errors.Wrap(err, "failed to remove status history of replaced alerts")
	}
	if err := r.tx.Delete(&Alert{}, ids).Error; err != nil {
		return errors.Wrap(err, "failed to remove replaced alerts")
	}
	log.Debug().Msgf("replaced %d alerts of %s on %s", len(ids), identity.Hex(siteID), identity.FormatDay(day))
	return nil
}
