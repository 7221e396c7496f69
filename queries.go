package vulnboard

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vulnboard/pkg/database"
	"github.com/vulnboard/pkg/filter"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Page[T any] struct {
	Items      []T   `json:"items"`
	TotalCount int64 `json:"totalCount"`
	PageNumber int   `json:"pageNumber"`
	PageSize   int   `json:"pageSize"`
}

// Pagination clamps the requested page into range.
type Pagination struct {
	Number int
	Size   int
}

func (p Pagination) normalize() Pagination {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Pagination) apply(q *gorm.DB) *gorm.DB {
	return q.Offset((p.Number - 1) * p.Size).Limit(p.Size)
}

// Fields accepted by alert filter expressions
var alertFields = map[string]string{
	"id":     "alerts.id",
	"level":  "alerts.level",
	"status": "alerts.status",
	"risk":   "alerts.risk_name",
	"method": "alerts.method",
	"url":    "alerts.url",
	"day":    "alerts.report_day",
	"site":   "sites.web_name",
	"unit":   "sites.unit_name",
}

var alertSortColumns = map[string]string{
	"riskname":   "alerts.risk_name",
	"level":      "alerts.level",
	"status":     "alerts.status",
	"reportday":  "alerts.report_day",
	"reportdate": "alerts.reported_at",
}

type AlertQuery struct {
	DashboardFilter
	Pagination

	// Filter expression, e.g. `level = High and status != Closed`
	Filter string
	SiteID *uuid.UUID
	// "reportDate" (default), "reportDay", "riskName", "level" or "status"
	SortBy string
	// "desc" unless "asc"
	SortOrder string
}

type AlertView struct {
	*Alert
	RootWebName string `json:"rootWebName"`
	RootURL     string `json:"rootUrl"`
}

// Alerts lists alerts page by page, decorated with their site.
func (d *Dashboard) Alerts(ctx context.Context, query AlertQuery) (*Page[*AlertView], error) {
	if err := query.validate(); err != nil {
		return nil, err
	}
	conds, err := filter.Compile(query.Filter, alertFields)
	if err != nil {
		return nil, err
	}
	db, err := d.repo.Session(ctx)
	if err != nil {
		return nil, err
	}
	paging := query.Pagination.normalize()

	base := func() *gorm.DB {
		q := scopedAlerts(db, query.DashboardFilter)
		if query.SiteID != nil {
			q = q.Where("alerts.site_id = ?", *query.SiteID)
		}
		if len(conds) > 0 {
			q = q.Where(clause.And(conds...))
		}
		return q
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count alerts")
	}

	column, ok := alertSortColumns[strings.ToLower(query.SortBy)]
	if !ok {
		column = alertSortColumns["reportdate"]
	}
	desc := !strings.EqualFold(query.SortOrder, "asc")

	var alerts []*Alert
	q := paging.apply(base().Select("alerts.*").
		Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "alerts.id"}, Desc: desc})).
		Find(&alerts)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to list alerts")
	}

	ids := make([]uuid.UUID, 0, len(alerts))
	for _, a := range alerts {
		ids = append(ids, a.SiteID)
	}
	sites, err := d.sites.getSites(ctx, ids...)
	if err != nil {
		return nil, err
	}

	items := make([]*AlertView, 0, len(alerts))
	for _, a := range alerts {
		view := &AlertView{Alert: a}
		if site, ok := sites[a.SiteID]; ok {
			view.RootWebName = site.WebName
			view.RootURL = site.URL
		}
		items = append(items, view)
	}

	return &Page[*AlertView]{
		Items:      items,
		TotalCount: total,
		PageNumber: paging.Number,
		PageSize:   paging.Size,
	}, nil
}

type FixHistoryQuery struct {
	DashboardFilter
	Pagination

	Manager string
	// Current status of the alert
	Status string
}

type FixHistoryItem struct {
	AlertID   uint      `json:"alertId"`
	WebName   string    `json:"webName"`
	UnitName  string    `json:"unitName"`
	RiskName  string    `json:"riskName"`
	Level     string    `json:"level"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy"`
	Remark    *string   `json:"remark"`
}

// FixHistory lists the transitions to Closed, newest first. The date range
// applies to the day of the transition, not to the report day.
func (d *Dashboard) FixHistory(ctx context.Context, query FixHistoryQuery) (*Page[*FixHistoryItem], error) {
	if err := query.validate(); err != nil {
		return nil, err
	}
	db, err := d.repo.Session(ctx)
	if err != nil {
		return nil, err
	}
	paging := query.Pagination.normalize()

	base := func() *gorm.DB {
		q := db.Model(&StatusHistory{}).
			Joins("JOIN alerts ON alerts.id = alert_status_history.alert_id").
			Joins("JOIN sites ON sites.id = alerts.site_id").
			Where("alert_status_history.new_status = ?", StatusClosed)
		if query.From != nil {
			q = q.Where("alert_status_history.updated_at >= ?", time.Time(*query.From))
		}
		if query.To != nil {
			q = q.Where("alert_status_history.updated_at < ?", time.Time(*query.To).AddDate(0, 0, 1))
		}
		if query.UnitName != "" {
			q = q.Where("sites.unit_name = ?", query.UnitName)
		}
		if query.Manager != "" {
			q = q.Where("sites.manager = ?", query.Manager)
		}
		if query.Status != "" {
			q = q.Where("alerts.status = ?", query.Status)
		}
		return q
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count fix history")
	}

	items := []*FixHistoryItem{}
	q := paging.apply(base().Select(
		"alert_status_history.alert_id AS alert_id, sites.web_name AS web_name, sites.unit_name AS unit_name, " +
			"alerts.risk_name AS risk_name, alerts.level AS level, alert_status_history.new_status AS status, " +
			"alert_status_history.updated_at AS updated_at, alert_status_history.updated_by AS updated_by, " +
			"alert_status_history.remark AS remark",
	).Order("alert_status_history.updated_at DESC").Order("alert_status_history.id DESC")).Scan(&items)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to list fix history")
	}

	return &Page[*FixHistoryItem]{
		Items:      items,
		TotalCount: total,
		PageNumber: paging.Number,
		PageSize:   paging.Size,
	}, nil
}

var siteSortColumns = map[string]string{
	"webname":    "web_name",
	"url":        "url",
	"unitname":   "unit_name",
	"uploaddate": "upload_date",
}

type SiteQuery struct {
	Pagination

	// Case-insensitive substring of web name, url, unit or manager
	Search   string
	UnitName string
	Manager  string
	// "webName" (default), "url", "unitName" or "uploadDate"
	SortBy string
	// "asc" unless "desc"
	SortOrder string
	// Count the reports and alerts of every site
	IncludeStats bool
}

type SiteView struct {
	*Site
	ReportCount *int64 `json:"reportCount"`
	AlertCount  *int64 `json:"alertCount"`
}

func (d *Dashboard) Sites(ctx context.Context, query SiteQuery) (*Page[*SiteView], error) {
	db, err := d.repo.Session(ctx)
	if err != nil {
		return nil, err
	}
	paging := query.Pagination.normalize()

	base := func() *gorm.DB {
		q := db.Model(&Site{})
		if s := strings.ToLower(strings.TrimSpace(query.Search)); s != "" {
			like := "%" + s + "%"
			q = q.Where("LOWER(web_name) LIKE ? OR LOWER(url) LIKE ? OR LOWER(unit_name) LIKE ? OR LOWER(manager) LIKE ?",
				like, like, like, like)
		}
		if query.UnitName != "" {
			q = q.Where("unit_name = ?", query.UnitName)
		}
		if query.Manager != "" {
			q = q.Where("manager = ?", query.Manager)
		}
		return q
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count sites")
	}

	column, ok := siteSortColumns[strings.ToLower(query.SortBy)]
	if !ok {
		column = siteSortColumns["webname"]
	}
	desc := strings.EqualFold(query.SortOrder, "desc")

	var sites []*Site
	q := paging.apply(base().Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})).Find(&sites)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to list sites")
	}

	items := make([]*SiteView, 0, len(sites))
	for _, site := range sites {
		items = append(items, &SiteView{Site: site})
	}
	if query.IncludeStats && len(sites) > 0 {
		if err := siteStats(db, items); err != nil {
			return nil, err
		}
	}

	return &Page[*SiteView]{
		Items:      items,
		TotalCount: total,
		PageNumber: paging.Number,
		PageSize:   paging.Size,
	}, nil
}

func siteStats(db *gorm.DB, views []*SiteView) error {
	ids := make([]uuid.UUID, 0, len(views))
	for _, v := range views {
		ids = append(ids, v.ID)
	}

	countBy := func(model any) (map[uuid.UUID]int64, error) {
		var rows []struct {
			SiteID uuid.UUID
			Count  int64
		}
		q := db.Model(model).Select("site_id, COUNT(*) AS count").Where("site_id IN ?", ids).Group("site_id").Scan(&rows)
		if err := q.Error; err != nil {
			return nil, err
		}
		counts := make(map[uuid.UUID]int64, len(rows))
		for _, row := range rows {
			counts[row.SiteID] = row.Count
		}
		return counts, nil
	}

	reports, err := countBy(&ScanReport{})
	if err != nil {
		return errors.Wrap(err, "failed to count reports per site")
	}
	alerts, err := countBy(&Alert{})
	if err != nil {
		return errors.Wrap(err, "failed to count alerts per site")
	}
	for _, v := range views {
		r, a := reports[v.ID], alerts[v.ID]
		v.ReportCount, v.AlertCount = &r, &a
	}
	return nil
}

// Catalog streams the risk catalog ordered by name. search matches name or
// description, case-insensitively; name must match exactly.
func (d *Dashboard) Catalog(ctx context.Context, search, name string) iter.Seq2[*RiskCatalogEntry, error] {
	db, err := d.repo.Session(ctx)
	if err != nil {
		return func(yield func(*RiskCatalogEntry, error) bool) {
			yield(nil, err)
		}
	}

	q := db.Model(&RiskCatalogEntry{})
	if s := strings.ToLower(strings.TrimSpace(search)); s != "" {
		like := "%" + s + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}
	if name != "" {
		q = q.Where("name = ?", name)
	}
	return database.Iterate[RiskCatalogEntry](q.Order("name").Order("id"))
}

type Counted struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type Statistics struct {
	TotalSites          int64      `json:"totalSites"`
	TotalReports        int64      `json:"totalReports"`
	TotalAlerts         int64      `json:"totalAlerts"`
	TotalCatalogEntries int64      `json:"totalCatalogEntries"`
	AlertsByLevel       []*Counted `json:"alertsByLevel"`
	AlertsByStatus      []*Counted `json:"alertsByStatus"`
	// The ten most frequent risk names
	TopRiskNames []*Counted `json:"topRiskNames"`
}

const topRiskNames = 10

// Statistics counts the whole store. Deleted reports are left out.
func (d *Dashboard) Statistics(ctx context.Context) (*Statistics, error) {
	db, err := d.repo.Session(ctx)
	if err != nil {
		return nil, err
	}

	stats := new(Statistics)
	totals := []struct {
		model any
		where []any
		dest  *int64
	}{
		{&Site{}, nil, &stats.TotalSites},
		{&ScanReport{}, []any{"is_deleted = ?", false}, &stats.TotalReports},
		{&Alert{}, nil, &stats.TotalAlerts},
		{&RiskCatalogEntry{}, nil, &stats.TotalCatalogEntries},
	}
	for _, t := range totals {
		q := db.Model(t.model)
		if len(t.where) > 0 {
			q = q.Where(t.where[0], t.where[1:]...)
		}
		if err := q.Count(t.dest).Error; err != nil {
			return nil, errors.Wrap(err, "failed to count totals")
		}
	}

	groupBy := func(column string, limit int) ([]*Counted, error) {
		rows := []*Counted{}
		q := db.Model(&Alert{}).
			Select(column + " AS name, COUNT(*) AS count").
			Group(column).
			Order("count DESC").Order(column)
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Scan(&rows).Error; err != nil {
			return nil, errors.Wrapf(err, "failed to count alerts by %s", column)
		}
		return rows, nil
	}

	if stats.AlertsByLevel, err = groupBy("level", 0); err != nil {
		return nil, err
	}
	if stats.AlertsByStatus, err = groupBy("status", 0); err != nil {
		return nil, err
	}
	if stats.TopRiskNames, err = groupBy("risk_name", topRiskNames); err != nil {
		return nil, err
	}
	return stats, nil
}
