package vulnboard

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vulnboard/pkg/identity"
)

var (
	ErrInvalidRange    = errors.New("from must not be after to")
	ErrInvalidGrouping = errors.New("group by must be one of day, week, month")
)

// Severity levels as reported by the scanner
const (
	LevelHigh          = "High"
	LevelMedium        = "Medium"
	LevelLow           = "Low"
	LevelInformational = "Informational"
)

// Narrows the aggregates to alerts reported within [From, To] for one unit.
type DashboardFilter struct {
	From     *datatypes.Date
	To       *datatypes.Date
	UnitName string
}

func (f DashboardFilter) validate() error {
	if f.From != nil && f.To != nil && time.Time(*f.From).After(time.Time(*f.To)) {
		return ErrInvalidRange
	}
	return nil
}

type Dashboard struct {
	repo  Repository
	sites *siteRepo
}

func newDashboard(repo Repository, sites *siteRepo) *Dashboard {
	return &Dashboard{repo: repo, sites: sites}
}

// alerts joined with their site and narrowed by f
func scopedAlerts(db *gorm.DB, f DashboardFilter) *gorm.DB {
	q := db.Model(&Alert{}).Joins("JOIN sites ON sites.id = alerts.site_id")
	if f.From != nil {
		q = q.Where("alerts.report_day >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("alerts.report_day <= ?", *f.To)
	}
	if f.UnitName != "" {
		q = q.Where("sites.unit_name = ?", f.UnitName)
	}
	return q
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*100*100) / 100
}

type Overview struct {
	UnresolvedCount int64   `json:"unresolvedCount"`
	ResolvedCount   int64   `json:"resolvedCount"`
	OverallFixRate  float64 `json:"overallFixRate"`
	// High severity alerts still not closed
	HighRiskCount int64 `json:"highRiskCount"`
}

func (d *Dashboard) Overview(ctx context.Context, f DashboardFilter) (*Overview, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	db, err := d.repo.Session(ctx)
	if err != nil {
		return nil, err
	}

	var row struct {
		Total    int64
		Resolved int64
		HighRisk int64
	}
	q := scopedAlerts(db, f).Select(
		"COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN alerts.status = ? THEN 1 ELSE 0 END), 0) AS resolved, "+
			"COALESCE(SUM(CASE WHEN alerts.level = ? AND alerts.status <> ? THEN 1 ELSE 0 END), 0) AS high_risk",
		StatusClosed, LevelHigh, StatusClosed,
	).Scan(&row)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to compute overview")
	}

	return &Overview{
		UnresolvedCount: row.Total - row.Resolved,
		ResolvedCount:   row.Resolved,
		OverallFixRate:  percent(row.Resolved, row.Total),
		HighRiskCount:   row.HighRisk,
	}, nil
}

type RiskLevels struct {
	High          int64 `json:"high"`
	Medium        int64 `json:"medium"`
	Low           int64 `json:"low"`
	Informational int64 `json:"informational"`
}

func (d *Dashboard) RiskLevels(ctx context.Context, f DashboardFilter) (*RiskLevels, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	db, err := d.repo.Session(ctx)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Level string
		Count int64
	}
	q := scopedAlerts(db, f).Select("alerts.level AS level, COUNT(*) AS count").Group("alerts.level").Scan(&rows)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to compute risk levels")
	}

	levels := new(RiskLevels)
	for _, row := range rows {
		switch row.Level {
		case LevelHigh:
			levels.High = row.Count
		case LevelMedium:
			levels.Medium = row.Count
		case LevelLow:
			levels.Low = row.Count
		case LevelInformational:
			levels.Informational = row.Count
		}
	}
	return levels, nil
}

type DepartmentPerformance struct {
	UnitName        string  `json:"unitName"`
	Manager         *string `json:"manager"`
	HighRiskCount   int64   `json:"highRiskCount"`
	MediumRiskCount int64   `json:"mediumRiskCount"`
	LowRiskCount    int64   `json:"lowRiskCount"`
	TotalCount      int64   `json:"totalCount"`
	ResolvedCount   int64   `json:"resolvedCount"`
	FixRate         float64 `json:"fixRate"`
}

// DepartmentPerformance groups alerts by owning unit and manager. Rows are
// sorted by "fixRate" or "totalCount" (the default), descending unless
// order is "asc".
func (d *Dashboard) DepartmentPerformance(ctx context.Context, f DashboardFilter, sortBy, order string) ([]*DepartmentPerformance, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	db, err := d.repo.Session(ctx)
	if err != nil {
		return nil, err
	}

	var rows []*DepartmentPerformance
	q := scopedAlerts(db, f).Select(
		"sites.unit_name AS unit_name, sites.manager AS manager, "+
			"COALESCE(SUM(CASE WHEN alerts.level = ? THEN 1 ELSE 0 END), 0) AS high_risk_count, "+
			"COALESCE(SUM(CASE WHEN alerts.level = ? THEN 1 ELSE 0 END), 0) AS medium_risk_count, "+
			"COALESCE(SUM(CASE WHEN alerts.level = ? THEN 1 ELSE 0 END), 0) AS low_risk_count, "+
			"COUNT(*) AS total_count, "+
			"COALESCE(SUM(CASE WHEN alerts.status = ? THEN 1 ELSE 0 END), 0) AS resolved_count",
		LevelHigh, LevelMedium, LevelLow, StatusClosed,
	).Group("sites.unit_name, sites.manager").Scan(&rows)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to compute department performance")
	}

	for _, row := range rows {
		row.FixRate = percent(row.ResolvedCount, row.TotalCount)
	}

	desc := !strings.EqualFold(order, "asc")
	byFixRate := strings.EqualFold(sortBy, "fixRate")
	slices.SortStableFunc(rows, func(a, b *DepartmentPerformance) int {
		var c int
		if byFixRate {
			c = compare(a.FixRate, b.FixRate)
		} else {
			c = compare(a.TotalCount, b.TotalCount)
		}
		if desc {
			return -c
		}
		return c
	})
	return rows, nil
}

func compare[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type Grouping string

const (
	GroupByDay   Grouping = "day"
	GroupByWeek  Grouping = "week"
	GroupByMonth Grouping = "month"
)

func ParseGrouping(s string) (Grouping, error) {
	switch g := Grouping(strings.ToLower(strings.TrimSpace(s))); g {
	case GroupByDay, GroupByWeek, GroupByMonth:
		return g, nil
	case "":
		return GroupByDay, nil
	}
	return "", errors.Wrapf(ErrInvalidGrouping, "%q", s)
}

// One bucket of new alerts against closed ones
type ComparisonPoint struct {
	Period        string `json:"date"`
	NewCount      int64  `json:"newCount"`
	ResolvedCount int64  `json:"resolvedCount"`
}

// weekStart returns the Monday of t's week
func weekStart(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

func period(t time.Time, g Grouping) string {
	switch g {
	case GroupByWeek:
		start := weekStart(t)
		return fmt.Sprintf("%s ~ %s", start.Format(identity.DayLayout), start.AddDate(0, 0, 6).Format(identity.DayLayout))
	case GroupByMonth:
		return t.Format("2006-01")
	}
	return t.Format(identity.DayLayout)
}

// ScanComparison compares, per period between from and to, the alerts
// reported against the alerts closed. Every period in the range is present,
// even when empty.
func (d *Dashboard) ScanComparison(ctx context.Context, from, to datatypes.Date, g Grouping, unitName string) ([]*ComparisonPoint, error) {
	start, end := time.Time(identity.Day(time.Time(from))), time.Time(identity.Day(time.Time(to)))
	if start.After(end) {
		return nil, ErrInvalidRange
	}
	db, err := d.repo.Session(ctx)
	if err != nil {
		return nil, err
	}

	var reported []struct {
		ReportDay datatypes.Date
		Count     int64
	}
	f := DashboardFilter{From: &from, To: &to, UnitName: unitName}
	q := scopedAlerts(db, f).Select("alerts.report_day AS report_day, COUNT(*) AS count").Group("alerts.report_day").Scan(&reported)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to count reported alerts")
	}

	var closed []time.Time
	hq := db.Model(&StatusHistory{}).
		Joins("JOIN alerts ON alerts.id = alert_status_history.alert_id").
		Joins("JOIN sites ON sites.id = alerts.site_id").
		Where("alert_status_history.new_status = ?", StatusClosed).
		Where("alert_status_history.updated_at >= ? AND alert_status_history.updated_at < ?", start, end.AddDate(0, 0, 1))
	if unitName != "" {
		hq = hq.Where("sites.unit_name = ?", unitName)
	}
	if err := hq.Pluck("alert_status_history.updated_at", &closed).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count closed alerts")
	}

	points := NewOrderedGroups[string, *ComparisonPoint]()
	newPoint := func(p string) func() *ComparisonPoint {
		return func() *ComparisonPoint { return &ComparisonPoint{Period: p} }
	}
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		p := period(day, g)
		points.GetOrAdd(p, newPoint(p))
	}
	for _, row := range reported {
		p := period(time.Time(row.ReportDay).UTC(), g)
		points.GetOrAdd(p, newPoint(p)).NewCount += row.Count
	}
	for _, t := range closed {
		p := period(t.UTC(), g)
		points.GetOrAdd(p, newPoint(p)).ResolvedCount++
	}

	result := points.Values()
	slices.SortStableFunc(result, func(a, b *ComparisonPoint) int {
		return strings.Compare(a.Period, b.Period)
	})
	return result, nil
}
