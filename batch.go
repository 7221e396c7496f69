package vulnboard

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"

	"github.com/vulnboard/pkg/identity"
)

// Day is a calendar day on the wire, "2006-01-02". Full timestamps are
// accepted and truncated.
type Day datatypes.Date

func (d *Day) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "day must be a string")
	}
	if s = strings.TrimSpace(s); s == "" {
		*d = Day{}
		return nil
	}

	if day, err := identity.ParseDay(s); err == nil {
		*d = Day(day)
		return nil
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return errors.Errorf("invalid day %q", s)
	}
	*d = Day(identity.Day(t))
	return nil
}

func (d Day) MarshalJSON() ([]byte, error) {
	return json.Marshal(identity.FormatDay(d.Date()))
}

func (d Day) Date() datatypes.Date {
	return datatypes.Date(d)
}

func (d Day) IsZero() bool {
	return time.Time(d).IsZero()
}

// Timestamp accepts RFC 3339 and zone-less timestamps, the latter as UTC.
type Timestamp time.Time

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	identity.DayLayout,
}

func parseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "timestamp must be a string")
	}
	if s = strings.TrimSpace(s); s == "" {
		*ts = Timestamp{}
		return nil
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return errors.Errorf("invalid timestamp %q", s)
	}
	*ts = Timestamp(t)
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.Time().Format(time.RFC3339Nano))
}

func (ts Timestamp) Time() time.Time {
	return time.Time(ts).UTC()
}

type SiteInput struct {
	URL              string  `json:"url"`
	IP               *string `json:"ip,omitempty"`
	WebName          string  `json:"webName"`
	UnitName         string  `json:"unitName"`
	Remark           *string `json:"remark,omitempty"`
	Manager          *string `json:"manager,omitempty"`
	ManagerMail      *string `json:"managerMail,omitempty"`
	OutsourcedVendor *string `json:"outsourcedVendor,omitempty"`
	RiskReportLink   string  `json:"riskReportLink"`
	UploadDate       Day     `json:"uploadDate"`
}

type CatalogInput struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Solution    *string `json:"solution,omitempty"`
	Reference   *string `json:"reference,omitempty"`
	CWEID       *int    `json:"cweId,omitempty"`
	WASCID      *int    `json:"wascId,omitempty"`
	PluginID    *int    `json:"pluginId,omitempty"`
}

func (c CatalogInput) content() identity.Content {
	return identity.Content{
		Name:        c.Name,
		Description: c.Description,
		Solution:    c.Solution,
		Reference:   c.Reference,
		CWEID:       c.CWEID,
		WASCID:      c.WASCID,
		PluginID:    c.PluginID,
	}
}

type ReportInput struct {
	SiteWebName     string    `json:"siteWebName"`
	GeneratedDate   Timestamp `json:"generatedDate"`
	GeneratedDay    Day       `json:"generatedDay"`
	ScannerVersion  string    `json:"scannerVersion"`
	ScannerOperator string    `json:"scannerOperator"`
	IsDeleted       bool      `json:"isDeleted"`
}

// day falls back to the generation timestamp
func (r ReportInput) day() datatypes.Date {
	if r.GeneratedDay.IsZero() {
		return identity.Day(r.GeneratedDate.Time())
	}
	return r.GeneratedDay.Date()
}

type AlertInput struct {
	RootWebName string    `json:"rootWebName"`
	URL         string    `json:"url"`
	ReportDate  Timestamp `json:"reportDate"`
	ReportDay   Day       `json:"reportDay"`
	RiskName    string    `json:"riskName"`
	Level       string    `json:"level"`
	Method      string    `json:"method"`
	Parameter   *string   `json:"parameter,omitempty"`
	Attack      *string   `json:"attack,omitempty"`
	Evidence    *string   `json:"evidence,omitempty"`
	Status      *string   `json:"status,omitempty"`
	OtherInfo   *string   `json:"otherInfo,omitempty"`
}

func (a AlertInput) day() datatypes.Date {
	if a.ReportDay.IsZero() {
		return identity.Day(a.ReportDate.Time())
	}
	return a.ReportDay.Date()
}

// One upload of normalized scanner output
type ImportBatch struct {
	Sites          []SiteInput    `json:"sites"`
	CatalogEntries []CatalogInput `json:"catalogEntries"`
	Reports        []ReportInput  `json:"reports"`
	Alerts         []AlertInput   `json:"alerts"`
	// Drop the stored alerts of every submitted (site, day) before inserting
	ReplaceAlertsForSubmittedDays bool `json:"replaceAlertsForSubmittedDays"`
}

type ImportResult struct {
	SitesInserted   int `json:"sitesInserted"`
	SitesUpdated    int `json:"sitesUpdated"`
	CatalogInserted int `json:"catalogInserted"`
	CatalogUpdated  int `json:"catalogUpdated"`
	ReportsInserted int `json:"reportsInserted"`
	ReportsUpdated  int `json:"reportsUpdated"`
	ReportsSkipped  int `json:"reportsSkipped"`
	AlertsInserted  int `json:"alertsInserted"`
	AlertsSkipped   int `json:"alertsSkipped"`

	Warnings       []string `json:"warnings"`
	SkippedReasons []string `json:"skippedReasons"`
}

func newImportResult() *ImportResult {
	return &ImportResult{
		Warnings:       []string{},
		SkippedReasons: []string{},
	}
}
