package vulnboard

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/vulnboard/pkg/audit"
)

// A monitored web property. The ID is derived from the URL, while the
// display name is the natural key that imports match on.
type Site struct {
	ID uuid.UUID `gorm:"type:varchar(36);primaryKey"`

	URL     string
	IP      *string
	WebName string `gorm:"uniqueIndex"`
	// Department owning the site
	UnitName         string `gorm:"index"`
	Remark           *string
	Manager          *string
	ManagerMail      *string
	OutsourcedVendor *string
	RiskReportLink   string
	UploadDate       datatypes.Date
}

// One scanner run over a site for a calendar day.
type ScanReport struct {
	ID uuid.UUID `gorm:"type:varchar(36);primaryKey"`

	SiteID       uuid.UUID      `gorm:"type:varchar(36);uniqueIndex:idx_report_site_day,priority:1"`
	Site         *Site          `json:"-"`
	GeneratedAt  time.Time
	GeneratedDay datatypes.Date `gorm:"uniqueIndex:idx_report_site_day,priority:2"`

	ScannerVersion  string
	ScannerOperator string
	IsDeleted       bool
}

// Deduplicated vulnerability type. Same name with different content is a
// different entry.
type RiskCatalogEntry struct {
	ID uuid.UUID `gorm:"type:varchar(36);primaryKey"`

	Name        string `gorm:"uniqueIndex:idx_catalog_name_signature,priority:1"`
	Description *string
	Solution    *string
	Reference   *string
	CWEID       *int `gorm:"column:cwe_id"`
	WASCID      *int `gorm:"column:wasc_id"`
	PluginID    *int
	// base64 SHA-256 over the descriptive fields
	Signature string `gorm:"uniqueIndex:idx_catalog_name_signature,priority:2"`
}

func (RiskCatalogEntry) TableName() string {
	return "risk_catalog"
}

// A single finding on a site. Alerts share (site_id, report_day) with their
// scan report but are not bound to it by a foreign key.
type Alert struct {
	ID uint `gorm:"primaryKey"`

	SiteID     uuid.UUID      `gorm:"type:varchar(36);index:idx_alert_site_day,priority:1;index:idx_alert_site_risk_day,priority:1"`
	Site       *Site          `json:"-"`
	URL        string
	ReportedAt time.Time
	ReportDay  datatypes.Date `gorm:"index:idx_alert_site_day,priority:2;index:idx_alert_site_risk_day,priority:3"`
	RiskName   string         `gorm:"index;index:idx_alert_site_risk_day,priority:2"`
	Level      string
	Method     string
	Parameter  *string
	Attack     *string
	Evidence   *string
	OtherInfo  *string
	Status     Status `gorm:"default:Open"`
}

// Immutable record of one status transition.
type StatusHistory struct {
	ID uint `gorm:"primaryKey"`

	AlertID       uint   `gorm:"index"`
	Alert         *Alert `json:"-" gorm:"constraint:OnDelete:CASCADE"`
	OldStatus     *Status
	NewStatus     Status
	Remark        *string
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
	UpdatedBy     string
	UpdatedByRole string
}

func (StatusHistory) TableName() string {
	return "alert_status_history"
}

// Models lists every table, in migration order.
func Models() []any {
	return []any{
		&Site{},
		&ScanReport{},
		&RiskCatalogEntry{},
		&Alert{},
		&StatusHistory{},
		&audit.Log{},
	}
}
