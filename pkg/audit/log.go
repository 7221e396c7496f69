package audit

import (
	"time"

	"gorm.io/datatypes"
)

type Operation string

const (
	Added    Operation = "Added"
	Modified Operation = "Modified"
	Deleted  Operation = "Deleted"
)

// Log is one captured change of one row. Rows are append-only.
type Log struct {
	ID uint `gorm:"primaryKey"`

	// Table the change was applied to
	Table string `gorm:"column:table_name;index:idx_audit_target,priority:1"`
	// Key columns of the row, e.g. "id=42" or "site_id=..&report_day=.."
	PrimaryKey string `gorm:"index:idx_audit_target,priority:2"`
	Operation  Operation
	// Changed columns before and after. NULL when there is nothing to record.
	OldValues datatypes.JSON
	NewValues datatypes.JSON
	ChangedAt time.Time `gorm:"index"`
	ChangedBy *string
}

func (Log) TableName() string {
	return "audit_logs"
}
