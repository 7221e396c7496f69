// Package identity derives the content-addressed identifiers used to deduplicate
// imported data. Equal inputs always produce equal identifiers, across processes
// and machines, so re-imports converge on the same rows.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const DayLayout = "2006-01-02"

var ErrEmptyInput = errors.New("identity input must not be empty")

// DeriveID hashes input with SHA-256 and keeps the first 16 bytes as the identifier.
func DeriveID(input string) (uuid.UUID, error) {
	if input == "" {
		return uuid.Nil, ErrEmptyInput
	}

	sum := sha256.Sum256([]byte(input))
	return uuid.FromBytes(sum[:16])
}

func SiteID(url string) (uuid.UUID, error) {
	return DeriveID(url)
}

// ReportID identifies the single report a site may have on a calendar day.
func ReportID(siteID uuid.UUID, day datatypes.Date) (uuid.UUID, error) {
	return DeriveID(Hex(siteID) + "|" + FormatDay(day))
}

func CatalogID(name, signature string) (uuid.UUID, error) {
	if name == "" || signature == "" {
		return uuid.Nil, ErrEmptyInput
	}
	return DeriveID(name + "|" + signature)
}

// Content holds the descriptive fields of a risk catalog entry that take part
// in its signature. Absent optional fields hash as empty strings.
type Content struct {
	Name        string
	Description *string
	Solution    *string
	Reference   *string
	CWEID       *int
	WASCID      *int
	PluginID    *int
}

// CatalogSignature fingerprints the whole content of a catalog entry. Any change
// to one field yields a different signature, and so a different catalog row.
func CatalogSignature(c Content) string {
	parts := []string{
		c.Name,
		deref(c.Description),
		deref(c.Solution),
		deref(c.Reference),
		itoa(c.CWEID),
		itoa(c.WASCID),
		itoa(c.PluginID),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Hex renders an identifier as 32 lowercase hex digits, without hyphens.
func Hex(id uuid.UUID) string {
	return hex.EncodeToString(id[:])
}

// Day truncates t to its calendar day at UTC midnight. Every stored or compared
// day goes through here so equality holds at the database level.
func Day(t time.Time) datatypes.Date {
	y, m, d := t.Date()
	return datatypes.Date(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

func ParseDay(s string) (datatypes.Date, error) {
	t, err := time.Parse(DayLayout, strings.TrimSpace(s))
	if err != nil {
		return datatypes.Date{}, err
	}
	return Day(t), nil
}

func FormatDay(day datatypes.Date) string {
	return time.Time(day).Format(DayLayout)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func itoa(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}
