package vulnboard

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
)

var ErrUnknownFormat = errors.New("output must be one of table, json")

func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case OutputTable, OutputJSON:
		return f, nil
	case "":
		return OutputTable, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%q", s)
}

// A rendered table. The level column, if any, is colored on terminals.
type table struct {
	header []string
	rows   [][]string
	// index of the level column, -1 if none
	level int
}

func newTable(header ...string) *table {
	return &table{header: header, level: -1}
}

func (t *table) withLevel(col int) *table {
	t.level = col
	return t
}

func (t *table) append(row ...string) {
	t.rows = append(t.rows, row)
}

type printer struct {
	w      io.Writer
	format OutputFormat
	color  bool
}

func newPrinter(w io.Writer, format OutputFormat) *printer {
	return &printer{w: w, format: format, color: supportsColor(w)}
}

func supportsColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// print writes v as JSON, or the table built by render otherwise
func (p *printer) print(v any, render func() *table) error {
	if p.format == OutputJSON {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	t := render()
	if len(t.rows) == 0 {
		_, err := io.WriteString(p.w, "No results\n")
		return err
	}

	tw := tablewriter.NewWriter(p.w)
	tw.SetHeader(t.header)
	tw.SetAutoWrapText(false)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)

	tw.SetHeaderLine(false)
	tw.SetBorder(false)
	tw.SetAutoFormatHeaders(true)
	tw.SetCenterSeparator("")
	tw.SetColumnSeparator("")
	tw.SetRowSeparator("")
	tw.SetTablePadding("  ")
	tw.SetNoWhiteSpace(true)

	if p.color && t.level >= 0 {
		for _, row := range t.rows {
			colors := make([]tablewriter.Colors, len(row))
			colors[t.level] = levelColor(row[t.level])
			tw.Rich(row, colors)
		}
	} else {
		tw.AppendBulk(t.rows)
	}

	tw.Render()
	return nil
}

func levelColor(level string) tablewriter.Colors {
	switch level {
	case LevelHigh:
		return tablewriter.Colors{tablewriter.Bold, tablewriter.FgRedColor}
	case LevelMedium:
		return tablewriter.Colors{tablewriter.Normal, tablewriter.FgYellowColor}
	case LevelLow:
		return tablewriter.Colors{tablewriter.Normal, tablewriter.FgGreenColor}
	case LevelInformational:
		return tablewriter.Colors{tablewriter.Normal, tablewriter.FgBlueColor}
	}
	return tablewriter.Colors{}
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func itoa[T ~int | ~int64 | ~uint](i T) string {
	return strconv.FormatInt(int64(i), 10)
}

func optInt(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
