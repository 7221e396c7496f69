package vulnboard

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnboard/pkg/audit"
)

type cliTester struct {
	c *cli
}

func newCLITester(t *testing.T) *cliTester {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "reports/2025-03-01.json", []byte(batchJSON), 0o644))
	return &cliTester{c: &cli{fs: fs, ad: setupTestStore(t)}}
}

// run executes one command line against a fresh command tree sharing the
// same store
func (ct *cliTester) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "vulnboard", SilenceUsage: true, SilenceErrors: true}
	root.AddGroup(Groups()...)
	root.AddCommand(ct.c.commands()...)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (ct *cliTester) json(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := ct.run(t, append(args, "-o", "json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestCommands_ImportAndTriage(t *testing.T) {
	ct := newCLITester(t)

	var results map[string]*ImportResult
	ct.json(t, &results, "import", "reports/*.json", "--actor", "importer")
	require.Contains(t, results, "reports/2025-03-01.json")
	res := results["reports/2025-03-01.json"]
	assert.Equal(t, 1, res.SitesInserted)
	assert.Equal(t, 1, res.AlertsInserted)

	var page Page[*AlertView]
	ct.json(t, &page, "alerts", "list", "--filter", "level = High")
	require.Len(t, page.Items, 1)
	alert := page.Items[0]
	assert.Equal(t, "Shop", alert.RootWebName)
	id := itoa(alert.ID)

	var update StatusUpdate
	ct.json(t, &update, "alerts", "status", id, "Closed", "--actor", "alice", "--role", "Admin", "--remark", "done")
	assert.Equal(t, StatusClosed, update.Status)

	var history []*StatusHistory
	ct.json(t, &history, "alerts", "history", id)
	require.Len(t, history, 1)
	assert.Equal(t, "done", *history[0].Remark)

	var overview Overview
	ct.json(t, &overview, "dashboard", "overview")
	assert.EqualValues(t, 1, overview.ResolvedCount)
	assert.Equal(t, 100.0, overview.OverallFixRate)

	out, err := ct.run(t, "audit", "list", "--table", "alerts")
	require.NoError(t, err)
	assert.Contains(t, out, string(audit.Modified))
	assert.Contains(t, out, "alice")
}

func TestCommands_Errors(t *testing.T) {
	ct := newCLITester(t)

	tests := map[string][]string{
		"no batch":        {"import", "reports/*.csv"},
		"missing file":    {"import", "reports/none.json"},
		"bad alert id":    {"alerts", "history", "abc"},
		"forbidden":       {"alerts", "status", "1", "Closed", "--actor", "eve", "--role", "Viewer"},
		"bad day":         {"dashboard", "overview", "--from", "01/03/2025"},
		"bad group":       {"dashboard", "compare", "--from", "2025-03-01", "--to", "2025-03-02", "--group", "year"},
		"bad output":      {"dashboard", "levels", "-o", "xml"},
		"bad filter":      {"alerts", "list", "--filter", "level ="},
		"missing actor":   {"alerts", "status", "1", "Closed", "--role", "Admin"},
		"too many values": {"alerts", "history", "1", "2"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ct.run(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestCommands_Tables(t *testing.T) {
	ct := newCLITester(t)
	_, err := ct.run(t, "import", "reports/2025-03-01.json")
	require.NoError(t, err)

	tests := map[string]struct {
		args []string
		want []string
	}{
		"levels":      {[]string{"dashboard", "levels"}, []string{"LEVEL", "High"}},
		"departments": {[]string{"dashboard", "departments"}, []string{"Sales", "Bob", "0.00"}},
		"compare":     {[]string{"dashboard", "compare", "--from", "2025-03-01", "--to", "2025-03-31", "--group", "month"}, []string{"2025-03"}},
		"sites":       {[]string{"sites", "list", "--stats"}, []string{"Shop", "https://shop.example.com"}},
		"catalog":     {[]string{"catalog"}, []string{"SQL Injection", "89"}},
		"stats":       {[]string{"dashboard", "stats"}, []string{"catalog entries", "SQL Injection"}},
		"fixes":       {[]string{"dashboard", "fixes"}, []string{"No results"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			out, err := ct.run(t, tt.args...)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}
