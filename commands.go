package vulnboard

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gorm.io/datatypes"

	"github.com/vulnboard/pkg/audit"
	"github.com/vulnboard/pkg/identity"
)

const (
	GroupIngest = "ingest"
	GroupQuery  = "query"
)

// Command groups, to register in the root command
func Groups() []*cobra.Group {
	return []*cobra.Group{
		{ID: GroupIngest, Title: "Ingest and triage:"},
		{ID: GroupQuery, Title: "Query:"},
	}
}

type cli struct {
	conf *Configuration
	fs   afero.Fs
	ad   Adapters
}

// adapters are built on first use, once the configuration has been loaded
func (c *cli) adapters() Adapters {
	if c.ad == nil {
		c.ad = MakeAdapters(c.conf)
	}
	return c.ad
}

// Commands returns the vulnboard commands. conf is read lazily, so it may
// be filled in by the root command before running.
func Commands(conf *Configuration) []*cobra.Command {
	c := &cli{conf: conf, fs: afero.NewOsFs()}
	return c.commands()
}

func (c *cli) commands() []*cobra.Command {
	return []*cobra.Command{
		c.importCommand(),    // reconcile batch files
		c.alertsCommand(),    // list, triage and trace alerts
		c.sitesCommand(),     // monitored sites
		c.catalogCommand(),   // risk catalog
		c.dashboardCommand(), // aggregates
		c.auditCommand(),     // change log
	}
}

func outputFlag(cmd *cobra.Command, out *string) {
	cmd.PersistentFlags().StringVarP(out, "output", "o", string(OutputTable), "Output format: table or json")
}

func (c *cli) printer(cmd *cobra.Command, out string) (*printer, error) {
	format, err := ParseOutputFormat(out)
	if err != nil {
		return nil, err
	}
	return newPrinter(cmd.OutOrStdout(), format), nil
}

type ImportFlags struct {
	ReplaceAlerts bool
	Actor         string
	Output        string
}

func (c *cli) importCommand() *cobra.Command {
	var f ImportFlags

	cmd := &cobra.Command{
		Use:     "import (file | glob)... [--replace-alerts] [--actor name]",
		Short:   "Import normalized scan batches",
		GroupID: GroupIngest,
		Example: `
		$ vulnboard import reports/2025-03-01.json --actor alice
		$ vulnboard import "reports/*.json" --replace-alerts
		`,
		Long: `
		Reads one ImportBatch per JSON file and reconciles it with the store. Sites are
		matched by web name and catalog entries by content, so importing the same file
		twice only updates rows. Each file is imported in its own transaction, in order.
		With --replace-alerts the stored alerts of every submitted site and day are
		dropped before the new ones are inserted.
		`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, f.Output)
			if err != nil {
				return err
			}
			paths, err := FindBatches(c.fs, args)
			if err != nil {
				return errors.Wrap(err, "failed to find batches")
			}
			if len(paths) == 0 {
				return errors.Errorf("no batch matches %v", args)
			}

			ctx := cmd.Context()
			if f.Actor != "" {
				ctx = audit.WithActor(ctx, f.Actor)
			}

			results := make(map[string]*ImportResult, len(paths))
			order := make([]string, 0, len(paths))
			for file, err := range Batches(c.fs, paths) {
				if err != nil {
					return err
				}
				if f.ReplaceAlerts {
					file.Batch.ReplaceAlertsForSubmittedDays = true
				}

				res, err := c.adapters().Importer().Import(ctx, file.Batch)
				if err != nil {
					return errors.Wrapf(err, "batch %s", file.Path)
				}
				for _, w := range res.Warnings {
					log.Warn().Str("batch", file.Path).Msg(w)
				}
				results[file.Path] = res
				order = append(order, file.Path)
			}

			return p.print(results, func() *table {
				t := newTable("batch", "sites", "catalog", "reports", "alerts", "skipped")
				for _, path := range order {
					r := results[path]
					t.append(
						path,
						fmt.Sprintf("+%d ~%d", r.SitesInserted, r.SitesUpdated),
						fmt.Sprintf("+%d ~%d", r.CatalogInserted, r.CatalogUpdated),
						fmt.Sprintf("+%d ~%d", r.ReportsInserted, r.ReportsUpdated),
						fmt.Sprintf("+%d", r.AlertsInserted),
						itoa(r.ReportsSkipped+r.AlertsSkipped),
					)
				}
				return t
			})
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&f.ReplaceAlerts, "replace-alerts", false, "Replace the stored alerts of every submitted site and day")
	flags.StringVar(&f.Actor, "actor", "", "Name recorded in the audit log")
	flags.StringVarP(&f.Output, "output", "o", string(OutputTable), "Output format: table or json")
	return cmd
}

func parseAlertID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 0)
	if err != nil {
		return 0, errors.Errorf("invalid alert id %q", s)
	}
	return uint(id), nil
}

// Date range and unit flags shared by the dashboard queries
type FilterFlags struct {
	From string
	To   string
	Unit string
}

func parseOptionalDay(s string) (*datatypes.Date, error) {
	if s == "" {
		return nil, nil
	}
	day, err := identity.ParseDay(s)
	if err != nil {
		return nil, errors.Errorf("invalid day %q, expected YYYY-MM-DD", s)
	}
	return &day, nil
}

func (f *FilterFlags) filter() (DashboardFilter, error) {
	from, err := parseOptionalDay(f.From)
	if err != nil {
		return DashboardFilter{}, err
	}
	to, err := parseOptionalDay(f.To)
	if err != nil {
		return DashboardFilter{}, err
	}
	return DashboardFilter{From: from, To: to, UnitName: f.Unit}, nil
}

func bindFilterFlags(cmd *cobra.Command, f *FilterFlags) {
	flags := cmd.Flags()
	flags.StringVar(&f.From, "from", "", "First day, as YYYY-MM-DD")
	flags.StringVar(&f.To, "to", "", "Last day, as YYYY-MM-DD")
	flags.StringVar(&f.Unit, "unit", "", "Only sites of this unit")
}

func bindPageFlags(cmd *cobra.Command, p *Pagination) {
	flags := cmd.Flags()
	flags.IntVar(&p.Number, "page", 1, "Page number, from 1")
	flags.IntVar(&p.Size, "size", DefaultPageSize, fmt.Sprintf("Page size, up to %d", MaxPageSize))
}

func (c *cli) alertsCommand() *cobra.Command {
	var out string

	alerts := &cobra.Command{
		Use:     "alerts",
		Short:   "List, triage and trace alerts",
		GroupID: GroupIngest,
	}
	outputFlag(alerts, &out)

	var (
		ff    FilterFlags
		query AlertQuery
	)
	list := &cobra.Command{
		Use:   "list [--filter expr] [--sort field] [--order asc|desc] [--page n] [--size n]",
		Short: "List alerts",
		Example: `
		$ vulnboard alerts list --filter 'level = High and status != Closed'
		$ vulnboard alerts list --filter 'url ~ "/login"' --sort riskName --order asc
		`,
		Long: `
		Filters combine conditions with "and". A condition is a field, an operator among
		= != < <= > >= ~ and a value; "~" matches a substring. Fields: id, level, status,
		risk, method, url, day, site, unit.
		`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			if query.DashboardFilter, err = ff.filter(); err != nil {
				return err
			}

			page, err := c.adapters().Dashboard().Alerts(cmd.Context(), query)
			if err != nil {
				return err
			}

			return p.print(page, func() *table {
				t := newTable("id", "site", "risk", "level", "status", "day", "url").withLevel(3)
				for _, a := range page.Items {
					t.append(itoa(a.ID), a.RootWebName, a.RiskName, a.Level, string(a.Status), identity.FormatDay(a.ReportDay), a.URL)
				}
				return t
			})
		},
	}
	lflags := list.Flags()
	lflags.StringVarP(&query.Filter, "filter", "f", "", "Filter expression")
	lflags.StringVar(&query.SortBy, "sort", "reportDate", "Sort by reportDate, reportDay, riskName, level or status")
	lflags.StringVar(&query.SortOrder, "order", "desc", "asc or desc")
	bindFilterFlags(list, &ff)
	bindPageFlags(list, &query.Pagination)

	var (
		actor  Actor
		remark string
	)
	status := &cobra.Command{
		Use:   "status id status --actor name --role role [--remark text]",
		Short: "Change the remediation status of an alert",
		Example: `
		$ vulnboard alerts status 42 "In Progress" --actor alice --role Manager
		$ vulnboard alerts status 42 Closed --actor alice --role Manager --remark "patched"
		`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			id, err := parseAlertID(args[0])
			if err != nil {
				return err
			}

			var r *string
			if cmd.Flags().Changed("remark") {
				r = &remark
			}
			update, err := c.adapters().Status().UpdateStatus(cmd.Context(), actor, id, args[1], r)
			if err != nil {
				return err
			}

			return p.print(update, func() *table {
				t := newTable("alert", "status", "updated at", "updated by")
				t.append(itoa(update.AlertID), string(update.Status), timestamp(update.UpdatedAt), update.UpdatedBy)
				return t
			})
		},
	}
	sflags := status.Flags()
	sflags.StringVar(&actor.Name, "actor", "", "Who is making the change")
	sflags.StringVar(&actor.Role, "role", "", "Role of the actor")
	sflags.StringVar(&remark, "remark", "", "Note stored with the transition")
	status.MarkFlagRequired("actor")
	status.MarkFlagRequired("role")

	history := &cobra.Command{
		Use:   "history id",
		Short: "Show the status transitions of an alert, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			id, err := parseAlertID(args[0])
			if err != nil {
				return err
			}

			entries, err := c.adapters().Status().History(cmd.Context(), id)
			if err != nil {
				return err
			}

			return p.print(entries, func() *table {
				t := newTable("from", "to", "updated at", "updated by", "role", "remark")
				for _, h := range entries {
					from := ""
					if h.OldStatus != nil {
						from = string(*h.OldStatus)
					}
					t.append(from, string(h.NewStatus), timestamp(h.UpdatedAt), h.UpdatedBy, h.UpdatedByRole, str(h.Remark))
				}
				return t
			})
		},
	}

	alerts.AddCommand(list, status, history)
	return alerts
}

func (c *cli) dashboardCommand() *cobra.Command {
	var out string

	dashboard := &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"dash"},
		Short:   "Remediation aggregates",
		GroupID: GroupQuery,
	}
	outputFlag(dashboard, &out)

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Totals of the whole store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			s, err := c.adapters().Dashboard().Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return p.print(s, func() *table {
				t := newTable("group", "name", "count")
				t.append("total", "sites", itoa(s.TotalSites))
				t.append("total", "reports", itoa(s.TotalReports))
				t.append("total", "alerts", itoa(s.TotalAlerts))
				t.append("total", "catalog entries", itoa(s.TotalCatalogEntries))
				for _, group := range []struct {
					name string
					rows []*Counted
				}{
					{"level", s.AlertsByLevel},
					{"status", s.AlertsByStatus},
					{"risk", s.TopRiskNames},
				} {
					for _, r := range group.rows {
						t.append(group.name, r.Name, itoa(r.Count))
					}
				}
				return t
			})
		},
	}

	var ovf FilterFlags
	overview := &cobra.Command{
		Use:   "overview [--from day] [--to day] [--unit name]",
		Short: "Resolved and unresolved alerts and the overall fix rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			f, err := ovf.filter()
			if err != nil {
				return err
			}
			o, err := c.adapters().Dashboard().Overview(cmd.Context(), f)
			if err != nil {
				return err
			}
			return p.print(o, func() *table {
				t := newTable("unresolved", "resolved", "fix rate %", "high risk")
				t.append(itoa(o.UnresolvedCount), itoa(o.ResolvedCount), ftoa(o.OverallFixRate), itoa(o.HighRiskCount))
				return t
			})
		},
	}
	bindFilterFlags(overview, &ovf)

	var lvf FilterFlags
	levels := &cobra.Command{
		Use:   "levels [--from day] [--to day] [--unit name]",
		Short: "Alert counts per risk level",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			f, err := lvf.filter()
			if err != nil {
				return err
			}
			l, err := c.adapters().Dashboard().RiskLevels(cmd.Context(), f)
			if err != nil {
				return err
			}
			return p.print(l, func() *table {
				t := newTable("level", "count").withLevel(0)
				t.append(LevelHigh, itoa(l.High))
				t.append(LevelMedium, itoa(l.Medium))
				t.append(LevelLow, itoa(l.Low))
				t.append(LevelInformational, itoa(l.Informational))
				return t
			})
		},
	}
	bindFilterFlags(levels, &lvf)

	var (
		dpf         FilterFlags
		sortBy, ord string
	)
	departments := &cobra.Command{
		Use:     "departments [--sort fixRate|totalCount] [--order asc|desc]",
		Aliases: []string{"units"},
		Short:   "Remediation performance per unit and manager",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			f, err := dpf.filter()
			if err != nil {
				return err
			}
			rows, err := c.adapters().Dashboard().DepartmentPerformance(cmd.Context(), f, sortBy, ord)
			if err != nil {
				return err
			}
			return p.print(rows, func() *table {
				t := newTable("unit", "manager", "high", "medium", "low", "total", "resolved", "fix rate %")
				for _, r := range rows {
					t.append(r.UnitName, str(r.Manager), itoa(r.HighRiskCount), itoa(r.MediumRiskCount),
						itoa(r.LowRiskCount), itoa(r.TotalCount), itoa(r.ResolvedCount), ftoa(r.FixRate))
				}
				return t
			})
		},
	}
	bindFilterFlags(departments, &dpf)
	departments.Flags().StringVar(&sortBy, "sort", "totalCount", "Sort by fixRate or totalCount")
	departments.Flags().StringVar(&ord, "order", "desc", "asc or desc")

	var (
		fq  FixHistoryQuery
		fxf FilterFlags
	)
	fixes := &cobra.Command{
		Use:   "fixes [--from day] [--to day] [--unit name] [--manager name] [--page n] [--size n]",
		Short: "Alerts closed in a period, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			if fq.DashboardFilter, err = fxf.filter(); err != nil {
				return err
			}
			page, err := c.adapters().Dashboard().FixHistory(cmd.Context(), fq)
			if err != nil {
				return err
			}
			return p.print(page, func() *table {
				t := newTable("alert", "site", "unit", "risk", "level", "closed at", "by", "remark").withLevel(4)
				for _, i := range page.Items {
					t.append(itoa(i.AlertID), i.WebName, i.UnitName, i.RiskName, i.Level, timestamp(i.UpdatedAt), i.UpdatedBy, str(i.Remark))
				}
				return t
			})
		},
	}
	bindFilterFlags(fixes, &fxf)
	bindPageFlags(fixes, &fq.Pagination)
	fixes.Flags().StringVar(&fq.Manager, "manager", "", "Only sites of this manager")
	fixes.Flags().StringVar(&fq.Status, "status", "", "Only alerts currently in this status")

	var from, to, group, unit string
	compare := &cobra.Command{
		Use:   "compare --from day --to day [--group day|week|month] [--unit name]",
		Short: "New against resolved alerts per period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			start, err := identity.ParseDay(from)
			if err != nil {
				return errors.Errorf("invalid day %q, expected YYYY-MM-DD", from)
			}
			end, err := identity.ParseDay(to)
			if err != nil {
				return errors.Errorf("invalid day %q, expected YYYY-MM-DD", to)
			}
			g, err := ParseGrouping(group)
			if err != nil {
				return err
			}

			points, err := c.adapters().Dashboard().ScanComparison(cmd.Context(), start, end, g, unit)
			if err != nil {
				return err
			}
			return p.print(points, func() *table {
				t := newTable("period", "new", "resolved")
				for _, pt := range points {
					t.append(pt.Period, itoa(pt.NewCount), itoa(pt.ResolvedCount))
				}
				return t
			})
		},
	}
	cflags := compare.Flags()
	cflags.StringVar(&from, "from", "", "First day, as YYYY-MM-DD")
	cflags.StringVar(&to, "to", "", "Last day, as YYYY-MM-DD")
	cflags.StringVar(&group, "group", string(GroupByDay), "Bucket size: day, week or month")
	cflags.StringVar(&unit, "unit", "", "Only sites of this unit")
	compare.MarkFlagRequired("from")
	compare.MarkFlagRequired("to")

	dashboard.AddCommand(stats, overview, levels, departments, fixes, compare)
	return dashboard
}

func (c *cli) sitesCommand() *cobra.Command {
	var out string

	sites := &cobra.Command{
		Use:     "sites",
		Short:   "Monitored sites",
		GroupID: GroupQuery,
	}
	outputFlag(sites, &out)

	var query SiteQuery
	list := &cobra.Command{
		Use:   "list [--search text] [--unit name] [--manager name] [--stats]",
		Short: "List sites",
		Example: `
		$ vulnboard sites list --search shop --stats
		`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			page, err := c.adapters().Dashboard().Sites(cmd.Context(), query)
			if err != nil {
				return err
			}
			return p.print(page, func() *table {
				header := []string{"web name", "url", "unit", "manager", "uploaded"}
				if query.IncludeStats {
					header = append(header, "reports", "alerts")
				}
				t := newTable(header...)
				for _, s := range page.Items {
					row := []string{s.WebName, s.URL, s.UnitName, str(s.Manager), identity.FormatDay(s.UploadDate)}
					if s.ReportCount != nil && s.AlertCount != nil {
						row = append(row, itoa(*s.ReportCount), itoa(*s.AlertCount))
					}
					t.append(row...)
				}
				return t
			})
		},
	}
	flags := list.Flags()
	flags.StringVarP(&query.Search, "search", "s", "", "Substring of web name, url, unit or manager")
	flags.StringVar(&query.UnitName, "unit", "", "Only sites of this unit")
	flags.StringVar(&query.Manager, "manager", "", "Only sites of this manager")
	flags.StringVar(&query.SortBy, "sort", "webName", "Sort by webName, url, unitName or uploadDate")
	flags.StringVar(&query.SortOrder, "order", "asc", "asc or desc")
	flags.BoolVar(&query.IncludeStats, "stats", false, "Count reports and alerts per site")
	bindPageFlags(list, &query.Pagination)

	sites.AddCommand(list)
	return sites
}

func (c *cli) catalogCommand() *cobra.Command {
	var (
		out          string
		search, name string
	)

	cmd := &cobra.Command{
		Use:     "catalog [--search text] [--name name]",
		Short:   "List the risk catalog",
		GroupID: GroupQuery,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}

			entries := []*RiskCatalogEntry{}
			for entry, err := range c.adapters().Dashboard().Catalog(cmd.Context(), search, name) {
				if err != nil {
					return errors.Wrap(err, "failed to read risk catalog")
				}
				entries = append(entries, entry)
			}

			return p.print(entries, func() *table {
				t := newTable("name", "cwe", "wasc", "plugin", "signature")
				for _, e := range entries {
					t.append(e.Name, optInt(e.CWEID), optInt(e.WASCID), optInt(e.PluginID), e.Signature)
				}
				return t
			})
		},
	}
	outputFlag(cmd, &out)
	cmd.Flags().StringVarP(&search, "search", "s", "", "Substring of name or description")
	cmd.Flags().StringVar(&name, "name", "", "Exact risk name")
	return cmd
}

func (c *cli) auditCommand() *cobra.Command {
	var out string

	auditCmd := &cobra.Command{
		Use:     "audit",
		Short:   "Inspect the change log",
		GroupID: GroupQuery,
	}
	outputFlag(auditCmd, &out)

	var (
		tbl   string
		limit int
	)
	list := &cobra.Command{
		Use:   "list [--table name] [--limit n]",
		Short: "List recorded changes, newest first",
		Example: `
		$ vulnboard audit list --table alerts --limit 20
		`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.printer(cmd, out)
			if err != nil {
				return err
			}
			logs, err := c.adapters().Audit().Logs(cmd.Context(), tbl, limit)
			if err != nil {
				return err
			}
			return p.print(logs, func() *table {
				t := newTable("id", "table", "key", "operation", "changed at", "changed by")
				for _, l := range logs {
					t.append(itoa(l.ID), l.Table, l.PrimaryKey, string(l.Operation), timestamp(l.ChangedAt), str(l.ChangedBy))
				}
				return t
			})
		},
	}
	list.Flags().StringVar(&tbl, "table", "", "Only changes of this table")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries, 0 for all")

	auditCmd.AddCommand(list)
	return auditCmd
}
