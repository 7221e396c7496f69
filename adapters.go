// Here are the collection of adapters. An adapter gives a caller, the command
// line or a test, access to one part of vulnboard without exposing the
// repositories behind it. All adapters built by the same factory share one
// database and one audited commit primitive.
package vulnboard

import (
	"context"
	"iter"
	"time"

	"gorm.io/datatypes"

	"github.com/vulnboard/pkg/audit"
)

type Adapters interface {
	Importer() ImportAdapter
	Status() StatusAdapter
	Dashboard() DashboardAdapter
	Audit() AuditAdapter
}

type ImportAdapter interface {
	// Reconcile a batch with the store in one transaction
	Import(context.Context, *ImportBatch) (*ImportResult, error)
}

type StatusAdapter interface {
	UpdateStatus(ctx context.Context, actor Actor, alertID uint, status string, remark *string) (*StatusUpdate, error)
	History(ctx context.Context, alertID uint) ([]*StatusHistory, error)
}

type DashboardAdapter interface {
	Overview(context.Context, DashboardFilter) (*Overview, error)
	RiskLevels(context.Context, DashboardFilter) (*RiskLevels, error)
	DepartmentPerformance(ctx context.Context, f DashboardFilter, sortBy, order string) ([]*DepartmentPerformance, error)
	ScanComparison(ctx context.Context, from, to datatypes.Date, g Grouping, unitName string) ([]*ComparisonPoint, error)

	Alerts(context.Context, AlertQuery) (*Page[*AlertView], error)
	FixHistory(context.Context, FixHistoryQuery) (*Page[*FixHistoryItem], error)
	Sites(context.Context, SiteQuery) (*Page[*SiteView], error)
	Catalog(ctx context.Context, search, name string) iter.Seq2[*RiskCatalogEntry, error]
	Statistics(context.Context) (*Statistics, error)
}

type AuditAdapter interface {
	// Newest entries first. An empty table lists every table
	Logs(ctx context.Context, table string, limit int) ([]*audit.Log, error)
}

type auditAdapter struct {
	repo *auditRepo
}

func (a *auditAdapter) Logs(ctx context.Context, table string, limit int) ([]*audit.Log, error) {
	return a.repo.getLogs(ctx, table, limit)
}

type AdapterOption func(*adapterFactory)

// Replace the role based authorizer built from the configuration
func WithAuthorizer(auth Authorizer) AdapterOption {
	return func(f *adapterFactory) {
		f.auth = auth
	}
}

// Clock used for audit and status history timestamps
func WithClock(clock func() time.Time) AdapterOption {
	return func(f *adapterFactory) {
		f.clock = clock
	}
}

// Adapters factory
type adapterFactory struct {
	repos *repositoryRegistry
	auth  Authorizer
	clock func() time.Time

	importer  *Importer
	status    *StatusService
	dashboard *Dashboard
}

func MakeAdapters(conf *Configuration, opts ...AdapterOption) *adapterFactory {
	f := &adapterFactory{
		auth:  NewRoleAuthorizer(conf.AllowedRoles()...),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}

	repo := newRepositoryBuilder(conf).setClock(f.clock).build()
	f.repos = newRepositoryRegistry(repo)
	return f
}

func (f *adapterFactory) Importer() ImportAdapter {
	if f.importer == nil {
		f.importer = newImporter(f.repos.repo, f.repos.Sites())
	}
	return f.importer
}

func (f *adapterFactory) Status() StatusAdapter {
	if f.status == nil {
		f.status = newStatusService(f.repos.Alerts(), f.auth)
		f.status.now = f.clock
	}
	return f.status
}

func (f *adapterFactory) Dashboard() DashboardAdapter {
	if f.dashboard == nil {
		f.dashboard = newDashboard(f.repos.repo, f.repos.Sites())
	}
	return f.dashboard
}

func (f *adapterFactory) Audit() AuditAdapter {
	return &auditAdapter{f.repos.Audits()}
}
