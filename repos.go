package vulnboard

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/vulnboard/pkg/audit"
	"github.com/vulnboard/pkg/database"
)

type Repository interface {
	// Runs fn in one audited transaction
	WithTransaction(ctx context.Context, fn func(*gorm.DB) error) error
	// A plain session for reads
	Session(ctx context.Context) (*gorm.DB, error)
	connect() (*gorm.DB, error)
}

type repository struct {
	db *gorm.DB

	config      database.Configuration
	interceptor *audit.Interceptor
}

// do whatever within a separate audited transaction
func (r *repository) WithTransaction(ctx context.Context, fn func(conn *gorm.DB) error) error {
	db, err := r.connect()
	if err != nil {
		return err
	}
	return r.interceptor.Commit(ctx, db, fn)
}

func (r *repository) Session(ctx context.Context) (*gorm.DB, error) {
	db, err := r.connect()
	if err != nil {
		return nil, err
	}
	return db.WithContext(ctx), nil
}

func (r *repository) connect() (*gorm.DB, error) {
	if r.db != nil {
		return r.db, nil
	}

	db, err := database.Open(r.config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}
	r.db = db

	return db, nil
}

type siteRepo struct {
	Repository
	cache *expirable.LRU[uuid.UUID, *Site]
}

// returns the sites with the given ids, serving what it can from the cache
func (r *siteRepo) getSites(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Site, error) {
	var (
		sites   = make(map[uuid.UUID]*Site, len(ids))
		pending []uuid.UUID
	)

	for _, id := range ids {
		if _, seen := sites[id]; seen {
			continue
		}
		if site, ok := r.cache.Get(id); ok {
			sites[id] = site
			continue
		}
		sites[id] = nil
		pending = append(pending, id)
	}

	if len(pending) == 0 {
		return sites, nil
	}

	db, err := r.Session(ctx)
	if err != nil {
		return nil, err
	}

	var found []*Site
	if err := db.Where("id IN ?", pending).Find(&found).Error; err != nil {
		return nil, errors.Wrap(err, "failed to find sites")
	}
	for _, site := range found {
		r.cache.Add(site.ID, site)
		sites[site.ID] = site
	}
	for id, site := range sites {
		if site == nil {
			delete(sites, id)
		}
	}
	return sites, nil
}

// imports may re-key or rewrite any site
func (r *siteRepo) purge() {
	r.cache.Purge()
}

type alertRepo struct {
	Repository
}

func (r *alertRepo) getAlert(conn *gorm.DB, id uint) (*Alert, error) {
	var alert Alert
	if err := conn.First(&alert, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrAlertNotFound, "alert %d", id)
		}
		return nil, errors.Wrap(err, "failed to find alert")
	}
	return &alert, nil
}

func (r *alertRepo) getHistory(ctx context.Context, id uint) ([]*StatusHistory, error) {
	db, err := r.Session(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := r.getAlert(db, id); err != nil {
		return nil, err
	}

	var history []*StatusHistory
	q := db.Where("alert_id = ?", id).Order("updated_at DESC").Order("id DESC").Find(&history)
	if err := q.Error; err != nil {
		return nil, errors.Wrap(err, "failed to find status history")
	}
	return history, nil
}

type auditRepo struct {
	Repository
}

// Newest audit rows first, optionally for a single table
func (r *auditRepo) getLogs(ctx context.Context, table string, limit int) ([]*audit.Log, error) {
	db, err := r.Session(ctx)
	if err != nil {
		return nil, err
	}

	q := db.Order("id DESC")
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var logs []*audit.Log
	if err := q.Find(&logs).Error; err != nil {
		return nil, errors.Wrap(err, "failed to find audit logs")
	}
	return logs, nil
}

type repositoryBuilder struct {
	config database.Configuration
	clock  func() time.Time
}

func newRepositoryBuilder(conf *Configuration) *repositoryBuilder {
	config := conf.Database(
		database.WithModels(Models()...),
		database.WithPlugins(audit.NewPlugin()),
	)
	return &repositoryBuilder{config: config, clock: time.Now}
}

func (b *repositoryBuilder) setClock(clock func() time.Time) *repositoryBuilder {
	b.clock = clock
	return b
}

func (b *repositoryBuilder) build() *repository {
	return &repository{
		config:      b.config,
		interceptor: audit.NewInterceptor(audit.WithClock(b.clock)),
	}
}

// All repositories share one database and one audited commit primitive.
type repositoryRegistry struct {
	repo *repository

	sites  *siteRepo
	alerts *alertRepo
	audits *auditRepo
}

func newRepositoryRegistry(repo *repository) *repositoryRegistry {
	return &repositoryRegistry{repo: repo}
}

func (r *repositoryRegistry) Sites() *siteRepo {
	if r.sites != nil {
		return r.sites
	}
	cache := expirable.NewLRU[uuid.UUID, *Site](1e3, nil, 5*time.Minute)
	r.sites = &siteRepo{r.repo, cache}
	return r.sites
}

func (r *repositoryRegistry) Alerts() *alertRepo {
	if r.alerts != nil {
		return r.alerts
	}
	r.alerts = &alertRepo{r.repo}
	return r.alerts
}

func (r *repositoryRegistry) Audits() *auditRepo {
	if r.audits != nil {
		return r.audits
	}
	r.audits = &auditRepo{r.repo}
	return r.audits
}
