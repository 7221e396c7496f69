package database

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Driver string

const (
	SQLite Driver = "sqlite"
	MySQL  Driver = "mysql"
)

const InMemory = ":memory:"

var ErrUnknownDriver = errors.New("unknown database driver")

func ParseDriver(s string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(s))); d {
	case SQLite, MySQL:
		return d, nil
	case "":
		return SQLite, nil
	}
	return "", errors.Wrapf(ErrUnknownDriver, "%q", s)
}

type Configuration struct {
	Driver Driver
	DSN    string

	config  *gorm.Config
	models  []any
	plugins []gorm.Plugin
}

type Option func(*Configuration)

func WithModels(models ...any) Option {
	return func(c *Configuration) {
		c.models = append(c.models, models...)
	}
}

func WithPlugins(plugins ...gorm.Plugin) Option {
	return func(c *Configuration) {
		c.plugins = append(c.plugins, plugins...)
	}
}

func NewConfiguration(driver Driver, dsn string, opts ...Option) Configuration {
	conf := Configuration{
		Driver: driver,
		DSN:    dsn,
		config: &gorm.Config{
			Logger: NewLogger(),
		},
	}
	for _, opt := range opts {
		opt(&conf)
	}
	return conf
}

func (c Configuration) dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case SQLite, "":
		return sqlite.Open(c.DSN), nil
	case MySQL:
		return mysql.Open(c.DSN), nil
	}
	return nil, errors.Wrapf(ErrUnknownDriver, "%q", c.Driver)
}

// Open connects to the configured database, registers the plugins and
// migrates the models.
func Open(conf Configuration) (*gorm.DB, error) {
	dialector, err := conf.dialector()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, conf.config)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", conf.Driver, err)
	}

	if db.Dialector.Name() == string(SQLite) {
		// every connection to :memory: is a database of its own, and pragmas
		// are per connection. sqlite has a single writer anyway.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "failed to access connection pool")
		}
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, errors.Wrap(err, "failed to enable foreign keys")
		}
	}

	for _, plugin := range conf.plugins {
		if err := db.Use(plugin); err != nil {
			return nil, errors.Wrapf(err, "failed to register plugin %s", plugin.Name())
		}
	}

	if err := db.AutoMigrate(conf.models...); err != nil {
		return nil, errors.Wrap(err, "failed to migrate models")
	}
	return db, nil
}

// DeferForeignKeys postpones foreign key enforcement for the rest of the
// transaction tx. The returned function restores it and must be called
// before the transaction ends.
func DeferForeignKeys(tx *gorm.DB) (func() error, error) {
	switch tx.Dialector.Name() {
	case string(SQLite):
		// resets itself on commit
		if err := tx.Exec("PRAGMA defer_foreign_keys = ON").Error; err != nil {
			return nil, errors.Wrap(err, "failed to defer foreign keys")
		}
		return func() error { return nil }, nil
	case string(MySQL):
		if err := tx.Exec("SET FOREIGN_KEY_CHECKS = 0").Error; err != nil {
			return nil, errors.Wrap(err, "failed to defer foreign keys")
		}
		return func() error {
			return tx.Exec("SET FOREIGN_KEY_CHECKS = 1").Error
		}, nil
	}
	return func() error { return nil }, nil
}
