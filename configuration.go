package vulnboard

import (
	"os"
	"path"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/vulnboard/pkg/database"
)

const unset = "-"

// Standard paths to use to store vulnboard related data
// https://specifications.freedesktop.org/basedir-spec/latest/
type StandardPaths struct {
	// Can be used to change the profile
	// Default: "vulnboard"
	VULNBOARD_APPNAME string
	// Path to configuration directory. Holds the optional .env file.
	// Default: "$XDG_CONFIG_HOME/$VULNBOARD_APPNAME" or "$HOME/.config/$VULNBOARD_APPNAME" if unset
	CONFIG_HOME string
	// Path to state directory
	// Default: "$XDG_STATE_HOME/$VULNBOARD_APPNAME" or "$HOME/.local/state/$VULNBOARD_APPNAME" if unset
	STATE_HOME string
	// Path to data directory. The sqlite database lives here.
	// Default: "$XDG_DATA_HOME/$VULNBOARD_APPNAME" or "$HOME/.local/share/$VULNBOARD_APPNAME"
	DATA_HOME string
}

func PWDStandardPaths() StandardPaths {
	wd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	return StandardPaths{"vulnboard", wd, wd, wd}
}

func (s StandardPaths) init() error {
	for _, p := range []string{s.CONFIG_HOME, s.STATE_HOME, s.DATA_HOME} {
		if err := os.MkdirAll(p, 0700); err != nil {
			return errors.Wrapf(err, "failed to create standard path: %s", p)
		}
	}
	return nil
}

type stdpathsBuilder struct {
	stdpaths *StandardPaths
	home     string

	app    string
	config string
	state  string
	data   string
}

func newStdpathsBuilder() *stdpathsBuilder {
	return &stdpathsBuilder{home: os.Getenv("HOME")}
}

func (b *stdpathsBuilder) withStdpaths(stdpaths *StandardPaths) *stdpathsBuilder {
	bcp := *b
	bcp.stdpaths = stdpaths
	return &bcp
}

func isSet(val string) bool {
	return !slices.Contains([]string{"", unset}, val)
}

// bind resolves a setting from its flag value, then the environment, then
// the default.
func bind(val, env, def string) string {
	if isSet(val) {
		return val
	}
	if v := os.Getenv(env); isSet(v) {
		return v
	}
	return def
}

func (b *stdpathsBuilder) bindToApp(val, env, def string) string {
	v := bind(val, env, def)
	if v == val {
		return val
	}
	return path.Join(v, b.app)
}

func (b *stdpathsBuilder) setApp(val string) *stdpathsBuilder {
	b.app = bind(val, "VULNBOARD_APPNAME", "vulnboard")
	return b
}

func (b *stdpathsBuilder) setConfig(val string) *stdpathsBuilder {
	b.config = b.bindToApp(val, "XDG_CONFIG_HOME", path.Join(b.home, ".config"))
	return b
}

func (b *stdpathsBuilder) setState(val string) *stdpathsBuilder {
	b.state = b.bindToApp(val, "XDG_STATE_HOME", path.Join(b.home, ".local", "state"))
	return b
}

func (b *stdpathsBuilder) setData(val string) *stdpathsBuilder {
	b.data = b.bindToApp(val, "XDG_DATA_HOME", path.Join(b.home, ".local", "share"))
	return b
}

func (b *stdpathsBuilder) build() *StandardPaths {
	stdpaths := b.stdpaths
	stdpaths.VULNBOARD_APPNAME = b.app
	stdpaths.CONFIG_HOME = b.config
	stdpaths.STATE_HOME = b.state
	stdpaths.DATA_HOME = b.data
	return stdpaths
}

// Overrides empty standard paths with their environment or default value.
func BindStandardPaths(stdpaths *StandardPaths) *StandardPaths {
	b := newStdpathsBuilder().withStdpaths(stdpaths)
	return b.setApp(stdpaths.VULNBOARD_APPNAME).
		setConfig(stdpaths.CONFIG_HOME).
		setData(stdpaths.DATA_HOME).
		setState(stdpaths.STATE_HOME).
		build()
}

// Settings as given on the command line. Unset values ("" or "-") fall back
// to VULNBOARD_* environment variables, which may come from the .env file.
type Settings struct {
	// Path to a dotenv file. Defaults to "$CONFIG_HOME/.env"
	EnvFile  string
	DBDriver string
	// Data source name. "-" selects an in-memory database
	DBDSN    string
	LogLevel string
	// Comma separated roles allowed to change alert status
	AllowedRoles string
}

var DefaultAllowedRoles = []string{"Manager", "Supervisor", "Admin"}

type Configuration struct {
	paths StandardPaths

	driver   database.Driver
	dsn      string
	logLevel zerolog.Level
	roles    []string
}

// Returns the location where the database is stored by default
func (c *Configuration) Home() string {
	return c.paths.DATA_HOME
}

func (c *Configuration) ConfigHome() string {
	return c.paths.CONFIG_HOME
}

func (c *Configuration) Database(opts ...database.Option) database.Configuration {
	return database.NewConfiguration(c.driver, c.dsn, opts...)
}

func (c *Configuration) LogLevel() zerolog.Level {
	return c.logLevel
}

func (c *Configuration) AllowedRoles() []string {
	return c.roles
}

func loadEnvFile(fpath string, required bool) error {
	if err := godotenv.Load(fpath); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "failed to load environment file %s", fpath)
	}
	return nil
}

// LoadSettings binds the settings and standard paths into a Configuration.
// Variables already present in the environment win over the .env file.
func LoadSettings(settings Settings, stdpaths *StandardPaths) (*Configuration, error) {
	conf := new(Configuration)
	if err := LoadConfiguration(*stdpaths, conf); err != nil {
		return nil, err
	}

	envFile, required := settings.EnvFile, true
	if !isSet(envFile) {
		envFile, required = path.Join(conf.ConfigHome(), ".env"), false
	}
	if err := loadEnvFile(envFile, required); err != nil {
		return nil, err
	}

	driver, err := database.ParseDriver(bind(settings.DBDriver, "VULNBOARD_DB_DRIVER", string(database.SQLite)))
	if err != nil {
		return nil, err
	}
	conf.driver = driver

	// "-" is a value here, not an unset flag
	dsn := settings.DBDSN
	if dsn == "" {
		dsn = os.Getenv("VULNBOARD_DB_DSN")
	}
	switch {
	case dsn == unset, dsn == database.InMemory:
		conf.dsn = database.InMemory
	case dsn != "":
		conf.dsn = dsn
	case driver == database.SQLite:
		conf.dsn = path.Join(conf.Home(), "vulnboard.db")
	default:
		return nil, errors.Errorf("a data source name is required for the %s driver", driver)
	}

	level, err := zerolog.ParseLevel(strings.ToLower(bind(settings.LogLevel, "VULNBOARD_LOG_LEVEL", "info")))
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	conf.logLevel = level

	conf.roles = DefaultAllowedRoles
	if roles := bind(settings.AllowedRoles, "VULNBOARD_ALLOWED_ROLES", ""); roles != "" {
		conf.roles = splitList(roles)
	}
	return conf, nil
}

func LoadConfiguration(stdpaths StandardPaths, conf *Configuration) error {
	// initialize paths
	if err := stdpaths.init(); err != nil {
		return errors.Wrap(err, "failed to initialize standard paths")
	}

	conf.paths = stdpaths
	return nil
}
