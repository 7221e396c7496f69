package cmd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vulnboard"
)

const unset = "-"

type Flags struct {
	Paths    vulnboard.StandardPaths
	Settings vulnboard.Settings
}

// Command builds the root command. The configuration is loaded before any
// subcommand runs and shared with all of them.
func Command() *cobra.Command {
	var f Flags
	conf := new(vulnboard.Configuration)

	com := &cobra.Command{
		Use:           "vulnboard",
		Short:         "Vulnerability report management",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initial checks. Checks environment variables and standard paths

			// 1. bind the paths. Overrides defaults.
			vulnboard.BindStandardPaths(&f.Paths)
			// 2. load and validate the configuration
			c, err := vulnboard.LoadSettings(f.Settings, &f.Paths)
			if err != nil {
				return err
			}
			*conf = *c

			setupLogger(conf.LogLevel())
			return nil
		},
	}

	// This set of flags propagates
	fl := com.PersistentFlags()

	stdpaths := &f.Paths
	pathFlags := pflag.NewFlagSet("Standard Paths", pflag.ExitOnError)
	pathFlags.StringVar(&stdpaths.VULNBOARD_APPNAME, "stdpath.app", unset, "App name")
	pathFlags.StringVar(&stdpaths.CONFIG_HOME, "stdpath.config", unset, "Configuration directory")
	pathFlags.StringVar(&stdpaths.STATE_HOME, "stdpath.state", unset, "State directory")
	pathFlags.StringVar(&stdpaths.DATA_HOME, "stdpath.data", unset, "Data directory")
	fl.AddFlagSet(pathFlags)

	// Config flags
	settings := &f.Settings
	cfgFlags := pflag.NewFlagSet("Configuration", pflag.ExitOnError)
	cfgFlags.StringVar(&settings.EnvFile, "env-file", unset, "Path to a dotenv file. Defaults to $CONFIG_HOME/.env")
	cfgFlags.StringVar(&settings.DBDriver, "db-driver", unset, "Database driver: sqlite or mysql")
	// "-" is a valid DSN, it selects an in-memory database
	cfgFlags.StringVar(&settings.DBDSN, "db-dsn", "", "Data source name. Defaults to $DATA_HOME/vulnboard.db")
	cfgFlags.StringVar(&settings.LogLevel, "log-level", unset, "Log level")
	cfgFlags.StringVar(&settings.AllowedRoles, "allowed-roles", unset, "Comma separated roles allowed to change alert status")
	fl.AddFlagSet(cfgFlags)

	com.AddGroup(vulnboard.Groups()...)
	com.AddCommand(vulnboard.Commands(conf)...)

	return com
}

func setupLogger(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func Run() error {
	return Command().Execute()
}
