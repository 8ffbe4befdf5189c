// Package commands implements the coord command line.
package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yirzhou/coord/config"
)

const cliExecutable = "coord"

// NewCommand constructs the top-level coord command, wiring global flags,
// configuration loading and logging.
func NewCommand() *cobra.Command {
	return newCommand(&app{})
}

func newCommand(a *app) *cobra.Command {
	var (
		configFile     string
		verbosityCount int
		verbose        bool
	)

	cmd := &cobra.Command{
		Use:   cliExecutable,
		Short: "Inspect and operate queues, distributed locks and the result cache",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, flagOverrides(cmd))
			if err != nil {
				return err
			}
			a.cfg = cfg
			if err := configureLogging(cfg, verbose, verbosityCount); err != nil {
				return err
			}
			log.Debug().Str("redis", cfg.StoreConfig().Addr()).Strs("queues", cfg.Queues.Names).Msg("configuration loaded")
			return nil
		},
	}

	cmd.SilenceUsage = true

	flags := cmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path")
	flags.CountVarP(&verbosityCount, "verbosity", "v", "Increase logging verbosity (repeatable)")
	flags.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flags.StringVarP(&a.output, "output", "o", "yaml", "Output format (yaml, json)")
	flags.String("env", "", "Environment name; development allows a missing store password")
	flags.String("redis-host", "", "Backing store host")
	flags.Int("redis-port", 0, "Backing store port")
	flags.Int("redis-db", 0, "Backing store database index")
	flags.String("queues", "", "Comma separated queue names")

	cmd.AddCommand(newQueueCommand(a))
	cmd.AddCommand(newLockCommand(a))
	cmd.AddCommand(newCacheCommand(a))
	cmd.AddCommand(newServeCommand(a))
	closeAfterRun(cmd, a)

	return cmd
}

// closeAfterRun makes every runnable command close the app when it returns,
// on success or error.
func closeAfterRun(cmd *cobra.Command, a *app) {
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
			defer func() { err = errors.Join(err, a.Close()) }()
			return run(cmd, args)
		}
	}
	for _, sub := range cmd.Commands() {
		closeAfterRun(sub, a)
	}
}

// flagOverrides returns the configuration keys of flags set on the command line.
func flagOverrides(cmd *cobra.Command) map[string]any {
	keys := map[string]string{
		"env":        "env",
		"redis-host": "redis.host",
		"redis-port": "redis.port",
		"redis-db":   "redis.db",
		"queues":     "queues.names",
	}
	overrides := make(map[string]any)
	for name, key := range keys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}
	return overrides
}

// configureLogging applies the configured level unless --verbose or -v asks for more.
func configureLogging(cfg config.Config, verbose bool, verbosityCount int) error {
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	switch {
	case verbose || verbosityCount >= 2:
		level = zerolog.DebugLevel
	case verbosityCount == 1:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	switch cfg.Log.Format {
	case "text":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Log.Format)
	}
	return nil
}
