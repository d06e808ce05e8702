package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dukerupert/formfill/internal/config"
	"github.com/dukerupert/formfill/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if errors.Is(err, config.ErrConfigurationMissing) {
			fmt.Fprintln(os.Stderr, "formfill:", err)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type options struct {
	v          *viper.Viper
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &options{v: config.New()}

	root := &cobra.Command{
		Use:          "formfill",
		Short:        "Form-fill service with magic-link auth, subscriptions and daily quotas",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to config file")
	flags.String("db", "formfill.db", "SQLite database path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	mustBind(opts.v, "db", flags.Lookup("db"))
	mustBind(opts.v, "log.level", flags.Lookup("log-level"))

	serve := newServeCommand(opts)
	root.AddCommand(serve, newMigrateCommand(opts))

	// Running the bare binary serves.
	root.Flags().AddFlagSet(serve.Flags())
	root.RunE = serve.RunE

	return root
}

// load resolves configuration and sets up logging for a subcommand.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.v, o.configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
