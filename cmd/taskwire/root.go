package main

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/xqbumu/go-taskwire/config"
	"github.com/xqbumu/go-taskwire/logging"
)

type rootOptions struct {
	cfgFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "taskwire",
		Short: "Run computational tasks on a remote taskwire server",
		Long: `taskwire runs a task server and the clients that submit work to it.

Examples:
  taskwire server --addr :8888 --admin
  taskwire client run sum_arrays --params '{"array1":[1,2],"array2":[3,4]}'
  taskwire client batch tasks.yaml
  taskwire bench --clients 10 --tasks 5`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default: ./configs/config.yaml or ./config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServerCmd(opts),
		newClientCmd(opts),
		newBenchCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

// loadConfig reads the configuration with flags layered on top. bindings maps
// config keys to flag names of cmd.
func (o *rootOptions) loadConfig(cmd *cobra.Command, bindings map[string]string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(o.cfgFile)
	v := loader.Viper()

	if f := cmd.Flag("log-level"); f != nil {
		if err := v.BindPFlag("log.level", f); err != nil {
			return nil, nil, err
		}
	}
	for key, name := range bindings {
		f := cmd.Flag(name)
		if f == nil {
			return nil, nil, fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, nil, err
		}
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// setupLogger installs the configured logger as the slog default.
func setupLogger(cfg *config.Config) (*logging.Logger, error) {
	l, err := logging.New(cfg.Log.LoggingOptions())
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l.Logger)
	if l.Level() <= slog.LevelDebug {
		pterm.EnableDebugMessages()
	}
	return l, nil
}
