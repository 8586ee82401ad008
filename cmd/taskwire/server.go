package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/xqbumu/go-taskwire"
	"github.com/xqbumu/go-taskwire/admin"
	"github.com/xqbumu/go-taskwire/config"
)

const shutdownTimeout = 5 * time.Second

func newServerCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the task server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := root.loadConfig(cmd, map[string]string{
				"server.addr":   "addr",
				"admin.enabled": "admin",
				"admin.addr":    "admin-addr",
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, loader.ConfigFileUsed())
		},
	}

	cmd.Flags().String("addr", "", "listen address (host:port)")
	cmd.Flags().Bool("admin", false, "enable the admin HTTP API")
	cmd.Flags().String("admin-addr", "", "admin HTTP API listen address")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, cfgFile string) error {
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	srv := taskwire.NewServer(cfg.Server.Addr, cfg.ServerOptions(logger.Logger)...)
	if err := srv.Start(); err != nil {
		return err
	}
	pterm.Success.Printfln("Task server listening on %s", srv.Addr())

	var api *admin.Server
	if cfg.Admin.Enabled {
		api = admin.New(srv, logger.Logger)
		if err := api.Start(cfg.Admin.Addr); err != nil {
			srv.Stop()
			return err
		}
		pterm.Info.Printfln("Admin API on http://%s", api.Addr())
	}

	if cfgFile != "" {
		w, err := config.Watch(cfgFile, cfg, logger.Logger, func(old, updated *config.Config) error {
			if old.Log.Level == updated.Log.Level {
				return nil
			}
			logger.Info("Log level changed", "from", old.Log.Level, "to", updated.Log.Level)
			return logger.SetLevel(updated.Log.Level)
		})
		if err != nil {
			logger.Warn("Config hot reload disabled", "error", err)
		} else {
			defer w.Stop()
		}
	}

	<-ctx.Done()
	pterm.Info.Println("Shutting down task server...")

	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API shutdown failed", "error", err)
		}
	}
	if err := srv.Stop(); err != nil {
		return err
	}

	st := srv.Stats()
	pterm.Success.Printfln("Server stopped after %d tasks (%d ok, %d failed)", st.Total, st.Successful, st.Failed)
	return nil
}
