package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/ngsisink/internal/config"
	"github.com/gyaneshwarpardhi/ngsisink/internal/subscription"
)

const configEnv = "NGSISINK_CONFIG"

// rootCmd is the ngsisink command; without a subcommand it serves.
func rootCmd() *cobra.Command {
	var configPath string
	var addr string

	cmd := &cobra.Command{
		Use:   "ngsisink",
		Short: "ngsisink persists NGSI-LD entity notifications into per-type tables.",
		Long: `ngsisink receives NGSI-LD notifications from a context broker, rate limits
updates per entity and writes them into one table per entity type.

Configuration is read from the YAML file given with --config (or $NGSISINK_CONFIG)
and NGSISINK_* environment variables. Without a file, defaults are used.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, addr)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv(configEnv), "path to the YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")

	cmd.AddCommand(
		serveCmd(&configPath),
		subscribeCmd(&configPath),
	)
	return cmd
}

// Run the notification receiver and the persistence workers.
func serveCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive notifications and persist them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *configPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

// Replace the broker subscription once and exit.
func subscribeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe",
		Short: "Register the NGSI-LD subscription with the context broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader(*configPath)
			if err != nil {
				return err
			}
			cfg := loader.Config()
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if cfg.Broker.URL == "" {
				return errors.New("broker.url is not set")
			}
			logger := newLogger(cfg.Log, levelVar(cfg.Log), os.Stderr)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()

			sub, err := subscription.NewRegistrar(cfg.Broker, subscription.WithLogger(logger)).Register(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sub.ID)
			return nil
		},
	}
}

func levelVar(conf config.LogConf) *slog.LevelVar {
	v := new(slog.LevelVar)
	if lvl, err := conf.SlogLevel(); err == nil {
		v.Set(lvl)
	}
	return v
}
