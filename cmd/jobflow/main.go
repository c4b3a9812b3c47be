package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/config"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/queue"
)

// app carries the configuration shared by all subcommands.
type app struct {
	configPath string
	cfg        config.Config
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		log.Error().Err(err).Msg("jobflow failed")
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobflow",
		Short:         "A persistent job scheduler and runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "jobflow.json", "JSON config file (optional)")
	root.PersistentFlags().String("db", "", "job store: SQLite path, postgres:// URL or memory:")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (console, json)")

	root.AddCommand(a.serveCmd(), a.enqueueCmd(), a.listCmd(), a.deleteCmd())
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Store, _ = flags.GetString("db")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if err := setupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func setupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	switch format {
	case "", "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

func (a *app) openStore(ctx context.Context) (queue.Repository, error) {
	repo, err := queue.Open(ctx, a.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", a.cfg.Store, err)
	}
	return repo, nil
}
