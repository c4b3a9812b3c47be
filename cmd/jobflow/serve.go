package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/20centaurifux/zcfux-utils-sub000/internal/api"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/config"
	httphandler "github.com/20centaurifux/zcfux-utils-sub000/internal/handlers/http"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/handlers/shell"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/scheduler"
	"github.com/20centaurifux/zcfux-utils-sub000/internal/worker"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		debug           bool
		shutdownTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job runner and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("addr") {
				a.cfg.Addr, _ = flags.GetString("addr")
			}
			if flags.Changed("workers") {
				a.cfg.MaxJobs, _ = flags.GetInt("workers")
			}
			if flags.Changed("poll") {
				poll, _ := flags.GetDuration("poll")
				a.cfg.PollInterval = config.Duration(poll)
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.serve(debug, shutdownTimeout)
		},
	}
	cmd.Flags().String("addr", ":8080", "HTTP bind address")
	cmd.Flags().Int("workers", 8, "maximum number of jobs executing at once")
	cmd.Flags().Duration("poll", 250*time.Millisecond, "poll interval for due jobs")
	cmd.Flags().BoolVar(&debug, "debug", false, "serve pprof under /debug/pprof")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running jobs on shutdown")
	return cmd
}

func (a *app) serve(debug bool, shutdownTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	if n, err := repo.ReleaseStaleClaims(ctx); err != nil {
		log.Warn().Err(err).Msg("release stale claims")
	} else {
		log.Info().Int("released", n).Msg("released stale claims")
	}

	registry := worker.NewRegistry()
	registry.Register("shell", shell.Shell{})
	registry.Register("http", httphandler.HTTP{})

	runner, err := worker.NewRunner(repo, registry, a.cfg.Runner(),
		worker.WithLogger(log.Logger.With().Str("component", "runner").Logger()))
	if err != nil {
		return err
	}

	// Executors keep running past the signal until Stop gives up on them.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := runner.Start(runCtx); err != nil {
		return err
	}

	maint := scheduler.NewService(repo, time.Duration(a.cfg.MaintenanceInterval), time.Duration(a.cfg.Retention),
		scheduler.WithLogger(log.Logger.With().Str("component", "maintenance").Logger()))
	go maint.Start(runCtx)

	srv := &http.Server{
		Addr:        a.cfg.Addr,
		Handler:     api.NewServerWithDebug(repo, runner, debug, api.WithLogger(log.Logger.With().Str("component", "api").Logger())),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.cfg.Addr).Str("store", a.cfg.Store).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case serveErr = <-errc:
		log.Error().Err(serveErr).Msg("http server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	maint.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Interface("stats", runner.Stats()).Msg("runner did not drain in time")
	}
	return serveErr
}
