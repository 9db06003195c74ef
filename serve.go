package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"wa-bulk-sender/api"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.logFile.Close()
			if listen != "" {
				rt.cfg.Listen = listen
			}
			return serve(cmd.Context(), rt)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the config file")
	return cmd
}

func serve(parent context.Context, rt *runtime) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := rt.log
	if err := rt.registry.Start(); err != nil {
		return err
	}

	limit, burst := rt.cfg.SendLimit()
	srv := api.NewServer(rt.registry, api.Options{
		Version:           version,
		AllowedOrigins:    rt.cfg.API.AllowedOrigins,
		SendLimit:         limit,
		SendBurst:         burst,
		BulkDelay:         rt.cfg.BulkDelay(),
		MaxBulkRecipients: rt.cfg.API.MaxBulkRecipients,
		Registerer:        rt.metrics,
		Gatherer:          rt.metrics,
	}, log.With().Str("component", "api").Logger())
	srv.Limiter().StartCleanup(ctx)

	httpServer := &http.Server{
		Addr:              rt.cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", rt.cfg.Listen).Str("version", version).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify READY failed")
	} else if ok {
		log.Debug().Msg("Notified systemd readiness")
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("HTTP server failed")
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}
	if err := rt.registry.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Session shutdown did not finish")
	}
	log.Info().Msg("Stopped")
	return serveErr
}
