package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/productview/api"
	"github.com/warp/productview/mirror"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops server and the reconcile/verify scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

// serve blocks until ctx is cancelled, then shuts down gracefully:
// stop accepting connections, drain requests (30s), stop the scheduler,
// close the stores.
func serve(ctx context.Context) error {
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := mirror.NewScheduler(a.sync, a.checker, mirror.SchedulerOptions{
		ReconcileInterval: cfg.Reconcile.Interval,
		VerifyInterval:    cfg.Verify.Interval,
		Enabled:           cfg.Reconcile.Enabled,
		Logger:            a.logger,
	})
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(&api.Handler{
		Durable:    a.durable,
		Mirror:     a.mirror,
		Reconciler: a.sync,
		Verifier:   a.checker,
		Cache:      a.resolver,
		Runs:       a.durable,
		Logger:     a.logger,
	})
	server := &http.Server{
		Addr:         cfg.Ops.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual reconcile runs inside the request
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("ops server starting", slog.String("addr", cfg.Ops.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}
