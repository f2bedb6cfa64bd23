package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kiosk HTTP API and the backup scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var uploader service.ArchiveUploader
		sink, err := a.offsiteSink(ctx)
		if err != nil {
			// Local backups still run without the offsite copy.
			a.logger.Error("offsite disabled", "error", err)
		} else if sink != nil {
			uploader = sink
		}

		scheduler := service.NewBackupScheduler(a.backups, service.SchedulerConfig{
			IntervalHours: a.cfg.BackupIntervalHours,
			Keep:          a.cfg.BackupKeep,
		}, uploader, a.logger.With("component", "backup-scheduler"))
		scheduler.Start(ctx)
		defer scheduler.Stop()

		srv := httpapi.NewServer(httpapi.Dependencies{
			Logger:   a.logger.With("component", "http"),
			Addr:     a.cfg.HTTPAddr,
			Register: a.register,
			Auth:     a.auth,
			Metrics:  a.metrics,
		})

		go func() {
			a.logger.Info("listening", "addr", a.cfg.HTTPAddr)
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("server error", "error", err)
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
