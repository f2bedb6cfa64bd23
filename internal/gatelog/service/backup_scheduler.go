package service

import (
	"context"
	"log/slog"
	"time"
)

// ArchiveUploader copies an exported backup file somewhere off the machine.
type ArchiveUploader interface {
	Upload(ctx context.Context, name string, data []byte) error
}

// BackupScheduler periodically creates a backup, prunes old archives and
// optionally uploads the new export off-site. It runs as a background
// goroutine and is stopped via its context or Stop.
//
// An interval of 0 disables scheduling entirely.
type BackupScheduler struct {
	backups  *Backups
	keep     int
	interval time.Duration
	uploader ArchiveUploader
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// SchedulerConfig holds the parameters for NewBackupScheduler.
type SchedulerConfig struct {
	// IntervalHours is how often a backup runs. 0 disables the scheduler.
	IntervalHours int

	// Keep is how many archives survive each prune. 0 keeps everything.
	Keep int
}

// NewBackupScheduler creates a scheduler but does not start it. uploader
// may be nil.
func NewBackupScheduler(b *Backups, cfg SchedulerConfig, uploader ArchiveUploader, logger *slog.Logger) *BackupScheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BackupScheduler{
		backups:  b,
		keep:     cfg.Keep,
		interval: time.Duration(cfg.IntervalHours) * time.Hour,
		uploader: uploader,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs one backup immediately, then repeats on the interval until
// ctx is cancelled or Stop is called.
func (s *BackupScheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("backup scheduler disabled", "interval_hours", 0)
		close(s.done)
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)

	go s.loop(ctx)

	s.logger.Info("backup scheduler started",
		"interval_hours", int(s.interval.Hours()), "keep", s.keep, "offsite", s.uploader != nil)
}

// Stop signals the scheduler to exit and waits for it to finish.
func (s *BackupScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *BackupScheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single create, upload and prune cycle. Errors are
// logged; the next tick tries again.
func (s *BackupScheduler) RunOnce(ctx context.Context) {
	info, err := s.backups.Create(ctx)
	if err != nil {
		s.logger.Error("scheduled backup failed", "error", err)
		return
	}

	if s.uploader != nil {
		data, err := s.backups.ExportBytes(ctx, info.ID)
		if err != nil {
			s.logger.Error("backup export for upload failed", "id", info.ID, "error", err)
		} else if err := s.uploader.Upload(ctx, ExportFileName(info.ID), data); err != nil {
			s.logger.Error("off-site upload failed", "id", info.ID, "error", err)
		} else {
			s.logger.Info("backup uploaded off-site", "id", info.ID, "bytes", len(data))
		}
	}

	if s.keep > 0 {
		if _, err := s.backups.Prune(ctx, s.keep); err != nil {
			s.logger.Error("scheduled prune failed", "error", err)
		}
	}
}

// ExportFileName is the file name used for an exported archive.
func ExportFileName(id string) string {
	return "gatelog-backup-" + id + ".json"
}
