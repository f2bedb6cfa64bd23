package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/BrandonDHaskell/gatelog/internal/config"
	"github.com/BrandonDHaskell/gatelog/internal/db"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/metrics"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/offsite"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/session"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store/sqlite"
)

// cliOperator is stamped on audit rows written by local admin commands.
const cliOperator = "cli"

// app holds the wired services for one process.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	sqlDB  *sql.DB
	writer *db.Worker

	keys     *session.Manager
	audit    *service.AuditLog
	known    *service.KnownPersons
	backups  *service.Backups
	register *service.Register
	auth     *service.Auth
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// openApp loads config, opens and migrates the database and builds every
// service on top of it. Callers must Close the result.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := newLogger().With("env", cfg.Env)

	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if cfg.Env == "dev" {
		if err := db.SeedDev(ctx, sqlDB, db.SeedDevOptions{
			Username: cfg.DevUsername,
			Password: cfg.DevPassword,
		}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("seed dev: %w", err)
		}
	}

	master, err := crypto.DeriveKey([]byte(cfg.BackupSecret), []byte(cfg.BackupSalt))
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("derive backup key: %w", err)
	}

	writer := db.NewWorker(sqlDB)
	docs := sqlite.NewDocumentStore(sqlDB, writer)
	m := metrics.New()

	keys := session.NewManager([]byte(cfg.SystemSecret), []byte(cfg.SystemSalt),
		session.WithLogger(logger.With("component", "session")))
	audit := service.NewAuditLog(docs, logger.With("component", "audit"))
	known := service.NewKnownPersons(docs, keys,
		service.WithKnownLogger(logger.With("component", "known")),
		service.WithKnownMetrics(m))
	backups := service.NewBackups(docs, service.BackupConfig{
		MasterKey:  master,
		DBVersion:  db.LatestVersion(),
		AppVersion: cfg.AppVersion,
	},
		service.WithBackupLogger(logger.With("component", "backups")),
		service.WithBackupMetrics(m),
		service.WithInvalidation(known))
	register := service.NewRegister(docs, keys, known, backups, audit,
		service.WithRegisterLogger(logger.With("component", "register")),
		service.WithRegisterMetrics(m))
	auth := service.NewAuth(docs, keys, audit, logger.With("component", "auth"), known)

	return &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sqlDB:    sqlDB,
		writer:   writer,
		keys:     keys,
		audit:    audit,
		known:    known,
		backups:  backups,
		register: register,
		auth:     auth,
	}, nil
}

// unlock derives the session key directly from the installation secret.
// Local admin commands run on the machine that holds the secret, so they
// skip the operator login.
func (a *app) unlock(ctx context.Context) error {
	return a.register.Initialize(ctx)
}

// offsiteSink returns nil when no offsite endpoint is configured.
func (a *app) offsiteSink(ctx context.Context) (*offsite.Sink, error) {
	o := a.cfg.Offsite
	oc := offsite.Config{
		Endpoint:  o.Endpoint,
		AccessKey: o.AccessKey,
		SecretKey: o.SecretKey,
		Bucket:    o.Bucket,
		UseSSL:    o.UseSSL,
		Region:    o.Region,
		Prefix:    o.Prefix,
	}
	if !oc.Enabled() {
		return nil, nil
	}
	return offsite.New(ctx, oc, a.logger.With("component", "offsite"))
}

func (a *app) Close() {
	a.keys.Clear()
	a.writer.Close()
	if err := a.sqlDB.Close(); err != nil {
		a.logger.Warn("db close", "error", err)
	}
}
