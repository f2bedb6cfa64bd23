package service_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/metrics"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/session"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store/memory"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

const testDBVersion = 2

// env wires the service layer over an in-memory store the same way
// cmd/gatelog does over SQLite.
type env struct {
	docs     *memory.DocumentStore
	keys     *session.Manager
	known    *service.KnownPersons
	backups  *service.Backups
	audit    *service.AuditLog
	register *service.Register
	auth     *service.Auth
	metrics  *metrics.Metrics
}

func silentLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func masterKey(t *testing.T, secret string) crypto.Key {
	t.Helper()
	k, err := crypto.DeriveKeyIter([]byte(secret), []byte("backup-salt"), 1000)
	require.NoError(t, err)
	return k
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, memory.NewDocumentStore(), "installation-secret", "backup-secret")
}

func newEnvWith(t *testing.T, docs *memory.DocumentStore, sessionSecret, backupSecret string) *env {
	t.Helper()
	e := &env{docs: docs, metrics: metrics.New()}
	e.keys = session.NewManager([]byte(sessionSecret), []byte("installation-salt"), session.WithIterations(1000))
	e.audit = service.NewAuditLog(docs, silentLogger())
	e.known = service.NewKnownPersons(docs, e.keys,
		service.WithKnownLogger(silentLogger()),
		service.WithKnownMetrics(e.metrics),
	)
	e.backups = service.NewBackups(docs, service.BackupConfig{
		MasterKey:  masterKey(t, backupSecret),
		DBVersion:  testDBVersion,
		AppVersion: "test",
	},
		service.WithBackupLogger(silentLogger()),
		service.WithBackupMetrics(e.metrics),
		service.WithInvalidation(e.known),
	)
	e.register = service.NewRegister(docs, e.keys, e.known, e.backups, e.audit,
		service.WithRegisterLogger(silentLogger()),
		service.WithRegisterMetrics(e.metrics),
	)
	e.auth = service.NewAuth(docs, e.keys, e.audit, silentLogger(), e.known)
	return e
}

func (e *env) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, e.register.Initialize(context.Background()))
}

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func entryFor(identity string, at time.Time) *types.Entry {
	return &types.Entry{
		Timestamp:   at,
		OperatorID:  "op-1",
		Person:      types.Person{IdentityNumber: identity, FirstName: "Ana", LastName: "Pérez"},
		Destination: "Warehouse",
		Purpose:     "delivery",
	}
}

func exitFor(identity string, at time.Time) *types.Exit {
	return &types.Exit{
		Timestamp:      at,
		OperatorID:     "op-1",
		IdentityNumber: identity,
	}
}
