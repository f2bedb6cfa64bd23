package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/metrics"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store/memory"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

// populated returns a ready env holding an entry with companions, an exit,
// an operator account and a config row.
func populated(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := newEnv(t)
	e.ready(t)

	en := entryFor("12345678", t0)
	en.Vehicle = &types.Vehicle{Plate: "AB123CD"}
	en.Companions = []types.Companion{{Person: types.Person{IdentityNumber: "87654321", FirstName: "Luis"}}}
	_, err := e.register.Save(ctx, en)
	require.NoError(t, err)

	x := exitFor("12345678", t0.Add(30*time.Minute))
	_, err = e.register.Save(ctx, x)
	require.NoError(t, err)

	_, err = e.auth.CreateUser(ctx, service.NewUser{Username: "guard1", Password: "correct horse"})
	require.NoError(t, err)

	require.NoError(t, store.PutJSON(ctx, e.docs, store.Config, "site_name",
		types.ConfigEntry{Key: "site_name", Value: "North Gate", UpdatedAt: t0}))
	return e
}

func dump(t *testing.T, docs store.DocumentStore) map[store.Collection][]string {
	t.Helper()
	out := make(map[store.Collection][]string)
	for _, c := range store.All {
		all, err := docs.GetAll(context.Background(), c)
		require.NoError(t, err)
		for _, d := range all {
			out[c] = append(out[c], d.Key+"="+string(d.Body))
		}
	}
	return out
}

func exportFile(t *testing.T, e *env) []byte {
	t.Helper()
	ctx := context.Background()
	info, err := e.backups.Create(ctx)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, e.backups.Export(ctx, info.ID, &buf))
	return buf.Bytes()
}

// ── Create / list / prune ───────────────────────────────────────────────────

func TestBackups_CreateListPrune(t *testing.T) {
	ctx := context.Background()
	e := populated(t)

	var ids []string
	for i := 0; i < 3; i++ {
		info, err := e.backups.Create(ctx)
		require.NoError(t, err)
		assert.Positive(t, info.Size)
		assert.Equal(t, testDBVersion, info.DBVersion)
		ids = append(ids, info.ID)
		time.Sleep(2 * time.Millisecond)
	}

	list, err := e.backups.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID, "newest first")
	assert.Equal(t, ids[0], list[2].ID)

	deleted, err := e.backups.Prune(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	list, err = e.backups.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[2], list[0].ID)

	_, err = e.backups.Prune(ctx, -1)
	assert.True(t, errors.Is(err, errs.ErrValidation))

	assert.Equal(t, float64(3), testutil.ToFloat64(e.metrics.BackupsCreated))
}

func TestBackups_ArchiveHidesSnapshot(t *testing.T) {
	ctx := context.Background()
	e := populated(t)

	info, err := e.backups.Create(ctx)
	require.NoError(t, err)
	body, err := e.docs.Get(ctx, store.Backups, info.ID)
	require.NoError(t, err)
	for _, leak := range []string{"guard1", "North Gate", "entries"} {
		assert.NotContains(t, string(body), leak)
	}
}

func TestBackups_ExportFileFormat(t *testing.T) {
	e := populated(t)
	raw := exportFile(t, e)

	var f map[string]any
	require.NoError(t, json.Unmarshal(raw, &f))
	assert.Equal(t, "gatelog-backup-v1.0", f["format"])
	assert.Equal(t, true, f["encrypted"])
	assert.Equal(t, "test", f["appVersion"])
	for _, k := range []string{"id", "timestamp", "size", "exportedAt"} {
		assert.Contains(t, f, k)
	}
	data, ok := f["data"].(map[string]any)
	require.True(t, ok)
	for _, k := range []string{"encrypted", "salt", "iv"} {
		assert.Contains(t, data, k)
	}
}

// ── Restore ─────────────────────────────────────────────────────────────────

func TestBackups_ImportIntoFreshStore(t *testing.T) {
	ctx := context.Background()
	src := populated(t)
	raw := exportFile(t, src)

	dst := newEnv(t)
	dst.ready(t)

	// Load the empty cache so the restore has something to invalidate.
	hits, err := dst.known.SearchByIdentityPrefix(ctx, "1234")
	require.NoError(t, err)
	require.Empty(t, hits)

	report, err := dst.backups.Import(ctx, bytes.NewReader(raw), service.RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Restored[string(store.Records)])
	assert.Equal(t, 1, report.Restored[string(store.Users)])
	assert.Equal(t, 1, report.Restored[string(store.Config)])
	assert.Equal(t, 2, report.Restored[string(store.KnownPersons)])

	b, err := dst.register.GetAll(ctx, service.Filter{})
	require.NoError(t, err)
	assert.Len(t, b.Records, 2)
	assert.Zero(t, b.Skipped)

	hits, err = dst.known.SearchByIdentityPrefix(ctx, "1234")
	require.NoError(t, err)
	require.Len(t, hits, 1, "cache reloads after restore")

	_, err = dst.auth.Login(ctx, "guard1", "correct horse")
	assert.NoError(t, err)
}

func TestBackups_FeedbackSurvivesRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := populated(t)
	fb := types.Feedback{ID: "fb-1", Timestamp: t0, Rating: 4, Comment: "quick check-in"}
	require.NoError(t, store.PutJSON(ctx, src.docs, store.Feedback, fb.ID, fb))
	raw := exportFile(t, src)

	dst := newEnv(t)
	report, err := dst.backups.Import(ctx, bytes.NewReader(raw), service.RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Restored[string(store.Feedback)])

	var got types.Feedback
	require.NoError(t, store.GetJSON(ctx, dst.docs, store.Feedback, fb.ID, &got))
	assert.Equal(t, fb.Rating, got.Rating)
	assert.Equal(t, fb.Comment, got.Comment)
	assert.True(t, got.Timestamp.Equal(t0))
}

func TestBackups_RestoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := populated(t)
	raw := exportFile(t, src)

	dst := newEnv(t)
	_, err := dst.backups.Import(ctx, bytes.NewReader(raw), service.RestoreOptions{})
	require.NoError(t, err)
	first := dump(t, dst.docs)

	_, err = dst.backups.Import(ctx, bytes.NewReader(raw), service.RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, dump(t, dst.docs))
}

func TestBackups_WipeRemovesNewerData(t *testing.T) {
	ctx := context.Background()
	e := populated(t)
	raw := exportFile(t, e)

	_, err := e.register.Save(ctx, entryFor("55555555", t0.Add(time.Hour)))
	require.NoError(t, err)

	_, err = e.backups.Import(ctx, bytes.NewReader(raw), service.RestoreOptions{})
	require.NoError(t, err)
	n, _ := e.docs.Count(ctx, store.Records)
	assert.Equal(t, 3, n, "without wipe newer records survive")

	report, err := e.backups.Import(ctx, bytes.NewReader(raw), service.RestoreOptions{Wipe: true})
	require.NoError(t, err)
	assert.True(t, report.Wiped)
	n, _ = e.docs.Count(ctx, store.Records)
	assert.Equal(t, 2, n)

	backups, _ := e.docs.Count(ctx, store.Backups)
	assert.Equal(t, 1, backups, "archives are not part of a wipe")
}

func TestBackups_ScenarioD_CorruptCiphertextChangesNothing(t *testing.T) {
	ctx := context.Background()
	e := populated(t)
	raw := exportFile(t, e)

	var f service.File
	require.NoError(t, json.Unmarshal(raw, &f))
	f.Data.Ciphertext[len(f.Data.Ciphertext)/2] ^= 0xFF
	tampered, err := json.Marshal(f)
	require.NoError(t, err)

	before := dump(t, e.docs)
	_, err = e.backups.Import(ctx, bytes.NewReader(tampered), service.RestoreOptions{Wipe: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDecryption))
	assert.True(t, errors.Is(err, service.ErrBackupWrongKey))
	assert.Equal(t, before, dump(t, e.docs))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.RestoreFailures.WithLabelValues("wrong_key")))
}

func TestBackups_WrongMasterKey(t *testing.T) {
	ctx := context.Background()
	raw := exportFile(t, populated(t))

	other := newEnvWith(t, memory.NewDocumentStore(), "installation-secret", "different-backup-secret")
	_, err := other.backups.Import(ctx, bytes.NewReader(raw), service.RestoreOptions{})
	assert.True(t, errors.Is(err, service.ErrBackupWrongKey))
	assert.False(t, errors.Is(err, service.ErrBackupCorrupt))

	n, _ := other.docs.Count(ctx, store.Records)
	assert.Zero(t, n)
}

func TestBackups_CorruptAndUnsupportedFiles(t *testing.T) {
	ctx := context.Background()
	e := populated(t)
	raw := exportFile(t, e)

	var f service.File
	require.NoError(t, json.Unmarshal(raw, &f))
	with := func(mut func(*service.File)) []byte {
		c := f
		mut(&c)
		b, err := json.Marshal(c)
		require.NoError(t, err)
		return b
	}

	cases := []struct {
		name string
		file []byte
		want error
	}{
		{"not json", []byte("{{{"), service.ErrBackupCorrupt},
		{"foreign format", with(func(f *service.File) { f.Format = "other-backup-v1.0" }), service.ErrBackupCorrupt},
		{"no format", with(func(f *service.File) { f.Format = "" }), service.ErrBackupCorrupt},
		{"unencrypted", with(func(f *service.File) { f.Encrypted = false }), service.ErrBackupCorrupt},
		{"missing payload", with(func(f *service.File) { f.Data.IV = nil }), service.ErrBackupCorrupt},
		{"newer major", with(func(f *service.File) { f.Format = "gatelog-backup-v2.0" }), service.ErrBackupUnsupported},
	}

	before := dump(t, e.docs)
	for _, tc := range cases {
		_, err := e.backups.Import(ctx, bytes.NewReader(tc.file), service.RestoreOptions{Wipe: true})
		assert.Truef(t, errors.Is(err, tc.want), "%s: %v", tc.name, err)
		assert.Truef(t, errors.Is(err, errs.ErrValidation), "%s is a validation error", tc.name)
		assert.Falsef(t, errors.Is(err, errs.ErrDecryption), "%s is not a key problem", tc.name)
	}
	assert.Equal(t, before, dump(t, e.docs))

	// A newer minor revision is accepted.
	_, err := e.backups.Import(ctx, bytes.NewReader(with(func(f *service.File) { f.Format = "gatelog-backup-v1.7" })), service.RestoreOptions{})
	assert.NoError(t, err)
}

func TestBackups_RejectsNewerDBVersion(t *testing.T) {
	ctx := context.Background()
	newer := populated(t)
	future := service.NewBackups(newer.docs, service.BackupConfig{
		MasterKey:  masterKey(t, "backup-secret"),
		DBVersion:  testDBVersion + 1,
		AppVersion: "future",
	})
	info, err := future.Create(ctx)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, future.Export(ctx, info.ID, &buf))

	old := newEnv(t)
	_, err = old.backups.Import(ctx, &buf, service.RestoreOptions{})
	assert.True(t, errors.Is(err, service.ErrBackupUnsupported))
	n, _ := old.docs.Count(ctx, store.Users)
	assert.Zero(t, n)
}

func TestBackups_RestoreArchiveByID(t *testing.T) {
	ctx := context.Background()
	e := populated(t)
	info, err := e.backups.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, e.docs.Clear(ctx, store.Records))
	report, err := e.backups.RestoreArchive(ctx, info.ID, service.RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, info.ID, report.BackupID)

	n, _ := e.docs.Count(ctx, store.Records)
	assert.Equal(t, 2, n)

	_, err = e.backups.RestoreArchive(ctx, "missing", service.RestoreOptions{})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestBackups_UsersUpsertByUsername(t *testing.T) {
	ctx := context.Background()
	e := populated(t)
	raw := exportFile(t, e)

	require.NoError(t, e.docs.Update(ctx, store.Users, "guard1", map[string]any{"fullName": "Changed"}))
	_, err := e.backups.Import(ctx, bytes.NewReader(raw), service.RestoreOptions{})
	require.NoError(t, err)

	var u types.User
	require.NoError(t, store.GetJSON(ctx, e.docs, store.Users, "guard1", &u))
	assert.Empty(t, u.FullName)
	n, _ := e.docs.Count(ctx, store.Users)
	assert.Equal(t, 1, n)
}

// ── Scheduler ───────────────────────────────────────────────────────────────

type recordingUploader struct {
	names []string
	sizes []int
	err   error
}

func (u *recordingUploader) Upload(_ context.Context, name string, data []byte) error {
	u.names = append(u.names, name)
	u.sizes = append(u.sizes, len(data))
	return u.err
}

func TestBackupScheduler_DisabledWhenIntervalZero(t *testing.T) {
	e := newEnv(t)
	s := service.NewBackupScheduler(e.backups, service.SchedulerConfig{IntervalHours: 0}, nil, silentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Stop()

	n, _ := e.docs.Count(context.Background(), store.Backups)
	assert.Zero(t, n)
}

func TestBackupScheduler_RunOnceUploadsAndPrunes(t *testing.T) {
	ctx := context.Background()
	e := populated(t)
	up := &recordingUploader{}
	s := service.NewBackupScheduler(e.backups, service.SchedulerConfig{IntervalHours: 1, Keep: 2}, up, silentLogger())

	for i := 0; i < 3; i++ {
		s.RunOnce(ctx)
		time.Sleep(2 * time.Millisecond)
	}

	require.Len(t, up.names, 3)
	for i, name := range up.names {
		assert.True(t, strings.HasPrefix(name, "gatelog-backup-"))
		assert.True(t, strings.HasSuffix(name, ".json"))
		assert.Positive(t, up.sizes[i])
	}
	n, _ := e.docs.Count(ctx, store.Backups)
	assert.Equal(t, 2, n)
}

func TestBackupScheduler_UploadFailureKeepsArchive(t *testing.T) {
	ctx := context.Background()
	e := populated(t)
	up := &recordingUploader{err: errors.New("bucket unreachable")}
	s := service.NewBackupScheduler(e.backups, service.SchedulerConfig{IntervalHours: 1}, up, silentLogger())

	s.RunOnce(ctx)

	n, _ := e.docs.Count(ctx, store.Backups)
	assert.Equal(t, 1, n)
}

func TestBackupScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	e := populated(t)
	s := service.NewBackupScheduler(e.backups, service.SchedulerConfig{IntervalHours: 24}, nil, silentLogger())

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		n, _ := e.docs.Count(context.Background(), store.Backups)
		return n == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestBackups_NilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	e := newEnv(t)
	b := service.NewBackups(e.docs, service.BackupConfig{MasterKey: masterKey(t, "x"), DBVersion: 1}, service.WithBackupMetrics(m))
	_, err := b.Create(context.Background())
	assert.NoError(t, err)
}
