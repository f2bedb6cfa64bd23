package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/metrics"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

const (
	// BackupFormat names the export file layout. Readers accept any minor
	// revision of BackupFormatMajor.
	BackupFormat      = "gatelog-backup"
	BackupFormatMajor = 1
	BackupFormatMinor = 0

	// SnapshotVersion is the layout version of the decrypted snapshot.
	SnapshotVersion = "1.0"

	maxBackupFileSize = 512 << 20
)

// Restore rejections. Each is distinct so operators can tell a wrong key
// from a damaged file from a file written by a newer build.
var (
	ErrBackupWrongKey    = errs.E("backup.Restore", errs.ErrDecryption, errors.New("wrong backup key or damaged payload"))
	ErrBackupCorrupt     = errs.E("backup.Restore", errs.ErrValidation, errors.New("backup file is corrupt"))
	ErrBackupUnsupported = errs.E("backup.Restore", errs.ErrValidation, errors.New("backup version is not supported"))
)

// FormatString returns the format tag written to export files.
func FormatString() string {
	return fmt.Sprintf("%s-v%d.%d", BackupFormat, BackupFormatMajor, BackupFormatMinor)
}

// Snapshot is the decrypted content of a backup. Documents are kept as
// raw JSON so a restore writes back exactly what was stored.
type Snapshot struct {
	Entries      []json.RawMessage `json:"entries"`
	Exits        []json.RawMessage `json:"exits"`
	Users        []json.RawMessage `json:"users"`
	Config       []json.RawMessage `json:"config"`
	KnownPersons []json.RawMessage `json:"knownPersons"`
	AuditLogs    []json.RawMessage `json:"auditLogs"`
	Feedback     []json.RawMessage `json:"feedback"`
	Timestamp    time.Time         `json:"timestamp"`
	Version      string            `json:"version"`
	DBVersion    int               `json:"dbVersion"`
}

// File is the portable export of one archive.
type File struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       crypto.Blob `json:"data"`
	Encrypted  bool        `json:"encrypted"`
	Size       int64       `json:"size"`
	ExportedAt time.Time   `json:"exportedAt"`
	AppVersion string      `json:"appVersion"`
	Format     string      `json:"format"`
}

type RestoreOptions struct {
	// Wipe clears every restorable collection before writing.
	Wipe bool
}

// Invalidator is anything holding decrypted state derived from the store.
type Invalidator interface {
	Invalidate()
}

type BackupConfig struct {
	// MasterKey is derived from the backup secret, never the session secret.
	MasterKey crypto.Key
	// DBVersion is the schema version this build writes and the newest it restores.
	DBVersion  int
	AppVersion string
}

// Backups creates, lists, prunes, exports and restores encrypted snapshots
// of the whole store.
type Backups struct {
	docs       store.DocumentStore
	masterKey  crypto.Key
	dbVersion  int
	appVersion string
	invalidate []Invalidator
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type BackupOption func(*Backups)

func WithBackupLogger(logger *slog.Logger) BackupOption {
	return func(b *Backups) { b.logger = logger }
}

func WithBackupMetrics(m *metrics.Metrics) BackupOption {
	return func(b *Backups) { b.metrics = m }
}

// WithInvalidation registers caches to drop after a restore.
func WithInvalidation(inv ...Invalidator) BackupOption {
	return func(b *Backups) { b.invalidate = append(b.invalidate, inv...) }
}

func NewBackups(docs store.DocumentStore, cfg BackupConfig, opts ...BackupOption) *Backups {
	b := &Backups{
		docs:       docs,
		masterKey:  cfg.MasterKey.Clone(),
		dbVersion:  cfg.DBVersion,
		appVersion: cfg.AppVersion,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// naturalKeys maps each restorable collection to the field its documents
// are keyed by.
var naturalKeys = map[store.Collection]string{
	store.Records:      "id",
	store.Users:        "username",
	store.Config:       "key",
	store.KnownPersons: "id",
	store.AuditLog:     "id",
	store.Feedback:     "id",
}

// Create snapshots every collection except backups, encrypts it under the
// master key and stores the archive. Nothing is written unless every step
// before the final put succeeds.
func (b *Backups) Create(ctx context.Context) (types.BackupInfo, error) {
	info, err := b.create(ctx)
	if err != nil {
		b.metrics.IncBackupFailure()
		b.logger.Error("backup failed", "error", err)
		return types.BackupInfo{}, err
	}
	b.metrics.IncBackupCreated()
	b.logger.Info("backup created", "id", info.ID, "size", info.Size)
	return info, nil
}

func (b *Backups) create(ctx context.Context) (types.BackupInfo, error) {
	now := b.now().UTC()
	snap, err := b.snapshot(ctx, now)
	if err != nil {
		return types.BackupInfo{}, err
	}

	plain, err := json.Marshal(snap)
	if err != nil {
		return types.BackupInfo{}, fmt.Errorf("backup.Create: marshal snapshot: %w", err)
	}

	blob, err := crypto.Encrypt(plain, b.masterKey)
	if err != nil {
		return types.BackupInfo{}, err
	}

	archive := types.BackupArchive{
		ID:        crypto.NewID(),
		Timestamp: now,
		Data:      blob,
		Encrypted: true,
		Size:      int64(len(plain)),
		Version:   SnapshotVersion,
		DBVersion: b.dbVersion,
	}
	if err := store.PutJSON(ctx, b.docs, store.Backups, archive.ID, archive); err != nil {
		return types.BackupInfo{}, fmt.Errorf("backup.Create: %w", err)
	}
	return archive.Info(), nil
}

func (b *Backups) snapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	snap := Snapshot{
		Entries:   []json.RawMessage{},
		Exits:     []json.RawMessage{},
		Timestamp: now,
		Version:   SnapshotVersion,
		DBVersion: b.dbVersion,
	}

	recs, err := b.docs.GetAll(ctx, store.Records)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup snapshot records: %w", err)
	}
	for _, d := range recs {
		var head struct {
			Kind types.Kind `json:"kind"`
		}
		if err := json.Unmarshal(d.Body, &head); err != nil {
			return Snapshot{}, fmt.Errorf("backup snapshot record %s: %w", d.Key, err)
		}
		if head.Kind == types.KindExit {
			snap.Exits = append(snap.Exits, json.RawMessage(d.Body))
		} else {
			snap.Entries = append(snap.Entries, json.RawMessage(d.Body))
		}
	}

	for c, dst := range map[store.Collection]*[]json.RawMessage{
		store.Users:        &snap.Users,
		store.Config:       &snap.Config,
		store.KnownPersons: &snap.KnownPersons,
		store.AuditLog:     &snap.AuditLogs,
		store.Feedback:     &snap.Feedback,
	} {
		docs, err := b.docs.GetAll(ctx, c)
		if err != nil {
			return Snapshot{}, fmt.Errorf("backup snapshot %s: %w", c, err)
		}
		out := make([]json.RawMessage, 0, len(docs))
		for _, d := range docs {
			out = append(out, json.RawMessage(d.Body))
		}
		*dst = out
	}
	return snap, nil
}

// List returns stored archives newest first. Unreadable rows are skipped.
func (b *Backups) List(ctx context.Context) ([]types.BackupInfo, error) {
	archives, err := b.archives(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.BackupInfo, len(archives))
	for i, a := range archives {
		out[i] = a.Info()
	}
	return out, nil
}

func (b *Backups) archives(ctx context.Context) ([]types.BackupArchive, error) {
	docs, err := b.docs.GetAll(ctx, store.Backups)
	if err != nil {
		return nil, fmt.Errorf("backup.List: %w", err)
	}
	out := make([]types.BackupArchive, 0, len(docs))
	for _, d := range docs {
		var a types.BackupArchive
		if err := json.Unmarshal(d.Body, &a); err != nil {
			b.logger.Warn("skipping unreadable archive", "key", d.Key, "error", err)
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Prune deletes every archive but the newest keep. It returns how many
// were deleted.
func (b *Backups) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		return 0, errs.E("backup.Prune", errs.ErrValidation, fmt.Errorf("keep must not be negative, got %d", keep))
	}
	list, err := b.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(list) <= keep {
		return 0, nil
	}

	deleted := 0
	for _, info := range list[keep:] {
		if err := b.docs.Delete(ctx, store.Backups, info.ID); err != nil {
			return deleted, fmt.Errorf("backup.Prune %s: %w", info.ID, err)
		}
		deleted++
	}
	b.logger.Info("backups pruned", "deleted", deleted, "kept", keep)
	return deleted, nil
}

func (b *Backups) get(ctx context.Context, id string) (types.BackupArchive, error) {
	var a types.BackupArchive
	if err := store.GetJSON(ctx, b.docs, store.Backups, id, &a); err != nil {
		return types.BackupArchive{}, fmt.Errorf("backup %s: %w", id, err)
	}
	return a, nil
}

// Export writes archive id to w as a portable backup file.
func (b *Backups) Export(ctx context.Context, id string, w io.Writer) error {
	a, err := b.get(ctx, id)
	if err != nil {
		return err
	}
	f := File{
		ID:         a.ID,
		Timestamp:  a.Timestamp,
		Data:       a.Data,
		Encrypted:  true,
		Size:       a.Size,
		ExportedAt: b.now().UTC(),
		AppVersion: b.appVersion,
		Format:     FormatString(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("backup.Export %s: %w", id, err)
	}
	return nil
}

// ExportBytes is Export into memory.
func (b *Backups) ExportBytes(ctx context.Context, id string) ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Export(ctx, id, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Import restores a backup file. The file is parsed, its format checked,
// its payload decrypted and its schema version checked before anything in
// the store is touched.
func (b *Backups) Import(ctx context.Context, r io.Reader, opts RestoreOptions) (types.RestoreReport, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxBackupFileSize+1))
	if err != nil {
		return types.RestoreReport{}, fmt.Errorf("backup.Import: read: %w", err)
	}
	if len(raw) > maxBackupFileSize {
		return types.RestoreReport{}, b.reject("too_large", ErrBackupCorrupt, errors.New("file exceeds size limit"))
	}

	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return types.RestoreReport{}, b.reject("corrupt", ErrBackupCorrupt, err)
	}
	if err := checkFormat(f.Format); err != nil {
		reason := "corrupt"
		if errors.Is(err, ErrBackupUnsupported) {
			reason = "unsupported"
		}
		return types.RestoreReport{}, b.reject(reason, err, nil)
	}
	if !f.Encrypted {
		return types.RestoreReport{}, b.reject("corrupt", ErrBackupCorrupt, errors.New("payload is not encrypted"))
	}
	if len(f.Data.Ciphertext) == 0 || len(f.Data.Salt) != crypto.SaltSize || len(f.Data.IV) != crypto.IVSize {
		return types.RestoreReport{}, b.reject("corrupt", ErrBackupCorrupt, errors.New("payload is malformed"))
	}

	return b.restore(ctx, f.ID, f.Data, opts)
}

// RestoreArchive restores a stored archive by id.
func (b *Backups) RestoreArchive(ctx context.Context, id string, opts RestoreOptions) (types.RestoreReport, error) {
	a, err := b.get(ctx, id)
	if err != nil {
		return types.RestoreReport{}, err
	}
	return b.restore(ctx, a.ID, a.Data, opts)
}

func checkFormat(format string) error {
	name, ver, ok := strings.Cut(format, "-v")
	if !ok || name != BackupFormat {
		return fmt.Errorf("%w: format %q", ErrBackupCorrupt, format)
	}
	majorStr, _, _ := strings.Cut(ver, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return fmt.Errorf("%w: format %q", ErrBackupCorrupt, format)
	}
	if major != BackupFormatMajor {
		return fmt.Errorf("%w: format major %d", ErrBackupUnsupported, major)
	}
	return nil
}

type restoreDoc struct {
	c    store.Collection
	key  string
	body []byte
}

func (b *Backups) restore(ctx context.Context, id string, blob crypto.Blob, opts RestoreOptions) (types.RestoreReport, error) {
	plain, err := crypto.Decrypt(blob, b.masterKey)
	if err != nil {
		return types.RestoreReport{}, b.reject("wrong_key", ErrBackupWrongKey, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return types.RestoreReport{}, b.reject("corrupt", ErrBackupCorrupt, err)
	}
	if snap.DBVersion > b.dbVersion {
		return types.RestoreReport{}, b.reject("unsupported", ErrBackupUnsupported,
			fmt.Errorf("dbVersion %d is newer than supported %d", snap.DBVersion, b.dbVersion))
	}

	docs, err := planRestore(snap)
	if err != nil {
		return types.RestoreReport{}, b.reject("corrupt", ErrBackupCorrupt, err)
	}

	// Everything is validated; writes start here.
	if opts.Wipe {
		for c := range naturalKeys {
			if err := b.docs.Clear(ctx, c); err != nil {
				b.metrics.IncRestoreFailure("store")
				return types.RestoreReport{}, fmt.Errorf("backup.Restore: clear %s: %w", c, err)
			}
		}
	}

	report := types.RestoreReport{
		BackupID:   id,
		Wiped:      opts.Wipe,
		Restored:   make(map[string]int, len(naturalKeys)),
		RestoredAt: b.now().UTC(),
	}
	for _, d := range docs {
		if err := b.docs.Put(ctx, d.c, d.key, d.body); err != nil {
			b.metrics.IncRestoreFailure("store")
			return report, fmt.Errorf("backup.Restore: put %s/%s: %w", d.c, d.key, err)
		}
		report.Restored[string(d.c)]++
	}

	for _, inv := range b.invalidate {
		inv.Invalidate()
	}
	b.metrics.IncRestore()
	b.logger.Info("backup restored", "id", id, "wiped", opts.Wipe, "restored", report.Restored)
	return report, nil
}

// planRestore resolves every document's natural key, failing on the first
// one without it.
func planRestore(snap Snapshot) ([]restoreDoc, error) {
	var out []restoreDoc
	add := func(c store.Collection, items []json.RawMessage) error {
		field := naturalKeys[c]
		for i, raw := range items {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(raw, &obj); err != nil {
				return fmt.Errorf("%s[%d]: %w", c, i, err)
			}
			var key string
			if err := json.Unmarshal(obj[field], &key); err != nil || strings.TrimSpace(key) == "" {
				return fmt.Errorf("%s[%d]: missing %s", c, i, field)
			}
			out = append(out, restoreDoc{c: c, key: key, body: []byte(raw)})
		}
		return nil
	}

	for _, step := range []struct {
		c     store.Collection
		items []json.RawMessage
	}{
		{store.Users, snap.Users},
		{store.Config, snap.Config},
		{store.Records, snap.Entries},
		{store.Records, snap.Exits},
		{store.KnownPersons, snap.KnownPersons},
		{store.AuditLog, snap.AuditLogs},
		{store.Feedback, snap.Feedback},
	} {
		if err := add(step.c, step.items); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *Backups) reject(reason string, kind error, cause error) error {
	b.metrics.IncRestoreFailure(reason)
	b.logger.Warn("restore rejected", "reason", reason, "error", cause)
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, cause)
}
