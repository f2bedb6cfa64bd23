package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/metrics"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/records"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/session"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

// ErrRecordExists is returned when a save reuses the id of a stored record.
var ErrRecordExists = errs.E("register.Save", errs.ErrValidation, errors.New("record already exists"))

// KeyManager is the session key lifecycle the register drives.
type KeyManager interface {
	session.KeyProvider
	Initialize() error
	Clear()
	State() session.State
}

// Filter narrows GetAll. Zero values match everything. Day is compared
// by calendar date in Day's own location.
type Filter struct {
	Kind types.Kind
	Day  time.Time
}

// Batch is the result of a multi-record read. Skipped counts stored
// records that could not be decrypted.
type Batch struct {
	Records []types.Record
	Skipped int
}

type SaveResult struct {
	ID        string
	Kind      types.Kind
	Timestamp time.Time
}

// Register is the encrypted store orchestrator: every entry and exit goes
// through it on the way in and out.
type Register struct {
	docs    store.DocumentStore
	keys    KeyManager
	codec   *records.Codec
	known   *KnownPersons
	backups *Backups
	audit   *AuditLog
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type RegisterOption func(*Register)

func WithRegisterLogger(logger *slog.Logger) RegisterOption {
	return func(r *Register) { r.logger = logger }
}

func WithRegisterMetrics(m *metrics.Metrics) RegisterOption {
	return func(r *Register) { r.metrics = m }
}

// WithClock replaces time.Now for id and timestamp assignment.
func WithClock(now func() time.Time) RegisterOption {
	return func(r *Register) { r.now = now }
}

func NewRegister(docs store.DocumentStore, keys KeyManager, known *KnownPersons, backups *Backups, audit *AuditLog, opts ...RegisterOption) *Register {
	r := &Register{
		docs:    docs,
		keys:    keys,
		codec:   records.NewCodec(keys),
		known:   known,
		backups: backups,
		audit:   audit,
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize checks the store answers, then derives the session key.
func (r *Register) Initialize(ctx context.Context) error {
	if _, err := r.docs.Count(ctx, store.Records); err != nil {
		return fmt.Errorf("register.Initialize: store not ready: %w", err)
	}
	return r.keys.Initialize()
}

func (r *Register) ready() error {
	if s := r.keys.State(); s != session.Ready {
		return errs.E("register", errs.ErrState, errors.New(s.String()))
	}
	return nil
}

// Save assigns an id and timestamp when missing, validates, encrypts and
// writes rec in one document write. The known-persons index and the audit
// log are updated afterwards; their failures are logged, not returned.
func (r *Register) Save(ctx context.Context, rec types.Record) (SaveResult, error) {
	if err := r.ready(); err != nil {
		return SaveResult{}, err
	}

	now := r.now().UTC()
	switch v := rec.(type) {
	case *types.Entry:
		if v == nil {
			return SaveResult{}, errs.E("register.Save", errs.ErrValidation, errors.New("nil entry"))
		}
		stampEntry(v, now)
		if err := v.Validate(); err != nil {
			return SaveResult{}, errs.E("register.Save", errs.ErrValidation, err)
		}
	case *types.Exit:
		if v == nil {
			return SaveResult{}, errs.E("register.Save", errs.ErrValidation, errors.New("nil exit"))
		}
		stampExit(v, now)
		if err := v.Validate(); err != nil {
			return SaveResult{}, errs.E("register.Save", errs.ErrValidation, err)
		}
		if v.StayMinutes == 0 {
			if err := r.computeStay(ctx, v); err != nil {
				return SaveResult{}, err
			}
		}
	default:
		return SaveResult{}, errs.E("register.Save", errs.ErrValidation, fmt.Errorf("unsupported record %T", rec))
	}

	if _, err := r.docs.Get(ctx, store.Records, rec.RecordID()); err == nil {
		return SaveResult{}, ErrRecordExists
	} else if !errors.Is(err, errs.ErrNotFound) {
		return SaveResult{}, fmt.Errorf("register.Save: %w", err)
	}

	stored, err := r.codec.Seal(rec)
	if err != nil {
		return SaveResult{}, err
	}
	if err := store.PutJSON(ctx, r.docs, store.Records, stored.ID, stored); err != nil {
		return SaveResult{}, fmt.Errorf("register.Save: %w", err)
	}

	kind := rec.RecordKind()
	r.metrics.IncRecordSaved(string(kind))
	r.logger.Info("record saved", "id", stored.ID, "kind", kind)
	r.afterSave(ctx, rec)

	return SaveResult{ID: stored.ID, Kind: kind, Timestamp: stored.Timestamp}, nil
}

func stampEntry(e *types.Entry, now time.Time) {
	if e.ID == "" {
		e.ID = crypto.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Person.IdentityNumber = types.NormalizeIdentity(e.Person.IdentityNumber)
}

func stampExit(x *types.Exit, now time.Time) {
	if x.ID == "" {
		x.ID = crypto.NewID()
	}
	if x.Timestamp.IsZero() {
		x.Timestamp = now
	}
	x.Timestamp = x.Timestamp.UTC()
	x.IdentityNumber = types.NormalizeIdentity(x.IdentityNumber)
}

// computeStay fills the exit's stay from the newest entry still open for
// its identity. No open entry leaves it at zero.
func (r *Register) computeStay(ctx context.Context, x *types.Exit) error {
	open, err := r.Inside(ctx)
	if err != nil {
		return err
	}
	for _, e := range open {
		if e.Timestamp.After(x.Timestamp) || !entryHasIdentity(e, x.IdentityNumber) {
			continue
		}
		x.StayMinutes = int(x.Timestamp.Sub(e.Timestamp) / time.Minute)
		return nil
	}
	return nil
}

func (r *Register) afterSave(ctx context.Context, rec types.Record) {
	var action string
	switch v := rec.(type) {
	case *types.Entry:
		action = ActionEntrySaved
		if r.known != nil {
			if _, err := r.known.recordEntry(ctx, v); err != nil {
				r.logger.Warn("known persons update failed", "id", v.ID, "error", err)
			}
		}
		r.audit.Record(ctx, v.OperatorID, action, v.ID)
	case *types.Exit:
		action = ActionExitSaved
		r.audit.Record(ctx, v.OperatorID, action, v.ID)
	}
}

// GetAll returns records matching f, newest first. Kind and day are
// filtered on plaintext metadata before anything is decrypted.
func (r *Register) GetAll(ctx context.Context, f Filter) (Batch, error) {
	if err := r.ready(); err != nil {
		return Batch{}, err
	}

	docs, err := r.docs.GetAll(ctx, store.Records)
	if err != nil {
		return Batch{}, fmt.Errorf("register.GetAll: %w", err)
	}

	var b Batch
	for _, d := range docs {
		var s records.Stored
		if err := json.Unmarshal(d.Body, &s); err != nil {
			b.Skipped++
			r.logger.Warn("skipping unreadable record", "key", d.Key, "error", err)
			continue
		}
		if f.Kind != "" && s.Kind != f.Kind {
			continue
		}
		if !f.Day.IsZero() && !sameDay(s.Timestamp, f.Day) {
			continue
		}

		rec, err := r.codec.Open(s)
		if err != nil {
			if errors.Is(err, errs.ErrState) {
				return Batch{}, err
			}
			b.Skipped++
			r.logger.Warn("skipping undecryptable record", "id", s.ID, "kind", s.Kind, "error", err)
			continue
		}
		b.Records = append(b.Records, rec)
	}

	sortNewestFirst(b.Records)
	r.metrics.AddRecordsSkipped(b.Skipped)
	return b, nil
}

func sameDay(t, day time.Time) bool {
	y1, m1, d1 := t.In(day.Location()).Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func sortNewestFirst(recs []types.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := recs[i].RecordTime(), recs[j].RecordTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		// At the same instant an exit is newer than the entry it closes.
		if ki, kj := recs[i].RecordKind(), recs[j].RecordKind(); ki != kj {
			return ki == types.KindExit
		}
		return recs[i].RecordID() > recs[j].RecordID()
	})
}

// SearchByIdentity returns records for number by exact match on the
// primary visitor, any companion, or the exit identity.
func (r *Register) SearchByIdentity(ctx context.Context, number string) (Batch, error) {
	if err := r.ready(); err != nil {
		return Batch{}, err
	}
	number = types.NormalizeIdentity(number)
	if number == "" {
		return Batch{}, errs.E("register.SearchByIdentity", errs.ErrValidation, errors.New("identity number is required"))
	}
	return r.filter(ctx, func(rec types.Record) bool {
		switch v := rec.(type) {
		case *types.Entry:
			return entryHasIdentity(v, number)
		case *types.Exit:
			return v.IdentityNumber == number
		}
		return false
	})
}

// SearchByPlate returns records whose entry or exit vehicle plate contains
// plate after normalization.
func (r *Register) SearchByPlate(ctx context.Context, plate string) (Batch, error) {
	if err := r.ready(); err != nil {
		return Batch{}, err
	}
	plate = types.NormalizePlate(plate)
	if plate == "" {
		return Batch{}, errs.E("register.SearchByPlate", errs.ErrValidation, errors.New("plate is required"))
	}
	return r.filter(ctx, func(rec types.Record) bool {
		var v *types.Vehicle
		switch x := rec.(type) {
		case *types.Entry:
			v = x.Vehicle
		case *types.Exit:
			v = x.Vehicle
		}
		return v != nil && strings.Contains(types.NormalizePlate(v.Plate), plate)
	})
}

func (r *Register) filter(ctx context.Context, keep func(types.Record) bool) (Batch, error) {
	all, err := r.GetAll(ctx, Filter{})
	if err != nil {
		return Batch{}, err
	}
	out := Batch{Skipped: all.Skipped}
	for _, rec := range all.Records {
		if keep(rec) {
			out.Records = append(out.Records, rec)
		}
	}
	return out, nil
}

func entryHasIdentity(e *types.Entry, number string) bool {
	if types.NormalizeIdentity(e.Person.IdentityNumber) == number {
		return true
	}
	for _, c := range e.Companions {
		if types.NormalizeIdentity(c.IdentityNumber) == number {
			return true
		}
	}
	return false
}

// Inside lists entries not yet closed by a later exit for the primary
// visitor's identity, newest first. An exit closes the newest open entry
// for its identity.
func (r *Register) Inside(ctx context.Context) ([]*types.Entry, error) {
	all, err := r.GetAll(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	// GetAll is newest first; replay oldest first.
	open := make(map[string][]*types.Entry)
	for i := len(all.Records) - 1; i >= 0; i-- {
		switch v := all.Records[i].(type) {
		case *types.Entry:
			id := types.NormalizeIdentity(v.Person.IdentityNumber)
			open[id] = append(open[id], v)
		case *types.Exit:
			stack := open[v.IdentityNumber]
			if n := len(stack); n > 0 {
				open[v.IdentityNumber] = stack[:n-1]
			}
		}
	}

	var out []*types.Entry
	for _, stack := range open {
		out = append(out, stack...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Entries returns every readable entry, newest first.
func (r *Register) Entries(ctx context.Context) ([]*types.Entry, int, error) {
	b, err := r.GetAll(ctx, Filter{Kind: types.KindEntry})
	if err != nil {
		return nil, 0, err
	}
	out := make([]*types.Entry, 0, len(b.Records))
	for _, rec := range b.Records {
		if e, ok := rec.(*types.Entry); ok {
			out = append(out, e)
		}
	}
	return out, b.Skipped, nil
}

// RebuildKnown replays every readable entry into a fresh known-persons index.
func (r *Register) RebuildKnown(ctx context.Context, operatorID string) (int, error) {
	entries, skipped, err := r.Entries(ctx)
	if err != nil {
		return 0, err
	}
	n, err := r.known.Rebuild(ctx, entries)
	if err != nil {
		return n, err
	}
	if skipped > 0 {
		r.logger.Warn("known rebuild skipped undecryptable entries", "skipped", skipped)
	}
	r.audit.Record(ctx, operatorID, ActionKnownRebuilt, "")
	return n, nil
}

// SuggestByIdentity and SuggestByPlate front the known-persons index.
func (r *Register) SuggestByIdentity(ctx context.Context, prefix string) ([]types.KnownPerson, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.known.SearchByIdentityPrefix(ctx, prefix)
}

func (r *Register) SuggestByPlate(ctx context.Context, prefix string) ([]types.KnownPerson, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.known.SearchByPlatePrefix(ctx, prefix)
}

// CreateBackup, ListBackups and PruneBackups delegate to the backup engine
// once the session is ready.
func (r *Register) CreateBackup(ctx context.Context, operatorID string) (types.BackupInfo, error) {
	if err := r.ready(); err != nil {
		return types.BackupInfo{}, err
	}
	info, err := r.backups.Create(ctx)
	if err != nil {
		return types.BackupInfo{}, err
	}
	r.audit.Record(ctx, operatorID, ActionBackupCreated, info.ID)
	return info, nil
}

func (r *Register) ListBackups(ctx context.Context) ([]types.BackupInfo, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return r.backups.List(ctx)
}

func (r *Register) PruneBackups(ctx context.Context, operatorID string, keep int) (int, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	n, err := r.backups.Prune(ctx, keep)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.audit.Record(ctx, operatorID, ActionBackupPruned, "")
	}
	return n, nil
}

// ExportBackup writes archive id as a portable backup file.
func (r *Register) ExportBackup(ctx context.Context, id string, w io.Writer) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.backups.Export(ctx, id, w)
}

// RestoreBackup restores a backup file and drops every decrypted cache.
func (r *Register) RestoreBackup(ctx context.Context, operatorID string, src io.Reader, opts RestoreOptions) (types.RestoreReport, error) {
	if err := r.ready(); err != nil {
		return types.RestoreReport{}, err
	}
	report, err := r.backups.Import(ctx, src, opts)
	if err != nil {
		return types.RestoreReport{}, err
	}
	r.known.Invalidate()
	r.audit.Record(ctx, operatorID, ActionRestore, report.BackupID)
	return report, nil
}

// RestoreArchive restores one of the archives kept in the store.
func (r *Register) RestoreArchive(ctx context.Context, operatorID, id string, opts RestoreOptions) (types.RestoreReport, error) {
	if err := r.ready(); err != nil {
		return types.RestoreReport{}, err
	}
	report, err := r.backups.RestoreArchive(ctx, id, opts)
	if err != nil {
		return types.RestoreReport{}, err
	}
	r.known.Invalidate()
	r.audit.Record(ctx, operatorID, ActionRestore, report.BackupID)
	return report, nil
}
