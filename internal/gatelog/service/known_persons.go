package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/metrics"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/records"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/session"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

// MaxSuggestions caps prefix search results.
const MaxSuggestions = 5

// storedKnownPerson is the at-rest row. identityHash is the only lookup
// field; identity and last visit are separate blobs.
type storedKnownPerson struct {
	ID           string          `json:"id"`
	IdentityHash string          `json:"identityHash"`
	Identity     crypto.Blob     `json:"identity"`
	LastVisit    crypto.Blob     `json:"lastVisit"`
	LastVisitAt  time.Time       `json:"lastVisitAt"`
	VisitCount   int             `json:"visitCount"`
	Frequency    types.Frequency `json:"frequency"`
	IsCompanion  bool            `json:"isCompanion"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type knownIdentity struct {
	IdentityNumber string `json:"identityNumber"`
	Name           string `json:"name"`
}

type knownVisit struct {
	Destination string         `json:"destination,omitempty"`
	Vehicle     *types.Vehicle `json:"vehicle,omitempty"`
}

// KnownPersons is the decrypted, in-memory index of previously seen people
// used for autocomplete. It owns its cache: the only mutations are a full
// load and a full clear, both under mu.
type KnownPersons struct {
	docs    store.DocumentStore
	keys    session.KeyProvider
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	loaded  bool
	cache   map[string]types.KnownPerson // by identity number
	purged  int
	skipped int
}

type KnownOption func(*KnownPersons)

func WithKnownLogger(logger *slog.Logger) KnownOption {
	return func(k *KnownPersons) { k.logger = logger }
}

func WithKnownMetrics(m *metrics.Metrics) KnownOption {
	return func(k *KnownPersons) { k.metrics = m }
}

func NewKnownPersons(docs store.DocumentStore, keys session.KeyProvider, opts ...KnownOption) *KnownPersons {
	k := &KnownPersons{
		docs:   docs,
		keys:   keys,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// EnsureLoaded decrypts every row into the cache if it is not loaded yet.
// Rows whose decrypted number no longer hashes to their identityHash are
// deleted. Rows that fail to decrypt are skipped and left in place.
func (k *KnownPersons) EnsureLoaded(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.loadLocked(ctx)
}

func (k *KnownPersons) loadLocked(ctx context.Context) error {
	if k.loaded {
		return nil
	}

	key, err := k.keys.Key()
	if err != nil {
		return err
	}
	defer key.Wipe()

	docs, err := k.docs.GetAll(ctx, store.KnownPersons)
	if err != nil {
		return fmt.Errorf("known persons load: %w", err)
	}

	cache := make(map[string]types.KnownPerson, len(docs))
	purged, skipped := 0, 0
	for _, d := range docs {
		var row storedKnownPerson
		if err := json.Unmarshal(d.Body, &row); err != nil {
			skipped++
			k.logger.Warn("skipping unreadable known person", "id", d.Key, "error", err)
			continue
		}

		kp, err := openKnown(row, key)
		if err != nil {
			skipped++
			k.logger.Warn("skipping undecryptable known person", "id", row.ID, "error", err)
			continue
		}

		if crypto.Digest(kp.IdentityNumber) != row.IdentityHash {
			ierr := errs.E("known.EnsureLoaded", errs.ErrIntegrity, fmt.Errorf("row %s hash mismatch", row.ID))
			if err := k.docs.Delete(ctx, store.KnownPersons, d.Key); err != nil {
				k.logger.Error("integrity purge failed", "id", row.ID, "error", err)
			} else {
				purged++
				k.metrics.IncIntegrityPurge()
				k.logger.Warn("purged known person", "id", row.ID, "error", ierr)
			}
			continue
		}

		cache[kp.IdentityNumber] = kp
	}

	k.cache = cache
	k.loaded = true
	k.purged = purged
	k.skipped = skipped
	k.metrics.IncKnownCacheLoad()
	k.logger.Debug("known persons loaded", "rows", len(cache), "purged", purged, "skipped", skipped)
	return nil
}

// Invalidate drops the decrypted cache. The next read reloads it.
func (k *KnownPersons) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cache = nil
	k.loaded = false
}

// LoadStats reports what the most recent load purged and skipped.
func (k *KnownPersons) LoadStats() (purged, skipped int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.purged, k.skipped
}

// SearchByIdentityPrefix suggests people whose identity number starts with prefix.
func (k *KnownPersons) SearchByIdentityPrefix(ctx context.Context, prefix string) ([]types.KnownPerson, error) {
	prefix = types.NormalizeIdentity(prefix)
	if prefix == "" {
		return nil, nil
	}
	return k.search(ctx, func(kp types.KnownPerson) bool {
		return strings.HasPrefix(kp.IdentityNumber, prefix)
	})
}

// SearchByPlatePrefix suggests people whose last vehicle plate starts with prefix.
func (k *KnownPersons) SearchByPlatePrefix(ctx context.Context, prefix string) ([]types.KnownPerson, error) {
	prefix = types.NormalizePlate(prefix)
	if prefix == "" {
		return nil, nil
	}
	return k.search(ctx, func(kp types.KnownPerson) bool {
		return kp.LastVehicle != nil && strings.HasPrefix(types.NormalizePlate(kp.LastVehicle.Plate), prefix)
	})
}

func (k *KnownPersons) search(ctx context.Context, match func(types.KnownPerson) bool) ([]types.KnownPerson, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.loadLocked(ctx); err != nil {
		return nil, err
	}

	var out []types.KnownPerson
	for _, kp := range k.cache {
		if match(kp) {
			out = append(out, kp)
		}
	}
	sortSuggestions(out)
	if len(out) > MaxSuggestions {
		out = out[:MaxSuggestions]
	}
	return out, nil
}

// sortSuggestions orders by tier desc, then last visit desc. Identity
// number breaks remaining ties so results are stable across loads.
func sortSuggestions(s []types.KnownPerson) {
	sort.Slice(s, func(i, j int) bool {
		ri, rj := s[i].Frequency.Rank(), s[j].Frequency.Rank()
		if ri != rj {
			return ri > rj
		}
		if !s[i].LastVisitAt.Equal(s[j].LastVisitAt) {
			return s[i].LastVisitAt.After(s[j].LastVisitAt)
		}
		return s[i].IdentityNumber < s[j].IdentityNumber
	})
}

// Upsert records a sighting of number. An existing row is re-encrypted with
// its count incremented and tier recomputed; otherwise a new row starts at
// one visit. An empty name or destination keeps the previous value, and a
// visit without a vehicle keeps the last known one.
func (k *KnownPersons) Upsert(ctx context.Context, number, name string, visit types.VisitInfo, isCompanion bool) (types.KnownPerson, error) {
	number = types.NormalizeIdentity(number)
	if number == "" {
		return types.KnownPerson{}, errs.E("known.Upsert", errs.ErrValidation, errors.New("identity number is required"))
	}

	key, err := k.keys.Key()
	if err != nil {
		return types.KnownPerson{}, err
	}
	defer key.Wipe()
	defer k.Invalidate()

	now := k.now().UTC()
	at := visit.At.UTC()
	if visit.At.IsZero() {
		at = now
	}

	existing, row, err := k.lookup(ctx, number, key)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return types.KnownPerson{}, err
	}

	kp := types.KnownPerson{
		IdentityNumber:  number,
		Name:            strings.TrimSpace(name),
		LastDestination: visit.Destination,
		LastVehicle:     visit.Vehicle,
		LastVisitAt:     at,
		TotalVisits:     1,
		IsCompanion:     isCompanion,
	}
	created := now
	if err == nil {
		kp.ID = existing.ID
		kp.TotalVisits = existing.TotalVisits + 1
		created = row.CreatedAt
		if kp.Name == "" {
			kp.Name = existing.Name
		}
		if kp.LastDestination == "" {
			kp.LastDestination = existing.LastDestination
		}
		if kp.LastVehicle == nil {
			kp.LastVehicle = existing.LastVehicle
		}
		if existing.LastVisitAt.After(at) {
			kp.LastVisitAt = existing.LastVisitAt
		}
	} else {
		kp.ID = crypto.NewID()
	}
	kp.Frequency = types.TierFor(kp.TotalVisits)

	sealed, err := sealKnown(kp, key)
	if err != nil {
		return types.KnownPerson{}, err
	}
	sealed.CreatedAt = created
	sealed.UpdatedAt = now

	if err := store.PutJSON(ctx, k.docs, store.KnownPersons, sealed.ID, sealed); err != nil {
		return types.KnownPerson{}, fmt.Errorf("known.Upsert: %w", err)
	}
	return kp, nil
}

// GetByExactIdentity returns the known person for number. The decrypted
// number is compared again so a digest collision can never return the
// wrong person.
func (k *KnownPersons) GetByExactIdentity(ctx context.Context, number string) (types.KnownPerson, error) {
	number = types.NormalizeIdentity(number)
	if number == "" {
		return types.KnownPerson{}, errs.E("known.GetByExactIdentity", errs.ErrValidation, errors.New("identity number is required"))
	}

	key, err := k.keys.Key()
	if err != nil {
		return types.KnownPerson{}, err
	}
	defer key.Wipe()

	kp, _, err := k.lookup(ctx, number, key)
	return kp, err
}

func (k *KnownPersons) lookup(ctx context.Context, number string, key crypto.Key) (types.KnownPerson, storedKnownPerson, error) {
	docs, err := k.docs.FindByField(ctx, store.KnownPersons, "identityHash", crypto.Digest(number))
	if err != nil {
		return types.KnownPerson{}, storedKnownPerson{}, fmt.Errorf("known lookup: %w", err)
	}
	for _, d := range docs {
		var row storedKnownPerson
		if err := json.Unmarshal(d.Body, &row); err != nil {
			continue
		}
		kp, err := openKnown(row, key)
		if err != nil {
			k.logger.Warn("known person lookup hit undecryptable row", "id", row.ID, "error", err)
			continue
		}
		if kp.IdentityNumber == number {
			return kp, row, nil
		}
	}
	return types.KnownPerson{}, storedKnownPerson{}, errs.E("known.lookup", errs.ErrNotFound, nil)
}

// Rebuild clears the collection and replays entries oldest first, primary
// visitors and companions alike. It returns the number of sightings applied.
func (k *KnownPersons) Rebuild(ctx context.Context, entries []*types.Entry) (int, error) {
	if _, err := k.keys.Key(); err != nil {
		return 0, err
	}
	defer k.Invalidate()

	if err := k.docs.Clear(ctx, store.KnownPersons); err != nil {
		return 0, fmt.Errorf("known.Rebuild: %w", err)
	}

	ordered := append([]*types.Entry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	n := 0
	for _, e := range ordered {
		applied, err := k.recordEntry(ctx, e)
		n += applied
		if err != nil {
			return n, err
		}
	}
	k.logger.Info("known persons rebuilt", "entries", len(ordered), "sightings", n)
	return n, nil
}

// recordEntry applies the primary visitor and every companion of e.
func (k *KnownPersons) recordEntry(ctx context.Context, e *types.Entry) (int, error) {
	visit := types.VisitInfo{Destination: e.Destination, Vehicle: e.Vehicle, At: e.Timestamp}
	if _, err := k.Upsert(ctx, e.Person.IdentityNumber, e.Person.FullName(), visit, false); err != nil {
		return 0, err
	}
	n := 1
	for _, c := range records.CompanionGroup(e) {
		cv := types.VisitInfo{Destination: e.Destination, At: e.Timestamp}
		if _, err := k.Upsert(ctx, c.IdentityNumber, c.FullName(), cv, true); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func sealKnown(kp types.KnownPerson, key crypto.Key) (storedKnownPerson, error) {
	idPlain, err := json.Marshal(knownIdentity{IdentityNumber: kp.IdentityNumber, Name: kp.Name})
	if err != nil {
		return storedKnownPerson{}, err
	}
	idBlob, err := crypto.Encrypt(idPlain, key)
	if err != nil {
		return storedKnownPerson{}, err
	}
	visitPlain, err := json.Marshal(knownVisit{Destination: kp.LastDestination, Vehicle: kp.LastVehicle})
	if err != nil {
		return storedKnownPerson{}, err
	}
	visitBlob, err := crypto.Encrypt(visitPlain, key)
	if err != nil {
		return storedKnownPerson{}, err
	}
	return storedKnownPerson{
		ID:           kp.ID,
		IdentityHash: crypto.Digest(kp.IdentityNumber),
		Identity:     idBlob,
		LastVisit:    visitBlob,
		LastVisitAt:  kp.LastVisitAt,
		VisitCount:   kp.TotalVisits,
		Frequency:    kp.Frequency,
		IsCompanion:  kp.IsCompanion,
	}, nil
}

func openKnown(row storedKnownPerson, key crypto.Key) (types.KnownPerson, error) {
	idPlain, err := crypto.Decrypt(row.Identity, key)
	if err != nil {
		return types.KnownPerson{}, err
	}
	var id knownIdentity
	if err := json.Unmarshal(idPlain, &id); err != nil {
		return types.KnownPerson{}, errs.E("known.open", errs.ErrDecryption, err)
	}
	visitPlain, err := crypto.Decrypt(row.LastVisit, key)
	if err != nil {
		return types.KnownPerson{}, err
	}
	var visit knownVisit
	if err := json.Unmarshal(visitPlain, &visit); err != nil {
		return types.KnownPerson{}, errs.E("known.open", errs.ErrDecryption, err)
	}
	return types.KnownPerson{
		ID:              row.ID,
		IdentityNumber:  id.IdentityNumber,
		Name:            id.Name,
		LastDestination: visit.Destination,
		LastVehicle:     visit.Vehicle,
		LastVisitAt:     row.LastVisitAt,
		TotalVisits:     row.VisitCount,
		Frequency:       row.Frequency,
		IsCompanion:     row.IsCompanion,
	}, nil
}
