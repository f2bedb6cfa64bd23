package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/service"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

type RegisterSuite struct {
	suite.Suite
	ctx context.Context
	env *env
}

func TestRegisterSuite(t *testing.T) {
	suite.Run(t, new(RegisterSuite))
}

func (s *RegisterSuite) SetupTest() {
	s.ctx = context.Background()
	s.env = newEnv(s.T())
	s.env.ready(s.T())
}

func (s *RegisterSuite) save(rec types.Record) service.SaveResult {
	res, err := s.env.register.Save(s.ctx, rec)
	s.Require().NoError(err)
	return res
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *RegisterSuite) TestOperationsRequireInitialize() {
	e := newEnv(s.T())
	r := e.register

	_, err := r.Save(s.ctx, entryFor("1", t0))
	s.True(errors.Is(err, errs.ErrState), "Save: %v", err)

	_, err = r.GetAll(s.ctx, service.Filter{})
	s.True(errors.Is(err, errs.ErrState), "GetAll: %v", err)

	_, err = r.SearchByIdentity(s.ctx, "1")
	s.True(errors.Is(err, errs.ErrState), "SearchByIdentity: %v", err)

	_, err = r.SearchByPlate(s.ctx, "AB")
	s.True(errors.Is(err, errs.ErrState), "SearchByPlate: %v", err)

	_, err = r.Inside(s.ctx)
	s.True(errors.Is(err, errs.ErrState), "Inside: %v", err)

	_, err = r.CreateBackup(s.ctx, "op-1")
	s.True(errors.Is(err, errs.ErrState), "CreateBackup: %v", err)

	_, err = r.SuggestByIdentity(s.ctx, "1")
	s.True(errors.Is(err, errs.ErrState), "SuggestByIdentity: %v", err)

	n, _ := e.docs.Count(s.ctx, store.Records)
	s.Zero(n)
}

func (s *RegisterSuite) TestInitializeIsIdempotent() {
	s.Require().NoError(s.env.register.Initialize(s.ctx))
	s.Require().NoError(s.env.register.Initialize(s.ctx))
}

// ── Save ────────────────────────────────────────────────────────────────────

func (s *RegisterSuite) TestSaveAssignsIDAndTimestamp() {
	e := entryFor("12345678", time.Time{})
	before := time.Now().UTC()
	res := s.save(e)

	s.NotEmpty(res.ID)
	s.Equal(types.KindEntry, res.Kind)
	s.False(res.Timestamp.Before(before.Add(-time.Second)))
	s.Equal(res.ID, e.ID)
}

func (s *RegisterSuite) TestSaveRejectsInvalidRecord() {
	bad := entryFor("", t0)
	_, err := s.env.register.Save(s.ctx, bad)
	s.True(errors.Is(err, errs.ErrValidation))

	_, err = s.env.register.Save(s.ctx, &types.Exit{OperatorID: "op-1"})
	s.True(errors.Is(err, errs.ErrValidation))

	n, err := s.env.docs.Count(s.ctx, store.Records)
	s.Require().NoError(err)
	s.Zero(n, "nothing is written for an invalid record")
}

func (s *RegisterSuite) TestSaveRejectsDuplicateID() {
	e := entryFor("12345678", t0)
	e.ID = "fixed-id"
	s.save(e)

	again := entryFor("99999999", t0.Add(time.Hour))
	again.ID = "fixed-id"
	_, err := s.env.register.Save(s.ctx, again)
	s.True(errors.Is(err, service.ErrRecordExists))
	s.True(errors.Is(err, errs.ErrValidation))
}

func (s *RegisterSuite) TestStoredRecordHidesPersonalData() {
	e := entryFor("12345678", t0)
	e.Vehicle = &types.Vehicle{Plate: "AB123CD"}
	res := s.save(e)

	body, err := s.env.docs.Get(s.ctx, store.Records, res.ID)
	s.Require().NoError(err)
	for _, secret := range []string{"12345678", "Pérez", "AB123CD", "Warehouse"} {
		s.NotContains(string(body), secret)
	}
}

// ── Scenarios ───────────────────────────────────────────────────────────────

func (s *RegisterSuite) scenarioA() {
	e := entryFor("12345678", t0)
	e.Vehicle = &types.Vehicle{Plate: "AB123CD", Make: "Fiat", Color: "red"}
	e.Companions = []types.Companion{
		{Person: types.Person{IdentityNumber: "87654321", FirstName: "Luis"}},
		{Person: types.Person{IdentityNumber: "11223344", FirstName: "Marta"}},
	}
	s.save(e)
}

func (s *RegisterSuite) TestScenarioA_EntryWithVehicleAndCompanions() {
	s.scenarioA()

	b, err := s.env.register.GetAll(s.ctx, service.Filter{Kind: types.KindEntry})
	s.Require().NoError(err)
	s.Zero(b.Skipped)
	s.Require().Len(b.Records, 1)

	got, ok := b.Records[0].(*types.Entry)
	s.Require().True(ok)
	s.Len(got.Companions, 2)
	s.Require().NotNil(got.Vehicle)
	s.Equal("AB123CD", got.Vehicle.Plate)
}

func (s *RegisterSuite) TestScenarioB_ExitFoundByIdentity() {
	s.scenarioA()

	x := exitFor("12345678", t0.Add(45*time.Minute))
	x.StayMinutes = 45
	s.save(x)

	b, err := s.env.register.SearchByIdentity(s.ctx, "12345678")
	s.Require().NoError(err)
	s.Require().Len(b.Records, 2)

	exit, ok := b.Records[0].(*types.Exit)
	s.Require().True(ok, "newest first")
	s.Equal("12345678", exit.IdentityNumber)
	s.Equal(45, exit.StayMinutes)

	_, ok = b.Records[1].(*types.Entry)
	s.True(ok)
}

// ── Reads ───────────────────────────────────────────────────────────────────

func (s *RegisterSuite) TestGetAll_NewestFirstAndFilters() {
	s.save(entryFor("1", t0))
	s.save(entryFor("2", t0.Add(time.Hour)))
	s.save(exitFor("1", t0.Add(2*time.Hour)))
	s.save(entryFor("3", t0.AddDate(0, 0, 1)))

	all, err := s.env.register.GetAll(s.ctx, service.Filter{})
	s.Require().NoError(err)
	s.Require().Len(all.Records, 4)
	for i := 1; i < len(all.Records); i++ {
		s.False(all.Records[i].RecordTime().After(all.Records[i-1].RecordTime()))
	}

	exits, err := s.env.register.GetAll(s.ctx, service.Filter{Kind: types.KindExit})
	s.Require().NoError(err)
	s.Len(exits.Records, 1)

	day, err := s.env.register.GetAll(s.ctx, service.Filter{Day: t0})
	s.Require().NoError(err)
	s.Len(day.Records, 3)

	both, err := s.env.register.GetAll(s.ctx, service.Filter{Kind: types.KindEntry, Day: t0})
	s.Require().NoError(err)
	s.Len(both.Records, 2)
}

func (s *RegisterSuite) TestGetAll_SkipsRecordsFromAnotherKey() {
	s.save(entryFor("12345678", t0))

	other := newEnvWith(s.T(), s.env.docs, "some-other-installation", "backup-secret")
	other.ready(s.T())
	_, err := other.register.Save(s.ctx, entryFor("55555555", t0.Add(time.Minute)))
	s.Require().NoError(err)

	b, err := s.env.register.GetAll(s.ctx, service.Filter{})
	s.Require().NoError(err)
	s.Len(b.Records, 1)
	s.Equal(1, b.Skipped)

	found, err := s.env.register.SearchByIdentity(s.ctx, "12345678")
	s.Require().NoError(err)
	s.Len(found.Records, 1)
	s.Equal(1, found.Skipped)
}

func (s *RegisterSuite) TestSearchByIdentity_MatchesCompanions() {
	s.scenarioA()
	s.save(entryFor("99999999", t0.Add(time.Hour)))

	b, err := s.env.register.SearchByIdentity(s.ctx, "11223344")
	s.Require().NoError(err)
	s.Len(b.Records, 1)

	b, err = s.env.register.SearchByIdentity(s.ctx, "1122334")
	s.Require().NoError(err)
	s.Empty(b.Records, "identity search is exact")

	_, err = s.env.register.SearchByIdentity(s.ctx, "  ")
	s.True(errors.Is(err, errs.ErrValidation))
}

func (s *RegisterSuite) TestSearchByPlate_NormalizedSubstring() {
	e := entryFor("1", t0)
	e.Vehicle = &types.Vehicle{Plate: "ab-123 cd"}
	s.save(e)

	x := exitFor("2", t0.Add(time.Hour))
	x.Vehicle = &types.Vehicle{Plate: "ZZ999"}
	x.StayMinutes = 5
	s.save(x)

	b, err := s.env.register.SearchByPlate(s.ctx, "123c")
	s.Require().NoError(err)
	s.Require().Len(b.Records, 1)
	s.Equal(types.KindEntry, b.Records[0].RecordKind())

	b, err = s.env.register.SearchByPlate(s.ctx, "z z9")
	s.Require().NoError(err)
	s.Require().Len(b.Records, 1)
	s.Equal(types.KindExit, b.Records[0].RecordKind())
}

// ── Open entries ────────────────────────────────────────────────────────────

func (s *RegisterSuite) TestInsideAndStayComputation() {
	s.save(entryFor("1", t0))
	s.save(entryFor("2", t0.Add(10*time.Minute)))

	inside, err := s.env.register.Inside(s.ctx)
	s.Require().NoError(err)
	s.Len(inside, 2)

	x := exitFor("1", t0.Add(90*time.Minute))
	s.save(x)
	s.Equal(90, x.StayMinutes)

	inside, err = s.env.register.Inside(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(inside, 1)
	s.Equal("2", inside[0].Person.IdentityNumber)
}

func (s *RegisterSuite) TestExitAtSameInstantClosesEntry() {
	// Ids chosen so that id order alone would replay the exit first.
	e := entryFor("12345678", t0)
	e.ID = "zz-entry"
	s.save(e)
	x := exitFor("12345678", t0)
	x.ID = "aa-exit"
	s.save(x)

	inside, err := s.env.register.Inside(s.ctx)
	s.Require().NoError(err)
	s.Empty(inside)
	s.Zero(x.StayMinutes)

	b, err := s.env.register.GetAll(s.ctx, service.Filter{})
	s.Require().NoError(err)
	s.Require().Len(b.Records, 2)
	s.Equal(types.KindExit, b.Records[0].RecordKind(), "exit lists before its entry")
}

func (s *RegisterSuite) TestExitWithoutOpenEntryKeepsZeroStay() {
	x := exitFor("404", t0)
	s.save(x)
	s.Zero(x.StayMinutes)
}

// ── Side effects ────────────────────────────────────────────────────────────

func (s *RegisterSuite) TestSaveFeedsKnownPersonsAndAudit() {
	s.scenarioA()

	primary, err := s.env.known.GetByExactIdentity(s.ctx, "12345678")
	s.Require().NoError(err)
	s.Equal("Ana Pérez", primary.Name)
	s.False(primary.IsCompanion)
	s.Require().NotNil(primary.LastVehicle)
	s.Equal("AB123CD", primary.LastVehicle.Plate)

	comp, err := s.env.known.GetByExactIdentity(s.ctx, "87654321")
	s.Require().NoError(err)
	s.True(comp.IsCompanion)
	s.Equal("Warehouse", comp.LastDestination)

	rows, err := s.env.audit.List(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().NotEmpty(rows)
	s.Equal(service.ActionEntrySaved, rows[0].Action)
	s.Equal("op-1", rows[0].UserID)

	hits, err := s.env.register.SuggestByPlate(s.ctx, "ab1")
	s.Require().NoError(err)
	s.Require().Len(hits, 1)
	s.Equal("12345678", hits[0].IdentityNumber)
}

func (s *RegisterSuite) TestRebuildKnownReplaysHistory() {
	s.scenarioA()
	s.save(entryFor("12345678", t0.Add(24*time.Hour)))

	s.Require().NoError(s.env.docs.Clear(s.ctx, store.KnownPersons))
	s.env.known.Invalidate()

	n, err := s.env.register.RebuildKnown(s.ctx, "admin")
	s.Require().NoError(err)
	s.Equal(4, n, "two primary sightings and two companions")

	kp, err := s.env.known.GetByExactIdentity(s.ctx, "12345678")
	s.Require().NoError(err)
	s.Equal(2, kp.TotalVisits)
	s.True(kp.LastVisitAt.Equal(t0.Add(24 * time.Hour)))
}

func (s *RegisterSuite) TestBackupDelegation() {
	s.scenarioA()

	info, err := s.env.register.CreateBackup(s.ctx, "op-1")
	s.Require().NoError(err)
	s.NotEmpty(info.ID)

	list, err := s.env.register.ListBackups(s.ctx)
	s.Require().NoError(err)
	s.Len(list, 1)

	n, err := s.env.register.PruneBackups(s.ctx, "op-1", 0)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *RegisterSuite) TestRestoreArchiveWithWipe() {
	s.scenarioA()
	info, err := s.env.register.CreateBackup(s.ctx, "op-1")
	s.Require().NoError(err)

	s.save(entryFor("55555555", t0.Add(time.Hour)))

	report, err := s.env.register.RestoreArchive(s.ctx, "op-1", info.ID, service.RestoreOptions{Wipe: true})
	s.Require().NoError(err)
	s.Equal(info.ID, report.BackupID)

	b, err := s.env.register.GetAll(s.ctx, service.Filter{})
	s.Require().NoError(err)
	s.Len(b.Records, 1, "records saved after the archive are gone")

	_, err = s.env.register.RestoreArchive(s.ctx, "op-1", "missing", service.RestoreOptions{})
	s.True(errors.Is(err, errs.ErrNotFound))

	rows, err := s.env.audit.List(s.ctx, 0)
	s.Require().NoError(err)
	var actions []string
	for _, r := range rows {
		actions = append(actions, r.Action)
	}
	s.Contains(actions, service.ActionRestore)

	s.env.keys.Clear()
	_, err = s.env.register.RestoreArchive(s.ctx, "op-1", info.ID, service.RestoreOptions{})
	s.True(errors.Is(err, errs.ErrState))
}

func TestRegister_ClearedKeyStopsReads(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.ready(t)
	_, err := e.register.Save(ctx, entryFor("1", t0))
	require.NoError(t, err)

	e.keys.Clear()
	_, err = e.register.GetAll(ctx, service.Filter{})
	assert.True(t, errors.Is(err, errs.ErrState))

	e.ready(t)
	b, err := e.register.GetAll(ctx, service.Filter{})
	require.NoError(t, err)
	assert.Len(t, b.Records, 1)
}
