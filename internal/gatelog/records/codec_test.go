package records_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/records"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/session"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

func readyKeys(t *testing.T, secret string) *session.Manager {
	t.Helper()
	m := session.NewManager([]byte(secret), []byte("salt"), session.WithIterations(1000))
	require.NoError(t, m.Initialize())
	return m
}

func sampleEntry() *types.Entry {
	return &types.Entry{
		ID:          "01J0ENTRY",
		Timestamp:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		OperatorID:  "op-1",
		Person:      types.Person{IdentityNumber: "12345678", FirstName: "Ana", LastName: "Pérez"},
		Destination: "Lab 3",
		Purpose:     "maintenance",
		Vehicle:     &types.Vehicle{Plate: "AB123CD", Make: "Fiat"},
		Companions: []types.Companion{
			{Person: types.Person{IdentityNumber: "87654321", FirstName: "Luis"}},
			{Person: types.Person{IdentityNumber: "11223344", FirstName: "Marta"}},
		},
	}
}

func TestCodec_EntryRoundTrip(t *testing.T) {
	c := records.NewCodec(readyKeys(t, "k"))

	stored, err := c.Seal(sampleEntry())
	require.NoError(t, err)
	assert.True(t, stored.Encrypted)
	assert.NotNil(t, stored.Identity)
	assert.NotNil(t, stored.Vehicle)
	assert.NotNil(t, stored.Companions)
	assert.Equal(t, "op-1", stored.OperatorID, "operator stays plaintext for audit")

	rec, err := c.Open(stored)
	require.NoError(t, err)
	e, ok := rec.(*types.Entry)
	require.True(t, ok)

	assert.Equal(t, "12345678", e.Person.IdentityNumber)
	assert.Equal(t, "Lab 3", e.Destination)
	require.NotNil(t, e.Vehicle)
	assert.Equal(t, "AB123CD", e.Vehicle.Plate)
	require.Len(t, e.Companions, 2)

	group := e.Companions[0].GroupID
	_, err = uuid.Parse(group)
	require.NoError(t, err, "group id is a uuid")
	for i, comp := range e.Companions {
		assert.Equal(t, group, comp.GroupID)
		assert.Equal(t, i+1, comp.Position)
		assert.Equal(t, types.CompanionInside, comp.State)
		assert.True(t, comp.EnteredAt.Equal(stored.Timestamp))
	}
}

func TestCodec_EntryWithoutOptionalGroups(t *testing.T) {
	c := records.NewCodec(readyKeys(t, "k"))
	e := sampleEntry()
	e.Vehicle = nil
	e.Companions = nil

	stored, err := c.Seal(e)
	require.NoError(t, err)
	assert.Nil(t, stored.Vehicle)
	assert.Nil(t, stored.Companions)

	rec, err := c.Open(stored)
	require.NoError(t, err)
	got := rec.(*types.Entry)
	assert.Nil(t, got.Vehicle)
	assert.Empty(t, got.Companions)
}

func TestCodec_ExitRoundTrip(t *testing.T) {
	c := records.NewCodec(readyKeys(t, "k"))
	x := &types.Exit{
		ID:             "01J0EXIT",
		Timestamp:      time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC),
		OperatorID:     "op-2",
		IdentityNumber: "12345678",
		StayMinutes:    45,
		Vehicle:        &types.Vehicle{Plate: "AB123CD"},
	}

	stored, err := c.Seal(x)
	require.NoError(t, err)
	assert.Equal(t, 45, stored.StayMinutes)
	assert.NotNil(t, stored.ExitDetails)

	rec, err := c.Open(stored)
	require.NoError(t, err)
	got := rec.(*types.Exit)
	assert.Equal(t, "12345678", got.IdentityNumber)
	assert.Equal(t, "AB123CD", got.Vehicle.Plate)
}

func TestCodec_CorruptGroupMakesRecordUnreadable(t *testing.T) {
	c := records.NewCodec(readyKeys(t, "k"))
	stored, err := c.Seal(sampleEntry())
	require.NoError(t, err)

	// Only the vehicle group is damaged; the whole record is still rejected.
	bad := *stored.Vehicle
	bad.Ciphertext = append([]byte(nil), bad.Ciphertext...)
	bad.Ciphertext[0] ^= 0xFF
	stored.Vehicle = &bad

	_, err = c.Open(stored)
	assert.True(t, errors.Is(err, errs.ErrDecryption))
}

func TestCodec_OtherInstallationCannotOpen(t *testing.T) {
	stored, err := records.NewCodec(readyKeys(t, "site-a")).Seal(sampleEntry())
	require.NoError(t, err)

	_, err = records.NewCodec(readyKeys(t, "site-b")).Open(stored)
	assert.True(t, errors.Is(err, errs.ErrDecryption))
}

func TestCodec_NotReady(t *testing.T) {
	m := session.NewManager([]byte("k"), []byte("salt"), session.WithIterations(1000))
	c := records.NewCodec(m)

	_, err := c.Seal(sampleEntry())
	assert.True(t, errors.Is(err, errs.ErrState))

	_, err = c.Open(records.Stored{Kind: types.KindEntry, Identity: &crypto.Blob{}})
	assert.True(t, errors.Is(err, errs.ErrState))
}

func TestCodec_UnknownKind(t *testing.T) {
	c := records.NewCodec(readyKeys(t, "k"))
	_, err := c.Open(records.Stored{ID: "x", Kind: "visit"})
	assert.True(t, errors.Is(err, errs.ErrDecryption))
}
