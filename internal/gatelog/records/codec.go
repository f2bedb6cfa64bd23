// Package records converts entry and exit records to and from their stored
// form, encrypting each field group as its own blob.
package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/session"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

// Stored is the at-rest shape of a record. Only id, kind, timestamp,
// operator and stay duration are plaintext.
type Stored struct {
	ID          string     `json:"id"`
	Kind        types.Kind `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"`
	OperatorID  string     `json:"operatorId"`
	Encrypted   bool       `json:"encrypted"`
	StayMinutes int        `json:"stayMinutes,omitempty"`

	// entry groups
	Identity   *crypto.Blob `json:"identity,omitempty"`
	Vehicle    *crypto.Blob `json:"vehicle,omitempty"`
	Companions *crypto.Blob `json:"companions,omitempty"`

	// exit groups
	SearchedIdentity *crypto.Blob `json:"searchedIdentity,omitempty"`
	ExitDetails      *crypto.Blob `json:"exitDetails,omitempty"`
}

type identityGroup struct {
	Person      types.Person `json:"person"`
	Destination string       `json:"destination"`
	Purpose     string       `json:"purpose,omitempty"`
	Notes       string       `json:"notes,omitempty"`
}

type exitIdentityGroup struct {
	IdentityNumber string `json:"identityNumber"`
}

type exitDetailsGroup struct {
	Notes   string         `json:"notes,omitempty"`
	Vehicle *types.Vehicle `json:"vehicle,omitempty"`
}

// Codec seals and opens records with the current session key.
type Codec struct {
	keys session.KeyProvider
}

func NewCodec(keys session.KeyProvider) *Codec {
	return &Codec{keys: keys}
}

// Seal encrypts r. The record must already carry its id and timestamp.
// Companion group metadata is filled in on the returned copy only.
func (c *Codec) Seal(r types.Record) (Stored, error) {
	key, err := c.keys.Key()
	if err != nil {
		return Stored{}, err
	}
	defer key.Wipe()

	switch v := r.(type) {
	case *types.Entry:
		return sealEntry(v, key)
	case *types.Exit:
		return sealExit(v, key)
	default:
		return Stored{}, errs.E("records.Seal", errs.ErrValidation, fmt.Errorf("unsupported record %T", r))
	}
}

func sealEntry(e *types.Entry, key crypto.Key) (Stored, error) {
	s := Stored{
		ID:         e.ID,
		Kind:       types.KindEntry,
		Timestamp:  e.Timestamp,
		OperatorID: e.OperatorID,
		Encrypted:  true,
	}

	var err error
	if s.Identity, err = sealGroup(identityGroup{
		Person:      e.Person,
		Destination: e.Destination,
		Purpose:     e.Purpose,
		Notes:       e.Notes,
	}, key); err != nil {
		return Stored{}, errs.E("records.Seal identity", errs.ErrEncryption, err)
	}

	if e.Vehicle != nil {
		if s.Vehicle, err = sealGroup(e.Vehicle, key); err != nil {
			return Stored{}, errs.E("records.Seal vehicle", errs.ErrEncryption, err)
		}
	}

	if len(e.Companions) > 0 {
		if s.Companions, err = sealGroup(CompanionGroup(e), key); err != nil {
			return Stored{}, errs.E("records.Seal companions", errs.ErrEncryption, err)
		}
	}

	return s, nil
}

// CompanionGroup returns e's companions with group metadata filled in:
// one fresh group id shared by the whole party, 1-based position, the entry
// time as ingress.
func CompanionGroup(e *types.Entry) []types.Companion {
	group := uuid.NewString()
	out := make([]types.Companion, len(e.Companions))
	for i, c := range e.Companions {
		c.IdentityNumber = types.NormalizeIdentity(c.IdentityNumber)
		if c.GroupID == "" {
			c.GroupID = group
		}
		c.Position = i + 1
		if c.EnteredAt.IsZero() {
			c.EnteredAt = e.Timestamp
		}
		if c.State == "" {
			c.State = types.CompanionInside
		}
		out[i] = c
	}
	return out
}

func sealExit(x *types.Exit, key crypto.Key) (Stored, error) {
	s := Stored{
		ID:          x.ID,
		Kind:        types.KindExit,
		Timestamp:   x.Timestamp,
		OperatorID:  x.OperatorID,
		Encrypted:   true,
		StayMinutes: x.StayMinutes,
	}

	var err error
	if s.SearchedIdentity, err = sealGroup(exitIdentityGroup{IdentityNumber: x.IdentityNumber}, key); err != nil {
		return Stored{}, errs.E("records.Seal exit identity", errs.ErrEncryption, err)
	}

	if x.Notes != "" || x.Vehicle != nil {
		if s.ExitDetails, err = sealGroup(exitDetailsGroup{Notes: x.Notes, Vehicle: x.Vehicle}, key); err != nil {
			return Stored{}, errs.E("records.Seal exit details", errs.ErrEncryption, err)
		}
	}

	return s, nil
}

// Open decrypts s. If any group fails the whole record is unreadable.
func (c *Codec) Open(s Stored) (types.Record, error) {
	key, err := c.keys.Key()
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	switch s.Kind {
	case types.KindEntry:
		return openEntry(s, key)
	case types.KindExit:
		return openExit(s, key)
	default:
		return nil, errs.E("records.Open", errs.ErrDecryption, fmt.Errorf("record %s has unknown kind %q", s.ID, s.Kind))
	}
}

func openEntry(s Stored, key crypto.Key) (*types.Entry, error) {
	if s.Identity == nil {
		return nil, errs.E("records.Open", errs.ErrDecryption, fmt.Errorf("entry %s has no identity group", s.ID))
	}

	var id identityGroup
	if err := openGroup(s.Identity, key, &id); err != nil {
		return nil, fmt.Errorf("records.Open entry %s identity: %w", s.ID, err)
	}

	e := &types.Entry{
		ID:          s.ID,
		Timestamp:   s.Timestamp,
		OperatorID:  s.OperatorID,
		Person:      id.Person,
		Destination: id.Destination,
		Purpose:     id.Purpose,
		Notes:       id.Notes,
	}

	if s.Vehicle != nil {
		var v types.Vehicle
		if err := openGroup(s.Vehicle, key, &v); err != nil {
			return nil, fmt.Errorf("records.Open entry %s vehicle: %w", s.ID, err)
		}
		e.Vehicle = &v
	}

	if s.Companions != nil {
		if err := openGroup(s.Companions, key, &e.Companions); err != nil {
			return nil, fmt.Errorf("records.Open entry %s companions: %w", s.ID, err)
		}
	}

	return e, nil
}

func openExit(s Stored, key crypto.Key) (*types.Exit, error) {
	if s.SearchedIdentity == nil {
		return nil, errs.E("records.Open", errs.ErrDecryption, fmt.Errorf("exit %s has no identity group", s.ID))
	}

	var id exitIdentityGroup
	if err := openGroup(s.SearchedIdentity, key, &id); err != nil {
		return nil, fmt.Errorf("records.Open exit %s identity: %w", s.ID, err)
	}

	x := &types.Exit{
		ID:             s.ID,
		Timestamp:      s.Timestamp,
		OperatorID:     s.OperatorID,
		IdentityNumber: id.IdentityNumber,
		StayMinutes:    s.StayMinutes,
	}

	if s.ExitDetails != nil {
		var d exitDetailsGroup
		if err := openGroup(s.ExitDetails, key, &d); err != nil {
			return nil, fmt.Errorf("records.Open exit %s details: %w", s.ID, err)
		}
		x.Notes = d.Notes
		x.Vehicle = d.Vehicle
	}

	return x, nil
}

func sealGroup(v any, key crypto.Key) (*crypto.Blob, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	blob, err := crypto.Encrypt(plain, key)
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

var errGarbled = errors.New("decrypted group is not valid JSON")

func openGroup(b *crypto.Blob, key crypto.Key, out any) error {
	plain, err := crypto.Decrypt(*b, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return errs.E("records.openGroup", errs.ErrDecryption, errGarbled)
	}
	return nil
}
