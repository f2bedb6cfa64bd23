package types

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the two record shapes kept in the register.
type Kind string

const (
	KindEntry Kind = "entry"
	KindExit  Kind = "exit"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindEntry:
		return KindEntry, nil
	case KindExit:
		return KindExit, nil
	default:
		return "", errors.New("kind must be entry or exit")
	}
}

// Record is either *Entry or *Exit. Switch on the concrete type.
type Record interface {
	RecordKind() Kind
	RecordID() string
	RecordTime() time.Time
	sealed()
}

type Person struct {
	IdentityNumber string `json:"identityNumber"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Company        string `json:"company,omitempty"`
	Phone          string `json:"phone,omitempty"`
}

func (p Person) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type Vehicle struct {
	Plate string `json:"plate"`
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
	Color string `json:"color,omitempty"`
}

type CompanionState string

const (
	CompanionInside CompanionState = "inside"
	CompanionExited CompanionState = "exited"
)

// Companion is a person entering with the primary visitor. Group metadata is
// filled in when the entry is sealed.
type Companion struct {
	Person
	GroupID   string         `json:"groupId,omitempty"`
	Position  int            `json:"position,omitempty"`
	EnteredAt time.Time      `json:"enteredAt,omitempty"`
	State     CompanionState `json:"state,omitempty"`
}

// Entry is a visitor arriving at the facility. Immutable once saved.
type Entry struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	OperatorID  string      `json:"operatorId"`
	Person      Person      `json:"person"`
	Destination string      `json:"destination"`
	Purpose     string      `json:"purpose,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	Vehicle     *Vehicle    `json:"vehicle,omitempty"`
	Companions  []Companion `json:"companions,omitempty"`
}

func (*Entry) RecordKind() Kind        { return KindEntry }
func (e *Entry) RecordID() string      { return e.ID }
func (e *Entry) RecordTime() time.Time { return e.Timestamp }
func (*Entry) sealed()                 {}

func (e *Entry) Validate() error {
	if NormalizeIdentity(e.Person.IdentityNumber) == "" {
		return errors.New("person.identityNumber is required")
	}
	if strings.TrimSpace(e.Person.FirstName) == "" && strings.TrimSpace(e.Person.LastName) == "" {
		return errors.New("person name is required")
	}
	if strings.TrimSpace(e.OperatorID) == "" {
		return errors.New("operatorId is required")
	}
	if e.Vehicle != nil && NormalizePlate(e.Vehicle.Plate) == "" {
		return errors.New("vehicle.plate is required when a vehicle is given")
	}
	for i, c := range e.Companions {
		if NormalizeIdentity(c.IdentityNumber) == "" {
			return errors.New("companions[" + strconv.Itoa(i) + "].identityNumber is required")
		}
	}
	return nil
}

// Exit closes the most recent open entry for the same identity number.
type Exit struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	OperatorID     string    `json:"operatorId"`
	IdentityNumber string    `json:"identityNumber"`
	StayMinutes    int       `json:"stayMinutes"`
	Notes          string    `json:"notes,omitempty"`
	Vehicle        *Vehicle  `json:"vehicle,omitempty"`
}

func (*Exit) RecordKind() Kind        { return KindExit }
func (x *Exit) RecordID() string      { return x.ID }
func (x *Exit) RecordTime() time.Time { return x.Timestamp }
func (*Exit) sealed()                 {}

func (x *Exit) Validate() error {
	if NormalizeIdentity(x.IdentityNumber) == "" {
		return errors.New("identityNumber is required")
	}
	if strings.TrimSpace(x.OperatorID) == "" {
		return errors.New("operatorId is required")
	}
	if x.StayMinutes < 0 {
		return errors.New("stayMinutes must not be negative")
	}
	return nil
}

// NormalizeIdentity trims surrounding whitespace. Identity numbers are
// otherwise compared byte for byte.
func NormalizeIdentity(s string) string {
	return strings.TrimSpace(s)
}

// NormalizePlate upper-cases a plate and drops spaces and dashes.
func NormalizePlate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if r == ' ' || r == '-' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
