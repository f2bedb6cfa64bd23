package types

import "time"

// Frequency is the visit-count tier of a known person.
type Frequency string

const (
	FrequencyLow    Frequency = "low"
	FrequencyMedium Frequency = "medium"
	FrequencyHigh   Frequency = "high"
)

// TierFor maps a total visit count onto a frequency tier.
func TierFor(totalVisits int) Frequency {
	switch {
	case totalVisits >= 10:
		return FrequencyHigh
	case totalVisits >= 4:
		return FrequencyMedium
	default:
		return FrequencyLow
	}
}

// Rank orders tiers for sorting; higher is more frequent.
func (f Frequency) Rank() int {
	switch f {
	case FrequencyHigh:
		return 3
	case FrequencyMedium:
		return 2
	case FrequencyLow:
		return 1
	default:
		return 0
	}
}

// KnownPerson is the decrypted projection of a person's most recent visit.
type KnownPerson struct {
	ID              string    `json:"id"`
	IdentityNumber  string    `json:"identityNumber"`
	Name            string    `json:"name"`
	LastDestination string    `json:"lastDestination,omitempty"`
	LastVehicle     *Vehicle  `json:"lastVehicle,omitempty"`
	LastVisitAt     time.Time `json:"lastVisitAt"`
	TotalVisits     int       `json:"totalVisits"`
	Frequency       Frequency `json:"frequency"`
	IsCompanion     bool      `json:"isCompanion"`
}

// VisitInfo is what a single sighting contributes to a KnownPerson.
type VisitInfo struct {
	Destination string
	Vehicle     *Vehicle
	At          time.Time
}
