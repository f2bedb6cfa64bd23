package types

import (
	"strings"
	"time"
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// User is an operator account. Stored under its username.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"passwordHash"`
	FullName     string     `json:"fullName,omitempty"`
	Role         Role       `json:"role"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// NormalizeUsername lower-cases and trims a username. Users are stored
// under the normalized form.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Public returns a copy safe to hand to callers.
func (u User) Public() User {
	u.PasswordHash = ""
	return u
}

// AuditEntry is one append-only audit row. It never carries personal data.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"`
	SubjectID string    `json:"subjectId,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// ConfigEntry is a key/value installation setting.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Feedback is a visitor satisfaction response collected at the kiosk.
type Feedback struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
}
