package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

const minPasswordLen = 8

var (
	ErrInvalidUsername = errs.E("auth", errs.ErrValidation, errors.New("username must be 3-64 characters of a-z, 0-9, '.', '_' or '-'"))
	ErrWeakPassword    = errs.E("auth", errs.ErrValidation, fmt.Errorf("password must be at least %d characters", minPasswordLen))
	ErrUsernameTaken   = errs.E("auth", errs.ErrValidation, errors.New("username already exists"))
	ErrBadCredentials  = errs.E("auth.Login", errs.ErrUnauthorized, nil)
)

type NewUser struct {
	Username string
	Password string
	FullName string
	Role     types.Role
}

// Auth manages operator accounts and ties login and logout to the session
// key lifecycle.
type Auth struct {
	docs   store.DocumentStore
	keys   KeyManager
	caches []Invalidator
	audit  *AuditLog
	logger *slog.Logger
	now    func() time.Time
}

func NewAuth(docs store.DocumentStore, keys KeyManager, audit *AuditLog, logger *slog.Logger, caches ...Invalidator) *Auth {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Auth{docs: docs, keys: keys, caches: caches, audit: audit, logger: logger, now: time.Now}
}

// NormalizeUsername lower-cases and trims a username.
func NormalizeUsername(s string) string {
	return types.NormalizeUsername(s)
}

func validUsername(s string) bool {
	if len(s) < 3 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// CreateUser stores a new active operator under its username.
func (a *Auth) CreateUser(ctx context.Context, nu NewUser) (types.User, error) {
	username := NormalizeUsername(nu.Username)
	if !validUsername(username) {
		return types.User{}, ErrInvalidUsername
	}
	if len(nu.Password) < minPasswordLen {
		return types.User{}, ErrWeakPassword
	}
	role := nu.Role
	if role == "" {
		role = types.RoleOperator
	}
	if role != types.RoleOperator && role != types.RoleAdmin {
		return types.User{}, errs.E("auth.CreateUser", errs.ErrValidation, fmt.Errorf("unknown role %q", role))
	}

	if _, err := a.docs.Get(ctx, store.Users, username); err == nil {
		return types.User{}, ErrUsernameTaken
	} else if !errors.Is(err, errs.ErrNotFound) {
		return types.User{}, fmt.Errorf("auth.CreateUser: %w", err)
	}

	hash, err := crypto.HashPassword(nu.Password)
	if err != nil {
		return types.User{}, err
	}

	u := types.User{
		ID:           crypto.NewID(),
		Username:     username,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(nu.FullName),
		Role:         role,
		Active:       true,
		CreatedAt:    a.now().UTC(),
	}
	if err := store.PutJSON(ctx, a.docs, store.Users, username, u); err != nil {
		return types.User{}, fmt.Errorf("auth.CreateUser: %w", err)
	}

	a.logger.Info("user created", "user_id", u.ID, "role", u.Role)
	a.audit.Record(ctx, u.ID, ActionUserCreated, u.ID)
	return u.Public(), nil
}

// Login checks credentials, then derives the session key. Unknown users,
// inactive users and wrong passwords all return ErrBadCredentials.
func (a *Auth) Login(ctx context.Context, username, password string) (types.User, error) {
	username = NormalizeUsername(username)

	var u types.User
	if err := store.GetJSON(ctx, a.docs, store.Users, username, &u); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return types.User{}, ErrBadCredentials
		}
		return types.User{}, fmt.Errorf("auth.Login: %w", err)
	}
	if !u.Active {
		return types.User{}, ErrBadCredentials
	}
	ok, err := crypto.VerifyPassword(u.PasswordHash, password)
	if err != nil {
		return types.User{}, err
	}
	if !ok {
		a.logger.Warn("login rejected", "user_id", u.ID)
		return types.User{}, ErrBadCredentials
	}

	if err := a.keys.Initialize(); err != nil {
		return types.User{}, err
	}

	now := a.now().UTC()
	u.LastLoginAt = &now
	if err := a.docs.Update(ctx, store.Users, username, map[string]any{"lastLoginAt": now}); err != nil {
		a.logger.Warn("last login update failed", "user_id", u.ID, "error", err)
	}

	a.logger.Info("operator logged in", "user_id", u.ID)
	a.audit.Record(ctx, u.ID, ActionLogin, u.ID)
	return u.Public(), nil
}

// Logout clears the session key and every decrypted cache.
func (a *Auth) Logout(ctx context.Context, userID string) {
	a.keys.Clear()
	for _, c := range a.caches {
		c.Invalidate()
	}
	a.logger.Info("operator logged out", "user_id", userID)
	a.audit.Record(ctx, userID, ActionLogout, userID)
}
