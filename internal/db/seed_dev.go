package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

type SeedDevOptions struct {
	// Operator account created when the users collection is empty.
	Username string
	Password string
}

// SeedDev creates a starter admin operator so a fresh dev install can log in.
// It never touches an installation that already has users.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	username := types.NormalizeUsername(opt.Username)
	if username == "" || opt.Password == "" {
		return nil
	}

	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents WHERE collection = 'users';",
	).Scan(&n); err != nil {
		return fmt.Errorf("seed count users: %w", err)
	}
	if n > 0 {
		return nil
	}

	hash, err := crypto.HashPassword(opt.Password)
	if err != nil {
		return fmt.Errorf("seed hash password: %w", err)
	}

	now := time.Now().UTC()
	body, err := json.Marshal(types.User{
		ID:           crypto.NewID(),
		Username:     username,
		PasswordHash: hash,
		FullName:     "Development Admin",
		Role:         types.RoleAdmin,
		Active:       true,
		CreatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("seed marshal user: %w", err)
	}

	ms := now.UnixMilli()
	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO documents(collection, doc_key, body, created_at_ms, updated_at_ms)
VALUES ('users', ?, ?, ?, ?);`, username, string(body), ms, ms); err != nil {
		return fmt.Errorf("seed user %s: %w", username, err)
	}

	return nil
}
