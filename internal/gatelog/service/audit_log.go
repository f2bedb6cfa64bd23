package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/types"
)

// Audit actions.
const (
	ActionEntrySaved    = "record.entry"
	ActionExitSaved     = "record.exit"
	ActionLogin         = "session.login"
	ActionLogout        = "session.logout"
	ActionUserCreated   = "user.created"
	ActionBackupCreated = "backup.created"
	ActionBackupPruned  = "backup.pruned"
	ActionRestore       = "backup.restored"
	ActionKnownRebuilt  = "known.rebuilt"
)

// AuditLog appends plaintext audit rows. Rows carry ids and actions only,
// never names, identity numbers or plates.
type AuditLog struct {
	docs   store.DocumentStore
	logger *slog.Logger
	now    func() time.Time
}

func NewAuditLog(docs store.DocumentStore, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AuditLog{docs: docs, logger: logger, now: time.Now}
}

// Record persists one audit row. Errors are logged and not returned; a
// failed audit write must not undo the operation being audited.
func (a *AuditLog) Record(ctx context.Context, userID, action, subjectID string) {
	if a == nil {
		return
	}
	entry := types.AuditEntry{
		ID:        crypto.NewID(),
		Timestamp: a.now().UTC(),
		UserID:    strings.TrimSpace(userID),
		Action:    action,
		SubjectID: subjectID,
	}
	if err := store.PutJSON(ctx, a.docs, store.AuditLog, entry.ID, entry); err != nil {
		a.logger.Warn("audit write failed", "action", action, "subject", subjectID, "error", err)
	}
}

// List returns up to limit rows, newest first. limit <= 0 returns all.
func (a *AuditLog) List(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	docs, err := a.docs.GetAll(ctx, store.AuditLog)
	if err != nil {
		return nil, err
	}

	out := make([]types.AuditEntry, 0, len(docs))
	for _, d := range docs {
		var e types.AuditEntry
		if err := json.Unmarshal(d.Body, &e); err != nil {
			a.logger.Warn("skipping unreadable audit row", "key", d.Key, "error", err)
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
