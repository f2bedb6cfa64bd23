package types

import (
	"time"

	"github.com/BrandonDHaskell/gatelog/internal/gatelog/crypto"
)

// BackupArchive is one encrypted full-store snapshot.
type BackupArchive struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      crypto.Blob `json:"data"`
	Encrypted bool        `json:"encrypted"`
	Size      int64       `json:"size"`
	Version   string      `json:"version"`
	DBVersion int         `json:"dbVersion"`
}

// BackupInfo is an archive listing without the payload.
type BackupInfo struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Version   string    `json:"version"`
	DBVersion int       `json:"dbVersion"`
}

func (a BackupArchive) Info() BackupInfo {
	return BackupInfo{ID: a.ID, Timestamp: a.Timestamp, Size: a.Size, Version: a.Version, DBVersion: a.DBVersion}
}

// RestoreReport counts the documents written per collection.
type RestoreReport struct {
	BackupID   string         `json:"backupId"`
	Wiped      bool           `json:"wiped"`
	Restored   map[string]int `json:"restored"`
	RestoredAt time.Time      `json:"restoredAt"`
}
