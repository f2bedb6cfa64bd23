package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/gatelog/internal/db"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/errs"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
)

// DocumentStore keeps every collection in the documents table. Reads go
// straight to the pool; writes are serialized through the db.Worker.
type DocumentStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewDocumentStore(db *sql.DB, writer *dbpkg.Worker) *DocumentStore {
	return &DocumentStore{db: db, writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

func (s *DocumentStore) Put(ctx context.Context, c store.Collection, key string, body []byte) error {
	if key == "" {
		return fmt.Errorf("Put %s: empty key", c)
	}
	ms := s.now().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO documents(collection, doc_key, body, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(collection, doc_key) DO UPDATE SET
  body = excluded.body,
  updated_at_ms = excluded.updated_at_ms;
`, string(c), key, string(body), ms, ms); err != nil {
			return fmt.Errorf("Put %s/%s: %w", c, key, err)
		}
		return nil
	})
}

func (s *DocumentStore) Get(ctx context.Context, c store.Collection, key string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
SELECT body FROM documents WHERE collection = ? AND doc_key = ?;
`, string(c), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("Get %s/%s: %w", c, key, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("Get %s/%s: %w", c, key, err)
	}
	return []byte(body), nil
}

func (s *DocumentStore) GetAll(ctx context.Context, c store.Collection) ([]store.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT doc_key, body FROM documents
WHERE collection = ?
ORDER BY created_at_ms, rowid;
`, string(c))
	if err != nil {
		return nil, fmt.Errorf("GetAll %s: %w", c, err)
	}
	return scanDocuments(rows, "GetAll "+string(c))
}

// FindByField emits json_extract(body, '$.<field>') literally so the
// expression index on identityHash applies.
func (s *DocumentStore) FindByField(ctx context.Context, c store.Collection, field, value string) ([]store.Document, error) {
	if !store.ValidField(field) {
		return nil, fmt.Errorf("FindByField %s: bad field %q", c, field)
	}
	q := `
SELECT doc_key, body FROM documents
WHERE collection = ? AND json_extract(body, '$.` + field + `') = ?
ORDER BY created_at_ms, rowid;
`
	rows, err := s.db.QueryContext(ctx, q, string(c), value)
	if err != nil {
		return nil, fmt.Errorf("FindByField %s.%s: %w", c, field, err)
	}
	return scanDocuments(rows, "FindByField "+string(c))
}

func (s *DocumentStore) Update(ctx context.Context, c store.Collection, key string, patch map[string]any) error {
	ms := s.now().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, `
SELECT body FROM documents WHERE collection = ? AND doc_key = ?;
`, string(c), key).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("Update %s/%s: %w", c, key, errs.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("Update %s/%s read: %w", c, key, err)
		}

		merged, err := store.MergePatch([]byte(body), patch)
		if err != nil {
			return fmt.Errorf("Update %s/%s: %w", c, key, err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE documents SET body = ?, updated_at_ms = ?
WHERE collection = ? AND doc_key = ?;
`, string(merged), ms, string(c), key); err != nil {
			return fmt.Errorf("Update %s/%s write: %w", c, key, err)
		}
		return nil
	})
}

func (s *DocumentStore) Delete(ctx context.Context, c store.Collection, key string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM documents WHERE collection = ? AND doc_key = ?;
`, string(c), key); err != nil {
			return fmt.Errorf("Delete %s/%s: %w", c, key, err)
		}
		return nil
	})
}

func (s *DocumentStore) Clear(ctx context.Context, c store.Collection) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM documents WHERE collection = ?;
`, string(c)); err != nil {
			return fmt.Errorf("Clear %s: %w", c, err)
		}
		return nil
	})
}

func (s *DocumentStore) Count(ctx context.Context, c store.Collection) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM documents WHERE collection = ?;
`, string(c)).Scan(&n); err != nil {
		return 0, fmt.Errorf("Count %s: %w", c, err)
	}
	return n, nil
}

func scanDocuments(rows *sql.Rows, op string) ([]store.Document, error) {
	defer rows.Close()

	var out []store.Document
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, store.Document{Key: key, Body: []byte(body)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return out, nil
}
