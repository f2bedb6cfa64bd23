package sqlite_test

import (
	"context"
	"strings"
	"testing"

	"github.com/BrandonDHaskell/gatelog/internal/db"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store"
	sqlitestore "github.com/BrandonDHaskell/gatelog/internal/gatelog/store/sqlite"
	"github.com/BrandonDHaskell/gatelog/internal/gatelog/store/storetest"
)

func TestDocumentStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.DocumentStore {
		conn := openTestDB(t)
		return sqlitestore.NewDocumentStore(conn, newTestWriter(t, conn))
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Schema
// ═══════════════════════════════════════════════════════════════════════════

func TestDocumentStore_RejectsNonJSONBody(t *testing.T) {
	conn := openTestDB(t)
	ds := sqlitestore.NewDocumentStore(conn, newTestWriter(t, conn))

	if err := ds.Put(context.Background(), store.Records, "r1", []byte("not json")); err == nil {
		t.Fatal("expected CHECK(json_valid) to reject a non-JSON body")
	}
}

func TestDocumentStore_IdentityHashLookupUsesIndex(t *testing.T) {
	conn := openTestDB(t)

	rows, err := conn.QueryContext(context.Background(), `
EXPLAIN QUERY PLAN
SELECT doc_key, body FROM documents
WHERE collection = 'known_persons' AND json_extract(body, '$.identityHash') = 'x';`)
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	defer rows.Close()

	var plan strings.Builder
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			t.Fatalf("scan: %v", err)
		}
		plan.WriteString(detail)
		plan.WriteString("\n")
	}
	if !strings.Contains(plan.String(), "idx_documents_identity_hash") {
		t.Errorf("expected identity hash index in plan, got:\n%s", plan.String())
	}
}

func TestMigrate_RecordsLatestVersion(t *testing.T) {
	conn := openTestDB(t)

	v, err := db.AppliedVersion(context.Background(), conn)
	if err != nil {
		t.Fatalf("AppliedVersion: %v", err)
	}
	if v != db.LatestVersion() {
		t.Errorf("expected applied version %d, got %d", db.LatestVersion(), v)
	}
	if v < 2 {
		t.Errorf("expected at least 2 migrations, got %d", v)
	}

	// Re-running is a no-op.
	if err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestSeedDev_CreatesOperatorOnce(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	opt := db.SeedDevOptions{Username: "admin", Password: "admin-dev"}

	if err := db.SeedDev(ctx, conn, opt); err != nil {
		t.Fatalf("SeedDev: %v", err)
	}
	if err := db.SeedDev(ctx, conn, db.SeedDevOptions{Username: "other", Password: "x"}); err != nil {
		t.Fatalf("second SeedDev: %v", err)
	}

	var n int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = 'users'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 seeded user, got %d", n)
	}
}
