// Package testdb provides a shared test database helper backed by a
// throwaway SQLite file.
package testdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/artresearch/idios/internal/database"
)

// New creates a SQLite database in a per-test temporary directory. The
// database is closed when the test finishes. No schema is applied: stores
// create their own tables on first use.
func New(t *testing.T) database.Database {
	t.Helper()
	ctx := context.Background()
	db, err := database.NewDatabase(ctx, "sqlite:///"+filepath.Join(t.TempDir(), "idios.db"))
	if err != nil {
		t.Fatalf("testdb.New: open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// WithSchema creates a SQLite database and executes the given SQL statements
// to set up a custom schema. Useful for tests that need tables to exist
// before the code under test runs.
func WithSchema(t *testing.T, statements ...string) database.Database {
	t.Helper()
	ctx := context.Background()
	db := New(t)
	for _, stmt := range statements {
		if err := db.Session(ctx).Exec(stmt).Error; err != nil {
			t.Fatalf("testdb.WithSchema: %v\nSQL: %s", err, stmt)
		}
	}
	return db
}
