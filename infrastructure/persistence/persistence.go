// Package persistence implements the vector collection contract on SQL
// databases: pgvector-backed PostgreSQL for production and plain SQLite for
// development. Both backends share one table layout per model.
package persistence

import (
	"context"
	"log/slog"

	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/internal/database"
)

// Store hands out SQL-backed collections, choosing the backend that matches
// the connected database.
type Store struct {
	db     database.Database
	logger *slog.Logger
}

// NewStore creates a Store over an open database.
func NewStore(db database.Database, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	return Store{db: db, logger: logger}
}

// Collection returns the collection for one model, creating its backing
// table and index immediately so schema problems surface at startup.
func (s Store) Collection(ctx context.Context, desc model.Descriptor) (vector.Collection, error) {
	switch {
	case s.db.IsPostgres():
		collection := NewPgvectorCollection(s.db, desc, s.logger)
		if err := collection.initialize(ctx); err != nil {
			return nil, err
		}
		return collection, nil
	case s.db.IsSQLite():
		collection := NewSQLiteCollection(s.db, desc, s.logger)
		if err := collection.initialize(ctx); err != nil {
			return nil, err
		}
		return collection, nil
	default:
		return nil, database.ErrUnsupportedDriver
	}
}
