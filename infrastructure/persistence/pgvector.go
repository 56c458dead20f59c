package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/internal/database"
)

// SQL specific to pgvector (extension, dynamic-dimension table, ANN indexes,
// catalog checks). Table names vary per model, so the schema is raw DDL.
const (
	pgvectorCreateExtension = `CREATE EXTENSION IF NOT EXISTS vector`

	pgvectorCreateTableTemplate = `
CREATE TABLE IF NOT EXISTS %s (
    url VARCHAR(%d) PRIMARY KEY,
    embedding VECTOR(%d) NOT NULL,
    metadata VARCHAR(%d)
)`

	pgvectorIVFFlatIndexTemplate = `
CREATE INDEX IF NOT EXISTS %s_embedding_idx
ON %s
USING ivfflat (embedding vector_l2_ops)
WITH (lists = %d)`

	pgvectorHNSWIndexTemplate = `
CREATE INDEX IF NOT EXISTS %s_embedding_idx
ON %s
USING hnsw (embedding vector_l2_ops)
WITH (m = %d, ef_construction = %d)`

	pgvectorCheckDimensionTemplate = `
SELECT a.atttypmod AS dimension
FROM pg_attribute a
JOIN pg_class c ON a.attrelid = c.oid
WHERE c.relname = '%s'
AND a.attname = 'embedding'`
)

// Initialization errors.
var (
	// ErrPgvectorInitializationFailed indicates pgvector collection setup failed.
	ErrPgvectorInitializationFailed = errors.New("failed to initialize pgvector collection")
	// ErrDimensionMismatch indicates an existing table was created for a
	// different embedding dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// likeEscaper prepares a literal string for use inside a LIKE pattern.
// Postgres treats backslash as the default escape character.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// PgvectorCollection implements vector.Collection on PostgreSQL with the
// pgvector extension. ANN searches run server side through the collection's
// ivfflat or hnsw index.
type PgvectorCollection struct {
	db     database.Database
	desc   model.Descriptor
	table  string
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

var _ vector.Collection = (*PgvectorCollection)(nil)

// NewPgvectorCollection creates a PgvectorCollection for one model. The
// extension, table, and index are created on first use.
func NewPgvectorCollection(db database.Database, desc model.Descriptor, logger *slog.Logger) *PgvectorCollection {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgvectorCollection{
		db:     db,
		desc:   desc,
		table:  collectionTable(desc.Name()),
		logger: logger,
	}
}

// Name returns the model name the collection serves.
func (c *PgvectorCollection) Name() string {
	return c.desc.Name()
}

func (c *PgvectorCollection) initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	session := c.db.Session(ctx)

	if err := session.Exec(pgvectorCreateExtension).Error; err != nil {
		return errors.Join(ErrPgvectorInitializationFailed, fmt.Errorf("create extension: %w", err))
	}

	ddl := fmt.Sprintf(pgvectorCreateTableTemplate, c.table, vector.MaxURLLength, c.desc.Dimension(), vector.MaxMetadataLength)
	if err := session.Exec(ddl).Error; err != nil {
		return errors.Join(ErrPgvectorInitializationFailed, fmt.Errorf("create table: %w", err))
	}

	if err := session.Exec(c.indexDDL()).Error; err != nil {
		c.logger.Warn("failed to create vector index (may already exist)", "table", c.table, "error", err)
	}

	// An existing table with another dimension would silently reject every
	// insert, so verify it up front.
	var dimension int
	result := session.Raw(fmt.Sprintf(pgvectorCheckDimensionTemplate, c.table)).Scan(&dimension)
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return errors.Join(ErrPgvectorInitializationFailed, fmt.Errorf("check dimension: %w", result.Error))
	}
	if result.RowsAffected > 0 && dimension != c.desc.Dimension() {
		return fmt.Errorf("%w: table %s has %d, model %s needs %d",
			ErrDimensionMismatch, c.table, dimension, c.desc.Name(), c.desc.Dimension())
	}

	c.initialized = true
	return nil
}

// indexDDL renders the ANN index statement for the model's index spec.
func (c *PgvectorCollection) indexDDL() string {
	index := c.desc.Index()
	if index.Kind() == model.IndexHNSW {
		return fmt.Sprintf(pgvectorHNSWIndexTemplate, c.table, c.table, index.M(), index.EfConstruction())
	}
	return fmt.Sprintf(pgvectorIVFFlatIndexTemplate, c.table, c.table, index.NList())
}

// searchTuning renders the per-transaction search parameter for the model's
// index spec.
func (c *PgvectorCollection) searchTuning() string {
	if c.desc.Index().Kind() == model.IndexHNSW {
		return fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", c.desc.Search().Ef())
	}
	return fmt.Sprintf("SET LOCAL ivfflat.probes = %d", c.desc.Search().NProbe())
}

// Insert writes rows atomically, replacing rows that share a primary key.
func (c *PgvectorCollection) Insert(ctx context.Context, rows []vector.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := c.initialize(ctx); err != nil {
		return err
	}
	return upsertRows(ctx, c.db, c.table, rows)
}

// QueryRange reads rows with url strictly greater than cursor, ascending.
func (c *PgvectorCollection) QueryRange(ctx context.Context, cursor string, limit int, fields vector.Fields) ([]vector.Row, error) {
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > vector.MaxPageSize {
		limit = vector.MaxPageSize
	}
	q := database.NewQuery().GreaterThan("url", cursor).OrderAsc("url").Limit(limit)
	return queryRecords(ctx, c.db, c.table, q, fields)
}

// QueryIn reads the rows whose url is in urls.
func (c *PgvectorCollection) QueryIn(ctx context.Context, urls []string, fields vector.Fields) ([]vector.Row, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	q := database.NewQuery().In("url", urls).OrderAsc("url")
	return queryRecords(ctx, c.db, c.table, q, fields)
}

// QueryPrefix reads rows whose url starts with prefix. Composite keys carry
// underscores, which LIKE would treat as wildcards, so the prefix is escaped
// before the pattern is built.
func (c *PgvectorCollection) QueryPrefix(ctx context.Context, prefix string, fields vector.Fields) ([]vector.Row, error) {
	if err := rejectPercent(prefix); err != nil {
		return nil, err
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	q := database.NewQuery().Like("url", likeEscaper.Replace(prefix)+"%").OrderAsc("url")
	return queryRecords(ctx, c.db, c.table, q, fields)
}

// pgvectorHit is the scan target for one ANN search row.
type pgvectorHit struct {
	URL      string  `gorm:"column:url"`
	Metadata string  `gorm:"column:metadata"`
	Distance float64 `gorm:"column:distance"`
}

// Search runs one index scan per query vector inside a single transaction
// so SET LOCAL scopes the search parameter to all of them.
func (c *PgvectorCollection) Search(ctx context.Context, vectors [][]float32, limit int) ([][]vector.Hit, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}

	results := make([][]vector.Hit, len(vectors))
	err := database.WithTransaction(ctx, c.db, func(tx *gorm.DB) error {
		if err := tx.Exec(c.searchTuning()).Error; err != nil {
			return fmt.Errorf("set search params: %w", err)
		}
		for i, query := range vectors {
			hits, err := c.searchOne(tx, query, limit)
			if err != nil {
				return err
			}
			results[i] = hits
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.table, err)
	}
	return results, nil
}

func (c *PgvectorCollection) searchOne(tx *gorm.DB, query []float32, limit int) ([]vector.Hit, error) {
	sql := fmt.Sprintf(
		`SELECT url, metadata, embedding <-> ?::vector AS distance FROM %s ORDER BY embedding <-> ?::vector LIMIT ?`,
		c.table,
	)
	queryVector := database.NewVector(query)

	var scanned []pgvectorHit
	if err := tx.Raw(sql, queryVector, queryVector, limit).Scan(&scanned).Error; err != nil {
		return nil, err
	}

	hits := make([]vector.Hit, len(scanned))
	for i, hit := range scanned {
		// The <-> operator returns plain Euclidean distance; squaring it
		// matches the squared-L2 convention of the other backends.
		hits[i] = vector.NewHit(hit.URL, float32(hit.Distance*hit.Distance), hit.Metadata)
	}
	return hits, nil
}

// Delete removes the rows whose url is in urls.
func (c *PgvectorCollection) Delete(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if err := c.initialize(ctx); err != nil {
		return err
	}
	return deleteURLs(ctx, c.db, c.table, urls)
}
