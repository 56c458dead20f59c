package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/internal/database"
)

// The table name varies per model, so the schema is raw DDL (see
// vectorRecord). The embedding is stored as its text literal.
const sqliteCreateTableTemplate = `
CREATE TABLE IF NOT EXISTS %s (
    url VARCHAR(%d) PRIMARY KEY,
    embedding TEXT NOT NULL,
    metadata VARCHAR(%d)
)`

// ErrSQLiteInitializationFailed indicates SQLite collection setup failed.
var ErrSQLiteInitializationFailed = errors.New("failed to initialize sqlite collection")

// SQLiteCollection implements vector.Collection on a plain SQLite table.
// SQLite has no ANN index, so Search loads every row and ranks it in
// process; that holds up at development scale, not production scale.
type SQLiteCollection struct {
	db     database.Database
	desc   model.Descriptor
	table  string
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
}

var _ vector.Collection = (*SQLiteCollection)(nil)

// NewSQLiteCollection creates a SQLiteCollection for one model. The backing
// table is created on first use.
func NewSQLiteCollection(db database.Database, desc model.Descriptor, logger *slog.Logger) *SQLiteCollection {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteCollection{
		db:     db,
		desc:   desc,
		table:  collectionTable(desc.Name()),
		logger: logger,
	}
}

// Name returns the model name the collection serves.
func (c *SQLiteCollection) Name() string {
	return c.desc.Name()
}

func (c *SQLiteCollection) initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	ddl := fmt.Sprintf(sqliteCreateTableTemplate, c.table, vector.MaxURLLength, vector.MaxMetadataLength)
	if err := c.db.Session(ctx).Exec(ddl).Error; err != nil {
		return errors.Join(ErrSQLiteInitializationFailed, fmt.Errorf("create table: %w", err))
	}

	c.initialized = true
	return nil
}

// Insert writes rows atomically, replacing rows that share a primary key.
func (c *SQLiteCollection) Insert(ctx context.Context, rows []vector.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := c.initialize(ctx); err != nil {
		return err
	}
	return upsertRows(ctx, c.db, c.table, rows)
}

// QueryRange reads rows with url strictly greater than cursor, ascending.
func (c *SQLiteCollection) QueryRange(ctx context.Context, cursor string, limit int, fields vector.Fields) ([]vector.Row, error) {
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
func (c *SQLiteCollection) QueryIn(ctx context.Context, urls []string, fields vector.Fields) ([]vector.Row, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	q := database.NewQuery().In("url", urls).OrderAsc("url")
	return queryRecords(ctx, c.db, c.table, q, fields)
}

// QueryPrefix reads rows whose url starts with prefix. SQLite LIKE folds
// ASCII case, so the read is a right-open range over the BINARY-collated
// primary key instead.
func (c *SQLiteCollection) QueryPrefix(ctx context.Context, prefix string, fields vector.Fields) ([]vector.Row, error) {
	if err := rejectPercent(prefix); err != nil {
		return nil, err
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	q := database.NewQuery().GreaterOrEqual("url", prefix).OrderAsc("url")
	if upper := prefixUpperBound(prefix); upper != "" {
		q = q.LessThan("url", upper)
	}
	return queryRecords(ctx, c.db, c.table, q, fields)
}

// Search ranks every stored row against each query vector by squared L2
// distance and returns the closest limit rows per query.
func (c *SQLiteCollection) Search(ctx context.Context, vectors [][]float32, limit int) ([][]vector.Hit, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}

	var records []vectorRecord
	if err := c.db.Session(ctx).Table(c.table).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load %s: %w", c.table, err)
	}

	results := make([][]vector.Hit, len(vectors))
	for i, query := range vectors {
		results[i] = c.rank(query, records, limit)
	}
	return results, nil
}

// Delete removes the rows whose url is in urls.
func (c *SQLiteCollection) Delete(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if err := c.initialize(ctx); err != nil {
		return err
	}
	return deleteURLs(ctx, c.db, c.table, urls)
}

func (c *SQLiteCollection) rank(query []float32, records []vectorRecord, limit int) []vector.Hit {
	hits := make([]vector.Hit, 0, len(records))
	for _, record := range records {
		stored := record.Embedding.Floats()
		if len(stored) != len(query) {
			c.logger.Warn("skipping row with mismatched embedding dimension",
				"table", c.table, "url", record.URL, "dimension", len(stored))
			continue
		}
		hits = append(hits, vector.NewHit(record.URL, squaredL2(query, stored), record.Metadata))
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance() < hits[j].Distance()
	})
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	return hits
}

// squaredL2 returns the squared Euclidean distance, the convention ANN
// backends use for L2 results.
func squaredL2(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, or "" when no such bound exists.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
