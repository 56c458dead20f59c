package persistence

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/internal/database"
)

// Batch sizes keep multi-row statements under SQLite's historical
// 999-parameter cap; Postgres tolerates far more but gains nothing from
// bigger batches.
const (
	insertBatchSize = 200
	deleteBatchSize = 500
)

// vectorRecord is the row shape shared by the SQLite and pgvector tables.
// Tables are routed per model with .Table(), so the schema is created with
// raw DDL rather than AutoMigrate: GORM caches parsed schemas by Go type,
// which conflicts with one struct backing many tables.
type vectorRecord struct {
	URL       string          `gorm:"column:url;primaryKey"`
	Embedding database.Vector `gorm:"column:embedding"`
	Metadata  string          `gorm:"column:metadata"`
}

// collectionTable returns the SQL table backing one model's collection.
func collectionTable(model string) string {
	return fmt.Sprintf("idios_%s_vectors", model)
}

func toRecords(rows []vector.Row) []vectorRecord {
	records := make([]vectorRecord, len(rows))
	for i, row := range rows {
		records[i] = vectorRecord{
			URL:       row.URL(),
			Embedding: database.NewVector(row.Embedding()),
			Metadata:  row.Metadata(),
		}
	}
	return records
}

func (r vectorRecord) toRow(fields vector.Fields) vector.Row {
	var embedding []float32
	if fields.Embedding() {
		embedding = r.Embedding.Floats()
	}
	var metadata string
	if fields.Metadata() {
		metadata = r.Metadata
	}
	return vector.NewRow(r.URL, embedding, metadata)
}

// selectColumns lists the columns a read should fetch; url is always first.
func selectColumns(fields vector.Fields) []string {
	columns := []string{"url"}
	if fields.Embedding() {
		columns = append(columns, "embedding")
	}
	if fields.Metadata() {
		columns = append(columns, "metadata")
	}
	return columns
}

// upsertRows writes rows in one transaction, replacing embedding and
// metadata on primary key conflicts.
func upsertRows(ctx context.Context, db database.Database, table string, rows []vector.Row) error {
	records := toRecords(rows)
	err := database.WithTransaction(ctx, db, func(tx *gorm.DB) error {
		return tx.Table(table).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "url"}},
			DoUpdates: clause.AssignmentColumns([]string{"embedding", "metadata"}),
		}).CreateInBatches(records, insertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("upsert %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}

// queryRecords runs a filtered read and maps the records to domain rows.
func queryRecords(ctx context.Context, db database.Database, table string, q database.Query, fields vector.Fields) ([]vector.Row, error) {
	var records []vectorRecord
	session := q.Apply(db.Session(ctx).Table(table)).Select(selectColumns(fields))
	if err := session.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	rows := make([]vector.Row, len(records))
	for i, record := range records {
		rows[i] = record.toRow(fields)
	}
	return rows, nil
}

// deleteURLs removes rows by primary key in one transaction.
func deleteURLs(ctx context.Context, db database.Database, table string, urls []string) error {
	err := database.WithTransaction(ctx, db, func(tx *gorm.DB) error {
		for start := 0; start < len(urls); start += deleteBatchSize {
			end := min(start+deleteBatchSize, len(urls))
			batch := database.NewQuery().In("url", urls[start:end])
			if err := batch.Apply(tx.Table(table)).Delete(&vectorRecord{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %d urls from %s: %w", len(urls), table, err)
	}
	return nil
}

// rejectPercent guards prefix reads: '%' cannot appear in a stored url, and
// letting it through would turn the prefix into a wildcard pattern.
func rejectPercent(prefix string) error {
	if strings.Contains(prefix, "%") {
		return fault.Parameter("url must not contain the character '%%': %s", prefix)
	}
	return nil
}
