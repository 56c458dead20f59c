package milvus

import (
	"context"
	"fmt"
	"sort"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
)

// Collection adapts one Milvus collection to the vector.Collection contract.
// All reads run at strong consistency so a read observes every write
// acknowledged before it began.
type Collection struct {
	client api
	desc   model.Descriptor
}

var _ vector.Collection = (*Collection)(nil)

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.desc.Name()
}

// Insert upserts rows: existing primary keys are replaced.
func (c *Collection) Insert(ctx context.Context, rows []vector.Row) error {
	if len(rows) == 0 {
		return nil
	}

	urls := make([]string, len(rows))
	embeddings := make([][]float32, len(rows))
	metadatas := make([]string, len(rows))
	for i, row := range rows {
		urls[i] = row.URL()
		embeddings[i] = row.Embedding()
		metadatas[i] = row.Metadata()
	}

	_, err := c.client.Upsert(ctx, c.desc.Name(), "",
		entity.NewColumnVarChar(fieldURL, urls),
		entity.NewColumnFloatVector(fieldEmbedding, c.desc.Dimension(), embeddings),
		entity.NewColumnVarChar(fieldMetadata, metadatas),
	)
	if err != nil {
		return fmt.Errorf("upsert %d rows into %s: %w", len(rows), c.desc.Name(), err)
	}

	return nil
}

// QueryRange reads rows with url strictly greater than cursor, ascending.
func (c *Collection) QueryRange(ctx context.Context, cursor string, limit int, fields vector.Fields) ([]vector.Row, error) {
	if limit <= 0 || limit > vector.MaxPageSize {
		limit = vector.MaxPageSize
	}

	rows, err := c.query(ctx, exprGreaterThan(fieldURL, cursor), fields, int64(limit))
	if err != nil {
		return nil, err
	}
	sortRows(rows)

	return rows, nil
}

// QueryIn reads the rows whose url is in urls.
func (c *Collection) QueryIn(ctx context.Context, urls []string, fields vector.Fields) ([]vector.Row, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	rows, err := c.query(ctx, exprIn(fieldURL, urls), fields, 0)
	if err != nil {
		return nil, err
	}
	sortRows(rows)

	return rows, nil
}

// QueryPrefix reads the rows whose url starts with prefix.
func (c *Collection) QueryPrefix(ctx context.Context, prefix string, fields vector.Fields) ([]vector.Row, error) {
	expr, err := exprPrefix(fieldURL, prefix)
	if err != nil {
		return nil, err
	}

	rows, err := c.query(ctx, expr, fields, 0)
	if err != nil {
		return nil, err
	}
	sortRows(rows)

	return rows, nil
}

func (c *Collection) query(ctx context.Context, expr string, fields vector.Fields, limit int64) ([]vector.Row, error) {
	opts := []client.SearchQueryOptionFunc{
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	}
	if limit > 0 {
		opts = append(opts, client.WithLimit(limit))
	}

	results, err := c.client.Query(ctx, c.desc.Name(), nil, expr, outputFields(fields), opts...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.desc.Name(), err)
	}

	return decodeRows(results, fields)
}

// Search runs an ANN search with the descriptor's metric and params.
func (c *Collection) Search(ctx context.Context, vectors [][]float32, limit int) ([][]vector.Hit, error) {
	if len(vectors) == 0 {
		return nil, nil
	}

	queries := make([]entity.Vector, len(vectors))
	for i, v := range vectors {
		queries[i] = entity.FloatVector(v)
	}

	params, err := searchParam(c.desc)
	if err != nil {
		return nil, err
	}

	results, err := c.client.Search(ctx, c.desc.Name(), nil, "", []string{fieldMetadata},
		queries, fieldEmbedding, entity.MetricType(c.desc.Metric()), limit, params,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.desc.Name(), err)
	}

	hits := make([][]vector.Hit, len(results))
	for i, result := range results {
		if result.Err != nil {
			return nil, fmt.Errorf("search %s: %w", c.desc.Name(), result.Err)
		}
		list, err := decodeHits(result)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", c.desc.Name(), err)
		}
		hits[i] = list
	}

	return hits, nil
}

// Delete removes the rows whose url is in urls.
func (c *Collection) Delete(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	if err := c.client.Delete(ctx, c.desc.Name(), "", exprIn(fieldURL, urls)); err != nil {
		return fmt.Errorf("delete %d urls from %s: %w", len(urls), c.desc.Name(), err)
	}

	return nil
}

// outputFields builds the column selection; the url key is always included.
func outputFields(fields vector.Fields) []string {
	out := []string{fieldURL}
	if fields.Embedding() {
		out = append(out, fieldEmbedding)
	}
	if fields.Metadata() {
		out = append(out, fieldMetadata)
	}
	return out
}

// decodeRows converts a Milvus result set into rows. An empty result set
// carries no columns at all.
func decodeRows(results client.ResultSet, fields vector.Fields) ([]vector.Row, error) {
	urlColumn, ok := results.GetColumn(fieldURL).(*entity.ColumnVarChar)
	if !ok {
		return nil, nil
	}
	urls := urlColumn.Data()

	var embeddings [][]float32
	if fields.Embedding() {
		column, ok := results.GetColumn(fieldEmbedding).(*entity.ColumnFloatVector)
		if !ok {
			return nil, fmt.Errorf("result set misses the %s column", fieldEmbedding)
		}
		embeddings = column.Data()
	}

	var metadatas []string
	if fields.Metadata() {
		column, ok := results.GetColumn(fieldMetadata).(*entity.ColumnVarChar)
		if !ok {
			return nil, fmt.Errorf("result set misses the %s column", fieldMetadata)
		}
		metadatas = column.Data()
	}

	rows := make([]vector.Row, len(urls))
	for i, url := range urls {
		var embedding []float32
		if embeddings != nil {
			embedding = embeddings[i]
		}
		var metadata string
		if metadatas != nil {
			metadata = metadatas[i]
		}
		rows[i] = vector.NewRow(url, embedding, metadata)
	}

	return rows, nil
}

// decodeHits converts one per-query search result into a hit list sorted
// ascending by distance. For L2 the scores are squared distances.
func decodeHits(result client.SearchResult) ([]vector.Hit, error) {
	if result.ResultCount == 0 {
		return nil, nil
	}

	ids, ok := result.IDs.(*entity.ColumnVarChar)
	if !ok {
		return nil, fmt.Errorf("unexpected id column type %T", result.IDs)
	}
	urls := ids.Data()

	var metadatas []string
	if column, ok := result.Fields.GetColumn(fieldMetadata).(*entity.ColumnVarChar); ok {
		metadatas = column.Data()
	}

	hits := make([]vector.Hit, len(urls))
	for i, url := range urls {
		var metadata string
		if metadatas != nil {
			metadata = metadatas[i]
		}
		hits[i] = vector.NewHit(url, result.Scores[i], metadata)
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Distance() < hits[b].Distance() })

	return hits, nil
}

// sortRows orders rows ascending by url. Milvus merges query results in key
// order already; sorting here pins the pagination contract to this package
// rather than to server behaviour.
func sortRows(rows []vector.Row) {
	sort.Slice(rows, func(a, b int) bool { return rows[a].URL() < rows[b].URL() })
}
