package command

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/artresearch/idios/domain/vector"
)

// ListEntry is one row of a field-selecting list call.
type ListEntry struct {
	URL       string          `json:"url"`
	Embedding []float32       `json:"embedding,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// ListImages pages through a collection with url > cursor. Without output
// fields it returns plain urls, with output fields it returns entries
// carrying the requested columns. Local-feature rows keep their composite
// keys on the field-selecting path so a dump can be re-inserted verbatim.
func (c *Commands) ListImages(ctx context.Context, modelName, cursor string, limit int, outputFields []string) (any, error) {
	if len(outputFields) == 0 {
		return c.ListURLs(ctx, modelName, cursor, limit)
	}
	return c.ListEntries(ctx, modelName, cursor, limit,
		containsField(outputFields, "embedding"), containsField(outputFields, "metadata"))
}

// ListURLs returns at most limit urls stored after cursor, ascending. For
// local-feature models the page is fetched past cursor+"Z" so the cursor
// image's own composite keys are stepped over, then deduplicated to plain
// urls and sorted; a page may therefore carry far fewer urls than limit.
func (c *Commands) ListURLs(ctx context.Context, modelName, cursor string, limit int) ([]string, error) {
	m, err := c.model(modelName)
	if err != nil {
		return nil, err
	}

	if !m.desc.LocalFeatures() {
		rows, err := m.collection.QueryRange(ctx, cursor, pageLimit(limit), vector.NewFields(false, false))
		if err != nil {
			return nil, err
		}
		urls := make([]string, 0, len(rows))
		for _, row := range rows {
			urls = append(urls, row.URL())
		}
		return urls, nil
	}

	// 'Z' sorts after '#', so url > cursor+"Z" clears the remaining
	// composite keys of the cursor image in one step.
	rows, err := m.collection.QueryRange(ctx, cursor+"Z", pageLimit(limit), vector.NewFields(false, false))
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rows))
	urls := make([]string, 0, len(rows))
	for _, row := range rows {
		u, _ := vector.SplitKey(row.URL())
		if seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, nil
}

// ListEntries returns at most limit rows stored after cursor, ascending,
// with the selected columns populated.
func (c *Commands) ListEntries(ctx context.Context, modelName, cursor string, limit int, withEmbedding, withMetadata bool) ([]ListEntry, error) {
	m, err := c.model(modelName)
	if err != nil {
		return nil, err
	}
	rows, err := m.collection.QueryRange(ctx, cursor, pageLimit(limit), vector.NewFields(withEmbedding, withMetadata))
	if err != nil {
		return nil, err
	}
	entries := make([]ListEntry, 0, len(rows))
	for _, row := range rows {
		entry := ListEntry{URL: row.URL()}
		if withEmbedding {
			entry.Embedding = row.Embedding()
		}
		if withMetadata {
			entry.Metadata = metadataJSON(row.Metadata())
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Count reports the number of distinct stored urls by paging ListURLs until
// an empty page. The store's own row count can lag behind acknowledged
// writes; a strongly consistent scan cannot.
func (c *Commands) Count(ctx context.Context, modelName string) (int, error) {
	total := 0
	cursor := ""
	for {
		urls, err := c.ListURLs(ctx, modelName, cursor, vector.MaxPageSize)
		if err != nil {
			return 0, err
		}
		if len(urls) == 0 {
			return total, nil
		}
		total += len(urls)
		cursor = urls[len(urls)-1]
	}
}

// RemoveImages deletes the given urls. Local-feature models store one row
// per descriptor, so each url's composite keys are resolved first and
// deleted in one batch per url, keeping delete expressions bounded.
func (c *Commands) RemoveImages(ctx context.Context, modelName string, urls []string) error {
	m, err := c.model(modelName)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return nil
	}

	if !m.desc.LocalFeatures() {
		return m.collection.Delete(ctx, urls)
	}

	for _, u := range urls {
		rows, err := m.collection.QueryPrefix(ctx, u+"#", vector.NewFields(false, false))
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}
		keys := make([]string, 0, len(rows))
		for _, row := range rows {
			keys = append(keys, row.URL())
		}
		if err := m.collection.Delete(ctx, keys); err != nil {
			return err
		}
	}
	return nil
}

// pageLimit normalises a caller limit to (0, MaxPageSize].
func pageLimit(limit int) int {
	if limit <= 0 || limit > vector.MaxPageSize {
		return vector.MaxPageSize
	}
	return limit
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
