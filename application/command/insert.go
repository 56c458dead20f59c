package command

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/domain/vector"
)

// InsertResult reports which keys an insert created and which urls it left
// untouched because they already existed.
type InsertResult struct {
	Added []string `json:"added"`
	Found []string `json:"found"`
}

// InsertImages ingests images into a model's collection. Embeddings are
// computed from the image behind each url unless supplied (the restore path).
// With replaceExisting false, urls already present are skipped and reported
// in Found. Local-feature models expand each image into composite rows, one
// per descriptor, sharing the image's metadata; Added then carries the
// composite keys actually written.
//
// The call is atomic: any failure aborts before the collection is touched.
func (c *Commands) InsertImages(ctx context.Context, modelName string, urls []string, metadatas []json.RawMessage, embeddings [][]float32, replaceExisting bool) (InsertResult, error) {
	m, err := c.model(modelName)
	if err != nil {
		return InsertResult{}, err
	}

	if m.desc.LocalFeatures() {
		// '%' would collide with the prefix queries that resolve composite
		// keys on search and removal.
		for _, u := range urls {
			if strings.Contains(u, "%") {
				return InsertResult{}, fault.Parameter("url must not contain the character '%%': %s", u)
			}
		}
	}
	if len(metadatas) != len(urls) {
		return InsertResult{}, fault.Parameter("expected %d metadatas, got %d", len(urls), len(metadatas))
	}
	if embeddings != nil && len(embeddings) != len(urls) {
		return InsertResult{}, fault.Parameter("expected %d embeddings, got %d", len(urls), len(embeddings))
	}

	existing := make(map[string]bool)
	found := make([]string, 0)
	if !replaceExisting {
		rows, err := m.collection.QueryIn(ctx, urls, vector.NewFields(false, false))
		if err != nil {
			return InsertResult{}, err
		}
		for _, row := range rows {
			if !existing[row.URL()] {
				existing[row.URL()] = true
				found = append(found, row.URL())
			}
		}
	}

	added := make([]string, 0, len(urls))
	var rows []vector.Row

	if m.desc.LocalFeatures() && embeddings == nil {
		if m.locals == nil {
			return InsertResult{}, fault.Server("model %s has no local descriptor provider", modelName)
		}
		for i, u := range urls {
			if existing[u] {
				continue
			}
			img, err := c.loader.Fetch(ctx, u)
			if err != nil {
				return InsertResult{}, err
			}
			descriptors, err := m.locals.LocalDescriptors(ctx, img)
			if err != nil {
				return InsertResult{}, err
			}
			meta, err := serialiseMetadata(metadatas[i])
			if err != nil {
				return InsertResult{}, err
			}
			for _, d := range descriptors {
				key := vector.CompositeKey(u, d.Location().Tag())
				rows = append(rows, vector.NewRow(key, d.Vector(), meta))
				added = append(added, key)
			}
		}
	} else {
		for i, u := range urls {
			if existing[u] {
				continue
			}
			var embedding []float32
			if embeddings != nil {
				embedding = embeddings[i]
			} else {
				embedding, err = c.imageEmbedding(ctx, m, u)
				if err != nil {
					return InsertResult{}, err
				}
			}
			meta, err := serialiseMetadata(metadatas[i])
			if err != nil {
				return InsertResult{}, err
			}
			rows = append(rows, vector.NewRow(u, embedding, meta))
			added = append(added, u)
		}
	}

	if len(rows) > 0 {
		if err := m.collection.Insert(ctx, rows); err != nil {
			return InsertResult{}, err
		}
	}

	return InsertResult{Added: added, Found: found}, nil
}

// serialiseMetadata renders a metadata value for storage. Absent metadata
// stores as null so it reads back as a JSON value.
func serialiseMetadata(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}
	if len(raw) > vector.MaxMetadataLength {
		return "", fault.Parameter("metadata json too long (%d > %d)", len(raw), vector.MaxMetadataLength)
	}
	return string(raw), nil
}
