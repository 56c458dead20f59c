package command

import (
	"context"
	"encoding/json"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/domain/model"
)

// SearchHit is one similarity search result.
type SearchHit struct {
	URL        string          `json:"url"`
	Metadata   json.RawMessage `json:"metadata"`
	Similarity float64         `json:"similarity"`
}

// SearchByEmbeddings runs an ANN search with the model's metric and search
// parameters and returns the hits of the first query vector in ascending
// distance order.
func (c *Commands) SearchByEmbeddings(ctx context.Context, modelName string, embeddings [][]float32, limit int) ([]SearchHit, error) {
	m, err := c.model(modelName)
	if err != nil {
		return nil, err
	}

	hitLists, err := m.collection.Search(ctx, embeddings, limit)
	if err != nil {
		return nil, err
	}

	results := make([]SearchHit, 0)
	if len(hitLists) == 0 {
		return results, nil
	}
	for _, hit := range hitLists[0] {
		results = append(results, SearchHit{
			URL:        hit.URL(),
			Metadata:   metadataJSON(hit.Metadata()),
			Similarity: similarityScore(float64(hit.Distance())),
		})
	}
	return results, nil
}

// SearchByURL searches with the image behind url as the query. Global models
// embed the image and delegate to SearchByEmbeddings; local-feature models go
// through geometric verification.
func (c *Commands) SearchByURL(ctx context.Context, modelName, url string, limit int) ([]SearchHit, error) {
	m, err := c.model(modelName)
	if err != nil {
		return nil, err
	}

	if m.desc.LocalFeatures() {
		return c.searchByLocalFeatures(ctx, m, url, limit)
	}

	embedding, err := c.imageEmbedding(ctx, m, url)
	if err != nil {
		return nil, err
	}
	return c.SearchByEmbeddings(ctx, modelName, [][]float32{embedding}, limit)
}

// SearchByText searches with a text query embedded into the model's vector
// space.
func (c *Commands) SearchByText(ctx context.Context, modelName, text string, limit int) ([]SearchHit, error) {
	m, err := c.model(modelName)
	if err != nil {
		return nil, err
	}

	if m.texts == nil {
		return nil, fault.Parameter("model %s does not support text search", modelName)
	}
	embedding, err := m.texts.TextEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	return c.SearchByEmbeddings(ctx, modelName, [][]float32{embedding}, limit)
}

// Compare scores the similarity of two images without touching the index.
func (c *Commands) Compare(ctx context.Context, modelName, urlLeft, urlRight string) (float64, error) {
	m, err := c.model(modelName)
	if err != nil {
		return 0, err
	}

	if m.desc.LocalFeatures() {
		return 0, fault.Parameter("compare is not supported for local-feature models")
	}
	if m.desc.Metric() != model.MetricL2 {
		return 0, fault.Server("Distance calculation has not been implemented")
	}

	left, err := c.imageEmbedding(ctx, m, urlLeft)
	if err != nil {
		return 0, err
	}
	right, err := c.imageEmbedding(ctx, m, urlRight)
	if err != nil {
		return 0, err
	}

	return similarityScore(squaredL2(left, right)), nil
}

// similarityScore maps a squared L2 distance between unit-normalised vectors
// onto [0, 100]. Two is the largest squared distance matching pairs reach, so
// identical vectors score 100 and orthogonal ones 0.
func similarityScore(distance float64) float64 {
	score := 100 * (1 - distance/2)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// squaredL2 matches the distance convention of the ANN backends.
func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
