package vector

import "strings"

// keySeparator splits a composite primary key into its url and location tag.
// '#' cannot occur inside a stored url (URL fragment syntax), so the first
// occurrence is always the boundary.
const keySeparator = "#"

// CompositeKey builds the primary key of one local descriptor row.
func CompositeKey(url, tag string) string {
	return url + keySeparator + tag
}

// SplitKey separates a primary key into url and location tag. The tag is
// empty for global-model keys.
func SplitKey(key string) (url, tag string) {
	url, tag, _ = strings.Cut(key, keySeparator)
	return url, tag
}

// Row is one stored entry: primary key, embedding, serialised metadata.
type Row struct {
	url       string
	embedding []float32
	metadata  string
}

// NewRow creates a Row. The embedding is copied; a nil embedding stays nil
// so it can mark a column that was not requested.
func NewRow(url string, embedding []float32, metadata string) Row {
	if embedding == nil {
		return Row{url: url, metadata: metadata}
	}
	cp := make([]float32, len(embedding))
	copy(cp, embedding)
	return Row{url: url, embedding: cp, metadata: metadata}
}

// URL returns the primary key.
func (r Row) URL() string { return r.url }

// Embedding returns a copy of the embedding vector; nil when the column was
// not requested.
func (r Row) Embedding() []float32 {
	if r.embedding == nil {
		return nil
	}
	cp := make([]float32, len(r.embedding))
	copy(cp, r.embedding)
	return cp
}

// Metadata returns the serialised metadata JSON; empty when the column was
// not requested.
func (r Row) Metadata() string { return r.metadata }

// Hit is one ANN search result: the matched primary key, its distance to the
// query vector, and the row's metadata.
type Hit struct {
	url      string
	distance float32
	metadata string
}

// NewHit creates a Hit.
func NewHit(url string, distance float32, metadata string) Hit {
	return Hit{url: url, distance: distance, metadata: metadata}
}

// URL returns the matched primary key.
func (h Hit) URL() string { return h.url }

// Distance returns the metric distance to the query vector (squared L2 for
// L2 collections).
func (h Hit) Distance() float32 { return h.distance }

// Metadata returns the matched row's serialised metadata.
func (h Hit) Metadata() string { return h.metadata }
