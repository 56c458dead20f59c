package vector

import "context"

// Schema bounds shared by every collection.
const (
	// MaxURLLength caps the url primary key, composite suffix included.
	MaxURLLength = 2083
	// MaxMetadataLength caps the serialised metadata JSON in bytes.
	MaxMetadataLength = 65535
	// MaxPageSize is the largest page a single range query may return; it
	// mirrors the store-side cap on query results.
	MaxPageSize = 16384
)

// Collection is the per-model contract over the ANN store. One instance maps
// to one named collection with the fixed schema (url varchar primary key,
// float vector embedding, varchar metadata). All reads are strongly
// consistent: they observe every write acknowledged before they began.
type Collection interface {
	// Name returns the collection name (the model name).
	Name() string

	// Insert writes rows atomically, replacing existing rows that share a
	// primary key.
	Insert(ctx context.Context, rows []Row) error

	// QueryRange reads rows with url strictly greater than cursor, sorted
	// ascending by url, at most limit rows (limit ≤ MaxPageSize).
	QueryRange(ctx context.Context, cursor string, limit int, fields Fields) ([]Row, error)

	// QueryIn reads the rows whose url is in urls.
	QueryIn(ctx context.Context, urls []string, fields Fields) ([]Row, error)

	// QueryPrefix reads rows whose url starts with prefix. The prefix must
	// not contain a literal '%'; implementations reject it as a parameter
	// fault.
	QueryPrefix(ctx context.Context, prefix string, fields Fields) ([]Row, error)

	// Search runs an ANN search with the collection's metric and search
	// params, returning one hit list per query vector, each sorted ascending
	// by distance with metadata populated.
	Search(ctx context.Context, vectors [][]float32, limit int) ([][]Hit, error)

	// Delete removes the rows whose url is in urls.
	Delete(ctx context.Context, urls []string) error
}

// Fields selects which columns a query returns besides the url key.
type Fields struct {
	embedding bool
	metadata  bool
}

// NewFields creates a Fields selection.
func NewFields(embedding, metadata bool) Fields {
	return Fields{embedding: embedding, metadata: metadata}
}

// Embedding reports whether the embedding column is requested.
func (f Fields) Embedding() bool { return f.embedding }

// Metadata reports whether the metadata column is requested.
func (f Fields) Metadata() bool { return f.metadata }
