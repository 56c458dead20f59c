package model

import "sort"

// Metric identifies the distance metric of a collection.
type Metric string

// Metric values. L2 on unit-normalised vectors is equivalent to cosine
// distance up to a monotone transform, which is what the similarity score
// relies on.
const (
	MetricL2 Metric = "L2"
)

// IndexKind identifies the ANN index structure of a collection.
type IndexKind string

// IndexKind values.
const (
	IndexIVFFlat IndexKind = "IVF_FLAT"
	IndexHNSW    IndexKind = "HNSW"
)

// IndexSpec holds the build-time parameters of an ANN index.
type IndexSpec struct {
	kind           IndexKind
	nlist          int
	m              int
	efConstruction int
}

// NewIVFFlatIndex creates an IVF_FLAT index spec.
func NewIVFFlatIndex(nlist int) IndexSpec {
	return IndexSpec{kind: IndexIVFFlat, nlist: nlist}
}

// NewHNSWIndex creates an HNSW index spec.
func NewHNSWIndex(m, efConstruction int) IndexSpec {
	return IndexSpec{kind: IndexHNSW, m: m, efConstruction: efConstruction}
}

// Kind returns the index structure.
func (s IndexSpec) Kind() IndexKind { return s.kind }

// NList returns the IVF cluster count (IVF_FLAT only).
func (s IndexSpec) NList() int { return s.nlist }

// M returns the HNSW graph degree (HNSW only).
func (s IndexSpec) M() int { return s.m }

// EfConstruction returns the HNSW build-time beam width (HNSW only).
func (s IndexSpec) EfConstruction() int { return s.efConstruction }

// SearchSpec holds the query-time parameters of an ANN index.
type SearchSpec struct {
	nprobe int
	ef     int
}

// NewIVFSearch creates search params for an IVF index.
func NewIVFSearch(nprobe int) SearchSpec {
	return SearchSpec{nprobe: nprobe}
}

// NewHNSWSearch creates search params for an HNSW index.
func NewHNSWSearch(ef int) SearchSpec {
	return SearchSpec{ef: ef}
}

// NProbe returns the number of IVF clusters probed per query.
func (s SearchSpec) NProbe() int { return s.nprobe }

// Ef returns the HNSW query-time beam width.
func (s SearchSpec) Ef() int { return s.ef }

// Descriptor is the static definition of one embedding model: the shape of
// its vectors, how its collection is indexed and searched, and how many
// descriptors it yields per image.
type Descriptor struct {
	name        string
	dimension   int
	metric      Metric
	index       IndexSpec
	search      SearchSpec
	cardinality int
}

// NewDescriptor creates a model Descriptor.
func NewDescriptor(name string, dimension int, metric Metric, index IndexSpec, search SearchSpec, cardinality int) Descriptor {
	return Descriptor{
		name:        name,
		dimension:   dimension,
		metric:      metric,
		index:       index,
		search:      search,
		cardinality: cardinality,
	}
}

// Name returns the model name.
func (d Descriptor) Name() string { return d.name }

// Dimension returns the embedding dimension.
func (d Descriptor) Dimension() int { return d.dimension }

// Metric returns the distance metric.
func (d Descriptor) Metric() Metric { return d.metric }

// Index returns the ANN index spec.
func (d Descriptor) Index() IndexSpec { return d.index }

// Search returns the query-time search spec.
func (d Descriptor) Search() SearchSpec { return d.search }

// Cardinality returns the maximum number of descriptors per image.
func (d Descriptor) Cardinality() int { return d.cardinality }

// LocalFeatures reports whether the model yields multiple keypoint-anchored
// descriptors per image rather than one global embedding.
func (d Descriptor) LocalFeatures() bool { return d.cardinality > 1 }

// registry is the static model table. Collections are created from it at
// startup; it is never mutated at runtime.
var registry = map[string]Descriptor{
	"vit_b32": NewDescriptor("vit_b32", 512, MetricL2, NewIVFFlatIndex(2048), NewIVFSearch(64), 1),
	"sift20":  NewDescriptor("sift20", 128, MetricL2, NewHNSWIndex(8, 200), NewHNSWSearch(100), 20),
	"sift100": NewDescriptor("sift100", 128, MetricL2, NewHNSWIndex(8, 200), NewHNSWSearch(100), 100),
}

// Lookup returns the descriptor for a model name.
func Lookup(name string) (Descriptor, bool) {
	d, ok := registry[name]
	return d, ok
}

// Names returns all model names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
