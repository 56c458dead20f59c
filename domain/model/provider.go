package model

import (
	"context"
	"image"
)

// ImageEmbedder produces one global descriptor per image. Implementations
// normalise their output to unit length; the similarity score depends on it.
type ImageEmbedder interface {
	ImageEmbedding(ctx context.Context, img image.Image) ([]float32, error)
}

// TextEmbedder maps text into the same vector space as the model's image
// embeddings. Optional capability; the command layer probes for it with a
// type assertion.
type TextEmbedder interface {
	TextEmbedding(ctx context.Context, text string) ([]float32, error)
}

// LocalEmbedder produces up to Cardinality keypoint-anchored descriptors per
// image, ordered by decreasing keypoint response. Fewer descriptors are
// allowed when the image yields fewer keypoints.
type LocalEmbedder interface {
	LocalDescriptors(ctx context.Context, img image.Image) ([]LocalDescriptor, error)
}

// LocalDescriptor pairs one descriptor vector with the keypoint it is
// anchored to.
type LocalDescriptor struct {
	vector   []float32
	location Location
}

// NewLocalDescriptor creates a LocalDescriptor. The vector is copied.
func NewLocalDescriptor(vector []float32, location Location) LocalDescriptor {
	cp := make([]float32, len(vector))
	copy(cp, vector)
	return LocalDescriptor{vector: cp, location: location}
}

// Vector returns a copy of the descriptor vector.
func (d LocalDescriptor) Vector() []float32 {
	cp := make([]float32, len(d.vector))
	copy(cp, d.vector)
	return cp
}

// Location returns the keypoint anchor.
func (d LocalDescriptor) Location() Location { return d.location }
