// Package command implements the operations behind the RPC dispatch table:
// ingesting images into per-model collections, similarity search by url,
// text or embedding, pagination, counting and removal. Commands compose the
// embedding providers, the image loader and the vector collections; the
// dispatcher invokes them by wire name with positional JSON arguments.
package command

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/infrastructure/images"
)

// Model bundles what one model needs at runtime: its static descriptor, its
// collection, and the capabilities of its embedding provider. Providers are
// probed once at construction; a capability the provider lacks stays nil and
// the operations needing it fail with a typed error.
type Model struct {
	desc       model.Descriptor
	collection vector.Collection
	images     model.ImageEmbedder
	texts      model.TextEmbedder
	locals     model.LocalEmbedder
}

// NewModel creates a Model, probing provider for the embedding capabilities
// it offers.
func NewModel(desc model.Descriptor, collection vector.Collection, provider any) Model {
	m := Model{desc: desc, collection: collection}
	if p, ok := provider.(model.ImageEmbedder); ok {
		m.images = p
	}
	if p, ok := provider.(model.TextEmbedder); ok {
		m.texts = p
	}
	if p, ok := provider.(model.LocalEmbedder); ok {
		m.locals = p
	}
	return m
}

// Descriptor returns the model's static definition.
func (m Model) Descriptor() model.Descriptor { return m.desc }

// Commands is the command layer: one instance serves every model.
type Commands struct {
	models map[string]Model
	loader *images.Loader
	logger *slog.Logger
}

// NewCommands creates the command layer over the given models.
func NewCommands(models map[string]Model, loader *images.Loader, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{models: models, loader: loader, logger: logger}
}

// model resolves a model name.
func (c *Commands) model(name string) (Model, error) {
	m, ok := c.models[name]
	if !ok {
		return Model{}, fault.Parameter("unknown model: %s", name)
	}
	return m, nil
}

// Ping reports liveness across the full dispatch path.
func (c *Commands) Ping() string {
	return "pong"
}

// imageEmbedding loads the image behind url and computes its global
// embedding.
func (c *Commands) imageEmbedding(ctx context.Context, m Model, url string) ([]float32, error) {
	if m.images == nil {
		return nil, fault.Parameter("model %s does not produce global embeddings", m.desc.Name())
	}
	img, err := c.loader.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return m.images.ImageEmbedding(ctx, img)
}

// metadataJSON converts a stored metadata string into the JSON value it
// encodes. Rows written before metadata was attached store the empty string,
// which reads back as null.
func metadataJSON(stored string) json.RawMessage {
	if stored == "" {
		return json.RawMessage("null")
	}
	return json.RawMessage(stored)
}
