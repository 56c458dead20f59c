// Package idios provides the composition root for the Idios reverse-image-
// search service.
//
// Idios ingests images (identified by URL) into per-model vector
// collections and answers similarity queries by URL, text or a second
// image. A Client wires one process's worth of the service together:
// configuration, the vector store backend, the embedding providers and the
// command layer the dispatcher executes.
//
// Basic usage:
//
//	client, err := idios.New(
//	    idios.WithSQLite(".idios/idios.db"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Run commands directly (standalone mode) ...
//	result, err := client.Commands.SearchByURL(ctx, "vit_b32", url, 10)
//
//	// ... or hand the command layer to a queue worker.
//	worker := dispatch.NewWorker(brokerURL, client.Commands, logger, metrics)
package idios

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/artresearch/idios/application/command"
	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/infrastructure/images"
	"github.com/artresearch/idios/infrastructure/milvus"
	"github.com/artresearch/idios/infrastructure/persistence"
	"github.com/artresearch/idios/infrastructure/provider"
	"github.com/artresearch/idios/internal/database"
	"github.com/artresearch/idios/internal/log"
)

// Client is the assembled service core: the command layer plus the
// connections it runs on. Workers pass Commands to a queue consumer;
// standalone mode invokes it through a local dispatcher.
type Client struct {
	// Commands is the command layer, one instance serving every configured
	// model. It implements dispatch.Executor.
	Commands *command.Commands

	cfg     clientConfig
	logger  *log.Logger
	closers []io.Closer
	closed  atomic.Bool
}

// New creates a Client with the given options. It connects to the configured
// vector store backend and ensures every model's collection exists before
// returning, so schema problems surface at startup rather than on the first
// command.
func New(opts ...Option) (*Client, error) {
	cfg := newClientConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = log.NewLogger(cfg.app)
	}

	client := &Client{cfg: *cfg, logger: logger}

	ctx := context.Background()

	collections, err := client.openCollections(ctx, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}

	loader := cfg.loader
	if loader == nil {
		loader = images.NewLoaderFromConfig(images.LoaderConfig{Timeout: cfg.app.ImageTimeout()})
	}

	models := make(map[string]command.Model, len(cfg.models))
	for _, name := range cfg.models {
		desc, ok := model.Lookup(name)
		if !ok {
			client.Close()
			return nil, fmt.Errorf("unknown model: %s", name)
		}

		p, ok := cfg.providers[name]
		if !ok {
			p = client.defaultProvider(cfg, desc)
		}

		models[name] = command.NewModel(desc, collections[name], p)
	}

	client.Commands = command.NewCommands(models, loader, logger.Slog())

	return client, nil
}

// openCollections connects the configured backend and creates (or opens) one
// collection per model.
func (c *Client) openCollections(ctx context.Context, cfg *clientConfig) (map[string]vector.Collection, error) {
	collections := make(map[string]vector.Collection, len(cfg.models))

	if url := cfg.app.DatabaseURL(); url != "" {
		db, err := database.NewDatabase(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		c.closers = append(c.closers, closerFunc(db.Close))

		store := persistence.NewStore(db, c.logger.Slog())
		for _, name := range cfg.models {
			desc, ok := model.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("unknown model: %s", name)
			}
			collection, err := store.Collection(ctx, desc)
			if err != nil {
				return nil, fmt.Errorf("open collection %s: %w", name, err)
			}
			collections[name] = collection
		}
		return collections, nil
	}

	store, err := milvus.Connect(ctx, milvus.Config{
		Address:  cfg.app.MilvusURL(),
		Password: cfg.app.MilvusPassword(),
	}, c.logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, closerFunc(store.Close))

	for _, name := range cfg.models {
		desc, ok := model.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown model: %s", name)
		}
		collection, err := store.Collection(ctx, desc)
		if err != nil {
			return nil, fmt.Errorf("open collection %s: %w", name, err)
		}
		collections[name] = collection
	}
	return collections, nil
}

// defaultProvider builds the embedding provider for one model from the
// endpoint configuration: the inference sidecar for image embeddings and
// local descriptors, an OpenAI-compatible endpoint for text embeddings, and
// the in-process ONNX text tower as a fallback when no text endpoint is
// configured.
func (c *Client) defaultProvider(cfg *clientConfig, desc model.Descriptor) any {
	var inference *provider.Inference
	if ep := cfg.app.Inference(); ep.IsConfigured() {
		inference = provider.NewInferenceFromConfig(provider.InferenceConfig{
			BaseURL:       ep.BaseURL(),
			Model:         desc.Name(),
			Limit:         desc.Cardinality(),
			APIKey:        ep.APIKey(),
			Timeout:       ep.Timeout(),
			MaxRetries:    ep.MaxRetries(),
			InitialDelay:  ep.InitialDelay(),
			BackoffFactor: ep.BackoffFactor(),
		})
	}

	if desc.LocalFeatures() {
		if inference == nil {
			return nil
		}
		return inference
	}

	texts := c.textEmbedder(cfg)
	switch {
	case inference == nil:
		return texts
	case texts == nil:
		return imageOnly{inference}
	default:
		return imageAndText{inference, texts}
	}
}

// textEmbedder picks the text capability shared by the global models.
func (c *Client) textEmbedder(cfg *clientConfig) model.TextEmbedder {
	if ep := cfg.app.TextEmbedding(); ep.IsConfigured() {
		return provider.NewOpenAIFromConfig(provider.OpenAIConfig{
			APIKey:        ep.APIKey(),
			BaseURL:       ep.BaseURL(),
			Model:         ep.Model(),
			Timeout:       ep.Timeout(),
			MaxRetries:    ep.MaxRetries(),
			InitialDelay:  ep.InitialDelay(),
			BackoffFactor: ep.BackoffFactor(),
		})
	}

	if cfg.modelDir != "" {
		hugot := provider.NewHugot(cfg.modelDir)
		if hugot.Available() {
			c.logger.Info("built-in text embedding enabled", "model_dir", cfg.modelDir)
			c.closers = append(c.closers, hugot)
			return hugot
		}
	}

	return nil
}

// imageOnly narrows an Inference client to its image capability so a model
// without a text endpoint does not claim one.
type imageOnly struct {
	model.ImageEmbedder
}

// imageAndText combines the sidecar's image capability with a separate text
// embedder into one provider for a global model.
type imageAndText struct {
	model.ImageEmbedder
	model.TextEmbedder
}

// Close releases the vector store connection and any provider resources.
// Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closerFunc adapts a close function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }
