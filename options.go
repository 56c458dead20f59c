package idios

import (
	"github.com/artresearch/idios/infrastructure/images"
	"github.com/artresearch/idios/internal/config"
	"github.com/artresearch/idios/internal/log"

	"github.com/artresearch/idios/domain/model"
)

// defaultModelDir is where the optional in-process text embedding model is
// looked up when no model directory is configured.
const defaultModelDir = ".idios/models"

// clientConfig holds configuration for Client construction.
type clientConfig struct {
	app       config.AppConfig
	logger    *log.Logger
	loader    *images.Loader
	models    []string
	providers map[string]any
	modelDir  string
}

// newClientConfig creates a clientConfig with defaults: every model in the
// static table, environment-independent AppConfig defaults, and the default
// model directory.
func newClientConfig() *clientConfig {
	return &clientConfig{
		app:       config.NewAppConfig(),
		models:    model.Names(),
		providers: map[string]any{},
		modelDir:  defaultModelDir,
	}
}

// Option configures the Client.
type Option func(*clientConfig)

// WithConfig replaces the full application configuration, typically one
// loaded from the environment with config.LoadConfig.
func WithConfig(cfg config.AppConfig) Option {
	return func(c *clientConfig) { c.app = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}

// WithSQLite stores collections in a SQLite database at path. Development
// and test backend; exact scan instead of an ANN index.
func WithSQLite(path string) Option {
	return func(c *clientConfig) {
		c.app = c.app.With(config.WithDatabaseURL("sqlite:///" + path))
	}
}

// WithPostgres stores collections in PostgreSQL with the pgvector extension.
func WithPostgres(dsn string) Option {
	return func(c *clientConfig) {
		c.app = c.app.With(config.WithDatabaseURL(dsn))
	}
}

// WithMilvus stores collections in a Milvus deployment (the production
// backend and the default when no database URL is configured).
func WithMilvus(address, password string) Option {
	return func(c *clientConfig) {
		c.app = c.app.With(
			config.WithDatabaseURL(""),
			config.WithMilvusURL(address),
			config.WithMilvusPassword(password),
		)
	}
}

// WithModels restricts the client to a subset of the model table. The
// default is every model.
func WithModels(names ...string) Option {
	return func(c *clientConfig) { c.models = names }
}

// WithProvider sets the embedding provider for one model, overriding the
// endpoint-derived default. The provider's capabilities are probed with type
// assertions against the domain/model interfaces.
func WithProvider(modelName string, provider any) Option {
	return func(c *clientConfig) { c.providers[modelName] = provider }
}

// WithImageLoader replaces the image loader, for tests or custom HTTP
// transports.
func WithImageLoader(loader *images.Loader) Option {
	return func(c *clientConfig) { c.loader = loader }
}

// WithModelDir sets the directory searched for the in-process text embedding
// model used when no TEXT_EMBEDDING endpoint is configured. An empty string
// disables the fallback.
func WithModelDir(dir string) Option {
	return func(c *clientConfig) { c.modelDir = dir }
}
