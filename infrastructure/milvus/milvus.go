// Package milvus implements the vector.Collection contract on a Milvus
// deployment. It owns the connection bootstrap (including the root password
// rotation away from the factory default) and the idempotent collection
// setup derived from the model descriptor table.
package milvus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/internal/log"
)

const (
	// DefaultRootPassword is the factory password of a fresh Milvus
	// deployment. Connecting with it triggers the rotation flow.
	DefaultRootPassword = "Milvus"

	rootUser = "root"

	fieldURL       = "url"
	fieldEmbedding = "embedding"
	fieldMetadata  = "metadata"

	embeddingIndexName = "idx_embedding"
	urlIndexName       = "idx_url"

	defaultConnectTimeout = time.Minute
)

// api is the subset of the Milvus SDK client the store uses.
type api interface {
	Close() error
	ListCollections(ctx context.Context, opts ...client.ListCollectionOption) ([]*entity.Collection, error)
	HasCollection(ctx context.Context, collName string) (bool, error)
	CreateCollection(ctx context.Context, collSchema *entity.Schema, shardsNum int32, opts ...client.CreateCollectionOption) error
	CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error
	LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error
	Upsert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
	Query(ctx context.Context, collectionName string, partitionNames []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error)
	Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
	Delete(ctx context.Context, collName string, partitionName string, expr string) error
	UpdateCredential(ctx context.Context, username string, oldPassword string, newPassword string) error
}

// dialFunc opens one authenticated connection.
type dialFunc func(ctx context.Context, cfg client.Config) (api, error)

func sdkDial(ctx context.Context, cfg client.Config) (api, error) {
	return client.NewClient(ctx, cfg)
}

// Config holds the connection settings for a Milvus deployment.
type Config struct {
	// Address is the server address as host:port.
	Address string
	// Password is the root password the service should run with.
	Password string
	// ConnectTimeout bounds the total time spent retrying the initial
	// connection while the server starts up.
	ConnectTimeout time.Duration
}

// Store is a connected Milvus deployment. It creates per-model collections
// and hands out Collection adapters sharing the process-wide connection.
type Store struct {
	client api
	logger *log.Logger
}

// Connect dials Milvus as root and verifies the credentials. When the server
// still accepts the factory-default root password and a different password is
// configured, the password is rotated to the configured one before use.
// Connection failures are retried with exponential backoff until
// ConnectTimeout elapses, so workers can start while Milvus is still booting.
func Connect(ctx context.Context, cfg Config, logger *log.Logger) (*Store, error) {
	return connect(ctx, cfg, logger, sdkDial)
}

func connect(ctx context.Context, cfg Config, logger *log.Logger, dial dialFunc) (*Store, error) {
	if cfg.Password == DefaultRootPassword {
		logger.Warn("!!! Set the MILVUS_PASSWORD environment variable !!!")
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = timeout

	var conn api
	operation := func() error {
		var err error
		conn, err = connectOnce(ctx, cfg, logger, dial)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("connect to milvus at %s: %w", cfg.Address, err)
	}

	logger.Info("connected to milvus", "address", cfg.Address)

	return &Store{client: conn, logger: logger}, nil
}

// connectOnce dials with the configured password and probes the credentials
// with a first RPC. An authentication failure means the server still runs on
// a different password; if that is the factory default, rotate it.
func connectOnce(ctx context.Context, cfg Config, logger *log.Logger, dial dialFunc) (api, error) {
	conn, err := dial(ctx, client.Config{
		Address:  cfg.Address,
		Username: rootUser,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, err
	}

	_, err = conn.ListCollections(ctx)
	if err == nil {
		return conn, nil
	}
	_ = conn.Close()

	if !isAuthFailure(err) {
		return nil, err
	}
	if cfg.Password == DefaultRootPassword {
		return nil, backoff.Permanent(fmt.Errorf("milvus rejected the default root credentials: %w", err))
	}

	return rotateRootPassword(ctx, cfg, logger, dial)
}

// rotateRootPassword connects with the factory-default credentials, updates
// the root password to the configured one, and reconnects. Every failure here
// is permanent: retrying cannot fix wrong credentials.
func rotateRootPassword(ctx context.Context, cfg Config, logger *log.Logger, dial dialFunc) (api, error) {
	conn, err := dial(ctx, client.Config{
		Address:  cfg.Address,
		Username: rootUser,
		Password: DefaultRootPassword,
	})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("connect with default root credentials: %w", err))
	}

	if err := conn.UpdateCredential(ctx, rootUser, DefaultRootPassword, cfg.Password); err != nil {
		_ = conn.Close()
		return nil, backoff.Permanent(fmt.Errorf("rotate root password: %w", err))
	}
	_ = conn.Close()

	conn, err = dial(ctx, client.Config{
		Address:  cfg.Address,
		Username: rootUser,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("reconnect after password rotation: %w", err))
	}
	if _, err := conn.ListCollections(ctx); err != nil {
		_ = conn.Close()
		return nil, backoff.Permanent(fmt.Errorf("verify rotated credentials: %w", err))
	}

	logger.Info("rotated milvus root password away from the factory default")

	return conn, nil
}

// isAuthFailure matches the server-side message for rejected credentials.
func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "auth check failure")
}

// Collection opens the collection for a model, creating schema and indexes
// when it does not exist yet, and loads it for querying.
func (s *Store) Collection(ctx context.Context, desc model.Descriptor) (*Collection, error) {
	exists, err := s.client.HasCollection(ctx, desc.Name())
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", desc.Name(), err)
	}

	if !exists {
		if err := s.createCollection(ctx, desc); err != nil {
			return nil, err
		}
	}

	if err := s.client.LoadCollection(ctx, desc.Name(), false); err != nil {
		return nil, fmt.Errorf("load collection %s: %w", desc.Name(), err)
	}

	return &Collection{client: s.client, desc: desc}, nil
}

func (s *Store) createCollection(ctx context.Context, desc model.Descriptor) error {
	schema := &entity.Schema{
		CollectionName: desc.Name(),
		Description:    "image entries of the " + desc.Name() + " model",
		Fields: []*entity.Field{
			{
				Name:       fieldURL,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{entity.TypeParamMaxLength: strconv.Itoa(vector.MaxURLLength)},
			},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{entity.TypeParamDim: strconv.Itoa(desc.Dimension())},
			},
			{
				Name:       fieldMetadata,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{entity.TypeParamMaxLength: strconv.Itoa(vector.MaxMetadataLength)},
			},
		},
	}

	if err := s.client.CreateCollection(ctx, schema, 0); err != nil {
		return fmt.Errorf("create collection %s: %w", desc.Name(), err)
	}

	index, err := buildIndex(desc)
	if err != nil {
		return err
	}
	if err := s.client.CreateIndex(ctx, desc.Name(), fieldEmbedding, index, false, client.WithIndexName(embeddingIndexName)); err != nil {
		return fmt.Errorf("create embedding index on %s: %w", desc.Name(), err)
	}
	if err := s.client.CreateIndex(ctx, desc.Name(), fieldURL, entity.NewScalarIndex(), false, client.WithIndexName(urlIndexName)); err != nil {
		return fmt.Errorf("create url index on %s: %w", desc.Name(), err)
	}

	s.logger.Info("created collection",
		"collection", desc.Name(),
		"dimension", desc.Dimension(),
		"index", string(desc.Index().Kind()),
	)

	return nil
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// buildIndex maps a descriptor's index spec onto a Milvus index definition.
func buildIndex(desc model.Descriptor) (entity.Index, error) {
	metric := entity.MetricType(desc.Metric())

	switch desc.Index().Kind() {
	case model.IndexIVFFlat:
		index, err := entity.NewIndexIvfFlat(metric, desc.Index().NList())
		if err != nil {
			return nil, fmt.Errorf("build IVF_FLAT index for %s: %w", desc.Name(), err)
		}
		return index, nil
	case model.IndexHNSW:
		index, err := entity.NewIndexHNSW(metric, desc.Index().M(), desc.Index().EfConstruction())
		if err != nil {
			return nil, fmt.Errorf("build HNSW index for %s: %w", desc.Name(), err)
		}
		return index, nil
	default:
		return nil, fmt.Errorf("unsupported index kind %q for %s", desc.Index().Kind(), desc.Name())
	}
}

// searchParam maps a descriptor's search spec onto query-time ANN params.
func searchParam(desc model.Descriptor) (entity.SearchParam, error) {
	switch desc.Index().Kind() {
	case model.IndexIVFFlat:
		sp, err := entity.NewIndexIvfFlatSearchParam(desc.Search().NProbe())
		if err != nil {
			return nil, fmt.Errorf("build IVF_FLAT search params for %s: %w", desc.Name(), err)
		}
		return sp, nil
	case model.IndexHNSW:
		sp, err := entity.NewIndexHNSWSearchParam(desc.Search().Ef())
		if err != nil {
			return nil, fmt.Errorf("build HNSW search params for %s: %w", desc.Name(), err)
		}
		return sp, nil
	default:
		return nil, fmt.Errorf("unsupported index kind %q for %s", desc.Index().Kind(), desc.Name())
	}
}
