package milvus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artresearch/idios/domain/fault"
	"github.com/artresearch/idios/domain/model"
	"github.com/artresearch/idios/domain/vector"
	"github.com/artresearch/idios/internal/config"
	"github.com/artresearch/idios/internal/log"
)

// fakeServer holds the credential state shared by all fake connections.
type fakeServer struct {
	password string
}

// fakeMilvus implements the api subset with scripted results.
type fakeMilvus struct {
	server   *fakeServer
	password string

	closed  bool
	listErr error

	collections map[string]bool

	createdSchema *entity.Schema
	createdShards int32

	indexFields []string
	indexes     []entity.Index

	loaded []string

	queryResult client.ResultSet
	queryErr    error
	queryExpr   string
	queryFields []string
	queryOption *client.SearchQueryOption
	queryCalls  int

	searchResults []client.SearchResult
	searchErr     error
	searchVectors []entity.Vector
	searchFields  []string
	searchMetric  entity.MetricType
	searchTopK    int
	searchParams  entity.SearchParam
	searchOption  *client.SearchQueryOption

	upsertName    string
	upsertColumns []entity.Column
	upsertErr     error

	deleteExpr string
	deleteErr  error

	credentialUpdates [][3]string
}

func (f *fakeMilvus) Close() error {
	f.closed = true
	return nil
}

func (f *fakeMilvus) ListCollections(_ context.Context, _ ...client.ListCollectionOption) ([]*entity.Collection, error) {
	if f.server != nil && f.password != f.server.password {
		return nil, errors.New("rpc error: code = Unauthenticated desc = auth check failure, please check username and password are correct")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return nil, nil
}

func (f *fakeMilvus) HasCollection(_ context.Context, name string) (bool, error) {
	return f.collections[name], nil
}

func (f *fakeMilvus) CreateCollection(_ context.Context, schema *entity.Schema, shards int32, _ ...client.CreateCollectionOption) error {
	f.createdSchema = schema
	f.createdShards = shards
	return nil
}

func (f *fakeMilvus) CreateIndex(_ context.Context, _ string, fieldName string, idx entity.Index, _ bool, _ ...client.IndexOption) error {
	f.indexFields = append(f.indexFields, fieldName)
	f.indexes = append(f.indexes, idx)
	return nil
}

func (f *fakeMilvus) LoadCollection(_ context.Context, name string, _ bool, _ ...client.LoadCollectionOption) error {
	f.loaded = append(f.loaded, name)
	return nil
}

func (f *fakeMilvus) Upsert(_ context.Context, name string, _ string, columns ...entity.Column) (entity.Column, error) {
	f.upsertName = name
	f.upsertColumns = columns
	return nil, f.upsertErr
}

func (f *fakeMilvus) Query(_ context.Context, _ string, _ []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	f.queryCalls++
	f.queryExpr = expr
	f.queryFields = outputFields
	option := &client.SearchQueryOption{}
	for _, opt := range opts {
		opt(option)
	}
	f.queryOption = option
	return f.queryResult, f.queryErr
}

func (f *fakeMilvus) Search(_ context.Context, _ string, _ []string, _ string, outputFields []string, vectors []entity.Vector, _ string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.searchVectors = vectors
	f.searchFields = outputFields
	f.searchMetric = metricType
	f.searchTopK = topK
	f.searchParams = sp
	option := &client.SearchQueryOption{}
	for _, opt := range opts {
		opt(option)
	}
	f.searchOption = option
	return f.searchResults, f.searchErr
}

func (f *fakeMilvus) Delete(_ context.Context, _ string, _ string, expr string) error {
	f.deleteExpr = expr
	return f.deleteErr
}

func (f *fakeMilvus) UpdateCredential(_ context.Context, username, oldPassword, newPassword string) error {
	f.credentialUpdates = append(f.credentialUpdates, [3]string{username, oldPassword, newPassword})
	if f.server != nil {
		if oldPassword != f.server.password {
			return errors.New("old password not correct")
		}
		f.server.password = newPassword
	}
	return nil
}

// fakeDialer hands out fake connections checked against a shared server.
type fakeDialer struct {
	server  *fakeServer
	dialErr error
	clients []*fakeMilvus
}

func (d *fakeDialer) dial(_ context.Context, cfg client.Config) (api, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := &fakeMilvus{server: d.server, password: cfg.Password}
	d.clients = append(d.clients, conn)
	return conn, nil
}

func testLogger() *log.Logger {
	return log.NewLoggerWithWriter(io.Discard, config.LogFormatJSON, "ERROR")
}

func mustDescriptor(t *testing.T, name string) model.Descriptor {
	t.Helper()
	desc, ok := model.Lookup(name)
	require.True(t, ok)
	return desc
}

func TestConnect_AcceptsConfiguredPassword(t *testing.T) {
	dialer := &fakeDialer{server: &fakeServer{password: "s3cret"}}

	store, err := connect(context.Background(), Config{Address: "localhost:19530", Password: "s3cret"}, testLogger(), dialer.dial)
	require.NoError(t, err)
	require.NotNil(t, store)

	require.Len(t, dialer.clients, 1)
	assert.Empty(t, dialer.clients[0].credentialUpdates)
}

func TestConnect_RotatesDefaultPassword(t *testing.T) {
	server := &fakeServer{password: DefaultRootPassword}
	dialer := &fakeDialer{server: server}

	store, err := connect(context.Background(), Config{Address: "localhost:19530", Password: "s3cret"}, testLogger(), dialer.dial)
	require.NoError(t, err)
	require.NotNil(t, store)

	// configured attempt, default attempt, reconnect with the new password
	require.Len(t, dialer.clients, 3)
	assert.Equal(t, "s3cret", server.password)
	require.Len(t, dialer.clients[1].credentialUpdates, 1)
	assert.Equal(t, [3]string{rootUser, DefaultRootPassword, "s3cret"}, dialer.clients[1].credentialUpdates[0])
	assert.True(t, dialer.clients[0].closed)
	assert.True(t, dialer.clients[1].closed)
	assert.False(t, dialer.clients[2].closed)
}

func TestConnect_WarnsAboutDefaultPassword(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewLoggerWithWriter(&buf, config.LogFormatJSON, "WARN")

	dialer := &fakeDialer{server: &fakeServer{password: DefaultRootPassword}}

	store, err := connect(context.Background(), Config{Address: "localhost:19530", Password: DefaultRootPassword}, logger, dialer.dial)
	require.NoError(t, err)
	require.NotNil(t, store)

	require.Len(t, dialer.clients, 1)
	assert.Empty(t, dialer.clients[0].credentialUpdates)
	assert.Contains(t, buf.String(), "MILVUS_PASSWORD")
}

func TestConnect_DefaultPasswordRejected(t *testing.T) {
	// server was rotated to an unknown password out of band
	dialer := &fakeDialer{server: &fakeServer{password: "changed-elsewhere"}}

	_, err := connect(context.Background(), Config{Address: "localhost:19530", Password: DefaultRootPassword}, testLogger(), dialer.dial)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default root credentials")
}

func TestConnect_RotationFailsOnForeignPassword(t *testing.T) {
	// neither the configured nor the default password matches the server
	dialer := &fakeDialer{server: &fakeServer{password: "third-party"}}

	_, err := connect(context.Background(), Config{Address: "localhost:19530", Password: "s3cret"}, testLogger(), dialer.dial)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rotate root password")
}

func TestConnect_RetriesUntilTimeout(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}

	start := time.Now()
	_, err := connect(context.Background(), Config{Address: "localhost:19530", Password: "s3cret", ConnectTimeout: 50 * time.Millisecond}, testLogger(), dialer.dial)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStoreCollection_CreatesWhenMissing(t *testing.T) {
	fake := &fakeMilvus{collections: map[string]bool{}}
	store := &Store{client: fake, logger: testLogger()}

	coll, err := store.Collection(context.Background(), mustDescriptor(t, "vit_b32"))
	require.NoError(t, err)
	require.NotNil(t, coll)

	require.NotNil(t, fake.createdSchema)
	assert.Equal(t, "vit_b32", fake.createdSchema.CollectionName)
	require.Len(t, fake.createdSchema.Fields, 3)

	urlField := fake.createdSchema.Fields[0]
	assert.Equal(t, fieldURL, urlField.Name)
	assert.True(t, urlField.PrimaryKey)
	assert.False(t, urlField.AutoID)
	assert.Equal(t, "2083", urlField.TypeParams[entity.TypeParamMaxLength])

	embeddingField := fake.createdSchema.Fields[1]
	assert.Equal(t, fieldEmbedding, embeddingField.Name)
	assert.Equal(t, entity.FieldTypeFloatVector, embeddingField.DataType)
	assert.Equal(t, "512", embeddingField.TypeParams[entity.TypeParamDim])

	metadataField := fake.createdSchema.Fields[2]
	assert.Equal(t, fieldMetadata, metadataField.Name)
	assert.Equal(t, "65535", metadataField.TypeParams[entity.TypeParamMaxLength])

	require.Equal(t, []string{fieldEmbedding, fieldURL}, fake.indexFields)
	assert.Equal(t, "IVF_FLAT", string(fake.indexes[0].IndexType()))
	assert.Contains(t, fake.indexes[0].Params()["params"], "2048")

	assert.Equal(t, []string{"vit_b32"}, fake.loaded)
}

func TestStoreCollection_HNSWIndex(t *testing.T) {
	fake := &fakeMilvus{collections: map[string]bool{}}
	store := &Store{client: fake, logger: testLogger()}

	_, err := store.Collection(context.Background(), mustDescriptor(t, "sift20"))
	require.NoError(t, err)

	require.NotEmpty(t, fake.indexes)
	assert.Equal(t, "HNSW", string(fake.indexes[0].IndexType()))
	assert.Contains(t, fake.indexes[0].Params()["params"], "efConstruction")
	assert.Equal(t, "128", fake.createdSchema.Fields[1].TypeParams[entity.TypeParamDim])
}

func TestStoreCollection_LoadsExisting(t *testing.T) {
	fake := &fakeMilvus{collections: map[string]bool{"vit_b32": true}}
	store := &Store{client: fake, logger: testLogger()}

	_, err := store.Collection(context.Background(), mustDescriptor(t, "vit_b32"))
	require.NoError(t, err)

	assert.Nil(t, fake.createdSchema)
	assert.Empty(t, fake.indexes)
	assert.Equal(t, []string{"vit_b32"}, fake.loaded)
}

func TestCollectionInsert(t *testing.T) {
	fake := &fakeMilvus{}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	rows := []vector.Row{
		vector.NewRow("http://a", make([]float32, 512), `{"x":1}`),
		vector.NewRow("http://b", make([]float32, 512), `{"x":2}`),
	}
	require.NoError(t, coll.Insert(context.Background(), rows))

	assert.Equal(t, "vit_b32", fake.upsertName)
	require.Len(t, fake.upsertColumns, 3)

	urls, ok := fake.upsertColumns[0].(*entity.ColumnVarChar)
	require.True(t, ok)
	assert.Equal(t, []string{"http://a", "http://b"}, urls.Data())

	embeddings, ok := fake.upsertColumns[1].(*entity.ColumnFloatVector)
	require.True(t, ok)
	assert.Equal(t, 512, embeddings.Dim())

	metadatas, ok := fake.upsertColumns[2].(*entity.ColumnVarChar)
	require.True(t, ok)
	assert.Equal(t, []string{`{"x":1}`, `{"x":2}`}, metadatas.Data())
}

func TestCollectionInsert_NoRows(t *testing.T) {
	fake := &fakeMilvus{}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	require.NoError(t, coll.Insert(context.Background(), nil))
	assert.Empty(t, fake.upsertName)
}

func TestCollectionQueryRange(t *testing.T) {
	fake := &fakeMilvus{
		queryResult: client.ResultSet{
			entity.NewColumnVarChar(fieldURL, []string{"http://b", "http://a"}),
			entity.NewColumnVarChar(fieldMetadata, []string{"mb", "ma"}),
		},
	}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	rows, err := coll.QueryRange(context.Background(), "http://0", 100, vector.NewFields(false, true))
	require.NoError(t, err)

	assert.Equal(t, `url > "http://0"`, fake.queryExpr)
	assert.Equal(t, []string{fieldURL, fieldMetadata}, fake.queryFields)
	assert.Equal(t, entity.ClStrong, fake.queryOption.ConsistencyLevel)
	assert.EqualValues(t, 100, fake.queryOption.Limit)

	// rows come back sorted ascending regardless of store order
	require.Len(t, rows, 2)
	assert.Equal(t, "http://a", rows[0].URL())
	assert.Equal(t, "ma", rows[0].Metadata())
	assert.Equal(t, "http://b", rows[1].URL())
}

func TestCollectionQueryRange_CapsLimit(t *testing.T) {
	fake := &fakeMilvus{}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	_, err := coll.QueryRange(context.Background(), "", 0, vector.NewFields(false, false))
	require.NoError(t, err)
	assert.EqualValues(t, vector.MaxPageSize, fake.queryOption.Limit)

	_, err = coll.QueryRange(context.Background(), "", vector.MaxPageSize+1, vector.NewFields(false, false))
	require.NoError(t, err)
	assert.EqualValues(t, vector.MaxPageSize, fake.queryOption.Limit)
}

func TestCollectionQueryIn(t *testing.T) {
	fake := &fakeMilvus{
		queryResult: client.ResultSet{
			entity.NewColumnVarChar(fieldURL, []string{"http://a"}),
		},
	}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	rows, err := coll.QueryIn(context.Background(), []string{"http://a", "http://b"}, vector.NewFields(false, false))
	require.NoError(t, err)

	assert.Equal(t, `url in ["http://a", "http://b"]`, fake.queryExpr)
	require.Len(t, rows, 1)
	assert.Equal(t, "http://a", rows[0].URL())
}

func TestCollectionQueryIn_NoURLs(t *testing.T) {
	fake := &fakeMilvus{}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	rows, err := coll.QueryIn(context.Background(), nil, vector.NewFields(false, false))
	require.NoError(t, err)
	assert.Nil(t, rows)
	assert.Zero(t, fake.queryCalls)
}

func TestCollectionQueryPrefix(t *testing.T) {
	fake := &fakeMilvus{
		queryResult: client.ResultSet{
			entity.NewColumnVarChar(fieldURL, []string{"http://a#1_2_3"}),
			entity.NewColumnFloatVector(fieldEmbedding, 2, [][]float32{{0.5, 0.25}}),
		},
	}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "sift20")}

	rows, err := coll.QueryPrefix(context.Background(), "http://a#", vector.NewFields(true, false))
	require.NoError(t, err)

	assert.Equal(t, `url like "http://a#%"`, fake.queryExpr)
	require.Len(t, rows, 1)
	assert.Equal(t, []float32{0.5, 0.25}, rows[0].Embedding())
}

func TestCollectionQueryPrefix_RejectsPercent(t *testing.T) {
	fake := &fakeMilvus{}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "sift20")}

	_, err := coll.QueryPrefix(context.Background(), "http://a%20b", vector.NewFields(false, false))
	require.Error(t, err)
	assert.True(t, fault.IsParameter(err))
	assert.Zero(t, fake.queryCalls)
}

func TestCollectionQuery_EmptyResult(t *testing.T) {
	fake := &fakeMilvus{queryResult: client.ResultSet{}}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	rows, err := coll.QueryRange(context.Background(), "", 10, vector.NewFields(true, true))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCollectionSearch(t *testing.T) {
	fake := &fakeMilvus{
		searchResults: []client.SearchResult{
			{
				ResultCount: 2,
				IDs:         entity.NewColumnVarChar(fieldURL, []string{"http://far", "http://near"}),
				Fields: client.ResultSet{
					entity.NewColumnVarChar(fieldMetadata, []string{"mf", "mn"}),
				},
				Scores: []float32{0.9, 0.1},
			},
		},
	}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	query := make([]float32, 512)
	hits, err := coll.Search(context.Background(), [][]float32{query}, 10)
	require.NoError(t, err)

	assert.Len(t, fake.searchVectors, 1)
	assert.Equal(t, []string{fieldMetadata}, fake.searchFields)
	assert.Equal(t, entity.MetricType("L2"), fake.searchMetric)
	assert.Equal(t, 10, fake.searchTopK)
	assert.EqualValues(t, 64, fake.searchParams.Params()["nprobe"])
	assert.Equal(t, entity.ClStrong, fake.searchOption.ConsistencyLevel)

	require.Len(t, hits, 1)
	require.Len(t, hits[0], 2)
	assert.Equal(t, "http://near", hits[0][0].URL())
	assert.InDelta(t, 0.1, hits[0][0].Distance(), 1e-6)
	assert.Equal(t, "mn", hits[0][0].Metadata())
	assert.Equal(t, "http://far", hits[0][1].URL())
}

func TestCollectionSearch_HNSWParams(t *testing.T) {
	fake := &fakeMilvus{searchResults: []client.SearchResult{{}}}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "sift20")}

	_, err := coll.Search(context.Background(), [][]float32{make([]float32, 128)}, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 100, fake.searchParams.Params()["ef"])
}

func TestCollectionSearch_NoVectors(t *testing.T) {
	fake := &fakeMilvus{}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	hits, err := coll.Search(context.Background(), nil, 10)
	require.NoError(t, err)
	assert.Nil(t, hits)
	assert.Nil(t, fake.searchVectors)
}

func TestCollectionSearch_ResultError(t *testing.T) {
	fake := &fakeMilvus{
		searchResults: []client.SearchResult{{Err: errors.New("segment unavailable")}},
	}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	_, err := coll.Search(context.Background(), [][]float32{make([]float32, 512)}, 10)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "segment unavailable"))
}

func TestCollectionDelete(t *testing.T) {
	fake := &fakeMilvus{}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	require.NoError(t, coll.Delete(context.Background(), []string{"http://a", "http://b"}))
	assert.Equal(t, `url in ["http://a", "http://b"]`, fake.deleteExpr)
}

func TestCollectionDelete_NoURLs(t *testing.T) {
	fake := &fakeMilvus{}
	coll := &Collection{client: fake, desc: mustDescriptor(t, "vit_b32")}

	require.NoError(t, coll.Delete(context.Background(), nil))
	assert.Empty(t, fake.deleteExpr)
}
