package provider

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testImage returns a small image for payload encoding. The client does not
// validate dimensions; that is the loader's job.
func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}

// fakeSidecar returns an httptest.Server that mimics the feature-extraction
// sidecar. It returns a deterministic 3-dimensional embedding and two
// keypoint descriptors, and tracks request counts via the counter.
func fakeSidecar(t *testing.T, counter *atomic.Int64) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)

		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	})
	mux.HandleFunc("/descriptors", func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)

		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}

		resp := descriptorsResponse{
			Descriptors: []wireDescriptor{
				{Vector: []float32{1, 0, 0}, X: 10.5, Y: 20.25, Angle: 90},
				{Vector: []float32{0, 1, 0}, X: 3, Y: 4, Angle: 180},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	return httptest.NewServer(mux)
}

func TestInference_ImageEmbedding(t *testing.T) {
	var counter atomic.Int64
	srv := fakeSidecar(t, &counter)
	defer srv.Close()

	c := NewInferenceFromConfig(InferenceConfig{
		BaseURL: srv.URL,
		Model:   "vit_b32",
	})

	embedding, err := c.ImageEmbedding(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, embedding, 3)
	require.InDelta(t, 0.1, embedding[0], 1e-6)
	require.Equal(t, int64(1), counter.Load(), "single image should be one request")
}

func TestInference_SendsModelAndPayload(t *testing.T) {
	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1}})
	}))
	defer srv.Close()

	c := NewInference(srv.URL, WithInferenceModel("sift20"), WithInferenceLimit(20))

	_, err := c.ImageEmbedding(context.Background(), testImage())
	require.NoError(t, err)
	require.Equal(t, "sift20", got.Model)
	require.NotEmpty(t, got.Image, "image payload should be base64 PNG")
	require.Zero(t, got.Limit, "embedding requests carry no descriptor limit")
}

func TestInference_LocalDescriptors(t *testing.T) {
	var counter atomic.Int64
	srv := fakeSidecar(t, &counter)
	defer srv.Close()

	c := NewInferenceFromConfig(InferenceConfig{
		BaseURL: srv.URL,
		Model:   "sift20",
		Limit:   20,
	})

	descriptors, err := c.LocalDescriptors(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, descriptors, 2)

	require.Equal(t, []float32{1, 0, 0}, descriptors[0].Vector())
	require.Equal(t, 10.5, descriptors[0].Location().X())
	require.Equal(t, 20.25, descriptors[0].Location().Y())
	require.Equal(t, "10.5_20.25_90.0", descriptors[0].Location().Tag())
	require.Equal(t, "3.0_4.0_180.0", descriptors[1].Location().Tag())
}

func TestInference_DescriptorLimit(t *testing.T) {
	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}

		// Five descriptors, more than the client asked for.
		resp := descriptorsResponse{}
		for i := range 5 {
			resp.Descriptors = append(resp.Descriptors, wireDescriptor{
				Vector: []float32{float32(i)},
				X:      float64(i),
			})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewInference(srv.URL, WithInferenceModel("sift20"), WithInferenceLimit(3))

	descriptors, err := c.LocalDescriptors(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, descriptors, 3, "client truncates to its limit")
	require.Equal(t, 3, got.Limit, "descriptor requests carry the limit")
}

func TestInference_RetriesServerErrors(t *testing.T) {
	var counter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := counter.Add(1)
		if n <= 2 {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.5}})
	}))
	defer srv.Close()

	c := NewInferenceFromConfig(InferenceConfig{
		BaseURL:      srv.URL,
		Model:        "vit_b32",
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	})

	embedding, err := c.ImageEmbedding(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, embedding, 1)
	require.Equal(t, int64(3), counter.Load(), "should have retried twice then succeeded")
}

func TestInference_ClientErrorNotRetried(t *testing.T) {
	var counter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		http.Error(w, `{"error":"unknown model"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewInferenceFromConfig(InferenceConfig{
		BaseURL:      srv.URL,
		Model:        "nope",
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	})

	_, err := c.ImageEmbedding(context.Background(), testImage())
	require.Error(t, err)
	require.Equal(t, int64(1), counter.Load(), "4xx should not be retried")

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusUnprocessableEntity, provErr.StatusCode())
	require.Equal(t, "unknown model", provErr.Message())
	require.Equal(t, "image_embedding", provErr.Operation())
}

func TestInference_EmptyEmbeddingRetries(t *testing.T) {
	var counter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		_ = json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	c := NewInferenceFromConfig(InferenceConfig{
		BaseURL:      srv.URL,
		Model:        "vit_b32",
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
	})

	_, err := c.ImageEmbedding(context.Background(), testImage())
	require.Error(t, err)
	require.ErrorIs(t, err, errEmptyEmbedding)
	require.Equal(t, int64(2), counter.Load(), "empty responses are retried")
}

func TestInference_CancelledContext(t *testing.T) {
	var counter atomic.Int64
	srv := fakeSidecar(t, &counter)
	defer srv.Close()

	c := NewInferenceFromConfig(InferenceConfig{
		BaseURL: srv.URL,
		Model:   "vit_b32",
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ImageEmbedding(ctx, testImage())
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int64(0), counter.Load(), "no request on a dead context")
}

func TestInference_ErrorBodyNotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "plain text failure", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewInference(srv.URL, WithInferenceModel("vit_b32"))

	_, err := c.ImageEmbedding(context.Background(), testImage())
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusBadRequest, provErr.StatusCode())
	require.Contains(t, provErr.Message(), "plain text failure")
}

func TestInference_Unreachable(t *testing.T) {
	// A server that is immediately closed yields connection errors, which are
	// not retryable.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewInferenceFromConfig(InferenceConfig{
		BaseURL:      srv.URL,
		Model:        "vit_b32",
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
	})

	_, err := c.ImageEmbedding(context.Background(), testImage())
	require.Error(t, err)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	require.Equal(t, "request failed", provErr.Message())
}
