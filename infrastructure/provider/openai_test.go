package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeEmbeddingServer returns an httptest.Server that mimics an
// OpenAI-compatible embeddings endpoint. It returns deterministic
// 3-dimensional vectors and tracks how many requests it received via the
// counter.
func fakeEmbeddingServer(t *testing.T, counter *atomic.Int64) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)

		var body struct {
			Input interface{} `json:"input"`
			Model string      `json:"model"`
		}
		err := json.NewDecoder(r.Body).Decode(&body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		// Input can be a single string or []string.
		var texts []string
		switch v := body.Input.(type) {
		case string:
			texts = []string{v}
		case []interface{}:
			for _, item := range v {
				texts = append(texts, item.(string))
			}
		}

		data := make([]map[string]interface{}, len(texts))
		for i := range texts {
			data[i] = map[string]interface{}{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{0.1, 0.2, 0.3},
			}
		}

		resp := map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  body.Model,
			"usage": map[string]int{
				"prompt_tokens": len(texts) * 4,
				"total_tokens":  len(texts) * 4,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAI_TextEmbedding(t *testing.T) {
	var counter atomic.Int64
	srv := fakeEmbeddingServer(t, &counter)
	defer srv.Close()

	p := NewOpenAIFromConfig(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
	})

	embedding, err := p.TextEmbedding(context.Background(), "a cat on a sofa")
	require.NoError(t, err)
	require.Len(t, embedding, 3)
	require.InDelta(t, 0.1, embedding[0], 1e-6)
	require.Equal(t, int64(1), counter.Load(), "single text should be one request")
}

func TestOpenAI_SendsConfiguredModel(t *testing.T) {
	var gotModel atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		gotModel.Store(body.Model)

		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1.0]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIFromConfig(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "clip-ViT-B-32",
	})

	_, err := p.TextEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "clip-ViT-B-32", gotModel.Load())
}

// emptyResponseServer returns an httptest.Server that responds with an empty
// embedding data array (simulating an upstream returning 200 with no
// vectors). After failCount requests, it starts returning correct responses.
func emptyResponseServer(t *testing.T, counter *atomic.Int64, failCount int64) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := counter.Add(1)

		var data []map[string]interface{}
		if n > failCount {
			data = []map[string]interface{}{
				{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2, 0.3}},
			}
		}

		resp := map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  "test-model",
			"usage":  map[string]int{"prompt_tokens": 0, "total_tokens": 0},
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAI_EmptyResponseReturnsError(t *testing.T) {
	var counter atomic.Int64
	// Always return empty — never recover.
	srv := emptyResponseServer(t, &counter, 999)
	defer srv.Close()

	p := NewOpenAIFromConfig(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		Model:        "test-model",
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
	})

	_, err := p.TextEmbedding(context.Background(), "hello")
	require.Error(t, err)
	require.ErrorIs(t, err, errEmptyEmbedding)
}

func TestOpenAI_EmptyResponseRetries(t *testing.T) {
	var counter atomic.Int64
	// Fail the first 2 requests, then succeed.
	srv := emptyResponseServer(t, &counter, 2)
	defer srv.Close()

	p := NewOpenAIFromConfig(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		Model:        "test-model",
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	})

	embedding, err := p.TextEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, embedding, 3)
	require.Equal(t, int64(3), counter.Load(), "should have retried twice then succeeded")
}

func TestOpenAI_RateLimitRetries(t *testing.T) {
	var counter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := counter.Add(1)
		if n <= 2 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_exceeded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIFromConfig(OpenAIConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		Model:        "test-model",
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	})

	embedding, err := p.TextEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, embedding, 1)
	require.Equal(t, int64(3), counter.Load(), "429 should be retried")
}

func TestOpenAI_WrapsAPIError(t *testing.T) {
	var counter atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIFromConfig(OpenAIConfig{
		APIKey:       "bad-key",
		BaseURL:      srv.URL,
		Model:        "test-model",
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	})

	_, err := p.TextEmbedding(context.Background(), "hello")
	require.Error(t, err)
	require.Equal(t, int64(1), counter.Load(), "401 should not be retried")

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusUnauthorized, provErr.StatusCode())
	require.Equal(t, "invalid api key", provErr.Message())
	require.Equal(t, "text_embedding", provErr.Operation())
}

func TestOpenAI_CancelledContext(t *testing.T) {
	var counter atomic.Int64
	srv := fakeEmbeddingServer(t, &counter)
	defer srv.Close()

	p := NewOpenAIFromConfig(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.TextEmbedding(ctx, "hello")
	require.Error(t, err)
	require.Equal(t, int64(0), counter.Load(), "no request on a dead context")
}

func TestOpenAI_DefaultModel(t *testing.T) {
	p := NewOpenAI("test-key")
	require.Equal(t, defaultTextModel, p.model)

	p = NewOpenAI("test-key", WithOpenAIModel("custom"))
	require.Equal(t, "custom", p.model)
}
