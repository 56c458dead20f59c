package provider

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestCachingTransport_CacheMiss(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewCachingTransport(dir, srv.Client().Transport)
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/embeddings", strings.NewReader(`{"image":"aGVsbG8="}`))
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"result":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}

	if count.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", count.Load())
	}
}

func TestCachingTransport_CacheHit(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewCachingTransport(dir, srv.Client().Transport)
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	for i := range 3 {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/embeddings", strings.NewReader(`{"image":"aGVsbG8="}`))
		resp, err := transport.RoundTrip(req)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if string(body) != `{"result":"ok"}` {
			t.Errorf("request %d: unexpected body: %s", i, body)
		}
	}

	if count.Load() != 1 {
		t.Errorf("expected 1 upstream call, got %d", count.Load())
	}
}

func TestCachingTransport_DifferentBodies(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewCachingTransport(dir, srv.Client().Transport)
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	bodies := []string{`{"image":"aGVsbG8="}`, `{"image":"d29ybGQ="}`}
	for _, b := range bodies {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/embeddings", strings.NewReader(b))
		resp, err := transport.RoundTrip(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_ = resp.Body.Close()
	}

	if count.Load() != 2 {
		t.Errorf("expected 2 upstream calls, got %d", count.Load())
	}
}

func TestCachingTransport_NilBody(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	transport, err := NewCachingTransport(t.TempDir(), srv.Client().Transport)
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	for range 2 {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ping", nil)
		resp, err := transport.RoundTrip(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_ = resp.Body.Close()
	}

	if count.Load() != 1 {
		t.Errorf("expected 1 upstream call for repeated GET, got %d", count.Load())
	}
}

func TestCachingTransport_PreservesHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewCachingTransport(dir, srv.Client().Transport)
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	// First request — populates cache
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api", strings.NewReader("body"))
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = resp.Body.Close()

	// Second request — from cache
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api", strings.NewReader("body"))
	resp, err = transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("X-Custom") != "test-value" {
		t.Errorf("expected X-Custom test-value, got %s", resp.Header.Get("X-Custom"))
	}
}

func TestCachingTransport_InnerError(t *testing.T) {
	transport, err := NewCachingTransport(t.TempDir(), &failingTransport{})
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	req, _ := http.NewRequest(http.MethodPost, "http://localhost/api", strings.NewReader("body"))
	_, err = transport.RoundTrip(req)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestCachingTransport_NonSuccessNotCached(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"fail"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewCachingTransport(dir, srv.Client().Transport)
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	for range 2 {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api", strings.NewReader("body"))
		resp, err := transport.RoundTrip(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_ = resp.Body.Close()
	}

	if count.Load() != 2 {
		t.Errorf("expected 2 upstream calls (no caching for 500), got %d", count.Load())
	}
}

func TestCachingTransport_CorruptCacheEntry(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewCachingTransport(dir, srv.Client().Transport)
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	// First request — populates cache
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api", strings.NewReader("body"))
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = resp.Body.Close()

	if count.Load() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", count.Load())
	}

	// Corrupt the cache entry's header column to invalid JSON
	key := cacheKey(http.MethodPost, srv.URL+"/api", []byte("body"))
	transport.db.Session(context.Background()).
		Model(&cacheEntry{}).
		Where("`key` = ?", key).
		Update("header", []byte("not json{{{"))

	// Next request should fall through to upstream
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api", strings.NewReader("body"))
	resp, err = transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", body)
	}

	if count.Load() != 2 {
		t.Errorf("expected 2 upstream calls after corruption, got %d", count.Load())
	}
}

func TestCachingTransport_InferenceClient(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	transport, err := NewCachingTransport(dir, srv.Client().Transport)
	if err != nil {
		t.Fatalf("unexpected error creating transport: %v", err)
	}
	defer func() { _ = transport.Close() }()

	c := NewInferenceFromConfig(InferenceConfig{
		BaseURL:    srv.URL,
		Model:      "vit_b32",
		MaxRetries: 1,
		HTTPClient: &http.Client{Transport: transport},
	})

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	ctx := context.Background()

	// First call — should hit upstream
	first, err := c.ImageEmbedding(ctx, img)
	if err != nil {
		t.Fatalf("first embedding: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 dimensions, got %d", len(first))
	}
	if count.Load() != 1 {
		t.Fatalf("expected 1 upstream call after first embedding, got %d", count.Load())
	}

	// Second call with the identical image — should come from cache
	second, err := c.ImageEmbedding(ctx, img)
	if err != nil {
		t.Fatalf("second embedding: %v", err)
	}
	if len(second) != 3 {
		t.Fatalf("expected 3 dimensions from cache, got %d", len(second))
	}
	if count.Load() != 1 {
		t.Errorf("expected 1 upstream call (cached), got %d", count.Load())
	}

	// A different image — should hit upstream again
	other := image.NewRGBA(image.Rect(0, 0, 9, 9))
	if _, err := c.ImageEmbedding(ctx, other); err != nil {
		t.Fatalf("third embedding: %v", err)
	}
	if count.Load() != 2 {
		t.Errorf("expected 2 upstream calls after a different image, got %d", count.Load())
	}
}

// failingTransport always returns an error.
type failingTransport struct{}

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, http.ErrServerClosed
}
