package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/artresearch/idios"
	"github.com/artresearch/idios/infrastructure/api"
	"github.com/artresearch/idios/infrastructure/dispatch"
)

// TestServer runs the full HTTP front-end over a real client: chi router,
// local dispatcher, command layer, SQLite collections. Only the embedding
// provider is stubbed.
type TestServer struct {
	t          *testing.T
	client     *idios.Client
	httpServer *httptest.Server
	images     *httptest.Server
	widths     map[string]int
}

// widthEmbedder keys its unit vectors on image width so each test image maps
// to a known embedding.
type widthEmbedder struct {
	vectors map[int][]float32
}

func (e widthEmbedder) ImageEmbedding(_ context.Context, img image.Image) ([]float32, error) {
	return e.vectors[img.Bounds().Dx()], nil
}

func unit(components ...float64) []float32 {
	var norm float64
	for _, v := range components {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, len(components))
	for i, v := range components {
		vec[i] = float32(v / norm)
	}
	return vec
}

// NewTestServer wires the service for one test. widths maps image paths to
// pixel widths; vectors maps those widths to embeddings.
func NewTestServer(t *testing.T, widths map[string]int, vectors map[int][]float32) *TestServer {
	t.Helper()

	s := &TestServer{t: t, widths: widths}

	s.images = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		width, ok := s.widths[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, 200))); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(s.images.Close)

	client, err := idios.New(
		idios.WithSQLite(filepath.Join(t.TempDir(), "idios.db")),
		idios.WithModels("vit_b32"),
		idios.WithProvider("vit_b32", widthEmbedder{vectors: vectors}),
		idios.WithModelDir(""),
	)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	s.client = client

	server := api.NewServer("127.0.0.1:0", dispatch.NewLocal(client.Commands, nil), nil, nil)
	s.httpServer = httptest.NewServer(server.Handler())
	t.Cleanup(s.httpServer.Close)

	return s
}

// ImageURL returns the URL the image server exposes for path.
func (s *TestServer) ImageURL(path string) string {
	return s.images.URL + path
}

// Get performs a GET against the API.
func (s *TestServer) Get(path string) *http.Response {
	s.t.Helper()

	resp, err := http.Get(s.httpServer.URL + path)
	if err != nil {
		s.t.Fatalf("GET %s: %v", path, err)
	}
	s.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// Post performs a POST with a JSON body against the API.
func (s *TestServer) Post(path string, body any) *http.Response {
	s.t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		s.t.Fatalf("marshal body: %v", err)
	}

	resp, err := http.Post(s.httpServer.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		s.t.Fatalf("POST %s: %v", path, err)
	}
	s.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeJSON decodes a response body into out.
func (s *TestServer) DecodeJSON(resp *http.Response, out any) {
	s.t.Helper()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.t.Fatalf("read body: %v", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		s.t.Fatalf("decode body %q: %v", body, err)
	}
}
