package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"gorm.io/gorm/clause"

	"github.com/artresearch/idios/internal/database"
)

// CachingTransport is an http.RoundTripper that caches request/response
// pairs in a local SQLite database, keyed by the SHA-256 of method + URL +
// request body. Feature extraction is deterministic for a given payload, so
// replaying a cached sidecar or embedding response is safe. Only 2xx
// responses are cached; cache read failures fall through to the inner
// transport.
type CachingTransport struct {
	inner http.RoundTripper
	db    database.Database
}

// cacheEntry is one cached response row.
type cacheEntry struct {
	Key        string `gorm:"primaryKey;size:64"`
	StatusCode int
	Header     []byte
	Body       []byte
}

// TableName sets the cache table name.
func (cacheEntry) TableName() string { return "http_cache" }

// NewCachingTransport creates a CachingTransport that stores responses in a
// SQLite database under dir. If inner is nil, http.DefaultTransport is used.
func NewCachingTransport(dir string, inner http.RoundTripper) (*CachingTransport, error) {
	if inner == nil {
		inner = http.DefaultTransport
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	ctx := context.Background()
	db, err := database.NewDatabase(ctx, "sqlite:///"+filepath.Join(dir, "http_cache.db"))
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	if err := db.Session(ctx).AutoMigrate(&cacheEntry{}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}

	return &CachingTransport{inner: inner, db: db}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *CachingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	key := cacheKey(req.Method, req.URL.String(), body)

	if resp, ok := t.lookup(req, key); ok {
		return resp, nil
	}

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()

	t.store(req.Context(), key, resp.StatusCode, resp.Header, respBody)

	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	return resp, nil
}

// Close closes the cache database.
func (t *CachingTransport) Close() error {
	return t.db.Close()
}

func cacheKey(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte("\n"))
	h.Write([]byte(url))
	h.Write([]byte("\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (t *CachingTransport) lookup(req *http.Request, key string) (*http.Response, bool) {
	var entry cacheEntry
	if err := t.db.Session(req.Context()).First(&entry, "`key` = ?", key).Error; err != nil {
		return nil, false
	}

	var header http.Header
	if err := json.Unmarshal(entry.Header, &header); err != nil {
		return nil, false
	}

	return &http.Response{
		StatusCode: entry.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(entry.Body)),
		Request:    req,
	}, true
}

func (t *CachingTransport) store(ctx context.Context, key string, statusCode int, header http.Header, body []byte) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return
	}

	entry := cacheEntry{
		Key:        key,
		StatusCode: statusCode,
		Header:     headerJSON,
		Body:       body,
	}
	_ = t.db.Session(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error
}
