package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/artresearch/idios/domain/model"
)

// Inference is a client for the feature-extraction sidecar. One instance
// serves one model: the model name travels with every request and the
// descriptor limit caps how many keypoints the sidecar returns per image.
type Inference struct {
	baseURL       string
	model         string
	limit         int
	apiKey        string
	maxRetries    int
	initialDelay  time.Duration
	backoffFactor float64
	httpClient    *http.Client
}

// InferenceOption is a functional option for Inference.
type InferenceOption func(*Inference)

// WithInferenceModel sets the model name sent to the sidecar.
func WithInferenceModel(model string) InferenceOption {
	return func(c *Inference) { c.model = model }
}

// WithInferenceLimit caps the number of descriptors requested per image.
func WithInferenceLimit(n int) InferenceOption {
	return func(c *Inference) { c.limit = n }
}

// WithInferenceAPIKey sets the bearer token sent with every request.
func WithInferenceAPIKey(key string) InferenceOption {
	return func(c *Inference) { c.apiKey = key }
}

// WithInferenceMaxRetries sets the maximum retry count.
func WithInferenceMaxRetries(n int) InferenceOption {
	return func(c *Inference) { c.maxRetries = n }
}

// WithInferenceInitialDelay sets the initial retry delay.
func WithInferenceInitialDelay(d time.Duration) InferenceOption {
	return func(c *Inference) { c.initialDelay = d }
}

// WithInferenceBackoffFactor sets the backoff multiplier.
func WithInferenceBackoffFactor(f float64) InferenceOption {
	return func(c *Inference) { c.backoffFactor = f }
}

// WithInferenceTimeout sets the HTTP timeout.
func WithInferenceTimeout(d time.Duration) InferenceOption {
	return func(c *Inference) { c.httpClient.Timeout = d }
}

// WithInferenceHTTPClient replaces the HTTP client, for tests or for
// wrapping the transport (see CachingTransport).
func WithInferenceHTTPClient(client *http.Client) InferenceOption {
	return func(c *Inference) { c.httpClient = client }
}

// NewInference creates a sidecar client for the given base URL.
func NewInference(baseURL string, opts ...InferenceOption) *Inference {
	c := &Inference{
		baseURL:       baseURL,
		maxRetries:    defaultMaxRetries,
		initialDelay:  defaultInitialDelay,
		backoffFactor: defaultBackoffFactor,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// InferenceConfig holds configuration for the sidecar client.
type InferenceConfig struct {
	BaseURL       string
	Model         string
	Limit         int
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	HTTPClient    *http.Client
}

// NewInferenceFromConfig creates a sidecar client from configuration.
func NewInferenceFromConfig(cfg InferenceConfig) *Inference {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	initialDelay := cfg.InitialDelay
	if initialDelay == 0 {
		initialDelay = defaultInitialDelay
	}

	backoffFactor := cfg.BackoffFactor
	if backoffFactor == 0 {
		backoffFactor = defaultBackoffFactor
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Inference{
		baseURL:       cfg.BaseURL,
		model:         cfg.Model,
		limit:         cfg.Limit,
		apiKey:        cfg.APIKey,
		maxRetries:    maxRetries,
		initialDelay:  initialDelay,
		backoffFactor: backoffFactor,
		httpClient:    httpClient,
	}
}

// embedRequest is the request body for both sidecar endpoints. The image is
// a base64-encoded PNG; the limit is only meaningful for /descriptors.
type embedRequest struct {
	Model string `json:"model"`
	Image string `json:"image"`
	Limit int    `json:"limit,omitempty"`
}

// embedResponse is the /embeddings response body.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// descriptorsResponse is the /descriptors response body. Descriptors arrive
// ordered by decreasing keypoint response.
type descriptorsResponse struct {
	Descriptors []wireDescriptor `json:"descriptors"`
}

// wireDescriptor pairs a descriptor vector with its keypoint.
type wireDescriptor struct {
	Vector []float32 `json:"vector"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Angle  float64   `json:"angle"`
}

// inferenceError is the sidecar's error response body.
type inferenceError struct {
	Error string `json:"error"`
}

// ImageEmbedding returns the global embedding of img.
func (c *Inference) ImageEmbedding(ctx context.Context, img image.Image) ([]float32, error) {
	payload, err := encodePNG(img)
	if err != nil {
		return nil, NewProviderError("image_embedding", 0, "failed to encode image", err)
	}

	req := embedRequest{Model: c.model, Image: payload}

	var resp embedResponse
	err = c.withRetry(ctx, func() error {
		resp = embedResponse{}
		if err := c.postJSON(ctx, "image_embedding", "/embeddings", req, &resp); err != nil {
			return err
		}
		if len(resp.Embedding) == 0 {
			return fmt.Errorf("%w: sidecar returned no vector", errEmptyEmbedding)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp.Embedding, nil
}

// LocalDescriptors returns the keypoint descriptors of img, at most the
// configured limit, ordered by decreasing keypoint response.
func (c *Inference) LocalDescriptors(ctx context.Context, img image.Image) ([]model.LocalDescriptor, error) {
	payload, err := encodePNG(img)
	if err != nil {
		return nil, NewProviderError("local_descriptors", 0, "failed to encode image", err)
	}

	req := embedRequest{Model: c.model, Image: payload, Limit: c.limit}

	var resp descriptorsResponse
	err = c.withRetry(ctx, func() error {
		resp = descriptorsResponse{}
		return c.postJSON(ctx, "local_descriptors", "/descriptors", req, &resp)
	})
	if err != nil {
		return nil, err
	}

	wire := resp.Descriptors
	if c.limit > 0 && len(wire) > c.limit {
		wire = wire[:c.limit]
	}

	descriptors := make([]model.LocalDescriptor, len(wire))
	for i, d := range wire {
		descriptors[i] = model.NewLocalDescriptor(d.Vector, model.NewLocation(d.X, d.Y, d.Angle))
	}
	return descriptors, nil
}

// postJSON performs one HTTP round trip against the sidecar.
func (c *Inference) postJSON(ctx context.Context, operation, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return NewProviderError(operation, 0, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return NewProviderError(operation, 0, "failed to create request", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewProviderError(operation, 0, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewProviderError(operation, resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr inferenceError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error != "" {
			return NewProviderError(operation, resp.StatusCode, apiErr.Error, nil)
		}
		return NewProviderError(operation, resp.StatusCode, string(respBody), nil)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return NewProviderError(operation, 0, "failed to unmarshal response", err)
	}

	return nil
}

// withRetry executes the function with exponential backoff retry.
func (c *Inference) withRetry(ctx context.Context, fn func() error) error {
	delay := c.initialDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !c.isRetryable(lastErr) {
			return lastErr
		}

		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * c.backoffFactor)
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable determines if an error should be retried.
func (c *Inference) isRetryable(err error) bool {
	if errors.Is(err, errEmptyEmbedding) {
		return true
	}

	// HTTP client timeouts are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		return false
	}

	switch provErr.StatusCode() {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// encodePNG serialises img as a base64 PNG for the JSON payload. PNG is
// lossless, so the sidecar sees exactly the pixels the loader decoded.
func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Ensure Inference implements the capability interfaces.
var (
	_ model.ImageEmbedder = (*Inference)(nil)
	_ model.LocalEmbedder = (*Inference)(nil)
)
