package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/artresearch/idios/domain/model"
)

// defaultTextModel is the sentence-transformers export of the CLIP ViT-B/32
// text tower, which maps text into the same space as the vit_b32 image
// embeddings.
const defaultTextModel = "clip-ViT-B-32"

// OpenAI provides text embeddings through an OpenAI-compatible /embeddings
// endpoint. CLIP text towers are commonly served behind this API shape, so
// the same client works against OpenAI, vLLM, or text-embeddings-inference.
type OpenAI struct {
	client        *openai.Client
	model         string
	maxRetries    int
	initialDelay  time.Duration
	backoffFactor float64
}

// OpenAIOption is a functional option for OpenAI.
type OpenAIOption func(*OpenAI)

// WithOpenAIModel sets the embedding model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAI) { p.model = model }
}

// WithOpenAIMaxRetries sets the maximum retry count.
func WithOpenAIMaxRetries(n int) OpenAIOption {
	return func(p *OpenAI) { p.maxRetries = n }
}

// WithOpenAIInitialDelay sets the initial retry delay.
func WithOpenAIInitialDelay(d time.Duration) OpenAIOption {
	return func(p *OpenAI) { p.initialDelay = d }
}

// WithOpenAIBackoffFactor sets the backoff multiplier.
func WithOpenAIBackoffFactor(f float64) OpenAIOption {
	return func(p *OpenAI) { p.backoffFactor = f }
}

// NewOpenAI creates a text embedding client for the OpenAI API.
func NewOpenAI(apiKey string, opts ...OpenAIOption) *OpenAI {
	p := &OpenAI{
		client:        openai.NewClient(apiKey),
		model:         defaultTextModel,
		maxRetries:    defaultMaxRetries,
		initialDelay:  defaultInitialDelay,
		backoffFactor: defaultBackoffFactor,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// OpenAIConfig holds configuration for the text embedding client.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	HTTPClient    *http.Client
}

// NewOpenAIFromConfig creates a text embedding client from configuration.
func NewOpenAIFromConfig(cfg OpenAIConfig) *OpenAI {
	config := openai.DefaultConfig(cfg.APIKey)

	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else if cfg.Timeout > 0 {
		config.HTTPClient = &http.Client{
			Timeout: cfg.Timeout,
		}
	}

	model := cfg.Model
	if model == "" {
		model = defaultTextModel
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

	return &OpenAI{
		client:        openai.NewClientWithConfig(config),
		model:         model,
		maxRetries:    maxRetries,
		initialDelay:  initialDelay,
		backoffFactor: backoffFactor,
	}
}

// TextEmbedding returns the embedding of a single text.
func (p *OpenAI) TextEmbedding(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: []string{text},
	}

	var resp openai.EmbeddingResponse
	var err error

	err = p.withRetry(ctx, func() error {
		resp, err = p.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("%w: no vector for text", errEmptyEmbedding)
		}
		return nil
	})

	if err != nil {
		return nil, p.wrapError("text_embedding", err)
	}

	embedding := make([]float32, len(resp.Data[0].Embedding))
	copy(embedding, resp.Data[0].Embedding)
	return embedding, nil
}

// withRetry executes the function with exponential backoff retry.
func (p *OpenAI) withRetry(ctx context.Context, fn func() error) error {
	delay := p.initialDelay
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !p.isRetryable(lastErr) {
			return lastErr
		}

		if attempt < p.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * p.backoffFactor)
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable determines if an error should be retried.
func (p *OpenAI) isRetryable(err error) bool {
	// Empty embedding responses are retryable — upstream providers can
	// return 200 with no data under transient load conditions.
	if errors.Is(err, errEmptyEmbedding) {
		return true
	}

	// HTTP client timeouts are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		// Network errors are retryable
		return true
	}

	return false
}

// wrapError wraps an OpenAI error into a ProviderError.
func (p *OpenAI) wrapError(operation string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewProviderError(operation, apiErr.HTTPStatusCode, apiErr.Message, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError(operation, reqErr.HTTPStatusCode, reqErr.Error(), err)
	}

	return NewProviderError(operation, 0, err.Error(), err)
}

// Ensure OpenAI implements the capability interface.
var _ model.TextEmbedder = (*OpenAI)(nil)
