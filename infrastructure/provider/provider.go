// Package provider implements the embedding providers behind the
// domain/model capability interfaces: an HTTP client for the
// feature-extraction sidecar (global image embeddings and keypoint
// descriptors), a text embedding client for OpenAI-compatible endpoints,
// and an optional in-process ONNX text embedder.
package provider

import (
	"errors"
	"fmt"
	"time"
)

// Default retry tuning shared by the HTTP providers.
const (
	defaultMaxRetries    = 5
	defaultInitialDelay  = 2 * time.Second
	defaultBackoffFactor = 2.0
	defaultTimeout       = 60 * time.Second
)

// errEmptyEmbedding indicates an endpoint returned a success status with no
// embedding data. Upstreams can produce empty bodies behind a 200 under
// transient load, so the retry loops treat it as retryable.
var errEmptyEmbedding = errors.New("empty embedding response")

// ProviderError represents an error from an embedding provider.
type ProviderError struct {
	operation  string
	statusCode int
	message    string
	cause      error
}

// NewProviderError creates a new provider error.
func NewProviderError(operation string, statusCode int, message string, cause error) *ProviderError {
	return &ProviderError{
		operation:  operation,
		statusCode: statusCode,
		message:    message,
		cause:      cause,
	}
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error { return e.cause }

// Operation returns the operation that failed.
func (e *ProviderError) Operation() string { return e.operation }

// StatusCode returns the HTTP status code, or 0 if not applicable.
func (e *ProviderError) StatusCode() int { return e.statusCode }

// Message returns the error message without the cause chain.
func (e *ProviderError) Message() string { return e.message }
