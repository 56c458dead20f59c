// Package images fetches and normalises the pictures behind image URLs
// before they reach an embedding provider. Every picture is decoded, checked
// against the minimum dimensions, and downscaled when it exceeds the maximum.
package images

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"github.com/artresearch/idios/domain/fault"

	// webp decode support
	_ "golang.org/x/image/webp"
)

const (
	// MinDimension is the smallest width and height accepted.
	MinDimension = 150
	// MaxDimension is the largest width or height kept; larger images are
	// downscaled preserving aspect ratio.
	MaxDimension = 1000

	defaultFetchTimeout = 30 * time.Second

	minDimensionMessage = "Images must have their dimensions above 150 x 150 pixels"
)

// Loader downloads and normalises images.
type Loader struct {
	httpClient *http.Client
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) LoaderOption {
	return func(l *Loader) {
		l.httpClient = client
	}
}

// WithTimeout sets the fetch timeout.
func WithTimeout(timeout time.Duration) LoaderOption {
	return func(l *Loader) {
		l.httpClient.Timeout = timeout
	}
}

// NewLoader creates a Loader. Redirects are followed; the default timeout
// covers the whole fetch including the body.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderConfig holds configuration for creating a Loader.
type LoaderConfig struct {
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewLoaderFromConfig creates a Loader from a config struct.
func NewLoaderFromConfig(cfg LoaderConfig) *Loader {
	opts := []LoaderOption{}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	} else if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}

	return NewLoader(opts...)
}

// Fetch downloads the image behind url, decodes it, and normalises its size.
// Images smaller than MinDimension in either dimension are rejected with a
// parameter fault; images larger than MaxDimension in either dimension are
// downscaled so the larger side becomes MaxDimension.
func (l *Loader) Fetch(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: %s returned status %d", url, resp.StatusCode)
	}

	img, err := imaging.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	return normalize(img)
}

// normalize enforces the dimension contract on a decoded image.
func normalize(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if width < MinDimension || height < MinDimension {
		return nil, fault.Parameter(minDimensionMessage)
	}

	if width > MaxDimension || height > MaxDimension {
		img = imaging.Fit(img, MaxDimension, MaxDimension, imaging.Lanczos)
	}

	return img, nil
}
