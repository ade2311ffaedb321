package chunkuploader

import (
	"net/http"
	"time"
)

const (
	// DefaultConcurrency is the default number of parts sent in parallel.
	DefaultConcurrency = 4
	// MaxConcurrency caps the number of parallel part uploads, and with it the number of
	// part buffers held in memory.
	MaxConcurrency = 20
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the maximum number of parallel chunk uploads, capped at MaxConcurrency.
	// At most Concurrency+1 part buffers are in memory at a time.
	// Default: 4 (also used when zero)
	Concurrency int

	// RequestTimeout bounds a single part PUT. Zero means no timeout besides the context.
	// Default: 5 minutes
	RequestTimeout time.Duration

	// HTTPClient is the HTTP client to use for uploads.
	// It must not carry control API credentials: signed URLs may point to another host.
	// If nil, DefaultHTTPClient is used.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    DefaultConcurrency,
		RequestTimeout: 5 * time.Minute,
		HTTPClient:     nil, // Will be created by Uploader
	}
}

func (c Config) concurrency() int {
	switch {
	case c.Concurrency < 1:
		return DefaultConcurrency
	case c.Concurrency > MaxConcurrency:
		return MaxConcurrency
	default:
		return c.Concurrency
	}
}

// DefaultHTTPClient creates an HTTP client optimized for chunk uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     MaxConcurrency,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}
