package oss

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-objectstorage/oss/network"
	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Backend selects the control API implementation.
type Backend string

// Backends
const (
	BackendOSS Backend = "oss"
	BackendS3  Backend = "s3"
)

// DefaultAPIURL is the OSS control API used when OSS_API_URL is not set.
const DefaultAPIURL = "https://developer.api.autodesk.com"

// Config ...
type Config struct {
	Backend Backend

	APIURL       string
	AccessToken  string
	ClientID     string
	ClientSecret string

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSS3Endpoint      string

	PartSizeBytes     int64
	UploadConcurrency int
	UploadRetries     int
	SignedURLMinutes  int
}

// ConfigFromEnv reads the configuration from environment variables.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	config := Config{
		Backend:            Backend(strings.ToLower(strings.TrimSpace(envRepo.Get("OSS_BACKEND")))),
		APIURL:             strings.TrimSpace(envRepo.Get("OSS_API_URL")),
		AccessToken:        envRepo.Get("OSS_ACCESS_TOKEN"),
		ClientID:           firstNonEmpty(envRepo.Get("OSS_CLIENT_ID"), envRepo.Get("FORGE_CLIENT_ID")),
		ClientSecret:       firstNonEmpty(envRepo.Get("OSS_CLIENT_SECRET"), envRepo.Get("FORGE_CLIENT_SECRET")),
		AWSRegion:          envRepo.Get("AWS_REGION"),
		AWSAccessKeyID:     envRepo.Get("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: envRepo.Get("AWS_SECRET_ACCESS_KEY"),
		AWSS3Endpoint:      envRepo.Get("AWS_S3_ENDPOINT"),
	}

	var err error
	if config.PartSizeBytes, err = parseSize(envRepo, "OSS_PART_SIZE"); err != nil {
		return Config{}, err
	}
	if config.UploadConcurrency, err = parseInt(envRepo, "OSS_UPLOAD_CONCURRENCY"); err != nil {
		return Config{}, err
	}
	if config.UploadRetries, err = parseInt(envRepo, "OSS_UPLOAD_RETRIES"); err != nil {
		return Config{}, err
	}
	if config.SignedURLMinutes, err = parseInt(envRepo, "OSS_SIGNED_URL_MINUTES"); err != nil {
		return Config{}, err
	}

	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendOSS
	}
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.PartSizeBytes == 0 {
		c.PartSizeBytes = chunkuploader.DefaultPartSizeBytes
	}
	if c.UploadConcurrency == 0 {
		c.UploadConcurrency = chunkuploader.DefaultConcurrency
	}
	if c.SignedURLMinutes == 0 {
		c.SignedURLMinutes = network.DefaultGrantMinutes
	}
	return c
}

// Validate reports the first invalid setting, named by its environment variable.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendOSS:
		if c.AccessToken == "" && (c.ClientID == "" || c.ClientSecret == "") {
			return fmt.Errorf("either 'OSS_ACCESS_TOKEN' or 'OSS_CLIENT_ID' and 'OSS_CLIENT_SECRET' must be defined")
		}
	case BackendS3:
		if c.AWSRegion == "" {
			return fmt.Errorf("the variable 'AWS_REGION' is not defined")
		}
	default:
		return fmt.Errorf("'OSS_BACKEND' should be one of %s, %s; got %q", BackendOSS, BackendS3, c.Backend)
	}

	return c.validateLimits()
}

// validateLimits checks the settings every backend shares.
func (c Config) validateLimits() error {
	if c.PartSizeBytes < chunkuploader.MinPartSizeBytes {
		return fmt.Errorf("'OSS_PART_SIZE' should be at least %s, got %s",
			units.BytesSize(chunkuploader.MinPartSizeBytes), units.BytesSize(float64(c.PartSizeBytes)))
	}
	if c.UploadConcurrency < 1 || c.UploadConcurrency > chunkuploader.MaxConcurrency {
		return fmt.Errorf("'OSS_UPLOAD_CONCURRENCY' should be between 1 and %d", chunkuploader.MaxConcurrency)
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("'OSS_UPLOAD_RETRIES' should not be negative")
	}
	if c.SignedURLMinutes < 1 {
		return fmt.Errorf("'OSS_SIGNED_URL_MINUTES' should be positive")
	}

	return nil
}

func parseSize(envRepo env.Repository, key string) (int64, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("'%s' is not a valid size: %w", key, err)
	}
	return size, nil
}

func parseInt(envRepo env.Repository, key string) (int, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("'%s' is not a valid number: %w", key, err)
	}
	return i, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
