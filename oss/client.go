// Package oss uploads local files to an object storage service through signed part URLs,
// and downloads or overwrites single objects through signed access grants.
package oss

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bitrise-io/go-objectstorage/oss/network"
	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
)

const defaultRetryWait = 5 * time.Second

// ClientParams ...
type ClientParams struct {
	API    network.ControlAPI
	Config Config
	// HTTPClient sends the requests to signed URLs. It never carries control API credentials.
	// chunkuploader.DefaultHTTPClient is used when nil.
	HTTPClient *http.Client
	// TrackerFactory is optional, events are sent with the default analytics tracker when nil.
	TrackerFactory TrackerFactory
	// RetryWait is the pause between whole-upload attempts, 5 seconds when zero.
	RetryWait time.Duration
}

// Client ...
type Client struct {
	api        network.ControlAPI
	config     Config
	httpClient *http.Client
	retryWait  time.Duration
	logger     log.Logger
	tracker    objectTracker
}

// NewClient ...
func NewClient(params ClientParams, logger log.Logger) (*Client, error) {
	if params.API == nil {
		return nil, fmt.Errorf("control API is missing")
	}

	config := params.Config.withDefaults()
	if err := config.validateLimits(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	httpClient := params.HTTPClient
	if httpClient == nil {
		httpClient = chunkuploader.DefaultHTTPClient()
	}
	factory := params.TrackerFactory
	if factory == nil {
		factory = defaultTrackerFactory(logger)
	}
	retryWait := params.RetryWait
	if retryWait == 0 {
		retryWait = defaultRetryWait
	}

	return &Client{
		api:        params.API,
		config:     config,
		httpClient: httpClient,
		retryWait:  retryWait,
		logger:     logger,
		tracker:    newObjectTracker(factory, config.Backend, logger),
	}, nil
}

// NewClientFromEnv creates a Client for the backend configured in the environment.
func NewClientFromEnv(ctx context.Context, envRepo env.Repository, logger log.Logger) (*Client, error) {
	config, err := ConfigFromEnv(envRepo)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	api, err := newControlAPI(ctx, config, logger)
	if err != nil {
		return nil, err
	}

	return NewClient(ClientParams{API: api, Config: config}, logger)
}

func newControlAPI(ctx context.Context, config Config, logger log.Logger) (network.ControlAPI, error) {
	switch config.Backend {
	case BackendS3:
		return network.NewS3ControlAPI(ctx, network.S3Params{
			Region:          config.AWSRegion,
			AccessKeyID:     config.AWSAccessKeyID,
			SecretAccessKey: config.AWSSecretAccessKey,
			Endpoint:        config.AWSS3Endpoint,
			URLExpiration:   time.Duration(config.SignedURLMinutes) * time.Minute,
		}, logger)
	default:
		var tokens network.TokenProvider = network.StaticTokenProvider(config.AccessToken)
		if config.AccessToken == "" {
			provider, err := network.NewClientCredentialsProvider(retryhttp.NewClient(logger), network.ClientCredentialsParams{
				BaseURL:      config.APIURL,
				ClientID:     config.ClientID,
				ClientSecret: config.ClientSecret,
			}, logger)
			if err != nil {
				return nil, err
			}
			tokens = provider
		}

		return network.NewAPIClient(network.APIParams{BaseURL: config.APIURL, Tokens: tokens}, logger)
	}
}

// Close waits for the pending analytics events.
func (c *Client) Close() {
	c.tracker.wait()
}

// UploadFile uploads a local file as bucketKey/objectName, replacing the object if it exists.
// Failed uploads are re-run from scratch up to Config.UploadRetries times, unless the failure
// is caused by the local file.
func (c *Client) UploadFile(ctx context.Context, bucketKey, objectName, filePath string) (network.ObjectDetails, error) {
	params := network.UploadParams{
		BucketKey:     bucketKey,
		ObjectName:    objectName,
		FilePath:      filePath,
		PartSizeBytes: c.config.PartSizeBytes,
		Chunks: chunkuploader.Config{
			Concurrency:    c.config.UploadConcurrency,
			RequestTimeout: chunkuploader.DefaultConfig().RequestTimeout,
			HTTPClient:     c.httpClient,
		},
	}

	c.logger.Infof("Uploading %s to %s/%s...", filePath, bucketKey, objectName)
	start := time.Now()

	var details network.ObjectDetails
	var attempts uint
	err := retry.Times(uint(c.config.UploadRetries)).Wait(c.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		attempts = attempt + 1
		if attempt > 0 {
			c.logger.Warnf("%d attempt(s) failed, retrying upload of %s...", attempt, objectName)
		}

		result, err := network.Upload(ctx, c.api, params, c.logger)
		if err != nil {
			abort := !network.IsRetryable(err) || ctx.Err() != nil
			if !abort {
				c.logger.Debugf("Upload attempt %d failed: %s", attempts, err)
			}
			return err, abort
		}

		details = result
		return nil, false
	})
	took := time.Since(start).Round(time.Millisecond)
	if err != nil {
		c.tracker.logObjectUploadFailed(bucketKey, took, err)
		return network.ObjectDetails{}, fmt.Errorf("upload of %s failed: %w", objectName, err)
	}

	partCount := chunkuploader.NewPlan(uint64(details.Size), uint64(c.config.PartSizeBytes)).NumChunks()
	c.tracker.logObjectUploaded(bucketKey, took, details.Size, partCount, attempts)
	c.logger.Donef("Uploaded %s (%s, %d part(s)) in %s",
		objectName, units.HumanSizeWithPrecision(float64(details.Size), 3), partCount, took)

	return details, nil
}

// DownloadFile downloads bucketKey/objectName into downloadPath.
func (c *Client) DownloadFile(ctx context.Context, bucketKey, objectName, downloadPath string) error {
	c.logger.Infof("Downloading %s/%s...", bucketKey, objectName)
	start := time.Now()

	err := network.Download(ctx, c.api, c.httpClient, network.DownloadParams{
		BucketKey:        bucketKey,
		ObjectName:       objectName,
		DownloadPath:     downloadPath,
		ExpiresInMinutes: c.config.SignedURLMinutes,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("download of %s failed: %w", objectName, err)
	}
	took := time.Since(start).Round(time.Millisecond)

	info, err := os.Stat(downloadPath)
	if err != nil {
		return err
	}
	c.tracker.logObjectDownloaded(bucketKey, took, info.Size())
	c.logger.Donef("Downloaded %s (%s) in %s", objectName, units.HumanSizeWithPrecision(float64(info.Size()), 3), took)

	return nil
}

// WriteFile replaces the content of bucketKey/objectName with a local file in a single request.
func (c *Client) WriteFile(ctx context.Context, bucketKey, objectName, filePath string) error {
	err := network.WriteSigned(ctx, c.api, c.httpClient, network.WriteParams{
		BucketKey:        bucketKey,
		ObjectName:       objectName,
		FilePath:         filePath,
		ExpiresInMinutes: c.config.SignedURLMinutes,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("write of %s failed: %w", objectName, err)
	}
	return nil
}

// CreateSignedURL issues a signed URL for direct access to one object.
func (c *Client) CreateSignedURL(ctx context.Context, bucketKey, objectName string, access network.Access, singleUse bool) (network.SignedAccessGrant, error) {
	return c.api.IssueGrant(ctx, bucketKey, objectName, network.GrantOptions{
		Access:           access,
		ExpiresInMinutes: c.config.SignedURLMinutes,
		SingleUse:        singleUse,
	})
}

// errorKind names the failure class for analytics, without paths or URLs.
func errorKind(err error) string {
	var planningErr *network.PlanningError
	var consistencyErr *network.ConsistencyError
	var apiErr *network.ControlAPIError
	var transportErr *network.TransportError
	switch {
	case errors.As(err, &planningErr):
		return "planning"
	case errors.As(err, &consistencyErr):
		return "consistency"
	case errors.As(err, &apiErr):
		return "control_api"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}
