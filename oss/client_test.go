package oss

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectstorage/internal/osstest"
	"github.com/bitrise-io/go-objectstorage/oss/network"
	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

type trackedEvent struct {
	name       string
	properties analytics.Properties
}

type fakeTracker struct {
	mu     sync.Mutex
	events []trackedEvent
}

func (t *fakeTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()

	merged := analytics.Properties{}
	for _, p := range properties {
		for k, v := range p {
			merged[k] = v
		}
	}
	t.events = append(t.events, trackedEvent{name: eventName, properties: merged})
}

func (t *fakeTracker) Wait() {}

func (t *fakeTracker) eventNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var names []string
	for _, e := range t.events {
		names = append(names, e.name)
	}
	return names
}

func (t *fakeTracker) lastEvent() trackedEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.events[len(t.events)-1]
}

// countingAPI counts the upload sessions started through it.
type countingAPI struct {
	network.ControlAPI
	sessions int64
}

func (a *countingAPI) RequestUploadURLs(ctx context.Context, bucketKey, objectName string, partCount int) (network.UploadSession, error) {
	atomic.AddInt64(&a.sessions, 1)
	return a.ControlAPI.RequestUploadURLs(ctx, bucketKey, objectName, partCount)
}

type testClient struct {
	*Client
	server  *osstest.Server
	api     *countingAPI
	tracker *fakeTracker
}

func newTestClient(t *testing.T, config Config) testClient {
	server := osstest.NewServer()
	server.Token = testToken
	t.Cleanup(server.Close)

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 0
	httpClient.Logger = nil
	api, err := network.NewAPIClient(network.APIParams{
		BaseURL:    server.URL,
		Tokens:     network.StaticTokenProvider(testToken),
		HTTPClient: httpClient,
	}, log.NewLogger())
	require.NoError(t, err)

	counting := &countingAPI{ControlAPI: api}
	tracker := &fakeTracker{}
	client, err := NewClient(ClientParams{
		API:            counting,
		Config:         config,
		TrackerFactory: func(...analytics.Properties) analytics.Tracker { return tracker },
		RetryWait:      time.Millisecond,
	}, log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return testClient{Client: client, server: server, api: counting, tracker: tracker}
}

func TestNewClient_validation(t *testing.T) {
	_, err := NewClient(ClientParams{}, log.NewLogger())
	assert.EqualError(t, err, "control API is missing")


	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{name: "part size below minimum", config: Config{PartSizeBytes: 1024}, wantErr: "'OSS_PART_SIZE' should be at least 5MiB"},
		{name: "negative retries", config: Config{UploadRetries: -1}, wantErr: "'OSS_UPLOAD_RETRIES' should not be negative"},
		{name: "negative concurrency", config: Config{UploadConcurrency: -1}, wantErr: "'OSS_UPLOAD_CONCURRENCY' should be between 1 and 20"},
		{name: "concurrency above maximum", config: Config{UploadConcurrency: 21}, wantErr: "'OSS_UPLOAD_CONCURRENCY' should be between 1 and 20"},
		{name: "negative signed URL minutes", config: Config{SignedURLMinutes: -5}, wantErr: "'OSS_SIGNED_URL_MINUTES' should be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(ClientParams{API: &countingAPI{}, Config: tt.config}, log.NewLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, client)
		})
	}
}

func TestClient_roundTrip(t *testing.T) {
	minSize := chunkuploader.MinPartSizeBytes
	sizes := []int{0, 1, minSize - 1, minSize, minSize + 1, 5 * minSize, 5*minSize + 1}

	client := newTestClient(t, Config{PartSizeBytes: chunkuploader.MinPartSizeBytes})
	dir := t.TempDir()

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			name := fmt.Sprintf("object-%d", size)
			path, data := osstest.WriteRandomFile(t, dir, name, size)

			details, err := client.UploadFile(context.Background(), "bucket", name, path)
			require.NoError(t, err)
			assert.Equal(t, int64(size), details.Size)

			dest := filepath.Join(dir, name+".downloaded")
			require.NoError(t, client.DownloadFile(context.Background(), "bucket", name, dest))
			assert.NoError(t, osstest.NewFileChecker(dest).IsFile().Size(int64(size)).Content(data).Check())
		})
	}

	assert.Equal(t, len(sizes), client.server.Completions())
}

func TestClient_UploadFile_event(t *testing.T) {
	client := newTestClient(t, Config{PartSizeBytes: chunkuploader.MinPartSizeBytes})
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "object", 2*chunkuploader.MinPartSizeBytes+10)

	_, err := client.UploadFile(context.Background(), "bucket", "object", path)
	require.NoError(t, err)

	event := client.tracker.lastEvent()
	assert.Equal(t, "object_uploaded", event.name)
	assert.Equal(t, "bucket", event.properties["bucket_key"])
	assert.Equal(t, int64(2*chunkuploader.MinPartSizeBytes+10), event.properties["upload_size_bytes"])
	assert.Equal(t, 3, event.properties["part_count"])
	assert.Equal(t, uint(1), event.properties["attempts"])
}

func TestClient_UploadFile_retriesTransportErrors(t *testing.T) {
	client := newTestClient(t, Config{PartSizeBytes: chunkuploader.MinPartSizeBytes, UploadRetries: 2})
	client.server.FailPartTimes(0, http.StatusServiceUnavailable, 1)
	path, data := osstest.WriteRandomFile(t, t.TempDir(), "object", 1000)

	details, err := client.UploadFile(context.Background(), "bucket", "object", path)
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), details.Size)
	assert.Equal(t, int64(2), atomic.LoadInt64(&client.api.sessions), "every attempt starts a new session")
	assert.Equal(t, 1, client.server.Completions())
	assert.Equal(t, uint(2), client.tracker.lastEvent().properties["attempts"])
}

func TestClient_UploadFile_failsWithoutRetries(t *testing.T) {
	client := newTestClient(t, Config{PartSizeBytes: chunkuploader.MinPartSizeBytes})
	client.server.FailPart(0, http.StatusInternalServerError)
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "object", 1000)

	_, err := client.UploadFile(context.Background(), "bucket", "object", path)

	var transportErr *network.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 0, transportErr.PartIndex)
	assert.Equal(t, 0, client.server.Completions())

	event := client.tracker.lastEvent()
	assert.Equal(t, "object_upload_failed", event.name)
	assert.Equal(t, "transport", event.properties["error"])
}

func TestClient_UploadFile_planningErrorIsNotRetried(t *testing.T) {
	client := newTestClient(t, Config{PartSizeBytes: chunkuploader.MinPartSizeBytes, UploadRetries: 3})

	_, err := client.UploadFile(context.Background(), "bucket", "object", filepath.Join(t.TempDir(), "missing"))

	var planningErr *network.PlanningError
	require.ErrorAs(t, err, &planningErr)
	assert.Equal(t, []string{"object_upload_failed"}, client.tracker.eventNames())
	assert.Equal(t, "planning", client.tracker.lastEvent().properties["error"])
}

func TestClient_UploadFile_controlAPIErrorIsNotRetried(t *testing.T) {
	client := newTestClient(t, Config{PartSizeBytes: chunkuploader.MinPartSizeBytes, UploadRetries: 3})
	client.server.Token = "rotated"
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "object", 10)

	_, err := client.UploadFile(context.Background(), "bucket", "object", path)

	var apiErr *network.ControlAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int64(1), atomic.LoadInt64(&client.api.sessions))
}

func TestClient_DownloadFile_notFound(t *testing.T) {
	client := newTestClient(t, Config{})

	err := client.DownloadFile(context.Background(), "bucket", "missing", filepath.Join(t.TempDir(), "missing"))

	assert.True(t, errors.Is(err, network.ErrObjectNotFound))
	assert.Empty(t, client.tracker.eventNames())
}

func TestClient_WriteFile(t *testing.T) {
	client := newTestClient(t, Config{})
	client.server.Store.PutObject("bucket", "object", []byte("old"))
	path, data := osstest.WriteRandomFile(t, t.TempDir(), "object", 300)

	require.NoError(t, client.WriteFile(context.Background(), "bucket", "object", path))

	stored, ok := client.server.Store.Object("bucket", "object")
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestClient_CreateSignedURL(t *testing.T) {
	client := newTestClient(t, Config{SignedURLMinutes: 15})

	grant, err := client.CreateSignedURL(context.Background(), "bucket", "object", network.AccessWrite, true)
	require.NoError(t, err)

	assert.Equal(t, network.AccessWrite, grant.Access)
	assert.Equal(t, 15, grant.ExpiresInMinutes)
	assert.True(t, grant.SingleUse)
	assert.NotEmpty(t, grant.URL)
}

func TestNewClientFromEnv(t *testing.T) {
	server := osstest.NewServer()
	server.Token = testToken
	server.ClientID = "client-id"
	server.ClientSecret = "client-secret"
	defer server.Close()

	tests := []struct {
		name    string
		envVars map[string]string
	}{
		{
			name:    "static token",
			envVars: map[string]string{"OSS_API_URL": server.URL, "OSS_ACCESS_TOKEN": testToken},
		},
		{
			name:    "client credentials",
			envVars: map[string]string{"OSS_API_URL": server.URL, "OSS_CLIENT_ID": "client-id", "OSS_CLIENT_SECRET": "client-secret"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClientFromEnv(context.Background(), fakeEnvRepo{envVars: tt.envVars}, log.NewLogger())
			require.NoError(t, err)
			client.tracker = newObjectTracker(func(...analytics.Properties) analytics.Tracker { return &fakeTracker{} }, BackendOSS, log.NewLogger())

			path, data := osstest.WriteRandomFile(t, t.TempDir(), "object", 100)
			_, err = client.UploadFile(context.Background(), "bucket", tt.name, path)
			require.NoError(t, err)

			stored, ok := server.Store.Object("bucket", tt.name)
			require.True(t, ok)
			assert.Equal(t, data, stored)
		})
	}
}

func TestNewClientFromEnv_invalidConfig(t *testing.T) {
	_, err := NewClientFromEnv(context.Background(), fakeEnvRepo{envVars: map[string]string{}}, log.NewLogger())
	assert.Error(t, err)
}

func Test_errorKind(t *testing.T) {
	assert.Equal(t, "planning", errorKind(fmt.Errorf("x: %w", &network.PlanningError{Path: "p", Err: errors.New("e")})))
	assert.Equal(t, "consistency", errorKind(&network.ConsistencyError{}))
	assert.Equal(t, "control_api", errorKind(&network.ControlAPIError{Op: "issueGrant"}))
	assert.Equal(t, "transport", errorKind(&network.TransportError{PartIndex: 1}))
	assert.Equal(t, "cancelled", errorKind(context.Canceled))
	assert.Equal(t, "unknown", errorKind(errors.New("other")))
}
