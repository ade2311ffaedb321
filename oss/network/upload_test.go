package network

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-objectstorage/internal/osstest"
	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockControlAPI struct {
	mock.Mock
}

func (m *mockControlAPI) RequestUploadURLs(ctx context.Context, bucketKey, objectName string, partCount int) (UploadSession, error) {
	args := m.Called(ctx, bucketKey, objectName, partCount)
	return args.Get(0).(UploadSession), args.Error(1)
}

func (m *mockControlAPI) CompleteUpload(ctx context.Context, bucketKey, objectName string, completion Completion) (ObjectDetails, error) {
	args := m.Called(ctx, bucketKey, objectName, completion)
	return args.Get(0).(ObjectDetails), args.Error(1)
}

func (m *mockControlAPI) IssueGrant(ctx context.Context, bucketKey, objectName string, opts GrantOptions) (SignedAccessGrant, error) {
	args := m.Called(ctx, bucketKey, objectName, opts)
	return args.Get(0).(SignedAccessGrant), args.Error(1)
}

func TestUpload_partsAreReassembled(t *testing.T) {
	server := newTestServer(t)
	api := newTestAPI(t, server)
	path, data := osstest.WriteRandomFile(t, t.TempDir(), "20MiB.bin", 20*units.MiB)

	details, err := Upload(context.Background(), api, UploadParams{
		BucketKey:     "bucket",
		ObjectName:    "20MiB.bin",
		FilePath:      path,
		PartSizeBytes: 6 * units.MiB,
	}, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, int64(20*units.MiB), details.Size)
	assert.Equal(t, "20MiB.bin", details.ObjectKey)
	assert.Equal(t, 4, server.PartRequests())
	assert.Equal(t, []int64{20 * units.MiB}, server.CompletedSizes())

	stored, ok := server.Store.Object("bucket", "20MiB.bin")
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestUpload_emptyFile(t *testing.T) {
	server := newTestServer(t)
	api := newTestAPI(t, server)
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "empty", 0)

	details, err := Upload(context.Background(), api, UploadParams{
		BucketKey:  "bucket",
		ObjectName: "empty",
		FilePath:   path,
	}, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, int64(0), details.Size)
	assert.Equal(t, 1, server.PartRequests())
	assert.Equal(t, []int64{0}, server.CompletedSizes())

	stored, ok := server.Store.Object("bucket", "empty")
	require.True(t, ok)
	assert.Empty(t, stored)
}

func TestUpload_failingPartSkipsCompletion(t *testing.T) {
	server := newTestServer(t)
	server.FailPart(2, http.StatusInternalServerError)
	api := newTestAPI(t, server)
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "object", 4*units.KiB)

	_, err := Upload(context.Background(), api, UploadParams{
		BucketKey:     "bucket",
		ObjectName:    "object",
		FilePath:      path,
		PartSizeBytes: units.KiB,
	}, log.NewLogger())

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, 2, transportErr.PartIndex)
	assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, server.Completions())
	_, ok := server.Store.Object("bucket", "object")
	assert.False(t, ok)
}

func TestUpload_overwritesExistingObject(t *testing.T) {
	server := newTestServer(t)
	api := newTestAPI(t, server)
	dir := t.TempDir()
	first, _ := osstest.WriteRandomFile(t, dir, "first", 3*units.KiB)
	second, secondData := osstest.WriteRandomFile(t, dir, "second", 2*units.KiB+7)

	for _, path := range []string{first, second} {
		_, err := Upload(context.Background(), api, UploadParams{
			BucketKey:     "bucket",
			ObjectName:    "object",
			FilePath:      path,
			PartSizeBytes: units.KiB,
		}, log.NewLogger())
		require.NoError(t, err)
	}

	stored, ok := server.Store.Object("bucket", "object")
	require.True(t, ok)
	assert.Equal(t, secondData, stored)
	assert.Equal(t, 2, server.Completions())
}

func TestUpload_stageSequence(t *testing.T) {
	server := newTestServer(t)
	api := newTestAPI(t, server)
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "object", 100)

	var stages []UploadStage
	_, err := Upload(context.Background(), api, UploadParams{
		BucketKey:  "bucket",
		ObjectName: "object",
		FilePath:   path,
		OnStage:    func(stage UploadStage) { stages = append(stages, stage) },
	}, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, []UploadStage{StagePlanning, StageRequestingURLs, StageUploadingParts, StageCompleting, StageDone}, stages)
}

func TestUpload_missingFile(t *testing.T) {
	api := new(mockControlAPI)

	var stages []UploadStage
	_, err := Upload(context.Background(), api, UploadParams{
		BucketKey:  "bucket",
		ObjectName: "object",
		FilePath:   filepath.Join(t.TempDir(), "missing"),
		OnStage:    func(stage UploadStage) { stages = append(stages, stage) },
	}, log.NewLogger())

	var planningErr *PlanningError
	require.ErrorAs(t, err, &planningErr)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, []UploadStage{StagePlanning, StageFailed}, stages)
	api.AssertNotCalled(t, "RequestUploadURLs", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_directory(t *testing.T) {
	api := new(mockControlAPI)

	_, err := Upload(context.Background(), api, UploadParams{
		BucketKey:  "bucket",
		ObjectName: "object",
		FilePath:   t.TempDir(),
	}, log.NewLogger())

	var planningErr *PlanningError
	require.ErrorAs(t, err, &planningErr)
	api.AssertNotCalled(t, "RequestUploadURLs", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_invalidParams(t *testing.T) {
	tests := []struct {
		name   string
		params UploadParams
	}{
		{name: "no bucket", params: UploadParams{ObjectName: "o", FilePath: "f"}},
		{name: "no object", params: UploadParams{BucketKey: "b", FilePath: "f"}},
		{name: "no file", params: UploadParams{BucketKey: "b", ObjectName: "o"}},
		{name: "negative part size", params: UploadParams{BucketKey: "b", ObjectName: "o", FilePath: "f", PartSizeBytes: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stages []UploadStage
			tt.params.OnStage = func(stage UploadStage) { stages = append(stages, stage) }

			_, err := Upload(context.Background(), new(mockControlAPI), tt.params, log.NewLogger())
			assert.Error(t, err)
			assert.Equal(t, []UploadStage{StageFailed}, stages)
		})
	}
}

func TestUpload_urlCountMismatch(t *testing.T) {
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "object", 10)
	api := new(mockControlAPI)
	api.On("RequestUploadURLs", mock.Anything, "bucket", "object", 1).Return(UploadSession{
		UploadKey: "key",
		URLs:      []chunkuploader.UploadURL{{URL: "http://localhost/1"}, {URL: "http://localhost/2"}},
	}, nil)

	_, err := Upload(context.Background(), api, UploadParams{BucketKey: "bucket", ObjectName: "object", FilePath: path}, log.NewLogger())

	var apiErr *ControlAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "requestUploadURLs", apiErr.Op)
	assert.False(t, IsRetryable(err))
	api.AssertNotCalled(t, "CompleteUpload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpload_completedSizeMismatch(t *testing.T) {
	server := newTestServer(t)
	realAPI := newTestAPI(t, server)
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "object", 10)

	session, err := realAPI.RequestUploadURLs(context.Background(), "bucket", "object", 1)
	require.NoError(t, err)

	api := new(mockControlAPI)
	api.On("RequestUploadURLs", mock.Anything, "bucket", "object", 1).Return(session, nil)
	api.On("CompleteUpload", mock.Anything, "bucket", "object", mock.MatchedBy(func(c Completion) bool {
		return c.UploadKey == session.UploadKey && c.Size == 10 && len(c.ETags) == 1
	})).Return(ObjectDetails{Size: 9}, nil)

	_, err = Upload(context.Background(), api, UploadParams{BucketKey: "bucket", ObjectName: "object", FilePath: path}, log.NewLogger())

	var apiErr *ControlAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "completeUpload", apiErr.Op)
	api.AssertExpectations(t)
}

func TestUpload_cancelledContext(t *testing.T) {
	server := newTestServer(t)
	api := newTestAPI(t, server)
	path, _ := osstest.WriteRandomFile(t, t.TempDir(), "object", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Upload(ctx, api, UploadParams{BucketKey: "bucket", ObjectName: "object", FilePath: path}, log.NewLogger())

	assert.Error(t, err)
	assert.Equal(t, 0, server.Completions())
}

func TestDefaultUploader(t *testing.T) {
	server := newTestServer(t)
	path, data := osstest.WriteRandomFile(t, t.TempDir(), "object", 3000)

	var uploader Uploader = DefaultUploader{API: newTestAPI(t, server)}
	details, err := uploader.Upload(context.Background(), UploadParams{
		BucketKey:     "bucket",
		ObjectName:    "object",
		FilePath:      path,
		PartSizeBytes: 1000,
		Chunks:        chunkuploader.Config{Concurrency: 2},
	}, log.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), details.Size)
	assert.Equal(t, 3, server.PartRequests())
}
