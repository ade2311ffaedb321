package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// UploadStage is a state of the upload state machine.
type UploadStage string

// Upload stages, in order. StageFailed can follow any stage before StageDone, and is the only
// stage reported when the parameters are invalid.
const (
	StagePlanning       UploadStage = "planning"
	StageRequestingURLs UploadStage = "requesting-urls"
	StageUploadingParts UploadStage = "uploading-parts"
	StageCompleting     UploadStage = "completing"
	StageDone           UploadStage = "done"
	StageFailed         UploadStage = "failed"
)

// UploadParams ...
type UploadParams struct {
	BucketKey  string
	ObjectName string
	FilePath   string
	// PartSizeBytes is the target part size. Callers must keep it at or above
	// chunkuploader.MinPartSizeBytes for real storage services. Zero means the default.
	PartSizeBytes int64
	Chunks        chunkuploader.Config
	// OnStage is called on every stage transition, if set.
	OnStage func(UploadStage)
}

// DefaultUploader uploads through the given control API.
type DefaultUploader struct {
	API ControlAPI
}

// Upload ...
func (u DefaultUploader) Upload(ctx context.Context, params UploadParams, logger log.Logger) (ObjectDetails, error) {
	return Upload(ctx, u.API, params, logger)
}

// Upload a local file as one object: plan the parts, request one signed URL per part,
// PUT every part and complete the upload with the total size.
//
// The completion call is only made once every planned part has been uploaded. An error
// leaves the multipart session incomplete on the server side, where it expires.
func Upload(ctx context.Context, api ControlAPI, params UploadParams, logger log.Logger) (ObjectDetails, error) {
	run := uploadRun{params: params, logger: logger}
	if err := params.validate(); err != nil {
		run.transition(StageFailed)
		return ObjectDetails{}, err
	}

	details, err := run.execute(ctx, api)
	if err != nil {
		run.transition(StageFailed)
		return ObjectDetails{}, err
	}
	run.transition(StageDone)

	return details, nil
}

func (p UploadParams) validate() error {
	if p.BucketKey == "" {
		return fmt.Errorf("bucket key must not be empty")
	}
	if p.ObjectName == "" {
		return fmt.Errorf("object name must not be empty")
	}
	if p.FilePath == "" {
		return fmt.Errorf("file path must not be empty")
	}
	if p.PartSizeBytes < 0 {
		return fmt.Errorf("part size must not be negative")
	}
	return nil
}

type uploadRun struct {
	params UploadParams
	logger log.Logger
	stage  UploadStage
}

func (r *uploadRun) transition(next UploadStage) {
	if r.stage != "" {
		r.logger.Debugf("Upload of %s: %s -> %s", r.params.ObjectName, r.stage, next)
	}
	r.stage = next
	if r.params.OnStage != nil {
		r.params.OnStage(next)
	}
}

func (r *uploadRun) execute(ctx context.Context, api ControlAPI) (ObjectDetails, error) {
	r.transition(StagePlanning)

	file, err := os.Open(r.params.FilePath)
	if err != nil {
		return ObjectDetails{}, &PlanningError{Path: r.params.FilePath, Err: err}
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			r.logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	info, err := file.Stat()
	if err != nil {
		return ObjectDetails{}, &PlanningError{Path: r.params.FilePath, Err: err}
	}
	if !info.Mode().IsRegular() {
		return ObjectDetails{}, &PlanningError{Path: r.params.FilePath, Err: errors.New("not a regular file")}
	}

	plan := chunkuploader.NewPlan(uint64(info.Size()), uint64(r.params.PartSizeBytes))
	r.logger.Debugf("Upload plan for %s (%s): %s", r.params.ObjectName,
		units.HumanSizeWithPrecision(float64(info.Size()), 3), plan)

	r.transition(StageRequestingURLs)
	session, err := api.RequestUploadURLs(ctx, r.params.BucketKey, r.params.ObjectName, plan.NumChunks())
	if err != nil {
		return ObjectDetails{}, err
	}
	if len(session.URLs) != plan.NumChunks() {
		return ObjectDetails{}, &ControlAPIError{
			Op:         "requestUploadURLs",
			BucketKey:  r.params.BucketKey,
			ObjectName: r.params.ObjectName,
			Err:        fmt.Errorf("%w: requested %d upload URLs, got %d", ErrInvalidUpload, plan.NumChunks(), len(session.URLs)),
		}
	}
	r.logger.Debugf("Upload session: %s", session.SessionID)

	r.transition(StageUploadingParts)
	uploader := chunkuploader.New(r.params.Chunks, r.logger)
	defer uploader.CloseIdleConnections()

	result, err := uploader.Upload(ctx, chunkuploader.NewReaderAtChunkProvider(file, plan), session.URLs)
	if err != nil {
		return ObjectDetails{}, err
	}
	if result.Bytes != int64(plan.TotalBytes) {
		return ObjectDetails{}, &ConsistencyError{
			PartIndex: plan.NumChunks() - 1,
			Expected:  int64(plan.TotalBytes),
			Actual:    result.Bytes,
		}
	}
	if err := ctx.Err(); err != nil {
		return ObjectDetails{}, fmt.Errorf("upload cancelled before completion: %w", err)
	}
	if stats := uploader.Stats(); stats.Parts > 1 {
		r.logger.Debugf("Parts uploaded at %s/s per connection, slowest part %d took %s",
			units.HumanSizeWithPrecision(stats.BytesPerSecond(), 3), stats.SlowestPart+1, stats.Slowest.Round(time.Millisecond))
	}

	r.transition(StageCompleting)
	details, err := api.CompleteUpload(ctx, r.params.BucketKey, r.params.ObjectName, Completion{
		UploadKey: session.UploadKey,
		Size:      int64(plan.TotalBytes),
		ETags:     result.ETags,
	})
	if err != nil {
		return ObjectDetails{}, err
	}
	if details.Size != int64(plan.TotalBytes) {
		return ObjectDetails{}, &ControlAPIError{
			Op:         "completeUpload",
			BucketKey:  r.params.BucketKey,
			ObjectName: r.params.ObjectName,
			Err:        fmt.Errorf("completed object has %d bytes, uploaded %d", details.Size, plan.TotalBytes),
		}
	}

	return details, nil
}
