package oss

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
)

// TrackerFactory creates the analytics tracker, with the given properties attached to every event.
type TrackerFactory func(...analytics.Properties) analytics.Tracker

type objectTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newObjectTracker(factory TrackerFactory, backend Backend, logger log.Logger) objectTracker {
	return objectTracker{
		tracker: factory(analytics.Properties{"backend": string(backend)}),
		logger:  logger,
	}
}

func defaultTrackerFactory(logger log.Logger) TrackerFactory {
	return func(properties ...analytics.Properties) analytics.Tracker {
		return analytics.NewDefaultTracker(logger, properties...)
	}
}

func (t objectTracker) logObjectUploaded(bucketKey string, uploadTime time.Duration, sizeBytes int64, partCount int, attempts uint) {
	properties := analytics.Properties{
		"bucket_key":        bucketKey,
		"upload_time_s":     uploadTime.Truncate(time.Second).Seconds(),
		"upload_size_bytes": sizeBytes,
		"part_count":        partCount,
		"attempts":          attempts,
	}
	t.tracker.Enqueue("object_uploaded", properties)
}

func (t objectTracker) logObjectUploadFailed(bucketKey string, uploadTime time.Duration, err error) {
	properties := analytics.Properties{
		"bucket_key":    bucketKey,
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
		"error":         errorKind(err),
	}
	t.tracker.Enqueue("object_upload_failed", properties)
}

func (t objectTracker) logObjectDownloaded(bucketKey string, downloadTime time.Duration, sizeBytes int64) {
	properties := analytics.Properties{
		"bucket_key":          bucketKey,
		"download_time_s":     downloadTime.Truncate(time.Second).Seconds(),
		"download_size_bytes": sizeBytes,
	}
	t.tracker.Enqueue("object_downloaded", properties)
}

func (t objectTracker) wait() {
	t.tracker.Wait()
}
