package network

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
)

// ErrObjectNotFound is wrapped by a ControlAPIError when the bucket or object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidUpload is wrapped by a ControlAPIError when the request or the session it returned
// cannot be used, independent of the attempt: an out of range part count, a wrong number of
// part URLs or an access mode the backend does not support.
var ErrInvalidUpload = errors.New("invalid upload request")

// TransportError is returned when a PUT or GET against a signed URL fails.
type TransportError = chunkuploader.TransportError

// ConsistencyError is returned when the source changed size between planning and reading.
type ConsistencyError = chunkuploader.ConsistencyError

// PlanningError means the local source could not be opened or measured.
// No network call is made when it is returned.
type PlanningError struct {
	Path string
	Err  error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("plan upload of %s: %v", e.Path, e.Err)
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

// ControlAPIError is returned when the storage control API rejects a request.
type ControlAPIError struct {
	// Op is the control API operation, e.g. "requestUploadURLs", "completeUpload", "issueGrant".
	Op         string
	BucketKey  string
	ObjectName string
	// StatusCode is zero when the failure happened before a response was received.
	StatusCode int
	// Code is the service specific error code, if the backend reports one.
	Code string
	Body string
	Err  error
}

func (e *ControlAPIError) Error() string {
	target := e.BucketKey
	if e.ObjectName != "" {
		target = fmt.Sprintf("%s/%s", e.BucketKey, e.ObjectName)
	}

	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Op, target, e.StatusCode, e.Body)
	case e.Code != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Op, target, e.Code, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, target, e.Err)
	}
}

func (e *ControlAPIError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether re-running the whole upload may succeed.
// Planning and consistency failures are caused by the local source and are final.
func IsRetryable(err error) bool {
	var planningErr *PlanningError
	var consistencyErr *ConsistencyError
	if errors.As(err, &planningErr) || errors.As(err, &consistencyErr) {
		return false
	}
	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrInvalidUpload) {
		return false
	}

	var apiErr *ControlAPIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 0 || apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
