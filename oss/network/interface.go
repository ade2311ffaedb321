package network

import (
	"context"
	"time"

	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Access is the capability granted by a signed URL.
type Access string

// Access values
const (
	AccessRead      Access = "read"
	AccessWrite     Access = "write"
	AccessReadWrite Access = "readwrite"
)

// DefaultGrantMinutes is the lifetime of a signed URL when none is requested.
const DefaultGrantMinutes = 60

// UploadSession binds the signed part URLs of one upload to its completion call.
// URLs[i] must receive part i.
type UploadSession struct {
	// SessionID identifies the upload in logs and events. It is generated by the client.
	SessionID string
	// UploadKey is the token the completion call needs.
	UploadKey  string
	URLs       []chunkuploader.UploadURL
	Expiration time.Time
}

// Completion is the payload of the call that finalizes a multipart upload.
type Completion struct {
	UploadKey string
	// Size is the total number of bytes uploaded across all parts.
	Size  int64
	ETags []string
}

// ObjectDetails describes a stored object.
type ObjectDetails struct {
	BucketKey   string `json:"bucketKey"`
	ObjectID    string `json:"objectId"`
	ObjectKey   string `json:"objectKey"`
	SHA1        string `json:"sha1,omitempty"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType,omitempty"`
	Location    string `json:"location,omitempty"`
}

// GrantOptions controls the signed URL issued for a single object.
type GrantOptions struct {
	Access Access
	// ExpiresInMinutes defaults to DefaultGrantMinutes when zero.
	ExpiresInMinutes int
	SingleUse        bool
}

// SignedAccessGrant is a signed URL for direct access to one object.
// Expiration is enforced by the storage service, not tracked locally.
type SignedAccessGrant struct {
	URL              string
	Access           Access
	ExpiresInMinutes int
	SingleUse        bool
}

// ControlAPI is the storage control API used by the upload and download flows.
type ControlAPI interface {
	// RequestUploadURLs returns exactly partCount signed part URLs for the object.
	RequestUploadURLs(ctx context.Context, bucketKey, objectName string, partCount int) (UploadSession, error)
	// CompleteUpload assembles the uploaded parts into the object.
	CompleteUpload(ctx context.Context, bucketKey, objectName string, completion Completion) (ObjectDetails, error)
	// IssueGrant returns a signed URL for reading or writing the object directly.
	IssueGrant(ctx context.Context, bucketKey, objectName string, opts GrantOptions) (SignedAccessGrant, error)
}

// Uploader ...
type Uploader interface {
	Upload(context.Context, UploadParams, log.Logger) (ObjectDetails, error)
}

// Downloader ...
type Downloader interface {
	Download(context.Context, DownloadParams, log.Logger) error
}

func (o GrantOptions) withDefaults() GrantOptions {
	if o.Access == "" {
		o.Access = AccessRead
	}
	if o.ExpiresInMinutes <= 0 {
		o.ExpiresInMinutes = DefaultGrantMinutes
	}
	return o
}
