package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// S3Params ...
type S3Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, e.g. for S3 compatible services. Path style addressing
	// is used when it is set.
	Endpoint string
	// URLExpiration is the lifetime of the presigned part URLs, DefaultGrantMinutes when zero.
	URLExpiration time.Duration
}

// S3ControlAPI implements ControlAPI with S3 multipart uploads. The bucket key is the S3 bucket
// name, the object name is the object key.
type S3ControlAPI struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	urlExpiration time.Duration
	logger        log.Logger
}

// NewS3ControlAPI ...
func NewS3ControlAPI(ctx context.Context, params S3Params, logger log.Logger) (*S3ControlAPI, error) {
	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	expiration := params.URLExpiration
	if expiration <= 0 {
		expiration = DefaultGrantMinutes * time.Minute
	}

	return &S3ControlAPI{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		urlExpiration: expiration,
		logger:        logger,
	}, nil
}

// RequestUploadURLs starts a multipart upload and presigns one UploadPart request per part.
func (a *S3ControlAPI) RequestUploadURLs(ctx context.Context, bucketKey, objectName string, partCount int) (UploadSession, error) {
	apiErr := &ControlAPIError{Op: "requestUploadURLs", BucketKey: bucketKey, ObjectName: objectName}
	if partCount < 1 || partCount > MaxPartCount {
		apiErr.Err = fmt.Errorf("%w: part count %d out of range [1, %d]", ErrInvalidUpload, partCount, MaxPartCount)
		return UploadSession{}, apiErr
	}

	created, err := a.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucketKey),
		Key:    aws.String(objectName),
	})
	if err != nil {
		return UploadSession{}, wrapS3Error(err, apiErr)
	}
	uploadID := aws.ToString(created.UploadId)
	if uploadID == "" {
		apiErr.Err = fmt.Errorf("response has no upload ID")
		return UploadSession{}, apiErr
	}

	session := UploadSession{
		SessionID:  uuid.NewString(),
		UploadKey:  uploadID,
		URLs:       make([]chunkuploader.UploadURL, 0, partCount),
		Expiration: time.Now().Add(a.urlExpiration),
	}
	for i := 0; i < partCount; i++ {
		presigned, err := a.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(bucketKey),
			Key:        aws.String(objectName),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(i + 1)),
		}, s3.WithPresignExpires(a.urlExpiration))
		if err != nil {
			apiErr.Err = fmt.Errorf("presign part %d: %w", i+1, err)
			return UploadSession{}, apiErr
		}

		session.URLs = append(session.URLs, chunkuploader.UploadURL{
			Method:  presigned.Method,
			URL:     presigned.URL,
			Headers: signedHeaders(presigned.SignedHeader),
		})
	}

	return session, nil
}

// CompleteUpload assembles the parts and reads back the stored object.
func (a *S3ControlAPI) CompleteUpload(ctx context.Context, bucketKey, objectName string, completion Completion) (ObjectDetails, error) {
	apiErr := &ControlAPIError{Op: "completeUpload", BucketKey: bucketKey, ObjectName: objectName}

	parts := make([]types.CompletedPart, 0, len(completion.ETags))
	for i, etag := range completion.ETags {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}

	completed, err := a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucketKey),
		Key:             aws.String(objectName),
		UploadId:        aws.String(completion.UploadKey),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return ObjectDetails{}, wrapS3Error(err, apiErr)
	}

	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucketKey),
		Key:    aws.String(objectName),
	})
	if err != nil {
		return ObjectDetails{}, wrapS3Error(err, apiErr)
	}

	return ObjectDetails{
		BucketKey:   bucketKey,
		ObjectID:    fmt.Sprintf("%s/%s", bucketKey, objectName),
		ObjectKey:   objectName,
		Size:        aws.ToInt64(head.ContentLength),
		ContentType: aws.ToString(head.ContentType),
		Location:    aws.ToString(completed.Location),
	}, nil
}

// IssueGrant presigns a GetObject or PutObject request. S3 can not presign a URL that allows
// both, and presigned URLs are never single use.
func (a *S3ControlAPI) IssueGrant(ctx context.Context, bucketKey, objectName string, opts GrantOptions) (SignedAccessGrant, error) {
	opts = opts.withDefaults()
	apiErr := &ControlAPIError{Op: "issueGrant", BucketKey: bucketKey, ObjectName: objectName}

	if opts.SingleUse {
		a.logger.Warnf("Single use signed URLs are not supported by S3, the URL stays valid until it expires")
	}
	expires := s3.WithPresignExpires(time.Duration(opts.ExpiresInMinutes) * time.Minute)

	var url string
	switch opts.Access {
	case AccessRead:
		presigned, err := a.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucketKey),
			Key:    aws.String(objectName),
		}, expires)
		if err != nil {
			apiErr.Err = err
			return SignedAccessGrant{}, apiErr
		}
		url = presigned.URL
	case AccessWrite:
		presigned, err := a.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucketKey),
			Key:    aws.String(objectName),
		}, expires)
		if err != nil {
			apiErr.Err = err
			return SignedAccessGrant{}, apiErr
		}
		url = presigned.URL
	default:
		apiErr.Err = fmt.Errorf("%w: access %q is not supported by S3", ErrInvalidUpload, opts.Access)
		return SignedAccessGrant{}, apiErr
	}

	return SignedAccessGrant{
		URL:              url,
		Access:           opts.Access,
		ExpiresInMinutes: opts.ExpiresInMinutes,
	}, nil
}

// signedHeaders returns the headers the presigned request must be sent with.
// Host is set by the transport from the URL.
func signedHeaders(header http.Header) map[string]string {
	headers := map[string]string{}
	for k, v := range header {
		if strings.EqualFold(k, "Host") || len(v) == 0 {
			continue
		}
		headers[k] = strings.Join(v, ",")
	}
	return headers
}

func wrapS3Error(err error, apiErr *ControlAPIError) error {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		apiErr.StatusCode = respErr.HTTPStatusCode()
	}

	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		apiErr.Code = apiError.ErrorCode()
		apiErr.Body = apiError.ErrorMessage()

		var notFound *types.NotFound
		var noSuchKey *types.NoSuchKey
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchUpload) || apiError.ErrorCode() == "NoSuchBucket" {
			apiErr.Err = fmt.Errorf("%w: %s", ErrObjectNotFound, apiError.ErrorMessage())
			return apiErr
		}
	}

	apiErr.Err = err
	return apiErr
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
