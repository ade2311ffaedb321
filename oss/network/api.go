package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectstorage/oss/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

// MaxPartCount is the largest number of part URLs the control API hands out for one upload.
const MaxPartCount = 10000

type signedUploadResponse struct {
	UploadKey        string   `json:"uploadKey"`
	URLs             []string `json:"urls"`
	URLExpiration    int64    `json:"urlExpiration"`
	UploadExpiration int64    `json:"uploadExpiration"`
}

type completeUploadRequest struct {
	UploadKey string   `json:"uploadKey"`
	Size      int64    `json:"size"`
	ETags     []string `json:"eTags,omitempty"`
}

type signedResourceRequest struct {
	MinutesExpiration int  `json:"minutesExpiration"`
	SingleUse         bool `json:"singleUse"`
}

type signedResourceResponse struct {
	SignedURL  string `json:"signedUrl"`
	Expiration int64  `json:"expiration"`
	SingleUse  bool   `json:"singleUse"`
}

// APIParams configures the OSS HTTP control API client.
type APIParams struct {
	BaseURL string
	Tokens  TokenProvider
	// HTTPClient is optional, a client from retryhttp.NewClient is used when nil.
	// Its retry settings are reused, the client itself is not modified.
	HTTPClient *retryablehttp.Client
}

type apiClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	tokens     TokenProvider
	logger     log.Logger
}

// NewAPIClient creates a ControlAPI backed by the OSS HTTP API.
func NewAPIClient(params APIParams, logger log.Logger) (ControlAPI, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if params.Tokens == nil {
		return nil, fmt.Errorf("token provider is missing")
	}

	client := params.HTTPClient
	if client == nil {
		client = retryhttp.NewClient(logger)
	}

	return newAPIClient(withPassthroughErrors(client), params.BaseURL, params.Tokens, logger), nil
}

// withPassthroughErrors returns a client with the retry settings of client that hands the last
// response back after the retries, so its status and body end up in the error.
// client itself is left untouched, it may be shared with other callers.
func withPassthroughErrors(client *retryablehttp.Client) *retryablehttp.Client {
	return &retryablehttp.Client{
		HTTPClient:      client.HTTPClient,
		Logger:          client.Logger,
		RetryWaitMin:    client.RetryWaitMin,
		RetryWaitMax:    client.RetryWaitMax,
		RetryMax:        client.RetryMax,
		RequestLogHook:  client.RequestLogHook,
		ResponseLogHook: client.ResponseLogHook,
		CheckRetry:      client.CheckRetry,
		Backoff:         client.Backoff,
		ErrorHandler:    retryablehttp.PassthroughErrorHandler,
	}
}

func newAPIClient(client *retryablehttp.Client, baseURL string, tokens TokenProvider, logger log.Logger) apiClient {
	return apiClient{
		httpClient: client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

func (c apiClient) objectURL(bucketKey, objectName, suffix string) string {
	return fmt.Sprintf("%s/oss/v2/buckets/%s/objects/%s/%s",
		c.baseURL, url.PathEscape(bucketKey), url.PathEscape(objectName), suffix)
}

func (c apiClient) RequestUploadURLs(ctx context.Context, bucketKey, objectName string, partCount int) (UploadSession, error) {
	apiErr := &ControlAPIError{Op: "requestUploadURLs", BucketKey: bucketKey, ObjectName: objectName}
	if partCount < 1 || partCount > MaxPartCount {
		apiErr.Err = fmt.Errorf("%w: part count %d out of range [1, %d]", ErrInvalidUpload, partCount, MaxPartCount)
		return UploadSession{}, apiErr
	}

	query := url.Values{}
	query.Set("parts", strconv.Itoa(partCount))
	query.Set("firstPart", "1")
	apiURL := c.objectURL(bucketKey, objectName, "signeds3upload") + "?" + query.Encode()

	var response signedUploadResponse
	if err := c.doJSON(ctx, http.MethodGet, apiURL, nil, &response, apiErr); err != nil {
		return UploadSession{}, err
	}

	if len(response.URLs) != partCount {
		apiErr.Err = fmt.Errorf("%w: requested %d upload URLs, got %d", ErrInvalidUpload, partCount, len(response.URLs))
		return UploadSession{}, apiErr
	}
	if response.UploadKey == "" {
		apiErr.Err = fmt.Errorf("response has no upload key")
		return UploadSession{}, apiErr
	}

	session := UploadSession{
		SessionID: uuid.NewString(),
		UploadKey: response.UploadKey,
		URLs:      make([]chunkuploader.UploadURL, 0, partCount),
	}
	if response.URLExpiration > 0 {
		session.Expiration = time.UnixMilli(response.URLExpiration)
	}
	for _, u := range response.URLs {
		session.URLs = append(session.URLs, chunkuploader.UploadURL{Method: http.MethodPut, URL: u})
	}

	return session, nil
}

func (c apiClient) CompleteUpload(ctx context.Context, bucketKey, objectName string, completion Completion) (ObjectDetails, error) {
	apiErr := &ControlAPIError{Op: "completeUpload", BucketKey: bucketKey, ObjectName: objectName}

	body, err := json.Marshal(completeUploadRequest{
		UploadKey: completion.UploadKey,
		Size:      completion.Size,
		ETags:     completion.ETags,
	})
	if err != nil {
		return ObjectDetails{}, err
	}

	var details ObjectDetails
	if err := c.doJSON(ctx, http.MethodPost, c.objectURL(bucketKey, objectName, "signeds3upload"), body, &details, apiErr); err != nil {
		return ObjectDetails{}, err
	}

	return details, nil
}

func (c apiClient) IssueGrant(ctx context.Context, bucketKey, objectName string, opts GrantOptions) (SignedAccessGrant, error) {
	opts = opts.withDefaults()
	apiErr := &ControlAPIError{Op: "issueGrant", BucketKey: bucketKey, ObjectName: objectName}

	body, err := json.Marshal(signedResourceRequest{
		MinutesExpiration: opts.ExpiresInMinutes,
		SingleUse:         opts.SingleUse,
	})
	if err != nil {
		return SignedAccessGrant{}, err
	}

	apiURL := c.objectURL(bucketKey, objectName, "signed") + "?access=" + url.QueryEscape(string(opts.Access))

	var response signedResourceResponse
	if err := c.doJSON(ctx, http.MethodPost, apiURL, body, &response, apiErr); err != nil {
		return SignedAccessGrant{}, err
	}
	if response.SignedURL == "" {
		apiErr.Err = fmt.Errorf("response has no signed URL")
		return SignedAccessGrant{}, apiErr
	}

	return SignedAccessGrant{
		URL:              response.SignedURL,
		Access:           opts.Access,
		ExpiresInMinutes: opts.ExpiresInMinutes,
		SingleUse:        response.SingleUse,
	}, nil
}

// doJSON sends an authorized request with an optional JSON body and decodes a 2xx JSON response into out.
// Failures are reported through apiErr.
func (c apiClient) doJSON(ctx context.Context, method, apiURL string, body []byte, out interface{}, apiErr *ControlAPIError) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		apiErr.Err = fmt.Errorf("get access token: %w", err)
		return apiErr
	}

	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, apiURL, rawBody)
	if err != nil {
		apiErr.Err = err
		return apiErr
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-type", "application/json")
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", apiErr.Op, redactAuthorization(string(dump)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr.Err = err
		return apiErr
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp, apiErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		apiErr.Err = fmt.Errorf("decode response: %w", err)
		return apiErr
	}

	return nil
}

func unwrapError(resp *http.Response, apiErr *ControlAPIError) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		apiErr.Err = err
		return apiErr
	}

	apiErr.StatusCode = resp.StatusCode
	apiErr.Body = strings.TrimSpace(string(errorResp))
	if resp.StatusCode == http.StatusNotFound {
		apiErr.Err = ErrObjectNotFound
	} else {
		apiErr.Err = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return apiErr
}

func redactAuthorization(dump string) string {
	lines := strings.Split(dump, "\r\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.ToLower(line), "authorization:") {
			lines[i] = "Authorization: [REDACTED]"
		}
	}
	return strings.Join(lines, "\r\n")
}
