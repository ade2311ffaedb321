package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/melbahja/got"
)

// DownloadParams ...
type DownloadParams struct {
	BucketKey        string
	ObjectName       string
	DownloadPath     string
	ExpiresInMinutes int
}

// DefaultDownloader downloads through the given control API, fetching the bytes with HTTPClient.
// HTTPClient must not carry control API credentials.
type DefaultDownloader struct {
	API        ControlAPI
	HTTPClient *http.Client
}

// Download ...
func (d DefaultDownloader) Download(ctx context.Context, params DownloadParams, logger log.Logger) error {
	return Download(ctx, d.API, d.HTTPClient, params, logger)
}

// Download an object to a local file through a read grant.
func Download(ctx context.Context, api ControlAPI, client *http.Client, params DownloadParams, logger log.Logger) error {
	if params.BucketKey == "" || params.ObjectName == "" {
		return fmt.Errorf("bucket key and object name must not be empty")
	}
	if params.DownloadPath == "" {
		return fmt.Errorf("download path must not be empty")
	}

	logger.Debugf("Get download URL")
	grant, err := api.IssueGrant(ctx, params.BucketKey, params.ObjectName, GrantOptions{
		Access:           AccessRead,
		ExpiresInMinutes: params.ExpiresInMinutes,
	})
	if err != nil {
		return err
	}

	logger.Debugf("Download object")
	if err := downloadFile(ctx, client, grant.URL, params.DownloadPath); err != nil {
		return &TransportError{PartIndex: -1, Err: err}
	}

	return nil
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	if client != nil {
		downloader.Client = client
	}

	return downloader.Do(got.NewDownload(ctx, url, dest))
}

// WriteParams ...
type WriteParams struct {
	BucketKey        string
	ObjectName       string
	FilePath         string
	ExpiresInMinutes int
	SingleUse        bool
}

// WriteSigned replaces the bytes of an object with the content of a local file in a single
// PUT to a write grant. It does not split the file into parts; large files should go
// through Upload instead.
func WriteSigned(ctx context.Context, api ControlAPI, client *http.Client, params WriteParams, logger log.Logger) error {
	if params.BucketKey == "" || params.ObjectName == "" {
		return fmt.Errorf("bucket key and object name must not be empty")
	}

	file, err := os.Open(params.FilePath)
	if err != nil {
		return &PlanningError{Path: params.FilePath, Err: err}
	}
	defer func(file *os.File) {
		if err := file.Close(); err != nil {
			logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	info, err := file.Stat()
	if err != nil {
		return &PlanningError{Path: params.FilePath, Err: err}
	}

	logger.Debugf("Get write URL")
	grant, err := api.IssueGrant(ctx, params.BucketKey, params.ObjectName, GrantOptions{
		Access:           AccessWrite,
		ExpiresInMinutes: params.ExpiresInMinutes,
		SingleUse:        params.SingleUse,
	})
	if err != nil {
		return err
	}

	var body io.Reader = http.NoBody
	if info.Size() > 0 {
		body = io.NewSectionReader(file, 0, info.Size())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, grant.URL, body)
	if err != nil {
		return &TransportError{PartIndex: -1, Err: err}
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	if client == nil {
		client = http.DefaultClient
	}
	logger.Debugf("Write object (%d bytes)", info.Size())
	resp, err := client.Do(req)
	if err != nil {
		return &TransportError{PartIndex: -1, Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &TransportError{
			PartIndex:  -1,
			StatusCode: resp.StatusCode,
			Body:       string(errorBody),
			Err:        fmt.Errorf("write failed with status %d", resp.StatusCode),
		}
	}

	return nil
}
