package chunkuploader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

// Uploader reads planned chunks in order and PUTs them to their signed URLs in parallel.
// An Uploader serves one upload at a time.
type Uploader struct {
	config     Config
	httpClient *http.Client
	logger     log.Logger
	stats      *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger) *Uploader {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	return &Uploader{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
	}
}

// Upload uploads all chunks from the provider to the given URLs.
// urls[i] receives chunk i. Chunks are read strictly in ascending order; the PUTs run with
// bounded concurrency. The returned ETags are in part order.
// A nil error guarantees that every chunk was PUT successfully.
func (u *Uploader) Upload(ctx context.Context, provider ChunkProvider, urls []UploadURL) (*UploadResult, error) {
	numChunks := provider.NumChunks()
	if numChunks != len(urls) {
		return nil, fmt.Errorf("chunk count mismatch: provider has %d chunks, but %d URLs provided", numChunks, len(urls))
	}

	if numChunks == 0 {
		return &UploadResult{ETags: []string{}}, nil
	}

	u.logger.Debugf("Uploading %d chunk(s), concurrency: %d", numChunks, u.config.concurrency())

	etags := make([]string, numChunks)
	var completed int64
	var offset int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.config.concurrency())

	for i := 0; i < numChunks; i++ {
		if gctx.Err() != nil {
			break
		}

		data, err := provider.GetChunk(i)
		if err != nil {
			g.Go(func() error { return err })
			break
		}

		transfer := &PartTransfer{
			Index:  i,
			Offset: offset,
			Length: int64(len(data)),
			URL:    urls[i],
		}
		offset += transfer.Length

		g.Go(func() error {
			etag, err := u.uploadChunkWithStats(gctx, transfer, data, numChunks)
			if err != nil {
				return err
			}
			etags[transfer.Index] = etag
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("upload cancelled after %d of %d chunks: %w", atomic.LoadInt64(&completed), numChunks, err)
	}

	if done := atomic.LoadInt64(&completed); done != int64(numChunks) {
		return nil, fmt.Errorf("only %d of %d chunks uploaded", done, numChunks)
	}

	return &UploadResult{ETags: etags, Bytes: offset}, nil
}

// UploadPart PUTs one already materialized part to its URL. It does not retry.
func (u *Uploader) UploadPart(ctx context.Context, url UploadURL, index int, data []byte) (string, error) {
	transfer := &PartTransfer{
		Index:  index,
		Length: int64(len(data)),
		URL:    url,
	}
	return u.uploadChunk(ctx, transfer, data)
}

// Stats returns the timings of the parts finished so far.
func (u *Uploader) Stats() StatsSnapshot {
	return u.stats.Snapshot()
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (u *Uploader) CloseIdleConnections() {
	if transport, ok := u.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func (u *Uploader) uploadChunkWithStats(ctx context.Context, transfer *PartTransfer, data []byte, totalChunks int) (string, error) {
	snapshot := u.stats.Snapshot()
	u.logger.Debugf("Uploading chunk %d/%d (%d bytes at offset %d) [finished=%d] [avg=%v]",
		transfer.Index+1, totalChunks, transfer.Length, transfer.Offset,
		snapshot.Parts, snapshot.Average().Round(time.Millisecond))

	start := time.Now()
	etag, err := u.uploadChunk(ctx, transfer, data)
	if err != nil {
		u.logger.Debugf("Chunk %d failed after sending %d of %d bytes: %v", transfer.Index+1, transfer.BytesSent(), transfer.Length, err)
		return "", err
	}

	took := time.Since(start)
	u.stats.RecordPart(transfer.Index, took, transfer.Length)
	u.logger.Debugf("Chunk %d uploaded in %v, ETag: %s", transfer.Index+1, took.Round(time.Millisecond), etag)

	return etag, nil
}

func (u *Uploader) uploadChunk(ctx context.Context, transfer *PartTransfer, data []byte) (string, error) {
	if u.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.config.RequestTimeout)
		defer cancel()
	}

	method := transfer.URL.Method
	if method == "" {
		method = http.MethodPut
	}

	var body io.Reader = http.NoBody
	if len(data) > 0 {
		body = transfer.body(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, transfer.URL.URL, body)
	if err != nil {
		return "", &TransportError{PartIndex: transfer.Index, Err: fmt.Errorf("create request: %w", err)}
	}

	for k, v := range transfer.URL.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{PartIndex: transfer.Index, Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			u.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &TransportError{
			PartIndex:  transfer.Index,
			StatusCode: resp.StatusCode,
			Body:       string(errorBody),
			Err:        fmt.Errorf("upload failed with status %d", resp.StatusCode),
		}
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		u.logger.Warnf("No ETag in response for chunk %d", transfer.Index+1)
	}

	return etag, nil
}
