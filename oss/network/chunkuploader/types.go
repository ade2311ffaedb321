// Package chunkuploader splits a local source into planned parts and PUTs every part to
// its own pre-signed URL.
//
// Parts are always read in ascending order through positioned reads, so the read side
// never shares a cursor between goroutines. Each part is materialized into its own buffer
// before the PUT starts, which lets the network side run with bounded parallelism.
// Nothing is retried at this level: the first failing part fails the whole upload.
package chunkuploader

import (
	"io"
	"sync/atomic"
)

// UploadURL represents a signed URL for uploading a single chunk.
type UploadURL struct {
	Method  string
	URL     string
	Headers map[string]string
}

// ChunkProvider provides chunk data for upload.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the planned size of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns the complete content of the chunk at the given index.
	// Implementations must return a ConsistencyError if the source no longer has
	// exactly ChunkSize(index) bytes at that position.
	GetChunk(index int) ([]byte, error)
}

// PartTransfer is the state of one part while it is being sent.
// It is owned by the goroutine uploading the part.
type PartTransfer struct {
	Index  int
	Offset int64
	Length int64
	URL    UploadURL

	bytesSent int64
}

// BytesSent returns the number of body bytes handed to the transport so far.
func (p *PartTransfer) BytesSent() int64 {
	return atomic.LoadInt64(&p.bytesSent)
}

func (p *PartTransfer) body(data []byte) io.Reader {
	return &countingReader{data: data, transfer: p}
}

// ChunkResult represents the result of uploading a single chunk.
type ChunkResult struct {
	Index int
	ETag  string
	Err   error
}

// UploadResult represents the result of uploading all chunks.
type UploadResult struct {
	ETags []string
	Bytes int64
}

type countingReader struct {
	data     []byte
	pos      int
	transfer *PartTransfer
}

func (r *countingReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	atomic.AddInt64(&r.transfer.bytesSent, int64(n))
	return n, nil
}
