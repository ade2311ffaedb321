package chunkuploader

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ReaderAtChunkProvider reads planned chunks from an io.ReaderAt with positioned reads.
// Concurrent GetChunk calls do not share a cursor.
type ReaderAtChunkProvider struct {
	source io.ReaderAt
	plan   Plan
}

// NewReaderAtChunkProvider creates a ChunkProvider over source, split according to plan.
func NewReaderAtChunkProvider(source io.ReaderAt, plan Plan) *ReaderAtChunkProvider {
	return &ReaderAtChunkProvider{
		source: source,
		plan:   plan,
	}
}

// NumChunks returns the total number of chunks.
func (p *ReaderAtChunkProvider) NumChunks() int {
	return p.plan.NumChunks()
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ReaderAtChunkProvider) ChunkSize(index int) int64 {
	return p.plan.ChunkSize(index)
}

// GetChunk reads exactly ChunkSize(index) bytes into a new buffer.
// For the last chunk it also checks that the source did not grow past the planned size.
func (p *ReaderAtChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= p.NumChunks() {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.NumChunks())
	}

	size := p.ChunkSize(index)
	chunk := make([]byte, size)
	n, err := io.ReadFull(io.NewSectionReader(p.source, p.plan.Offset(index), size), chunk)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	if int64(n) != size {
		return nil, &ConsistencyError{PartIndex: index, Expected: size, Actual: int64(n)}
	}

	if index == p.NumChunks()-1 {
		var probe [1]byte
		m, err := p.source.ReadAt(probe[:], int64(p.plan.TotalBytes))
		if m > 0 {
			return nil, &ConsistencyError{PartIndex: index, Expected: size, Actual: size + int64(m)}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("probe end of source: %w", err)
		}
	}

	return chunk, nil
}

// FileChunkProvider reads chunks from a file on disk.
type FileChunkProvider struct {
	*ReaderAtChunkProvider
	file *os.File
}

// NewFileChunkProvider opens path and serves its chunks according to plan.
func NewFileChunkProvider(path string, plan Plan) (*FileChunkProvider, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &FileChunkProvider{
		ReaderAtChunkProvider: NewReaderAtChunkProvider(file, plan),
		file:                  file,
	}, nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// ChunkSize returns the size of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return p.chunks[index], nil
}
