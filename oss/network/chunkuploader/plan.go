package chunkuploader

import (
	"fmt"

	"github.com/docker/go-units"
)

const (
	// MinPartSizeBytes is the smallest part size the storage service accepts for
	// any part except the last one.
	MinPartSizeBytes = 5 * units.MiB

	// DefaultPartSizeBytes is the target part size used when none is configured.
	DefaultPartSizeBytes = 12 * units.MiB
)

// Plan describes how a source of TotalBytes is split into parts.
// A Plan is immutable: every part except the last one is exactly PartSize bytes long,
// the last part holds the remainder.
type Plan struct {
	TotalBytes uint64
	PartCount  uint32
	PartSize   uint64
}

// NewPlan splits totalBytes into parts of at most targetPartBytes.
//
// Sources that fit into one target part are uploaded in a single part (a zero length
// source included). Larger sources get ceil(total/target) parts and the part size is
// re-balanced to ceil(total/count), so the trailing part is never a tiny remainder.
// A zero targetPartBytes falls back to DefaultPartSizeBytes.
func NewPlan(totalBytes, targetPartBytes uint64) Plan {
	if targetPartBytes == 0 {
		targetPartBytes = DefaultPartSizeBytes
	}

	if totalBytes <= targetPartBytes {
		return Plan{
			TotalBytes: totalBytes,
			PartCount:  1,
			PartSize:   totalBytes,
		}
	}

	count := ceilDiv(totalBytes, targetPartBytes)
	return Plan{
		TotalBytes: totalBytes,
		PartCount:  uint32(count),
		PartSize:   ceilDiv(totalBytes, count),
	}
}

// NumChunks returns the number of parts as an int, for indexing.
func (p Plan) NumChunks() int {
	return int(p.PartCount)
}

// Offset returns the first byte offset of the part at index.
func (p Plan) Offset(index int) int64 {
	return int64(uint64(index) * p.PartSize)
}

// ChunkSize returns the exact length of the part at index.
func (p Plan) ChunkSize(index int) int64 {
	if index < 0 || index >= p.NumChunks() {
		return 0
	}
	if index == p.NumChunks()-1 {
		return int64(p.LastPartSize())
	}
	return int64(p.PartSize)
}

// LastPartSize returns the length of the final part.
func (p Plan) LastPartSize() uint64 {
	if p.PartCount == 0 {
		return 0
	}
	return p.TotalBytes - uint64(p.PartCount-1)*p.PartSize
}

func (p Plan) String() string {
	return fmt.Sprintf("%d part(s) of %s (last %s), total %s",
		p.PartCount,
		units.HumanSizeWithPrecision(float64(p.PartSize), 3),
		units.HumanSizeWithPrecision(float64(p.LastPartSize()), 3),
		units.HumanSizeWithPrecision(float64(p.TotalBytes), 3))
}

func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}
