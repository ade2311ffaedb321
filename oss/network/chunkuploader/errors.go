package chunkuploader

import (
	"fmt"
)

// TransportError is returned when a PUT or GET against a signed URL fails at the HTTP
// layer, either with a transport error or a non-2xx status.
type TransportError struct {
	// PartIndex is the 0-based index of the failing part, -1 for single-shot requests.
	PartIndex int
	// StatusCode is zero when no response was received.
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	target := "signed request"
	if e.PartIndex >= 0 {
		target = fmt.Sprintf("part %d", e.PartIndex)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", target, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", target, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConsistencyError means the source did not hold the planned number of bytes when it
// was read, typically because the file changed size after planning.
type ConsistencyError struct {
	PartIndex int
	Expected  int64
	Actual    int64
}

func (e *ConsistencyError) Error() string {
	if e.Actual > e.Expected {
		return fmt.Sprintf("part %d: source grew after planning: expected %d bytes, found more", e.PartIndex, e.Expected)
	}
	return fmt.Sprintf("part %d: source size changed after planning: expected %d bytes, read %d", e.PartIndex, e.Expected, e.Actual)
}
