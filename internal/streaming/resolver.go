package streaming

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// DefaultContentType is used when a resource does not declare its MIME type.
const DefaultContentType = "video/mp4"

// Outcome classifies how a request is answered.
type Outcome int

const (
	OutcomeFull Outcome = iota
	OutcomePartial
	OutcomeUnsatisfiable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFull:
		return "full"
	case OutcomePartial:
		return "partial"
	case OutcomeUnsatisfiable:
		return "unsatisfiable"
	default:
		return "unknown"
	}
}

// Descriptor describes the response for a single request against a resource
// of Size bytes: the status code, the byte window to send and the headers
// that announce it. For OutcomeUnsatisfiable the window is empty.
type Descriptor struct {
	Outcome     Outcome
	Status      int
	Start       int64
	Length      int64
	Size        int64
	ContentType string
}

// Resolve computes the response descriptor for a resource of size bytes given
// the raw Range header value. It performs no I/O.
func Resolve(size int64, contentType, rangeHeader string) Descriptor {
	if size < 0 {
		size = 0
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = DefaultContentType
	}

	spec := ParseRange(rangeHeader)
	if spec.Kind != RangeValid {
		return Descriptor{
			Outcome:     OutcomeFull,
			Status:      http.StatusOK,
			Length:      size,
			Size:        size,
			ContentType: contentType,
		}
	}

	start, length, ok := Validate(spec, size)
	if !ok {
		return Descriptor{
			Outcome: OutcomeUnsatisfiable,
			Status:  http.StatusRequestedRangeNotSatisfiable,
			Size:    size,
		}
	}
	return Descriptor{
		Outcome:     OutcomePartial,
		Status:      http.StatusPartialContent,
		Start:       start,
		Length:      length,
		Size:        size,
		ContentType: contentType,
	}
}

// End returns the offset of the last byte in the window, or -1 when the
// window is empty.
func (d Descriptor) End() int64 {
	return d.Start + d.Length - 1
}

// ContentRange renders the Content-Range value for partial and unsatisfiable
// outcomes. It returns "" for full responses.
func (d Descriptor) ContentRange() string {
	switch d.Outcome {
	case OutcomePartial:
		return fmt.Sprintf("bytes %d-%d/%d", d.Start, d.End(), d.Size)
	case OutcomeUnsatisfiable:
		return fmt.Sprintf("bytes */%d", d.Size)
	default:
		return ""
	}
}

// Header returns the exact header set announced for the descriptor.
func (d Descriptor) Header() http.Header {
	header := make(http.Header, 4)
	if d.Outcome == OutcomeUnsatisfiable {
		header.Set("Content-Range", d.ContentRange())
		return header
	}
	header.Set("Content-Length", strconv.FormatInt(d.Length, 10))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", d.ContentType)
	if d.Outcome == OutcomePartial {
		header.Set("Content-Range", d.ContentRange())
	}
	return header
}
