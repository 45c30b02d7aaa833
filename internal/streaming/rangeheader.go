package streaming

import (
	"math"
	"strconv"
	"strings"
)

// RangeKind tags the outcome of parsing a Range header.
type RangeKind int

const (
	// RangeAbsent means the request carried no usable Range header.
	RangeAbsent RangeKind = iota
	// RangeValid means the header matched bytes=<start>-[<end>].
	RangeValid
	// RangeMalformed means a header was present but did not match the
	// supported grammar. Callers treat it exactly like RangeAbsent.
	RangeMalformed
)

func (k RangeKind) String() string {
	switch k {
	case RangeAbsent:
		return "absent"
	case RangeValid:
		return "valid"
	case RangeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

const rangeUnitPrefix = "bytes="

// RangeSpec is the parsed intent of a Range header. End is only meaningful
// when HasEnd is set; an open-ended range runs to the last byte.
type RangeSpec struct {
	Kind   RangeKind
	Start  int64
	End    int64
	HasEnd bool
}

// ParseRange parses a Range header value. Surrounding whitespace is ignored.
// Only a single bytes=<digits>-[<digits>] window is recognised; multi-range
// lists, suffix ranges, other units and anything with stray characters are
// reported as RangeMalformed. Bounds too large for int64 saturate at
// math.MaxInt64 so that validation rejects them instead of the parser.
func ParseRange(value string) RangeSpec {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return RangeSpec{Kind: RangeAbsent}
	}
	if !strings.HasPrefix(trimmed, rangeUnitPrefix) {
		return RangeSpec{Kind: RangeMalformed}
	}
	first, last, ok := strings.Cut(trimmed[len(rangeUnitPrefix):], "-")
	if !ok || !isDigits(first) {
		return RangeSpec{Kind: RangeMalformed}
	}
	if last != "" && !isDigits(last) {
		return RangeSpec{Kind: RangeMalformed}
	}

	spec := RangeSpec{Kind: RangeValid, Start: parseBound(first)}
	if last != "" {
		spec.End = parseBound(last)
		spec.HasEnd = true
	}
	return spec
}

// Validate checks a parsed range against a resource of size bytes and returns
// the window start and length. ok is false for anything other than a
// RangeValid spec whose start and end both fall inside the resource with
// start <= end.
func Validate(spec RangeSpec, size int64) (start, length int64, ok bool) {
	if spec.Kind != RangeValid {
		return 0, 0, false
	}
	end := size - 1
	if spec.HasEnd {
		end = spec.End
	}
	if spec.Start >= size || end >= size || spec.Start > end {
		return 0, 0, false
	}
	return spec.Start, end - spec.Start + 1, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseBound expects an all-digit string, so the only possible failure is
// overflow.
func parseBound(digits string) int64 {
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return math.MaxInt64
	}
	return value
}
