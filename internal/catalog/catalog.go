package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when no media file matches the requested ID.
	ErrNotFound = errors.New("media file not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("media catalog unavailable")
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// Catalog resolves media IDs to stored files.
type Catalog interface {
	Lookup(ctx context.Context, id string) (MediaFile, error)
	List(ctx context.Context, filter Filter) ([]MediaFile, error)
	Ping(ctx context.Context) error
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind       Kind
	UploadedBy string
	Query      string
	Limit      int
}

// Normalize trims the filter fields and clamps the limit.
func (f Filter) Normalize() Filter {
	f.UploadedBy = strings.TrimSpace(f.UploadedBy)
	f.Query = strings.TrimSpace(f.Query)
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

func (f Filter) matches(file MediaFile) bool {
	if f.Kind != "" && file.Kind != f.Kind {
		return false
	}
	if f.UploadedBy != "" && file.UploadedBy != f.UploadedBy {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(file.OriginalFilename), strings.ToLower(f.Query)) {
		return false
	}
	return true
}

// sortNewestFirst orders files by upload time descending, breaking ties by ID.
func sortNewestFirst(files []MediaFile) {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].UploadedAt.Equal(files[j].UploadedAt) {
			return files[i].UploadedAt.After(files[j].UploadedAt)
		}
		return files[i].ID > files[j].ID
	})
}

func applyFilter(files []MediaFile, filter Filter) []MediaFile {
	filter = filter.Normalize()
	out := make([]MediaFile, 0, min(len(files), filter.Limit))
	for _, file := range files {
		if !filter.matches(file) {
			continue
		}
		out = append(out, file)
		if len(out) == filter.Limit {
			break
		}
	}
	return out
}
