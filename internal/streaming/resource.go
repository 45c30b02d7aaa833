package streaming

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

var (
	// ErrNotFound reports that the backing file is missing or is not a
	// regular file.
	ErrNotFound = errors.New("media file not found")
)

// Resource is a read-only byte sequence that can hand out independent
// cursors. Implementations must allow concurrent Open calls.
type Resource interface {
	Open() (io.ReadSeekCloser, error)
	Size() int64
	ContentType() string
}

// FileResource exposes a regular file on disk as a Resource. The size is
// captured when the resource is created.
type FileResource struct {
	path        string
	size        int64
	contentType string
}

// NewFileResource stats path and returns a resource for it. A missing path or
// a directory yields ErrNotFound.
func NewFileResource(path, contentType string) (*FileResource, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat media file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, path)
	}
	return &FileResource{path: path, size: info.Size(), contentType: contentType}, nil
}

// Open returns a fresh cursor positioned at offset zero.
func (f *FileResource) Open() (io.ReadSeekCloser, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, f.path)
		}
		return nil, err
	}
	return file, nil
}

func (f *FileResource) Size() int64 {
	return f.size
}

func (f *FileResource) ContentType() string {
	return f.contentType
}

// Path returns the file path backing the resource.
func (f *FileResource) Path() string {
	return f.path
}
