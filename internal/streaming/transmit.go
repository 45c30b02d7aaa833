package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DefaultBufferSize is the chunk size used when copying a window.
const DefaultBufferSize = 64 * 1024

var (
	// ErrWriteFailed wraps errors returned by the client-facing writer.
	ErrWriteFailed = errors.New("write to client failed")
	// ErrReadFailed wraps errors returned by the resource cursor.
	ErrReadFailed = errors.New("read from media file failed")
)

// Transmit opens a cursor on res, positions it at d.Start and copies exactly
// d.Length bytes to w. The cursor is closed before Transmit returns,
// regardless of outcome. Cancellation of ctx is observed between chunks. A
// resource that ends before the window does yields io.ErrUnexpectedEOF.
func Transmit(ctx context.Context, w io.Writer, res Resource, d Descriptor, buf []byte) (int64, error) {
	if d.Outcome == OutcomeUnsatisfiable || d.Length <= 0 {
		return 0, nil
	}
	cursor, err := res.Open()
	if err != nil {
		return 0, fmt.Errorf("open media file: %w", err)
	}
	return transmitFrom(ctx, w, cursor, d, buf)
}

// transmitFrom takes ownership of cursor and closes it.
func transmitFrom(ctx context.Context, w io.Writer, cursor io.ReadSeekCloser, d Descriptor, buf []byte) (written int64, err error) {
	defer func() {
		if closeErr := cursor.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close media file: %w", closeErr)
		}
	}()

	if d.Start > 0 {
		if _, err := cursor.Seek(d.Start, io.SeekStart); err != nil {
			return 0, fmt.Errorf("%w: seek to %d: %v", ErrReadFailed, d.Start, err)
		}
	}
	if len(buf) == 0 {
		buf = make([]byte, DefaultBufferSize)
	}

	src := io.LimitReader(cursor, d.Length)
	for written < d.Length {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, fmt.Errorf("%w: %v", ErrWriteFailed, writeErr)
			}
			if m < n {
				return written, fmt.Errorf("%w: %v", ErrWriteFailed, io.ErrShortWrite)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("%w: %v", ErrReadFailed, readErr)
		}
	}
	if written < d.Length {
		return written, io.ErrUnexpectedEOF
	}
	return written, nil
}
