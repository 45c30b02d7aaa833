package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"coursemedia/internal/observability/logging"
	"coursemedia/internal/observability/metrics"
)

// StreamerConfig configures a Streamer.
type StreamerConfig struct {
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	BufferSize int
}

// Streamer answers HTTP requests for a Resource. It holds no per-request
// state and is safe for concurrent use.
type Streamer struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	bufferSize int
	buffers    sync.Pool
}

// NewStreamer builds a Streamer, defaulting the logger, recorder and buffer
// size when they are not provided.
func NewStreamer(cfg StreamerConfig) *Streamer {
	s := &Streamer{
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		bufferSize: cfg.BufferSize,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	if s.bufferSize <= 0 {
		s.bufferSize = DefaultBufferSize
	}
	size := s.bufferSize
	s.buffers.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return s
}

// Serve answers r with the window of res selected by its Range header. GET
// requests receive the body, HEAD requests only the headers. A non-nil error
// is returned only when nothing has been written to w, which happens when the
// cursor cannot be opened; callers map it to an error response.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, res Resource) error {
	d := Resolve(res.Size(), res.ContentType(), r.Header.Get("Range"))
	logger := s.requestLogger(r.Context())

	var cursor io.ReadSeekCloser
	if r.Method != http.MethodHead && d.Outcome != OutcomeUnsatisfiable && d.Length > 0 {
		opened, err := res.Open()
		if err != nil {
			return fmt.Errorf("open media file: %w", err)
		}
		cursor = opened
	}

	header := w.Header()
	for key, values := range d.Header() {
		header[key] = values
	}
	w.WriteHeader(d.Status)
	s.metrics.ObserveStreamResponse(d.Outcome.String(), d.Status)

	if cursor == nil {
		if d.Outcome == OutcomeUnsatisfiable {
			logger.Debug("range not satisfiable", "range", r.Header.Get("Range"), "size", d.Size)
		}
		return nil
	}

	s.metrics.StreamStarted()
	defer s.metrics.StreamStopped()

	buf := s.buffers.Get().(*[]byte)
	defer s.buffers.Put(buf)

	written, err := transmitFrom(r.Context(), w, cursor, d, *buf)
	s.metrics.ObserveStreamBytes(written)
	if err != nil {
		reason := abortReason(err)
		s.metrics.ObserveStreamAbort(reason)
		logger.Warn("stream transfer aborted",
			"reason", reason,
			"status", d.Status,
			"start", d.Start,
			"length", d.Length,
			"sent", written,
			"error", err)
		return nil
	}
	logger.Debug("stream transfer complete",
		"status", d.Status,
		"start", d.Start,
		"length", d.Length,
		"sent", written)
	return nil
}

func (s *Streamer) requestLogger(ctx context.Context) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logging.WithComponent(logger, "streaming")
	}
	return logging.WithComponent(logging.WithContext(ctx, s.logger), "streaming")
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrWriteFailed):
		return "client_gone"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "truncated"
	default:
		return "read_error"
	}
}
