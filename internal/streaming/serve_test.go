package streaming

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursemedia/internal/observability/metrics"
)

func newTestStreamer(t *testing.T) (*Streamer, *metrics.Recorder, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	recorder := metrics.New()
	streamer := NewStreamer(StreamerConfig{
		Logger:     slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Metrics:    recorder,
		BufferSize: 16,
	})
	return streamer, recorder, &logs
}

func TestServeWireContract(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		header     string
		wantStatus int
		wantHeader http.Header
		wantBody   func([]byte) []byte
	}{
		{
			name:       "no range",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
			wantHeader: http.Header{"Content-Length": {"1000"}, "Accept-Ranges": {"bytes"}, "Content-Type": {"video/mp4"}},
			wantBody:   func(data []byte) []byte { return data },
		},
		{
			name:       "first hundred bytes",
			method:     http.MethodGet,
			header:     "bytes=0-99",
			wantStatus: http.StatusPartialContent,
			wantHeader: http.Header{"Content-Length": {"100"}, "Content-Range": {"bytes 0-99/1000"}, "Accept-Ranges": {"bytes"}, "Content-Type": {"video/mp4"}},
			wantBody:   func(data []byte) []byte { return data[:100] },
		},
		{
			name:       "tail",
			method:     http.MethodGet,
			header:     "bytes=500-",
			wantStatus: http.StatusPartialContent,
			wantHeader: http.Header{"Content-Length": {"500"}, "Content-Range": {"bytes 500-999/1000"}, "Accept-Ranges": {"bytes"}, "Content-Type": {"video/mp4"}},
			wantBody:   func(data []byte) []byte { return data[500:] },
		},
		{
			name:       "out of bounds",
			method:     http.MethodGet,
			header:     "bytes=1000-",
			wantStatus: http.StatusRequestedRangeNotSatisfiable,
			wantHeader: http.Header{"Content-Range": {"bytes */1000"}},
			wantBody:   func([]byte) []byte { return nil },
		},
		{
			name:       "malformed",
			method:     http.MethodGet,
			header:     "bytes=abc",
			wantStatus: http.StatusOK,
			wantHeader: http.Header{"Content-Length": {"1000"}, "Accept-Ranges": {"bytes"}, "Content-Type": {"video/mp4"}},
			wantBody:   func(data []byte) []byte { return data },
		},
		{
			name:       "head partial",
			method:     http.MethodHead,
			header:     "bytes=0-99",
			wantStatus: http.StatusPartialContent,
			wantHeader: http.Header{"Content-Length": {"100"}, "Content-Range": {"bytes 0-99/1000"}, "Accept-Ranges": {"bytes"}, "Content-Type": {"video/mp4"}},
			wantBody:   func([]byte) []byte { return nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamer, _, _ := newTestStreamer(t)
			res := newFakeResource(1000)

			req := httptest.NewRequest(tt.method, "/api/media/1/stream", nil)
			if tt.header != "" {
				req.Header.Set("Range", tt.header)
			}
			rec := httptest.NewRecorder()

			require.NoError(t, streamer.Serve(rec, req, res))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantHeader, rec.Header())
			want := tt.wantBody(res.data)
			if len(want) == 0 {
				assert.Zero(t, rec.Body.Len())
			} else {
				assert.Equal(t, want, rec.Body.Bytes())
			}

			opened, closed := res.counts()
			assert.Equal(t, opened, closed)
			if tt.method == http.MethodHead || tt.wantStatus == http.StatusRequestedRangeNotSatisfiable {
				assert.Zero(t, opened)
			}
		})
	}
}

func TestServeRepeatedRangeIsIdentical(t *testing.T) {
	streamer, _, _ := newTestStreamer(t)
	res := newFakeResource(1000)

	serve := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil)
		req.Header.Set("Range", "bytes=250-749")
		rec := httptest.NewRecorder()
		require.NoError(t, streamer.Serve(rec, req, res))
		return rec
	}

	first := serve()
	second := serve()
	assert.Equal(t, http.StatusPartialContent, first.Code)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Header(), second.Header())
	assert.Equal(t, res.data[250:750], first.Body.Bytes())
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	opened, closed := res.counts()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, closed)
}

func TestServeLogsCompletedTransfer(t *testing.T) {
	streamer, _, logs := newTestStreamer(t)
	res := newFakeResource(1000)

	req := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil)
	req.Header.Set("Range", "bytes=100-199")
	require.NoError(t, streamer.Serve(httptest.NewRecorder(), req, res))

	line := logs.String()
	assert.Contains(t, line, `"msg":"stream transfer complete"`)
	assert.Contains(t, line, `"start":100`)
	assert.Contains(t, line, `"length":100`)
	assert.Contains(t, line, `"sent":100`)
}

func TestServeOpenFailureWritesNothing(t *testing.T) {
	streamer, recorder, _ := newTestStreamer(t)
	res := newFakeResource(100)
	res.openErr = ErrNotFound

	req := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil)
	rec := httptest.NewRecorder()

	err := streamer.Serve(rec, req, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, rec.Flushed)
	assert.Empty(t, rec.Header())
	assert.Zero(t, rec.Body.Len())
	assert.Zero(t, recorder.StreamResponseCount("full", http.StatusOK))
}

func TestServeRecordsAbortedTransfer(t *testing.T) {
	streamer, recorder, logs := newTestStreamer(t)
	res := newFakeResource(1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	require.NoError(t, streamer.Serve(rec, req, res))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), recorder.StreamAbortCount("client_gone"))
	assert.Zero(t, recorder.ActiveStreams())
	assert.Contains(t, logs.String(), "stream transfer aborted")

	opened, closed := res.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestServeRecordsMetrics(t *testing.T) {
	streamer, recorder, _ := newTestStreamer(t)
	res := newFakeResource(1000)

	for _, header := range []string{"", "bytes=0-99", "bytes=5000-"} {
		req := httptest.NewRequest(http.MethodGet, "/api/media/1/stream", nil)
		if header != "" {
			req.Header.Set("Range", header)
		}
		require.NoError(t, streamer.Serve(httptest.NewRecorder(), req, res))
	}

	assert.Equal(t, uint64(1), recorder.StreamResponseCount("full", http.StatusOK))
	assert.Equal(t, uint64(1), recorder.StreamResponseCount("partial", http.StatusPartialContent))
	assert.Equal(t, uint64(1), recorder.StreamResponseCount("unsatisfiable", http.StatusRequestedRangeNotSatisfiable))
	assert.Equal(t, uint64(1100), recorder.StreamBytes())
}

func TestServeFileOverHTTP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lecture.mp4")
	payload := bytes.Repeat([]byte("0123456789"), 100)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	streamer, _, _ := newTestStreamer(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := NewFileResource(path, "video/mp4")
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err := streamer.Serve(w, r, res); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	t.Run("partial", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req.Header.Set("Range", "bytes=10-29")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
		assert.Equal(t, int64(20), resp.ContentLength)
		assert.Equal(t, "bytes 10-29/1000", resp.Header.Get("Content-Range"))
		assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
		assert.Equal(t, payload[10:30], body)
	})

	t.Run("unsatisfiable", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		req.Header.Set("Range", "bytes=2000-2001")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
		assert.Equal(t, "bytes */1000", resp.Header.Get("Content-Range"))
		assert.Empty(t, body)
	})
}

func TestNewFileResource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.webm")
	require.NoError(t, os.WriteFile(path, []byte("webm-bytes"), 0o600))

	res, err := NewFileResource(path, "video/webm")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Size())
	assert.Equal(t, "video/webm", res.ContentType())
	assert.Equal(t, path, res.Path())

	cursor, err := res.Open()
	require.NoError(t, err)
	require.NoError(t, cursor.Close())

	_, err = NewFileResource(filepath.Join(dir, "missing.mp4"), "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewFileResource(dir, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
