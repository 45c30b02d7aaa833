package catalog

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `{
  "files": [
    {"id": "1", "kind": "video", "mimeType": "video/mp4", "path": "media/video/2024/01/1_20240105100000.mp4",
     "sizeBytes": 1000, "originalFilename": "Intro.mp4", "uploadedBy": "7", "uploadedAt": "2024-01-05T10:00:00Z"},
    {"id": "2", "originalFilename": "syllabus.pdf", "sizeBytes": 2048, "uploadedBy": "7",
     "uploadedAt": "2024-02-01T08:30:00Z"},
    {"id": "3", "originalFilename": "Cafe\u0301 tour.webm", "path": "clips/cafe.webm", "uploadedBy": "9",
     "uploadedAt": "2024-03-01T12:00:00Z"},
    {"id": "4", "originalFilename": "huge.mp4", "path": "huge.mp4", "sizeBytes": 600000000,
     "uploadedAt": "2024-03-02T12:00:00Z"},
    {"id": "5", "originalFilename": "escape.mp4", "path": "../outside.mp4", "uploadedAt": "2024-03-03T12:00:00Z"},
    {"id": "1", "originalFilename": "dup.mp4", "path": "dup.mp4", "uploadedAt": "2024-03-04T12:00:00Z"},
    {"id": "6", "originalFilename": "archive.zip", "path": "archive.zip", "uploadedAt": "2024-03-05T12:00:00Z"},
    {"id": "", "originalFilename": "anon.mp4", "path": "anon.mp4"}
  ]
}`

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestManifest(t *testing.T) (*ManifestCatalog, string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	path := writeManifest(t, dir, testManifest)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	catalog, err := NewManifestCatalog(path, WithLogger(logger))
	require.NoError(t, err)
	return catalog, dir, &logs
}

func TestManifestCatalogLoadsAndNormalizes(t *testing.T) {
	catalog, dir, logs := newTestManifest(t)
	ctx := context.Background()

	assert.Equal(t, 3, catalog.Len())
	assert.Contains(t, logs.String(), "skipping manifest entry")
	assert.Contains(t, logs.String(), "skipping duplicate manifest entry")

	video, err := catalog.Lookup(ctx, " 1 ")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, video.Kind)
	assert.Equal(t, "video/mp4", video.MimeType)
	assert.Equal(t, filepath.Join(dir, "media", "video", "2024", "01", "1_20240105100000.mp4"), video.Path)
	assert.Equal(t, "Intro.mp4", video.OriginalFilename)

	doc, err := catalog.Lookup(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, KindDocument, doc.Kind)
	assert.Equal(t, "application/pdf", doc.MimeType)
	assert.Equal(t, filepath.Join(dir, "media", "document", "2024", "02", "2_20240201083000.pdf"), doc.Path)

	clip, err := catalog.Lookup(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, clip.Kind)
	assert.Equal(t, "Caf\u00e9 tour.webm", clip.OriginalFilename)
	assert.Equal(t, filepath.Join(dir, "clips", "cafe.webm"), clip.Path)

	for _, id := range []string{"4", "5", "6", "missing"} {
		_, err := catalog.Lookup(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, "id %s", id)
	}
}

func TestManifestCatalogList(t *testing.T) {
	catalog, _, _ := newTestManifest(t)
	ctx := context.Background()

	all, err := catalog.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"3", "2", "1"}, ids(all))

	videos, err := catalog.List(ctx, Filter{Kind: KindVideo})
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "1"}, ids(videos))

	mine, err := catalog.List(ctx, Filter{UploadedBy: "7", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids(mine))

	search, err := catalog.List(ctx, Filter{Query: "INTRO"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids(search))
}

func TestManifestCatalogReload(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, `{"files":[{"id":"1","originalFilename":"a.mp4","path":"a.mp4","uploadedAt":"2024-01-01T00:00:00Z"}]}`)
	catalog, err := NewManifestCatalog(path, WithMediaRoot(filepath.Join(dir, "root")))
	require.NoError(t, err)

	file, err := catalog.Lookup(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "root", "a.mp4"), file.Path)

	writeManifest(t, dir, `{"files":[{"id":"2","originalFilename":"b.mp4","path":"b.mp4","uploadedAt":"2024-01-02T00:00:00Z"}]}`)
	require.NoError(t, catalog.Reload())
	_, err = catalog.Lookup(context.Background(), "1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = catalog.Lookup(context.Background(), "2")
	assert.NoError(t, err)

	writeManifest(t, dir, `{"files": [`)
	assert.Error(t, catalog.Reload())
	_, err = catalog.Lookup(context.Background(), "2")
	assert.NoError(t, err, "failed reload keeps previous records")
}

func TestManifestCatalogPingAndContext(t *testing.T) {
	catalog, dir, _ := newTestManifest(t)

	require.NoError(t, catalog.Ping(context.Background()))
	require.NoError(t, os.Remove(filepath.Join(dir, "manifest.json")))
	assert.ErrorIs(t, catalog.Ping(context.Background()), ErrUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := catalog.Lookup(ctx, "1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewManifestCatalogErrors(t *testing.T) {
	_, err := NewManifestCatalog("  ")
	assert.Error(t, err)

	_, err = NewManifestCatalog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestNormalizeEntryRequiresPathOrUploadTime(t *testing.T) {
	_, err := normalizeEntry(MediaFile{ID: "1", OriginalFilename: "a.mp4"}, "/srv")
	assert.Error(t, err)

	entry, err := normalizeEntry(MediaFile{ID: "1", OriginalFilename: "a.mp4", UploadedAt: time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)}, "/srv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv", "media", "video", "2023", "12", "1_20231231235959.mp4"), entry.Path)

	_, err = normalizeEntry(MediaFile{ID: "1", OriginalFilename: "a.mp4", Path: "/etc/passwd"}, "/srv")
	assert.Error(t, err)

	_, err = normalizeEntry(MediaFile{ID: "1", Kind: "audio", Path: "a.mp3"}, "/srv")
	assert.Error(t, err)
}

func ids(files []MediaFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.ID)
	}
	return out
}
