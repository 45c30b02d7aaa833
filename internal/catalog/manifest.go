package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ManifestConfig describes where a ManifestCatalog reads its records from.
type ManifestConfig struct {
	Path      string
	MediaRoot string
	Logger    *slog.Logger
}

type manifestDocument struct {
	Files []MediaFile `json:"files"`
}

// ManifestCatalog serves media records from a JSON manifest on disk. Relative
// file paths are resolved against the media root, which defaults to the
// manifest's directory.
type ManifestCatalog struct {
	cfg    ManifestConfig
	logger *slog.Logger

	mu    sync.RWMutex
	byID  map[string]MediaFile
	files []MediaFile
}

// NewManifestCatalog loads the manifest at path.
func NewManifestCatalog(path string, opts ...Option) (*ManifestCatalog, error) {
	cfg := ManifestConfig{Path: strings.TrimSpace(path)}
	for _, opt := range opts {
		if opt != nil {
			opt.applyManifest(&cfg)
		}
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("manifest path required")
	}
	if cfg.MediaRoot == "" {
		cfg.MediaRoot = filepath.Dir(cfg.Path)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	catalog := &ManifestCatalog{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "catalog", "backend", "manifest"),
	}
	if err := catalog.Reload(); err != nil {
		return nil, err
	}
	return catalog, nil
}

// Reload re-reads the manifest. On failure the previously loaded records stay
// in place.
func (c *ManifestCatalog) Reload() error {
	file, err := os.Open(c.cfg.Path)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	var doc manifestDocument
	if err := json.NewDecoder(file).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode manifest: %w", err)
	}

	byID := make(map[string]MediaFile, len(doc.Files))
	files := make([]MediaFile, 0, len(doc.Files))
	for i, entry := range doc.Files {
		normalized, err := normalizeEntry(entry, c.cfg.MediaRoot)
		if err != nil {
			c.logger.Warn("skipping manifest entry", "index", i, "id", entry.ID, "error", err)
			continue
		}
		if _, exists := byID[normalized.ID]; exists {
			c.logger.Warn("skipping duplicate manifest entry", "index", i, "id", normalized.ID)
			continue
		}
		byID[normalized.ID] = normalized
		files = append(files, normalized)
	}
	sortNewestFirst(files)

	c.mu.Lock()
	c.byID = byID
	c.files = files
	c.mu.Unlock()

	c.logger.Info("manifest loaded", "path", c.cfg.Path, "files", len(files))
	return nil
}

func (c *ManifestCatalog) Lookup(ctx context.Context, id string) (MediaFile, error) {
	if err := ctx.Err(); err != nil {
		return MediaFile{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	file, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return MediaFile{}, ErrNotFound
	}
	return file, nil
}

func (c *ManifestCatalog) List(ctx context.Context, filter Filter) ([]MediaFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return applyFilter(c.files, filter), nil
}

// Ping reports whether the manifest file is still readable.
func (c *ManifestCatalog) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(c.cfg.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Len returns the number of loaded records.
func (c *ManifestCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.files)
}

func normalizeEntry(entry MediaFile, root string) (MediaFile, error) {
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		return MediaFile{}, errors.New("missing id")
	}
	entry.OriginalFilename = norm.NFC.String(strings.TrimSpace(entry.OriginalFilename))
	entry.Path = norm.NFC.String(strings.TrimSpace(entry.Path))
	entry.UploadedBy = strings.TrimSpace(entry.UploadedBy)
	if entry.OriginalFilename == "" && entry.Path != "" {
		entry.OriginalFilename = filepath.Base(entry.Path)
	}

	if entry.Kind == "" {
		kind, ok := ClassifyExtension(entry.OriginalFilename)
		if !ok {
			kind, ok = ClassifyExtension(entry.Path)
		}
		if !ok {
			return MediaFile{}, fmt.Errorf("cannot classify %q", entry.OriginalFilename)
		}
		entry.Kind = kind
	} else if kind, ok := ParseKind(string(entry.Kind)); ok {
		entry.Kind = kind
	} else {
		return MediaFile{}, fmt.Errorf("unknown kind %q", entry.Kind)
	}

	if entry.SizeBytes < 0 {
		return MediaFile{}, fmt.Errorf("negative size %d", entry.SizeBytes)
	}
	if limit := MaxSizeFor(entry.Kind); entry.SizeBytes > limit {
		return MediaFile{}, fmt.Errorf("size %d exceeds %s limit %d", entry.SizeBytes, entry.Kind, limit)
	}

	ext := filepath.Ext(entry.OriginalFilename)
	if entry.Path == "" {
		if entry.UploadedAt.IsZero() {
			return MediaFile{}, errors.New("path missing and upload time unknown")
		}
		entry.Path = StoragePath(entry.Kind, entry.ID, ext, entry.UploadedAt)
	}
	resolved, err := resolveUnderRoot(root, entry.Path)
	if err != nil {
		return MediaFile{}, err
	}
	entry.Path = resolved

	if entry.MimeType == "" {
		if ext == "" {
			ext = filepath.Ext(entry.Path)
		}
		entry.MimeType = mimeTypeFor(ext)
	}
	return entry, nil
}

// resolveUnderRoot joins a relative media path onto root, refusing paths that
// would leave it.
func resolveUnderRoot(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes media root", rel)
	}
	return filepath.Join(root, cleaned), nil
}

func mimeTypeFor(ext string) string {
	value := mime.TypeByExtension(strings.ToLower(ext))
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return value
	}
	return mediaType
}
