package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coursemedia/internal/catalog"
	"coursemedia/internal/observability/logging"
	"coursemedia/internal/streaming"
)

type mediaResponse struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	MimeType         string    `json:"mimeType,omitempty"`
	SizeBytes        int64     `json:"sizeBytes"`
	OriginalFilename string    `json:"originalFilename"`
	UploadedBy       string    `json:"uploadedBy,omitempty"`
	UploadedAt       time.Time `json:"uploadedAt"`
	StreamURL        string    `json:"streamUrl,omitempty"`
}

func newMediaResponse(file catalog.MediaFile) mediaResponse {
	resp := mediaResponse{
		ID:               file.ID,
		Kind:             string(file.Kind),
		MimeType:         file.MimeType,
		SizeBytes:        file.SizeBytes,
		OriginalFilename: file.OriginalFilename,
		UploadedBy:       file.UploadedBy,
		UploadedAt:       file.UploadedAt.UTC(),
	}
	if file.IsVideo() {
		resp.StreamURL = StreamURL(file.ID)
	}
	return resp
}

// StreamURL returns the API path that streams the video with the given ID.
func StreamURL(id string) string {
	return "/api/media/" + url.PathEscape(id) + "/stream/"
}

// Media lists media records, newest first.
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	files, err := h.Catalog.List(r.Context(), filter)
	if err != nil {
		h.writeCatalogError(w, r, "", err)
		return
	}
	response := make([]mediaResponse, 0, len(files))
	for _, file := range files {
		response = append(response, newMediaResponse(file))
	}
	writeJSON(w, http.StatusOK, response)
}

func parseFilter(query url.Values) (catalog.Filter, error) {
	filter := catalog.Filter{
		UploadedBy: strings.TrimSpace(query.Get("uploadedBy")),
		Query:      strings.TrimSpace(query.Get("q")),
	}
	if raw := strings.TrimSpace(query.Get("kind")); raw != "" {
		kind, ok := catalog.ParseKind(raw)
		if !ok {
			return catalog.Filter{}, fmt.Errorf("unknown media kind %q", raw)
		}
		filter.Kind = kind
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return catalog.Filter{}, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter.Normalize(), nil
}

// MediaByID serves /api/media/{id} and /api/media/{id}/stream, with or
// without a trailing slash.
func (h *Handler) MediaByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/media/")
	parts := strings.Split(path, "/")
	mediaID := strings.TrimSpace(parts[0])
	if mediaID == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("media id missing"))
		return
	}
	remaining := parts[1:]
	if len(remaining) > 0 && remaining[len(remaining)-1] == "" {
		remaining = remaining[:len(remaining)-1]
	}

	switch {
	case len(remaining) == 0:
		h.mediaDetail(w, r, mediaID)
	case len(remaining) == 1 && remaining[0] == "stream":
		h.streamMedia(w, r, mediaID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown media path"))
	}
}

func (h *Handler) mediaDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	file, err := h.Catalog.Lookup(r.Context(), id)
	if err != nil {
		h.writeCatalogError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, newMediaResponse(file))
}

func (h *Handler) streamMedia(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	file, err := h.Catalog.Lookup(r.Context(), id)
	if err != nil {
		h.writeCatalogError(w, r, id, err)
		return
	}
	if !file.IsVideo() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("only video media can be streamed"))
		return
	}

	ctx := logging.ContextWithMediaID(r.Context(), file.ID)
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		ctx = logging.ContextWithLogger(ctx, logger.With("media_id", file.ID))
	}
	r = r.WithContext(ctx)

	res, err := streaming.NewFileResource(file.Path, file.MimeType)
	if err != nil {
		h.writeResourceError(w, r, file, err)
		return
	}
	if err := h.streamer().Serve(w, r, res); err != nil {
		h.writeResourceError(w, r, file, err)
	}
}

func (h *Handler) writeResourceError(w http.ResponseWriter, r *http.Request, file catalog.MediaFile, err error) {
	if errors.Is(err, streaming.ErrNotFound) {
		h.requestLogger(r).Warn("media file missing on disk", "path", file.Path)
		writeError(w, http.StatusNotFound, fmt.Errorf("media file %s not found", file.ID))
		return
	}
	h.requestLogger(r).Error("open media file failed", "path", file.Path, "error", err)
	writeError(w, http.StatusInternalServerError, fmt.Errorf("media file unavailable"))
}
