package catalog

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind classifies an uploaded media file.
type Kind string

const (
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindImage    Kind = "image"
)

// Valid reports whether k is one of the known media kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindVideo, KindDocument, KindImage:
		return true
	default:
		return false
	}
}

// ParseKind maps a user supplied kind name onto a Kind.
func ParseKind(value string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	return kind, kind.Valid()
}

// MediaFile describes a stored course media upload.
type MediaFile struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	MimeType         string    `json:"mimeType,omitempty"`
	Path             string    `json:"path"`
	SizeBytes        int64     `json:"sizeBytes"`
	OriginalFilename string    `json:"originalFilename"`
	UploadedBy       string    `json:"uploadedBy,omitempty"`
	UploadedAt       time.Time `json:"uploadedAt"`
}

// IsVideo reports whether the file can be handed to the streamer.
func (m MediaFile) IsVideo() bool {
	return m.Kind == KindVideo
}

var extensionKinds = map[string]Kind{
	".mp4":  KindVideo,
	".webm": KindVideo,
	".mov":  KindVideo,
	".mkv":  KindVideo,
	".avi":  KindVideo,
	".m4v":  KindVideo,
	".pdf":  KindDocument,
	".doc":  KindDocument,
	".docx": KindDocument,
	".ppt":  KindDocument,
	".pptx": KindDocument,
	".xls":  KindDocument,
	".xlsx": KindDocument,
	".txt":  KindDocument,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".webp": KindImage,
}

// ClassifyExtension derives the media kind from a filename extension. The
// match is case-insensitive.
func ClassifyExtension(name string) (Kind, bool) {
	kind, ok := extensionKinds[strings.ToLower(filepath.Ext(strings.TrimSpace(name)))]
	return kind, ok
}

const mebibyte = 1 << 20

// MaxSizeFor returns the upload size limit for kind, or zero when the kind is
// unknown.
func MaxSizeFor(kind Kind) int64 {
	switch kind {
	case KindVideo:
		return 500 * mebibyte
	case KindDocument:
		return 50 * mebibyte
	case KindImage:
		return 10 * mebibyte
	default:
		return 0
	}
}

// StoragePath builds the media-root relative location of an upload:
// media/<kind>/<yyyy>/<mm>/<id>_<yyyymmddHHMMSS><ext>.
func StoragePath(kind Kind, id, ext string, uploadedAt time.Time) string {
	ts := uploadedAt.UTC()
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := fmt.Sprintf("%s_%s%s", id, ts.Format("20060102150405"), ext)
	return filepath.Join("media", string(kind), ts.Format("2006"), ts.Format("01"), name)
}
