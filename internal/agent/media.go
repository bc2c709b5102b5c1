package agent

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
)

const (
	// maxImageBytes is the read limit for attachment files (10MB).
	maxImageBytes = 10 * 1024 * 1024

	// maxImageEdge is the longest edge sent to vision models; larger images
	// are downscaled before encoding.
	maxImageEdge = 2048

	jpegQuality = 85
)

// BuildCurrentMessage turns the user's text and media paths into the current
// provider message. Images are inlined base64 (downscaled when oversized),
// other files become a one-line notation in the text so the model knows they
// arrived.
func BuildCurrentMessage(text string, mediaPaths []string) providers.Message {
	msg := providers.Message{Role: "user", Content: text}
	if len(mediaPaths) == 0 {
		return msg
	}

	var notes []string
	for _, p := range mediaPaths {
		if img, ok := loadImage(p); ok {
			msg.Images = append(msg.Images, img)
			continue
		}
		notes = append(notes, describeAttachment(p))
	}

	if len(notes) > 0 {
		if msg.Content != "" {
			msg.Content += "\n"
		}
		msg.Content += strings.Join(notes, "\n")
	}
	return msg
}

// loadImage reads an image file for vision input. Images whose long edge
// exceeds maxImageEdge are resized and re-encoded as JPEG; smaller files are
// passed through byte-identical.
func loadImage(path string) (providers.ImageContent, bool) {
	mimeType := imageMimeByExt(path)
	if mimeType == "" {
		return providers.ImageContent{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("media: failed to read image", "path", path, "error", err)
		return providers.ImageContent{}, false
	}
	if len(data) > maxImageBytes {
		slog.Warn("media: image too large, skipping", "path", path, "size", len(data))
		return providers.ImageContent{}, false
	}

	if resized, ok := downscale(data, path); ok {
		data = resized
		mimeType = "image/jpeg"
	}

	return providers.ImageContent{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, true
}

// downscale re-encodes the image as JPEG fitted inside maxImageEdge when its
// long edge is over the limit. Returns ok=false when no resize is needed or
// the image fails to decode (caller keeps the original bytes).
func downscale(data []byte, path string) ([]byte, bool) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		slog.Warn("media: image decode failed, sending original", "path", path, "error", err)
		return nil, false
	}

	b := img.Bounds()
	if b.Dx() <= maxImageEdge && b.Dy() <= maxImageEdge {
		return nil, false
	}

	fitted := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		slog.Warn("media: jpeg encode failed, sending original", "path", path, "error", err)
		return nil, false
	}

	slog.Debug("media: image downscaled",
		"path", path, "from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()), "bytes", buf.Len())
	return buf.Bytes(), true
}

// describeAttachment renders the one-line notation for a non-image file.
func describeAttachment(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("[attachment unavailable: %s]", path)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("[attachment: %s (%s, %d bytes)]", filepath.Base(path), mimeType, info.Size())
}

// imageMimeByExt returns the MIME type for supported image extensions, or ""
// when the file is not an inlinable image.
func imageMimeByExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
