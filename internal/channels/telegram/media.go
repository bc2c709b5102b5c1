package telegram

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

const (
	// defaultMediaMaxBytes is the default max download size (20MB, the Bot
	// API file download limit).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// downloadMaxRetries is the number of GetFile retry attempts.
	downloadMaxRetries = 3

	// docMaxChars caps the text extracted from document attachments.
	docMaxChars = 200_000
)

// MediaInfo describes one downloaded media item.
type MediaInfo struct {
	Type        string // "image", "video", "audio", "voice", "document", "animation"
	FilePath    string // local path after download, empty when not downloaded
	FileID      string
	ContentType string
	FileName    string
	FileSize    int64
}

// resolveMedia extracts and downloads media from a message. Photos use the
// largest compressed rendition Telegram provides; video and animations stay
// undownloaded (tag only) since the agent cannot watch them.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []MediaInfo {
	maxBytes := c.cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultMediaMaxBytes
	}

	var results []MediaInfo
	collect := func(m MediaInfo, download bool) {
		if download {
			path, err := c.downloadMedia(ctx, m.FileID, maxBytes)
			if err != nil {
				c.log.Warn("failed to download media", "type", m.Type, "file_id", m.FileID, "error", err)
				return
			}
			m.FilePath = path
		}
		results = append(results, m)
	}

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		collect(MediaInfo{
			Type:        "image",
			FileID:      photo.FileID,
			ContentType: "image/jpeg",
			FileSize:    int64(photo.FileSize),
		}, true)
	}
	if v := msg.Video; v != nil {
		collect(MediaInfo{
			Type:        "video",
			FileID:      v.FileID,
			ContentType: v.MimeType,
			FileName:    v.FileName,
			FileSize:    int64(v.FileSize),
		}, false)
	}
	if vn := msg.VideoNote; vn != nil {
		collect(MediaInfo{
			Type:        "video",
			FileID:      vn.FileID,
			ContentType: "video/mp4",
			FileSize:    int64(vn.FileSize),
		}, false)
	}
	if a := msg.Animation; a != nil {
		collect(MediaInfo{
			Type:        "animation",
			FileID:      a.FileID,
			ContentType: a.MimeType,
			FileName:    a.FileName,
			FileSize:    int64(a.FileSize),
		}, false)
	}
	if a := msg.Audio; a != nil {
		collect(MediaInfo{
			Type:        "audio",
			FileID:      a.FileID,
			ContentType: a.MimeType,
			FileName:    a.FileName,
			FileSize:    int64(a.FileSize),
		}, true)
	}
	if v := msg.Voice; v != nil {
		collect(MediaInfo{
			Type:        "voice",
			FileID:      v.FileID,
			ContentType: v.MimeType,
			FileSize:    int64(v.FileSize),
		}, true)
	}
	if d := msg.Document; d != nil {
		collect(MediaInfo{
			Type:        "document",
			FileID:      d.FileID,
			ContentType: d.MimeType,
			FileName:    d.FileName,
			FileSize:    int64(d.FileSize),
		}, true)
	}
	return results
}

// downloadMedia fetches a file by file_id into the workspace tmp dir.
func (c *Channel) downloadMedia(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	file, err := c.getFileWithRetry(ctx, fileID)
	if err != nil {
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}
	return c.fetchToTemp(ctx, file.FilePath, maxBytes)
}

// getFileWithRetry resolves the download path for a file_id, backing off
// linearly between attempts.
func (c *Channel) getFileWithRetry(ctx context.Context, fileID string) (*telego.File, error) {
	var lastErr error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			return file, nil
		}
		lastErr = err
		if attempt < downloadMaxRetries {
			c.log.Debug("retrying file download", "file_id", fileID, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return nil, fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, lastErr)
}

// fetchToTemp streams the file into the channel's media dir, enforcing the
// size limit during the copy in case Telegram under-reported it.
func (c *Channel) fetchToTemp(ctx context.Context, remotePath string, maxBytes int64) (string, error) {
	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, remotePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(remotePath)
	if ext == "" {
		ext = ".bin"
	}

	if err := os.MkdirAll(c.mediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(c.mediaDir, "telegram_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}

	return tmpFile.Name(), nil
}

// buildMediaTags generates the content placeholders for media items.
func buildMediaTags(mediaList []MediaInfo) string {
	var tags []string
	for _, m := range mediaList {
		switch m.Type {
		case "image":
			tags = append(tags, "<media:image>")
		case "video", "animation":
			tags = append(tags, "<media:video>")
		case "audio":
			tags = append(tags, "<media:audio>")
		case "voice":
			tags = append(tags, "<media:voice>")
		case "document":
			tags = append(tags, "<media:document>")
		}
	}
	return strings.Join(tags, "\n")
}

// textExtensions maps file extensions to MIME types for documents whose text
// can be extracted inline.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".xml":  "text/xml",
	".log":  "text/plain",
	".ini":  "text/plain",
	".cfg":  "text/plain",
	".env":  "text/plain",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".html": "text/html",
	".css":  "text/css",
	".sql":  "text/x-sql",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".c":    "text/x-c",
	".cpp":  "text/x-c++",
	".h":    "text/x-c",
	".rb":   "text/x-ruby",
	".php":  "text/x-php",
	".toml": "text/x-toml",
}

// extractDocumentContent reads a document and returns its content wrapped in
// a <file> block, truncated at docMaxChars. Binary formats get a placeholder.
func extractDocumentContent(filePath, fileName string) (string, error) {
	if filePath == "" {
		return fmt.Sprintf("[File: %s - download failed]", fileName), nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	mime, isText := textExtensions[ext]
	if !isText {
		return fmt.Sprintf("[File: %s - binary format not supported, only text files can be processed]", fileName), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", fileName, err)
	}

	content := string(data)
	if len(content) > docMaxChars {
		content = content[:docMaxChars] + "\n... [truncated]"
	}

	// Escape so document text cannot smuggle markup into the prompt.
	escaped := html.EscapeString(content)

	return fmt.Sprintf("<file name=%q mime=%q>\n%s\n</file>", fileName, mime, escaped), nil
}
