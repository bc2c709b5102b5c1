package telegram

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildMediaTags(t *testing.T) {
	tests := []struct {
		name  string
		items []MediaInfo
		want  string
	}{
		{
			name:  "image",
			items: []MediaInfo{{Type: "image"}},
			want:  "<media:image>",
		},
		{
			name:  "video",
			items: []MediaInfo{{Type: "video"}},
			want:  "<media:video>",
		},
		{
			name:  "animation maps to video",
			items: []MediaInfo{{Type: "animation"}},
			want:  "<media:video>",
		},
		{
			name:  "audio",
			items: []MediaInfo{{Type: "audio"}},
			want:  "<media:audio>",
		},
		{
			name:  "voice",
			items: []MediaInfo{{Type: "voice"}},
			want:  "<media:voice>",
		},
		{
			name:  "document",
			items: []MediaInfo{{Type: "document"}},
			want:  "<media:document>",
		},
		{
			name:  "mixed list",
			items: []MediaInfo{{Type: "image"}, {Type: "voice"}, {Type: "document"}},
			want:  "<media:image>\n<media:voice>\n<media:document>",
		},
		{
			name:  "unknown type ignored",
			items: []MediaInfo{{Type: "sticker"}},
			want:  "",
		},
		{
			name:  "empty list",
			items: []MediaInfo{},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildMediaTags(tt.items)
			if got != tt.want {
				t.Errorf("buildMediaTags(%v) = %q, want %q", tt.items, got, tt.want)
			}
		})
	}
}

func TestExtractDocumentContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# Hello <world> & co"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got, err := extractDocumentContent(path, "notes.md")
	if err != nil {
		t.Fatalf("extractDocumentContent() error = %v", err)
	}
	want := "<file name=\"notes.md\" mime=\"text/markdown\">\n# Hello &lt;world&gt; &amp; co\n</file>"
	if got != want {
		t.Errorf("extractDocumentContent() = %q, want %q", got, want)
	}
}

func TestExtractDocumentContentPlaceholders(t *testing.T) {
	got, err := extractDocumentContent("", "report.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "[File: report.txt - download failed]" {
		t.Errorf("missing download placeholder, got %q", got)
	}

	got, err = extractDocumentContent("/tmp/anything", "photo.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "binary format not supported") {
		t.Errorf("missing binary placeholder, got %q", got)
	}
}

func TestExtractDocumentContentTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("a", docMaxChars+10)), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got, err := extractDocumentContent(path, "big.log")
	if err != nil {
		t.Fatalf("extractDocumentContent() error = %v", err)
	}
	if !strings.Contains(got, "[truncated]") {
		t.Error("oversized document should be truncated")
	}
	if len(got) > docMaxChars+200 {
		t.Errorf("truncated output still too large: %d bytes", len(got))
	}
}

func TestExtractDocumentContentMissingFile(t *testing.T) {
	if _, err := extractDocumentContent("/nonexistent/path/file.txt", "file.txt"); err == nil {
		t.Error("expected error for unreadable file")
	}
}
