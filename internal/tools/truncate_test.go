package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateShortUnchanged(t *testing.T) {
	tr := NewTruncator(100, "") // cap 120 chars
	s := strings.Repeat("a", 120)
	if got := tr.Truncate("r", "c", s); got != s {
		t.Errorf("Truncate() changed a string that fits")
	}
}

func TestTruncateKeepsHeadAndTail(t *testing.T) {
	tr := NewTruncator(100, "") // cap 120 chars
	s := strings.Repeat("H", 300) + strings.Repeat("T", 200)

	got := tr.Truncate("run1", "call1", s)
	if len(got) > tr.CapChars() {
		t.Fatalf("output %d bytes exceeds cap %d", len(got), tr.CapChars())
	}
	// Marker is 27 bytes, leaving a 93-char budget: head 74, tail 19.
	if !strings.HasPrefix(got, strings.Repeat("H", 74)) {
		t.Errorf("head not preserved: %q", got[:80])
	}
	if !strings.HasSuffix(got, strings.Repeat("T", 19)) {
		t.Errorf("tail not preserved: %q", got[len(got)-25:])
	}
	if !strings.Contains(got, "[... truncated 380 chars") {
		t.Errorf("marker missing or wrong count: %q", got)
	}
	// No spill dir configured, so no "stored" claim.
	if strings.Contains(got, "full output stored") {
		t.Error("marker claims storage without a spill dir")
	}
}

func TestTruncateRuneSafe(t *testing.T) {
	tr := NewTruncator(100, "")
	s := strings.Repeat("héllo wörld ☃ ", 100)

	got := tr.Truncate("r", "c", s)
	if !utf8.ValidString(got) {
		t.Fatal("truncated output contains invalid UTF-8")
	}
	if len(got) > tr.CapChars() {
		t.Errorf("output %d bytes, cap %d", len(got), tr.CapChars())
	}
}

func TestTruncateSpillsFullOutput(t *testing.T) {
	dir := t.TempDir()
	tr := NewTruncator(100, dir)
	s := strings.Repeat("z", 1000)

	got := tr.Truncate("run-9", "call_3", s)
	if !strings.Contains(got, "full output stored") {
		t.Errorf("marker missing storage note: %q", got)
	}

	path := filepath.Join(dir, "run-9-call_3.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("spill file: %v", err)
	}
	if string(data) != s {
		t.Errorf("spill file has %d bytes, want %d", len(data), len(s))
	}
}

func TestTruncateSpillSanitizesIDs(t *testing.T) {
	dir := t.TempDir()
	tr := NewTruncator(100, dir)

	tr.Truncate("run/../../etc", "call:1", strings.Repeat("z", 1000))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("spill dir has %d entries, want 1", len(entries))
	}
	name := entries[0].Name()
	if strings.ContainsAny(name, "/:") {
		t.Errorf("spill file name not sanitized: %q", name)
	}
}

func TestTruncatorDefaults(t *testing.T) {
	tr := NewTruncator(0, "")
	// 8192 default tokens, 30% cap share, 4 chars per token.
	defaultTokens := 8192
	if want := int(float64(defaultTokens)*truncCapTokenShare) * truncCharsPerToken; tr.CapChars() != want {
		t.Errorf("CapChars() = %d, want %d", tr.CapChars(), want)
	}
}
