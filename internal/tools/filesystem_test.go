package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileToolsRoundTrip(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileTool(ws, true)
	res := write.Execute(ctx, map[string]interface{}{
		"path":    "notes/hello.txt",
		"content": "hello world",
	})
	if res.IsError {
		t.Fatalf("write: %s", res.ForLLM)
	}
	data, err := os.ReadFile(filepath.Join(ws, "notes", "hello.txt"))
	if err != nil || string(data) != "hello world" {
		t.Fatalf("file on disk = %q, %v", data, err)
	}

	read := NewReadFileTool(ws, true)
	res = read.Execute(ctx, map[string]interface{}{"path": "notes/hello.txt"})
	if res.IsError || res.ForLLM != "hello world" {
		t.Fatalf("read = %+v", res)
	}

	edit := NewEditFileTool(ws, true)
	res = edit.Execute(ctx, map[string]interface{}{
		"path":     "notes/hello.txt",
		"old_text": "world",
		"new_text": "omniclaw",
	})
	if res.IsError {
		t.Fatalf("edit: %s", res.ForLLM)
	}
	res = read.Execute(ctx, map[string]interface{}{"path": "notes/hello.txt"})
	if res.ForLLM != "hello omniclaw" {
		t.Fatalf("after edit = %q", res.ForLLM)
	}

	list := NewListDirTool(ws, true)
	res = list.Execute(ctx, map[string]interface{}{"path": "notes"})
	if res.IsError || !strings.Contains(res.ForLLM, "hello.txt") {
		t.Fatalf("list = %+v", res)
	}
}

func TestReadFileErrors(t *testing.T) {
	ws := t.TempDir()
	read := NewReadFileTool(ws, true)
	ctx := context.Background()

	res := read.Execute(ctx, map[string]interface{}{})
	if !res.IsError || !strings.Contains(res.ForLLM, "path is required") {
		t.Errorf("missing path = %+v", res)
	}

	res = read.Execute(ctx, map[string]interface{}{"path": "nope.txt"})
	if !res.IsError {
		t.Error("reading a missing file should fail")
	}
}

func TestRestrictBlocksEscape(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("s3cret"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	read := NewReadFileTool(ws, true)

	for _, path := range []string{secret, "../escape.txt", "notes/../../escape.txt"} {
		res := read.Execute(ctx, map[string]interface{}{"path": path})
		if !res.IsError || !strings.Contains(res.ForLLM, "access denied") {
			t.Errorf("read(%s) = %+v, want access denied", path, res)
		}
	}

	write := NewWriteFileTool(ws, true)
	res := write.Execute(ctx, map[string]interface{}{"path": filepath.Join(outside, "x"), "content": "x"})
	if !res.IsError {
		t.Error("write outside workspace should fail")
	}

	// Symlink pointing out of the workspace is followed and rejected.
	link := filepath.Join(ws, "link.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	res = read.Execute(ctx, map[string]interface{}{"path": "link.txt"})
	if !res.IsError {
		t.Error("symlink escape should be rejected")
	}
}

func TestReadFileAllowedPrefix(t *testing.T) {
	ws := t.TempDir()
	skills := t.TempDir()
	skillFile := filepath.Join(skills, "SKILL.md")
	if err := os.WriteFile(skillFile, []byte("# skill"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws, true)
	read.AllowPaths(skills)

	res := read.Execute(context.Background(), map[string]interface{}{"path": skillFile})
	if res.IsError || res.ForLLM != "# skill" {
		t.Fatalf("allowed-prefix read = %+v", res)
	}
}

func TestDeniedPrefix(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".omniclaw"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(ws, ".omniclaw", "config.json")
	if err := os.WriteFile(cfg, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(ws, true)
	read.DenyPaths(".omniclaw")

	res := read.Execute(context.Background(), map[string]interface{}{"path": ".omniclaw/config.json"})
	if !res.IsError || !strings.Contains(res.ForLLM, "restricted") {
		t.Fatalf("denied-prefix read = %+v", res)
	}
}

func TestEditFileMatchRules(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "f.txt")
	if err := os.WriteFile(path, []byte("aaa bbb aaa"), 0o644); err != nil {
		t.Fatal(err)
	}

	edit := NewEditFileTool(ws, true)
	ctx := context.Background()

	res := edit.Execute(ctx, map[string]interface{}{"path": "f.txt", "old_text": "zzz", "new_text": "y"})
	if !res.IsError || !strings.Contains(res.ForLLM, "not found") {
		t.Errorf("no match = %+v", res)
	}

	res = edit.Execute(ctx, map[string]interface{}{"path": "f.txt", "old_text": "aaa", "new_text": "y"})
	if !res.IsError || !strings.Contains(res.ForLLM, "2 times") {
		t.Errorf("ambiguous match = %+v", res)
	}

	res = edit.Execute(ctx, map[string]interface{}{
		"path": "f.txt", "old_text": "aaa", "new_text": "y", "replace_all": true,
	})
	if res.IsError || !strings.Contains(res.ForLLM, "2 replacement(s)") {
		t.Errorf("replace_all = %+v", res)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "y bbb y" {
		t.Errorf("file after replace_all = %q", data)
	}
}

func TestListDirEmpty(t *testing.T) {
	ws := t.TempDir()
	list := NewListDirTool(ws, true)
	res := list.Execute(context.Background(), map[string]interface{}{})
	if res.IsError || res.ForLLM != "(empty directory)" {
		t.Fatalf("empty list = %+v", res)
	}
}

func TestWorkspaceFromContextWins(t *testing.T) {
	defaultWS := t.TempDir()
	agentWS := t.TempDir()
	if err := os.WriteFile(filepath.Join(agentWS, "only-here.txt"), []byte("agent"), 0o644); err != nil {
		t.Fatal(err)
	}

	read := NewReadFileTool(defaultWS, true)
	ctx := WithToolWorkspace(context.Background(), agentWS)
	res := read.Execute(ctx, map[string]interface{}{"path": "only-here.txt"})
	if res.IsError || res.ForLLM != "agent" {
		t.Fatalf("ctx workspace read = %+v", res)
	}
}
