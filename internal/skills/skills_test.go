package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const demoSkill = `---
name: demo
description: Render demo dashboards
always_load: true
---

# Demo

Use the demo CLI for everything.
`

const notesSkill = `---
name: notes
description: Take meeting notes
---

Write notes to notes.md.
`

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, SkillFilename), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	root := t.TempDir()
	writeSkill(t, root, "demo", demoSkill)
	writeSkill(t, root, "notes", notesSkill)
	writeSkill(t, root, "broken", "no frontmatter here")
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("not a skill"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(root)
	if err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return l, root
}

func TestLoaderLoad(t *testing.T) {
	l, _ := newTestLoader(t)

	all := l.ListSkills()
	if len(all) != 2 {
		t.Fatalf("expected 2 skills (broken one skipped), got %d", len(all))
	}
	if all[0].Name != "demo" || all[1].Name != "notes" {
		t.Errorf("expected sorted [demo notes], got [%s %s]", all[0].Name, all[1].Name)
	}

	demo, ok := l.Get("demo")
	if !ok {
		t.Fatal("demo skill not found")
	}
	if !demo.AlwaysLoad {
		t.Error("demo should be always_load")
	}
	if !strings.Contains(demo.Body, "# Demo") {
		t.Errorf("body missing markdown: %q", demo.Body)
	}
	if demo.Description != "Render demo dashboards" {
		t.Errorf("description = %q", demo.Description)
	}

	notes, _ := l.Get("notes")
	if notes.AlwaysLoad {
		t.Error("notes should not be always_load")
	}
}

func TestParseFileDefaultsNameToDir(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "fallback", "---\ndescription: No name given\n---\nbody")

	sk, err := ParseFile(filepath.Join(root, "fallback", SkillFilename))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if sk.Name != "fallback" {
		t.Errorf("expected name from directory, got %q", sk.Name)
	}
}

func TestFilterSkills(t *testing.T) {
	l, _ := newTestLoader(t)

	if got := l.FilterSkills(nil); len(got) != 2 {
		t.Errorf("nil allow-list should return all, got %d", len(got))
	}
	if got := l.FilterSkills([]string{}); len(got) != 0 {
		t.Errorf("empty allow-list should return none, got %d", len(got))
	}
	got := l.FilterSkills([]string{"notes", "missing"})
	if len(got) != 1 || got[0].Name != "notes" {
		t.Errorf("filtered = %v", got)
	}
}

func TestAlwaysLoaded(t *testing.T) {
	l, _ := newTestLoader(t)

	always := l.AlwaysLoaded(nil)
	if len(always) != 1 || always[0].Name != "demo" {
		t.Fatalf("expected only demo, got %v", always)
	}
}

func TestBuildSummary(t *testing.T) {
	l, root := newTestLoader(t)

	summary := l.BuildSummary(nil)
	for _, want := range []string{
		"<available_skills>",
		"<name>demo</name>",
		"<description>Take meeting notes</description>",
		filepath.Join(root, "notes", SkillFilename),
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}

	empty := NewLoader(t.TempDir())
	if err := empty.Load(); err != nil {
		t.Fatal(err)
	}
	if got := empty.BuildSummary(nil); got != "" {
		t.Errorf("empty loader summary = %q", got)
	}
}

func TestLoaderDirPrecedence(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeSkill(t, first, "demo", "---\nname: demo\ndescription: workspace copy\n---\n")
	writeSkill(t, second, "demo", "---\nname: demo\ndescription: global copy\n---\n")

	l := NewLoader(first, second)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}
	demo, ok := l.Get("demo")
	if !ok {
		t.Fatal("demo not loaded")
	}
	if demo.Description != "workspace copy" {
		t.Errorf("expected earlier dir to win, got %q", demo.Description)
	}
}

func TestSplitFrontmatterErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty file", ""},
		{"missing opening", "name: x\n---\nbody"},
		{"missing closing", "---\nname: x\nbody"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.in)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWatcherReloads(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "demo", demoSkill)

	l := NewLoader(root)
	if err := l.Load(); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(l)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeSkill(t, root, "late", "---\nname: late\ndescription: Added at runtime\n---\n")

	waitFor(t, 3*time.Second, func() bool {
		_, ok := l.Get("late")
		return ok
	})
}

func TestWatcherStartWithoutDirs(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "does-not-exist"))
	w, err := NewWatcher(l)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error when nothing is watchable")
		w.Stop()
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
