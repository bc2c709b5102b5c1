package sentinel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMarkCheckClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	s := New(path)

	if rec, stale := s.CheckStale(); stale {
		t.Fatalf("CheckStale() on fresh path = %+v, true; want false", rec)
	}

	if err := s.Mark("agent:main:telegram:direct:42", "msg-7", "turn off the lights"); err != nil {
		t.Fatalf("Mark() error: %v", err)
	}

	// Simulate a crash: a new process finds the in-flight record.
	s2 := New(path)
	rec, stale := s2.CheckStale()
	if !stale {
		t.Fatal("CheckStale() after Mark = false, want true")
	}
	if rec.SessionID != "agent:main:telegram:direct:42" {
		t.Errorf("record session = %q", rec.SessionID)
	}
	if rec.MessageID != "msg-7" {
		t.Errorf("record message id = %q, want msg-7", rec.MessageID)
	}
	if rec.UserMessage != "turn off the lights" {
		t.Errorf("record user message = %q", rec.UserMessage)
	}
	if rec.PID != os.Getpid() {
		t.Errorf("record pid = %d, want %d", rec.PID, os.Getpid())
	}
	if rec.AtMs == 0 {
		t.Error("record at_ms not set")
	}
	if time.Since(rec.At()) > time.Minute {
		t.Errorf("recorded time %v is not recent", rec.At())
	}

	s2.Clear()
	if _, stale := s2.CheckStale(); stale {
		t.Error("CheckStale() after Clear = true, want false")
	}

	// Clear twice is harmless.
	s2.Clear()
}

func TestCheckStaleDeletesCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	if err := os.WriteFile(path, []byte("garbage{"), 0644); err != nil {
		t.Fatal(err)
	}
	if rec, stale := New(path).CheckStale(); stale {
		t.Fatalf("corrupt record = %+v, true; want silent delete", rec)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt record file not deleted")
	}
}

func TestCheckStaleDeletesEmptyRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, stale := New(path).CheckStale(); stale {
		t.Fatal("empty record should not count as a dirty shutdown")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("empty record file not deleted")
	}
}

func TestMarkClipsUserMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	s := New(path)
	if err := s.Mark("agent:main:cli:direct:me", "", strings.Repeat("☃", 100)); err != nil {
		t.Fatal(err)
	}
	rec, stale := s.CheckStale()
	if !stale {
		t.Fatal("no record after Mark")
	}
	if len(rec.UserMessage) > 200 {
		t.Errorf("user message %d bytes, want <= 200", len(rec.UserMessage))
	}
	if strings.Contains(rec.UserMessage, "�") {
		t.Error("clip split a rune")
	}
}

func TestMarkOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.json")
	s := New(path)
	if err := s.Mark("agent:main:cli:direct:me", "old", "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Mark("agent:main:cli:direct:me", "new", "second"); err != nil {
		t.Fatalf("Mark() over existing record error: %v", err)
	}
	rec, stale := s.CheckStale()
	if !stale || rec.MessageID != "new" {
		t.Errorf("record = %+v, want message id new", rec)
	}
}
