package tools

import (
	"testing"
	"time"
)

func TestApprovalRequestTake(t *testing.T) {
	m := NewApprovalManager()

	p, err := m.Request("s1", "telegram", "42", "exec", map[string]interface{}{"command": "ls"})
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if p.ID == "" || p.Tool != "exec" || p.SessionKey != "s1" || p.Channel != "telegram" || p.ChatID != "42" {
		t.Fatalf("pending = %+v", p)
	}

	// A second request in the same session is refused while one is live.
	if _, err := m.Request("s1", "telegram", "42", "exec", nil); err == nil {
		t.Fatal("second Request() should fail while one is pending")
	}
	// Other sessions are unaffected.
	if _, err := m.Request("s2", "discord", "1", "exec", nil); err != nil {
		t.Fatalf("Request(s2) error: %v", err)
	}

	got, ok := m.Take("s1", p.ID)
	if !ok || got.ID != p.ID {
		t.Fatalf("Take() = %+v, %v", got, ok)
	}
	// Take consumes: the same id cannot be taken twice.
	if _, ok := m.Take("s1", p.ID); ok {
		t.Fatal("second Take() should find nothing")
	}
	// And the session can request again.
	if _, err := m.Request("s1", "telegram", "42", "exec", nil); err != nil {
		t.Fatalf("Request() after Take error: %v", err)
	}
}

func TestApprovalWrongIDLeavesPending(t *testing.T) {
	m := NewApprovalManager()
	p, _ := m.Request("s1", "telegram", "42", "exec", nil)

	if _, ok := m.Take("s1", "bogus"); ok {
		t.Fatal("Take() with wrong id should fail")
	}
	if _, ok := m.Take("other", p.ID); ok {
		t.Fatal("Take() with wrong session should fail")
	}
	// The pending approval survives failed takes.
	if got, ok := m.Pending("s1"); !ok || got.ID != p.ID {
		t.Fatalf("Pending() = %+v, %v after failed takes", got, ok)
	}
}

func TestApprovalExpiry(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	m := NewApprovalManager().WithNow(func() time.Time { return now })

	p, err := m.Request("s1", "telegram", "42", "exec", nil)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}

	now = now.Add(approvalTTL + time.Second)
	if _, ok := m.Take("s1", p.ID); ok {
		t.Fatal("Take() should fail after TTL")
	}
	if _, ok := m.Pending("s1"); ok {
		t.Fatal("Pending() should drop the expired entry")
	}
	// An expired approval no longer blocks a new request.
	if _, err := m.Request("s1", "telegram", "42", "exec", nil); err != nil {
		t.Fatalf("Request() after expiry error: %v", err)
	}
}

func TestApprovalArgsRoundTrip(t *testing.T) {
	m := NewApprovalManager()
	p, err := m.Request("s1", "telegram", "42", "exec", map[string]interface{}{
		"command":     "echo hi",
		"working_dir": "/tmp",
	})
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	want := `{"command":"echo hi","working_dir":"/tmp"}`
	if string(p.Args) != want {
		t.Errorf("Args = %s, want %s", p.Args, want)
	}
}
