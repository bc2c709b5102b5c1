package tools

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// approvalTTL is how long a parked tool call waits for the user before it
// silently expires.
const approvalTTL = 10 * time.Minute

// PendingApproval is a tool call parked until the user approves or denies it.
type PendingApproval struct {
	ID         string          `json:"id"`
	SessionKey string          `json:"session_key"`
	Channel    string          `json:"channel"`
	ChatID     string          `json:"chat_id"`
	Tool       string          `json:"tool"`
	Args       json.RawMessage `json:"args"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// ApprovalManager tracks pending approvals, at most one per session. Expiry
// is checked lazily; expired entries are dropped on the next access.
type ApprovalManager struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	ttl     time.Duration
	now     func() time.Time
}

// NewApprovalManager creates an approval store with the default TTL.
func NewApprovalManager() *ApprovalManager {
	return &ApprovalManager{
		pending: make(map[string]*PendingApproval),
		ttl:     approvalTTL,
		now:     time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (m *ApprovalManager) WithNow(now func() time.Time) *ApprovalManager {
	m.now = now
	return m
}

// Request parks a tool call. A session may hold only one live approval at a
// time; a second request fails until the first is resolved or expires.
func (m *ApprovalManager) Request(sessionKey, channel, chatID, tool string, args map[string]interface{}) (*PendingApproval, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal approval args: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if prev, ok := m.pending[sessionKey]; ok {
		if now.Before(prev.ExpiresAt) {
			return nil, fmt.Errorf("approval %s for %s is still pending in this session", prev.ID, prev.Tool)
		}
		delete(m.pending, sessionKey)
	}

	p := &PendingApproval{
		ID:         newApprovalID(),
		SessionKey: sessionKey,
		Channel:    channel,
		ChatID:     chatID,
		Tool:       tool,
		Args:       raw,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}
	m.pending[sessionKey] = p
	return p, nil
}

// Take removes and returns the session's pending approval if the id matches
// and it has not expired. Removal makes /approve and /deny idempotent: the
// second resolution of the same id finds nothing.
func (m *ApprovalManager) Take(sessionKey, id string) (*PendingApproval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[sessionKey]
	if !ok {
		return nil, false
	}
	if m.now().After(p.ExpiresAt) {
		delete(m.pending, sessionKey)
		return nil, false
	}
	if p.ID != id {
		return nil, false
	}
	delete(m.pending, sessionKey)
	return p, true
}

// Pending returns the session's live approval without consuming it.
func (m *ApprovalManager) Pending(sessionKey string) (*PendingApproval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[sessionKey]
	if !ok {
		return nil, false
	}
	if m.now().After(p.ExpiresAt) {
		delete(m.pending, sessionKey)
		return nil, false
	}
	return p, true
}

func newApprovalID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}
