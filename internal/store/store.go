// Package store defines the persistence interfaces and shared data shapes for
// sessions, cron jobs, and long-term memory. File/sqlite backends serve
// standalone mode; the pg subpackage serves managed mode behind the same
// interfaces.
package store

import (
	"github.com/nextlevelbuilder/omniclaw/internal/cron"
	"github.com/nextlevelbuilder/omniclaw/internal/memory"
	"github.com/nextlevelbuilder/omniclaw/internal/providers"
)

// Session holds conversation state for one session. Timestamps are epoch
// milliseconds, matching the on-disk shape.
type Session struct {
	Key         string              `json:"key"`
	Messages    []providers.Message `json:"messages"`
	Summary     string              `json:"summary,omitempty"`
	Metadata    map[string]string   `json:"metadata,omitempty"`
	Tokens      TokenStats          `json:"token_stats"`
	CreatedAt   int64               `json:"created_at_ms"`
	UpdatedAt   int64               `json:"updated_at_ms"`
	LastChannel string              `json:"last_channel,omitempty"`
	LastChatID  string              `json:"last_chat_id,omitempty"`
}

// TokenStats accumulates provider usage across a session's lifetime.
type TokenStats struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key          string `json:"key"`
	MessageCount int    `json:"message_count"`
	CreatedAt    int64  `json:"created_at_ms"`
	UpdatedAt    int64  `json:"updated_at_ms"`
	LastChannel  string `json:"last_channel,omitempty"`
}

// SessionStore manages conversation sessions. Implementations are safe for
// concurrent use. Mutators on unknown keys are no-ops except GetOrCreate and
// AddMessage, which create the session.
type SessionStore interface {
	// GetOrCreate returns a snapshot of the session, creating it if missing.
	GetOrCreate(key string) *Session
	AddMessage(key string, msg providers.Message)
	History(key string) []providers.Message
	Summary(key string) string
	SetSummary(key, summary string)
	Metadata(key, field string) string
	UpdateMetadata(key, field, value string)
	AccumulateTokens(key string, usage providers.Usage)
	Stats(key string) TokenStats
	// TruncateHistory keeps only the newest keep messages.
	TruncateHistory(key string, keep int)
	ReplaceHistory(key string, msgs []providers.Message)
	SetLastRoute(key, channel, chatID string)
	LastRoute(key string) (channel, chatID string)
	// LastUsedRoute returns the route of the agent's most recently updated
	// channel session. Used for heartbeat delivery (target "last").
	LastUsedRoute(agentID string) (channel, chatID string)
	Reset(key string)
	Delete(key string) error
	List() []SessionInfo
	// Save persists one session. A no-op for ephemeral keys.
	Save(key string) error
	// Flush persists every non-ephemeral session (shutdown path).
	Flush() error
}

// Stores bundles the backends selected at startup: file/sqlite in standalone
// mode, Postgres in managed mode.
type Stores struct {
	Sessions SessionStore
	Cron     cron.Store
	Memory   memory.Store
}
