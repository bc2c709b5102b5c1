package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

// compactKeepMessages is how many of the newest history messages survive a
// compaction untouched. The window extends backwards when its edge would
// split an assistant tool_call from its tool results.
const compactKeepMessages = 10

const summarizeInstruction = "Summarize this conversation concisely. Preserve facts, names, " +
	"decisions, and open tasks so the chat can continue naturally. Reply with the summary text only."

// Compactor folds old session history into a running summary so long
// conversations keep fitting the context window. Failures never surface to
// the turn: when the summarizer is down the old messages are dropped without
// a summary and the loop proceeds.
type Compactor struct {
	sessions store.SessionStore
	provider providers.Provider
	model    string
	log      *slog.Logger
}

func NewCompactor(sessions store.SessionStore, provider providers.Provider, model string) *Compactor {
	return &Compactor{
		sessions: sessions,
		provider: provider,
		model:    model,
		log:      slog.Default().With("component", "compactor"),
	}
}

// Compact summarizes everything but the newest messages and replaces the
// session history with the kept window. No-op when the history is already
// within the keep window.
func (c *Compactor) Compact(ctx context.Context, sessionKey string) {
	history := c.sessions.History(sessionKey)
	if len(history) <= compactKeepMessages {
		return
	}

	cut := len(history) - compactKeepMessages
	cut = pairBoundary(history, cut)
	if cut <= 0 {
		return
	}
	old, kept := history[:cut], history[cut:]

	summary, err := c.summarize(ctx, c.sessions.Summary(sessionKey), old)
	if err != nil {
		c.log.Warn("summarizer failed, truncating without summary",
			"session", sessionKey, "dropped", len(old), "error", err)
	} else {
		c.sessions.SetSummary(sessionKey, summary)
	}

	c.sessions.ReplaceHistory(sessionKey, kept)
	if err := c.sessions.Save(sessionKey); err != nil {
		c.log.Warn("session save after compaction failed", "session", sessionKey, "error", err)
	}
	c.log.Info("session compacted", "session", sessionKey, "dropped", len(old), "kept", len(kept))
}

// pairBoundary moves the cut backwards while it points at a tool result, so
// the kept window opens with the assistant message that issued the calls.
func pairBoundary(history []providers.Message, cut int) int {
	for cut > 0 && history[cut].Role == "tool" {
		cut--
	}
	return cut
}

func (c *Compactor) summarize(ctx context.Context, prior string, old []providers.Message) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var b strings.Builder
	if prior != "" {
		b.WriteString("Earlier summary: ")
		b.WriteString(prior)
		b.WriteString("\n\n")
	}
	for _, m := range old {
		switch m.Role {
		case "user":
			fmt.Fprintf(&b, "user: %s\n", m.Content)
		case "assistant":
			if len(m.ToolCalls) > 0 {
				names := make([]string, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					names = append(names, tc.Name)
				}
				fmt.Fprintf(&b, "assistant: [used tools: %s] %s\n", strings.Join(names, ", "), m.Content)
			} else {
				fmt.Fprintf(&b, "assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}
	}

	resp, err := c.provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: summarizeInstruction},
			{Role: "user", Content: b.String()},
		},
		Model:   c.model,
		Options: map[string]interface{}{"max_tokens": 1024, "temperature": 0.3},
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty content")
	}
	return summary, nil
}
