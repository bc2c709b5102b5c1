package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/memory"
)

const recallDefaultLimit = 10

// RememberTool stores a fact or note in long-term memory.
type RememberTool struct {
	store memory.Store
}

func NewRememberTool(store memory.Store) *RememberTool {
	return &RememberTool{store: store}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Save a fact or note to long-term memory so it survives across sessions"
}
func (t *RememberTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact or note to remember, phrased so it makes sense on its own later",
			},
			"kind": map[string]interface{}{
				"type":        "string",
				"enum":        []string{memory.KindFact, memory.KindNote},
				"description": "fact for durable knowledge, note for working observations (default fact)",
			},
		},
		"required": []string{"content"},
	}
}

func (t *RememberTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	kind, _ := args["kind"].(string)
	if kind != memory.KindNote {
		kind = memory.KindFact
	}

	entry, err := t.store.Remember(ctx, memory.Entry{
		SessionKey: ToolSessionKeyFromCtx(ctx),
		Kind:       kind,
		Content:    strings.TrimSpace(content),
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to save memory: %v", err))
	}
	return NewResult(fmt.Sprintf("Saved memory %s", entry.ID))
}

// RecallTool searches long-term memory by keyword.
type RecallTool struct {
	store memory.Store
}

func NewRecallTool(store memory.Store) *RecallTool {
	return &RecallTool{store: store}
}

func (t *RecallTool) Name() string { return "recall" }
func (t *RecallTool) Description() string {
	return "Search long-term memory. Empty query returns the most recent entries"
}
func (t *RecallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Keywords to search for; empty for recent entries",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum entries to return (default 10, max 50)",
			},
		},
	}
}

func (t *RecallTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	limit := recallDefaultLimit
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	if limit > 50 {
		limit = 50
	}

	entries, err := t.store.Search(ctx, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err))
	}
	if len(entries) == 0 {
		return SilentResult("(no matching memories)")
	}

	var b strings.Builder
	for _, e := range entries {
		when := time.UnixMilli(e.CreatedAtMs).Format("2006-01-02")
		fmt.Fprintf(&b, "[%s] %s (%s): %s\n", e.ID, when, e.Kind, e.Content)
	}
	return SilentResult(b.String())
}

// ForgetTool deletes one memory entry by id.
type ForgetTool struct {
	store memory.Store
}

func NewForgetTool(store memory.Store) *ForgetTool {
	return &ForgetTool{store: store}
}

func (t *ForgetTool) Name() string { return "forget" }
func (t *ForgetTool) Description() string {
	return "Delete a memory entry by its id (ids come from recall results)"
}
func (t *ForgetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "The memory id to delete",
			},
		},
		"required": []string{"id"},
	}
}

func (t *ForgetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	ok, err := t.store.Forget(ctx, id)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to delete memory: %v", err))
	}
	if !ok {
		return ErrorResult(fmt.Sprintf("no memory with id %s", id))
	}
	return NewResult(fmt.Sprintf("Forgot memory %s", id))
}
