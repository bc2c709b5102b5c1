package agent

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/tokens"
)

func TestBuildStaysWithinBudget(t *testing.T) {
	b := NewContextBuilder(1000, nil)

	history := make([]providers.Message, 100)
	for i := range history {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history[i] = providers.Message{Role: role, Content: fmt.Sprintf("turn %03d %s", i, strings.Repeat("alpha ", 8))}
	}

	got := b.Build(ContextParts{
		System:  "You are a test agent.",
		History: history,
		Current: providers.Message{Role: "user", Content: "hello"},
	})

	if est := tokens.EstimateMessages(got); est > b.Budget() {
		t.Errorf("estimate = %d, want <= budget %d", est, b.Budget())
	}
	if got[0].Role != "system" {
		t.Errorf("first message role = %q, want system", got[0].Role)
	}
	last := got[len(got)-1]
	if last.Role != "user" || last.Content != "hello" {
		t.Errorf("last message = %+v, want current user message", last)
	}
	// The newest history message must survive; the oldest cannot fit.
	if len(got) >= len(history)+2 {
		t.Fatalf("nothing was dropped: %d messages", len(got))
	}
	if got[len(got)-2].Content != history[len(history)-1].Content {
		t.Error("newest history message missing")
	}
	for _, m := range got {
		if m.Content == history[0].Content {
			t.Error("oldest history message should have been dropped")
		}
	}
}

func TestBuildKeepsOversizedNewestMessage(t *testing.T) {
	b := NewContextBuilder(100, nil)
	huge := providers.Message{Role: "user", Content: strings.Repeat("word ", 400)}

	got := b.Build(ContextParts{
		System:  "sys",
		History: []providers.Message{huge},
		Current: providers.Message{Role: "user", Content: "now"},
	})

	found := false
	for _, m := range got {
		if m.Content == huge.Content {
			found = true
		}
	}
	if !found {
		t.Error("oversized newest history message was dropped")
	}
}

func TestBuildSummaryPair(t *testing.T) {
	b := NewContextBuilder(1000, nil)
	got := b.Build(ContextParts{
		System:  "sys",
		Summary: "the user likes tea",
		Current: providers.Message{Role: "user", Content: "hi"},
	})

	if len(got) != 4 {
		t.Fatalf("got %d messages, want system + summary pair + current", len(got))
	}
	if got[1].Role != "user" || !strings.Contains(got[1].Content, "[Conversation summary]") ||
		!strings.Contains(got[1].Content, "the user likes tea") {
		t.Errorf("summary message = %+v", got[1])
	}
	if got[2].Role != "assistant" || got[2].Content != "Understood." {
		t.Errorf("summary ack = %+v", got[2])
	}
}

func TestBuildSectionHeaders(t *testing.T) {
	b := NewContextBuilder(1000, nil)
	got := b.Build(ContextParts{
		System:  "sys",
		Memory:  "- owner prefers metric units",
		Skills:  "weather-brief: summarize forecasts",
		Current: providers.Message{Role: "user", Content: "hi"},
	})

	sys := got[0].Content
	if !strings.Contains(sys, "# Memory\n- owner prefers metric units") {
		t.Errorf("memory section missing from system message:\n%s", sys)
	}
	if !strings.Contains(sys, "# Skills\nweather-brief") {
		t.Errorf("skills section missing from system message:\n%s", sys)
	}

	// Empty sections leave no headers behind.
	bare := b.Build(ContextParts{System: "sys", Current: providers.Message{Role: "user", Content: "hi"}})
	if strings.Contains(bare[0].Content, "# Memory") || strings.Contains(bare[0].Content, "# Skills") {
		t.Errorf("empty sections produced headers: %q", bare[0].Content)
	}
}

func TestPackHistoryKeepsNewestWithinBudget(t *testing.T) {
	history := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{
			ID: "c1", Name: "exec", Arguments: map[string]interface{}{"command": "ls"},
		}}},
		{Role: "tool", Content: "ok", ToolCallID: "c1"},
		{Role: "user", Content: "what next"},
		{Role: "assistant", Content: "done"},
	}

	// Budget fits the newest three; the cut lands on the tool result, which
	// loses its assistant turn and is dropped.
	got := packHistory(history, 17)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(got), got)
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", got[0].Role, got[1].Role)
	}

	// A budget that fits everything keeps the pairing intact.
	all := packHistory(history, 1000)
	if len(all) != 4 {
		t.Fatalf("got %d messages, want all 4", len(all))
	}
	if len(all[0].ToolCalls) != 1 || all[1].ToolCallID != "c1" {
		t.Error("tool pairing not preserved")
	}
}

func TestPackHistoryAlwaysKeepsNewest(t *testing.T) {
	history := []providers.Message{
		{Role: "user", Content: strings.Repeat("big ", 500)},
	}
	got := packHistory(history, 1)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want the newest kept regardless of budget", len(got))
	}
}

func TestRepairToolPairingSynthesizesMissingResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "a"}, {ID: "c2", Name: "b"}}},
		{Role: "tool", Content: "got it", ToolCallID: "c1"},
		{Role: "user", Content: "next"},
	}

	got := repairToolPairing(msgs)
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4 (missing result synthesized): %+v", len(got), got)
	}
	if got[2].Role != "tool" || got[2].ToolCallID != "c2" ||
		!strings.Contains(got[2].Content, "lost to history truncation") {
		t.Errorf("synthesized result = %+v", got[2])
	}
	if got[3].Role != "user" {
		t.Errorf("trailing message = %+v", got[3])
	}
}

func TestRepairToolPairingDropsMismatchedResult(t *testing.T) {
	msgs := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "a"}}},
		{Role: "tool", Content: "stray", ToolCallID: "cX"},
		{Role: "tool", Content: "real", ToolCallID: "c1"},
	}

	got := repairToolPairing(msgs)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(got), got)
	}
	if got[1].ToolCallID != "c1" || got[1].Content != "real" {
		t.Errorf("kept result = %+v", got[1])
	}
}

func TestRepairToolPairingDropsOrphan(t *testing.T) {
	msgs := []providers.Message{
		{Role: "user", Content: "hi"},
		{Role: "tool", Content: "orphan", ToolCallID: "cZ"},
		{Role: "assistant", Content: "hello"},
	}

	got := repairToolPairing(msgs)
	if len(got) != 2 {
		t.Fatalf("got %d messages, want orphan dropped: %+v", len(got), got)
	}
	for _, m := range got {
		if m.Role == "tool" {
			t.Errorf("orphaned tool result survived: %+v", m)
		}
	}
}

func TestClipToTokens(t *testing.T) {
	t.Run("under budget unchanged", func(t *testing.T) {
		if got := clipToTokens("short", 100); got != "short" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("latin clipped to budget with marker", func(t *testing.T) {
		long := strings.Repeat("abcd ", 100)
		got := clipToTokens(long, 10)
		kept, marker, found := strings.Cut(got, "\n[… ")
		if !found || !strings.HasSuffix(marker, " tokens dropped]") {
			t.Fatalf("clip result %q carries no dropped-token marker", got)
		}
		if kept == "" || !strings.HasPrefix(long, kept) {
			t.Fatalf("kept part %q is not a prefix", kept)
		}
		if est := tokens.Estimate(got); est > 10 {
			t.Errorf("estimate = %d, want <= 10", est)
		}
		var dropped int
		if _, err := fmt.Sscanf(marker, "%d tokens dropped]", &dropped); err != nil {
			t.Fatalf("marker %q: %v", marker, err)
		}
		if want := tokens.Estimate(long) - tokens.Estimate(kept); dropped != want {
			t.Errorf("marker reports %d dropped tokens, want %d", dropped, want)
		}
	})

	t.Run("wide runes clipped on rune boundary", func(t *testing.T) {
		long := strings.Repeat("你好", 50)
		got := clipToTokens(long, 10)
		if !utf8.ValidString(got) {
			t.Fatal("clip broke a rune")
		}
		if est := tokens.Estimate(got); est > 10 {
			t.Errorf("estimate = %d, want <= 10", est)
		}
		if !strings.Contains(got, "tokens dropped]") {
			t.Errorf("clip result %q carries no dropped-token marker", got)
		}
	})

	t.Run("tiny budget clips without marker", func(t *testing.T) {
		got := clipToTokens(strings.Repeat("abcd ", 100), 2)
		if strings.Contains(got, "dropped") {
			t.Errorf("marker does not fit a 2-token budget: %q", got)
		}
		if est := tokens.Estimate(got); est > 2 {
			t.Errorf("estimate = %d, want <= 2", est)
		}
	})

	t.Run("zero budget empties", func(t *testing.T) {
		if got := clipToTokens("anything", 0); got != "" {
			t.Errorf("got %q, want empty", got)
		}
	})
}
