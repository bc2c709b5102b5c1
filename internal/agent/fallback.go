package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/nlparse"
	"github.com/nextlevelbuilder/omniclaw/internal/tools"
)

// RequiredAction binds a parsed offline action to the registry tool the
// model is expected to call for it. The loop enforces the tool during
// iterations; if the model never complies, runFallback executes the parsed
// action directly and answers from its result.
type RequiredAction struct {
	Tool   string
	Action nlparse.Action
}

// DetectRequiredTool parses the message with the offline parsers and maps a
// confident match to the tool that must handle it. Reminders and rotating
// schedules go through the reminders tool; weather questions through
// web_search. ok=false means the turn has no required tool.
//
// Detection is gated on parseability on purpose: a required tool the
// fallback could not execute deterministically would dead-end the turn.
func DetectRequiredTool(text string, now time.Time, loc *time.Location) (RequiredAction, bool) {
	action, ok := nlparse.Parse(text, now, loc)
	if !ok {
		return RequiredAction{}, false
	}
	switch action.Kind() {
	case "weather":
		return RequiredAction{Tool: "web_search", Action: action}, true
	default: // "reminder", "cycle"
		return RequiredAction{Tool: "reminders", Action: action}, true
	}
}

// fallbackArgs builds the tool arguments for a parsed action. The reminders
// tool re-parses the natural-language text itself, so the original message
// rides through unchanged; web_search gets a synthesized weather query.
func fallbackArgs(ra RequiredAction, originalText string) map[string]interface{} {
	switch a := ra.Action.(type) {
	case *nlparse.WeatherQuery:
		q := "current weather"
		if a.Location != "" {
			q = "current weather in " + a.Location
		}
		return map[string]interface{}{"query": q}
	default:
		return map[string]interface{}{"action": "add", "text": originalText}
	}
}

// runFallback executes the required action directly through the registry and
// formats its result as the final reply. Used after the model ignored the
// tool nudge, and as the last resort when every model failed.
func runFallback(ctx context.Context, registry *tools.Registry, ra RequiredAction, originalText string) string {
	result := registry.Execute(ctx, ra.Tool, fallbackArgs(ra, originalText))

	text := result.ForUser
	if text == "" {
		text = result.ForLLM
	}
	text = strings.TrimSpace(text)
	if result.IsError || text == "" {
		if text == "" {
			text = "the tool returned nothing"
		}
		return fmt.Sprintf("I couldn't complete that automatically: %s", text)
	}
	return text + "\n\n_via offline parser_"
}
