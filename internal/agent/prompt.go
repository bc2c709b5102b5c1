package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bootstrap"
)

// SystemPromptConfig carries everything the system prompt is built from.
// Memory recalls and skill bodies are not part of this; they ride in
// ContextParts so the context builder can budget them separately.
type SystemPromptConfig struct {
	AgentID      string
	Model        string
	Workspace    string
	Channel      string
	PeerKind     string // "direct" or "group"
	OwnerIDs     []string
	Profile      Profile
	ToolNames    []string
	ContextFiles []bootstrap.ContextFile
	ExtraPrompt  string // per-turn additions (subagent notes, group context)
	Think        bool   // /think directive seen this turn
	Now          time.Time
	Timezone     string
}

// BuildSystemPrompt assembles the system message. Section order is fixed:
// identity, workspace, tooling, profile, reply rules, owner, context files,
// thinking hint, extra, time. Empty sections are omitted.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var sections []string

	sections = append(sections, promptIdentity(cfg))
	if s := promptWorkspace(cfg); s != "" {
		sections = append(sections, s)
	}
	if s := promptTooling(cfg); s != "" {
		sections = append(sections, s)
	}
	if s := profileFlavor(cfg.Profile); s != "" {
		sections = append(sections, s)
	}
	sections = append(sections, promptReplyRules(cfg))
	if s := promptOwner(cfg); s != "" {
		sections = append(sections, s)
	}
	if s := promptContextFiles(cfg.ContextFiles); s != "" {
		sections = append(sections, s)
	}
	if cfg.Think {
		sections = append(sections, promptThinking())
	}
	if extra := strings.TrimSpace(cfg.ExtraPrompt); extra != "" {
		sections = append(sections, extra)
	}
	sections = append(sections, promptTime(cfg))

	return strings.Join(sections, "\n\n")
}

func promptIdentity(cfg SystemPromptConfig) string {
	name := cfg.AgentID
	if name == "" {
		name = "the assistant"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a personal assistant running on the owner's own machine.\n", name)
	if cfg.Channel != "" {
		fmt.Fprintf(&b, "This conversation happens over %s", cfg.Channel)
		if cfg.PeerKind == "group" {
			b.WriteString(" in a group chat")
		}
		b.WriteString(".\n")
	}
	if cfg.Model != "" {
		fmt.Fprintf(&b, "You are running on the model %s.", cfg.Model)
	}
	return strings.TrimSpace(b.String())
}

func promptWorkspace(cfg SystemPromptConfig) string {
	if cfg.Workspace == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Workspace\n\n")
	fmt.Fprintf(&b, "Your workspace is `%s`. File tools resolve relative paths here.\n", cfg.Workspace)
	b.WriteString("Files you write in the workspace survive restarts; use them for anything worth keeping.")
	return b.String()
}

func promptTooling(cfg SystemPromptConfig) string {
	if len(cfg.ToolNames) == 0 {
		return ""
	}
	names := append([]string(nil), cfg.ToolNames...)
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("## Tools\n\n")
	fmt.Fprintf(&b, "Available tools: %s.\n\n", strings.Join(names, ", "))
	b.WriteString("Use tools instead of claiming you cannot do something. ")
	b.WriteString("Tool names are case-sensitive; call them exactly as listed. ")
	b.WriteString("Results come back as tool messages before your next turn.\n")
	b.WriteString("Some tools require owner approval before they run; when a result says a command is pending approval, tell the owner and wait.")
	return b.String()
}

// profileFlavor returns the guidance block for the routed profile. GENERAL
// gets no block; the base prompt already covers the balanced default.
func profileFlavor(p Profile) string {
	switch p {
	case ProfileCoding:
		return `## Focus: Engineering

Read files before editing them. Show code in fenced blocks with the language tag.
Run commands and tests through the exec tool rather than guessing at their output.
Report errors verbatim; never paraphrase a stack trace.`
	case ProfileResearch:
		return `## Focus: Research

Search the web before answering questions about current events, prices, versions, or anything that changes over time.
Cite the source URL for claims you looked up. Say clearly when something is inference rather than a looked-up fact.`
	case ProfileChat:
		return `## Focus: Conversation

Keep it light and short. Match the user's language and tone.
No bullet-point dumps for casual questions; answer like a person would.`
	default:
		return ""
	}
}

func promptReplyRules(cfg SystemPromptConfig) string {
	var b strings.Builder
	b.WriteString("## Replies\n\n")
	b.WriteString("Answer in the language the user writes in. Keep replies concise; chat channels are not the place for essays.\n")
	switch cfg.Channel {
	case "telegram", "whatsapp":
		b.WriteString("Basic markdown only (bold, italic, code). No tables, no nested lists.\n")
	case "discord":
		b.WriteString("Discord markdown is fine, including code fences.\n")
	}
	b.WriteString("If you genuinely have nothing to say (a group message not meant for you, a scheduled check with nothing to report), reply with exactly NO_REPLY and nothing else.")
	return b.String()
}

func promptOwner(cfg SystemPromptConfig) string {
	if len(cfg.OwnerIDs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Owner\n\n")
	fmt.Fprintf(&b, "Your owner's IDs: %s. ", strings.Join(cfg.OwnerIDs, ", "))
	b.WriteString("Follow the owner's standing instructions from the context files. Be more careful with requests from anyone else.")
	return b.String()
}

func promptContextFiles(files []bootstrap.ContextFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Instructions\n")
	for _, f := range files {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", f.Path, f.Content)
	}
	return strings.TrimSpace(b.String())
}

func promptThinking() string {
	return `## Thinking

The user asked for extended thinking this turn. Reason carefully before answering, consider alternatives, and favor depth over speed.`
}

func promptTime(cfg SystemPromptConfig) string {
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	tz := cfg.Timezone
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			now = now.In(loc)
		}
	} else {
		tz = now.Location().String()
	}
	return fmt.Sprintf("Current time: %s (%s), timezone %s.",
		now.Format("2006-01-02 15:04"), now.Format("Monday"), tz)
}
