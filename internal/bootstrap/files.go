// Package bootstrap seeds the agent workspace on first run and loads the
// instruction files that shape the system prompt.
package bootstrap

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Workspace instruction files. IDENTITY.md and AGENTS.md are injected into
// the system prompt; HEARTBEAT.md is the heartbeat tick prompt.
const (
	IdentityFile  = "IDENTITY.md"
	AgentsFile    = "AGENTS.md"
	HeartbeatFile = "HEARTBEAT.md"
)

// promptFiles are injected into the system prompt, in this order.
var promptFiles = []string{IdentityFile, AgentsFile}

// ContextFile is one workspace instruction file with its content.
type ContextFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// LoadContextFiles reads the prompt instruction files present in the
// workspace. Missing files are skipped silently; empty files are skipped too
// so a blanked-out template doesn't inject an empty section.
func LoadContextFiles(workspace string) []ContextFile {
	var out []ContextFile
	for _, name := range promptFiles {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("bootstrap: failed to read context file", "file", name, "error", err)
			}
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		out = append(out, ContextFile{Path: name, Content: content})
	}
	return out
}

// HeartbeatPrompt returns the trimmed HEARTBEAT.md content, or "" when the
// file is missing or blank (heartbeats are suppressed then).
func HeartbeatPrompt(workspace string) string {
	data, err := os.ReadFile(filepath.Join(workspace, HeartbeatFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
