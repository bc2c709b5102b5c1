// Package sentinel records the message currently being processed. The
// record is written before a turn starts and removed when it completes
// cleanly; finding one at the next start means the previous process died
// mid-turn and the affected session should be told.
package sentinel

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

// userMessageCap bounds how much of the user's text the record retains.
const userMessageCap = 200

// Record describes the turn that was in flight when the record was written.
type Record struct {
	SessionID   string `json:"session_id"`
	MessageID   string `json:"message_id,omitempty"`
	UserMessage string `json:"user_message,omitempty"`
	PID         int    `json:"pid"`
	AtMs        int64  `json:"at_ms"`
}

// At returns the recorded turn-start time.
func (r Record) At() time.Time {
	return time.UnixMilli(r.AtMs)
}

// Sentinel manages the record file. It is advisory: every failure path logs
// and continues, never blocking a turn or shutdown.
type Sentinel struct {
	path string
	log  *slog.Logger
	now  func() time.Time
}

// New creates a sentinel over the given record path.
func New(path string) *Sentinel {
	return &Sentinel{
		path: path,
		log:  slog.Default().With("component", "sentinel"),
		now:  time.Now,
	}
}

// CheckStale returns the record a previous run left behind, if any. A
// corrupted or empty file is deleted silently. Call before the first Mark.
func (s *Sentinel) CheckStale() (*Record, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	var rec Record
	if len(data) == 0 || json.Unmarshal(data, &rec) != nil || rec.SessionID == "" {
		os.Remove(s.path)
		return nil, false
	}
	return &rec, true
}

// Mark writes the in-flight record for a turn (temp file + rename, so a
// crash never leaves a half-written file). The user message is clipped.
func (s *Sentinel) Mark(sessionID, messageID, userMessage string) error {
	if len(userMessage) > userMessageCap {
		n := userMessageCap
		for n > 0 && !utf8.RuneStart(userMessage[n]) {
			n--
		}
		userMessage = userMessage[:n]
	}
	rec := Record{
		SessionID:   sessionID,
		MessageID:   messageID,
		UserMessage: userMessage,
		PID:         os.Getpid(),
		AtMs:        s.now().UnixMilli(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.log.Warn("sentinel dir create failed", "dir", dir, "error", err)
		return err
	}
	tmp, err := os.CreateTemp(dir, "sentinel-*.tmp")
	if err != nil {
		s.log.Warn("sentinel mark failed", "error", err)
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.log.Warn("sentinel mark failed", "error", err)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		s.log.Warn("sentinel mark failed", "error", err)
		return err
	}
	return nil
}

// Clear removes the record, marking the turn complete.
func (s *Sentinel) Clear() {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("sentinel clear failed", "path", s.path, "error", err)
	}
}
