// Package file implements the standalone-mode session store: one JSON file
// per session under the storage directory, written atomically.
package file

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

// SessionStore implements store.SessionStore on the local filesystem.
// Sessions with ephemeral keys (background:/isolated:) live in memory only.
type SessionStore struct {
	mu    sync.RWMutex
	byKey map[string]*store.Session
	dir   string
	log   *slog.Logger
	now   func() time.Time
}

// NewSessionStore loads all sessions from dir. Corrupt files are renamed
// *.corrupt and skipped. An empty dir disables persistence.
func NewSessionStore(dir string) *SessionStore {
	s := &SessionStore{
		byKey: make(map[string]*store.Session),
		dir:   dir,
		log:   slog.Default().With("component", "sessions"),
		now:   time.Now,
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			s.log.Error("create session dir", "dir", dir, "error", err)
		}
		s.loadAll()
	}
	return s
}

func (s *SessionStore) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		path := filepath.Join(s.dir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var sess store.Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.Key == "" {
			s.log.Warn("skipping corrupt session file", "file", f.Name(), "error", err)
			os.Rename(path, path+".corrupt")
			continue
		}
		s.byKey[sess.Key] = &sess
	}
	s.log.Debug("sessions loaded", "count", len(s.byKey))
}

// getOrInit returns the live session, creating it if missing. Caller holds
// the write lock.
func (s *SessionStore) getOrInit(key string) *store.Session {
	if sess, ok := s.byKey[key]; ok {
		return sess
	}
	now := s.now().UnixMilli()
	sess := &store.Session{
		Key:       key,
		Messages:  []providers.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byKey[key] = sess
	return sess
}

func (s *SessionStore) GetOrCreate(key string) *store.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotSession(s.getOrInit(key))
}

func (s *SessionStore) AddMessage(key string, msg providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrInit(key)
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = s.now().UnixMilli()
}

func (s *SessionStore) History(key string) []providers.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byKey[key]
	if !ok {
		return nil
	}
	msgs := make([]providers.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

func (s *SessionStore) Summary(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.byKey[key]; ok {
		return sess.Summary
	}
	return ""
}

func (s *SessionStore) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKey[key]; ok {
		sess.Summary = summary
		sess.UpdatedAt = s.now().UnixMilli()
	}
}

func (s *SessionStore) Metadata(key, field string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.byKey[key]; ok {
		return sess.Metadata[field]
	}
	return ""
}

func (s *SessionStore) UpdateMetadata(key, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[key]
	if !ok {
		return
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string)
	}
	if value == "" {
		delete(sess.Metadata, field)
	} else {
		sess.Metadata[field] = value
	}
	sess.UpdatedAt = s.now().UnixMilli()
}

func (s *SessionStore) AccumulateTokens(key string, usage providers.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKey[key]; ok {
		sess.Tokens.Prompt += int64(usage.PromptTokens)
		sess.Tokens.Completion += int64(usage.CompletionTokens)
		sess.Tokens.Total += int64(usage.TotalTokens)
	}
}

func (s *SessionStore) Stats(key string) store.TokenStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.byKey[key]; ok {
		return sess.Tokens
	}
	return store.TokenStats{}
}

func (s *SessionStore) TruncateHistory(key string, keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[key]
	if !ok {
		return
	}
	if keep <= 0 {
		sess.Messages = []providers.Message{}
	} else if len(sess.Messages) > keep {
		sess.Messages = sess.Messages[len(sess.Messages)-keep:]
	}
	sess.UpdatedAt = s.now().UnixMilli()
}

func (s *SessionStore) ReplaceHistory(key string, msgs []providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byKey[key]
	if !ok {
		return
	}
	sess.Messages = make([]providers.Message, len(msgs))
	copy(sess.Messages, msgs)
	sess.UpdatedAt = s.now().UnixMilli()
}

func (s *SessionStore) SetLastRoute(key, channel, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKey[key]; ok {
		sess.LastChannel = channel
		sess.LastChatID = chatID
	}
}

func (s *SessionStore) LastRoute(key string) (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.byKey[key]; ok {
		return sess.LastChannel, sess.LastChatID
	}
	return "", ""
}

func (s *SessionStore) LastUsedRoute(agentID string) (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := "agent:" + agentID + ":"
	var best *store.Session
	for key, sess := range s.byKey {
		if !strings.HasPrefix(key, prefix) || sess.LastChannel == "" {
			continue
		}
		if sessions.IsEphemeralKey(key) || sessions.IsCronSession(key) {
			continue
		}
		if best == nil || sess.UpdatedAt > best.UpdatedAt {
			best = sess
		}
	}
	if best == nil {
		return "", ""
	}
	return best.LastChannel, best.LastChatID
}

func (s *SessionStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byKey[key]; ok {
		sess.Messages = []providers.Message{}
		sess.Summary = ""
		sess.UpdatedAt = s.now().UnixMilli()
	}
}

func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.byKey, key)
	s.mu.Unlock()

	if s.dir == "" || sessions.IsEphemeralKey(key) {
		return nil
	}
	path := filepath.Join(s.dir, sanitizeFilename(key)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *SessionStore) List() []store.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []store.SessionInfo
	for key, sess := range s.byKey {
		if sessions.IsEphemeralKey(key) {
			continue
		}
		result = append(result, store.SessionInfo{
			Key:          key,
			MessageCount: len(sess.Messages),
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			LastChannel:  sess.LastChannel,
		})
	}
	return result
}

// Save persists a session to disk atomically (temp file + rename).
func (s *SessionStore) Save(key string) error {
	if s.dir == "" || sessions.IsEphemeralKey(key) {
		return nil
	}

	s.mu.RLock()
	sess, ok := s.byKey[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := snapshotSession(sess)
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	filename := sanitizeFilename(key)
	if filename == "." || !filepath.IsLocal(filename) || strings.ContainsAny(filename, `/\`) {
		return os.ErrInvalid
	}

	tmpFile, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, filepath.Join(s.dir, filename+".json")); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Flush persists every non-ephemeral session. Called on shutdown.
func (s *SessionStore) Flush() error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.byKey))
	for key := range s.byKey {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	var firstErr error
	for _, key := range keys {
		if err := s.Save(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func snapshotSession(sess *store.Session) *store.Session {
	cp := *sess
	cp.Messages = make([]providers.Message, len(sess.Messages))
	copy(cp.Messages, sess.Messages)
	if sess.Metadata != nil {
		cp.Metadata = make(map[string]string, len(sess.Metadata))
		for k, v := range sess.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func sanitizeFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
