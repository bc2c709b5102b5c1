package pg

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/providers"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/internal/store"
)

// SessionStore implements store.SessionStore backed by Postgres. The whole
// session is stored as one jsonb document; a write-through cache keeps hot
// sessions out of the read path during tool loops.
type SessionStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]*store.Session
	log   *slog.Logger
	now   func() time.Time
}

var _ store.SessionStore = (*SessionStore)(nil)

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{
		db:    db,
		cache: make(map[string]*store.Session),
		log:   slog.Default().With("component", "sessions.pg"),
		now:   time.Now,
	}
}

// getOrInit returns the live cached session, loading from the DB or creating
// it if missing. Caller holds the write lock.
func (s *SessionStore) getOrInit(key string) *store.Session {
	if sess, ok := s.cache[key]; ok {
		return sess
	}
	if sess := s.loadFromDB(key); sess != nil {
		s.cache[key] = sess
		return sess
	}
	now := s.now().UnixMilli()
	sess := &store.Session{
		Key:       key,
		Messages:  []providers.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.cache[key] = sess
	return sess
}

func (s *SessionStore) loadFromDB(key string) *store.Session {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE key = $1`, key).Scan(&data)
	if err != nil {
		return nil
	}
	var sess store.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.log.Warn("corrupt session row", "key", key, "error", err)
		return nil
	}
	sess.Key = key
	if sess.Messages == nil {
		sess.Messages = []providers.Message{}
	}
	return &sess
}

func (s *SessionStore) GetOrCreate(key string) *store.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrInit(key)
	cp := *sess
	cp.Messages = append([]providers.Message(nil), sess.Messages...)
	return &cp
}

func (s *SessionStore) AddMessage(key string, msg providers.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrInit(key)
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = s.now().UnixMilli()
}

func (s *SessionStore) History(key string) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache[key]
	if !ok {
		if sess = s.loadFromDB(key); sess == nil {
			return nil
		}
		s.cache[key] = sess
	}
	msgs := make([]providers.Message, len(sess.Messages))
	copy(msgs, sess.Messages)
	return msgs
}

func (s *SessionStore) Summary(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.cache[key]; ok {
		return sess.Summary
	}
	return ""
}

func (s *SessionStore) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.Summary = summary
		sess.UpdatedAt = s.now().UnixMilli()
	}
}

func (s *SessionStore) Metadata(key, field string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.cache[key]; ok {
		return sess.Metadata[field]
	}
	return ""
}

func (s *SessionStore) UpdateMetadata(key, field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache[key]
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
	if sess, ok := s.cache[key]; ok {
		sess.Tokens.Prompt += int64(usage.PromptTokens)
		sess.Tokens.Completion += int64(usage.CompletionTokens)
		sess.Tokens.Total += int64(usage.TotalTokens)
	}
}

func (s *SessionStore) Stats(key string) store.TokenStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.cache[key]; ok {
		return sess.Tokens
	}
	return store.TokenStats{}
}

func (s *SessionStore) TruncateHistory(key string, keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache[key]
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
	sess, ok := s.cache[key]
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
	if sess, ok := s.cache[key]; ok {
		sess.LastChannel = channel
		sess.LastChatID = chatID
	}
}

func (s *SessionStore) LastRoute(key string) (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.cache[key]; ok {
		return sess.LastChannel, sess.LastChatID
	}
	return "", ""
}

func (s *SessionStore) LastUsedRoute(agentID string) (string, string) {
	var channel, chatID string
	err := s.db.QueryRow(
		`SELECT data->>'last_channel', data->>'last_chat_id' FROM sessions
		 WHERE key LIKE $1
		   AND key NOT LIKE $2
		   AND COALESCE(data->>'last_channel', '') <> ''
		 ORDER BY updated_at DESC LIMIT 1`,
		keyPrefixPattern("agent:"+agentID+":"),
		keyPrefixPattern("agent:"+agentID+":cron:"),
	).Scan(&channel, &chatID)
	if err != nil {
		return "", ""
	}
	return channel, chatID
}

func (s *SessionStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		sess.Messages = []providers.Message{}
		sess.Summary = ""
		sess.UpdatedAt = s.now().UnixMilli()
	}
}

func (s *SessionStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if sessions.IsEphemeralKey(key) {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM sessions WHERE key = $1`, key)
	return err
}

func (s *SessionStore) List() []store.SessionInfo {
	rows, err := s.db.Query(
		`SELECT key, jsonb_array_length(COALESCE(data->'messages', '[]'::jsonb)),
		        COALESCE((data->>'created_at_ms')::bigint, 0),
		        COALESCE((data->>'updated_at_ms')::bigint, 0),
		        COALESCE(data->>'last_channel', '')
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		s.log.Error("list sessions", "error", err)
		return nil
	}
	defer rows.Close()

	var result []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		if err := rows.Scan(&info.Key, &info.MessageCount, &info.CreatedAt, &info.UpdatedAt, &info.LastChannel); err != nil {
			continue
		}
		result = append(result, info)
	}
	return result
}

func (s *SessionStore) Save(key string) error {
	if sessions.IsEphemeralKey(key) {
		return nil
	}

	s.mu.RLock()
	sess, ok := s.cache[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snapshot := *sess
	snapshot.Messages = append([]providers.Message(nil), sess.Messages...)
	s.mu.RUnlock()

	data, err := json.Marshal(&snapshot)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (key, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		key, data, s.now().UTC(),
	)
	return err
}

func (s *SessionStore) Flush() error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.cache))
	for key := range s.cache {
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

// keyPrefixPattern escapes LIKE wildcards in a key prefix.
func keyPrefixPattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
