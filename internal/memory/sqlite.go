package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore implements Store on a local sqlite file. The driver is pure
// Go, so standalone installs need no cgo or system sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the memory database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// Single writer; WAL keeps readers unblocked during tool writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure memory db: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'fact',
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at_ms)",
		"CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_key)",
	} {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create memory index: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Remember(ctx context.Context, entry Entry) (Entry, error) {
	entry.Content = strings.TrimSpace(entry.Content)
	if entry.Content == "" {
		return Entry{}, fmt.Errorf("memory content required")
	}
	if entry.Kind != KindFact && entry.Kind != KindNote {
		entry.Kind = KindFact
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAtMs == 0 {
		entry.CreatedAtMs = s.now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories (id, session_key, kind, content, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionKey, entry.Kind, entry.Content, entry.CreatedAtMs)
	if err != nil {
		return Entry{}, fmt.Errorf("store memory: %w", err)
	}
	return entry, nil
}

func (s *SQLiteStore) Search(ctx context.Context, q string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 6
	}
	keywords := Keywords(q)
	if len(keywords) == 0 {
		return s.Recent(ctx, limit)
	}

	var where []string
	var args []any
	for _, kw := range keywords {
		where = append(where, "LOWER(content) LIKE ?")
		args = append(args, "%"+kw+"%")
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT id, session_key, kind, content, created_at_ms FROM memories WHERE %s ORDER BY created_at_ms DESC LIMIT ?`,
		strings.Join(where, " OR "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 6
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, kind, content, created_at_ms FROM memories ORDER BY created_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) Forget(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("forget memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.Kind, &e.Content, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
