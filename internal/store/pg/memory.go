package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omniclaw/internal/memory"
)

// MemoryStore implements memory.Store on Postgres.
type MemoryStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ memory.Store = (*MemoryStore)(nil)

func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db, now: time.Now}
}

func (s *MemoryStore) Remember(ctx context.Context, entry memory.Entry) (memory.Entry, error) {
	entry.Content = strings.TrimSpace(entry.Content)
	if entry.Content == "" {
		return memory.Entry{}, fmt.Errorf("memory content required")
	}
	if entry.Kind != memory.KindFact && entry.Kind != memory.KindNote {
		entry.Kind = memory.KindFact
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAtMs == 0 {
		entry.CreatedAtMs = s.now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, session_key, kind, content, created_at_ms) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET session_key = EXCLUDED.session_key, kind = EXCLUDED.kind,
		   content = EXCLUDED.content, created_at_ms = EXCLUDED.created_at_ms`,
		entry.ID, entry.SessionKey, entry.Kind, entry.Content, entry.CreatedAtMs)
	if err != nil {
		return memory.Entry{}, fmt.Errorf("store memory: %w", err)
	}
	return entry, nil
}

func (s *MemoryStore) Search(ctx context.Context, q string, limit int) ([]memory.Entry, error) {
	if limit <= 0 {
		limit = 6
	}
	keywords := memory.Keywords(q)
	if len(keywords) == 0 {
		return s.Recent(ctx, limit)
	}

	var where []string
	var args []any
	for i, kw := range keywords {
		where = append(where, fmt.Sprintf("content ILIKE $%d", i+1))
		args = append(args, "%"+kw+"%")
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT id, session_key, kind, content, created_at_ms FROM memories WHERE %s ORDER BY created_at_ms DESC LIMIT $%d`,
		strings.Join(where, " OR "), len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]memory.Entry, error) {
	if limit <= 0 {
		limit = 6
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_key, kind, content, created_at_ms FROM memories ORDER BY created_at_ms DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

func (s *MemoryStore) Forget(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("forget memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// Close tears down the connection pool shared by all pg stores. Close the
// session and cron stores' users first; they have no Close of their own.
func (s *MemoryStore) Close() error {
	return s.db.Close()
}

func scanMemoryRows(rows *sql.Rows) ([]memory.Entry, error) {
	var out []memory.Entry
	for rows.Next() {
		var e memory.Entry
		if err := rows.Scan(&e.ID, &e.SessionKey, &e.Kind, &e.Content, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
