package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/omniclaw/internal/cron"
)

// CronStore implements cron.Store on Postgres. Each job is stored whole as
// jsonb; next_run_ms is denormalized for operator queries.
type CronStore struct {
	db  *sql.DB
	log *slog.Logger
}

var _ cron.Store = (*CronStore)(nil)

func NewCronStore(db *sql.DB) *CronStore {
	return &CronStore{
		db:  db,
		log: slog.Default().With("component", "cron.pg"),
	}
}

func (s *CronStore) List(ctx context.Context) ([]cron.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM cron_jobs ORDER BY next_run_ms`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []cron.Job
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		var job cron.Job
		if err := json.Unmarshal(data, &job); err != nil {
			// One bad row must not wedge the scheduler.
			s.log.Warn("corrupt cron job row, skipped", "id", id, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *CronStore) Put(ctx context.Context, job cron.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode cron job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (id, data, next_run_ms) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, next_run_ms = EXCLUDED.next_run_ms`,
		job.ID, data, job.NextRunMs)
	if err != nil {
		return fmt.Errorf("store cron job: %w", err)
	}
	return nil
}

func (s *CronStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	return nil
}
