package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Schema creates the job_runs table.
const Schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL,
	schedule_run_id TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ,
	status          TEXT NOT NULL,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	summary         JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS job_runs_schedule_run_idx ON job_runs (schedule_run_id);
`

const uniqueViolation = "23505"

// PostgresRunRepository 执行台账仓储
type PostgresRunRepository struct {
	db *sql.DB
}

var _ RunRepository = (*PostgresRunRepository)(nil)

// NewPostgresRunRepository 创建仓储
func NewPostgresRunRepository(db *sql.DB) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

// EnsureSchema applies Schema; safe to run on every start.
func (r *PostgresRunRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure job_runs schema: %w", err)
	}
	return nil
}

// Insert 写入开始记录
func (r *PostgresRunRepository) Insert(ctx context.Context, rec *RunRecord) error {
	summary, err := encodeSummary(rec.Summary)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO job_runs
		(id, job_id, schedule_run_id, started_at, status, duration_ms, summary, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.JobID, rec.ScheduleRunID, rec.StartedAt.UTC(), string(rec.Status),
		rec.DurationMs, summary, rec.ErrorMessage,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("insert run %s: %w", rec.ID, ErrDuplicateRun)
		}
		return fmt.Errorf("insert run %s: %w", rec.ID, err)
	}
	return nil
}

// Finalize 写入完成结果
func (r *PostgresRunRepository) Finalize(ctx context.Context, rec *RunRecord) error {
	summary, err := encodeSummary(rec.Summary)
	if err != nil {
		return err
	}
	var finishedAt interface{}
	if rec.FinishedAt != nil {
		finishedAt = rec.FinishedAt.UTC()
	}
	query := `
		UPDATE job_runs
		SET finished_at = $2, status = $3, duration_ms = $4, summary = $5, error_message = $6
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		rec.ID, finishedAt, string(rec.Status), rec.DurationMs, summary, rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("finalize run %s: %w", rec.ID, ErrRunNotFound)
	}
	return nil
}

// ListByScheduleRun 按调度批次查询
func (r *PostgresRunRepository) ListByScheduleRun(ctx context.Context, scheduleRunID string) ([]RunRecord, error) {
	query := `
		SELECT id, job_id, schedule_run_id, started_at, finished_at, status, duration_ms, summary, error_message
		FROM job_runs
		WHERE schedule_run_id = $1
		ORDER BY started_at
	`
	rows, err := r.db.QueryContext(ctx, query, scheduleRunID)
	if err != nil {
		return nil, fmt.Errorf("list runs %s: %w", scheduleRunID, err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			status     string
			finishedAt sql.NullTime
			summary    []byte
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.ScheduleRunID, &rec.StartedAt, &finishedAt,
			&status, &rec.DurationMs, &summary, &rec.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.Status = RunStatus(status)
		if finishedAt.Valid {
			t := finishedAt.Time
			rec.FinishedAt = &t
		}
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &rec.Summary); err != nil {
				return nil, fmt.Errorf("decode summary for run %s: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs %s: %w", scheduleRunID, err)
	}
	return out, nil
}

func encodeSummary(summary map[string]interface{}) ([]byte, error) {
	if summary == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}
	return b, nil
}
