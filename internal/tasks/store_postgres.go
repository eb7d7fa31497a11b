package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS project_tasks (
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			deadline TIMESTAMPTZ NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (project_id, name)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_project_tasks_position ON project_tasks (project_id, position);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) ReadSnapshot(ctx context.Context, projectID string) (Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, status, deadline, description
		   FROM project_tasks WHERE project_id=$1 ORDER BY position ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	defer rows.Close()

	out := make(Snapshot, 0, 8)
	for rows.Next() {
		var (
			task   Task
			status string
		)
		if err := rows.Scan(&task.Name, &status, &task.Deadline, &task.Description); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		task.Status = Status(status)
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertTask(ctx context.Context, projectID string, task Task) error {
	if !ValidStatus(task.Status) {
		return ErrInvalidStatus
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO project_tasks (project_id, name, status, deadline, description, position, updated_at)
		 VALUES (
			$1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(position)+1, 0) FROM project_tasks WHERE project_id=$1),
			now()
		 )
		 ON CONFLICT (project_id, name) DO UPDATE SET
			status=EXCLUDED.status,
			deadline=EXCLUDED.deadline,
			description=EXCLUDED.description,
			updated_at=now()`,
		projectID, task.Name, string(task.Status), task.Deadline, task.Description,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, projectID, name string, status Status) error {
	if !ValidStatus(status) {
		return ErrInvalidStatus
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE project_tasks SET status=$3, updated_at=now() WHERE project_id=$1 AND name=$2`,
		projectID, name, string(status),
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStoreNotFound
		}
		return fmt.Errorf("set task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
