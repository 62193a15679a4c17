// Package repository Run 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskbench/internal/history"
	"taskbench/internal/model"
)

const runColumns = `run_id, task_id, task_name, owner, state, exit_code, error, container_id, image_tag, created_at, started_at, finished_at`

// CreateRun 创建 Run
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	query := s.rebind(`
		INSERT INTO runs (run_id, task_id, task_name, owner, state, exit_code, error, container_id, image_tag, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	_, err := s.db.ExecContext(ctx, query,
		run.RunID, run.TaskID, run.TaskName, run.Owner, run.State, run.ExitCode,
		nullIfEmpty(run.Error), nullIfEmpty(run.ContainerID), nullIfEmpty(run.ImageTag),
		run.CreatedAt, run.StartedAt, run.FinishedAt)
	return err
}

// GetRun 获取 Run
func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`)
	row := s.db.QueryRowContext(ctx, query, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// scanRun 辅助函数
func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Run, error) {
	run := &model.Run{}
	var errMsg, containerID, imageTag sql.NullString
	err := scanner.Scan(
		&run.RunID, &run.TaskID, &run.TaskName, &run.Owner, &run.State,
		&run.ExitCode, &errMsg, &containerID, &imageTag,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	run.Error = errMsg.String
	run.ContainerID = containerID.String
	run.ImageTag = imageTag.String
	return run, nil
}

// scanRuns 批量扫描
func scanRuns(rows *sql.Rows) ([]*model.Run, error) {
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunsByOwner 按提交者列出 Run
func (s *Store) ListRunsByOwner(ctx context.Context, owner string, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE owner = $1 ORDER BY created_at DESC LIMIT $2`)
	rows, err := s.db.QueryContext(ctx, query, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRunsByTask 列出任务的所有 Run
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE task_id = $1 ORDER BY created_at DESC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// UpdateRunState 推进状态机
// running 状态记录 started_at，终态记录 finished_at
func (s *Store) UpdateRunState(ctx context.Context, runID string, state model.RunState) error {
	var query string
	var args []interface{}
	switch {
	case state == model.StateRunning:
		query = s.rebind(`UPDATE runs SET state = $1, started_at = $2 WHERE run_id = $3`)
		args = []interface{}{state, time.Now(), runID}
	case state.IsTerminal():
		query = s.rebind(`UPDATE runs SET state = $1, finished_at = $2 WHERE run_id = $3`)
		args = []interface{}{state, time.Now(), runID}
	default:
		query = s.rebind(`UPDATE runs SET state = $1 WHERE run_id = $2`)
		args = []interface{}{state, runID}
	}
	return s.execOne(ctx, query, args...)
}

// SetRunContainer 记录容器标识与镜像标签
func (s *Store) SetRunContainer(ctx context.Context, runID, containerID, imageTag string) error {
	query := s.rebind(`UPDATE runs SET container_id = $1, image_tag = $2 WHERE run_id = $3`)
	return s.execOne(ctx, query, nullIfEmpty(containerID), nullIfEmpty(imageTag), runID)
}

// SetRunResult 写入终态
func (s *Store) SetRunResult(ctx context.Context, runID string, state model.RunState, exitCode *int, errMsg string) error {
	query := s.rebind(`UPDATE runs SET state = $1, exit_code = $2, error = $3, finished_at = $4 WHERE run_id = $5`)
	return s.execOne(ctx, query, state, exitCode, nullIfEmpty(errMsg), time.Now(), runID)
}

// DeleteRun 删除 Run
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	query := s.rebind(`DELETE FROM runs WHERE run_id = $1`)
	return s.execOne(ctx, query, runID)
}

// execOne 执行更新/删除，未命中任何行时返回 history.ErrNotFound
func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return history.ErrNotFound
	}
	return nil
}

// nullIfEmpty 空字符串写为 NULL，保持可选列语义一致
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
