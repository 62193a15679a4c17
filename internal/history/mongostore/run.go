package mongostore

import (
	"context"
	"time"

	"taskbench/internal/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// Run 操作
// ============================================================================

// CreateRun 插入一条新的 Run 记录
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	return insertOne(ctx, s.col(ColRuns), run)
}

// GetRun 按 RunID 查询，不存在返回 (nil, nil)
func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return findOne[model.Run](ctx, s.col(ColRuns), bson.M{"_id": runID})
}

// ListRunsByOwner 按提交者列出 Run，按创建时间倒序
func (s *Store) ListRunsByOwner(ctx context.Context, owner string, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	return findMany[model.Run](ctx, s.col(ColRuns), bson.M{"owner": owner}, opts)
}

// ListRunsByTask 按任务 ID 列出全部 Run，按创建时间倒序
func (s *Store) ListRunsByTask(ctx context.Context, taskID string) ([]*model.Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return findMany[model.Run](ctx, s.col(ColRuns), bson.M{"task_id": taskID}, opts)
}

// UpdateRunState 推进状态机，running 记 started_at，终态记 finished_at
func (s *Store) UpdateRunState(ctx context.Context, runID string, state model.RunState) error {
	fields := bson.M{"state": state}
	switch {
	case state == model.StateRunning:
		fields["started_at"] = time.Now()
	case state.IsTerminal():
		fields["finished_at"] = time.Now()
	}
	return updateFields(ctx, s.col(ColRuns), runID, fields)
}

// SetRunContainer 记录容器 ID 与镜像标签
func (s *Store) SetRunContainer(ctx context.Context, runID, containerID, imageTag string) error {
	return updateFields(ctx, s.col(ColRuns), runID, bson.M{
		"container_id": containerID,
		"image_tag":    imageTag,
	})
}

// SetRunResult 写入终态结果
func (s *Store) SetRunResult(ctx context.Context, runID string, state model.RunState, exitCode *int, errMsg string) error {
	fields := bson.M{
		"state":       state,
		"finished_at": time.Now(),
	}
	if exitCode != nil {
		fields["exit_code"] = *exitCode
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	return updateFields(ctx, s.col(ColRuns), runID, fields)
}

// DeleteRun 删除 Run 记录
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return deleteByID(ctx, s.col(ColRuns), runID)
}
