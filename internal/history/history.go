// Package history 定义运行历史的持久化抽象
//
// 运行历史回答"过去跑过什么、结果如何"：每次提交落一条 Run 记录，
// 状态机推进时原地更新，终态后冻结。与回放缓冲区（storage 包）分工：
//   - 回放缓冲区存消息流，24 小时后过期
//   - 运行历史存 Run 元数据，长期保留
//
// 设计原则：依赖倒置
//   - 调用方只依赖 Store 接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL）、mongostore/（MongoDB）
//   - 初始化时由 main 按配置选择驱动注入
package history

import (
	"context"
	"errors"

	"taskbench/internal/model"
)

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("run not found")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("run already exists")
)

// Store 运行历史存储接口
//
// 查询方法对不存在的记录返回 (nil, nil)，由调用方决定这算不算错误；
// 更新/删除方法对不存在的记录返回 ErrNotFound。
type Store interface {
	// CreateRun 插入一条新的 Run 记录
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun 按 RunID 查询；不存在返回 (nil, nil)
	GetRun(ctx context.Context, runID string) (*model.Run, error)

	// ListRunsByOwner 按提交者列出 Run，按创建时间倒序
	ListRunsByOwner(ctx context.Context, owner string, limit int) ([]*model.Run, error)

	// ListRunsByTask 按任务 ID 列出全部 Run，按创建时间倒序
	ListRunsByTask(ctx context.Context, taskID string) ([]*model.Run, error)

	// UpdateRunState 推进状态机；running 记 started_at，终态记 finished_at
	UpdateRunState(ctx context.Context, runID string, state model.RunState) error

	// SetRunContainer 记录构建/启动阶段产生的容器标识与镜像标签
	SetRunContainer(ctx context.Context, runID, containerID, imageTag string) error

	// SetRunResult 写入终态：状态、退出码（可空）、错误信息
	SetRunResult(ctx context.Context, runID string, state model.RunState, exitCode *int, errMsg string) error

	// DeleteRun 删除 Run 记录
	DeleteRun(ctx context.Context, runID string) error

	// Close 关闭底层连接
	Close() error
}
