// Package storage 回放缓冲区与运行登记表的存储层
//
// 两个抽象共同支撑输出分发：
//   - ReplayBuffer：按 (task_id, run_id) 持久化消息流，供断线重连后
//     补读历史。有界存储：保留过滤 + 24 小时 TTL。
//   - RunRegistry：记录 (owner, task_name) 当前在跑的 run_id。
//     后写覆盖（last-writer-wins），只是标记，不是锁。
//
// 后端实现：
//   - RedisStore：生产用，同时实现两个接口
//   - MemoryStore：进程内实现，测试与单机开发用
//   - EtcdRegistry：仅 RunRegistry，基于租约 TTL 的备选后端
package storage

import (
	"context"
	"time"

	"taskbench/internal/model"
)

// ReplayBuffer 回放缓冲区
//
// 追加时应用保留过滤（status/error/complete 永远保留，output 过滤
// 构建噪音）；过滤只影响持久化，不影响实时通道投递。
type ReplayBuffer interface {
	// Append 追加一条消息（经保留过滤后持久化），并刷新元数据与 TTL
	Append(ctx context.Context, msg model.Message) error

	// GetFull 返回一个 Run 的全部已持久化消息，按 Seq 升序
	GetFull(ctx context.Context, taskID, runID string) ([]model.Message, error)

	// GetSince 返回 Seq > sinceSeq 的已持久化消息，保持原有顺序
	// 结果永远是 GetFull 的一个后缀
	GetSince(ctx context.Context, taskID, runID string, sinceSeq int) ([]model.Message, error)

	// GetMetadata 返回缓冲元数据；从未写入过返回 (nil, nil)
	GetMetadata(ctx context.Context, taskID, runID string) (*model.BufferMeta, error)

	// MarkComplete 幂等地标记完成并记录终态；此后 MessageCount 冻结
	MarkComplete(ctx context.Context, taskID, runID, finalStatus string) error

	// Sweep 删除 last_updated 早于 maxAge 的条目（TTL 之外的兜底清扫），
	// 返回删除的条目数
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// RunRegistry 运行登记表
//
// 不做唯一性约束：同一 (owner, task_name) 并发提交时两次都会执行，
// 标记只反映最近一次写入。
type RunRegistry interface {
	// SetActiveRun 登记 (owner, taskName) 当前的 run_id
	SetActiveRun(ctx context.Context, owner, taskName, runID string) error

	// GetActiveRun 查询当前登记的 run_id；无记录返回 ("", nil)
	GetActiveRun(ctx context.Context, owner, taskName string) (string, error)

	// ClearActiveRun 清除登记
	ClearActiveRun(ctx context.Context, owner, taskName string) error

	// ListActiveRuns 列出 owner 名下全部登记，taskName → runID
	ListActiveRuns(ctx context.Context, owner string) (map[string]string, error)
}
