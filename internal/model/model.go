// Package model 定义核心数据模型
//
// 本包定义了 Taskbench 执行系统的核心领域模型，包括：
//   - Run（执行）：一次任务执行尝试，贯穿容器的完整生命周期
//   - Message（消息）：执行过程中产生的有序输出/状态事件
//   - BufferMeta（缓冲元数据）：回放缓冲区的运行级元信息
//
// Run 与 Message 的关系：
//   - Run 记录"这次执行发生了什么"（状态机、退出码、容器标识）
//   - Message 是 Run 的可观测事件流，按 Seq 全序排列
//   - Seq 只由持有该 Run 的编排器分配，其他组件一律不产生序号
package model

import (
	"fmt"
	"time"
)

// ============================================================================
// RunState - 执行状态机
// ============================================================================

// RunState 表示单次执行（Run）所处的状态机阶段
//
// 状态机是线性的，不存在回退或重入：
//
//	init → preparing → building → starting → running → succeeded/failed
//
// 任一阶段发生异常都会直接跳到 errored。
// succeeded、failed、errored 为终态，进入终态后 Run 不再被修改。
//
// 为什么区分 failed 和 errored？
//  1. failed：容器正常启动并退出，但退出码非零（工作负载自身失败）
//  2. errored：执行管线本身出错（构建失败、运行时不可达、内部异常）
//  3. 两者的清理策略一致，但对调用方的诊断含义完全不同
type RunState string

const (
	// StateInit 初始：Run 已创建，尚未开始任何工作
	StateInit RunState = "init"

	// StatePreparing 准备中：解压任务归档到独立的临时工作区
	StatePreparing RunState = "preparing"

	// StateBuilding 构建中：从工作区构建一次性执行镜像
	StateBuilding RunState = "building"

	// StateStarting 启动中：创建并启动容器
	StateStarting RunState = "starting"

	// StateRunning 运行中：容器执行中，实时流式采集输出
	StateRunning RunState = "running"

	// StateSucceeded 成功：容器退出码为 0
	StateSucceeded RunState = "succeeded"

	// StateFailed 失败：容器退出码非零（工作负载失败）
	StateFailed RunState = "failed"

	// StateErrored 出错：执行管线任一阶段发生异常
	StateErrored RunState = "errored"
)

// IsTerminal 判断状态是否为终态
func (s RunState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateErrored:
		return true
	}
	return false
}

// FinalStatus 返回终态对应的元数据状态词
// 非终态返回 "running"（缓冲元数据中的进行中标记）
func (s RunState) FinalStatus() string {
	switch s {
	case StateSucceeded:
		return "success"
	case StateFailed:
		return "failed"
	case StateErrored:
		return "error"
	}
	return "running"
}

// ============================================================================
// MessageKind - 消息类型
// ============================================================================

// MessageKind 表示 Message 的类型
//
// 类型决定了保留策略（见 storage 包的 Retention）：
//   - status/error/complete 永远持久化
//   - output 默认持久化，但镜像构建噪音会被过滤，仅走实时通道
type MessageKind string

const (
	// KindStatus 状态消息：阶段推进、终态汇报
	KindStatus MessageKind = "status"

	// KindOutput 输出消息：容器 stdout/stderr 的一行
	KindOutput MessageKind = "output"

	// KindError 错误消息：执行管线的错误通知
	KindError MessageKind = "error"

	// KindComplete 完成消息：整个执行结束的收尾标记
	KindComplete MessageKind = "complete"
)

// ============================================================================
// Message - 执行事件
// ============================================================================

// Message 表示 Run 的一个可观测事件
//
// Message 创建后不可变。线上传输使用 JSON，字段名与历史前端约定保持一致
// （taskId/runId/isError 为驼峰）。
//
// Seq 不变量：
//   - 同一 Run 内严格递增，首个为 1，不重复
//   - 只由持有该 Run 的编排器实例分配
//   - 回放缓冲区持久化的是 Seq 的子序列（保留过滤可能跳号）
type Message struct {
	Type      MessageKind `json:"type"`      // 消息类型
	Content   string      `json:"content"`   // 文本内容
	TaskID    string      `json:"taskId"`    // 所属任务 ID
	RunID     string      `json:"runId"`     // 所属 Run ID
	Seq       int         `json:"seq"`       // 序号（Run 内递增）
	Timestamp time.Time   `json:"timestamp"` // 产生时间
	IsError   bool        `json:"isError"`   // 是否为错误性内容
}

// ============================================================================
// Run - 执行实例
// ============================================================================

// Run 表示一次任务执行尝试
//
// 每次提交都会分配全新的 RunID，绝不复用：
//  1. 同一任务可并发多次执行，各 Run 互不干扰
//  2. 回放缓冲区按 (TaskID, RunID) 定位，历史互不覆盖
//  3. 终态后 Run 冻结，只读
//
// 字段说明：
//   - RunID：执行唯一标识，格式如 "run-a1b2c3d4e5f6"
//   - TaskID：调用方提交的任务标识（可能是稳定的任务身份）
//   - TaskName：任务名称（归档内的任务目录名）
//   - Owner：提交者身份，实时通道按 Owner 扇出
//   - ExitCode：容器退出码，仅 succeeded/failed 下存在
//   - ContainerID：容器 ID（启动后填充；失败时保留以便事后检查）
//   - ImageTag：一次性镜像标签（构建后填充，清理时使用）
type Run struct {
	RunID       string     `json:"run_id" bson:"_id" db:"run_id"`                                          // 执行唯一标识
	TaskID      string     `json:"task_id" bson:"task_id" db:"task_id"`                                    // 任务 ID
	TaskName    string     `json:"task_name" bson:"task_name" db:"task_name"`                              // 任务名称
	Owner       string     `json:"owner" bson:"owner" db:"owner"`                                          // 提交者
	State       RunState   `json:"state" bson:"state" db:"state"`                                          // 当前状态
	ExitCode    *int       `json:"exit_code,omitempty" bson:"exit_code,omitempty" db:"exit_code"`          // 退出码
	Error       string     `json:"error,omitempty" bson:"error,omitempty" db:"error"`                      // 错误信息
	ContainerID string     `json:"container_id,omitempty" bson:"container_id,omitempty" db:"container_id"` // 容器 ID
	ImageTag    string     `json:"image_tag,omitempty" bson:"image_tag,omitempty" db:"image_tag"`          // 镜像标签
	CreatedAt   time.Time  `json:"created_at" bson:"created_at" db:"created_at"`                           // 创建时间
	StartedAt   *time.Time `json:"started_at,omitempty" bson:"started_at,omitempty" db:"started_at"`       // 容器启动时间
	FinishedAt  *time.Time `json:"finished_at,omitempty" bson:"finished_at,omitempty" db:"finished_at"`    // 结束时间
}

// ============================================================================
// BufferMeta - 回放缓冲元数据
// ============================================================================

// BufferMeta 表示一个回放缓冲条目的元数据
//
// 与消息列表一起存储，随每次持久化追加而更新：
//   - MessageCount：已持久化的消息数（IsComplete 后冻结）
//   - Status：进行中为 "running"，结束后为 success/failed/error
//   - IsComplete 置位后不再接受新的追加（接口不拒绝，但正确的
//     编排器在终态后只调用一次 MarkComplete，不会再写入）
type BufferMeta struct {
	TaskID       string    `json:"task_id"`                // 任务 ID
	RunID        string    `json:"run_id"`                 // Run ID
	MessageCount int       `json:"message_count"`          // 已持久化消息数
	LastUpdated  time.Time `json:"last_updated"`           // 最后更新时间
	Status       string    `json:"status"`                 // 当前状态词
	IsComplete   bool      `json:"is_complete"`            // 是否已完成
	FinalStatus  string    `json:"final_status,omitempty"` // 终态状态词
	CompletedAt  time.Time `json:"completed_at,omitempty"` // 完成时间
}

// ============================================================================
// 辅助函数
// ============================================================================

// ShortID 返回标识符的前 12 位，用于日志和状态消息展示
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// ContainerName 生成容器名：{owner}_{taskName}_{shortRunID}
// 便于 docker ps 人工辨认，但系统定位容器只依赖标签
func ContainerName(owner, taskName, runID string) string {
	return fmt.Sprintf("%s_%s_%s", owner, taskName, ShortID(runID))
}
