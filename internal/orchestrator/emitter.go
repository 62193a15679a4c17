package orchestrator

import (
	"context"
	"sync"
	"time"

	"taskbench/internal/model"
)

// emitter 为单个 Run 铸造序号并双路投递消息
//
// Seq 不变量的唯一实现点：同一 Run 的序号只由持有它的 emitter 分配，
// 从 1 开始严格递增。日志 worker 与编排器本体可能并发发射，铸造与
// 投递在锁内完成，保证缓冲区内的持久化顺序与序号顺序一致。
//
// 投递双路：
//   - 回放缓冲区：经保留过滤持久化，故障降级为告警，不中断执行
//   - 实时通道：全量、非阻塞、可丢弃
type emitter struct {
	o   *Orchestrator
	ctx context.Context
	run *model.Run

	mu  sync.Mutex
	seq int
}

// newEmitter 创建 Run 专属的消息发射器
func (o *Orchestrator) newEmitter(ctx context.Context, run *model.Run) *emitter {
	return &emitter{o: o, ctx: ctx, run: run}
}

// emit 铸造下一个序号并投递
func (e *emitter) emit(kind model.MessageKind, content string, isError bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	msg := model.Message{
		Type:      kind,
		Content:   content,
		TaskID:    e.run.TaskID,
		RunID:     e.run.RunID,
		Seq:       e.seq,
		Timestamp: time.Now(),
		IsError:   isError,
	}

	if err := e.o.buffer.Append(e.ctx, msg); err != nil {
		e.o.logger.WithRunID(e.run.RunID).WithError(err).Warn("Buffer append failed", "seq", msg.Seq)
	}
	e.o.live.Publish(e.run.Owner, msg)
	e.o.metrics.RecordMessage(string(kind))
}

// status 发射状态消息
func (e *emitter) status(content string, isError bool) {
	e.emit(model.KindStatus, content, isError)
}

// output 发射一行容器/构建输出
func (e *emitter) output(line string) {
	e.emit(model.KindOutput, line, false)
}

// complete 发射完成收尾消息
func (e *emitter) complete(content string) {
	e.emit(model.KindComplete, content, false)
}
