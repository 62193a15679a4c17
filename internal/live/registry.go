// Package live 实时消息通道
//
// 每个 owner 一条有界通道，该 owner 名下所有并发 Run 的消息都汇入
// 同一条通道，消费端按 taskId/runId 自行过滤。
//
// 投递策略是"有损尽力而为"：
//  1. 通道满时静默丢弃，绝不阻塞编排器
//  2. 可靠补齐是回放缓冲区的职责，不是实时通道的职责
//  3. 保留过滤只作用于持久化，实时通道永远收到全量消息
package live

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"taskbench/internal/model"
)

const (
	// DefaultCapacity 每条通道的默认容量
	DefaultCapacity = 100

	// DefaultIdleWindow 默认空闲回收窗口：超过该时长无发布的通道被回收
	DefaultIdleWindow = 30 * time.Minute
)

// ownerChannel 单个 owner 的通道及其活跃时间
type ownerChannel struct {
	ch          chan model.Message
	lastPublish atomic.Int64 // UnixNano
}

// Registry 进程级实时通道注册表
//
// 由多个并发的编排器写入、多个流式端点读取，
// map 的"不存在则创建"必须在锁内完成。
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*ownerChannel
	capacity int
	dropped  atomic.Int64
}

// NewRegistry 创建注册表
//
// capacity <= 0 时使用 DefaultCapacity。
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		channels: make(map[string]*ownerChannel),
		capacity: capacity,
	}
}

// getOrCreate 返回 owner 的通道，不存在则创建
func (r *Registry) getOrCreate(owner string) *ownerChannel {
	r.mu.RLock()
	oc, ok := r.channels[owner]
	r.mu.RUnlock()
	if ok {
		return oc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// 双重检查，避免并发创建覆盖
	if oc, ok = r.channels[owner]; ok {
		return oc
	}
	oc = &ownerChannel{ch: make(chan model.Message, r.capacity)}
	// 创建即视为活跃，避免刚订阅还未收到消息的通道被立刻回收
	oc.lastPublish.Store(time.Now().UnixNano())
	r.channels[owner] = oc
	return oc
}

// Publish 向 owner 的通道投递消息
//
// 非阻塞：通道满时丢弃并计数。丢弃不是错误，调用方无需处理。
func (r *Registry) Publish(owner string, msg model.Message) {
	oc := r.getOrCreate(owner)
	oc.lastPublish.Store(time.Now().UnixNano())

	select {
	case oc.ch <- msg:
	default:
		r.dropped.Add(1)
	}
}

// Subscribe 返回 owner 的实时通道
//
// 同一 owner 的所有订阅者共享同一条通道；消息只会被其中一个
// 读到。需要完整历史的消费端应先走回放缓冲区再尾随本通道。
func (r *Registry) Subscribe(owner string) <-chan model.Message {
	return r.getOrCreate(owner).ch
}

// Dropped 返回累计丢弃的消息数
func (r *Registry) Dropped() int64 {
	return r.dropped.Load()
}

// Size 返回当前注册的通道数
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// EvictIdle 回收空闲超过 olderThan 的通道，返回回收数量
//
// 只从 map 中摘除条目，不关闭通道：正在读该通道的消费端不受影响，
// 下一次 Publish 会重新创建全新通道。
func (r *Registry) EvictIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for owner, oc := range r.channels {
		if oc.lastPublish.Load() < cutoff {
			delete(r.channels, owner)
			evicted++
		}
	}
	return evicted
}

// StartJanitor 启动空闲通道回收循环，ctx 取消后退出
//
// idleWindow <= 0 时使用 DefaultIdleWindow，检查间隔为窗口的 1/10。
func (r *Registry) StartJanitor(ctx context.Context, idleWindow time.Duration) {
	if idleWindow <= 0 {
		idleWindow = DefaultIdleWindow
	}
	interval := idleWindow / 10

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.EvictIdle(idleWindow); n > 0 {
					log.Printf("[Live] Evicted %d idle channels", n)
				}
			}
		}
	}()
}
