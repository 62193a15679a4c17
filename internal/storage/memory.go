// Package storage 内存存储实现
package storage

import (
	"context"
	"sync"
	"time"

	"taskbench/internal/model"
)

// MemoryStore 纯内存实现，同时实现 ReplayBuffer 和 RunRegistry
//
// 用于单元测试和无 Redis 的本地开发。进程重启数据丢失，
// 不做 TTL 被动过期，只有 Sweep 主动清扫。
type MemoryStore struct {
	mu        sync.RWMutex
	buffers   map[string]*memoryBuffer // key: taskID:runID
	running   map[string]string        // key: owner_taskName
	retention Retention
}

type memoryBuffer struct {
	messages    []model.Message
	meta        model.BufferMeta
	lastUpdated time.Time
}

var (
	_ ReplayBuffer = (*MemoryStore)(nil)
	_ RunRegistry  = (*MemoryStore)(nil)
)

// NewMemoryStore 创建内存存储实例
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buffers:   make(map[string]*memoryBuffer),
		running:   make(map[string]string),
		retention: NewDefaultRetention(),
	}
}

// SetRetention 替换保留策略
func (s *MemoryStore) SetRetention(r Retention) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention = r
}

func bufferKey(taskID, runID string) string {
	return taskID + ":" + runID
}

// ============================================================================
// ReplayBuffer
// ============================================================================

// Append 追加消息到回放缓冲区
func (s *MemoryStore) Append(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.retention.Persist(msg) {
		return nil
	}

	key := bufferKey(msg.TaskID, msg.RunID)
	buf, ok := s.buffers[key]
	if !ok {
		buf = &memoryBuffer{
			meta: model.BufferMeta{
				TaskID: msg.TaskID,
				RunID:  msg.RunID,
				Status: "running",
			},
		}
		s.buffers[key] = buf
	}

	buf.messages = append(buf.messages, msg)
	buf.meta.MessageCount++
	buf.meta.LastUpdated = time.Now()
	buf.lastUpdated = buf.meta.LastUpdated
	return nil
}

// GetFull 返回全部已持久化消息
func (s *MemoryStore) GetFull(_ context.Context, taskID, runID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.buffers[bufferKey(taskID, runID)]
	if !ok {
		return []model.Message{}, nil
	}

	out := make([]model.Message, len(buf.messages))
	copy(out, buf.messages)
	return out, nil
}

// GetSince 返回 Seq > sinceSeq 的已持久化消息
func (s *MemoryStore) GetSince(ctx context.Context, taskID, runID string, sinceSeq int) ([]model.Message, error) {
	all, err := s.GetFull(ctx, taskID, runID)
	if err != nil {
		return nil, err
	}

	result := make([]model.Message, 0, len(all))
	for _, msg := range all {
		if msg.Seq > sinceSeq {
			result = append(result, msg)
		}
	}
	return result, nil
}

// GetMetadata 返回缓冲元数据；从未写入过返回 (nil, nil)
func (s *MemoryStore) GetMetadata(_ context.Context, taskID, runID string) (*model.BufferMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.buffers[bufferKey(taskID, runID)]
	if !ok {
		return nil, nil
	}

	meta := buf.meta
	return &meta, nil
}

// MarkComplete 幂等地标记完成
func (s *MemoryStore) MarkComplete(_ context.Context, taskID, runID, finalStatus string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bufferKey(taskID, runID)
	buf, ok := s.buffers[key]
	if !ok {
		buf = &memoryBuffer{
			meta: model.BufferMeta{TaskID: taskID, RunID: runID},
		}
		s.buffers[key] = buf
	}

	if buf.meta.IsComplete {
		return nil
	}

	now := time.Now()
	buf.meta.IsComplete = true
	buf.meta.Status = finalStatus
	buf.meta.FinalStatus = finalStatus
	buf.meta.CompletedAt = now
	buf.meta.LastUpdated = now
	buf.lastUpdated = now
	return nil
}

// Sweep 清扫 lastUpdated 早于 maxAge 的条目
func (s *MemoryStore) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, buf := range s.buffers {
		if buf.lastUpdated.Before(cutoff) {
			delete(s.buffers, key)
			removed++
		}
	}
	return removed, nil
}

// ============================================================================
// RunRegistry
// ============================================================================

// SetActiveRun 登记 (owner, taskName) 当前的 run_id
func (s *MemoryStore) SetActiveRun(_ context.Context, owner, taskName, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[owner+"_"+taskName] = runID
	return nil
}

// GetActiveRun 查询当前登记的 run_id；无记录返回 ("", nil)
func (s *MemoryStore) GetActiveRun(_ context.Context, owner, taskName string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[owner+"_"+taskName], nil
}

// ClearActiveRun 清除登记
func (s *MemoryStore) ClearActiveRun(_ context.Context, owner, taskName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, owner+"_"+taskName)
	return nil
}

// ListActiveRuns 列出 owner 名下全部登记
func (s *MemoryStore) ListActiveRuns(_ context.Context, owner string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := owner + "_"
	result := make(map[string]string)
	for key, runID := range s.running {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			result[key[len(prefix):]] = runID
		}
	}
	return result, nil
}
