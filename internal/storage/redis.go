// Package storage Redis 存储实现
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"taskbench/internal/model"
)

// RedisStore Redis 存储层，同时实现 ReplayBuffer 和 RunRegistry
type RedisStore struct {
	client    *redis.Client
	retention Retention
}

var (
	_ ReplayBuffer = (*RedisStore)(nil)
	_ RunRegistry  = (*RedisStore)(nil)
)

// NewRedisStore 创建 Redis 存储实例
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisStore{
		client:    client,
		retention: NewDefaultRetention(),
	}, nil
}

// NewRedisStoreFromClient 复用已有连接创建存储实例
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: NewDefaultRetention(),
	}
}

// Close 关闭 Redis 连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// SetRetention 替换保留策略
func (s *RedisStore) SetRetention(r Retention) {
	s.retention = r
}

// === Key 前缀常量 ===

const (
	// 消息列表 List，按追加顺序存放 JSON 消息
	keyOutputPrefix = "task_output:"
	// 缓冲元数据 Hash
	keyMetaPrefix = "task_meta:"
	// 运行登记 String，值为 run_id
	keyRunningPrefix = "running:"
)

// === TTL 常量 ===

const (
	// 缓冲条目 TTL: 24 小时，自 last_updated 起算，不论是否完成
	ttlBuffer = 24 * time.Hour
	// 运行登记 TTL: 与缓冲一致，防止崩溃后标记永久残留
	ttlRunning = 24 * time.Hour
)

func outputKey(taskID, runID string) string {
	return fmt.Sprintf("%s%s:%s", keyOutputPrefix, taskID, runID)
}

func metaKey(taskID, runID string) string {
	return fmt.Sprintf("%s%s:%s", keyMetaPrefix, taskID, runID)
}

func runningKey(owner, taskName string) string {
	return fmt.Sprintf("%s%s_%s", keyRunningPrefix, owner, taskName)
}

// ============================================================================
// ReplayBuffer
// ============================================================================

// Append 追加消息到回放缓冲区
//
// 经保留过滤后持久化；每次写入同时刷新元数据与两个 key 的 TTL，
// 让过期窗口始终从 last_updated 起算。
func (s *RedisStore) Append(ctx context.Context, msg model.Message) error {
	if !s.retention.Persist(msg) {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	oKey := outputKey(msg.TaskID, msg.RunID)
	mKey := metaKey(msg.TaskID, msg.RunID)

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, oKey, data)
	pipe.HIncrBy(ctx, mKey, "message_count", 1)
	pipe.HSet(ctx, mKey, map[string]interface{}{
		"task_id":      msg.TaskID,
		"run_id":       msg.RunID,
		"last_updated": time.Now().Format(time.RFC3339Nano),
		"status":       "running",
	})
	pipe.Expire(ctx, oKey, ttlBuffer)
	pipe.Expire(ctx, mKey, ttlBuffer)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// GetFull 返回全部已持久化消息，按 Seq 升序
func (s *RedisStore) GetFull(ctx context.Context, taskID, runID string) ([]model.Message, error) {
	items, err := s.client.LRange(ctx, outputKey(taskID, runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read output buffer: %w", err)
	}

	messages := make([]model.Message, 0, len(items))
	for _, item := range items {
		var msg model.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			log.Printf("[Redis] Skipping malformed buffered message: %v", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// GetSince 返回 Seq > sinceSeq 的已持久化消息
func (s *RedisStore) GetSince(ctx context.Context, taskID, runID string, sinceSeq int) ([]model.Message, error) {
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
func (s *RedisStore) GetMetadata(ctx context.Context, taskID, runID string) (*model.BufferMeta, error) {
	result, err := s.client.HGetAll(ctx, metaKey(taskID, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get buffer metadata: %w", err)
	}

	if len(result) == 0 {
		return nil, nil // 不存在
	}

	return parseBufferMeta(result), nil
}

// MarkComplete 幂等地标记完成
//
// 已完成的条目直接返回，保留第一次的 completed_at。
func (s *RedisStore) MarkComplete(ctx context.Context, taskID, runID, finalStatus string) error {
	mKey := metaKey(taskID, runID)

	done, err := s.client.HGet(ctx, mKey, "is_complete").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to check completion: %w", err)
	}
	if done == "true" {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, mKey, map[string]interface{}{
		"task_id":      taskID,
		"run_id":       runID,
		"is_complete":  "true",
		"status":       finalStatus,
		"final_status": finalStatus,
		"completed_at": time.Now().Format(time.RFC3339Nano),
		"last_updated": time.Now().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, mKey, ttlBuffer)
	pipe.Expire(ctx, outputKey(taskID, runID), ttlBuffer)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark complete: %w", err)
	}

	log.Printf("[Redis] Marked run complete: %s:%s status=%s", taskID, runID, finalStatus)
	return nil
}

// Sweep 清扫过期条目
//
// Redis TTL 已保证被动过期，这里是主动兜底：扫描元数据 key，
// 删除 last_updated 早于 maxAge 的条目（不论是否完成）。
func (s *RedisStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	iter := s.client.Scan(ctx, 0, keyMetaPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		mKey := iter.Val()

		lastUpdated, err := s.client.HGet(ctx, mKey, "last_updated").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("failed to inspect %s: %w", mKey, err)
		}

		t, err := time.Parse(time.RFC3339Nano, lastUpdated)
		if err != nil || t.After(cutoff) {
			continue
		}

		oKey := keyOutputPrefix + strings.TrimPrefix(mKey, keyMetaPrefix)
		if err := s.client.Del(ctx, mKey, oKey).Err(); err != nil {
			return removed, fmt.Errorf("failed to delete %s: %w", mKey, err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("sweep scan failed: %w", err)
	}

	if removed > 0 {
		log.Printf("[Redis] Sweep removed %d stale buffer entries", removed)
	}
	return removed, nil
}

// parseBufferMeta 从 Redis Hash 解析元数据
func parseBufferMeta(data map[string]string) *model.BufferMeta {
	meta := &model.BufferMeta{
		TaskID:      data["task_id"],
		RunID:       data["run_id"],
		Status:      data["status"],
		FinalStatus: data["final_status"],
		IsComplete:  data["is_complete"] == "true",
	}
	if v, err := strconv.Atoi(data["message_count"]); err == nil {
		meta.MessageCount = v
	}
	if t, err := time.Parse(time.RFC3339Nano, data["last_updated"]); err == nil {
		meta.LastUpdated = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["completed_at"]); err == nil {
		meta.CompletedAt = t
	}
	return meta
}

// ============================================================================
// RunRegistry
// ============================================================================

// SetActiveRun 登记 (owner, taskName) 当前的 run_id
//
// 后写覆盖：并发提交时两个 Run 都会执行，标记只反映最近一次。
func (s *RedisStore) SetActiveRun(ctx context.Context, owner, taskName, runID string) error {
	if err := s.client.Set(ctx, runningKey(owner, taskName), runID, ttlRunning).Err(); err != nil {
		return fmt.Errorf("failed to set active run: %w", err)
	}
	return nil
}

// GetActiveRun 查询当前登记的 run_id；无记录返回 ("", nil)
func (s *RedisStore) GetActiveRun(ctx context.Context, owner, taskName string) (string, error) {
	runID, err := s.client.Get(ctx, runningKey(owner, taskName)).Result()
	if err == redis.Nil {
		return "", nil // 不存在
	}
	if err != nil {
		return "", fmt.Errorf("failed to get active run: %w", err)
	}
	return runID, nil
}

// ClearActiveRun 清除登记
func (s *RedisStore) ClearActiveRun(ctx context.Context, owner, taskName string) error {
	if err := s.client.Del(ctx, runningKey(owner, taskName)).Err(); err != nil {
		return fmt.Errorf("failed to clear active run: %w", err)
	}
	return nil
}

// ListActiveRuns 列出 owner 名下全部登记
func (s *RedisStore) ListActiveRuns(ctx context.Context, owner string) (map[string]string, error) {
	prefix := fmt.Sprintf("%s%s_", keyRunningPrefix, owner)
	result := make(map[string]string)

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		runID, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read active run %s: %w", key, err)
		}
		result[strings.TrimPrefix(key, prefix)] = runID
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("active run scan failed: %w", err)
	}
	return result, nil
}
