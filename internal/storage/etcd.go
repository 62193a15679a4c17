// Package storage etcd 存储实现
package storage

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry 基于 etcd 的运行登记表
//
// 与 Redis 实现语义一致：后写覆盖，TTL 由租约承担。
// 部署在已有 etcd 的环境时可替代 Redis 的 RunRegistry 部分，
// 回放缓冲仍然走 Redis。
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
}

var _ RunRegistry = (*EtcdRegistry)(nil)

// EtcdConfig etcd 配置
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewEtcdRegistry 创建 etcd 运行登记表
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/taskbench"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = client.Status(ctx, cfg.Endpoints[0])
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	log.Printf("[etcd] Connected to %v", cfg.Endpoints)
	return &EtcdRegistry{
		client: client,
		prefix: cfg.Prefix,
	}, nil
}

// Close 关闭连接
func (s *EtcdRegistry) Close() error {
	return s.client.Close()
}

func (s *EtcdRegistry) runningKey(owner, taskName string) string {
	return fmt.Sprintf("%s/running/%s/%s", s.prefix, owner, taskName)
}

// SetActiveRun 登记 (owner, taskName) 当前的 run_id
//
// 租约 TTL 与 Redis 侧一致，进程崩溃后标记自动过期。
func (s *EtcdRegistry) SetActiveRun(ctx context.Context, owner, taskName, runID string) error {
	lease, err := s.client.Grant(ctx, int64(ttlRunning.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	_, err = s.client.Put(ctx, s.runningKey(owner, taskName), runID, clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("failed to set active run: %w", err)
	}
	return nil
}

// GetActiveRun 查询当前登记的 run_id；无记录返回 ("", nil)
func (s *EtcdRegistry) GetActiveRun(ctx context.Context, owner, taskName string) (string, error) {
	resp, err := s.client.Get(ctx, s.runningKey(owner, taskName))
	if err != nil {
		return "", fmt.Errorf("failed to get active run: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return "", nil // 无登记
	}
	return string(resp.Kvs[0].Value), nil
}

// ClearActiveRun 清除登记
func (s *EtcdRegistry) ClearActiveRun(ctx context.Context, owner, taskName string) error {
	_, err := s.client.Delete(ctx, s.runningKey(owner, taskName))
	if err != nil {
		return fmt.Errorf("failed to clear active run: %w", err)
	}
	return nil
}

// ListActiveRuns 列出 owner 名下全部登记
func (s *EtcdRegistry) ListActiveRuns(ctx context.Context, owner string) (map[string]string, error) {
	prefix := fmt.Sprintf("%s/running/%s/", s.prefix, owner)

	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}

	result := make(map[string]string)
	for _, kv := range resp.Kvs {
		taskName := strings.TrimPrefix(string(kv.Key), prefix)
		result[taskName] = string(kv.Value)
	}
	return result, nil
}
