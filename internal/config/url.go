package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// buildDatabaseURL 根据驱动类型构建数据库连接字符串
func buildDatabaseURL(db DatabaseConfig, password string) string {
	switch strings.ToLower(db.Driver) {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
	case "mongodb":
		if db.URI != "" {
			return db.URI
		}
		if db.User != "" && password != "" {
			return fmt.Sprintf("mongodb://%s:%s@%s:%d", db.User, password, db.Host, db.Port)
		}
		return fmt.Sprintf("mongodb://%s:%d", db.Host, db.Port)
	default: // sqlite
		dbPath := db.Path
		if dbPath == "" {
			dbPath = "/var/lib/taskbench/taskbench.db"
		}
		return fmt.Sprintf("file:%s?cache=shared&mode=rwc", dbPath)
	}
}

// detectDatabaseDriver 检测数据库驱动类型
// 优先级：YAML driver 字段 > DATABASE_URL 前缀自动检测 > 默认 sqlite
func detectDatabaseDriver(yamlDriver, databaseURL string) string {
	// 1. YAML 显式指定
	if d := strings.ToLower(yamlDriver); d == "sqlite" || d == "postgres" || d == "mongodb" {
		return d
	}
	// 2. 从 DATABASE_URL 前缀自动检测
	if strings.HasPrefix(databaseURL, "file:") || strings.HasPrefix(databaseURL, "sqlite:") {
		return "sqlite"
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(databaseURL, "mongodb://") || strings.HasPrefix(databaseURL, "mongodb+srv://") {
		return "mongodb"
	}
	// 3. 默认 sqlite
	return "sqlite"
}

// buildRedisURL 构建 Redis 连接字符串
// 如果 URL 字段非空，直接使用；否则从 host/port/db/password 构建
func buildRedisURL(redis RedisConfig) string {
	if redis.URL != "" {
		return redis.URL
	}
	if redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", redis.Password, redis.Host, redis.Port, redis.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// parseEnv 解析环境字符串
func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

// firstEnv 返回第一个非空的环境变量值（用于兼容多种 Docker Compose 变量名）
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// getEnv 获取环境变量，支持默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration 解析 duration 字符串，非法或空值返回默认值
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(c.RedisURL))
}

// validate 填充 etcd 默认值
func (e *EtcdConfig) validate() {
	if len(e.Endpoints) == 0 {
		e.Endpoints = []string{"localhost:2379"}
	}
	if e.Prefix == "" {
		e.Prefix = "/taskbench"
	}
}

// validate 填充执行器默认值
func (r *RunnerConfig) validate() {
	if r.LogDrainTimeout == "" {
		r.LogDrainTimeout = "5s"
	}
	if r.SweepInterval == "" {
		r.SweepInterval = "1h"
	}
	if r.CPULimit < 0 {
		r.CPULimit = 0
	}
	if r.MemoryLimitMB < 0 {
		r.MemoryLimitMB = 0
	}
}

// DrainTimeout 返回解析后的日志消费宽限期
func (r RunnerConfig) DrainTimeout() time.Duration {
	return parseDuration(r.LogDrainTimeout, 5*time.Second)
}

// SweepEvery 返回解析后的过期缓冲清理周期
func (r RunnerConfig) SweepEvery() time.Duration {
	return parseDuration(r.SweepInterval, time.Hour)
}

// MemoryLimitBytes 返回内存上限的字节数（0 = 不限制）
func (r RunnerConfig) MemoryLimitBytes() int64 {
	return r.MemoryLimitMB * 1024 * 1024
}

// validate 填充流配置默认值
func (s *StreamConfig) validate() {
	if s.ChannelCapacity <= 0 {
		s.ChannelCapacity = 100
	}
	if s.IdleWindow == "" {
		s.IdleWindow = "30m"
	}
	if s.HeartbeatInterval == "" {
		s.HeartbeatInterval = "15s"
	}
}

// IdleEvictWindow 返回解析后的空闲通道回收窗口
func (s StreamConfig) IdleEvictWindow() time.Duration {
	return parseDuration(s.IdleWindow, 30*time.Minute)
}

// Heartbeat 返回解析后的心跳间隔
func (s StreamConfig) Heartbeat() time.Duration {
	return parseDuration(s.HeartbeatInterval, 15*time.Second)
}

// TokenDuration 返回解析后的令牌有效期
func (a AuthConfig) TokenDuration() time.Duration {
	return parseDuration(a.TokenTTL, 24*time.Hour)
}
