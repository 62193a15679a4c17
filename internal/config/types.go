// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件中（YAML 中不存储任何密码）。
//	.env 文件同时被 Docker Compose（--env-file）、Go 应用（godotenv）、
//	systemd（EnvironmentFile=）共用，确保单一数据源。
//
// 配置路径确定策略：
//  1. --config 命令行参数（显式路径）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/taskbench/
//     - dev/test → ./configs/
//
// 环境：
//   - 开发: APP_ENV=dev → configs/dev.yaml + .env.dev
//   - 测试: APP_ENV=test → configs/test.yaml + .env.test
//   - 生产: APP_ENV=prod → /etc/taskbench/prod.yaml + prod.env
package config

import "fmt"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`   // HTTP 服务（端口）
	Database DatabaseConfig `yaml:"database"` // 运行历史数据库
	Redis    RedisConfig    `yaml:"redis"`    // Redis（回放缓冲 + 运行标记）
	Etcd     EtcdConfig     `yaml:"etcd"`     // etcd（运行标记，可选后端）
	MinIO    MinIOConfig    `yaml:"minio"`    // MinIO 对象存储（任务压缩包）
	Runner   RunnerConfig   `yaml:"runner"`   // 任务执行器
	Stream   StreamConfig   `yaml:"stream"`   // 实时输出分发
	Auth     AuthConfig     `yaml:"auth"`     // 认证
}

type ServerConfig struct {
	Port string `yaml:"port"` // 监听端口
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite", "postgres", or "mongodb"（默认 sqlite）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从环境变量读取（DB_PASSWORD / MONGO_ROOT_PASSWORD）
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	URI      string `yaml:"uri"` // MongoDB 连接 URI（优先于 host/port，如 mongodb://localhost:27017）
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// Addr 返回 host:port 形式的连接地址
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EtcdConfig etcd 运行标记后端配置
// 默认关闭，关闭时运行标记落在 Redis 上
type EtcdConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`  // 是否使用 HTTPS
	Bucket    string `yaml:"bucket"`   // 默认 bucket 名称
}

// RunnerConfig 任务执行器配置
//
// 时间类字段使用 Go duration 字符串（如 "5s"、"1h"），
// 由 validate 阶段解析，非法值回退到默认值。
type RunnerConfig struct {
	StagingDir      string  `yaml:"staging_dir"`       // 解压暂存目录（空则使用系统临时目录）
	LogDrainTimeout string  `yaml:"log_drain_timeout"` // 容器退出后日志消费宽限期（默认 "5s"）
	CPULimit        float64 `yaml:"cpu_limit"`         // 每容器 CPU 核数上限（0 = 不限制）
	MemoryLimitMB   int64   `yaml:"memory_limit_mb"`   // 每容器内存上限 MB（0 = 不限制）
	SweepInterval   string  `yaml:"sweep_interval"`    // 过期缓冲清理周期（默认 "1h"）
}

// StreamConfig 实时输出分发配置
type StreamConfig struct {
	ChannelCapacity   int    `yaml:"channel_capacity"`   // 每 owner 实时通道容量（默认 100）
	IdleWindow        string `yaml:"idle_window"`        // 空闲通道回收窗口（默认 "30m"）
	HeartbeatInterval string `yaml:"heartbeat_interval"` // SSE/WS 心跳间隔（默认 "15s"）
}

// AuthConfig 认证配置
// 注意：JWTSecret/AdminUser/AdminPassword 只从环境变量读取，不存储在 YAML 中
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`   // 关闭时 owner 从请求头/查询参数读取
	TokenTTL      string `yaml:"token_ttl"` // 例如 "24h"
	JWTSecret     string `yaml:"-"`         // 只从 JWT_SECRET 环境变量读取
	AdminUser     string `yaml:"-"`         // 只从 ADMIN_USER 环境变量读取
	AdminPassword string `yaml:"-"`         // 只从 ADMIN_PASSWORD 环境变量读取
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "sqlite", "postgres", or "mongodb"
	DatabaseURL    string
	DatabaseDBName string // MongoDB 数据库名称
	RedisURL       string
	APIPort        string
	Redis          RedisConfig  // Redis 连接参数（host/port/db/password）
	Etcd           EtcdConfig   // etcd 运行标记后端
	MinIO          MinIOConfig  // MinIO 对象存储配置
	Runner         RunnerConfig // 任务执行器配置
	Stream         StreamConfig // 实时输出分发配置
	Auth           AuthConfig   // 认证配置
	ConfigFilePath string       // 实际加载的配置文件路径（用于配置管理 API）
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
