// Package api 提供 HTTP API 处理器
//
// 本包实现任务执行系统的 RESTful API 与流式输出分发，包括：
//   - 任务归档上传与校验
//   - 执行提交与运行状态查询
//   - 回放缓冲区读取（断线重连补读）
//   - SSE / WebSocket 实时输出流
//
// 文件组织：
//   - common.go: 通用工具函数和 Handler 定义
//   - handler.go: 路由配置
//   - metrics.go: Prometheus 指标
//   - tasks.go: 上传与活跃运行查询接口
//   - runs.go: 执行提交、输出回放、历史记录接口
//   - stream.go: SSE 输出流
//   - websocket.go: WebSocket 输出流网关
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"taskbench/internal/auth"
	"taskbench/internal/history"
	"taskbench/internal/live"
	"taskbench/internal/model"
	"taskbench/internal/orchestrator"
	"taskbench/internal/storage"
)

const (
	// DefaultHeartbeat SSE/WS 空闲心跳间隔
	DefaultHeartbeat = 15 * time.Second

	// DefaultMaxUpload 上传大小上限
	DefaultMaxUpload = 100 << 20
)

// RunLauncher 执行提交入口
type RunLauncher interface {
	Execute(ctx context.Context, req orchestrator.ExecuteRequest) (*orchestrator.ExecuteResult, error)
}

var _ RunLauncher = (*orchestrator.Orchestrator)(nil)

// ObjectStore 任务归档存储
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	FetchToFile(ctx context.Context, key, destPath string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 路由请求到对应的处理函数
//   - 协调编排器、缓冲区与流式网关
type Handler struct {
	launcher  RunLauncher          // 任务编排器
	buffer    storage.ReplayBuffer // 回放缓冲区
	registry  storage.RunRegistry  // 运行登记表
	live      *live.Registry       // 实时通道注册表
	history   history.Store        // 运行历史，可为 nil
	objects   ObjectStore          // 任务归档对象存储，可为 nil
	authCfg   auth.Config          // 认证配置
	metrics   *Metrics             // Prometheus 指标
	gateway   *StreamGateway       // WebSocket 输出流网关
	heartbeat time.Duration        // SSE/WS 心跳间隔
	maxUpload int64                // 上传大小上限（字节）
}

// Deps Handler 的协作组件
//
// History 和 Objects 允许为 nil：对应端点返回 503。
// Metrics 允许为 nil：跳过指标记录（测试常用）。
type Deps struct {
	Launcher  RunLauncher
	Buffer    storage.ReplayBuffer
	Registry  storage.RunRegistry
	Live      *live.Registry
	History   history.Store
	Objects   ObjectStore
	Auth      auth.Config
	Metrics   *Metrics
	Heartbeat time.Duration // <= 0 时使用 DefaultHeartbeat
	MaxUpload int64         // <= 0 时使用 DefaultMaxUpload
}

// NewHandler 创建 Handler 实例
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		launcher:  deps.Launcher,
		buffer:    deps.Buffer,
		registry:  deps.Registry,
		live:      deps.Live,
		history:   deps.History,
		objects:   deps.Objects,
		authCfg:   deps.Auth,
		metrics:   deps.Metrics,
		heartbeat: deps.Heartbeat,
		maxUpload: deps.MaxUpload,
	}
	if h.heartbeat <= 0 {
		h.heartbeat = DefaultHeartbeat
	}
	if h.maxUpload <= 0 {
		h.maxUpload = DefaultMaxUpload
	}
	h.gateway = NewStreamGateway(deps.Buffer, deps.Live, deps.Metrics)
	return h
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusForError 将领域错误映射为 HTTP 状态码
func statusForError(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsResourceUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// generateID 生成带前缀的唯一标识符
//
// 使用加密安全的随机数生成 6 字节（12 个十六进制字符）的 ID，
// 格式为：prefix-xxxxxxxxxxxx
func generateID(prefix string) string {
	b := make([]byte, 6)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 用于负载均衡器和监控系统检查服务状态。
// 返回 {"status": "ok"} 表示服务正常运行。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
