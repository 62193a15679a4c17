// Package api 路由配置
//
// 本文件定义 HTTP API 路由，将请求分发到对应的处理函数。
package api

import (
	"net/http"

	"taskbench/internal/auth"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//   - GET /metrics - Prometheus 指标
//
// API 文档:
//   - GET /api/docs - 交互式文档页面
//   - GET /api/openapi.yaml - OpenAPI 契约
//
// 任务管理 (Task):
//   - POST /api/v1/tasks/upload - 上传并校验任务归档
//   - GET  /api/v1/tasks/{task_name}/active - 查询任务当前活跃运行
//
// 执行管理 (Run):
//   - POST /api/v1/runs - 提交执行（归档取自对象存储）
//   - GET  /api/v1/runs?owner= - 按属主列出历史运行
//   - GET  /api/v1/runs/{task_id}/{run_id} - 获取历史记录
//   - GET  /api/v1/runs/{task_id}/{run_id}/output?since_seq= - 回放输出
//   - GET  /api/v1/runs/{task_id}/{run_id}/status - 缓冲区元数据
//
// 管理:
//   - POST /api/v1/admin/cleanup - 清扫过期缓冲条目
//
// 流式输出:
//   - GET /api/v1/stream?task_id&run_id&since_seq - SSE 回放 + 实时尾随
//   - GET /ws/stream?task_id&run_id&since_seq - WebSocket 回放 + 实时尾随
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// API 文档
	mux.HandleFunc("GET /api/docs", h.Docs)
	mux.HandleFunc("GET /api/openapi.yaml", h.OpenAPISpec)

	// Task 接口
	mux.HandleFunc("POST /api/v1/tasks/upload", h.UploadTask)
	mux.HandleFunc("GET /api/v1/tasks/{task_name}/active", h.GetActiveTaskRun)

	// Run 接口
	mux.HandleFunc("POST /api/v1/runs", h.SubmitRun)
	mux.HandleFunc("GET /api/v1/runs", h.ListRuns)
	mux.HandleFunc("GET /api/v1/runs/{task_id}/{run_id}", h.GetRun)
	mux.HandleFunc("GET /api/v1/runs/{task_id}/{run_id}/output", h.GetRunOutput)
	mux.HandleFunc("GET /api/v1/runs/{task_id}/{run_id}/status", h.GetRunStatus)

	// 管理接口
	mux.HandleFunc("POST /api/v1/admin/cleanup", auth.AdminOnly(h.authCfg, h.AdminCleanup))

	// SSE 输出流
	mux.HandleFunc("GET /api/v1/stream", h.StreamOutput)

	// 应用认证与指标中间件到 REST API
	apiHandler := h.metrics.MetricsMiddleware(auth.Middleware(h.authCfg)(mux))

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(apiHandler)

	// 创建顶层路由，WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/stream", h.gateway.HandleWebSocket)
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
