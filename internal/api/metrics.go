// Package api Prometheus 指标导出
package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 API 层指标
//
// promauto 注册到默认 Registry，重复注册会 panic，
// 因此只在 main 中构造一次；测试直接使用 nil，记录方法对 nil 安全。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 流式输出指标
	StreamConnectionsActive *prometheus.GaugeVec
	StreamMessagesTotal     *prometheus.CounterVec

	// 上传指标
	UploadsTotal *prometheus.CounterVec
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		StreamConnectionsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stream_connections_active",
				Help:      "Active output stream connections",
			},
			[]string{"transport"},
		),
		StreamMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_messages_total",
				Help:      "Total messages delivered over output streams",
			},
			[]string{"transport"},
		),
		UploadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_uploads_total",
				Help:      "Total task archive uploads",
			},
			[]string{"status"},
		),
	}
}

// MetricsMiddleware 创建 HTTP 指标中间件
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层写入器，SSE 端点经过本中间件时仍可逐条推送
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath 规范化路径，将 ID 替换为占位符
func normalizePath(path string) string {
	// 简单的路径规范化，避免高基数
	// 例如 /api/v1/runs/task-123/run-456/output -> /api/v1/runs/{task_id}/{run_id}/output
	switch {
	case strings.HasPrefix(path, "/api/v1/runs/"):
		rest := strings.TrimPrefix(path, "/api/v1/runs/")
		parts := strings.Split(rest, "/")
		switch len(parts) {
		case 2:
			return "/api/v1/runs/{task_id}/{run_id}"
		case 3:
			return "/api/v1/runs/{task_id}/{run_id}/" + parts[2]
		}
		return path
	case strings.HasPrefix(path, "/api/v1/tasks/") && strings.HasSuffix(path, "/active"):
		return "/api/v1/tasks/{task_name}/active"
	default:
		return path
	}
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// StreamOpened 流式连接建立
func (m *Metrics) StreamOpened(transport string) {
	if m == nil {
		return
	}
	m.StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// StreamClosed 流式连接关闭
func (m *Metrics) StreamClosed(transport string) {
	if m == nil {
		return
	}
	m.StreamConnectionsActive.WithLabelValues(transport).Dec()
}

// RecordStreamMessage 记录一条经流式端点送出的消息
func (m *Metrics) RecordStreamMessage(transport string) {
	if m == nil {
		return
	}
	m.StreamMessagesTotal.WithLabelValues(transport).Inc()
}

// RecordUpload 记录一次上传结果
func (m *Metrics) RecordUpload(status string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(status).Inc()
}
