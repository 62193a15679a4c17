// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	RunIDKey   ContextKey = "run_id"
	TaskIDKey  ContextKey = "task_id"
	OwnerKey   ContextKey = "owner"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{slog.String("component", l.component)}

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		attrs = append(attrs, slog.String("run_id", runID))
	}
	if taskID, ok := ctx.Value(TaskIDKey).(string); ok && taskID != "" {
		attrs = append(attrs, slog.String("task_id", taskID))
	}
	if owner, ok := ctx.Value(OwnerKey).(string); ok && owner != "" {
		attrs = append(attrs, slog.String("owner", owner))
	}

	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithRunID 添加 Run ID
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("run_id", runID)),
		component: l.component,
	}
}

// WithTaskID 添加 Task ID
func (l *Logger) WithTaskID(taskID string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("task_id", taskID)),
		component: l.component,
	}
}

// WithOwner 添加提交者身份
func (l *Logger) WithOwner(owner string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("owner", owner)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// HTTPRequestLog HTTP 请求日志
func (l *Logger) HTTPRequestLog(method, path string, status int, duration time.Duration, clientIP string) {
	l.Logger.Info("HTTP request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
		slog.String("client_ip", clientIP),
	)
}

// RunLog 执行事件日志
func (l *Logger) RunLog(action, runID, taskID string, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.String("run_id", runID),
		slog.String("task_id", taskID),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Run event", attrs...)
}

// CleanupLog 清理步骤日志：清理失败只记录，绝不升级为执行结果
func (l *Logger) CleanupLog(step, runID string, err error) {
	if err != nil {
		l.Logger.Warn("Cleanup step failed",
			slog.String("step", step),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		return
	}
	l.Logger.Debug("Cleanup step done",
		slog.String("step", step),
		slog.String("run_id", runID),
	)
}
