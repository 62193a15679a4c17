// Package orchestrator Prometheus 指标导出
package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 包含所有执行管线指标
//
// 进程内只能构造一次（promauto 重复注册会 panic），由 main 创建后
// 注入编排器；测试传 nil 即可，记录方法对 nil 接收者安全。
type Metrics struct {
	RunsStarted     prometheus.Counter       // 提交的 Run 总数
	RunsCompleted   *prometheus.CounterVec   // 按终态统计的完成数
	RunDuration     *prometheus.HistogramVec // 按终态统计的执行时长
	MessagesEmitted *prometheus.CounterVec   // 按类型统计的消息发射数
}

// NewMetrics 创建执行管线指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total runs submitted",
			},
		),
		RunsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total runs finished by terminal state",
			},
			[]string{"state"},
		),
		RunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run execution duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"state"},
		),
		MessagesEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_emitted_total",
				Help:      "Total messages emitted by kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordRunStarted 记录一次提交
func (m *Metrics) RecordRunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}

// RecordRunCompleted 记录一次完成
func (m *Metrics) RecordRunCompleted(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsCompleted.WithLabelValues(state).Inc()
	m.RunDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordMessage 记录一条消息发射
func (m *Metrics) RecordMessage(kind string) {
	if m == nil {
		return
	}
	m.MessagesEmitted.WithLabelValues(kind).Inc()
}
