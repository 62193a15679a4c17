// Package storage 持久化保留策略
package storage

import (
	"strings"

	"taskbench/internal/model"
)

// Retention 决定一条消息是否写入回放缓冲区
//
// 只影响持久化，不影响实时通道：实时订阅者永远收到完整流。
// 做成接口是为了让策略独立演进，编排器和缓冲区都不感知规则细节。
type Retention interface {
	// Persist 返回 true 表示该消息应当持久化
	Persist(msg model.Message) bool
}

// DefaultRetention 默认保留策略
//
// status/error/complete 永远保留；output 默认保留，但镜像构建期的
// 包管理/下载类噪音会被丢弃。这类行往往占输出的绝大多数，对任务
// 本身没有诊断价值，而任务执行期的输出恰恰是消费者需要补读的。
type DefaultRetention struct {
	noisePrefixes []string
	noiseMarkers  []string
}

var _ Retention = (*DefaultRetention)(nil)

// NewDefaultRetention 创建默认保留策略
func NewDefaultRetention() *DefaultRetention {
	return &DefaultRetention{
		// 行首匹配：docker build 与常见包管理器的进度行
		noisePrefixes: []string{
			"Step ",
			"---> ",
			" ---> ",
			"Sending build context",
			"Successfully built",
			"Successfully tagged",
			"Get:",
			"Hit:",
			"Fetched ",
			"Unpacking ",
			"Setting up ",
			"Preparing to unpack",
			"Selecting previously unselected package",
			"Collecting ",
			"Downloading ",
			"Installing collected packages",
			"Requirement already satisfied",
		},
		// 任意位置匹配
		noiseMarkers: []string{
			"Reading package lists",
			"Building dependency tree",
			"Reading state information",
		},
	}
}

// Persist 实现 Retention
func (r *DefaultRetention) Persist(msg model.Message) bool {
	if msg.Type != model.KindOutput {
		return true
	}

	line := msg.Content
	for _, p := range r.noisePrefixes {
		if strings.HasPrefix(line, p) {
			return false
		}
	}
	for _, m := range r.noiseMarkers {
		if strings.Contains(line, m) {
			return false
		}
	}
	return true
}

// RetentionFunc 函数式 Retention 适配器
type RetentionFunc func(msg model.Message) bool

// Persist 实现 Retention
func (f RetentionFunc) Persist(msg model.Message) bool {
	return f(msg)
}
