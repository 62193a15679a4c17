package storage

import (
	"testing"

	"taskbench/internal/model"
)

func TestDefaultRetention_OutputNoise(t *testing.T) {
	r := NewDefaultRetention()

	tests := []struct {
		content string
		persist bool
	}{
		// 镜像构建噪音
		{"Step 3/7 : RUN pip install -r requirements.txt", false},
		{"---> Using cache", false},
		{" ---> a1b2c3d4e5f6", false},
		{"Sending build context to Docker daemon  2.048kB", false},
		{"Successfully built a1b2c3d4e5f6", false},
		{"Successfully tagged taskbench-run:abc123", false},
		// apt 噪音
		{"Get:1 http://deb.debian.org/debian bookworm InRelease [151 kB]", false},
		{"Hit:2 http://deb.debian.org/debian bookworm-updates InRelease", false},
		{"Fetched 151 kB in 1s (190 kB/s)", false},
		{"Reading package lists... Done", false},
		{"Building dependency tree... Done", false},
		{"Unpacking curl (7.88.1-10+deb12u5) ...", false},
		{"Setting up curl (7.88.1-10+deb12u5) ...", false},
		// pip 噪音
		{"Collecting requests", false},
		{"Downloading requests-2.31.0-py3-none-any.whl (62 kB)", false},
		{"Installing collected packages: requests", false},
		{"Requirement already satisfied: pip in /usr/local/lib", false},
		// 真实输出保留
		{"test_outputs.py::test_result PASSED", true},
		{"Traceback (most recent call last):", true},
		{"FAILED tests/test_outputs.py::test_missing", true},
		{"hello world", true},
		{"", true},
		// 前缀必须在行首，出现在中间不算噪音
		{"note: Step 1 of the pipeline finished", true},
	}

	for _, tt := range tests {
		msg := model.Message{Type: model.KindOutput, Content: tt.content}
		if got := r.Persist(msg); got != tt.persist {
			t.Errorf("Persist(%q) = %v, want %v", tt.content, got, tt.persist)
		}
	}
}

func TestDefaultRetention_NonOutputAlwaysPersists(t *testing.T) {
	r := NewDefaultRetention()

	// 即使内容命中噪音模式，非 output 消息也一律持久化
	for _, kind := range []model.MessageKind{model.KindStatus, model.KindError, model.KindComplete} {
		msg := model.Message{Type: kind, Content: "Step 1/5 : FROM python"}
		if !r.Persist(msg) {
			t.Errorf("kind %s should always persist", kind)
		}
	}
}

func TestRetentionFunc(t *testing.T) {
	// 自定义策略：丢掉所有 output，只留状态类消息
	r := RetentionFunc(func(msg model.Message) bool {
		return msg.Type != model.KindOutput
	})

	if r.Persist(model.Message{Type: model.KindOutput, Content: "x"}) {
		t.Error("custom retention should drop output")
	}
	if !r.Persist(model.Message{Type: model.KindStatus, Content: "x"}) {
		t.Error("custom retention should keep status")
	}
}
