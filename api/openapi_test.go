// Package api 嵌入资产测试
//
// 契约文档随二进制嵌入，这里校验两件事：
//   - 文档本身是合法的 OpenAPI 3
//   - 路由注册与文档保持同步（新增接口忘了补文档会在这里失败）
package api

import (
	"context"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
)

// loadSpec 加载并校验嵌入的契约文档
func loadSpec(t *testing.T) *openapi3.T {
	t.Helper()

	data, err := OpenAPIFS.ReadFile("openapi/openapi.yaml")
	if err != nil {
		t.Fatalf("ReadFile(openapi/openapi.yaml) error: %v", err)
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		t.Fatalf("LoadFromData() error: %v", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	return doc
}

func TestOpenAPISpecValid(t *testing.T) {
	doc := loadSpec(t)

	if doc.Info.Title != "TaskBench API" {
		t.Errorf("Info.Title = %q, want %q", doc.Info.Title, "TaskBench API")
	}
	if doc.Info.Version == "" {
		t.Error("Info.Version is empty")
	}
}

func TestOpenAPISpecCoversRoutes(t *testing.T) {
	doc := loadSpec(t)

	// 与 internal/api.Handler.Router 的注册表对应
	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/api/docs"},
		{"GET", "/api/openapi.yaml"},
		{"POST", "/api/v1/tasks/upload"},
		{"GET", "/api/v1/tasks/{task_name}/active"},
		{"POST", "/api/v1/runs"},
		{"GET", "/api/v1/runs"},
		{"GET", "/api/v1/runs/{task_id}/{run_id}"},
		{"GET", "/api/v1/runs/{task_id}/{run_id}/output"},
		{"GET", "/api/v1/runs/{task_id}/{run_id}/status"},
		{"POST", "/api/v1/admin/cleanup"},
		{"GET", "/api/v1/stream"},
		{"GET", "/ws/stream"},
	}

	for _, rt := range routes {
		item := doc.Paths.Find(rt.path)
		if item == nil {
			t.Errorf("Paths.Find(%q) = nil, want path item", rt.path)
			continue
		}
		if item.GetOperation(rt.method) == nil {
			t.Errorf("spec has no operation for %s %s", rt.method, rt.path)
		}
	}
}

func TestOpenAPISpecMessageSchema(t *testing.T) {
	doc := loadSpec(t)

	if doc.Components == nil {
		t.Fatal("Components missing")
	}
	msg, ok := doc.Components.Schemas["Message"]
	if !ok || msg.Value == nil {
		t.Fatal("Components.Schemas[Message] missing")
	}

	// 线协议字段是驼峰，与 model.Message 的 json tag 保持一致
	for _, field := range []string{"type", "content", "taskId", "runId", "seq", "timestamp", "isError"} {
		if _, ok := msg.Value.Properties[field]; !ok {
			t.Errorf("Message schema missing property %q", field)
		}
	}
}

func TestDocsPageEmbedded(t *testing.T) {
	data, err := DocsFS.ReadFile("docs/index.html")
	if err != nil {
		t.Fatalf("ReadFile(docs/index.html) error: %v", err)
	}

	page := string(data)
	if !strings.Contains(page, `spec-url="/api/openapi.yaml"`) {
		t.Error("docs page does not reference /api/openapi.yaml")
	}
}
