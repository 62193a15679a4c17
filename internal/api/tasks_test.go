// Package api Task 接口测试
package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// zipBytes 在内存中构建一个 zip 归档
func zipBytes(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := f.Write([]byte("content of " + name)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// validTaskZip 合法的 Dockerfile 形态归档
func validTaskZip(t *testing.T) []byte {
	t.Helper()
	return zipBytes(t,
		"demo/task.yaml",
		"demo/solution.sh",
		"demo/tests/test_outputs.py",
		"demo/Dockerfile",
	)
}

// uploadRequest 构建 multipart 上传请求
func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField %s: %v", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}

	req := httptest.NewRequest("POST", "/api/v1/tasks/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// doUpload 发送上传请求并解析响应
func doUpload(t *testing.T, handler http.Handler, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, resp
}

// ============================================================================
// 上传接口测试
// ============================================================================

// TestUploadTask 测试合法归档的上传链路
func TestUploadTask(t *testing.T) {
	env := newTestEnv(t)
	router := env.handler.Router()

	req := uploadRequest(t, "demo.zip", validTaskZip(t), map[string]string{"owner": "alice"})
	code, resp := doUpload(t, router, req)

	if code != http.StatusOK {
		t.Fatalf("Status = %d, want %d (resp: %v)", code, http.StatusOK, resp)
	}
	if resp["success"] != true {
		t.Errorf("success = %v, want true", resp["success"])
	}
	if resp["task_name"] != "demo" {
		t.Errorf("task_name = %v, want demo", resp["task_name"])
	}
	if resp["flavor"] != "dockerfile" {
		t.Errorf("flavor = %v, want dockerfile", resp["flavor"])
	}

	storagePath, _ := resp["storage_path"].(string)
	if !strings.HasPrefix(storagePath, "tasks/alice/demo-up-") || !strings.HasSuffix(storagePath, ".zip") {
		t.Errorf("storage_path = %v, want tasks/alice/demo-up-*.zip", storagePath)
	}

	files, _ := resp["files"].([]interface{})
	if len(files) != 4 {
		t.Errorf("files = %d entries, want 4", len(files))
	}

	// 归档落到了对象存储
	keys := env.objects.keys()
	if len(keys) != 1 || keys[0] != storagePath {
		t.Errorf("stored keys = %v, want [%s]", keys, storagePath)
	}
}

// TestUploadTaskNameFromFilename 测试任务名默认取文件名
func TestUploadTaskNameFromFilename(t *testing.T) {
	env := newTestEnv(t)
	router := env.handler.Router()

	req := uploadRequest(t, "mytask.zip", validTaskZip(t), map[string]string{"owner": "bob"})
	code, resp := doUpload(t, router, req)

	if code != http.StatusOK {
		t.Fatalf("Status = %d, want %d (resp: %v)", code, http.StatusOK, resp)
	}
	if resp["task_name"] != "mytask" {
		t.Errorf("task_name = %v, want mytask", resp["task_name"])
	}
}

// TestUploadTaskRejections 测试上传校验拒绝
func TestUploadTaskRejections(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		content    func(t *testing.T) []byte
		fields     map[string]string
		wantStatus int
		wantErr    string
	}{
		{
			name:       "缺少属主",
			filename:   "demo.zip",
			content:    validTaskZip,
			fields:     nil,
			wantStatus: http.StatusBadRequest,
			wantErr:    "owner is required",
		},
		{
			name:       "非 zip 扩展名",
			filename:   "demo.tar.gz",
			content:    validTaskZip,
			fields:     map[string]string{"owner": "alice"},
			wantStatus: http.StatusBadRequest,
			wantErr:    "must be a zip archive",
		},
		{
			name:     "非法任务名",
			filename: "demo.zip",
			content:  validTaskZip,
			fields: map[string]string{
				"owner":     "alice",
				"task_name": "../evil",
			},
			wantStatus: http.StatusBadRequest,
			wantErr:    "invalid task name",
		},
		{
			name:     "内容不是 zip",
			filename: "demo.zip",
			content: func(t *testing.T) []byte {
				return []byte("definitely not a zip archive")
			},
			fields:     map[string]string{"owner": "alice"},
			wantStatus: http.StatusBadRequest,
			wantErr:    "not a valid zip archive",
		},
		{
			name:     "结构缺少 Dockerfile",
			filename: "demo.zip",
			content: func(t *testing.T) []byte {
				return zipBytes(t,
					"demo/task.yaml",
					"demo/solution.sh",
					"demo/tests/test_outputs.py",
				)
			},
			fields:     map[string]string{"owner": "alice"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			router := env.handler.Router()

			req := uploadRequest(t, tt.filename, tt.content(t), tt.fields)
			code, resp := doUpload(t, router, req)

			if code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d (resp: %v)", code, tt.wantStatus, resp)
			}
			errMsg, _ := resp["error"].(string)
			if tt.wantErr != "" && !strings.Contains(errMsg, tt.wantErr) {
				t.Errorf("error = %q, want contains %q", errMsg, tt.wantErr)
			}
			if got := len(env.objects.keys()); got != 0 {
				t.Errorf("stored %d objects, want 0 after rejection", got)
			}
		})
	}
}

// TestUploadTaskStorageFailure 测试对象存储写入失败
func TestUploadTaskStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.objects.uploadErr = errors.New("storage down")
	router := env.handler.Router()

	req := uploadRequest(t, "demo.zip", validTaskZip(t), map[string]string{"owner": "alice"})
	code, _ := doUpload(t, router, req)

	if code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", code, http.StatusInternalServerError)
	}
}

// TestUploadTaskTooLarge 测试超限上传
func TestUploadTaskTooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.handler.maxUpload = 128
	router := env.handler.Router()

	req := uploadRequest(t, "demo.zip", validTaskZip(t), map[string]string{"owner": "alice"})
	code, _ := doUpload(t, router, req)

	if code != http.StatusRequestEntityTooLarge {
		t.Errorf("Status = %d, want %d", code, http.StatusRequestEntityTooLarge)
	}
}

// ============================================================================
// 活跃运行查询测试
// ============================================================================

// TestGetActiveTaskRun 测试任务活跃运行查询
func TestGetActiveTaskRun(t *testing.T) {
	env := newTestEnv(t)
	router := env.handler.Router()

	// 无活跃运行
	code, _ := doJSON(t, router, "GET", "/api/v1/tasks/demo/active?owner=alice", "")
	if code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d with no active run", code, http.StatusNotFound)
	}

	// 属主缺失
	code, _ = doJSON(t, router, "GET", "/api/v1/tasks/demo/active", "")
	if code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d without owner", code, http.StatusBadRequest)
	}

	if err := env.mem.SetActiveRun(context.Background(), "alice", "demo", "run-9"); err != nil {
		t.Fatalf("SetActiveRun: %v", err)
	}

	code, resp := doJSON(t, router, "GET", "/api/v1/tasks/demo/active?owner=alice", "")
	if code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", code, http.StatusOK)
	}
	if resp["run_id"] != "run-9" {
		t.Errorf("run_id = %v, want run-9", resp["run_id"])
	}
	if resp["owner"] != "alice" || resp["task_name"] != "demo" {
		t.Errorf("resp = %v, want owner alice task demo", resp)
	}
}
