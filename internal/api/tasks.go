// Package api 任务管理接口
package api

import (
	"archive/zip"
	"bytes"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"taskbench/internal/archive"
	"taskbench/internal/auth"
	"taskbench/internal/objstore"
)

// taskNameRe 任务名的合法形态：字母数字开头，后续允许 _ . -
var taskNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ============================================================================
// 响应结构体
// ============================================================================

// UploadTaskResponse 上传任务归档的响应体
type UploadTaskResponse struct {
	Success     bool      `json:"success"`      // 校验与上传是否成功
	Message     string    `json:"message"`      // 人类可读的结果说明
	TaskName    string    `json:"task_name"`    // 任务名
	Flavor      string    `json:"flavor"`       // 容器化方式（dockerfile / compose）
	Files       []string  `json:"files"`        // 归档内的文件清单
	StoragePath string    `json:"storage_path"` // 对象存储 key，提交执行时回传
	FileSize    int64     `json:"file_size"`    // 归档字节数
	UploadedAt  time.Time `json:"uploaded_at"`  // 上传时间
}

// ============================================================================
// Task 接口处理函数
// ============================================================================

// UploadTask 上传并校验任务归档
//
// 路由: POST /api/v1/tasks/upload
//
// 请求: multipart/form-data
//   - file: 任务目录的 zip 归档（必填）
//   - task_name: 任务名（可选，默认取文件名去掉 .zip）
//   - owner: 属主（认证关闭时必填；开启时取自令牌）
//
// 响应:
//   - 200 OK: 返回 UploadTaskResponse
//   - 400 Bad Request: 非 zip 文件 / 结构校验失败 / 缺少属主
//   - 413 Request Entity Too Large: 超出上传大小限制
//   - 503 Service Unavailable: 对象存储未配置
//
// 业务逻辑：
//  1. 归档在内存中完成 zip 解析与结构校验，不落盘
//  2. 校验通过后写入对象存储，返回 storage_path
//  3. storage_path 是后续 POST /api/v1/runs 的输入
func (h *Handler) UploadTask(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.metrics.RecordUpload("rejected")
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed multipart body")
		return
	}

	owner := auth.RequestOwner(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		h.metrics.RecordUpload("rejected")
		writeError(w, http.StatusBadRequest, "file must be a zip archive")
		return
	}

	taskName := strings.TrimSpace(r.FormValue("task_name"))
	if taskName == "" {
		taskName = strings.TrimSuffix(header.Filename, ".zip")
		taskName = strings.TrimSuffix(taskName, ".ZIP")
	}
	if !taskNameRe.MatchString(taskName) {
		writeError(w, http.StatusBadRequest, "invalid task name")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.metrics.RecordUpload("rejected")
		writeError(w, http.StatusRequestEntityTooLarge, "failed to read upload")
		return
	}
	if len(data) == 0 {
		h.metrics.RecordUpload("rejected")
		writeError(w, http.StatusBadRequest, "uploaded file is empty")
		return
	}

	// zip 解析 + 结构校验全部在内存中完成
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		h.metrics.RecordUpload("rejected")
		writeError(w, http.StatusBadRequest, "uploaded file is not a valid zip archive")
		return
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	layout, err := archive.ValidateNames(names)
	if err != nil {
		h.metrics.RecordUpload("rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := objstore.TaskArchiveKey(owner, taskName, generateID("up"))
	if err := h.objects.Upload(r.Context(), key, bytes.NewReader(data), int64(len(data)), "application/zip"); err != nil {
		log.Printf("[api] upload to object storage failed: %v", err)
		h.metrics.RecordUpload("error")
		writeError(w, http.StatusInternalServerError, "failed to upload to storage")
		return
	}

	h.metrics.RecordUpload("ok")
	writeJSON(w, http.StatusOK, UploadTaskResponse{
		Success:     true,
		Message:     "Task uploaded and validated successfully",
		TaskName:    taskName,
		Flavor:      string(layout.Flavor),
		Files:       layout.Files,
		StoragePath: key,
		FileSize:    int64(len(data)),
		UploadedAt:  time.Now().UTC(),
	})
}

// GetActiveTaskRun 查询任务当前的活跃运行
//
// 路由: GET /api/v1/tasks/{task_name}/active
//
// 路径参数:
//   - task_name: 任务名
//
// 查询参数:
//   - owner: 属主（认证关闭时必填）
//
// 响应:
//   - 200 OK: {"owner", "task_name", "run_id"}
//   - 404 Not Found: 无活跃运行
//
// 登记表是后写覆盖的标记：并发提交时只反映最近一次。
func (h *Handler) GetActiveTaskRun(w http.ResponseWriter, r *http.Request) {
	taskName := r.PathValue("task_name")
	owner := auth.RequestOwner(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	runID, err := h.registry.GetActiveRun(r.Context(), owner, taskName)
	if err != nil {
		log.Printf("[api] active run lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to query active run")
		return
	}
	if runID == "" {
		writeError(w, http.StatusNotFound, "no active run for task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":     owner,
		"task_name": taskName,
		"run_id":    runID,
	})
}
