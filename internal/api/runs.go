// Package api 执行管理接口
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"taskbench/internal/auth"
	"taskbench/internal/orchestrator"
)

// ============================================================================
// 请求/响应结构体
// ============================================================================

// SubmitRunRequest 提交执行的请求体
//
// 字段说明：
//   - StoragePath: 对象存储中的归档 key（上传接口返回的 storage_path）
//   - TaskName: 任务名
//   - Owner: 属主（认证关闭时必填；开启时取自令牌）
type SubmitRunRequest struct {
	StoragePath string `json:"storage_path"`    // 归档的对象存储 key
	TaskName    string `json:"task_name"`       // 任务名
	Owner       string `json:"owner,omitempty"` // 属主
}

// SubmitRunResponse 提交执行的响应体
type SubmitRunResponse struct {
	Status    string `json:"status"`     // 固定为 "started"
	RunID     string `json:"run_id"`     // 本次执行的 ID
	TaskID    string `json:"task_id"`    // 任务 ID
	Owner     string `json:"owner"`      // 属主
	StreamURL string `json:"stream_url"` // SSE 输出流地址
}

// CleanupRequest 清扫请求体
type CleanupRequest struct {
	MaxAge string `json:"max_age,omitempty"` // 形如 "24h"，默认 24h
}

// ============================================================================
// Run 接口处理函数
// ============================================================================

// SubmitRun 提交一次执行
//
// 路由: POST /api/v1/runs
//
// 请求体:
//
//	{"storage_path": "tasks/alice/demo-up-xxx.zip", "task_name": "demo"}
//
// 响应:
//   - 200 OK: 返回 SubmitRunResponse，执行异步推进
//   - 400 Bad Request: 请求体缺字段 / 校验失败
//   - 404 Not Found: storage_path 在对象存储中不存在
//   - 503 Service Unavailable: 对象存储未配置 / 容器运行时不可达
//
// 业务逻辑：
//  1. 从对象存储取回归档到本地临时文件
//  2. 提交给编排器，归档文件的清理由编排器接管
//  3. 立即返回 run_id/task_id/stream_url，输出经由流式端点分发
func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage not configured")
		return
	}

	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StoragePath == "" {
		writeError(w, http.StatusBadRequest, "storage_path is required")
		return
	}
	if req.TaskName == "" {
		writeError(w, http.StatusBadRequest, "task_name is required")
		return
	}

	owner := auth.OwnerFrom(r.Context())
	if owner == "" {
		owner = req.Owner
	}
	if owner == "" {
		owner = r.URL.Query().Get("owner")
	}
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	exists, err := h.objects.Exists(r.Context(), req.StoragePath)
	if err != nil {
		log.Printf("[api] object storage check failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, "object storage unavailable")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "task archive not found in storage")
		return
	}

	tmp, err := os.CreateTemp("", "task_archive_*.zip")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create temp file")
		return
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := h.objects.FetchToFile(r.Context(), req.StoragePath, tmpPath); err != nil {
		log.Printf("[api] fetch archive failed: %v", err)
		os.Remove(tmpPath)
		writeError(w, http.StatusInternalServerError, "failed to fetch archive from storage")
		return
	}

	// 归档文件从这里起归编排器所有，终态清理时删除
	res, err := h.launcher.Execute(r.Context(), orchestrator.ExecuteRequest{
		TaskName:    req.TaskName,
		Owner:       owner,
		ArchivePath: tmpPath,
	})
	if err != nil {
		os.Remove(tmpPath)
		writeError(w, statusForError(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SubmitRunResponse{
		Status:    "started",
		RunID:     res.RunID,
		TaskID:    res.TaskID,
		Owner:     owner,
		StreamURL: res.StreamPath,
	})
}

// GetRunOutput 回放一次执行的已持久化输出
//
// 路由: GET /api/v1/runs/{task_id}/{run_id}/output
//
// 查询参数:
//   - since_seq: 只返回序号大于该值的消息（断线重连补读），默认 0 返回全量
//
// 响应:
//
//	{
//	  "task_id": "...", "run_id": "...",
//	  "messages": [...], "count": 9,
//	  "is_complete": true, "final_status": "success"
//	}
//
// 错误响应:
//   - 404 Not Found: 该执行从未写入过缓冲区（或已过期清除）
//
// 保留过滤会使序号出现空洞；返回的永远是全量持久化流的一个后缀。
func (h *Handler) GetRunOutput(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	runID := r.PathValue("run_id")
	sinceSeq, _ := strconv.Atoi(r.URL.Query().Get("since_seq"))

	meta, err := h.buffer.GetMetadata(r.Context(), taskID, runID)
	if err != nil {
		log.Printf("[api] buffer metadata read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read replay buffer")
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	msgs, err := h.buffer.GetSince(r.Context(), taskID, runID, sinceSeq)
	if err != nil {
		log.Printf("[api] buffer read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read replay buffer")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id":      taskID,
		"run_id":       runID,
		"messages":     msgs,
		"count":        len(msgs),
		"is_complete":  meta.IsComplete,
		"final_status": meta.FinalStatus,
	})
}

// GetRunStatus 查询一次执行的缓冲区元数据
//
// 路由: GET /api/v1/runs/{task_id}/{run_id}/status
//
// 响应:
//   - 200 OK: 返回 BufferMeta（message_count / is_complete / final_status 等）
//   - 404 Not Found: 该执行从未写入过缓冲区
func (h *Handler) GetRunStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	runID := r.PathValue("run_id")

	meta, err := h.buffer.GetMetadata(r.Context(), taskID, runID)
	if err != nil {
		log.Printf("[api] buffer metadata read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read replay buffer")
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// ListRuns 按属主列出历史运行
//
// 路由: GET /api/v1/runs
//
// 查询参数:
//   - owner: 属主（认证关闭时必填）
//   - limit: 返回数量上限，默认 100
//
// 响应:
//
//	{"runs": [...], "count": 5}
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}

	owner := auth.RequestOwner(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := h.history.ListRunsByOwner(r.Context(), owner, limit)
	if err != nil {
		log.Printf("[api] history list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// GetRun 获取单次执行的历史记录
//
// 路由: GET /api/v1/runs/{task_id}/{run_id}
//
// 响应:
//   - 200 OK: 返回 Run 对象
//   - 404 Not Found: 记录不存在或 task_id 不匹配
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}

	taskID := r.PathValue("task_id")
	runID := r.PathValue("run_id")

	run, err := h.history.GetRun(r.Context(), runID)
	if err != nil {
		log.Printf("[api] history read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil || run.TaskID != taskID {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// AdminCleanup 清扫过期的缓冲区条目
//
// 路由: POST /api/v1/admin/cleanup
//
// 请求体（可选）:
//
//	{"max_age": "24h"}
//
// 响应:
//
//	{"swept": 3, "max_age": "24h"}
//
// TTL 是正常的过期路径，本接口是运维兜底。
func (h *Handler) AdminCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := 24 * time.Hour

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid max_age")
			return
		}
		maxAge = d
	}

	swept, err := h.buffer.Sweep(r.Context(), maxAge)
	if err != nil {
		log.Printf("[api] sweep failed: %v", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"swept":   swept,
		"max_age": maxAge.String(),
	})
}
