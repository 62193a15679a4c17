// Package api SSE 输出流
//
// 回放 + 尾随的单向流：先把回放缓冲区里已持久化的消息补发给客户端，
// 再尾随实时通道推送后续消息。断线重连时客户端带上最后收到的序号
// （Last-Event-ID 或 since_seq），重放从该序号之后继续。
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"taskbench/internal/auth"
	"taskbench/internal/model"
)

// StreamOutput SSE 输出流
//
// 路由: GET /api/v1/stream
//
// 查询参数:
//   - owner: 属主（认证关闭时必填；开启时取自令牌，流式端点也接受查询参数）
//   - task_id / run_id: 定位单次执行；两者必须同时给出。
//     给出时先回放该执行的历史再尾随；省略时只尾随属主的全量实时流
//   - since_seq: 回放起点（不含），默认 0 全量回放
//
// 事件格式:
//
//	event: task-output
//	id: {task_id}:{run_id}:{seq}
//	data: {"taskId":...,"runId":...,"seq":...,"type":...,"content":...}
//
// 空闲超过心跳间隔时发送 event: ping 保活（不持久化、无序号）。
// 回放发现执行已完成时直接回放完关闭；尾随中收到 complete 消息或
// 心跳探测发现执行进入终态时也关闭。
//
// 实时通道是 owner 级共享的有损通道：同一属主开多条尾随流会互相
// 抢消息，完整历史永远以回放缓冲区为准。
func (h *Handler) StreamOutput(w http.ResponseWriter, r *http.Request) {
	owner := auth.RequestOwner(r)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	taskID := r.URL.Query().Get("task_id")
	runID := r.URL.Query().Get("run_id")
	if (taskID == "") != (runID == "") {
		writeError(w, http.StatusBadRequest, "task_id and run_id must be provided together")
		return
	}
	sinceSeq, _ := strconv.Atoi(r.URL.Query().Get("since_seq"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	h.metrics.StreamOpened("sse")
	defer h.metrics.StreamClosed("sse")

	ctx := r.Context()
	lastSeq := sinceSeq

	// 回放：把已持久化的历史补发给客户端
	if taskID != "" {
		msgs, err := h.buffer.GetSince(ctx, taskID, runID, sinceSeq)
		if err != nil {
			log.Printf("[api] stream replay failed: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to read replay buffer")
			return
		}
		for _, msg := range msgs {
			if err := writeSSEMessage(w, msg); err != nil {
				return
			}
			h.metrics.RecordStreamMessage("sse")
			if msg.Seq > lastSeq {
				lastSeq = msg.Seq
			}
		}
		flusher.Flush()

		meta, err := h.buffer.GetMetadata(ctx, taskID, runID)
		if err == nil && meta != nil && meta.IsComplete {
			return
		}
	} else {
		// 纯尾随模式：先落一次心跳，确认流已建立
		fmt.Fprint(w, "event: ping\ndata: {}\n\n")
		flusher.Flush()
	}

	// 尾随实时通道
	ch := h.live.Subscribe(owner)
	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-ch:
			if taskID != "" {
				if msg.TaskID != taskID || msg.RunID != runID {
					continue
				}
				// 回放与尾随交界处可能重叠，按序号去重
				if msg.Seq <= lastSeq {
					continue
				}
				lastSeq = msg.Seq
			}
			if err := writeSSEMessage(w, msg); err != nil {
				return
			}
			flusher.Flush()
			h.metrics.RecordStreamMessage("sse")
			if taskID != "" && msg.Type == model.KindComplete {
				return
			}

		case <-time.After(h.heartbeat):
			// 心跳前探测终态：失败/出错的执行没有 complete 消息，
			// 靠元数据收口
			if taskID != "" {
				meta, err := h.buffer.GetMetadata(ctx, taskID, runID)
				if err == nil && meta != nil && meta.IsComplete {
					return
				}
			}
			if _, err := fmt.Fprint(w, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEMessage 以 task-output 事件写出一条消息
func writeSSEMessage(w io.Writer, msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: task-output\nid: %s:%s:%d\ndata: %s\n\n",
		msg.TaskID, msg.RunID, msg.Seq, data)
	return err
}
