// Package api WebSocket 输出流网关
//
// 与 SSE 端点共享同一套回放 + 尾随语义，面向需要双向心跳的客户端。
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"taskbench/internal/live"
	"taskbench/internal/model"
	"taskbench/internal/storage"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamGateway WebSocket 输出流网关
//
// 网关负责：
//   - 回放缓冲区历史补发（断线重连恢复）
//   - 尾随属主实时通道推送新消息
//   - 执行进入终态时发送 status 消息并关闭连接
type StreamGateway struct {
	buffer  storage.ReplayBuffer // 回放缓冲区
	live    *live.Registry       // 实时通道注册表
	metrics *Metrics             // Prometheus 指标
}

// NewStreamGateway 创建输出流网关实例
func NewStreamGateway(buffer storage.ReplayBuffer, liveReg *live.Registry, metrics *Metrics) *StreamGateway {
	return &StreamGateway{buffer: buffer, live: liveReg, metrics: metrics}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/stream
//
// 查询参数：
//   - owner: 属主（必填）
//   - task_id / run_id: 定位单次执行，两者必须同时给出；
//     给出时先回放历史再尾随，省略时只尾随属主的全量实时流
//   - since_seq: 回放起点（不含）
//
// 推送消息格式：
//
//	输出消息：{"type": "message", "data": {...}}
//	终态消息：{"type": "status", "data": {"status": "success", "is_complete": true}}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *StreamGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return
	}
	taskID := r.URL.Query().Get("task_id")
	runID := r.URL.Query().Get("run_id")
	if (taskID == "") != (runID == "") {
		http.Error(w, "task_id and run_id must be provided together", http.StatusBadRequest)
		return
	}
	sinceSeq, _ := strconv.Atoi(r.URL.Query().Get("since_seq"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	g.metrics.StreamOpened("ws")
	defer g.metrics.StreamClosed("ws")

	log.Printf("WebSocket client connected for owner %s", owner)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, owner, taskID, runID, sinceSeq)
}

// readPump 读取客户端消息
//
// 在独立 goroutine 中运行，处理客户端发送的消息：
//   - 心跳消息（ping）：响应 pong
//   - 连接关闭：取消上下文
func (g *StreamGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil {
			if req["type"] == "ping" {
				conn.SetReadDeadline(time.Now().Add(60 * time.Second))
				conn.WriteJSON(map[string]string{"type": "pong"})
			}
		}
	}
}

// writePump 向客户端推送输出
//
// 先回放已持久化的历史，执行未完成时继续尾随实时通道：
//   - 每 30s 发送 ping 保持连接，同时探测执行是否已进入终态
//   - 收到 complete 消息或终态探测命中时发送 status 消息并退出
func (g *StreamGateway) writePump(ctx context.Context, conn *websocket.Conn, owner, taskID, runID string, sinceSeq int) {
	lastSeq := sinceSeq

	// 回放历史
	if taskID != "" {
		msgs, err := g.buffer.GetSince(ctx, taskID, runID, sinceSeq)
		if err != nil {
			log.Printf("WebSocket replay failed: %v", err)
			return
		}
		for _, msg := range msgs {
			if err := g.writeMessage(conn, msg); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}
			if msg.Seq > lastSeq {
				lastSeq = msg.Seq
			}
		}

		meta, err := g.buffer.GetMetadata(ctx, taskID, runID)
		if err == nil && meta != nil && meta.IsComplete {
			g.writeStatus(conn, meta.FinalStatus)
			return
		}
	}

	// 尾随实时通道
	ch := g.live.Subscribe(owner)
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			if taskID != "" {
				meta, err := g.buffer.GetMetadata(ctx, taskID, runID)
				if err == nil && meta != nil && meta.IsComplete {
					g.writeStatus(conn, meta.FinalStatus)
					return
				}
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

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
			if err := g.writeMessage(conn, msg); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}
			if taskID != "" && msg.Type == model.KindComplete {
				meta, err := g.buffer.GetMetadata(ctx, taskID, runID)
				if err == nil && meta != nil {
					g.writeStatus(conn, meta.FinalStatus)
				}
				return
			}
		}
	}
}

// writeMessage 推送一条输出消息
func (g *StreamGateway) writeMessage(conn *websocket.Conn, msg model.Message) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(map[string]interface{}{"type": "message", "data": msg}); err != nil {
		return err
	}
	g.metrics.RecordStreamMessage("ws")
	return nil
}

// writeStatus 推送终态消息
func (g *StreamGateway) writeStatus(conn *websocket.Conn, finalStatus string) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	conn.WriteJSON(map[string]interface{}{
		"type": "status",
		"data": map[string]interface{}{
			"status":      finalStatus,
			"is_complete": true,
		},
	})
}
