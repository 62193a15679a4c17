// Package api SSE 输出流测试
//
// 回放类场景用 httptest.NewRecorder 直接驱动（执行已完成时处理函数
// 回放完即返回）；尾随类场景起真实 HTTP 服务端，客户端读完整响应体，
// 流在收到 complete 消息或客户端超时后关闭。
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskbench/internal/model"
)

// markComplete 在缓冲区里标记执行完成
func markComplete(t *testing.T, env *testEnv, taskID, runID, finalStatus string) {
	t.Helper()
	if err := env.mem.MarkComplete(context.Background(), taskID, runID, finalStatus); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
}

// countEvents 统计响应体中某类 SSE 事件的数量
func countEvents(body, event string) int {
	return strings.Count(body, "event: "+event+"\n")
}

// ============================================================================
// 参数校验
// ============================================================================

// TestStreamValidation 测试流式端点的参数校验
func TestStreamValidation(t *testing.T) {
	env := newTestEnv(t)
	router := env.handler.Router()

	tests := []struct {
		name   string
		target string
	}{
		{"缺少属主", "/api/v1/stream"},
		{"只给 task_id", "/api/v1/stream?owner=alice&task_id=t1"},
		{"只给 run_id", "/api/v1/stream?owner=alice&run_id=r1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := doJSON(t, router, "GET", tt.target, "")
			if code != http.StatusBadRequest {
				t.Errorf("Status = %d, want %d", code, http.StatusBadRequest)
			}
		})
	}
}

// ============================================================================
// 回放
// ============================================================================

// TestStreamReplayComplete 测试已完成执行的全量回放
func TestStreamReplayComplete(t *testing.T) {
	env := newTestEnv(t)
	router := env.handler.Router()

	seedMessages(t, env.mem, "t1", "r1", 1, 2, 3)
	markComplete(t, env, "t1", "r1", "success")

	req := httptest.NewRequest("GET", "/api/v1/stream?owner=alice&task_id=t1&run_id=r1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %v, want text/event-stream", ct)
	}

	body := w.Body.String()
	if got := countEvents(body, "task-output"); got != 3 {
		t.Errorf("task-output events = %d, want 3\nbody:\n%s", got, body)
	}
	for seq := 1; seq <= 3; seq++ {
		id := fmt.Sprintf("id: t1:r1:%d\n", seq)
		if !strings.Contains(body, id) {
			t.Errorf("body missing %q", id)
		}
	}
}

// TestStreamReplaySince 测试 since_seq 补读
func TestStreamReplaySince(t *testing.T) {
	env := newTestEnv(t)
	router := env.handler.Router()

	seedMessages(t, env.mem, "t1", "r1", 1, 2, 3)
	markComplete(t, env, "t1", "r1", "success")

	req := httptest.NewRequest("GET", "/api/v1/stream?owner=alice&task_id=t1&run_id=r1&since_seq=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	body := w.Body.String()
	if got := countEvents(body, "task-output"); got != 1 {
		t.Errorf("task-output events = %d, want 1\nbody:\n%s", got, body)
	}
	if !strings.Contains(body, "id: t1:r1:3\n") {
		t.Errorf("body missing seq 3, got:\n%s", body)
	}
}

// ============================================================================
// 尾随
// ============================================================================

// TestStreamLiveTail 测试回放接尾随直至执行完成
func TestStreamLiveTail(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler.Router())
	defer server.Close()

	// 回放部分只有 seq 1，执行尚未完成
	seedMessages(t, env.mem, "t1", "r1", 1)

	go func() {
		// 处理函数进入尾随时会订阅并创建属主通道
		deadline := time.Now().Add(2 * time.Second)
		for env.live.Size() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		// 越过一个心跳间隔，验证保活 ping
		time.Sleep(40 * time.Millisecond)

		env.live.Publish("alice", model.Message{
			Type: model.KindOutput, Content: "tail line",
			TaskID: "t1", RunID: "r1", Seq: 2, Timestamp: time.Now().UTC(),
		})
		// 同属主其他执行的消息应被过滤
		env.live.Publish("alice", model.Message{
			Type: model.KindOutput, Content: "other run",
			TaskID: "t9", RunID: "r9", Seq: 50, Timestamp: time.Now().UTC(),
		})
		env.live.Publish("alice", model.Message{
			Type: model.KindComplete, Content: "Task execution finished",
			TaskID: "t1", RunID: "r1", Seq: 3, Timestamp: time.Now().UTC(),
		})
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(server.URL + "/api/v1/stream?owner=alice&task_id=t1&run_id=r1")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(data)

	if got := countEvents(body, "task-output"); got != 3 {
		t.Errorf("task-output events = %d, want 3\nbody:\n%s", got, body)
	}
	for seq := 1; seq <= 3; seq++ {
		id := fmt.Sprintf("id: t1:r1:%d\n", seq)
		if !strings.Contains(body, id) {
			t.Errorf("body missing %q", id)
		}
	}
	if strings.Contains(body, "t9:r9") {
		t.Errorf("body leaked another run's message:\n%s", body)
	}
	if countEvents(body, "ping") == 0 {
		t.Errorf("expected at least one keepalive ping\nbody:\n%s", body)
	}
}

// TestStreamDedupAtBoundary 测试回放与尾随交界处按序号去重
func TestStreamDedupAtBoundary(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler.Router())
	defer server.Close()

	seedMessages(t, env.mem, "t1", "r1", 1, 2)

	// 预先入队：持久化与实时推送在交界处重叠（seq 2 两边都有）
	env.live.Publish("alice", model.Message{
		Type: model.KindOutput, Content: "line 2",
		TaskID: "t1", RunID: "r1", Seq: 2, Timestamp: time.Now().UTC(),
	})
	env.live.Publish("alice", model.Message{
		Type: model.KindOutput, Content: "line 3",
		TaskID: "t1", RunID: "r1", Seq: 3, Timestamp: time.Now().UTC(),
	})
	env.live.Publish("alice", model.Message{
		Type: model.KindComplete, Content: "Task execution finished",
		TaskID: "t1", RunID: "r1", Seq: 4, Timestamp: time.Now().UTC(),
	})

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(server.URL + "/api/v1/stream?owner=alice&task_id=t1&run_id=r1")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(data)

	if got := countEvents(body, "task-output"); got != 4 {
		t.Errorf("task-output events = %d, want 4 (seqs 1-4)\nbody:\n%s", got, body)
	}
	if got := strings.Count(body, "id: t1:r1:2\n"); got != 1 {
		t.Errorf("seq 2 delivered %d times, want 1\nbody:\n%s", got, body)
	}
}

// TestStreamClosesOnTerminalMeta 测试无 complete 消息的终态收口
//
// 失败/出错的执行不会写 complete 消息，流靠心跳前的元数据探测关闭。
func TestStreamClosesOnTerminalMeta(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler.Router())
	defer server.Close()

	seedMessages(t, env.mem, "t1", "r1", 1)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for env.live.Size() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		env.mem.MarkComplete(context.Background(), "t1", "r1", "failed")
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(server.URL + "/api/v1/stream?owner=alice&task_id=t1&run_id=r1")
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	start := time.Now()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}

	// 下一个心跳间隔内应当关流，而不是等到客户端超时
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stream took %v to close, want within a heartbeat", elapsed)
	}
	if got := countEvents(string(data), "task-output"); got != 1 {
		t.Errorf("task-output events = %d, want 1", got)
	}
}

// TestStreamPureTail 测试不带过滤的属主级尾随
func TestStreamPureTail(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler.Router())
	defer server.Close()

	env.live.Publish("alice", model.Message{
		Type: model.KindOutput, Content: "hello",
		TaskID: "t9", RunID: "r9", Seq: 5, Timestamp: time.Now().UTC(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", server.URL+"/api/v1/stream?owner=alice", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	// 客户端超时主动断开，读到哪算哪
	data, _ := io.ReadAll(resp.Body)
	body := string(data)

	if countEvents(body, "ping") == 0 {
		t.Errorf("expected initial ping\nbody:\n%s", body)
	}
	if !strings.Contains(body, "id: t9:r9:5\n") {
		t.Errorf("expected unfiltered live message\nbody:\n%s", body)
	}
}
