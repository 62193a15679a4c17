package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"taskbench/internal/model"
)

func getTestRedisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6380"
}

func setupTestRedisStore(t *testing.T) *RedisStore {
	store, err := NewRedisStore(getTestRedisAddr(), "", 1) // 使用 DB 1 进行测试
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return store
}

func TestRedisStore_AppendAndReplay(t *testing.T) {
	store := setupTestRedisStore(t)
	defer store.Close()
	ctx := context.Background()

	// 清理测试数据
	store.client.FlushDB(ctx)

	taskID := "task_replay_123"
	runID := "run_abc"

	// 按序追加三条消息
	msgs := []model.Message{
		{Type: model.KindStatus, Content: "Starting task: demo", TaskID: taskID, RunID: runID, Seq: 1, Timestamp: time.Now()},
		{Type: model.KindOutput, Content: "hello", TaskID: taskID, RunID: runID, Seq: 2, Timestamp: time.Now()},
		{Type: model.KindOutput, Content: "world", TaskID: taskID, RunID: runID, Seq: 3, Timestamp: time.Now(), IsError: true},
	}
	for _, msg := range msgs {
		if err := store.Append(ctx, msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// 全量读取，顺序应与写入一致
	got, err := store.GetFull(ctx, taskID, runID)
	if err != nil {
		t.Fatalf("GetFull failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetFull returned %d messages, want 3", len(got))
	}
	for i, msg := range got {
		if msg.Seq != i+1 {
			t.Errorf("message[%d].Seq = %d, want %d", i, msg.Seq, i+1)
		}
	}
	if got[2].IsError != true {
		t.Error("IsError flag should survive the round trip")
	}

	// 增量读取：since_seq=2 只返回 Seq>2 的消息
	tail, err := store.GetSince(ctx, taskID, runID, 2)
	if err != nil {
		t.Fatalf("GetSince failed: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("GetSince returned %d messages, want 1", len(tail))
	}
	if tail[0].Content != "world" {
		t.Errorf("GetSince content = %q, want world", tail[0].Content)
	}

	// 不存在的 run 返回空列表而非错误
	empty, err := store.GetFull(ctx, taskID, "no_such_run")
	if err != nil {
		t.Fatalf("GetFull for missing run failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("GetFull for missing run returned %d messages, want 0", len(empty))
	}
}

func TestRedisStore_Metadata(t *testing.T) {
	store := setupTestRedisStore(t)
	defer store.Close()
	ctx := context.Background()

	// 清理测试数据
	store.client.FlushDB(ctx)

	taskID := "task_meta_123"
	runID := "run_def"

	// 从未写入过的缓冲：(nil, nil)
	meta, err := store.GetMetadata(ctx, taskID, runID)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta != nil {
		t.Fatal("GetMetadata for missing buffer should return nil")
	}

	// 写入两条消息后检查计数和状态
	for i := 1; i <= 2; i++ {
		msg := model.Message{Type: model.KindOutput, Content: "line", TaskID: taskID, RunID: runID, Seq: i, Timestamp: time.Now()}
		if err := store.Append(ctx, msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	meta, err = store.GetMetadata(ctx, taskID, runID)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta == nil {
		t.Fatal("GetMetadata returned nil after Append")
	}
	if meta.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", meta.MessageCount)
	}
	if meta.Status != "running" {
		t.Errorf("Status = %s, want running", meta.Status)
	}
	if meta.IsComplete {
		t.Error("IsComplete should be false before MarkComplete")
	}

	// 标记完成
	if err := store.MarkComplete(ctx, taskID, runID, "success"); err != nil {
		t.Fatalf("MarkComplete failed: %v", err)
	}

	meta, _ = store.GetMetadata(ctx, taskID, runID)
	if !meta.IsComplete {
		t.Error("IsComplete should be true after MarkComplete")
	}
	if meta.Status != "success" {
		t.Errorf("Status = %s, want success", meta.Status)
	}
	if meta.FinalStatus != "success" {
		t.Errorf("FinalStatus = %s, want success", meta.FinalStatus)
	}
	firstCompletedAt := meta.CompletedAt

	// 重复标记应为幂等：最终状态和完成时间保持第一次的值
	if err := store.MarkComplete(ctx, taskID, runID, "failed"); err != nil {
		t.Fatalf("second MarkComplete failed: %v", err)
	}
	meta, _ = store.GetMetadata(ctx, taskID, runID)
	if meta.FinalStatus != "success" {
		t.Errorf("FinalStatus after duplicate MarkComplete = %s, want success", meta.FinalStatus)
	}
	if !meta.CompletedAt.Equal(firstCompletedAt) {
		t.Error("CompletedAt should not change on duplicate MarkComplete")
	}
}

func TestRedisStore_Retention(t *testing.T) {
	store := setupTestRedisStore(t)
	defer store.Close()
	ctx := context.Background()

	// 清理测试数据
	store.client.FlushDB(ctx)

	taskID := "task_ret_123"
	runID := "run_ghi"

	// 构建噪音被过滤，状态和真实输出保留
	msgs := []model.Message{
		{Type: model.KindStatus, Content: "Building image...", TaskID: taskID, RunID: runID, Seq: 1},
		{Type: model.KindOutput, Content: "Step 1/5 : FROM python:3.11", TaskID: taskID, RunID: runID, Seq: 2},
		{Type: model.KindOutput, Content: "Collecting requests", TaskID: taskID, RunID: runID, Seq: 3},
		{Type: model.KindOutput, Content: "test_outputs.py::test_result PASSED", TaskID: taskID, RunID: runID, Seq: 4},
	}
	for _, msg := range msgs {
		if err := store.Append(ctx, msg); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := store.GetFull(ctx, taskID, runID)
	if err != nil {
		t.Fatalf("GetFull failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetFull returned %d messages, want 2 (noise filtered)", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 4 {
		t.Errorf("surviving Seqs = [%d, %d], want [1, 4]", got[0].Seq, got[1].Seq)
	}
}

func TestRedisStore_RunRegistry(t *testing.T) {
	store := setupTestRedisStore(t)
	defer store.Close()
	ctx := context.Background()

	// 清理测试数据
	store.client.FlushDB(ctx)

	owner := "alice"

	// 无登记时返回空串
	runID, err := store.GetActiveRun(ctx, owner, "build-app")
	if err != nil {
		t.Fatalf("GetActiveRun failed: %v", err)
	}
	if runID != "" {
		t.Errorf("GetActiveRun = %q, want empty", runID)
	}

	// 登记后可读回
	if err := store.SetActiveRun(ctx, owner, "build-app", "run_001"); err != nil {
		t.Fatalf("SetActiveRun failed: %v", err)
	}
	runID, _ = store.GetActiveRun(ctx, owner, "build-app")
	if runID != "run_001" {
		t.Errorf("GetActiveRun = %q, want run_001", runID)
	}

	// 后写覆盖先写
	if err := store.SetActiveRun(ctx, owner, "build-app", "run_002"); err != nil {
		t.Fatalf("SetActiveRun overwrite failed: %v", err)
	}
	runID, _ = store.GetActiveRun(ctx, owner, "build-app")
	if runID != "run_002" {
		t.Errorf("GetActiveRun after overwrite = %q, want run_002", runID)
	}

	// 列出 owner 名下全部登记
	store.SetActiveRun(ctx, owner, "lint-app", "run_003")
	store.SetActiveRun(ctx, "bob", "build-app", "run_004")

	runs, err := store.ListActiveRuns(ctx, owner)
	if err != nil {
		t.Fatalf("ListActiveRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("ListActiveRuns returned %d entries, want 2", len(runs))
	}
	if runs["build-app"] != "run_002" {
		t.Errorf("runs[build-app] = %q, want run_002", runs["build-app"])
	}
	if runs["lint-app"] != "run_003" {
		t.Errorf("runs[lint-app] = %q, want run_003", runs["lint-app"])
	}

	// 清除登记
	if err := store.ClearActiveRun(ctx, owner, "build-app"); err != nil {
		t.Fatalf("ClearActiveRun failed: %v", err)
	}
	runID, _ = store.GetActiveRun(ctx, owner, "build-app")
	if runID != "" {
		t.Errorf("GetActiveRun after clear = %q, want empty", runID)
	}
}

func TestRedisStore_Sweep(t *testing.T) {
	store := setupTestRedisStore(t)
	defer store.Close()
	ctx := context.Background()

	// 清理测试数据
	store.client.FlushDB(ctx)

	// 新鲜条目
	fresh := model.Message{Type: model.KindOutput, Content: "ok", TaskID: "task_fresh", RunID: "run_1", Seq: 1}
	if err := store.Append(ctx, fresh); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// 陈旧条目：写入后把 last_updated 拨回 25 小时前
	stale := model.Message{Type: model.KindOutput, Content: "old", TaskID: "task_stale", RunID: "run_2", Seq: 1}
	if err := store.Append(ctx, stale); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	staleTime := time.Now().Add(-25 * time.Hour).Format(time.RFC3339Nano)
	if err := store.client.HSet(ctx, metaKey("task_stale", "run_2"), "last_updated", staleTime).Err(); err != nil {
		t.Fatalf("failed to backdate entry: %v", err)
	}

	removed, err := store.Sweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep removed %d entries, want 1", removed)
	}

	// 陈旧条目整体消失
	meta, _ := store.GetMetadata(ctx, "task_stale", "run_2")
	if meta != nil {
		t.Error("stale metadata should be swept")
	}
	msgs, _ := store.GetFull(ctx, "task_stale", "run_2")
	if len(msgs) != 0 {
		t.Error("stale output buffer should be swept")
	}

	// 新鲜条目保留
	meta, _ = store.GetMetadata(ctx, "task_fresh", "run_1")
	if meta == nil {
		t.Error("fresh entry should survive the sweep")
	}
}
