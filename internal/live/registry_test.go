package live

import (
	"fmt"
	"testing"
	"time"

	"taskbench/internal/model"
)

func TestRegistry_PublishSubscribe(t *testing.T) {
	r := NewRegistry(10)

	ch := r.Subscribe("alice")

	// 同一 owner 的两个 Run 交错发布，FIFO 保序
	r.Publish("alice", model.Message{Type: model.KindOutput, Content: "a1", RunID: "run_a", Seq: 1})
	r.Publish("alice", model.Message{Type: model.KindOutput, Content: "b1", RunID: "run_b", Seq: 1})
	r.Publish("alice", model.Message{Type: model.KindOutput, Content: "a2", RunID: "run_a", Seq: 2})

	want := []string{"a1", "b1", "a2"}
	for i, expected := range want {
		select {
		case msg := <-ch:
			if msg.Content != expected {
				t.Errorf("message[%d] = %q, want %q", i, msg.Content, expected)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestRegistry_OwnerIsolation(t *testing.T) {
	r := NewRegistry(10)

	alice := r.Subscribe("alice")
	bob := r.Subscribe("bob")

	r.Publish("alice", model.Message{Content: "for alice"})

	select {
	case msg := <-alice:
		if msg.Content != "for alice" {
			t.Errorf("alice got %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("alice should receive her message")
	}

	select {
	case msg := <-bob:
		t.Errorf("bob should not receive alice's message, got %q", msg.Content)
	default:
	}
}

func TestRegistry_DropOnFull(t *testing.T) {
	r := NewRegistry(3)

	// 无消费端，填满后继续发布
	for i := 1; i <= 5; i++ {
		r.Publish("alice", model.Message{Type: model.KindOutput, Content: fmt.Sprintf("line %d", i), Seq: i})
	}

	if got := r.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}

	// 通道里只有最早的 3 条，发布端从未被阻塞
	ch := r.Subscribe("alice")
	for i := 1; i <= 3; i++ {
		select {
		case msg := <-ch:
			if msg.Seq != i {
				t.Errorf("buffered Seq = %d, want %d", msg.Seq, i)
			}
		default:
			t.Fatalf("expected %d buffered messages", 3)
		}
	}
	select {
	case msg := <-ch:
		t.Errorf("channel should be empty, got Seq %d", msg.Seq)
	default:
	}
}

func TestRegistry_SubscribeCreatesSameChannel(t *testing.T) {
	r := NewRegistry(10)

	// 先订阅后发布，发布必须落在同一条通道上
	ch := r.Subscribe("alice")
	r.Publish("alice", model.Message{Content: "hello"})

	select {
	case msg := <-ch:
		if msg.Content != "hello" {
			t.Errorf("got %q, want hello", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber should see publishes on the pre-created channel")
	}
}

func TestRegistry_EvictIdle(t *testing.T) {
	r := NewRegistry(10)

	r.Publish("alice", model.Message{Content: "x"})
	r.Publish("bob", model.Message{Content: "y"})
	if r.Size() != 2 {
		t.Fatalf("Size = %d, want 2", r.Size())
	}

	// 把 alice 的通道拨回 1 小时前
	r.mu.Lock()
	r.channels["alice"].lastPublish.Store(time.Now().Add(-time.Hour).UnixNano())
	r.mu.Unlock()

	evicted := r.EvictIdle(30 * time.Minute)
	if evicted != 1 {
		t.Errorf("EvictIdle = %d, want 1", evicted)
	}
	if r.Size() != 1 {
		t.Errorf("Size after evict = %d, want 1", r.Size())
	}

	// 回收后再次发布会重新创建通道
	r.Publish("alice", model.Message{Content: "z"})
	if r.Size() != 2 {
		t.Errorf("Size after re-publish = %d, want 2", r.Size())
	}
}

func TestRegistry_DefaultCapacity(t *testing.T) {
	r := NewRegistry(0)

	// 默认容量 100：发布 100 条不丢
	for i := 1; i <= 100; i++ {
		r.Publish("alice", model.Message{Seq: i})
	}
	if r.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0 at default capacity", r.Dropped())
	}
	r.Publish("alice", model.Message{Seq: 101})
	if r.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1 past capacity", r.Dropped())
	}
}
