package iotask

import (
	"context"
	"testing"
	"time"

	"github.com/prim-im/corechat/cache"
	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/queue"
)

func waitForKey(t *testing.T, store *cache.MemStore, key string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		members, err := store.ZRevRangeWithScores(context.Background(), key, 10)
		if err != nil {
			t.Fatalf("ZRevRangeWithScores: %v", err)
		}
		if len(members) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to reach %d members", key, want)
}

func TestDirectEntryCachesConversationAndInbox(t *testing.T) {
	store := cache.NewMemStore()
	task := New(store, queue.NoopProducer{}, "chat.messages", 8)
	defer task.Close()

	m, err := message.New(message.Text, 1, 2, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("build msg: %v", err)
	}
	m.SetSeqnum(1)
	m.SetTimestamp(1000)
	task.Enqueue(Entry{Kind: Direct, Recipient: 2, Msg: m})

	convKey := convSetKey(message.KeyFor(1, 2))
	waitForKey(t, store, convKey, 1)
	waitForKey(t, store, inboxKey(2), 1)

	members, err := store.ZRevRangeWithScores(context.Background(), inboxKey(2), 10)
	if err != nil {
		t.Fatalf("ZRevRangeWithScores: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected one inbox entry, got %d", len(members))
	}
	if members[0].Score != 1000 {
		t.Fatalf("inbox entry should be scored by timestamp, got %v", members[0].Score)
	}
	if string(members[0].Member) != "1" {
		t.Fatalf("inbox entry should carry the peer (sender) id, got %q", members[0].Member)
	}
}

// TestBroadcastEntryWritesInbox covers one member's copy of a group
// fan-out: groupfanout enqueues one Entry per member (Recipient set to
// that member), so each member's inbox gets its own entry scored by
// timestamp with the group id (carried in Sender after rewrite) as the
// "peer" value.
func TestBroadcastEntryWritesInbox(t *testing.T) {
	store := cache.NewMemStore()
	task := New(store, queue.NoopProducer{}, "chat.messages", 8)
	defer task.Close()

	m, err := message.New(message.SystemMessage, 100, 0, []byte("group msg"), nil)
	if err != nil {
		t.Fatalf("build msg: %v", err)
	}
	m.SetSeqnum(1)
	m.SetTimestamp(2000)
	task.Enqueue(Entry{Kind: Broadcast, Recipient: 7, Msg: m})

	convKey := convSetKey(message.GroupKey(100))
	waitForKey(t, store, convKey, 1)
	waitForKey(t, store, inboxKey(7), 1)

	members, err := store.ZRevRangeWithScores(context.Background(), inboxKey(7), 10)
	if err != nil {
		t.Fatalf("ZRevRangeWithScores: %v", err)
	}
	if len(members) != 1 || string(members[0].Member) != "100" {
		t.Fatalf("expected one inbox entry keyed by group id 100, got %+v", members)
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	store := cache.NewMemStore()
	task := New(store, queue.NoopProducer{}, "chat.messages", 0)
	defer task.Close()

	m, _ := message.New(message.Text, 1, 2, nil, nil)
	// With a zero-depth channel and no consumer guarantee, Enqueue must
	// never block regardless of whether the send lands.
	done := make(chan struct{})
	go func() {
		task.Enqueue(Entry{Kind: Direct, Recipient: 2, Msg: m})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked")
	}
}
