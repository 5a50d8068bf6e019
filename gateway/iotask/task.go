// Package iotask implements C7: the gateway's single-consumer IO/caching
// task. Every message the gateway decides to cache (for offline delivery
// or conversation history scrollback) funnels through one task per
// gateway process, so writes to the backing cache.Store are serialized
// per gateway the same way the append-log writer in seqnum/ is.
package iotask

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prim-im/corechat/cache"
	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/internal/worker"
	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/queue"
)

var logger = log.New("iotask")

// Kind distinguishes a direct (one recipient) cache write from a
// broadcast (group) one, per SPEC_FULL.md §4.7.1.
type Kind uint8

const (
	Direct Kind = iota
	Broadcast
)

// Entry is one unit of work: cache m in its conversation's history and, when
// Recipient is non-zero, in that one recipient's inbox. Direct entries key
// the conversation by sender/receiver, Broadcast entries by the group id;
// a group's members each get their own Broadcast entry.
type Entry struct {
	Kind      Kind
	Recipient uint64
	Msg       *message.Msg
}

// Task is the gateway's IO task: one bounded channel, one consumer
// goroutine, best-effort delivery into a cache.Store.
type Task struct {
	worker.Worker
	store    cache.Store
	producer queue.Producer
	topic    string
	in       chan Entry
}

// New starts a Task backed by s, with a channel of the given depth.
// Every processed entry is also best-effort published to producer on
// topic, feeding the out-of-scope external history/recorder pipeline
// (SPEC_FULL.md §6's message_queue collaborator); pass queue.NoopProducer{}
// to disable this without special-casing the call sites.
func New(s cache.Store, producer queue.Producer, topic string, depth int) *Task {
	t := &Task{store: s, producer: producer, topic: topic, in: make(chan Entry, depth)}
	t.Go(t.loop)
	return t
}

// Enqueue submits e for processing, dropping it (and logging) if the
// task's queue is full rather than blocking the caller — this is the
// best-effort, log-and-drop path named in SPEC_FULL.md §4.7.1.
func (t *Task) Enqueue(e Entry) {
	select {
	case t.in <- e:
	default:
		logger.Warningf("iotask: queue full, dropping %s for recipient %d", e.Msg.Typ(), e.Recipient)
	}
}

func (t *Task) loop() {
	ctx := context.Background()
	for {
		select {
		case e := <-t.in:
			t.process(ctx, e)
		case <-t.HaltCh():
			return
		}
	}
}

func (t *Task) process(ctx context.Context, e Entry) {
	// Broadcast entries arrive already rewritten by groupfanout: sender
	// holds the group id and receiver is the 0 placeholder, so the
	// group's own key (not KeyFor's direct-message derivation) is what
	// identifies the conversation.
	var key message.ConvKey
	if e.Kind == Broadcast {
		key = message.GroupKey(e.Msg.Sender())
	} else {
		key = message.KeyFor(e.Msg.Sender(), e.Msg.Receiver())
	}
	setKey := convSetKey(key)
	if err := t.store.ZAdd(ctx, setKey, float64(e.Msg.Seqnum()), e.Msg.Bytes()); err != nil {
		logger.Errorf("iotask: cache write failed for %s: %v", setKey, err)
		return
	}
	// inbox:{user_id} is a sorted set scored by timestamp, value the peer
	// user id (spec "inbox" keyspace) — for Broadcast entries the sender
	// field has already been rewritten to the group id by groupfanout, so
	// this naturally records the group as the "peer" for a group copy. A
	// bare CacheBroadcast (the group-history write with no particular
	// member, e.g. when no group router is wired) leaves Recipient at its
	// zero value and targets no one's inbox; per-member copies always set
	// Recipient to that member.
	if e.Recipient != 0 {
		inboxKey := inboxKey(e.Recipient)
		peer := strconv.FormatUint(e.Msg.Sender(), 10)
		if err := t.store.ZAdd(ctx, inboxKey, float64(e.Msg.Timestamp()), []byte(peer)); err != nil {
			logger.Errorf("iotask: inbox write failed for %s: %v", inboxKey, err)
		}
	}
	if err := t.producer.Publish(ctx, t.topic, e.Msg.Bytes()); err != nil {
		logger.Warningf("iotask: message_queue publish failed: %v", err)
	}
}

func convSetKey(key message.ConvKey) string {
	kb := key.Bytes()
	return fmt.Sprintf("msg:%x", kb)
}

func inboxKey(user uint64) string {
	return "inbox:" + strconv.FormatUint(user, 10)
}

// Close halts the consumer goroutine.
func (t *Task) Close() error {
	t.Halt()
	t.Wait()
	return nil
}
