// Package groupfanout implements C6: fan-out of group-addressed
// messages to every live member, one single-consumer task per group,
// started on demand and torn down after a period of inactivity.
package groupfanout

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/prim-im/corechat/gateway"
	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/internal/worker"
	"github.com/prim-im/corechat/message"
)

var logger = log.New("groupfanout")

// idleTimeout is how long a group's task sits with an empty queue
// before it tears itself down; the next Route call for that group
// starts a fresh one.
const idleTimeout = 30 * time.Second

// callTimeout bounds how long one fan-out round waits on the scheduler
// for a group's member list.
const callTimeout = 10 * time.Second

var errTaskTornDown = errors.New("groupfanout: task torn down before message was queued")

// Manager implements gateway.GroupRouter, owning one groupTask per
// group id with messages in flight.
type Manager struct {
	hub gateway.Hub
	// idle is how long a group's task sits with an empty queue before
	// tearing itself down. Tests shrink this; production leaves it at
	// the idleTimeout default.
	idle   time.Duration
	groups sync.Map // uint64 groupID -> *groupTask
}

// NewManager builds a Manager bound to hub. Callers wire it back into
// the Gateway with gw.SetGroupRouter(mgr) once both exist, since
// Manager needs the Gateway's Hub surface to deliver and forward.
func NewManager(hub gateway.Hub) *Manager {
	return &Manager{hub: hub, idle: idleTimeout}
}

// Route implements gateway.GroupRouter.
func (m *Manager) Route(ctx context.Context, msg *message.Msg) error {
	return m.taskFor(msg.Receiver()).enqueue(ctx, msg)
}

func (m *Manager) taskFor(groupID uint64) *groupTask {
	if v, ok := m.groups.Load(groupID); ok {
		return v.(*groupTask)
	}
	t := newGroupTask(m, groupID)
	actual, loaded := m.groups.LoadOrStore(groupID, t)
	if loaded {
		t.Halt()
		return actual.(*groupTask)
	}
	return t
}

// Close tears down every live group task.
func (m *Manager) Close() error {
	m.groups.Range(func(_, v any) bool {
		v.(*groupTask).Halt()
		return true
	})
	return nil
}

// groupTask is the single consumer for one group's messages.
type groupTask struct {
	worker.Worker
	mgr     *Manager
	groupID uint64
	idle    time.Duration
	in      chan *message.Msg
}

func newGroupTask(mgr *Manager, groupID uint64) *groupTask {
	t := &groupTask{mgr: mgr, groupID: groupID, idle: mgr.idle, in: make(chan *message.Msg, 256)}
	t.Go(t.loop)
	return t
}

func (t *groupTask) enqueue(ctx context.Context, m *message.Msg) error {
	select {
	case t.in <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.HaltCh():
		return errTaskTornDown
	}
}

func (t *groupTask) loop() {
	idle := time.NewTimer(t.idle)
	defer idle.Stop()
	for {
		select {
		case m := <-t.in:
			if !idle.Stop() {
				<-idle.C
			}
			t.deliver(m)
			idle.Reset(t.idle)
		case <-idle.C:
			t.mgr.groups.Delete(t.groupID)
			t.Halt()
			return
		case <-t.HaltCh():
			return
		}
	}
}

// deliver implements spec §4.5's group fan-out step: fetch the current
// member list and hand off to fanOut.
func (t *groupTask) deliver(m *message.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	members, err := t.mgr.hub.Scheduler().CurrNodeGroupUserList(ctx, t.groupID)
	if err != nil {
		logger.Warningf("group %d: member list unavailable: %v", t.groupID, err)
		return
	}
	t.fanOut(ctx, m, members)
}

// fanOut rewrites m so sender becomes the group id and receiver becomes
// 0 (the broadcast placeholder), tagging the original sender into the
// extension when the extension is empty (a non-empty one is kept as is),
// then pushes a copy to every member — locally, or via the
// inter-node mesh for members attached to a different gateway — and a
// copy to the cache for history/offline members. Split out from deliver
// so it can be exercised without a live scheduler round trip.
func (t *groupTask) fanOut(ctx context.Context, m *message.Msg, members []uint64) {
	out := m.Clone()
	if len(m.Extension()) == 0 {
		tagged, err := m.WithExtension(encodeSender(m.Sender()))
		if err != nil {
			logger.Warningf("group %d: rewrite failed: %v", t.groupID, err)
			return
		}
		out = tagged
	}
	out.SetSender(t.groupID)
	out.SetReceiver(0)

	t.mgr.hub.CacheBroadcast(out.Clone())

	for _, member := range members {
		if member == m.Sender() {
			continue
		}
		// Every member gets its own inbox entry regardless of whether the
		// immediate delivery/forward below succeeds, so an offline member
		// or a failed peer forward doesn't lose the message permanently.
		t.mgr.hub.CacheBroadcastMember(member, out.Clone())

		if t.mgr.hub.DeliverLocal(member, out.Clone()) {
			continue
		}
		nodeID, addr, found, err := t.mgr.hub.Scheduler().WhichNode(ctx, member)
		if err != nil || !found {
			continue
		}
		if err := t.mgr.hub.ForwardToPeer(ctx, nodeID, addr, out.Clone()); err != nil {
			logger.Warningf("group %d: forward to peer %d for member %d failed: %v", t.groupID, nodeID, member, err)
		}
	}
}

func encodeSender(sender uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, sender)
	return b
}

var _ gateway.GroupRouter = (*Manager)(nil)
