package groupfanout

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prim-im/corechat/directory"
	"github.com/prim-im/corechat/gateway"
	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/reqwest"
	"github.com/stretchr/testify/require"
)

// fakeHub is a gateway.Hub for exercising Manager without a real
// Gateway or mesh. Scheduler() is backed by a real in-memory directory
// service so WhichNode/CurrNodeGroupUserList behave exactly as they
// would in production for an unregistered user (found=false, no
// error) rather than requiring a second fake.
type fakeHub struct {
	mu          sync.Mutex
	local       map[uint64]bool // members deliverable on this node
	delivered   []deliveredMsg
	forwarded   []forwardedMsg
	cached      []*message.Msg
	memberCache []memberCacheEntry

	scheduler *gateway.SchedulerClient
	closers   []func()
}

type memberCacheEntry struct {
	member uint64
	msg    *message.Msg
}

type deliveredMsg struct {
	user uint64
	msg  *message.Msg
}

type forwardedMsg struct {
	peerNodeID uint32
	peerAddr   string
	msg        *message.Msg
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	reg, err := directory.Open(t.TempDir())
	require.NoError(t, err)
	groups := directory.NewGroupRegistry()
	svc := directory.NewService(reg, groups)

	server, client := net.Pipe()
	serverEP := reqwest.NewEndpoint([]io.ReadWriteCloser{server}, true)
	svc.Bind(serverEP)
	clientEP := reqwest.NewEndpoint([]io.ReadWriteCloser{client}, false)

	h := &fakeHub{local: map[uint64]bool{}, scheduler: gateway.NewSchedulerClient(clientEP)}
	h.closers = []func(){
		func() { _ = clientEP.Close() },
		func() { _ = serverEP.Close() },
		func() { _ = reg.Close() },
	}
	t.Cleanup(h.close)
	return h
}

func (h *fakeHub) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

func (h *fakeHub) NodeID() uint32 { return 1 }

func (h *fakeHub) Scheduler() *gateway.SchedulerClient { return h.scheduler }

func (h *fakeHub) DeliverLocal(userID uint64, m *message.Msg) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.local[userID] {
		return false
	}
	h.delivered = append(h.delivered, deliveredMsg{user: userID, msg: m})
	return true
}

func (h *fakeHub) ForwardToPeer(_ context.Context, peerNodeID uint32, peerAddr string, m *message.Msg) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarded = append(h.forwarded, forwardedMsg{peerNodeID: peerNodeID, peerAddr: peerAddr, msg: m})
	return nil
}

func (h *fakeHub) CacheBroadcast(m *message.Msg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cached = append(h.cached, m)
}

func (h *fakeHub) CacheBroadcastMember(member uint64, m *message.Msg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.memberCache = append(h.memberCache, memberCacheEntry{member: member, msg: m})
}

var _ gateway.Hub = (*fakeHub)(nil)

func TestFanOutRewritesSenderAndReceiver(t *testing.T) {
	hub := newFakeHub(t)
	hub.local[2] = true
	hub.local[3] = true
	mgr := NewManager(hub)
	defer mgr.Close()

	m, err := message.New(message.Text, 1, 100, []byte("hi group"), nil)
	require.NoError(t, err)

	task := mgr.taskFor(100)
	task.fanOut(context.Background(), m, []uint64{1, 2, 3})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Len(t, hub.cached, 1)
	cached := hub.cached[0]
	require.EqualValues(t, 100, cached.Sender())
	require.EqualValues(t, 0, cached.Receiver())

	require.Len(t, hub.delivered, 2, "expected delivery to the 2 local non-sender members")
	for _, d := range hub.delivered {
		require.NotEqualValues(t, 1, d.user, "original sender should not receive its own group message back")
		require.EqualValues(t, 100, d.msg.Sender(), "delivered copy should carry the rewritten group sender")
	}

	require.Len(t, hub.memberCache, 2, "every non-sender member should get its own inbox entry")
	seen := map[uint64]bool{}
	for _, e := range hub.memberCache {
		seen[e.member] = true
		require.EqualValues(t, 100, e.msg.Sender(), "member inbox copy should carry the rewritten group sender")
	}
	require.True(t, seen[2])
	require.True(t, seen[3])
}

// TestFanOutSkipsUnreachableMember exercises the non-local path: member
// 9 isn't in hub.local and isn't registered with the directory, so
// WhichNode reports found=false and fanOut must simply skip forwarding,
// but member 9 must still get an inbox entry so the message isn't lost
// permanently once 9 reconnects or registers.
func TestFanOutSkipsUnreachableMember(t *testing.T) {
	hub := newFakeHub(t)
	hub.local[2] = true
	mgr := NewManager(hub)
	defer mgr.Close()

	m, _ := message.New(message.Text, 1, 100, []byte("hi"), nil)
	task := mgr.taskFor(100)
	task.fanOut(context.Background(), m, []uint64{1, 2, 9})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Empty(t, hub.forwarded, "member 9 is unregistered with the directory and should not be forwarded to")
	require.Len(t, hub.delivered, 1, "expected exactly member 2 delivered locally")

	require.Len(t, hub.memberCache, 2, "both non-sender members get an inbox entry regardless of deliverability")
	var got9 bool
	for _, e := range hub.memberCache {
		if e.member == 9 {
			got9 = true
		}
	}
	require.True(t, got9, "unreachable member 9 should still have an inbox entry queued")
}

func TestManagerTaskForReturnsSameTaskForSameGroup(t *testing.T) {
	hub := newFakeHub(t)
	mgr := NewManager(hub)
	defer mgr.Close()

	first := mgr.taskFor(100)
	second := mgr.taskFor(100)
	require.Same(t, first, second, "taskFor should return the same task for the same group id")
}

func TestGroupTaskTearsDownAfterIdle(t *testing.T) {
	hub := newFakeHub(t)
	mgr := NewManager(hub)
	mgr.idle = 20 * time.Millisecond
	defer mgr.Close()

	mgr.taskFor(42)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := mgr.groups.Load(uint64(42)); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected idle group task to be torn down and removed")
}
