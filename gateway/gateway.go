// Package gateway implements C5, the cluster's client-facing message
// gateway: one node per shard of connected users, terminating client
// frame.Stream[*message.Msg] connections, stamping sequence numbers via
// the seqnum cluster, delivering to local sessions or forwarding to
// peer gateways over an inter-node mesh, and falling back to a
// cache.Store for offline recipients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prim-im/corechat/cache"
	"github.com/prim-im/corechat/frame"
	"github.com/prim-im/corechat/gateway/iotask"
	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/internal/worker"
	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/queue"
	"github.com/prim-im/corechat/reqwest"
)

var logger = log.New("gateway")

// authTimeout bounds how long a newly accepted connection has to send
// its Auth message before the gateway gives up on it.
const authTimeout = 10 * time.Second

var (
	errAuthTimeout  = errors.New("gateway: auth handshake timed out")
	errAuthRejected = errors.New("gateway: auth rejected")
	errNotAuthFirst = errors.New("gateway: first message was not Auth")
)

// Hub is the surface of Gateway that gateway/groupfanout depends on.
// It's an interface (rather than groupfanout importing *Gateway
// directly) only to keep the dependency one-directional in spirit;
// gateway/groupfanout still imports this package for the type.
type Hub interface {
	NodeID() uint32
	Scheduler() *SchedulerClient
	DeliverLocal(userID uint64, m *message.Msg) bool
	ForwardToPeer(ctx context.Context, peerNodeID uint32, peerAddr string, m *message.Msg) error
	CacheBroadcast(m *message.Msg)
	CacheBroadcastMember(member uint64, m *message.Msg)
}

// GroupRouter hands a group-addressed Msg off to the group fan-out
// layer (C6). Gateway holds one, set after construction via
// SetGroupRouter, so gateway/groupfanout can depend on gateway.Hub
// without gateway depending back on gateway/groupfanout.
type GroupRouter interface {
	Route(ctx context.Context, m *message.Msg) error
}

// Gateway is the top-level C5 orchestrator.
type Gateway struct {
	worker.Worker
	nodeID    uint32
	auth      Authenticator
	scheduler *SchedulerClient
	io        *iotask.Task
	metrics   *Metrics
	mesh      *mesh
	dial      DialFunc

	sessions      sync.Map // uint64 userID -> *Session
	seqnumClients sync.Map // uint32 shardID -> *SeqnumClient
	sessionCount  int64    // atomic, mirrors metrics.SessionsActive for in-process reads

	groupRouter GroupRouter
}

// New builds a Gateway. schedulerEP is the already-connected
// reqwest.Endpoint to the scheduler cluster; dial opens connections to
// peer gateways and to seqnum shards (both addressed by the scheduler).
// producer/topic feed every cached message to the external message-queue
// collaborator (SPEC_FULL.md §6); pass queue.NoopProducer{} to disable.
func New(nodeID uint32, schedulerEP *reqwest.Endpoint, auth Authenticator, store cache.Store, producer queue.Producer, topic string, dial DialFunc, ioDepth int) *Gateway {
	g := &Gateway{
		nodeID:    nodeID,
		auth:      auth,
		scheduler: NewSchedulerClient(schedulerEP),
		io:        iotask.New(store, producer, topic, ioDepth),
		metrics:   newMetrics(nodeID),
		mesh:      newMesh(dial),
		dial:      dial,
	}
	return g
}

// SetGroupRouter wires the group fan-out layer in after both it and the
// Gateway have been constructed, breaking what would otherwise be an
// import cycle between gateway and gateway/groupfanout.
func (g *Gateway) SetGroupRouter(r GroupRouter) { g.groupRouter = r }

func (g *Gateway) NodeID() uint32             { return g.nodeID }
func (g *Gateway) Scheduler() *SchedulerClient { return g.scheduler }

// HandleConn runs the Auth handshake on a freshly accepted connection
// and, on success, starts a Session for it. It blocks until the
// handshake resolves (success, rejection, or timeout); the caller
// should run it in its own goroutine per accepted connection.
func (g *Gateway) HandleConn(ctx context.Context, conn io.ReadWriteCloser, opts ...frame.Option) error {
	stream := frame.NewMsgStream(conn, opts...)

	var first *message.Msg
	select {
	case m, ok := <-stream.Inbound():
		if !ok {
			_ = stream.Close()
			return errAuthTimeout
		}
		first = m
	case <-time.After(authTimeout):
		_ = stream.Close()
		return errAuthTimeout
	}

	if first.Typ() != message.Auth {
		_ = stream.Close()
		return errNotAuthFirst
	}
	userID, ok := g.auth.Authenticate(ctx, first.Payload())
	if !ok {
		_ = stream.Close()
		return errAuthRejected
	}

	if old, loaded := g.sessions.Load(userID); loaded {
		old.(*Session).closeStream()
	}
	ack := message.NewAck(g.nodeID, userID, 0)
	select {
	case stream.Outbound() <- ack:
	case <-time.After(authTimeout):
		_ = stream.Close()
		return errAuthTimeout
	}

	s := newSession(g, userID, stream)
	g.sessions.Store(userID, s)
	g.metrics.SessionsActive.Inc()
	atomic.AddInt64(&g.sessionCount, 1)
	return nil
}

// HandlePeerConn runs the read loop for an inbound inter-node mesh
// connection from another gateway (SPEC_FULL.md §4.6). Unlike client
// connections these carry no Auth handshake: a peer gateway only ever
// forwards messages it has already stamped, so every inbound Msg goes
// straight to deliverOrForward without a second seqnum round trip.
func (g *Gateway) HandlePeerConn(ctx context.Context, conn io.ReadWriteCloser, opts ...frame.Option) {
	stream := frame.NewMsgStream(conn, opts...)
	for {
		select {
		case m, ok := <-stream.Inbound():
			if !ok {
				_ = stream.Close()
				return
			}
			g.deliverOrForward(ctx, m)
		case <-ctx.Done():
			_ = stream.Close()
			return
		}
	}
}

func (g *Gateway) removeSession(userID uint64) {
	if _, ok := g.sessions.LoadAndDelete(userID); ok {
		g.metrics.SessionsActive.Dec()
		atomic.AddInt64(&g.sessionCount, -1)
	}
}

// SessionCount reports the number of currently attached client sessions,
// used as the Load value reported in this gateway's own heartbeat.
func (g *Gateway) SessionCount() uint32 {
	return uint32(atomic.LoadInt64(&g.sessionCount))
}

func (g *Gateway) sessionFor(userID uint64) (*Session, bool) {
	v, ok := g.sessions.Load(userID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// DeliverLocal implements Hub: it sends m to userID's session on this
// node if one exists, reporting whether it did.
func (g *Gateway) DeliverLocal(userID uint64, m *message.Msg) bool {
	s, ok := g.sessionFor(userID)
	if !ok {
		return false
	}
	s.send(m)
	g.metrics.MessagesDelivered.Inc()
	return true
}

// ForwardToPeer implements Hub, delegating to the inter-node mesh.
func (g *Gateway) ForwardToPeer(ctx context.Context, peerNodeID uint32, peerAddr string, m *message.Msg) error {
	return g.mesh.Forward(ctx, peerNodeID, peerAddr, m)
}

// CacheBroadcast implements Hub: best-effort group-history cache write
// with no single recipient.
func (g *Gateway) CacheBroadcast(m *message.Msg) {
	g.io.Enqueue(iotask.Entry{Kind: iotask.Broadcast, Msg: m})
}

// CacheBroadcastMember implements Hub: a per-member inbox write for one
// group member's copy of a broadcast (spec's "push one
// IOTaskMsg::Broadcast(msg, member_id) per member" requirement), so a
// member who is offline or whose immediate delivery/forward failed still
// has the message recorded in their inbox.
func (g *Gateway) CacheBroadcastMember(member uint64, m *message.Msg) {
	g.io.Enqueue(iotask.Entry{Kind: iotask.Broadcast, Recipient: member, Msg: m})
}

// deliverOrForward implements the direct-message half of SPEC_FULL.md
// §4.5: local session, else the owning peer gateway, else the cache.
// A reachable-but-erroring peer is treated the same as unreachable: the
// mesh connection is dropped so the next attempt redials, and the
// message still lands in the cache rather than being lost.
func (g *Gateway) deliverOrForward(ctx context.Context, m *message.Msg) {
	recipient := m.Receiver()
	if g.DeliverLocal(recipient, m) {
		return
	}

	nodeID, addr, found, err := g.scheduler.WhichNode(ctx, recipient)
	if err == nil && found && nodeID != g.nodeID {
		if err := g.ForwardToPeer(ctx, nodeID, addr, m); err == nil {
			g.metrics.MessagesDelivered.Inc()
			return
		}
		g.mesh.Drop(nodeID)
		logger.Warningf("peer gateway %d unreachable, caching for user %d", nodeID, recipient)
	}

	g.io.Enqueue(iotask.Entry{Kind: iotask.Direct, Recipient: recipient, Msg: m})
	g.metrics.MessagesDropped.WithLabelValues("recipient_offline").Inc()
}

// routeGroup hands a group-addressed Msg to the group fan-out layer, or
// falls back to a bare cache broadcast if none is wired (e.g. in tests
// that exercise direct-message delivery only).
func (g *Gateway) routeGroup(ctx context.Context, m *message.Msg) error {
	if g.groupRouter == nil {
		g.CacheBroadcast(m)
		return nil
	}
	return g.groupRouter.Route(ctx, m)
}

// assignSeqnum resolves the shard owning key and calls its Next
// operation, retrying up to maxSeqnumRetries times against a freshly
// resolved shard address on each failure (the shard may have moved, or
// the cached client's connection may have gone bad).
func (g *Gateway) assignSeqnum(ctx context.Context, key message.ConvKey) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < maxSeqnumRetries; attempt++ {
		shardID, addr, err := g.scheduler.SeqnumShardFor(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		client, err := g.seqnumClientFor(ctx, shardID, addr)
		if err != nil {
			lastErr = err
			continue
		}
		start := time.Now()
		seqnum, err := client.Next(ctx, key)
		g.metrics.SeqnumLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			return seqnum, nil
		}
		lastErr = err
		g.seqnumClients.Delete(shardID)
	}
	return 0, fmt.Errorf("gateway: seqnum assignment failed after %d attempts: %w", maxSeqnumRetries, lastErr)
}

func (g *Gateway) seqnumClientFor(ctx context.Context, shardID uint32, addr string) (*SeqnumClient, error) {
	if v, ok := g.seqnumClients.Load(shardID); ok {
		return v.(*SeqnumClient), nil
	}
	conn, err := g.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial seqnum shard %d at %s: %w", shardID, addr, err)
	}
	ep := reqwest.NewEndpoint([]io.ReadWriteCloser{conn}, false)
	client := NewSeqnumClient(ep)
	actual, _ := g.seqnumClients.LoadOrStore(shardID, client)
	return actual.(*SeqnumClient), nil
}

// Close tears down every session, the mesh, and the IO task.
func (g *Gateway) Close() error {
	g.sessions.Range(func(_, v any) bool {
		v.(*Session).closeStream()
		return true
	})
	_ = g.mesh.Close()
	return g.io.Close()
}
