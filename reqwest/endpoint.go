// Package reqwest implements C2: a small request/response RPC envelope
// (message.ReqwestMsg) multiplexed over N frame streams of a single
// underlying connection, per SPEC_FULL.md §4.2. It is used both by clients
// calling into a gateway and by nodes calling each other across the mesh;
// a request id's high bit distinguishes a server-issued call from a
// client-issued one (message.WithServerOriginBit).
package reqwest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prim-im/corechat/frame"
	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/internal/worker"
	"github.com/prim-im/corechat/message"
)

var logger = log.New("reqwest")

// ErrTimeout is returned by Call when no response arrives before its
// context deadline or the Endpoint's configured timeout.
var ErrTimeout = errors.New("reqwest: call timed out")

// ErrClosed is returned by Call once the Endpoint has been closed.
var ErrClosed = errors.New("reqwest: endpoint closed")

// Handler answers a request addressed to a local ResourceID. An error
// reply is sent back as a ReqwestMsg whose Body is the error text;
// resource dispatch has no separate error channel, matching message.Msg's
// Error type convention.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// DefaultCallTimeout bounds Call when ctx carries no deadline.
const DefaultCallTimeout = 10 * time.Second

// Endpoint is one side of a multiplexed Reqwest link: it owns several
// frame.Stream[*message.ReqwestMsg] values riding the same logical
// connection (per spec "N streams per connection"), sending each
// outbound call on whichever stream currently has the fewest in-flight
// requests.
type Endpoint struct {
	worker.Worker

	streams []*frame.Stream[*message.ReqwestMsg]
	load    []int64 // atomic per-stream in-flight count, load-based selection

	seq uint64 // atomic monotonic request id generator

	pending sync.Map // uint64(base req id) -> chan *message.ReqwestMsg
	server  bool     // true if this endpoint marks its own calls with the server-origin bit

	handlers sync.Map // message.ResourceID -> Handler

	closed int32
}

// NewEndpoint wraps each conn in conns as a Reqwest frame stream and starts
// a dispatch goroutine per stream. server marks this endpoint as the
// server side of the link: its own outbound calls carry the origin bit
// (inter-node RPCs where either side may call the other, per spec §4.2).
func NewEndpoint(conns []io.ReadWriteCloser, server bool, opts ...frame.Option) *Endpoint {
	e := &Endpoint{
		streams: make([]*frame.Stream[*message.ReqwestMsg], len(conns)),
		load:    make([]int64, len(conns)),
		server:  server,
	}
	for i, c := range conns {
		e.streams[i] = frame.NewReqwestStream(c, opts...)
	}
	for i := range e.streams {
		i := i
		e.Go(func() { e.dispatchLoop(i) })
	}
	return e
}

// Handle registers h as the answer for calls addressed to id. Replacing an
// existing handler is allowed (last registration wins), matching the
// resource-dispatch table being built up at startup.
func (e *Endpoint) Handle(id message.ResourceID, h Handler) {
	e.handlers.Store(id, h)
}

// Call issues a request for resource id carrying body, and blocks until a
// matching response arrives, ctx is done, or the endpoint is closed.
func (e *Endpoint) Call(ctx context.Context, id message.ResourceID, body []byte) ([]byte, error) {
	if atomic.LoadInt32(&e.closed) != 0 {
		return nil, ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	base := atomic.AddUint64(&e.seq, 1)
	reqID := base
	if e.server {
		reqID = message.WithServerOriginBit(base)
	}

	respCh := make(chan *message.ReqwestMsg, 1)
	e.pending.Store(base, respCh)
	defer e.pending.Delete(base)

	si := e.pickStream()
	atomic.AddInt64(&e.load[si], 1)
	defer atomic.AddInt64(&e.load[si], -1)

	req := &message.ReqwestMsg{ReqID: reqID, ResourceID: id, Body: body}
	select {
	case e.streams[si].Outbound() <- req:
	case <-e.HaltCh():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-respCh:
		return resp.Body, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-e.HaltCh():
		return nil, ErrClosed
	}
}

// pickStream load-balances across streams by current in-flight count, a
// cheap proxy for each stream's queue depth (spec §4.2 "load-based
// selection").
func (e *Endpoint) pickStream() int {
	best := 0
	bestLoad := atomic.LoadInt64(&e.load[0])
	for i := 1; i < len(e.load); i++ {
		if l := atomic.LoadInt64(&e.load[i]); l < bestLoad {
			best, bestLoad = i, l
		}
	}
	return best
}

// dispatchLoop owns stream i's inbound channel: responses route to the
// caller waiting in e.pending, and requests route to a registered Handler,
// with the reply sent back marked as a response (spec §4.2's 4
// concurrent sub-roles collapse here into per-stream dispatch plus the
// shared pending map, since Go's channel primitives make the
// outbound/inbound split implicit in frame.Stream itself).
func (e *Endpoint) dispatchLoop(i int) {
	s := e.streams[i]
	for {
		select {
		case r, ok := <-s.Inbound():
			if !ok {
				return
			}
			if r.IsResponse() {
				base := r.BaseReqID()
				if ch, ok := e.pending.LoadAndDelete(base); ok {
					ch.(chan *message.ReqwestMsg) <- r
				}
				continue
			}
			go e.serve(s, r)
		case <-e.HaltCh():
			return
		}
	}
}

func (e *Endpoint) serve(s *frame.Stream[*message.ReqwestMsg], r *message.ReqwestMsg) {
	v, ok := e.handlers.Load(r.ResourceID)
	if !ok {
		logger.Warningf("reqwest: no handler for resource %d", r.ResourceID)
		return
	}
	h := v.(Handler)
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
	defer cancel()
	respBody, err := h(ctx, r.Body)
	if err != nil {
		respBody = []byte(err.Error())
	}
	// The reply carries the request's id with the origin bit flipped, so the
	// caller's IsResponse/BaseReqID pairing lines up regardless of which
	// side originated the call.
	reply := &message.ReqwestMsg{
		ReqID:      flipOrigin(r.ReqID),
		ResourceID: r.ResourceID,
		Body:       respBody,
	}
	select {
	case s.Outbound() <- reply:
	case <-e.HaltCh():
	}
}

// Close halts all dispatch goroutines and closes every underlying stream.
func (e *Endpoint) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	e.Halt()
	var firstErr error
	for _, s := range e.streams {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func flipOrigin(reqID uint64) uint64 {
	const bit = uint64(1) << 63
	return reqID ^ bit
}
