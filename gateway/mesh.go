package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/prim-im/corechat/frame"
	"github.com/prim-im/corechat/message"
)

// mesh holds one outbound frame.Stream[*message.Msg] per peer gateway,
// dialed lazily and cached until it halts (idle timeout, I/O error) or is
// dropped, after which the next Forward redials — the inter-node
// forwarding mesh of SPEC_FULL.md §4.6. Unlike client
// sessions, peers are identified by node id, not user id.
type mesh struct {
	mu    sync.Mutex
	peers map[uint32]*frame.Stream[*message.Msg]
	dial  DialFunc
}

func newMesh(dial DialFunc) *mesh {
	return &mesh{peers: make(map[uint32]*frame.Stream[*message.Msg]), dial: dial}
}

// Forward delivers m to the peer gateway at addr (dialing it if there is
// no open connection yet), tagging it under peerNodeID. A dial or send
// failure here is the "peer unreachable" condition: SPEC_FULL.md's
// failure semantics require the caller to drop the mesh connection (Drop)
// and fall back to the cache, not retry indefinitely.
func (mh *mesh) Forward(ctx context.Context, peerNodeID uint32, addr string, m *message.Msg) error {
	stream, err := mh.streamFor(ctx, peerNodeID, addr)
	if err != nil {
		return err
	}
	select {
	case stream.Outbound() <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mh *mesh) streamFor(ctx context.Context, peerNodeID uint32, addr string) (*frame.Stream[*message.Msg], error) {
	mh.mu.Lock()
	if s, ok := mh.peers[peerNodeID]; ok {
		select {
		case <-s.HaltCh():
			delete(mh.peers, peerNodeID)
		default:
			mh.mu.Unlock()
			return s, nil
		}
	}
	mh.mu.Unlock()

	conn, err := mh.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial peer %d at %s: %w", peerNodeID, addr, err)
	}
	stream := frame.NewMsgStream(conn)

	mh.mu.Lock()
	defer mh.mu.Unlock()
	if s, ok := mh.peers[peerNodeID]; ok {
		_ = conn.Close()
		return s, nil
	}
	mh.peers[peerNodeID] = stream
	return stream, nil
}

// Drop closes and forgets the connection to peerNodeID, so the next
// Forward call redials.
func (mh *mesh) Drop(peerNodeID uint32) {
	mh.mu.Lock()
	s, ok := mh.peers[peerNodeID]
	delete(mh.peers, peerNodeID)
	mh.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

func (mh *mesh) Close() error {
	mh.mu.Lock()
	defer mh.mu.Unlock()
	for id, s := range mh.peers {
		_ = s.Close()
		delete(mh.peers, id)
	}
	return nil
}

// DialFunc opens a transport connection to addr — the seam that lets
// tests substitute net.Pipe or an in-memory listener for real TCP/TLS.
type DialFunc func(ctx context.Context, addr string) (io.ReadWriteCloser, error)
