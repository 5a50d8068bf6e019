package gateway

import (
	"context"
	"time"

	"github.com/prim-im/corechat/frame"
	"github.com/prim-im/corechat/internal/worker"
	"github.com/prim-im/corechat/message"
)

// maxSeqnumRetries bounds the number of times Session retries a seqnum
// assignment RPC before giving up and replying Error to the sender
// without ever acking, per SPEC_FULL.md §4.2 failure semantics.
const maxSeqnumRetries = 5

// Session is one authenticated client connection: a read loop over a
// frame.Stream[*message.Msg] running the preprocess -> seqnum-stamp ->
// delivery pipeline for every inbound Msg.
type Session struct {
	worker.Worker
	userID   uint64
	hub      *Gateway
	stream   *frame.Stream[*message.Msg]
	lastLoss uint64
}

func newSession(hub *Gateway, userID uint64, stream *frame.Stream[*message.Msg]) *Session {
	s := &Session{userID: userID, hub: hub, stream: stream}
	s.Go(s.readLoop)
	return s
}

func (s *Session) readLoop() {
	for {
		select {
		case m, ok := <-s.stream.Inbound():
			if !ok {
				s.hub.removeSession(s.userID)
				return
			}
			s.hub.metrics.MessagesReceived.Inc()
			s.reportFrameLoss()
			s.handle(m)
		case <-s.HaltCh():
			return
		}
	}
}

func (s *Session) handle(m *message.Msg) {
	switch {
	case m.Typ() == message.Close:
		s.hub.removeSession(s.userID)
		s.send(message.NewAck(s.hub.nodeID, s.userID, 0))
		s.closeStream()
	case m.Typ() == message.Ping:
		s.replyPong()
	case m.Typ().IsSequenced():
		s.handleSequenced(m)
	default:
		s.hub.deliverOrForward(context.Background(), m)
	}
}

func (s *Session) replyPong() {
	pong, err := message.New(message.Pong, uint64(s.hub.nodeID), s.userID, nil, nil)
	if err != nil {
		return
	}
	s.send(pong)
}

// handleSequenced implements spec §4.2/§4.5's pipeline: stamp a seqnum,
// ack the sender, then deliver locally, forward to a peer gateway, or
// fall back to cache for an offline recipient. A conversation key covers
// both direct messages (hi/lo of the two user ids) and group messages
// (the group id alone), so the same path handles both.
func (s *Session) handleSequenced(m *message.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := message.KeyFor(m.Sender(), m.Receiver())
	seqnum, err := s.hub.assignSeqnum(ctx, key)
	if err != nil {
		s.hub.metrics.MessagesDropped.WithLabelValues("seqnum_unavailable").Inc()
		s.send(message.NewError(s.hub.nodeID, s.userID, "seqnum assignment failed"))
		return
	}

	m.SetSeqnum(seqnum)
	m.SetTimestamp(uint64(time.Now().UnixMilli()))
	m.SetNodeID(s.hub.nodeID)

	s.send(message.NewAck(s.hub.nodeID, s.userID, seqnum))

	if message.IsGroup(m.Receiver()) {
		if err := s.hub.routeGroup(ctx, m); err != nil {
			logger.Warningf("session %d: group route failed: %v", s.userID, err)
		}
		return
	}
	s.hub.deliverOrForward(ctx, m)
}

// reportFrameLoss adds any newly-skipped resync garbage bytes on this
// session's stream to the gateway-wide FrameLossTotal counter since the
// last time it was checked. frame.Stream tracks the count cumulatively, so
// only the delta since s.lastLoss is new.
func (s *Session) reportFrameLoss() {
	total := s.stream.LossCount()
	if total > s.lastLoss {
		s.hub.metrics.FrameLossTotal.Add(float64(total - s.lastLoss))
		s.lastLoss = total
	}
}

func (s *Session) send(m *message.Msg) {
	select {
	case s.stream.Outbound() <- m:
	case <-s.HaltCh():
	}
}

func (s *Session) closeStream() {
	s.Halt()
	_ = s.stream.Close()
}
