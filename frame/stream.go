// Package frame implements C1: a binary frame protocol and stream
// multiplexing layer over a connection-oriented reliable transport. It
// turns a raw io.ReadWriteCloser into two in-memory channels carrying whole
// messages, with resync/size guards and idle+keep-alive timers, per
// SPEC_FULL.md §4.1.
package frame

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/prim-im/corechat/internal/worker"
	"github.com/prim-im/corechat/message"
)

// Stream wraps conn, exposing an outbound sender and inbound receiver for
// whole frames of type T. Two cooperative goroutines (reader, writer) are
// spawned; closing either half (via Close, or a read/write error) tears
// down both, matching spec §4.1's "Concurrency contract".
type Stream[T any] struct {
	worker.Worker

	conn   io.ReadWriteCloser
	opts   options
	shape  Shape
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)

	lossCount uint64

	out chan T
	in  chan T
}

func newStream[T any](
	conn io.ReadWriteCloser,
	shape Shape,
	encode func(T) ([]byte, error),
	decode func([]byte) (T, error),
	makeKeepAlive func() T,
	makeIdleClose func() T,
	opts ...Option,
) *Stream[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Stream[T]{
		conn:   conn,
		opts:   o,
		shape:  shape,
		encode: encode,
		decode: decode,
		out:    make(chan T, o.channelDepth),
		in:     make(chan T, o.channelDepth),
	}

	idle := newIdleTimer(o.idleTimeout)
	s.Go(func() { s.readLoop(idle) })
	s.Go(func() { s.writeLoop(idle) })
	if o.keepAlive && makeKeepAlive != nil {
		s.Go(func() { s.keepAliveLoop(o.keepAliveInterval, makeKeepAlive) })
	}
	s.Go(func() { s.idleLoop(idle, makeIdleClose) })
	return s
}

// Outbound returns the send side of the stream; callers push whole frames
// here and the writer goroutine serializes and writes them.
func (s *Stream[T]) Outbound() chan<- T { return s.out }

// Inbound returns the receive side; the reader goroutine decodes frames
// read off conn and delivers them here.
func (s *Stream[T]) Inbound() <-chan T { return s.in }

// LossCount returns the number of garbage bytes skipped while resyncing
// (always 0 in Strict mode). See spec §8 P8.
func (s *Stream[T]) LossCount() uint64 { return atomic.LoadUint64(&s.lossCount) }

// Close halts both goroutines and closes the underlying connection. Safe to
// call more than once.
func (s *Stream[T]) Close() error {
	s.Halt()
	return s.conn.Close()
}

func (s *Stream[T]) readLoop(idle *idleTimer) {
	defer close(s.in)
	fr := &frameReader{r: s.conn}
	for {
		frameBytes, lossDelta, err := readFrameBytes(fr, s.shape, s.opts.mode)
		if lossDelta > 0 {
			atomic.AddUint64(&s.lossCount, uint64(lossDelta))
		}
		if err != nil {
			s.Halt()
			return
		}
		v, err := s.decode(frameBytes)
		if err != nil {
			var fe *FatalError
			if errors.As(err, &fe) {
				s.Halt()
				return
			}
			// Parse error on an otherwise well-framed message: drop and
			// keep reading, per spec §7's Parse taxonomy.
			continue
		}
		idle.Reset()
		select {
		case s.in <- v:
		case <-s.HaltCh():
			return
		}
	}
}

func (s *Stream[T]) writeLoop(idle *idleTimer) {
	defer s.conn.Close()
	for {
		select {
		case v, ok := <-s.out:
			if !ok {
				return
			}
			buf, err := s.encode(v)
			if err != nil {
				continue
			}
			if err := writeFrameBytes(s.conn, s.opts.mode, buf); err != nil {
				s.Halt()
				return
			}
			idle.Reset()
		case <-s.HaltCh():
			return
		}
	}
}

func (s *Stream[T]) keepAliveLoop(interval time.Duration, makeKeepAlive func() T) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case s.out <- makeKeepAlive():
			case <-s.HaltCh():
				return
			default:
			}
		case <-s.HaltCh():
			return
		}
	}
}

func (s *Stream[T]) idleLoop(idle *idleTimer, makeIdleClose func() T) {
	defer idle.Stop()
	for {
		select {
		case <-idle.C():
			if makeIdleClose != nil {
				select {
				case s.out <- makeIdleClose():
				default:
				}
			}
			s.Halt()
			return
		case <-s.HaltCh():
			return
		}
	}
}

// NewMsgStream wraps conn for C1 Msg traffic (client-gateway sessions,
// inter-node mesh links). Idle timeout emits a synthetic Close; if opts
// enable keep-alive, a synthetic Ping is emitted every interval (client
// side only, per spec §4.1 — the gateway side absorbs both without
// forwarding upward).
func NewMsgStream(conn io.ReadWriteCloser, opts ...Option) *Stream[*message.Msg] {
	mkPing := func() *message.Msg {
		m, _ := message.New(message.Ping, 0, 0, nil, nil)
		return m
	}
	mkClose := func() *message.Msg {
		m, _ := message.New(message.Close, 0, 0, nil, nil)
		return m
	}
	return newStream[*message.Msg](
		conn, MsgShape{},
		func(m *message.Msg) ([]byte, error) { return m.Bytes(), nil },
		message.Decode,
		mkPing, mkClose,
		opts...,
	)
}

// NewReqwestStream wraps conn for C2 ReqwestMsg traffic. Reqwest streams
// ride atop long-lived, already-authenticated node connections, so they do
// not run their own keep-alive; idle timeout still tears the stream down.
func NewReqwestStream(conn io.ReadWriteCloser, opts ...Option) *Stream[*message.ReqwestMsg] {
	return newStream[*message.ReqwestMsg](
		conn, ReqwestShape{},
		message.EncodeReqwest,
		message.DecodeReqwest,
		nil, nil,
		opts...,
	)
}
