package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prim-im/corechat/cache"
	"github.com/prim-im/corechat/directory"
	"github.com/prim-im/corechat/frame"
	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/queue"
	"github.com/prim-im/corechat/reqwest"
	"github.com/prim-im/corechat/seqnum"
)

// testCluster wires a directory service and one seqnum shard, both
// reachable from a Gateway's SchedulerClient/dial the same way a real
// deployment's would be, but entirely over net.Pipe.
type testCluster struct {
	schedulerEP *reqwest.Endpoint
	seqnumConn  net.Conn
	closers     []func()
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	reg, err := directory.Open(t.TempDir())
	if err != nil {
		t.Fatalf("directory.Open: %v", err)
	}
	groups := directory.NewGroupRegistry()
	svc := directory.NewService(reg, groups)

	schedServer, schedClient := net.Pipe()
	schedServerEP := reqwest.NewEndpoint([]io.ReadWriteCloser{schedServer}, true)
	svc.Bind(schedServerEP)
	schedClientEP := reqwest.NewEndpoint([]io.ReadWriteCloser{schedClient}, false)

	reg.Register(directory.ServerInfo{
		ID:             10_000,
		Type:           directory.NodeSeqnum,
		ServiceAddress: "seqnum-1",
	})

	engine, err := seqnum.Open(t.TempDir())
	if err != nil {
		t.Fatalf("seqnum.Open: %v", err)
	}
	seqServer, seqClient := net.Pipe()
	seqServerEP := reqwest.NewEndpoint([]io.ReadWriteCloser{seqServer}, true)
	seqnum.Bind(engine, seqServerEP)

	tc := &testCluster{schedulerEP: schedClientEP, seqnumConn: seqClient}
	tc.closers = append(tc.closers,
		func() { _ = schedClientEP.Close() },
		func() { _ = schedServerEP.Close() },
		func() { _ = seqServerEP.Close() },
		func() { _ = engine.Close() },
		func() { _ = reg.Close() },
	)
	return tc
}

func (tc *testCluster) dial(_ context.Context, addr string) (io.ReadWriteCloser, error) {
	if addr == "seqnum-1" {
		return tc.seqnumConn, nil
	}
	return nil, fmt.Errorf("test cluster: no route to %s", addr)
}

func (tc *testCluster) Close() {
	for i := len(tc.closers) - 1; i >= 0; i-- {
		tc.closers[i]()
	}
}

func newTestGateway(t *testing.T, tc *testCluster) *Gateway {
	t.Helper()
	gw := New(1, tc.schedulerEP, StaticAuthenticator{}, cache.NewMemStore(), queue.NoopProducer{}, "chat.messages", tc.dial, 64)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func authenticate(t *testing.T, stream *frame.Stream[*message.Msg], user uint64) {
	t.Helper()
	auth, err := message.New(message.Auth, user, 0, []byte(fmt.Sprintf("user:%d", user)), nil)
	if err != nil {
		t.Fatalf("build auth msg: %v", err)
	}
	select {
	case stream.Outbound() <- auth:
	case <-time.After(time.Second):
		t.Fatal("timed out sending auth")
	}
	select {
	case m := <-stream.Inbound():
		if m.Typ() != message.Ack {
			t.Fatalf("expected Ack after auth, got %s", m.Typ())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth ack")
	}
}

func TestHandleConnRejectsNonAuthFirstMessage(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()
	gw := newTestGateway(t, tc)

	client, server := net.Pipe()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- gw.HandleConn(context.Background(), server) }()

	stream := frame.NewMsgStream(client)
	defer stream.Close()
	ping, _ := message.New(message.Ping, 1, 0, nil, nil)
	stream.Outbound() <- ping

	select {
	case err := <-errCh:
		if err != errNotAuthFirst {
			t.Fatalf("expected errNotAuthFirst, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConn did not return")
	}
}

func TestDirectMessageDeliveryStampsSeqnumAndAcks(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()
	gw := newTestGateway(t, tc)

	clientA, serverA := net.Pipe()
	defer clientA.Close()
	clientB, serverB := net.Pipe()
	defer clientB.Close()

	go gw.HandleConn(context.Background(), serverA)
	go gw.HandleConn(context.Background(), serverB)

	streamA := frame.NewMsgStream(clientA)
	defer streamA.Close()
	streamB := frame.NewMsgStream(clientB)
	defer streamB.Close()

	authenticate(t, streamA, 1)
	authenticate(t, streamB, 2)

	text, err := message.New(message.Text, 1, 2, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("build text msg: %v", err)
	}
	select {
	case streamA.Outbound() <- text:
	case <-time.After(time.Second):
		t.Fatal("timed out sending text")
	}

	select {
	case ack := <-streamA.Inbound():
		if ack.Typ() != message.Ack {
			t.Fatalf("expected Ack, got %s", ack.Typ())
		}
		if len(ack.Payload()) != 8 {
			t.Fatalf("ack payload should carry an 8-byte seqnum, got %d bytes", len(ack.Payload()))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	before := uint64(time.Now().UnixMilli())
	select {
	case delivered := <-streamB.Inbound():
		if delivered.Typ() != message.Text {
			t.Fatalf("expected Text, got %s", delivered.Typ())
		}
		if delivered.Seqnum() == 0 {
			t.Fatalf("delivered message should have a non-zero seqnum stamped")
		}
		if string(delivered.Payload()) != "hello" {
			t.Fatalf("payload mismatch: %q", delivered.Payload())
		}
		after := uint64(time.Now().UnixMilli())
		if delivered.Timestamp() < before-1000 || delivered.Timestamp() > after+1000 {
			t.Fatalf("expected timestamp near now-ms (%d..%d), got %d", before, after, delivered.Timestamp())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestAssignSeqnumMonotonicPerConversation(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()
	gw := newTestGateway(t, tc)

	key := message.DirectKey(1, 2)
	ctx := context.Background()
	first, err := gw.assignSeqnum(ctx, key)
	if err != nil {
		t.Fatalf("assignSeqnum: %v", err)
	}
	second, err := gw.assignSeqnum(ctx, key)
	if err != nil {
		t.Fatalf("assignSeqnum: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected monotonic seqnum, got %d then %d", first, second)
	}
}
