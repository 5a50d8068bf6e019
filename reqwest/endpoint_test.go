package reqwest

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prim-im/corechat/message"
)

func TestCallRoundTrip(t *testing.T) {
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	client := NewEndpoint([]io.ReadWriteCloser{ca}, false)
	server := NewEndpoint([]io.ReadWriteCloser{cb}, true)
	defer client.Close()
	defer server.Close()

	server.Handle(message.ResourcePing, func(ctx context.Context, body []byte) ([]byte, error) {
		return []byte("pong:" + string(body)), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Call(ctx, message.ResourcePing, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "pong:hi" {
		t.Fatalf("got %q", resp)
	}
}

func TestCallTimeoutWithNoHandler(t *testing.T) {
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()

	client := NewEndpoint([]io.ReadWriteCloser{ca}, false)
	server := NewEndpoint([]io.ReadWriteCloser{cb}, true)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, message.ResourcePing, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestPickStreamPrefersLeastLoaded(t *testing.T) {
	e := &Endpoint{load: []int64{3, 0, 5}}
	if got := e.pickStream(); got != 1 {
		t.Fatalf("pickStream=%d want 1", got)
	}
}
