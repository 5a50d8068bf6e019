package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prim-im/corechat/message"
)

// pipeConn adapts a net.Conn pair so Stream can use the standard library's
// in-memory pipe for tests without a real socket.
func pipeConn() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestStreamStrictRoundTrip(t *testing.T) {
	a, b := pipeConn()
	defer a.Close()
	defer b.Close()

	sa := NewMsgStream(a, WithMode(Strict))
	sb := NewMsgStream(b, WithMode(Strict))
	defer sa.Close()
	defer sb.Close()

	m, err := message.New(message.Text, 1, 2, []byte("hello"), nil)
	if err != nil {
		t.Fatal(err)
	}
	sa.Outbound() <- m

	select {
	case got := <-sb.Inbound():
		if !bytes.Equal(got.Payload(), []byte("hello")) {
			t.Fatalf("payload mismatch: %q", got.Payload())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

// TestRawResyncSkipsGarbage exercises P8 directly against the raw framer:
// a delimiter-prefixed frame preceded by garbage bytes (none of them
// forming a spurious delimiter match) must be recovered with a loss count
// equal to the garbage length, and decode cleanly.
func TestRawResyncSkipsGarbage(t *testing.T) {
	m, err := message.New(message.Text, 10, 20, []byte("payload"), nil)
	if err != nil {
		t.Fatal(err)
	}
	frameBytes := m.Bytes()

	garbage := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 173) // 519 bytes, no 0xFF run
	var wire bytes.Buffer
	wire.Write(garbage)
	wire.Write(Delimiter[:])
	wire.Write(frameBytes)

	fr := &frameReader{r: &wire}
	got, loss, err := readFrameBytes(fr, MsgShape{}, Resync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loss != len(garbage) {
		t.Fatalf("loss=%d want %d", loss, len(garbage))
	}
	if !bytes.Equal(got, frameBytes) {
		t.Fatal("recovered frame bytes mismatch")
	}
}

// TestRawResyncEmbeddedDelimiterInHeader exercises the post-check: a
// spurious delimiter match followed by a header that itself contains a
// delimiter byte run must be rejected and resync must continue past it.
func TestRawResyncEmbeddedDelimiterInHeader(t *testing.T) {
	m, err := message.New(message.Text, 1, 1, []byte("x"), nil)
	if err != nil {
		t.Fatal(err)
	}
	frameBytes := m.Bytes()

	// A spurious delimiter run, immediately followed by HeaderLen bytes
	// that themselves contain a copy of the delimiter part-way through (so the
	// bytes read as "header" after the spurious match aren't a valid
	// header at all), followed by the real delimiter + real frame.
	spurious := Delimiter[:]
	fakeHeader := make([]byte, message.HeadLen)
	copy(fakeHeader[10:], Delimiter[:])

	var wire bytes.Buffer
	wire.Write(spurious)
	wire.Write(fakeHeader)
	wire.Write(Delimiter[:])
	wire.Write(frameBytes)

	fr := &frameReader{r: &wire}
	got, _, err := readFrameBytes(fr, MsgShape{}, Resync)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, frameBytes) {
		t.Fatal("recovered frame bytes mismatch after embedded-delimiter post-check")
	}
}

// TestMsgShapeBodyLenNeverErrorsAtMaxFieldValues documents the invariant
// that makes a size guard in MsgShape.BodyLen unreachable: PayloadLength
// and ExtensionLength are extracted by masking to their field widths, so
// even the largest values either field can hold still decode cleanly.
func TestMsgShapeBodyLenNeverErrorsAtMaxFieldValues(t *testing.T) {
	header := make([]byte, message.HeadLen)
	h := message.DecodeHead(header)
	h.SetPayloadLength(message.MaxPayloadLen)
	h.SetExtensionLength(message.MaxExtensionLen)
	h.Encode(header)

	n, err := MsgShape{}.BodyLen(header)
	if err != nil {
		t.Fatalf("unexpected error at max field values: %v", err)
	}
	if want := message.MaxPayloadLen + message.MaxExtensionLen; n != want {
		t.Fatalf("BodyLen=%d want %d", n, want)
	}
}

// TestStrictModeOversizeReqwestFrameIsFatal exercises the size guard that
// actually is reachable: ReqwestShape's body length comes from a raw
// 16-bit header field wider than MaxReqwestBodyLen, so a corrupted or
// malicious header can legitimately claim an oversize body.
func TestStrictModeOversizeReqwestFrameIsFatal(t *testing.T) {
	header := make([]byte, message.ReqwestHeaderLen)
	binary.BigEndian.PutUint16(header[0:2], 65535)

	fr := &frameReader{r: bytes.NewReader(nil)}
	fr.unread(header)

	_, _, err := readFrameBytes(fr, ReqwestShape{}, Strict)
	var fe *FatalError
	if err == nil {
		t.Fatal("expected error for oversize frame")
	}
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FatalError, got %T: %v", err, err)
	}
}

func TestReqwestShapeRejectsOversizeBody(t *testing.T) {
	header := make([]byte, message.ReqwestHeaderLen)
	binary.BigEndian.PutUint16(header[0:2], 65535)
	_, err := ReqwestShape{}.BodyLen(header)
	if err == nil {
		t.Fatal("expected error for oversize reqwest body")
	}
}
