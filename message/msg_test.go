package message

import (
	"bytes"
	"testing"
)

// P1: decode(encode(m)) == m byte-for-byte.
func TestWireRoundTrip(t *testing.T) {
	m, err := New(Text, 1001, 1002, []byte("hi"), []byte("1001"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetTimestamp(123456789)
	m.SetSeqnum(42)
	m.SetNodeID(7)
	m.SetVersion(1)

	decoded, err := Decode(append([]byte(nil), m.Bytes()...))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Bytes(), m.Bytes()) {
		t.Fatalf("round trip mismatch:\n got %x\nwant %x", decoded.Bytes(), m.Bytes())
	}
}

func TestBufferLengthConsistency(t *testing.T) {
	m, err := New(Text, 1, 2, make([]byte, 100), make([]byte, 10))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := m.Len(), HeadLen+100+10; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
	buf := m.Bytes()
	if _, err := Decode(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error decoding truncated buffer")
	}
}

func TestExtensionOnlyPresentWhenNonEmpty(t *testing.T) {
	m, err := New(Text, 1, 2, []byte("x"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.ExtensionLength() != 0 {
		t.Fatalf("ExtensionLength() = %d, want 0", m.ExtensionLength())
	}
	if len(m.Extension()) != 0 {
		t.Fatalf("Extension() = %v, want empty", m.Extension())
	}
}

func TestSeqnumZeroUntilAssigned(t *testing.T) {
	m, err := New(Text, 1, 2, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Seqnum() != 0 {
		t.Fatalf("Seqnum() = %d, want 0", m.Seqnum())
	}
}

func TestPayloadTooLarge(t *testing.T) {
	if _, err := New(Text, 1, 2, make([]byte, MaxPayloadLen+1), nil); err != ErrTooLarge {
		t.Fatalf("New() error = %v, want ErrTooLarge", err)
	}
}

func TestExtensionTooLarge(t *testing.T) {
	if _, err := New(Text, 1, 2, nil, make([]byte, MaxExtensionLen+1)); err != ErrTooLarge {
		t.Fatalf("New() error = %v, want ErrTooLarge", err)
	}
}

// P2: for every field f, set(f, v); get(f) == v across the declared range,
// and setting other fields does not disturb f.
func TestHeadBitPacking(t *testing.T) {
	var h Head

	h.SetVersion(1023) // max 10-bit value
	h.SetSender(MaxUserID)
	h.SetNodeID(1<<18 - 1)
	h.SetReceiver(MaxUserID - 1)
	h.SetTyp(Type(1<<12 - 1))
	h.SetExtensionLength(MaxExtensionLen)
	h.SetTimestamp(1<<46 - 1)
	h.SetPayloadLength(MaxPayloadLen)
	h.SetSeqnum(MaxSeqnum)

	if h.Version() != 1023 {
		t.Fatalf("Version() = %d", h.Version())
	}
	if h.Sender() != MaxUserID {
		t.Fatalf("Sender() = %d", h.Sender())
	}
	if h.NodeID() != 1<<18-1 {
		t.Fatalf("NodeID() = %d", h.NodeID())
	}
	if h.Receiver() != MaxUserID-1 {
		t.Fatalf("Receiver() = %d", h.Receiver())
	}
	if h.Typ() != Type(1<<12-1) {
		t.Fatalf("Typ() = %d", h.Typ())
	}
	if h.ExtensionLength() != MaxExtensionLen {
		t.Fatalf("ExtensionLength() = %d", h.ExtensionLength())
	}
	if h.Timestamp() != 1<<46-1 {
		t.Fatalf("Timestamp() = %d", h.Timestamp())
	}
	if h.PayloadLength() != MaxPayloadLen {
		t.Fatalf("PayloadLength() = %d", h.PayloadLength())
	}
	if h.Seqnum() != MaxSeqnum {
		t.Fatalf("Seqnum() = %d", h.Seqnum())
	}
}

func TestHeadSetDoesNotDisturbOtherFields(t *testing.T) {
	var h Head
	h.SetVersion(5)
	h.SetSender(100)
	h.SetNodeID(9)
	h.SetReceiver(200)
	h.SetTyp(Text)
	h.SetExtensionLength(4)
	h.SetTimestamp(1000)
	h.SetPayloadLength(10)
	h.SetSeqnum(77)

	// Mutate one field at a time, verifying the rest are unaffected.
	h.SetSender(101)
	if h.Version() != 5 {
		t.Fatalf("Version disturbed by SetSender: %d", h.Version())
	}

	h.SetReceiver(201)
	if h.NodeID() != 9 {
		t.Fatalf("NodeID disturbed by SetReceiver: %d", h.NodeID())
	}

	h.SetExtensionLength(5)
	if h.Typ() != Text {
		t.Fatalf("Typ disturbed by SetExtensionLength: %v", h.Typ())
	}
	if h.Timestamp() != 1000 {
		t.Fatalf("Timestamp disturbed by SetExtensionLength: %d", h.Timestamp())
	}

	h.SetTimestamp(1001)
	if h.Typ() != Text {
		t.Fatalf("Typ disturbed by SetTimestamp: %v", h.Typ())
	}
	if h.ExtensionLength() != 5 {
		t.Fatalf("ExtensionLength disturbed by SetTimestamp: %d", h.ExtensionLength())
	}

	h.SetSeqnum(78)
	if h.PayloadLength() != 10 {
		t.Fatalf("PayloadLength disturbed by SetSeqnum: %d", h.PayloadLength())
	}
}

func TestConvKeyDirectAndGroup(t *testing.T) {
	k1 := DirectKey(1002, 1001)
	k2 := DirectKey(1001, 1002)
	if k1 != k2 {
		t.Fatalf("DirectKey not order-independent: %v != %v", k1, k2)
	}
	if k1.Hi != 1001 || k1.Lo != 1002 {
		t.Fatalf("DirectKey = %+v, want Hi=1001 Lo=1002", k1)
	}

	g := uint64(1)<<46 + 7
	gk := GroupKey(g)
	if gk.Hi != g || gk.Lo != g {
		t.Fatalf("GroupKey = %+v", gk)
	}
	if !IsGroup(g) {
		t.Fatal("expected group id to be recognized as a group")
	}
	if IsGroup(1001) {
		t.Fatal("expected user id to not be recognized as a group")
	}
}

func TestReqwestRoundTrip(t *testing.T) {
	r := &ReqwestMsg{ReqID: WithServerOriginBit(42), ResourceID: ResourceSeqnum, Body: []byte("payload")}
	buf, err := EncodeReqwest(r)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeReqwest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReqID != r.ReqID || got.ResourceID != r.ResourceID || !bytes.Equal(got.Body, r.Body) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, r)
	}
	if !got.IsResponse() {
		t.Fatal("expected IsResponse() true with server-origin bit set")
	}
	if got.BaseReqID() != 42 {
		t.Fatalf("BaseReqID() = %d, want 42", got.BaseReqID())
	}
}
