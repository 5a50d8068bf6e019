package message

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned when a payload or extension exceeds the wire
// format's maximum size.
var ErrTooLarge = errors.New("message: payload or extension too large")

// Msg is a single contiguous byte buffer: HeadLen bytes of head, followed by
// payload, followed by extension, per spec §3. seqnum is zero until
// assigned by the sequence-number engine (§4.3).
type Msg struct {
	buf []byte
}

// New builds a Msg with the given type, sender, receiver, payload and
// extension. Timestamp is left at zero; callers that care set it via
// SetTimestamp (the gateway preprocessing step does this at stamp time).
func New(typ Type, sender, receiver uint64, payload, extension []byte) (*Msg, error) {
	if len(payload) > MaxPayloadLen || len(extension) > MaxExtensionLen {
		return nil, ErrTooLarge
	}
	buf := make([]byte, HeadLen+len(payload)+len(extension))
	copy(buf[HeadLen:], payload)
	copy(buf[HeadLen+len(payload):], extension)

	var h Head
	h.SetTyp(typ)
	h.SetSender(sender)
	h.SetReceiver(receiver)
	h.SetPayloadLength(uint16(len(payload)))
	h.SetExtensionLength(uint8(len(extension)))
	h.Encode(buf)
	return &Msg{buf: buf}, nil
}

// Decode parses buf (which it takes ownership of) into a Msg. It validates
// that the buffer length is consistent with the head's declared lengths,
// per the invariant in spec §3.
func Decode(buf []byte) (*Msg, error) {
	if len(buf) < HeadLen {
		return nil, fmt.Errorf("message: buffer shorter than head (%d < %d)", len(buf), HeadLen)
	}
	h := DecodeHead(buf)
	want := HeadLen + int(h.PayloadLength()) + int(h.ExtensionLength())
	if len(buf) != want {
		return nil, fmt.Errorf("message: buffer length %d inconsistent with head (want %d)", len(buf), want)
	}
	return &Msg{buf: buf}, nil
}

// Bytes returns the raw wire buffer backing m. Callers must not retain it
// across further mutation of m.
func (m *Msg) Bytes() []byte { return m.buf }

// Len returns the total encoded length of m.
func (m *Msg) Len() int { return len(m.buf) }

func (m *Msg) head() Head { return DecodeHead(m.buf) }

func (m *Msg) putHead(h Head) { h.Encode(m.buf) }

func (m *Msg) Version() uint32        { return m.head().Version() }
func (m *Msg) Sender() uint64         { return m.head().Sender() }
func (m *Msg) NodeID() uint32         { return m.head().NodeID() }
func (m *Msg) Receiver() uint64       { return m.head().Receiver() }
func (m *Msg) Typ() Type              { return m.head().Typ() }
func (m *Msg) ExtensionLength() uint8 { return m.head().ExtensionLength() }
func (m *Msg) Timestamp() uint64      { return m.head().Timestamp() }
func (m *Msg) PayloadLength() uint16  { return m.head().PayloadLength() }
func (m *Msg) Seqnum() uint64         { return m.head().Seqnum() }

func (m *Msg) SetVersion(v uint32) { h := m.head(); h.SetVersion(v); m.putHead(h) }
func (m *Msg) SetSender(s uint64)  { h := m.head(); h.SetSender(s); m.putHead(h) }
func (m *Msg) SetNodeID(n uint32)  { h := m.head(); h.SetNodeID(n); m.putHead(h) }
func (m *Msg) SetReceiver(r uint64) { h := m.head(); h.SetReceiver(r); m.putHead(h) }
func (m *Msg) SetTyp(t Type)       { h := m.head(); h.SetTyp(t); m.putHead(h) }
func (m *Msg) SetTimestamp(ts uint64) { h := m.head(); h.SetTimestamp(ts); m.putHead(h) }
func (m *Msg) SetSeqnum(s uint64)  { h := m.head(); h.SetSeqnum(s); m.putHead(h) }

// Payload returns the payload slice (aliasing the underlying buffer).
func (m *Msg) Payload() []byte {
	h := m.head()
	start := HeadLen
	end := start + int(h.PayloadLength())
	return m.buf[start:end]
}

// Extension returns the extension slice (aliasing the underlying buffer).
// It is empty unless ExtensionLength() > 0.
func (m *Msg) Extension() []byte {
	h := m.head()
	start := HeadLen + int(h.PayloadLength())
	end := start + int(h.ExtensionLength())
	return m.buf[start:end]
}

// WithExtension returns a copy of m with its extension replaced by ext.
// Used by the gateway to append the original sender id to a group message
// whose extension is empty (spec §4.5 step 1).
func (m *Msg) WithExtension(ext []byte) (*Msg, error) {
	if len(ext) > MaxExtensionLen {
		return nil, ErrTooLarge
	}
	payload := m.Payload()
	out, err := New(m.Typ(), m.Sender(), m.Receiver(), payload, ext)
	if err != nil {
		return nil, err
	}
	out.SetTimestamp(m.Timestamp())
	out.SetSeqnum(m.Seqnum())
	out.SetNodeID(m.NodeID())
	out.SetVersion(m.Version())
	return out, nil
}

// Clone returns a deep copy of m.
func (m *Msg) Clone() *Msg {
	buf := make([]byte, len(m.buf))
	copy(buf, m.buf)
	return &Msg{buf: buf}
}

// NewError builds a user-visible Error Msg per spec §7: sender is the
// gateway's node id, receiver is the originating user, payload is an ASCII
// reason.
func NewError(gatewayNodeID uint32, originatingUser uint64, reason string) *Msg {
	m, _ := New(Error, uint64(gatewayNodeID), originatingUser, []byte(reason), nil)
	return m
}

// NewAck builds an Ack Msg carrying the assigned seqnum in the payload as
// an 8-byte big-endian integer, sent from the gateway back to the sender.
func NewAck(gatewayNodeID uint32, sender uint64, seqnum uint64) *Msg {
	payload := make([]byte, 8)
	for i := 0; i < 8; i++ {
		payload[7-i] = byte(seqnum >> (8 * i))
	}
	m, _ := New(Ack, uint64(gatewayNodeID), sender, payload, nil)
	return m
}
