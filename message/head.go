package message

import "encoding/binary"

// HeadLen is the fixed, normative size of a Msg's head in bytes (spec §3).
const HeadLen = 32

// Field widths, in bits, as specified. Bit-packing is normative wire
// format: see SPEC_FULL.md §3 for the exact word layout.
const (
	versionBits         = 10
	senderBits          = 46
	nodeIDBits          = 18
	receiverBits        = 46
	typeBits            = 12
	extensionLengthBits = 6
	timestampBits       = 46
	payloadLengthBits   = 14
	seqnumBits          = 50
)

const (
	// MaxExtensionLen is the largest value extension_length may take.
	MaxExtensionLen = 1<<extensionLengthBits - 1 // 63
	// MaxPayloadLen is the largest value payload_length may take.
	MaxPayloadLen = 1<<payloadLengthBits - 1 // 16383
	// MaxUserID is the largest value sender/receiver may take (46 bits).
	MaxUserID = 1<<senderBits - 1
	// MaxSeqnum is the largest value seqnum may take (50 bits).
	MaxSeqnum = 1<<seqnumBits - 1

	senderMask   = uint64(1)<<senderBits - 1
	receiverMask = uint64(1)<<receiverBits - 1
	timestampMask = uint64(1)<<timestampBits - 1
	seqnumMask   = uint64(1)<<seqnumBits - 1
)

// Head is the fixed 32-byte bit-packed prefix of a Msg. It is a view over
// four big-endian uint64 words; see SPEC_FULL.md §3:
//
//	word0: version[63:54] | reserved[53:46]=0 | sender[45:0]
//	word1: node_id[63:46] | receiver[45:0]
//	word2: type[63:52] | extension_length[51:46] | timestamp[45:0]
//	word3: payload_length[63:50] | seqnum[49:0]
type Head struct {
	w0, w1, w2, w3 uint64
}

// DecodeHead reads a Head from the first HeadLen bytes of buf.
func DecodeHead(buf []byte) Head {
	_ = buf[HeadLen-1]
	return Head{
		w0: binary.BigEndian.Uint64(buf[0:8]),
		w1: binary.BigEndian.Uint64(buf[8:16]),
		w2: binary.BigEndian.Uint64(buf[16:24]),
		w3: binary.BigEndian.Uint64(buf[24:32]),
	}
}

// Encode writes h into the first HeadLen bytes of buf.
func (h Head) Encode(buf []byte) {
	_ = buf[HeadLen-1]
	binary.BigEndian.PutUint64(buf[0:8], h.w0)
	binary.BigEndian.PutUint64(buf[8:16], h.w1)
	binary.BigEndian.PutUint64(buf[16:24], h.w2)
	binary.BigEndian.PutUint64(buf[24:32], h.w3)
}

func (h Head) Version() uint32 { return uint32(h.w0 >> (64 - versionBits)) }
func (h Head) Sender() uint64  { return h.w0 & senderMask }
func (h Head) NodeID() uint32  { return uint32(h.w1 >> receiverBits) }
func (h Head) Receiver() uint64 { return h.w1 & receiverMask }
func (h Head) Typ() Type {
	return Type(h.w2 >> (64 - typeBits))
}
func (h Head) ExtensionLength() uint8 {
	return uint8((h.w2 >> timestampBits) & (1<<extensionLengthBits - 1))
}
func (h Head) Timestamp() uint64     { return h.w2 & timestampMask }
func (h Head) PayloadLength() uint16 { return uint16(h.w3 >> seqnumBits) }
func (h Head) Seqnum() uint64        { return h.w3 & seqnumMask }

func (h *Head) SetVersion(v uint32) {
	h.w0 = (h.w0 & senderMask) | (uint64(v) << (64 - versionBits))
}

func (h *Head) SetSender(s uint64) {
	h.w0 = (h.w0 &^ senderMask) | (s & senderMask)
}

func (h *Head) SetNodeID(n uint32) {
	h.w1 = (h.w1 & receiverMask) | (uint64(n) << receiverBits)
}

func (h *Head) SetReceiver(r uint64) {
	h.w1 = (h.w1 &^ receiverMask) | (r & receiverMask)
}

func (h *Head) SetTyp(t Type) {
	h.w2 = (h.w2 & (timestampMask | (1<<extensionLengthBits-1)<<timestampBits)) | (uint64(t) << (64 - typeBits))
}

func (h *Head) SetExtensionLength(n uint8) {
	const m = uint64(1)<<extensionLengthBits - 1
	h.w2 = (h.w2 &^ (m << timestampBits)) | (uint64(n&uint8(m)) << timestampBits)
}

func (h *Head) SetTimestamp(ts uint64) {
	h.w2 = (h.w2 &^ timestampMask) | (ts & timestampMask)
}

func (h *Head) SetPayloadLength(n uint16) {
	const m = uint64(1)<<payloadLengthBits - 1
	h.w3 = (h.w3 & seqnumMask) | ((uint64(n) & m) << seqnumBits)
}

func (h *Head) SetSeqnum(s uint64) {
	h.w3 = (h.w3 &^ seqnumMask) | (s & seqnumMask)
}
