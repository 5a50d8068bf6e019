package frame

import (
	"encoding/binary"

	"github.com/prim-im/corechat/message"
)

// Shape teaches the raw framer how to find the end of the current frame: a
// fixed header length, and a function from the header bytes to the number
// of bytes remaining in the frame body. Both message.Msg and
// message.ReqwestMsg are self-describing this way, which is what lets a
// single strict/resync implementation serve both C1 (Msg) and C2
// (ReqwestMsg) framing, matching spec §4.2 "Reqwest RPC ... on top of C1
// framing".
type Shape interface {
	HeaderLen() int
	// BodyLen returns the number of bytes following the header for this
	// frame, or a FatalError if header is malformed/oversize.
	BodyLen(header []byte) (int, error)
}

// MsgShape frames message.Msg values: a HeadLen-byte head followed by
// payload_length+extension_length bytes.
type MsgShape struct{}

func (MsgShape) HeaderLen() int { return message.HeadLen }

// BodyLen never errors: PayloadLength and ExtensionLength are extracted by
// masking to their field widths (14 and 6 bits), so for any 32-byte header
// they can never exceed MaxPayloadLen/MaxExtensionLen — there's no header
// bit pattern that decodes to an oversize body. The sum is capped by the
// bit widths themselves (at most MaxPayloadLen+MaxExtensionLen bytes), well
// short of anything that would threaten a crash-the-stream allocation.
func (MsgShape) BodyLen(header []byte) (int, error) {
	h := message.DecodeHead(header)
	return int(h.PayloadLength()) + int(h.ExtensionLength()), nil
}

// ReqwestShape frames message.ReqwestMsg values: a 12-byte header (body
// length, request id, resource id) followed by the body.
type ReqwestShape struct{}

func (ReqwestShape) HeaderLen() int { return message.ReqwestHeaderLen }

func (ReqwestShape) BodyLen(header []byte) (int, error) {
	bodyLen := binary.BigEndian.Uint16(header[0:2])
	if int(bodyLen) > message.MaxReqwestBodyLen {
		return 0, fatalf("oversize reqwest frame: body=%d", bodyLen)
	}
	return int(bodyLen), nil
}
