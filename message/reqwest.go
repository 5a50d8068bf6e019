package message

import (
	"encoding/binary"
	"fmt"
)

// ReqwestHeaderLen is the fixed header size of a ReqwestMsg: 2-byte body
// length, 8-byte request id, 2-byte resource id (spec §3).
const ReqwestHeaderLen = 12

// MaxReqwestBodyLen is the largest body a ReqwestMsg may carry.
const MaxReqwestBodyLen = 65523

// serverOriginBit, set on bit 63 of the request id, distinguishes a
// server-originated request (server->client) from a client-originated one.
const serverOriginBit = uint64(1) << 63

// ResourceID identifies the handler a ReqwestMsg is dispatched to.
// Concrete values per SPEC_FULL.md §4.2.1.
type ResourceID uint16

const (
	ResourcePing  ResourceID = 0
	ResourcePong  ResourceID = 1
	ResourceSeqnum ResourceID = 16

	ResourceNodeRegister   ResourceID = 32
	ResourceNodeUnregister ResourceID = 33
	ResourceWhichNode      ResourceID = 34
	ResourceWhichToConnect ResourceID = 35

	ResourceAllGroupNodeList      ResourceID = 36
	ResourceCurrNodeGroupUserList ResourceID = 37
	ResourceSeqnumNodeUserSelect  ResourceID = 38
	ResourceSeqnumNodeAddress     ResourceID = 39

	// ResourceMessageNodeAlive implements the documented message_node_alive
	// query (spec.md:122): given a gateway_id, reports whether the
	// directory currently considers it alive. It is a pure query — it
	// never updates the queried node's own record.
	ResourceMessageNodeAlive ResourceID = 40
	// ResourceNodeHeartbeat is a node's own periodic self-report of its
	// current load, used to refresh its Status between Normal and
	// Overload. Distinct from ResourceMessageNodeAlive, which queries
	// some other node rather than reporting the caller's own state.
	ResourceNodeHeartbeat ResourceID = 41
	ResourceMessageForward ResourceID = 48
)

// ReqwestMsg is the framing used by the Reqwest RPC layer (C2): a small
// request/response envelope multiplexed over N streams of a connection.
type ReqwestMsg struct {
	ReqID      uint64
	ResourceID ResourceID
	Body       []byte
}

// IsResponse reports whether this ReqwestMsg's request id carries the
// server-origin bit, i.e. it is a response to a client-issued call.
func (r *ReqwestMsg) IsResponse() bool { return r.ReqID&serverOriginBit != 0 }

// BaseReqID strips the origin bit, returning the sequence value shared by a
// call and its response.
func (r *ReqwestMsg) BaseReqID() uint64 { return r.ReqID &^ serverOriginBit }

// WithServerOriginBit returns id with the server-origin bit set.
func WithServerOriginBit(id uint64) uint64 { return id | serverOriginBit }

// EncodeReqwest serializes r as ReqwestHeaderLen+len(body) bytes.
func EncodeReqwest(r *ReqwestMsg) ([]byte, error) {
	if len(r.Body) > MaxReqwestBodyLen {
		return nil, fmt.Errorf("message: reqwest body too large (%d > %d)", len(r.Body), MaxReqwestBodyLen)
	}
	buf := make([]byte, ReqwestHeaderLen+len(r.Body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(r.Body)))
	binary.BigEndian.PutUint64(buf[2:10], r.ReqID)
	binary.BigEndian.PutUint16(buf[10:12], uint16(r.ResourceID))
	copy(buf[ReqwestHeaderLen:], r.Body)
	return buf, nil
}

// DecodeReqwest parses a full ReqwestMsg frame (header+body) from buf.
func DecodeReqwest(buf []byte) (*ReqwestMsg, error) {
	if len(buf) < ReqwestHeaderLen {
		return nil, fmt.Errorf("message: reqwest buffer shorter than header (%d < %d)", len(buf), ReqwestHeaderLen)
	}
	bodyLen := binary.BigEndian.Uint16(buf[0:2])
	reqID := binary.BigEndian.Uint64(buf[2:10])
	resourceID := binary.BigEndian.Uint16(buf[10:12])
	if len(buf) != ReqwestHeaderLen+int(bodyLen) {
		return nil, fmt.Errorf("message: reqwest buffer length %d inconsistent with bodyLen %d", len(buf), bodyLen)
	}
	body := make([]byte, bodyLen)
	copy(body, buf[ReqwestHeaderLen:])
	return &ReqwestMsg{ReqID: reqID, ResourceID: ResourceID(resourceID), Body: body}, nil
}
