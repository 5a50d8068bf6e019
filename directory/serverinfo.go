// Package directory implements C4: the cluster's node registry and
// placement service. It tracks which node runs which role, which gateway
// a user is currently attached to, and which seqnum shard owns a
// conversation, and answers the scheduler RPCs gateways and seqnum nodes
// use to find each other (SPEC_FULL.md §4.4).
package directory

import "fmt"

// NodeType classifies a registered node by the ID range its id falls in,
// grounded on original_source/server/scheduler/src/service/handler/mod.rs's
// MESSAGE_NODE_ID_BEGINNING/SCHEDULER_NODE_ID_BEGINNING/
// RECORDER_NODE_ID_BEGINNING range checks.
type NodeType uint8

const (
	NodeUnknown NodeType = iota
	NodeGateway
	NodeSeqnum
	NodeScheduler
)

// Node ID range floors. A node's type is entirely determined by which
// range its id falls in; there is no separate "role" field to keep in
// sync.
const (
	GatewayNodeIDFloor   uint32 = 1
	SeqnumNodeIDFloor    uint32 = 10_000
	SchedulerNodeIDFloor uint32 = 20_000
)

// ClassifyNodeID returns the NodeType implied by id's range.
func ClassifyNodeID(id uint32) NodeType {
	switch {
	case id >= SchedulerNodeIDFloor:
		return NodeScheduler
	case id >= SeqnumNodeIDFloor:
		return NodeSeqnum
	case id >= GatewayNodeIDFloor:
		return NodeGateway
	default:
		return NodeUnknown
	}
}

func (t NodeType) String() string {
	switch t {
	case NodeGateway:
		return "gateway"
	case NodeSeqnum:
		return "seqnum"
	case NodeScheduler:
		return "scheduler"
	default:
		return "unknown"
	}
}

// NodeStatus is a ServerInfo's liveness state.
type NodeStatus uint8

const (
	StatusNormal NodeStatus = iota
	StatusOverload
	StatusOffline
)

// ServerInfo is the directory's node descriptor, exchanged during the
// Auth handshake every inter-node connection performs and persisted in
// the registry. Grounded on core/pki/descriptor.go's MixDescriptor: a
// small, cbor-serializable struct identifying a node and how to reach it.
type ServerInfo struct {
	ID             uint32     `cbor:"id"`
	Type           NodeType   `cbor:"type"`
	ServiceAddress string     `cbor:"service_address"`
	ClusterAddress string     `cbor:"cluster_address"`
	Status         NodeStatus `cbor:"status"`
	Load           uint32     `cbor:"load"`
}

func (s ServerInfo) String() string {
	return fmt.Sprintf("ServerInfo{id=%d type=%s service=%s cluster=%s status=%d load=%d}",
		s.ID, s.Type, s.ServiceAddress, s.ClusterAddress, s.Status, s.Load)
}
