package directory

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/reqwest"
)

// Service binds a Registry and GroupRegistry to an reqwest.Endpoint's
// resource dispatch table, implementing the scheduler RPCs of
// SPEC_FULL.md §4.2.1/§4.4.
type Service struct {
	registry *Registry
	groups   *GroupRegistry
}

func NewService(registry *Registry, groups *GroupRegistry) *Service {
	return &Service{registry: registry, groups: groups}
}

// Bind registers every scheduler-side handler on ep.
func (s *Service) Bind(ep *reqwest.Endpoint) {
	ep.Handle(message.ResourceNodeRegister, s.handleNodeRegister)
	ep.Handle(message.ResourceNodeUnregister, s.handleNodeUnregister)
	ep.Handle(message.ResourceWhichNode, s.handleWhichNode)
	ep.Handle(message.ResourceWhichToConnect, s.handleWhichToConnect)
	ep.Handle(message.ResourceAllGroupNodeList, s.handleAllGroupNodeList)
	ep.Handle(message.ResourceCurrNodeGroupUserList, s.handleCurrNodeGroupUserList)
	ep.Handle(message.ResourceSeqnumNodeUserSelect, s.handleSeqnumNodeUserSelect)
	ep.Handle(message.ResourceSeqnumNodeAddress, s.handleSeqnumNodeAddress)
	ep.Handle(message.ResourceMessageNodeAlive, s.handleMessageNodeAlive)
	ep.Handle(message.ResourceNodeHeartbeat, s.handleNodeHeartbeat)
}

type registerRequest struct {
	Info ServerInfo `cbor:"info"`
}

type registerResponse struct {
	Info ServerInfo `cbor:"info"` // the directory's own ServerInfo, handshake is mutual
}

func (s *Service) handleNodeRegister(_ context.Context, body []byte) ([]byte, error) {
	var req registerRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode register request: %w", err)
	}
	req.Info.Type = ClassifyNodeID(req.Info.ID)
	s.registry.Register(req.Info)
	return cbor.Marshal(registerResponse{Info: ServerInfo{ID: 0, Type: NodeScheduler}})
}

type unregisterRequest struct {
	ID uint32 `cbor:"id"`
}

func (s *Service) handleNodeUnregister(_ context.Context, body []byte) ([]byte, error) {
	var req unregisterRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode unregister request: %w", err)
	}
	s.registry.Unregister(req.ID)
	return nil, nil
}

type whichNodeRequest struct {
	User uint64 `cbor:"user"`
}

type whichNodeResponse struct {
	Found   bool       `cbor:"found"`
	Gateway ServerInfo `cbor:"gateway"`
}

func (s *Service) handleWhichNode(_ context.Context, body []byte) ([]byte, error) {
	var req whichNodeRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode which_node request: %w", err)
	}
	gwID, ok := s.registry.UserGateway(req.User)
	if !ok {
		return cbor.Marshal(whichNodeResponse{Found: false})
	}
	info, ok := s.registry.Node(gwID)
	if !ok {
		return cbor.Marshal(whichNodeResponse{Found: false})
	}
	return cbor.Marshal(whichNodeResponse{Found: true, Gateway: info})
}

type whichToConnectRequest struct {
	User uint64 `cbor:"user"`
}

// handleWhichToConnect answers which gateway a client should connect to
// for a first-time session: the least loaded live gateway. It also
// records the placement so a subsequent WhichNode lookup from a peer
// gateway resolves correctly.
func (s *Service) handleWhichToConnect(_ context.Context, body []byte) ([]byte, error) {
	var req whichToConnectRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode which_to_connect request: %w", err)
	}
	gateways := s.registry.LiveNodesOfType(NodeGateway)
	if len(gateways) == 0 {
		return nil, fmt.Errorf("directory: no live gateways")
	}
	best := gateways[0]
	for _, g := range gateways[1:] {
		if g.Load < best.Load {
			best = g
		}
	}
	s.registry.SetUserGateway(req.User, best.ID)
	return cbor.Marshal(whichNodeResponse{Found: true, Gateway: best})
}

type allGroupNodeListResponse struct {
	Gateways []ServerInfo `cbor:"gateways"`
}

func (s *Service) handleAllGroupNodeList(_ context.Context, _ []byte) ([]byte, error) {
	return cbor.Marshal(allGroupNodeListResponse{Gateways: s.registry.LiveNodesOfType(NodeGateway)})
}

type currNodeGroupUserListRequest struct {
	GroupID uint64 `cbor:"group_id"`
}

type currNodeGroupUserListResponse struct {
	Users []uint64 `cbor:"users"`
}

func (s *Service) handleCurrNodeGroupUserList(_ context.Context, body []byte) ([]byte, error) {
	var req currNodeGroupUserListRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode group user list request: %w", err)
	}
	return cbor.Marshal(currNodeGroupUserListResponse{Users: s.groups.Members(req.GroupID)})
}

type seqnumNodeUserSelectRequest struct {
	Key [16]byte `cbor:"key"`
}

type seqnumNodeUserSelectResponse struct {
	ShardID uint32 `cbor:"shard_id"`
}

func (s *Service) handleSeqnumNodeUserSelect(_ context.Context, body []byte) ([]byte, error) {
	var req seqnumNodeUserSelectRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode seqnum select request: %w", err)
	}
	shardID, err := s.registry.ShardFor(message.ConvKeyFromBytes(req.Key))
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(seqnumNodeUserSelectResponse{ShardID: shardID})
}

type seqnumNodeAddressRequest struct {
	ShardID uint32 `cbor:"shard_id"`
}

type seqnumNodeAddressResponse struct {
	Found bool       `cbor:"found"`
	Node  ServerInfo `cbor:"node"`
}

func (s *Service) handleSeqnumNodeAddress(_ context.Context, body []byte) ([]byte, error) {
	var req seqnumNodeAddressRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode seqnum address request: %w", err)
	}
	info, ok := s.registry.Node(req.ShardID)
	if !ok || info.Type != NodeSeqnum {
		return cbor.Marshal(seqnumNodeAddressResponse{Found: false})
	}
	return cbor.Marshal(seqnumNodeAddressResponse{Found: true, Node: info})
}

// messageNodeAliveRequest/-Response implement the documented
// message_node_alive(gateway_id) → bool query (spec.md:122): a caller
// asks whether some other node is currently alive.
type messageNodeAliveRequest struct {
	GatewayID uint32 `cbor:"gateway_id"`
}

type messageNodeAliveResponse struct {
	Alive bool `cbor:"alive"`
}

func (s *Service) handleMessageNodeAlive(_ context.Context, body []byte) ([]byte, error) {
	var req messageNodeAliveRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode alive request: %w", err)
	}
	return cbor.Marshal(messageNodeAliveResponse{Alive: s.registry.IsAlive(req.GatewayID)})
}

// nodeHeartbeatRequest is a node's own periodic self-report of current
// load (SPEC_FULL.md §4.4's heartbeat), distinct from the alive query
// above. Refreshes Load and recomputes Normal/Overload status.
type nodeHeartbeatRequest struct {
	ID   uint32 `cbor:"id"`
	Load uint32 `cbor:"load"`
}

func (s *Service) handleNodeHeartbeat(_ context.Context, body []byte) ([]byte, error) {
	var req nodeHeartbeatRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("directory: decode heartbeat request: %w", err)
	}
	if !s.registry.Heartbeat(req.ID, req.Load) {
		return nil, fmt.Errorf("directory: heartbeat from unregistered node %d", req.ID)
	}
	return nil, nil
}
