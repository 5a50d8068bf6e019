package gateway

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/reqwest"
)

// SchedulerClient calls the directory's RPCs over a reqwest.Endpoint. Its
// request/response cbor shapes must stay wire-compatible with
// directory/service.go's; they're kept independent of directory's
// ServerInfo type (rather than shared types), so only the cbor wire shape
// ties the two sides together.
type SchedulerClient struct {
	ep *reqwest.Endpoint
}

func NewSchedulerClient(ep *reqwest.Endpoint) *SchedulerClient {
	return &SchedulerClient{ep: ep}
}

func (c *SchedulerClient) call(ctx context.Context, id message.ResourceID, req, resp any) error {
	var body []byte
	if req != nil {
		b, err := cbor.Marshal(req)
		if err != nil {
			return fmt.Errorf("gateway: encode scheduler request: %w", err)
		}
		body = b
	}
	respBody, err := c.ep.Call(ctx, id, body)
	if err != nil {
		return err
	}
	if resp != nil && len(respBody) > 0 {
		if err := cbor.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("gateway: decode scheduler response: %w", err)
		}
	}
	return nil
}

type wireServerInfo struct {
	ID             uint32 `cbor:"id"`
	Type           uint8  `cbor:"type"`
	ServiceAddress string `cbor:"service_address"`
	ClusterAddress string `cbor:"cluster_address"`
	Status         uint8  `cbor:"status"`
	Load           uint32 `cbor:"load"`
}

// Register announces this gateway to the scheduler.
func (c *SchedulerClient) Register(ctx context.Context, id uint32, serviceAddr, clusterAddr string) error {
	req := struct {
		Info wireServerInfo `cbor:"info"`
	}{Info: wireServerInfo{ID: id, ServiceAddress: serviceAddr, ClusterAddress: clusterAddr}}
	return c.call(ctx, message.ResourceNodeRegister, req, nil)
}

// Heartbeat reports this node's own current load to the scheduler, the
// self-report heartbeat of SPEC_FULL.md §4.4. It refreshes id's Load and
// Normal/Overload status; it is not the message_node_alive query (that's
// IsAlive, below).
func (c *SchedulerClient) Heartbeat(ctx context.Context, id uint32, load uint32) error {
	req := struct {
		ID   uint32 `cbor:"id"`
		Load uint32 `cbor:"load"`
	}{ID: id, Load: load}
	return c.call(ctx, message.ResourceNodeHeartbeat, req, nil)
}

// IsAlive implements the documented message_node_alive(gateway_id) →
// bool query (spec.md:122): whether some other node is currently alive,
// as opposed to Heartbeat's self-report.
func (c *SchedulerClient) IsAlive(ctx context.Context, gatewayID uint32) (bool, error) {
	req := struct {
		GatewayID uint32 `cbor:"gateway_id"`
	}{GatewayID: gatewayID}
	var resp struct {
		Alive bool `cbor:"alive"`
	}
	if err := c.call(ctx, message.ResourceMessageNodeAlive, req, &resp); err != nil {
		return false, err
	}
	return resp.Alive, nil
}

// WhichNode resolves which gateway user is currently attached to, and that
// gateway's cluster address (where its peer mesh listener accepts).
func (c *SchedulerClient) WhichNode(ctx context.Context, user uint64) (nodeID uint32, clusterAddr string, found bool, err error) {
	req := struct {
		User uint64 `cbor:"user"`
	}{User: user}
	var resp struct {
		Found   bool           `cbor:"found"`
		Gateway wireServerInfo `cbor:"gateway"`
	}
	if err := c.call(ctx, message.ResourceWhichNode, req, &resp); err != nil {
		return 0, "", false, err
	}
	return resp.Gateway.ID, resp.Gateway.ClusterAddress, resp.Found, nil
}

// SeqnumShardFor resolves the seqnum shard owning a conversation key, then
// the address to reach that shard at.
func (c *SchedulerClient) SeqnumShardFor(ctx context.Context, key message.ConvKey) (shardID uint32, addr string, err error) {
	kb := key.Bytes()
	selReq := struct {
		Key [16]byte `cbor:"key"`
	}{Key: kb}
	var selResp struct {
		ShardID uint32 `cbor:"shard_id"`
	}
	if err := c.call(ctx, message.ResourceSeqnumNodeUserSelect, selReq, &selResp); err != nil {
		return 0, "", err
	}

	addrReq := struct {
		ShardID uint32 `cbor:"shard_id"`
	}{ShardID: selResp.ShardID}
	var addrResp struct {
		Found bool           `cbor:"found"`
		Node  wireServerInfo `cbor:"node"`
	}
	if err := c.call(ctx, message.ResourceSeqnumNodeAddress, addrReq, &addrResp); err != nil {
		return 0, "", err
	}
	if !addrResp.Found {
		return 0, "", fmt.Errorf("gateway: no address for seqnum shard %d", selResp.ShardID)
	}
	return selResp.ShardID, addrResp.Node.ServiceAddress, nil
}

// CurrNodeGroupUserList resolves a group's current member list.
func (c *SchedulerClient) CurrNodeGroupUserList(ctx context.Context, groupID uint64) ([]uint64, error) {
	req := struct {
		GroupID uint64 `cbor:"group_id"`
	}{GroupID: groupID}
	var resp struct {
		Users []uint64 `cbor:"users"`
	}
	if err := c.call(ctx, message.ResourceCurrNodeGroupUserList, req, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}
