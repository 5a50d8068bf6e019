package gateway

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/reqwest"
)

var errInvalidSeqnumResponse = errors.New("gateway: malformed seqnum response")

// SeqnumClient calls a single seqnum shard's Next operation over a
// reqwest.Endpoint, using message.ResourceSeqnum with an 8-byte
// conversation-key-hi/lo wire request (16 bytes total) and an 8-byte
// big-endian seqnum response.
type SeqnumClient struct {
	ep *reqwest.Endpoint
}

func NewSeqnumClient(ep *reqwest.Endpoint) *SeqnumClient {
	return &SeqnumClient{ep: ep}
}

func (c *SeqnumClient) Next(ctx context.Context, key message.ConvKey) (uint64, error) {
	kb := key.Bytes()
	body, err := c.ep.Call(ctx, message.ResourceSeqnum, kb[:])
	if err != nil {
		return 0, err
	}
	if len(body) != 8 {
		return 0, errInvalidSeqnumResponse
	}
	return binary.BigEndian.Uint64(body), nil
}
