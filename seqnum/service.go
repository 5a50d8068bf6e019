package seqnum

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/prim-im/corechat/message"
	"github.com/prim-im/corechat/reqwest"
)

// Bind registers Engine's Next operation on ep under
// message.ResourceSeqnum: a 16-byte conversation-key request, an 8-byte
// big-endian seqnum response, matching gateway.SeqnumClient's wire
// contract.
func Bind(e *Engine, ep *reqwest.Endpoint) {
	ep.Handle(message.ResourceSeqnum, func(ctx context.Context, body []byte) ([]byte, error) {
		if len(body) != 16 {
			return nil, fmt.Errorf("seqnum: malformed key in request (%d bytes)", len(body))
		}
		var kb [16]byte
		copy(kb[:], body)
		key := message.ConvKeyFromBytes(kb)

		seqnum, err := e.Next(ctx, key)
		if err != nil {
			return nil, err
		}
		resp := make([]byte, 8)
		binary.BigEndian.PutUint64(resp, seqnum)
		return resp, nil
	})
}
