package directory

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prim-im/corechat/internal/log"
	"github.com/prim-im/corechat/message"
)

var logger = log.New("directory")

// overloadThreshold is the self-reported Load at or above which a
// heartbeat flips a node to StatusOverload, per spec.md:48's
// Normal/Overload/Offline status set. A gateway reports its live client
// session count as Load (seqnum shards report 0), so this is sized well
// under typical fd/memory limits for a single gateway process.
const overloadThreshold = 50_000

// Registry is the directory's in-memory state: the node table, the
// user->gateway placement, and the conversation->seqnum-shard placement,
// the latter durably logged so a restart doesn't reshuffle existing
// conversations onto a different shard (SPEC_FULL.md §4.4/§4.4.1).
type Registry struct {
	mu    sync.RWMutex
	nodes map[uint32]ServerInfo

	userGateway map[uint64]uint32
	shardOf     map[message.ConvKey]uint32

	rrCounter uint64 // atomic, round-robin shard assignment

	log *assignmentLog
}

// Open creates a Registry, replaying dir/assignments.log to restore prior
// conversation->shard placements.
func Open(dir string) (*Registry, error) {
	l, err := openAssignmentLog(dir)
	if err != nil {
		return nil, fmt.Errorf("directory: open assignment log: %w", err)
	}
	r := &Registry{
		nodes:       make(map[uint32]ServerInfo),
		userGateway: make(map[uint64]uint32),
		shardOf:     make(map[message.ConvKey]uint32),
		log:         l,
	}
	if err := l.replay(func(key message.ConvKey, shardID uint32) {
		r.shardOf[key] = shardID
	}); err != nil {
		return nil, fmt.Errorf("directory: replay assignment log: %w", err)
	}
	return r, nil
}

// Register records info as live, per the Auth handshake every node
// connection performs (grounded on
// original_source/.../scheduler/src/service/handler/mod.rs's
// server_info_map/*_node_set inserts on Auth).
func (r *Registry) Register(info ServerInfo) {
	info.Status = StatusNormal
	r.mu.Lock()
	r.nodes[info.ID] = info
	r.mu.Unlock()
	logger.Infof("directory: registered %s", info)
}

// Unregister marks id offline, mirroring the original's "io receiver
// closed" branch which synthesizes a *NodeUnregister message carrying
// StatusOffline rather than deleting the entry outright (so WhichNode
// callers can still see why a lookup is failing).
func (r *Registry) Unregister(id uint32) {
	r.mu.Lock()
	if info, ok := r.nodes[id]; ok {
		info.Status = StatusOffline
		r.nodes[id] = info
	}
	for user, gw := range r.userGateway {
		if gw == id {
			delete(r.userGateway, user)
		}
	}
	r.mu.Unlock()
	logger.Infof("directory: unregistered node %d", id)
}

// Heartbeat refreshes id's self-reported Load and recomputes its status
// between StatusNormal and StatusOverload (an already-StatusOffline node
// stays Offline until it re-registers). Reports ok=false if id was never
// registered.
func (r *Registry) Heartbeat(id uint32, load uint32) (ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.nodes[id]
	if !ok {
		return false
	}
	info.Load = load
	if info.Status != StatusOffline {
		if load >= overloadThreshold {
			info.Status = StatusOverload
		} else {
			info.Status = StatusNormal
		}
	}
	r.nodes[id] = info
	return true
}

// IsAlive reports whether id is currently known and not StatusOffline —
// the documented message_node_alive(gateway_id) → bool query (spec.md:122),
// distinct from Heartbeat, which is a node's report about itself.
func (r *Registry) IsAlive(id uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.nodes[id]
	return ok && info.Status != StatusOffline
}

// Node returns the registered info for id, if any.
func (r *Registry) Node(id uint32) (ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.nodes[id]
	return info, ok
}

// LiveNodesOfType returns every node of typ currently StatusNormal, sorted
// by id for deterministic output.
func (r *Registry) LiveNodesOfType(typ NodeType) []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServerInfo
	for _, info := range r.nodes {
		if info.Type == typ && info.Status == StatusNormal {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetUserGateway records that user is currently attached to gateway gatewayID.
func (r *Registry) SetUserGateway(user uint64, gatewayID uint32) {
	r.mu.Lock()
	r.userGateway[user] = gatewayID
	r.mu.Unlock()
}

// UserGateway returns the gateway user is currently attached to, if known.
func (r *Registry) UserGateway(user uint64) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.userGateway[user]
	return gw, ok
}

// ShardFor returns the seqnum shard assigned to key, assigning one by
// round-robin over the currently live seqnum nodes and persisting the
// decision if key has never been seen before.
func (r *Registry) ShardFor(key message.ConvKey) (uint32, error) {
	r.mu.RLock()
	shardID, ok := r.shardOf[key]
	r.mu.RUnlock()
	if ok {
		return shardID, nil
	}

	shards := r.LiveNodesOfType(NodeSeqnum)
	if len(shards) == 0 {
		return 0, fmt.Errorf("directory: no live seqnum shards")
	}
	idx := atomic.AddUint64(&r.rrCounter, 1) % uint64(len(shards))
	shardID = shards[idx].ID

	r.mu.Lock()
	if existing, ok := r.shardOf[key]; ok {
		// Lost the race against a concurrent first-assignment; keep the
		// one that is already durable.
		r.mu.Unlock()
		return existing, nil
	}
	r.shardOf[key] = shardID
	r.mu.Unlock()

	if err := r.log.append(key, shardID); err != nil {
		return 0, fmt.Errorf("directory: persist shard assignment: %w", err)
	}
	return shardID, nil
}

// Close flushes and closes the assignment log.
func (r *Registry) Close() error {
	return r.log.Close()
}
