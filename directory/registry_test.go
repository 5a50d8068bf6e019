package directory

import (
	"testing"

	"github.com/prim-im/corechat/message"
)

func TestClassifyNodeID(t *testing.T) {
	cases := []struct {
		id   uint32
		want NodeType
	}{
		{0, NodeUnknown},
		{1, NodeGateway},
		{9999, NodeGateway},
		{10_000, NodeSeqnum},
		{19_999, NodeSeqnum},
		{20_000, NodeScheduler},
	}
	for _, c := range cases {
		if got := ClassifyNodeID(c.id); got != c.want {
			t.Errorf("ClassifyNodeID(%d)=%s want %s", c.id, got, c.want)
		}
	}
}

func TestShardAssignmentDeterministicAfterRestart(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	r.Register(ServerInfo{ID: 10_000, Type: NodeSeqnum})
	r.Register(ServerInfo{ID: 10_001, Type: NodeSeqnum})

	key := message.DirectKey(1, 2)
	shard1, err := r.ShardFor(key)
	if err != nil {
		t.Fatal(err)
	}
	shard2, err := r.ShardFor(key)
	if err != nil {
		t.Fatal(err)
	}
	if shard1 != shard2 {
		t.Fatalf("shard assignment not stable within one run: %d != %d", shard1, shard2)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	r2.Register(ServerInfo{ID: 10_000, Type: NodeSeqnum})
	r2.Register(ServerInfo{ID: 10_001, Type: NodeSeqnum})

	shard3, err := r2.ShardFor(key)
	if err != nil {
		t.Fatal(err)
	}
	if shard3 != shard1 {
		t.Fatalf("shard assignment changed after restart: %d != %d", shard3, shard1)
	}
}

func TestUnregisterClearsUserGateway(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Register(ServerInfo{ID: 1, Type: NodeGateway})
	r.SetUserGateway(42, 1)
	if gw, ok := r.UserGateway(42); !ok || gw != 1 {
		t.Fatalf("UserGateway=%d,%v want 1,true", gw, ok)
	}
	r.Unregister(1)
	if _, ok := r.UserGateway(42); ok {
		t.Fatal("expected user->gateway mapping cleared after unregister")
	}
	info, ok := r.Node(1)
	if !ok || info.Status != StatusOffline {
		t.Fatalf("expected node 1 marked offline, got %+v ok=%v", info, ok)
	}
}

func TestHeartbeatFlipsOverloadAndExcludesFromLiveNodes(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Register(ServerInfo{ID: 1, Type: NodeGateway})
	r.Register(ServerInfo{ID: 2, Type: NodeGateway})

	if ok := r.Heartbeat(1, overloadThreshold); !ok {
		t.Fatal("expected heartbeat for registered node 1 to succeed")
	}
	info, ok := r.Node(1)
	if !ok || info.Status != StatusOverload {
		t.Fatalf("expected node 1 marked overload, got %+v ok=%v", info, ok)
	}

	live := r.LiveNodesOfType(NodeGateway)
	if len(live) != 1 || live[0].ID != 2 {
		t.Fatalf("expected only node 2 in live set, got %+v", live)
	}

	if ok := r.Heartbeat(1, 0); !ok {
		t.Fatal("expected heartbeat for registered node 1 to succeed")
	}
	info, ok = r.Node(1)
	if !ok || info.Status != StatusNormal {
		t.Fatalf("expected node 1 recovered to normal, got %+v ok=%v", info, ok)
	}

	if ok := r.Heartbeat(99, 0); ok {
		t.Fatal("expected heartbeat for unregistered node to report ok=false")
	}
}

func TestHeartbeatDoesNotReviveOfflineNode(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Register(ServerInfo{ID: 1, Type: NodeGateway})
	r.Unregister(1)
	r.Heartbeat(1, 0)

	info, ok := r.Node(1)
	if !ok || info.Status != StatusOffline {
		t.Fatalf("expected node 1 to remain offline despite heartbeat, got %+v ok=%v", info, ok)
	}
}

func TestIsAlive(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Register(ServerInfo{ID: 1, Type: NodeGateway})
	if !r.IsAlive(1) {
		t.Fatal("expected newly registered node to be alive")
	}
	if r.IsAlive(2) {
		t.Fatal("expected unregistered node to be reported not alive")
	}
	r.Unregister(1)
	if r.IsAlive(1) {
		t.Fatal("expected unregistered-then-offline node to be reported not alive")
	}
}

func TestGroupRegistryJoinLeave(t *testing.T) {
	g := NewGroupRegistry()
	g.Join(message.GroupIDFloor+1, 100)
	g.Join(message.GroupIDFloor+1, 101)
	members := g.Members(message.GroupIDFloor + 1)
	if len(members) != 2 {
		t.Fatalf("members=%v want 2 entries", members)
	}
	g.Leave(message.GroupIDFloor+1, 100)
	members = g.Members(message.GroupIDFloor + 1)
	if len(members) != 1 || members[0] != 101 {
		t.Fatalf("members after leave=%v want [101]", members)
	}
}
