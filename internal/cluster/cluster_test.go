package cluster

import (
	"testing"
	"time"

	"inference-oracle/internal/domain"
	"inference-oracle/internal/pubsub"
	"inference-oracle/internal/store"
	"inference-oracle/internal/testutil"
)

type fixedTable struct {
	memReq map[string]int64
	layers map[string]int
}

func (f fixedTable) MemRequirement(model string) int64 {
	if v, ok := f.memReq[model]; ok {
		return v
	}
	return 16_000
}

func (f fixedTable) LayerCount(model string) int {
	if v, ok := f.layers[model]; ok {
		return v
	}
	return 32
}

func newManager(t *testing.T, table fixedTable) *Manager {
	t.Helper()
	sandbox, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	t.Cleanup(func() { sandbox.Cleanup() })

	db, err := store.Open(sandbox.Root)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(db, table, table, pubsub.NewBus(nil), nil)
}

func lanNode(addr byte, lanIP string, ramMB int64, tok float64) domain.AgentNode {
	var a domain.Address
	a[19] = addr
	return domain.AgentNode{
		Address: a, Endpoint: "http://node", LanIP: lanIP, RAMMb: ramMB,
		BenchmarkTokPerSec: tok, CanDistribute: true, LastHeartbeat: time.Now().Unix(),
	}
}

// TestReconcileFormsClusterForTwoWeakLANPeers mirrors spec §8 scenario 4: two
// memory-insufficient LAN peers on the same /24, whose combined available
// memory clears the model's requirement, form one coordinator + one
// rpc-server cluster with a proportional layer split.
func TestReconcileFormsClusterForTwoWeakLANPeers(t *testing.T) {
	table := fixedTable{memReq: map[string]int64{"model-big": 15_000}, layers: map[string]int{"model-big": 32}}
	mgr := newManager(t, table)

	n1 := lanNode(1, "192.168.0.1", 10_000, 20)
	n2 := lanNode(2, "192.168.0.2", 10_000, 10)
	n3 := lanNode(3, "192.168.1.1", 10_000, 30) // different subnet, must not join

	now := time.Now()
	if err := mgr.Reconcile("model-big", []domain.AgentNode{n1, n2, n3}, now); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var clustered []domain.PipelineAssignment
	for _, row := range mgr.db.Assignments.All() {
		if row.ModelName == "model-big" && row.ClusterID != 0 {
			clustered = append(clustered, row)
		}
	}
	if len(clustered) != 2 {
		t.Fatalf("expected exactly 2 clustered rows, got %d", len(clustered))
	}

	var coordinators, rpcServers int
	clusterIDs := map[uint64]bool{}
	for _, row := range clustered {
		clusterIDs[row.ClusterID] = true
		switch row.NodeMode {
		case domain.NodeCoordinator:
			coordinators++
		case domain.NodeRPCServer:
			rpcServers++
		}
	}
	if coordinators != 1 {
		t.Fatalf("expected exactly one coordinator, got %d", coordinators)
	}
	if rpcServers != 1 {
		t.Fatalf("expected exactly one rpc-server, got %d", rpcServers)
	}
	if len(clusterIDs) != 1 {
		t.Fatalf("expected both members to share one clusterId, got %d distinct ids", len(clusterIDs))
	}

	var coordinatorRow, rpcRow domain.PipelineAssignment
	for _, row := range clustered {
		if row.NodeMode == domain.NodeCoordinator {
			coordinatorRow = row
		} else {
			rpcRow = row
		}
	}
	if coordinatorRow.NodeAddress != n1.Address {
		t.Fatalf("expected the higher-tokPerSec peer to be coordinator")
	}
	if coordinatorRow.LayerStart != 0 || coordinatorRow.LayerEnd != 21 {
		t.Fatalf("expected coordinator span [0,21), got [%d,%d)", coordinatorRow.LayerStart, coordinatorRow.LayerEnd)
	}
	if rpcRow.LayerStart != 21 || rpcRow.LayerEnd != 32 {
		t.Fatalf("expected rpc-server to absorb the remainder [21,32), got [%d,%d)", rpcRow.LayerStart, rpcRow.LayerEnd)
	}

	if _, ok := mgr.db.Assignments.Get(domain.AssignmentKey{NodeAddress: n3.Address, ModelName: "model-big"}); ok {
		t.Fatalf("a lone peer on a different subnet must not receive any assignment row")
	}
}

// TestReconcileGivesStandaloneCapableNodeASingleAssignment checks the
// memory-sufficient branch of §4.7 selection step 1.
func TestReconcileGivesStandaloneCapableNodeASingleAssignment(t *testing.T) {
	table := fixedTable{memReq: map[string]int64{"model-small": 4_000}, layers: map[string]int{"model-small": 32}}
	mgr := newManager(t, table)

	n := lanNode(1, "10.0.0.1", 8000, 5)
	if err := mgr.Reconcile("model-small", []domain.AgentNode{n}, time.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	row, ok := mgr.db.Assignments.Get(domain.AssignmentKey{NodeAddress: n.Address, ModelName: "model-small"})
	if !ok {
		t.Fatalf("expected a standalone assignment row")
	}
	if row.NodeMode != domain.NodeStandalone || row.ClusterID != 0 {
		t.Fatalf("expected an un-clustered standalone row, got mode=%s clusterId=%d", row.NodeMode, row.ClusterID)
	}
	if row.LayerEnd != 32 {
		t.Fatalf("expected standalone row to cover the full layer range, got end=%d", row.LayerEnd)
	}
}

// TestReconcileLeavesSingleWeakNodeUnclustered checks the "require at least
// two members" rule in §4.7 selection step 3c.
func TestReconcileLeavesSingleWeakNodeUnclustered(t *testing.T) {
	table := fixedTable{memReq: map[string]int64{"model-big": 18_000}, layers: map[string]int{"model-big": 32}}
	mgr := newManager(t, table)

	n := lanNode(1, "192.168.5.1", 8000, 10)
	if err := mgr.Reconcile("model-big", []domain.AgentNode{n}, time.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	_, ok := mgr.db.Assignments.Get(domain.AssignmentKey{NodeAddress: n.Address, ModelName: "model-big"})
	if ok {
		t.Fatalf("a lone memory-insufficient node must not be assigned any row")
	}
}

// TestReconcileKeepsYoungClusterDespiteMembershipChange exercises the
// MinAge hysteresis guard in §4.7 selection step 3a.
func TestReconcileKeepsYoungClusterDespiteMembershipChange(t *testing.T) {
	table := fixedTable{memReq: map[string]int64{"model-big": 15_000}, layers: map[string]int{"model-big": 32}}
	mgr := newManager(t, table)

	n1 := lanNode(1, "192.168.0.1", 10_000, 20)
	n2 := lanNode(2, "192.168.0.2", 10_000, 10)
	now := time.Now()
	if err := mgr.Reconcile("model-big", []domain.AgentNode{n1, n2}, now); err != nil {
		t.Fatalf("initial Reconcile: %v", err)
	}

	before, ok := mgr.db.Assignments.Get(domain.AssignmentKey{NodeAddress: n1.Address, ModelName: "model-big"})
	if !ok {
		t.Fatalf("expected the initial cluster to form")
	}
	clusterIDBefore := before.ClusterID

	// A third, much faster peer shows up moments later; the cluster is too
	// young to reform even though membership looks different.
	n3 := lanNode(3, "192.168.0.3", 10_000, 99)
	if err := mgr.Reconcile("model-big", []domain.AgentNode{n1, n2, n3}, now.Add(time.Minute)); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	after, ok := mgr.db.Assignments.Get(domain.AssignmentKey{NodeAddress: n1.Address, ModelName: "model-big"})
	if !ok || after.ClusterID != clusterIDBefore {
		t.Fatalf("expected the young cluster's id to survive a membership change within MinAge")
	}
}
