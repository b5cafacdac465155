package pipeline

import (
	"testing"
	"time"

	"inference-oracle/internal/domain"
	"inference-oracle/internal/pubsub"
	"inference-oracle/internal/store"
	"inference-oracle/internal/testutil"
)

// fixedLayers is a minimal LayerTable stub for tests, equivalent to a
// config.Config with a single model override.
type fixedLayers map[string]int

func (f fixedLayers) LayerCount(model string) int {
	if n, ok := f[model]; ok {
		return n
	}
	return 32
}

func newAllocator(t *testing.T, layers LayerTable) *Allocator {
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

	return New(db, layers, pubsub.NewBus(nil), nil)
}

func node(addr byte, endpoint string, ramMB, vramMB int64, device string, tok float64) domain.AgentNode {
	var a domain.Address
	a[19] = addr
	return domain.AgentNode{
		Address: a, Endpoint: endpoint, RAMMb: ramMB, VRAMMb: vramMB, Device: device,
		BenchmarkTokPerSec: tok, LastHeartbeat: time.Now().Unix(), CanDistribute: true,
	}
}

func TestReassignSingleNodeGetsFullRange(t *testing.T) {
	alloc := newAllocator(t, fixedLayers{"model-a": 32})
	n := node(1, "http://node1", 8000, 0, "cpu", 10)

	if err := alloc.Reassign("model-a", []domain.AgentNode{n}, time.Now()); err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	rows := alloc.Topology("model-a")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].LayerStart != 0 || rows[0].LayerEnd != 32 {
		t.Fatalf("expected [0,32), got [%d,%d)", rows[0].LayerStart, rows[0].LayerEnd)
	}
	if rows[0].GRPCEndpoint != rows[0].HTTPEndpoint {
		t.Fatalf("a standalone single-node row must collapse grpc/http endpoints")
	}
}

func TestReassignTwoNodesSplitByAvailableMemory(t *testing.T) {
	alloc := newAllocator(t, fixedLayers{"model-a": 32})
	// Equal vram -> equal split per the weighted-proportion algorithm.
	n1 := node(1, "http://node1", 8000, 8000, "gpu", 20)
	n2 := node(2, "http://node2", 8000, 8000, "gpu", 10)

	if err := alloc.Reassign("model-a", []domain.AgentNode{n1, n2}, time.Now()); err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	rows := alloc.Topology("model-a")
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].LayerStart != 0 || rows[0].LayerEnd != 16 {
		t.Fatalf("expected first row [0,16), got [%d,%d)", rows[0].LayerStart, rows[0].LayerEnd)
	}
	if rows[1].LayerStart != 16 || rows[1].LayerEnd != 32 {
		t.Fatalf("expected second row [16,32), got [%d,%d)", rows[1].LayerStart, rows[1].LayerEnd)
	}
	if rows[0].GRPCEndpoint == rows[0].HTTPEndpoint {
		t.Fatalf("a distributed-split row must use distinct grpc/http transports")
	}
}

func TestReassignProportionalSplitWeightsByVRAM(t *testing.T) {
	alloc := newAllocator(t, fixedLayers{"model-a": 30})
	// node1 has twice node2's vram -> roughly a 2:1 split, last node absorbs remainder.
	n1 := node(1, "http://node1", 0, 16000, "gpu", 5)
	n2 := node(2, "http://node2", 0, 8000, "gpu", 5)

	if err := alloc.Reassign("model-a", []domain.AgentNode{n1, n2}, time.Now()); err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	rows := alloc.Topology("model-a")
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].LayerEnd != 20 {
		t.Fatalf("expected first row to end at layer 20 (2/3 of 30), got %d", rows[0].LayerEnd)
	}
	if rows[1].LayerEnd != 30 {
		t.Fatalf("expected last row to absorb the remainder up to 30, got %d", rows[1].LayerEnd)
	}
}

func TestRemoveStaleDropsExpiredAssignments(t *testing.T) {
	alloc := newAllocator(t, fixedLayers{"model-a": 32})
	n := node(1, "http://node1", 8000, 0, "cpu", 10)
	old := time.Now().Add(-2 * HeartbeatTimeout)

	if err := alloc.Reassign("model-a", []domain.AgentNode{n}, old); err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	removed := alloc.RemoveStale("model-a", time.Now())
	if len(removed) != 1 {
		t.Fatalf("expected one stale assignment removed, got %d", len(removed))
	}
	if rows := alloc.Topology("model-a"); len(rows) != 0 {
		t.Fatalf("expected topology to be empty after stale removal, got %d rows", len(rows))
	}
}

func TestMarkReadyFlipsReadyFlag(t *testing.T) {
	alloc := newAllocator(t, fixedLayers{"model-a": 32})
	n := node(1, "http://node1", 8000, 0, "cpu", 10)
	if err := alloc.Reassign("model-a", []domain.AgentNode{n}, time.Now()); err != nil {
		t.Fatalf("Reassign: %v", err)
	}

	if err := alloc.MarkReady(n.Address, "model-a"); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}

	rows := alloc.Topology("model-a")
	if len(rows) != 1 || !rows[0].Ready {
		t.Fatalf("expected the row to be marked ready")
	}
}
