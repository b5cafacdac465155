package distributor

import (
	"context"
	"testing"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/domain"
	"inference-oracle/internal/store"
	"inference-oracle/internal/testutil"
)

func newTestDistributor(t *testing.T) (*Distributor, *chain.FakeClient) {
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

	fake := chain.NewFakeClient()
	return New(db, fake, nil), fake
}

func testAddr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

// TestTickSeedsLastCheckedEpochOnFirstCall mirrors the reporter/distributor
// block-gate pattern: the first tick only records the baseline epoch.
func TestTickSeedsLastCheckedEpochOnFirstCall(t *testing.T) {
	d, fake := newTestDistributor(t)
	fake.Epoch = 3

	d.tick(context.Background())
	if !d.haveLast || d.lastCheckedEpoch != 3 {
		t.Fatalf("expected the first tick to seed lastCheckedEpoch=3, got haveLast=%v lastCheckedEpoch=%d", d.haveLast, d.lastCheckedEpoch)
	}
}

// TestTickClosesPriorEpochOnRollover mirrors spec §4.5: once CurrentEpoch
// advances, the distributor syncs+distributes the prior epoch's rewards and
// back-fills local contribution rows from the chain's authoritative tally.
func TestTickClosesPriorEpochOnRollover(t *testing.T) {
	d, fake := newTestDistributor(t)
	addr := testAddr(1)
	fake.RegisterAgent(addr, chain.AgentInfo{Status: domain.AgentActive})
	if err := fake.ReportContribution(context.Background(), addr, 5, 100, 80, 1000, 50); err != nil {
		t.Fatalf("seed contribution: %v", err)
	}

	fake.Epoch = 0
	d.tick(context.Background()) // seed baseline at epoch 0

	fake.Epoch = 1
	d.tick(context.Background())

	distributed, err := fake.EpochDistributed(context.Background(), 0)
	if err != nil || !distributed {
		t.Fatalf("expected epoch 0 to be marked distributed, err=%v distributed=%v", err, distributed)
	}

	row, ok := d.db.Contribs.Get(domain.EpochKey{Address: addr, Epoch: 0})
	if !ok {
		t.Fatalf("expected a backfilled contribution row for epoch 0")
	}
	if row.TaskCount != 5 || row.ProcessedTokens != 1000 {
		t.Fatalf("expected the backfilled row to mirror the chain's tally, got %+v", row)
	}

	epochRow, ok := d.db.Epochs.Get(0)
	if !ok || !epochRow.Distributed || epochRow.AgentCount != 1 {
		t.Fatalf("expected an epochs row marking epoch 0 distributed with agentCount=1, got %+v ok=%v", epochRow, ok)
	}
	if d.lastCheckedEpoch != 1 {
		t.Fatalf("expected lastCheckedEpoch to advance to 1, got %d", d.lastCheckedEpoch)
	}
}

// TestTickDoesNotAdvanceWithoutRollover checks the no-op branch when the
// epoch has not changed since the last tick.
func TestTickDoesNotAdvanceWithoutRollover(t *testing.T) {
	d, fake := newTestDistributor(t)
	fake.Epoch = 2
	d.tick(context.Background()) // seed

	d.tick(context.Background()) // same epoch, nothing to do
	if d.lastCheckedEpoch != 2 {
		t.Fatalf("expected lastCheckedEpoch to remain 2, got %d", d.lastCheckedEpoch)
	}
	distributed, _ := fake.EpochDistributed(context.Background(), 2)
	if distributed {
		t.Fatalf("expected the current (not-yet-closed) epoch to remain undistributed")
	}
}
