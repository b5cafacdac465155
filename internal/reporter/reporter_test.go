package reporter

import (
	"context"
	"testing"
	"time"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/domain"
	"inference-oracle/internal/proofs"
	"inference-oracle/internal/registry"
	"inference-oracle/internal/scoring"
	"inference-oracle/internal/store"
	"inference-oracle/internal/testutil"
)

func newTestReporter(t *testing.T) (*Reporter, *chain.FakeClient, *scoring.Scorer) {
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
	reg := registry.New(db, nil)
	sc := scoring.New()
	pf := proofs.New(db, nil)
	r := New(db, fake, reg, sc, pf, 1, nil)
	return r, fake, sc
}

func testAddr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

// TestRunCycleReportsEveryActiveAgentAndResetsOnFullSuccess mirrors spec §4.4:
// a clean cycle over N agents submits one reportContribution call each and
// resets their in-memory accumulators once every call has succeeded.
func TestRunCycleReportsEveryActiveAgentAndResetsOnFullSuccess(t *testing.T) {
	r, fake, sc := newTestReporter(t)

	addrs := []domain.Address{testAddr(1), testAddr(2), testAddr(3)}
	for _, a := range addrs {
		fake.RegisterAgent(a, chain.AgentInfo{Status: domain.AgentActive})
		sc.RecordSolved(a, scoring.TaskRecord{ChallengeID: "c1", SolvedAt: time.Now().Unix(), SolveTimeSecs: 5})
	}

	r.runCycle(context.Background())

	for _, a := range addrs {
		if _, ok := fake.Contributions[domain.EpochKey{Address: a, Epoch: 0}]; !ok {
			t.Fatalf("expected a reportContribution call recorded for %s", a)
		}
	}

	// ResetAgent clears task records; Score should now reflect zero tasks.
	for _, a := range addrs {
		score := sc.Score(a, domain.EpochMetrics{}, 0)
		if score.TaskCount != 0 {
			t.Fatalf("expected task records cleared after a fully successful cycle, got %d", score.TaskCount)
		}
	}
}

// TestRunCyclePartialFailureDoesNotResetAnyAgent mirrors spec §8 scenario 5:
// one of several reportContribution calls reverts; no agent's accumulators
// are reset so the whole batch is retried next cycle.
func TestRunCyclePartialFailureDoesNotResetAnyAgent(t *testing.T) {
	r, fake, sc := newTestReporter(t)

	addrs := []domain.Address{testAddr(1), testAddr(2), testAddr(3)}
	for _, a := range addrs {
		fake.RegisterAgent(a, chain.AgentInfo{Status: domain.AgentActive})
		sc.RecordSolved(a, scoring.TaskRecord{ChallengeID: "c1", SolvedAt: time.Now().Unix(), SolveTimeSecs: 5})
	}
	fake.ReportErr[addrs[1]] = chainErr{}

	r.runCycle(context.Background())

	if _, ok := fake.Contributions[domain.EpochKey{Address: addrs[1], Epoch: 0}]; ok {
		t.Fatalf("the failing agent must not have a persisted contribution row")
	}

	for _, a := range addrs {
		score := sc.Score(a, domain.EpochMetrics{}, 0)
		if score.TaskCount == 0 {
			t.Fatalf("a partial failure must not reset ANY agent's accumulators, including %s", a)
		}
	}
}

type chainErr struct{}

func (chainErr) Error() string { return "reportContribution reverted" }

// TestTickSkipsReentrantCycle verifies the non-reentrancy gate: a cycle
// already marked running is not re-entered by a concurrent tick.
func TestTickSkipsReentrantCycle(t *testing.T) {
	r, _, _ := newTestReporter(t)
	r.running.Store(true)
	defer r.running.Store(false)

	// tick must return immediately without touching lastBlock/haveLast.
	r.tick(context.Background())
	if r.haveLast {
		t.Fatalf("a reentrant tick must not advance the block-gate bookkeeping")
	}
}

// TestTickGatesOnBlockInterval verifies the reporter waits for at least
// `interval` blocks between cycles before running a report batch.
func TestTickGatesOnBlockInterval(t *testing.T) {
	r, fake, sc := newTestReporter(t)
	r.interval = 5

	addr := testAddr(1)
	fake.RegisterAgent(addr, chain.AgentInfo{Status: domain.AgentActive})
	sc.RecordSolved(addr, scoring.TaskRecord{ChallengeID: "c1", SolvedAt: time.Now().Unix(), SolveTimeSecs: 5})

	fake.Block = 100
	r.tick(context.Background()) // first call only seeds lastBlock
	if _, ok := fake.Contributions[domain.EpochKey{Address: addr, Epoch: 0}]; ok {
		t.Fatalf("the first tick must only seed the block gate, not run a cycle")
	}

	fake.Block = 102 // only 2 blocks elapsed, below the 5-block gate
	r.tick(context.Background())
	if _, ok := fake.Contributions[domain.EpochKey{Address: addr, Epoch: 0}]; ok {
		t.Fatalf("a tick below the block-interval gate must not run a cycle")
	}

	fake.Block = 106 // 6 blocks elapsed, gate clears
	r.tick(context.Background())
	if _, ok := fake.Contributions[domain.EpochKey{Address: addr, Epoch: 0}]; !ok {
		t.Fatalf("expected the cycle to run once the block-interval gate clears")
	}
}
