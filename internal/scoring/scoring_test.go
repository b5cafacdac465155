package scoring

import (
	"testing"

	"inference-oracle/internal/domain"
)

func testAddr(b byte) domain.Address {
	var a domain.Address
	a[19] = b
	return a
}

func TestScoreIsZeroForAnIdleAgentWithNoActivity(t *testing.T) {
	s := New()
	addr := testAddr(1)

	score := s.Score(addr, domain.EpochMetrics{}, 0)
	if score.Final != 0 {
		t.Fatalf("expected a final score of 0 for a completely idle agent, got %f", score.Final)
	}
}

// TestIdleMultiplierDampensUptimeWithoutTaskOrTokenActivity exercises the
// §4.3 idle-penalty branch: uptime alone, with neither solved tasks nor
// processed tokens, only contributes at 10% weight.
func TestIdleMultiplierDampensUptimeWithoutTaskOrTokenActivity(t *testing.T) {
	s := New()
	addr := testAddr(1)
	s.SetUptime(addr, 3600) // full 100% uptime normalization

	score := s.Score(addr, domain.EpochMetrics{}, 0)
	// upN=100, idle=0.1 -> uptime contributes 100*30*0.1/100 = 3.
	if score.Final != 3 {
		t.Fatalf("expected idle-dampened uptime contribution of 3, got %f", score.Final)
	}
}

// TestProcessedTokensLiftIdleMultiplierToFull checks that any processed
// tokens at all (even with zero solved tasks) clear the idle gate.
func TestProcessedTokensLiftIdleMultiplierToFull(t *testing.T) {
	s := New()
	addr := testAddr(1)
	s.SetUptime(addr, 3600)

	score := s.Score(addr, domain.EpochMetrics{TokensProcessed: 10}, 0)
	// upN=100, idle=1.0 -> uptime contributes 100*30*1/100 = 30.
	if score.Final != 30 {
		t.Fatalf("expected full-weight uptime contribution of 30, got %f", score.Final)
	}
}

func TestScoreWeightsSolvedTasksUptimeAndResponseTime(t *testing.T) {
	s := New()
	addr := testAddr(1)
	for i := 0; i < 100; i++ {
		s.RecordSolved(addr, TaskRecord{ChallengeID: "c", SolvedAt: int64(i), SolveTimeSecs: 0})
	}
	s.SetUptime(addr, 3600)

	score := s.Score(addr, domain.EpochMetrics{}, 0)
	if score.TaskCount != 100 {
		t.Fatalf("expected 100 recorded tasks, got %d", score.TaskCount)
	}
	if score.ResponseScore != 100 {
		t.Fatalf("expected a perfect response score for zero solve time, got %d", score.ResponseScore)
	}
	// taskN=100, upN=100, respN=100, idle=1 -> (100*50 + 100*30 + 100*20)/100 = 100.
	if score.Final != 100 {
		t.Fatalf("expected the maximum composite score of 100, got %f", score.Final)
	}
}

func TestVerifiedTokenCountOverridesLowerSelfReportedCount(t *testing.T) {
	s := New()
	addr := testAddr(1)

	score := s.Score(addr, domain.EpochMetrics{TokensProcessed: 50}, 500)
	if score.ProcessedTokens != 500 {
		t.Fatalf("expected the higher verified count to win, got %d", score.ProcessedTokens)
	}
}

func TestSelfReportedTokenCountWinsWhenHigherThanVerified(t *testing.T) {
	s := New()
	addr := testAddr(1)

	score := s.Score(addr, domain.EpochMetrics{TokensProcessed: 500}, 50)
	if score.ProcessedTokens != 500 {
		t.Fatalf("expected the higher self-reported count to win, got %d", score.ProcessedTokens)
	}
}

func TestResetAgentClearsTaskRecordsAndUptime(t *testing.T) {
	s := New()
	addr := testAddr(1)
	s.RecordSolved(addr, TaskRecord{ChallengeID: "c", SolvedAt: 1, SolveTimeSecs: 5})
	s.SetUptime(addr, 120)

	s.ResetAgent(addr)

	score := s.Score(addr, domain.EpochMetrics{}, 0)
	if score.TaskCount != 0 {
		t.Fatalf("expected task records cleared, got %d", score.TaskCount)
	}
	if s.UptimeSeconds(addr) != 0 {
		t.Fatalf("expected uptime cleared, got %d", s.UptimeSeconds(addr))
	}
}

func TestCurrentFormulaReflectsTheLiveWeightConstants(t *testing.T) {
	f := CurrentFormula()
	if f.TaskWeight != TaskWeight || f.UptimeWeight != UptimeWeight || f.ResponseWeight != ResponseWeight || f.IdleMultiplier != IdleMultiplier {
		t.Fatalf("expected CurrentFormula to mirror the exported weight constants exactly, got %+v", f)
	}
}
