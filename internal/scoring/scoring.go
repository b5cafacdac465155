// Package scoring is the Epoch Scorer (spec §4.3): composes task records,
// uptime, and processed-token/latency metrics into the weighted contribution
// score the reporter submits on-chain.
//
// Grounded on the teacher's core/consensus.go tunable-parameter pattern
// (exported constants instead of magic numbers) so the weight vector stays
// in sync between the formula and the /api/formula endpoint.
package scoring

import (
	"math"
	"sync"

	"inference-oracle/internal/domain"
)

// Weight constants for the final score composition (spec §4.3, §9 Open
// Question — the prevailing 50/30/20 vector). Exported so /api/formula can
// marshal them directly instead of duplicating magic numbers.
const (
	TaskWeight     = 50.0
	UptimeWeight   = 30.0
	ResponseWeight = 20.0
	IdleMultiplier = 0.1
)

// TaskRecord is one solved-challenge observation for an agent.
type TaskRecord struct {
	ChallengeID   string
	SolvedAt      int64
	SolveTimeSecs float64
}

// AgentScore is the full per-agent score composition result.
type AgentScore struct {
	TaskCount       int
	ResponseScore   int
	ProcessedTokens uint64
	AvgLatencyInv   int
	Final           float64
}

// Scorer holds the in-memory task log and uptime tracker described in
// spec §4.3; both are derived state, reconstructed as agents report in.
type Scorer struct {
	mu          sync.Mutex
	taskRecords map[domain.Address][]TaskRecord
	uptime      map[domain.Address]uint64
}

func New() *Scorer {
	return &Scorer{
		taskRecords: make(map[domain.Address][]TaskRecord),
		uptime:      make(map[domain.Address]uint64),
	}
}

// RecordSolved appends a solved-challenge observation, called on a
// ChallengeSolved chain event.
func (s *Scorer) RecordSolved(addr domain.Address, rec TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskRecords[addr] = append(s.taskRecords[addr], rec)
}

// SetUptime records the agent-authoritative uptime value, called by the
// ingestor on every accepted telemetry report.
func (s *Scorer) SetUptime(addr domain.Address, seconds uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uptime[addr] = seconds
}

// ResetAgent clears the in-memory accumulators for addr, called by the
// reporter only after a fully successful report batch (exactly-once rule,
// spec §4.4).
func (s *Scorer) ResetAgent(addr domain.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.taskRecords, addr)
	delete(s.uptime, addr)
}

// Score computes AgentScore for addr given its current EpochMetrics and
// verified-proof token count.
func (s *Scorer) Score(addr domain.Address, metrics domain.EpochMetrics, verifiedTokens uint64) AgentScore {
	s.mu.Lock()
	records := append([]TaskRecord(nil), s.taskRecords[addr]...)
	uptime := s.uptime[addr]
	s.mu.Unlock()

	taskCount := len(records)
	responseScore := 0
	if taskCount > 0 {
		var sum float64
		for _, r := range records {
			sum += r.SolveTimeSecs
		}
		avgSolveTime := sum / float64(taskCount)
		responseScore = int(math.Floor(clamp(100-avgSolveTime/10, 0, 100)))
	}

	processedTokens := metrics.TokensProcessed
	if verifiedTokens > processedTokens {
		processedTokens = verifiedTokens
	}

	avgLatencyInv := int(math.Floor(math.Max(0, 10000-metrics.AvgLatencyMs)))

	taskN := math.Min(100, (float64(taskCount)/100)*100)
	upN := math.Min(100, (float64(uptime)/3600)*100)
	respN := math.Min(100, float64(responseScore))
	idle := IdleMultiplier
	if taskCount > 0 || processedTokens > 0 {
		idle = 1.0
	}
	final := (taskN*TaskWeight + upN*UptimeWeight*idle + respN*ResponseWeight*idle) / 100

	return AgentScore{
		TaskCount:       taskCount,
		ResponseScore:   responseScore,
		ProcessedTokens: processedTokens,
		AvgLatencyInv:   avgLatencyInv,
		Final:           final,
	}
}

// UptimeSeconds returns the tracked uptime for addr, used by the reporter
// when assembling the on-chain reportContribution call.
func (s *Scorer) UptimeSeconds(addr domain.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uptime[addr]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Formula is the JSON-serializable description of the live weight vector,
// surfaced at GET /api/formula per spec §4.3.
type Formula struct {
	TaskWeight     float64 `json:"taskWeight"`
	UptimeWeight   float64 `json:"uptimeWeight"`
	ResponseWeight float64 `json:"responseWeight"`
	IdleMultiplier float64 `json:"idleMultiplier"`
	Description    string  `json:"description"`
}

// CurrentFormula returns the live weight vector.
func CurrentFormula() Formula {
	return Formula{
		TaskWeight:     TaskWeight,
		UptimeWeight:   UptimeWeight,
		ResponseWeight: ResponseWeight,
		IdleMultiplier: IdleMultiplier,
		Description:    "score = (taskN*50 + upN*30*idle + respN*20*idle) / 100",
	}
}
