// Package ingest is the Telemetry Ingestor (spec §4.1): verifies signed
// agent telemetry, converts cumulative counters into epoch-bounded deltas,
// and fans out the side effects (node heartbeat, scorer uptime, pipeline
// touch) that keep the rest of the oracle's liveness state current.
//
// Grounded on the teacher's core/utility_functions.go signature-recovery
// path (via internal/sig) and core/ledger.go's upsert-under-lock pattern
// (via internal/store.Table.Upsert) for the central delta-accumulation
// algorithm.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/domain"
	"inference-oracle/internal/pipeline"
	"inference-oracle/internal/proofs"
	"inference-oracle/internal/registry"
	"inference-oracle/internal/scoring"
	"inference-oracle/internal/sig"
	"inference-oracle/internal/store"
)

// Taxonomy of rejection reasons (spec §4.1, §7). The first four are 4xx at
// the HTTP edge; ErrInternalPersist is 5xx.
var (
	ErrRejectedSignature   = errors.New("ingest: signature rejected")
	ErrRejectedStaleReplay = errors.New("ingest: stale or replayed timestamp")
	ErrRejectedBounds      = errors.New("ingest: tokensProcessed exceeds bound")
	ErrRejectedUnregistered = errors.New("ingest: signer is not a registered agent")
	ErrInternalPersist     = errors.New("ingest: internal persist failure")
)

// FreshnessWindow bounds how far a report timestamp may drift from wall
// clock, per spec §4.1.
const FreshnessWindow = 60 * time.Second

// MaxTokensPerReport is the anti-abuse bound on tokensProcessed per report.
const MaxTokensPerReport = 1_000_000_000

// ProofInput mirrors proofs.Input so callers of Report don't need to import
// internal/proofs directly.
type ProofInput = proofs.Input

// Report is the JSON envelope described in spec §4.1.
type Report struct {
	Address         string       `json:"address"`
	TokensProcessed uint64       `json:"tokensProcessed"`
	AvgLatencyMs    float64      `json:"avgLatencyMs"`
	RequestCount    uint64       `json:"requestCount"`
	UptimeSeconds   uint64       `json:"uptimeSeconds"`
	Timestamp       int64        `json:"timestamp"`
	Signature       string       `json:"signature"`
	Proofs          []ProofInput `json:"proofs,omitempty"`

	// SkipSignature is never set from request JSON (json:"-"); the HTTP
	// layer sets it after validating ORACLE_API_KEY, per spec §6's
	// "bypasses signature check when present on /api/metrics".
	SkipSignature bool `json:"-"`
}

// Result is returned to the HTTP handler on success.
type Result struct {
	Success     bool `json:"success"`
	ShouldReset bool `json:"shouldReset"`
}

// Stats are cheap in-memory counters for GET /api/stats, mirroring the
// teacher's HealthLogger.MetricsSnapshot pattern of a counters struct
// behind a mutex rather than a query over persisted rows.
type Stats struct {
	Accepted               uint64
	RejectedSignature      uint64
	RejectedStaleOrReplay  uint64
	RejectedBounds         uint64
	RejectedUnregistered   uint64
	InternalPersistFailure uint64
}

// Ingestor owns the replay guard and raw-counter snapshot state that must
// survive restart via rehydration from the store (spec §5 "Shared-resource
// policy").
type Ingestor struct {
	db       *store.DB
	chain    chain.Client
	reg      *registry.Registry
	scorer   *scoring.Scorer
	proofs   *proofs.Store
	pipeline *pipeline.Allocator
	log      *logrus.Entry

	mu                  sync.Mutex
	lastAcceptedTS      map[domain.Address]int64
	currentEpochByAgent map[domain.Address]uint64

	statsMu sync.Mutex
	stats   Stats
}

// New constructs an Ingestor and rehydrates the replay guard from
// EpochMetrics.lastUpdated, per spec §4.1 "seeded on startup".
func New(db *store.DB, cl chain.Client, reg *registry.Registry, sc *scoring.Scorer, pf *proofs.Store, pl *pipeline.Allocator, log *logrus.Entry) *Ingestor {
	in := &Ingestor{
		db: db, chain: cl, reg: reg, scorer: sc, proofs: pf, pipeline: pl, log: log,
		lastAcceptedTS:      make(map[domain.Address]int64),
		currentEpochByAgent: make(map[domain.Address]uint64),
	}
	for _, m := range db.Metrics.All() {
		if m.LastUpdated > in.lastAcceptedTS[m.Address] {
			in.lastAcceptedTS[m.Address] = m.LastUpdated
		}
		if m.Epoch > in.currentEpochByAgent[m.Address] {
			in.currentEpochByAgent[m.Address] = m.Epoch
		}
	}
	return in
}

// Accept verifies and processes one telemetry report.
func (in *Ingestor) Accept(ctx context.Context, r Report) (Result, error) {
	addr, err := domain.ParseAddress(r.Address)
	if err != nil {
		in.reject(&in.stats.RejectedSignature)
		return Result{}, fmt.Errorf("%w: %v", ErrRejectedSignature, err)
	}

	if !r.SkipSignature {
		sigBytes, err := decodeHexSignature(r.Signature)
		if err != nil {
			in.reject(&in.stats.RejectedSignature)
			return Result{}, fmt.Errorf("%w: %v", ErrRejectedSignature, err)
		}
		if err := sig.VerifyMetrics(addr, r.TokensProcessed, r.Timestamp, sigBytes); err != nil {
			in.reject(&in.stats.RejectedSignature)
			return Result{}, fmt.Errorf("%w: %v", ErrRejectedSignature, err)
		}
	}

	now := time.Now()
	if abs(now.Unix()-r.Timestamp) > int64(FreshnessWindow.Seconds()) {
		in.reject(&in.stats.RejectedStaleOrReplay)
		return Result{}, fmt.Errorf("%w: timestamp outside freshness window", ErrRejectedStaleReplay)
	}

	in.mu.Lock()
	last := in.lastAcceptedTS[addr]
	in.mu.Unlock()
	if r.Timestamp <= last {
		in.reject(&in.stats.RejectedStaleOrReplay)
		return Result{}, fmt.Errorf("%w: timestamp %d not strictly greater than %d", ErrRejectedStaleReplay, r.Timestamp, last)
	}

	registered, err := in.chain.IsAgentAccount(ctx, addr)
	if err != nil {
		in.reject(&in.stats.InternalPersistFailure)
		return Result{}, fmt.Errorf("%w: registration check: %v", ErrInternalPersist, err)
	}
	if !registered {
		in.reject(&in.stats.RejectedUnregistered)
		return Result{}, fmt.Errorf("%w", ErrRejectedUnregistered)
	}

	if r.TokensProcessed > MaxTokensPerReport {
		in.reject(&in.stats.RejectedBounds)
		return Result{}, fmt.Errorf("%w: %d > %d", ErrRejectedBounds, r.TokensProcessed, MaxTokensPerReport)
	}

	epoch, err := in.chain.CurrentEpoch(ctx)
	if err != nil {
		in.reject(&in.stats.InternalPersistFailure)
		return Result{}, fmt.Errorf("%w: current epoch: %v", ErrInternalPersist, err)
	}

	in.mu.Lock()
	shouldReset := in.currentEpochByAgent[addr] != epoch
	in.currentEpochByAgent[addr] = epoch
	in.mu.Unlock()

	key := domain.EpochKey{Address: addr, Epoch: epoch}
	_, err = in.db.Metrics.Upsert(key, func(existing domain.EpochMetrics, found bool) (domain.EpochMetrics, error) {
		if !found {
			existing = domain.EpochMetrics{Address: addr, Epoch: epoch}
		}
		// The reset decision is made once, on the token counter, and applied
		// to both deltas: a counter reset is a property of the reporting
		// agent's process restart, not of each field independently, so a
		// request counter that happens to still be climbing across a token
		// counter reset is still counted as a fresh delta from zero.
		isReset := r.TokensProcessed < existing.LastRawTokens
		tokenDelta := r.TokensProcessed - existing.LastRawTokens
		requestDelta := r.RequestCount - existing.LastRawRequests
		if isReset {
			tokenDelta = r.TokensProcessed
			requestDelta = r.RequestCount
		}

		prevRequests := existing.RequestCount
		existing.TokensProcessed += tokenDelta
		existing.RequestCount += requestDelta
		if prevRequests+r.RequestCount > 0 {
			existing.AvgLatencyMs = (existing.AvgLatencyMs*float64(prevRequests) + r.AvgLatencyMs*float64(r.RequestCount)) / float64(prevRequests+r.RequestCount)
		}
		existing.UptimeSeconds = r.UptimeSeconds
		existing.LastRawTokens = r.TokensProcessed
		existing.LastRawRequests = r.RequestCount
		existing.LastUpdated = r.Timestamp
		return existing, nil
	})
	if err != nil {
		in.reject(&in.stats.InternalPersistFailure)
		return Result{}, fmt.Errorf("%w: %v", ErrInternalPersist, err)
	}

	// Only now, after the write committed, advance the replay guard: a
	// failed persist must not block a legitimate retry of the same report.
	in.mu.Lock()
	in.lastAcceptedTS[addr] = r.Timestamp
	in.mu.Unlock()

	for _, p := range r.Proofs {
		if _, err := in.proofs.Save(addr, epoch, p); err != nil && in.log != nil {
			in.log.WithError(err).WithField("address", addr).Warn("ingest: proof forward failed, continuing")
		}
	}

	if err := in.reg.TouchMetricReport(addr, r.Timestamp); err != nil && in.log != nil {
		in.log.WithError(err).WithField("address", addr).Warn("ingest: node heartbeat update failed")
	}
	if _, known := in.reg.Agent(addr); !known {
		if _, err := in.reg.UpsertAgent(addr, func(a domain.Agent, found bool) domain.Agent {
			if !found {
				a = domain.Agent{Address: addr, RegisteredAt: now.Unix(), Status: domain.AgentActive}
			}
			return a
		}); err != nil && in.log != nil {
			in.log.WithError(err).WithField("address", addr).Warn("ingest: agent creation failed")
		}
	}
	in.scorer.SetUptime(addr, r.UptimeSeconds)
	if in.pipeline != nil {
		in.pipeline.TouchNode(addr, now.Unix())
	}

	in.statsMu.Lock()
	in.stats.Accepted++
	in.statsMu.Unlock()

	return Result{Success: true, ShouldReset: shouldReset}, nil
}

func (in *Ingestor) reject(counter *uint64) {
	in.statsMu.Lock()
	*counter++
	in.statsMu.Unlock()
}

// Stats returns a snapshot of the acceptance/rejection counters.
func (in *Ingestor) Stats() Stats {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return in.stats
}

// decodeHexSignature mirrors internal/api's wire convention: signatures
// travel as "0x"-prefixed (or bare) hex over JSON.
func decodeHexSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signature is not valid hex: %w", err)
	}
	return b, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
