// Package reporter is the Contribution Reporter (spec §4.4): on a 60-second
// tick gated by a block-count threshold, submits one reportContribution
// transaction per active agent and upserts the local Contribution row only
// after chain inclusion, resetting epoch accumulators exactly once per
// successful batch.
//
// Grounded on core/autonomous_agent_node.go's ticker-driven loop() with a
// non-reentrancy gate, generalized from a single node's heartbeat loop to a
// batch-report cycle.
package reporter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/domain"
	"inference-oracle/internal/proofs"
	"inference-oracle/internal/registry"
	"inference-oracle/internal/scoring"
	"inference-oracle/internal/store"
)

// Tick is the reporter's fixed polling interval, per spec §4.4.
const Tick = 60 * time.Second

// DefaultReportIntervalBlocks is the default gate threshold.
const DefaultReportIntervalBlocks = 1200

var reportFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "oracle_report_failures_total",
		Help: "Count of reportContribution failures per agent address.",
	},
	[]string{"address"},
)

func init() {
	prometheus.MustRegister(reportFailures)
}

// Reporter owns the block-gate and non-reentrancy state for the reporting
// cycle.
type Reporter struct {
	db       *store.DB
	chain    chain.Client
	reg      *registry.Registry
	scorer   *scoring.Scorer
	proofs   *proofs.Store
	log      *logrus.Entry
	interval uint64

	running     atomic.Bool
	lastBlock   uint64
	haveLast    bool
}

func New(db *store.DB, cl chain.Client, reg *registry.Registry, sc *scoring.Scorer, pf *proofs.Store, reportIntervalBlocks uint64, log *logrus.Entry) *Reporter {
	if reportIntervalBlocks == 0 {
		reportIntervalBlocks = DefaultReportIntervalBlocks
	}
	return &Reporter{db: db, chain: cl, reg: reg, scorer: sc, proofs: pf, interval: reportIntervalBlocks, log: log}
}

// Run launches the 60-second tick loop; it returns when ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reporter) tick(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return // previous cycle still in flight; skip this tick
	}
	defer r.running.Store(false)

	block, err := r.chain.CurrentBlock(ctx)
	if err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("reporter: read current block failed")
		}
		return
	}

	if !r.haveLast {
		r.lastBlock = block
		r.haveLast = true
		return
	}
	blocksSinceLast := block - r.lastBlock
	if blocksSinceLast < r.interval {
		return
	}
	r.lastBlock = block

	r.runCycle(ctx)
}

// runCycle is the §4.4 "report cycle": one reportContribution per active
// agent, with the exactly-once-per-epoch reset rule.
func (r *Reporter) runCycle(ctx context.Context) {
	epoch, err := r.chain.CurrentEpoch(ctx)
	if err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("reporter: read current epoch failed")
		}
		return
	}

	agents, err := r.chain.ActiveAgents(ctx)
	if err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("reporter: read active agents failed")
		}
		return
	}

	allSucceeded := true
	var succeeded []domain.Address
	for _, addr := range agents {
		if err := r.reportOne(ctx, addr, epoch); err != nil {
			allSucceeded = false
			reportFailures.WithLabelValues(addr.String()).Inc()
			if r.log != nil {
				r.log.WithError(err).WithField("address", addr).Warn("reporter: reportContribution failed")
			}
			continue
		}
		succeeded = append(succeeded, addr)
	}

	// Exactly-once-per-epoch invariant (spec §4.4): reset in-memory
	// accumulators only if every agent in the batch succeeded. A partial
	// failure leaves all of them intact so the next tick retries the whole
	// batch; the on-chain contract is idempotent under repeated calls.
	if allSucceeded {
		for _, addr := range succeeded {
			r.scorer.ResetAgent(addr)
		}
	}
}

func (r *Reporter) reportOne(ctx context.Context, addr domain.Address, epoch uint64) error {
	metrics, _ := r.db.Metrics.Get(domain.EpochKey{Address: addr, Epoch: epoch})
	verifiedTokens := r.proofs.GetVerifiedTokenCount(addr, epoch)
	score := r.scorer.Score(addr, metrics, verifiedTokens)
	uptime := r.scorer.UptimeSeconds(addr)

	if err := r.chain.ReportContribution(ctx, addr, score.TaskCount, uptime, score.ResponseScore, score.ProcessedTokens, score.AvgLatencyInv); err != nil {
		return err
	}

	_, err := r.db.Contribs.Upsert(domain.EpochKey{Address: addr, Epoch: epoch}, func(existing domain.Contribution, found bool) (domain.Contribution, error) {
		return domain.Contribution{
			Address:         addr,
			Epoch:           epoch,
			TaskCount:       score.TaskCount,
			UptimeSeconds:   uptime,
			ResponseScore:   score.ResponseScore,
			ProcessedTokens: score.ProcessedTokens,
			AvgLatencyInv:   score.AvgLatencyInv,
			LastUpdated:     time.Now().Unix(),
		}, nil
	})
	if err != nil {
		return err
	}
	r.reg.UpdateScore(addr, score.Final)
	return nil
}
