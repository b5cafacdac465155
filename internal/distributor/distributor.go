// Package distributor is the Epoch Distributor (spec §4.5): detects epoch
// rollover, triggers the two-step syncRewards/distributeRewards sequence,
// and back-fills local Contribution rows from the chain's authoritative
// per-epoch tallies.
//
// Grounded on core/autonomous_agent_node.go's ticker loop, reused at the
// same 60-second cadence as the reporter (internal/reporter).
package distributor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"inference-oracle/internal/chain"
	"inference-oracle/internal/domain"
	"inference-oracle/internal/store"
)

// Tick matches the reporter's cadence.
const Tick = 60 * time.Second

// Distributor tracks the last epoch it has processed and ensures no two
// ticks overlap.
type Distributor struct {
	db    *store.DB
	chain chain.Client
	log   *logrus.Entry

	running          atomic.Bool
	lastCheckedEpoch uint64
	haveLast         bool
}

func New(db *store.DB, cl chain.Client, log *logrus.Entry) *Distributor {
	return &Distributor{db: db, chain: cl, log: log}
}

// Run launches the tick loop; it returns when ctx is cancelled.
func (d *Distributor) Run(ctx context.Context) {
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Distributor) tick(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	current, err := d.chain.CurrentEpoch(ctx)
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("distributor: read current epoch failed")
		}
		return
	}

	if !d.haveLast {
		d.lastCheckedEpoch = current
		d.haveLast = true
		return
	}
	if current <= d.lastCheckedEpoch {
		return
	}

	prev := d.lastCheckedEpoch
	if err := d.closeEpoch(ctx, prev); err != nil {
		if d.log != nil {
			d.log.WithError(err).WithField("epoch", prev).Warn("distributor: close epoch failed, will retry")
		}
		return // leave lastCheckedEpoch unchanged so the next tick retries
	}
	d.lastCheckedEpoch = current
}

func (d *Distributor) closeEpoch(ctx context.Context, epoch uint64) error {
	distributed, err := d.chain.EpochDistributed(ctx, epoch)
	if err != nil {
		return err
	}
	if !distributed {
		if err := d.chain.SyncRewards(ctx); err != nil {
			return err
		}
		if err := d.chain.DistributeRewards(ctx, epoch); err != nil {
			return err
		}
	}
	return d.backfill(ctx, epoch)
}

func (d *Distributor) backfill(ctx context.Context, epoch uint64) error {
	agents, err := d.chain.EpochAgents(ctx, epoch)
	if err != nil {
		return err
	}
	for _, addr := range agents {
		contrib, err := d.chain.EpochContribution(ctx, epoch, addr)
		if err != nil {
			if d.log != nil {
				d.log.WithError(err).WithField("address", addr).Warn("distributor: backfill contribution failed")
			}
			continue
		}
		if err := d.db.Contribs.Put(domain.EpochKey{Address: addr, Epoch: epoch}, contrib); err != nil {
			return err
		}
	}
	_, err = d.db.Epochs.Upsert(epoch, func(existing domain.Epoch, found bool) (domain.Epoch, error) {
		existing.Number = epoch
		existing.Distributed = true
		existing.AgentCount = len(agents)
		existing.SyncedAt = time.Now().Unix()
		return existing, nil
	})
	return err
}
