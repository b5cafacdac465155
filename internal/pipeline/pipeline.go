// Package pipeline is the Pipeline Allocator (spec §4.6): partitions a
// model's layers across candidate nodes with a fresh heartbeat and persists the
// resulting PipelineAssignment rows as one batch so partial inconsistency
// is never observable.
//
// Grounded on the teacher's core/ledger.go upsert-under-lock discipline for
// "persist as a single batch" and on core/base_node.go's Broadcast/Subscribe
// pair (via internal/pubsub) for the topology-change notification.
package pipeline

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"inference-oracle/internal/domain"
	"inference-oracle/internal/pubsub"
	"inference-oracle/internal/store"
)

// HeartbeatTimeout matches registry.HeartbeatTimeout; it is declared here as
// well so this package does not import registry.
const HeartbeatTimeout = 10 * time.Minute

// LayerTable resolves a model name to its total layer count, backed by
// Config.LayerCount (fallback 32) per spec §4.6.
type LayerTable interface {
	LayerCount(model string) int
}

// Allocator computes and persists per-model layer splits.
type Allocator struct {
	db    *store.DB
	table LayerTable
	bus   *pubsub.Bus
	log   *logrus.Entry
}

func New(db *store.DB, table LayerTable, bus *pubsub.Bus, log *logrus.Entry) *Allocator {
	return &Allocator{db: db, table: table, bus: bus, log: log}
}

// TouchNode refreshes updatedAt on every assignment row belonging to addr,
// the unified-heartbeat side effect from spec §4.1.
func (a *Allocator) TouchNode(addr domain.Address, now int64) {
	for _, row := range a.db.Assignments.All() {
		if row.NodeAddress != addr {
			continue
		}
		row.UpdatedAt = now
		if err := a.db.Assignments.Put(row.Key(), row); err != nil && a.log != nil {
			a.log.WithError(err).Warn("pipeline: touch assignment failed")
		}
	}
}

// activeRows returns every PipelineAssignment(model=m) row whose updatedAt
// is within HeartbeatTimeout (the "active set" of spec §4.6).
func (a *Allocator) activeRows(model string, now time.Time) []domain.PipelineAssignment {
	cutoff := now.Add(-HeartbeatTimeout).Unix()
	var out []domain.PipelineAssignment
	for _, row := range a.db.Assignments.All() {
		if row.ModelName == model && row.UpdatedAt >= cutoff {
			out = append(out, row)
		}
	}
	return out
}

// Reassign recomputes and persists the full layer split for model across the
// candidate nodes whose heartbeat is within HeartbeatTimeout. Candidates are
// filtered on heartbeat freshness only: neither the model they registered
// for nor their distributability (canDistribute, distinct transport
// endpoints) is checked. It is re-run on registration, stale-sweep removal, and cluster reformation
// per spec §4.6.
func (a *Allocator) Reassign(model string, candidates []domain.AgentNode, now time.Time) error {
	total := a.table.LayerCount(model)

	active := make([]domain.AgentNode, 0, len(candidates))
	cutoff := now.Add(-HeartbeatTimeout).Unix()
	for _, n := range candidates {
		if n.LastHeartbeat >= cutoff {
			active = append(active, n)
		}
	}

	// Only the split rows are written; rows already persisted for this model
	// whose node is not among the fresh candidates are left untouched until
	// the stale sweep removes them.
	rows := a.splitRows(model, active, total)

	for _, row := range rows {
		row.UpdatedAt = now.Unix()
		if err := a.db.Assignments.Put(row.Key(), row); err != nil {
			return err
		}
	}
	a.publishTopology(model)
	return nil
}

func (a *Allocator) splitRows(model string, nodes []domain.AgentNode, total int) []domain.PipelineAssignment {
	n := len(nodes)
	if n == 0 {
		return nil
	}
	if n == 1 {
		node := nodes[0]
		return []domain.PipelineAssignment{standaloneRow(node, model, total)}
	}

	weights := make([]int64, n)
	var sumWeight int64
	for i, node := range nodes {
		w := domain.AvailableMemMB(node)
		weights[i] = w
		sumWeight += w
	}

	rows := make([]domain.PipelineAssignment, n)
	if sumWeight == 0 {
		base := total / n
		layerStart := 0
		for i, node := range nodes {
			layerEnd := layerStart + base
			if i == n-1 {
				layerEnd = total
			}
			rows[i] = distributedRow(node, model, total, layerStart, layerEnd, i)
			layerStart = layerEnd
		}
		return rows
	}

	layerStart := 0
	for i, node := range nodes {
		var layerEnd int
		if i == n-1 {
			layerEnd = total
		} else {
			share := int(float64(total) * float64(weights[i]) / float64(sumWeight))
			layerEnd = layerStart + share
		}
		rows[i] = distributedRow(node, model, total, layerStart, layerEnd, i)
		layerStart = layerEnd
	}
	return rows
}

func standaloneRow(node domain.AgentNode, model string, total int) domain.PipelineAssignment {
	return domain.PipelineAssignment{
		NodeAddress:        node.Address,
		ModelName:          model,
		LayerStart:         0,
		LayerEnd:           total,
		TotalLayers:        total,
		GRPCEndpoint:       node.Endpoint,
		HTTPEndpoint:       node.Endpoint,
		RAMMb:              node.RAMMb,
		Device:             node.Device,
		VRAMMb:             node.VRAMMb,
		BenchmarkTokPerSec: node.BenchmarkTokPerSec,
		PipelineOrder:      0,
		NodeMode:           domain.NodeStandalone,
	}
}

// distributedRow builds an assignment row for one member of a multi-node
// layer split. These nodes are never "standalone" — each one only serves a
// slice of the model's layers and depends on its pipeline neighbors for the
// rest — so they carry NodePipeline, distinct from the single-node fallback
// row built by standaloneRow.
func distributedRow(node domain.AgentNode, model string, total, layerStart, layerEnd, order int) domain.PipelineAssignment {
	return domain.PipelineAssignment{
		NodeAddress:        node.Address,
		ModelName:          model,
		LayerStart:         layerStart,
		LayerEnd:           layerEnd,
		TotalLayers:        total,
		GRPCEndpoint:       node.Endpoint,
		HTTPEndpoint:       node.Endpoint + "/http",
		RAMMb:              node.RAMMb,
		Device:             node.Device,
		VRAMMb:             node.VRAMMb,
		BenchmarkTokPerSec: node.BenchmarkTokPerSec,
		PipelineOrder:      order,
		NodeMode:           domain.NodePipeline,
	}
}

// Topology returns the ordered active assignments for model, including any
// standalone fallback row, per GET /api/v1/pipeline/topology.
func (a *Allocator) Topology(model string) []domain.PipelineAssignment {
	rows := a.activeRows(model, time.Now())
	sort.Slice(rows, func(i, j int) bool { return rows[i].PipelineOrder < rows[j].PipelineOrder })
	return rows
}

// MarkReady flips ready=true for a (node, model) assignment on its explicit
// /ready call.
func (a *Allocator) MarkReady(addr domain.Address, model string) error {
	key := domain.AssignmentKey{NodeAddress: addr, ModelName: model}
	_, err := a.db.Assignments.Upsert(key, func(existing domain.PipelineAssignment, found bool) (domain.PipelineAssignment, error) {
		existing.Ready = true
		return existing, nil
	})
	if err == nil {
		a.publishTopology(model)
	}
	return err
}

// RemoveStale deletes assignment rows for model whose updatedAt predates
// HeartbeatTimeout, called by the monitor's stale sweep (spec §4.9).
func (a *Allocator) RemoveStale(model string, now time.Time) []domain.Address {
	cutoff := now.Add(-HeartbeatTimeout).Unix()
	var removed []domain.Address
	for _, row := range a.db.Assignments.All() {
		if row.ModelName == model && row.UpdatedAt < cutoff {
			if err := a.db.Assignments.Delete(row.Key()); err == nil {
				removed = append(removed, row.NodeAddress)
			}
		}
	}
	return removed
}

func (a *Allocator) publishTopology(model string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(pubsub.Event{
		Type:      pubsub.EventTopology,
		Model:     model,
		Payload:   a.Topology(model),
		Timestamp: time.Now().Unix(),
	})
}
