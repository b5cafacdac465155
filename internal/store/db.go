package store

import (
	"fmt"
	"path/filepath"
	"time"

	"inference-oracle/internal/domain"
)

// NetworkStat is a periodic snapshot row for the /api/stats dashboard query,
// the local stand-in for the "network_stats" table named in spec §6.
type NetworkStat struct {
	Timestamp     int64  `json:"timestamp"`
	ActiveAgents  int    `json:"activeAgents"`
	TotalTokens   uint64 `json:"totalTokens"`
	CurrentEpoch  uint64 `json:"currentEpoch"`
}

// DB bundles every table named in spec §6's persisted schema.
type DB struct {
	Agents       *Table[domain.Address, domain.Agent]
	Nodes        *Table[domain.Address, domain.AgentNode]
	Challenges   *Table[string, domain.Challenge]
	Epochs       *Table[uint64, domain.Epoch]
	Contribs     *Table[domain.EpochKey, domain.Contribution]
	Metrics      *Table[domain.EpochKey, domain.EpochMetrics]
	Proofs       *Table[string, domain.InferenceProof]
	Assignments  *Table[domain.AssignmentKey, domain.PipelineAssignment]
	NetworkStats *Table[int64, NetworkStat]

	dir string
}

// Open opens (creating if needed) every table under dir, one WAL+snapshot
// pair per table, mirroring the named tables of spec §6.
func Open(dir string) (*DB, error) {
	db := &DB{dir: dir}
	var err error
	if db.Agents, err = OpenTable[domain.Address, domain.Agent](dir, "agents"); err != nil {
		return nil, err
	}
	if db.Nodes, err = OpenTable[domain.Address, domain.AgentNode](dir, "agent_nodes"); err != nil {
		return nil, err
	}
	if db.Challenges, err = OpenTable[string, domain.Challenge](dir, "challenges"); err != nil {
		return nil, err
	}
	if db.Epochs, err = OpenTable[uint64, domain.Epoch](dir, "epochs"); err != nil {
		return nil, err
	}
	if db.Contribs, err = OpenTable[domain.EpochKey, domain.Contribution](dir, "contributions"); err != nil {
		return nil, err
	}
	if db.Metrics, err = OpenTable[domain.EpochKey, domain.EpochMetrics](dir, "inference_metrics"); err != nil {
		return nil, err
	}
	if db.Proofs, err = OpenTable[string, domain.InferenceProof](dir, "inference_proofs"); err != nil {
		return nil, err
	}
	if db.Assignments, err = OpenTable[domain.AssignmentKey, domain.PipelineAssignment](dir, "pipeline_assignments"); err != nil {
		return nil, err
	}
	if db.NetworkStats, err = OpenTable[int64, NetworkStat](dir, "network_stats"); err != nil {
		return nil, err
	}
	return db, nil
}

// VerifySchema fails fast (spec §6/§7 chain-fatal class) when any table's
// on-disk files are missing or unreadable. Called at boot when NODE_ENV is
// production.
func (db *DB) VerifySchema() error {
	tables := map[string]interface{ HeaderOK() error }{
		"agents":               db.Agents,
		"agent_nodes":          db.Nodes,
		"challenges":           db.Challenges,
		"epochs":               db.Epochs,
		"contributions":        db.Contribs,
		"inference_metrics":    db.Metrics,
		"inference_proofs":     db.Proofs,
		"pipeline_assignments": db.Assignments,
		"network_stats":        db.NetworkStats,
	}
	for name, t := range tables {
		if err := t.HeaderOK(); err != nil {
			return fmt.Errorf("store: schema verification failed for %s: %w", name, err)
		}
	}
	return nil
}

// RecordStat appends a network_stats row keyed by its own timestamp.
func (db *DB) RecordStat(s NetworkStat) error {
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().Unix()
	}
	return db.NetworkStats.Put(s.Timestamp, s)
}

// Close closes every table's WAL handle.
func (db *DB) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{
		db.Agents, db.Nodes, db.Challenges, db.Epochs,
		db.Contribs, db.Metrics, db.Proofs, db.Assignments, db.NetworkStats,
	} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Dir reports the directory this DB's tables live under.
func (db *DB) Dir() string { return filepath.Clean(db.dir) }
