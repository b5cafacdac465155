// Package proofs is the Proof Store (spec §4.2): accepts agent-submitted
// inference proofs, runs a plausibility check at save time, and indexes
// verified token counts for the scorer.
//
// Grounded on the teacher's core/ledger.go for the persistence shape and on
// other_examples/…neo-go__pkg-services-oracle-oracle.go for the
// verified/unverified request distinction this store mirrors (see
// SPEC_FULL.md §9 supplement note).
package proofs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inference-oracle/internal/domain"
	"inference-oracle/internal/store"
)

// ErrBadHashFormat is returned when a proof hash isn't 32-byte hex.
var ErrBadHashFormat = errors.New("proofs: hash must be 32-byte hex")

// ErrTrivialHashes is returned when a proof's hashes are suspiciously equal.
var ErrTrivialHashes = errors.New("proofs: inputHash/outputHash/modelHash must differ")

// ErrTokenCountExceedsMetrics is returned when tokenCount exceeds the
// agent's accumulated tokensProcessed for the epoch.
var ErrTokenCountExceedsMetrics = errors.New("proofs: tokenCount exceeds epoch tokensProcessed")

// Input is the submission shape accepted from an ingest-forwarded proof.
type Input struct {
	ModelHash  string
	InputHash  string
	OutputHash string
	TokenCount uint64
}

// Store persists InferenceProof rows and answers verified-token-count
// queries for the scorer.
type Store struct {
	db  *store.DB
	log *logrus.Entry
}

func New(db *store.DB, log *logrus.Entry) *Store {
	return &Store{db: db, log: log}
}

// Save runs the plausibility check and persists the proof regardless of
// outcome; verified=false proofs are kept for audit but excluded from
// GetVerifiedTokenCount.
func (s *Store) Save(addr domain.Address, epoch uint64, in Input) (domain.InferenceProof, error) {
	now := time.Now().Unix()
	p := domain.InferenceProof{
		ID:         uuid.NewString(),
		Address:    addr,
		Epoch:      epoch,
		ModelHash:  in.ModelHash,
		InputHash:  in.InputHash,
		OutputHash: in.OutputHash,
		TokenCount: in.TokenCount,
		CreatedAt:  now,
	}

	if err := s.plausible(addr, epoch, in); err != nil {
		if s.log != nil {
			s.log.WithError(err).WithField("address", addr).Debug("proofs: plausibility check failed")
		}
	} else {
		p.Verified = true
		p.VerificationTxHash = localDigest(in)
		p.VerifiedAt = now
	}

	if err := s.db.Proofs.Put(p.ID, p); err != nil {
		return domain.InferenceProof{}, fmt.Errorf("proofs: persist: %w", err)
	}
	return p, nil
}

func (s *Store) plausible(addr domain.Address, epoch uint64, in Input) error {
	if !isHash32(in.ModelHash) || !isHash32(in.InputHash) || !isHash32(in.OutputHash) {
		return ErrBadHashFormat
	}
	if in.InputHash == in.OutputHash || in.ModelHash == in.InputHash {
		return ErrTrivialHashes
	}
	metrics, ok := s.db.Metrics.Get(domain.EpochKey{Address: addr, Epoch: epoch})
	if !ok || in.TokenCount > metrics.TokensProcessed {
		return ErrTokenCountExceedsMetrics
	}
	return nil
}

func isHash32(h string) bool {
	s := h
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// localDigest computes a SHA-256 digest over the three hashes plus token
// count, recorded as VerificationTxHash. This is explicitly a local
// plausibility digest, not a chain transaction — true cryptographic
// verification of inference correctness is out of scope (spec §9 Open
// Question).
func localDigest(in Input) string {
	h := sha256.New()
	h.Write([]byte(in.ModelHash))
	h.Write([]byte(in.InputHash))
	h.Write([]byte(in.OutputHash))
	h.Write([]byte(fmt.Sprintf("%d", in.TokenCount)))
	return hex.EncodeToString(h.Sum(nil))
}

// GetVerifiedTokenCount sums TokenCount over verified proofs for (address,
// epoch), consumed by the scorer's processedTokens substitution.
func (s *Store) GetVerifiedTokenCount(addr domain.Address, epoch uint64) uint64 {
	var total uint64
	s.db.Proofs.Range(func(_ string, p domain.InferenceProof) bool {
		if p.Address == addr && p.Epoch == epoch && p.Verified {
			total += p.TokenCount
		}
		return true
	})
	return total
}

// MarkVerified flips a proof to verified with an externally supplied
// transaction hash, preserving the Open Question's deferred on-chain
// verifier callback interface (spec §9).
func (s *Store) MarkVerified(id string, txHash string) error {
	_, err := s.db.Proofs.Upsert(id, func(existing domain.InferenceProof, found bool) (domain.InferenceProof, error) {
		if !found {
			return existing, fmt.Errorf("proofs: unknown proof %s", id)
		}
		existing.Verified = true
		existing.VerificationTxHash = txHash
		existing.VerifiedAt = time.Now().Unix()
		return existing, nil
	})
	return err
}

// ForAgent returns every proof for an (address, epoch) pair.
func (s *Store) ForAgent(addr domain.Address, epoch uint64) []domain.InferenceProof {
	var out []domain.InferenceProof
	s.db.Proofs.Range(func(_ string, p domain.InferenceProof) bool {
		if p.Address == addr && p.Epoch == epoch {
			out = append(out, p)
		}
		return true
	})
	return out
}

// AllForAddress returns every proof ever submitted by addr, across all
// epochs, for GET /api/v1/proofs/:address.
func (s *Store) AllForAddress(addr domain.Address) []domain.InferenceProof {
	var out []domain.InferenceProof
	s.db.Proofs.Range(func(_ string, p domain.InferenceProof) bool {
		if p.Address == addr {
			out = append(out, p)
		}
		return true
	})
	return out
}

// Stats is the summary shape for GET /api/v1/proofs/:address/stats.
type Stats struct {
	Total           int    `json:"total"`
	Verified        int    `json:"verified"`
	VerifiedTokens  uint64 `json:"verifiedTokens"`
}

// StatsForAddress summarizes every proof addr has ever submitted.
func (s *Store) StatsForAddress(addr domain.Address) Stats {
	var out Stats
	s.db.Proofs.Range(func(_ string, p domain.InferenceProof) bool {
		if p.Address != addr {
			return true
		}
		out.Total++
		if p.Verified {
			out.Verified++
			out.VerifiedTokens += p.TokenCount
		}
		return true
	})
	return out
}
