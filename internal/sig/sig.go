// Package sig verifies the secp256k1 personal-message signatures agents
// attach to every telemetry, registration, and pipeline-lifecycle payload,
// and canonicalizes the JSON messages those signatures cover.
//
// Grounded on the teacher's core/utility_functions.go opECRECOVER, which
// recovers a secp256k1 public key from an (r, s, v) signature via
// go-ethereum's crypto package and derives the signer address from it.
package sig

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"inference-oracle/internal/domain"
)

// ErrBadSignature is returned when a signature fails to recover to the
// claimed address, or is malformed.
var ErrBadSignature = errors.New("sig: signature does not match address")

// CanonicalJSON re-marshals v through a map so object keys are sorted
// lexically, matching the wire-level canonicalization rule in spec §6:
// the signed message is the exact JSON serialization with predictable key
// order. encoding/json already sorts map keys; for typed structs we funnel
// through map[string]any to get the same guarantee regardless of struct
// field declaration order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sig: marshal: %w", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("sig: normalize: %w", err)
	}
	return json.Marshal(generic)
}

// MetricsMessage is the canonical payload signed by an agent's telemetry
// report: {agent, processed_tokens, timestamp} with a lowercase hex address.
type MetricsMessage struct {
	Agent           string `json:"agent"`
	ProcessedTokens uint64 `json:"processed_tokens"`
	Timestamp       int64  `json:"timestamp"`
}

// VerifyMetrics recovers the signer of a telemetry report and checks it
// against the claimed address.
func VerifyMetrics(addr domain.Address, tokensProcessed uint64, timestamp int64, signature []byte) error {
	msg := MetricsMessage{
		Agent:           strings.ToLower(addr.String()),
		ProcessedTokens: tokensProcessed,
		Timestamp:       timestamp,
	}
	body, err := CanonicalJSON(msg)
	if err != nil {
		return err
	}
	return VerifyPersonalSignature(addr, body, signature)
}

// VerifyPersonalSignature recovers the signer of an Ethereum personal-message
// signature over body and checks it equals addr. Accepts both a trailing
// recovery byte in {0,1} and the legacy {27,28} convention.
func VerifyPersonalSignature(addr domain.Address, body []byte, signature []byte) error {
	sig, err := normalizeSig(signature)
	if err != nil {
		return err
	}
	hash := accounts.TextHash(body)
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if domain.Address(recovered) != addr {
		return ErrBadSignature
	}
	return nil
}

func normalizeSig(signature []byte) ([]byte, error) {
	if len(signature) != 65 {
		return nil, fmt.Errorf("%w: length %d", ErrBadSignature, len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig, nil
}
