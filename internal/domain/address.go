// Package domain holds the persisted entity types shared across the
// oracle's components: agents, nodes, epoch metrics, proofs, contributions,
// pipeline assignments and the logical cluster view derived from them.
package domain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// Address is a 20-byte chain identifier, canonicalized to lowercase hex for
// comparison and storage. Mirrors the teacher's core.Address shape without
// importing the teacher's package graph.
type Address [20]byte

// ErrInvalidAddress is returned when a hex string cannot be parsed into an Address.
var ErrInvalidAddress = errors.New("domain: invalid address")

// ParseAddress decodes a "0x"-prefixed or bare hex string into an Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) != 2*len(a) {
		return a, ErrInvalidAddress
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, ErrInvalidAddress
	}
	copy(a[:], b)
	return a, nil
}

// String renders the canonical lowercase "0x"-prefixed hex form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}
