package testutil

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"inference-oracle/internal/domain"
)

// Signer wraps an in-memory secp256k1 key so tests can produce the same
// personal-message signatures internal/sig verifies, without standing up a
// real wallet.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr domain.Address
}

// NewSigner generates a fresh key pair.
func NewSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, addr: domain.Address(crypto.PubkeyToAddress(key.PublicKey))}, nil
}

// Address returns the signer's derived address.
func (s *Signer) Address() domain.Address { return s.addr }

// Sign produces a 65-byte personal-message signature over body, in the same
// {r, s, v in (27, 28)} form internal/sig.normalizeSig accepts.
func (s *Signer) Sign(body []byte) ([]byte, error) {
	hash := accounts.TextHash(body)
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
