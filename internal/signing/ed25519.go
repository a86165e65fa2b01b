package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/better-wallet/spendguard/pkg/types"
)

// Ed25519Signer signs with an in-process key. Signatures and public keys
// are hex encoded.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer accepts a hex 32-byte seed or 64-byte private key.
func NewEd25519Signer(privateKeyHex string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 key hex: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &Ed25519Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Ed25519Signer{key: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("invalid ed25519 key length: %d", len(raw))
	}
}

// GenerateEd25519Signer creates a signer with a fresh random key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{key: key}, nil
}

func (s *Ed25519Signer) Sign(_ context.Context, payload []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.key, payload)), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

func (s *Ed25519Signer) Scheme() string { return types.SchemeEd25519 }

// Ed25519Verifier verifies hex signatures against hex public keys.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(_ context.Context, signature string, payload []byte, publicKey string) (bool, error) {
	pub, err := hex.DecodeString(strings.TrimPrefix(publicKey, "0x"))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, nil
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig), nil
}
