// Package signing adapts concrete signature schemes to the Signer and
// Verifier collaborators used for delegations and payment headers.
package signing

import (
	"context"
	"fmt"

	"github.com/better-wallet/spendguard/internal/config"
	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/pkg/types"
)

// Signer produces an encoded signature over payload.
type Signer interface {
	Sign(ctx context.Context, payload []byte) (string, error)
	// PublicKey returns the key material a Verifier of the same scheme
	// accepts for this signer's signatures.
	PublicKey() string
	Scheme() string
}

// Verifier checks a signature. A mismatching signature is (false, nil);
// an error means the check itself could not be performed.
type Verifier interface {
	Verify(ctx context.Context, signature string, payload []byte, publicKey string) (bool, error)
}

// NewSigner builds the signer selected by cfg.Scheme.
func NewSigner(ctx context.Context, cfg config.SigningConfig) (Signer, error) {
	switch cfg.Scheme {
	case types.SchemeEd25519:
		if cfg.PrivateKeyHex == "" {
			logger.Warn(ctx, "no signing key configured, generating an ephemeral ed25519 key")
			return GenerateEd25519Signer()
		}
		return NewEd25519Signer(cfg.PrivateKeyHex)
	case types.SchemeEthereum:
		if cfg.PrivateKeyHex == "" {
			logger.Warn(ctx, "no signing key configured, generating an ephemeral secp256k1 key")
			return GenerateEthereumSigner()
		}
		return NewEthereumSigner(cfg.PrivateKeyHex)
	case types.SchemeAWSKMS:
		return NewKMSSigner(ctx, cfg.AWSKeyID, cfg.AWSRegion)
	case types.SchemeVault:
		return NewVaultSigner(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)
	default:
		return nil, fmt.Errorf("unsupported signing scheme: %s", cfg.Scheme)
	}
}

// NewVerifier builds the verifier for cfg.Scheme. Only vault needs a remote
// client; the others verify locally.
func NewVerifier(cfg config.SigningConfig) (Verifier, error) {
	switch cfg.Scheme {
	case types.SchemeEd25519:
		return Ed25519Verifier{}, nil
	case types.SchemeEthereum:
		return EthereumVerifier{}, nil
	case types.SchemeAWSKMS:
		return P256Verifier{}, nil
	case types.SchemeVault:
		return NewVaultVerifier(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)
	default:
		return nil, fmt.Errorf("unsupported signing scheme: %s", cfg.Scheme)
	}
}
