package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/better-wallet/spendguard/pkg/types"
)

// EthereumSigner produces EIP-191 personal_sign signatures. Its public key
// is the checksummed account address.
type EthereumSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewEthereumSigner(privateKeyHex string) (*EthereumSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid secp256k1 key: %w", err)
	}
	return &EthereumSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func GenerateEthereumSigner() (*EthereumSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}
	return &EthereumSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *EthereumSigner) Sign(_ context.Context, payload []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(payload), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func (s *EthereumSigner) PublicKey() string { return s.address.Hex() }

func (s *EthereumSigner) Scheme() string { return types.SchemeEthereum }

// EthereumVerifier recovers the signer of an EIP-191 signature and compares
// it with the expected address.
type EthereumVerifier struct{}

func (EthereumVerifier) Verify(_ context.Context, signature string, payload []byte, publicKey string) (bool, error) {
	if !common.IsHexAddress(publicKey) {
		return false, nil
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false, nil
	}

	// accept both 27/28 and 0/1 recovery ids
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return false, nil
	}
	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(publicKey), nil
}
