package signing

import (
	"context"
	"encoding/base64"
	"fmt"

	vault "github.com/hashicorp/vault/api"

	"github.com/better-wallet/spendguard/pkg/types"
)

func newVaultClient(address, token string) (*vault.Client, error) {
	if address == "" {
		return nil, fmt.Errorf("Vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("Vault token is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)
	return client, nil
}

// VaultSigner signs through the Vault Transit engine. The transit key name
// stands in for the public key: verification goes back through Vault.
type VaultSigner struct {
	transitKey string
	client     *vault.Client
}

func NewVaultSigner(address, token, transitKey string) (*VaultSigner, error) {
	if transitKey == "" {
		return nil, fmt.Errorf("Vault transit key name is required")
	}
	client, err := newVaultClient(address, token)
	if err != nil {
		return nil, err
	}
	return &VaultSigner{transitKey: transitKey, client: client}, nil
}

func (s *VaultSigner) Sign(ctx context.Context, payload []byte) (string, error) {
	path := fmt.Sprintf("transit/sign/%s", s.transitKey)
	secret, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return "", fmt.Errorf("Vault Transit sign failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("Vault Transit sign returned no data")
	}
	sig, ok := secret.Data["signature"].(string)
	if !ok {
		return "", fmt.Errorf("Vault Transit sign response missing signature")
	}
	return sig, nil
}

func (s *VaultSigner) PublicKey() string { return s.transitKey }

func (s *VaultSigner) Scheme() string { return types.SchemeVault }

// VaultVerifier asks Vault Transit to verify a signature. The publicKey
// argument names the transit key; empty falls back to the configured one.
type VaultVerifier struct {
	transitKey string
	client     *vault.Client
}

func NewVaultVerifier(address, token, transitKey string) (*VaultVerifier, error) {
	client, err := newVaultClient(address, token)
	if err != nil {
		return nil, err
	}
	return &VaultVerifier{transitKey: transitKey, client: client}, nil
}

func (v *VaultVerifier) Verify(ctx context.Context, signature string, payload []byte, publicKey string) (bool, error) {
	key := publicKey
	if key == "" {
		key = v.transitKey
	}
	if key == "" {
		return false, fmt.Errorf("Vault transit key name is required")
	}

	path := fmt.Sprintf("transit/verify/%s", key)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"input":     base64.StdEncoding.EncodeToString(payload),
		"signature": signature,
	})
	if err != nil {
		return false, fmt.Errorf("Vault Transit verify failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return false, fmt.Errorf("Vault Transit verify returned no data")
	}
	valid, _ := secret.Data["valid"].(bool)
	return valid, nil
}
