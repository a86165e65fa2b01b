package delegation

import (
	"context"
	"fmt"
)

// KeyResolver maps a delegator identity to the public key its signatures
// verify against.
type KeyResolver interface {
	PublicKey(ctx context.Context, identity string) (string, error)
}

// IdentityKeys treats the identity itself as the key, which is how Ethereum
// addresses verify under EIP-191 recovery.
type IdentityKeys struct{}

func (IdentityKeys) PublicKey(_ context.Context, identity string) (string, error) {
	return identity, nil
}

// StaticKeys is a fixed identity-to-key table.
type StaticKeys map[string]string

func (k StaticKeys) PublicKey(_ context.Context, identity string) (string, error) {
	key, ok := k[identity]
	if !ok {
		return "", fmt.Errorf("no public key registered for %s", identity)
	}
	return key, nil
}
