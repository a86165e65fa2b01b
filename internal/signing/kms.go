package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/better-wallet/spendguard/pkg/types"
)

// kmsAPI is the subset of the KMS client the signer needs.
type kmsAPI interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner signs SHA-256 digests with an asymmetric ECC_NIST_P256 key held
// in AWS KMS. Signatures are base64 DER; the public key is base64
// SubjectPublicKeyInfo as returned by GetPublicKey.
type KMSSigner struct {
	keyID     string
	client    kmsAPI
	publicKey string
}

// NewKMSSigner loads AWS configuration from the default credential chain and
// fetches the key's public half once.
func NewKMSSigner(ctx context.Context, keyID, region string) (*KMSSigner, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newKMSSigner(ctx, keyID, kms.NewFromConfig(cfg))
}

func newKMSSigner(ctx context.Context, keyID string, client kmsAPI) (*KMSSigner, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS get public key failed: %w", err)
	}
	return &KMSSigner{
		keyID:     keyID,
		client:    client,
		publicKey: base64.StdEncoding.EncodeToString(out.PublicKey),
	}, nil
}

func (s *KMSSigner) Sign(ctx context.Context, payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest[:],
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return "", fmt.Errorf("AWS KMS sign failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.Signature), nil
}

func (s *KMSSigner) PublicKey() string { return s.publicKey }

func (s *KMSSigner) Scheme() string { return types.SchemeAWSKMS }

// P256Verifier verifies ECDSA P-256 signatures over the SHA-256 of the
// payload. The public key may be base64 SubjectPublicKeyInfo DER or a hex
// SEC1 point; the signature may be base64 DER or raw r||s.
type P256Verifier struct{}

func (P256Verifier) Verify(_ context.Context, signature string, payload []byte, publicKey string) (bool, error) {
	pub, err := parseP256PublicKey(publicKey)
	if err != nil {
		return false, nil
	}
	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, nil
	}

	hash := sha256.Sum256(payload)

	var der struct{ R, S *big.Int }
	if rest, err := asn1.Unmarshal(sigBytes, &der); err == nil && len(rest) == 0 {
		if der.R == nil || der.S == nil {
			return false, nil
		}
		return ecdsa.Verify(pub, hash[:], der.R, der.S), nil
	}

	if len(sigBytes) != 64 {
		return false, nil
	}
	r := new(big.Int).SetBytes(sigBytes[:32])
	s := new(big.Int).SetBytes(sigBytes[32:])
	return ecdsa.Verify(pub, hash[:], r, s), nil
}

func parseP256PublicKey(encoded string) (*ecdsa.PublicKey, error) {
	if raw, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x")); err == nil {
		if len(raw) != 65 && len(raw) != 33 {
			return nil, fmt.Errorf("invalid P-256 public key length: %d", len(raw))
		}
		var x, y *big.Int
		if len(raw) == 65 {
			x, y = elliptic.Unmarshal(elliptic.P256(), raw)
		} else {
			x, y = elliptic.UnmarshalCompressed(elliptic.P256(), raw)
		}
		if x == nil {
			return nil, fmt.Errorf("failed to parse P-256 public key")
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
	}

	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("public key is not P-256")
	}
	return pub, nil
}
