package payment

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/better-wallet/spendguard/internal/signing"
)

// HeaderName carries the signed payment proof on outbound requests.
const HeaderName = "X-PAYMENT"

// PaymentHeader is the decoded X-PAYMENT value. Signature covers the
// canonical JSON of every other field.
type PaymentHeader struct {
	Scheme    string `json:"scheme"`
	Network   string `json:"network"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Endpoint  string `json:"endpoint"`
	Payer     string `json:"payer"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

func (h PaymentHeader) signingPayload() ([]byte, error) {
	h.Signature = ""
	return canonicalJSON(h)
}

// BuildPaymentHeader signs h with signer and returns the encoded header
// value. Scheme and Payer are taken from the signer.
func BuildPaymentHeader(ctx context.Context, signer signing.Signer, h PaymentHeader) (string, error) {
	h.Scheme = signer.Scheme()
	h.Payer = signer.PublicKey()

	payload, err := h.signingPayload()
	if err != nil {
		return "", err
	}
	sig, err := signer.Sign(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("sign payment header: %w", err)
	}
	h.Signature = sig

	raw, err := canonicalJSON(h)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePaymentHeader parses an X-PAYMENT value.
func DecodePaymentHeader(value string) (PaymentHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return PaymentHeader{}, fmt.Errorf("decode payment header: %w", err)
	}
	var h PaymentHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return PaymentHeader{}, fmt.Errorf("parse payment header: %w", err)
	}
	return h, nil
}

// VerifyPaymentHeader checks the header signature against its payer.
func VerifyPaymentHeader(ctx context.Context, verifier signing.Verifier, h PaymentHeader) (bool, error) {
	if h.Signature == "" {
		return false, nil
	}
	payload, err := h.signingPayload()
	if err != nil {
		return false, err
	}
	return verifier.Verify(ctx, h.Signature, payload, h.Payer)
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payment header: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payment header: %w", err)
	}
	return out, nil
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
