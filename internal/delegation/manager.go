// Package delegation manages scoped, time-limited grants of spending
// authority from a delegator identity to a delegatee agent.
package delegation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/better-wallet/spendguard/internal/keylock"
	"github.com/better-wallet/spendguard/internal/ledger"
	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/internal/signing"
	"github.com/better-wallet/spendguard/internal/validation"
	apperrors "github.com/better-wallet/spendguard/pkg/errors"
	"github.com/better-wallet/spendguard/pkg/types"
)

// Verification failure reasons.
const (
	ReasonNotFound             = "Delegation not found"
	ReasonExpired              = "Delegation has expired"
	ReasonDelegateeMismatch    = "Delegatee mismatch"
	ReasonInvalidSignature     = "Invalid delegation signature"
	ReasonSignatureUnavailable = "Signature verification unavailable"
	ReasonPolicyNotInScope     = "Policy not in delegation scope"
	ReasonAmountExceedsScope   = "Amount exceeds delegation scope"
	ReasonInvalidAmount        = "Invalid requested amount"
	ReasonTimeLimitExceeded    = "Delegation time limit exceeded"
	ReasonActionNotInScope     = "Action not in delegation scope"
	ReasonNetworkNotInScope    = "Network not in delegation scope"
	ReasonStoreUnavailable     = "Delegation store unavailable"
)

const (
	defaultSignatureTimeout = 3 * time.Second
	nonceBytes              = 16
)

// LedgerRecorder queues a best-effort registration and reports the receipt.
type LedgerRecorder interface {
	RecordThen(topic string, payload []byte, then func(ledger.Receipt)) bool
}

// AuditLogger accepts audit records without blocking.
type AuditLogger interface {
	Log(ctx context.Context, rec types.AuditRecord)
}

// Options wires the manager's collaborators. Only Verifier and Keys are
// needed for signatures; the rest may be nil.
type Options struct {
	Verifier         signing.Verifier
	Keys             KeyResolver
	Recorder         LedgerRecorder
	Audit            AuditLogger
	Metrics          *metrics.Metrics
	SignatureTimeout time.Duration
}

// Manager owns the delegation lifecycle and verification.
type Manager struct {
	store Store
	locks *keylock.Map
	opts  Options
	now   func() time.Time
}

func NewManager(store Store, opts Options) *Manager {
	if opts.SignatureTimeout <= 0 {
		opts.SignatureTimeout = defaultSignatureTimeout
	}
	if opts.Keys == nil {
		opts.Keys = IdentityKeys{}
	}
	return &Manager{
		store: store,
		locks: keylock.New(),
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateDelegationRequest carries the grant terms. ExpiresAt wins over TTL.
type CreateDelegationRequest struct {
	Scope     types.DelegationScope `json:"scope"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
	TTL       time.Duration         `json:"ttl,omitempty"`
}

// CreateDelegation stores a pending delegation. It becomes active once a
// valid delegator signature is attached.
func (m *Manager) CreateDelegation(ctx context.Context, req CreateDelegationRequest, delegator, delegatee string) (*types.Delegation, error) {
	if err := validation.ValidateIdentity(delegator); err != nil {
		return nil, apperrors.Validation("delegator: " + err.Error())
	}
	if err := validation.ValidateIdentity(delegatee); err != nil {
		return nil, apperrors.Validation("delegatee: " + err.Error())
	}
	if validation.SameIdentity(delegator, delegatee) {
		return nil, apperrors.Validation("delegator and delegatee must differ")
	}
	if err := validateScope(req.Scope); err != nil {
		return nil, err
	}

	now := m.now().Truncate(time.Microsecond)
	expiresAt := req.ExpiresAt
	if expiresAt == nil && req.TTL > 0 {
		t := now.Add(req.TTL)
		expiresAt = &t
	}
	if expiresAt != nil {
		t := expiresAt.UTC().Truncate(time.Microsecond)
		if !t.After(now) {
			return nil, apperrors.Validation("expires_at must be in the future")
		}
		expiresAt = &t
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	d := &types.Delegation{
		ID:        uuid.NewString(),
		Delegator: delegator,
		Delegatee: delegatee,
		Scope:     req.Scope,
		Status:    types.DelegationStatusPending,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Nonce:     nonce,
	}
	if err := m.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create delegation: %w", err)
	}

	logger.Info(ctx, "delegation created", "delegation_id", d.ID, "delegator", delegator, "delegatee", delegatee)
	m.publish(ctx, d, types.AuditDelegationCreated, "")
	return d, nil
}

func validateScope(s types.DelegationScope) error {
	if s.MaxAmount != "" {
		if _, err := types.ParseAmount(s.MaxAmount); err != nil {
			return apperrors.Validation("scope.max_amount: " + err.Error())
		}
	}
	if s.TimeLimit < 0 {
		return apperrors.Validation("scope.time_limit must be non-negative")
	}
	return nil
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AttachSignature checks signature against the delegator's key and
// activates the delegation.
func (m *Manager) AttachSignature(ctx context.Context, id, signature string) (*types.Delegation, error) {
	if signature == "" {
		return nil, apperrors.Validation("signature is required")
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	d, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != types.DelegationStatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("delegation is %s", d.Status))
	}

	now := m.now()
	if expired(d, now) {
		m.expireLocked(ctx, d)
		return nil, apperrors.DelegationInvalid(ReasonExpired)
	}

	ok, err := m.checkSignature(ctx, d, signature)
	if err != nil {
		return nil, apperrors.CollaboratorUnavailable("signature verifier", err)
	}
	if !ok {
		return nil, apperrors.DelegationInvalid(ReasonInvalidSignature)
	}

	d.Signature = signature
	d.Status = types.DelegationStatusActive
	if err := m.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to update delegation: %w", err)
	}

	logger.Info(ctx, "delegation activated", "delegation_id", d.ID)
	m.publish(ctx, d, types.AuditDelegationActivated, "")
	return d, nil
}

// SignDelegation signs the canonical payload with signer and attaches the
// result. For delegators whose key the service holds.
func (m *Manager) SignDelegation(ctx context.Context, id string, signer signing.Signer) (*types.Delegation, error) {
	d, err := m.GetDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	payload, err := CanonicalPayload(d)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, m.opts.SignatureTimeout)
	defer cancel()
	sig, err := signer.Sign(sctx, payload)
	if err != nil {
		return nil, apperrors.CollaboratorUnavailable("signer", err)
	}
	return m.AttachSignature(ctx, id, sig)
}

// VerifyDelegation decides whether delegatee may act under the delegation
// in vc. Failures are reported in the result; the error is reserved for
// store faults, in which case the result is also invalid.
func (m *Manager) VerifyDelegation(ctx context.Context, id, delegatee string, vc types.VerificationContext) (types.DelegationVerification, error) {
	res, err := m.verify(ctx, id, delegatee, vc)
	m.opts.Metrics.ObserveDelegation(res.Valid)
	if !res.Valid {
		logger.Debug(ctx, "delegation rejected", "delegation_id", id, "reason", res.Reason)
	}
	return res, err
}

func (m *Manager) verify(ctx context.Context, id, delegatee string, vc types.VerificationContext) (types.DelegationVerification, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return invalid(ReasonStoreUnavailable), fmt.Errorf("failed to get delegation: %w", err)
	}
	if d == nil {
		return invalid(ReasonNotFound), nil
	}

	now := m.now()

	if d.Status != types.DelegationStatusActive {
		res := invalid(fmt.Sprintf("Delegation is %s", d.Status))
		res.Delegation = d
		res.Revoked = d.Status == types.DelegationStatusRevoked
		res.Expired = d.Status == types.DelegationStatusExpired || expired(d, now)
		if res.Expired && !res.Revoked {
			res.Reason = ReasonExpired
		}
		return res, nil
	}

	if expired(d, now) {
		m.expire(ctx, id)
		res := invalid(ReasonExpired)
		res.Expired = true
		res.Delegation = d
		return res, nil
	}

	if d.Delegatee != delegatee {
		return invalidFor(d, ReasonDelegateeMismatch), nil
	}

	ok, err := m.checkSignature(ctx, d, d.Signature)
	if err != nil {
		logger.Warn(ctx, "delegation signature check failed", "delegation_id", id, "error", err)
		return invalidFor(d, ReasonSignatureUnavailable), nil
	}
	if !ok {
		return invalidFor(d, ReasonInvalidSignature), nil
	}

	scope := d.Scope
	if len(scope.Policies) > 0 && !contains(scope.Policies, vc.PolicyID) {
		return invalidFor(d, ReasonPolicyNotInScope), nil
	}

	if scope.MaxAmount != "" {
		ceiling, err := types.ParseAmount(scope.MaxAmount)
		if err != nil {
			return invalidFor(d, ReasonInvalidAmount), nil
		}
		requested := new(big.Int)
		if vc.Amount != "" {
			if requested, err = types.ParseAmount(vc.Amount); err != nil {
				return invalidFor(d, ReasonInvalidAmount), nil
			}
		}
		if requested.Cmp(ceiling) > 0 {
			return invalidFor(d, ReasonAmountExceedsScope), nil
		}
	}

	if scope.TimeLimit > 0 && now.Sub(d.CreatedAt) > time.Duration(scope.TimeLimit)*time.Second {
		return invalidFor(d, ReasonTimeLimitExceeded), nil
	}

	if vc.Action != "" && len(scope.AllowedActions) > 0 && !contains(scope.AllowedActions, vc.Action) {
		return invalidFor(d, ReasonActionNotInScope), nil
	}
	if vc.Network != "" && len(scope.AllowedNetworks) > 0 && !contains(scope.AllowedNetworks, vc.Network) {
		return invalidFor(d, ReasonNetworkNotInScope), nil
	}

	return types.DelegationVerification{Valid: true, Delegation: d}, nil
}

func invalid(reason string) types.DelegationVerification {
	return types.DelegationVerification{Valid: false, Reason: reason}
}

func invalidFor(d *types.Delegation, reason string) types.DelegationVerification {
	return types.DelegationVerification{Valid: false, Reason: reason, Delegation: d}
}

func expired(d *types.Delegation, now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (m *Manager) checkSignature(ctx context.Context, d *types.Delegation, signature string) (bool, error) {
	if m.opts.Verifier == nil {
		return false, fmt.Errorf("no signature verifier configured")
	}
	if signature == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.SignatureTimeout)
	defer cancel()

	key, err := m.opts.Keys.PublicKey(ctx, d.Delegator)
	if err != nil {
		return false, fmt.Errorf("resolve delegator key: %w", err)
	}
	payload, err := CanonicalPayload(d)
	if err != nil {
		return false, err
	}
	return m.opts.Verifier.Verify(ctx, signature, payload, key)
}

// RevokeDelegation permanently disables a pending or active delegation.
// Revoking an already revoked delegation returns it unchanged.
func (m *Manager) RevokeDelegation(ctx context.Context, id, reason string) (*types.Delegation, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	d, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch d.Status {
	case types.DelegationStatusRevoked:
		return d, nil
	case types.DelegationStatusExpired:
		return nil, apperrors.Conflict("delegation has already expired")
	}

	now := m.now()
	d.Status = types.DelegationStatusRevoked
	d.RevokedAt = &now
	d.RevocationReason = reason
	if err := m.store.Update(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to update delegation: %w", err)
	}

	logger.Info(ctx, "delegation revoked", "delegation_id", d.ID, "reason", reason)
	m.publish(ctx, d, types.AuditDelegationRevoked, reason)
	return d, nil
}

// GetDelegation returns a delegation by ID.
func (m *Manager) GetDelegation(ctx context.Context, id string) (*types.Delegation, error) {
	return m.load(ctx, id)
}

// ListDelegations returns delegations matching filter, oldest first.
func (m *Manager) ListDelegations(ctx context.Context, filter ListFilter) ([]*types.Delegation, error) {
	out, err := m.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list delegations: %w", err)
	}
	return out, nil
}

// CleanupExpired moves pending and active delegations past ExpiresAt to
// expired and returns how many changed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	var candidates []*types.Delegation
	for _, status := range []types.DelegationStatus{types.DelegationStatusPending, types.DelegationStatusActive} {
		list, err := m.store.List(ctx, ListFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("failed to list delegations: %w", err)
		}
		candidates = append(candidates, list...)
	}

	n := 0
	for _, d := range candidates {
		if expired(d, now) && m.expire(ctx, d.ID) {
			n++
		}
	}
	return n, nil
}

// expire transitions id to expired if it is still pending or active and
// past expiry. It is safe to call repeatedly.
func (m *Manager) expire(ctx context.Context, id string) bool {
	unlock := m.locks.Lock(id)
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil || d == nil {
		return false
	}
	return m.expireLocked(ctx, d)
}

func (m *Manager) expireLocked(ctx context.Context, d *types.Delegation) bool {
	if d.Status != types.DelegationStatusActive && d.Status != types.DelegationStatusPending {
		return false
	}
	if !expired(d, m.now()) {
		return false
	}

	d.Status = types.DelegationStatusExpired
	if err := m.store.Update(ctx, d); err != nil {
		logger.Error(ctx, "failed to expire delegation", "delegation_id", d.ID, "error", err)
		return false
	}
	m.publish(ctx, d, types.AuditDelegationExpired, "")
	return true
}

func (m *Manager) load(ctx context.Context, id string) (*types.Delegation, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get delegation: %w", err)
	}
	if d == nil {
		return nil, apperrors.NotFound("delegation", id)
	}
	return d, nil
}

// publish registers the transition with the ledger and the audit trail.
// The ledger receipt is written back as LedgerTxID when it arrives.
func (m *Manager) publish(ctx context.Context, d *types.Delegation, event types.AuditRecordType, reason string) {
	if m.opts.Recorder != nil {
		payload, err := json.Marshal(struct {
			Event      types.AuditRecordType `json:"event"`
			Delegation *types.Delegation     `json:"delegation"`
		}{event, d})
		if err != nil {
			logger.Error(ctx, "failed to marshal delegation for ledger", "delegation_id", d.ID, "error", err)
		} else {
			id := d.ID
			if !m.opts.Recorder.RecordThen(types.TopicDelegations, payload, func(r ledger.Receipt) {
				m.setLedgerTx(id, r.TransactionID)
			}) {
				logger.Warn(ctx, "ledger recorder shed delegation registration", "delegation_id", d.ID)
			}
		}
	}

	if m.opts.Audit != nil {
		m.opts.Audit.Log(ctx, types.AuditRecord{
			Type:       event,
			AgentID:    d.Delegatee,
			UserID:     d.Delegator,
			ResourceID: d.ID,
			Reason:     reason,
			Amount:     d.Scope.MaxAmount,
			Metadata:   map[string]string{"status": string(d.Status)},
			Timestamp:  m.now(),
		})
	}
}

func (m *Manager) setLedgerTx(id, txID string) {
	ctx := context.Background()
	unlock := m.locks.Lock(id)
	defer unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil || d == nil {
		return
	}
	d.LedgerTxID = txID
	if err := m.store.Update(ctx, d); err != nil {
		logger.Warn(ctx, "failed to store ledger receipt", "delegation_id", id, "error", err)
	}
}
