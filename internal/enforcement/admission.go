package enforcement

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/pkg/types"
)

// Admission holds the side effects of an allowed decision until the caller
// knows whether the request actually runs. Only the first Commit or Cancel
// takes effect. A nil Admission is valid and does nothing.
type Admission struct {
	engine    *Engine
	req       types.RequestContext
	result    types.EnforcementResult
	evaluated []evaluated
	now       time.Time
	once      sync.Once
}

// Commit keeps the reserved rate slots, records amount against every
// spending-limit policy and audits the processed payment. A nil amount
// commits the amount the policies evaluated.
func (a *Admission) Commit(ctx context.Context, amount *big.Int) {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if amount == nil {
			amount = a.req.AmountOrZero()
		}
		for _, ev := range a.evaluated {
			if ev.policy.Type != types.PolicyTypeSpendingLimit {
				continue
			}
			if err := a.engine.policies.RecordUsage(ctx, ev.policy, amount); err != nil {
				logger.Warn(ctx, "failed to record policy usage", "policy_id", ev.policy.ID, "error", err)
			}
		}
		a.engine.auditDecision(ctx, &a.req, a.result, amount, a.now)
	})
}

// Cancel returns the reserved rate slots. No usage is recorded.
func (a *Admission) Cancel(ctx context.Context) {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.engine.release(ctx, a.evaluated, a.now)
		logger.Debug(ctx, "admission cancelled", "request_id", a.req.RequestID)
	})
}
