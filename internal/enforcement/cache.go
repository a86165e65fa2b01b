package enforcement

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/better-wallet/spendguard/pkg/types"
)

const (
	DefaultCacheTTL = 300 * time.Second
	pruneEvery      = 1024
)

// cacheEntry is immutable once stored.
type cacheEntry struct {
	result  types.PolicyEvaluationResult
	expires time.Time
}

// resultCache memoises evaluation results keyed by policy version and a
// digest of the request fields the evaluation can see. Entries expire at a
// fixed instant; reads never extend them.
type resultCache struct {
	ttl     time.Duration
	entries sync.Map // map[string]*cacheEntry
	writes  atomic.Int64
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{ttl: ttl}
}

// cacheable reports whether results of type t depend only on the policy and
// the request. Rate and time results also depend on counters and the clock.
func cacheable(t types.PolicyType) bool {
	return t == types.PolicyTypeSpendingLimit || t == types.PolicyTypeAccessControl
}

// contextDigest covers every request field an evaluator reads.
type contextDigest struct {
	UserID    string            `json:"user_id"`
	AgentID   string            `json:"agent_id"`
	Endpoint  string            `json:"endpoint"`
	Method    string            `json:"method"`
	Amount    string            `json:"amount"`
	Currency  string            `json:"currency"`
	Origin    string            `json:"origin"`
	UserAgent string            `json:"user_agent"`
	IPAddress string            `json:"ip_address"`
	Headers   map[string]string `json:"headers"`
}

func cacheKey(p *types.Policy, req *types.RequestContext) (string, error) {
	raw, err := json.Marshal(contextDigest{
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Amount:    types.AmountString(req.Amount),
		Currency:  req.Currency,
		Origin:    req.Origin,
		UserAgent: req.UserAgent,
		IPAddress: req.IPAddress,
		Headers:   req.Headers,
	})
	if err != nil {
		return "", fmt.Errorf("serialize request context: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return fmt.Sprintf("%s|%d|%s", p.ID, p.UpdatedAt.UnixNano(), hex.EncodeToString(sum[:])), nil
}

func (c *resultCache) get(key string, now time.Time) (types.PolicyEvaluationResult, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return types.PolicyEvaluationResult{}, false
	}
	e := v.(*cacheEntry)
	if !now.Before(e.expires) {
		c.entries.CompareAndDelete(key, v)
		return types.PolicyEvaluationResult{}, false
	}
	res := e.result
	res.Violations = append([]types.Violation(nil), e.result.Violations...)
	return res, true
}

// set stores res until the earliest of the TTL, the policy's expiry and the
// result's own reset time.
func (c *resultCache) set(key string, p *types.Policy, res types.PolicyEvaluationResult, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	expires := now.Add(c.ttl)
	if p.ExpiresAt != nil && p.ExpiresAt.Before(expires) {
		expires = *p.ExpiresAt
	}
	if res.ResetTime != nil && res.ResetTime.Before(expires) {
		expires = *res.ResetTime
	}
	if !now.Before(expires) {
		return
	}

	stored := res
	stored.Violations = append([]types.Violation(nil), res.Violations...)
	c.entries.Store(key, &cacheEntry{result: stored, expires: expires})

	if c.writes.Add(1)%pruneEvery == 0 {
		c.prune(now)
	}
}

func (c *resultCache) prune(now time.Time) {
	c.entries.Range(func(k, v any) bool {
		if !now.Before(v.(*cacheEntry).expires) {
			c.entries.CompareAndDelete(k, v)
		}
		return true
	})
}

func (c *resultCache) invalidatePolicy(policyID string) {
	prefix := policyID + "|"
	c.entries.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			c.entries.Delete(k)
		}
		return true
	})
}

func (c *resultCache) clear() {
	c.entries.Range(func(k, _ any) bool {
		c.entries.Delete(k)
		return true
	})
}

func (c *resultCache) len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
