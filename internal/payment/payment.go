// Package payment holds the cost model and the outbound fetch collaborators
// the session runtime calls for each admitted request.
package payment

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/better-wallet/spendguard/pkg/types"
)

// CostEstimator prices a request before it is executed.
type CostEstimator interface {
	Estimate(ctx context.Context, req types.RequestContext) (*big.Int, error)
}

// Fetcher performs the outbound call with payment attached. budget is the
// most the call may be charged.
type Fetcher interface {
	Execute(ctx context.Context, req types.RequestContext, budget *big.Int) (*types.FetchResponse, error)
}

// EstimatorFunc adapts a function to CostEstimator.
type EstimatorFunc func(ctx context.Context, req types.RequestContext) (*big.Int, error)

func (f EstimatorFunc) Estimate(ctx context.Context, req types.RequestContext) (*big.Int, error) {
	return f(ctx, req)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req types.RequestContext, budget *big.Int) (*types.FetchResponse, error)

func (f FetcherFunc) Execute(ctx context.Context, req types.RequestContext, budget *big.Int) (*types.FetchResponse, error) {
	return f(ctx, req, budget)
}

type endpointCost struct {
	pattern string
	cost    *big.Int
}

// StaticEstimator prices a request at its declared amount, else by the
// most specific endpoint entry, else at the default cost.
type StaticEstimator struct {
	defaultCost *big.Int
	endpoints   []endpointCost
}

// NewStaticEstimator parses a default cost and an endpoint table. Endpoint
// keys are exact endpoints or "prefix*" patterns.
func NewStaticEstimator(defaultCost string, endpointCosts map[string]string) (*StaticEstimator, error) {
	e := &StaticEstimator{defaultCost: new(big.Int)}
	if defaultCost != "" {
		n, err := types.ParseAmount(defaultCost)
		if err != nil {
			return nil, fmt.Errorf("default cost: %w", err)
		}
		e.defaultCost = n
	}

	for pattern, raw := range endpointCosts {
		n, err := types.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("cost for %s: %w", pattern, err)
		}
		e.endpoints = append(e.endpoints, endpointCost{pattern: pattern, cost: n})
	}
	// exact entries first, then longer prefixes
	sort.Slice(e.endpoints, func(i, j int) bool {
		wi := strings.HasSuffix(e.endpoints[i].pattern, "*")
		wj := strings.HasSuffix(e.endpoints[j].pattern, "*")
		if wi != wj {
			return !wi
		}
		if len(e.endpoints[i].pattern) != len(e.endpoints[j].pattern) {
			return len(e.endpoints[i].pattern) > len(e.endpoints[j].pattern)
		}
		return e.endpoints[i].pattern < e.endpoints[j].pattern
	})
	return e, nil
}

func (e *StaticEstimator) Estimate(_ context.Context, req types.RequestContext) (*big.Int, error) {
	if req.Amount != nil {
		if req.Amount.Sign() < 0 {
			return nil, fmt.Errorf("request amount is negative")
		}
		return new(big.Int).Set(req.Amount), nil
	}
	for _, ec := range e.endpoints {
		if ec.pattern == req.Endpoint ||
			(strings.HasSuffix(ec.pattern, "*") && strings.HasPrefix(req.Endpoint, strings.TrimSuffix(ec.pattern, "*"))) {
			return new(big.Int).Set(ec.cost), nil
		}
	}
	return new(big.Int).Set(e.defaultCost), nil
}
