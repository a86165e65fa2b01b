package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/better-wallet/spendguard/internal/logger"
	"github.com/better-wallet/spendguard/internal/metrics"
	"github.com/better-wallet/spendguard/internal/signing"
	"github.com/better-wallet/spendguard/pkg/types"
)

const maxResponseBytes = 4 << 20

// errServerStatus marks a 5xx answer so the breaker counts it; the
// response itself is still handed back to the caller.
var errServerStatus = errors.New("upstream returned a server error")

// HTTPFetcherConfig configures HTTPFetcher.
type HTTPFetcherConfig struct {
	Network string
	Timeout time.Duration
}

// HTTPFetcher calls the target endpoint with a signed X-PAYMENT header.
type HTTPFetcher struct {
	signer  signing.Signer
	network string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewHTTPFetcher(signer signing.Signer, cfg HTTPFetcherConfig, m *metrics.Metrics) *HTTPFetcher {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(name, float64(to))
		},
	})

	return &HTTPFetcher{
		signer:  signer,
		network: cfg.Network,
		client:  &http.Client{Timeout: cfg.Timeout},
		cb:      cb,
		now:     time.Now,
	}
}

// Execute performs req against its endpoint. Any HTTP answer, including
// 4xx and 5xx, is returned as a response; only transport failures, an open
// breaker or a signing failure are errors.
func (f *HTTPFetcher) Execute(ctx context.Context, req types.RequestContext, budget *big.Int) (*types.FetchResponse, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("endpoint %q is not an absolute http(s) URL", req.Endpoint)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = types.DefaultCurrency
	}
	header, err := BuildPaymentHeader(ctx, f.signer, PaymentHeader{
		Network:   f.network,
		Amount:    types.AmountString(budget),
		Currency:  currency,
		Endpoint:  req.Endpoint,
		Nonce:     nonce,
		Timestamp: f.now().Unix(),
	})
	if err != nil {
		return nil, err
	}

	out, err := f.cb.Execute(func() (interface{}, error) {
		return f.do(ctx, u, req, header)
	})
	if fr, ok := out.(*types.FetchResponse); ok && fr != nil {
		return fr, nil
	}
	return nil, err
}

func (f *HTTPFetcher) do(ctx context.Context, u *url.URL, req types.RequestContext, header string) (*types.FetchResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set(HeaderName, header)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.Endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	fr := &types.FetchResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       data,
	}
	for k := range resp.Header {
		fr.Headers[k] = resp.Header.Get(k)
	}
	if resp.StatusCode >= 500 {
		return fr, errServerStatus
	}
	return fr, nil
}
