package payment

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/spendguard/internal/signing"
	"github.com/better-wallet/spendguard/pkg/types"
)

func TestStaticEstimator(t *testing.T) {
	est, err := NewStaticEstimator("100", map[string]string{
		"https://api.example.com/v1/search": "2500",
		"https://api.example.com/v1/*":      "700",
		"https://api.example.com/*":         "300",
	})
	require.NoError(t, err)

	tests := []struct {
		name     string
		endpoint string
		amount   *big.Int
		want     string
	}{
		{"declared amount wins", "https://api.example.com/v1/search", big.NewInt(42), "42"},
		{"exact endpoint", "https://api.example.com/v1/search", nil, "2500"},
		{"longest prefix", "https://api.example.com/v1/images", nil, "700"},
		{"shorter prefix", "https://api.example.com/v2/images", nil, "300"},
		{"default", "https://other.example.com/", nil, "100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := est.Estimate(context.Background(), types.RequestContext{Endpoint: tt.endpoint, Amount: tt.amount})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err = est.Estimate(context.Background(), types.RequestContext{Amount: big.NewInt(-1)})
	assert.Error(t, err)
}

func TestNewStaticEstimator_RejectsBadAmounts(t *testing.T) {
	_, err := NewStaticEstimator("1.5", nil)
	assert.Error(t, err)
	_, err = NewStaticEstimator("", map[string]string{"/x": "-3"})
	assert.Error(t, err)

	est, err := NewStaticEstimator("", nil)
	require.NoError(t, err)
	got, err := est.Estimate(context.Background(), types.RequestContext{Endpoint: "/x"})
	require.NoError(t, err)
	assert.Equal(t, "0", got.String())
}

func TestPaymentHeader_RoundTrip(t *testing.T) {
	ctx := context.Background()
	signer, err := signing.GenerateEthereumSigner()
	require.NoError(t, err)

	value, err := BuildPaymentHeader(ctx, signer, PaymentHeader{
		Network:   "base-sepolia",
		Amount:    "100000",
		Currency:  "USDC",
		Endpoint:  "https://api.example.com/v1/data",
		Nonce:     "00ff",
		Timestamp: 1767225600,
	})
	require.NoError(t, err)

	h, err := DecodePaymentHeader(value)
	require.NoError(t, err)
	assert.Equal(t, types.SchemeEthereum, h.Scheme)
	assert.Equal(t, signer.PublicKey(), h.Payer)
	assert.Equal(t, "100000", h.Amount)
	assert.NotEmpty(t, h.Signature)

	ok, err := VerifyPaymentHeader(ctx, signing.EthereumVerifier{}, h)
	require.NoError(t, err)
	assert.True(t, ok)

	h.Amount = "100001"
	ok, err = VerifyPaymentHeader(ctx, signing.EthereumVerifier{}, h)
	require.NoError(t, err)
	assert.False(t, ok, "amount is covered by the signature")

	_, err = DecodePaymentHeader("not base64!")
	assert.Error(t, err)
}

func newTestFetcher(t *testing.T) (*HTTPFetcher, *signing.Ed25519Signer) {
	t.Helper()
	signer, err := signing.GenerateEd25519Signer()
	require.NoError(t, err)
	f := NewHTTPFetcher(signer, HTTPFetcherConfig{Network: "base", Timeout: 2 * time.Second}, nil)
	f.now = func() time.Time { return time.Unix(1767225600, 0) }
	return f, signer
}

func TestHTTPFetcher_AttachesSignedHeader(t *testing.T) {
	var got PaymentHeader
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, err := DecodePaymentHeader(r.Header.Get(HeaderName))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got = h
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f, signer := newTestFetcher(t)
	resp, err := f.Execute(context.Background(), types.RequestContext{
		Endpoint: srv.URL + "/v1/data",
		Method:   http.MethodPost,
		Headers:  map[string]string{"X-Trace": "yes"},
		Body:     []byte(`{"q":1}`),
	}, big.NewInt(5000))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])

	assert.Equal(t, `{"q":1}`, gotBody)
	assert.Equal(t, "5000", got.Amount)
	assert.Equal(t, types.DefaultCurrency, got.Currency)
	assert.Equal(t, "base", got.Network)
	assert.Equal(t, int64(1767225600), got.Timestamp)
	assert.Len(t, got.Nonce, 32)
	assert.Equal(t, signer.PublicKey(), got.Payer)

	ok, err := VerifyPaymentHeader(context.Background(), signing.Ed25519Verifier{}, got)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPFetcher_ReturnsErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	resp, err := f.Execute(context.Background(), types.RequestContext{Endpoint: srv.URL}, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream down", string(resp.Body))
}

func TestHTTPFetcher_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := f.Execute(ctx, types.RequestContext{Endpoint: srv.URL}, big.NewInt(1))
		require.NoError(t, err)
	}

	_, err := f.Execute(ctx, types.RequestContext{Endpoint: srv.URL}, big.NewInt(1))
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(6), hits.Load())
}

func TestHTTPFetcher_RejectsRelativeEndpoints(t *testing.T) {
	f, _ := newTestFetcher(t)
	for _, endpoint := range []string{"/v1/data", "ftp://example.com/x", ""} {
		_, err := f.Execute(context.Background(), types.RequestContext{Endpoint: endpoint}, big.NewInt(1))
		assert.Error(t, err, endpoint)
	}
}

func TestHTTPFetcher_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f, _ := newTestFetcher(t)
	_, err := f.Execute(context.Background(), types.RequestContext{Endpoint: url}, big.NewInt(1))
	assert.Error(t, err)
}

func TestFuncAdapters(t *testing.T) {
	est := EstimatorFunc(func(context.Context, types.RequestContext) (*big.Int, error) {
		return big.NewInt(7), nil
	})
	n, err := est.Estimate(context.Background(), types.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n.Int64())

	fetch := FetcherFunc(func(_ context.Context, _ types.RequestContext, budget *big.Int) (*types.FetchResponse, error) {
		return &types.FetchResponse{StatusCode: int(budget.Int64())}, nil
	})
	resp, err := fetch.Execute(context.Background(), types.RequestContext{}, big.NewInt(204))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
}
