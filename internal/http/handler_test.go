package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain"
	"TokenSettle/internal/config"
	"TokenSettle/internal/pricing"
	"TokenSettle/internal/services"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubOracle struct{}

func (stubOracle) SpotPrice(context.Context, string) (pricing.Quote, error) {
	return pricing.Quote{Price: decimal.NewFromInt(150), FetchedAt: time.Now(), Source: "oracle"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg, err := assets.NewRegistry([]config.Asset{
		{Symbol: "SOL", Kind: "native", Decimals: 9},
		{Symbol: "TKN", Kind: "product", Mint: "So11111111111111111111111111111111111111112", Decimals: 6, UnitPriceUSD: "1.5"},
	})
	require.NoError(t, err)
	h := NewHandler(&services.SwapService{}, &services.StakeService{}, &services.ReferralService{}, pricing.Service{Oracle: stubOracle{}}, reg, zerolog.Nop())
	return NewServer(h)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetPrice(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prices/sol", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "SOL", body["asset"])
	require.Equal(t, "150", body["priceUsd"])

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prices/TKN", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "fixed", body["source"])

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prices/DOGE", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOwnerHeaderRequired(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/swaps/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedBodies(t *testing.T) {
	srv := newTestServer(t)
	for _, tc := range []struct{ path, body string }{
		{"/swaps/", `{`},
		{"/swaps/initiate", `{"inputAsset":"SOL","amount":"abc"}`},
		{"/stakes/prepare", `{"amount":""}`},
		{"/stakes/execute", `not json`},
	} {
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
		req.Header.Set("X-User-Id", "alice")
		rec := httptest.NewRecorder()
		srv.Router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, tc.path)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: amount", services.ErrValidation), http.StatusBadRequest},
		{services.ErrInsufficientBalance, http.StatusPaymentRequired},
		{services.ErrInvalidCustody, http.StatusPreconditionFailed},
		{fmt.Errorf("%w: sig", services.ErrReplay), http.StatusConflict},
		{services.ErrNotFound, http.StatusNotFound},
		{services.ErrLockPeriod, http.StatusLocked},
		{&services.SubmissionError{Op: "swap_funds_in", Kind: chain.FailureFee}, http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		got, _ := statusFor(tc.err)
		require.Equal(t, tc.want, got, tc.err.Error())
	}

	_, msg := statusFor(&services.SubmissionError{Kind: chain.FailureRent})
	require.Equal(t, "not enough SOL to cover account rent", msg)
}
