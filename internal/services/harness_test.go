package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"TokenSettle/internal/assets"
	"TokenSettle/internal/chain/chaintest"
	"TokenSettle/internal/config"
	"TokenSettle/internal/custody"
	"TokenSettle/internal/metrics"
	"TokenSettle/internal/models"
	"TokenSettle/internal/payments"
	"TokenSettle/internal/pricing"
	"TokenSettle/internal/txbuilder"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const lamports = 1_000_000_000

type fixedOracle struct {
	prices map[string]decimal.Decimal
}

func (o *fixedOracle) SpotPrice(_ context.Context, symbol string) (pricing.Quote, error) {
	p, ok := o.prices[symbol]
	if !ok {
		return pricing.Quote{}, pricing.ErrNoPrice
	}
	return pricing.Quote{Price: p, FetchedAt: time.Now(), Source: "test"}, nil
}

type harness struct {
	t        *testing.T
	store    *memStore
	ledger   *chaintest.Ledger
	registry *assets.Registry
	creds    *custody.Credentials
	vault    *custody.Vault
	settler  *payments.Settler
	metrics  *metrics.Settlement
	oracle   *fixedOracle
	now      time.Time

	usdcMint solana.PublicKey
	tknMint  solana.PublicKey
	tkn2Mint solana.PublicKey
	dest     solana.PublicKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    newMemStore(),
		ledger:   chaintest.New(),
		metrics:  metrics.NewUnregistered(),
		oracle:   &fixedOracle{prices: map[string]decimal.Decimal{"SOL": decimal.NewFromInt(150)}},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		usdcMint: solana.NewWallet().PublicKey(),
		tknMint:  solana.NewWallet().PublicKey(),
		tkn2Mint: solana.NewWallet().PublicKey(),
		dest:     solana.NewWallet().PublicKey(),
	}
	reg, err := assets.NewRegistry([]config.Asset{
		{Symbol: "SOL", Kind: "native", Decimals: 9},
		{Symbol: "USDC", Kind: "stable", Mint: h.usdcMint.String(), Decimals: 6},
		{Symbol: "TKN", Kind: "product", Mint: h.tknMint.String(), Decimals: 6, UnitPriceUSD: "1.5"},
		{Symbol: "TKN2", Kind: "product", Mint: h.tkn2Mint.String(), Decimals: 6, UnitPriceUSD: "0.25"},
	})
	require.NoError(t, err)
	h.registry = reg

	vault, err := custody.NewVault(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)
	h.vault = vault
	h.creds = custody.NewCredentials(solana.NewWallet().PrivateKey, solana.NewWallet().PrivateKey)
	h.settler = payments.NewSettler(h.ledger, time.Second, h.metrics)

	h.ledger.SetTokenBalance(h.creds.AuthorityAddress(), h.tknMint, 1_000_000*1_000_000)
	h.ledger.SetTokenBalance(h.creds.AuthorityAddress(), h.tkn2Mint, 1_000_000*1_000_000)
	h.ledger.SetBalance(h.creds.FundingAddress(), 10*lamports)
	return h
}

func (h *harness) clock() Clock { return func() time.Time { return h.now } }

// owner registers a wallet. Custodial owners get a sealed key.
func (h *harness) owner(id string, custodial bool, referredBy string) (*models.Wallet, solana.PrivateKey) {
	h.t.Helper()
	key := solana.NewWallet().PrivateKey
	w := &models.Wallet{
		OwnerID:      id,
		Address:      key.PublicKey().String(),
		ReferralCode: "code-" + id,
		Tier:         models.TierStandard,
		CreatedAt:    h.now,
	}
	if custodial {
		sealed, err := h.vault.Seal(key)
		require.NoError(h.t, err)
		w.EncryptedKey = sealed
	}
	if referredBy != "" {
		w.ReferredBy = &referredBy
	}
	h.store.addWallet(w)
	return w, key
}

func (h *harness) swapService() *SwapService {
	return &SwapService{
		Store:          h.store,
		Assets:         h.registry,
		Pricing:        pricing.Service{Oracle: h.oracle},
		Ledger:         h.ledger,
		Settler:        h.settler,
		Credentials:    h.creds,
		Vault:          h.vault,
		Destination:    h.dest,
		PrimaryProduct: "TKN",
		SettleDelay:    time.Second,
		PendingTimeout: 3 * time.Minute,
		Metrics:        h.metrics,
		Log:            zerolog.Nop(),
		Clock:          h.clock(),
		Sleep:          func(context.Context, time.Duration) error { return nil },
	}
}

func (h *harness) referralService() *ReferralService {
	return &ReferralService{
		Store:       h.store,
		Assets:      h.registry,
		Pricing:     pricing.Service{Oracle: h.oracle},
		Settler:     h.settler,
		Credentials: h.creds,
		Rates: ReferralRates{
			Standard:  decimal.RequireFromString("0.10"),
			Elevated:  decimal.RequireFromString("0.15"),
			Secondary: decimal.RequireFromString("0.05"),
			Threshold: decimal.NewFromInt(500),
		},
		PrimaryProduct:   "TKN",
		SecondaryProduct: "TKN2",
		ChainAsset:       "SOL",
		Metrics:          h.metrics,
		Log:              zerolog.Nop(),
	}
}

// sign decodes an unsigned payload, signs it with key and re-encodes it.
func sign(t *testing.T, payload string, key solana.PrivateKey) string {
	t.Helper()
	tx, _, err := txbuilder.Decode(payload)
	require.NoError(t, err)
	require.NoError(t, txbuilder.Sign(tx, key))
	out, err := txbuilder.Encode(tx)
	require.NoError(t, err)
	return out
}

func feePayer(tx *solana.Transaction) solana.PublicKey {
	return tx.Message.AccountKeys[0]
}
